package db

import (
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCollab_Found(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	c := NewCollabDB(NewDatabaseForTesting(mockDB))

	rows := sqlmock.NewRows([]string{"object_id", "workspace_id", "collab_type", "doc_state", "state_vector", "edit_count", "updated_at"}).
		AddRow("obj-1", "ws-1", int16(CollabTypeDocument), []byte("doc"), []byte("sv"), 3, time.Now())
	mock.ExpectQuery("SELECT object_id, workspace_id, collab_type").
		WithArgs("obj-1").
		WillReturnRows(rows)

	row, err := c.LoadCollab("obj-1")
	require.NoError(t, err)
	assert.Equal(t, "obj-1", row.ObjectID)
	assert.Equal(t, "ws-1", row.WorkspaceID)
	assert.Equal(t, []byte("doc"), row.Encoded.DocState)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadCollab_NotFound(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	c := NewCollabDB(NewDatabaseForTesting(mockDB))

	mock.ExpectQuery("SELECT object_id, workspace_id, collab_type").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"object_id", "workspace_id", "collab_type", "doc_state", "state_vector", "edit_count", "updated_at"}))

	_, err = c.LoadCollab("missing")
	assert.ErrorIs(t, err, ErrCollabNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertCollab(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	c := NewCollabDB(NewDatabaseForTesting(mockDB))

	mock.ExpectExec("INSERT INTO af_collab_state").
		WithArgs("obj-1", "ws-1", int16(CollabTypeDocument), []byte("doc"), []byte("sv"), 1).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO af_collab_index_status").
		WithArgs("obj-1", "ws-1").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = c.UpsertCollab(CollabStateRow{
		ObjectID:    "obj-1",
		WorkspaceID: "ws-1",
		CollabType:  CollabTypeDocument,
		Encoded:     EncodedCollab{DocState: []byte("doc"), StateVector: []byte("sv")},
		EditCount:   1,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUnindexedDocuments(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	c := NewCollabDB(NewDatabaseForTesting(mockDB))

	rows := sqlmock.NewRows([]string{"object_id", "workspace_id", "collab_type"}).
		AddRow("obj-1", "ws-1", int16(CollabTypeDocument)).
		AddRow("obj-2", "ws-1", int16(CollabTypeDocument))
	mock.ExpectQuery("SELECT s.object_id, s.workspace_id, s.collab_type").
		WithArgs(CollabTypeDocument, 10).
		WillReturnRows(rows)

	out, err := c.UnindexedDocuments(10)
	require.NoError(t, err)
	assert.Len(t, out, 2)
	assert.Equal(t, "obj-1", out[0].ObjectID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordEmbeddingFragment(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	c := NewCollabDB(NewDatabaseForTesting(mockDB))

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO af_collab_embeddings").
		WithArgs("frag-1", "obj-1", "ws-1", int16(0), "hello world").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE af_collab_index_status SET indexed = true").
		WithArgs("obj-1").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err = c.RecordEmbeddingFragment(EmbeddingFragment{
		FragmentID:  "frag-1",
		ObjectID:    "obj-1",
		WorkspaceID: "ws-1",
		ContentType: 0,
		Content:     "hello world",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
