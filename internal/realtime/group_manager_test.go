package realtime

import (
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamspace/collab-core/internal/cache"
	"github.com/streamspace/collab-core/internal/db"
)

type fakeIndexer struct {
	fragments []string
}

func (f *fakeIndexer) SubmitFragment(workspaceID, objectID string, collabType db.CollabType, content string) error {
	f.fragments = append(f.fragments, content)
	return nil
}

func newTestGroupManager(t *testing.T) (*GroupManager, sqlmock.Sqlmock, *fakeIndexer) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	storage := db.NewCollabDB(db.NewDatabaseForTesting(mockDB))
	indexer := &fakeIndexer{}
	gm := NewGroupManager(storage, indexer, time.Hour, 1000, 3600, 50*time.Millisecond)
	return gm, mock, indexer
}

func TestGroupManager_GetOrCreateGroup_SingleFlight(t *testing.T) {
	gm, mock, _ := newTestGroupManager(t)

	mock.ExpectQuery("SELECT object_id, workspace_id, collab_type").
		WithArgs("obj-1").
		WillReturnRows(sqlmock.NewRows([]string{"object_id", "workspace_id", "collab_type", "doc_state", "state_vector", "edit_count", "updated_at"}))

	g1, err := gm.getOrCreateGroup("obj-1", "ws-1", db.CollabTypeDocument)
	require.NoError(t, err)

	g2, err := gm.getOrCreateGroup("obj-1", "ws-1", db.CollabTypeDocument)
	require.NoError(t, err)

	assert.Same(t, g1, g2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGroupManager_WorkspaceMismatch(t *testing.T) {
	gm, mock, _ := newTestGroupManager(t)

	mock.ExpectQuery("SELECT object_id, workspace_id, collab_type").
		WithArgs("obj-1").
		WillReturnRows(sqlmock.NewRows([]string{"object_id", "workspace_id", "collab_type", "doc_state", "state_vector", "edit_count", "updated_at"}))

	_, err := gm.getOrCreateGroup("obj-1", "ws-1", db.CollabTypeDocument)
	require.NoError(t, err)

	_, err = gm.getOrCreateGroup("obj-1", "ws-OTHER", db.CollabTypeDocument)
	assert.ErrorIs(t, err, ErrWorkspaceMismatch)
}

func TestGroupManager_RemoveUser(t *testing.T) {
	gm, mock, _ := newTestGroupManager(t)

	mock.ExpectQuery("SELECT object_id, workspace_id, collab_type").
		WithArgs("obj-1").
		WillReturnRows(sqlmock.NewRows([]string{"object_id", "workspace_id", "collab_type", "doc_state", "state_vector", "edit_count", "updated_at"}))

	u := User{UID: 1, DeviceID: "d", SessionID: "s"}
	err := gm.subscribe(u, NewClientMessageRouter(&fakeSink{}), "obj-1", "ws-1", db.CollabTypeDocument)
	require.NoError(t, err)

	entry, ok := gm.groups.Get("obj-1")
	require.True(t, ok)
	assert.Equal(t, 1, entry.group.SubscriberCount())

	gm.RemoveUser(u)
	assert.Equal(t, 0, entry.group.SubscriberCount())
}

func TestGroupManager_GetInactiveGroups(t *testing.T) {
	gm, mock, _ := newTestGroupManager(t)

	mock.ExpectQuery("SELECT object_id, workspace_id, collab_type").
		WithArgs("obj-1").
		WillReturnRows(sqlmock.NewRows([]string{"object_id", "workspace_id", "collab_type", "doc_state", "state_vector", "edit_count", "updated_at"}))

	_, err := gm.getOrCreateGroup("obj-1", "ws-1", db.CollabTypeDocument)
	require.NoError(t, err)

	assert.Empty(t, gm.GetInactiveGroups())

	time.Sleep(60 * time.Millisecond)
	assert.Contains(t, gm.GetInactiveGroups(), "obj-1")
}

func TestGroupManager_PersistGroup_DispatchesIndexing(t *testing.T) {
	gm, mock, indexer := newTestGroupManager(t)

	mock.ExpectQuery("SELECT object_id, workspace_id, collab_type").
		WithArgs("obj-1").
		WillReturnRows(sqlmock.NewRows([]string{"object_id", "workspace_id", "collab_type", "doc_state", "state_vector", "edit_count", "updated_at"}))

	group, err := gm.getOrCreateGroup("obj-1", "ws-1", db.CollabTypeDocument)
	require.NoError(t, err)
	group.ApplyMessages(User{UID: 1}, []CollabMessage{{ObjectID: "obj-1", Payload: []byte("hello")}})

	mock.ExpectExec("INSERT INTO af_collab_state").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO af_collab_index_status").WillReturnResult(sqlmock.NewResult(1, 1))

	gm.persistGroup("obj-1", group)

	require.Len(t, indexer.fragments, 1)
	assert.Equal(t, "hello", indexer.fragments[0])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGroupManager_DisabledDistributedLockNeverBlocksPersist(t *testing.T) {
	gm, mock, _ := newTestGroupManager(t)
	disabledCache, err := cache.NewCache(cache.Config{Enabled: false})
	require.NoError(t, err)
	gm.SetDistributedLock(disabledCache)

	mock.ExpectQuery("SELECT object_id, workspace_id, collab_type").
		WithArgs("obj-1").
		WillReturnRows(sqlmock.NewRows([]string{"object_id", "workspace_id", "collab_type", "doc_state", "state_vector", "edit_count", "updated_at"}))

	group, err := gm.getOrCreateGroup("obj-1", "ws-1", db.CollabTypeDocument)
	require.NoError(t, err)
	group.ApplyMessages(User{UID: 1}, []CollabMessage{{ObjectID: "obj-1", Payload: []byte("hello")}})

	mock.ExpectExec("INSERT INTO af_collab_state").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO af_collab_index_status").WillReturnResult(sqlmock.NewResult(1, 1))

	gm.persistGroup("obj-1", group)
	assert.Equal(t, 0, group.editsSince)
	assert.NoError(t, mock.ExpectationsWereMet())
}
