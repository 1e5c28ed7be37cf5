package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CollabType identifies what kind of object a collaboration group backs.
// Only Document is eligible for plain-text indexing today.
type CollabType int16

const (
	CollabTypeDocument CollabType = iota
	CollabTypeDatabase
	CollabTypeWorkspaceDatabase
	CollabTypeFolder
	CollabTypeUserAwareness
)

// EncodedCollab is the at-rest/wire encoding of a group's CRDT state.
type EncodedCollab struct {
	StateVector []byte
	DocState    []byte
}

// CollabStateRow is a persisted collaboration group snapshot.
type CollabStateRow struct {
	ObjectID    string
	WorkspaceID string
	CollabType  CollabType
	Encoded     EncodedCollab
	EditCount   int
	UpdatedAt   time.Time
}

// UnindexedCollab names an object that has not yet had an embedding fragment produced for it.
type UnindexedCollab struct {
	ObjectID    string
	WorkspaceID string
	CollabType  CollabType
}

// EmbeddingFragment is a unit of extracted text dispatched to the embedding pipeline.
type EmbeddingFragment struct {
	FragmentID  string
	ObjectID    string
	WorkspaceID string
	ContentType int16
	Content     string
}

// ErrCollabNotFound is returned when a load finds no row for an object id.
var ErrCollabNotFound = errors.New("collab state not found")

// CollabDB provides persistence for collaboration group state and indexing backlog.
type CollabDB struct {
	db *sql.DB
}

// NewCollabDB creates a CollabDB bound to an existing connection.
func NewCollabDB(database *Database) *CollabDB {
	return &CollabDB{db: database.DB()}
}

// LoadCollab fetches the persisted state for an object, if any.
func (c *CollabDB) LoadCollab(objectID string) (*CollabStateRow, error) {
	row := c.db.QueryRow(
		`SELECT object_id, workspace_id, collab_type, doc_state, state_vector, edit_count, updated_at
		 FROM af_collab_state WHERE object_id = $1`,
		objectID,
	)

	var out CollabStateRow
	err := row.Scan(&out.ObjectID, &out.WorkspaceID, &out.CollabType,
		&out.Encoded.DocState, &out.Encoded.StateVector, &out.EditCount, &out.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCollabNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load collab state: %w", err)
	}
	return &out, nil
}

// UpsertCollab persists (creating or replacing) a group's encoded state.
func (c *CollabDB) UpsertCollab(row CollabStateRow) error {
	_, err := c.db.Exec(
		`INSERT INTO af_collab_state (object_id, workspace_id, collab_type, doc_state, state_vector, edit_count, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, CURRENT_TIMESTAMP)
		 ON CONFLICT (object_id) DO UPDATE SET
		   doc_state = EXCLUDED.doc_state,
		   state_vector = EXCLUDED.state_vector,
		   edit_count = EXCLUDED.edit_count,
		   updated_at = CURRENT_TIMESTAMP`,
		row.ObjectID, row.WorkspaceID, row.CollabType, row.Encoded.DocState, row.Encoded.StateVector, row.EditCount,
	)
	if err != nil {
		return fmt.Errorf("upsert collab state: %w", err)
	}

	_, err = c.db.Exec(
		`INSERT INTO af_collab_index_status (object_id, workspace_id, indexed, updated_at)
		 VALUES ($1, $2, false, CURRENT_TIMESTAMP)
		 ON CONFLICT (object_id) DO UPDATE SET indexed = false, updated_at = CURRENT_TIMESTAMP`,
		row.ObjectID, row.WorkspaceID,
	)
	if err != nil {
		return fmt.Errorf("mark collab unindexed: %w", err)
	}
	return nil
}

// UnindexedDocuments returns Document-type objects still awaiting an embedding pass, oldest first.
func (c *CollabDB) UnindexedDocuments(limit int) ([]UnindexedCollab, error) {
	rows, err := c.db.Query(
		`SELECT s.object_id, s.workspace_id, s.collab_type
		 FROM af_collab_index_status i
		 JOIN af_collab_state s ON s.object_id = i.object_id
		 WHERE i.indexed = false AND s.collab_type = $1
		 ORDER BY i.updated_at ASC
		 LIMIT $2`,
		CollabTypeDocument, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query unindexed documents: %w", err)
	}
	defer rows.Close()

	var out []UnindexedCollab
	for rows.Next() {
		var u UnindexedCollab
		if err := rows.Scan(&u.ObjectID, &u.WorkspaceID, &u.CollabType); err != nil {
			return nil, fmt.Errorf("scan unindexed document: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// RecordEmbeddingFragment stores an extracted fragment and marks the source object indexed.
func (c *CollabDB) RecordEmbeddingFragment(f EmbeddingFragment) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("begin embedding tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO af_collab_embeddings (fragment_id, oid, workspace_id, content_type, content, indexed_at)
		 VALUES ($1, $2, $3, $4, $5, CURRENT_TIMESTAMP)
		 ON CONFLICT (fragment_id) DO UPDATE SET content = EXCLUDED.content, indexed_at = CURRENT_TIMESTAMP`,
		f.FragmentID, f.ObjectID, f.WorkspaceID, f.ContentType, f.Content,
	)
	if err != nil {
		return fmt.Errorf("insert embedding fragment: %w", err)
	}

	_, err = tx.Exec(
		`UPDATE af_collab_index_status SET indexed = true, updated_at = CURRENT_TIMESTAMP WHERE object_id = $1`,
		f.ObjectID,
	)
	if err != nil {
		return fmt.Errorf("mark object indexed: %w", err)
	}

	return tx.Commit()
}
