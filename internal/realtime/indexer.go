package realtime

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/streamspace/collab-core/internal/db"
	"github.com/streamspace/collab-core/internal/logger"
)

// IndexerProvider is the background bridge between persisted collab state
// and the embedding pipeline: it discovers objects still lacking an
// embedding and records fragments groups submit once their content changes
// enough to warrant re-indexing.
type IndexerProvider struct {
	storage *db.CollabDB
}

// NewIndexerProvider constructs a bridge backed by storage.
func NewIndexerProvider(storage *db.CollabDB) *IndexerProvider {
	return &IndexerProvider{storage: storage}
}

// fragmentID derives a stable id from the content actually being indexed, so
// resubmitting the same (object, content) pair — a retried dispatch, or
// backfill re-processing an object before its indexed flag lands — reduces
// to the same row via RecordEmbeddingFragment's ON CONFLICT(fragment_id)
// upsert, instead of inserting a fresh duplicate every time. A genuinely new
// revision of the content hashes to a different id and gets its own row.
func fragmentID(objectID, content string) string {
	sum := sha256.Sum256([]byte(objectID + "\x00" + content))
	return hex.EncodeToString(sum[:])
}

// SubmitFragment records one extraction result. Idempotent keyed on
// fragment_id: calling it twice for the same group content update (a retry
// after a transient storage failure, for instance) only ever produces one
// row.
func (p *IndexerProvider) SubmitFragment(workspaceID, objectID string, collabType db.CollabType, content string) error {
	if content == "" {
		return nil
	}
	return p.storage.RecordEmbeddingFragment(db.EmbeddingFragment{
		FragmentID:  fragmentID(objectID, content),
		ObjectID:    objectID,
		WorkspaceID: workspaceID,
		ContentType: int16(collabType),
		Content:     content,
	})
}

// backfillBatchSize bounds how many unindexed rows are pulled per sweep.
const backfillBatchSize = 50

// HandleUnindexedCollabs makes one pass over the storage-reported backlog of
// unindexed Document objects, taking at most backfillBatchSize of them, and
// submits a fragment for each with non-empty content. A failure on one object
// is logged and never aborts the sweep.
func (p *IndexerProvider) HandleUnindexedCollabs() {
	log := logger.GetLogger()

	pending, err := p.storage.UnindexedDocuments(backfillBatchSize)
	if err != nil {
		log.Warn().Err(err).Msg("unindexed backfill query failed")
		return
	}

	for _, item := range pending {
		row, err := p.storage.LoadCollab(item.ObjectID)
		if err != nil {
			log.Warn().Err(err).Str("object_id", item.ObjectID).Msg("backfill load failed")
			continue
		}

		content := string(row.Encoded.DocState)
		if content == "" {
			continue
		}

		if err := p.SubmitFragment(item.WorkspaceID, item.ObjectID, item.CollabType, content); err != nil {
			log.Warn().Err(err).Str("object_id", item.ObjectID).Msg("backfill fragment submit failed")
		}
	}
}

// RunBackfillLoop runs HandleUnindexedCollabs once, then on a fixed interval
// until stop is closed. With a non-positive interval only the first pass runs.
func (p *IndexerProvider) RunBackfillLoop(interval time.Duration, stop <-chan struct{}) {
	p.HandleUnindexedCollabs()
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.HandleUnindexedCollabs()
		case <-stop:
			return
		}
	}
}
