package realtime

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/streamspace/collab-core/internal/cache"
	"github.com/streamspace/collab-core/internal/db"
	collaberrors "github.com/streamspace/collab-core/internal/errors"
	"github.com/streamspace/collab-core/internal/logger"
)

// persistLockTTL bounds how long one replica's persist lock for an object
// survives if that replica crashes mid-flush, so the object is never stuck
// unpersistable.
const persistLockTTL = 10 * time.Second

// ErrWorkspaceMismatch is returned when a command for an object addresses a
// workspace_id different from the one its live group was created with. The
// command is dropped after the caller is acknowledged; it is never logged as
// a warning (see GroupCommandRunner.Run).
var ErrWorkspaceMismatch = errors.New("object_id already bound to a different workspace_id")

const (
	persistBackoffBase    = 100 * time.Millisecond
	persistBackoffCeiling = 30 * time.Second
)

// IndexerBridge receives content fragments a group decides are worth
// re-embedding. Implemented by internal/realtime's own indexer bridge, kept
// as an interface so GroupManager does not need to know about the storage
// layer's fragment-recording details.
type IndexerBridge interface {
	SubmitFragment(workspaceID, objectID string, collabType db.CollabType, content string) error
}

type groupBookkeeping struct {
	group           *CollaborationGroup
	persistFailures int
	nextPersistTry  time.Time
}

// GroupManager is the lazy factory and registry of per-object collaboration
// groups. It is the single writer of persisted collab state and the trigger
// point for both persistence and indexing.
type GroupManager struct {
	storage *db.CollabDB
	indexer IndexerBridge

	groups *ShardMap[*groupBookkeeping]

	persistenceInterval time.Duration
	editStateMaxCount   int
	editStateMaxSecs    int64

	idleThreshold time.Duration

	// lock is an optional distributed mutual-exclusion layer: when set, a
	// replica must win a short-lived SetNX before it persists an object, so
	// a multi-replica deployment never has two instances racing to flush
	// the same row. Nil in single-replica deployments and in tests.
	lock *cache.Cache
}

// SetDistributedLock installs the distributed persist lock. Passing a
// disabled or nil cache is safe: tryAcquirePersistLock treats both as "lock
// not in use" and always proceeds.
func (gm *GroupManager) SetDistributedLock(c *cache.Cache) {
	gm.lock = c
}

// tryAcquirePersistLock reports whether this replica may persist objectID
// right now. With no distributed lock configured it always returns true.
func (gm *GroupManager) tryAcquirePersistLock(objectID string) bool {
	if gm.lock == nil || !gm.lock.IsEnabled() {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	acquired, err := gm.lock.SetNX(ctx, cache.PersistLockKey(objectID), true, persistLockTTL)
	if err != nil {
		logger.GetLogger().Warn().Err(err).Str("object_id", objectID).Msg("persist lock check failed, proceeding without it")
		return true
	}
	return acquired
}

func (gm *GroupManager) releasePersistLock(objectID string) {
	if gm.lock == nil || !gm.lock.IsEnabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := gm.lock.Delete(ctx, cache.PersistLockKey(objectID)); err != nil {
		logger.GetLogger().Warn().Err(err).Str("object_id", objectID).Msg("persist lock release failed")
	}
}

// NewGroupManager constructs a GroupManager backed by storage and indexer,
// applying the three persistence knobs CollaborationServer.new exposes.
func NewGroupManager(storage *db.CollabDB, indexer IndexerBridge, persistenceInterval time.Duration, editStateMaxCount int, editStateMaxSecs int64, idleThreshold time.Duration) *GroupManager {
	return &GroupManager{
		storage:             storage,
		indexer:             indexer,
		groups:              NewShardMap[*groupBookkeeping](),
		persistenceInterval: persistenceInterval,
		editStateMaxCount:   editStateMaxCount,
		editStateMaxSecs:    editStateMaxSecs,
		idleThreshold:       idleThreshold,
	}
}

// getOrCreateGroup returns the group for objectID, creating it on first
// reference. The group is stored through ShardMap.GetOrCreate, so callers
// racing on the same object_id all get the first stored group and one object
// never has two groups; each racing caller may load persisted state before
// that store. A storage load failure stores nothing, so the next command for
// the object retries the load.
func (gm *GroupManager) getOrCreateGroup(objectID, workspaceID string, collabType db.CollabType) (*CollaborationGroup, error) {
	entry, ok := gm.groups.Get(objectID)
	if !ok {
		persisted, err := gm.storage.LoadCollab(objectID)
		if err != nil && !errors.Is(err, db.ErrCollabNotFound) {
			return nil, collaberrors.CreateGroupFailed(objectID, err)
		}
		if err != nil {
			persisted = nil
		}
		entry, _ = gm.groups.GetOrCreate(objectID, func() *groupBookkeeping {
			return &groupBookkeeping{group: newCollaborationGroup(objectID, workspaceID, collabType, persisted)}
		})
	}
	if entry.group.WorkspaceID != workspaceID {
		return nil, ErrWorkspaceMismatch
	}
	return entry.group, nil
}

// subscribe attaches a user's router to the group for objectID, creating the
// group on demand, and sends the current snapshot back through the router.
func (gm *GroupManager) subscribe(user User, router *ClientMessageRouter, objectID, workspaceID string, collabType db.CollabType) error {
	group, err := gm.getOrCreateGroup(objectID, workspaceID, collabType)
	if err != nil {
		return err
	}
	snapshot := group.Subscribe(user, router)
	router.Send(CollabMessage{ObjectID: objectID, Origin: "__snapshot__", Payload: []byte(snapshot)})
	return nil
}

// unsubscribeOne detaches user from a single named group.
func (gm *GroupManager) unsubscribeOne(user User, objectID string) {
	if entry, ok := gm.groups.Get(objectID); ok {
		entry.group.Unsubscribe(user)
	}
}

// RemoveUser removes a user from every group they subscribe to. Never fails:
// a user with no subscriptions is simply a no-op per group.
func (gm *GroupManager) RemoveUser(user User) {
	gm.groups.Range(func(_ string, entry *groupBookkeeping) bool {
		entry.group.Unsubscribe(user)
		return true
	})
}

// applyClientMessages routes an edit batch into the group for objectID,
// creating it on demand, applying it, and triggering persistence/indexing if
// their thresholds have been crossed.
func (gm *GroupManager) applyClientMessages(user User, objectID, workspaceID string, collabType db.CollabType, messages []CollabMessage) error {
	group, err := gm.getOrCreateGroup(objectID, workspaceID, collabType)
	if err != nil {
		return err
	}

	group.ApplyMessages(user, messages)

	if group.ShouldPersist(gm.editStateMaxCount, gm.editStateMaxSecs) {
		gm.persistGroup(objectID, group)
	}
	return nil
}

// applyControlEvent folds an Open/Close record from the durable control
// stream into the owning group. Open seeds a group from the event's
// doc_state if none exists yet and storage held no content for it; Close is
// advisory here (the control-stream consumer owns the handle lifecycle — see
// internal/controlstream) and is a no-op at the group-manager level beyond
// bookkeeping.
func (gm *GroupManager) applyControlEvent(objectID string, event ControlEvent) error {
	if !event.IsOpen {
		return nil
	}
	existed := gm.Contains(objectID)
	group, err := gm.getOrCreateGroup(objectID, event.WorkspaceID, event.CollabType)
	if err != nil {
		return err
	}
	if !existed && len(event.DocState) > 0 && group.PlainText() == "" {
		group.state.loadFrom(db.EncodedCollab{DocState: event.DocState})
	}
	return nil
}

// persistGroup writes a group's current state, applying a capped exponential
// backoff across repeated failures so a storage outage never produces a
// retry storm. A failure never drops in-memory updates; the next trigger
// retries.
func (gm *GroupManager) persistGroup(objectID string, group *CollaborationGroup) {
	entry, ok := gm.groups.Get(objectID)
	if !ok {
		return
	}
	if time.Now().Before(entry.nextPersistTry) {
		return
	}
	if !gm.tryAcquirePersistLock(objectID) {
		return
	}
	defer gm.releasePersistLock(objectID)

	row := db.CollabStateRow{
		ObjectID:    group.ObjectID,
		WorkspaceID: group.WorkspaceID,
		CollabType:  group.CollabType,
		Encoded:     group.EncodedState(),
	}

	if err := gm.storage.UpsertCollab(row); err != nil {
		entry.persistFailures++
		backoff := time.Duration(float64(persistBackoffBase) * math.Pow(2, float64(entry.persistFailures)))
		if backoff > persistBackoffCeiling {
			backoff = persistBackoffCeiling
		}
		entry.nextPersistTry = time.Now().Add(backoff)
		logger.GetLogger().Warn().Err(err).Str("object_id", objectID).Dur("retry_in", backoff).Msg("collab persist failed, will retry")
		return
	}

	entry.persistFailures = 0
	group.MarkPersisted()

	if group.ShouldReindex() && gm.indexer != nil {
		gm.dispatchIndexing(group)
	}
}

// forcePersist persists objectID's group immediately regardless of its
// edit-count/time trigger — the admin command bus's forced-persist path. The
// per-replica backoff and distributed lock still apply, since a forced
// request is not a reason to fight another replica for the same row.
func (gm *GroupManager) forcePersist(objectID string) error {
	entry, ok := gm.groups.Get(objectID)
	if !ok {
		return collaberrors.GroupNotFound(objectID)
	}
	gm.persistGroup(objectID, entry.group)
	return nil
}

// forceReindex dispatches a re-index fragment for objectID's group
// immediately, regardless of ShouldReindex — the admin command bus's
// forced-reindex path.
func (gm *GroupManager) forceReindex(objectID string) error {
	entry, ok := gm.groups.Get(objectID)
	if !ok {
		return collaberrors.GroupNotFound(objectID)
	}
	if gm.indexer != nil {
		gm.dispatchIndexing(entry.group)
	}
	return nil
}

func (gm *GroupManager) dispatchIndexing(group *CollaborationGroup) {
	if group.CollabType != db.CollabTypeDocument {
		return
	}
	content := group.PlainText()
	if content == "" {
		return
	}
	if err := gm.indexer.SubmitFragment(group.WorkspaceID, group.ObjectID, group.CollabType, content); err != nil {
		logger.GetLogger().Warn().Err(err).Str("object_id", group.ObjectID).Msg("index dispatch failed")
		return
	}
	group.MarkIndexed()
}

// GetInactiveGroups returns object IDs whose last-activity age exceeds the
// configured idle threshold and whose subscriber set is empty. Ordering is
// unspecified (map iteration order); callers must not rely on it.
func (gm *GroupManager) GetInactiveGroups() []string {
	var inactive []string
	gm.groups.Range(func(objectID string, entry *groupBookkeeping) bool {
		if entry.group.SubscriberCount() == 0 && entry.group.IdleFor() >= gm.idleThreshold {
			inactive = append(inactive, objectID)
		}
		return true
	})
	return inactive
}

// EvictGroup drops an object's group from the registry. Called by the idle
// sweeper once the corresponding channel sender has already been removed.
func (gm *GroupManager) EvictGroup(objectID string) {
	gm.groups.Delete(objectID)
}

// Contains reports whether a group currently exists for objectID.
func (gm *GroupManager) Contains(objectID string) bool {
	_, ok := gm.groups.Get(objectID)
	return ok
}

// PersistenceInterval returns the configured periodic persistence tick.
func (gm *GroupManager) PersistenceInterval() time.Duration {
	return gm.persistenceInterval
}

// PersistAllDue triggers a persistence attempt on every live group; invoked
// on the periodic activity-triggered tick.
func (gm *GroupManager) PersistAllDue() {
	gm.groups.Range(func(objectID string, entry *groupBookkeeping) bool {
		if entry.group.ShouldPersist(gm.editStateMaxCount, gm.editStateMaxSecs) {
			gm.persistGroup(objectID, entry.group)
		}
		return true
	})
}
