package realtime

import (
	"strconv"
	"sync"
	"time"

	"github.com/streamspace/collab-core/internal/db"
)

// fragment is one last-writer-wins entry in a group's op log, keyed by op id
// so applying the same update twice (e.g. after a reconnect resend) is a
// no-op rather than a duplicate append. No CRDT library exists anywhere in
// the example corpus this was grounded on, so the merge algorithm itself is
// implemented directly rather than borrowed — see DESIGN.md.
type fragment struct {
	opID      string
	payload   []byte
	origin    string
	timestamp int64
	seq       uint64
}

// crdtState is the in-memory authority for one object's content: a
// last-writer-wins log of fragments keyed by op id. Applying a batch merges
// ops in batch order, so two subscribers who observe the same set of ops —
// regardless of interleaving — converge on the same final state.
type crdtState struct {
	mu      sync.RWMutex
	log     map[string]fragment
	nextSeq uint64
}

func newCRDTState() *crdtState {
	return &crdtState{log: make(map[string]fragment)}
}

// apply merges one update into the log. Last-writer-wins is decided by
// timestamp, with insertion sequence as a tiebreaker for equal timestamps so
// that applying the same batch twice is deterministic.
func (c *crdtState) apply(opID string, payload []byte, origin string, timestamp int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextSeq++
	next := fragment{opID: opID, payload: payload, origin: origin, timestamp: timestamp, seq: c.nextSeq}

	existing, ok := c.log[opID]
	if !ok || next.timestamp > existing.timestamp || (next.timestamp == existing.timestamp && next.seq > existing.seq) {
		if ok {
			// A replayed op keeps its first-arrival position in snapshot order.
			next.seq = existing.seq
		}
		c.log[opID] = next
	}
}

// snapshot renders the converged content as plain text in op-arrival order,
// the representation the indexer bridge extracts from and the control
// stream's S1 scenario inspects.
func (c *crdtState) snapshot() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ordered := make([]fragment, 0, len(c.log))
	for _, f := range c.log {
		ordered = append(ordered, f)
	}
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j-1].seq > ordered[j].seq; j-- {
			ordered[j-1], ordered[j] = ordered[j], ordered[j-1]
		}
	}

	var out []byte
	for _, f := range ordered {
		out = append(out, f.payload...)
	}
	return string(out)
}

// encode produces the at-rest representation persisted through CollabDB.
func (c *crdtState) encode() db.EncodedCollab {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return db.EncodedCollab{
		DocState:    []byte(c.snapshotLocked()),
		StateVector: []byte{byte(len(c.log))},
	}
}

func (c *crdtState) snapshotLocked() string {
	// Caller already holds c.mu; reuse snapshot's ordering logic without
	// re-locking.
	ordered := make([]fragment, 0, len(c.log))
	for _, f := range c.log {
		ordered = append(ordered, f)
	}
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j-1].seq > ordered[j].seq; j-- {
			ordered[j-1], ordered[j] = ordered[j], ordered[j-1]
		}
	}
	var out []byte
	for _, f := range ordered {
		out = append(out, f.payload...)
	}
	return string(out)
}

func (c *crdtState) loadFrom(encoded db.EncodedCollab) {
	if len(encoded.DocState) == 0 {
		return
	}
	c.apply("__seed__", encoded.DocState, "storage", 0)
}

// CollaborationGroup is the authoritative in-memory state for one object: its
// CRDT content, its subscriber set, and the bookkeeping GroupManager uses to
// decide when to persist, index, or evict it.
type CollaborationGroup struct {
	ObjectID    string
	WorkspaceID string
	CollabType  db.CollabType

	state *crdtState

	mu            sync.Mutex
	subscribers   map[User]*ClientMessageRouter
	lastActivity  time.Time
	createdAt     time.Time
	editsSince    int
	lastPersistAt time.Time
	lastIndexedAt time.Time
	closed        bool
	autoOpSeq     uint64
}

// newCollaborationGroup constructs a group, seeding its CRDT state from
// whatever was last persisted (if anything).
func newCollaborationGroup(objectID, workspaceID string, collabType db.CollabType, persisted *db.CollabStateRow) *CollaborationGroup {
	g := &CollaborationGroup{
		ObjectID:     objectID,
		WorkspaceID:  workspaceID,
		CollabType:   collabType,
		state:        newCRDTState(),
		subscribers:  make(map[User]*ClientMessageRouter),
		lastActivity: time.Now(),
		createdAt:    time.Now(),
	}
	if persisted != nil {
		g.state.loadFrom(persisted.Encoded)
		g.editsSince = 0
	}
	return g
}

// Subscribe attaches a user's router to this group and returns the current
// snapshot so the caller can send it as the new subscriber's initial state.
func (g *CollaborationGroup) Subscribe(user User, router *ClientMessageRouter) string {
	g.mu.Lock()
	g.subscribers[user] = router
	g.lastActivity = time.Now()
	g.mu.Unlock()
	return g.state.snapshot()
}

// Unsubscribe detaches a user, if present.
func (g *CollaborationGroup) Unsubscribe(user User) {
	g.mu.Lock()
	delete(g.subscribers, user)
	g.mu.Unlock()
}

// SubscriberCount reports how many users currently subscribe to this group.
func (g *CollaborationGroup) SubscriberCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subscribers)
}

// ApplyMessages merges a batch of updates in order, broadcasts each to every
// subscriber other than its origin, and updates activity/edit bookkeeping.
// Each message's own OpID keys its entry in the merge log; Origin identifies
// who sent it and is constant across a whole connection or control-stream
// forward, so it must never double as the per-edit key — every message a
// producer omits an OpID for gets one synthesized here, unique to this call.
func (g *CollaborationGroup) ApplyMessages(origin User, messages []CollabMessage) {
	g.mu.Lock()
	now := time.Now()
	g.lastActivity = now
	g.editsSince += len(messages)
	subscribers := make(map[User]*ClientMessageRouter, len(g.subscribers))
	for u, r := range g.subscribers {
		subscribers[u] = r
	}
	opIDs := make([]string, len(messages))
	for i, msg := range messages {
		if msg.OpID != "" {
			opIDs[i] = msg.OpID
			continue
		}
		g.autoOpSeq++
		opIDs[i] = origin.String() + ":autoseq:" + strconv.FormatUint(g.autoOpSeq, 10)
	}
	g.mu.Unlock()

	for i, msg := range messages {
		g.state.apply(opIDs[i], msg.Payload, msg.Origin, now.UnixNano()+int64(i))
	}

	for user, router := range subscribers {
		if user == origin {
			continue
		}
		for _, msg := range messages {
			router.Send(msg)
		}
	}
}

// IdleFor reports how long the group has gone without activity.
func (g *CollaborationGroup) IdleFor() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return time.Since(g.lastActivity)
}

// ShouldPersist reports whether the edit-count or time trigger has fired
// since the last persist (or, for a group never persisted, since its
// creation).
func (g *CollaborationGroup) ShouldPersist(maxEditCount int, maxSecs int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.editsSince >= maxEditCount {
		return true
	}
	last := g.lastPersistAt
	if last.IsZero() {
		last = g.createdAt
	}
	return time.Since(last) >= time.Duration(maxSecs)*time.Second
}

// MarkPersisted resets persist-trigger bookkeeping after a successful write.
func (g *CollaborationGroup) MarkPersisted() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.editsSince = 0
	g.lastPersistAt = time.Now()
}

// EncodedState returns the current CRDT content in its at-rest encoding.
func (g *CollaborationGroup) EncodedState() db.EncodedCollab {
	return g.state.encode()
}

// PlainText renders the group's content as extractable plain text, used by
// the indexer bridge for Document-type objects.
func (g *CollaborationGroup) PlainText() string {
	return g.state.snapshot()
}

// ShouldReindex reports whether content has changed since the last index.
func (g *CollaborationGroup) ShouldReindex() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastPersistAt.After(g.lastIndexedAt)
}

// MarkIndexed records that the current content has been dispatched for
// indexing.
func (g *CollaborationGroup) MarkIndexed() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastIndexedAt = time.Now()
}
