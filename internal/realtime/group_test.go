package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/streamspace/collab-core/internal/db"
)

func TestCollaborationGroup_SubscribeUnsubscribe(t *testing.T) {
	g := newCollaborationGroup("obj-1", "ws-1", db.CollabTypeDocument, nil)
	assert.Equal(t, 0, g.SubscriberCount())

	u := User{UID: 1, DeviceID: "d", SessionID: "s"}
	g.Subscribe(u, NewClientMessageRouter(&fakeSink{}))
	assert.Equal(t, 1, g.SubscriberCount())

	g.Unsubscribe(u)
	assert.Equal(t, 0, g.SubscriberCount())
}

func TestCollaborationGroup_ApplyMessages_ConvergesAcrossSubscribers(t *testing.T) {
	g := newCollaborationGroup("obj-1", "ws-1", db.CollabTypeDocument, nil)

	sinkA := &fakeSink{}
	sinkB := &fakeSink{}
	userA := User{UID: 1, DeviceID: "d", SessionID: "s"}
	userB := User{UID: 2, DeviceID: "d", SessionID: "s"}
	g.Subscribe(userA, NewClientMessageRouter(sinkA))
	g.Subscribe(userB, NewClientMessageRouter(sinkB))

	g.ApplyMessages(userA, []CollabMessage{{ObjectID: "obj-1", Origin: "opA", Payload: []byte("hello ")}})
	g.ApplyMessages(userB, []CollabMessage{{ObjectID: "obj-1", Origin: "opB", Payload: []byte("world")}})

	// the group's merged snapshot holds both subscribers' fragments in
	// arrival order, regardless of which one authored which.
	assert.Equal(t, "hello world", g.PlainText())
}

func TestCollaborationGroup_PersistTriggers(t *testing.T) {
	g := newCollaborationGroup("obj-1", "ws-1", db.CollabTypeDocument, nil)
	assert.False(t, g.ShouldPersist(1000, 3600))

	g.ApplyMessages(User{UID: 1, DeviceID: "d", SessionID: "s"}, []CollabMessage{
		{ObjectID: "obj-1", Payload: []byte("x")},
	})
	assert.True(t, g.ShouldPersist(1, 3600))

	g.MarkPersisted()
	assert.False(t, g.ShouldPersist(1, 3600))
}

func TestCollaborationGroup_IdleFor(t *testing.T) {
	g := newCollaborationGroup("obj-1", "ws-1", db.CollabTypeDocument, nil)
	assert.Less(t, g.IdleFor(), 100*time.Millisecond)
}

func TestCollaborationGroup_SeedsFromPersistedState(t *testing.T) {
	persisted := &db.CollabStateRow{
		ObjectID:    "obj-1",
		WorkspaceID: "ws-1",
		Encoded:     db.EncodedCollab{DocState: []byte("seed content")},
	}
	g := newCollaborationGroup("obj-1", "ws-1", db.CollabTypeDocument, persisted)
	assert.Equal(t, "seed content", g.PlainText())
}
