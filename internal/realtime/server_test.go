package realtime

import (
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamspace/collab-core/internal/db"
)

func newTestServer(t *testing.T) (*CollaborationServer, sqlmock.Sqlmock) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	storage := db.NewCollabDB(db.NewDatabaseForTesting(mockDB))
	srv := New(storage, Config{
		GroupPersistenceInterval: time.Hour,
		EditStateMaxCount:        1000,
		EditStateMaxSecs:         3600,
		IdleThreshold:            time.Hour,
		RuntimeWorkers:           0,
	})
	t.Cleanup(srv.Shutdown)
	return srv, mock
}

func TestCollaborationServer_ConnectDisconnectUpdatesGauge(t *testing.T) {
	srv, _ := newTestServer(t)

	user := User{UID: 1, DeviceID: "d", SessionID: "s1"}
	srv.HandleNewConnection(user, &fakeSink{})
	assert.EqualValues(t, 1, srv.Metrics().ConnectedUsers())

	srv.HandleDisconnect(user)
	assert.EqualValues(t, 0, srv.Metrics().ConnectedUsers())
}

func TestCollaborationServer_ReconnectClosesOldSink(t *testing.T) {
	srv, _ := newTestServer(t)

	oldSink := &fakeSink{}
	newSink := &fakeSink{}
	user1 := User{UID: 7, DeviceID: "d", SessionID: "s1"}
	user2 := User{UID: 7, DeviceID: "d", SessionID: "s2"}

	srv.HandleNewConnection(user1, oldSink)
	srv.HandleNewConnection(user2, newSink)
	assert.EqualValues(t, 1, srv.Metrics().ConnectedUsers())
	assert.Eventually(t, func() bool { return oldSink.closed }, time.Second, 10*time.Millisecond)

	// disconnect carrying the superseded session is a no-op
	srv.HandleDisconnect(user1)
	assert.EqualValues(t, 1, srv.Metrics().ConnectedUsers())
}

func TestCollaborationServer_HandleClientMessage_CreatesGroupAndApplies(t *testing.T) {
	srv, mock := newTestServer(t)

	mock.ExpectQuery("SELECT object_id, workspace_id, collab_type").
		WithArgs("obj-1").
		WillReturnRows(sqlmock.NewRows([]string{"object_id", "workspace_id", "collab_type", "doc_state", "state_vector", "edit_count", "updated_at"}))

	user := User{UID: 1, DeviceID: "d", SessionID: "s"}
	srv.HandleClientMessage(user, []ObjectMessages{
		{ObjectID: "obj-1", WorkspaceID: "ws-1", CollabType: db.CollabTypeDocument, Messages: []CollabMessage{{ObjectID: "obj-1", Payload: []byte("hi")}}},
	})

	require.Eventually(t, func() bool {
		return srv.groupManager.Contains("obj-1")
	}, time.Second, 10*time.Millisecond)
}

func TestCollaborationServer_ChannelFull_IncrementsDroppedCounter(t *testing.T) {
	srv, _ := newTestServer(t)

	// Install a sender with no runner draining it, simulating a frozen
	// runner, then saturate the channel so the next enqueue observes
	// ChannelFull.
	sender := make(chan GroupCommand, groupChannelCapacity)
	srv.senders.Set("obj-1", sender)
	for i := 0; i < groupChannelCapacity; i++ {
		sender <- NewUnsubscribeCommand(User{UID: int64(i)}, "obj-1")
	}

	before := srv.Metrics().DroppedCommands()
	user := User{UID: 999, DeviceID: "d", SessionID: "s"}
	srv.HandleClientMessage(user, []ObjectMessages{
		{ObjectID: "obj-1", WorkspaceID: "ws-1", CollabType: db.CollabTypeDocument, Messages: []CollabMessage{{ObjectID: "obj-1", Payload: []byte("x")}}},
	})

	assert.Equal(t, before+1, srv.Metrics().DroppedCommands())
}
