package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	sent   []CollabMessage
	closed bool
}

func (f *fakeSink) Send(msg CollabMessage) error {
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSink) Close() error {
	f.closed = true
	return nil
}

func TestConnectState_ConnectDisconnect(t *testing.T) {
	cs := NewConnectState()
	router := NewClientMessageRouter(&fakeSink{})

	user := User{UID: 7, DeviceID: "d", SessionID: "s1"}
	_, hadOld := cs.HandleUserConnect(user, router)
	assert.False(t, hadOld)
	assert.Equal(t, 1, cs.NumberOfConnectedUsers())

	got, ok := cs.UserByDevice(user.Device())
	require.True(t, ok)
	assert.Equal(t, user, got)

	removed, ok := cs.HandleUserDisconnect(user)
	assert.True(t, ok)
	assert.Equal(t, user, removed)
	assert.Equal(t, 0, cs.NumberOfConnectedUsers())
}

func TestConnectState_ReconnectSupersedes(t *testing.T) {
	cs := NewConnectState()
	router1 := NewClientMessageRouter(&fakeSink{})
	router2 := NewClientMessageRouter(&fakeSink{})

	s1 := User{UID: 7, DeviceID: "d", SessionID: "s1"}
	s2 := User{UID: 7, DeviceID: "d", SessionID: "s2"}

	_, hadOld := cs.HandleUserConnect(s1, router1)
	assert.False(t, hadOld)

	old, hadOld := cs.HandleUserConnect(s2, router2)
	require.True(t, hadOld)
	assert.Equal(t, s1, old)

	assert.Equal(t, 1, cs.NumberOfConnectedUsers())

	// A disconnect carrying the superseded session is a no-op.
	_, ok := cs.HandleUserDisconnect(s1)
	assert.False(t, ok)
	assert.Equal(t, 1, cs.NumberOfConnectedUsers())

	_, ok = cs.HandleUserDisconnect(s2)
	assert.True(t, ok)
	assert.Equal(t, 0, cs.NumberOfConnectedUsers())
}

func TestConnectState_InvariantHoldsAfterChurn(t *testing.T) {
	cs := NewConnectState()

	for i := 0; i < 20; i++ {
		u := User{UID: int64(i), DeviceID: "d", SessionID: "s"}
		cs.HandleUserConnect(u, NewClientMessageRouter(&fakeSink{}))
	}
	for i := 0; i < 10; i++ {
		u := User{UID: int64(i), DeviceID: "d", SessionID: "s"}
		cs.HandleUserDisconnect(u)
	}

	assert.Equal(t, cs.byUser.Len(), cs.byDevice.Len())
}
