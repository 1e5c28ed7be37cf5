package controlstream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHandle_Lifecycle(t *testing.T) {
	h := newHandle("obj-1", "ws-1")
	assert.Equal(t, StateOpening, h.State())

	h.MarkLive()
	assert.Equal(t, StateLive, h.State())

	done := make(chan struct{})
	go func() {
		h.Shutdown()
		close(done)
	}()

	select {
	case <-h.StopSignal():
	case <-time.After(time.Second):
		t.Fatal("stop signal never fired")
	}
	h.MarkDone()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("shutdown never returned")
	}
	assert.Equal(t, StateClosed, h.State())
}

func TestHandle_DoubleShutdownIsSafe(t *testing.T) {
	h := newHandle("obj-1", "ws-1")
	h.MarkLive()

	go h.MarkDone()
	h.Shutdown()
	// A second Shutdown call after the handle is already closed must not
	// panic on a closed stop channel.
	h.Shutdown()
	assert.Equal(t, StateClosed, h.State())
}

func TestHandleState_String(t *testing.T) {
	assert.Equal(t, "opening", StateOpening.String())
	assert.Equal(t, "live", StateLive.String())
	assert.Equal(t, "shutting_down", StateShuttingDown.String())
	assert.Equal(t, "closed", StateClosed.String())
}
