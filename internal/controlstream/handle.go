// Package controlstream consumes the durable open/close event stream that
// drives collaboration groups from outside the realtime server: an upstream
// service emits Open when an object becomes interesting to collaborate on
// and Close when it no longer is, and this package turns those into group
// lifecycle transitions.
package controlstream

import (
	"sync"
	"time"

	"github.com/streamspace/collab-core/internal/logger"
)

// HandleState is a per-object handle's lifecycle stage. Terminal: a handle
// that reaches Closed is never re-entered; a later Open for the same
// object_id produces a brand new handle.
type HandleState int

const (
	StateOpening HandleState = iota
	StateLive
	StateShuttingDown
	StateClosed
)

func (s HandleState) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateLive:
		return "live"
	case StateShuttingDown:
		return "shutting_down"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// shutdownTimeout bounds how long Shutdown waits for the handle's update
// consumer loop to exit before forcing it closed and logging.
const shutdownTimeout = 5 * time.Second

// Handle tracks one object's lifecycle as driven by the control stream,
// independent of whether a collaboration group happens to exist for it at
// any given moment.
type Handle struct {
	ObjectID    string
	WorkspaceID string

	mu    sync.Mutex
	state HandleState

	stop chan struct{}
	done chan struct{}
}

func newHandle(objectID, workspaceID string) *Handle {
	return &Handle{
		ObjectID:    objectID,
		WorkspaceID: workspaceID,
		state:       StateOpening,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// State returns the handle's current lifecycle stage.
func (h *Handle) State() HandleState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// MarkLive transitions Opening -> Live. Safe to call from the goroutine that
// starts consuming the object's update sub-stream, once its registration
// succeeds.
func (h *Handle) MarkLive() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateOpening {
		h.state = StateLive
	}
}

// StopSignal returns the channel a handle's update-consumer loop should
// select on to notice a requested shutdown.
func (h *Handle) StopSignal() <-chan struct{} {
	return h.stop
}

// MarkDone signals that the handle's update-consumer loop has exited,
// unblocking any in-progress Shutdown call.
func (h *Handle) MarkDone() {
	h.mu.Lock()
	h.state = StateClosed
	h.mu.Unlock()
	close(h.done)
}

// Shutdown signals intent to stop and awaits completion with a bounded
// timeout. After the timeout the handle is forcibly considered closed and
// the stall is logged — the handle is dropped from the registry regardless
// so a later Open always gets a fresh handle.
func (h *Handle) Shutdown() {
	h.mu.Lock()
	if h.state == StateClosed {
		h.mu.Unlock()
		return
	}
	h.state = StateShuttingDown
	h.mu.Unlock()

	close(h.stop)

	select {
	case <-h.done:
	case <-time.After(shutdownTimeout):
		logger.GetLogger().Warn().Str("object_id", h.ObjectID).Msg("control stream handle shutdown timed out, forcing closed")
		h.mu.Lock()
		h.state = StateClosed
		h.mu.Unlock()
	}
}
