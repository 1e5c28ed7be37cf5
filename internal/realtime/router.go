package realtime

import (
	"sync"

	"github.com/streamspace/collab-core/internal/logger"
)

// CollabMessage is one opaque CRDT update addressed to an object, carrying an
// origin tag so a client never re-applies its own echoed update, and an op id
// unique to this one edit. Origin is constant for the life of a connection
// (or, for control-stream forwards, a fixed synthetic tag) — it identifies
// who sent the edit, not which edit it was, so the merge log must never key
// on it alone.
type CollabMessage struct {
	ObjectID string
	Origin   string
	OpID     string
	Payload  []byte
}

// OutboundSink is the per-connection transport a ClientMessageRouter wraps.
// Implemented by the websocket upgrade handler in internal/api; kept as an
// interface here so the realtime package never imports gorilla/websocket
// directly.
type OutboundSink interface {
	// Send delivers a message to the remote peer. Returning an error marks
	// the sink closed; the router will not call Send again afterwards.
	Send(msg CollabMessage) error
	// Close tears down the underlying connection. Idempotent.
	Close() error
}

// sinkBufferSize bounds how many messages a router queues before it starts
// dropping, mirroring the send-channel buffering the websocket hub used.
const sinkBufferSize = 256

// ClientMessageRouter is the fan-out point collaboration groups write to for
// one connection. It owns the sink and never blocks its caller: Send either
// enqueues on the bounded buffer or drops with a warning, and is safe to call
// from any group runner goroutine.
type ClientMessageRouter struct {
	sink   OutboundSink
	outbox chan CollabMessage
	dropCh chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

// NewClientMessageRouter wraps sink and starts its delivery pump.
func NewClientMessageRouter(sink OutboundSink) *ClientMessageRouter {
	r := &ClientMessageRouter{
		sink:   sink,
		outbox: make(chan CollabMessage, sinkBufferSize),
		closed: make(chan struct{}),
	}
	go r.pump()
	return r
}

func (r *ClientMessageRouter) pump() {
	log := logger.GetLogger()
	for {
		select {
		case msg, ok := <-r.outbox:
			if !ok {
				_ = r.sink.Close()
				return
			}
			if err := r.sink.Send(msg); err != nil {
				log.Debug().Err(err).Str("object_id", msg.ObjectID).Msg("client sink send failed, closing router")
				r.Close()
				_ = r.sink.Close()
				return
			}
		case <-r.closed:
			_ = r.sink.Close()
			return
		}
	}
}

// Send enqueues msg for delivery. Never blocks: a full buffer means a slow
// or stuck peer, and the message is dropped rather than stalling the group
// runner that called in.
func (r *ClientMessageRouter) Send(msg CollabMessage) bool {
	select {
	case r.outbox <- msg:
		return true
	default:
		logger.GetLogger().Warn().Str("object_id", msg.ObjectID).Msg("client outbox full, message dropped")
		return false
	}
}

// Close closes the sink exactly once. Safe to call multiple times and from
// multiple goroutines.
func (r *ClientMessageRouter) Close() {
	r.closeOnce.Do(func() {
		close(r.closed)
	})
}
