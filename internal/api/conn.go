package api

import (
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/streamspace/collab-core/internal/logger"
	"github.com/streamspace/collab-core/internal/realtime"
)

// pongWait/pingPeriod/writeWait mirror the keepalive timings the plain
// websocket hub used, so a connection through this server degrades the same
// way under a stalled network path.
const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// wsSink adapts a gorilla/websocket connection to realtime.OutboundSink.
// Writes are serialized through a single mutex since gorilla/websocket
// forbids concurrent writers on one connection, and a ClientMessageRouter's
// pump goroutine is the only caller of Send — but Close can race it on
// teardown, hence the lock covers both.
type wsSink struct {
	conn *websocket.Conn

	mu        sync.Mutex
	closeOnce sync.Once
}

func newWSSink(conn *websocket.Conn) *wsSink {
	return &wsSink{conn: conn}
}

func (s *wsSink) Send(msg realtime.CollabMessage) error {
	payload, err := encodeOutboundFrame(msg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *wsSink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
		err = s.conn.Close()
	})
	return err
}

// pingLoop sends periodic pings so intermediaries (and the peer's read
// deadline) see the connection as alive even when no collaboration traffic
// is flowing. It exits once the sink closes the underlying connection.
func (s *wsSink) pingLoop(done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.mu.Unlock()
			if err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// readLoop pumps inbound frames from conn into server until the connection
// errors or closes, then tears down the connection's state in server.
// Mirrors the hub's readPump/unregister-on-exit shape, generalized to the
// subscribe/unsubscribe/update frame types this protocol carries instead of
// a single opaque broadcast payload.
func readLoop(server *realtime.CollaborationServer, user realtime.User, sink *wsSink, access AccessControl) {
	log := logger.WebSocket()
	conn := sink.conn
	done := make(chan struct{})

	go sink.pingLoop(done)
	defer close(done)
	defer server.HandleDisconnect(user)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	router, ok := server.RouterFor(user)
	if !ok {
		log.Warn().Str("user", user.String()).Msg("no router registered for connection, closing")
		return
	}

	// updateSeq is unique per update frame this one connection ever sends, so
	// repeated edits from the same device to the same object each get a
	// distinct merge-log entry instead of colliding on the device's constant
	// origin tag.
	var updateSeq uint64

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Str("user", user.String()).Msg("websocket read failed")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		frame, err := decodeInboundFrame(raw)
		if err != nil {
			log.Warn().Err(err).Str("user", user.String()).Msg("dropping unparseable frame")
			continue
		}

		switch frame.Type {
		case frameSubscribe:
			if err := access.Authorize(user, frame.WorkspaceID, frame.ObjectID); err != nil {
				log.Warn().Err(err).Str("object_id", frame.ObjectID).Str("user", user.String()).Msg("subscribe denied")
				continue
			}
			if err := server.Subscribe(user, router, frame.ObjectID, frame.WorkspaceID, frame.CollabType); err != nil {
				log.Warn().Err(err).Str("object_id", frame.ObjectID).Msg("subscribe failed")
			}
		case frameUnsubscribe:
			server.Unsubscribe(user, frame.ObjectID)
		case frameUpdate:
			payload, err := frame.decodedPayload()
			if err != nil {
				log.Warn().Err(err).Str("object_id", frame.ObjectID).Msg("dropping frame with invalid payload")
				continue
			}
			updateSeq++
			server.HandleClientMessage(user, []realtime.ObjectMessages{{
				ObjectID:    frame.ObjectID,
				WorkspaceID: frame.WorkspaceID,
				CollabType:  frame.CollabType,
				Messages: []realtime.CollabMessage{{
					ObjectID: frame.ObjectID,
					Origin:   user.DeviceID,
					OpID:     user.DeviceID + ":" + strconv.FormatUint(updateSeq, 10),
					Payload:  payload,
				}},
			}})
		default:
			log.Warn().Str("type", string(frame.Type)).Msg("unknown frame type, dropping")
		}
	}
}
