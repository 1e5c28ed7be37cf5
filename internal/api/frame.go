package api

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/streamspace/collab-core/internal/db"
	"github.com/streamspace/collab-core/internal/realtime"
)

// frameKind is the discriminator on an inbound websocket frame.
type frameKind string

const (
	frameSubscribe   frameKind = "subscribe"
	frameUnsubscribe frameKind = "unsubscribe"
	frameUpdate      frameKind = "update"
)

// inboundFrame is the wire shape of a client->server websocket message.
// Payload carries an opaque CRDT update, base64-encoded since JSON has no
// native byte string type.
type inboundFrame struct {
	Type        frameKind     `json:"type"`
	ObjectID    string        `json:"object_id"`
	WorkspaceID string        `json:"workspace_id"`
	CollabType  db.CollabType `json:"collab_type"`
	Payload     string        `json:"payload,omitempty"`
}

// outboundFrame is the wire shape of a server->client websocket message,
// mirroring realtime.CollabMessage.
type outboundFrame struct {
	ObjectID string `json:"object_id"`
	Origin   string `json:"origin"`
	Payload  string `json:"payload"`
}

func decodeInboundFrame(raw []byte) (inboundFrame, error) {
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return inboundFrame{}, fmt.Errorf("decode frame: %w", err)
	}
	return frame, nil
}

func (f inboundFrame) decodedPayload() ([]byte, error) {
	if f.Payload == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(f.Payload)
}

func encodeOutboundFrame(msg realtime.CollabMessage) ([]byte, error) {
	return json.Marshal(outboundFrame{
		ObjectID: msg.ObjectID,
		Origin:   msg.Origin,
		Payload:  base64.StdEncoding.EncodeToString(msg.Payload),
	})
}
