package controlstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/streamspace/collab-core/internal/db"
	collaberrors "github.com/streamspace/collab-core/internal/errors"
	"github.com/streamspace/collab-core/internal/logger"
	"github.com/streamspace/collab-core/internal/realtime"
)

const (
	// consumerGroup and consumerName are fixed by the control stream's wire
	// contract, not configurable per deployment.
	consumerGroup = "indexer"
	consumerName  = "open_collab"

	tickInterval     = 1 * time.Second
	messagesPerTick  = 10
	claimMinIdle     = 500 * time.Millisecond
	claimMaxRetries  = 2
	updateSubGroup   = "collab-core"
	updateSubStreamF = "af_collab_update:%s:%s"
)

// systemUser is the synthetic origin attached to edits forwarded from an
// object's update sub-stream, so groups never mistake them for a connected
// client's own echoed update.
var systemUser = realtime.User{UID: 0, DeviceID: "__control_stream__", SessionID: "system"}

// Consumer drains the durable open/close control stream and drives the
// realtime server's groups from it: Open creates (or no-ops onto) a handle
// that subscribes to the object's update sub-stream; Close shuts that handle
// down.
type Consumer struct {
	client *redis.Client
	server *realtime.CollaborationServer

	streamKey string
	handles   *realtime.ShardMap[*Handle]
}

// NewConsumer constructs a Consumer bound to streamKey (the durable
// open/close event stream). The consumer group "indexer" / consumer name
// "open_collab" are fixed by the control stream's wire contract.
func NewConsumer(client *redis.Client, server *realtime.CollaborationServer, streamKey string) *Consumer {
	return &Consumer{
		client:    client,
		server:    server,
		streamKey: streamKey,
		handles:   realtime.NewShardMap[*Handle](),
	}
}

// Run claims any stale messages left behind by a prior incarnation, then
// ticks every second reading up to 10 fresh messages, until ctx is
// cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	log := logger.GetLogger()

	if err := c.client.XGroupCreateMkStream(ctx, c.streamKey, consumerGroup, "0").Err(); err != nil && !isBusyGroupErr(err) {
		return collaberrors.DurableStreamFailure(err)
	}

	c.claimStaleMessages(ctx)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.readTick(ctx); err != nil {
				log.Warn().Err(err).Msg("control stream read failed, continuing")
			}
		}
	}
}

func isBusyGroupErr(err error) bool {
	return strings.Contains(err.Error(), "BUSYGROUP")
}

// claimStaleMessages recovers messages left unacknowledged by a prior
// consumer incarnation (idle >= 500ms), retrying the claim scan up to twice.
func (c *Consumer) claimStaleMessages(ctx context.Context) {
	log := logger.GetLogger()
	cursor := "0-0"

	for attempt := 0; attempt < claimMaxRetries; attempt++ {
		messages, next, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   c.streamKey,
			Group:    consumerGroup,
			Consumer: consumerName,
			MinIdle:  claimMinIdle,
			Start:    cursor,
			Count:    messagesPerTick,
		}).Result()
		if err != nil {
			log.Warn().Err(err).Msg("stale message claim failed")
			return
		}

		for _, msg := range messages {
			c.processMessage(ctx, msg)
		}

		if next == "0-0" || len(messages) == 0 {
			return
		}
		cursor = next
	}
}

func (c *Consumer) readTick(ctx context.Context) error {
	res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    consumerGroup,
		Consumer: consumerName,
		Streams:  []string{c.streamKey, ">"},
		Count:    messagesPerTick,
		Block:    0,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}

	for _, stream := range res {
		for _, msg := range stream.Messages {
			c.processMessage(ctx, msg)
		}
	}
	return nil
}

func (c *Consumer) processMessage(ctx context.Context, msg redis.XMessage) {
	log := logger.GetLogger()

	switch fmt.Sprint(msg.Values["type"]) {
	case "open":
		c.handleOpen(ctx, msg)
	case "close":
		c.handleClose(msg)
	default:
		log.Warn().Str("id", msg.ID).Msg("unknown control stream record type, acking and dropping")
	}

	if err := c.client.XAck(ctx, c.streamKey, consumerGroup, msg.ID).Err(); err != nil {
		log.Warn().Err(err).Str("id", msg.ID).Msg("ack failed")
	}
}

// handleOpen is a no-op if a handle already exists for the object —
// duplicate Open records (a redelivery, a racing producer) never spawn a
// second update-stream consumer for the same object.
func (c *Consumer) handleOpen(ctx context.Context, msg redis.XMessage) {
	objectID := fmt.Sprint(msg.Values["object_id"])
	workspaceID := fmt.Sprint(msg.Values["workspace_id"])
	collabType := parseCollabType(fmt.Sprint(msg.Values["collab_type"]))
	docState := []byte(fmt.Sprint(msg.Values["doc_state"]))

	_, created := c.handles.GetOrCreate(objectID, func() *Handle {
		return newHandle(objectID, workspaceID)
	})
	if !created {
		return
	}

	handle, _ := c.handles.Get(objectID)

	c.server.DispatchControlEvent(objectID, realtime.ControlEvent{
		IsOpen:      true,
		WorkspaceID: workspaceID,
		ObjectID:    objectID,
		CollabType:  collabType,
		DocState:    docState,
	})

	go c.runUpdateSubStream(ctx, handle, workspaceID, objectID)
}

// handleClose is a no-op if no handle exists (a Close with no matching Open,
// or one already closed).
func (c *Consumer) handleClose(msg redis.XMessage) {
	objectID := fmt.Sprint(msg.Values["object_id"])

	handle, ok := c.handles.Get(objectID)
	if !ok {
		return
	}

	handle.Shutdown()
	c.handles.Delete(objectID)
	c.server.DispatchControlEvent(objectID, realtime.ControlEvent{IsOpen: false, ObjectID: objectID})
}

// runUpdateSubStream forwards opaque CRDT update frames from an object's
// per-object sub-stream into its group runner, in arrival order, until the
// handle's shutdown signal fires.
func (c *Consumer) runUpdateSubStream(ctx context.Context, handle *Handle, workspaceID, objectID string) {
	defer handle.MarkDone()

	streamKey := fmt.Sprintf(updateSubStreamF, workspaceID, objectID)
	if err := c.client.XGroupCreateMkStream(ctx, streamKey, updateSubGroup, "0").Err(); err != nil && !isBusyGroupErr(err) {
		logger.GetLogger().Warn().Err(err).Str("object_id", objectID).Msg("update sub-stream group create failed")
		return
	}

	handle.MarkLive()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-handle.StopSignal():
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    updateSubGroup,
				Consumer: "handle-" + objectID,
				Streams:  []string{streamKey, ">"},
				Count:    messagesPerTick,
				Block:    0,
			}).Result()
			if err != nil {
				if !errors.Is(err, redis.Nil) {
					logger.GetLogger().Warn().Err(err).Str("object_id", objectID).Msg("update sub-stream read failed")
				}
				continue
			}

			for _, stream := range res {
				var batch []realtime.CollabMessage
				var ids []string
				for _, msg := range stream.Messages {
					batch = append(batch, realtime.CollabMessage{
						ObjectID: objectID,
						Origin:   "control-stream",
						// msg.ID is the stream entry's own id, unique and
						// monotonic per message — unlike Origin, which is
						// the same constant tag for every forwarded update.
						OpID:    msg.ID,
						Payload: []byte(fmt.Sprint(msg.Values["payload"])),
					})
					ids = append(ids, msg.ID)
				}
				if len(batch) > 0 {
					c.server.HandleClientMessage(systemUser, []realtime.ObjectMessages{
						{ObjectID: objectID, WorkspaceID: workspaceID, Messages: batch},
					})
					c.client.XAck(ctx, streamKey, updateSubGroup, ids...)
				}
			}
		}
	}
}

func parseCollabType(raw string) db.CollabType {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return db.CollabTypeDocument
	}
	return db.CollabType(n)
}
