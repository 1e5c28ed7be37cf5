package realtime

import (
	"errors"

	"github.com/streamspace/collab-core/internal/db"
	"github.com/streamspace/collab-core/internal/logger"
)

// commandKind tags a GroupCommand variant.
type commandKind int

const (
	cmdSubscribe commandKind = iota
	cmdUnsubscribe
	cmdHandleClientMessage
	cmdHandleControlEvent
	cmdForcePersist
	cmdForceReindex
)

// ControlEvent is the decoded payload of an Open/Close record from the
// durable control stream.
type ControlEvent struct {
	IsOpen      bool
	WorkspaceID string
	ObjectID    string
	CollabType  db.CollabType
	DocState    []byte
}

// GroupCommand is one unit of work destined for a single object's
// GroupCommandRunner. The channel that carries these is bounded at 2000 and
// has exactly one consumer per object.
type GroupCommand struct {
	kind commandKind

	user        User
	router      *ClientMessageRouter
	objectID    string
	workspaceID string
	collabType  db.CollabType
	messages    []CollabMessage
	event       ControlEvent

	reply chan error
}

// NewSubscribeCommand attaches user to the group for objectID.
func NewSubscribeCommand(user User, router *ClientMessageRouter, objectID, workspaceID string, collabType db.CollabType, reply chan error) GroupCommand {
	return GroupCommand{kind: cmdSubscribe, user: user, router: router, objectID: objectID, workspaceID: workspaceID, collabType: collabType, reply: reply}
}

// NewUnsubscribeCommand detaches user from the group for objectID.
func NewUnsubscribeCommand(user User, objectID string) GroupCommand {
	return GroupCommand{kind: cmdUnsubscribe, user: user, objectID: objectID}
}

// NewClientMessageCommand applies a batch of edits from user to objectID.
func NewClientMessageCommand(user User, objectID, workspaceID string, collabType db.CollabType, messages []CollabMessage, reply chan error) GroupCommand {
	return GroupCommand{kind: cmdHandleClientMessage, user: user, objectID: objectID, workspaceID: workspaceID, collabType: collabType, messages: messages, reply: reply}
}

// NewControlEventCommand carries an Open/Close record from the durable
// control stream into the owning group.
func NewControlEventCommand(objectID string, event ControlEvent) GroupCommand {
	return GroupCommand{kind: cmdHandleControlEvent, objectID: objectID, event: event}
}

// NewForcePersistCommand forces an immediate persist of objectID's group,
// bypassing its edit-count/time trigger. Carried by the admin command bus.
func NewForcePersistCommand(objectID string, reply chan error) GroupCommand {
	return GroupCommand{kind: cmdForcePersist, objectID: objectID, reply: reply}
}

// NewForceReindexCommand forces an immediate re-index dispatch for objectID's
// group, bypassing its ShouldReindex check. Carried by the admin command bus.
func NewForceReindexCommand(objectID string, reply chan error) GroupCommand {
	return GroupCommand{kind: cmdForceReindex, objectID: objectID, reply: reply}
}

// GroupCommandRunner owns the receive end of one object's command channel
// and serializes every command for that object through GroupManager. Exactly
// one runner exists per live object; it terminates when its channel is
// closed and drained.
type GroupCommandRunner struct {
	groupManager *GroupManager
	recv         <-chan GroupCommand
}

func newGroupCommandRunner(gm *GroupManager, recv <-chan GroupCommand) *GroupCommandRunner {
	return &GroupCommandRunner{groupManager: gm, recv: recv}
}

// Run serves commands in FIFO order until the channel closes. A single bad
// command is logged and does not stop the loop; only channel closure (driven
// by the idle sweeper or server shutdown) ends it.
func (r *GroupCommandRunner) Run(objectID string) {
	log := logger.GetLogger()
	for cmd := range r.recv {
		if err := r.handle(objectID, cmd); err != nil {
			if errors.Is(err, ErrWorkspaceMismatch) {
				log.Debug().Str("object_id", objectID).Msg("workspace mismatch, command dropped")
			} else {
				log.Warn().Err(err).Str("object_id", objectID).Msg("group command failed")
			}
		}
	}
}

func (r *GroupCommandRunner) handle(objectID string, cmd GroupCommand) error {
	switch cmd.kind {
	case cmdSubscribe:
		err := r.groupManager.subscribe(cmd.user, cmd.router, cmd.objectID, cmd.workspaceID, cmd.collabType)
		if cmd.reply != nil {
			cmd.reply <- err
		}
		return err

	case cmdUnsubscribe:
		r.groupManager.unsubscribeOne(cmd.user, cmd.objectID)
		return nil

	case cmdHandleClientMessage:
		err := r.groupManager.applyClientMessages(cmd.user, cmd.objectID, cmd.workspaceID, cmd.collabType, cmd.messages)
		if cmd.reply != nil {
			cmd.reply <- err
		}
		return err

	case cmdHandleControlEvent:
		return r.groupManager.applyControlEvent(cmd.objectID, cmd.event)

	case cmdForcePersist:
		err := r.groupManager.forcePersist(cmd.objectID)
		if cmd.reply != nil {
			cmd.reply <- err
		}
		return err

	case cmdForceReindex:
		err := r.groupManager.forceReindex(cmd.objectID)
		if cmd.reply != nil {
			cmd.reply <- err
		}
		return err
	}
	return nil
}
