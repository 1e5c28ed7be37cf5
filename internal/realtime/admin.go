package realtime

import "github.com/streamspace/collab-core/internal/logger"

// AdminCommandKind discriminates an AdminCommand.
type AdminCommandKind int

const (
	// AdminForcePersist writes a group's current state immediately,
	// bypassing its edit-count/time trigger.
	AdminForcePersist AdminCommandKind = iota
	// AdminForceReindex dispatches a re-index fragment immediately,
	// bypassing the group's ShouldReindex check.
	AdminForceReindex
	// AdminEvict drops a group from the registry the same way the idle
	// sweeper does, regardless of its subscriber count or idle time.
	AdminEvict
)

// AdminCommand is one administrative instruction for a single object's
// group, arriving from outside the normal client/control-stream paths.
type AdminCommand struct {
	Kind     AdminCommandKind
	ObjectID string
}

// runAdminCommandBus drains cmds until it closes or the server stops,
// dispatching each command into the per-object registry. Forced persist and
// reindex go through the same on-demand sender/runner creation
// HandleClientMessage uses; eviction bypasses it, mirroring the idle
// sweeper's own direct teardown.
func (s *CollaborationServer) runAdminCommandBus(cmds <-chan AdminCommand) {
	for {
		select {
		case cmd, ok := <-cmds:
			if !ok {
				return
			}
			s.dispatchAdminCommand(cmd)
		case <-s.stop:
			return
		}
	}
}

func (s *CollaborationServer) dispatchAdminCommand(cmd AdminCommand) {
	log := logger.GetLogger()

	if cmd.Kind == AdminEvict {
		if sender, ok := s.senders.Get(cmd.ObjectID); ok {
			s.senders.Delete(cmd.ObjectID)
			close(sender)
		}
		s.groupManager.EvictGroup(cmd.ObjectID)
		return
	}

	var groupCmd GroupCommand
	reply := make(chan error, 1)
	switch cmd.Kind {
	case AdminForcePersist:
		groupCmd = NewForcePersistCommand(cmd.ObjectID, reply)
	case AdminForceReindex:
		groupCmd = NewForceReindexCommand(cmd.ObjectID, reply)
	default:
		log.Warn().Int("kind", int(cmd.Kind)).Msg("unknown admin command kind, dropping")
		return
	}

	sender := s.senderFor(cmd.ObjectID)
	select {
	case sender <- groupCmd:
	default:
		s.metrics.IncDroppedCommands()
		log.Warn().Str("object_id", cmd.ObjectID).Msg("admin command dropped, group channel full")
		return
	}

	if err := <-reply; err != nil {
		log.Warn().Err(err).Str("object_id", cmd.ObjectID).Msg("admin command failed")
	}
}
