package realtime

import (
	"time"

	"github.com/streamspace/collab-core/internal/cache"
	"github.com/streamspace/collab-core/internal/db"
	collaberrors "github.com/streamspace/collab-core/internal/errors"
	"github.com/streamspace/collab-core/internal/logger"
)

// groupChannelCapacity is the bounded capacity of every per-object command
// channel. A full channel means a stuck runner; the enqueuer records the
// failure and drops the batch rather than blocking.
const groupChannelCapacity = 2000

// idleSweeperWarmup delays the first idle sweep so nothing looks idle in the
// seconds right after startup.
const idleSweeperWarmup = 60 * time.Second

// idleSweeperTick is how often the idle sweeper looks for inactive groups
// once warmed up.
const idleSweeperTick = 20 * time.Second

// ObjectMessages is one object's batch of client edits, addressed with the
// workspace/collab-type context needed to create its group on demand.
type ObjectMessages struct {
	ObjectID    string
	WorkspaceID string
	CollabType  db.CollabType
	Messages    []CollabMessage
}

// CollaborationServer is the top-level façade: it accepts
// connection/disconnection/message events, owns the object→sender registry,
// and runs the background loops (idle sweeper, unindexed backfill,
// persistence tick).
type CollaborationServer struct {
	groupManager *GroupManager
	connectState *ConnectState
	senders      *ShardMap[chan GroupCommand]
	indexer      *IndexerProvider
	metrics      *Metrics
	launcher     Launcher

	stop chan struct{}
}

// Config bundles the tunables CollaborationServer.New accepts, mirroring the
// construction parameters the source implementation's constructor takes.
type Config struct {
	GroupPersistenceInterval time.Duration
	EditStateMaxCount        int
	EditStateMaxSecs         int64
	IdleThreshold            time.Duration
	RuntimeWorkers           int

	// Cache, if non-nil and enabled, backs a distributed persist lock so
	// multiple collabd replicas never race to flush the same object. Safe
	// to leave nil for a single-replica deployment or in tests.
	Cache *cache.Cache

	// AdminCommands, if non-nil, is an external channel of administrative
	// group commands (forced persist, forced reindex, eviction) the server
	// drains on its own background loop. Safe to leave nil: no admin bus
	// runs, and every other code path is unaffected.
	AdminCommands <-chan AdminCommand
}

// New constructs a CollaborationServer and starts its background loops.
func New(storage *db.CollabDB, cfg Config) *CollaborationServer {
	metrics := NewMetrics()
	indexer := NewIndexerProvider(storage)
	groupManager := NewGroupManager(storage, indexer, cfg.GroupPersistenceInterval, cfg.EditStateMaxCount, cfg.EditStateMaxSecs, cfg.IdleThreshold)
	if cfg.Cache != nil {
		groupManager.SetDistributedLock(cfg.Cache)
	}

	s := &CollaborationServer{
		groupManager: groupManager,
		connectState: NewConnectState(),
		senders:      NewShardMap[chan GroupCommand](),
		indexer:      indexer,
		metrics:      metrics,
		launcher:     NewLauncher(cfg.RuntimeWorkers),
		stop:         make(chan struct{}),
	}

	go s.runIdleSweeper()
	go s.runPersistenceTicker()
	go indexer.RunBackfillLoop(cfg.GroupPersistenceInterval, s.stop)
	if cfg.AdminCommands != nil {
		go s.runAdminCommandBus(cfg.AdminCommands)
	}

	return s
}

// Metrics exposes the server's metrics block for the ambient ops surface.
func (s *CollaborationServer) Metrics() *Metrics { return s.metrics }

// HandleNewConnection wraps sink in a router, replaces any prior connection
// for the same (uid, device_id), removes the superseded user from every
// group it subscribed to, and closes the superseded router (and so its sink).
func (s *CollaborationServer) HandleNewConnection(user User, sink OutboundSink) {
	router := NewClientMessageRouter(sink)
	prevUser, _ := s.connectState.UserByDevice(user.Device())
	prevRouter, _ := s.connectState.RouterFor(prevUser)
	if oldUser, had := s.connectState.HandleUserConnect(user, router); had {
		s.groupManager.RemoveUser(oldUser)
		if oldUser == prevUser && prevRouter != nil {
			prevRouter.Close()
		}
	}
	s.metrics.SetConnectedUsers(int64(s.connectState.NumberOfConnectedUsers()))
}

// HandleDisconnect removes user if its session still matches what
// ConnectState has on record; a mismatch means a newer reconnect already
// superseded it, and this call is a no-op.
func (s *CollaborationServer) HandleDisconnect(user User) {
	if _, removed := s.connectState.HandleUserDisconnect(user); removed {
		s.metrics.SetConnectedUsers(int64(s.connectState.NumberOfConnectedUsers()))
		s.groupManager.RemoveUser(user)
	}
}

// GetUserByDevice delegates to ConnectState.
func (s *CollaborationServer) GetUserByDevice(d UserDevice) (User, bool) {
	return s.connectState.UserByDevice(d)
}

// RouterFor returns the router HandleNewConnection installed for user, so a
// connection's read loop can reuse the same router for Subscribe calls
// instead of wrapping its sink a second time.
func (s *CollaborationServer) RouterFor(user User) (*ClientMessageRouter, bool) {
	return s.connectState.RouterFor(user)
}

// senderFor returns the command channel for objectID, lazily creating it —
// and the GroupCommandRunner that owns its receive end — on first reference.
func (s *CollaborationServer) senderFor(objectID string) chan GroupCommand {
	sender, _ := s.senders.GetOrCreate(objectID, func() chan GroupCommand {
		ch := make(chan GroupCommand, groupChannelCapacity)
		runner := newGroupCommandRunner(s.groupManager, ch)
		s.launcher.Launch(func() { runner.Run(objectID) })
		return ch
	})
	return sender
}

// HandleClientMessage enqueues each object's edit batch onto its group's
// command channel without blocking the caller: the send is a non-blocking
// select that drops the batch when the channel is full, and the reply is
// observed on a spawned goroutine, mirroring the
// enqueue-then-spawn-await pattern the per-object channel model requires to
// avoid back-pressuring the connection's read loop.
func (s *CollaborationServer) HandleClientMessage(user User, batches []ObjectMessages) {
	log := logger.GetLogger()

	for _, batch := range batches {
		sender := s.senderFor(batch.ObjectID)
		reply := make(chan error, 1)
		cmd := NewClientMessageCommand(user, batch.ObjectID, batch.WorkspaceID, batch.CollabType, batch.Messages, reply)

		select {
		case sender <- cmd:
		default:
			s.metrics.IncDroppedCommands()
			log.Warn().Str("object_id", batch.ObjectID).Msg("group command channel full, batch dropped")
			continue
		}

		go func(objectID string) {
			if err := <-reply; err != nil {
				if appErr, ok := err.(*collaberrors.AppError); ok && appErr.Code == collaberrors.ErrCodeCreateGroupFailed {
					s.metrics.IncGroupCreationFailures()
				}
				if err != ErrWorkspaceMismatch {
					log.Warn().Err(err).Str("object_id", objectID).Msg("handle client collab message failed")
				}
			}
		}(batch.ObjectID)
	}
}

// Subscribe attaches user to the group for objectID via the object's command
// channel, creating the group on demand.
func (s *CollaborationServer) Subscribe(user User, router *ClientMessageRouter, objectID, workspaceID string, collabType db.CollabType) error {
	sender := s.senderFor(objectID)
	reply := make(chan error, 1)

	select {
	case sender <- NewSubscribeCommand(user, router, objectID, workspaceID, collabType, reply):
	default:
		s.metrics.IncDroppedCommands()
		return collaberrors.ChannelFull(objectID)
	}
	return <-reply
}

// Unsubscribe detaches user from the group for objectID.
func (s *CollaborationServer) Unsubscribe(user User, objectID string) {
	sender := s.senderFor(objectID)
	select {
	case sender <- NewUnsubscribeCommand(user, objectID):
	default:
		s.metrics.IncDroppedCommands()
	}
}

// DispatchControlEvent forwards an Open/Close record from the durable
// control stream into the owning group's command channel.
func (s *CollaborationServer) DispatchControlEvent(objectID string, event ControlEvent) {
	sender := s.senderFor(objectID)
	select {
	case sender <- NewControlEventCommand(objectID, event):
	default:
		s.metrics.IncDroppedCommands()
	}
}

// runIdleSweeper removes registry entries for groups that have been idle
// past the threshold with no subscribers. Removing the sender lets the
// runner observe channel closure (once drained) and exit; the group itself
// is only actually dropped from GroupManager once evicted.
func (s *CollaborationServer) runIdleSweeper() {
	select {
	case <-time.After(idleSweeperWarmup):
	case <-s.stop:
		return
	}

	ticker := time.NewTicker(idleSweeperTick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, objectID := range s.groupManager.GetInactiveGroups() {
				if sender, ok := s.senders.Get(objectID); ok {
					s.senders.Delete(objectID)
					close(sender)
				}
				s.groupManager.EvictGroup(objectID)
			}
		case <-s.stop:
			return
		}
	}
}

// runPersistenceTicker drives the activity-triggered persistence pass on the
// configured interval.
func (s *CollaborationServer) runPersistenceTicker() {
	interval := s.groupManager.PersistenceInterval()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.groupManager.PersistAllDue()
		case <-s.stop:
			return
		}
	}
}

// Shutdown stops every background loop and signals every live group's
// command channel closed, causing runners to drain and exit.
func (s *CollaborationServer) Shutdown() {
	close(s.stop)
	s.senders.Range(func(objectID string, sender chan GroupCommand) bool {
		close(sender)
		return true
	})
}
