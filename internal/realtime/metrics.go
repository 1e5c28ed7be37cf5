package realtime

import "sync/atomic"

// Metrics holds the gauges and counters the collaboration server exposes.
// No metrics client library appears anywhere in the example corpus, so these
// are plain atomics rather than a borrowed instrumentation dependency (see
// DESIGN.md); CollaborationServer reads them to populate whatever ambient
// monitoring surface the host process runs.
type Metrics struct {
	connectedUsers        atomic.Int64
	droppedCommands       atomic.Int64
	groupCreationFailures atomic.Int64
}

// NewMetrics constructs a zeroed metrics block.
func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) SetConnectedUsers(n int64)        { m.connectedUsers.Store(n) }
func (m *Metrics) ConnectedUsers() int64             { return m.connectedUsers.Load() }
func (m *Metrics) IncDroppedCommands()               { m.droppedCommands.Add(1) }
func (m *Metrics) DroppedCommands() int64            { return m.droppedCommands.Load() }
func (m *Metrics) IncGroupCreationFailures()          { m.groupCreationFailures.Add(1) }
func (m *Metrics) GroupCreationFailures() int64      { return m.groupCreationFailures.Load() }
