package api

import "github.com/streamspace/collab-core/internal/realtime"

// AccessControl authorizes a connected user against a workspace before the
// server subscribes them to an object's group. Workspace membership and
// role checks live entirely outside this core (see the external
// collaborators named in spec.md §1); this interface is the seam a
// deployment wires its own checker into.
type AccessControl interface {
	Authorize(user realtime.User, workspaceID, objectID string) error
}

// AllowAll admits every subscribe request. It is the default when no
// AccessControl is configured — appropriate for a deployment that already
// enforces authorization in the reverse proxy sitting in front of this
// server.
type AllowAll struct{}

func (AllowAll) Authorize(realtime.User, string, string) error { return nil }
