// Package api exposes the collaboration server over HTTP: a websocket
// upgrade endpoint that drives realtime.CollaborationServer, and the
// liveness/readiness probes an orchestrator polls.
package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/streamspace/collab-core/internal/db"
	collaberrors "github.com/streamspace/collab-core/internal/errors"
	"github.com/streamspace/collab-core/internal/logger"
	"github.com/streamspace/collab-core/internal/realtime"
)

// upgrader replaces gorilla's same-origin CheckOrigin with one that accepts
// every origin — this server sits behind an authenticating reverse proxy
// in front of it, same boundary the plain websocket hub assumed.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler wires the realtime server into gin routes.
type Handler struct {
	server *realtime.CollaborationServer
	db     *db.Database
	access AccessControl
}

// NewHandler constructs a Handler bound to server for routing, and db for
// the readiness probe's dependency check. Subscribe requests are admitted by
// AllowAll unless WithAccessControl installs a real checker.
func NewHandler(server *realtime.CollaborationServer, database *db.Database) *Handler {
	return &Handler{server: server, db: database, access: AllowAll{}}
}

// WithAccessControl replaces the handler's AccessControl.
func (h *Handler) WithAccessControl(access AccessControl) *Handler {
	h.access = access
	return h
}

// HandleCollabWebSocket upgrades the connection and registers it with the
// collaboration server, identified by the uid/device_id/session_id query
// parameters a reverse proxy is expected to have already authenticated.
func (h *Handler) HandleCollabWebSocket(c *gin.Context) {
	log := logger.WebSocket()

	uid, err := strconv.ParseInt(c.Query("uid"), 10, 64)
	if err != nil {
		collaberrors.HandleError(c, collaberrors.BadRequest("uid query parameter must be an integer"))
		return
	}
	deviceID := c.Query("device_id")
	sessionID := c.Query("session_id")
	if deviceID == "" || sessionID == "" {
		collaberrors.HandleError(c, collaberrors.BadRequest("device_id and session_id query parameters are required"))
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	user := realtime.User{UID: uid, DeviceID: deviceID, SessionID: sessionID}
	sink := newWSSink(conn)

	h.server.HandleNewConnection(user, sink)
	log.Info().Str("user", user.String()).Msg("collaboration connection established")

	readLoop(h.server, user, sink, h.access)
}

// HandleHealthz reports process liveness — it never touches the database or
// Redis, so a slow dependency never fails a liveness probe and triggers an
// unnecessary restart.
func (h *Handler) HandleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleReadyz reports whether the server is ready to accept traffic: the
// database connection pool must be reachable.
func (h *Handler) HandleReadyz(c *gin.Context) {
	if err := h.db.DB().Ping(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "reason": "database unreachable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":            "ready",
		"connected_users":   h.server.Metrics().ConnectedUsers(),
		"dropped_commands":  h.server.Metrics().DroppedCommands(),
	})
}
