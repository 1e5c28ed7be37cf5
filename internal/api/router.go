package api

import (
	"github.com/gin-gonic/gin"

	"github.com/streamspace/collab-core/internal/db"
	collaberrors "github.com/streamspace/collab-core/internal/errors"
	"github.com/streamspace/collab-core/internal/middleware"
	"github.com/streamspace/collab-core/internal/realtime"
)

// NewRouter builds the gin engine serving the collaboration websocket
// endpoint and the two orchestrator probes.
func NewRouter(server *realtime.CollaborationServer, database *db.Database) *gin.Engine {
	router := gin.New()

	router.Use(middleware.RequestID())
	router.Use(collaberrors.Recovery())
	router.Use(middleware.StructuredLogger(middleware.DefaultStructuredLoggerConfig()))
	router.Use(collaberrors.ErrorHandler())

	handler := NewHandler(server, database)

	router.GET("/healthz", handler.HandleHealthz)
	router.GET("/readyz", handler.HandleReadyz)
	router.GET("/ws/v1/collab", handler.HandleCollabWebSocket)

	return router
}
