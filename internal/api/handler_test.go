package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamspace/collab-core/internal/db"
	"github.com/streamspace/collab-core/internal/realtime"
)

func newTestHandler(t *testing.T) (*Handler, sqlmock.Sqlmock) {
	sqlDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	database := db.NewDatabaseForTesting(sqlDB)
	collabDB := db.NewCollabDB(database)
	server := realtime.New(collabDB, realtime.Config{})
	t.Cleanup(server.Shutdown)

	return NewHandler(server, database), mock
}

func TestHandleHealthz(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler, _ := newTestHandler(t)

	router := gin.New()
	router.GET("/healthz", handler.HandleHealthz)

	req, _ := http.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}

func TestHandleReadyz_DatabaseReachable(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler, mock := newTestHandler(t)
	mock.ExpectPing()

	router := gin.New()
	router.GET("/readyz", handler.HandleReadyz)

	req, _ := http.NewRequest("GET", "/readyz", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ready")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleReadyz_DatabaseUnreachable(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler, mock := newTestHandler(t)
	mock.ExpectPing().WillReturnError(assert.AnError)

	router := gin.New()
	router.GET("/readyz", handler.HandleReadyz)

	req, _ := http.NewRequest("GET", "/readyz", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleCollabWebSocket_RejectsMissingUID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler, _ := newTestHandler(t)

	router := gin.New()
	router.GET("/ws/v1/collab", handler.HandleCollabWebSocket)

	req, _ := http.NewRequest("GET", "/ws/v1/collab?device_id=d1&session_id=s1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
