package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Brocrad/Obselis-sub002/internal/config"
	"github.com/Brocrad/Obselis-sub002/internal/database"
	"github.com/Brocrad/Obselis-sub002/internal/transcoding"
	"github.com/Brocrad/Obselis-sub002/internal/transcoding/cleanup"
)

func setupRouter(t *testing.T) (*gin.Engine, *transcoding.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// Every :memory: connection is its own database; pin the pool to one
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&database.TranscodingJob{}, &database.TranscodingResult{}))

	cfg := config.DefaultConfig()
	cfg.OutputDirectory = filepath.Join(t.TempDir(), "out")
	cfg.TempDirectory = t.TempDir()

	logger := hclog.NewNullLogger()
	// Manager is never started: submitted jobs stay queued, which is all
	// the handler tests need.
	manager := transcoding.NewManager(logger, cfg, db, nil)

	cleanupCfg := cleanup.DefaultConfig()
	cleanupCfg.OutputDirectory = cfg.OutputDirectory
	cleanupSvc := cleanup.NewService(logger, db, manager.Storage(), manager.Tracker(), nil, cleanupCfg)

	router := gin.New()
	NewHandler(logger, manager, cleanupSvc, nil).RegisterRoutes(router)
	return router, manager
}

func doRequest(router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func submitTestJob(t *testing.T, router *gin.Engine) string {
	t.Helper()
	input := filepath.Join(t.TempDir(), "input.mkv")
	require.NoError(t, os.WriteFile(input, make([]byte, 1024), 0644))

	w := doRequest(router, http.MethodPost, "/api/v1/transcoding/jobs", transcoding.SubmitRequest{
		InputPath: input,
		Qualities: []string{"1080p"},
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp struct {
		Job database.TranscodingJob `json:"job"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Job.ID)
	return resp.Job.ID
}

func TestSubmitJob(t *testing.T) {
	router, _ := setupRouter(t)
	jobID := submitTestJob(t, router)

	w := doRequest(router, http.MethodGet, "/api/v1/transcoding/jobs/"+jobID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var status transcoding.JobStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, database.JobStatusQueued, status.Job.Status)
}

func TestSubmitJob_BadBody(t *testing.T) {
	router, _ := setupRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/transcoding/jobs",
		bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitJob_EmptyInput(t *testing.T) {
	router, _ := setupRouter(t)

	w := doRequest(router, http.MethodPost, "/api/v1/transcoding/jobs",
		transcoding.SubmitRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetJob_NotFound(t *testing.T) {
	router, _ := setupRouter(t)

	w := doRequest(router, http.MethodGet, "/api/v1/transcoding/jobs/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelJob(t *testing.T) {
	router, _ := setupRouter(t)
	jobID := submitTestJob(t, router)

	w := doRequest(router, http.MethodDelete, "/api/v1/transcoding/jobs/"+jobID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Cancelling a terminal job conflicts
	w = doRequest(router, http.MethodDelete, "/api/v1/transcoding/jobs/"+jobID, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestGetQueue(t *testing.T) {
	router, _ := setupRouter(t)
	submitTestJob(t, router)
	submitTestJob(t, router)

	w := doRequest(router, http.MethodGet, "/api/v1/transcoding/queue", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Jobs     []database.TranscodingJob `json:"jobs"`
		Snapshot transcoding.QueueSnapshot `json:"snapshot"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Jobs, 2)
	assert.Equal(t, 2, resp.Snapshot.QueueLength)
}

func TestPauseResume(t *testing.T) {
	router, manager := setupRouter(t)

	w := doRequest(router, http.MethodPost, "/api/v1/transcoding/queue/pause", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, manager.Snapshot().IsPaused)

	w = doRequest(router, http.MethodPost, "/api/v1/transcoding/queue/resume", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, manager.Snapshot().IsPaused)
}

func TestClearQueue(t *testing.T) {
	router, _ := setupRouter(t)
	submitTestJob(t, router)
	submitTestJob(t, router)

	w := doRequest(router, http.MethodPost, "/api/v1/transcoding/queue/clear", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]int
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp["cancelled"])
}

func TestStopAll_Empty(t *testing.T) {
	router, _ := setupRouter(t)

	w := doRequest(router, http.MethodPost, "/api/v1/transcoding/jobs/stop-all", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]int
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp["stopped"])
}

func TestRunCleanup(t *testing.T) {
	router, _ := setupRouter(t)

	w := doRequest(router, http.MethodPost, "/api/v1/transcoding/cleanup", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAnalytics(t *testing.T) {
	router, _ := setupRouter(t)

	w := doRequest(router, http.MethodGet, "/api/v1/transcoding/analytics", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Snapshot transcoding.QueueSnapshot `json:"snapshot"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Snapshot.IsProcessing)
}

func TestEvents_Unavailable(t *testing.T) {
	router, _ := setupRouter(t)

	w := doRequest(router, http.MethodGet, "/api/v1/transcoding/events", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSnapshotConsistency(t *testing.T) {
	router, manager := setupRouter(t)
	jobID := submitTestJob(t, router)

	snapshot := manager.Snapshot()
	assert.Equal(t, 1, snapshot.QueueLength)

	status, err := manager.Status(jobID)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), status.Job.CreatedAt, time.Minute)
}
