// Package api exposes the transcoding engine over HTTP.
package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"

	"github.com/Brocrad/Obselis-sub002/internal/events"
	"github.com/Brocrad/Obselis-sub002/internal/transcoding"
	"github.com/Brocrad/Obselis-sub002/internal/transcoding/cleanup"
	txerrors "github.com/Brocrad/Obselis-sub002/internal/transcoding/errors"
)

// Handler serves the transcoding API
type Handler struct {
	logger  hclog.Logger
	manager *transcoding.Manager
	cleanup *cleanup.Service
	fanout  *events.WebSocketFanout
}

// NewHandler creates the API handler
func NewHandler(logger hclog.Logger, manager *transcoding.Manager, cleanupSvc *cleanup.Service, fanout *events.WebSocketFanout) *Handler {
	return &Handler{
		logger:  logger.Named("api"),
		manager: manager,
		cleanup: cleanupSvc,
		fanout:  fanout,
	}
}

// RegisterRoutes mounts the API under /api/v1/transcoding
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1/transcoding")
	{
		v1.POST("/jobs", h.submitJob)
		v1.GET("/jobs/:id", h.getJob)
		v1.DELETE("/jobs/:id", h.cancelJob)
		v1.GET("/queue", h.getQueue)
		v1.POST("/queue/pause", h.pauseQueue)
		v1.POST("/queue/resume", h.resumeQueue)
		v1.POST("/queue/clear", h.clearQueue)
		v1.POST("/jobs/stop-all", h.stopAll)
		v1.POST("/cleanup", h.runCleanup)
		v1.POST("/cleanup/zero-byte", h.forceCleanupZeroByte)
		v1.GET("/analytics", h.getAnalytics)
		v1.GET("/events", h.streamEvents)
	}
}

func (h *Handler) submitJob(c *gin.Context) {
	var req transcoding.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	job, err := h.manager.Submit(req)
	if err != nil {
		if errors.Is(err, txerrors.ErrQueueFull) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		if txerrors.GetType(err) == txerrors.ErrorTypeQueue {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("job submission failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to submit job"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"job": job})
}

func (h *Handler) getJob(c *gin.Context) {
	status, err := h.manager.Status(c.Param("id"))
	if err != nil {
		if errors.Is(err, txerrors.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		h.logger.Error("job lookup failed", "job_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch job"})
		return
	}

	c.JSON(http.StatusOK, status)
}

func (h *Handler) cancelJob(c *gin.Context) {
	err := h.manager.Cancel(c.Param("id"))
	if err != nil {
		if errors.Is(err, txerrors.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		if errors.Is(err, txerrors.ErrJobNotCancellable) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("job cancellation failed", "job_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel job"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "cancelling"})
}

func (h *Handler) getQueue(c *gin.Context) {
	jobs, err := h.manager.Queue()
	if err != nil {
		h.logger.Error("queue listing failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list queue"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs":     jobs,
		"snapshot": h.manager.Snapshot(),
	})
}

func (h *Handler) pauseQueue(c *gin.Context) {
	h.manager.Pause()
	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

func (h *Handler) resumeQueue(c *gin.Context) {
	h.manager.Resume()
	c.JSON(http.StatusOK, gin.H{"status": "resumed"})
}

func (h *Handler) clearQueue(c *gin.Context) {
	cleared, err := h.manager.ClearQueue()
	if err != nil {
		h.logger.Error("queue clear failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to clear queue"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"cancelled": cleared})
}

func (h *Handler) stopAll(c *gin.Context) {
	stopped := h.manager.StopAll()
	c.JSON(http.StatusOK, gin.H{"stopped": stopped})
}

func (h *Handler) runCleanup(c *gin.Context) {
	stats := h.cleanup.RunOnce(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"cleanup": stats})
}

func (h *Handler) forceCleanupZeroByte(c *gin.Context) {
	removed, err := h.cleanup.ForceCleanupZeroByte()
	if err != nil {
		h.logger.Error("zero-byte cleanup failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cleanup failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (h *Handler) getAnalytics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"stats":    h.manager.Tracker().Snapshot(),
		"snapshot": h.manager.Snapshot(),
	})
}

// streamEvents upgrades to a websocket carrying live engine events
func (h *Handler) streamEvents(c *gin.Context) {
	if h.fanout == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event stream unavailable"})
		return
	}
	h.fanout.HandleConnection(c.Writer, c.Request)
}
