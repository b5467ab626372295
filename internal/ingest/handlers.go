package ingest

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/noorguard/engine/internal/auth"
	"github.com/noorguard/engine/internal/logging"
)

// Handler provides the device-facing ingest API.
type Handler struct {
	queue *Queue
	store EventStore
}

// NewHandler creates an ingest handler.
func NewHandler(queue *Queue, store EventStore) *Handler {
	return &Handler{queue: queue, store: store}
}

// IngestRequest is the POST /events payload.
type IngestRequest struct {
	DeviceID  string    `json:"deviceId" binding:"required"`
	Kind      string    `json:"kind" binding:"required"`
	Seq       int64     `json:"seq" binding:"required"`
	Timestamp time.Time `json:"timestamp" binding:"required"`
	Payload   string    `json:"payload"`
}

// IngestEvent handles POST /events.
// Returns 202 with the accepted sequence, 409 on a stale sequence,
// 403 on an unknown or retired device.
func (h *Handler) IngestEvent(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.L(ctx)

	var req IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "deviceId, kind, seq, and timestamp are required",
		})
		return
	}

	// A device token may only report for its own device.
	if owner := auth.GetAuthenticatedOwner(c); owner != "" && owner != req.DeviceID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "device_mismatch",
			"message": "Token does not match deviceId",
		})
		return
	}

	res, err := h.queue.Ingest(ctx, req.DeviceID, Kind(req.Kind), req.Seq, req.Timestamp, req.Payload)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidEvent):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_event",
				"message": "Unknown kind, non-positive seq, or missing payload hash",
			})
		case errors.Is(err, ErrUnknownDevice):
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "unknown_device",
				"message": "Device is not registered",
			})
		case errors.Is(err, ErrDeviceRetired):
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "device_retired",
				"message": "Device has been retired",
			})
		case errors.Is(err, ErrStaleEvent):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "stale_event",
				"message": "Sequence number must be strictly greater than the last accepted",
			})
		default:
			logger.Error("ingest failed", "device_id", req.DeviceID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to ingest event",
			})
		}
		return
	}

	status := "accepted"
	if res.Degraded {
		status = "degraded"
	}
	c.JSON(http.StatusAccepted, gin.H{
		"eventId": res.EventID,
		"seq":     res.Seq,
		"status":  status,
	})
}

// ListDeviceEvents handles GET /devices/:id/events for the guardian dashboard.
func (h *Handler) ListDeviceEvents(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	events, err := h.store.ByDevice(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list events", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list events",
		})
		return
	}
	if events == nil {
		events = []*UsageEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}
