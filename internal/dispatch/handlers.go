package dispatch

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noorguard/engine/internal/logging"
	"github.com/noorguard/engine/internal/policy"
	"github.com/noorguard/engine/internal/registry"
)

// Handler provides the device-facing directive endpoints.
type Handler struct {
	svc     *Service
	devices registry.Store
}

// NewHandler creates a dispatch handler.
func NewHandler(svc *Service, devices registry.Store) *Handler {
	return &Handler{svc: svc, devices: devices}
}

// RegisterRoutes sets up dispatch endpoints under /devices.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/devices/:id/directive", h.GetDirective)
	r.POST("/devices/:id/directive/ack", h.AcknowledgeDirective)
	r.POST("/devices/:id/heartbeat", h.Heartbeat)
}

// GetDirective returns the device's current directive.
// GET /v1/devices/:id/directive
func (h *Handler) GetDirective(c *gin.Context) {
	deviceID := c.Param("id")
	if !h.deviceExists(c, deviceID) {
		return
	}

	d, err := h.svc.CurrentDirective(c.Request.Context(), deviceID)
	if err != nil {
		h.respondError(c, deviceID, err)
		return
	}
	if d == nil {
		c.JSON(http.StatusOK, gin.H{"deviceId": deviceID, "directive": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deviceId": deviceID, "directive": d})
}

type ackRequest struct {
	DirectiveID string `json:"directiveId" binding:"required"`
}

// AcknowledgeDirective confirms the device applied its current directive.
// POST /v1/devices/:id/directive/ack
func (h *Handler) AcknowledgeDirective(c *gin.Context) {
	deviceID := c.Param("id")
	if !h.deviceExists(c, deviceID) {
		return
	}

	var req ackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "directiveId is required"})
		return
	}

	d, err := h.svc.Acknowledge(c.Request.Context(), deviceID, req.DirectiveID)
	if err != nil {
		switch {
		case errors.Is(err, policy.ErrDirectiveNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "directive_not_found", "message": "Directive not found"})
		case errors.Is(err, policy.ErrNotCurrent):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "directive_superseded",
				"message": "Directive has been superseded; fetch the current one",
			})
		default:
			h.respondError(c, deviceID, err)
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"acknowledged": true, "directive": d})
}

// Heartbeat reports device liveness and returns the current directive.
// POST /v1/devices/:id/heartbeat
func (h *Handler) Heartbeat(c *gin.Context) {
	deviceID := c.Param("id")
	if !h.deviceExists(c, deviceID) {
		return
	}

	d, err := h.svc.Heartbeat(c.Request.Context(), deviceID)
	if err != nil {
		h.respondError(c, deviceID, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deviceId": deviceID, "directive": d})
}

func (h *Handler) respondError(c *gin.Context, deviceID string, err error) {
	if errors.Is(err, ErrTimeout) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "timeout", "message": "Try again"})
		return
	}
	logging.L(c.Request.Context()).Error("dispatch request failed", "device_id", deviceID, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
}

func (h *Handler) deviceExists(c *gin.Context, deviceID string) bool {
	if _, err := h.devices.GetDevice(c.Request.Context(), deviceID); err != nil {
		if errors.Is(err, registry.ErrDeviceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "device_not_found", "message": "Device not found"})
		} else {
			logging.L(c.Request.Context()).Error("device lookup failed", "device_id", deviceID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
		}
		return false
	}
	return true
}
