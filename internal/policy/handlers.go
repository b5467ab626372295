package policy

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noorguard/engine/internal/auth"
	"github.com/noorguard/engine/internal/logging"
	"github.com/noorguard/engine/internal/registry"
)

// Handler provides the guardian-facing lock/unlock and directive
// history endpoints.
type Handler struct {
	engine   *Engine
	store    DirectiveStore
	children registry.Store
}

// NewHandler creates a policy handler.
func NewHandler(engine *Engine, store DirectiveStore, children registry.Store) *Handler {
	return &Handler{engine: engine, store: store, children: children}
}

// RegisterRoutes sets up policy endpoints under /devices.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/devices/:id/lock", h.LockDevice)
	r.POST("/devices/:id/unlock", h.UnlockDevice)
	r.GET("/devices/:id/directives", h.ListDirectives)
}

// LockDevice places a guardian manual lock, preempting the next tick.
// POST /v1/devices/:id/lock
func (h *Handler) LockDevice(c *gin.Context) {
	deviceID := c.Param("id")
	if !h.deviceExists(c, deviceID) {
		return
	}

	guardianID := auth.GetAuthenticatedOwner(c)
	if err := h.engine.Lock(c.Request.Context(), deviceID, guardianID); err != nil {
		logging.L(c.Request.Context()).Error("manual lock failed", "device_id", deviceID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lock_failed", "message": "Could not lock device"})
		return
	}

	d, err := h.store.Current(c.Request.Context(), deviceID)
	if err != nil || d == nil {
		c.JSON(http.StatusOK, gin.H{"locked": true})
		return
	}
	c.JSON(http.StatusOK, gin.H{"locked": true, "directive": d})
}

// UnlockDevice releases a manual lock. The device may immediately land
// in a lower-priority locked state (prayer window, exhausted quota).
// POST /v1/devices/:id/unlock
func (h *Handler) UnlockDevice(c *gin.Context) {
	deviceID := c.Param("id")
	if !h.deviceExists(c, deviceID) {
		return
	}

	if err := h.engine.Unlock(c.Request.Context(), deviceID); err != nil {
		logging.L(c.Request.Context()).Error("manual unlock failed", "device_id", deviceID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unlock_failed", "message": "Could not unlock device"})
		return
	}

	d, err := h.store.Current(c.Request.Context(), deviceID)
	if err != nil || d == nil {
		c.JSON(http.StatusOK, gin.H{"locked": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"locked": d.Action == ActionLock, "directive": d})
}

// ListDirectives returns a device's directive history, newest first.
// GET /v1/devices/:id/directives?limit=
func (h *Handler) ListDirectives(c *gin.Context) {
	deviceID := c.Param("id")
	if !h.deviceExists(c, deviceID) {
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	directives, err := h.store.ListByDevice(c.Request.Context(), deviceID, limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("directive history query failed", "device_id", deviceID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed", "message": "Failed to query directives"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"deviceId":   deviceID,
		"directives": directives,
		"count":      len(directives),
	})
}

func (h *Handler) deviceExists(c *gin.Context, deviceID string) bool {
	if _, err := h.children.GetDevice(c.Request.Context(), deviceID); err != nil {
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
