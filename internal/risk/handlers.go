package risk

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noorguard/engine/internal/logging"
	"github.com/noorguard/engine/internal/registry"
)

// Handler provides HTTP endpoints for risk scores.
type Handler struct {
	svc      *Service
	children registry.Store
}

// NewHandler creates a risk handler.
func NewHandler(svc *Service, children registry.Store) *Handler {
	return &Handler{svc: svc, children: children}
}

// RegisterRoutes sets up risk endpoints under /children.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/children/:id/risk", h.GetRisk)
	r.GET("/children/:id/risk/history", h.GetRiskHistory)
}

// GetRisk returns the current risk score and band for a child.
// GET /v1/children/:id/risk
func (h *Handler) GetRisk(c *gin.Context) {
	childID := c.Param("id")

	if _, err := h.children.GetChild(c.Request.Context(), childID); err != nil {
		if errors.Is(err, registry.ErrChildNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "child_not_found", "message": "Child not found"})
			return
		}
		logging.L(c.Request.Context()).Error("risk child lookup failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
		return
	}

	score, err := h.svc.Current(c.Request.Context(), childID)
	if err != nil {
		if errors.Is(err, ErrNoData) {
			c.JSON(http.StatusOK, gin.H{
				"childId": childID,
				"dataGap": true,
				"message": "No devices have reported yet",
			})
			return
		}
		logging.L(c.Request.Context()).Error("risk evaluation failed", "child_id", childID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"risk":          score,
		"historyCursor": score.ComputedAt.Format(time.RFC3339),
	})
}

// GetRiskHistory returns stored score samples, newest first.
// GET /v1/children/:id/risk/history?from=&to=&limit=
func (h *Handler) GetRiskHistory(c *gin.Context) {
	childID := c.Param("id")

	q := HistoryQuery{ChildID: childID, Limit: 100}
	if from := c.Query("from"); from != "" {
		if t, err := time.Parse(time.RFC3339, from); err == nil {
			q.From = t
		}
	}
	if to := c.Query("to"); to != "" {
		if t, err := time.Parse(time.RFC3339, to); err == nil {
			q.To = t
		}
	}
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			q.Limit = parsed
			if q.Limit > 1000 {
				q.Limit = 1000
			}
		}
	}

	samples, err := h.svc.History(c.Request.Context(), q)
	if err != nil {
		logging.L(c.Request.Context()).Error("risk history query failed", "child_id", childID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed", "message": "Failed to query risk history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"childId": childID,
		"samples": samples,
		"count":   len(samples),
	})
}
