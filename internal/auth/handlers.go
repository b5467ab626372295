package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for auth management
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// Info returns auth configuration info
func (h *Handler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"type":      "api_key",
		"header":    "Authorization: Bearer gk_... (guardian) or dt_... (device)",
		"altHeader": "X-API-Key",
		"note":      "Guardian keys are returned at signup; device tokens at pairing. Store them securely.",
		"publicEndpoints": []string{
			"POST /v1/guardians",
			"POST /v1/devices/pair",
			"GET /health",
		},
	})
}

// ListKeys returns credentials for the authenticated owner
func (h *Handler) ListKeys(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	keys, err := h.manager.ListKeys(c.Request.Context(), key.OwnerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to list keys",
		})
		return
	}

	// Don't expose hashes
	safeKeys := make([]gin.H, len(keys))
	for i, k := range keys {
		safeKeys[i] = gin.H{
			"id":        k.ID,
			"kind":      k.Kind,
			"name":      k.Name,
			"createdAt": k.CreatedAt,
			"lastUsed":  k.LastUsed,
			"revoked":   k.Revoked,
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"keys":  safeKeys,
		"count": len(safeKeys),
	})
}

// CreateKeyRequest is the request body for creating a key
type CreateKeyRequest struct {
	Name string `json:"name"`
}

// CreateKey creates an additional guardian key for the authenticated guardian
func (h *Handler) CreateKey(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if key.Kind != KindGuardian {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Only guardian keys can mint credentials"})
		return
	}

	var req CreateKeyRequest
	c.ShouldBindJSON(&req)
	if req.Name == "" {
		req.Name = "secondary"
	}

	rawKey, newKey, err := h.manager.GenerateKey(c.Request.Context(), KindGuardian, key.OwnerID, req.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create key"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":        newKey.ID,
		"key":       rawKey, // Shown once
		"name":      newKey.Name,
		"createdAt": newKey.CreatedAt,
		"warning":   "Store this key securely. It will not be shown again.",
	})
}

// RevokeKey revokes a credential owned by the caller
func (h *Handler) RevokeKey(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	keyID := c.Param("keyId")
	if err := h.manager.RevokeKey(c.Request.Context(), keyID, key.OwnerID); err != nil {
		if err == ErrKeyNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "key_not_found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to revoke key"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": keyID, "revoked": true})
}

// RegisterRoutes sets up auth management routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, m *Manager) {
	r.GET("/auth/info", h.Info)
	r.GET("/auth/keys", RequireAuth(m), h.ListKeys)
	r.POST("/auth/keys", RequireAuth(m), h.CreateKey)
	r.DELETE("/auth/keys/:keyId", RequireAuth(m), h.RevokeKey)
}
