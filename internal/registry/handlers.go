package registry

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/noorguard/engine/internal/logging"
)

// Defaults seed new child profiles when the request omits a setting.
type Defaults struct {
	FilterLevel       FilterLevel
	DailyQuotaMinutes int
	NightStart        string
	NightEnd          string
}

// Handler provides HTTP handlers for the registry API
type Handler struct {
	store    Store
	defaults Defaults
}

// NewHandler creates a new registry handler
func NewHandler(store Store, defaults Defaults) *Handler {
	if defaults.FilterLevel == "" {
		defaults.FilterLevel = FilterModerate
	}
	return &Handler{store: store, defaults: defaults}
}

// RegisterRoutes sets up the registry routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	// Guardian management
	r.POST("/guardians", h.CreateGuardian)
	r.GET("/guardians/:id", h.GetGuardian)
	r.GET("/guardians/:id/children", h.ListChildren)

	// Child profiles
	r.POST("/guardians/:id/children", h.CreateChild)
	r.GET("/children/:id", h.GetChild)
	r.PATCH("/children/:id", h.UpdateChild)
	r.GET("/children/:id/devices", h.ListDevices)

	// Pairing and devices
	r.POST("/children/:id/pairing", h.CreatePairingCode)
	r.POST("/devices/pair", h.PairDevice)
	r.GET("/devices/:id", h.GetDevice)
	r.POST("/devices/:id/retire", h.RetireDevice)
}

// -----------------------------------------------------------------------------
// Guardian Handlers
// -----------------------------------------------------------------------------

// CreateGuardian handles POST /guardians
func (h *Handler) CreateGuardian(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.L(ctx)

	var req CreateGuardianRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "name and a valid email are required",
		})
		return
	}

	g := &Guardian{
		Name:     req.Name,
		Email:    req.Email,
		Timezone: req.Timezone,
	}
	if g.Timezone == "" {
		g.Timezone = "UTC"
	}

	if err := h.store.CreateGuardian(ctx, g); err != nil {
		if errors.Is(err, ErrEmailExists) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "email_exists",
				"message": "A guardian with this email is already registered",
			})
			return
		}
		logger.Error("failed to create guardian", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create guardian",
		})
		return
	}

	logger.Info("guardian created", "guardian_id", g.ID)
	c.JSON(http.StatusCreated, g)
}

// GetGuardian handles GET /guardians/:id
func (h *Handler) GetGuardian(c *gin.Context) {
	g, err := h.store.GetGuardian(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, g)
}

// -----------------------------------------------------------------------------
// Child Handlers
// -----------------------------------------------------------------------------

// CreateChild handles POST /guardians/:id/children
func (h *Handler) CreateChild(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.L(ctx)

	var req CreateChildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "name is required",
		})
		return
	}

	child := &Child{
		GuardianID:        c.Param("id"),
		Name:              req.Name,
		BirthYear:         req.BirthYear,
		FilterLevel:       h.defaults.FilterLevel,
		DailyQuotaMinutes: h.defaults.DailyQuotaMinutes,
		NightStart:        h.defaults.NightStart,
		NightEnd:          h.defaults.NightEnd,
		City:              req.City,
		Country:           req.Country,
		// Prayer-time locking is opt-out: on unless the guardian disables it.
		AutoLockDuringPrayer: true,
	}
	if req.FilterLevel != "" {
		child.FilterLevel = FilterLevel(req.FilterLevel)
	}
	if req.DailyQuotaMinutes > 0 {
		child.DailyQuotaMinutes = req.DailyQuotaMinutes
	}
	if req.NightStart != "" {
		child.NightStart = req.NightStart
	}
	if req.NightEnd != "" {
		child.NightEnd = req.NightEnd
	}
	if req.AutoLockDuringPrayer != nil {
		child.AutoLockDuringPrayer = *req.AutoLockDuringPrayer
	}

	if err := h.store.CreateChild(ctx, child); err != nil {
		if errors.Is(err, ErrInvalidFilter) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_filter_level",
				"message": "filterLevel must be one of: minimal, moderate, strict",
			})
			return
		}
		respondStoreError(c, err)
		return
	}

	logger.Info("child profile created", "child_id", child.ID, "guardian_id", child.GuardianID)
	c.JSON(http.StatusCreated, child)
}

// GetChild handles GET /children/:id
func (h *Handler) GetChild(c *gin.Context) {
	child, err := h.store.GetChild(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, child)
}

// UpdateChild handles PATCH /children/:id
func (h *Handler) UpdateChild(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.L(ctx)

	var req UpdateChildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	child, err := h.store.GetChild(ctx, c.Param("id"))
	if err != nil {
		respondStoreError(c, err)
		return
	}

	if req.Name != nil {
		child.Name = *req.Name
	}
	if req.FilterLevel != nil {
		child.FilterLevel = FilterLevel(*req.FilterLevel)
	}
	if req.DailyQuotaMinutes != nil {
		child.DailyQuotaMinutes = *req.DailyQuotaMinutes
	}
	if req.NightStart != nil {
		child.NightStart = *req.NightStart
	}
	if req.NightEnd != nil {
		child.NightEnd = *req.NightEnd
	}
	if req.RamadanMode != nil {
		child.RamadanMode = *req.RamadanMode
	}
	if req.AutoLockDuringPrayer != nil {
		child.AutoLockDuringPrayer = *req.AutoLockDuringPrayer
	}
	if req.City != nil {
		child.City = *req.City
	}
	if req.Country != nil {
		child.Country = *req.Country
	}

	if err := h.store.UpdateChild(ctx, child); err != nil {
		if errors.Is(err, ErrInvalidFilter) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_filter_level",
				"message": "filterLevel must be one of: minimal, moderate, strict",
			})
			return
		}
		respondStoreError(c, err)
		return
	}

	logger.Info("child profile updated", "child_id", child.ID)
	c.JSON(http.StatusOK, child)
}

// ListChildren handles GET /guardians/:id/children
func (h *Handler) ListChildren(c *gin.Context) {
	children, err := h.store.ListChildren(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondStoreError(c, err)
		return
	}
	if children == nil {
		children = []*Child{}
	}
	c.JSON(http.StatusOK, gin.H{"children": children, "count": len(children)})
}

// -----------------------------------------------------------------------------
// Pairing and Device Handlers
// -----------------------------------------------------------------------------

// CreatePairingCode handles POST /children/:id/pairing
func (h *Handler) CreatePairingCode(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.L(ctx)

	pc, err := h.store.CreatePairingCode(ctx, c.Param("id"), PairingTTL)
	if err != nil {
		respondStoreError(c, err)
		return
	}

	logger.Info("pairing code issued", "child_id", pc.ChildID)
	c.JSON(http.StatusCreated, pc)
}

// PairDevice handles POST /devices/pair
// A device presents a pairing code and is enrolled for the code's child.
func (h *Handler) PairDevice(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.L(ctx)

	var req PairDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "code, name, and platform are required",
		})
		return
	}

	pc, err := h.store.ClaimPairingCode(ctx, req.Code)
	if err != nil {
		switch {
		case errors.Is(err, ErrPairingNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "pairing_not_found",
				"message": "Unknown pairing code",
			})
		case errors.Is(err, ErrPairingExpired):
			c.JSON(http.StatusGone, gin.H{
				"error":   "pairing_expired",
				"message": "Pairing code has expired; generate a new one",
			})
		case errors.Is(err, ErrPairingUsed):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "pairing_used",
				"message": "Pairing code was already used",
			})
		default:
			logger.Error("failed to claim pairing code", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to claim pairing code",
			})
		}
		return
	}

	device := &Device{
		ChildID:  pc.ChildID,
		Name:     req.Name,
		Platform: req.Platform,
	}
	if err := h.store.CreateDevice(ctx, device); err != nil {
		respondStoreError(c, err)
		return
	}

	logger.Info("device paired", "device_id", device.ID, "child_id", device.ChildID)
	c.JSON(http.StatusCreated, device)
}

// GetDevice handles GET /devices/:id
func (h *Handler) GetDevice(c *gin.Context) {
	d, err := h.store.GetDevice(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// RetireDevice handles POST /devices/:id/retire
// Retirement is soft: the record stays, but the engine rejects its events.
func (h *Handler) RetireDevice(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.L(ctx)

	id := c.Param("id")
	if err := h.store.RetireDevice(ctx, id); err != nil {
		if errors.Is(err, ErrDeviceRetired) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "device_retired",
				"message": "Device is already retired",
			})
			return
		}
		respondStoreError(c, err)
		return
	}

	logger.Info("device retired", "device_id", id)
	c.JSON(http.StatusOK, gin.H{"id": id, "status": DeviceRetired})
}

// ListDevices handles GET /children/:id/devices
func (h *Handler) ListDevices(c *gin.Context) {
	devices, err := h.store.ListDevices(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondStoreError(c, err)
		return
	}
	if devices == nil {
		devices = []*Device{}
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices, "count": len(devices)})
}

// respondStoreError maps store sentinel errors to HTTP responses.
func respondStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrGuardianNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "guardian_not_found", "message": "Guardian not found"})
	case errors.Is(err, ErrChildNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "child_not_found", "message": "Child not found"})
	case errors.Is(err, ErrDeviceNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "device_not_found", "message": "Device not found"})
	default:
		logging.L(c.Request.Context()).Error("registry store error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
	}
}
