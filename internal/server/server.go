// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	ossignal "os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/noorguard/engine/internal/auth"
	"github.com/noorguard/engine/internal/config"
	"github.com/noorguard/engine/internal/dispatch"
	"github.com/noorguard/engine/internal/health"
	"github.com/noorguard/engine/internal/ingest"
	"github.com/noorguard/engine/internal/logging"
	"github.com/noorguard/engine/internal/metrics"
	"github.com/noorguard/engine/internal/policy"
	"github.com/noorguard/engine/internal/prayer"
	"github.com/noorguard/engine/internal/ratelimit"
	"github.com/noorguard/engine/internal/realtime"
	"github.com/noorguard/engine/internal/registry"
	"github.com/noorguard/engine/internal/risk"
	"github.com/noorguard/engine/internal/security"
	"github.com/noorguard/engine/internal/signal"
	"github.com/noorguard/engine/internal/traces"
	"github.com/noorguard/engine/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	registry     registry.Store
	authMgr      *auth.Manager
	events       ingest.EventStore
	queue        *ingest.Queue
	aggregator   *signal.Aggregator
	riskSvc      *risk.Service
	directives   policy.DirectiveStore
	policyEngine *policy.Engine
	dispatchSvc  *dispatch.Service
	sweeper      *dispatch.Sweeper
	prayers      *prayer.Service
	realtimeHub  *realtime.Hub
	checks       *health.Registry
	rateLimiter  *ratelimit.Limiter
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc          // cancels background goroutines started in Run
	tracesDown   func(context.Context) error // OTLP exporter shutdown, nil when tracing is off

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithPrayerProvider injects a prayer timetable provider (for testing)
func WithPrayerProvider(p prayer.Provider) Option {
	return func(s *Server) {
		s.prayers = prayer.NewService(p, s.logger)
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set logger/provider)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var histStore risk.HistoryStore
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.registry = registry.NewPostgresStore(db)
		s.authMgr = auth.NewManager(auth.NewPostgresStore(db))
		s.events = ingest.NewPostgresEventStore(db)
		s.directives = policy.NewPostgresDirectiveStore(db)
		histStore = risk.NewPostgresHistoryStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
		s.logger.Info("schema is managed by cmd/migrate; run it before first start")
	} else {
		s.registry = registry.NewMemoryStore()
		s.authMgr = auth.NewManager(auth.NewMemoryStore())
		s.events = ingest.NewMemoryEventStore()
		s.directives = policy.NewMemoryDirectiveStore()
		histStore = risk.NewMemoryHistoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Prayer timetable provider (optional; salah locks off without one)
	if s.prayers == nil && cfg.PrayerProviderURL != "" {
		provider, err := prayer.NewHTTPProvider(cfg.PrayerProviderURL, 0)
		if err != nil {
			s.logger.Warn("prayer provider rejected, salah locks disabled", "error", err)
		} else {
			s.prayers = prayer.NewService(provider, s.logger)
			s.logger.Info("prayer time provider enabled", "url", cfg.PrayerProviderURL)
		}
	}

	// Ramadan calendar from config; empty bounds mean no Ramadan period
	ramadan, err := prayer.NewCalendar(cfg.RamadanStart, cfg.RamadanEnd)
	if err != nil {
		return nil, fmt.Errorf("ramadan calendar: %w", err)
	}

	// Signal aggregation over the ingest stream; workers hydrate from
	// the durable event log so restarts keep today's usage state
	s.aggregator = signal.NewAggregator(signal.Config{
		TickInterval:       cfg.TickInterval,
		MaxSessionDuration: cfg.MaxSessionDuration,
		NightStart:         cfg.NightWindowStart,
		NightEnd:           cfg.NightWindowEnd,
	}, s.registry, s.events, s.logger)

	s.queue = ingest.NewQueue(s.events, s.registry, s.aggregator, cfg.IngestBufferSize, s.logger)

	// Risk scoring on top of the aggregated signals, with deployment
	// overrides for weights, caps, and half-lives
	riskCfg := risk.DefaultConfig()
	if cfg.RiskConfigJSON != "" {
		riskCfg, err = risk.ParseConfig([]byte(cfg.RiskConfigJSON))
		if err != nil {
			return nil, err
		}
		s.logger.Info("risk scoring overrides loaded")
	}
	s.riskSvc = risk.NewService(risk.NewScorerWithConfig(riskCfg), s.aggregator, histStore, s.logger)

	// Policy state machine
	s.policyEngine = policy.NewEngine(policy.Config{
		TickInterval:           cfg.TickInterval,
		RamadanQuotaMultiplier: cfg.RamadanQuotaMultiplier,
	}, s.registry, s.aggregator, s.riskSvc, s.prayers, ramadan, s.directives, s.logger)

	// Directive dispatch to device clients
	s.dispatchSvc = dispatch.NewService(s.directives, s.registry, 0)
	s.sweeper = dispatch.NewSweeper(s.directives, s.registry, cfg.AckGracePeriod, s.logger)

	// Realtime hub for the guardian dashboard
	s.realtimeHub = realtime.NewHub(s.logger)
	s.policyEngine.SetNotifier(&hubNotifier{hub: s.realtimeHub})
	s.riskSvc.OnBandChange(func(childID string, from, to risk.Band) {
		s.realtimeHub.BroadcastRiskBand(map[string]interface{}{
			"childId": childID,
			"from":    string(from),
			"to":      string(to),
		})
	})

	// Subsystem health checks
	s.checks = health.NewRegistry()
	s.checks.Register("storage", func(ctx context.Context) health.Status {
		if s.db == nil {
			return health.Status{Name: "storage", Healthy: true, Detail: "memory"}
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.db.PingContext(pingCtx); err != nil {
			return health.Status{Name: "storage", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "storage", Healthy: true}
	})
	s.checks.Register("prayer_provider", func(ctx context.Context) health.Status {
		if s.prayers == nil {
			return health.Status{Name: "prayer_provider", Healthy: true, Detail: "disabled"}
		}
		return health.Status{Name: "prayer_provider", Healthy: true, Detail: "configured"}
	})

	s.logger.Info("API authentication enabled")

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket push for the guardian dashboard
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :id URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.IDParamMiddleware())

	registryHandler := registry.NewHandler(s.registry, registry.Defaults{
		DailyQuotaMinutes: s.cfg.DefaultDailyQuotaMinutes,
		NightStart:        s.cfg.NightWindowStart,
		NightEnd:          s.cfg.NightWindowEnd,
	})
	ingestHandler := ingest.NewHandler(s.queue, s.events)
	riskHandler := risk.NewHandler(s.riskSvc, s.registry)
	policyHandler := policy.NewHandler(s.policyEngine, s.directives, s.registry)
	dispatchHandler := dispatch.NewHandler(s.dispatchSvc, s.registry)

	// SIGNUP AND PAIRING (public, return credentials)
	v1.POST("/guardians", s.registerGuardianWithKey)
	v1.POST("/devices/pair", s.pairDeviceWithToken)

	// Credential management; /auth/info stays public, the rest
	// requires a valid key of either kind.
	authGroup := v1.Group("")
	authGroup.Use(auth.Middleware(s.authMgr))
	auth.NewHandler(s.authMgr).RegisterRoutes(authGroup, s.authMgr)

	// GUARDIAN ROUTES scoped to the caller's own account
	guardianSelf := v1.Group("")
	guardianSelf.Use(auth.Middleware(s.authMgr), auth.RequireKind(s.authMgr, auth.KindGuardian), s.requireGuardianSelf("id"))
	{
		guardianSelf.GET("/guardians/:id", registryHandler.GetGuardian)
		guardianSelf.GET("/guardians/:id/children", registryHandler.ListChildren)
		guardianSelf.POST("/guardians/:id/children", registryHandler.CreateChild)
	}

	// GUARDIAN ROUTES scoped to a child the caller owns
	childOwned := v1.Group("")
	childOwned.Use(auth.Middleware(s.authMgr), auth.RequireKind(s.authMgr, auth.KindGuardian), s.requireChildOwner("id"))
	{
		childOwned.GET("/children/:id", registryHandler.GetChild)
		childOwned.PATCH("/children/:id", registryHandler.UpdateChild)
		childOwned.GET("/children/:id/devices", registryHandler.ListDevices)
		childOwned.POST("/children/:id/pairing", registryHandler.CreatePairingCode)
		childOwned.GET("/children/:id/summary", s.childSummaryHandler)
		riskHandler.RegisterRoutes(childOwned)
	}

	// GUARDIAN ROUTES scoped to a device the caller owns (via its child)
	deviceOwned := v1.Group("")
	deviceOwned.Use(auth.Middleware(s.authMgr), auth.RequireKind(s.authMgr, auth.KindGuardian), s.requireDeviceOwner("id"))
	{
		deviceOwned.GET("/devices/:id", registryHandler.GetDevice)
		deviceOwned.POST("/devices/:id/retire", registryHandler.RetireDevice)
		deviceOwned.GET("/devices/:id/events", ingestHandler.ListDeviceEvents)
		policyHandler.RegisterRoutes(deviceOwned)
	}

	// DEVICE ROUTES (device token must match the device)
	deviceSelf := v1.Group("")
	deviceSelf.Use(auth.Middleware(s.authMgr), auth.RequireDeviceOwnership(s.authMgr, "id"))
	dispatchHandler.RegisterRoutes(deviceSelf)

	// Event ingest; the handler pins the token to the payload deviceId.
	v1.POST("/events", auth.Middleware(s.authMgr), auth.RequireKind(s.authMgr, auth.KindDevice), ingestHandler.IngestEvent)

	// ADMIN (X-Admin-Secret, or any auth in demo mode)
	admin := v1.Group("/admin")
	admin.Use(auth.Middleware(s.authMgr), auth.RequireAdmin())
	{
		admin.POST("/children/:id/replay", s.replayChildHandler)
		admin.GET("/realtime/stats", func(c *gin.Context) {
			c.JSON(http.StatusOK, s.realtimeHub.Stats())
		})
	}
}

// -----------------------------------------------------------------------------
// Ownership middleware
// -----------------------------------------------------------------------------

// requireGuardianSelf rejects guardian-scoped routes where the URL
// guardian is not the authenticated one.
func (s *Server) requireGuardianSelf(paramName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if auth.GetAuthenticatedOwner(c) != c.Param(paramName) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Key does not belong to this guardian",
			})
			return
		}
		c.Next()
	}
}

// requireChildOwner rejects child-scoped routes unless the child
// belongs to the authenticated guardian.
func (s *Server) requireChildOwner(paramName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		child, err := s.registry.GetChild(c.Request.Context(), c.Param(paramName))
		if err != nil {
			if errors.Is(err, registry.ErrChildNotFound) {
				c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
					"error":   "child_not_found",
					"message": "Child not found",
				})
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Ownership check failed",
			})
			return
		}
		if child.GuardianID != auth.GetAuthenticatedOwner(c) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Child belongs to another guardian",
			})
			return
		}
		c.Next()
	}
}

// requireDeviceOwner walks device -> child -> guardian.
func (s *Server) requireDeviceOwner(paramName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		device, err := s.registry.GetDevice(c.Request.Context(), c.Param(paramName))
		if err != nil {
			if errors.Is(err, registry.ErrDeviceNotFound) {
				c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
					"error":   "device_not_found",
					"message": "Device not found",
				})
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Ownership check failed",
			})
			return
		}
		child, err := s.registry.GetChild(c.Request.Context(), device.ChildID)
		if err != nil || child.GuardianID != auth.GetAuthenticatedOwner(c) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Device belongs to another guardian",
			})
			return
		}
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Signup & pairing
// -----------------------------------------------------------------------------

// registerGuardianWithKey handles POST /v1/guardians
// This wraps guardian creation to also generate and return an API key
func (s *Server) registerGuardianWithKey(c *gin.Context) {
	ctx := c.Request.Context()

	var req registry.CreateGuardianRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "name and a valid email are required",
		})
		return
	}

	g := &registry.Guardian{
		Name:     validation.SanitizeString(req.Name, 200),
		Email:    req.Email,
		Timezone: req.Timezone,
	}
	if g.Timezone == "" {
		g.Timezone = "UTC"
	}

	if err := s.registry.CreateGuardian(ctx, g); err != nil {
		if errors.Is(err, registry.ErrEmailExists) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "email_exists",
				"message": "A guardian with this email is already registered",
			})
			return
		}
		s.logger.Error("failed to create guardian", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create guardian",
		})
		return
	}

	rawKey, keyInfo, err := s.authMgr.GenerateKey(ctx, auth.KindGuardian, g.ID, "primary")
	if err != nil {
		s.logger.Error("failed to generate API key", "error", err)
		// Guardian was created but key generation failed
		c.JSON(http.StatusCreated, gin.H{
			"guardian": g,
			"warning":  "Account created but key generation failed. Contact support.",
		})
		return
	}

	s.logger.Info("guardian registered",
		"guardian_id", g.ID,
		"keyId", keyInfo.ID,
	)

	c.JSON(http.StatusCreated, gin.H{
		"guardian": g,
		"apiKey":   rawKey,
		"keyId":    keyInfo.ID,
		"warning":  "Store this key securely. It will not be shown again.",
		"usage":    "Include 'Authorization: Bearer <apiKey>' header in requests.",
	})
}

// pairDeviceWithToken handles POST /v1/devices/pair
// A device redeems a pairing code and receives its device token.
func (s *Server) pairDeviceWithToken(c *gin.Context) {
	ctx := c.Request.Context()

	var req registry.PairDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "code, name, and platform are required",
		})
		return
	}

	pc, err := s.registry.ClaimPairingCode(ctx, req.Code)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrPairingNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "pairing_not_found",
				"message": "Unknown pairing code",
			})
		case errors.Is(err, registry.ErrPairingExpired):
			c.JSON(http.StatusGone, gin.H{
				"error":   "pairing_expired",
				"message": "Pairing code has expired; generate a new one",
			})
		case errors.Is(err, registry.ErrPairingUsed):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "pairing_used",
				"message": "Pairing code was already used",
			})
		default:
			s.logger.Error("failed to claim pairing code", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to claim pairing code",
			})
		}
		return
	}

	device := &registry.Device{
		ChildID:  pc.ChildID,
		Name:     validation.SanitizeString(req.Name, 200),
		Platform: req.Platform,
	}
	if err := s.registry.CreateDevice(ctx, device); err != nil {
		s.logger.Error("failed to create device", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to enroll device",
		})
		return
	}

	rawToken, keyInfo, err := s.authMgr.GenerateKey(ctx, auth.KindDevice, device.ID, "device token")
	if err != nil {
		s.logger.Error("failed to generate device token", "error", err)
		c.JSON(http.StatusCreated, gin.H{
			"device":  device,
			"warning": "Device enrolled but token generation failed. Re-pair the device.",
		})
		return
	}

	s.logger.Info("device paired",
		"device_id", device.ID,
		"child_id", device.ChildID,
	)

	s.realtimeHub.Broadcast(&realtime.Event{
		Type:      realtime.EventDevicePaired,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"deviceId": device.ID,
			"childId":  device.ChildID,
			"platform": device.Platform,
		},
	})

	c.JSON(http.StatusCreated, gin.H{
		"device":      device,
		"deviceToken": rawToken,
		"keyId":       keyInfo.ID,
		"warning":     "Store this token securely. It will not be shown again.",
	})
}

// -----------------------------------------------------------------------------
// Dashboard summary
// -----------------------------------------------------------------------------

// childSummaryHandler handles GET /v1/children/:id/summary — the
// single call the dashboard makes per child card.
func (s *Server) childSummaryHandler(c *gin.Context) {
	ctx := c.Request.Context()
	childID := c.Param("id")

	summary := gin.H{"childId": childID}

	if snap, ok := s.aggregator.Snapshot(childID); ok {
		summary["screenTimeMinutesToday"] = snap.Value(signal.ScreenTimeToday)
		summary["lateNightMinutes"] = snap.Value(signal.LateNightMinutes)
		summary["blockedAttempts24h"] = snap.Value(signal.BlockedAttempts24h)
	}

	score, err := s.riskSvc.Current(ctx, childID)
	switch {
	case errors.Is(err, risk.ErrNoData):
		summary["risk"] = gin.H{"dataGap": true}
	case err != nil:
		logging.L(ctx).Error("summary risk lookup failed", "child_id", childID, "error", err)
	default:
		summary["risk"] = gin.H{
			"score":   score.Score,
			"band":    score.Band,
			"dataGap": score.DataGap,
		}
	}

	devices, err := s.registry.ListDevices(ctx, childID)
	if err != nil {
		logging.L(ctx).Error("summary device list failed", "child_id", childID, "error", err)
		devices = nil
	}
	deviceViews := make([]gin.H, 0, len(devices))
	for _, d := range devices {
		view := gin.H{
			"id":           d.ID,
			"name":         d.Name,
			"status":       d.Status,
			"unresponsive": d.Unresponsive,
		}
		if dir, err := s.directives.Current(ctx, d.ID); err == nil && dir != nil {
			view["state"] = dir.State
			view["action"] = dir.Action
			view["reason"] = dir.Reason
		}
		deviceViews = append(deviceViews, view)
	}
	summary["devices"] = deviceViews

	c.JSON(http.StatusOK, summary)
}

// replayChildHandler handles POST /v1/admin/children/:id/replay
// Re-feeds stored events through the aggregator after a restart.
func (s *Server) replayChildHandler(c *gin.Context) {
	since := time.Now().Add(-7 * 24 * time.Hour)
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_since",
				"message": "since must be RFC3339",
			})
			return
		}
		since = t
	}

	n, err := s.queue.Replay(c.Request.Context(), c.Param("id"), since)
	if err != nil {
		logging.L(c.Request.Context()).Error("replay failed", "child_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Replay failed",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"childId": c.Param("id"), "replayed": n})
}

// -----------------------------------------------------------------------------
// Health handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())

	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		switch {
		case st.Detail != "":
			checks[st.Name] = st.Detail
		case st.Healthy:
			checks[st.Name] = "healthy"
		default:
			checks[st.Name] = "unhealthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	if s.cfg.OTLPEndpoint != "" {
		down, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
		if err != nil {
			s.logger.Warn("trace exporter init failed", "error", err)
		} else {
			s.tracesDown = down
		}
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start the ingest pump, then rebuild aggregation state from the
	// event log before the policy loop runs. Evaluating against empty
	// rings after a restart would release quota locks.
	go s.queue.Start(runCtx)
	s.warmAggregator(runCtx)
	s.policyEngine.Start(runCtx)
	s.sweeper.Start(runCtx)

	// Refresh prayer timetables for every known city
	if s.prayers != nil {
		go s.prayerRefreshLoop(runCtx)
	}

	// DB pool stats into Prometheus
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	ossignal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// warmAggregator starts a hydrated signal worker for every child with
// active devices, restoring today's usage state across restarts.
func (s *Server) warmAggregator(ctx context.Context) {
	devices, err := s.registry.ListActiveDevices(ctx)
	if err != nil {
		s.logger.Warn("aggregator warm-up: device list failed", "error", err)
		return
	}
	seen := make(map[string]bool)
	for _, d := range devices {
		if seen[d.ChildID] {
			continue
		}
		seen[d.ChildID] = true
		s.aggregator.Warm(d.ChildID)
	}
	if len(seen) > 0 {
		s.logger.Info("aggregator warmed", "children", len(seen))
	}
}

// prayerRefreshLoop keeps the per-city timetable cache warm so policy
// ticks rarely hit the provider synchronously.
func (s *Server) prayerRefreshLoop(ctx context.Context) {
	s.refreshPrayerTimes(ctx)

	ticker := time.NewTicker(s.cfg.PrayerRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshPrayerTimes(ctx)
		}
	}
}

func (s *Server) refreshPrayerTimes(ctx context.Context) {
	devices, err := s.registry.ListActiveDevices(ctx)
	if err != nil {
		s.logger.Warn("prayer refresh: device list failed", "error", err)
		return
	}

	seen := make(map[string]bool)
	for _, d := range devices {
		child, err := s.registry.GetChild(ctx, d.ChildID)
		if err != nil || child.City == "" {
			continue
		}
		key := child.City + "," + child.Country
		if seen[key] {
			continue
		}
		seen[key] = true
		s.prayers.Refresh(ctx, child.City, child.Country, time.Now())
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, workers, loops)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop the policy tick loop
	if s.policyEngine != nil {
		s.policyEngine.Stop()
		s.logger.Info("policy engine stopped")
	}

	// Stop the ack sweeper
	if s.sweeper != nil {
		s.sweeper.Stop()
		s.logger.Info("dispatch sweeper stopped")
	}

	// Stop the ingest pump and signal workers
	if s.queue != nil {
		s.queue.Stop()
		s.logger.Info("ingest pump stopped")
	}
	if s.aggregator != nil {
		s.aggregator.Stop()
		s.logger.Info("signal aggregator stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.tracesDown != nil {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.tracesDown(flushCtx); err != nil {
			s.logger.Error("trace exporter shutdown error", "error", err)
		}
		flushCancel()
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

// hubNotifier bridges the policy engine to the realtime hub.
type hubNotifier struct {
	hub *realtime.Hub
}

func (n *hubNotifier) DirectiveIssued(d *policy.Directive) {
	n.hub.BroadcastDirective(map[string]interface{}{
		"directiveId": d.ID,
		"deviceId":    d.DeviceID,
		"childId":     d.ChildID,
		"state":       string(d.State),
		"action":      string(d.Action),
		"reason":      d.Reason,
	})
}
