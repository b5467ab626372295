// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Evaluation loop
	TickInterval       time.Duration // aggregator snapshot + policy re-evaluation cadence
	AckGracePeriod     time.Duration // directive ack window before a device is flagged unresponsive
	MaxSessionDuration time.Duration // cap applied to unterminated app sessions

	// Ingest
	IngestBufferSize int // per-device publish buffer capacity before oldest-first eviction

	// Night window defaults (per-child overrides live in the registry)
	NightWindowStart string // "23:00"
	NightWindowEnd   string // "05:00"

	// Quotas
	DefaultDailyQuotaMinutes int
	RamadanQuotaMultiplier   float64

	// Risk scoring overrides (JSON; see risk.ParseConfig). RISK_CONFIG
	// accepts the JSON inline or a path to a file containing it, so
	// weights and half-lives are tuned per deployment, not recompiled.
	RiskConfigJSON string

	// Ramadan calendar (RFC3339 dates; both empty = Ramadan mode inactive)
	RamadanStart string
	RamadanEnd   string

	// Prayer time provider
	PrayerProviderURL     string // external timetable API (optional; salah locks disabled if unset)
	PrayerRefreshInterval time.Duration

	// Security
	RateLimitRPM int
	AdminSecret  string // Admin API secret

	// Tracing
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultTick             = 60 * time.Second
	DefaultAckGrace         = 5 * time.Minute
	DefaultMaxSession       = 3 * time.Hour
	DefaultIngestBuffer     = 256
	DefaultNightStart       = "23:00"
	DefaultNightEnd         = "05:00"
	DefaultDailyQuota       = 240
	DefaultRamadanQuotaMult = 0.5
	DefaultRateLimit        = 120
	DefaultPrayerRefresh    = 24 * time.Hour
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                     getEnv("PORT", DefaultPort),
		Env:                      getEnv("ENV", DefaultEnv),
		LogLevel:                 getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:              os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		TickInterval:             getEnvDuration("TICK_INTERVAL", DefaultTick),
		AckGracePeriod:           getEnvDuration("ACK_GRACE_PERIOD", DefaultAckGrace),
		MaxSessionDuration:       getEnvDuration("MAX_SESSION_DURATION", DefaultMaxSession),
		IngestBufferSize:         int(getEnvInt64("INGEST_BUFFER_SIZE", DefaultIngestBuffer)),
		NightWindowStart:         getEnv("NIGHT_WINDOW_START", DefaultNightStart),
		NightWindowEnd:           getEnv("NIGHT_WINDOW_END", DefaultNightEnd),
		DefaultDailyQuotaMinutes: int(getEnvInt64("DEFAULT_DAILY_QUOTA_MINUTES", DefaultDailyQuota)),
		RamadanQuotaMultiplier:   getEnvFloat("RAMADAN_QUOTA_MULTIPLIER", DefaultRamadanQuotaMult),
		RiskConfigJSON:           os.Getenv("RISK_CONFIG"),
		RamadanStart:             os.Getenv("RAMADAN_START"),
		RamadanEnd:               os.Getenv("RAMADAN_END"),
		PrayerProviderURL:        os.Getenv("PRAYER_PROVIDER_URL"),
		PrayerRefreshInterval:    getEnvDuration("PRAYER_REFRESH_INTERVAL", DefaultPrayerRefresh),
		RateLimitRPM:             int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		AdminSecret:              os.Getenv("ADMIN_SECRET"),
		OTLPEndpoint:             os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	// RISK_CONFIG may name a file instead of carrying the JSON inline.
	if v := strings.TrimSpace(cfg.RiskConfigJSON); v != "" && !strings.HasPrefix(v, "{") {
		data, err := os.ReadFile(v) // #nosec G304 -- operator-supplied config path
		if err != nil {
			return nil, fmt.Errorf("RISK_CONFIG: %w", err)
		}
		cfg.RiskConfigJSON = string(data)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and coherent
func (c *Config) Validate() error {
	if c.TickInterval < time.Second {
		return fmt.Errorf("TICK_INTERVAL must be at least 1s")
	}
	if c.IngestBufferSize <= 0 {
		return fmt.Errorf("INGEST_BUFFER_SIZE must be positive")
	}
	if _, err := ParseClock(c.NightWindowStart); err != nil {
		return fmt.Errorf("NIGHT_WINDOW_START: %w", err)
	}
	if _, err := ParseClock(c.NightWindowEnd); err != nil {
		return fmt.Errorf("NIGHT_WINDOW_END: %w", err)
	}
	if c.RamadanQuotaMultiplier <= 0 || c.RamadanQuotaMultiplier > 1 {
		return fmt.Errorf("RAMADAN_QUOTA_MULTIPLIER must be in (0,1]")
	}
	if (c.RamadanStart == "") != (c.RamadanEnd == "") {
		return fmt.Errorf("RAMADAN_START and RAMADAN_END must be set together")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Clock is a minute-of-day wall clock value ("HH:MM").
type Clock int

// ParseClock parses "HH:MM" into minutes since midnight.
func ParseClock(s string) (Clock, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid clock value %q (want HH:MM)", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock value %q out of range", s)
	}
	return Clock(h*60 + m), nil
}

// Minutes returns minutes since midnight.
func (c Clock) Minutes() int { return int(c) }

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
