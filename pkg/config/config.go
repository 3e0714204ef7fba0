// Package config loads the core's configuration from environment variables,
// optionally layered over a named deployment profile.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	SigningSecret  string
	AdminJWTSecret string
	PolicyFile     string
	ToolsFile      string

	AuditBackend string // memory | sqlite | postgres
	SQLitePath   string
	DatabaseURL  string

	RedisAddr     string
	NotifyChannel string
	OTLPEndpoint  string

	Profile string

	Tuning
}

// Tuning holds the thresholds and timeouts a profile may set.
type Tuning struct {
	ApprovalThreshold   float64       `yaml:"approval_threshold"`
	MaxRenaissance      int           `yaml:"max_renaissance"`
	EscalationThreshold int           `yaml:"escalation_threshold"`
	DistressHysteresis  int           `yaml:"distress_hysteresis"`
	IssueInactiveCycles int           `yaml:"issue_inactive_cycles"`
	GeneratorTimeout    time.Duration `yaml:"generator_timeout"`
	ExecutorTimeout     time.Duration `yaml:"executor_timeout"`
	SealTTL             time.Duration `yaml:"seal_ttl"`
	RateLimitRPS        float64       `yaml:"rate_limit_rps"`
}

var ErrMissingSecret = errors.New("config: PHOENIX_SIGNING_SECRET is required")

// DefaultTuning returns the built-in thresholds.
func DefaultTuning() Tuning {
	return Tuning{
		ApprovalThreshold:   100,
		MaxRenaissance:      3,
		EscalationThreshold: 3,
		DistressHysteresis:  5,
		IssueInactiveCycles: 3,
		GeneratorTimeout:    30 * time.Second,
		ExecutorTimeout:     60 * time.Second,
		SealTTL:             2 * time.Minute,
		RateLimitRPS:        20,
	}
}

// Load loads configuration from environment variables. Values come from the
// defaults, then the profile named by PHOENIX_PROFILE, then the environment.
func Load() (*Config, error) {
	cfg := &Config{
		Port:          getenv("PHOENIX_PORT", "8080"),
		LogLevel:      getenv("LOG_LEVEL", "INFO"),
		AuditBackend:  getenv("PHOENIX_AUDIT_BACKEND", "memory"),
		SQLitePath:    getenv("PHOENIX_SQLITE_PATH", "phoenix-audit.db"),
		NotifyChannel: getenv("PHOENIX_NOTIFY_CHANNEL", "phoenix:operator"),
		Profile:       os.Getenv("PHOENIX_PROFILE"),
		Tuning:        DefaultTuning(),
	}
	cfg.SigningSecret = os.Getenv("PHOENIX_SIGNING_SECRET")
	cfg.AdminJWTSecret = os.Getenv("PHOENIX_ADMIN_JWT_SECRET")
	cfg.PolicyFile = os.Getenv("PHOENIX_POLICY_FILE")
	cfg.ToolsFile = os.Getenv("PHOENIX_TOOLS_FILE")
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")

	switch cfg.AuditBackend {
	case "memory", "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("config: PHOENIX_AUDIT_BACKEND %q is not memory, sqlite or postgres", cfg.AuditBackend)
	}
	if cfg.AuditBackend == "postgres" && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("config: DATABASE_URL is required for the postgres audit backend")
	}

	if cfg.Profile != "" {
		p, err := LoadProfile(getenv("PHOENIX_PROFILES_DIR", "profiles"), cfg.Profile)
		if err != nil {
			return nil, err
		}
		p.apply(&cfg.Tuning)
	}

	var errs []error
	floatEnv(&errs, "PHOENIX_APPROVAL_THRESHOLD", &cfg.ApprovalThreshold)
	intEnv(&errs, "PHOENIX_MAX_RENAISSANCE", &cfg.MaxRenaissance)
	intEnv(&errs, "PHOENIX_ESCALATION_THRESHOLD", &cfg.EscalationThreshold)
	intEnv(&errs, "PHOENIX_DISTRESS_HYSTERESIS", &cfg.DistressHysteresis)
	intEnv(&errs, "PHOENIX_ISSUE_INACTIVE_CYCLES", &cfg.IssueInactiveCycles)
	durationEnv(&errs, "PHOENIX_GENERATOR_TIMEOUT", &cfg.GeneratorTimeout)
	durationEnv(&errs, "PHOENIX_EXECUTOR_TIMEOUT", &cfg.ExecutorTimeout)
	durationEnv(&errs, "PHOENIX_SEAL_TTL", &cfg.SealTTL)
	floatEnv(&errs, "PHOENIX_RATE_LIMIT_RPS", &cfg.RateLimitRPS)
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// RequireSecrets checks the secrets the server cannot start without.
func (c *Config) RequireSecrets() error {
	if c.SigningSecret == "" {
		return ErrMissingSecret
	}
	return nil
}

// SlogLevel maps LogLevel to the slog level name, defaulting to INFO.
func (c *Config) SlogLevel() string {
	switch lvl := strings.ToUpper(c.LogLevel); lvl {
	case "DEBUG", "INFO", "WARN", "ERROR":
		return lvl
	default:
		return "INFO"
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intEnv(errs *[]error, key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		*errs = append(*errs, fmt.Errorf("config: %s must be a positive integer, got %q", key, v))
		return
	}
	*dst = n
}

func floatEnv(errs *[]error, key string, dst *float64) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		*errs = append(*errs, fmt.Errorf("config: %s must be a positive number, got %q", key, v))
		return
	}
	*dst = f
}

func durationEnv(errs *[]error, key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		*errs = append(*errs, fmt.Errorf("config: %s must be a positive duration, got %q", key, v))
		return
	}
	*dst = d
}
