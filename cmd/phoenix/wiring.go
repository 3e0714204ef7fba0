package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/api"
	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/audit"
	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/axioms"
	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/config"
	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/core"
	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/gate"
	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/notify"
	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/observability"
	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/scanner"
	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/store"
)

// loadRegistry reads the policy file, or the built-in policy when path is empty.
func loadRegistry(path string) (*axioms.Registry, error) {
	if path == "" {
		return axioms.Default()
	}
	return axioms.Load(path)
}

func loadAllowList(path string) (*gate.AllowList, error) {
	if path == "" {
		return gate.DefaultAllowList()
	}
	return gate.LoadAllowList(path)
}

// openAudit opens the configured audit backend.
func openAudit(ctx context.Context, cfg *config.Config) (store.Backend, func() error, error) {
	switch cfg.AuditBackend {
	case "sqlite":
		db, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		s, err := store.NewSQLiteAuditStore(db)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return s, db.Close, nil
	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		s := store.NewPostgresAuditStore(db)
		if err := s.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return s, db.Close, nil
	default:
		return store.NewAuditStore(), func() error { return nil }, nil
	}
}

// app is everything serve builds from the configuration.
type app struct {
	core    *core.Core
	server  *api.Server
	metrics *observability.Provider
	limiter *api.LocalLimiter
	closers []func() error
}

func (r *app) Close(ctx context.Context) {
	if r.metrics != nil {
		if err := r.metrics.Shutdown(ctx); err != nil {
			slog.Warn("observability shutdown failed", "error", err)
		}
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			slog.Warn("close failed", "error", err)
		}
	}
}

// build wires the core and the control plane from cfg. Audit events are
// also written to auditOut as JSON lines.
func build(ctx context.Context, cfg *config.Config, auditOut io.Writer) (*app, error) {
	rt := &app{}
	fail := func(err error) (*app, error) {
		rt.Close(ctx)
		return nil, err
	}

	reg, err := loadRegistry(cfg.PolicyFile)
	if err != nil {
		return fail(fmt.Errorf("load policy: %w", err))
	}
	tools, err := loadAllowList(cfg.ToolsFile)
	if err != nil {
		return fail(fmt.Errorf("load tool allow-list: %w", err))
	}
	sc, err := scanner.New(reg)
	if err != nil {
		return fail(fmt.Errorf("build scanner: %w", err))
	}
	signer, err := gate.NewSigner([]byte(cfg.SigningSecret))
	if err != nil {
		return fail(err)
	}

	backend, closeAudit, err := openAudit(ctx, cfg)
	if err != nil {
		return fail(fmt.Errorf("open audit backend: %w", err))
	}
	rt.closers = append(rt.closers, closeAudit)
	sink := audit.Multi(audit.NewChainSink(backend), audit.NewWriterSink(auditOut))

	var (
		notifier notify.Notifier = notify.NewLogNotifier(nil)
		nonces   gate.NonceStore = gate.NewMemoryNonceStore()
		limiter  api.Limiter
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		rt.closers = append(rt.closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fail(fmt.Errorf("ping redis: %w", err))
		}
		notifier = notify.Multi(notifier, notify.NewRedisNotifier(rdb, cfg.NotifyChannel))
		nonces = gate.NewRedisNonceStore(rdb)
		limiter = api.NewRedisLimiter(rdb, cfg.RateLimitRPS, burstFor(cfg.RateLimitRPS))
	} else {
		rt.limiter = api.NewLocalLimiter(cfg.RateLimitRPS, burstFor(cfg.RateLimitRPS))
		limiter = rt.limiter
	}

	g, err := gate.New(gate.Config{
		Scanner: sc,
		Tools:   tools,
		Signer:  signer,
		Nonces:  nonces,
		TTL:     cfg.SealTTL,
		Audit:   sink,
	})
	if err != nil {
		return fail(err)
	}

	obsCfg := observability.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		obsCfg.Enabled = true
		obsCfg.Endpoint = cfg.OTLPEndpoint
	}
	rt.metrics, err = observability.New(ctx, obsCfg)
	if err != nil {
		return fail(fmt.Errorf("init observability: %w", err))
	}

	rt.core, err = core.New(core.Config{
		ApprovalThreshold:   cfg.ApprovalThreshold,
		MaxRenaissance:      cfg.MaxRenaissance,
		EscalationThreshold: cfg.EscalationThreshold,
		DistressHysteresis:  cfg.DistressHysteresis,
		IssueInactiveCycles: cfg.IssueInactiveCycles,
		GeneratorTimeout:    cfg.GeneratorTimeout,
		ExecutorTimeout:     cfg.ExecutorTimeout,
	}, core.Deps{
		Scanner:  sc,
		Gate:     g,
		Audit:    sink,
		Notifier: notifier,
		Metrics:  rt.metrics,
	})
	if err != nil {
		return fail(err)
	}

	var admin *api.AdminValidator
	if cfg.AdminJWTSecret != "" {
		admin, err = api.NewAdminValidator([]byte(cfg.AdminJWTSecret))
		if err != nil {
			return fail(err)
		}
	} else {
		slog.WarnContext(ctx, "PHOENIX_ADMIN_JWT_SECRET not set; operator routes are disabled")
	}
	rt.server = api.NewServer(rt.core, api.Options{Admin: admin, Limiter: limiter})

	slog.InfoContext(ctx, "core wired",
		"policy_version", reg.Version(),
		"axioms", reg.Len(),
		"tools", len(tools.Tools()),
		"audit_backend", cfg.AuditBackend,
		"redis", cfg.RedisAddr != "",
		"profile", cfg.Profile,
	)
	return rt, nil
}

func burstFor(rps float64) int {
	return max(int(2*rps), 1)
}
