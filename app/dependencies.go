package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/upb/paygate/auth"
	"github.com/upb/paygate/config"
	"github.com/upb/paygate/handlers"
	"github.com/upb/paygate/internal/observability"
	"github.com/upb/paygate/internal/policy"
	"github.com/upb/paygate/internal/window"
	"github.com/upb/paygate/middleware"
	"github.com/upb/paygate/repositories"
	"github.com/upb/paygate/repositories/postgres"
	"github.com/upb/paygate/repositories/redisstream"
	"github.com/upb/paygate/services/audit"
	policysvc "github.com/upb/paygate/services/policy"
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config   *config.Config
	Logger   *zap.Logger
	Registry *prometheus.Registry
	Metrics  *observability.Metrics

	// Admission
	Store         *window.Store
	Engine        *policy.Engine
	Janitor       *window.Janitor
	PolicySource  *policysvc.FileSource
	PolicyService *policysvc.PolicyService

	// Audit export
	RepoFactory  *postgres.RepositoryFactory
	Redis        *redis.Client
	Repositories *repositories.Repositories
	Audit        *audit.AuditService

	// HTTP
	AuthMiddleware      *middleware.AuthMiddleware
	AdmissionMiddleware *middleware.AdmissionMiddleware
	HealthHandler       *handlers.HealthHandler
	AdminHandler        *handlers.AdminHandler
}

// NewDependencies creates and wires up all application dependencies.
// No policy set is published yet; call PolicyService.Reload before serving.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	deps.initMetrics()
	deps.initEngine(cfg)

	if err := deps.initPolicies(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize policy source: %w", err)
	}

	if cfg.Audit.Enabled {
		if err := deps.initAudit(ctx, cfg); err != nil {
			_ = deps.Close(ctx)
			return nil, fmt.Errorf("failed to initialize audit: %w", err)
		}
	}

	deps.initHTTP(cfg)

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

func (d *Dependencies) initMetrics() {
	d.Registry = prometheus.NewRegistry()
	d.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	d.Metrics = observability.NewMetrics(d.Registry)
}

func (d *Dependencies) initEngine(cfg *config.Config) {
	d.Store = window.NewStore()
	d.Engine = policy.NewEngine(nil,
		policy.WithStore(d.Store),
		policy.WithMode(cfg.Policy.Mode),
		policy.WithNoMatch(cfg.Policy.NoMatch),
		policy.WithRecorder(d.Metrics),
		policy.WithLogger(d.Logger.Named("engine")),
	)
	d.Janitor = window.NewJanitor(d.Store, cfg.Policy.JanitorInterval, d.Logger.Named("janitor"),
		window.WithSweepHook(d.Metrics.SetWindowCells))

	d.Logger.Info("policy engine initialized",
		zap.Stringer("mode", cfg.Policy.Mode),
		zap.Stringer("no_match", cfg.Policy.NoMatch))
}

func (d *Dependencies) initPolicies(cfg *config.Config) error {
	source, err := policysvc.NewFileSource(cfg.Policy.File, cfg.Policy.WatchDebounce, d.Logger.Named("policy_source"))
	if err != nil {
		return err
	}
	d.PolicySource = source
	return nil
}

// initAudit connects the configured sinks and starts nothing; Start is
// called by the server.
func (d *Dependencies) initAudit(ctx context.Context, cfg *config.Config) error {
	d.Repositories = &repositories.Repositories{}

	if cfg.Audit.Database.Enabled() {
		factory, err := postgres.NewRepositoryFactory(cfg.Audit.Database, d.Logger)
		if err != nil {
			return fmt.Errorf("failed to create repository factory: %w", err)
		}
		d.RepoFactory = factory

		if err := factory.InitSchema(ctx); err != nil {
			return fmt.Errorf("failed to initialize audit schema: %w", err)
		}
		d.Repositories.AuditLogs = factory.AuditRepository()
		d.Logger.Info("audit database connected",
			zap.String("connection", cfg.Audit.Database.LogString()))
	}

	if cfg.Audit.RedisAddr != "" {
		rdb, err := redisstream.NewClient(ctx, cfg.Audit.RedisAddr)
		if err != nil {
			return err
		}
		d.Redis = rdb
		d.Repositories.AuditStream = redisstream.NewAuditStream(rdb, cfg.Audit.RedisStream, d.Logger,
			redisstream.WithMaxLen(cfg.Audit.RedisMaxLen))
		d.Logger.Info("audit stream connected",
			zap.String("addr", cfg.Audit.RedisAddr),
			zap.String("stream", cfg.Audit.RedisStream))
	}

	sinks := d.Repositories.AuditSinks()
	if len(sinks) == 0 {
		d.Logger.Warn("no audit sink configured, writing audit events to the log")
		sinks = []repositories.AuditRepository{audit.NewLogSink(d.Logger)}
	}

	auditCfg := audit.DefaultConfig()
	auditCfg.BufferSize = cfg.Audit.BufferSize
	auditCfg.WorkerCount = cfg.Audit.Workers
	auditCfg.SnapshotInterval = cfg.Audit.SnapshotInterval

	d.Audit = audit.NewAuditService(sinks, d.Logger, auditCfg,
		audit.WithUsageSource(d.Engine),
		audit.WithDropHook(d.Metrics.AuditEventDropped),
	)
	return nil
}

func (d *Dependencies) initHTTP(cfg *config.Config) {
	hooks := []policysvc.ReloadHook{d.observeReload}
	if d.Audit != nil {
		hooks = append(hooks, d.Audit.RecordReload)
	}
	d.PolicyService = policysvc.NewPolicyService(d.PolicySource, d.Engine, d.Logger.Named("policy"), hooks...)

	var recorder middleware.DecisionRecorder
	var stats handlers.AuditStats
	if d.Audit != nil {
		recorder = d.Audit
		stats = d.Audit
	}
	d.AdmissionMiddleware = middleware.NewAdmissionMiddleware(d.Engine, recorder, middleware.AdmissionConfig{
		SubjectHeader: cfg.Gateway.SubjectHeader,
		AmountHeader:  cfg.Gateway.AmountHeader,
	}, d.Logger)

	d.initAuth(cfg)

	d.HealthHandler = handlers.NewHealthHandler(d.readinessChecks(), d.Logger)
	d.AdminHandler = handlers.NewAdminHandler(d.PolicyService, d.Engine, stats, d.Logger)
}

func (d *Dependencies) initAuth(cfg *config.Config) {
	if cfg.Admin.JWTSecret == "" {
		d.Logger.Warn("admin JWT secret not configured, admin endpoints disabled")
		// Use reject-all validator so protected routes return 401
		d.AuthMiddleware = middleware.NewAuthMiddleware(&rejectAllValidator{}, d.Logger)
		return
	}
	d.AuthMiddleware = middleware.NewAuthMiddleware(auth.NewValidator(cfg.Admin.JWTSecret, cfg.Admin.Issuer), d.Logger)
}

func (d *Dependencies) readinessChecks() map[string]handlers.Check {
	checks := map[string]handlers.Check{
		"policies": func(context.Context) error {
			if !d.PolicyService.Ready() {
				return errors.New("no policy set published")
			}
			return nil
		},
	}
	if d.RepoFactory != nil {
		checks["audit_database"] = d.RepoFactory.HealthCheck
	}
	if d.Redis != nil {
		checks["audit_redis"] = func(ctx context.Context) error {
			return d.Redis.Ping(ctx).Err()
		}
	}
	return checks
}

func (d *Dependencies) observeReload(result *policysvc.ReloadResult, err error) {
	policies := 0
	if result != nil {
		policies = result.Policies
	}
	d.Metrics.ObserveReload(policies, err)
}

// rejectAllValidator rejects all tokens (used when no admin secret is set)
type rejectAllValidator struct{}

func (*rejectAllValidator) ValidateToken(context.Context, string) (*auth.Claims, error) {
	return nil, fmt.Errorf("authentication not configured")
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	// Drain pending audit events before closing the sinks
	if d.Audit != nil && d.Audit.GetStats().Started {
		timeout := 5 * time.Second
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		if err := d.Audit.Stop(timeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop audit service: %w", err))
		}
	}

	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
	}

	// Close database connection
	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
	}

	// Sync logger
	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	return errors.Join(errs...)
}
