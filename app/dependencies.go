package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/upb/llm-failover/config"
	"github.com/upb/llm-failover/internal/observability"
	"github.com/upb/llm-failover/middleware"
	"github.com/upb/llm-failover/repositories"
	"github.com/upb/llm-failover/repositories/memory"
	"github.com/upb/llm-failover/repositories/postgres"
	"github.com/upb/llm-failover/services/costs"
	"github.com/upb/llm-failover/services/factory"
	"github.com/upb/llm-failover/services/failover"
	"github.com/upb/llm-failover/services/health"
	"github.com/upb/llm-failover/services/providers"
	"github.com/upb/llm-failover/services/providers/anthropic"
	"github.com/upb/llm-failover/services/providers/gemini"
	"github.com/upb/llm-failover/services/providers/openrouter"
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config  *config.Config
	Logger  *zap.Logger
	DB      *postgres.DB // nil when usage is kept in memory
	Metrics observability.Metrics
	// Prometheus is nil when metrics are disabled
	Prometheus *observability.PrometheusMetrics

	// Catalog
	Models  *providers.ModelMap
	Pricing *providers.PricingTable

	// Repositories
	Usage repositories.UsageRepository

	// Providers
	Registry  *providers.Registry
	Providers map[providers.Backend]providers.Provider

	// Services
	Monitor  *health.Monitor
	Alerts   *health.ChannelSink
	Failover *failover.Manager
	Factory  *factory.Factory
	Costs    *costs.Calculator

	// Auth
	AuthMiddleware *middleware.AuthMiddleware
}

// NewDependencies creates and wires up all application dependencies
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	deps.initMetrics(cfg)

	if err := deps.initCatalog(cfg); err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}

	if err := deps.initDatabase(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := deps.initProviders(cfg); err != nil {
		deps.Close()
		return nil, fmt.Errorf("failed to initialize providers: %w", err)
	}

	deps.initHealth(cfg)

	if err := deps.initFailover(cfg); err != nil {
		deps.Close()
		return nil, fmt.Errorf("failed to initialize failover: %w", err)
	}

	if err := deps.initFactory(cfg); err != nil {
		deps.Close()
		return nil, fmt.Errorf("failed to initialize provider factory: %w", err)
	}

	deps.Costs = costs.NewCalculator(deps.Pricing, deps.Models, deps.Usage, deps.backends(), logger).
		WithTuning(ReportTuning(cfg.Report))

	deps.AuthMiddleware = middleware.NewAuthMiddleware(
		middleware.NewJWTValidator(cfg.Auth.JWTSecret, cfg.Auth.Issuer), logger)
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("no AUTH_JWT_SECRET set; operator endpoints will reject every request")
	}

	logger.Info("all dependencies initialized successfully",
		zap.Int("backends", len(deps.Providers)),
		zap.String("primary", cfg.Routing.Primary),
		zap.String("fallback", cfg.Routing.Fallback))
	return deps, nil
}

func (d *Dependencies) initMetrics(cfg *config.Config) {
	if !cfg.Observability.MetricsEnabled {
		d.Metrics = observability.NopMetrics{}
		return
	}
	d.Prometheus = observability.NewPrometheusMetrics()
	d.Metrics = d.Prometheus
}

func (d *Dependencies) initCatalog(cfg *config.Config) error {
	cat, err := config.LoadCatalog(cfg.Catalog.File)
	if err != nil {
		return err
	}
	d.Models = BuildModelMap(cat, cfg.Catalog.ModelCacheTTL)
	d.Pricing, err = BuildPricing(cat, d.Models, cfg.Catalog.OpenRouterMarkup)
	return err
}

// initDatabase opens PostgreSQL when configured, otherwise keeps usage in memory
func (d *Dependencies) initDatabase(ctx context.Context, cfg *config.Config) error {
	if !cfg.Database.Enabled() {
		d.Usage = memory.NewUsageRepository(memory.DefaultRetention, cfg.Database.MemoryMaxRecords)
		d.Logger.Info("usage history kept in memory",
			zap.Int("max_records", cfg.Database.MemoryMaxRecords))
		return nil
	}

	db, err := postgres.NewDB(cfg.Database, d.Logger)
	if err != nil {
		return err
	}
	if err := db.InitSchema(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	d.DB = db
	d.Usage = postgres.NewUsageRepository(db, d.Logger)
	return nil
}

// initProviders builds a provider for every backend with credentials
func (d *Dependencies) initProviders(cfg *config.Config) error {
	d.Registry = providers.NewRegistry(providers.Deps{
		Models:  d.Models,
		Pricing: d.Pricing,
		Logger:  d.Logger,
	})
	builders := map[providers.Backend]providers.ProviderBuilder{
		providers.BackendAnthropic:  anthropic.Build,
		providers.BackendOpenRouter: openrouter.Build,
		providers.BackendGemini:     gemini.Build,
	}
	for backend, build := range builders {
		if err := d.Registry.Register(backend, build); err != nil {
			return err
		}
	}

	d.Providers = make(map[providers.Backend]providers.Provider)
	for _, name := range cfg.Providers.Configured() {
		backend := providers.Backend(name)
		p, err := d.Registry.Build(backend, ProviderConfig(cfg.Providers.Get(name)))
		if err != nil {
			return err
		}
		d.Providers[backend] = p
		d.Logger.Info("registered provider", zap.String("backend", name))
	}

	if _, ok := d.Providers[providers.Backend(cfg.Routing.Primary)]; !ok {
		return fmt.Errorf("primary backend %s has no API key", cfg.Routing.Primary)
	}
	return d.Models.Validate(d.backends()...)
}

func (d *Dependencies) initHealth(cfg *config.Config) {
	d.Monitor = health.NewMonitor(health.Config{
		Interval:           cfg.Health.Interval,
		ProbeTimeout:       cfg.Health.ProbeTimeout,
		Concurrency:        cfg.Health.Concurrency,
		WindowSize:         cfg.Health.WindowSize,
		LatencyWindow:      cfg.Health.LatencyWindow,
		FailureThreshold:   cfg.Health.FailureThreshold,
		ErrorRateThreshold: cfg.Health.ErrorRateThreshold,
		LatencyThreshold:   cfg.Health.LatencyThreshold,
		AlertCooldown:      cfg.Health.AlertCooldown,
	}, d.Metrics, d.Logger)

	d.Alerts = health.NewChannelSink(cfg.Health.AlertBuffer)
	d.Monitor.AddSink(health.NewLogSink(d.Logger))
	d.Monitor.AddSink(d.Alerts)

	for _, b := range d.backends() {
		d.Monitor.Register(d.Providers[b])
	}
}

// initFailover tracks the configured priority order restricted to built backends
func (d *Dependencies) initFailover(cfg *config.Config) error {
	var priority []providers.Backend
	for _, name := range cfg.Failover.Priority {
		if _, ok := d.Providers[providers.Backend(name)]; ok {
			priority = append(priority, providers.Backend(name))
		}
	}
	if len(priority) == 0 {
		return fmt.Errorf("no configured backend in failover priority %v", cfg.Failover.Priority)
	}

	m, err := failover.NewManager(failover.Config{
		Priority:         priority,
		FailureThreshold: cfg.Failover.FailureThreshold,
		InitialBackoff:   cfg.Failover.InitialBackoff,
		MaxBackoff:       cfg.Failover.MaxBackoff,
		AutoFailback:     cfg.Failover.AutoFailback,
		EventLogSize:     cfg.Failover.EventLogSize,
	}, d.Metrics, d.Logger)
	if err != nil {
		return err
	}
	d.Failover = m
	d.Monitor.Subscribe(m)

	// confirm the new active backend out of band
	m.AddListener(failover.SwitchListenerFunc(func(ev failover.Event) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Health.ProbeTimeout)
			defer cancel()
			if _, err := d.Monitor.CheckProviderHealth(ctx, ev.To); err != nil {
				d.Logger.Warn("post-switch probe failed",
					zap.String("backend", ev.To.String()),
					zap.Error(err))
			}
		}()
	}))
	return nil
}

func (d *Dependencies) initFactory(cfg *config.Config) error {
	primary := d.Providers[providers.Backend(cfg.Routing.Primary)]

	var fallback providers.Provider
	if cfg.Routing.Fallback != "" {
		p, ok := d.Providers[providers.Backend(cfg.Routing.Fallback)]
		if ok {
			fallback = p
		} else {
			d.Logger.Warn("fallback backend has no API key; running without fallback",
				zap.String("fallback", cfg.Routing.Fallback))
		}
	}

	f, err := factory.New(primary, fallback, factory.Settings{AutoFallback: cfg.Routing.AutoFallback}, d.Registry, factory.Options{
		Gate:      d.Failover,
		Standby:   d.Providers,
		Outcomes:  d.Monitor,
		Usage:     d.Usage,
		Models:    d.Models,
		Metrics:   d.Metrics,
		Logger:    d.Logger,
		RequestID: middleware.GetRequestIDFromContext,
		OnSwitch: func(_, replacement providers.Provider) {
			d.Monitor.Register(replacement)
		},
	})
	if err != nil {
		return err
	}
	d.Factory = f
	return nil
}

// ProviderConfig returns the environment settings of a backend with credentials
func (d *Dependencies) ProviderConfig(backend providers.Backend) (providers.ProviderConfig, bool) {
	bc := d.Config.Providers.Get(string(backend))
	if bc.APIKey == "" {
		return providers.ProviderConfig{}, false
	}
	return ProviderConfig(bc), true
}

// Start launches background work
func (d *Dependencies) Start(ctx context.Context) error {
	return d.Monitor.Start(ctx)
}

// Close stops background work and releases connections
func (d *Dependencies) Close() {
	if d.Monitor != nil {
		d.Monitor.Stop()
	}
	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			d.Logger.Error("failed to close database", zap.Error(err))
		}
	}
}

// backends returns the built backends in a stable order
func (d *Dependencies) backends() []providers.Backend {
	var out []providers.Backend
	for _, name := range []providers.Backend{providers.BackendAnthropic, providers.BackendOpenRouter, providers.BackendGemini} {
		if _, ok := d.Providers[name]; ok {
			out = append(out, name)
		}
	}
	return out
}
