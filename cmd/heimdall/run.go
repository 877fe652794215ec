package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	gateway "github.com/heimdallgw/heimdall/internal"
	"github.com/heimdallgw/heimdall/internal/auth"
	"github.com/heimdallgw/heimdall/internal/cache"
	"github.com/heimdallgw/heimdall/internal/config"
	"github.com/heimdallgw/heimdall/internal/dialect"
	"github.com/heimdallgw/heimdall/internal/dialect/anthropic"
	"github.com/heimdallgw/heimdall/internal/dialect/gemini"
	"github.com/heimdallgw/heimdall/internal/dialect/openai"
	"github.com/heimdallgw/heimdall/internal/dialect/openairesp"
	"github.com/heimdallgw/heimdall/internal/dispatch"
	"github.com/heimdallgw/heimdall/internal/health"
	"github.com/heimdallgw/heimdall/internal/ratelimit"
	"github.com/heimdallgw/heimdall/internal/resolve"
	"github.com/heimdallgw/heimdall/internal/selector"
	"github.com/heimdallgw/heimdall/internal/server"
	"github.com/heimdallgw/heimdall/internal/sticky"
	"github.com/heimdallgw/heimdall/internal/storage/sqlite"
	"github.com/heimdallgw/heimdall/internal/telemetry"
	"github.com/heimdallgw/heimdall/internal/tokencount"
	"github.com/heimdallgw/heimdall/internal/worker"
)

// healthWarmupRows bounds how much dispatch history is replayed into the
// breaker rings on startup.
const healthWarmupRows = 1000

const dnsRefreshEvery = 5 * time.Minute

func run(configPath string) error {
	// Load config
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting heimdall", "version", version, "addr", cfg.Server.Addr)

	// Open database
	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	// Bootstrap from config
	ctx := context.Background()
	if err := config.Bootstrap(ctx, cfg, store); err != nil {
		return err
	}

	// Telemetry
	var (
		metrics        *telemetry.Metrics
		metricsHandler http.Handler
	)
	if cfg.Telemetry.Metrics.Enabled {
		promReg := prometheus.NewRegistry()
		metrics = telemetry.NewMetrics(promReg)
		metricsHandler = promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})
	}
	if cfg.Telemetry.Tracing.Enabled {
		stopTracing, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer func() {
			if err := stopTracing(context.Background()); err != nil {
				slog.Warn("tracing shutdown failed", "error", err)
			}
		}()
	}

	// In-process state: cache, breakers, limiters, stickiness, rotors
	mem, err := cache.NewMemory(cfg.Cache.MaxSize, cfg.Cache.DefaultTTL)
	if err != nil {
		return err
	}

	healthCfg := health.Config{
		RingSize:      cfg.Health.RingSize,
		TripThreshold: cfg.Health.TripThreshold,
		Cooldown:      cfg.Health.Cooldown,
		MinSamples:    cfg.Health.MinSamples,
	}
	if metrics != nil {
		healthCfg.OnTransition = func(state string) {
			metrics.BreakerTransitions.WithLabelValues(state).Inc()
		}
	}
	healthStore := health.NewStore(healthCfg)
	outcomes, err := store.RecentOutcomes(ctx, healthWarmupRows)
	if err != nil {
		return err
	}
	for _, o := range outcomes {
		healthStore.Record(o.BindingID, o.At, o.Success, o.LatencyMs, "")
	}

	limits := ratelimit.NewRegistry()
	locks := sticky.New(mem, cfg.Stickiness.TokenLockTTL)
	sel := selector.New()

	// Upstream transport with a shared DNS cache
	dnsResolver := &dnscache.Resolver{}
	clients := dispatch.NewClientPool(dialect.NewTransport(dnsResolver))

	// Dialect adapters
	registry := dialect.NewRegistry()
	registry.RegisterInbound(gateway.DialectOpenAI, openai.NewInbound())
	registry.RegisterOutbound(gateway.DialectOpenAI, openai.NewOutbound())
	registry.RegisterInbound(gateway.DialectOpenAIResponses, openairesp.NewInbound())
	registry.RegisterOutbound(gateway.DialectOpenAIResponses, openairesp.NewOutbound())
	registry.RegisterInbound(gateway.DialectAnthropic, anthropic.NewInbound())
	registry.RegisterOutbound(gateway.DialectAnthropic, anthropic.NewOutbound())
	registry.RegisterInbound(gateway.DialectGemini, gemini.NewInbound())
	registry.RegisterOutbound(gateway.DialectGemini, gemini.NewOutbound())

	// Wire services
	authn, err := auth.New(store)
	if err != nil {
		return err
	}
	resolver := resolve.New(store, mem, healthStore, slog.Default())

	var logGauge worker.QueueGauge
	if metrics != nil {
		logGauge = metrics.LogQueueLength
	}
	logWriter := worker.NewLogWriter(store, logGauge)

	dispatcher := dispatch.New(dispatch.Deps{
		Resolver:   resolver,
		Registry:   registry,
		Health:     healthStore,
		Limits:     limits,
		Locks:      locks,
		Selector:   sel,
		Clients:    clients,
		Sink:       logWriter,
		Logger:     slog.Default(),
		Metrics:    metrics,
		MaxIOBytes: cfg.Logs.MaxIOBytes,
	})

	adminKey := cfg.Auth.AdminKey
	if adminKey == "" {
		adminKey = config.GenerateAdminKey()
		slog.Info("no admin key configured, generated one", "key", adminKey)
	}

	// Create HTTP server
	handler := server.New(server.Deps{
		Auth:           authn,
		Dispatcher:     dispatcher,
		Registry:       registry,
		Resolver:       resolver,
		Store:          store,
		Counter:        tokencount.NewCounter(),
		AdminKey:       adminKey,
		ReadyCheck:     store.Ping,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Background workers: log flushing, stale-state eviction, DNS refresh
	runner := worker.NewRunner(
		logWriter,
		worker.NewStaleEvictor(0, 0, map[string]worker.Evictable{
			"health":    healthStore,
			"ratelimit": limits,
			"selector":  sel,
		}),
	)

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		if err := runner.Run(workerCtx); err != nil {
			slog.Error("worker runner stopped", "error", err)
		}
	}()
	go refreshDNS(workerCtx, dnsResolver)

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("heimdall ready", "addr", cfg.Server.Addr)

	// Wait for signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		return err
	}

	// Shutdown: stop accepting requests first, then drain the workers so
	// in-flight chat logs still reach the database.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	stopWorkers()
	<-workerDone

	slog.Info("heimdall stopped")
	return nil
}

// refreshDNS re-resolves cached upstream hostnames so long-lived
// connections do not pin stale records.
func refreshDNS(ctx context.Context, r *dnscache.Resolver) {
	ticker := time.NewTicker(dnsRefreshEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Refresh(true)
		case <-ctx.Done():
			return
		}
	}
}
