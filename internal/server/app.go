// Package server provides the core application server and dependency wiring.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/og-crawler/internal/api"
	"github.com/JakeFAU/og-crawler/internal/cache"
	"github.com/JakeFAU/og-crawler/internal/clock/system"
	"github.com/JakeFAU/og-crawler/internal/config"
	"github.com/JakeFAU/og-crawler/internal/extract"
	headlessfetcher "github.com/JakeFAU/og-crawler/internal/fetcher/headless"
	staticfetcher "github.com/JakeFAU/og-crawler/internal/fetcher/static"
	"github.com/JakeFAU/og-crawler/internal/headless/detector"
	"github.com/JakeFAU/og-crawler/internal/headless/pool"
	"github.com/JakeFAU/og-crawler/internal/logging"
	"github.com/JakeFAU/og-crawler/internal/orchestrator"
)

const shutdownTimeout = 10 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	cache        *cache.Cache
	browsers     *pool.Pool
	orchestrator *orchestrator.Orchestrator
	runner       *api.Runner
	apiServer    *api.Server
}

// Build creates the application's dependencies. No browser is launched
// until the first dynamic crawl.
func Build(cfg config.Config, logger *zap.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	type sanitizedConfig struct {
		ServerPort      int     `json:"server_port"`
		CacheEnabled    bool    `json:"cache_enabled"`
		BrowserReuse    bool    `json:"browser_reuse"`
		RaceThresholdMs int     `json:"race_threshold_ms"`
		TimingSample    float64 `json:"timing_sample_rate"`
	}
	logger.Info("creating application", zap.Any("config", sanitizedConfig{
		ServerPort:      cfg.Server.Port,
		CacheEnabled:    cfg.Cache.Enabled,
		BrowserReuse:    cfg.Dynamic.Reuse,
		RaceThresholdMs: cfg.Auto.RaceThresholdMs,
		TimingSample:    cfg.Timing.SampleRate,
	}))

	app := &App{cfg: cfg, logger: logger}
	clock := system.New()
	extractor := extract.New()

	app.cache = cache.New(cache.Config{
		Enabled:    cfg.Cache.Enabled,
		TTL:        config.Millis(cfg.Cache.TTLMs),
		MaxEntries: cfg.Cache.MaxEntries,
	}, clock)

	static := staticfetcher.New(staticfetcher.Config{
		UserAgent:    cfg.Crawler.UserAgent,
		Timeout:      config.Millis(cfg.Static.TimeoutMs),
		HeadMaxBytes: cfg.Static.HeadMaxBytes,
	}, extractor, clock, logger)

	launcher := pool.NewChromeLauncher(pool.ChromeOptions{
		ExecPath:  cfg.Dynamic.ChromiumPath,
		UserAgent: cfg.Crawler.UserAgent,
		NoSandbox: !config.ReuseDefault(),
	}, logger)
	app.browsers = pool.New(pool.Config{
		Reuse:   cfg.Dynamic.Reuse,
		TTL:     config.Millis(cfg.Dynamic.BrowserTTLMs),
		MaxUses: cfg.Dynamic.BrowserMaxUses,
	}, launcher, clock, logger)

	renderer := headlessfetcher.NewChromeRenderer(headlessfetcher.ChromeConfig{
		UserAgent:          cfg.Crawler.UserAgent,
		NetworkIdleTimeout: config.Millis(cfg.Dynamic.NetworkIdleTimeoutMs),
	}, logger)
	dynamic := headlessfetcher.New(headlessfetcher.Config{
		Timeout:   config.Millis(cfg.Dynamic.TimeoutMs),
		DomainQPS: cfg.Dynamic.DomainQPS,
	}, app.browsers, renderer, extractor, clock, logger)

	app.orchestrator = orchestrator.New(
		orchestrator.Config{RaceThreshold: config.Millis(cfg.Auto.RaceThresholdMs)},
		static,
		dynamic,
		app.cache,
		detector.NewCompleteness(detector.DefaultThreshold),
		clock,
		logger,
	)

	sampler := logging.NewTimingSampler(logger.Named("timing"), cfg.Timing.SampleRate)
	app.runner = api.NewRunner(app.orchestrator, sampler, clock, logger)
	app.apiServer = api.NewServer(app.runner, clock, api.Config{
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, logger)

	return app, nil
}

// Runner returns the crawl runner shared by the HTTP surface and the CLI.
func (a *App) Runner() *api.Runner {
	return a.runner
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves HTTP and blocks until the context is canceled or a signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	closeErr := a.Close(shutdownCtx)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return closeErr
	}
}

// Close releases the browser pool. In-flight renders keep their browser
// until they release it.
func (a *App) Close(ctx context.Context) error {
	var err error
	if a.browsers != nil {
		if shutdownErr := a.browsers.Shutdown(ctx); shutdownErr != nil {
			a.logger.Warn("browser pool shutdown failed", zap.Error(shutdownErr))
			err = fmt.Errorf("shutdown browser pool: %w", shutdownErr)
		}
	}
	if a.cache != nil {
		a.cache.Purge()
	}
	a.logger.Info("shutdown complete")
	return err
}
