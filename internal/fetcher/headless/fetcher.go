// Package headless implements the dynamic fetch strategy: render the page in a
// pooled headless browser, then extract metadata from the live DOM.
package headless

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/og-crawler/internal/crawler"
	"github.com/JakeFAU/og-crawler/internal/headless/pool"
	"github.com/JakeFAU/og-crawler/internal/policy/ratelimit"
)

// DefaultTimeout bounds a single render.
const DefaultTimeout = 20 * time.Second

// Leaser hands out browser leases.
type Leaser interface {
	Acquire(ctx context.Context) (*pool.Lease, error)
}

// Rendered is the DOM snapshot produced by a Renderer.
type Rendered struct {
	HTML     string
	FinalURL string
}

// Renderer loads a URL in a browser and returns the rendered document.
// It must stop promptly and return ctx's error once ctx is done.
type Renderer interface {
	Render(ctx context.Context, browser pool.Browser, rawURL string) (Rendered, error)
}

// Config controls the dynamic strategy.
type Config struct {
	Timeout time.Duration
	// DomainQPS caps renders per host; zero disables the limit.
	DomainQPS float64
}

// Fetcher implements crawler.Fetcher with a headless browser.
type Fetcher struct {
	cfg       Config
	pool      Leaser
	renderer  Renderer
	extractor crawler.Extractor
	clock     crawler.Clock
	logger    *zap.Logger
	limiter   *ratelimit.Limiter
}

var _ crawler.Fetcher = (*Fetcher)(nil)

// New builds a Fetcher.
func New(
	cfg Config,
	leaser Leaser,
	renderer Renderer,
	extractor crawler.Extractor,
	clock crawler.Clock,
	logger *zap.Logger,
) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		cfg:       cfg,
		pool:      leaser,
		renderer:  renderer,
		extractor: extractor,
		clock:     clock,
		logger:    logger.Named("dynamic"),
		limiter:   ratelimit.New(ratelimit.Config{RPS: cfg.DomainQPS}),
	}
}

// Fetch renders rawURL and extracts its metadata. The browser lease is
// always released, whatever the outcome.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (crawler.Page, error) {
	start := f.clock.Now()
	timing := crawler.Timing{Meta: map[string]any{}}
	fail := func(err error) (crawler.Page, error) {
		timing.TotalMs = f.clock.Now().Sub(start).Milliseconds()
		return crawler.Page{}, crawler.WithTiming(err, timing)
	}

	if err := ctx.Err(); err != nil {
		return fail(crawler.NewError(crawler.KindCancelled, "Dynamic crawl aborted", err))
	}

	if err := f.limiter.Wait(ctx, rawURL); err != nil {
		if ctx.Err() != nil {
			return fail(crawler.NewError(crawler.KindCancelled, "Dynamic crawl aborted", err))
		}
		return fail(crawler.NewError(crawler.KindDynamicTimeout, "Dynamic crawl timed out", err))
	}

	lease, err := f.pool.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return fail(crawler.NewError(crawler.KindCancelled, "Dynamic crawl aborted", err))
		}
		return fail(err)
	}
	defer lease.Release()

	timing.LaunchMs = lease.LaunchMs
	timing.Meta["launch_reused"] = lease.Reused
	timing.Meta["browser_age_ms"] = lease.Age.Milliseconds()

	taskCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	navStart := f.clock.Now()
	rendered, err := f.renderer.Render(taskCtx, lease.Browser, rawURL)
	timing.NavigationMs = f.clock.Now().Sub(navStart).Milliseconds()
	if err != nil {
		return fail(classify(ctx, taskCtx, err))
	}
	if err := ctx.Err(); err != nil {
		return fail(crawler.NewError(crawler.KindCancelled, "Dynamic crawl aborted", err))
	}

	base := rendered.FinalURL
	if base == "" || base == "about:blank" {
		base = rawURL
	}
	extractStart := f.clock.Now()
	meta := f.extractor.Extract(rendered.HTML, base)
	timing.ExtractMs = f.clock.Now().Sub(extractStart).Milliseconds()
	timing.TotalMs = f.clock.Now().Sub(start).Milliseconds()

	f.logger.Debug("render complete",
		zap.String("url", rawURL),
		zap.String("final_url", base),
		zap.Bool("reused", lease.Reused),
		zap.Int64("navigation_ms", timing.NavigationMs),
	)
	return crawler.Page{Metadata: meta, FinalURL: base, Timing: timing}, nil
}

// classify maps a render failure onto a crawl error kind. Caller cancellation
// wins over the render timeout.
func classify(parent, task context.Context, err error) error {
	var ce *crawler.Error
	switch {
	case errors.As(err, &ce):
		return err
	case parent.Err() != nil:
		return crawler.NewError(crawler.KindCancelled, "Dynamic crawl aborted", err)
	case errors.Is(task.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		return crawler.NewError(crawler.KindDynamicTimeout, "Dynamic crawl timed out", err)
	default:
		return crawler.NewError(crawler.KindInternal, "Dynamic crawl failed", err)
	}
}
