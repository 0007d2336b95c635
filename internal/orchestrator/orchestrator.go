// Package orchestrator picks between the static and dynamic fetch strategies
// for a crawl request and keeps the content cache populated.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/og-crawler/internal/crawler"
	"github.com/JakeFAU/og-crawler/internal/metrics"
)

// DefaultRaceThreshold is how long auto mode waits on the static strategy
// before starting the dynamic one alongside it.
const DefaultRaceThreshold = 400 * time.Millisecond

// Config controls Orchestrator behavior.
type Config struct {
	RaceThreshold time.Duration
}

// Orchestrator runs crawl requests.
type Orchestrator struct {
	cfg      Config
	static   crawler.Fetcher
	dynamic  crawler.Fetcher
	cache    crawler.ContentCache
	detector crawler.HeadlessDetector
	clock    crawler.Clock
	logger   *zap.Logger
}

// New constructs an Orchestrator. cache may be nil to disable caching.
func New(
	cfg Config,
	static crawler.Fetcher,
	dynamic crawler.Fetcher,
	cache crawler.ContentCache,
	detector crawler.HeadlessDetector,
	clock crawler.Clock,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.RaceThreshold <= 0 {
		cfg.RaceThreshold = DefaultRaceThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:      cfg,
		static:   static,
		dynamic:  dynamic,
		cache:    cache,
		detector: detector,
		clock:    clock,
		logger:   logger.Named("orchestrator"),
	}
}

// Crawl extracts metadata for rawURL using mode. It fails only when no usable
// result could be produced; the returned error is then a *crawler.Error that
// carries the timings of every strategy that ran.
func (o *Orchestrator) Crawl(ctx context.Context, rawURL string, mode crawler.Mode) (crawler.Result, error) {
	var (
		res crawler.Result
		err error
	)
	switch mode {
	case crawler.ModeStatic:
		res, err = o.single(ctx, rawURL, crawler.ModeStatic, o.static)
	case crawler.ModeDynamic:
		res, err = o.single(ctx, rawURL, crawler.ModeDynamic, o.dynamic)
	default:
		mode = crawler.ModeAuto
		res, err = o.auto(ctx, rawURL)
	}
	metrics.ObserveCrawlRequest(mode.String(), outcomeLabel(res, err))
	return res, err
}

func outcomeLabel(res crawler.Result, err error) string {
	switch {
	case crawler.IsCancelled(err):
		return "cancelled"
	case err != nil:
		return "error"
	case res.Cache != nil && res.Cache.Hit:
		return "cache_hit"
	case res.Fallback:
		return "fallback"
	default:
		return "ok"
	}
}

// outcome is what a strategy goroutine reports back.
type outcome struct {
	page crawler.Page
	err  error
}

func (o outcome) timing() *crawler.Timing {
	if o.err != nil {
		return crawler.TimingOf(o.err).Clone()
	}
	t := o.page.Timing
	return t.Clone()
}

func (o *Orchestrator) single(
	ctx context.Context,
	rawURL string,
	mode crawler.Mode,
	f crawler.Fetcher,
) (crawler.Result, error) {
	out := o.run(ctx, mode, f, rawURL)
	var timings crawler.Timings
	if mode == crawler.ModeStatic {
		timings.Static = out.timing()
	} else {
		timings.Dynamic = out.timing()
	}
	if out.err != nil {
		return crawler.Result{}, withTimings(out.err, timings, nil)
	}
	res := crawler.Result{
		Metadata: out.page.Metadata,
		Mode:     mode,
		Timings:  timings,
	}
	res.Cache = o.remember(rawURL, out.page, res, nil)
	return res, nil
}

// run executes one strategy synchronously and records its metrics.
func (o *Orchestrator) run(ctx context.Context, mode crawler.Mode, f crawler.Fetcher, rawURL string) outcome {
	start := o.clock.Now()
	page, err := f.Fetch(ctx, rawURL)
	status := "ok"
	switch {
	case crawler.IsCancelled(err):
		status = "cancelled"
	case err != nil:
		status = "error"
	}
	metrics.ObserveStrategy(mode.String(), status, o.clock.Now().Sub(start))
	return outcome{page: page, err: err}
}

// spawn runs a strategy in its own goroutine. The channel is buffered so a
// discarded branch can always deliver and exit.
func (o *Orchestrator) spawn(ctx context.Context, mode crawler.Mode, f crawler.Fetcher, rawURL string) <-chan outcome {
	ch := make(chan outcome, 1)
	go func() {
		ch <- o.run(ctx, mode, f, rawURL)
	}()
	return ch
}

// auto serves from cache when possible, otherwise races the static strategy
// against a threshold timer and escalates to the dynamic strategy when the
// static result is late, weak or failed.
func (o *Orchestrator) auto(ctx context.Context, rawURL string) (crawler.Result, error) {
	var cacheInfo *crawler.CacheInfo
	if o.cache != nil {
		cached, info, ok := o.cache.Get(rawURL)
		if ok {
			o.logger.Debug("cache hit", zap.String("url", rawURL), zap.String("key", info.Key))
			return crawler.Result{
				Metadata: cached.Metadata,
				Mode:     cached.Mode,
				Fallback: cached.Fallback,
				Cache:    info,
			}, nil
		}
		cacheInfo = info
	}

	staticCtx, cancelStatic := context.WithCancel(ctx)
	defer cancelStatic()
	staticCh := o.spawn(staticCtx, crawler.ModeStatic, o.static, rawURL)

	var (
		dynamicCh      <-chan outcome
		dynamicStarted bool
		cancelDynamic  context.CancelFunc = func() {}
	)
	defer func() { cancelDynamic() }()
	startDynamic := func(reason string) {
		if dynamicStarted {
			return
		}
		dynamicStarted = true
		o.logger.Debug("starting dynamic strategy", zap.String("url", rawURL), zap.String("reason", reason))
		var dynamicCtx context.Context
		dynamicCtx, cancelDynamic = context.WithCancel(ctx)
		dynamicCh = o.spawn(dynamicCtx, crawler.ModeDynamic, o.dynamic, rawURL)
	}

	timer := time.NewTimer(o.cfg.RaceThreshold)
	defer timer.Stop()
	thresholdC := timer.C

	var (
		timings    crawler.Timings
		staticDone bool
		staticPage *crawler.Page
		staticErr  error
		dynamicErr error
	)

	for {
		select {
		case <-ctx.Done():
			return crawler.Result{}, withTimings(
				crawler.NewError(crawler.KindCancelled, "Crawl aborted", ctx.Err()), timings, staticErr)

		case <-thresholdC:
			thresholdC = nil
			startDynamic("race threshold elapsed")

		case out := <-staticCh:
			staticCh = nil
			staticDone = true
			thresholdC = nil
			timings.Static = out.timing()

			if out.err != nil {
				if ctx.Err() != nil {
					continue
				}
				staticErr = out.err
				o.logger.Debug("static strategy failed", zap.String("url", rawURL), zap.Error(out.err))
				if dynamicStarted && dynamicCh == nil {
					return crawler.Result{}, o.bothFailed(dynamicErr, staticErr, timings)
				}
				startDynamic("static failed")
				continue
			}

			if !o.detector.ShouldPromote(out.page.Metadata) {
				cancelDynamic()
				res := crawler.Result{Metadata: out.page.Metadata, Mode: crawler.ModeStatic, Timings: timings}
				res.Cache = o.remember(rawURL, out.page, res, cacheInfo)
				return res, nil
			}

			page := out.page
			staticPage = &page
			if dynamicStarted && dynamicCh == nil {
				return o.keepWeakStatic(rawURL, *staticPage, dynamicErr, timings, cacheInfo), nil
			}
			startDynamic("static result incomplete")

		case out := <-dynamicCh:
			dynamicCh = nil
			timings.Dynamic = out.timing()

			if out.err == nil {
				// A static branch still running is discarded along with its timings.
				cancelStatic()
				res := crawler.Result{
					Metadata:    out.page.Metadata,
					Mode:        crawler.ModeDynamic,
					Fallback:    true,
					Timings:     timings,
					StaticError: staticErr,
				}
				res.Cache = o.remember(rawURL, out.page, res, cacheInfo)
				return res, nil
			}

			if ctx.Err() != nil {
				continue
			}
			dynamicErr = out.err
			o.logger.Debug("dynamic strategy failed", zap.String("url", rawURL), zap.Error(out.err))
			switch {
			case !staticDone:
				// Static is still running and may yet produce a result.
			case staticPage != nil:
				return o.keepWeakStatic(rawURL, *staticPage, dynamicErr, timings, cacheInfo), nil
			default:
				return crawler.Result{}, o.bothFailed(dynamicErr, staticErr, timings)
			}
		}
	}
}

// keepWeakStatic returns an incomplete static result when the dynamic
// strategy could not improve on it.
func (o *Orchestrator) keepWeakStatic(
	rawURL string,
	page crawler.Page,
	dynamicErr error,
	timings crawler.Timings,
	cacheInfo *crawler.CacheInfo,
) crawler.Result {
	o.logger.Warn("dynamic escalation failed, keeping static result",
		zap.String("url", rawURL),
		zap.Error(dynamicErr),
	)
	res := crawler.Result{
		Metadata:     page.Metadata,
		Mode:         crawler.ModeStatic,
		Timings:      timings,
		DynamicError: dynamicErr,
	}
	res.Cache = o.remember(rawURL, page, res, cacheInfo)
	return res
}

// bothFailed picks the error reported when neither strategy produced a result.
// The dynamic failure wins unless it is only a cancellation.
func (o *Orchestrator) bothFailed(dynamicErr, staticErr error, timings crawler.Timings) error {
	switch {
	case !crawler.IsCancelled(dynamicErr):
		return withTimings(dynamicErr, timings, staticErr)
	case staticErr != nil && !crawler.IsCancelled(staticErr):
		return withTimings(staticErr, timings, nil)
	default:
		return withTimings(crawler.NewError(crawler.KindInternal, "Crawl failed", dynamicErr), timings, staticErr)
	}
}

// remember writes the chosen result under the requested and resolved URLs
// and returns the diagnostics to report.
func (o *Orchestrator) remember(
	rawURL string,
	page crawler.Page,
	res crawler.Result,
	info *crawler.CacheInfo,
) *crawler.CacheInfo {
	if o.cache == nil {
		return info
	}
	ttl := o.cache.Set([]string{rawURL, page.FinalURL}, crawler.Cached{
		Metadata: res.Metadata,
		Mode:     res.Mode,
		Fallback: res.Fallback,
	})
	if ttl <= 0 {
		return info
	}
	if info == nil {
		info = &crawler.CacheInfo{Key: o.cache.Key(rawURL)}
	}
	info.Hit = false
	info.AgeMs = 0
	info.TTLMs = ttl.Milliseconds()
	return info
}

// withTimings attaches every strategy's timings and the absorbed prior
// failure to err.
func withTimings(err error, timings crawler.Timings, prior error) error {
	var ce *crawler.Error
	if !errors.As(err, &ce) {
		ce = crawler.NewError(crawler.KindInternal, "Crawl failed", err)
	}
	if !timings.Empty() {
		t := timings
		ce.Timings = &t
	}
	if prior != nil && prior != error(ce) {
		ce.Prior = prior
	}
	return ce
}
