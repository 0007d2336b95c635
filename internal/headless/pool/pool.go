// Package pool manages the shared headless browser used by dynamic crawls.
//
// A Pool hands out leases on a single browser. The browser is retired once it
// is older than the configured TTL or has served MaxUses leases, but it is
// only closed after every outstanding lease has been released. Concurrent
// acquirers that find no browser share one launch.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/og-crawler/internal/crawler"
	"github.com/JakeFAU/og-crawler/internal/metrics"
)

// ErrPoolClosed is returned by Acquire after Shutdown.
var ErrPoolClosed = errors.New("browser pool closed")

// Default pool settings.
const (
	DefaultTTL           = 120 * time.Second
	DefaultMaxUses       = 50
	DefaultLaunchTimeout = 30 * time.Second
)

// Browser is a launched browser process that tabs can be opened against.
type Browser interface {
	// Context is the parent context for new browsing contexts.
	Context() context.Context
	Close() error
}

// Launcher starts a browser. ctx bounds the launch only, not the browser's lifetime.
type Launcher func(ctx context.Context) (Browser, error)

// Config controls reuse and retirement.
type Config struct {
	Reuse         bool
	TTL           time.Duration
	MaxUses       int
	LaunchTimeout time.Duration
}

// Lease is a scoped hold on a browser. Release must be called exactly once
// by the holder; extra calls are ignored.
type Lease struct {
	Browser Browser
	// Reused is false when this acquisition waited on a launch.
	Reused   bool
	LaunchMs int64
	Age      time.Duration

	once    sync.Once
	release func()
}

// NewLease wraps b in a lease whose Release runs release once.
func NewLease(b Browser, reused bool, launchMs int64, age time.Duration, release func()) *Lease {
	return &Lease{Browser: b, Reused: reused, LaunchMs: launchMs, Age: age, release: release}
}

// Release returns the browser to the pool.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		metrics.ObserveBrowserRelease()
		if l.release != nil {
			l.release()
		}
	})
}

// Pool owns the shared browser. It is safe for concurrent use.
type Pool struct {
	cfg    Config
	launch Launcher
	clock  crawler.Clock
	logger *zap.Logger
	flight singleflight.Group

	mu        sync.Mutex
	browser   Browser
	createdAt time.Time
	uses      int
	inFlight  int
	retiring  bool
	closed    bool
}

// New builds a Pool. Non-positive TTL or MaxUses fall back to the defaults.
func New(cfg Config, launch Launcher, clock crawler.Clock, logger *zap.Logger) *Pool {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxUses <= 0 {
		cfg.MaxUses = DefaultMaxUses
	}
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = DefaultLaunchTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:    cfg,
		launch: launch,
		clock:  clock,
		logger: logger,
	}
}

// Stats is a point-in-time view of pool state.
type Stats struct {
	Pooled   bool
	Uses     int
	InFlight int
	Retiring bool
}

// Stats reports the current pool state.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Pooled:   p.browser != nil,
		Uses:     p.uses,
		InFlight: p.inFlight,
		Retiring: p.retiring,
	}
}

// Acquire returns a lease on a browser, launching one when needed.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, crawler.NewError(crawler.KindCancelled, "browser acquire aborted", err)
	}
	if !p.cfg.Reuse {
		return p.acquireUnpooled(ctx)
	}

	for {
		lease, stale, err := p.tryPooled()
		if err != nil {
			return nil, err
		}
		if stale != nil {
			p.closeBrowser(stale, "retired")
			continue
		}
		if lease != nil {
			return lease, nil
		}

		launched, waited, err := p.sharedLaunch(ctx)
		if err != nil {
			return nil, err
		}
		if lease := p.leaseLaunched(launched, waited); lease != nil {
			return lease, nil
		}
	}
}

// tryPooled leases the pooled browser if one is usable. It returns a stale
// browser the caller must close when retirement could happen immediately.
func (p *Pool) tryPooled() (*Lease, Browser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, nil, ErrPoolClosed
	}
	if p.browser == nil {
		return nil, nil, nil
	}

	now := p.clock.Now()
	if now.Sub(p.createdAt) >= p.cfg.TTL || p.uses >= p.cfg.MaxUses {
		if p.inFlight == 0 {
			stale := p.browser
			p.resetLocked()
			return nil, stale, nil
		}
		// Keep serving until the last holder releases.
		p.retiring = true
	}
	return p.leaseLocked(true, 0, now), nil, nil
}

// sharedLaunch joins or starts the single outstanding launch.
func (p *Pool) sharedLaunch(ctx context.Context) (Browser, time.Duration, error) {
	start := p.clock.Now()
	ch := p.flight.DoChan("browser", func() (any, error) {
		// Waiters may leave early; the launch itself is bounded by LaunchTimeout.
		launchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.LaunchTimeout)
		defer cancel()
		return p.launchAndInstall(launchCtx)
	})
	select {
	case <-ctx.Done():
		return nil, 0, crawler.NewError(crawler.KindCancelled, "browser acquire aborted", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, 0, res.Err
		}
		b, _ := res.Val.(Browser)
		return b, p.clock.Now().Sub(start), nil
	}
}

func (p *Pool) launchAndInstall(ctx context.Context) (Browser, error) {
	b, err := p.launchOne(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed || p.browser != nil {
		p.mu.Unlock()
		p.closeBrowser(b, "discarded")
		if p.closed {
			return nil, ErrPoolClosed
		}
		return nil, nil
	}
	p.browser = b
	p.createdAt = p.clock.Now()
	p.uses = 0
	p.inFlight = 0
	p.retiring = false
	p.mu.Unlock()
	return b, nil
}

// leaseLaunched hands a waiter the browser its launch produced. It returns nil
// when the pool has already moved on, in which case the caller retries.
func (p *Pool) leaseLaunched(b Browser, waited time.Duration) *Lease {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b == nil || p.browser != b || p.closed {
		return nil
	}
	return p.leaseLocked(false, waited, p.clock.Now())
}

func (p *Pool) leaseLocked(reused bool, waited time.Duration, now time.Time) *Lease {
	b := p.browser
	p.uses++
	p.inFlight++
	metrics.ObserveBrowserLease(reused)
	return &Lease{
		Browser:  b,
		Reused:   reused,
		LaunchMs: waited.Milliseconds(),
		Age:      now.Sub(p.createdAt),
		release:  func() { p.release(b) },
	}
}

func (p *Pool) release(b Browser) {
	p.mu.Lock()
	if p.browser != b {
		p.mu.Unlock()
		return
	}
	if p.inFlight > 0 {
		p.inFlight--
	}
	var stale Browser
	if p.retiring && p.inFlight == 0 {
		stale = p.browser
		p.resetLocked()
	}
	p.mu.Unlock()

	if stale != nil {
		p.closeBrowser(stale, "drained")
	}
}

func (p *Pool) acquireUnpooled(ctx context.Context) (*Lease, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}

	start := p.clock.Now()
	launchCtx, cancel := context.WithTimeout(ctx, p.cfg.LaunchTimeout)
	defer cancel()
	b, err := p.launchOne(launchCtx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, crawler.NewError(crawler.KindCancelled, "browser acquire aborted", ctx.Err())
		}
		return nil, err
	}
	metrics.ObserveBrowserLease(false)
	return &Lease{
		Browser:  b,
		Reused:   false,
		LaunchMs: p.clock.Now().Sub(start).Milliseconds(),
		release:  func() { p.closeBrowser(b, "unpooled") },
	}, nil
}

func (p *Pool) launchOne(ctx context.Context) (Browser, error) {
	b, err := p.launch(ctx)
	if err != nil {
		metrics.ObserveBrowserLaunch("failure")
		p.logger.Warn("browser launch failed", zap.Error(err))
		return nil, crawler.NewError(crawler.KindLaunchFailure, "Browser launch failed", err)
	}
	if b == nil {
		metrics.ObserveBrowserLaunch("failure")
		return nil, crawler.NewError(crawler.KindLaunchFailure, "Browser launch failed", nil)
	}
	metrics.ObserveBrowserLaunch("success")
	p.logger.Debug("browser launched")
	return b, nil
}

func (p *Pool) closeBrowser(b Browser, reason string) {
	if err := b.Close(); err != nil {
		p.logger.Warn("browser close failed", zap.String("reason", reason), zap.Error(err))
		return
	}
	p.logger.Debug("browser closed", zap.String("reason", reason))
}

func (p *Pool) resetLocked() {
	p.browser = nil
	p.createdAt = time.Time{}
	p.uses = 0
	p.inFlight = 0
	p.retiring = false
}

// Shutdown stops handing out leases. The pooled browser is closed now when
// idle, otherwise when its last lease is released.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var stale Browser
	if p.browser != nil {
		if p.inFlight == 0 {
			stale = p.browser
			p.resetLocked()
		} else {
			p.retiring = true
		}
	}
	p.mu.Unlock()

	if stale == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- stale.Close() }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("close browser: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close browser: %w", ctx.Err())
	}
}
