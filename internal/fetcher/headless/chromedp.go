package headless

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/og-crawler/internal/headless/pool"
)

// DefaultNetworkIdleTimeout bounds the best-effort wait for network quiet.
const DefaultNetworkIdleTimeout = 1500 * time.Millisecond

// ChromeConfig controls page-level render behavior.
type ChromeConfig struct {
	UserAgent string
	// NetworkIdleTimeout bounds the wait for network quiet after DOM content
	// loads. Zero skips the wait.
	NetworkIdleTimeout time.Duration
}

// ChromeRenderer renders pages in an isolated browser context via chromedp.
type ChromeRenderer struct {
	cfg    ChromeConfig
	logger *zap.Logger
}

var _ Renderer = (*ChromeRenderer)(nil)

// NewChromeRenderer creates a renderer.
func NewChromeRenderer(cfg ChromeConfig, logger *zap.Logger) *ChromeRenderer {
	if cfg.NetworkIdleTimeout < 0 {
		cfg.NetworkIdleTimeout = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChromeRenderer{cfg: cfg, logger: logger.Named("chromedp")}
}

// Render opens a fresh browser context, navigates until DOM content has
// loaded, briefly waits for network quiet and snapshots the document.
// Cancelling ctx closes the tab.
func (r *ChromeRenderer) Render(ctx context.Context, browser pool.Browser, rawURL string) (Rendered, error) {
	tabCtx, cancelTab := chromedp.NewContext(browser.Context(), chromedp.WithNewBrowserContext())
	defer cancelTab()

	stopForward := forwardCancel(ctx, cancelTab)
	defer stopForward()

	runCtx := tabCtx
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(tabCtx, deadline)
		defer cancel()
	}

	events := newLifecycle()
	docMeta := &documentMeta{}
	chromedp.ListenTarget(tabCtx, func(ev any) {
		events.observe(ev)
		docMeta.observe(ev)
	})

	var html, location string
	actions := []chromedp.Action{
		network.Enable(),
		page.SetLifecycleEventsEnabled(true),
		r.userAgentAction(),
		navigateDOMContentLoaded(rawURL, events),
		r.waitNetworkIdle(events),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Rendered{}, fmt.Errorf("chromedp run: %w", ctxErr)
		}
		return Rendered{}, fmt.Errorf("chromedp run: %w", err)
	}

	if location == "" || location == "about:blank" {
		location = docMeta.url()
	}
	return Rendered{HTML: html, FinalURL: location}, nil
}

func (r *ChromeRenderer) userAgentAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if r.cfg.UserAgent == "" {
			return nil
		}
		if err := emulation.SetUserAgentOverride(r.cfg.UserAgent).Do(ctx); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
		return nil
	})
}

// navigateDOMContentLoaded starts navigation and returns once the new
// document fires DOMContentLoaded, without waiting for the load event.
func navigateDOMContentLoaded(rawURL string, events *lifecycle) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		var res page.NavigateReturns
		if err := cdp.Execute(ctx, page.CommandNavigate, page.Navigate(rawURL), &res); err != nil {
			return fmt.Errorf("navigate: %w", err)
		}
		if res.ErrorText != "" {
			return fmt.Errorf("navigate: %s", res.ErrorText)
		}
		if res.LoaderID == "" {
			// Same-document navigation; no new lifecycle.
			return nil
		}
		events.setLoader(res.LoaderID)
		return events.wait(ctx, "DOMContentLoaded")
	})
}

// waitNetworkIdle waits for the networkIdle lifecycle event. Running out of
// time is not an error; the DOM is read as-is.
func (r *ChromeRenderer) waitNetworkIdle(events *lifecycle) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if r.cfg.NetworkIdleTimeout <= 0 || !events.hasLoader() {
			return nil
		}
		idleCtx, cancel := context.WithTimeout(ctx, r.cfg.NetworkIdleTimeout)
		defer cancel()
		if err := events.wait(idleCtx, "networkIdle"); err != nil && ctx.Err() != nil {
			return fmt.Errorf("wait network idle: %w", ctx.Err())
		}
		return nil
	})
}

// lifecycle records page lifecycle events per loader so waits only match
// the navigation they started.
type lifecycle struct {
	mu     sync.Mutex
	loader cdp.LoaderID
	seen   map[cdp.LoaderID]map[string]struct{}
	notify chan struct{}
}

func newLifecycle() *lifecycle {
	return &lifecycle{
		seen:   make(map[cdp.LoaderID]map[string]struct{}),
		notify: make(chan struct{}, 1),
	}
}

func (l *lifecycle) observe(ev any) {
	e, ok := ev.(*page.EventLifecycleEvent)
	if !ok {
		return
	}
	l.mu.Lock()
	names := l.seen[e.LoaderID]
	if names == nil {
		names = make(map[string]struct{})
		l.seen[e.LoaderID] = names
	}
	names[e.Name] = struct{}{}
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
}

func (l *lifecycle) setLoader(id cdp.LoaderID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loader = id
}

func (l *lifecycle) hasLoader() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loader != ""
}

func (l *lifecycle) fired(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[l.loader][name]
	return ok
}

func (l *lifecycle) wait(ctx context.Context, name string) error {
	for {
		if l.fired(name) {
			return nil
		}
		select {
		case <-l.notify:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// documentMeta remembers the main document response URL.
type documentMeta struct {
	mu       sync.Mutex
	finalURL string
}

func (m *documentMeta) observe(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	m.finalURL = resp.Response.URL
	m.mu.Unlock()
}

func (m *documentMeta) url() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finalURL
}

// forwardCancel cancels the tab when parent is done. The returned stop
// function detaches and returns once the watcher has exited.
func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}
