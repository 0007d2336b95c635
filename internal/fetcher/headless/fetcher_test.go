package headless

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/og-crawler/internal/clock/system"
	"github.com/JakeFAU/og-crawler/internal/crawler"
	"github.com/JakeFAU/og-crawler/internal/extract"
	"github.com/JakeFAU/og-crawler/internal/headless/pool"
)

type stubBrowser struct{}

func (stubBrowser) Context() context.Context { return context.Background() }
func (stubBrowser) Close() error             { return nil }

type fakeLeaser struct {
	err      error
	reused   bool
	acquired atomic.Int32
	released atomic.Int32
}

func (l *fakeLeaser) Acquire(ctx context.Context) (*pool.Lease, error) {
	l.acquired.Add(1)
	if l.err != nil {
		return nil, l.err
	}
	return pool.NewLease(stubBrowser{}, l.reused, 25, 3*time.Second, func() { l.released.Add(1) }), nil
}

type fakeRenderer struct {
	rendered Rendered
	err      error
	block    bool
	after    func()
}

func (r *fakeRenderer) Render(ctx context.Context, _ pool.Browser, _ string) (Rendered, error) {
	if r.block {
		<-ctx.Done()
		return Rendered{}, ctx.Err()
	}
	if r.after != nil {
		r.after()
	}
	return r.rendered, r.err
}

const renderedDoc = `<html><head>
<meta property="og:title" content="Rendered Title">
<meta property="og:description" content="Rendered description">
<meta property="og:image" content="/img.png">
</head><body></body></html>`

func newTestFetcher(cfg Config, l Leaser, r Renderer) *Fetcher {
	return New(cfg, l, r, extract.New(), system.New(), nil)
}

func TestFetchRendersAndExtracts(t *testing.T) {
	t.Parallel()

	leaser := &fakeLeaser{reused: true}
	renderer := &fakeRenderer{rendered: Rendered{HTML: renderedDoc, FinalURL: "https://example.com/final"}}
	f := newTestFetcher(Config{}, leaser, renderer)

	page, err := f.Fetch(context.Background(), "https://example.com/start")
	require.NoError(t, err)
	require.Equal(t, "Rendered Title", page.Metadata.Title)
	require.Equal(t, "https://example.com/img.png", page.Metadata.Image)
	require.Equal(t, "https://example.com/final", page.FinalURL)
	require.Equal(t, int64(25), page.Timing.LaunchMs)
	require.Equal(t, true, page.Timing.Meta["launch_reused"])
	require.Equal(t, int64(3000), page.Timing.Meta["browser_age_ms"])
	require.Equal(t, int32(1), leaser.released.Load())
}

func TestFetchFallsBackToRequestedURL(t *testing.T) {
	t.Parallel()

	renderer := &fakeRenderer{rendered: Rendered{HTML: renderedDoc, FinalURL: "about:blank"}}
	page, err := newTestFetcher(Config{}, &fakeLeaser{}, renderer).Fetch(context.Background(), "https://example.com/start")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/start", page.FinalURL)
	require.Equal(t, "https://example.com/start", page.Metadata.URL)
}

func TestFetchAlreadyCancelled(t *testing.T) {
	t.Parallel()

	leaser := &fakeLeaser{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestFetcher(Config{}, leaser, &fakeRenderer{}).Fetch(ctx, "https://example.com")
	require.True(t, crawler.IsCancelled(err))
	require.Zero(t, leaser.acquired.Load())
	require.NotNil(t, crawler.TimingOf(err))
}

func TestFetchTimeout(t *testing.T) {
	t.Parallel()

	leaser := &fakeLeaser{}
	f := newTestFetcher(Config{Timeout: 30 * time.Millisecond}, leaser, &fakeRenderer{block: true})

	_, err := f.Fetch(context.Background(), "https://example.com")
	require.Error(t, err)
	require.Equal(t, crawler.KindDynamicTimeout, crawler.KindOf(err))
	require.Equal(t, "Dynamic crawl timed out", err.(*crawler.Error).Message)
	require.Equal(t, int32(1), leaser.released.Load())

	timing := crawler.TimingOf(err)
	require.NotNil(t, timing)
	require.Equal(t, false, timing.Meta["launch_reused"])
}

func TestFetchCancelledMidRender(t *testing.T) {
	t.Parallel()

	leaser := &fakeLeaser{}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	_, err := newTestFetcher(Config{Timeout: 5 * time.Second}, leaser, &fakeRenderer{block: true}).Fetch(ctx, "https://example.com")
	require.True(t, crawler.IsCancelled(err))
	require.Equal(t, int32(1), leaser.released.Load())
}

func TestFetchCancelledAfterRender(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	renderer := &fakeRenderer{rendered: Rendered{HTML: renderedDoc}, after: cancel}

	_, err := newTestFetcher(Config{}, &fakeLeaser{}, renderer).Fetch(ctx, "https://example.com")
	require.True(t, crawler.IsCancelled(err))
}

func TestFetchLaunchFailure(t *testing.T) {
	t.Parallel()

	leaser := &fakeLeaser{err: crawler.NewError(crawler.KindLaunchFailure, "Browser launch failed", errors.New("no chrome"))}
	_, err := newTestFetcher(Config{}, leaser, &fakeRenderer{}).Fetch(context.Background(), "https://example.com")
	require.Equal(t, crawler.KindLaunchFailure, crawler.KindOf(err))
}

func TestFetchRenderFailure(t *testing.T) {
	t.Parallel()

	leaser := &fakeLeaser{}
	renderer := &fakeRenderer{err: errors.New("net::ERR_NAME_NOT_RESOLVED")}
	_, err := newTestFetcher(Config{}, leaser, renderer).Fetch(context.Background(), "https://example.invalid")
	require.Equal(t, crawler.KindInternal, crawler.KindOf(err))
	require.ErrorContains(t, err, "ERR_NAME_NOT_RESOLVED")
	require.Equal(t, int32(1), leaser.released.Load())
}

func TestFetchDomainRateLimit(t *testing.T) {
	t.Parallel()

	renderer := &fakeRenderer{rendered: Rendered{HTML: renderedDoc}}
	f := newTestFetcher(Config{DomainQPS: 0.1}, &fakeLeaser{}, renderer)

	_, err := f.Fetch(context.Background(), "https://example.com/a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = f.Fetch(ctx, "https://example.com/b")
	require.Equal(t, crawler.KindDynamicTimeout, crawler.KindOf(err))

	_, err = f.Fetch(context.Background(), "https://other.example/a")
	require.NoError(t, err)
}

func TestLifecycleWaitMatchesLoader(t *testing.T) {
	t.Parallel()

	events := newLifecycle()
	events.observe(&page.EventLifecycleEvent{LoaderID: "old", Name: "DOMContentLoaded"})
	events.setLoader("new")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, events.wait(ctx, "DOMContentLoaded"), context.DeadlineExceeded)

	go events.observe(&page.EventLifecycleEvent{LoaderID: "new", Name: "DOMContentLoaded"})
	require.NoError(t, events.wait(context.Background(), "DOMContentLoaded"))
}
