package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/JakeFAU/og-crawler/internal/crawler"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeBrowser struct {
	id     int
	closed atomic.Bool
}

func (b *fakeBrowser) Context() context.Context { return context.Background() }

func (b *fakeBrowser) Close() error {
	b.closed.Store(true)
	return nil
}

type fakeLauncher struct {
	mu       sync.Mutex
	launched []*fakeBrowser
	failures int
	entered  chan struct{}
	gate     chan struct{}
}

func (l *fakeLauncher) Launch(ctx context.Context) (Browser, error) {
	if l.entered != nil {
		l.entered <- struct{}{}
	}
	if l.gate != nil {
		select {
		case <-l.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failures > 0 {
		l.failures--
		return nil, errors.New("executable not found")
	}
	b := &fakeBrowser{id: len(l.launched) + 1}
	l.launched = append(l.launched, b)
	return b, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launched)
}

func newTestPool(cfg Config, l *fakeLauncher) (*Pool, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(cfg, l.Launch, clock, nil), clock
}

func TestPoolReusesBrowser(t *testing.T) {
	t.Parallel()

	l := &fakeLauncher{}
	p, clock := newTestPool(Config{Reuse: true, TTL: time.Minute, MaxUses: 10}, l)
	ctx := context.Background()

	first, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.False(t, first.Reused)
	first.Release()
	first.Release()

	clock.Advance(5 * time.Second)
	second, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, second.Reused)
	require.Same(t, first.Browser, second.Browser)
	require.Equal(t, 5*time.Second, second.Age)
	second.Release()

	require.Equal(t, 1, l.count())
	require.Equal(t, Stats{Pooled: true, Uses: 2, InFlight: 0}, p.Stats())
	require.NoError(t, p.Shutdown(ctx))
	require.True(t, l.launched[0].closed.Load())
}

func TestPoolRetiresAfterMaxUses(t *testing.T) {
	t.Parallel()

	l := &fakeLauncher{}
	p, _ := newTestPool(Config{Reuse: true, TTL: time.Hour, MaxUses: 2}, l)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		lease, err := p.Acquire(ctx)
		require.NoError(t, err)
		lease.Release()
	}
	require.Equal(t, 1, l.count())

	fresh, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.False(t, fresh.Reused)
	require.Equal(t, 2, l.count())
	require.True(t, l.launched[0].closed.Load())
	require.False(t, l.launched[1].closed.Load())
	fresh.Release()
	require.NoError(t, p.Shutdown(ctx))
}

func TestPoolRetiresAfterTTL(t *testing.T) {
	t.Parallel()

	l := &fakeLauncher{}
	p, clock := newTestPool(Config{Reuse: true, TTL: time.Minute, MaxUses: 100}, l)
	ctx := context.Background()

	lease, err := p.Acquire(ctx)
	require.NoError(t, err)
	lease.Release()

	clock.Advance(time.Minute)
	lease, err = p.Acquire(ctx)
	require.NoError(t, err)
	require.False(t, lease.Reused)
	require.Equal(t, 2, l.count())
	require.True(t, l.launched[0].closed.Load())
	lease.Release()
	require.NoError(t, p.Shutdown(ctx))
}

func TestPoolDefersCloseWhileInFlight(t *testing.T) {
	t.Parallel()

	l := &fakeLauncher{}
	p, _ := newTestPool(Config{Reuse: true, TTL: time.Hour, MaxUses: 1}, l)
	ctx := context.Background()

	holder, err := p.Acquire(ctx)
	require.NoError(t, err)

	// Eligible for retirement, but still held: served again rather than closed.
	late, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, late.Reused)
	require.Same(t, holder.Browser, late.Browser)
	require.True(t, p.Stats().Retiring)
	require.Equal(t, 1, l.count())

	holder.Release()
	require.False(t, l.launched[0].closed.Load())

	late.Release()
	require.True(t, l.launched[0].closed.Load())
	require.False(t, p.Stats().Pooled)

	next, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.False(t, next.Reused)
	require.Equal(t, 2, l.count())
	next.Release()
	require.NoError(t, p.Shutdown(ctx))
}

func TestPoolSingleFlightLaunch(t *testing.T) {
	t.Parallel()

	l := &fakeLauncher{entered: make(chan struct{}, 8), gate: make(chan struct{})}
	p, _ := newTestPool(Config{Reuse: true, TTL: time.Hour, MaxUses: 100}, l)
	ctx := context.Background()

	const acquirers = 5
	var (
		ready  sync.WaitGroup
		done   sync.WaitGroup
		leases = make(chan *Lease, acquirers)
	)
	ready.Add(acquirers)
	done.Add(acquirers)
	for i := 0; i < acquirers; i++ {
		go func() {
			defer done.Done()
			ready.Done()
			lease, err := p.Acquire(ctx)
			if err == nil {
				leases <- lease
			}
		}()
	}
	ready.Wait()
	<-l.entered
	time.Sleep(50 * time.Millisecond)
	close(l.gate)
	done.Wait()
	close(leases)

	var first Browser
	n := 0
	for lease := range leases {
		if first == nil {
			first = lease.Browser
		}
		require.Same(t, first, lease.Browser)
		lease.Release()
		n++
	}
	require.Equal(t, acquirers, n)
	require.Equal(t, 1, l.count())
	require.Equal(t, 0, p.Stats().InFlight)
	require.NoError(t, p.Shutdown(ctx))
}

func TestPoolLaunchFailurePropagatesAndRetries(t *testing.T) {
	t.Parallel()

	l := &fakeLauncher{failures: 1}
	p, _ := newTestPool(Config{Reuse: true}, l)
	ctx := context.Background()

	_, err := p.Acquire(ctx)
	require.Error(t, err)
	require.Equal(t, crawler.KindLaunchFailure, crawler.KindOf(err))

	lease, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.False(t, lease.Reused)
	lease.Release()
	require.NoError(t, p.Shutdown(ctx))
}

func TestPoolWithoutReuse(t *testing.T) {
	t.Parallel()

	l := &fakeLauncher{}
	p, _ := newTestPool(Config{Reuse: false}, l)
	ctx := context.Background()

	a, err := p.Acquire(ctx)
	require.NoError(t, err)
	b, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NotSame(t, a.Browser, b.Browser)
	require.False(t, a.Reused)
	require.False(t, b.Reused)

	a.Release()
	require.True(t, l.launched[0].closed.Load())
	require.False(t, l.launched[1].closed.Load())
	b.Release()
	require.True(t, l.launched[1].closed.Load())
	require.False(t, p.Stats().Pooled)
	require.NoError(t, p.Shutdown(ctx))
}

func TestPoolShutdown(t *testing.T) {
	t.Parallel()

	l := &fakeLauncher{}
	p, _ := newTestPool(Config{Reuse: true}, l)
	ctx := context.Background()

	held, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Shutdown(ctx))
	require.False(t, l.launched[0].closed.Load())

	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, ErrPoolClosed)

	held.Release()
	require.True(t, l.launched[0].closed.Load())
	require.NoError(t, p.Shutdown(ctx))
}

func TestPoolAcquireCancelled(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(Config{Reuse: true}, &fakeLauncher{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Acquire(ctx)
	require.True(t, crawler.IsCancelled(err))
}
