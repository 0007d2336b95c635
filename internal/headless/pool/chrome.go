package pool

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// ChromeOptions configures the chromedp launcher.
type ChromeOptions struct {
	// ExecPath overrides browser discovery when set.
	ExecPath  string
	UserAgent string
	NoSandbox bool
}

type chromeBrowser struct {
	ctx         context.Context
	cancelCtx   context.CancelFunc
	cancelAlloc context.CancelFunc
	once        sync.Once
	err         error
}

func (b *chromeBrowser) Context() context.Context {
	return b.ctx
}

func (b *chromeBrowser) Close() error {
	b.once.Do(func() {
		b.err = chromedp.Cancel(b.ctx)
		b.cancelCtx()
		b.cancelAlloc()
	})
	return b.err
}

// NewChromeLauncher returns a Launcher that starts headless Chrome via chromedp.
func NewChromeLauncher(opts ChromeOptions, logger *zap.Logger) Launcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context) (Browser, error) {
		allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", true),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("hide-scrollbars", true),
		)
		if opts.UserAgent != "" {
			allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
		}
		if opts.ExecPath != "" {
			allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
		}
		if opts.NoSandbox {
			allocOpts = append(allocOpts, chromedp.NoSandbox)
		}

		// The browser outlives the launching request.
		allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), allocOpts...)
		browserCtx, cancelCtx := chromedp.NewContext(allocCtx,
			chromedp.WithErrorf(logger.Sugar().Errorf),
		)

		started := make(chan error, 1)
		go func() { started <- chromedp.Run(browserCtx) }()

		select {
		case err := <-started:
			if err != nil {
				cancelCtx()
				cancelAlloc()
				return nil, fmt.Errorf("chromedp warmup: %w", err)
			}
		case <-ctx.Done():
			cancelCtx()
			cancelAlloc()
			<-started
			return nil, fmt.Errorf("chromedp warmup: %w", ctx.Err())
		}

		return &chromeBrowser{
			ctx:         browserCtx,
			cancelCtx:   cancelCtx,
			cancelAlloc: cancelAlloc,
		}, nil
	}
}
