// Package static implements the static fetch strategy: a bounded head-only
// read with a full-document fallback when the head section never closes.
package static

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/og-crawler/internal/crawler"
)

// Default strategy settings.
const (
	DefaultTimeout      = 8 * time.Second
	DefaultHeadMaxBytes = 128 * 1024
)

// Config controls the static strategy.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	HeadMaxBytes int
}

// Fetcher implements crawler.Fetcher over plain HTTP.
type Fetcher struct {
	cfg       Config
	client    *http.Client
	collector *colly.Collector
	extractor crawler.Extractor
	clock     crawler.Clock
	logger    *zap.Logger
}

var _ crawler.Fetcher = (*Fetcher)(nil)

// New builds a Fetcher.
func New(cfg Config, extractor crawler.Extractor, clock crawler.Clock, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HeadMaxBytes <= 0 {
		cfg.HeadMaxBytes = DefaultHeadMaxBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	transport := newHTTPTransport()

	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.MaxBodySize(0),
	)
	c.UserAgent = cfg.UserAgent
	c.WithTransport(transport)
	c.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{
		cfg:       cfg,
		client:    &http.Client{Transport: transport},
		collector: c,
		extractor: extractor,
		clock:     clock,
		logger:    logger.Named("static"),
	}
}

// Fetch reads the document head, falls back to a full fetch when needed and
// extracts metadata. Failures carry the partial timing gathered so far.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (crawler.Page, error) {
	start := f.clock.Now()
	timing := crawler.Timing{}
	fail := func(local context.Context, err error) (crawler.Page, error) {
		timing.TotalMs = f.clock.Now().Sub(start).Milliseconds()
		return crawler.Page{}, crawler.WithTiming(f.classify(ctx, local, err), timing)
	}

	headCtx, cancelHead := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancelHead()
	head, err := f.readHead(headCtx, rawURL)
	timing.Meta = map[string]any{
		"head_only":      true,
		"head_complete":  head.complete,
		"head_bytes":     head.bytesRead,
		"head_truncated": head.truncated,
		"head_fallback":  false,
	}
	if err != nil {
		return fail(headCtx, err)
	}

	html, finalURL := head.html, head.finalURL
	if !head.complete {
		timing.Meta["head_fallback"] = true
		f.logger.Debug("head incomplete, fetching full document",
			zap.String("url", rawURL),
			zap.Int("head_bytes", head.bytesRead),
			zap.Bool("truncated", head.truncated),
		)
		fullCtx, cancelFull := context.WithTimeout(ctx, f.cfg.Timeout)
		defer cancelFull()
		fullHTML, fullURL, fullErr := f.fetchFull(fullCtx, rawURL)
		if fullErr != nil {
			return fail(fullCtx, fullErr)
		}
		html = fullHTML
		if fullURL != "" {
			finalURL = fullURL
		}
	}
	timing.FetchMs = f.clock.Now().Sub(start).Milliseconds()

	base := finalURL
	if base == "" {
		base = rawURL
	}
	extractStart := f.clock.Now()
	meta := f.extractor.Extract(html, base)
	timing.ExtractMs = f.clock.Now().Sub(extractStart).Milliseconds()
	timing.TotalMs = f.clock.Now().Sub(start).Milliseconds()

	return crawler.Page{Metadata: meta, FinalURL: base, Timing: timing}, nil
}

// fetchFull downloads the whole document through colly.
func (f *Fetcher) fetchFull(ctx context.Context, rawURL string) (string, string, error) {
	var (
		html     string
		finalURL string
		fetchErr error
	)
	collector := f.collector.Clone()
	collector.Context = ctx
	// colly treats 203 and above as errors; statuses are checked here instead.
	collector.ParseHTTPErrorResponse = true
	collector.OnResponse(func(r *colly.Response) {
		if !isSuccess(r.StatusCode) {
			fetchErr = crawler.UpstreamHTTP(r.StatusCode)
			return
		}
		html = string(r.Body)
		finalURL = r.Request.URL.String()
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 && !isSuccess(r.StatusCode) {
			fetchErr = crawler.UpstreamHTTP(r.StatusCode)
			return
		}
		fetchErr = err
	})

	if err := runCollector(ctx, collector, rawURL, &fetchErr); err != nil {
		return "", "", err
	}
	return html, finalURL, nil
}

func runCollector(ctx context.Context, collector *colly.Collector, rawURL string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return *fetchErr
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

// classify maps a raw failure onto a crawl error kind. Caller cancellation
// wins over the local timeout.
func (f *Fetcher) classify(parent, local context.Context, err error) error {
	var ce *crawler.Error
	switch {
	case errors.As(err, &ce):
		return err
	case parent.Err() != nil:
		return crawler.NewError(crawler.KindCancelled, "Static crawl aborted", err)
	case errors.Is(local.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) || isTimeout(err):
		return crawler.NewError(crawler.KindStaticTimeout, "Static crawl timed out", err)
	default:
		return crawler.NewError(crawler.KindInternal, "Static crawl failed", err)
	}
}

func isSuccess(status int) bool {
	return status >= 200 && status <= 299
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
	}
}
