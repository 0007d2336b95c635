package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/og-crawler/internal/crawler"
	"github.com/JakeFAU/og-crawler/internal/logging"
)

// Crawler runs a single crawl request.
type Crawler interface {
	Crawl(ctx context.Context, rawURL string, mode crawler.Mode) (crawler.Result, error)
}

// CrawlRequest is a validated crawl request.
type CrawlRequest struct {
	URL            string
	Mode           crawler.Mode
	IncludeTimings bool
}

// ParseCrawlRequest validates the url, mode and timings query parameters.
func ParseCrawlRequest(q url.Values) (CrawlRequest, error) {
	target, err := crawler.ParseTargetURL(q.Get("url"))
	if err != nil {
		return CrawlRequest{}, err
	}
	mode, err := crawler.ParseMode(q.Get("mode"))
	if err != nil {
		return CrawlRequest{}, err
	}
	include, _ := crawler.ParseFlag(q.Get("timings"))
	return CrawlRequest{URL: target, Mode: mode, IncludeTimings: include}, nil
}

// CrawlData is the extracted metadata; missing fields encode as null.
type CrawlData struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	URL         *string `json:"url"`
	SiteName    *string `json:"site_name"`
	Image       *string `json:"image"`
	Favicon     *string `json:"favicon"`
}

// CrawlMeta exposes the static strategy's head-read diagnostics.
type CrawlMeta struct {
	Static map[string]any `json:"static"`
}

// CrawlResponse is the JSON body returned for a successful crawl.
type CrawlResponse struct {
	OK         bool               `json:"ok"`
	Mode       crawler.Mode       `json:"mode"`
	Fallback   bool               `json:"fallback"`
	DurationMs int64              `json:"durationMs"`
	Data       CrawlData          `json:"data"`
	Timings    *crawler.Timings   `json:"timings,omitempty"`
	Meta       *CrawlMeta         `json:"meta,omitempty"`
	Cache      *crawler.CacheInfo `json:"cache,omitempty"`
}

// NewCrawlResponse shapes res for clients. Diagnostics are only included
// when includeTimings is set.
func NewCrawlResponse(res crawler.Result, duration time.Duration, includeTimings bool) CrawlResponse {
	resp := CrawlResponse{
		OK:         true,
		Mode:       res.Mode,
		Fallback:   res.Fallback,
		DurationMs: duration.Milliseconds(),
		Data: CrawlData{
			Title:       nullable(res.Metadata.Title),
			Description: nullable(res.Metadata.Description),
			URL:         nullable(res.Metadata.URL),
			SiteName:    nullable(res.Metadata.SiteName),
			Image:       nullable(res.Metadata.Image),
			Favicon:     nullable(res.Metadata.Favicon),
		},
	}
	if !includeTimings {
		return resp
	}
	if !res.Timings.Empty() {
		timings := res.Timings
		resp.Timings = &timings
		if st := res.Timings.Static; st != nil && len(st.Meta) > 0 {
			resp.Meta = &CrawlMeta{Static: st.Meta}
		}
	}
	resp.Cache = res.Cache
	return resp
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Runner executes crawl requests and emits sampled timing logs. It is shared
// by the HTTP handler and the command line.
type Runner struct {
	crawler Crawler
	sampler *logging.TimingSampler
	clock   crawler.Clock
	logger  *zap.Logger
}

// NewRunner builds a Runner. A nil sampler disables timing logs.
func NewRunner(c Crawler, sampler *logging.TimingSampler, clock crawler.Clock, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{crawler: c, sampler: sampler, clock: clock, logger: logger}
}

// Run performs req and returns the response body. Errors are classified
// *crawler.Error values.
func (r *Runner) Run(ctx context.Context, req CrawlRequest) (CrawlResponse, error) {
	start := r.clock.Now()
	res, err := r.crawler.Crawl(ctx, req.URL, req.Mode)
	duration := r.clock.Now().Sub(start)

	if err != nil {
		var ce *crawler.Error
		if errors.As(err, &ce) && ce.Timings != nil && !ce.Timings.Empty() {
			r.sampler.Log(logging.TimingEvent{
				URL:      req.URL,
				Mode:     req.Mode,
				Duration: duration,
				Timings:  *ce.Timings,
				Status:   StatusOf(err),
				Error:    err.Error(),
			})
		}
		return CrawlResponse{}, err
	}

	if res.StaticError != nil {
		r.logger.Debug("static failure absorbed", zap.String("url", req.URL), zap.Error(res.StaticError))
	}
	if !res.Timings.Empty() || res.Cache != nil {
		r.sampler.Log(logging.TimingEvent{
			URL:      req.URL,
			Mode:     res.Mode,
			Fallback: res.Fallback,
			Duration: duration,
			Timings:  res.Timings,
			Status:   http.StatusOK,
			Cache:    res.Cache,
		})
	}
	return NewCrawlResponse(res, duration, req.IncludeTimings), nil
}

// StatusOf maps err to the HTTP status reported to clients.
func StatusOf(err error) int {
	var ce *crawler.Error
	if errors.As(err, &ce) {
		return ce.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// MessageOf returns the client-facing message for err.
func MessageOf(err error) string {
	var ce *crawler.Error
	switch {
	case errors.As(err, &ce) && ce.Message != "":
		return ce.Message
	case ce != nil:
		return ce.Error()
	default:
		return "Internal Server Error"
	}
}
