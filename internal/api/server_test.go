package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/og-crawler/internal/crawler"
	"github.com/JakeFAU/og-crawler/internal/logging"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(25 * time.Millisecond)
	return c.now
}

type fakeCrawler struct {
	mu     sync.Mutex
	result crawler.Result
	err    error
	calls  []crawlCall
}

type crawlCall struct {
	url  string
	mode crawler.Mode
}

func (f *fakeCrawler) Crawl(_ context.Context, rawURL string, mode crawler.Mode) (crawler.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, crawlCall{url: rawURL, mode: mode})
	return f.result, f.err
}

func newTestServer(c Crawler, sampler *logging.TimingSampler) *Server {
	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	runner := NewRunner(c, sampler, clock, zap.NewNop())
	return NewServer(runner, clock, Config{AllowedOrigins: []string{"http://localhost:5173"}}, zap.NewNop())
}

func serve(t *testing.T, s *Server, target string, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var body map[string]any
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func sampleResult() crawler.Result {
	return crawler.Result{
		Metadata: crawler.Metadata{
			Title:    "Example",
			URL:      "https://example.com/",
			SiteName: "example.com",
			Favicon:  "https://example.com/favicon.ico",
		},
		Mode:     crawler.ModeDynamic,
		Fallback: true,
		Timings: crawler.Timings{
			Static:  &crawler.Timing{FetchMs: 40, TotalMs: 45, Meta: map[string]any{"head_only": true}},
			Dynamic: &crawler.Timing{LaunchMs: 300, NavigationMs: 500, TotalMs: 820},
		},
		Cache: &crawler.CacheInfo{Key: "https://example.com/", TTLMs: 300000},
	}
}

func TestServer_Index(t *testing.T) {
	t.Parallel()

	rec, body := serve(t, newTestServer(&fakeCrawler{}, nil), "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, body["ok"])
	require.Contains(t, body["endpoints"], "crawl")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_Health(t *testing.T) {
	t.Parallel()

	rec, body := serve(t, newTestServer(&fakeCrawler{}, nil), "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "up", body["status"])
	_, err := time.Parse(time.RFC3339Nano, body["timestamp"].(string))
	require.NoError(t, err)
}

func TestServer_RuntimeMetrics(t *testing.T) {
	t.Parallel()

	rec, body := serve(t, newTestServer(&fakeCrawler{}, nil), "/api/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, body["ok"])
	require.Contains(t, body, "uptimeSec")
	memory, ok := body["memory"].(map[string]any)
	require.True(t, ok)
	require.Contains(t, memory, "heapAlloc")
}

func TestServer_PrometheusMetrics(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeCrawler{}, nil)
	serve(t, s, "/api/health", nil)
	rec, _ := serve(t, s, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_NotFound(t *testing.T) {
	t.Parallel()

	rec, body := serve(t, newTestServer(&fakeCrawler{}, nil), "/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, map[string]any{"ok": false, "error": "Not found"}, body)
}

func TestServer_CrawlValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		query string
		want  string
	}{
		{name: "missing url", query: "", want: "Missing url parameter"},
		{name: "bad url", query: "url=" + url.QueryEscape("::nope"), want: "Invalid url parameter"},
		{name: "bad scheme", query: "url=" + url.QueryEscape("ftp://example.com"), want: "Only http and https urls are allowed"},
		{name: "bad mode", query: "url=https://example.com&mode=browser", want: "Invalid mode parameter"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fc := &fakeCrawler{}
			rec, body := serve(t, newTestServer(fc, nil), "/api/crawl?"+tt.query, nil)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Equal(t, false, body["ok"])
			require.Equal(t, tt.want, body["error"])
			require.Empty(t, fc.calls)
		})
	}
}

func TestServer_CrawlWithoutTimings(t *testing.T) {
	t.Parallel()

	fc := &fakeCrawler{result: sampleResult()}
	rec, body := serve(t, newTestServer(fc, nil), "/api/crawl?url=https://example.com", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, body["ok"])
	require.Equal(t, "dynamic", body["mode"])
	require.Equal(t, true, body["fallback"])
	require.Equal(t, float64(25), body["durationMs"])
	require.NotContains(t, body, "timings")
	require.NotContains(t, body, "meta")
	require.NotContains(t, body, "cache")

	data, ok := body["data"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "Example", data["title"])
	require.Contains(t, data, "description")
	require.Nil(t, data["description"])
	require.Nil(t, data["image"])

	require.Equal(t, []crawlCall{{url: "https://example.com/", mode: crawler.ModeAuto}}, fc.calls)
}

func TestServer_CrawlWithTimings(t *testing.T) {
	t.Parallel()

	fc := &fakeCrawler{result: sampleResult()}
	rec, body := serve(t, newTestServer(fc, nil), "/api/crawl?url=https://example.com/a&mode=STATIC&timings=yes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, crawler.ModeStatic, fc.calls[0].mode)

	timings, ok := body["timings"].(map[string]any)
	require.True(t, ok)
	require.Contains(t, timings, "static")
	require.Contains(t, timings, "dynamic")
	require.Equal(t, map[string]any{"static": map[string]any{"head_only": true}}, body["meta"])
	cache, ok := body["cache"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, false, cache["hit"])
	require.Equal(t, float64(300000), cache["ttlMs"])
}

func TestServer_CrawlFailure(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	sampler := logging.NewTimingSampler(zap.New(core), 1)
	err := crawler.NewError(crawler.KindDynamicTimeout, "Dynamic crawl timed out", context.DeadlineExceeded)
	err.Timings = &crawler.Timings{Dynamic: &crawler.Timing{TotalMs: 20000}}

	rec, body := serve(t, newTestServer(&fakeCrawler{err: err}, sampler), "/api/crawl?url=https://example.com", nil)
	require.Equal(t, http.StatusGatewayTimeout, rec.Code)
	require.Equal(t, map[string]any{"ok": false, "error": "Dynamic crawl timed out"}, body)

	entries := logs.FilterMessage("crawl timing").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, int64(http.StatusGatewayTimeout), fields["status"])
	require.Equal(t, int64(20000), fields["dynamic_total_ms"])
}

func TestServer_CrawlUpstreamStatus(t *testing.T) {
	t.Parallel()

	rec, body := serve(t, newTestServer(&fakeCrawler{err: crawler.UpstreamHTTP(404)}, nil), "/api/crawl?url=https://example.com", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "Request failed with status 404", body["error"])
}

func TestServer_CrawlLogsSuccessTiming(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	sampler := logging.NewTimingSampler(zap.New(core), 1)

	serve(t, newTestServer(&fakeCrawler{result: sampleResult()}, sampler), "/api/crawl?url=https://example.com", nil)

	entries := logs.FilterMessage("crawl timing").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "dynamic", fields["mode"])
	require.Equal(t, true, fields["fallback"])
	require.Equal(t, int64(300), fields["dynamic_launch_ms"])
	require.Equal(t, true, fields["static_head_only"])
	require.Equal(t, false, fields["cache_hit"])
}

func TestServer_CORS(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeCrawler{}, nil)
	rec, _ := serve(t, s, "/api/health", map[string]string{"Origin": "http://localhost:5173"})
	require.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))

	rec, _ = serve(t, s, "/api/health", map[string]string{"Origin": "https://evil.example"})
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_RequestIDPropagates(t *testing.T) {
	t.Parallel()

	rec, _ := serve(t, newTestServer(&fakeCrawler{}, nil), "/api/health", map[string]string{"X-Request-ID": "req-123"})
	require.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
}

func TestNewCrawlResponseOmitsEmptyStaticMeta(t *testing.T) {
	t.Parallel()

	res := crawler.Result{
		Mode:    crawler.ModeDynamic,
		Timings: crawler.Timings{Dynamic: &crawler.Timing{TotalMs: 10}},
	}
	resp := NewCrawlResponse(res, 10*time.Millisecond, true)
	require.NotNil(t, resp.Timings)
	require.Nil(t, resp.Meta)
	require.Nil(t, resp.Cache)
	require.Nil(t, resp.Data.Title)
}

type fixedIDs struct {
	id  string
	err error
}

func (f fixedIDs) NewID() (string, error) { return f.id, f.err }

func TestServer_RequestIDGenerator(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(0, 0)}
	runner := NewRunner(&fakeCrawler{}, nil, clock, nil)

	s := NewServer(runner, clock, Config{IDs: fixedIDs{id: "fixed-id"}}, nil)
	rec, _ := serve(t, s, "/api/health", nil)
	require.Equal(t, "fixed-id", rec.Header().Get("X-Request-ID"))

	s = NewServer(runner, clock, Config{IDs: fixedIDs{err: errors.New("no entropy")}}, nil)
	rec, _ = serve(t, s, "/api/health", nil)
	require.Len(t, rec.Header().Get("X-Request-ID"), 36)
}
