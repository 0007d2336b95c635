package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/og-crawler/internal/api"
	"github.com/JakeFAU/og-crawler/internal/config"
	"github.com/JakeFAU/og-crawler/internal/crawler"
)

func validConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

func TestBuildRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := validConfig(t)
	cfg.Static.TimeoutMs = 0
	_, err := Build(cfg, zap.NewNop())
	require.ErrorContains(t, err, "static.timeout_ms")
}

func TestBuildServesHealth(t *testing.T) {
	t.Parallel()

	app, err := Build(validConfig(t), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, app.Close(context.Background())) })

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"up"`)
}

func TestBuildStaticCrawlEndToEnd(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html><head>
<title>Fallback</title>
<meta property="og:title" content="Wired Title">
<meta property="og:description" content="Wired description">
</head><body></body></html>`))
	}))
	t.Cleanup(upstream.Close)

	app, err := Build(validConfig(t), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, app.Close(context.Background())) })

	req, err := api.ParseCrawlRequest(map[string][]string{
		"url":     {upstream.URL + "/page"},
		"mode":    {"static"},
		"timings": {"1"},
	})
	require.NoError(t, err)

	resp, err := app.Runner().Run(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, crawler.ModeStatic, resp.Mode)
	require.NotNil(t, resp.Data.Title)
	require.Equal(t, "Wired Title", *resp.Data.Title)
	require.NotNil(t, resp.Cache)
	require.False(t, resp.Cache.Hit)
}
