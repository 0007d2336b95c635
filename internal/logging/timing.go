package logging

import (
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/og-crawler/internal/crawler"
)

// TimingEvent describes one finished crawl request for the timing log.
type TimingEvent struct {
	URL      string
	Mode     crawler.Mode
	Fallback bool
	Duration time.Duration
	Timings  crawler.Timings
	Status   int
	Error    string
	Cache    *crawler.CacheInfo
}

// TimingSampler emits crawl_timing records for a configurable fraction of requests.
type TimingSampler struct {
	logger *zap.Logger
	rate   float64
	random func() float64
}

// NewTimingSampler builds a sampler. rate is clamped to [0, 1].
func NewTimingSampler(logger *zap.Logger, rate float64) *TimingSampler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TimingSampler{
		logger: logger,
		rate:   ClampRate(rate),
		random: rand.Float64,
	}
}

// ClampRate bounds a sample rate to [0, 1].
func ClampRate(rate float64) float64 {
	switch {
	case rate != rate: // NaN
		return 1
	case rate < 0:
		return 0
	case rate > 1:
		return 1
	default:
		return rate
	}
}

// Rate returns the effective sample rate.
func (s *TimingSampler) Rate() float64 {
	return s.rate
}

// Log writes ev when it falls inside the sample.
func (s *TimingSampler) Log(ev TimingEvent) {
	if s == nil || s.rate <= 0 {
		return
	}
	if s.rate < 1 && s.random() >= s.rate {
		return
	}

	fields := []zap.Field{
		zap.String("event", "crawl_timing"),
		zap.String("url", ev.URL),
		zap.String("mode", ev.Mode.String()),
		zap.Bool("fallback", ev.Fallback),
		zap.Int64("duration_ms", ev.Duration.Milliseconds()),
	}
	fields = appendTiming(fields, "static", ev.Timings.Static)
	fields = appendTiming(fields, "dynamic", ev.Timings.Dynamic)

	if st := ev.Timings.Static; st != nil && st.Meta != nil {
		for _, key := range []string{"head_only", "head_complete", "head_bytes", "head_truncated", "head_fallback"} {
			if v, ok := st.Meta[key]; ok {
				fields = append(fields, zap.Any("static_"+key, v))
			}
		}
	}
	if dy := ev.Timings.Dynamic; dy != nil && dy.Meta != nil {
		for _, key := range []string{"launch_reused", "browser_age_ms"} {
			if v, ok := dy.Meta[key]; ok {
				fields = append(fields, zap.Any("dynamic_"+key, v))
			}
		}
	}

	if ev.Status > 0 {
		fields = append(fields, zap.Int("status", ev.Status))
	}
	if ev.Error != "" {
		fields = append(fields, zap.String("error", ev.Error))
	}
	if ev.Cache != nil {
		fields = append(fields,
			zap.Bool("cache_hit", ev.Cache.Hit),
			zap.Int64("cache_ttl_ms", ev.Cache.TTLMs),
		)
		if ev.Cache.Hit {
			fields = append(fields, zap.Int64("cache_age_ms", ev.Cache.AgeMs))
		}
	}

	s.logger.Info("crawl timing", fields...)
}

func appendTiming(fields []zap.Field, prefix string, t *crawler.Timing) []zap.Field {
	if t == nil {
		return fields
	}
	if t.FetchMs > 0 {
		fields = append(fields, zap.Int64(prefix+"_fetch_ms", t.FetchMs))
	}
	if t.LaunchMs > 0 {
		fields = append(fields, zap.Int64(prefix+"_launch_ms", t.LaunchMs))
	}
	if t.NavigationMs > 0 {
		fields = append(fields, zap.Int64(prefix+"_navigation_ms", t.NavigationMs))
	}
	if t.ExtractMs > 0 {
		fields = append(fields, zap.Int64(prefix+"_extract_ms", t.ExtractMs))
	}
	return append(fields, zap.Int64(prefix+"_total_ms", t.TotalMs))
}
