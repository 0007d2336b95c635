// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/og-crawler/internal/crawler"
	"github.com/JakeFAU/og-crawler/internal/logging"
)

// DefaultUserAgent identifies the crawler to upstream sites.
const DefaultUserAgent = "Mozilla/5.0 (compatible; OgCrawler/1.0; +https://github.com/JakeFAU/og-crawler)"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Static  StaticConfig  `mapstructure:"static"`
	Dynamic DynamicConfig `mapstructure:"dynamic"`
	Auto    AutoConfig    `mapstructure:"auto"`
	Timing  TimingConfig  `mapstructure:"timing"`
	Crawler CrawlerConfig `mapstructure:"crawler"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"-"`
}

// CacheConfig sizes the content cache.
type CacheConfig struct {
	Enabled    bool `mapstructure:"-"`
	TTLMs      int  `mapstructure:"ttl_ms"`
	MaxEntries int  `mapstructure:"max_entries"`
}

// StaticConfig bounds the static fetch strategy.
type StaticConfig struct {
	TimeoutMs    int `mapstructure:"timeout_ms"`
	HeadMaxBytes int `mapstructure:"head_max_bytes"`
}

// DynamicConfig governs the headless browser and its pool.
type DynamicConfig struct {
	Reuse                bool    `mapstructure:"-"`
	BrowserTTLMs         int     `mapstructure:"browser_ttl_ms"`
	BrowserMaxUses       int     `mapstructure:"browser_max_uses"`
	NetworkIdleTimeoutMs int     `mapstructure:"networkidle_timeout_ms"`
	TimeoutMs            int     `mapstructure:"timeout_ms"`
	ChromiumPath         string  `mapstructure:"chromium_path"`
	DomainQPS            float64 `mapstructure:"domain_qps"`
}

// AutoConfig tunes the auto-mode race.
type AutoConfig struct {
	RaceThresholdMs int `mapstructure:"race_threshold_ms"`
}

// TimingConfig controls the sampled timing log.
type TimingConfig struct {
	SampleRate float64 `mapstructure:"sample_rate"`
}

// CrawlerConfig holds request identity settings shared by both strategies.
type CrawlerConfig struct {
	UserAgent string `mapstructure:"user_agent"`
}

// envBindings maps config keys onto the environment variables operators set.
var envBindings = map[string][]string{
	"server.port":                    {"PORT"},
	"server.allowed_origins":         {"CORS_ALLOWED_ORIGINS"},
	"logging.development":            {"LOG_DEVELOPMENT"},
	"cache.enabled":                  {"CACHE_ENABLED"},
	"cache.ttl_ms":                   {"CACHE_TTL_MS"},
	"cache.max_entries":              {"CACHE_MAX_SIZE"},
	"static.timeout_ms":              {"STATIC_TIMEOUT_MS"},
	"static.head_max_bytes":          {"STATIC_HEAD_MAX_BYTES"},
	"dynamic.reuse":                  {"DYNAMIC_BROWSER_REUSE"},
	"dynamic.browser_ttl_ms":         {"DYNAMIC_BROWSER_TTL_MS"},
	"dynamic.browser_max_uses":       {"DYNAMIC_BROWSER_MAX_USES"},
	"dynamic.networkidle_timeout_ms": {"DYNAMIC_NETWORKIDLE_TIMEOUT_MS"},
	"dynamic.timeout_ms":             {"DYNAMIC_TIMEOUT_MS"},
	"dynamic.chromium_path":          {"CHROMIUM_PATH", "PLAYWRIGHT_CHROMIUM_PATH"},
	"auto.race_threshold_ms":         {"AUTO_RACE_THRESHOLD_MS"},
	"timing.sample_rate":             {"TIMING_LOG_SAMPLE_RATE"},
}

// lookupEnv is swapped in tests.
var lookupEnv = os.LookupEnv

// Load builds a Config from defaults, an optional file and the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("OG_CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, envs := range envBindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Logging.Development = flag(v, "logging.development", false)
	cfg.Cache.Enabled = flag(v, "cache.enabled", true)
	cfg.Dynamic.Reuse = flag(v, "dynamic.reuse", ReuseDefault())
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:5173"})
	v.SetDefault("cache.ttl_ms", 300000)
	v.SetDefault("cache.max_entries", 1000)
	v.SetDefault("static.timeout_ms", 8000)
	v.SetDefault("static.head_max_bytes", 128*1024)
	v.SetDefault("dynamic.browser_ttl_ms", 120000)
	v.SetDefault("dynamic.browser_max_uses", 50)
	v.SetDefault("dynamic.networkidle_timeout_ms", 1500)
	v.SetDefault("dynamic.timeout_ms", 20000)
	v.SetDefault("dynamic.chromium_path", "")
	v.SetDefault("dynamic.domain_qps", 0)
	v.SetDefault("auto.race_threshold_ms", 400)
	v.SetDefault("timing.sample_rate", 1)
	v.SetDefault("crawler.user_agent", DefaultUserAgent)
}

// flag reads a loose boolean, keeping def when the value is absent or unrecognised.
func flag(v *viper.Viper, key string, def bool) bool {
	if !v.IsSet(key) {
		return def
	}
	if b, ok := crawler.ParseFlag(v.GetString(key)); ok {
		return b
	}
	return def
}

// ReuseDefault reports whether browser reuse should be on when unconfigured.
// Serverless platforms get a fresh browser per request.
func ReuseDefault() bool {
	for _, key := range []string{"VERCEL", "AWS_LAMBDA_FUNCTION_NAME"} {
		if val, ok := lookupEnv(key); ok && val != "" {
			return false
		}
	}
	return true
}

func (c *Config) normalize() {
	if c.Dynamic.NetworkIdleTimeoutMs < 0 {
		c.Dynamic.NetworkIdleTimeoutMs = 0
	}
	c.Timing.SampleRate = logging.ClampRate(c.Timing.SampleRate)
	if strings.TrimSpace(c.Crawler.UserAgent) == "" {
		c.Crawler.UserAgent = DefaultUserAgent
	}
	origins := c.Server.AllowedOrigins[:0]
	for _, o := range c.Server.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.Server.AllowedOrigins = origins
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Cache.TTLMs <= 0 {
		return fmt.Errorf("cache.ttl_ms must be > 0")
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache.max_entries must be > 0")
	}
	if c.Static.TimeoutMs <= 0 {
		return fmt.Errorf("static.timeout_ms must be > 0")
	}
	if c.Static.HeadMaxBytes <= 0 {
		return fmt.Errorf("static.head_max_bytes must be > 0")
	}
	if c.Dynamic.TimeoutMs <= 0 {
		return fmt.Errorf("dynamic.timeout_ms must be > 0")
	}
	if c.Dynamic.BrowserTTLMs <= 0 {
		return fmt.Errorf("dynamic.browser_ttl_ms must be > 0")
	}
	if c.Dynamic.BrowserMaxUses <= 0 {
		return fmt.Errorf("dynamic.browser_max_uses must be > 0")
	}
	if c.Dynamic.DomainQPS < 0 {
		return fmt.Errorf("dynamic.domain_qps must be >= 0")
	}
	if c.Auto.RaceThresholdMs <= 0 {
		return fmt.Errorf("auto.race_threshold_ms must be > 0")
	}
	return nil
}

// Millis converts a millisecond knob into a time.Duration.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
