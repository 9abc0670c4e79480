// Package config loads the aggregator settings file and environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/downtoearthtw/proxy-aggregator/internal/export"
	"github.com/downtoearthtw/proxy-aggregator/internal/node"
	"github.com/downtoearthtw/proxy-aggregator/internal/subscription"
)

// EnvPrefix prefixes environment overrides, e.g. PROXYAGG_OUTPUT_MAX_NODES.
const EnvPrefix = "PROXYAGG"

// DefaultPath is the settings file read when none is given.
const DefaultPath = "config/sources.json"

// Reputation providers.
const (
	ProviderIPAPI   = "ipapi"
	ProviderOffline = "offline"
	ProviderNone    = "none"
)

// Config holds every setting of a run or of the long-running server.
type Config struct {
	Sources []subscription.Source

	// Testing
	ProbeTimeout     time.Duration
	DNSTimeout       time.Duration
	ProbeConcurrency int
	MaxLatencyMs     int
	MinTrustScore    int
	RejectCountry    string

	// Output
	MaxNodes  int
	Formats   []export.Format
	OutputDir string

	// Reputation
	ReputationProvider string
	RequestsPerMinute  int
	BlockedASNs        []int
	ReputationCache    int
	GeoIPCacheDir      string
	GeoIPSchedule      string
	ASNDBPath          string

	// Fetch
	FetchTimeout time.Duration
	FetchRetries int
	UserAgent    string
	FetchWorkers int

	// History
	HistoryDBPath string

	// Server
	Listen   string
	Token    string
	Schedule string

	// Log
	LogLevel  logrus.Level
	LogFormat string
}

// ConfigurationError reports every invalid setting found in one pass.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("config validation failed:\n  %s", strings.Join(e.Problems, "\n  "))
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("testing.timeout_seconds", 10)
	v.SetDefault("testing.dns_timeout_seconds", 5)
	v.SetDefault("testing.max_concurrent", 50)
	v.SetDefault("testing.max_latency_ms", 500)
	v.SetDefault("testing.min_trust_score", 30)
	v.SetDefault("testing.reject_country", "CN")

	v.SetDefault("output.max_nodes", export.DefaultMaxNodes)
	v.SetDefault("output.formats", []string{"singbox", "clash", "base64"})
	v.SetDefault("output.dir", "output")

	v.SetDefault("reputation.provider", ProviderIPAPI)
	v.SetDefault("reputation.requests_per_minute", 45)
	v.SetDefault("reputation.blocked_asns", []int{})
	v.SetDefault("reputation.cache_size", 65536)
	v.SetDefault("reputation.geoip_dir", "cache/geoip")
	v.SetDefault("reputation.geoip_schedule", "0 7 * * *")
	v.SetDefault("reputation.asn_db", "")

	v.SetDefault("fetch.timeout_seconds", 30)
	v.SetDefault("fetch.retries", 2)
	v.SetDefault("fetch.user_agent", "proxy-aggregator")
	v.SetDefault("fetch.workers", 8)

	v.SetDefault("history.db_path", "")

	v.SetDefault("server.listen", ":2260")
	v.SetDefault("server.token", "")
	v.SetDefault("server.schedule", "0 */6 * * *")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// NewViper returns a viper instance with defaults and env overrides bound.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// ReadFile reads the settings file at path into v. A missing file at the
// default path is not an error; an explicitly named one must exist.
func ReadFile(v *viper.Viper, path string, explicit bool) error {
	if path == "" {
		path = DefaultPath
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !explicit && (errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	return nil
}

type sourceEntry struct {
	Name     string `mapstructure:"name"`
	URL      string `mapstructure:"url"`
	Type     string `mapstructure:"type"`
	Priority *int   `mapstructure:"priority"`
	Enabled  *bool  `mapstructure:"enabled"`
}

// Load builds and validates a Config from v. All problems are reported
// together in a *ConfigurationError.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	var errs []string

	var entries []sourceEntry
	if err := v.UnmarshalKey("sources", &entries); err != nil {
		errs = append(errs, fmt.Sprintf("sources: %v", err))
	}
	seen := make(map[string]struct{}, len(entries))
	for i, e := range entries {
		src := subscription.Source{
			Name:     strings.TrimSpace(e.Name),
			URL:      strings.TrimSpace(e.URL),
			Type:     subscription.ParseSourceType(e.Type),
			Priority: node.DefaultPriority,
			Enabled:  true,
		}
		if e.Priority != nil {
			src.Priority = *e.Priority
		}
		if e.Enabled != nil {
			src.Enabled = *e.Enabled
		}
		if src.Name == "" {
			src.Name = fmt.Sprintf("source-%d", i+1)
		}
		if src.URL == "" {
			errs = append(errs, fmt.Sprintf("sources[%d] (%s): url must not be empty", i, src.Name))
		}
		if src.Priority < 0 {
			errs = append(errs, fmt.Sprintf("sources[%d] (%s): priority must not be negative, got %d", i, src.Name, src.Priority))
		}
		if _, dup := seen[src.Name]; dup {
			errs = append(errs, fmt.Sprintf("sources[%d]: duplicate name %q", i, src.Name))
		}
		seen[src.Name] = struct{}{}
		cfg.Sources = append(cfg.Sources, src)
	}

	cfg.ProbeTimeout = seconds(v, "testing.timeout_seconds", &errs)
	cfg.DNSTimeout = seconds(v, "testing.dns_timeout_seconds", &errs)
	cfg.ProbeConcurrency = v.GetInt("testing.max_concurrent")
	cfg.MaxLatencyMs = v.GetInt("testing.max_latency_ms")
	cfg.MinTrustScore = v.GetInt("testing.min_trust_score")
	cfg.RejectCountry = strings.ToUpper(strings.TrimSpace(v.GetString("testing.reject_country")))
	validatePositive("testing.max_concurrent", cfg.ProbeConcurrency, &errs)
	validatePositive("testing.max_latency_ms", cfg.MaxLatencyMs, &errs)
	if cfg.MinTrustScore < 0 || cfg.MinTrustScore > 100 {
		errs = append(errs, fmt.Sprintf("testing.min_trust_score: must be 0-100, got %d", cfg.MinTrustScore))
	}

	cfg.MaxNodes = v.GetInt("output.max_nodes")
	validatePositive("output.max_nodes", cfg.MaxNodes, &errs)
	for _, name := range v.GetStringSlice("output.formats") {
		f, err := export.ParseFormat(name)
		if err != nil {
			errs = append(errs, fmt.Sprintf("output.formats: unknown format %q", name))
			continue
		}
		cfg.Formats = append(cfg.Formats, f)
	}
	cfg.OutputDir = strings.TrimSpace(v.GetString("output.dir"))
	if cfg.OutputDir == "" {
		errs = append(errs, "output.dir must not be empty")
	}

	cfg.ReputationProvider = strings.ToLower(strings.TrimSpace(v.GetString("reputation.provider")))
	switch cfg.ReputationProvider {
	case ProviderIPAPI, ProviderOffline, ProviderNone:
	default:
		errs = append(errs, fmt.Sprintf(
			"reputation.provider: invalid value %q (allowed: %s, %s, %s)",
			cfg.ReputationProvider, ProviderIPAPI, ProviderOffline, ProviderNone,
		))
	}
	cfg.RequestsPerMinute = v.GetInt("reputation.requests_per_minute")
	if cfg.RequestsPerMinute < 0 {
		errs = append(errs, fmt.Sprintf("reputation.requests_per_minute: must not be negative, got %d", cfg.RequestsPerMinute))
	}
	cfg.BlockedASNs = v.GetIntSlice("reputation.blocked_asns")
	cfg.ReputationCache = v.GetInt("reputation.cache_size")
	validatePositive("reputation.cache_size", cfg.ReputationCache, &errs)
	cfg.GeoIPCacheDir = v.GetString("reputation.geoip_dir")
	cfg.GeoIPSchedule = strings.TrimSpace(v.GetString("reputation.geoip_schedule"))
	if cfg.GeoIPSchedule != "" {
		if _, err := cron.ParseStandard(cfg.GeoIPSchedule); err != nil {
			errs = append(errs, fmt.Sprintf("reputation.geoip_schedule: invalid cron expression %q: %v", cfg.GeoIPSchedule, err))
		}
	}
	cfg.ASNDBPath = v.GetString("reputation.asn_db")

	cfg.FetchTimeout = seconds(v, "fetch.timeout_seconds", &errs)
	cfg.FetchRetries = v.GetInt("fetch.retries")
	if cfg.FetchRetries < 0 {
		errs = append(errs, fmt.Sprintf("fetch.retries: must not be negative, got %d", cfg.FetchRetries))
	}
	cfg.UserAgent = v.GetString("fetch.user_agent")
	cfg.FetchWorkers = v.GetInt("fetch.workers")
	validatePositive("fetch.workers", cfg.FetchWorkers, &errs)

	cfg.HistoryDBPath = strings.TrimSpace(v.GetString("history.db_path"))

	cfg.Listen = strings.TrimSpace(v.GetString("server.listen"))
	if cfg.Listen == "" {
		errs = append(errs, "server.listen must not be empty")
	}
	cfg.Token = v.GetString("server.token")
	cfg.Schedule = strings.TrimSpace(v.GetString("server.schedule"))
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		errs = append(errs, fmt.Sprintf("server.schedule: invalid cron expression %q: %v", cfg.Schedule, err))
	}

	level, err := logrus.ParseLevel(v.GetString("log.level"))
	if err != nil {
		errs = append(errs, fmt.Sprintf("log.level: %v", err))
	}
	cfg.LogLevel = level
	cfg.LogFormat = strings.ToLower(v.GetString("log.format"))
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		errs = append(errs, fmt.Sprintf("log.format: invalid value %q (allowed: text, json)", cfg.LogFormat))
	}

	if len(errs) > 0 {
		return nil, &ConfigurationError{Problems: errs}
	}
	return cfg, nil
}

// EnabledSources returns the sources that take part in a run.
func (c *Config) EnabledSources() []subscription.Source {
	out := make([]subscription.Source, 0, len(c.Sources))
	for _, s := range c.Sources {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}

// --- helpers ---

func seconds(v *viper.Viper, key string, errs *[]string) time.Duration {
	n := v.GetInt(key)
	if n <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", key, n))
		return 0
	}
	return time.Duration(n) * time.Second
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
