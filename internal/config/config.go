package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	validLogLevels  = []string{"debug", "info", "warn", "error"}
	validBackends   = []string{"memory", "redis"}
	validTraceModes = []string{"off", "errors", "sampled", "detailed"}
	validElections  = []string{"static", "redis_lease"}
)

// Config is the root application configuration.
type Config struct {
	Server      ServerConfig
	GitHub      GitHubConfig
	RateLimit   RateLimitConfig
	Retry       RetryConfig
	Leaderboard LeaderboardConfig
	Store       StoreConfig
	Leader      LeaderConfig
	API         APIConfig
	Telemetry   TelemetryConfig
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`
}

// GitHubConfig configures GitHub API interactions and the repository set.
type GitHubConfig struct {
	APIBaseURL     string
	RequestTimeout time.Duration
	// TokenEnv names the environment variable holding an optional access token.
	TokenEnv     string
	Repositories []RepositoryConfig
	Orgs         []GitHubOrgConfig
}

// RepositoryConfig is one statically configured repository.
type RepositoryConfig struct {
	Owner string `yaml:"owner"`
	Repo  string `yaml:"repo"`
}

// GitHubOrgConfig configures discovery of every repository in one organization.
type GitHubOrgConfig struct {
	Org             string   `yaml:"org"`
	IncludeForks    bool     `yaml:"include_forks"`
	IncludeArchived bool     `yaml:"include_archived"`
	RepoAllowlist   []string `yaml:"repo_allowlist"`
}

// RateLimitConfig configures the rolling request window and GitHub header handling.
type RateLimitConfig struct {
	MaxRequests           int
	Interval              time.Duration
	MinRemainingThreshold int
	MinResetBuffer        time.Duration
	SecondaryLimitBackoff time.Duration
}

// RetryConfig configures retries.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// WeightsConfig is the score weight triple.
type WeightsConfig struct {
	Additions int64 `yaml:"additions"`
	Deletions int64 `yaml:"deletions"`
	Commits   int64 `yaml:"commits"`
}

// LeaderboardConfig configures computation and scheduling of the boards.
type LeaderboardConfig struct {
	MonthlyWeeks    int
	WeeklyWeeks     int
	Weights         WeightsConfig
	RefreshInterval time.Duration
	FetchTimeout    time.Duration
	RunOnStart      bool
}

// StoreConfig configures snapshot storage.
type StoreConfig struct {
	Backend            string
	RedisMode          string
	RedisAddr          string
	RedisMasterSet     string
	RedisSentinelAddrs []string
	RedisPassword      string
	RedisDB            int
	Namespace          string
	Retention          time.Duration
	// CacheRefreshInterval bounds how stale a served snapshot may be.
	CacheRefreshInterval time.Duration
}

// LeaderConfig configures which replica computes the boards.
type LeaderConfig struct {
	// Election is static (role from GITHUB_LEADERBOARD_INITIAL_ROLE) or redis_lease.
	Election      string
	LeaseKey      string
	LeaseDuration time.Duration
	RetryPeriod   time.Duration
}

// APIConfig configures the read API.
type APIConfig struct {
	RequestsPerSecond float64
	Burst             int
	// TrustedProxies lists the CIDRs or addresses whose X-Forwarded-For header is honored.
	TrustedProxies []string
}

// TrustedProxyPrefixes parses TrustedProxies. A bare address becomes a single-host prefix.
func (c APIConfig) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, entry := range c.TrustedProxies {
		if prefix, err := netip.ParsePrefix(entry); err == nil {
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("parse trusted proxy %q: %w", entry, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// TelemetryConfig configures OpenTelemetry behavior.
type TelemetryConfig struct {
	OTELEnabled          bool
	OTELExporterEndpoint string
	OTELTraceMode        string
	OTELTraceSampleRatio float64
}

// Load reads configuration from YAML and validates the result.
func Load(reader io.Reader) (*Config, error) {
	if reader == nil {
		return nil, fmt.Errorf("config reader is nil")
	}

	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)

	var raw rawConfig
	if err := decoder.Decode(&raw); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	cfg := raw.toConfig()
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates configuration values.
func (c *Config) Validate() error {
	var errs []string

	if !slices.Contains(validLogLevels, c.Server.LogLevel) {
		errs = append(errs, "server.log_level must be one of debug|info|warn|error")
	}

	if len(c.GitHub.Repositories) == 0 && len(c.GitHub.Orgs) == 0 {
		errs = append(errs, "github.repositories or github.orgs must name at least one repository source")
	}
	if c.GitHub.RequestTimeout < 0 {
		errs = append(errs, "github.request_timeout must be >= 0")
	}

	// A repository may be listed twice; it then counts twice in the boards.
	for i, repo := range c.GitHub.Repositories {
		prefix := fmt.Sprintf("github.repositories[%d]", i)
		if repo.Owner == "" {
			errs = append(errs, prefix+".owner is required")
		}
		if repo.Repo == "" {
			errs = append(errs, prefix+".repo is required")
		}
	}

	seenOrgs := make(map[string]struct{}, len(c.GitHub.Orgs))
	for i, org := range c.GitHub.Orgs {
		prefix := fmt.Sprintf("github.orgs[%d]", i)
		if org.Org == "" {
			errs = append(errs, prefix+".org is required")
		}
		if _, ok := seenOrgs[org.Org]; ok {
			errs = append(errs, "github.orgs contains duplicate org: "+org.Org)
		}
		seenOrgs[org.Org] = struct{}{}
	}

	if c.RateLimit.MaxRequests <= 0 {
		errs = append(errs, "rate_limit.max_requests must be > 0")
	}
	if c.RateLimit.Interval <= 0 {
		errs = append(errs, "rate_limit.interval must be > 0")
	}

	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, "retry.max_attempts must be > 0")
	}
	if c.Retry.MaxBackoff > 0 && c.Retry.InitialBackoff > c.Retry.MaxBackoff {
		errs = append(errs, "retry.initial_backoff must not exceed retry.max_backoff")
	}

	if c.Leaderboard.MonthlyWeeks <= 0 {
		errs = append(errs, "leaderboard.monthly_weeks must be > 0")
	}
	if c.Leaderboard.WeeklyWeeks <= 0 {
		errs = append(errs, "leaderboard.weekly_weeks must be > 0")
	}
	if c.Leaderboard.WeeklyWeeks > c.Leaderboard.MonthlyWeeks {
		errs = append(errs, "leaderboard.weekly_weeks must not exceed leaderboard.monthly_weeks")
	}
	weights := c.Leaderboard.Weights
	if weights.Additions < 0 || weights.Deletions < 0 || weights.Commits < 0 {
		errs = append(errs, "leaderboard.weights must be >= 0")
	}
	if c.Leaderboard.RefreshInterval <= 0 {
		errs = append(errs, "leaderboard.refresh_interval must be > 0")
	}
	if c.Leaderboard.FetchTimeout < 0 {
		errs = append(errs, "leaderboard.fetch_timeout must be >= 0")
	}

	if !slices.Contains(validBackends, c.Store.Backend) {
		errs = append(errs, "store.backend must be memory or redis")
	}
	if c.Store.Backend == "redis" {
		if c.Store.RedisMode != "standalone" && c.Store.RedisMode != "sentinel" {
			errs = append(errs, "store.redis_mode must be standalone or sentinel")
		}
		if c.Store.RedisMode == "standalone" && c.Store.RedisAddr == "" {
			errs = append(errs, "store.redis_addr is required when store.redis_mode=standalone")
		}
		if c.Store.RedisMode == "sentinel" && len(c.Store.RedisSentinelAddrs) == 0 {
			errs = append(errs, "store.redis_sentinel_addrs is required when store.redis_mode=sentinel")
		}
		if c.Store.RedisMode == "sentinel" && c.Store.RedisMasterSet == "" {
			errs = append(errs, "store.redis_master_set is required when store.redis_mode=sentinel")
		}
	}
	if c.Store.Retention < 0 {
		errs = append(errs, "store.retention must be >= 0")
	}
	if c.Store.CacheRefreshInterval < 0 {
		errs = append(errs, "store.cache_refresh_interval must be >= 0")
	}

	if !slices.Contains(validElections, c.Leader.Election) {
		errs = append(errs, "leader.election must be static or redis_lease")
	}
	if c.Leader.Election == "redis_lease" {
		if c.Store.Backend != "redis" {
			errs = append(errs, "leader.election=redis_lease requires store.backend=redis")
		}
		if c.Leader.RetryPeriod >= c.Leader.LeaseDuration {
			errs = append(errs, "leader.retry_period must be shorter than leader.lease_duration")
		}
	}

	if c.API.RequestsPerSecond <= 0 {
		errs = append(errs, "api.requests_per_second must be > 0")
	}
	if c.API.Burst <= 0 {
		errs = append(errs, "api.burst must be > 0")
	}
	if _, err := c.API.TrustedProxyPrefixes(); err != nil {
		errs = append(errs, "api.trusted_proxies must hold CIDRs or IP addresses")
	}

	if !slices.Contains(validTraceModes, c.Telemetry.OTELTraceMode) {
		errs = append(errs, "telemetry.otel_trace_mode must be one of off|errors|sampled|detailed")
	}
	if c.Telemetry.OTELTraceSampleRatio < 0 || c.Telemetry.OTELTraceSampleRatio > 1 {
		errs = append(errs, "telemetry.otel_trace_sample_ratio must be within [0, 1]")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}
	if cfg.GitHub.RequestTimeout == 0 {
		cfg.GitHub.RequestTimeout = 30 * time.Second
	}
	if cfg.RateLimit.MaxRequests == 0 {
		cfg.RateLimit.MaxRequests = 60
	}
	if cfg.RateLimit.Interval == 0 {
		cfg.RateLimit.Interval = time.Hour
	}
	if cfg.RateLimit.SecondaryLimitBackoff == 0 {
		cfg.RateLimit.SecondaryLimitBackoff = time.Minute
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 2
	}
	if cfg.Retry.InitialBackoff == 0 {
		cfg.Retry.InitialBackoff = 2 * time.Second
	}
	if cfg.Retry.MaxBackoff == 0 {
		cfg.Retry.MaxBackoff = 30 * time.Second
	}
	if cfg.Leaderboard.MonthlyWeeks == 0 {
		cfg.Leaderboard.MonthlyWeeks = 4
	}
	if cfg.Leaderboard.WeeklyWeeks == 0 {
		cfg.Leaderboard.WeeklyWeeks = 1
	}
	if cfg.Leaderboard.Weights == (WeightsConfig{}) {
		cfg.Leaderboard.Weights = WeightsConfig{Additions: 3, Deletions: 2, Commits: 1}
	}
	if cfg.Leaderboard.RefreshInterval == 0 {
		cfg.Leaderboard.RefreshInterval = 7 * 24 * time.Hour
	}
	if cfg.Leaderboard.FetchTimeout == 0 {
		cfg.Leaderboard.FetchTimeout = 2 * time.Minute
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "memory"
	}
	if cfg.Store.RedisMode == "" {
		cfg.Store.RedisMode = "standalone"
	}
	if cfg.Store.Namespace == "" {
		cfg.Store.Namespace = "github-leaderboard"
	}
	if cfg.Store.CacheRefreshInterval == 0 {
		cfg.Store.CacheRefreshInterval = 30 * time.Second
	}
	if cfg.Leader.Election == "" {
		cfg.Leader.Election = "static"
	}
	if cfg.Leader.LeaseKey == "" {
		cfg.Leader.LeaseKey = cfg.Store.Namespace + ":leader"
	}
	if cfg.Leader.LeaseDuration == 0 {
		cfg.Leader.LeaseDuration = 30 * time.Second
	}
	if cfg.Leader.RetryPeriod == 0 {
		cfg.Leader.RetryPeriod = 10 * time.Second
	}
	if cfg.API.RequestsPerSecond == 0 {
		cfg.API.RequestsPerSecond = 5
	}
	if cfg.API.Burst == 0 {
		cfg.API.Burst = 10
	}
	if cfg.Telemetry.OTELTraceMode == "" {
		cfg.Telemetry.OTELTraceMode = "off"
	}
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || value.Kind == 0 || strings.TrimSpace(value.Value) == "" {
		d.Duration = 0
		return nil
	}

	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}

	parsed, err := parseFlexibleDuration(raw)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func parseFlexibleDuration(raw string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}

	if standard, err := time.ParseDuration(trimmed); err == nil {
		return standard, nil
	}

	if strings.HasSuffix(trimmed, "d") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "d"), 24)
	}
	if strings.HasSuffix(trimmed, "w") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "w"), 24*7)
	}

	return 0, fmt.Errorf("parse duration %q: invalid unit", raw)
}

func parseDurationWithMultiplier(numeric string, multiplierHours float64) (time.Duration, error) {
	value, err := strconv.ParseFloat(strings.TrimSpace(numeric), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration value %q: %w", numeric, err)
	}

	nanos := value * multiplierHours * float64(time.Hour)
	if nanos > math.MaxInt64 || nanos < math.MinInt64 {
		return 0, fmt.Errorf("parse duration value %q: out of range", numeric)
	}
	return time.Duration(nanos), nil
}

type rawConfig struct {
	Server      ServerConfig   `yaml:"server"`
	GitHub      rawGitHub      `yaml:"github"`
	RateLimit   rawRateLimit   `yaml:"rate_limit"`
	Retry       rawRetry       `yaml:"retry"`
	Leaderboard rawLeaderboard `yaml:"leaderboard"`
	Store       rawStore       `yaml:"store"`
	Leader      rawLeader      `yaml:"leader"`
	API         rawAPI         `yaml:"api"`
	Telemetry   rawTelemetry   `yaml:"telemetry"`
}

type rawGitHub struct {
	APIBaseURL     string             `yaml:"api_base_url"`
	RequestTimeout duration           `yaml:"request_timeout"`
	TokenEnv       string             `yaml:"token_env"`
	Repositories   []RepositoryConfig `yaml:"repositories"`
	Orgs           []GitHubOrgConfig  `yaml:"orgs"`
}

type rawRateLimit struct {
	MaxRequests           int      `yaml:"max_requests"`
	Interval              duration `yaml:"interval"`
	MinRemainingThreshold int      `yaml:"min_remaining_threshold"`
	MinResetBuffer        duration `yaml:"min_reset_buffer"`
	SecondaryLimitBackoff duration `yaml:"secondary_limit_backoff"`
}

type rawRetry struct {
	MaxAttempts    int      `yaml:"max_attempts"`
	InitialBackoff duration `yaml:"initial_backoff"`
	MaxBackoff     duration `yaml:"max_backoff"`
}

type rawLeaderboard struct {
	MonthlyWeeks    int           `yaml:"monthly_weeks"`
	WeeklyWeeks     int           `yaml:"weekly_weeks"`
	Weights         WeightsConfig `yaml:"weights"`
	RefreshInterval duration      `yaml:"refresh_interval"`
	FetchTimeout    duration      `yaml:"fetch_timeout"`
	RunOnStart      *bool         `yaml:"run_on_start"`
}

type rawStore struct {
	Backend            string   `yaml:"backend"`
	RedisMode          string   `yaml:"redis_mode"`
	RedisAddr          string   `yaml:"redis_addr"`
	RedisMasterSet     string   `yaml:"redis_master_set"`
	RedisSentinelAddrs []string `yaml:"redis_sentinel_addrs"`
	RedisPassword      string   `yaml:"redis_password"`
	RedisDB            int      `yaml:"redis_db"`
	Namespace          string   `yaml:"namespace"`
	Retention          duration `yaml:"retention"`
	CacheRefresh       duration `yaml:"cache_refresh_interval"`
}

type rawLeader struct {
	Election      string   `yaml:"election"`
	LeaseKey      string   `yaml:"lease_key"`
	LeaseDuration duration `yaml:"lease_duration"`
	RetryPeriod   duration `yaml:"retry_period"`
}

type rawAPI struct {
	RequestsPerSecond float64  `yaml:"requests_per_second"`
	Burst             int      `yaml:"burst"`
	TrustedProxies    []string `yaml:"trusted_proxies"`
}

type rawTelemetry struct {
	OTELEnabled          bool    `yaml:"otel_enabled"`
	OTELExporterEndpoint string  `yaml:"otel_exporter_otlp_endpoint"`
	OTELTraceMode        string  `yaml:"otel_trace_mode"`
	OTELTraceSampleRatio float64 `yaml:"otel_trace_sample_ratio"`
}

func (r rawConfig) toConfig() *Config {
	runOnStart := true
	if r.Leaderboard.RunOnStart != nil {
		runOnStart = *r.Leaderboard.RunOnStart
	}

	cfg := &Config{
		Server: ServerConfig{
			ListenAddr: strings.TrimSpace(r.Server.ListenAddr),
			LogLevel:   strings.ToLower(strings.TrimSpace(r.Server.LogLevel)),
		},
		GitHub: GitHubConfig{
			APIBaseURL:     strings.TrimSpace(r.GitHub.APIBaseURL),
			RequestTimeout: r.GitHub.RequestTimeout.Duration,
			TokenEnv:       strings.TrimSpace(r.GitHub.TokenEnv),
			Repositories:   make([]RepositoryConfig, 0, len(r.GitHub.Repositories)),
			Orgs:           make([]GitHubOrgConfig, 0, len(r.GitHub.Orgs)),
		},
		RateLimit: RateLimitConfig{
			MaxRequests:           r.RateLimit.MaxRequests,
			Interval:              r.RateLimit.Interval.Duration,
			MinRemainingThreshold: r.RateLimit.MinRemainingThreshold,
			MinResetBuffer:        r.RateLimit.MinResetBuffer.Duration,
			SecondaryLimitBackoff: r.RateLimit.SecondaryLimitBackoff.Duration,
		},
		Retry: RetryConfig{
			MaxAttempts:    r.Retry.MaxAttempts,
			InitialBackoff: r.Retry.InitialBackoff.Duration,
			MaxBackoff:     r.Retry.MaxBackoff.Duration,
		},
		Leaderboard: LeaderboardConfig{
			MonthlyWeeks:    r.Leaderboard.MonthlyWeeks,
			WeeklyWeeks:     r.Leaderboard.WeeklyWeeks,
			Weights:         r.Leaderboard.Weights,
			RefreshInterval: r.Leaderboard.RefreshInterval.Duration,
			FetchTimeout:    r.Leaderboard.FetchTimeout.Duration,
			RunOnStart:      runOnStart,
		},
		Store: StoreConfig{
			Backend:            strings.ToLower(strings.TrimSpace(r.Store.Backend)),
			RedisMode:          strings.ToLower(strings.TrimSpace(r.Store.RedisMode)),
			RedisAddr:          strings.TrimSpace(r.Store.RedisAddr),
			RedisMasterSet:     strings.TrimSpace(r.Store.RedisMasterSet),
			RedisSentinelAddrs: r.Store.RedisSentinelAddrs,
			RedisPassword:      r.Store.RedisPassword,
			RedisDB:            r.Store.RedisDB,
			Namespace:          strings.TrimSpace(r.Store.Namespace),
			Retention:          r.Store.Retention.Duration,

			CacheRefreshInterval: r.Store.CacheRefresh.Duration,
		},
		Leader: LeaderConfig{
			Election:      strings.ToLower(strings.TrimSpace(r.Leader.Election)),
			LeaseKey:      strings.TrimSpace(r.Leader.LeaseKey),
			LeaseDuration: r.Leader.LeaseDuration.Duration,
			RetryPeriod:   r.Leader.RetryPeriod.Duration,
		},
		API: APIConfig{
			RequestsPerSecond: r.API.RequestsPerSecond,
			Burst:             r.API.Burst,
			TrustedProxies:    trimAll(r.API.TrustedProxies),
		},
		Telemetry: TelemetryConfig{
			OTELEnabled:          r.Telemetry.OTELEnabled,
			OTELExporterEndpoint: r.Telemetry.OTELExporterEndpoint,
			OTELTraceMode:        strings.ToLower(strings.TrimSpace(r.Telemetry.OTELTraceMode)),
			OTELTraceSampleRatio: r.Telemetry.OTELTraceSampleRatio,
		},
	}

	for _, repo := range r.GitHub.Repositories {
		cfg.GitHub.Repositories = append(cfg.GitHub.Repositories, RepositoryConfig{
			Owner: strings.TrimSpace(repo.Owner),
			Repo:  strings.TrimSpace(repo.Repo),
		})
	}
	for _, org := range r.GitHub.Orgs {
		cfg.GitHub.Orgs = append(cfg.GitHub.Orgs, GitHubOrgConfig{
			Org:             strings.TrimSpace(org.Org),
			IncludeForks:    org.IncludeForks,
			IncludeArchived: org.IncludeArchived,
			RepoAllowlist:   org.RepoAllowlist,
		})
	}

	return cfg
}

func trimAll(values []string) []string {
	trimmed := make([]string, 0, len(values))
	for _, value := range values {
		if value = strings.TrimSpace(value); value != "" {
			trimmed = append(trimmed, value)
		}
	}
	return trimmed
}
