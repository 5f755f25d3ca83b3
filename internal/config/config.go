package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/firewatch-np/fire-feed-service/internal/cache"
	"github.com/firewatch-np/fire-feed-service/internal/client"
)

// Cache backends for the memory tier.
const (
	BackendInMemory  = "in_memory"
	BackendMemcached = "memcached"
	BackendRedis     = "redis"
)

// Config holds service configuration loaded from YAML and env.
type Config struct {
	ServerPort   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// FIRMSMapKey may be empty; satellite fetches then resolve to ConfigurationMissing.
	FIRMSMapKey    string
	FIRMSURL       string
	BIPADURL       string
	FetchTimeout   time.Duration
	RequestTimeout time.Duration

	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	CircuitBreakerEnabled          bool
	CircuitBreakerFailureThreshold int
	CircuitBreakerSuccessThreshold int
	CircuitBreakerTimeout          time.Duration

	CacheBackend        string
	CacheDir            string
	CacheTTL            time.Duration
	CacheStaleRetention time.Duration
	CacheSweepInterval  time.Duration

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	RedisURL    string
	RedisPrefix string

	// DiskMaxAge and PruneSchedule enable disk pruning only when both are set.
	DiskMaxAge    time.Duration
	PruneSchedule string

	CoalesceEnabled bool
	CoalesceTimeout time.Duration

	WarmingEnabled  bool
	WarmingSchedule string
	WarmingSources  []string
	WarmingLocation *time.Location

	PredictionsEnabled bool
	BackendURL         string
	BackendTimeout     time.Duration
	ModelDir           string

	RateLimitRPS   int
	RateLimitBurst int

	ShutdownTimeout time.Duration

	OverloadWindow         time.Duration
	OverloadThresholdPct   int
	IdleThresholdReqPerMin int
	IdleWindow             time.Duration
	MinimumLifespan        time.Duration
	DegradedWindow         time.Duration
	DegradedErrorPct       int
}

type fileConfig struct {
	Server struct {
		Port         string `yaml:"port"`
		ReadTimeout  string `yaml:"read_timeout"`
		WriteTimeout string `yaml:"write_timeout"`
		IdleTimeout  string `yaml:"idle_timeout"`
	} `yaml:"server"`

	Upstream struct {
		FIRMSURL string `yaml:"firms_url"`
		BIPADURL string `yaml:"bipad_url"`
		Timeout  string `yaml:"timeout"`
	} `yaml:"upstream"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Cache struct {
		Backend        string `yaml:"backend"`
		Dir            string `yaml:"dir"`
		TTL            string `yaml:"ttl"`
		StaleRetention string `yaml:"stale_retention"`
		SweepInterval  string `yaml:"sweep_interval"`
		DiskMaxAge     string `yaml:"disk_max_age"`
		PruneSchedule  string `yaml:"prune_schedule"`
		Memcached      struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
		Redis struct {
			URL    string `yaml:"url"`
			Prefix string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"cache"`

	Coalesce struct {
		Enabled bool   `yaml:"enabled"`
		Timeout string `yaml:"timeout"`
	} `yaml:"coalesce"`

	Warming struct {
		Enabled  bool     `yaml:"enabled"`
		Schedule string   `yaml:"schedule"`
		Sources  []string `yaml:"sources"`
		Timezone string   `yaml:"timezone"`
	} `yaml:"warming"`

	Predictions struct {
		Enabled    *bool  `yaml:"enabled"`
		BackendURL string `yaml:"backend_url"`
		Timeout    string `yaml:"timeout"`
		ModelDir   string `yaml:"model_dir"`
	} `yaml:"predictions"`

	Reliability struct {
		RetryMaxAttempts int    `yaml:"retry_max_attempts"`
		RetryBaseDelay   string `yaml:"retry_base_delay"`
		RetryMaxDelay    string `yaml:"retry_max_delay"`
		RateLimitRPS     int    `yaml:"rate_limit_rps"`
		RateLimitBurst   int    `yaml:"rate_limit_burst"`
		CircuitBreaker   struct {
			Enabled          *bool  `yaml:"enabled"`
			FailureThreshold int    `yaml:"failure_threshold"`
			SuccessThreshold int    `yaml:"success_threshold"`
			Timeout          string `yaml:"timeout"`
		} `yaml:"circuit_breaker"`
	} `yaml:"reliability"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`

	Health struct {
		OverloadWindow         string `yaml:"overload_window"`
		OverloadThresholdPct   int    `yaml:"overload_threshold_pct"`
		IdleThresholdReqPerMin int    `yaml:"idle_threshold_req_per_min"`
		IdleWindow             string `yaml:"idle_window"`
		MinimumLifespan        string `yaml:"minimum_lifespan"`
		DegradedWindow         string `yaml:"degraded_window"`
		DegradedErrorPct       int    `yaml:"degraded_error_pct"`
	} `yaml:"health"`
}

type secretsFile struct {
	FIRMSMapKey string `yaml:"firms_map_key"`
}

// Load reads .env, then config/{ENV_NAME}.yaml (default dev) and config/secrets.yaml.
// The FIRMS key comes from FIRMS_MAP_KEY or the secrets file and may be absent.
// Call from project root.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{}

	cfg.ServerPort = fc.Server.Port
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}
	cfg.ReadTimeout = parseDuration(fc.Server.ReadTimeout, 10*time.Second)
	cfg.WriteTimeout = parseDuration(fc.Server.WriteTimeout, 45*time.Second)
	cfg.IdleTimeout = parseDuration(fc.Server.IdleTimeout, 60*time.Second)

	cfg.FIRMSMapKey = strings.TrimSpace(os.Getenv("FIRMS_MAP_KEY"))
	if cfg.FIRMSMapKey == "" {
		key, err := readSecrets(filepath.Join(cwd, "config", "secrets.yaml"))
		if err != nil {
			return nil, err
		}
		cfg.FIRMSMapKey = key
	}

	cfg.FIRMSURL = strings.TrimSpace(fc.Upstream.FIRMSURL)
	cfg.BIPADURL = strings.TrimSpace(fc.Upstream.BIPADURL)
	cfg.FetchTimeout = parseDurationOrZero(fc.Upstream.Timeout, client.DefaultTimeout)
	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, client.DefaultTimeout+5*time.Second)

	cfg.RetryAttempts = fc.Reliability.RetryMaxAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 200*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 5*time.Second)
	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 50
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 100
	}

	cb := fc.Reliability.CircuitBreaker
	cfg.CircuitBreakerEnabled = cb.Enabled == nil || *cb.Enabled
	cfg.CircuitBreakerFailureThreshold = cb.FailureThreshold
	if cfg.CircuitBreakerFailureThreshold <= 0 {
		cfg.CircuitBreakerFailureThreshold = 5
	}
	cfg.CircuitBreakerSuccessThreshold = cb.SuccessThreshold
	if cfg.CircuitBreakerSuccessThreshold <= 0 {
		cfg.CircuitBreakerSuccessThreshold = 2
	}
	cfg.CircuitBreakerTimeout = parseDuration(cb.Timeout, time.Minute)

	cfg.CacheBackend = strings.TrimSpace(strings.ToLower(os.Getenv("CACHE_BACKEND")))
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = strings.TrimSpace(strings.ToLower(fc.Cache.Backend))
	}
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = BackendInMemory
	}
	cfg.CacheDir = envOr("CACHE_DIR", fc.Cache.Dir, "data/cache")
	cfg.CacheTTL = parseDuration(fc.Cache.TTL, 24*time.Hour)
	cfg.CacheStaleRetention = parseDuration(fc.Cache.StaleRetention, 24*time.Hour)
	cfg.CacheSweepInterval = parseDuration(fc.Cache.SweepInterval, time.Hour)
	cfg.DiskMaxAge = parseDurationOrZero(fc.Cache.DiskMaxAge, 0)
	cfg.PruneSchedule = strings.TrimSpace(fc.Cache.PruneSchedule)

	cfg.MemcachedAddrs = envOr("MEMCACHED_ADDRS", fc.Cache.Memcached.Addrs, "localhost:11211")
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}
	cfg.RedisURL = envOr("REDIS_URL", fc.Cache.Redis.URL, "")
	cfg.RedisPrefix = strings.TrimSpace(fc.Cache.Redis.Prefix)

	cfg.CoalesceEnabled = fc.Coalesce.Enabled
	cfg.CoalesceTimeout = parseDuration(fc.Coalesce.Timeout, client.DefaultTimeout+5*time.Second)

	cfg.WarmingEnabled = fc.Warming.Enabled
	cfg.WarmingSchedule = strings.TrimSpace(fc.Warming.Schedule)
	cfg.WarmingSources = fc.Warming.Sources
	if len(cfg.WarmingSources) == 0 {
		cfg.WarmingSources = []string{client.SatelliteSourceID, client.IncidentPortalSourceID}
	}
	loc, err := loadLocation(fc.Warming.Timezone)
	if err != nil {
		return nil, err
	}
	cfg.WarmingLocation = loc

	cfg.PredictionsEnabled = fc.Predictions.Enabled == nil || *fc.Predictions.Enabled
	cfg.BackendURL = envOr("BACKEND_URL", fc.Predictions.BackendURL, "")
	cfg.BackendTimeout = parseDuration(fc.Predictions.Timeout, 30*time.Second)
	cfg.ModelDir = envOr("MODEL_DIR", fc.Predictions.ModelDir, "data/models")

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)

	cfg.OverloadWindow = parseDuration(fc.Health.OverloadWindow, 60*time.Second)
	cfg.OverloadThresholdPct = fc.Health.OverloadThresholdPct
	if cfg.OverloadThresholdPct <= 0 {
		cfg.OverloadThresholdPct = 80
	}
	cfg.IdleThresholdReqPerMin = fc.Health.IdleThresholdReqPerMin
	cfg.IdleWindow = parseDuration(fc.Health.IdleWindow, 5*time.Minute)
	cfg.MinimumLifespan = parseDuration(fc.Health.MinimumLifespan, 5*time.Minute)
	cfg.DegradedWindow = parseDuration(fc.Health.DegradedWindow, 5*time.Minute)
	cfg.DegradedErrorPct = fc.Health.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 50
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readSecrets(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read secrets file: %w", err)
	}
	var sec secretsFile
	if err := yaml.Unmarshal(data, &sec); err != nil {
		return "", fmt.Errorf("parse secrets file: %w", err)
	}
	return strings.TrimSpace(sec.FIRMSMapKey), nil
}

// nepalTime stands in for Asia/Kathmandu on hosts without a zoneinfo database.
var nepalTime = time.FixedZone("NPT", 5*3600+45*60)

// loadLocation resolves warming.timezone, defaulting to Nepal time.
func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		if loc, err := time.LoadLocation("Asia/Kathmandu"); err == nil {
			return loc, nil
		}
		return nepalTime, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("warming.timezone %q: %w", tz, err)
	}
	return loc, nil
}

// envOr returns the trimmed env var, else the file value, else def.
func envOr(name, fileVal, def string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	if v := strings.TrimSpace(fileVal); v != "" {
		return v
	}
	return def
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate performs post-load validation. The request and write timeouts are
// raised so a full upstream fetch always fits inside them.
func validate(cfg *Config) error {
	if cfg.FetchTimeout <= 0 {
		return fmt.Errorf("upstream.timeout must be positive")
	}
	if cfg.RequestTimeout <= cfg.FetchTimeout {
		cfg.RequestTimeout = cfg.FetchTimeout + 5*time.Second
	}
	if cfg.WriteTimeout <= cfg.RequestTimeout {
		cfg.WriteTimeout = cfg.RequestTimeout + 5*time.Second
	}
	if cfg.RetryAttempts > 10 {
		return fmt.Errorf("reliability.retry_max_attempts must be at most 10, got %d", cfg.RetryAttempts)
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		return fmt.Errorf("reliability.retry_max_delay (%s) must not be below retry_base_delay (%s)", cfg.RetryMaxDelay, cfg.RetryBaseDelay)
	}

	switch cfg.CacheBackend {
	case BackendInMemory, BackendMemcached:
	case BackendRedis:
		if cfg.RedisURL == "" {
			return fmt.Errorf("cache.redis.url (or REDIS_URL) required for the redis backend")
		}
	default:
		return fmt.Errorf("cache.backend must be in_memory, memcached or redis, got %q", cfg.CacheBackend)
	}

	if cfg.PruneSchedule != "" {
		if cfg.DiskMaxAge <= 0 {
			return fmt.Errorf("cache.disk_max_age must be positive when cache.prune_schedule is set")
		}
		if _, err := cache.ParseSchedule(cfg.PruneSchedule); err != nil {
			return fmt.Errorf("cache.prune_schedule: %w", err)
		}
	}
	if cfg.WarmingEnabled && cfg.WarmingSchedule != "" {
		if _, err := cache.ParseSchedule(cfg.WarmingSchedule); err != nil {
			return fmt.Errorf("warming.schedule: %w", err)
		}
	}
	for _, src := range cfg.WarmingSources {
		if _, err := client.ParseSourceKind(src); err != nil {
			return fmt.Errorf("warming.sources: %w", err)
		}
	}
	return nil
}
