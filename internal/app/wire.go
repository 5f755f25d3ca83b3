// Package app builds the upstream client, cache store and service from config,
// shared by the server and the cachectl CLI.
package app

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/firewatch-np/fire-feed-service/internal/cache"
	"github.com/firewatch-np/fire-feed-service/internal/circuitbreaker"
	"github.com/firewatch-np/fire-feed-service/internal/client"
	"github.com/firewatch-np/fire-feed-service/internal/config"
	"github.com/firewatch-np/fire-feed-service/internal/observability"
	"github.com/firewatch-np/fire-feed-service/internal/service"
)

// NewUpstream returns a client for FIRMS and BIPAD with a circuit breaker per
// source when enabled.
func NewUpstream(cfg *config.Config, logger *zap.Logger) *client.UpstreamClient {
	key := cfg.FIRMSMapKey
	upstream := client.NewUpstreamClient(
		client.Config{
			Timeout:        cfg.FetchTimeout,
			RetryAttempts:  cfg.RetryAttempts,
			RetryBaseDelay: cfg.RetryBaseDelay,
			RetryMaxDelay:  cfg.RetryMaxDelay,
			Logger:         logger,
		},
		client.NewFIRMSSource(cfg.FIRMSURL, func() string { return key }),
		client.NewBIPADSource(cfg.BIPADURL),
	)
	if key == "" {
		logger.Warn("FIRMS_MAP_KEY not set; satellite requests will be served from cache or empty")
	}
	if !cfg.CircuitBreakerEnabled {
		return upstream
	}

	for _, kind := range []client.SourceKind{client.SourceSatellite, client.SourceIncidentPortal} {
		component := "upstream_" + kind.String()
		upstream.SetCircuitBreaker(kind, circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.CircuitBreakerFailureThreshold,
			SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
			Timeout:          cfg.CircuitBreakerTimeout,
			Component:        component,
			IsFailure:        client.IsBreakerFailure,
			OnStateChange: func(component string, from, to circuitbreaker.State) {
				observability.RecordCircuitBreakerTransition(component, from.String(), to.String(), int(to))
				logger.Warn("circuit breaker state change",
					zap.String("component", component),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		}))
		observability.CircuitBreakerState.WithLabelValues(component).Set(0)
	}
	logger.Info("circuit breakers enabled",
		zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold),
		zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	return upstream
}

// NewMemoryTier returns the configured memory tier. The in-process tier is
// returned as nil so Open creates it with the store's own sweeper.
func NewMemoryTier(ctx context.Context, cfg *config.Config) (cache.Cache, error) {
	switch cfg.CacheBackend {
	case config.BackendMemcached:
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns, cfg.CacheStaleRetention)
		if err != nil {
			return nil, fmt.Errorf("memcached cache: %w", err)
		}
		return mc, nil
	case config.BackendRedis:
		rc, err := cache.NewRedisCache(ctx, cache.RedisConfig{
			URL:            cfg.RedisURL,
			Prefix:         cfg.RedisPrefix,
			StaleRetention: cfg.CacheStaleRetention,
		})
		if err != nil {
			return nil, fmt.Errorf("redis cache: %w", err)
		}
		return rc, nil
	default:
		return nil, nil
	}
}

// OpenStore opens the tiered store over cfg.CacheDir.
func OpenStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*cache.TieredStore, error) {
	mem, err := NewMemoryTier(ctx, cfg)
	if err != nil {
		return nil, err
	}
	closeMem := func() {
		if c, ok := mem.(io.Closer); ok {
			_ = c.Close()
		}
	}
	disk, err := cache.NewDiskStore(cfg.CacheDir)
	if err != nil {
		closeMem()
		return nil, err
	}
	store, err := cache.Open(cache.Options{
		Memory:         mem,
		Disk:           disk,
		TTL:            cfg.CacheTTL,
		StaleRetention: cfg.CacheStaleRetention,
		SweepInterval:  cfg.CacheSweepInterval,
		Logger:         logger,
	})
	if err != nil {
		closeMem()
		return nil, err
	}
	logger.Info("cache store opened",
		zap.String("backend", cfg.CacheBackend),
		zap.String("dir", disk.Dir()),
		zap.Duration("ttl", cfg.CacheTTL))
	return store, nil
}

// NewService builds the observation service over store.
func NewService(cfg *config.Config, fetcher client.Fetcher, store service.Store, recorder service.UpstreamRecorder, logger *zap.Logger) *service.FireService {
	opts := service.Options{Recorder: recorder, Logger: logger}
	if cfg.CoalesceEnabled {
		opts.CoalesceTimeout = cfg.CoalesceTimeout
	}
	return service.NewFireService(fetcher, store, opts)
}
