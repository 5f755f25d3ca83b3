package cache

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/firewatch-np/fire-feed-service/internal/fingerprint"
	"github.com/firewatch-np/fire-feed-service/internal/models"
	"github.com/firewatch-np/fire-feed-service/internal/observability"
)

// Defaults for the tiered store.
const (
	DefaultTTL            = 24 * time.Hour
	DefaultStaleRetention = 24 * time.Hour
	DefaultSweepInterval  = time.Hour
)

// Tier names a cache layer in hits and metrics.
type Tier string

const (
	TierMemory Tier = "memory"
	TierDisk   Tier = "disk"
)

// Hit is a successful lookup.
type Hit struct {
	Records  []models.PointObservation
	Tier     Tier
	StoredAt time.Time
}

// Options configures Open.
type Options struct {
	// Memory defaults to a new InMemoryCache.
	Memory Cache
	// Disk is required.
	Disk *DiskStore
	// TTL applies to memory entries. Defaults to 24h.
	TTL time.Duration
	// StaleRetention is how long expired in-process entries stay available to
	// GetStale before the sweeper drops them. Defaults to 24h.
	StaleRetention time.Duration
	// SweepInterval is how often the in-process memory tier is swept. Defaults to 1h.
	SweepInterval time.Duration
	Logger        *zap.Logger
}

type sweeper interface {
	Sweep(retention time.Duration) int
}

// TieredStore keeps a memory tier in front of a durable disk tier. The memory
// tier is an accelerator that can be dropped and rebuilt from disk; the disk
// tier never expires entries on its own.
type TieredStore struct {
	memory         Cache
	disk           *DiskStore
	ttl            time.Duration
	staleRetention time.Duration
	logger         *zap.Logger
	now            func() time.Time

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Open builds a store and starts the memory sweeper. Call Close when done.
func Open(opts Options) (*TieredStore, error) {
	if opts.Disk == nil {
		return nil, errors.New("cache: disk tier required")
	}
	if opts.Memory == nil {
		opts.Memory = NewInMemoryCache()
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.StaleRetention <= 0 {
		opts.StaleRetention = DefaultStaleRetention
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &TieredStore{
		memory:         opts.Memory,
		disk:           opts.Disk,
		ttl:            opts.TTL,
		staleRetention: opts.StaleRetention,
		logger:         opts.Logger,
		now:            time.Now,
		stop:           make(chan struct{}),
	}
	if sw, ok := opts.Memory.(sweeper); ok {
		s.wg.Add(1)
		go s.sweepLoop(sw, opts.SweepInterval)
	}
	return s, nil
}

// Close stops the sweeper and closes the memory tier if it holds connections.
func (s *TieredStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
		if c, ok := s.memory.(io.Closer); ok {
			err = c.Close()
		}
	})
	return err
}

// TTL returns the memory-tier TTL.
func (s *TieredStore) TTL() time.Duration { return s.ttl }

// Disk returns the durable tier.
func (s *TieredStore) Disk() *DiskStore { return s.disk }

// Get returns a fresh memory entry, else a disk entry written within the TTL
// (loading it into memory for the rest of its TTL). Older disk entries are kept
// for GetStale but miss here so the caller refreshes them. Tier errors are
// logged and treated as misses.
func (s *TieredStore) Get(ctx context.Context, key fingerprint.Key) (Hit, bool) {
	return s.lookup(ctx, key, false)
}

// GetStale is Get ignoring memory expiry. It misses only if the key was never stored
// (or its disk file was cleared and the memory copy swept).
func (s *TieredStore) GetStale(ctx context.Context, key fingerprint.Key) (Hit, bool) {
	return s.lookup(ctx, key, true)
}

func (s *TieredStore) lookup(ctx context.Context, key fingerprint.Key, allowExpired bool) (Hit, bool) {
	logger := observability.LoggerOr(ctx, s.logger)
	k := key.String()

	get := s.memory.Get
	if allowExpired {
		get = s.memory.GetStale
	}
	entry, ok, err := get(ctx, k)
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues(string(TierMemory), "read").Inc()
		logger.Warn("memory cache read failed", zap.String("key", k), zap.Error(err))
	}
	if ok {
		return Hit{Records: entry.Records, Tier: TierMemory, StoredAt: entry.StoredAt}, true
	}

	entry, err = s.disk.Load(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			observability.CacheErrorsTotal.WithLabelValues(string(TierDisk), "read").Inc()
			logger.Warn("disk cache read failed", zap.String("key", k), zap.Error(err))
		}
		return Hit{}, false
	}
	remaining := s.ttl - s.now().Sub(entry.StoredAt)
	if remaining <= 0 {
		if !allowExpired {
			return Hit{}, false
		}
		return Hit{Records: entry.Records, Tier: TierDisk, StoredAt: entry.StoredAt}, true
	}
	if err := s.memory.Set(ctx, k, entry.Records, remaining); err != nil {
		observability.CacheErrorsTotal.WithLabelValues(string(TierMemory), "write").Inc()
		logger.Warn("memory cache populate from disk failed", zap.String("key", k), zap.Error(err))
	}
	return Hit{Records: entry.Records, Tier: TierDisk, StoredAt: entry.StoredAt}, true
}

// Put writes records to memory with the store TTL and overwrites the disk
// entry. A disk failure is logged and swallowed; a memory failure is returned
// after the disk write has been attempted.
func (s *TieredStore) Put(ctx context.Context, key fingerprint.Key, records []models.PointObservation) error {
	logger := observability.LoggerOr(ctx, s.logger)
	k := key.String()
	if records == nil {
		records = []models.PointObservation{}
	}

	memErr := s.memory.Set(ctx, k, records, s.ttl)
	if memErr != nil {
		observability.CacheErrorsTotal.WithLabelValues(string(TierMemory), "write").Inc()
	}
	if err := s.disk.Store(ctx, key, records); err != nil {
		observability.CacheErrorsTotal.WithLabelValues(string(TierDisk), "write").Inc()
		logger.Warn("disk cache write failed",
			zap.String("key", k),
			zap.String("path", s.disk.Location(key)),
			zap.Error(err))
	}
	return memErr
}

// Prune removes disk entries older than maxAge. The memory tier is untouched.
func (s *TieredStore) Prune(ctx context.Context, maxAge time.Duration) (int, error) {
	n, err := s.disk.Prune(ctx, s.now().Add(-maxAge))
	if n > 0 {
		observability.DiskPrunedTotal.Add(float64(n))
	}
	return n, err
}

// Ping checks the memory tier when it is a network service.
func (s *TieredStore) Ping(ctx context.Context) error {
	if p, ok := s.memory.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (s *TieredStore) sweepLoop(sw sweeper, interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if n := sw.Sweep(s.staleRetention); n > 0 {
				s.logger.Debug("swept expired memory entries", zap.Int("removed", n))
			}
		}
	}
}
