package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/firewatch-np/fire-feed-service/internal/fingerprint"
	"github.com/firewatch-np/fire-feed-service/internal/models"
)

const (
	fileSuffix  = ".json"
	tempPattern = ".entry-*"
	tempPrefix  = ".entry-"
	dirPerm     = 0o755
	filePerm    = 0o644
)

// DiskStore is the durable tier: one JSON array per key under dir, named by
// fingerprint.Key.FileName. The directory is created on first write. Writes go
// to a temp file and are renamed into place, so readers never see a partial
// file and concurrent writers of the same key end with one whole file.
type DiskStore struct {
	dir string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// DiskEntry describes one file in the disk tier.
type DiskEntry struct {
	Name      string
	Path      string
	SizeBytes int64
	ModTime   time.Time
}

// NewDiskStore returns a store rooted at dir. No I/O happens until first use.
func NewDiskStore(dir string) (*DiskStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("cache directory required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve cache directory: %w", err)
	}
	return &DiskStore{dir: abs, locks: make(map[string]*entryLock)}, nil
}

// Dir returns the absolute cache directory.
func (s *DiskStore) Dir() string { return s.dir }

// Location returns the file path for key.
func (s *DiskStore) Location(key fingerprint.Key) string {
	return filepath.Join(s.dir, key.FileName())
}

// Load reads the entry for key. StoredAt is the file's modification time.
// Returns ErrNotFound when no file exists.
func (s *DiskStore) Load(ctx context.Context, key fingerprint.Key) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	path := s.Location(key)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, err
	}
	if info.IsDir() {
		return Entry{}, ErrNotFound
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, err
	}
	records := make([]models.PointObservation, 0)
	if err := json.Unmarshal(data, &records); err != nil {
		return Entry{}, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return Entry{Records: records, StoredAt: info.ModTime()}, nil
}

// Store overwrites the entry for key with records.
func (s *DiskStore) Store(ctx context.Context, key fingerprint.Key, records []models.PointObservation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if records == nil {
		records = []models.PointObservation{}
	}
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}

	unlock := s.lockEntry(key.FileName())
	defer unlock()

	if err := os.MkdirAll(s.dir, dirPerm); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}
	tempFile, err := os.CreateTemp(s.dir, tempPattern)
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(data)
	if err == nil {
		err = tempFile.Chmod(filePerm)
	}
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}
	if err := os.Rename(tempName, s.Location(key)); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

// Remove deletes the entry for key. Missing entries are not an error.
func (s *DiskStore) Remove(ctx context.Context, key fingerprint.Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.lockEntry(key.FileName())
	defer unlock()
	if err := os.Remove(s.Location(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// List returns the stored entries sorted by name. A missing directory is empty.
func (s *DiskStore) List(ctx context.Context) ([]DiskEntry, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]DiskEntry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, fileSuffix) || strings.HasPrefix(name, tempPrefix) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		out = append(out, DiskEntry{
			Name:      name,
			Path:      filepath.Join(s.dir, name),
			SizeBytes: info.Size(),
			ModTime:   info.ModTime(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Prune removes entries last written before cutoff and returns how many were removed.
func (s *DiskStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	return s.removeWhere(ctx, func(e DiskEntry) bool { return e.ModTime.Before(cutoff) })
}

// Clear removes every entry.
func (s *DiskStore) Clear(ctx context.Context) (int, error) {
	return s.removeWhere(ctx, func(DiskEntry) bool { return true })
}

func (s *DiskStore) removeWhere(ctx context.Context, match func(DiskEntry) bool) (int, error) {
	entries, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	var errs []error
	for _, e := range entries {
		if !match(e) {
			continue
		}
		unlock := s.lockEntry(e.Name)
		err := os.Remove(e.Path)
		unlock()
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

func (s *DiskStore) lockEntry(name string) func() {
	s.mu.Lock()
	lock := s.locks[name]
	if lock == nil {
		lock = &entryLock{}
		s.locks[name] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, name)
		}
		s.mu.Unlock()
	}
}
