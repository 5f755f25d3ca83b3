// Package modelstore keeps the book on the prediction models deployed in a
// directory: <name>_v<version>.model files, their scaler_<name>_v<version>.pkl
// companions and the active_model.json marker. It never loads a model.
package modelstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultActiveID is the model treated as active when no marker file exists.
const DefaultActiveID = "xgb_v1.0"

const (
	activeFile   = "active_model.json"
	modelSuffix  = ".model"
	scalerPrefix = "scaler_"
	scalerSuffix = ".pkl"
)

var (
	// ErrDirNotFound is returned when the model directory does not exist.
	ErrDirNotFound = errors.New("model directory not found")
	// ErrInvalidID is returned for ids that are not <name>_v<version>.
	ErrInvalidID = errors.New("invalid model id")
	// ErrModelNotFound is returned when the model file is missing.
	ErrModelNotFound = errors.New("model file not found")
	// ErrScalerNotFound is returned when activating a model without its scaler.
	ErrScalerNotFound = errors.New("scaler file not found for this model")
	// ErrActiveModel is returned when deleting the active model.
	ErrActiveModel = errors.New("cannot delete the active model")
	// ErrNoActiveModel is returned when the directory holds no models at all.
	ErrNoActiveModel = errors.New("no active model found")
)

var (
	modelFilePattern = regexp.MustCompile(`^(.+?)_v([0-9.]+)\.model$`)
	modelIDPattern   = regexp.MustCompile(`^([A-Za-z0-9_.-]+?)_v([0-9.]+)$`)
)

// Model describes one deployed model.
type Model struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Version        string    `json:"version"`
	Filename       string    `json:"filename"`
	ScalerFilename *string   `json:"scalerFilename"`
	HasScaler      bool      `json:"hasScaler"`
	CreatedAt      time.Time `json:"createdAt"`
	IsActive       bool      `json:"isActive"`
}

type activeMarker struct {
	ID          string    `json:"id"`
	Name        string    `json:"name,omitempty"`
	Version     string    `json:"version,omitempty"`
	ActivatedAt time.Time `json:"activatedAt"`
}

// Store manages the models under one directory.
type Store struct {
	dir    string
	logger *zap.Logger
	now    func() time.Time

	// mu serializes marker writes against deletes.
	mu sync.Mutex
}

// New returns a Store over dir. The directory is not touched until first use.
func New(dir string, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("model directory required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve model directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{dir: abs, logger: logger, now: time.Now}, nil
}

// Dir returns the absolute model directory.
func (s *Store) Dir() string { return s.dir }

// ParseID splits a model id into name and version.
func ParseID(id string) (name, version string, err error) {
	m := modelIDPattern.FindStringSubmatch(id)
	if m == nil {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return m[1], m[2], nil
}

func modelFilename(name, version string) string {
	return name + "_v" + version + modelSuffix
}

func scalerFilename(name, version string) string {
	return scalerPrefix + name + "_v" + version + scalerSuffix
}

// List returns the models in the directory sorted by id. A model is active when
// the marker names it, or when there is no marker and it is DefaultActiveID.
func (s *Store) List(ctx context.Context) ([]Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrDirNotFound
		}
		return nil, err
	}

	scalers := make(map[string]bool)
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), scalerPrefix) {
			scalers[e.Name()] = true
		}
	}

	activeID := s.markedActiveID()
	if activeID == "" {
		activeID = DefaultActiveID
	}

	models := make([]Model, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), scalerPrefix) {
			continue
		}
		m := modelFilePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		model := Model{
			ID:        m[1] + "_v" + m[2],
			Name:      m[1],
			Version:   m[2],
			Filename:  e.Name(),
			CreatedAt: info.ModTime().UTC(),
		}
		if scaler := scalerFilename(m[1], m[2]); scalers[scaler] {
			model.ScalerFilename = &scaler
			model.HasScaler = true
		}
		model.IsActive = model.ID == activeID
		models = append(models, model)
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models, nil
}

// Active returns the active model. When the marker names a model that is gone,
// the first listed model becomes active and the marker is rewritten.
func (s *Store) Active(ctx context.Context) (Model, error) {
	models, err := s.List(ctx)
	if err != nil {
		return Model{}, err
	}
	for _, m := range models {
		if m.IsActive {
			return m, nil
		}
	}
	if len(models) == 0 {
		return Model{}, ErrNoActiveModel
	}

	active := models[0]
	active.IsActive = true
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeMarker(activeMarker{ID: active.ID, ActivatedAt: s.now().UTC()}); err != nil {
		s.logger.Warn("active model marker not written", zap.String("model_id", active.ID), zap.Error(err))
	}
	return active, nil
}

// Activate marks id active. The model and its scaler must both exist.
func (s *Store) Activate(ctx context.Context, id string) (Model, error) {
	if err := ctx.Err(); err != nil {
		return Model{}, err
	}
	name, version, err := ParseID(id)
	if err != nil {
		return Model{}, err
	}
	if err := s.requireFile(modelFilename(name, version), ErrModelNotFound); err != nil {
		return Model{}, err
	}
	if err := s.requireFile(scalerFilename(name, version), ErrScalerNotFound); err != nil {
		return Model{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	marker := activeMarker{ID: id, Name: name, Version: version, ActivatedAt: s.now().UTC()}
	if err := s.writeMarker(marker); err != nil {
		return Model{}, fmt.Errorf("write active model marker: %w", err)
	}
	s.logger.Info("model activated", zap.String("model_id", id))
	return Model{ID: id, Name: name, Version: version, IsActive: true}, nil
}

// Delete removes the model file and its scaler, if any. The active model
// cannot be deleted.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name, version, err := ParseID(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markedActiveID() == id {
		return ErrActiveModel
	}
	if err := os.Remove(filepath.Join(s.dir, modelFilename(name, version))); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrModelNotFound
		}
		return err
	}
	if err := os.Remove(filepath.Join(s.dir, scalerFilename(name, version))); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("scaler not removed", zap.String("model_id", id), zap.Error(err))
	}
	s.logger.Info("model deleted", zap.String("model_id", id))
	return nil
}

func (s *Store) requireFile(name string, missing error) error {
	info, err := os.Stat(filepath.Join(s.dir, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return missing
		}
		return err
	}
	if info.IsDir() {
		return missing
	}
	return nil
}

// markedActiveID returns the id in the marker file, or "" when there is no
// readable marker.
func (s *Store) markedActiveID() string {
	data, err := os.ReadFile(filepath.Join(s.dir, activeFile))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("active model marker unreadable", zap.Error(err))
		}
		return ""
	}
	var marker activeMarker
	if err := json.Unmarshal(data, &marker); err != nil {
		s.logger.Warn("active model marker malformed", zap.Error(err))
		return ""
	}
	return marker.ID
}

func (s *Store) writeMarker(marker activeMarker) error {
	data, err := json.MarshalIndent(marker, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, ".active-*")
	if err != nil {
		return err
	}
	_, err = tmp.Write(data)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), filepath.Join(s.dir, activeFile))
	}
	if err != nil {
		os.Remove(tmp.Name())
	}
	return err
}
