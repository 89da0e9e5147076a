package snapshot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"papertrade/internal/ledger"
	"papertrade/internal/trader"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Version is the schema version written by Save.
const Version = 1

// ErrUnsupportedVersion is returned by Load for a file written with another schema.
var ErrUnsupportedVersion = errors.New("unsupported snapshot version")

// Snapshot is the local state that survives restarts.
type Snapshot struct {
	Version int                     `yaml:"version"`
	SavedAt time.Time               `yaml:"saved_at"`
	Engine  *trader.Config          `yaml:"engine,omitempty"`
	Metrics []ledger.StrategyMetric `yaml:"metrics"`
}

// file mirrors Snapshot but keeps metrics undecoded so one bad entry does not
// spoil the rest.
type file struct {
	Version int            `yaml:"version"`
	SavedAt time.Time      `yaml:"saved_at"`
	Engine  *trader.Config `yaml:"engine,omitempty"`
	Metrics []yaml.Node    `yaml:"metrics"`
}

// Store reads and writes a snapshot file.
type Store struct {
	path        string
	bucketWidth int
	logger      *zap.Logger
	now         func() time.Time

	mu sync.Mutex
}

// NewStore creates a Store for path. bucketWidth is used to validate metrics.
func NewStore(path string, bucketWidth int, logger *zap.Logger) *Store {
	return &Store{path: path, bucketWidth: bucketWidth, logger: logger, now: time.Now}
}

// Path is the snapshot file location.
func (s *Store) Path() string { return s.path }

// Load reads the snapshot. A missing file yields an empty snapshot.
func (s *Store) Load() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Info("No snapshot found, starting fresh", zap.String("path", s.path))
		return Snapshot{Version: Version}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var raw file
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Snapshot{}, fmt.Errorf("failed to parse snapshot %s: %w", s.path, err)
	}
	if raw.Version != Version {
		return Snapshot{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, raw.Version)
	}

	snap := Snapshot{Version: raw.Version, SavedAt: raw.SavedAt, Engine: raw.Engine}
	if snap.Engine != nil {
		if err := snap.Engine.Validate(); err != nil {
			s.logger.Warn("Ignoring invalid engine config in snapshot", zap.Error(err))
			snap.Engine = nil
		}
	}
	for i := range raw.Metrics {
		var m ledger.StrategyMetric
		if err := raw.Metrics[i].Decode(&m); err != nil {
			s.logger.Warn("Skipping undecodable metric", zap.Int("index", i), zap.Error(err))
			continue
		}
		if err := m.Validate(s.bucketWidth); err != nil {
			s.logger.Warn("Skipping malformed metric", zap.Int("index", i), zap.Error(err))
			continue
		}
		snap.Metrics = append(snap.Metrics, m)
	}
	return snap, nil
}

// Save writes snap atomically: the file is either the old one or the new one.
func (s *Store) Save(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap.Version = Version
	snap.SavedAt = s.now().UTC()
	data, err := yaml.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}
