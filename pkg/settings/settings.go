// Package settings holds the policy flags consulted by the engines.
package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	FilterDefaultBranches bool          `yaml:"filter-default-branches"`
	RefreshWhenMetered    bool          `yaml:"refresh-when-metered"`
	DownloadUpdates       bool          `yaml:"download-updates"`
	CacheAge              time.Duration `yaml:"cache-age"`
	// Path persists changes made at runtime; empty keeps them in memory.
	Path string `yaml:"path"`
}

// Store is safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	cfg  Config
	path string
	// metered reports whether the current network connection is metered.
	metered bool
}

func New(cfg Config) *Store {
	if cfg.CacheAge == 0 {
		cfg.CacheAge = 24 * time.Hour
	}
	s := &Store{cfg: cfg, path: cfg.Path}
	if s.path != "" {
		if err := s.load(); err != nil {
			slog.Warn("failed to load settings", slog.String("path", s.path), slog.Any("error", err))
		}
	}
	return s
}

func (s *Store) FilterDefaultBranches() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.FilterDefaultBranches
}

func (s *Store) DownloadUpdates() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.DownloadUpdates
}

func (s *Store) CacheAge() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.CacheAge
}

// AllowRefresh is false on a metered connection unless refresh-when-metered is set.
func (s *Store) AllowRefresh() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.metered || s.cfg.RefreshWhenMetered
}

func (s *Store) SetMetered(metered bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metered = metered
}

// Update applies fn to the settings and persists the result.
func (s *Store) Update(fn func(*Config)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.cfg.Path
	fn(&s.cfg)
	s.cfg.Path = path
	return s.save()
}

func (s *Store) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *Store) load() error {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	cfg := s.cfg
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return fmt.Errorf("parsing settings: %w", err)
	}
	cfg.Path = s.path
	s.cfg = cfg
	return nil
}

func (s *Store) save() error {
	if s.path == "" {
		return nil
	}
	b, err := yaml.Marshal(s.cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}
	return os.WriteFile(s.path, b, 0644)
}
