package cache

import (
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"time"
)

type Config struct {
	// URL selects the storage: empty keeps blobs in memory, file:///dir persists them.
	URL string `yaml:"url"`
	// Entries bounds each namespace of the in-memory storage.
	Entries int           `yaml:"entries"`
	MaxAge  time.Duration `yaml:"max-age"`
	// Namespaces overrides MaxAge per namespace. A negative age pins the namespace.
	Namespaces map[Namespace]time.Duration `yaml:"namespaces"`
}

func StorageFromConfig(cfg Config) (Storage, error) {
	s, err := storageFromURL(cfg)
	if err != nil {
		return nil, err
	}
	for ns, age := range cfg.Namespaces {
		s.SetMaxAge(ns, age)
	}
	return s, nil
}

func storageFromURL(cfg Config) (Storage, error) {
	if cfg.URL == "" {
		slog.Warn("no cache URL specified, using in-memory")
		return NewLRU(cfg.Entries, cfg.MaxAge), nil
	}

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("error parsing cache URL: %w", err)
	}
	switch u.Scheme {
	case "file":
		p := filepath.Join(u.Hostname(), u.Path)
		slog.Debug("using file cache", slog.String("path", p))
		return NewFiles(p, cfg.MaxAge), nil

	default:
		return nil, fmt.Errorf("unsupported cache scheme %q", u.Scheme)
	}
}
