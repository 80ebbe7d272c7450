package server

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/thepwagner/appcenter/pkg/cache"
	"github.com/thepwagner/appcenter/pkg/fetch"
	"github.com/thepwagner/appcenter/pkg/flatpakcli"
	"github.com/thepwagner/appcenter/pkg/settings"
	"github.com/thepwagner/appcenter/pkg/store"
	"github.com/thepwagner/appcenter/pkg/store/memstore"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr     string           `yaml:"addr"`
	Log      LogConfig        `yaml:"log"`
	Cache    cache.Config     `yaml:"cache"`
	Fetch    fetch.HTTPConfig `yaml:"fetch"`
	Settings settings.Config  `yaml:"settings"`
	Locales  []string         `yaml:"locales"`
	// RefreshInterval schedules background metadata refreshes; negative disables them.
	RefreshInterval time.Duration                 `yaml:"refresh-interval"`
	Installations   map[string]InstallationConfig `yaml:"installations"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func (c LogConfig) level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

const (
	BackendCLI    = "cli"
	BackendMemory = "memory"
)

type InstallationConfig struct {
	// Backend is "cli" (the default) or "memory".
	Backend string `yaml:"backend"`
	// Scope is "user" or "system"; defaults to "user" for an installation named user.
	Scope string `yaml:"scope"`
	Path  string `yaml:"path"`
	Arch  string `yaml:"arch"`
}

func loadConfig(path string) (*Config, error) {
	var cfg Config

	f, err := os.Open(path)
	if err == nil {
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("error decoding config: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error opening config: %w", err)
	} else {
		slog.Info("no config file found, using defaults")
	}

	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.RefreshInterval == 0 {
		cfg.RefreshInterval = 6 * time.Hour
	}
	if len(cfg.Installations) == 0 {
		cfg.Installations = map[string]InstallationConfig{
			"user": {
				Backend: BackendCLI,
				Scope:   "user",
				Path:    "~/.local/share/flatpak",
			},
			"system": {
				Backend: BackendCLI,
				Scope:   "system",
				Path:    "/var/lib/flatpak",
			},
		}
	}

	return &cfg, nil
}

func BuildInstallation(name string, cfg InstallationConfig) (store.Installation, error) {
	slog.Debug("building installation", slog.String("installation", name), slog.String("backend", cfg.Backend))

	user, err := parseScope(name, cfg.Scope)
	if err != nil {
		return nil, err
	}
	path, err := expandHome(cfg.Path)
	if err != nil {
		return nil, err
	}

	switch cfg.Backend {
	case BackendCLI, "":
		if path == "" {
			return nil, fmt.Errorf("installation %q has no path", name)
		}
		return flatpakcli.New(flatpakcli.Config{
			ID:   name,
			Path: path,
			User: user,
			Arch: cfg.Arch,
			Log:  slog.Default(),
		}), nil
	case BackendMemory:
		opts := []memstore.Option{memstore.WithUser(user)}
		if path != "" {
			opts = append(opts, memstore.WithPath(path))
		}
		if cfg.Arch != "" {
			opts = append(opts, memstore.WithArch(cfg.Arch))
		}
		return memstore.New(name, opts...), nil
	default:
		return nil, fmt.Errorf("unsupported backend %q", cfg.Backend)
	}
}

func parseScope(name, scope string) (bool, error) {
	switch scope {
	case "user":
		return true, nil
	case "system":
		return false, nil
	case "":
		return name == "user", nil
	default:
		return false, fmt.Errorf("installation %q: unsupported scope %q", name, scope)
	}
}

func expandHome(p string) (string, error) {
	rest, ok := strings.CutPrefix(p, "~/")
	if !ok {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("error expanding %q: %w", p, err)
	}
	return filepath.Join(home, rest), nil
}
