package server

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/thepwagner/appcenter/pkg/app"
	"github.com/thepwagner/appcenter/pkg/cache"
	"github.com/thepwagner/appcenter/pkg/engine"
	"github.com/thepwagner/appcenter/pkg/events"
	"github.com/thepwagner/appcenter/pkg/fetch"
	"github.com/thepwagner/appcenter/pkg/metrics"
	"github.com/thepwagner/appcenter/pkg/plugin"
	"github.com/thepwagner/appcenter/pkg/settings"
	"github.com/thepwagner/appcenter/pkg/silo"
	"github.com/thepwagner/appcenter/pkg/store"
	"github.com/thepwagner/appcenter/pkg/transaction"
)

// Backend is everything the HTTP API serves from.
type Backend struct {
	Plugin   *plugin.Plugin
	Settings *settings.Store
	// Events keeps the most recent warnings for GET /events.
	Events   *events.Recent
	Progress chan transaction.Progress
}

func NewBackend(cfg *Config, reg prometheus.Registerer) (*Backend, error) {
	installations := make(map[string]store.Installation, len(cfg.Installations))
	for name, ic := range cfg.Installations {
		inst, err := BuildInstallation(name, ic)
		if err != nil {
			return nil, fmt.Errorf("error building installation %q: %w", name, err)
		}
		installations[name] = inst
	}
	return newBackend(cfg, reg, installations)
}

func newBackend(cfg *Config, reg prometheus.Registerer, installations map[string]store.Installation) (*Backend, error) {
	storage, err := cache.StorageFromConfig(cfg.Cache)
	if err != nil {
		return nil, err
	}
	// Compiled silos go stale when their guid changes, not with age.
	if _, ok := cfg.Cache.Namespaces[silo.Namespace]; !ok {
		storage.SetMaxAge(silo.Namespace, cache.Pinned)
	}

	b := &Backend{
		Settings: settings.New(cfg.Settings),
		Events:   events.NewRecent(100, events.NewLog(slog.Default())),
		Progress: make(chan transaction.Progress, 64),
	}
	m := metrics.New(reg)
	fetcher := fetch.NewCache(fetch.NewHTTP(cfg.Fetch), storage)
	registry := app.NewRegistry()

	names := make([]string, 0, len(installations))
	for name := range installations {
		names = append(names, name)
	}
	slices.Sort(names)

	engines := make([]*engine.Engine, 0, len(names))
	for _, name := range names {
		engines = append(engines, engine.New(engine.Config{
			Installation: installations[name],
			Log:          slog.Default(),
			Storage:      storage,
			Fetcher:      fetcher,
			Settings:     b.Settings,
			Metrics:      m,
			Registry:     registry,
			Reporter:     b.Events,
			Locales:      cfg.Locales,
		}))
	}

	b.Plugin = plugin.New(plugin.Config{
		Engines:  engines,
		Log:      slog.Default(),
		Settings: b.Settings,
		Reporter: b.Events,
		Metrics:  m,
		Progress: b.Progress,
	})
	return b, nil
}
