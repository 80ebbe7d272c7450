// Package engine owns one store installation: its compiled metadata index, the lookup
// caches derived from it, and the refine pipeline that fills in apps on demand.
package engine

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/thepwagner/appcenter/pkg/app"
	"github.com/thepwagner/appcenter/pkg/cache"
	"github.com/thepwagner/appcenter/pkg/events"
	"github.com/thepwagner/appcenter/pkg/fetch"
	"github.com/thepwagner/appcenter/pkg/metrics"
	"github.com/thepwagner/appcenter/pkg/settings"
	"github.com/thepwagner/appcenter/pkg/silo"
	"github.com/thepwagner/appcenter/pkg/store"
	"github.com/thepwagner/appcenter/pkg/storeerr"
)

type Config struct {
	Installation store.Installation
	Log          *slog.Logger
	// Storage persists compiled silos. Defaults to an in-memory LRU.
	Storage cache.Storage
	// Fetcher downloads RuntimeRepo files referenced from ref files.
	Fetcher  fetch.Fetcher
	Settings *settings.Store
	Metrics  *metrics.Metrics
	// Registry de-duplicates apps across engines. Defaults to a private registry.
	Registry *app.Registry
	Reporter events.Reporter
	Locales  []string
	// HomeDir is searched for per-app user data. Defaults to the current user's home.
	HomeDir string
	// Temporary engines wrap throwaway installations; their apps are never registered.
	Temporary bool
	// OnReload is called after the store changed underneath the engine.
	OnReload func()
}

type Engine struct {
	inst      store.Installation
	id        string
	scope     app.Scope
	log       *slog.Logger
	storage   cache.Storage
	fetcher   fetch.Fetcher
	settings  *settings.Store
	metrics   *metrics.Metrics
	registry  *app.Registry
	reporter  events.Reporter
	locales   []string
	homeDir   string
	temporary bool
	onReload  func()

	stamp    atomic.Uint64
	busy     atomic.Int64
	deferred atomic.Bool
	rescan   atomic.Bool

	siloMu    sync.Mutex
	silo      *silo.Silo
	siloStamp uint64

	installedMu sync.Mutex
	installed   []store.InstalledRef

	remotesMu sync.Mutex
	remotes   map[string]store.Remote

	titlesMu sync.Mutex
	titles   map[string]string

	brokenMu sync.Mutex
	broken   map[string]struct{}

	remoteMetadata *expirable.LRU[string, []byte]

	monitorMu     sync.Mutex
	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
}

func New(cfg Config) *Engine {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Storage == nil {
		cfg.Storage = cache.NewLRU(0, 0)
		cfg.Storage.SetMaxAge(silo.Namespace, cache.Pinned)
	}
	if cfg.Fetcher == nil {
		cfg.Fetcher = fetch.NewCache(fetch.NewHTTP(fetch.HTTPConfig{}), cfg.Storage)
	}
	if cfg.Settings == nil {
		cfg.Settings = settings.New(settings.Config{})
	}
	if cfg.Registry == nil {
		cfg.Registry = app.NewRegistry()
	}
	if cfg.Reporter == nil {
		cfg.Reporter = events.NewLog(cfg.Log)
	}
	if len(cfg.Locales) == 0 {
		cfg.Locales = []string{"C"}
	}
	if cfg.HomeDir == "" {
		cfg.HomeDir, _ = os.UserHomeDir()
	}

	scope := app.ScopeSystem
	if cfg.Installation.IsUser() {
		scope = app.ScopeUser
	}
	e := &Engine{
		inst:           cfg.Installation,
		id:             cfg.Installation.ID(),
		scope:          scope,
		log:            cfg.Log.With(slog.String("installation", cfg.Installation.ID())),
		storage:        cfg.Storage,
		fetcher:        cfg.Fetcher,
		settings:       cfg.Settings,
		metrics:        cfg.Metrics,
		registry:       cfg.Registry,
		reporter:       cfg.Reporter,
		locales:        cfg.Locales,
		homeDir:        cfg.HomeDir,
		temporary:      cfg.Temporary,
		onReload:       cfg.OnReload,
		broken:         map[string]struct{}{},
		remoteMetadata: expirable.NewLRU[string, []byte](256, nil, time.Hour),
	}
	e.rescan.Store(true)
	return e
}

func (e *Engine) ID() string {
	return e.id
}

func (e *Engine) Scope() app.Scope {
	return e.scope
}

func (e *Engine) Installation() store.Installation {
	return e.inst
}

// Setup starts watching the store for outside changes.
func (e *Engine) Setup(ctx context.Context) error {
	e.monitorMu.Lock()
	defer e.monitorMu.Unlock()
	if e.monitorCancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ch, err := e.inst.Monitor(ctx)
	if err != nil {
		cancel()
		return storeerr.Convert(err)
	}
	e.monitorCancel = cancel
	e.monitorDone = make(chan struct{})
	go func() {
		defer close(e.monitorDone)
		for range ch {
			e.log.Debug("store changed")
			e.storeChanged()
		}
	}()
	return nil
}

func (e *Engine) Close() {
	e.monitorMu.Lock()
	defer e.monitorMu.Unlock()
	if e.monitorCancel == nil {
		return
	}
	e.monitorCancel()
	<-e.monitorDone
	e.monitorCancel = nil
}
