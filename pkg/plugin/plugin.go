// Package plugin is the public entry point: it owns every engine and runs their work on
// the short and long worker lanes.
package plugin

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/thepwagner/appcenter/pkg/app"
	"github.com/thepwagner/appcenter/pkg/engine"
	"github.com/thepwagner/appcenter/pkg/events"
	"github.com/thepwagner/appcenter/pkg/metrics"
	"github.com/thepwagner/appcenter/pkg/settings"
	"github.com/thepwagner/appcenter/pkg/storeerr"
	"github.com/thepwagner/appcenter/pkg/transaction"
	"github.com/thepwagner/appcenter/pkg/worker"
)

type Config struct {
	Engines  []*engine.Engine
	Log      *slog.Logger
	Settings *settings.Store
	Reporter events.Reporter
	Metrics  *metrics.Metrics
	// LaneSize bounds each worker lane's queues.
	LaneSize int
	// Progress receives transaction progress; nil discards it.
	Progress chan<- transaction.Progress
}

type Plugin struct {
	engines  []*engine.Engine
	log      *slog.Logger
	settings *settings.Store
	reporter events.Reporter
	metrics  *metrics.Metrics
	pool     *worker.Pool
	progress chan<- transaction.Progress
}

func New(cfg Config) *Plugin {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Settings == nil {
		cfg.Settings = settings.New(settings.Config{})
	}
	if cfg.Reporter == nil {
		cfg.Reporter = events.NewLog(cfg.Log)
	}
	return &Plugin{
		engines:  cfg.Engines,
		log:      cfg.Log,
		settings: cfg.Settings,
		reporter: cfg.Reporter,
		metrics:  cfg.Metrics,
		pool:     worker.NewPool(worker.LaneConfig{Size: cfg.LaneSize, Log: cfg.Log, Metrics: cfg.Metrics}),
		progress: cfg.Progress,
	}
}

// Setup starts the worker lanes and the store monitors.
func (p *Plugin) Setup(ctx context.Context) error {
	p.pool.Start()
	for _, e := range p.engines {
		if err := e.Setup(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close stops the monitors, then drains and stops both lanes.
func (p *Plugin) Close() {
	for _, e := range p.engines {
		e.Close()
	}
	p.pool.Stop()
}

func (p *Plugin) Engines() []*engine.Engine {
	return p.engines
}

type interactiveKey struct{}

// Interactive marks requests a user is waiting on; they run before queued background work.
func Interactive(ctx context.Context) context.Context {
	return context.WithValue(ctx, interactiveKey{}, true)
}

func isInteractive(ctx context.Context) bool {
	v, _ := ctx.Value(interactiveKey{}).(bool)
	return v
}

func priority(ctx context.Context) worker.Priority {
	if isInteractive(ctx) {
		return worker.PriorityInteractive
	}
	return worker.PriorityBackground
}

func (p *Plugin) short(ctx context.Context, fn func(ctx context.Context) error) error {
	return worker.Run(ctx, p.pool.Short, priority(ctx), fn)
}

func (p *Plugin) long(ctx context.Context, fn func(ctx context.Context) error) error {
	return worker.Run(ctx, p.pool.Long, priority(ctx), fn)
}

// engineFor returns the engine owning a, or nil.
func (p *Plugin) engineFor(a *app.App) *engine.Engine {
	for _, e := range p.engines {
		if e.Owns(a) {
			return e
		}
	}
	return nil
}

// defaultEngine handles files opened without a target installation. User installations
// are preferred because they need no privileges.
func (p *Plugin) defaultEngine() (*engine.Engine, error) {
	for _, e := range p.engines {
		if e.Scope() == app.ScopeUser {
			return e, nil
		}
	}
	if len(p.engines) == 0 {
		return nil, storeerr.New(storeerr.KindNotSupported, "no installations configured")
	}
	return p.engines[0], nil
}

// collect runs fn against every engine and merges the lists.
func (p *Plugin) collect(ctx context.Context, fn func(ctx context.Context, e *engine.Engine) (*app.List, error)) (*app.List, error) {
	list := app.NewList()
	err := p.short(ctx, func(ctx context.Context) error {
		for _, e := range p.engines {
			l, err := fn(ctx, e)
			if err != nil {
				return err
			}
			list.AddList(l)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return list, nil
}

func (p *Plugin) ListInstalled(ctx context.Context) (*app.List, error) {
	return p.collect(ctx, func(ctx context.Context, e *engine.Engine) (*app.List, error) {
		return e.ListInstalled(ctx)
	})
}

func (p *Plugin) ListUpdates(ctx context.Context) (*app.List, error) {
	return p.collect(ctx, func(ctx context.Context, e *engine.Engine) (*app.List, error) {
		return e.ListUpdates(ctx)
	})
}

func (p *Plugin) ListSources(ctx context.Context, related bool) (*app.List, error) {
	return p.collect(ctx, func(ctx context.Context, e *engine.Engine) (*app.List, error) {
		return e.ListSources(ctx, related)
	})
}

func (p *Plugin) Search(ctx context.Context, terms ...string) (*app.List, error) {
	return p.collect(ctx, func(ctx context.Context, e *engine.Engine) (*app.List, error) {
		return e.Search(ctx, terms...)
	})
}

func (p *Plugin) ListAppsByID(ctx context.Context, id string) (*app.List, error) {
	return p.collect(ctx, func(ctx context.Context, e *engine.Engine) (*app.List, error) {
		return e.ListAppsByID(ctx, id)
	})
}

// RefineApp is a no-op for apps no engine owns.
func (p *Plugin) RefineApp(ctx context.Context, a *app.App, flags engine.RefineFlags) error {
	e := p.engineFor(a)
	if e == nil {
		return nil
	}
	return p.short(ctx, func(ctx context.Context) error {
		return e.RefineApp(ctx, a, flags)
	})
}

// RefineList refines every app. Partial failures are logged; identity failures and
// cancellation are returned.
func (p *Plugin) RefineList(ctx context.Context, list *app.List, flags engine.RefineFlags) error {
	return p.short(ctx, func(ctx context.Context) error {
		for _, a := range list.Apps() {
			e := p.engineFor(a)
			if e == nil {
				continue
			}
			err := e.RefineApp(ctx, a, flags)
			var re *engine.RefineError
			switch {
			case err == nil:
			case errors.As(err, &re):
				p.log.Debug("partially refined app", slog.String("app", a.UniqueID()), slog.Any("error", err))
			default:
				return err
			}
		}
		return nil
	})
}

// FileToApp opens a .flatpakrepo, .flatpakref or .flatpak file.
func (p *Plugin) FileToApp(ctx context.Context, path string) (*app.App, error) {
	e, err := p.defaultEngine()
	if err != nil {
		return nil, err
	}
	return worker.Do(ctx, p.pool.Short, priority(ctx), func(ctx context.Context) (*app.App, error) {
		return e.FileToApp(ctx, path)
	})
}

// AppFromRepoFile and AppFromRefFile parse uploaded file contents.
func (p *Plugin) AppFromRepoFile(ctx context.Context, name string, data []byte) (*app.App, error) {
	e, err := p.defaultEngine()
	if err != nil {
		return nil, err
	}
	return worker.Do(ctx, p.pool.Short, priority(ctx), func(context.Context) (*app.App, error) {
		return e.AppFromRepoFile(name, data)
	})
}

func (p *Plugin) AppFromRefFile(ctx context.Context, name string, data []byte) (*app.App, error) {
	e, err := p.defaultEngine()
	if err != nil {
		return nil, err
	}
	return worker.Do(ctx, p.pool.Short, priority(ctx), func(ctx context.Context) (*app.App, error) {
		return e.AppFromRefFile(ctx, name, data)
	})
}

// Refresh updates metadata in every installation. A zero cacheAge uses the configured one.
func (p *Plugin) Refresh(ctx context.Context, cacheAge time.Duration) error {
	if cacheAge == 0 {
		cacheAge = p.settings.CacheAge()
	}
	return p.long(ctx, func(ctx context.Context) error {
		var errs []error
		for _, e := range p.engines {
			if err := e.Refresh(ctx, cacheAge); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// AddRepo configures the repository a describes in its installation, or the default one.
func (p *Plugin) AddRepo(ctx context.Context, a *app.App) error {
	return p.repoOp(ctx, a, true, (*engine.Engine).AddRemote)
}

func (p *Plugin) RemoveRepo(ctx context.Context, a *app.App) error {
	return p.repoOp(ctx, a, false, (*engine.Engine).RemoveRemote)
}

func (p *Plugin) EnableRepo(ctx context.Context, a *app.App) error {
	return p.repoOp(ctx, a, false, (*engine.Engine).EnableRemote)
}

func (p *Plugin) DisableRepo(ctx context.Context, a *app.App) error {
	return p.repoOp(ctx, a, false, (*engine.Engine).DisableRemote)
}

func (p *Plugin) repoOp(ctx context.Context, a *app.App, fallback bool, fn func(*engine.Engine, context.Context, *app.App) error) error {
	if a.Kind() != app.KindRepository {
		return storeerr.New(storeerr.KindNotSupported, "%s is not a repository", a.UniqueID())
	}
	e := p.engineFor(a)
	if e == nil && fallback {
		var err error
		if e, err = p.defaultEngine(); err != nil {
			return err
		}
	}
	if e == nil {
		return storeerr.New(storeerr.KindNotSupported, "no installation owns %s", a.UniqueID())
	}
	return p.long(ctx, func(ctx context.Context) error {
		return fn(e, ctx, a)
	})
}

// FindRepo returns the repository app for a configured remote.
func (p *Plugin) FindRepo(ctx context.Context, name string) (*app.App, error) {
	sources, err := p.ListSources(ctx, false)
	if err != nil {
		return nil, err
	}
	for _, a := range sources.Apps() {
		if a.ID() == name {
			return a, nil
		}
	}
	return nil, storeerr.New(storeerr.KindNotSupported, "no repository named %q", name)
}
