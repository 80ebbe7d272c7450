package plugin

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/thepwagner/appcenter/pkg/app"
	"github.com/thepwagner/appcenter/pkg/engine"
	"github.com/thepwagner/appcenter/pkg/events"
	"github.com/thepwagner/appcenter/pkg/store"
	"github.com/thepwagner/appcenter/pkg/storeerr"
	"github.com/thepwagner/appcenter/pkg/transaction"
	"github.com/thepwagner/appcenter/pkg/worker"
)

// BatchError identifies the app whose failure ended a batch. App is nil when the failure
// could not be attributed to one app.
type BatchError struct {
	App *app.App
	Err error
}

func (e *BatchError) Error() string {
	if e.App == nil {
		return e.Err.Error()
	}
	return e.App.UniqueID() + ": " + e.Err.Error()
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

type action int

const (
	actionInstall action = iota
	actionUpdate
	actionDownload
	actionUninstall
)

func (a action) String() string {
	switch a {
	case actionUpdate:
		return "update"
	case actionDownload:
		return "download"
	case actionUninstall:
		return "uninstall"
	default:
		return "install"
	}
}

// pendingState is shown while the transaction for an app is built and run.
func (a action) pendingState() app.State {
	if a == actionUninstall {
		return app.StateRemoving
	}
	return app.StateInstalling
}

// harmless reports whether a failure to add an app means there is nothing to do for it.
func (a action) harmless(err error) bool {
	switch a {
	case actionInstall:
		return store.HasCode(err, store.ErrAlreadyInstalled)
	case actionUninstall:
		return store.HasCode(err, store.ErrNotInstalled)
	default:
		return false
	}
}

// refreshFlags are refined on every app a successful transaction touched.
const refreshFlags = engine.RefineOrigin | engine.RefineRuntime | engine.RefineVersion

// Install installs apps, their runtimes and any repository they need. Repository apps are
// configured as remotes.
func (p *Plugin) Install(ctx context.Context, list *app.List) error {
	return p.dispatch(ctx, actionInstall, list)
}

// Update deploys the available update of every app. One failing app does not stop the rest.
func (p *Plugin) Update(ctx context.Context, list *app.List) error {
	return p.dispatch(ctx, actionUpdate, list)
}

// Download fetches updates without deploying them.
func (p *Plugin) Download(ctx context.Context, list *app.List) error {
	return p.dispatch(ctx, actionDownload, list)
}

func (p *Plugin) Uninstall(ctx context.Context, list *app.List) error {
	return p.dispatch(ctx, actionUninstall, list)
}

func (p *Plugin) dispatch(ctx context.Context, act action, list *app.List) error {
	err := p.long(ctx, func(ctx context.Context) error {
		return p.runBatch(ctx, act, list)
	})
	p.metrics.Transaction(act.String(), err)
	return err
}

// partition groups the apps of one engine, in request order.
type partition struct {
	engine *engine.Engine
	apps   []*app.App
}

func (p *Plugin) partition(act action, list *app.List) ([]*partition, error) {
	var parts []*partition
	byEngine := map[*engine.Engine]*partition{}
	seen := map[*app.App]struct{}{}

	var add func(a *app.App, explicit bool) error
	add = func(a *app.App, explicit bool) error {
		if _, ok := seen[a]; ok {
			return nil
		}
		seen[a] = struct{}{}
		if a.Kind() == app.KindRepository {
			return nil
		}
		e := p.engineFor(a)
		if e == nil {
			if explicit {
				return &BatchError{App: a, Err: storeerr.New(storeerr.KindNotSupported, "no installation owns %s", a.UniqueID())}
			}
			return nil
		}
		part, ok := byEngine[e]
		if !ok {
			part = &partition{engine: e}
			byEngine[e] = part
			parts = append(parts, part)
		}
		part.apps = append(part.apps, a)

		// Updates carry along the apps that triggered them, such as an updated extension.
		if act == actionUpdate || act == actionDownload {
			for _, r := range a.Related() {
				if err := add(r, false); err != nil {
					return err
				}
			}
		}
		return nil
	}

	for _, a := range list.Apps() {
		if err := add(a, true); err != nil {
			return nil, err
		}
	}
	return parts, nil
}

func (p *Plugin) runBatch(ctx context.Context, act action, list *app.List) error {
	if act == actionInstall {
		if err := p.installRepositories(ctx, list); err != nil {
			return err
		}
	}

	parts, err := p.partition(act, list)
	if err != nil {
		return err
	}

	// Partitions run one after another; every app shows as pending from the start.
	if act != actionDownload {
		for _, part := range parts {
			for _, a := range part.apps {
				p.markPending(act, a)
			}
		}
	}

	for i, part := range parts {
		if err := p.runPartition(ctx, act, part); err != nil {
			for _, rest := range parts[i+1:] {
				for _, a := range rest.apps {
					a.SetStateRecover()
				}
			}
			return err
		}
	}
	return nil
}

// installRepositories adds the remotes of repository apps, and of the runtime repositories
// ref files point to.
func (p *Plugin) installRepositories(ctx context.Context, list *app.List) error {
	for _, a := range list.Apps() {
		var repo *app.App
		switch {
		case a.Kind() == app.KindRepository:
			repo = a
		case a.Metadata(engine.MetaFileKind) == engine.FileKindRef:
			for _, r := range a.Related() {
				if r.Kind() == app.KindRepository && r.State() != app.StateInstalled {
					repo = r
					break
				}
			}
		}
		if repo == nil {
			continue
		}

		e := p.engineFor(a)
		if e == nil {
			var err error
			if e, err = p.defaultEngine(); err != nil {
				return &BatchError{App: a, Err: err}
			}
		}
		p.log.Info("adding repository", slog.String("repository", repo.ID()), slog.String("installation", e.ID()))
		if err := e.AddRemote(ctx, repo); err != nil {
			return &BatchError{App: a, Err: err}
		}
	}
	return nil
}

func (p *Plugin) markPending(act action, a *app.App) {
	if act == actionInstall && a.State() == app.StateUnknown {
		p.setState(a, app.StateAvailable)
	}
	p.setState(a, act.pendingState())
}

func (p *Plugin) setState(a *app.App, s app.State) {
	if err := a.SetState(s); err != nil {
		p.log.Debug("failed to set state", slog.String("app", a.UniqueID()), slog.Any("error", err))
	}
}

func (p *Plugin) warn(a *app.App, err error) {
	p.reporter.Report(events.Event{Time: time.Now(), Severity: events.SeverityWarning, App: a, Err: err})
}

func (p *Plugin) runPartition(ctx context.Context, act action, part *partition) error {
	e := part.engine
	log := p.log.With(slog.String("installation", e.ID()), slog.String("action", act.String()))

	done := e.Busy()
	defer done()

	tx, err := transaction.New(ctx, transaction.Config{
		Installation: e.Installation(),
		Options: store.TransactionOptions{
			NoInteraction:    !isInteractive(ctx),
			NoDeploy:         act == actionDownload,
			StopOnFirstError: act == actionInstall || act == actionUninstall,
		},
		Log: log,
		RefToApp: func(ref store.Ref) *app.App {
			return e.AppFromRef(ctx, ref, "")
		},
		Progress: p.progress,
	})
	if err != nil {
		for _, a := range part.apps {
			a.SetStateRecover()
		}
		return &BatchError{Err: err}
	}

	var added, skipped []*app.App
	for _, a := range part.apps {
		var err error
		switch act {
		case actionInstall:
			err = tx.AddInstall(a)
		case actionUpdate, actionDownload:
			err = tx.AddUpdate(a)
		case actionUninstall:
			err = tx.AddUninstall(a)
		}
		if err == nil {
			added = append(added, a)
			continue
		}
		a.SetStateRecover()
		if act.harmless(err) {
			log.Info("nothing to do", slog.String("app", a.UniqueID()), slog.Any("error", err))
			skipped = append(skipped, a)
			continue
		}
		log.Warn("failed to add app to transaction", slog.String("app", a.UniqueID()), slog.Any("error", err))
		p.warn(a, err)
	}
	if len(added) == 0 {
		if len(skipped) > 0 {
			// The store disagreed with the cached state of every skipped app.
			e.InternalDataChanged()
		}
		return p.refineAfter(ctx, e, log, skipped)
	}

	if err := tx.Run(ctx); err != nil {
		for _, a := range part.apps {
			a.SetStateRecover()
		}
		return p.runFailed(ctx, e, tx, part, err)
	}

	for _, f := range tx.Failures() {
		p.warn(f.App, &BatchError{App: f.App, Err: f.Err})
	}

	if err := e.Installation().DropCaches(); err != nil {
		log.Warn("failed to drop store caches", slog.Any("error", storeerr.Convert(err)))
	}
	e.InternalDataChanged()

	affected := app.NewList(added...)
	for _, a := range skipped {
		affected.Add(a)
	}
	for _, a := range tx.Apps() {
		affected.Add(a)
	}
	return p.refineAfter(ctx, e, log, affected.Apps())
}

// refineAfter re-reads the state of apps a batch touched. The store already holds the
// outcome, so a short lane that stopped during shutdown only skips the refine.
func (p *Plugin) refineAfter(ctx context.Context, e *engine.Engine, log *slog.Logger, apps []*app.App) error {
	if len(apps) == 0 {
		return nil
	}
	err := worker.Run(ctx, p.pool.Short, priority(ctx), func(ctx context.Context) error {
		for _, a := range apps {
			if err := e.RefineApp(ctx, a, refreshFlags); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Debug("failed to refine app after transaction", slog.String("app", a.UniqueID()), slog.Any("error", err))
			}
		}
		return nil
	})
	if errors.Is(err, worker.ErrStopped) {
		log.Debug("skipping refine, worker lane stopped", slog.Int("apps", len(apps)))
		return nil
	}
	return err
}

// runFailed cleans up after a failed transaction and explains errors caused by a remote's
// content filter.
func (p *Plugin) runFailed(ctx context.Context, e *engine.Engine, tx *transaction.Transaction, part *partition, err error) error {
	failed := tx.FailedApp()

	if storeerr.IsKind(err, storeerr.KindNoSpace) {
		p.log.Info("pruning store after running out of space", slog.String("installation", e.ID()))
		if perr := e.Installation().Prune(ctx); perr != nil {
			p.log.Warn("failed to prune store", slog.String("installation", e.ID()), slog.Any("error", storeerr.Convert(perr)))
		}
	}

	if store.HasCode(err, store.ErrRefNotFound) || store.HasCode(err, store.ErrRuntimeNotFound) {
		candidates := part.apps
		if failed != nil {
			candidates = []*app.App{failed}
		}
		for _, a := range candidates {
			if a.Origin() == "" {
				continue
			}
			r, rerr := e.Installation().GetRemote(ctx, a.Origin())
			if rerr != nil || r.Filter == "" {
				continue
			}
			title := r.Title
			if title == "" {
				title = r.Name
			}
			return &BatchError{App: a, Err: storeerr.Wrap(storeerr.KindNotSupported, err,
				"%s is not available because %s uses a content filter (%s)", a.ID(), title, r.Filter)}
		}
	}

	if failed == nil && len(part.apps) == 1 {
		failed = part.apps[0]
	}
	return &BatchError{App: failed, Err: err}
}
