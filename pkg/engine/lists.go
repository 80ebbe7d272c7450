package engine

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/thepwagner/appcenter/pkg/app"
	"github.com/thepwagner/appcenter/pkg/events"
	"github.com/thepwagner/appcenter/pkg/silo"
	"github.com/thepwagner/appcenter/pkg/store"
	"github.com/thepwagner/appcenter/pkg/storeerr"
)

// ListInstalled returns every deployed ref, with metadata from the compiled index.
func (e *Engine) ListInstalled(ctx context.Context) (*app.List, error) {
	refs, err := e.installedRefs(ctx)
	if err != nil {
		return nil, err
	}
	list := app.NewList()
	for _, ir := range refs {
		a := e.AppFromInstalledRef(ctx, ir)
		if err := e.refineIdentity(ctx, a); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.log.Warn("failed to refine installed app", slog.String("app", a.UniqueID()), slog.Any("error", err))
		}
		list.Add(a)
	}
	return list, nil
}

// ListUpdates returns installed refs whose remote has a newer commit.
func (e *Engine) ListUpdates(ctx context.Context) (*app.List, error) {
	refs, err := e.inst.ListInstalledRefsForUpdate(ctx)
	if err != nil {
		return nil, storeerr.Convert(err)
	}
	list := app.NewList()
	for _, ir := range refs {
		if ir.LatestCommit == "" || ir.LatestCommit == ir.Commit {
			continue
		}
		a := e.AppFromInstalledRef(ctx, ir)
		if a.State() == app.StateInstalled {
			forceState(a, app.StateUpdatableLive)
		}
		if err := e.refineIdentity(ctx, a); err != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}

		download, _, err := e.inst.FetchRemoteSize(ctx, ir.Origin, ir.Ref)
		switch {
		case err == nil:
			a.SetSizeDownload(app.SizeOf(download))
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			e.log.Debug("failed to get update size", slog.String("app", a.UniqueID()), slog.Any("error", err))
			a.SetSizeDownload(app.Unknowable)
		}
		list.Add(a)
	}
	return list, nil
}

// ListSources returns one repository app per remote. With related set, each carries the
// installed apps from that remote.
func (e *Engine) ListSources(ctx context.Context, related bool) (*app.List, error) {
	remotes, err := e.inst.ListRemotes(ctx)
	if err != nil {
		return nil, storeerr.Convert(err)
	}
	var installed []store.InstalledRef
	if related {
		if installed, err = e.installedRefs(ctx); err != nil {
			return nil, err
		}
	}

	list := app.NewList()
	for _, r := range remotes {
		if r.NoEnumerate {
			continue
		}
		a := e.AppFromRemote(r)
		for _, ir := range installed {
			if ir.Origin == r.Name {
				a.AddRelated(e.AppFromInstalledRef(ctx, ir))
			}
		}
		list.Add(a)
	}
	return list, nil
}

// Search returns apps whose id, name, keywords or summary match every term.
func (e *Engine) Search(ctx context.Context, terms ...string) (*app.List, error) {
	s, err := e.Silo(ctx)
	if err != nil {
		return nil, err
	}
	return e.appsFromComponents(ctx, s.Search(terms...))
}

// ListAppsByID returns apps with the id, or that list it as an alias.
func (e *Engine) ListAppsByID(ctx context.Context, id string) (*app.List, error) {
	s, err := e.Silo(ctx)
	if err != nil {
		return nil, err
	}
	return e.appsFromComponents(ctx, slices.Concat(s.ByID(id), s.ByProvides(id)))
}

func (e *Engine) appsFromComponents(ctx context.Context, components []*silo.Component) (*app.List, error) {
	list := app.NewList()
	for _, c := range components {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		a, ok := e.appFromComponent(ctx, c)
		if !ok {
			continue
		}
		if err := e.refineState(ctx, a); err != nil {
			return nil, err
		}
		list.Add(a)
	}
	return list, nil
}

// Refresh gives broken remotes another chance and updates appstream older than cacheAge.
func (e *Engine) Refresh(ctx context.Context, cacheAge time.Duration) error {
	done := e.Busy()
	defer done()
	defer e.InternalDataChanged()

	e.brokenMu.Lock()
	clear(e.broken)
	e.brokenMu.Unlock()

	if err := e.inst.DropCaches(); err != nil {
		return storeerr.Convert(err)
	}
	if !e.settings.AllowRefresh() {
		e.log.Info("not refreshing metadata on a metered connection")
		return nil
	}

	remotes, err := e.inst.ListRemotes(ctx)
	if err != nil {
		return storeerr.Convert(err)
	}
	now := time.Now()
	for _, r := range remotes {
		if r.Disabled {
			continue
		}
		if r.AppstreamDir != "" && cacheAge > 0 {
			age := now.Sub(time.Unix(r.AppstreamTimestamp, 0))
			if age < cacheAge {
				e.log.Debug("appstream is fresh", slog.String("remote", r.Name), slog.Duration("age", age))
				continue
			}
		}
		if err := e.inst.UpdateAppstream(ctx, r.Name, e.inst.DefaultArch()); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			err = storeerr.Convert(err)
			e.markBroken(r.Name, err)
			e.reporter.Report(events.Event{Time: now, Severity: events.SeverityWarning, Err: err})
			continue
		}
		e.log.Info("updated appstream", slog.String("remote", r.Name))
	}
	return nil
}
