package engine

import (
	"context"
	"log/slog"
	"maps"
	"slices"

	"github.com/thepwagner/appcenter/pkg/store"
	"github.com/thepwagner/appcenter/pkg/storeerr"
)

// ChangeStamp increases every time the caches are invalidated.
func (e *Engine) ChangeStamp() uint64 {
	return e.stamp.Load()
}

// InternalDataChanged drops every derived cache and advances the change stamp.
// The broken-remote set survives; only Refresh clears it.
func (e *Engine) InternalDataChanged() {
	e.installedMu.Lock()
	e.installed = nil
	e.installedMu.Unlock()

	e.remotesMu.Lock()
	e.remotes = nil
	e.remotesMu.Unlock()

	e.titlesMu.Lock()
	e.titles = nil
	e.titlesMu.Unlock()

	stamp := e.stamp.Add(1)
	e.metrics.SetChangeStamp(e.id, stamp)
	e.log.Debug("internal data changed", slog.Uint64("stamp", stamp))
}

// Busy marks an operation in flight. Store notifications received until the returned
// function is called are coalesced and replayed once.
func (e *Engine) Busy() (done func()) {
	n := e.busy.Add(1)
	e.metrics.SetBusy(e.id, n)
	var called bool
	return func() {
		if called {
			return
		}
		called = true
		n := e.busy.Add(-1)
		e.metrics.SetBusy(e.id, n)
		if n == 0 && e.deferred.Swap(false) {
			e.log.Debug("replaying deferred store change")
			e.changed()
		}
	}
}

// storeChanged handles a notification from the store monitor.
func (e *Engine) storeChanged() {
	e.deferred.Store(true)
	if e.busy.Load() > 0 {
		e.log.Debug("deferring store change while busy")
		return
	}
	if e.deferred.Swap(false) {
		e.changed()
	}
}

func (e *Engine) changed() {
	e.rescan.Store(true)
	e.InternalDataChanged()
	if e.onReload != nil {
		e.onReload()
	}
}

func (e *Engine) installedRefs(ctx context.Context) ([]store.InstalledRef, error) {
	e.installedMu.Lock()
	defer e.installedMu.Unlock()
	if e.installed != nil {
		return e.installed, nil
	}
	stamp := e.stamp.Load()
	refs, err := e.inst.ListInstalledRefs(ctx)
	if err != nil {
		return nil, storeerr.Convert(err)
	}
	if refs == nil {
		refs = []store.InstalledRef{}
	}
	// Don't cache a listing that raced with an invalidation.
	if e.stamp.Load() == stamp {
		e.installed = refs
	}
	return refs, nil
}

// installedRef finds an exact (origin, kind, name, arch, branch) match. An empty origin
// matches any origin.
func (e *Engine) installedRef(ctx context.Context, origin string, ref store.Ref) (*store.InstalledRef, error) {
	refs, err := e.installedRefs(ctx)
	if err != nil {
		return nil, err
	}
	for _, ir := range refs {
		if ir.Ref != ref {
			continue
		}
		if origin != "" && ir.Origin != origin {
			continue
		}
		cp := ir
		return &cp, nil
	}
	return nil, nil
}

func (e *Engine) remotesByName(ctx context.Context) (map[string]store.Remote, error) {
	e.remotesMu.Lock()
	defer e.remotesMu.Unlock()
	if e.remotes != nil {
		return e.remotes, nil
	}
	stamp := e.stamp.Load()
	remotes, err := e.inst.ListRemotes(ctx)
	if err != nil {
		return nil, storeerr.Convert(err)
	}
	byName := make(map[string]store.Remote, len(remotes))
	for _, r := range remotes {
		byName[r.Name] = r
	}
	if e.stamp.Load() == stamp {
		e.remotes = byName
	}
	return byName, nil
}

func (e *Engine) remote(ctx context.Context, name string) (*store.Remote, error) {
	remotes, err := e.remotesByName(ctx)
	if err != nil {
		return nil, err
	}
	r, ok := remotes[name]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

// remoteTitle returns the display title of a remote, listing remotes only on a miss.
func (e *Engine) remoteTitle(ctx context.Context, name string) string {
	e.titlesMu.Lock()
	defer e.titlesMu.Unlock()
	if title, ok := e.titles[name]; ok {
		return title
	}

	remotes, err := e.inst.ListRemotes(ctx)
	if err != nil {
		e.log.Debug("failed to list remotes for title", slog.String("remote", name), slog.Any("error", err))
		return ""
	}
	if e.titles == nil {
		e.titles = map[string]string{}
	}
	for _, r := range remotes {
		e.titles[r.Name] = r.Title
	}
	return e.titles[name]
}

func (e *Engine) isBroken(remote string) bool {
	e.brokenMu.Lock()
	defer e.brokenMu.Unlock()
	_, ok := e.broken[remote]
	return ok
}

func (e *Engine) markBroken(remote string, err error) {
	e.brokenMu.Lock()
	defer e.brokenMu.Unlock()
	e.log.Warn("marking remote broken", slog.String("remote", remote), slog.Any("error", err))
	e.broken[remote] = struct{}{}
}

// BrokenRemotes lists remotes skipped until the next Refresh.
func (e *Engine) BrokenRemotes() []string {
	e.brokenMu.Lock()
	defer e.brokenMu.Unlock()
	return slices.Sorted(maps.Keys(e.broken))
}

// fullRescan reloads the store's view of itself. A failure invalidates everything so the
// next read starts over.
func (e *Engine) fullRescan(ctx context.Context) error {
	if err := e.inst.DropCaches(); err != nil {
		e.InternalDataChanged()
		return storeerr.Convert(err)
	}
	if _, err := e.installedRefs(ctx); err != nil {
		e.InternalDataChanged()
		return err
	}
	if _, err := e.remotesByName(ctx); err != nil {
		e.InternalDataChanged()
		return err
	}
	return nil
}
