package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/thepwagner/appcenter/pkg/app"
	"github.com/thepwagner/appcenter/pkg/keyfile"
	"github.com/thepwagner/appcenter/pkg/permissions"
	"github.com/thepwagner/appcenter/pkg/silo"
	"github.com/thepwagner/appcenter/pkg/store"
	"github.com/thepwagner/appcenter/pkg/storeerr"
)

// RefineFlags selects the attribute categories RefineApp resolves. Identity and state
// are always resolved.
type RefineFlags uint32

const (
	RefineOrigin RefineFlags = 1 << iota
	RefineOriginUI
	RefineOriginHostname
	RefineRuntime
	RefineAddons
	RefineSize
	RefineSizeData
	RefinePermissions
	RefineUpdatePermissions
	RefineVersion
)

const RefineAll = RefineOrigin | RefineOriginUI | RefineOriginHostname | RefineRuntime | RefineAddons |
	RefineSize | RefineSizeData | RefinePermissions | RefineUpdatePermissions | RefineVersion

var refineNames = map[RefineFlags]string{
	RefineOrigin:            "origin",
	RefineOriginUI:          "origin-ui",
	RefineOriginHostname:    "origin-hostname",
	RefineRuntime:           "runtime",
	RefineAddons:            "addons",
	RefineSize:              "size",
	RefineSizeData:          "size-data",
	RefinePermissions:       "permissions",
	RefineUpdatePermissions: "update-permissions",
	RefineVersion:           "version",
}

func (f RefineFlags) String() string {
	var names []string
	for _, flag := range slices.Sorted(maps.Keys(refineNames)) {
		if f&flag != 0 {
			names = append(names, refineNames[flag])
		}
	}
	return strings.Join(names, "|")
}

// RefineError lists the categories that could not be resolved. Every other category
// was applied.
type RefineError struct {
	App    string
	Failed map[RefineFlags]error
}

func (e *RefineError) Error() string {
	var parts []string
	for _, flag := range slices.Sorted(maps.Keys(e.Failed)) {
		parts = append(parts, fmt.Sprintf("failed to get %s: %s", flag, e.Failed[flag]))
	}
	return fmt.Sprintf("refining %s: %s", e.App, strings.Join(parts, "; "))
}

func (e *RefineError) Unwrap() []error {
	return slices.Collect(maps.Values(e.Failed))
}

// Owns reports whether a belongs to this installation.
func (e *Engine) Owns(a *app.App) bool {
	if a.Bundle() != app.BundleFlatpak {
		return false
	}
	if id := a.Installation(); id != "" {
		return id == e.id
	}
	return a.Scope() == app.ScopeUnknown || a.Scope() == e.scope
}

// RefineApp fills in the requested categories of a in place. Identity failures are
// returned as is; failures of other categories are collected into a *RefineError.
func (e *Engine) RefineApp(ctx context.Context, a *app.App, flags RefineFlags) error {
	if err := e.refineIdentity(ctx, a); err != nil {
		return err
	}
	if err := e.refineState(ctx, a); err != nil {
		return err
	}

	steps := []struct {
		flag RefineFlags
		fn   func(context.Context, *app.App) error
	}{
		{RefineOrigin, e.refineOrigin},
		{RefineAddons, e.refineAddons},
		{RefineSize, e.refineSize},
		{RefineSizeData, e.refineSizeData},
		{RefineRuntime | RefinePermissions, e.refineMetadata},
		{RefineUpdatePermissions, e.refineUpdatePermissions},
		{RefineOriginUI, e.refineOriginUI},
		{RefineOriginHostname, e.refineOriginHostname},
		{RefineVersion, e.refineVersion},
	}
	var failed map[RefineFlags]error
	for _, step := range steps {
		if flags&step.flag == 0 {
			continue
		}
		err := step.fn(ctx, a)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if failed == nil {
			failed = map[RefineFlags]error{}
		}
		failed[flags&step.flag] = err
	}
	if failed != nil {
		return &RefineError{App: a.UniqueID(), Failed: failed}
	}
	return nil
}

// refineIdentity records the ref and copies metadata from the compiled index.
func (e *Engine) refineIdentity(ctx context.Context, a *app.App) error {
	if a.Kind() == app.KindRepository {
		return nil
	}

	ref, ok := Ref(a)
	if !ok {
		source := a.Source()
		if source == "" {
			return storeerr.New(storeerr.KindNotSupported, "no source set for %s", a.UniqueID())
		}
		var err error
		ref, err = store.ParseRef(source)
		if err != nil {
			return storeerr.Wrap(storeerr.KindInvalidFormat, err, "failed to parse %q", source)
		}
		e.setRefMetadata(a, ref)
	}

	if a.Metadata(MetaFileKind) == FileKindBundle {
		return nil
	}

	s, err := e.Silo(ctx)
	if err != nil {
		return err
	}
	c := e.componentFor(ctx, s, a, ref)
	if c == nil {
		e.log.Debug("no component for app", slog.String("app", a.UniqueID()))
		return nil
	}
	if a.Origin() == "" {
		e.setOrigin(ctx, a, c.Origin())
	}
	e.applyComponent(a, c)
	return nil
}

// componentFor finds a's component, following an end-of-life rename within the same remote.
func (e *Engine) componentFor(ctx context.Context, s *silo.Silo, a *app.App, ref store.Ref) *silo.Component {
	origin := a.Origin()
	if c := s.ByBundle(ref.String()); c != nil && (origin == "" || c.Origin() == origin) {
		return c
	}

	rebase := a.Metadata(MetaEOLRebase)
	if rebase == "" && origin != "" {
		rr, err := e.inst.FetchRemoteRef(ctx, origin, ref)
		if err != nil {
			return nil
		}
		a.SetMetadata(MetaEOL, rr.EOL)
		a.SetMetadata(MetaEOLRebase, rr.EOLRebase)
		rebase = rr.EOLRebase
	}
	if rebase == "" {
		return nil
	}
	target, err := store.ParseRef(rebase)
	if err != nil {
		target = store.Ref{Kind: ref.Kind, Name: rebase, Arch: ref.Arch, Branch: ref.Branch}
	}
	if c := s.ByBundle(target.String()); c != nil && (origin == "" || c.Origin() == origin) {
		e.log.Debug("using renamed component", slog.String("app", a.UniqueID()), slog.String("rebase", target.String()))
		return c
	}
	return nil
}

// refineState resolves installed or available state from the installed-refs cache.
func (e *Engine) refineState(ctx context.Context, a *app.App) error {
	switch a.State() {
	case app.StateInstalling, app.StateRemoving, app.StateQueuedForInstall, app.StateAvailableLocal:
		return nil
	}

	if a.Kind() == app.KindRepository {
		r, err := e.remote(ctx, a.ID())
		if err != nil {
			return err
		}
		if r == nil {
			forceState(a, app.StateAvailable)
			return nil
		}
		e.applyRemote(a, *r)
		return nil
	}

	ref, ok := Ref(a)
	if !ok {
		return nil
	}
	ir, err := e.installedRef(ctx, a.Origin(), ref)
	if err != nil {
		return err
	}
	if ir != nil {
		if a.Origin() == "" {
			e.setOrigin(ctx, a, ir.Origin)
		}
		e.applyInstalled(a, *ir)
		return nil
	}

	if a.Origin() != "" {
		r, err := e.remote(ctx, a.Origin())
		if err != nil {
			return err
		}
		if r != nil && !r.Disabled {
			forceState(a, app.StateAvailable)
			return nil
		}
	}
	forceState(a, app.StateUnavailable)
	return nil
}

// refineOrigin finds the first enabled remote offering the app's ref.
func (e *Engine) refineOrigin(ctx context.Context, a *app.App) error {
	if a.Origin() != "" || a.State() == app.StateAvailableLocal {
		return nil
	}
	ref, ok := Ref(a)
	if !ok {
		return nil
	}
	remotes, err := e.remotesByName(ctx)
	if err != nil {
		return err
	}
	for _, name := range slices.Sorted(maps.Keys(remotes)) {
		if remotes[name].Disabled {
			continue
		}
		rr, err := e.inst.FetchRemoteRef(ctx, name, ref)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.log.Debug("ref not in remote", slog.String("remote", name), slog.String("ref", ref.String()))
			continue
		}
		e.setOrigin(ctx, a, name)
		a.SetMetadata(MetaCommit, rr.Commit)
		return nil
	}
	return nil
}

// refineAddons attaches add-ons from the compiled index, then hides those that do not
// belong to this exact version of the app.
func (e *Engine) refineAddons(ctx context.Context, a *app.App) error {
	ref, ok := Ref(a)
	if !ok || ref.Kind != store.RefKindApp || a.Origin() == "" {
		return nil
	}

	s, err := e.Silo(ctx)
	if err != nil {
		return err
	}
	for _, id := range []string{a.ID(), a.ID() + ".desktop"} {
		for _, c := range s.ByExtends(id) {
			if c.Origin() != a.Origin() {
				continue
			}
			addon, ok := e.appFromComponent(ctx, c)
			if !ok {
				continue
			}
			addon.SetMetadata(MetaMainApp, a.ID())
			a.AddAddon(addon)
		}
	}

	installed, err := e.inst.ListInstalledRelatedRefs(ctx, a.Origin(), ref)
	if err != nil {
		e.log.Warn("not pruning addons", slog.String("app", a.UniqueID()), slog.Any("error", storeerr.Convert(err)))
		return nil
	}
	remote, err := e.inst.ListRemoteRelatedRefs(ctx, a.Origin(), ref)
	if err != nil {
		e.log.Warn("not pruning addons", slog.String("app", a.UniqueID()), slog.Any("error", storeerr.Convert(err)))
		return nil
	}
	related := map[store.Ref]struct{}{}
	for _, r := range slices.Concat(installed, remote) {
		related[r.Ref] = struct{}{}
	}

	for _, addon := range a.Addons() {
		addonRef, ok := Ref(addon)
		if ok {
			if _, ok := related[addonRef]; ok {
				continue
			}
		}
		e.log.Debug("hiding addon for another version", slog.String("app", a.UniqueID()), slog.String("addon", addon.UniqueID()))
		a.RemoveAddon(addon)
	}
	return nil
}

// refineSize resolves download and installed size, including an uninstalled runtime.
func (e *Engine) refineSize(ctx context.Context, a *app.App) error {
	if a.State() == app.StateAvailableLocal || a.Kind() == app.KindRepository {
		return nil
	}
	installed := a.State().IsInstalled()
	if installed && a.SizeInstalled().Valid() {
		return nil
	}
	if !installed && a.SizeInstalled().Valid() && a.SizeDownload().Valid() {
		return nil
	}
	ref, ok := Ref(a)
	if !ok {
		return storeerr.New(storeerr.KindNotSupported, "no ref for %s", a.UniqueID())
	}

	if a.State() == app.StateAvailable && ref.Kind == store.RefKindApp {
		if err := e.refineMetadata(ctx, a); err != nil {
			e.log.Debug("no runtime for size", slog.String("app", a.UniqueID()), slog.Any("error", err))
		}
		if rt := a.Runtime(); rt != nil {
			if err := e.refineState(ctx, rt); err != nil {
				e.log.Debug("failed to get runtime state", slog.String("runtime", rt.UniqueID()), slog.Any("error", err))
			}
			if !rt.State().IsInstalled() {
				if err := e.refineSize(ctx, rt); err != nil {
					e.log.Debug("failed to get runtime size", slog.String("runtime", rt.UniqueID()), slog.Any("error", err))
				}
			}
		}
	}

	if installed {
		ir, err := e.installedRef(ctx, a.Origin(), ref)
		if err != nil {
			return err
		}
		if ir != nil && ir.InstalledSize > 0 {
			a.SetSizeInstalled(app.SizeOf(ir.InstalledSize))
		} else {
			a.SetSizeInstalled(app.Unknowable)
		}
		return nil
	}

	if err := e.refineOrigin(ctx, a); err != nil {
		return err
	}
	if a.Origin() == "" {
		return storeerr.New(storeerr.KindNotSupported, "no origin set for %s", a.UniqueID())
	}
	download, installedSize, err := e.inst.FetchRemoteSize(ctx, a.Origin(), ref)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.log.Warn("failed to get remote size", slog.String("app", a.UniqueID()), slog.Any("error", storeerr.Convert(err)))
		a.SetSizeDownload(app.Unknowable)
		a.SetSizeInstalled(app.Unknowable)
		return nil
	}
	a.SetSizeDownload(app.SizeOf(download))
	a.SetSizeInstalled(app.SizeOf(installedSize))
	return nil
}

// refineSizeData measures the app's per-user data directory. Failures leave the size
// unknowable.
func (e *Engine) refineSizeData(_ context.Context, a *app.App) error {
	if a.Kind() != app.KindDesktopApp || e.homeDir == "" {
		return nil
	}
	dir := filepath.Join(e.homeDir, ".var", "app", a.ID())
	var total uint64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += uint64(info.Size())
		}
		return nil
	})
	switch {
	case errors.Is(err, fs.ErrNotExist):
		a.SetSizeUserData(app.SizeOf(0))
	case err != nil:
		e.log.Debug("failed to measure user data", slog.String("app", a.UniqueID()), slog.Any("error", err))
		a.SetSizeUserData(app.Unknowable)
	default:
		a.SetSizeUserData(app.SizeOf(total))
	}
	return nil
}

// refineMetadata reads the sandbox metadata for permissions and the runtime.
func (e *Engine) refineMetadata(ctx context.Context, a *app.App) error {
	ref, ok := Ref(a)
	if !ok || ref.Kind != store.RefKindApp || a.Metadata(MetaFileKind) == FileKindBundle {
		return nil
	}
	data, err := e.appMetadata(ctx, a, ref)
	if err != nil {
		return err
	}
	kf, err := keyfile.Parse(data)
	if err != nil {
		return storeerr.Wrap(storeerr.KindInvalidFormat, err, "parsing metadata for %s", a.UniqueID())
	}
	a.SetPermissions(permissions.FromMetadata(kf))
	if a.Runtime() == nil {
		if rt := kf.Value("Application", "runtime"); rt != "" {
			e.linkRuntime(ctx, a, rt)
		}
	}
	return nil
}

// appMetadata prefers the deployed metadata file over a network fetch.
func (e *Engine) appMetadata(ctx context.Context, a *app.App, ref store.Ref) ([]byte, error) {
	ir, err := e.installedRef(ctx, a.Origin(), ref)
	if err != nil {
		return nil, err
	}
	if ir != nil && ir.DeployDir != "" {
		b, err := os.ReadFile(filepath.Join(ir.DeployDir, "metadata"))
		if err == nil {
			return b, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, storeerr.Convert(err)
		}
	}
	if a.Origin() == "" {
		return nil, storeerr.New(storeerr.KindNotSupported, "no origin set when getting metadata for %s", a.UniqueID())
	}
	return e.fetchRemoteMetadata(ctx, a.Origin(), ref, a.Metadata(MetaCommit))
}

func (e *Engine) fetchRemoteMetadata(ctx context.Context, remote string, ref store.Ref, commit string) ([]byte, error) {
	key := strings.Join([]string{remote, ref.String(), commit}, " ")
	if b, ok := e.remoteMetadata.Get(key); ok {
		return b, nil
	}
	b, err := e.inst.FetchRemoteMetadata(ctx, remote, ref)
	if err != nil {
		return nil, storeerr.Convert(err)
	}
	e.remoteMetadata.Add(key, b)
	return b, nil
}

// refineUpdatePermissions flags permissions the pending update newly requests.
func (e *Engine) refineUpdatePermissions(ctx context.Context, a *app.App) error {
	switch a.State() {
	case app.StateUpdatable, app.StateUpdatableLive:
	default:
		return nil
	}
	ref, ok := Ref(a)
	if !ok || ref.Kind != store.RefKindApp {
		return nil
	}
	if err := e.refineMetadata(ctx, a); err != nil {
		return err
	}
	data, err := e.fetchRemoteMetadata(ctx, a.Origin(), ref, a.Metadata(MetaLatestCommit))
	if err != nil {
		return err
	}
	next, err := permissions.FromMetadataBytes(data)
	if err != nil {
		return storeerr.Wrap(storeerr.KindInvalidFormat, err, "parsing update metadata for %s", a.UniqueID())
	}
	a.SetUpdatePermissions(permissions.Diff(a.Permissions(), next))
	return nil
}

func (e *Engine) refineOriginUI(ctx context.Context, a *app.App) error {
	if a.OriginUI() != "" || a.Origin() == "" {
		return nil
	}
	e.setOrigin(ctx, a, a.Origin())
	return nil
}

// refineOriginHostname shows "localhost" for apps whose remote was deleted.
func (e *Engine) refineOriginHostname(ctx context.Context, a *app.App) error {
	if a.OriginHostname() != "" || a.Origin() == "" {
		return nil
	}
	r, err := e.remote(ctx, a.Origin())
	if err != nil {
		return err
	}
	if r == nil {
		a.SetOriginHostname("localhost")
		return nil
	}
	if r.URL == "" {
		return storeerr.New(storeerr.KindInvalidFormat, "no URL for remote %s", r.Name)
	}
	u, err := url.Parse(r.URL)
	if err != nil || u.Hostname() == "" {
		return storeerr.New(storeerr.KindInvalidFormat, "invalid URL %q for remote %s", r.URL, r.Name)
	}
	a.SetOriginHostname(u.Hostname())
	return nil
}

func (e *Engine) refineVersion(_ context.Context, a *app.App) error {
	if a.Version() == "" {
		a.SetVersion(a.Branch())
	}
	return nil
}

// linkRuntime attaches the runtime named "name/arch/branch" to a.
func (e *Engine) linkRuntime(ctx context.Context, a *app.App, runtime string) {
	parts := strings.Split(runtime, "/")
	if len(parts) != 3 {
		e.log.Debug("invalid runtime", slog.String("app", a.UniqueID()), slog.String("runtime", runtime))
		return
	}
	ref := store.Ref{Kind: store.RefKindRuntime, Name: parts[0], Arch: parts[1], Branch: parts[2]}
	a.SetRuntime(e.AppFromRef(ctx, ref, ""))
}
