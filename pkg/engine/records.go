package engine

import (
	"context"
	"log/slog"
	"strings"

	"github.com/thepwagner/appcenter/pkg/app"
	"github.com/thepwagner/appcenter/pkg/silo"
	"github.com/thepwagner/appcenter/pkg/store"
)

// Metadata keys maintained on apps built by the engine.
const (
	MetaRefKind       = "flatpak::RefKind"
	MetaRefName       = "flatpak::RefName"
	MetaRefArch       = "flatpak::RefArch"
	MetaRefBranch     = "flatpak::RefBranch"
	MetaCommit        = "flatpak::Commit"
	MetaLatestCommit  = "flatpak::LatestCommit"
	MetaFileKind      = "flatpak::FileKind"
	MetaRepoURL       = "flatpak::RepoURL"
	MetaRepoGPGKey    = "flatpak::RepoGpgKey"
	MetaRepoFilter    = "flatpak::RepoFilter"
	MetaDefaultBranch = "flatpak::RepoDefaultBranch"
	MetaMainApp       = "flatpak::mainApp"
	MetaRuntimeRepo   = "flatpak::RuntimeRepo"
	MetaEOL           = "flatpak::EOL"
	MetaEOLRebase     = "flatpak::EOLRebase"
	MetaCreator       = "GnomeSoftware::Creator"
)

// File kinds recorded under MetaFileKind.
const (
	FileKindRepo   = "repo"
	FileKindRef    = "ref"
	FileKindBundle = "bundle"
)

const runtimeSummary = "Framework for applications"

// Ref returns the store ref recorded on a, if any.
func Ref(a *app.App) (store.Ref, bool) {
	kind, err := store.ParseRefKind(a.Metadata(MetaRefKind))
	if err != nil {
		return store.Ref{}, false
	}
	ref := store.Ref{
		Kind:   kind,
		Name:   a.Metadata(MetaRefName),
		Arch:   a.Metadata(MetaRefArch),
		Branch: a.Metadata(MetaRefBranch),
	}
	if ref.Name == "" || ref.Arch == "" || ref.Branch == "" {
		return store.Ref{}, false
	}
	return ref, true
}

// IsDevelopmentChannel reports whether an origin or branch carries unreleased builds.
func IsDevelopmentChannel(origin, branch string) bool {
	return origin == "flathub-beta" || branch == "devel" || branch == "master" || strings.HasSuffix(branch, "beta")
}

// setRefMetadata records ref on a and derives the identity that follows from it.
func (e *Engine) setRefMetadata(a *app.App, ref store.Ref) {
	a.SetBundle(app.BundleFlatpak)
	a.SetBranch(ref.Branch)
	a.SetSource(ref.String())
	a.SetScope(e.scope)
	if !e.temporary {
		a.SetInstallation(e.id)
	}
	a.SetMetadata(MetaRefKind, ref.Kind.String())
	a.SetMetadata(MetaRefName, ref.Name)
	a.SetMetadata(MetaRefArch, ref.Arch)
	a.SetMetadata(MetaRefBranch, ref.Branch)
	a.SetMetadata(MetaCreator, "flatpak")

	if ref.Kind == store.RefKindApp {
		a.SetKind(app.KindDesktopApp)
	} else if k := a.Kind(); k == app.KindUnknown || k == app.KindDesktopApp || k == app.KindRuntime {
		a.SetKind(runtimeKind(a.ID()))
	}
	if IsDevelopmentChannel(a.Origin(), ref.Branch) {
		a.AddQuirk(app.QuirkDevelopmentSource)
	}
}

// runtimeKind refines the kind of a non-app ref from its id.
func runtimeKind(id string) app.Kind {
	switch {
	case strings.HasSuffix(id, ".Locale"):
		return app.KindLocalization
	case strings.HasSuffix(id, ".Debug"),
		strings.HasSuffix(id, ".Sources"),
		strings.HasPrefix(id, "org.freedesktop.Platform.Icontheme."),
		strings.HasPrefix(id, "org.gtk.Gtk3theme."):
		return app.KindGeneric
	default:
		return app.KindRuntime
	}
}

func (e *Engine) setOrigin(ctx context.Context, a *app.App, origin string) {
	if origin == "" {
		return
	}
	a.SetOrigin(origin)
	if !e.temporary {
		e.registry.Rekey(a)
	}
	if title := e.remoteTitle(ctx, origin); title != "" {
		a.SetOriginUI(title)
	} else if a.OriginUI() == "" {
		a.SetOriginUI(origin)
	}
	if IsDevelopmentChannel(origin, a.Branch()) {
		a.AddQuirk(app.QuirkDevelopmentSource)
	}
}

// AppFromRef returns the app for ref from origin, reusing a registered instance when one exists.
func (e *Engine) AppFromRef(ctx context.Context, ref store.Ref, origin string) *app.App {
	a := app.New(ref.Name)
	e.setRefMetadata(a, ref)
	if origin != "" {
		a.SetOrigin(origin)
	}

	if !e.temporary {
		if cached := e.registry.Lookup(a.UniqueID()); cached != nil {
			return cached
		}
	}

	e.setOrigin(ctx, a, origin)
	if a.Kind() == app.KindRuntime {
		a.SetName(ref.Name)
		a.SetSummary(runtimeSummary)
		a.SetVersion(ref.Branch)
		a.SetIcon("system-run-symbolic")
	}
	if !e.temporary {
		e.registry.Add(a)
	}
	return a
}

// AppFromInstalledRef returns the app for an installed ref with its deployment state applied.
func (e *Engine) AppFromInstalledRef(ctx context.Context, ir store.InstalledRef) *app.App {
	a := e.AppFromRef(ctx, ir.Ref, ir.Origin)
	e.applyInstalled(a, ir)
	return a
}

func (e *Engine) applyInstalled(a *app.App, ir store.InstalledRef) {
	a.SetMetadata(MetaCommit, ir.Commit)
	a.SetMetadata(MetaLatestCommit, ir.LatestCommit)
	a.SetMetadata(MetaEOL, ir.EOL)
	a.SetMetadata(MetaEOLRebase, ir.EOLRebase)
	if ir.AppdataName != "" && a.Name() == "" {
		a.SetName(ir.AppdataName)
	}
	if ir.AppdataSummary != "" && a.Summary() == "" {
		a.SetSummary(ir.AppdataSummary)
	}
	if ir.AppdataVersion != "" {
		a.SetVersion(ir.AppdataVersion)
	}
	if ir.InstalledSize > 0 {
		a.SetSizeInstalled(app.SizeOf(ir.InstalledSize))
	} else {
		a.SetSizeInstalled(app.Unknowable)
	}

	if ir.Kind == store.RefKindApp {
		if ir.IsCurrent {
			a.RemoveQuirk(app.QuirkNotLaunchable)
		} else {
			a.AddQuirk(app.QuirkNotLaunchable)
		}
	} else {
		a.AddQuirk(app.QuirkNotLaunchable)
	}

	switch a.State() {
	case app.StateInstalling, app.StateRemoving, app.StateUpdatable, app.StateUpdatableLive:
	default:
		forceState(a, app.StateInstalled)
	}
}

// AppFromRemote returns the repository app describing r.
func (e *Engine) AppFromRemote(r store.Remote) *app.App {
	a := app.New(r.Name)
	a.SetKind(app.KindRepository)
	a.SetBundle(app.BundleFlatpak)
	a.SetScope(e.scope)
	if !e.temporary {
		a.SetInstallation(e.id)
		if cached := e.registry.Lookup(a.UniqueID()); cached != nil {
			a = cached
		} else {
			e.registry.Add(a)
		}
	}
	e.applyRemote(a, r)
	return a
}

func (e *Engine) applyRemote(a *app.App, r store.Remote) {
	title := r.Title
	if title == "" {
		title = r.Name
	}
	a.SetName(title)
	a.SetOriginUI(title)
	a.SetSummary(r.Comment)
	a.SetDescription(r.Description)
	a.SetHomepage(r.Homepage)
	a.SetIcon(r.Icon)
	a.SetMetadata(MetaRepoURL, r.URL)
	a.SetMetadata(MetaRepoFilter, r.Filter)
	a.SetMetadata(MetaDefaultBranch, r.DefaultBranch)
	a.AddQuirk(app.QuirkNotLaunchable)
	if r.Disabled {
		forceState(a, app.StateAvailable)
	} else {
		forceState(a, app.StateInstalled)
	}
}

// applyComponent copies metadata from the compiled index onto a.
func (e *Engine) applyComponent(a *app.App, c *silo.Component) {
	locale := e.locales[0]
	if v := c.Name(locale); v != "" {
		a.SetName(v)
	}
	if v := c.Summary(locale); v != "" {
		a.SetSummary(v)
	}
	if v := c.Description(locale); v != "" {
		a.SetDescription(v)
	}
	if v := c.ProjectLicense(); v != "" {
		a.SetLicense(v)
	}
	if v := c.Developer(); v != "" {
		a.SetDeveloper(v)
	}
	if v := c.URL("homepage"); v != "" {
		a.SetHomepage(v)
	}
	if v := c.Icon(); v != "" {
		a.SetIcon(v)
	}
	for _, k := range c.Keywords() {
		a.AddKeyword(k)
	}
	for _, cat := range c.Categories() {
		a.AddCategory(cat)
	}
	if v := c.Version(); v != "" && !a.State().IsInstalled() {
		a.SetVersion(v)
	} else if v != "" && a.Version() == "" {
		a.SetVersion(v)
	}
	if a.Kind() == app.KindUnknown {
		a.SetKind(app.ParseKind(c.Kind()))
	}
	if eol := c.Custom("flatpak::eol"); eol != "" && a.Metadata(MetaEOL) == "" {
		a.SetMetadata(MetaEOL, eol)
	}
}

// appFromComponent builds the app a component's bundle installs.
func (e *Engine) appFromComponent(ctx context.Context, c *silo.Component) (*app.App, bool) {
	ref, err := store.ParseRef(c.Bundle())
	if err != nil {
		return nil, false
	}
	a := e.AppFromRef(ctx, ref, c.Origin())
	e.applyComponent(a, c)
	return a, true
}

// forceState moves a to s, passing through unknown when the direct transition is illegal.
func forceState(a *app.App, s app.State) {
	if a.State().CanTransition(s) {
		_ = a.SetState(s)
		return
	}
	switch a.State() {
	case app.StateInstalling, app.StateRemoving:
		slog.Debug("not overriding in-flight state", slog.String("app", a.UniqueID()), slog.String("state", a.State().String()))
		return
	}
	_ = a.SetState(app.StateUnknown)
	_ = a.SetState(s)
}
