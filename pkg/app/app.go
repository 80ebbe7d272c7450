// Package app is the generic software record shared by every component.
package app

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/thepwagner/appcenter/pkg/permissions"
)

// App is safe for concurrent use.
type App struct {
	mu sync.RWMutex

	id           string
	kind         Kind
	scope        Scope
	bundle       string
	state        State
	stateRecover State
	quirks       Quirk

	origin         string
	originUI       string
	originHostname string
	branch         string
	source         string
	installation   string
	localFile      string

	name          string
	summary       string
	description   string
	version       string
	updateVersion string
	license       string
	developer     string
	homepage      string
	icon          string
	keywords      []string
	categories    []string
	progress      int

	sizeDownload  Size
	sizeInstalled Size
	sizeUserData  Size

	permissions       permissions.Flags
	updatePermissions permissions.Flags

	runtime *App
	addons  []*App
	related []*App

	metadata map[string]string
}

func New(id string) *App {
	return &App{id: id, metadata: map[string]string{}}
}

func (a *App) ID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.id
}

func (a *App) SetID(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.id = id
}

// UniqueID is scope/bundle/origin/id/branch with "*" for unset parts.
func (a *App) UniqueID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return BuildUniqueID(a.scope, a.bundle, a.origin, a.id, a.branch)
}

func BuildUniqueID(scope Scope, bundle, origin, id, branch string) string {
	parts := []string{scope.String(), bundle, origin, id, branch}
	for i, p := range parts {
		if p == "" {
			parts[i] = "*"
		}
	}
	return strings.Join(parts, "/")
}

// MatchUniqueID compares unique ids treating "*" as a wildcard on either side.
func MatchUniqueID(a, b string) bool {
	pa, pb := strings.Split(a, "/"), strings.Split(b, "/")
	if len(pa) != len(pb) {
		return false
	}
	for i := range pa {
		if pa[i] != pb[i] && pa[i] != "*" && pb[i] != "*" {
			return false
		}
	}
	return true
}

func (a *App) Kind() Kind {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.kind
}

func (a *App) SetKind(k Kind) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.kind = k
}

func (a *App) Scope() Scope {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.scope
}

// SetScope assigns the scope once; later changes are ignored.
func (a *App) SetScope(s Scope) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.scope != ScopeUnknown && a.scope != s {
		slog.Debug("ignoring scope change", slog.String("app", a.id), slog.String("from", a.scope.String()), slog.String("to", s.String()))
		return
	}
	a.scope = s
}

func (a *App) Bundle() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.bundle
}

func (a *App) SetBundle(b string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bundle = b
}

func (a *App) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// SetState moves along the state machine, refusing illegal transitions.
func (a *App) SetState(s State) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == s {
		return nil
	}
	if !a.state.CanTransition(s) {
		err := &TransitionError{ID: a.id, From: a.state, To: s}
		slog.Warn("refusing state change", slog.String("error", err.Error()))
		return err
	}
	a.state = s
	if !s.transient() {
		a.stateRecover = s
	}
	if s != StateInstalling && s != StateRemoving {
		a.progress = 0
	}
	return nil
}

// SetStateRecover restores the last stable state after a failed operation.
func (a *App) SetStateRecover() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stateRecover == StateUnknown || a.stateRecover == a.state {
		return
	}
	slog.Debug("recovering state", slog.String("app", a.id), slog.String("from", a.state.String()), slog.String("to", a.stateRecover.String()))
	a.state = a.stateRecover
	a.progress = 0
}

func (a *App) HasQuirk(q Quirk) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.quirks&q != 0
}

func (a *App) AddQuirk(q Quirk) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.quirks |= q
}

func (a *App) RemoveQuirk(q Quirk) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.quirks &^= q
}

func (a *App) Origin() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.origin
}

func (a *App) SetOrigin(origin string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.origin = origin
}

func (a *App) OriginUI() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.originUI
}

func (a *App) SetOriginUI(s string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.originUI = s
}

func (a *App) OriginHostname() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.originHostname
}

func (a *App) SetOriginHostname(s string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.originHostname = s
}

func (a *App) Branch() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.branch
}

func (a *App) SetBranch(b string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.branch = b
}

// Source identifies the underlying store ref, e.g. app/org.example.App/x86_64/stable.
func (a *App) Source() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.source
}

func (a *App) SetSource(s string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.source = s
}

// Installation is the id of the store instance that owns the app.
func (a *App) Installation() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.installation
}

func (a *App) SetInstallation(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.installation = id
}

func (a *App) LocalFile() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.localFile
}

func (a *App) SetLocalFile(p string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.localFile = p
	a.quirks |= QuirkLocalFile
}

func (a *App) Name() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.name
}

func (a *App) SetName(s string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.name = s
}

func (a *App) Summary() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.summary
}

func (a *App) SetSummary(s string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.summary = s
}

func (a *App) Description() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.description
}

func (a *App) SetDescription(s string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.description = s
}

func (a *App) Version() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.version
}

func (a *App) SetVersion(s string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.version = s
}

func (a *App) UpdateVersion() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.updateVersion
}

func (a *App) SetUpdateVersion(s string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.updateVersion = s
}

func (a *App) License() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.license
}

func (a *App) SetLicense(s string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.license = s
}

func (a *App) Developer() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.developer
}

func (a *App) SetDeveloper(s string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.developer = s
}

func (a *App) Homepage() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.homepage
}

func (a *App) SetHomepage(s string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.homepage = s
}

// Icon is a remote icon URL or a local path.
func (a *App) Icon() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.icon
}

func (a *App) SetIcon(s string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.icon = s
}

func (a *App) Keywords() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return slices.Clone(a.keywords)
}

func (a *App) AddKeyword(k string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !slices.Contains(a.keywords, k) {
		a.keywords = append(a.keywords, k)
	}
}

func (a *App) Categories() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return slices.Clone(a.categories)
}

func (a *App) AddCategory(c string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !slices.Contains(a.categories, c) {
		a.categories = append(a.categories, c)
	}
}

func (a *App) Progress() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.progress
}

func (a *App) SetProgress(p int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.progress = min(max(p, 0), 100)
}

func (a *App) SizeDownload() Size {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sizeDownload
}

func (a *App) SetSizeDownload(s Size) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sizeDownload = s
}

func (a *App) SizeInstalled() Size {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sizeInstalled
}

func (a *App) SetSizeInstalled(s Size) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sizeInstalled = s
}

func (a *App) SizeUserData() Size {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sizeUserData
}

func (a *App) SetSizeUserData(s Size) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sizeUserData = s
}

func (a *App) Permissions() permissions.Flags {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.permissions
}

func (a *App) SetPermissions(p permissions.Flags) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.permissions = p
}

// UpdatePermissions are the permissions newly requested by the pending update.
func (a *App) UpdatePermissions() permissions.Flags {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.updatePermissions
}

func (a *App) SetUpdatePermissions(p permissions.Flags) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.updatePermissions = p
}

func (a *App) Runtime() *App {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.runtime
}

func (a *App) SetRuntime(r *App) {
	if r == a {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.runtime = r
}

// Addons are returned in the order they were added.
func (a *App) Addons() []*App {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return slices.Clone(a.addons)
}

func (a *App) AddAddon(addon *App) {
	if addon == a {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !slices.Contains(a.addons, addon) {
		a.addons = append(a.addons, addon)
	}
}

func (a *App) RemoveAddon(addon *App) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.addons = slices.DeleteFunc(a.addons, func(x *App) bool { return x == addon })
}

// Related apps are handled together with this one, e.g. the members of a proxy app.
func (a *App) Related() []*App {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return slices.Clone(a.related)
}

func (a *App) AddRelated(r *App) {
	if r == a {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !slices.Contains(a.related, r) {
		a.related = append(a.related, r)
	}
}

func (a *App) Metadata(key string) string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.metadata[key]
}

// SetMetadata sets key; an empty value deletes it.
func (a *App) SetMetadata(key, value string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if value == "" {
		delete(a.metadata, key)
		return
	}
	a.metadata[key] = value
}

func (a *App) MetadataMap() map[string]string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return maps.Clone(a.metadata)
}

func (a *App) String() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return fmt.Sprintf("%s [%s] %s", BuildUniqueID(a.scope, a.bundle, a.origin, a.id, a.branch), a.state, a.kind)
}
