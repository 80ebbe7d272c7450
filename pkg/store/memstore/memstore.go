// Package memstore is an in-memory store.Installation for tests and demos.
package memstore

import (
	"context"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/thepwagner/appcenter/pkg/compression"
	"github.com/thepwagner/appcenter/pkg/store"
)

type Installation struct {
	id   string
	path string
	user bool
	arch string

	mu               sync.Mutex
	remotes          map[string]*store.Remote
	installed        map[string]*store.InstalledRef
	available        map[string]map[string]*store.RemoteRef
	related          map[string][]store.RelatedRef
	installedRelated map[string][]store.RelatedRef
	appstream        map[string][]byte
	bundles          map[string]*store.BundleRef
	watchers         map[chan struct{}]struct{}
	failures         map[string]error
	calls            map[string]int
}

var _ store.Installation = (*Installation)(nil)

type Option func(*Installation)

// WithPath roots the installation on disk, enabling appstream and desktop entry files.
func WithPath(path string) Option {
	return func(i *Installation) { i.path = path }
}

func WithUser(user bool) Option {
	return func(i *Installation) { i.user = user }
}

func WithArch(arch string) Option {
	return func(i *Installation) { i.arch = arch }
}

func New(id string, opts ...Option) *Installation {
	i := &Installation{
		id:               id,
		arch:             "x86_64",
		remotes:          map[string]*store.Remote{},
		installed:        map[string]*store.InstalledRef{},
		available:        map[string]map[string]*store.RemoteRef{},
		related:          map[string][]store.RelatedRef{},
		installedRelated: map[string][]store.RelatedRef{},
		appstream:        map[string][]byte{},
		bundles:          map[string]*store.BundleRef{},
		watchers:         map[chan struct{}]struct{}{},
		failures:         map[string]error{},
		calls:            map[string]int{},
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Fail makes the named call return err. The name is a method, optionally followed by a
// space and the remote or ref it applies to, e.g. "UpdateAppstream flathub".
func (i *Installation) Fail(name string, err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err == nil {
		delete(i.failures, name)
		return
	}
	i.failures[name] = err
}

// Calls counts invocations of a method.
func (i *Installation) Calls(method string) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.calls[method]
}

// SetRemote adds or replaces a remote without going through AddRemote.
func (i *Installation) SetRemote(r store.Remote) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.remotes[r.Name] = &r
}

// SetAppstream stages metadata that UpdateAppstream deploys for remote.
func (i *Installation) SetAppstream(remote string, data []byte) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.appstream[remote] = data
}

// Publish makes ref available from its remote.
func (i *Installation) Publish(ref store.RemoteRef) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.available[ref.Remote] == nil {
		i.available[ref.Remote] = map[string]*store.RemoteRef{}
	}
	i.available[ref.Remote][ref.Ref.String()] = &ref
}

// Deploy marks ref as installed.
func (i *Installation) Deploy(ref store.InstalledRef) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.installed[ref.Ref.String()] = &ref
}

func (i *Installation) SetRelated(remote string, ref store.Ref, related ...store.RelatedRef) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.related[relatedKey(remote, ref)] = related
}

func (i *Installation) SetInstalledRelated(remote string, ref store.Ref, related ...store.RelatedRef) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.installedRelated[relatedKey(remote, ref)] = related
}

func (i *Installation) AddBundle(b store.BundleRef) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.bundles[b.Path] = &b
}

// WriteDesktopEntry exports a launcher for an installed app.
func (i *Installation) WriteDesktopEntry(name string, data []byte) error {
	dir := filepath.Join(i.path, "exports", "share", "applications")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name+".desktop"), data, 0644)
}

// Notify signals every monitor that the store changed.
func (i *Installation) Notify() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.notifyLocked()
}

func (i *Installation) notifyLocked() {
	for ch := range i.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// call records an invocation and returns any injected failure.
func (i *Installation) call(method string, arg string) error {
	i.calls[method]++
	if err, ok := i.failures[method+" "+arg]; ok && arg != "" {
		return err
	}
	return i.failures[method]
}

func (i *Installation) ID() string          { return i.id }
func (i *Installation) Path() string        { return i.path }
func (i *Installation) IsUser() bool        { return i.user }
func (i *Installation) DefaultArch() string { return i.arch }

func (i *Installation) ListRemotes(_ context.Context) ([]store.Remote, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.call("ListRemotes", ""); err != nil {
		return nil, err
	}
	var out []store.Remote
	for _, name := range slices.Sorted(maps.Keys(i.remotes)) {
		out = append(out, *i.remotes[name])
	}
	return out, nil
}

func (i *Installation) GetRemote(_ context.Context, name string) (*store.Remote, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.call("GetRemote", name); err != nil {
		return nil, err
	}
	r, ok := i.remotes[name]
	if !ok {
		return nil, store.NewError(store.ErrRemoteNotFound, "remote %q not found", name)
	}
	cp := *r
	return &cp, nil
}

func (i *Installation) AddRemote(_ context.Context, remote store.Remote, ifNeeded bool) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.call("AddRemote", remote.Name); err != nil {
		return err
	}
	if _, ok := i.remotes[remote.Name]; ok {
		if ifNeeded {
			return nil
		}
		return store.NewError(store.ErrAlreadyInstalled, "remote %q already exists", remote.Name)
	}
	i.remotes[remote.Name] = &remote
	i.notifyLocked()
	return nil
}

func (i *Installation) ModifyRemote(_ context.Context, remote store.Remote) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.call("ModifyRemote", remote.Name); err != nil {
		return err
	}
	if _, ok := i.remotes[remote.Name]; !ok {
		return store.NewError(store.ErrRemoteNotFound, "remote %q not found", remote.Name)
	}
	i.remotes[remote.Name] = &remote
	i.notifyLocked()
	return nil
}

func (i *Installation) RemoveRemote(_ context.Context, name string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.call("RemoveRemote", name); err != nil {
		return err
	}
	if _, ok := i.remotes[name]; !ok {
		return store.NewError(store.ErrRemoteNotFound, "remote %q not found", name)
	}
	for _, ir := range i.installed {
		if ir.Origin == name {
			return store.NewError(store.ErrFailed, "remote %q has installed refs", name)
		}
	}
	delete(i.remotes, name)
	i.notifyLocked()
	return nil
}

func (i *Installation) UpdateAppstream(ctx context.Context, remote, arch string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := i.call("UpdateAppstream", remote); err != nil {
		return err
	}
	r, ok := i.remotes[remote]
	if !ok {
		return store.NewError(store.ErrRemoteNotFound, "remote %q not found", remote)
	}
	data, ok := i.appstream[remote]
	if !ok {
		return store.NewError(store.ErrRefNotFound, "no appstream branch in remote %q", remote)
	}
	if i.path == "" {
		return store.NewError(store.ErrFailed, "installation %s has no path", i.id)
	}
	if arch == "" {
		arch = i.arch
	}

	dir := filepath.Join(i.path, "appstream", remote, arch, "active")
	gz, err := compression.GZIP.Compress(data)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "appstream.xml.gz"), gz, 0644); err != nil {
		return err
	}
	r.AppstreamDir = dir
	r.AppstreamTimestamp = time.Now().Unix()
	i.notifyLocked()
	return nil
}

func (i *Installation) ListInstalledRefs(_ context.Context) ([]store.InstalledRef, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.call("ListInstalledRefs", ""); err != nil {
		return nil, err
	}
	return i.installedLocked(false), nil
}

func (i *Installation) ListInstalledRefsForUpdate(_ context.Context) ([]store.InstalledRef, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.call("ListInstalledRefsForUpdate", ""); err != nil {
		return nil, err
	}
	return i.installedLocked(true), nil
}

func (i *Installation) installedLocked(updatesOnly bool) []store.InstalledRef {
	var out []store.InstalledRef
	for _, key := range slices.Sorted(maps.Keys(i.installed)) {
		ir := *i.installed[key]
		if rr := i.available[ir.Origin][key]; rr != nil {
			ir.LatestCommit = rr.Commit
		}
		if updatesOnly && (ir.LatestCommit == "" || ir.LatestCommit == ir.Commit) {
			continue
		}
		out = append(out, ir)
	}
	return out
}

func (i *Installation) GetInstalledRef(_ context.Context, ref store.Ref) (*store.InstalledRef, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.call("GetInstalledRef", ref.String()); err != nil {
		return nil, err
	}
	ir, ok := i.installed[ref.String()]
	if !ok {
		return nil, store.NewError(store.ErrNotInstalled, "%s not installed", ref)
	}
	cp := *ir
	return &cp, nil
}

func (i *Installation) GetCurrentInstalledApp(_ context.Context, name string) (*store.InstalledRef, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.call("GetCurrentInstalledApp", name); err != nil {
		return nil, err
	}
	for _, key := range slices.Sorted(maps.Keys(i.installed)) {
		ir := i.installed[key]
		if ir.Kind == store.RefKindApp && ir.Name == name && ir.IsCurrent {
			cp := *ir
			return &cp, nil
		}
	}
	return nil, store.NewError(store.ErrNotInstalled, "app %s not installed", name)
}

func (i *Installation) ListInstalledRelatedRefs(_ context.Context, remote string, ref store.Ref) ([]store.RelatedRef, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.call("ListInstalledRelatedRefs", ref.String()); err != nil {
		return nil, err
	}
	return slices.Clone(i.installedRelated[relatedKey(remote, ref)]), nil
}

func (i *Installation) FetchRemoteRef(_ context.Context, remote string, ref store.Ref) (*store.RemoteRef, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.call("FetchRemoteRef", ref.String()); err != nil {
		return nil, err
	}
	rr, err := i.remoteRefLocked(remote, ref)
	if err != nil {
		return nil, err
	}
	cp := *rr
	return &cp, nil
}

func (i *Installation) FetchRemoteSize(_ context.Context, remote string, ref store.Ref) (uint64, uint64, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.call("FetchRemoteSize", ref.String()); err != nil {
		return 0, 0, err
	}
	rr, err := i.remoteRefLocked(remote, ref)
	if err != nil {
		return 0, 0, err
	}
	return rr.DownloadSize, rr.InstalledSize, nil
}

func (i *Installation) FetchRemoteMetadata(_ context.Context, remote string, ref store.Ref) ([]byte, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.call("FetchRemoteMetadata", ref.String()); err != nil {
		return nil, err
	}
	rr, err := i.remoteRefLocked(remote, ref)
	if err != nil {
		return nil, err
	}
	return slices.Clone(rr.Metadata), nil
}

func (i *Installation) ListRemoteRelatedRefs(_ context.Context, remote string, ref store.Ref) ([]store.RelatedRef, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.call("ListRemoteRelatedRefs", ref.String()); err != nil {
		return nil, err
	}
	return slices.Clone(i.related[relatedKey(remote, ref)]), nil
}

func (i *Installation) LoadBundle(_ context.Context, path string) (*store.BundleRef, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.call("LoadBundle", path); err != nil {
		return nil, err
	}
	b, ok := i.bundles[path]
	if !ok {
		return nil, store.NewError(store.ErrInvalidData, "%s is not a bundle", path)
	}
	cp := *b
	return &cp, nil
}

func (i *Installation) DropCaches() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.call("DropCaches", "")
}

func (i *Installation) Prune(_ context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.call("Prune", "")
}

func (i *Installation) Monitor(ctx context.Context) (<-chan struct{}, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.call("Monitor", ""); err != nil {
		return nil, err
	}
	ch := make(chan struct{}, 1)
	i.watchers[ch] = struct{}{}
	go func() {
		<-ctx.Done()
		i.mu.Lock()
		defer i.mu.Unlock()
		delete(i.watchers, ch)
		close(ch)
	}()
	return ch, nil
}

func (i *Installation) NewTransaction(_ context.Context, opts store.TransactionOptions) (store.Transaction, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.call("NewTransaction", ""); err != nil {
		return nil, err
	}
	return &Transaction{inst: i, opts: opts}, nil
}

func (i *Installation) remoteRefLocked(remote string, ref store.Ref) (*store.RemoteRef, error) {
	r, ok := i.remotes[remote]
	if !ok {
		return nil, store.NewError(store.ErrRemoteNotFound, "remote %q not found", remote)
	}
	rr, ok := i.available[remote][ref.String()]
	if !ok || r.Disabled {
		return nil, store.NewError(store.ErrRefNotFound, "%s not found in remote %s", ref, remote)
	}
	return rr, nil
}

func relatedKey(remote string, ref store.Ref) string {
	return strings.Join([]string{remote, ref.String()}, " ")
}
