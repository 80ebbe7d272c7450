package memstore

import (
	"context"
	"path/filepath"

	"github.com/thepwagner/appcenter/pkg/keyfile"
	"github.com/thepwagner/appcenter/pkg/store"
)

// Transaction applies operations to the owning Installation when run.
// Injected "Operation <ref>" failures are reported through the listener.
type Transaction struct {
	inst *Installation
	opts store.TransactionOptions
	ops  []store.Operation
	ran  bool
}

var _ store.Transaction = (*Transaction)(nil)

func (t *Transaction) AddInstall(remote string, ref store.Ref, subpaths []string) error {
	t.inst.mu.Lock()
	defer t.inst.mu.Unlock()
	if err := t.inst.call("AddInstall", ref.String()); err != nil {
		return err
	}
	return t.addInstallLocked(remote, ref, subpaths)
}

func (t *Transaction) addInstallLocked(remote string, ref store.Ref, subpaths []string) error {
	if _, ok := t.inst.installed[ref.String()]; ok {
		return store.NewError(store.ErrAlreadyInstalled, "%s already installed", ref)
	}
	t.ops = append(t.ops, store.Operation{Type: store.OperationInstall, Ref: ref, Remote: remote, Subpaths: subpaths})
	return nil
}

func (t *Transaction) AddInstallBundle(path string) error {
	t.inst.mu.Lock()
	defer t.inst.mu.Unlock()
	if err := t.inst.call("AddInstallBundle", path); err != nil {
		return err
	}
	b, ok := t.inst.bundles[path]
	if !ok {
		return store.NewError(store.ErrInvalidData, "%s is not a bundle", path)
	}
	if _, ok := t.inst.installed[b.Ref.String()]; ok {
		return store.NewError(store.ErrAlreadyInstalled, "%s already installed", b.Ref)
	}
	t.ops = append(t.ops, store.Operation{
		Type:          store.OperationInstallBundle,
		Ref:           b.Ref,
		Remote:        b.Origin,
		BundlePath:    path,
		Commit:        b.Commit,
		InstalledSize: b.InstalledSize,
	})
	return nil
}

func (t *Transaction) AddInstallRefFile(data []byte) error {
	kf, err := keyfile.Parse(data)
	if err != nil {
		return store.NewError(store.ErrInvalidData, "%s", err)
	}
	const group = "Flatpak Ref"
	name := kf.Value(group, "Name")
	if name == "" {
		return store.NewError(store.ErrInvalidData, "ref file has no Name")
	}
	branch := kf.Value(group, "Branch")
	if branch == "" {
		branch = "master"
	}
	isRuntime, err := kf.Bool(group, "IsRuntime", false)
	if err != nil {
		return store.NewError(store.ErrInvalidData, "%s", err)
	}
	kind := store.RefKindApp
	if isRuntime {
		kind = store.RefKindRuntime
	}
	remote := kf.Value(group, "SuggestRemoteName")
	if remote == "" {
		remote = name + "-origin"
	}

	t.inst.mu.Lock()
	defer t.inst.mu.Unlock()
	if err := t.inst.call("AddInstallRefFile", name); err != nil {
		return err
	}
	if _, ok := t.inst.remotes[remote]; !ok {
		t.inst.remotes[remote] = &store.Remote{Name: remote, URL: kf.Value(group, "Url"), Title: kf.Value(group, "Title"), NoEnumerate: true}
	}
	return t.addInstallLocked(remote, store.Ref{Kind: kind, Name: name, Arch: t.inst.arch, Branch: branch}, nil)
}

func (t *Transaction) AddUpdate(ref store.Ref, subpaths []string, commit string) error {
	t.inst.mu.Lock()
	defer t.inst.mu.Unlock()
	if err := t.inst.call("AddUpdate", ref.String()); err != nil {
		return err
	}
	ir, ok := t.inst.installed[ref.String()]
	if !ok {
		return store.NewError(store.ErrNotInstalled, "%s not installed", ref)
	}
	t.ops = append(t.ops, store.Operation{Type: store.OperationUpdate, Ref: ref, Remote: ir.Origin, Commit: commit, Subpaths: subpaths})
	return nil
}

func (t *Transaction) AddUninstall(ref store.Ref) error {
	t.inst.mu.Lock()
	defer t.inst.mu.Unlock()
	if err := t.inst.call("AddUninstall", ref.String()); err != nil {
		return err
	}
	ir, ok := t.inst.installed[ref.String()]
	if !ok {
		return store.NewError(store.ErrNotInstalled, "%s not installed", ref)
	}
	t.ops = append(t.ops, store.Operation{Type: store.OperationUninstall, Ref: ref, Remote: ir.Origin})
	return nil
}

// Run applies every operation. Errors the listener chose to continue past are not returned.
func (t *Transaction) Run(ctx context.Context, l store.Listener) error {
	ops, err := t.resolve()
	if err != nil {
		return err
	}
	if !l.Ready(ops) {
		return store.NewError(store.ErrAborted, "transaction aborted by listener")
	}

	defer t.inst.Notify()
	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return err
		}
		l.NewOperation(op)
		l.Progress(op, store.Progress{Percent: 50, BytesTransferred: op.DownloadSize / 2, Status: "Downloading"})
		commit, err := t.apply(op)
		if err != nil {
			if !l.OperationError(op, err) || t.opts.StopOnFirstError {
				return err
			}
			continue
		}
		l.Progress(op, store.Progress{Percent: 100, BytesTransferred: op.DownloadSize, Status: "Done"})
		l.OperationDone(op, commit)
	}
	return nil
}

func (t *Transaction) resolve() ([]store.Operation, error) {
	t.inst.mu.Lock()
	defer t.inst.mu.Unlock()
	if t.ran {
		return nil, store.NewError(store.ErrFailed, "transaction already run")
	}
	t.ran = true
	if err := t.inst.call("Run", ""); err != nil {
		return nil, err
	}

	ops := make([]store.Operation, 0, len(t.ops))
	for _, op := range t.ops {
		if op.Type == store.OperationInstall || op.Type == store.OperationUpdate {
			rr, err := t.inst.remoteRefLocked(op.Remote, op.Ref)
			if err != nil {
				return nil, err
			}
			op.DownloadSize = rr.DownloadSize
			op.InstalledSize = rr.InstalledSize
			if op.Commit == "" {
				op.Commit = rr.Commit
			}
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func (t *Transaction) apply(op store.Operation) (string, error) {
	t.inst.mu.Lock()
	defer t.inst.mu.Unlock()
	key := op.Ref.String()
	if err := t.inst.call("Operation", key); err != nil {
		return "", err
	}

	switch op.Type {
	case store.OperationInstall, store.OperationInstallBundle:
		if t.opts.NoDeploy {
			return op.Commit, nil
		}
		t.inst.installed[key] = &store.InstalledRef{
			Ref:           op.Ref,
			Origin:        op.Remote,
			Commit:        op.Commit,
			DeployDir:     filepath.Join(t.inst.path, op.Ref.Kind.String(), op.Ref.Name, op.Ref.Arch, op.Ref.Branch, "active"),
			InstalledSize: op.InstalledSize,
			IsCurrent:     op.Ref.Kind == store.RefKindApp,
			Subpaths:      op.Subpaths,
		}
		return op.Commit, nil

	case store.OperationUpdate:
		ir, ok := t.inst.installed[key]
		if !ok {
			return "", store.NewError(store.ErrNotInstalled, "%s not installed", op.Ref)
		}
		if t.opts.NoDeploy {
			return op.Commit, nil
		}
		ir.Commit = op.Commit
		ir.InstalledSize = op.InstalledSize
		return op.Commit, nil

	case store.OperationUninstall:
		if _, ok := t.inst.installed[key]; !ok {
			return "", store.NewError(store.ErrNotInstalled, "%s not installed", op.Ref)
		}
		delete(t.inst.installed, key)
		return "", nil
	}
	return "", store.NewError(store.ErrFailed, "unknown operation %s", op.Type)
}
