package flatpakcli

import (
	"context"
	"os"
	"path/filepath"

	"github.com/thepwagner/appcenter/pkg/keyfile"
	"github.com/thepwagner/appcenter/pkg/store"
)

// Transaction runs one flatpak command per operation, in the order they were added.
type Transaction struct {
	inst *Installation
	opts store.TransactionOptions
	ops  []pendingOp
	ran  bool
}

type pendingOp struct {
	store.Operation
	// refFile holds the contents of a .flatpakref to install from.
	refFile []byte
}

var _ store.Transaction = (*Transaction)(nil)

func (i *Installation) NewTransaction(_ context.Context, opts store.TransactionOptions) (store.Transaction, error) {
	return &Transaction{inst: i, opts: opts}, nil
}

func (t *Transaction) installed(ref store.Ref) bool {
	_, err := os.Readlink(filepath.Join(t.inst.deployPath(ref), "active"))
	return err == nil
}

func (t *Transaction) AddInstall(remote string, ref store.Ref, subpaths []string) error {
	if t.installed(ref) {
		return store.NewError(store.ErrAlreadyInstalled, "%s already installed", ref)
	}
	t.ops = append(t.ops, pendingOp{Operation: store.Operation{Type: store.OperationInstall, Ref: ref, Remote: remote, Subpaths: subpaths}})
	return nil
}

// AddInstallBundle is unsupported, the ref inside a bundle cannot be read without libflatpak.
func (t *Transaction) AddInstallBundle(path string) error {
	_, err := t.inst.LoadBundle(context.Background(), path)
	return err
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
	ref := store.Ref{Kind: kind, Name: name, Arch: t.inst.arch, Branch: branch}
	if t.installed(ref) {
		return store.NewError(store.ErrAlreadyInstalled, "%s already installed", ref)
	}
	remote := kf.Value(group, "SuggestRemoteName")
	if remote == "" {
		remote = name + "-origin"
	}
	t.ops = append(t.ops, pendingOp{
		Operation: store.Operation{Type: store.OperationInstall, Ref: ref, Remote: remote},
		refFile:   data,
	})
	return nil
}

func (t *Transaction) AddUpdate(ref store.Ref, subpaths []string, commit string) error {
	ir, err := t.inst.GetInstalledRef(context.Background(), ref)
	if err != nil {
		return err
	}
	t.ops = append(t.ops, pendingOp{Operation: store.Operation{Type: store.OperationUpdate, Ref: ref, Remote: ir.Origin, Commit: commit, Subpaths: subpaths}})
	return nil
}

func (t *Transaction) AddUninstall(ref store.Ref) error {
	ir, err := t.inst.GetInstalledRef(context.Background(), ref)
	if err != nil {
		return err
	}
	t.ops = append(t.ops, pendingOp{Operation: store.Operation{Type: store.OperationUninstall, Ref: ref, Remote: ir.Origin}})
	return nil
}

func (t *Transaction) Run(ctx context.Context, l store.Listener) error {
	if t.ran {
		return store.NewError(store.ErrFailed, "transaction already run")
	}
	t.ran = true

	ops, err := t.resolve(ctx)
	if err != nil {
		return err
	}
	if !l.Ready(ops) {
		return store.NewError(store.ErrAborted, "transaction aborted by listener")
	}

	for idx, op := range ops {
		if err := ctx.Err(); err != nil {
			return err
		}
		l.NewOperation(op)
		l.Progress(op, store.Progress{Percent: 0, Status: "Starting"})
		commit, err := t.apply(ctx, op, t.ops[idx].refFile)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
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

// resolve looks up the commit and sizes each operation will download.
func (t *Transaction) resolve(ctx context.Context) ([]store.Operation, error) {
	ops := make([]store.Operation, 0, len(t.ops))
	for _, p := range t.ops {
		op := p.Operation
		if !t.opts.NoPull && p.refFile == nil && (op.Type == store.OperationInstall || op.Type == store.OperationUpdate) {
			rr, err := t.inst.FetchRemoteRef(ctx, op.Remote, op.Ref)
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

func (t *Transaction) flags(op store.OperationType) []string {
	args := []string{"-y"}
	if t.opts.NoInteraction {
		args = append(args, "--noninteractive")
	}
	if op == store.OperationUninstall {
		return args
	}
	if t.opts.NoPull {
		args = append(args, "--no-pull")
	}
	if t.opts.NoDeploy {
		args = append(args, "--no-deploy")
	}
	return args
}

func (t *Transaction) apply(ctx context.Context, op store.Operation, refFile []byte) (string, error) {
	args := t.flags(op.Type)
	switch op.Type {
	case store.OperationInstall:
		if refFile != nil {
			f, err := os.CreateTemp("", "appcenter-*.flatpakref")
			if err != nil {
				return "", err
			}
			defer os.Remove(f.Name())
			if _, err := f.Write(refFile); err != nil {
				_ = f.Close()
				return "", err
			}
			if err := f.Close(); err != nil {
				return "", err
			}
			args = append([]string{"install"}, append(args, "--from", f.Name())...)
		} else {
			args = append([]string{"install"}, append(args, op.Remote, op.Ref.String())...)
		}
	case store.OperationUpdate:
		args = append([]string{"update"}, args...)
		if op.Commit != "" {
			args = append(args, "--commit="+op.Commit)
		}
		args = append(args, op.Ref.String())
	case store.OperationUninstall:
		args = append([]string{"uninstall"}, append(args, op.Ref.String())...)
	default:
		return "", store.NewError(store.ErrFailed, "unsupported operation %s", op.Type)
	}

	if _, err := t.inst.flatpak(ctx, args...); err != nil {
		return "", err
	}
	if op.Type == store.OperationUninstall {
		return "", nil
	}
	if t.opts.NoDeploy {
		return op.Commit, nil
	}
	ir, err := t.inst.GetInstalledRef(ctx, op.Ref)
	if err != nil {
		return op.Commit, nil
	}
	return ir.Commit, nil
}
