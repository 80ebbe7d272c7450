// Package transaction runs one store transaction and mirrors its progress onto apps.
package transaction

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/thepwagner/appcenter/pkg/app"
	"github.com/thepwagner/appcenter/pkg/engine"
	"github.com/thepwagner/appcenter/pkg/store"
	"github.com/thepwagner/appcenter/pkg/storeerr"
)

// Progress is sent for every progress callback of an operation.
type Progress struct {
	TransactionID    string
	Ref              string
	App              *app.App
	Percent          int
	BytesTransferred uint64
	Status           string
}

// Failure is an operation error the transaction continued past.
type Failure struct {
	App *app.App
	Ref store.Ref
	Err error
}

type Config struct {
	Installation store.Installation
	Options      store.TransactionOptions
	Log          *slog.Logger
	// RefToApp resolves refs the store pulls in on its own, such as runtimes.
	RefToApp func(ref store.Ref) *app.App
	// Progress receives updates without blocking; updates are dropped while it is full.
	Progress chan<- Progress
}

type Transaction struct {
	id       string
	tx       store.Transaction
	opts     store.TransactionOptions
	log      *slog.Logger
	refToApp func(store.Ref) *app.App
	progress chan<- Progress

	mu       sync.Mutex
	apps     map[string]*app.App
	ops      []store.Operation
	failed   *app.App
	failures []Failure
}

func New(ctx context.Context, cfg Config) (*Transaction, error) {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	tx, err := cfg.Installation.NewTransaction(ctx, cfg.Options)
	if err != nil {
		return nil, storeerr.Convert(err)
	}
	id := uuid.NewString()
	return &Transaction{
		id:       id,
		tx:       tx,
		opts:     cfg.Options,
		log:      cfg.Log.With(slog.String("transaction", id)),
		refToApp: cfg.RefToApp,
		progress: cfg.Progress,
		apps:     map[string]*app.App{},
	}, nil
}

func (t *Transaction) ID() string {
	return t.id
}

// AddApp registers a, and its runtime, for the operations the store reports on their refs.
func (t *Transaction) AddApp(a *app.App) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addAppLocked(a)
	if rt := a.Runtime(); rt != nil {
		t.addAppLocked(rt)
	}
}

func (t *Transaction) addAppLocked(a *app.App) {
	if ref, ok := engine.Ref(a); ok {
		t.apps[ref.String()] = a
	}
}

// AddInstall queues a from its origin, its bundle file or its ref file.
func (t *Transaction) AddInstall(a *app.App) error {
	ref, ok := engine.Ref(a)
	if !ok {
		return storeerr.New(storeerr.KindNotSupported, "no ref for %s", a.UniqueID())
	}

	var err error
	switch a.Metadata(engine.MetaFileKind) {
	case engine.FileKindBundle:
		err = t.tx.AddInstallBundle(a.LocalFile())
	case engine.FileKindRef:
		data, rerr := os.ReadFile(a.LocalFile())
		if rerr != nil {
			return storeerr.Convert(rerr)
		}
		err = t.tx.AddInstallRefFile(data)
	default:
		if a.Origin() == "" {
			return storeerr.New(storeerr.KindNotSupported, "no origin set for %s", a.UniqueID())
		}
		err = t.tx.AddInstall(a.Origin(), ref, nil)
	}
	if err != nil {
		return storeerr.Convert(err)
	}
	t.AddApp(a)
	return nil
}

func (t *Transaction) AddUpdate(a *app.App) error {
	ref, ok := engine.Ref(a)
	if !ok {
		return storeerr.New(storeerr.KindNotSupported, "no ref for %s", a.UniqueID())
	}
	if err := t.tx.AddUpdate(ref, nil, ""); err != nil {
		return storeerr.Convert(err)
	}
	t.AddApp(a)
	return nil
}

func (t *Transaction) AddUninstall(a *app.App) error {
	ref, ok := engine.Ref(a)
	if !ok {
		return storeerr.New(storeerr.KindNotSupported, "no ref for %s", a.UniqueID())
	}
	if err := t.tx.AddUninstall(ref); err != nil {
		return storeerr.Convert(err)
	}
	t.AddApp(a)
	return nil
}

// Run executes the transaction. Operation errors continued past are available from Failures.
func (t *Transaction) Run(ctx context.Context) error {
	t.log.Debug("running transaction",
		slog.Bool("no_deploy", t.opts.NoDeploy),
		slog.Bool("stop_on_first_error", t.opts.StopOnFirstError))
	if err := t.tx.Run(ctx, listener{t}); err != nil {
		return storeerr.Convert(err)
	}
	return nil
}

// FailedApp is the app whose operation error ended the transaction, if any.
func (t *Transaction) FailedApp() *app.App {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failed
}

func (t *Transaction) Failures() []Failure {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Failure, len(t.failures))
	copy(out, t.failures)
	return out
}

// Apps returns every app the transaction touched, including resolved dependencies.
func (t *Transaction) Apps() []*app.App {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*app.App, 0, len(t.apps))
	for _, op := range t.ops {
		if a, ok := t.apps[op.Ref.String()]; ok {
			out = append(out, a)
		}
	}
	return out
}

func (t *Transaction) appFor(ref store.Ref) *app.App {
	t.mu.Lock()
	defer t.mu.Unlock()
	if a, ok := t.apps[ref.String()]; ok {
		return a
	}
	if t.refToApp == nil {
		return nil
	}
	a := t.refToApp(ref)
	if a != nil {
		t.apps[ref.String()] = a
	}
	return a
}

func (t *Transaction) setState(a *app.App, s app.State) {
	if err := a.SetState(s); err != nil {
		t.log.Debug("failed to set state", slog.String("app", a.UniqueID()), slog.Any("error", err))
	}
}

type listener struct {
	t *Transaction
}

var _ store.Listener = listener{}

func (l listener) Ready(ops []store.Operation) bool {
	l.t.mu.Lock()
	l.t.ops = ops
	l.t.mu.Unlock()

	for _, op := range ops {
		a := l.t.appFor(op.Ref)
		if a == nil {
			continue
		}
		// Every app of an update shows as busy, not only the one being downloaded.
		if op.Type == store.OperationUpdate {
			l.t.setState(a, app.StateInstalling)
		}
	}
	return true
}

func (l listener) NewOperation(op store.Operation) {
	a := l.t.appFor(op.Ref)
	if a == nil {
		l.t.log.Warn("no app for operation", slog.String("ref", op.Ref.String()), slog.String("operation", op.Type.String()))
		return
	}
	l.t.log.Info("starting operation", slog.String("app", a.UniqueID()), slog.String("operation", op.Type.String()))

	switch op.Type {
	case store.OperationInstall:
		if a.State() == app.StateUnknown {
			l.t.setState(a, app.StateAvailable)
		}
		l.t.setState(a, app.StateInstalling)
	case store.OperationInstallBundle:
		if a.State() == app.StateUnknown {
			l.t.setState(a, app.StateAvailableLocal)
		}
		l.t.setState(a, app.StateInstalling)
	case store.OperationUpdate:
		if a.State() == app.StateUnknown {
			l.t.setState(a, app.StateUpdatableLive)
		}
		l.t.setState(a, app.StateInstalling)
	case store.OperationUninstall:
		l.t.setState(a, app.StateRemoving)
	}
}

func (l listener) Progress(op store.Operation, p store.Progress) {
	a := l.t.appFor(op.Ref)
	if a != nil {
		a.SetProgress(p.Percent)
	}
	if l.t.progress == nil {
		return
	}
	select {
	case l.t.progress <- Progress{
		TransactionID:    l.t.id,
		Ref:              op.Ref.String(),
		App:              a,
		Percent:          p.Percent,
		BytesTransferred: p.BytesTransferred,
		Status:           p.Status,
	}:
	default:
	}
}

func (l listener) OperationDone(op store.Operation, commit string) {
	a := l.t.appFor(op.Ref)
	if a == nil {
		l.t.log.Warn("no app for finished operation", slog.String("ref", op.Ref.String()))
		return
	}

	switch op.Type {
	case store.OperationInstall, store.OperationInstallBundle:
		if l.t.opts.NoDeploy {
			a.SetStateRecover()
			return
		}
		a.SetMetadata(engine.MetaCommit, commit)
		l.t.setState(a, app.StateInstalled)
	case store.OperationUpdate:
		if l.t.opts.NoDeploy {
			l.t.log.Info("downloaded update", slog.String("app", a.UniqueID()), slog.String("commit", commit))
			a.SetStateRecover()
			return
		}
		if v := a.UpdateVersion(); v != "" {
			a.SetVersion(v)
		}
		a.SetUpdateVersion("")
		a.SetMetadata(engine.MetaCommit, commit)
		a.SetUpdatePermissions(0)
		l.t.setState(a, app.StateInstalled)
	case store.OperationUninstall:
		// Whether the app can be installed again is not known until it is refined.
		a.SetMetadata(engine.MetaCommit, "")
		l.t.setState(a, app.StateUnavailable)
	}
}

func (l listener) OperationError(op store.Operation, err error) bool {
	l.t.mu.Lock()
	ops := l.t.ops
	l.t.mu.Unlock()
	for _, o := range ops {
		if a := l.t.appFor(o.Ref); a != nil {
			a.SetStateRecover()
		}
	}

	if store.HasCode(err, store.ErrSkipped) {
		l.t.log.Info("operation skipped", slog.String("ref", op.Ref.String()), slog.Any("error", err))
		return true
	}

	a := l.t.appFor(op.Ref)
	l.t.log.Warn("operation failed", slog.String("ref", op.Ref.String()), slog.String("operation", op.Type.String()), slog.Any("error", err))
	l.t.mu.Lock()
	defer l.t.mu.Unlock()
	if l.t.opts.StopOnFirstError {
		l.t.failed = a
		return false
	}
	l.t.failures = append(l.t.failures, Failure{App: a, Ref: op.Ref, Err: storeerr.Convert(err)})
	return true
}
