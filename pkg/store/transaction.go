package store

import "context"

type OperationType int

const (
	OperationInstall OperationType = iota
	OperationUpdate
	OperationInstallBundle
	OperationUninstall
)

func (t OperationType) String() string {
	switch t {
	case OperationInstall:
		return "install"
	case OperationUpdate:
		return "update"
	case OperationInstallBundle:
		return "install-bundle"
	case OperationUninstall:
		return "uninstall"
	default:
		return "unknown"
	}
}

// Operation is one step of a resolved transaction.
type Operation struct {
	Type          OperationType
	Ref           Ref
	Remote        string
	BundlePath    string
	Commit        string
	Subpaths      []string
	DownloadSize  uint64
	InstalledSize uint64
}

type Progress struct {
	Percent          int
	BytesTransferred uint64
	Status           string
}

type TransactionOptions struct {
	NoInteraction    bool
	NoPull           bool
	NoDeploy         bool
	StopOnFirstError bool
}

// Listener receives transaction callbacks on the goroutine running Transaction.Run.
type Listener interface {
	// Ready is called once the operation list is resolved; returning false aborts.
	Ready(ops []Operation) bool
	NewOperation(op Operation)
	Progress(op Operation, p Progress)
	OperationDone(op Operation, commit string)
	// OperationError returns whether the transaction should continue.
	OperationError(op Operation, err error) bool
}

// Transaction is built once, run once, and discarded.
type Transaction interface {
	AddInstall(remote string, ref Ref, subpaths []string) error
	AddInstallBundle(path string) error
	AddInstallRefFile(data []byte) error
	AddUpdate(ref Ref, subpaths []string, commit string) error
	AddUninstall(ref Ref) error
	Run(ctx context.Context, l Listener) error
}
