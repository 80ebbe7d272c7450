package store

import "context"

// Installation is one store instance: a set of remotes plus the refs deployed from them.
// Implementations are not safe for uncoordinated concurrent use; callers serialize access.
type Installation interface {
	ID() string
	Path() string
	IsUser() bool
	DefaultArch() string

	ListRemotes(ctx context.Context) ([]Remote, error)
	GetRemote(ctx context.Context, name string) (*Remote, error)
	AddRemote(ctx context.Context, remote Remote, ifNeeded bool) error
	ModifyRemote(ctx context.Context, remote Remote) error
	RemoveRemote(ctx context.Context, name string) error
	// UpdateAppstream downloads the remote's metadata into Remote.AppstreamDir.
	UpdateAppstream(ctx context.Context, remote, arch string) error

	ListInstalledRefs(ctx context.Context) ([]InstalledRef, error)
	ListInstalledRefsForUpdate(ctx context.Context) ([]InstalledRef, error)
	GetInstalledRef(ctx context.Context, ref Ref) (*InstalledRef, error)
	GetCurrentInstalledApp(ctx context.Context, name string) (*InstalledRef, error)
	ListInstalledRelatedRefs(ctx context.Context, remote string, ref Ref) ([]RelatedRef, error)

	FetchRemoteRef(ctx context.Context, remote string, ref Ref) (*RemoteRef, error)
	FetchRemoteSize(ctx context.Context, remote string, ref Ref) (download, installed uint64, err error)
	FetchRemoteMetadata(ctx context.Context, remote string, ref Ref) ([]byte, error)
	ListRemoteRelatedRefs(ctx context.Context, remote string, ref Ref) ([]RelatedRef, error)

	LoadBundle(ctx context.Context, path string) (*BundleRef, error)

	DropCaches() error
	Prune(ctx context.Context) error
	// Monitor delivers a value whenever the store contents change, until ctx is done.
	Monitor(ctx context.Context) (<-chan struct{}, error)
	NewTransaction(ctx context.Context, opts TransactionOptions) (Transaction, error)
}
