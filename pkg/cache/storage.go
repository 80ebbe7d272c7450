// Package cache persists blobs of remote metadata, such as compiled silos and repository
// files fetched over HTTP.
package cache

import (
	"context"
	"time"
)

const (
	// DefaultMaxAge applies to namespaces without a max age of their own.
	DefaultMaxAge = time.Hour
	// Pinned blobs never go stale.
	Pinned time.Duration = -1
)

// Storage is a blob store partitioned into namespaces, each with its own max age.
type Storage interface {
	Get(ctx context.Context, key Key) ([]byte, bool)
	Add(ctx context.Context, key Key, value []byte)
	// SetMaxAge overrides how long blobs of a namespace stay fresh. Zero restores the
	// storage default.
	SetMaxAge(namespace Namespace, age time.Duration)
}
