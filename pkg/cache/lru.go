package cache

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// LRU keeps blobs in memory, in one bounded expirable LRU per namespace.
type LRU struct {
	entries int
	maxAge  time.Duration

	mu         sync.Mutex
	namespaces map[Namespace]*lruNamespace
}

type lruNamespace struct {
	maxAge time.Duration
	blobs  *expirable.LRU[string, []byte]
}

// NewLRU bounds every namespace to entries blobs.
func NewLRU(entries int, maxAge time.Duration) *LRU {
	if entries <= 0 {
		entries = 100
	}
	if maxAge == 0 {
		maxAge = DefaultMaxAge
	}
	return &LRU{
		entries:    entries,
		maxAge:     maxAge,
		namespaces: map[Namespace]*lruNamespace{},
	}
}

var _ Storage = (*LRU)(nil)

func (l *LRU) Get(_ context.Context, key Key) ([]byte, bool) {
	return l.namespace(key.Namespace()).blobs.Get(key.Name())
}

func (l *LRU) Add(_ context.Context, key Key, value []byte) {
	l.namespace(key.Namespace()).blobs.Add(key.Name(), value)
}

// SetMaxAge keeps the blobs of a namespace whose max age does not change. Otherwise they
// are dropped.
func (l *LRU) SetMaxAge(namespace Namespace, age time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if age == 0 {
		delete(l.namespaces, namespace)
		return
	}
	if cur, ok := l.namespaces[namespace]; ok && cur.maxAge == age {
		return
	}
	l.namespaces[namespace] = l.newNamespace(age)
}

func (l *LRU) namespace(namespace Namespace) *lruNamespace {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, ok := l.namespaces[namespace]
	if !ok {
		n = l.newNamespace(l.maxAge)
		l.namespaces[namespace] = n
	}
	return n
}

func (l *LRU) newNamespace(age time.Duration) *lruNamespace {
	// expirable never evicts by age when the ttl is not positive, which is what Pinned needs.
	return &lruNamespace{
		maxAge: age,
		blobs:  expirable.NewLRU[string, []byte](l.entries, nil, age),
	}
}
