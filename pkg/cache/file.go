package cache

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Files keeps one file per blob under Root, in a directory per namespace. A blob is stale
// once its modification time is older than the namespace's max age.
type Files struct {
	Root   string
	maxAge time.Duration

	mu      sync.RWMutex
	maxAges map[Namespace]time.Duration
}

func NewFiles(root string, maxAge time.Duration) *Files {
	if maxAge == 0 {
		maxAge = DefaultMaxAge
	}
	return &Files{
		Root:    root,
		maxAge:  maxAge,
		maxAges: map[Namespace]time.Duration{},
	}
}

var _ Storage = (*Files)(nil)

func (f *Files) path(key Key) string {
	ns := string(key.Namespace())
	if ns == "" {
		ns = "_"
	}
	return filepath.Join(f.Root, ns, url.PathEscape(key.Name()))
}

func (f *Files) ageOf(namespace Namespace) time.Duration {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if age, ok := f.maxAges[namespace]; ok {
		return age
	}
	return f.maxAge
}

func (f *Files) Get(_ context.Context, key Key) ([]byte, bool) {
	p := f.path(key)
	if age := f.ageOf(key.Namespace()); age > 0 {
		stat, err := os.Stat(p)
		if err != nil || time.Since(stat.ModTime()) > age {
			return nil, false
		}
	}

	b, err := os.ReadFile(p)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Error("reading cached blob", slog.String("key", key.String()), slog.Any("error", err))
		}
		return nil, false
	}
	return b, true
}

// Add writes through a temporary file so concurrent readers never see a partial blob.
func (f *Files) Add(_ context.Context, key Key, value []byte) {
	if err := f.write(f.path(key), value); err != nil {
		slog.Error("writing cached blob", slog.String("key", key.String()), slog.Any("error", err))
	}
}

func (f *Files) write(p string, value []byte) error {
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(value); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), p)
}

func (f *Files) SetMaxAge(namespace Namespace, age time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if age == 0 {
		delete(f.maxAges, namespace)
		return
	}
	f.maxAges[namespace] = age
}
