package flatpakcli

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Monitor watches the installation root, where flatpak touches .changed after every
// modification, and the repo config that holds the remotes.
func (i *Installation) Monitor(ctx context.Context) (<-chan struct{}, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	watched := 0
	for _, dir := range []string{i.path, i.repoPath(), filepath.Join(i.path, "appstream")} {
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			return nil, err
		}
		watched++
	}
	if watched == 0 {
		i.log.Warn("installation directory does not exist, changes will not be noticed", slog.String("path", i.path))
	}

	ch := make(chan struct{}, 1)
	go func() {
		defer close(ch)
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !relevant(ev) {
					continue
				}
				i.log.Debug("installation changed", slog.String("file", ev.Name), slog.String("op", ev.Op.String()))
				select {
				case ch <- struct{}{}:
				default:
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				i.log.Warn("watching installation", slog.Any("error", err))
			}
		}
	}()
	return ch, nil
}

func relevant(ev fsnotify.Event) bool {
	if ev.Op == fsnotify.Chmod {
		return false
	}
	switch filepath.Base(ev.Name) {
	case ".changed", "config":
		return true
	}
	return filepath.Base(filepath.Dir(ev.Name)) == "appstream"
}
