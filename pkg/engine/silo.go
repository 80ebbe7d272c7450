package engine

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/thepwagner/appcenter/pkg/silo"
	"github.com/thepwagner/appcenter/pkg/store"
	"github.com/thepwagner/appcenter/pkg/storeerr"
)

var appstreamFiles = []string{"appstream.xml.gz", "appstream.xml.xz", "appstream.xml"}

// Silo returns the compiled index, rebuilding it when the change stamp moved since it
// was last built. The returned silo always matches the stamp observed on entry or later.
func (e *Engine) Silo(ctx context.Context) (*silo.Silo, error) {
	e.siloMu.Lock()
	defer e.siloMu.Unlock()

	for attempt := 0; ; attempt++ {
		start := e.stamp.Load()
		if e.silo != nil && e.siloStamp == start {
			return e.silo, nil
		}

		if e.rescan.Swap(false) {
			if err := e.fullRescan(ctx); err != nil {
				e.rescan.Store(true)
				return nil, err
			}
			start = e.stamp.Load()
		}

		s, err := e.buildSilo(ctx)
		if err != nil {
			return nil, err
		}
		if end := e.stamp.Load(); end != start {
			e.log.Debug("change stamp moved during silo build, rebuilding",
				slog.Uint64("start", start), slog.Uint64("end", end), slog.Int("attempt", attempt))
			continue
		}
		e.silo, e.siloStamp = s, start
		return s, nil
	}
}

func (e *Engine) buildSilo(ctx context.Context) (*silo.Silo, error) {
	started := time.Now()
	b := silo.NewBuilder(e.log)
	b.AddLocale(e.locales...)

	remotes, err := e.remotesByName(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range slices.Sorted(maps.Keys(remotes)) {
		r := remotes[name]
		if r.Disabled {
			continue
		}
		src, err := e.remoteSource(ctx, r)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.markBroken(r.Name, err)
			continue
		}
		if src != nil {
			b.AddSource(*src)
		}
	}

	if err := e.addDesktopEntries(ctx, b); err != nil {
		return nil, err
	}

	key := silo.CacheKey(e.id, e.locales[0])
	guid := b.GUID()
	if s, ok := silo.Open(ctx, e.storage, key, guid); ok {
		e.log.Debug("reusing persisted silo", slog.String("guid", guid))
		e.metrics.SiloBuilt(e.id, "cached", 0)
		return s, nil
	}

	s, err := b.Build(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.metrics.SiloBuilt(e.id, "error", time.Since(started))
		return nil, storeerr.Wrap(storeerr.KindInvalidFormat, err, "building silo")
	}
	if err := s.Save(ctx, e.storage, key); err != nil {
		e.log.Warn("failed to persist silo", slog.Any("error", err))
	}
	e.metrics.SiloBuilt(e.id, "built", time.Since(started))
	e.log.Debug("built silo", slog.Int("components", s.Len()), slog.Duration("duration", time.Since(started)))
	return s, nil
}

// remoteSource reads a remote's appstream, downloading it once if there is no local copy.
// A nil source means the remote is skipped.
func (e *Engine) remoteSource(ctx context.Context, r store.Remote) (*silo.Source, error) {
	if e.isBroken(r.Name) {
		e.log.Debug("skipping broken remote", slog.String("remote", r.Name))
		return nil, nil
	}

	data, err := readAppstream(r.AppstreamDir)
	if errors.Is(err, fs.ErrNotExist) {
		e.log.Info("no appstream for remote, updating", slog.String("remote", r.Name))
		done := e.Busy()
		err := e.inst.UpdateAppstream(ctx, r.Name, e.inst.DefaultArch())
		done()
		if err != nil {
			return nil, storeerr.Convert(err)
		}
		updated, err := e.inst.GetRemote(ctx, r.Name)
		if err != nil {
			return nil, storeerr.Convert(err)
		}
		r = *updated
		data, err = readAppstream(r.AppstreamDir)
		if err != nil {
			return nil, storeerr.Convert(err)
		}
	} else if err != nil {
		return nil, storeerr.Convert(err)
	}

	src := &silo.Source{
		Origin:      r.Name,
		IconPrefix:  filepath.Join(r.AppstreamDir, "icons"),
		Data:        data,
		NoEnumerate: r.NoEnumerate,
		MainRef:     r.MainRef,
	}
	if e.settings.FilterDefaultBranches() {
		src.DefaultBranch = r.DefaultBranch
	}
	return src, nil
}

func readAppstream(dir string) ([]byte, error) {
	if dir == "" {
		return nil, fs.ErrNotExist
	}
	for _, name := range appstreamFiles {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		return b, err
	}
	return nil, fs.ErrNotExist
}

// addDesktopEntries contributes launchers of installed apps. The builder drops entries
// for refs some remote already describes.
func (e *Engine) addDesktopEntries(ctx context.Context, b *silo.Builder) error {
	if e.inst.Path() == "" {
		return nil
	}
	refs, err := e.installedRefs(ctx)
	if err != nil {
		return err
	}
	current := map[string]store.InstalledRef{}
	for _, ir := range refs {
		if ir.Kind == store.RefKindApp && ir.IsCurrent {
			current[ir.Name] = ir
		}
	}

	exports := filepath.Join(e.inst.Path(), "exports", "share")
	paths, err := filepath.Glob(filepath.Join(exports, "applications", "*.desktop"))
	if err != nil {
		return err
	}
	for _, p := range paths {
		name := strings.TrimSuffix(filepath.Base(p), ".desktop")
		ir, ok := current[name]
		if !ok {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			e.log.Warn("failed to read desktop entry", slog.String("path", p), slog.Any("error", err))
			continue
		}
		b.AddDesktopEntry(silo.DesktopEntry{
			Origin:     ir.Origin,
			Ref:        ir.Ref.String(),
			Path:       p,
			IconPrefix: filepath.Join(exports, "icons"),
			Data:       data,
		})
	}
	return nil
}
