package engine

import (
	"bytes"
	"context"
	"encoding/base64"
	"log/slog"

	"github.com/thepwagner/appcenter/pkg/app"
	"github.com/thepwagner/appcenter/pkg/keyring"
	"github.com/thepwagner/appcenter/pkg/store"
	"github.com/thepwagner/appcenter/pkg/storeerr"
)

// remoteFromApp builds the remote a repository app describes.
func remoteFromApp(a *app.App) (store.Remote, error) {
	if a.Kind() != app.KindRepository {
		return store.Remote{}, storeerr.New(storeerr.KindNotSupported, "%s is not a repository", a.UniqueID())
	}
	r := store.Remote{
		Name:          a.ID(),
		Title:         a.OriginUI(),
		URL:           a.Metadata(MetaRepoURL),
		Comment:       a.Summary(),
		Description:   a.Description(),
		Homepage:      a.Homepage(),
		Icon:          a.Icon(),
		Filter:        a.Metadata(MetaRepoFilter),
		DefaultBranch: a.Metadata(MetaDefaultBranch),
	}
	if r.Title == "" {
		r.Title = a.Name()
	}
	if r.URL == "" {
		return store.Remote{}, storeerr.New(storeerr.KindInvalidFormat, "no URL for repository %s", a.ID())
	}
	if key := a.Metadata(MetaRepoGPGKey); key != "" {
		raw, err := base64.StdEncoding.DecodeString(key)
		if err != nil {
			return store.Remote{}, storeerr.Wrap(storeerr.KindInvalidFormat, err, "invalid GPG key for %s", a.ID())
		}
		entities, err := keyring.FromReader(bytes.NewReader(raw))
		if err != nil {
			return store.Remote{}, storeerr.Wrap(storeerr.KindInvalidFormat, err, "invalid GPG key for %s", a.ID())
		}
		slog.Debug("remote signing keys", slog.String("remote", r.Name), slog.Any("keys", keyring.KeyIDs(entities)))
		r.GPGKey = raw
		r.GPGVerify = true
	}
	return r, nil
}

// AddRemote configures the repository a describes and fetches its metadata. An existing
// remote of the same name is updated and enabled.
func (e *Engine) AddRemote(ctx context.Context, a *app.App) error {
	r, err := remoteFromApp(a)
	if err != nil {
		return err
	}
	if err := a.SetState(app.StateInstalling); err != nil {
		return storeerr.Wrap(storeerr.KindFailed, err, "adding remote")
	}

	if err := e.addRemote(ctx, r); err != nil {
		a.SetStateRecover()
		return err
	}
	if err := a.SetState(app.StateInstalled); err != nil {
		return storeerr.Wrap(storeerr.KindFailed, err, "adding remote")
	}
	a.SetScope(e.scope)
	a.SetInstallation(e.id)
	return nil
}

func (e *Engine) addRemote(ctx context.Context, r store.Remote) error {
	done := e.Busy()
	defer done()
	defer e.InternalDataChanged()

	existing, err := e.inst.GetRemote(ctx, r.Name)
	switch {
	case err == nil:
		r.AppstreamDir = existing.AppstreamDir
		r.AppstreamTimestamp = existing.AppstreamTimestamp
		r.Disabled = false
		if err := e.inst.ModifyRemote(ctx, r); err != nil {
			return storeerr.Convert(err)
		}
	case store.HasCode(err, store.ErrRemoteNotFound):
		if err := e.inst.AddRemote(ctx, r, true); err != nil {
			return storeerr.Convert(err)
		}
	default:
		return storeerr.Convert(err)
	}

	if err := e.inst.UpdateAppstream(ctx, r.Name, e.inst.DefaultArch()); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.log.Warn("failed to fetch metadata for new remote", slog.String("remote", r.Name), slog.Any("error", err))
	}
	return nil
}

// RemoveRemote deletes the repository a describes.
func (e *Engine) RemoveRemote(ctx context.Context, a *app.App) error {
	if a.Kind() != app.KindRepository {
		return storeerr.New(storeerr.KindNotSupported, "%s is not a repository", a.UniqueID())
	}
	if err := a.SetState(app.StateRemoving); err != nil {
		return storeerr.Wrap(storeerr.KindFailed, err, "removing remote")
	}

	done := e.Busy()
	err := e.inst.RemoveRemote(ctx, a.ID())
	e.InternalDataChanged()
	done()
	if err != nil {
		a.SetStateRecover()
		return storeerr.Convert(err)
	}
	if err := a.SetState(app.StateUnavailable); err != nil {
		return storeerr.Wrap(storeerr.KindFailed, err, "removing remote")
	}
	// A removed remote can be added again.
	return a.SetState(app.StateAvailable)
}

// EnableRemote and DisableRemote toggle a configured repository.
func (e *Engine) EnableRemote(ctx context.Context, a *app.App) error {
	return e.setRemoteDisabled(ctx, a, false)
}

func (e *Engine) DisableRemote(ctx context.Context, a *app.App) error {
	return e.setRemoteDisabled(ctx, a, true)
}

func (e *Engine) setRemoteDisabled(ctx context.Context, a *app.App, disabled bool) error {
	if a.Kind() != app.KindRepository {
		return storeerr.New(storeerr.KindNotSupported, "%s is not a repository", a.UniqueID())
	}

	done := e.Busy()
	defer done()
	r, err := e.inst.GetRemote(ctx, a.ID())
	if err != nil {
		return storeerr.Convert(err)
	}
	if r.Disabled == disabled {
		e.applyRemote(a, *r)
		return nil
	}
	r.Disabled = disabled
	if err := e.inst.ModifyRemote(ctx, *r); err != nil {
		return storeerr.Convert(err)
	}
	e.InternalDataChanged()
	e.applyRemote(a, *r)
	return nil
}
