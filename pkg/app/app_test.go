package app_test

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thepwagner/appcenter/pkg/app"
)

var allStates = []app.State{
	app.StateUnknown, app.StateAvailable, app.StateAvailableLocal, app.StateInstalling,
	app.StateInstalled, app.StateUpdatable, app.StateUpdatableLive, app.StateRemoving,
	app.StateUnavailable, app.StateQueuedForInstall, app.StatePendingInstall,
}

// walk drives a through SetState calls until it reaches target.
func walk(t *testing.T, a *app.App, path ...app.State) {
	t.Helper()
	for _, s := range path {
		require.NoError(t, a.SetState(s))
	}
}

func TestSetState_Legality(t *testing.T) {
	t.Parallel()

	t.Run("installing", func(t *testing.T) {
		t.Parallel()
		for _, to := range allStates {
			a := app.New("org.example.App")
			walk(t, a, app.StateAvailable, app.StateInstalling)
			err := a.SetState(to)
			if to == app.StateInstalled || to == app.StateInstalling {
				assert.NoError(t, err, to.String())
			} else {
				assert.Error(t, err, to.String())
				assert.Equal(t, app.StateInstalling, a.State())
			}
		}
	})

	t.Run("removing", func(t *testing.T) {
		t.Parallel()
		for _, to := range allStates {
			a := app.New("org.example.App")
			walk(t, a, app.StateInstalled, app.StateRemoving)
			err := a.SetState(to)
			switch to {
			case app.StateRemoving, app.StateUnavailable:
				assert.NoError(t, err, to.String())
			default:
				assert.Error(t, err, to.String())
				var te *app.TransitionError
				assert.ErrorAs(t, err, &te)
				assert.Equal(t, app.StateRemoving, a.State())
			}
		}
	})
}

func TestSetStateRecover(t *testing.T) {
	t.Parallel()

	t.Run("install failure", func(t *testing.T) {
		t.Parallel()
		a := app.New("org.example.App")
		walk(t, a, app.StateAvailable, app.StateInstalling)
		a.SetProgress(40)
		a.SetStateRecover()
		assert.Equal(t, app.StateAvailable, a.State())
		assert.Equal(t, 0, a.Progress())
	})

	t.Run("update failure", func(t *testing.T) {
		t.Parallel()
		a := app.New("org.example.App")
		walk(t, a, app.StateInstalled, app.StateUpdatableLive, app.StateInstalling)
		a.SetStateRecover()
		assert.Equal(t, app.StateUpdatableLive, a.State())
	})

	t.Run("remove failure", func(t *testing.T) {
		t.Parallel()
		a := app.New("org.example.App")
		walk(t, a, app.StateInstalled, app.StateRemoving)
		a.SetStateRecover()
		assert.Equal(t, app.StateInstalled, a.State())
	})

	t.Run("nothing to recover", func(t *testing.T) {
		t.Parallel()
		a := app.New("org.example.App")
		a.SetStateRecover()
		assert.Equal(t, app.StateUnknown, a.State())
	})
}

func TestUniqueID(t *testing.T) {
	t.Parallel()

	a := app.New("org.example.App")
	assert.Equal(t, "*/*/*/org.example.App/*", a.UniqueID())

	a.SetScope(app.ScopeUser)
	a.SetBundle(app.BundleFlatpak)
	a.SetOrigin("flathub")
	a.SetBranch("stable")
	assert.Equal(t, "user/flatpak/flathub/org.example.App/stable", a.UniqueID())

	a.SetScope(app.ScopeSystem)
	assert.Equal(t, app.ScopeUser, a.Scope())

	assert.True(t, app.MatchUniqueID(a.UniqueID(), "*/flatpak/*/org.example.App/*"))
	assert.False(t, app.MatchUniqueID(a.UniqueID(), "*/flatpak/*/org.example.Other/*"))
}

func TestAddons(t *testing.T) {
	t.Parallel()

	a := app.New("org.example.App")
	l1 := app.New("org.example.App.Locale")
	l2 := app.New("org.example.App.Plugin")
	a.AddAddon(l1)
	a.AddAddon(l2)
	a.AddAddon(l1)
	a.AddAddon(a)
	assert.Equal(t, []*app.App{l1, l2}, a.Addons())

	a.RemoveAddon(l1)
	assert.Equal(t, []*app.App{l2}, a.Addons())
}

func TestMetadata(t *testing.T) {
	t.Parallel()

	a := app.New("org.example.App")
	a.SetMetadata("flatpak::RefBranch", "stable")
	assert.Equal(t, "stable", a.Metadata("flatpak::RefBranch"))
	a.SetMetadata("flatpak::RefBranch", "")
	assert.Empty(t, a.MetadataMap())
}

func TestSize(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "1.0 MB", app.SizeOf(1000*1000).String())
	assert.Equal(t, "unknowable", app.Unknowable.String())
	assert.Equal(t, "unknown", app.Size{}.String())
	assert.False(t, app.Unknowable.Valid())
}

func TestList(t *testing.T) {
	t.Parallel()

	a := app.New("org.example.App")
	b := app.New("org.example.App")
	c := app.New("org.example.Other")
	l := app.NewList(a, b, c)
	assert.Equal(t, 2, l.Len())
	assert.Same(t, a, l.Index(0))
	assert.Same(t, c, l.Lookup("*/*/*/org.example.Other/*"))

	l.Remove(a)
	assert.Equal(t, []*app.App{c}, l.Apps())
	l.Add(b)
	assert.Equal(t, 2, l.Len())
}

//go:noinline
func addTemporary(r *app.Registry) string {
	a := app.New("org.example.Gone")
	r.Add(a)
	return a.UniqueID()
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := app.NewRegistry()
	a := app.New("org.example.App")
	r.Add(a)
	assert.Same(t, a, r.Lookup(a.UniqueID()))
	assert.Nil(t, r.Lookup("*/*/*/missing/*"))

	gone := addTemporary(r)
	for i := 0; i < 5 && r.Lookup(gone) != nil; i++ {
		runtime.GC()
	}
	assert.Nil(t, r.Lookup(gone))
	assert.Equal(t, 1, r.Len())

	r.Remove(a)
	assert.Nil(t, r.Lookup(a.UniqueID()))
	runtime.KeepAlive(a)
}

func TestRegistry_Rekey(t *testing.T) {
	t.Parallel()
	r := app.NewRegistry()

	a := app.New("org.example.App")
	r.Add(a)
	stale := a.UniqueID()
	a.SetOrigin("flathub")
	r.Rekey(a)
	assert.Nil(t, r.Lookup(stale))
	assert.Same(t, a, r.Lookup(a.UniqueID()))

	// The first app registered under an id keeps it.
	b := app.New("org.example.App")
	r.Add(b)
	b.SetOrigin("flathub")
	r.Rekey(b)
	assert.Same(t, a, r.Lookup(a.UniqueID()))
	assert.Nil(t, r.Lookup(stale))

	unregistered := app.New("org.example.Other")
	r.Rekey(unregistered)
	assert.Nil(t, r.Lookup(unregistered.UniqueID()))
	runtime.KeepAlive(b)
}
