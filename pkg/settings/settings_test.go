package settings_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thepwagner/appcenter/pkg/settings"
)

func TestStore_Defaults(t *testing.T) {
	t.Parallel()

	s := settings.New(settings.Config{})
	assert.Equal(t, 24*time.Hour, s.CacheAge())
	assert.False(t, s.FilterDefaultBranches())
	assert.True(t, s.AllowRefresh())

	s.SetMetered(true)
	assert.False(t, s.AllowRefresh())
	require.NoError(t, s.Update(func(c *settings.Config) { c.RefreshWhenMetered = true }))
	assert.True(t, s.AllowRefresh())
}

func TestStore_Persist(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "settings.yml")
	s := settings.New(settings.Config{Path: path})
	require.NoError(t, s.Update(func(c *settings.Config) {
		c.FilterDefaultBranches = true
		c.CacheAge = time.Hour
		c.Path = "ignored"
	}))

	reloaded := settings.New(settings.Config{Path: path})
	assert.True(t, reloaded.FilterDefaultBranches())
	assert.Equal(t, time.Hour, reloaded.CacheAge())
	assert.Equal(t, path, reloaded.Config().Path)
}
