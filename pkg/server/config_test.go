package server_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thepwagner/appcenter/pkg/cache"
	"github.com/thepwagner/appcenter/pkg/flatpakcli"
	"github.com/thepwagner/appcenter/pkg/server"
	"github.com/thepwagner/appcenter/pkg/store/memstore"
	"gopkg.in/yaml.v3"
)

func TestConfig(t *testing.T) {
	t.Parallel()
	var cfg server.Config
	err := yaml.NewDecoder(strings.NewReader(`---
addr: ":9090"
log:
  level: debug
cache:
  url: file:///var/cache/appcenter
  max-age: 30m
  namespaces:
    fetch: 10m
settings:
  cache-age: 12h
  refresh-when-metered: true
locales: [de, en]
installations:
  user:
    backend: memory
    path: /tmp/flatpak
    arch: aarch64
  system:
    backend: cli
    scope: system
    path: /var/lib/flatpak
`)).Decode(&cfg)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, "file:///var/cache/appcenter", cfg.Cache.URL)
	assert.Equal(t, 30*time.Minute, cfg.Cache.MaxAge)
	assert.Equal(t, map[cache.Namespace]time.Duration{"fetch": 10 * time.Minute}, cfg.Cache.Namespaces)
	assert.Equal(t, 12*time.Hour, cfg.Settings.CacheAge)
	assert.True(t, cfg.Settings.RefreshWhenMetered)
	assert.Equal(t, []string{"de", "en"}, cfg.Locales)
	require.Len(t, cfg.Installations, 2)

	user, err := server.BuildInstallation("user", cfg.Installations["user"])
	require.NoError(t, err)
	mem, ok := user.(*memstore.Installation)
	require.True(t, ok)
	assert.True(t, mem.IsUser())
	assert.Equal(t, "/tmp/flatpak", mem.Path())
	assert.Equal(t, "aarch64", mem.DefaultArch())

	system, err := server.BuildInstallation("system", cfg.Installations["system"])
	require.NoError(t, err)
	cli, ok := system.(*flatpakcli.Installation)
	require.True(t, ok)
	assert.False(t, cli.IsUser())
	assert.Equal(t, "system", cli.ID())
	assert.Equal(t, "/var/lib/flatpak", cli.Path())
}

func TestBuildInstallation_Errors(t *testing.T) {
	t.Parallel()
	cases := map[string]server.InstallationConfig{
		"unsupported backend": {Backend: "ostree", Path: "/var/lib/flatpak"},
		"unsupported scope":   {Scope: "global", Path: "/var/lib/flatpak"},
		"missing path":        {Backend: server.BackendCLI},
	}
	for name, ic := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := server.BuildInstallation("extra", ic)
			assert.Error(t, err)
		})
	}
}

func TestBuildInstallation_DefaultScope(t *testing.T) {
	t.Parallel()
	inst, err := server.BuildInstallation("user", server.InstallationConfig{Backend: server.BackendMemory})
	require.NoError(t, err)
	assert.True(t, inst.IsUser())

	inst, err = server.BuildInstallation("extra", server.InstallationConfig{Backend: server.BackendMemory})
	require.NoError(t, err)
	assert.False(t, inst.IsUser())
}
