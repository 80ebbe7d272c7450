package permissions_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thepwagner/appcenter/pkg/permissions"
)

func metadata(context string, extra ...string) []byte {
	return []byte("[Application]\nname=org.example.App\nruntime=org.example.Platform/x86_64/1\n\n[Context]\n" + context + "\n" + strings.Join(extra, "\n"))
}

func TestFromMetadataBytes(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		metadata []byte
		expected permissions.Flags
	}{
		"empty": {
			metadata: metadata(""),
			expected: permissions.None,
		},
		"network and ipc": {
			metadata: metadata("shared=network;ipc;"),
			expected: permissions.Network | permissions.ReducedIsolation,
		},
		"x11 only": {
			metadata: metadata("sockets=x11;"),
			expected: permissions.X11,
		},
		"wayland with fallback": {
			metadata: metadata("sockets=wayland;fallback-x11;"),
			expected: permissions.None,
		},
		"fallback without wayland": {
			metadata: metadata("sockets=fallback-x11;"),
			expected: permissions.X11,
		},
		"x11 and wayland": {
			metadata: metadata("sockets=x11;wayland;"),
			expected: permissions.X11,
		},
		"pulseaudio and gpg-agent": {
			metadata: metadata("sockets=pulseaudio;gpg-agent;"),
			expected: permissions.AudioDevices | permissions.ReducedIsolation,
		},
		"buses": {
			metadata: metadata("sockets=system-bus;session-bus;"),
			expected: permissions.SystemBus | permissions.SessionBus,
		},
		"devices": {
			metadata: metadata("devices=all;input;dri;"),
			expected: permissions.Devices | permissions.InputDevices,
		},
		"home read": {
			metadata: metadata("filesystems=home:ro;"),
			expected: permissions.HomeRead,
		},
		"home create": {
			metadata: metadata("filesystems=~:create;"),
			expected: permissions.HomeFull,
		},
		"home full wins": {
			metadata: metadata("filesystems=home:ro;home;"),
			expected: permissions.HomeFull,
		},
		"host and downloads": {
			metadata: metadata("filesystems=host:ro;xdg-download:rw;"),
			expected: permissions.FilesystemRead | permissions.DownloadsFull,
		},
		"other paths": {
			metadata: metadata("filesystems=xdg-music;/media;!home;"),
			expected: permissions.FilesystemOther,
		},
		"override escape": {
			metadata: metadata("filesystems=xdg-data/flatpak/overrides:create;"),
			expected: permissions.EscapeSandbox,
		},
		"dconf talk": {
			metadata: metadata("", "[Session Bus Policy]", "ca.desrt.dconf=talk"),
			expected: permissions.Settings,
		},
		"dconf see": {
			metadata: metadata("", "[Session Bus Policy]", "ca.desrt.dconf=see"),
			expected: permissions.None,
		},
		"flatpak talk": {
			metadata: metadata("", "[Session Bus Policy]", "org.freedesktop.Flatpak=talk"),
			expected: permissions.EscapeSandbox,
		},
		"permission store": {
			metadata: metadata("", "[Session Bus Policy]", "org.freedesktop.impl.portal.PermissionStore=see"),
			expected: permissions.EscapeSandbox,
		},
		"own name ignored": {
			metadata: metadata("", "[Session Bus Policy]", "org.example.App=own", "org.example.App.Helper=own", "org.mpris.MediaPlayer2.org.example.App=own"),
			expected: permissions.None,
		},
		"portal ignored": {
			metadata: metadata("", "[Session Bus Policy]", "org.freedesktop.portal.Desktop=talk"),
			expected: permissions.None,
		},
		"other session name": {
			metadata: metadata("", "[Session Bus Policy]", "org.freedesktop.Notifications=talk", "org.freedesktop.secrets=none"),
			expected: permissions.SessionBus,
		},
		"system bus": {
			metadata: metadata("", "[System Bus Policy]", "org.freedesktop.UPower=talk"),
			expected: permissions.SystemBus,
		},
		"system helper": {
			metadata: metadata("", "[System Bus Policy]", "org.freedesktop.Flatpak.SystemHelper=talk"),
			expected: permissions.EscapeSandbox,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			f, err := permissions.FromMetadataBytes(tc.metadata)
			require.NoError(t, err)
			assert.Equal(t, tc.expected.String(), f.String())
		})
	}
}

func TestFromMetadata_Nil(t *testing.T) {
	t.Parallel()
	assert.Equal(t, permissions.Unknown, permissions.FromMetadata(nil))
}

func TestFromMetadata_MutuallyExclusive(t *testing.T) {
	t.Parallel()

	entries := []string{"home", "home:ro", "home:rw", "~:create", "host", "host:ro", "xdg-download", "xdg-download:ro", "~/Downloads:create"}
	pairs := [][2]permissions.Flags{
		{permissions.HomeFull, permissions.HomeRead},
		{permissions.FilesystemFull, permissions.FilesystemRead},
		{permissions.DownloadsFull, permissions.DownloadsRead},
	}

	// every subset of entries, in file order
	for mask := 0; mask < 1<<len(entries); mask++ {
		var fs []string
		for i, e := range entries {
			if mask&(1<<i) != 0 {
				fs = append(fs, e)
			}
		}
		f, err := permissions.FromMetadataBytes(metadata(fmt.Sprintf("filesystems=%s;", strings.Join(fs, ";"))))
		require.NoError(t, err)
		for _, p := range pairs {
			assert.False(t, f.Has(p[0]) && f.Has(p[1]), "filesystems=%v yielded %s", fs, f)
		}
	}
}

func TestDiff(t *testing.T) {
	t.Parallel()

	old := permissions.Network | permissions.HomeFull
	next := permissions.Network | permissions.HomeRead | permissions.X11 | permissions.DownloadsRead
	assert.Equal(t, permissions.X11|permissions.DownloadsRead, permissions.Diff(old, next))
	assert.Equal(t, permissions.None, permissions.Diff(next, next))
}

func TestFlags_String(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "none", permissions.None.String())
	assert.Equal(t, "network|x11", (permissions.X11 | permissions.Network).String())
}
