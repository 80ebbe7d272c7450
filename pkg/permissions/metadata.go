package permissions

import (
	"fmt"
	"slices"
	"strings"

	"github.com/thepwagner/appcenter/pkg/keyfile"
)

const (
	groupApplication = "Application"
	groupRuntime     = "Runtime"
	groupContext     = "Context"
	groupSessionBus  = "Session Bus Policy"
	groupSystemBus   = "System Bus Policy"
)

// FromMetadataBytes parses a sandbox metadata keyfile and derives its flags.
func FromMetadataBytes(b []byte) (Flags, error) {
	kf, err := keyfile.Parse(b)
	if err != nil {
		return Unknown, fmt.Errorf("parsing metadata: %w", err)
	}
	return FromMetadata(kf), nil
}

// FromMetadata evaluates each rule independently and ORs the results.
func FromMetadata(kf *keyfile.File) Flags {
	if kf == nil {
		return Unknown
	}
	appID := kf.Value(groupApplication, "name")
	if appID == "" {
		appID = kf.Value(groupRuntime, "name")
	}

	var f Flags
	f |= fromShared(kf.StringList(groupContext, "shared"))
	f |= fromSockets(kf.StringList(groupContext, "sockets"))
	f |= fromDevices(kf.StringList(groupContext, "devices"))
	f |= fromFilesystems(kf.StringList(groupContext, "filesystems"))
	f |= fromBusPolicy(kf, groupSessionBus, appID, sessionBusNames, SessionBus)
	f |= fromBusPolicy(kf, groupSystemBus, appID, systemBusNames, SystemBus)
	return f.exclusive()
}

func fromShared(shared []string) Flags {
	var f Flags
	if slices.Contains(shared, "network") {
		f |= Network
	}
	if slices.Contains(shared, "ipc") {
		f |= ReducedIsolation
	}
	return f
}

func fromSockets(sockets []string) Flags {
	var f Flags
	if slices.Contains(sockets, "system-bus") {
		f |= SystemBus
	}
	if slices.Contains(sockets, "session-bus") {
		f |= SessionBus
	}
	// fallback-x11 only reaches X11 when there is no wayland socket to prefer
	hasWayland := slices.Contains(sockets, "wayland")
	if slices.Contains(sockets, "x11") && !slices.Contains(sockets, "fallback-x11") {
		f |= X11
	} else if slices.Contains(sockets, "fallback-x11") && !hasWayland {
		f |= X11
	}
	if slices.Contains(sockets, "pulseaudio") {
		f |= AudioDevices
	}
	if slices.Contains(sockets, "gpg-agent") {
		f |= ReducedIsolation
	}
	return f
}

func fromDevices(devices []string) Flags {
	var f Flags
	if slices.Contains(devices, "all") {
		f |= Devices
	}
	if slices.Contains(devices, "input") {
		f |= InputDevices
	}
	return f
}

var filesystemAccess = []struct {
	path       string
	full, read Flags
}{
	{"home", HomeFull, HomeRead},
	{"~", HomeFull, HomeRead},
	{"host", FilesystemFull, FilesystemRead},
	{"xdg-download", DownloadsFull, DownloadsRead},
	{"~/Downloads", DownloadsFull, DownloadsRead},
}

func fromFilesystems(entries []string) Flags {
	var f Flags
	for _, entry := range entries {
		if entry == "" || strings.HasPrefix(entry, "!") {
			continue
		}
		path, mode := entry, ""
		if i := strings.LastIndex(entry, ":"); i > -1 {
			switch entry[i+1:] {
			case "ro", "rw", "create":
				path, mode = entry[:i], entry[i+1:]
			}
		}
		path = strings.TrimSuffix(path, "/")

		if path == "xdg-data/flatpak/overrides" && mode == "create" {
			f |= EscapeSandbox
			continue
		}

		matched := false
		for _, fa := range filesystemAccess {
			if fa.path != path {
				continue
			}
			matched = true
			if mode == "ro" {
				f |= fa.read
			} else {
				f |= fa.full
			}
		}
		if !matched {
			f |= FilesystemOther
		}
	}
	return f
}

type busLevel int

const (
	busNone busLevel = iota
	busSee
	busTalk
	busOwn
)

func parseBusLevel(s string) busLevel {
	switch s {
	case "see":
		return busSee
	case "talk":
		return busTalk
	case "own":
		return busOwn
	default:
		return busNone
	}
}

type busName struct {
	name   string
	prefix bool
	min    busLevel
	flag   Flags
}

var sessionBusNames = []busName{
	{name: "ca.desrt.dconf", min: busTalk, flag: Settings},
	{name: "org.gnome.SettingsDaemon", prefix: true, min: busTalk, flag: Settings},
	{name: "org.freedesktop.Flatpak", min: busTalk, flag: EscapeSandbox},
	{name: "org.freedesktop.impl.portal.PermissionStore", min: busSee, flag: EscapeSandbox},
}

var systemBusNames = []busName{
	{name: "org.freedesktop.Flatpak.SystemHelper", min: busTalk, flag: EscapeSandbox},
	{name: "org.freedesktop.systemd1", min: busTalk, flag: EscapeSandbox},
}

func (b busName) matches(name string) bool {
	if b.prefix {
		return name == b.name || strings.HasPrefix(name, b.name+".")
	}
	return name == b.name
}

func fromBusPolicy(kf *keyfile.File, group, appID string, sensitive []busName, fallback Flags) Flags {
	var f Flags
	for _, name := range kf.Keys(group) {
		level := parseBusLevel(kf.Value(group, name))
		if level == busNone || ownsOwnName(name, appID, level) || portalName(name, level) {
			continue
		}

		matched := false
		for _, s := range sensitive {
			if !s.matches(name) {
				continue
			}
			matched = true
			if level >= s.min {
				f |= s.flag
			}
		}
		if !matched {
			f |= fallback
		}
	}
	return f
}

func ownsOwnName(name, appID string, level busLevel) bool {
	if appID == "" || level != busOwn {
		return false
	}
	for _, own := range []string{appID, "org.mpris.MediaPlayer2." + appID} {
		if name == own || strings.HasPrefix(name, own+".") {
			return true
		}
	}
	return false
}

func portalName(name string, level busLevel) bool {
	return level <= busTalk && strings.HasPrefix(name, "org.freedesktop.portal.")
}
