// Package permissions derives sandbox permission flags from flatpak metadata.
package permissions

import (
	"strings"
)

type Flags uint64

const None Flags = 0

const (
	Unknown Flags = 1 << iota
	Network
	SystemBus
	SessionBus
	Devices
	InputDevices
	AudioDevices
	HomeFull
	HomeRead
	FilesystemFull
	FilesystemRead
	FilesystemOther
	DownloadsFull
	DownloadsRead
	Settings
	X11
	EscapeSandbox
	ReducedIsolation
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{Unknown, "unknown"},
	{Network, "network"},
	{SystemBus, "system-bus"},
	{SessionBus, "session-bus"},
	{Devices, "devices"},
	{InputDevices, "input-devices"},
	{AudioDevices, "audio-devices"},
	{HomeFull, "home-full"},
	{HomeRead, "home-read"},
	{FilesystemFull, "filesystem-full"},
	{FilesystemRead, "filesystem-read"},
	{FilesystemOther, "filesystem-other"},
	{DownloadsFull, "downloads-full"},
	{DownloadsRead, "downloads-read"},
	{Settings, "settings"},
	{X11, "x11"},
	{EscapeSandbox, "escape-sandbox"},
	{ReducedIsolation, "reduced-isolation"},
}

func (f Flags) Has(other Flags) bool {
	return f&other == other
}

func (f Flags) Names() []string {
	var names []string
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			names = append(names, fn.name)
		}
	}
	return names
}

func (f Flags) String() string {
	if f == None {
		return "none"
	}
	return strings.Join(f.Names(), "|")
}

// Diff returns the flags in next that old did not already grant.
func Diff(old, next Flags) Flags {
	d := next &^ old
	if old&HomeFull != 0 {
		d &^= HomeRead
	}
	if old&FilesystemFull != 0 {
		d &^= FilesystemRead
	}
	if old&DownloadsFull != 0 {
		d &^= DownloadsRead
	}
	return d
}

// exclusive clears read-only flags already implied by full access.
func (f Flags) exclusive() Flags {
	if f&HomeFull != 0 {
		f &^= HomeRead
	}
	if f&FilesystemFull != 0 {
		f &^= FilesystemRead
	}
	if f&DownloadsFull != 0 {
		f &^= DownloadsRead
	}
	return f
}
