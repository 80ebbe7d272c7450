package flatpakcli

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/thepwagner/appcenter/pkg/store"
	"gopkg.in/ini.v1"
)

func (i *Installation) repoPath() string {
	return filepath.Join(i.path, "repo")
}

// readRemotes parses the [remote "name"] groups of the ostree repo config.
func (i *Installation) readRemotes() ([]store.Remote, error) {
	data, err := os.ReadFile(filepath.Join(i.repoPath(), "config"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	cfg, err := ini.LoadSources(ini.LoadOptions{IgnoreInlineComment: true, KeyValueDelimiters: "="}, data)
	if err != nil {
		return nil, store.NewError(store.ErrInvalidData, "reading repo config: %s", err)
	}

	var remotes []store.Remote
	for _, section := range cfg.Sections() {
		name, ok := strings.CutPrefix(section.Name(), `remote "`)
		if !ok {
			continue
		}
		name = strings.TrimSuffix(name, `"`)
		r := store.Remote{
			Name:          name,
			URL:           section.Key("url").String(),
			Title:         section.Key("xa.title").String(),
			Comment:       section.Key("xa.comment").String(),
			Description:   section.Key("xa.description").String(),
			Homepage:      section.Key("xa.homepage").String(),
			Icon:          section.Key("xa.icon").String(),
			Filter:        section.Key("xa.filter").String(),
			DefaultBranch: section.Key("xa.default-branch").String(),
			MainRef:       section.Key("xa.main-ref").String(),
			GPGVerify:     section.Key("gpg-verify").MustBool(true),
			NoEnumerate:   section.Key("xa.noenumerate").MustBool(false),
			Disabled:      section.Key("xa.disable").MustBool(false),
			Priority:      section.Key("xa.prio").MustInt(1),
		}
		if key, err := os.ReadFile(filepath.Join(i.repoPath(), name+".trustedkeys.gpg")); err == nil {
			r.GPGKey = key
		}
		i.appstreamState(&r)
		remotes = append(remotes, r)
	}
	sort.Slice(remotes, func(a, b int) bool {
		if remotes[a].Priority != remotes[b].Priority {
			return remotes[a].Priority > remotes[b].Priority
		}
		return remotes[a].Name < remotes[b].Name
	})
	return remotes, nil
}

// appstreamState records where fetched metadata for r lives, if it has been fetched.
func (i *Installation) appstreamState(r *store.Remote) {
	dir := filepath.Join(i.path, "appstream", r.Name, i.arch)
	active := filepath.Join(dir, "active")
	st, err := os.Stat(active)
	if err != nil {
		return
	}
	r.AppstreamDir = active
	r.AppstreamTimestamp = st.ModTime().Unix()
	if ts, err := os.Stat(filepath.Join(dir, ".timestamp")); err == nil {
		r.AppstreamTimestamp = ts.ModTime().Unix()
	}
}

func (i *Installation) ListRemotes(_ context.Context) ([]store.Remote, error) {
	return i.readRemotes()
}

func (i *Installation) GetRemote(_ context.Context, name string) (*store.Remote, error) {
	remotes, err := i.readRemotes()
	if err != nil {
		return nil, err
	}
	for _, r := range remotes {
		if r.Name == name {
			return &r, nil
		}
	}
	return nil, store.NewError(store.ErrRemoteNotFound, "remote %q not found", name)
}

func (i *Installation) AddRemote(ctx context.Context, r store.Remote, ifNeeded bool) error {
	args := []string{"remote-add"}
	if ifNeeded {
		args = append(args, "--if-not-exists")
	}
	args = append(args, remoteFlags(r)...)
	cleanup, keyArgs, err := gpgImportArgs(r)
	if err != nil {
		return err
	}
	defer cleanup()
	args = append(args, keyArgs...)
	if _, err := i.flatpak(ctx, append(args, r.Name, r.URL)...); err != nil {
		return err
	}
	return nil
}

func (i *Installation) ModifyRemote(ctx context.Context, r store.Remote) error {
	args := []string{"remote-modify", "--url=" + r.URL}
	args = append(args, remoteFlags(r)...)
	if r.Disabled {
		args = append(args, "--disable")
	} else {
		args = append(args, "--enable")
	}
	if r.Priority != 0 {
		args = append(args, "--prio="+strconv.Itoa(r.Priority))
	}
	cleanup, keyArgs, err := gpgImportArgs(r)
	if err != nil {
		return err
	}
	defer cleanup()
	args = append(args, keyArgs...)
	if _, err := i.flatpak(ctx, append(args, r.Name)...); err != nil {
		return err
	}
	return nil
}

func remoteFlags(r store.Remote) []string {
	var args []string
	for _, f := range []struct{ flag, value string }{
		{"--title", r.Title},
		{"--comment", r.Comment},
		{"--description", r.Description},
		{"--homepage", r.Homepage},
		{"--icon", r.Icon},
		{"--filter", r.Filter},
		{"--default-branch", r.DefaultBranch},
	} {
		if f.value != "" {
			args = append(args, f.flag+"="+f.value)
		}
	}
	if r.NoEnumerate {
		args = append(args, "--no-enumerate")
	}
	return args
}

// gpgImportArgs writes r's key to a temporary file for --gpg-import.
func gpgImportArgs(r store.Remote) (func(), []string, error) {
	noop := func() {}
	if len(r.GPGKey) == 0 {
		if r.GPGVerify {
			return noop, nil, nil
		}
		return noop, []string{"--no-gpg-verify"}, nil
	}
	f, err := os.CreateTemp("", "appcenter-*.gpg")
	if err != nil {
		return noop, nil, err
	}
	cleanup := func() { _ = os.Remove(f.Name()) }
	if _, err := f.Write(r.GPGKey); err != nil {
		_ = f.Close()
		cleanup()
		return noop, nil, err
	}
	if err := f.Close(); err != nil {
		cleanup()
		return noop, nil, err
	}
	return cleanup, []string{"--gpg-import=" + f.Name()}, nil
}

func (i *Installation) RemoveRemote(ctx context.Context, name string) error {
	if _, err := i.flatpak(ctx, "remote-delete", name); err != nil {
		return err
	}
	return nil
}

func (i *Installation) UpdateAppstream(ctx context.Context, remote, arch string) error {
	if arch == "" {
		arch = i.arch
	}
	if _, err := i.flatpak(ctx, "update", "--appstream", "--noninteractive", "--arch="+arch, remote); err != nil {
		return err
	}
	return nil
}
