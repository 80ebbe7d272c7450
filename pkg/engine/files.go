package engine

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"

	"github.com/thepwagner/appcenter/pkg/app"
	"github.com/thepwagner/appcenter/pkg/keyfile"
	"github.com/thepwagner/appcenter/pkg/keyring"
	"github.com/thepwagner/appcenter/pkg/permissions"
	"github.com/thepwagner/appcenter/pkg/silo"
	"github.com/thepwagner/appcenter/pkg/store"
	"github.com/thepwagner/appcenter/pkg/storeerr"
)

const (
	groupRepo = "Flatpak Repo"
	groupRef  = "Flatpak Ref"
)

// FileToApp builds an app from a .flatpakrepo, .flatpakref or .flatpak file.
func (e *Engine) FileToApp(ctx context.Context, path string) (*app.App, error) {
	switch filepath.Ext(path) {
	case ".flatpakrepo":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, storeerr.Convert(err)
		}
		return e.AppFromRepoFile(path, data)
	case ".flatpakref":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, storeerr.Convert(err)
		}
		return e.AppFromRefFile(ctx, path, data)
	case ".flatpak":
		return e.AppFromBundle(ctx, path)
	default:
		return nil, storeerr.New(storeerr.KindNotSupported, "%s is not a flatpak file", filepath.Base(path))
	}
}

// repoFile holds the fields shared by repo and ref files.
type repoFile struct {
	title         string
	url           string
	gpgKey        []byte
	homepage      string
	comment       string
	description   string
	defaultBranch string
	icon          string
	filter        string
}

func parseRepoGroup(kf *keyfile.File, group string) (*repoFile, error) {
	if v, ok := kf.String(group, "Version"); ok && v != "1" {
		return nil, storeerr.New(storeerr.KindNotSupported, "unsupported version %s", v)
	}
	rf := &repoFile{
		title:         kf.Value(group, "Title"),
		url:           kf.Value(group, "Url"),
		homepage:      kf.Value(group, "Homepage"),
		comment:       kf.Value(group, "Comment"),
		description:   kf.Value(group, "Description"),
		defaultBranch: kf.Value(group, "DefaultBranch"),
		icon:          kf.Value(group, "Icon"),
		filter:        kf.Value(group, "Filter"),
	}
	if rf.url == "" {
		return nil, storeerr.New(storeerr.KindInvalidFormat, "metadata not valid: Url required")
	}
	if key := kf.Value(group, "GPGKey"); key != "" {
		raw, err := decodeGPGKey(key)
		if err != nil {
			return nil, err
		}
		rf.gpgKey = raw
	}
	return rf, nil
}

func decodeGPGKey(key string) ([]byte, error) {
	if strings.HasPrefix(key, "http://") || strings.HasPrefix(key, "https://") {
		return nil, storeerr.New(storeerr.KindNotSupported, "Base64 encoded GPGKey required, not URL")
	}
	raw, _, err := keyring.DecodeGPGKey(key)
	if err != nil {
		return nil, storeerr.Wrap(storeerr.KindInvalidFormat, err, "invalid GPGKey")
	}
	return raw, nil
}

// fileID derives an app id from a file name, e.g. "my repo.flatpakrepo" is "my_repo".
func fileID(path string) string {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return sanitize(base)
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, s)
}

// AppFromRepoFile builds a repository app from .flatpakrepo contents. Nothing is returned
// unless every field validates.
func (e *Engine) AppFromRepoFile(path string, data []byte) (*app.App, error) {
	kf, err := keyfile.Parse(data)
	if err != nil {
		return nil, storeerr.Wrap(storeerr.KindInvalidFormat, err, "failed to load flatpakrepo")
	}
	if !kf.HasGroup(groupRepo) {
		return nil, storeerr.New(storeerr.KindInvalidFormat, "not a flatpakrepo file: no %q group", groupRepo)
	}
	rf, err := parseRepoGroup(kf, groupRepo)
	if err != nil {
		return nil, err
	}
	if rf.title == "" {
		return nil, storeerr.New(storeerr.KindInvalidFormat, "metadata not valid: Title required")
	}

	a := app.New(fileID(path))
	a.SetKind(app.KindRepository)
	a.SetBundle(app.BundleFlatpak)
	a.SetScope(e.scope)
	a.SetName(rf.title)
	a.SetOriginUI(rf.title)
	a.SetSummary(rf.comment)
	a.SetDescription(rf.description)
	a.SetHomepage(rf.homepage)
	a.SetIcon(rf.icon)
	a.SetLocalFile(path)
	a.AddQuirk(app.QuirkNotLaunchable)
	a.SetSizeDownload(app.Unknowable)
	a.SetMetadata(MetaFileKind, FileKindRepo)
	a.SetMetadata(MetaRepoURL, rf.url)
	a.SetMetadata(MetaRepoFilter, rf.filter)
	a.SetMetadata(MetaDefaultBranch, rf.defaultBranch)
	if rf.gpgKey != nil {
		a.SetMetadata(MetaRepoGPGKey, base64.StdEncoding.EncodeToString(rf.gpgKey))
	}
	if err := a.SetState(app.StateAvailableLocal); err != nil {
		return nil, err
	}
	return a, nil
}

// AppFromRefFile builds the app a .flatpakref installs. A RuntimeRepo is downloaded and
// attached as a related repository app.
func (e *Engine) AppFromRefFile(ctx context.Context, path string, data []byte) (*app.App, error) {
	kf, err := keyfile.Parse(data)
	if err != nil {
		return nil, storeerr.Wrap(storeerr.KindInvalidFormat, err, "failed to load flatpakref")
	}
	if !kf.HasGroup(groupRef) {
		return nil, storeerr.New(storeerr.KindInvalidFormat, "not a flatpakref file: no %q group", groupRef)
	}
	name := kf.Value(groupRef, "Name")
	if name == "" {
		return nil, storeerr.New(storeerr.KindInvalidFormat, "metadata not valid: Name required")
	}
	branch := kf.Value(groupRef, "Branch")
	if branch == "" {
		branch = "master"
	}
	isRuntime, err := kf.Bool(groupRef, "IsRuntime", false)
	if err != nil {
		return nil, storeerr.Wrap(storeerr.KindInvalidFormat, err, "invalid IsRuntime")
	}
	rf, err := parseRepoGroup(kf, groupRef)
	if err != nil {
		return nil, err
	}

	var runtimeRepo *app.App
	if u := kf.Value(groupRef, "RuntimeRepo"); u != "" {
		b, err := e.fetcher.Fetch(ctx, u)
		if err != nil {
			return nil, storeerr.Convert(err)
		}
		runtimeRepo, err = e.AppFromRepoFile(u, b)
		if err != nil {
			return nil, err
		}
	}

	origin := kf.Value(groupRef, "SuggestRemoteName")
	if origin == "" && rf.title != "" {
		origin = sanitize(rf.title)
	}
	if origin == "" {
		origin = name + "-origin"
	}

	kind := store.RefKindApp
	if isRuntime {
		kind = store.RefKindRuntime
	}
	ref := store.Ref{Kind: kind, Name: name, Arch: e.inst.DefaultArch(), Branch: branch}

	a := app.New(name)
	a.SetOrigin(origin)
	e.setRefMetadata(a, ref)
	a.SetOriginUI(rf.title)
	if a.OriginUI() == "" {
		a.SetOriginUI(origin)
	}
	a.SetName(name)
	a.SetSummary(rf.comment)
	a.SetDescription(rf.description)
	a.SetHomepage(rf.homepage)
	a.SetIcon(rf.icon)
	a.SetLocalFile(path)
	a.SetMetadata(MetaFileKind, FileKindRef)
	a.SetMetadata(MetaRepoURL, rf.url)
	if rf.gpgKey != nil {
		a.SetMetadata(MetaRepoGPGKey, base64.StdEncoding.EncodeToString(rf.gpgKey))
	}
	if runtimeRepo != nil {
		a.SetMetadata(MetaRuntimeRepo, kf.Value(groupRef, "RuntimeRepo"))
		a.AddRelated(runtimeRepo)
	}
	if err := a.SetState(app.StateAvailableLocal); err != nil {
		return nil, err
	}
	return a, nil
}

// AppFromBundle builds the app a single-file bundle installs, using its embedded metadata.
func (e *Engine) AppFromBundle(ctx context.Context, path string) (*app.App, error) {
	b, err := e.inst.LoadBundle(ctx, path)
	if err != nil {
		return nil, storeerr.Convert(err)
	}

	a := app.New(b.Name)
	a.SetOrigin(b.Origin)
	e.setRefMetadata(a, b.Ref)
	if b.Origin != "" {
		a.SetOriginUI(b.Origin)
	}
	a.SetLocalFile(path)
	a.SetMetadata(MetaFileKind, FileKindBundle)
	a.SetMetadata(MetaCommit, b.Commit)
	a.SetMetadata(MetaRuntimeRepo, b.RuntimeRepo)
	a.SetSizeDownload(app.Unknowable)
	if b.InstalledSize > 0 {
		a.SetSizeInstalled(app.SizeOf(b.InstalledSize))
	}

	if len(b.Metadata) > 0 {
		perms, err := permissions.FromMetadataBytes(b.Metadata)
		if err != nil {
			return nil, storeerr.Wrap(storeerr.KindInvalidFormat, err, "invalid bundle metadata")
		}
		a.SetPermissions(perms)
		if kf, err := keyfile.Parse(b.Metadata); err == nil {
			if rt := kf.Value("Application", "runtime"); rt != "" {
				e.linkRuntime(ctx, a, rt)
			}
		}
	}

	if len(b.Appstream) > 0 {
		builder := silo.NewBuilder(e.log)
		builder.AddLocale(e.locales...)
		builder.AddSource(silo.Source{Origin: b.Origin, Data: b.Appstream})
		s, err := builder.Build(ctx)
		if err != nil {
			return nil, storeerr.Convert(err)
		}
		c := s.ByBundle(b.Ref.String())
		if c == nil && s.Len() > 0 {
			c = s.Components()[0]
		}
		if c != nil {
			e.applyComponent(a, c)
		}
	}
	if a.Name() == "" {
		a.SetName(b.Name)
	}

	if err := a.SetState(app.StateAvailableLocal); err != nil {
		return nil, err
	}
	return a, nil
}
