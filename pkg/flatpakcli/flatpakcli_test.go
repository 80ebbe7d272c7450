package flatpakcli_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thepwagner/appcenter/pkg/flatpakcli"
	"github.com/thepwagner/appcenter/pkg/store"
	"github.com/thepwagner/appcenter/pkg/storeerr"
)

var (
	editor = store.Ref{Kind: store.RefKindApp, Name: "org.example.Editor", Arch: "x86_64", Branch: "stable"}
	locale = store.Ref{Kind: store.RefKindRuntime, Name: "org.example.Editor.Locale", Arch: "x86_64", Branch: "stable"}
)

const repoConfig = `[core]
repo_version=1
mode=bare-user-only

[remote "flathub"]
url=https://dl.flathub.org/repo/
xa.title=Flathub
gpg-verify=true
xa.comment=Central repository of Flatpak applications
xa.homepage=https://flathub.org/

[remote "nightly"]
url=https://nightly.example.test/repo/
xa.title=Nightly
gpg-verify=false
xa.disable=true
xa.prio=5
xa.filter=/etc/flatpak/nightly.filter
`

const editorMetadata = `[Application]
name=org.example.Editor
runtime=org.example.Platform/x86_64/1

[Extension org.example.Editor.Locale]
directory=share/runtime/locale
autodelete=true

[Extension org.example.Editor.Plugin]
directory=plugins
no-autodownload=true
`

const metainfo = `<?xml version="1.0" encoding="UTF-8"?>
<component type="desktop-application">
  <id>org.example.Editor</id>
  <name>Editor</name>
  <name xml:lang="de">Bearbeiter</name>
  <summary>Edit text files</summary>
  <releases>
    <release version="2.0" date="2024-01-01"/>
    <release version="1.0" date="2023-01-01"/>
  </releases>
</component>
`

type call struct {
	env  []string
	name string
	args []string
}

func (c call) String() string {
	return c.name + " " + strings.Join(c.args, " ")
}

type fakeRunner struct {
	mu     sync.Mutex
	calls  []call
	handle func(c call) ([]byte, error)
}

func (r *fakeRunner) Run(_ context.Context, env []string, name string, args ...string) ([]byte, error) {
	c := call{env: env, name: name, args: args}
	r.mu.Lock()
	r.calls = append(r.calls, c)
	handle := r.handle
	r.mu.Unlock()
	if handle == nil {
		return nil, nil
	}
	return handle(c)
}

func (r *fakeRunner) Calls() []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call(nil), r.calls...)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func deploy(t *testing.T, root string, ref store.Ref, commit, origin, latest string) string {
	t.Helper()
	dir := filepath.Join(root, ref.Kind.String(), ref.Name, ref.Arch, ref.Branch)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, commit, "files"), 0o755))
	require.NoError(t, os.Symlink(commit, filepath.Join(dir, "active")))
	if origin != "" {
		writeFile(t, filepath.Join(root, "repo", "refs", "remotes", origin, ref.String()), latest+"\n")
	}
	return filepath.Join(dir, commit)
}

// newLayout builds a user installation with the editor and its locale extension deployed.
func newLayout(t *testing.T) (string, *fakeRunner, *flatpakcli.Installation) {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "repo", "config"), repoConfig)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "appstream", "flathub", "x86_64", "active"), 0o755))

	dir := deploy(t, root, editor, "abc123", "flathub", "def456")
	writeFile(t, filepath.Join(dir, "metadata"), editorMetadata)
	writeFile(t, filepath.Join(dir, "files", "share", "metainfo", "org.example.Editor.metainfo.xml"), metainfo)
	require.NoError(t, os.Symlink("x86_64/stable", filepath.Join(root, "app", editor.Name, "current")))

	dir = deploy(t, root, locale, "l1", "flathub", "l1")
	writeFile(t, filepath.Join(dir, "subpaths"), "/de\n/en\n")

	runner := &fakeRunner{}
	inst := flatpakcli.New(flatpakcli.Config{Path: root, User: true, Arch: "x86_64", Runner: runner})
	return root, runner, inst
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()
	inst := flatpakcli.New(flatpakcli.Config{Path: "/var/lib/flatpak"})
	assert.Equal(t, "system", inst.ID())
	assert.False(t, inst.IsUser())
	assert.NotEmpty(t, inst.DefaultArch())
	assert.Equal(t, "/var/lib/flatpak", inst.Path())
}

func TestListRemotes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	root, _, inst := newLayout(t)

	remotes, err := inst.ListRemotes(ctx)
	require.NoError(t, err)
	require.Len(t, remotes, 2)

	nightly := remotes[0]
	assert.Equal(t, "nightly", nightly.Name)
	assert.True(t, nightly.Disabled)
	assert.False(t, nightly.GPGVerify)
	assert.Equal(t, 5, nightly.Priority)
	assert.Equal(t, "/etc/flatpak/nightly.filter", nightly.Filter)
	assert.Empty(t, nightly.AppstreamDir)

	flathub := remotes[1]
	assert.Equal(t, "flathub", flathub.Name)
	assert.Equal(t, "Flathub", flathub.Title)
	assert.Equal(t, "https://dl.flathub.org/repo/", flathub.URL)
	assert.Equal(t, "https://flathub.org/", flathub.Homepage)
	assert.True(t, flathub.GPGVerify)
	assert.Equal(t, filepath.Join(root, "appstream", "flathub", "x86_64", "active"), flathub.AppstreamDir)
	assert.Positive(t, flathub.AppstreamTimestamp)

	_, err = inst.GetRemote(ctx, "missing")
	assert.True(t, store.HasCode(err, store.ErrRemoteNotFound))
}

func TestListRemotes_NoRepo(t *testing.T) {
	t.Parallel()
	inst := flatpakcli.New(flatpakcli.Config{Path: t.TempDir(), Runner: &fakeRunner{}})
	remotes, err := inst.ListRemotes(context.Background())
	require.NoError(t, err)
	assert.Empty(t, remotes)
}

func TestListInstalledRefs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	root, _, inst := newLayout(t)

	refs, err := inst.ListInstalledRefs(ctx)
	require.NoError(t, err)
	require.Len(t, refs, 2)

	ed := refs[0]
	assert.Equal(t, editor, ed.Ref)
	assert.Equal(t, "flathub", ed.Origin)
	assert.Equal(t, "abc123", ed.Commit)
	assert.Equal(t, "def456", ed.LatestCommit)
	assert.Equal(t, filepath.Join(root, "app", editor.Name, "x86_64", "stable", "abc123"), ed.DeployDir)
	assert.True(t, ed.IsCurrent)
	assert.Equal(t, "Editor", ed.AppdataName)
	assert.Equal(t, "Edit text files", ed.AppdataSummary)
	assert.Equal(t, "2.0", ed.AppdataVersion)

	loc := refs[1]
	assert.Equal(t, locale, loc.Ref)
	assert.False(t, loc.IsCurrent)
	assert.Equal(t, []string{"/de", "/en"}, loc.Subpaths)

	current, err := inst.GetCurrentInstalledApp(ctx, editor.Name)
	require.NoError(t, err)
	assert.Equal(t, editor, current.Ref)

	_, err = inst.GetInstalledRef(ctx, store.Ref{Kind: store.RefKindApp, Name: "org.example.Missing", Arch: "x86_64", Branch: "stable"})
	assert.True(t, store.HasCode(err, store.ErrNotInstalled))
	_, err = inst.GetCurrentInstalledApp(ctx, "org.example.Missing")
	assert.True(t, store.HasCode(err, store.ErrNotInstalled))
}

func TestListInstalledRelatedRefs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, _, inst := newLayout(t)

	related, err := inst.ListInstalledRelatedRefs(ctx, "flathub", editor)
	require.NoError(t, err)
	require.Len(t, related, 1)
	assert.Equal(t, locale, related[0].Ref)
	assert.True(t, related[0].ShouldDelete)
	assert.True(t, related[0].ShouldDownload)
	assert.Equal(t, []string{"/de", "/en"}, related[0].Subpaths)

	related, err = inst.ListInstalledRelatedRefs(ctx, "nightly", editor)
	require.NoError(t, err)
	assert.Empty(t, related)
}

func TestListInstalledRefsForUpdate(t *testing.T) {
	t.Parallel()
	_, runner, inst := newLayout(t)
	runner.handle = func(c call) ([]byte, error) {
		return []byte("app/org.example.Editor/x86_64/stable\tflathub\tdef456\n" +
			"runtime/org.example.Editor.Locale/x86_64/stable\tflathub\tl1\n"), nil
	}

	updates, err := inst.ListInstalledRefsForUpdate(context.Background())
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, editor, updates[0].Ref)
	assert.Equal(t, "def456", updates[0].LatestCommit)

	calls := runner.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "flatpak --user remote-ls --updates --columns=ref,origin,commit:f", calls[0].String())
	assert.Contains(t, calls[0].env, "FLATPAK_USER_DIR="+inst.Path())
}

const remoteInfo = `        ID: org.example.Editor
       Ref: app/org.example.Editor/x86_64/stable
      Arch: x86_64
    Branch: stable
  Download: 1.5 MB
 Installed: 4.5 MB
   Runtime: org.example.Platform/x86_64/1

    Commit: def456
      Date: 2024-01-01 12:00:00 +0000
End-of-life: superseded by org.example.Writer
`

func TestFetchRemoteRef(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, runner, inst := newLayout(t)
	runner.handle = func(c call) ([]byte, error) {
		return []byte(remoteInfo), nil
	}

	rr, err := inst.FetchRemoteRef(ctx, "flathub", editor)
	require.NoError(t, err)
	assert.Equal(t, "def456", rr.Commit)
	assert.Equal(t, uint64(1_500_000), rr.DownloadSize)
	assert.Equal(t, uint64(4_500_000), rr.InstalledSize)
	assert.Equal(t, "superseded by org.example.Writer", rr.EOL)

	download, installed, err := inst.FetchRemoteSize(ctx, "flathub", editor)
	require.NoError(t, err)
	assert.Equal(t, rr.DownloadSize, download)
	assert.Equal(t, rr.InstalledSize, installed)
	assert.Len(t, runner.Calls(), 1)

	require.NoError(t, inst.DropCaches())
	_, err = inst.FetchRemoteRef(ctx, "flathub", editor)
	require.NoError(t, err)
	assert.Len(t, runner.Calls(), 2)
}

func TestFetchRemoteRef_Invalid(t *testing.T) {
	t.Parallel()
	_, runner, inst := newLayout(t)
	runner.handle = func(c call) ([]byte, error) {
		return []byte("Download: lots\nCommit: x\n"), nil
	}
	_, err := inst.FetchRemoteRef(context.Background(), "flathub", editor)
	assert.True(t, store.HasCode(err, store.ErrInvalidData))
}

func TestListRemoteRelatedRefs(t *testing.T) {
	t.Parallel()
	_, runner, inst := newLayout(t)
	runner.handle = func(c call) ([]byte, error) {
		switch {
		case c.args[1] == "remote-info" && c.args[2] == "--show-metadata":
			return []byte(editorMetadata), nil
		case strings.Contains(c.String(), "Plugin"):
			return nil, &flatpakcli.CommandError{Command: c.String(), Stderr: "error: Nothing matches org.example.Editor.Plugin", Err: errors.New("exit status 1")}
		default:
			return []byte(remoteInfo), nil
		}
	}

	related, err := inst.ListRemoteRelatedRefs(context.Background(), "flathub", editor)
	require.NoError(t, err)
	require.Len(t, related, 1)
	assert.Equal(t, locale, related[0].Ref)
	assert.True(t, related[0].ShouldDelete)
}

func TestCommandErrors(t *testing.T) {
	t.Parallel()
	cases := []struct {
		stderr string
		domain string
		code   store.ErrorCode
	}{
		{"error: org.example.Editor/x86_64/stable already installed", store.DomainFlatpak, store.ErrAlreadyInstalled},
		{"error: org.example.Editor/x86_64/stable not installed", store.DomainFlatpak, store.ErrNotInstalled},
		{`error: Remote "nightly" not found`, store.DomainFlatpak, store.ErrRemoteNotFound},
		{"error: Nothing matches org.example.Missing in remote flathub", store.DomainFlatpak, store.ErrRefNotFound},
		{"error: The application org.example.Editor requires the runtime org.example.Platform which was not found", store.DomainFlatpak, store.ErrRuntimeNotFound},
		{"error: No space left on device", store.DomainFlatpak, store.ErrOutOfSpace},
		{"error: GPG verification enabled, but no signatures found", store.DomainGPG, store.ErrUntrusted},
		{"error: something else broke", store.DomainFlatpak, store.ErrFailed},
	}
	for _, tc := range cases {
		t.Run(tc.stderr, func(t *testing.T) {
			t.Parallel()
			runner := &fakeRunner{handle: func(c call) ([]byte, error) {
				return nil, &flatpakcli.CommandError{Command: c.String(), Stderr: tc.stderr + "\n", Err: errors.New("exit status 1")}
			}}
			inst := flatpakcli.New(flatpakcli.Config{Path: t.TempDir(), Runner: runner})
			err := inst.RemoveRemote(context.Background(), "nightly")

			var se *store.Error
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tc.domain, se.Domain)
			assert.Equal(t, tc.code, se.Code)
			assert.Equal(t, strings.TrimPrefix(tc.stderr, "error: "), se.Message)
		})
	}
}

func TestAddRemote(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, runner, inst := newLayout(t)

	require.NoError(t, inst.AddRemote(ctx, store.Remote{
		Name:    "example",
		Title:   "Example Apps",
		URL:     "https://example.test/repo/",
		Comment: "Examples",
	}, true))
	require.NoError(t, inst.ModifyRemote(ctx, store.Remote{Name: "example", URL: "https://example.test/repo/", Disabled: true, GPGKey: []byte("key")}))
	require.NoError(t, inst.UpdateAppstream(ctx, "example", ""))

	calls := runner.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "flatpak --user remote-add --if-not-exists --title=Example Apps --comment=Examples --no-gpg-verify example https://example.test/repo/", calls[0].String())
	assert.Equal(t, "remote-modify", calls[1].args[1])
	assert.Contains(t, calls[1].args, "--disable")
	var imported string
	for _, a := range calls[1].args {
		if v, ok := strings.CutPrefix(a, "--gpg-import="); ok {
			imported = v
		}
	}
	assert.NotEmpty(t, imported)
	assert.NoFileExists(t, imported)
	assert.Equal(t, "flatpak --user update --appstream --noninteractive --arch=x86_64 example", calls[2].String())
}

func TestPrune(t *testing.T) {
	t.Parallel()
	root, runner, inst := newLayout(t)
	require.NoError(t, inst.Prune(context.Background()))
	calls := runner.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "ostree prune --repo="+filepath.Join(root, "repo")+" --refs-only", calls[0].String())
}

func TestLoadBundle(t *testing.T) {
	t.Parallel()
	_, _, inst := newLayout(t)
	_, err := inst.LoadBundle(context.Background(), "/tmp/editor.flatpak")
	assert.Equal(t, storeerr.KindNotSupported, storeerr.KindOf(err))
}

type recorder struct {
	events []string
	abort  bool
}

func (r *recorder) Ready(ops []store.Operation) bool {
	r.events = append(r.events, "ready")
	return !r.abort
}

func (r *recorder) NewOperation(op store.Operation) {
	r.events = append(r.events, "new "+op.Type.String()+" "+op.Ref.Name)
}

func (r *recorder) Progress(op store.Operation, p store.Progress) {}

func (r *recorder) OperationDone(op store.Operation, commit string) {
	r.events = append(r.events, "done "+op.Ref.Name+" "+commit)
}

func (r *recorder) OperationError(op store.Operation, err error) bool {
	r.events = append(r.events, "error "+op.Ref.Name)
	return true
}

func TestTransaction_Install(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	root, runner, inst := newLayout(t)
	viewer := store.Ref{Kind: store.RefKindApp, Name: "org.example.Viewer", Arch: "x86_64", Branch: "stable"}
	runner.handle = func(c call) ([]byte, error) {
		switch c.args[1] {
		case "remote-info":
			return []byte(remoteInfo), nil
		case "install":
			deploy(t, root, viewer, "def456", "flathub", "def456")
		}
		return nil, nil
	}

	tx, err := inst.NewTransaction(ctx, store.TransactionOptions{NoInteraction: true})
	require.NoError(t, err)
	assert.True(t, store.HasCode(tx.AddInstall("flathub", editor, nil), store.ErrAlreadyInstalled))
	require.NoError(t, tx.AddInstall("flathub", viewer, nil))

	rec := &recorder{}
	require.NoError(t, tx.Run(ctx, rec))
	assert.Equal(t, []string{"ready", "new install org.example.Viewer", "done org.example.Viewer def456"}, rec.events)
	calls := runner.Calls()
	assert.Equal(t, "flatpak --user install -y --noninteractive flathub app/org.example.Viewer/x86_64/stable", calls[len(calls)-1].String())

	assert.Error(t, tx.Run(ctx, rec))
}

func TestTransaction_UpdateAndUninstall(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, runner, inst := newLayout(t)
	runner.handle = func(c call) ([]byte, error) {
		switch c.args[1] {
		case "remote-info":
			return []byte(remoteInfo), nil
		case "uninstall":
			return nil, &flatpakcli.CommandError{Command: c.String(), Stderr: "error: Permission denied", Err: errors.New("exit status 1")}
		}
		return nil, nil
	}

	tx, err := inst.NewTransaction(ctx, store.TransactionOptions{NoDeploy: true})
	require.NoError(t, err)
	require.NoError(t, tx.AddUpdate(editor, nil, ""))
	require.NoError(t, tx.AddUninstall(locale))
	missing := store.Ref{Kind: store.RefKindApp, Name: "org.example.Missing", Arch: "x86_64", Branch: "stable"}
	assert.True(t, store.HasCode(tx.AddUpdate(missing, nil, ""), store.ErrNotInstalled))

	rec := &recorder{}
	require.NoError(t, tx.Run(ctx, rec))
	assert.Equal(t, []string{
		"ready",
		"new update org.example.Editor",
		"done org.example.Editor def456",
		"new uninstall org.example.Editor.Locale",
		"error org.example.Editor.Locale",
	}, rec.events)

	var cmds []string
	for _, c := range runner.Calls() {
		cmds = append(cmds, c.String())
	}
	assert.Contains(t, cmds, "flatpak --user update -y --no-deploy --commit=def456 app/org.example.Editor/x86_64/stable")
	assert.Contains(t, cmds, "flatpak --user uninstall -y runtime/org.example.Editor.Locale/x86_64/stable")
}

func TestTransaction_Aborted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, _, inst := newLayout(t)
	tx, err := inst.NewTransaction(ctx, store.TransactionOptions{})
	require.NoError(t, err)
	require.NoError(t, tx.AddUninstall(locale))
	err = tx.Run(ctx, &recorder{abort: true})
	assert.True(t, store.HasCode(err, store.ErrAborted))
}

func TestMonitor(t *testing.T) {
	t.Parallel()
	root, _, inst := newLayout(t)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := inst.Monitor(ctx)
	require.NoError(t, err)
	writeFile(t, filepath.Join(root, ".changed"), "")

	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("no change notification")
	}

	cancel()
	for range ch {
	}
}
