package server_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thepwagner/appcenter/pkg/server"
	"github.com/thepwagner/appcenter/pkg/store"
	"github.com/thepwagner/appcenter/pkg/store/memstore"
)

var (
	editor = store.Ref{Kind: store.RefKindApp, Name: "org.example.Editor", Arch: "x86_64", Branch: "stable"}
	viewer = store.Ref{Kind: store.RefKindApp, Name: "org.example.Viewer", Arch: "x86_64", Branch: "stable"}
)

const appstream = `<?xml version="1.0" encoding="UTF-8"?>
<components version="0.8" origin="flathub">
  <component type="desktop-application">
    <id>org.example.Editor</id>
    <name>Editor</name>
    <summary>Edit text files</summary>
    <bundle type="flatpak">app/org.example.Editor/x86_64/stable</bundle>
  </component>
  <component type="desktop-application">
    <id>org.example.Viewer</id>
    <name>Viewer</name>
    <summary>View images</summary>
    <bundle type="flatpak">app/org.example.Viewer/x86_64/stable</bundle>
  </component>
</components>
`

type appJSON struct {
	UniqueID      string  `json:"unique_id"`
	ID            string  `json:"id"`
	Kind          string  `json:"kind"`
	State         string  `json:"state"`
	Origin        string  `json:"origin"`
	Name          string  `json:"name"`
	SizeDownload  *uint64 `json:"size_download"`
	SizeInstalled *uint64 `json:"size_installed"`
}

type fixture struct {
	inst *memstore.Installation
	srv  *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	inst := memstore.New("user", memstore.WithUser(true), memstore.WithPath(t.TempDir()))
	inst.SetRemote(store.Remote{Name: "flathub", Title: "Flathub", URL: "https://dl.flathub.org/repo/"})
	inst.SetAppstream("flathub", []byte(appstream))
	inst.Publish(store.RemoteRef{Ref: editor, Remote: "flathub", Commit: "c1", DownloadSize: 100, InstalledSize: 300})
	inst.Publish(store.RemoteRef{Ref: viewer, Remote: "flathub", Commit: "v1", DownloadSize: 10, InstalledSize: 30})

	reg := prometheus.NewRegistry()
	b, err := server.NewBackendFrom(&server.Config{}, reg, map[string]store.Installation{"user": inst})
	require.NoError(t, err)
	require.NoError(t, b.Plugin.Setup(context.Background()))
	t.Cleanup(b.Plugin.Close)

	srv := httptest.NewServer(server.NewHandler(b, reg))
	t.Cleanup(srv.Close)
	return &fixture{inst: inst, srv: srv}
}

func (f *fixture) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (f *fixture) apps(t *testing.T, method, path, body string) []appJSON {
	t.Helper()
	resp := f.do(t, method, path, body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var out []appJSON
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestSearch(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	results := f.apps(t, http.MethodGet, "/search?q=view", "")
	require.Len(t, results, 1)
	assert.Equal(t, "Viewer", results[0].Name)
	assert.Equal(t, "available", results[0].State)

	resp := f.do(t, http.MethodGet, "/search", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestApps(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	apps := f.apps(t, http.MethodGet, "/apps/org.example.Editor", "")
	require.Len(t, apps, 1)
	assert.Equal(t, "org.example.Editor", apps[0].ID)
	assert.Equal(t, "flathub", apps[0].Origin)
	require.NotNil(t, apps[0].SizeDownload)
	assert.Equal(t, uint64(100), *apps[0].SizeDownload)

	resp := f.do(t, http.MethodGet, "/apps/org.example.Missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInstallAndUninstall(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	installed := f.apps(t, http.MethodPost, "/install", `{"apps":["*/*/*/org.example.Editor/*"]}`)
	require.Len(t, installed, 1)
	assert.Equal(t, "installed", installed[0].State)

	list := f.apps(t, http.MethodGet, "/installed", "")
	require.Len(t, list, 1)
	assert.Equal(t, "org.example.Editor", list[0].ID)

	resp := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `appcenter_transactions_total{action="install",result="ok"} 1`)

	removed := f.apps(t, http.MethodPost, "/uninstall", `{"apps":["`+list[0].UniqueID+`"]}`)
	require.Len(t, removed, 1)
	assert.Equal(t, "available", removed[0].State)
}

func TestInstall_BadRequests(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	cases := []struct {
		body   string
		status int
	}{
		{`not json`, http.StatusBadRequest},
		{`{"apps":[]}`, http.StatusBadRequest},
		{`{"apps":["org.example.Editor"]}`, http.StatusBadRequest},
		{`{"apps":["*/*/*/org.example.Missing/*"]}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		resp := f.do(t, http.MethodPost, "/install", tc.body)
		assert.Equal(t, tc.status, resp.StatusCode, tc.body)
	}
}

func TestInstall_NoSpace(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.inst.Fail("Operation "+editor.String(), store.NewError(store.ErrOutOfSpace, "disk full"))

	resp := f.do(t, http.MethodPost, "/install", `{"apps":["*/*/*/org.example.Editor/*"]}`)
	assert.Equal(t, http.StatusInsufficientStorage, resp.StatusCode)
}

func TestRepos(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	sources := f.apps(t, http.MethodGet, "/sources", "")
	require.Len(t, sources, 1)
	assert.Equal(t, "repository", sources[0].Kind)

	resp := f.do(t, http.MethodPost, "/repos?kind=repo&name=example", "[Flatpak Repo]\nTitle=Example Apps\nUrl=https://example.test/repo/\n")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var added appJSON
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&added))
	assert.Equal(t, "example", added.ID)
	_, err := f.inst.GetRemote(context.Background(), "example")
	require.NoError(t, err)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, "/repos/example/disable", "").StatusCode)
	remote, err := f.inst.GetRemote(context.Background(), "example")
	require.NoError(t, err)
	assert.True(t, remote.Disabled)
	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, "/repos/example/enable", "").StatusCode)
	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/repos/example", "").StatusCode)
	_, err = f.inst.GetRemote(context.Background(), "example")
	assert.True(t, store.HasCode(err, store.ErrRemoteNotFound))

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/repos/missing/enable", "").StatusCode)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/repos?kind=bundle", "").StatusCode)
	assert.Equal(t, http.StatusUnprocessableEntity, f.do(t, http.MethodPost, "/repos", "not a keyfile").StatusCode)
}

func TestRefresh(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, "/refresh?cache-age=1s", "").StatusCode)
	assert.Positive(t, f.inst.Calls("UpdateAppstream"))
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/refresh?cache-age=soon", "").StatusCode)
}

func TestEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.inst.Deploy(store.InstalledRef{Ref: editor, Origin: "flathub", Commit: "c0", LatestCommit: "c1", IsCurrent: true})
	f.inst.Fail("Operation "+editor.String(), store.NewError(store.ErrFailed, "checksum mismatch"))

	resp := f.do(t, http.MethodPost, "/update", `{"apps":["*/*/*/org.example.Editor/*"]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/events", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var events []struct {
		Severity string `json:"severity"`
		App      string `json:"app"`
		Error    string `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&events))
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, "warning", last.Severity)
	assert.Contains(t, last.App, "org.example.Editor")
	assert.Contains(t, last.Error, "checksum mismatch")
}
