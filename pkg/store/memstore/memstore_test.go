package memstore_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thepwagner/appcenter/pkg/store"
	"github.com/thepwagner/appcenter/pkg/store/memstore"
)

var editor = store.Ref{Kind: store.RefKindApp, Name: "org.example.Editor", Arch: "x86_64", Branch: "stable"}

type recorder struct {
	events []string
	cont   bool
}

func (r *recorder) Ready([]store.Operation) bool {
	r.events = append(r.events, "ready")
	return true
}

func (r *recorder) NewOperation(op store.Operation) {
	r.events = append(r.events, "new "+op.Type.String())
}

func (r *recorder) Progress(store.Operation, store.Progress) {}

func (r *recorder) OperationDone(op store.Operation, commit string) {
	r.events = append(r.events, "done "+commit)
}

func (r *recorder) OperationError(op store.Operation, err error) bool {
	r.events = append(r.events, "error "+err.Error())
	return r.cont
}

func newInstallation(t *testing.T) *memstore.Installation {
	t.Helper()
	inst := memstore.New("user", memstore.WithPath(t.TempDir()), memstore.WithUser(true))
	inst.SetRemote(store.Remote{Name: "flathub", Title: "Flathub", URL: "https://dl.flathub.org/repo/"})
	inst.Publish(store.RemoteRef{Ref: editor, Remote: "flathub", Commit: "c1", DownloadSize: 100, InstalledSize: 300})
	return inst
}

func TestTransaction_InstallUpdateUninstall(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	inst := newInstallation(t)

	tx, err := inst.NewTransaction(ctx, store.TransactionOptions{})
	require.NoError(t, err)
	require.NoError(t, tx.AddInstall("flathub", editor, nil))
	rec := &recorder{}
	require.NoError(t, tx.Run(ctx, rec))
	assert.Equal(t, []string{"ready", "new install", "done c1"}, rec.events)

	ir, err := inst.GetInstalledRef(ctx, editor)
	require.NoError(t, err)
	assert.Equal(t, "flathub", ir.Origin)
	assert.True(t, ir.IsCurrent)

	tx, err = inst.NewTransaction(ctx, store.TransactionOptions{})
	require.NoError(t, err)
	assert.True(t, store.HasCode(tx.AddInstall("flathub", editor, nil), store.ErrAlreadyInstalled))

	inst.Publish(store.RemoteRef{Ref: editor, Remote: "flathub", Commit: "c2"})
	updates, err := inst.ListInstalledRefsForUpdate(ctx)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, "c2", updates[0].LatestCommit)

	tx, err = inst.NewTransaction(ctx, store.TransactionOptions{})
	require.NoError(t, err)
	require.NoError(t, tx.AddUpdate(editor, nil, ""))
	require.NoError(t, tx.Run(ctx, &recorder{}))
	updates, err = inst.ListInstalledRefsForUpdate(ctx)
	require.NoError(t, err)
	assert.Empty(t, updates)

	tx, err = inst.NewTransaction(ctx, store.TransactionOptions{})
	require.NoError(t, err)
	require.NoError(t, tx.AddUninstall(editor))
	require.NoError(t, tx.Run(ctx, &recorder{}))
	_, err = inst.GetInstalledRef(ctx, editor)
	assert.True(t, store.HasCode(err, store.ErrNotInstalled))

	assert.Error(t, tx.Run(ctx, &recorder{}), "transactions run once")
}

func TestTransaction_OperationFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	inst := newInstallation(t)
	inst.Fail("Operation "+editor.String(), store.NewError(store.ErrOutOfSpace, "disk full"))

	for _, cont := range []bool{true, false} {
		tx, err := inst.NewTransaction(ctx, store.TransactionOptions{})
		require.NoError(t, err)
		require.NoError(t, tx.AddInstall("flathub", editor, nil))
		rec := &recorder{cont: cont}
		err = tx.Run(ctx, rec)
		if cont {
			assert.NoError(t, err)
		} else {
			assert.True(t, store.HasCode(err, store.ErrOutOfSpace))
		}
		assert.Equal(t, []string{"ready", "new install", "error disk full"}, rec.events)
	}
}

func TestUpdateAppstream(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	inst := newInstallation(t)

	err := inst.UpdateAppstream(ctx, "flathub", "")
	assert.True(t, store.HasCode(err, store.ErrRefNotFound))

	inst.SetAppstream("flathub", []byte("<components/>"))
	require.NoError(t, inst.UpdateAppstream(ctx, "flathub", ""))
	r, err := inst.GetRemote(ctx, "flathub")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(inst.Path(), "appstream", "flathub", "x86_64", "active"), r.AppstreamDir)
	_, err = os.Stat(filepath.Join(r.AppstreamDir, "appstream.xml.gz"))
	assert.NoError(t, err)
	assert.Equal(t, 2, inst.Calls("UpdateAppstream"))
}

func TestMonitor(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	inst := newInstallation(t)

	ch, err := inst.Monitor(ctx)
	require.NoError(t, err)
	inst.Notify()
	inst.Notify()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no notification")
	}

	cancel()
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestFail(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	inst := newInstallation(t)

	inst.Fail("ListRemotes", store.NewError(store.ErrFailed, "boom"))
	_, err := inst.ListRemotes(ctx)
	assert.Error(t, err)

	inst.Fail("ListRemotes", nil)
	remotes, err := inst.ListRemotes(ctx)
	require.NoError(t, err)
	assert.Len(t, remotes, 1)
}
