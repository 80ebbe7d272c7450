package storeerr_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thepwagner/appcenter/pkg/store"
	"github.com/thepwagner/appcenter/pkg/storeerr"
)

func TestConvert(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		err  error
		kind storeerr.Kind
	}{
		"already installed": {store.NewError(store.ErrAlreadyInstalled, "x"), storeerr.KindNotSupported},
		"not installed":     {store.NewError(store.ErrNotInstalled, "x"), storeerr.KindNotSupported},
		"remote not found":  {store.NewError(store.ErrRemoteNotFound, "x"), storeerr.KindNotSupported},
		"runtime not found": {store.NewError(store.ErrRuntimeNotFound, "x"), storeerr.KindNotSupported},
		"out of space":      {store.NewError(store.ErrOutOfSpace, "x"), storeerr.KindNoSpace},
		"invalid ref":       {store.NewError(store.ErrInvalidRef, "x"), storeerr.KindInvalidFormat},
		"invalid data":      {store.NewError(store.ErrInvalidData, "x"), storeerr.KindInvalidFormat},
		"gpg domain":        {&store.Error{Domain: store.DomainGPG, Message: "bad sig"}, storeerr.KindNoSecurity},
		"aborted":           {store.NewError(store.ErrAborted, "x"), storeerr.KindFailed},
		"ostree domain":     {&store.Error{Domain: store.DomainOSTree, Message: "x"}, storeerr.KindFailed},
		"wrapped":           {fmt.Errorf("installing: %w", store.NewError(store.ErrOutOfSpace, "x")), storeerr.KindNoSpace},
		"enospc":            {&os.PathError{Op: "write", Path: "/x", Err: syscall.ENOSPC}, storeerr.KindNoSpace},
		"dns":               {&net.DNSError{Err: "no such host", Name: "example.test"}, storeerr.KindNoNetwork},
		"unknown":           {errors.New("boom"), storeerr.KindFailed},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			err := storeerr.Convert(tc.err)
			require.Error(t, err)
			assert.Equal(t, tc.kind, storeerr.KindOf(err))
			assert.Equal(t, tc.err.Error(), err.Error())
		})
	}
}

func TestConvert_PassThrough(t *testing.T) {
	t.Parallel()

	t.Run("nil", func(t *testing.T) {
		t.Parallel()
		assert.NoError(t, storeerr.Convert(nil))
	})

	t.Run("cancelled", func(t *testing.T) {
		t.Parallel()
		err := storeerr.Convert(fmt.Errorf("refresh: %w", context.Canceled))
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, storeerr.KindCancelled, storeerr.KindOf(err))
	})

	t.Run("already converted", func(t *testing.T) {
		t.Parallel()
		orig := storeerr.New(storeerr.KindNoNetwork, "offline")
		assert.Same(t, orig, storeerr.Convert(orig))
	})

	t.Run("unwrap keeps original", func(t *testing.T) {
		t.Parallel()
		orig := store.NewError(store.ErrNotInstalled, "nope")
		err := storeerr.Convert(orig)
		assert.True(t, store.HasCode(err, store.ErrNotInstalled))
	})
}
