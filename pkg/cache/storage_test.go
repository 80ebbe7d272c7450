package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/thepwagner/appcenter/pkg/cache"
)

func testCache(t *testing.T, storage cache.Storage) {
	t.Helper()

	value := []byte("testValue")
	ctx := context.Background()

	t.Run("key not found", func(t *testing.T) {
		t.Parallel()
		_, ok := storage.Get(ctx, cache.Namespace("silo").Key("system", "de"))
		assert.False(t, ok)
	})

	t.Run("key found", func(t *testing.T) {
		t.Parallel()

		key := cache.Namespace("silo").Key("user", "en_US")
		storage.Add(ctx, key, value)
		storedValue, ok := storage.Get(ctx, key)
		assert.True(t, ok)
		assert.Equal(t, value, storedValue)
	})

	t.Run("overwrite", func(t *testing.T) {
		t.Parallel()

		key := cache.Namespace("fetch").Key("https://dl.flathub.org/repo/flathub.flatpakrepo")
		storage.Add(ctx, key, []byte("old"))
		storage.Add(ctx, key, value)
		storedValue, ok := storage.Get(ctx, key)
		assert.True(t, ok)
		assert.Equal(t, value, storedValue)
	})

	t.Run("namespace max age", func(t *testing.T) {
		t.Parallel()

		refs := cache.Namespace("refs")
		remotes := cache.Namespace("remotes")
		silos := cache.Namespace("silos")
		storage.SetMaxAge(refs, 10*time.Millisecond)
		storage.SetMaxAge(remotes, time.Minute)
		storage.SetMaxAge(silos, cache.Pinned)

		storage.Add(ctx, refs.Key("flathub"), value)
		storage.Add(ctx, remotes.Key("flathub"), value)
		storage.Add(ctx, silos.Key("user", "en"), value)

		time.Sleep(50 * time.Millisecond)

		_, ok := storage.Get(ctx, refs.Key("flathub"))
		assert.False(t, ok)
		_, ok = storage.Get(ctx, remotes.Key("flathub"))
		assert.True(t, ok)
		_, ok = storage.Get(ctx, silos.Key("user", "en"))
		assert.True(t, ok)
	})
}

func TestKey(t *testing.T) {
	t.Parallel()

	key := cache.Namespace("silo").Key("system", "v1", "en_GB")
	assert.Equal(t, cache.Namespace("silo"), key.Namespace())
	assert.Equal(t, "system/v1/en_GB", key.Name())
	assert.Equal(t, "silo:system/v1/en_GB", key.String())
	assert.Equal(t, key, cache.Namespace("silo").Key("system", "v1", "en_GB"))
	assert.NotEqual(t, key, cache.Namespace("fetch").Key("system", "v1", "en_GB"))

	bare := cache.Namespace("").Key("flathub")
	assert.Equal(t, "flathub", bare.String())
}
