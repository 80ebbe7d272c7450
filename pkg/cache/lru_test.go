package cache_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/thepwagner/appcenter/pkg/cache"
)

func TestLRU(t *testing.T) {
	t.Parallel()
	testCache(t, cache.NewLRU(0, time.Minute))
}

func TestLRU_Eviction(t *testing.T) {
	t.Parallel()

	lru := cache.NewLRU(5, 0)
	ctx := context.Background()
	refs := cache.Namespace("refs")
	value := []byte("commit")

	for i := 0; i < 10; i++ {
		lru.Add(ctx, refs.Key(fmt.Sprintf("app/org.example.App%d/x86_64/stable", i)), value)
	}
	for i := 0; i < 10; i++ {
		v, ok := lru.Get(ctx, refs.Key(fmt.Sprintf("app/org.example.App%d/x86_64/stable", i)))
		assert.Equal(t, i >= 5, ok, i)
		if ok {
			assert.Equal(t, value, v)
		}
	}

	// Namespaces are bounded separately.
	lru.Add(ctx, cache.Namespace("silo").Key("user", "en"), value)
	_, ok := lru.Get(ctx, refs.Key("app/org.example.App9/x86_64/stable"))
	assert.True(t, ok)
}

func TestLRU_Expiry(t *testing.T) {
	t.Parallel()

	lru := cache.NewLRU(0, 10*time.Millisecond)
	ctx := context.Background()
	key := cache.Namespace("fetch").Key("https://example.test/repo.flatpakrepo")

	lru.Add(ctx, key, []byte("repo"))
	_, ok := lru.Get(ctx, key)
	assert.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	v, ok := lru.Get(ctx, key)
	assert.False(t, ok)
	assert.Nil(t, v)
}

func TestLRU_SetMaxAge(t *testing.T) {
	t.Parallel()

	lru := cache.NewLRU(0, 10*time.Millisecond)
	ctx := context.Background()
	silos := cache.Namespace("silo")
	lru.SetMaxAge(silos, cache.Pinned)

	pinned := silos.Key("user", "en")
	lru.Add(ctx, pinned, []byte("silo"))
	time.Sleep(20 * time.Millisecond)
	v, ok := lru.Get(ctx, pinned)
	assert.True(t, ok)
	assert.Equal(t, []byte("silo"), v)

	// Repeating the same max age keeps the blobs.
	lru.SetMaxAge(silos, cache.Pinned)
	_, ok = lru.Get(ctx, pinned)
	assert.True(t, ok)

	// Resetting drops the namespace back to the default, and its blobs with it.
	lru.SetMaxAge(silos, 0)
	_, ok = lru.Get(ctx, pinned)
	assert.False(t, ok)
}
