package fetch

import (
	"context"
	"log/slog"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/thepwagner/appcenter/pkg/cache"
)

// Cache wraps a Fetcher with a cache.
type Cache struct {
	src     Fetcher
	storage cache.Storage
}

var _ Fetcher = (*Cache)(nil)

const Namespace = cache.Namespace("fetch")

func NewCache(src Fetcher, storage cache.Storage) *Cache {
	return &Cache{
		src:     src,
		storage: storage,
	}
}

func (c Cache) Fetch(ctx context.Context, url string) ([]byte, error) {
	key := Namespace.Key(url)
	v, ok := c.storage.Get(ctx, key)
	slog.Debug("cached Fetch",
		slog.String("request_id", middleware.GetReqID(ctx)),
		slog.String("url", url),
		slog.Bool("cache_hit", ok),
	)
	if ok {
		return v, nil
	}

	v, err := c.src.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	c.storage.Add(ctx, key, v)
	return v, nil
}
