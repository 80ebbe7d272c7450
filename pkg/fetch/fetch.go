// Package fetch downloads small auxiliary files, such as repository descriptions
// referenced from ref files.
package fetch

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/thepwagner/appcenter/pkg/storeerr"
)

type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

type HTTPConfig struct {
	RetryMax     int           `yaml:"retry-max"`
	RetryWaitMin time.Duration `yaml:"retry-wait-min"`
	RetryWaitMax time.Duration `yaml:"retry-wait-max"`
	MaxSize      int64         `yaml:"max-size"`
}

// HTTP fetches over http(s), retrying transient failures.
type HTTP struct {
	client  *retryablehttp.Client
	maxSize int64
}

var _ Fetcher = (*HTTP)(nil)

func NewHTTP(cfg HTTPConfig) *HTTP {
	client := retryablehttp.NewClient()
	client.Logger = slog.Default()
	client.RetryMax = cfg.RetryMax
	if cfg.RetryWaitMin > 0 {
		client.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		client.RetryWaitMax = cfg.RetryWaitMax
	}
	if cfg.MaxSize == 0 {
		cfg.MaxSize = 10 << 20
	}
	return &HTTP{client: client, maxSize: cfg.MaxSize}
}

func (h HTTP) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, storeerr.Wrap(storeerr.KindInvalidFormat, err, "creating request")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, storeerr.Wrap(storeerr.KindNoNetwork, err, "fetching %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, storeerr.New(storeerr.KindFailed, "fetching %s: status %s", url, resp.Status)
	}

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(resp.Body, h.maxSize+1))
	if err != nil {
		return nil, storeerr.Wrap(storeerr.KindNoNetwork, err, "reading %s", url)
	}
	if n > h.maxSize {
		return nil, storeerr.New(storeerr.KindInvalidFormat, "%s is larger than %d bytes", url, h.maxSize)
	}
	return buf.Bytes(), nil
}

// Func adapts a function to a Fetcher.
type Func func(ctx context.Context, url string) ([]byte, error)

func (f Func) Fetch(ctx context.Context, url string) ([]byte, error) {
	return f(ctx, url)
}
