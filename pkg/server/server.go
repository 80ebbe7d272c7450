package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/thepwagner/appcenter/pkg/transaction"
	"golang.org/x/sync/errgroup"
)

const configPath = "appcenter.yml"

func Run(ctx context.Context) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: cfg.Log.level(), TimeFormat: time.TimeOnly}))
	slog.SetDefault(logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	b, err := NewBackend(cfg, reg)
	if err != nil {
		return err
	}
	if err := b.Plugin.Setup(ctx); err != nil {
		return err
	}
	defer b.Plugin.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           NewHandler(b, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("listening", slog.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		logProgress(ctx, b.Progress)
		return nil
	})
	if cfg.RefreshInterval > 0 {
		g.Go(func() error {
			b.refreshLoop(ctx, cfg.RefreshInterval)
			return nil
		})
	}
	return g.Wait()
}

func logProgress(ctx context.Context, progress <-chan transaction.Progress) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-progress:
			slog.Debug("transaction progress",
				slog.String("transaction", p.TransactionID),
				slog.String("ref", p.Ref),
				slog.Int("percent", p.Percent),
				slog.Uint64("bytes", p.BytesTransferred),
				slog.String("status", p.Status),
			)
		}
	}
}

// refreshLoop refreshes metadata in the background, skipping runs the settings disallow.
func (b *Backend) refreshLoop(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if !b.Settings.AllowRefresh() {
			slog.Debug("skipping background refresh")
			continue
		}
		start := time.Now()
		err := b.Plugin.Refresh(ctx, 0)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			slog.Warn("background refresh failed", slog.Any("error", err))
		default:
			slog.Info("refreshed metadata", slog.Duration("duration", time.Since(start)))
		}
	}
}
