package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/eteran/stash/internal/auth"
	"github.com/eteran/stash/internal/config"
	"github.com/eteran/stash/internal/core"
	"github.com/eteran/stash/internal/expiry"
	"github.com/eteran/stash/internal/metrics"
	"github.com/eteran/stash/internal/s3wire"
	"github.com/eteran/stash/internal/storage"
)

const shutdownTimeout = 10 * time.Second

func Run(ctx context.Context) error {

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	flags := pflag.NewFlagSet("stash", pflag.ContinueOnError)
	flags.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "HTTP listen address")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}

	handler := log.NewWithOptions(os.Stdout, log.Options{
		Level:           level,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
		ReportCaller:    level == log.DebugLevel,
	})

	slog.SetDefault(slog.New(handler))

	if cfg.TurboToken == "" {
		return errors.New("TURBO_TOKEN must be set")
	}

	m := metrics.New()

	storageCfg := cfg.Storage()
	storageCfg.S3Options = append(storageCfg.S3Options, s3wire.WithRetryNotify(m.ObserveRetry))

	opts := []core.ConfigOption{
		core.WithAuthEngine(auth.NewTokenAuthEngine(cfg.TurboToken)),
		core.WithExpirationHours(cfg.ExpirationHours),
		core.WithMetrics(m),
	}

	// A missing backend is reported per request rather than refusing to start.
	manager, err := storage.NewManager(ctx, storageCfg)
	if err != nil {
		slog.Error("No storage backend available", "err", err)
		opts = append(opts, core.WithStorageError(err))
	} else {
		defer manager.Close()
		m.StorageBackend.WithLabelValues(manager.Name()).Set(1)
		opts = append(opts, core.WithStorage(manager.Active()))
	}

	server := core.NewServer(core.NewConfig(opts...))

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 20 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	eg.Go(func() error {
		slog.Info("Starting Stash HTTP server", "addr", cfg.ListenAddr)
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	if manager != nil {
		scheduler := &expiry.Scheduler{
			Storage:     manager.Active(),
			Interval:    cfg.SweepInterval,
			CutoffHours: cfg.ExpirationHours,
			OnResult: func(result expiry.Result, elapsed time.Duration, err error) {
				m.ObserveSweep(result.Deleted, elapsed, err)
			},
		}
		eg.Go(func() error {
			return scheduler.Run(ctx)
		})
	}

	slog.Info("Stash Started")
	return eg.Wait()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx); err != nil {
		slog.Error("Stash exited with error", "error", err)
		os.Exit(1)
	}
}
