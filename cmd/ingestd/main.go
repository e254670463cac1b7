package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/franksops/ingestd/config"
	"github.com/franksops/ingestd/engine"
	"github.com/franksops/ingestd/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "ingestd",
		Short: "ingestd moves finished uploads out of remote drop folders and delivers them for processing.",
		Long: `ingestd polls each tenant's SFTP drop folder, waits until an upload has stopped
growing, moves it into a dated staging folder and posts signed batches of staged
files to the processing API.

Configuration is read from the file given with --config and INGESTD_* environment
variables, for example INGESTD_ENDPOINT or INGESTD_BATCH_SIZE.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the YAML configuration file")

	cmd.AddCommand(
		runCmd(&configPath),
		statusCmd(&configPath),
		fetchCmd(&configPath),
		pushCmd(&configPath),
		removeCmd(&configPath),
	)
	return cmd
}

// app holds the long-lived pieces shared by every command.
type app struct {
	cfg    *config.Config
	store  *store.BoltStore
	pool   *engine.ConnectionPool
	logger *log.Entry
	closer io.Closer
}

func newApp(configPath string, quiet bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	closer, err := configureLogging(cfg.Log, quiet)
	if err != nil {
		return nil, err
	}
	logger := log.WithField("service", "ingestd")

	if err := os.MkdirAll(filepath.Dir(cfg.StatePath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	st, err := store.NewBoltStore(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store %s: %w", cfg.StatePath, err)
	}

	pool := engine.NewConnectionPool(
		engine.SFTPDialer(cfg.HandshakeTimeout, cfg.Keepalive),
		engine.WithHandshakeTimeout(cfg.HandshakeTimeout),
		engine.WithProbeTimeout(cfg.IOTimeout),
		engine.WithPoolLogger(logger),
	)

	return &app{cfg: cfg, store: st, pool: pool, logger: logger, closer: closer}, nil
}

func (a *app) Close() error {
	var result *multierror.Error
	if err := a.pool.CloseAll(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := a.store.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if a.closer != nil {
		if err := a.closer.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (a *app) tenant(id string) (config.TenantConfig, error) {
	t, ok := a.cfg.Tenant(id)
	if !ok {
		return t, fmt.Errorf("unknown tenant %q", id)
	}
	return t, t.Validate()
}

func (a *app) coordinator() *engine.Coordinator {
	cfg := a.cfg
	tracker := engine.NewRecordTracker(a.store)

	poller := engine.NewPoller(tracker, engine.PollerOptions{
		StableDelay:   cfg.StableDelay,
		DetectWorkers: cfg.DetectWorkers,
		IOTimeout:     cfg.IOTimeout,
		Logger:        a.logger,
	})

	dispatcher := engine.NewDispatcher(&http.Client{Timeout: cfg.HTTPTimeout}, tracker, engine.DispatchPolicy{
		BatchSize: cfg.BatchSize,
		Retry: engine.RetryPolicy{
			MaxAttempts: uint(cfg.Retry.MaxAttempts),
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
		},
		UploadedBy: cfg.UploadedBy,
		Source:     cfg.Source,
	}, a.logger)

	return engine.NewCoordinator(cfg.Tenants, a.pool, poller, dispatcher, tracker, engine.CoordinatorOptions{
		RedispatchLimit: cfg.RedispatchLimit,
		Retention:       cfg.Retention,
		MaxBackoff:      cfg.MaxBackoff,
		DefaultInterval: cfg.PollInterval,
		Logger:          a.logger,
	})
}

// configureLogging applies level and format to the standard logger. With
// quiet set (the dashboard owns the terminal) entries go to the log file
// only.
func configureLogging(cfg config.LogConfig, quiet bool) (io.Closer, error) {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	log.SetLevel(level)

	switch cfg.Format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "", "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true, DisableColors: cfg.File != ""})
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	var out io.Writer = os.Stdout
	if quiet {
		out = io.Discard
	}

	var closer io.Closer
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		closer = f
		if quiet {
			out = f
		} else {
			out = io.MultiWriter(os.Stdout, f)
		}
	}
	log.SetOutput(out)
	return closer, nil
}

// serveMetrics exposes Prometheus metrics on addr until ctx is done.
func serveMetrics(ctx context.Context, addr string, logger *log.Entry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.WithField("addr", addr).Info("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server failed")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}
