package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"

	"github.com/agentworkforce/notifytrack/internal/config"
	"github.com/agentworkforce/notifytrack/internal/history"
	"github.com/agentworkforce/notifytrack/internal/httpapi"
	"github.com/agentworkforce/notifytrack/internal/platform"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("notifytrack", pflag.ContinueOnError)
	config.AddFlags(flags)
	if err := flags.Parse(args); err != nil {
		return err
	}
	configPath, _ := flags.GetString("config")
	if configPath == "" {
		configPath = strings.TrimSpace(os.Getenv("NOTIFYTRACK_CONFIG"))
	}
	cfg, err := config.Load(configPath, flags)
	if err != nil {
		return err
	}
	logger := newLogger(os.Stdout, cfg.LogLevel)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	d, err := newDaemon(cfg, logger, registry)
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}
	return d.Serve(ctx, listener)
}

func newLogger(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parseLogLevel(level)}))
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	unlock   func() error
	backend  history.StateBackend
	tracker  *history.Tracker
	handler  http.Handler
	watcher  *history.StoreWatcher
	platform *history.MemoryPlatform

	// background tracks the sync loop and the store watcher; both can hold
	// the tracker lock, so they finish before pending saves are drained.
	background sync.WaitGroup
	running    atomic.Int32
}

func newDaemon(cfg *config.Config, logger *slog.Logger, registry *prometheus.Registry) (_ *daemon, err error) {
	d := &daemon{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	if cfg.UsesLocalState() {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		unlock, err := history.LockDataDir(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		d.unlock = unlock
	}

	dsn, err := cfg.StorageDSN()
	if err != nil {
		return nil, err
	}
	backend, err := history.BuildStateBackendFromDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("initialize state backend: %w", err)
	}
	d.backend = backend

	var health history.HealthFlag = history.NewMemoryHealthFlag()
	if path := cfg.HealthFlagPath(); path != "" {
		health = history.NewFileHealthFlag(path)
	}

	var target history.Platform
	if cfg.MemoryPlatform() {
		d.platform = history.NewMemoryPlatform(nil)
		target = d.platform
	} else {
		target = platform.NewHTTPClient(cfg.PlatformURL, cfg.PlatformToken, nil)
	}

	hub := httpapi.NewChangeHub()
	tracker, err := history.NewTracker(target, history.Options{
		StateBackend:            backend,
		HealthFlag:              health,
		Logger:                  logger.With("component", "tracker"),
		Metrics:                 history.NewMetrics(registry),
		IncludePayload:          cfg.IncludePayload,
		IncludePayloadArguments: cfg.IncludePayloadArguments,
		DistinguishRemovalCause: cfg.DistinguishRemovalCause,
		OnReconciled:            hub.Notify,
	})
	if err != nil {
		return nil, err
	}
	d.tracker = tracker

	server := httpapi.NewServerWithConfig(tracker, httpapi.ServerConfig{
		JWTSecret:          cfg.JWTSecret,
		InternalHMACSecret: cfg.InternalHMACSecret,
		InternalMaxSkew:    cfg.InternalMaxSkew,
		RateLimitMax:       cfg.RateLimitMax,
		RateLimitWindow:    cfg.RateLimitWindow,
		MaxBodyBytes:       cfg.MaxBodyBytes,
		ReaderTTL:          cfg.ReaderTTL,
		MaxReaders:         cfg.MaxReaders,
		Hub:                hub,
		Logger:             logger.With("component", "httpapi"),
		Registerer:         registry,
		Gatherer:           registry,
	})
	d.handler = server
	if d.platform != nil {
		mux := http.NewServeMux()
		mux.Handle("/platform/", http.StripPrefix("/platform", platform.NewHandler(d.platform, cfg.PlatformToken)))
		mux.Handle("/", server)
		d.handler = mux
	}

	if storeFile := cfg.StoreFile(); cfg.WatchStore && storeFile != "" {
		if err := os.MkdirAll(filepath.Dir(storeFile), 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
		watcher, err := history.NewStoreWatcher(tracker, storeFile, logger.With("component", "watcher"))
		if err != nil {
			return nil, fmt.Errorf("watch store file: %w", err)
		}
		d.watcher = watcher
	}
	return d, nil
}

// Serve runs until ctx is done, then shuts the listener down and flushes
// pending saves.
func (d *daemon) Serve(ctx context.Context, listener net.Listener) error {
	httpServer := &http.Server{
		Handler:           d.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.Serve(listener)
	}()

	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	if d.watcher != nil {
		d.goBackground(func() {
			if err := d.watcher.Run(bgCtx); err != nil && !errors.Is(err, context.Canceled) {
				d.logger.Warn("store watcher stopped", "err", err)
			}
		})
	}
	if d.cfg.SyncInterval > 0 {
		d.goBackground(func() { d.syncLoop(bgCtx, d.cfg.SyncInterval) })
	}

	d.logger.Info("notifytrack listening",
		"addr", listener.Addr().String(),
		"profile", d.cfg.BackendProfile,
		"tracking", d.tracker.Healthy(),
		"memory_platform", d.platform != nil,
	)

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("http shutdown failed", "err", err)
	}
	stopBackground()
	d.background.Wait()
	if err := d.tracker.Drain(shutdownCtx); err != nil {
		d.logger.Warn("drain pending saves failed", "err", err)
	}
	d.logger.Info("notifytrack stopped")
	return runErr
}

func (d *daemon) goBackground(fn func()) {
	d.background.Add(1)
	d.running.Add(1)
	go func() {
		defer d.background.Done()
		defer d.running.Add(-1)
		fn()
	}()
}

func (d *daemon) syncLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.tracker.Sync(ctx); err != nil && ctx.Err() == nil {
				d.logger.Warn("periodic sync failed", "err", err)
			}
		}
	}
}

func (d *daemon) Close() {
	if d.watcher != nil {
		_ = d.watcher.Close()
	}
	if d.backend != nil {
		if err := history.CloseStateBackend(d.backend); err != nil {
			d.logger.Warn("close state backend failed", "err", err)
		}
	}
	if d.unlock != nil {
		if err := d.unlock(); err != nil {
			d.logger.Warn("release data dir lock failed", "err", err)
		}
		d.unlock = nil
	}
}
