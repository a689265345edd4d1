package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentworkforce/notifytrack/internal/config"
	"github.com/agentworkforce/notifytrack/internal/history"
)

func testConfig(t *testing.T, profile string) *config.Config {
	t.Helper()
	t.Setenv("NOTIFYTRACK_BACKEND_PROFILE", profile)
	t.Setenv("NOTIFYTRACK_DATA_DIR", t.TempDir())
	t.Setenv("NOTIFYTRACK_SYNC_INTERVAL", "0s")
	cfg, err := config.Load("", nil)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"chatty":  slog.LevelInfo,
	}
	for input, want := range cases {
		if got := parseLogLevel(input); got != want {
			t.Fatalf("parseLogLevel(%q) = %s, want %s", input, got, want)
		}
	}
}

func TestNewLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "info")
	logger.Debug("hidden")
	logger.Info("visible", "op", "sync")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("expected a single JSON record, got %q: %v", buf.String(), err)
	}
	if record["msg"] != "visible" || record["op"] != "sync" {
		t.Fatalf("unexpected record %+v", record)
	}
}

func TestDaemonServesAndShutsDown(t *testing.T) {
	cfg := testConfig(t, "durable-local")
	d, err := newDaemon(cfg, slog.New(slog.DiscardHandler), prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	defer d.Close()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Serve(ctx, listener) }()

	base := "http://" + listener.Addr().String()
	resp, err := http.Get(base + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	var health map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&health)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || health["tracking"] != "corrupt" {
		t.Fatalf("unexpected health %d %+v", resp.StatusCode, health)
	}

	platformResp, err := http.Post(base+"/platform/v1/push", "application/json", strings.NewReader(`{"tag":"from-host"}`))
	if err != nil {
		t.Fatalf("push through platform handler: %v", err)
	}
	_ = platformResp.Body.Close()
	if platformResp.StatusCode >= 300 {
		t.Fatalf("expected platform push to succeed, got %d", platformResp.StatusCode)
	}
	active, _ := d.platform.ActiveSnapshot(context.Background())
	if len(active) != 1 || active[0].Tag != "from-host" {
		t.Fatalf("expected pushed notification, got %+v", active)
	}

	if err := d.tracker.Enable(context.Background()); err != nil {
		t.Fatalf("enable: %v", err)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not stop")
	}

	if _, err := os.Stat(filepath.Join(cfg.DataDir, "history.json")); err != nil {
		t.Fatalf("expected the collection to be flushed on shutdown: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.DataDir, "tracking.good")); err != nil {
		t.Fatalf("expected the health flag file: %v", err)
	}
}

func TestServeWaitsForBackgroundWorkBeforeDraining(t *testing.T) {
	t.Setenv("NOTIFYTRACK_BACKEND_PROFILE", "durable-local")
	t.Setenv("NOTIFYTRACK_DATA_DIR", t.TempDir())
	t.Setenv("NOTIFYTRACK_SYNC_INTERVAL", "1ms")
	cfg, err := config.Load("", nil)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	d, err := newDaemon(cfg, slog.New(slog.DiscardHandler), prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	defer d.Close()
	if err := d.tracker.Enable(context.Background()); err != nil {
		t.Fatalf("enable: %v", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Serve(ctx, listener) }()

	for i := 0; i < 20; i++ {
		d.platform.Push(history.Notification{Tag: fmt.Sprintf("n%d", i)})
		time.Sleep(time.Millisecond)
	}
	if got := d.running.Load(); got != 2 {
		t.Fatalf("expected the sync loop and the watcher to be running, got %d", got)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not stop")
	}
	if got := d.running.Load(); got != 0 {
		t.Fatalf("expected background work to finish before Serve returns, %d still running", got)
	}
}

func TestDaemonHoldsDataDirLock(t *testing.T) {
	cfg := testConfig(t, "durable-local")
	first, err := newDaemon(cfg, slog.New(slog.DiscardHandler), prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("first daemon: %v", err)
	}
	defer first.Close()

	if _, err := newDaemon(cfg, slog.New(slog.DiscardHandler), prometheus.NewRegistry()); !errors.Is(err, history.ErrDataDirLocked) {
		t.Fatalf("expected second daemon to hit the lock, got %v", err)
	}
}

func TestMemoryProfileSkipsLocalState(t *testing.T) {
	cfg := testConfig(t, "memory")
	d, err := newDaemon(cfg, slog.New(slog.DiscardHandler), prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	defer d.Close()
	if d.unlock != nil || d.watcher != nil {
		t.Fatalf("expected no lock or watcher for the memory profile")
	}
	entries, err := os.ReadDir(cfg.DataDir)
	if err != nil {
		t.Fatalf("read data dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected an untouched data dir, got %d entries", len(entries))
	}
}
