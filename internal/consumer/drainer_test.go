package consumer

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentworkforce/notifytrack/internal/history"
	"github.com/agentworkforce/notifytrack/internal/httpapi"
)

type apiFixture struct {
	tracker  *history.Tracker
	platform *history.MemoryPlatform
	hub      *httpapi.ChangeHub
	server   *httptest.Server
	client   *Client
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	hub := httpapi.NewChangeHub()
	platform := history.NewMemoryPlatform(nil)
	tracker, err := history.NewTracker(platform, history.Options{
		StateBackend: history.NewInMemoryStateBackend(),
		OnReconciled: hub.Notify,
	})
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	registry := prometheus.NewRegistry()
	server := httptest.NewServer(httpapi.NewServerWithConfig(tracker, httpapi.ServerConfig{
		JWTSecret:  "consumer-secret",
		Hub:        hub,
		Registerer: registry,
		Gatherer:   registry,
	}))
	t.Cleanup(server.Close)
	token := mintToken(t, "consumer-secret", []string{"changes:read", "changes:accept", "tracking:admin"})
	return &apiFixture{
		tracker:  tracker,
		platform: platform,
		hub:      hub,
		server:   server,
		client:   NewClient(server.URL, token, server.Client()),
	}
}

func mintToken(t *testing.T, secret string, scopes []string) string {
	t.Helper()
	header, err := json.Marshal(map[string]any{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	payload, err := json.Marshal(map[string]any{
		"agent_name": "consumer",
		"scopes":     scopes,
		"exp":        time.Now().Add(time.Hour).Unix(),
		"aud":        "notifytrack",
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	signingInput := base64.RawURLEncoding.EncodeToString(header) + "." + base64.RawURLEncoding.EncodeToString(payload)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signingInput))
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func TestDrainerAcceptsPushedChanges(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	if err := f.tracker.Enable(ctx); err != nil {
		t.Fatalf("enable: %v", err)
	}
	f.platform.Push(history.Notification{Tag: "a"})
	f.platform.Push(history.Notification{Tag: "b"})

	var seen [][]history.Change
	drainer, err := NewDrainer(f.client, Options{Handler: func(_ context.Context, changes []history.Change) error {
		seen = append(seen, changes)
		return nil
	}})
	if err != nil {
		t.Fatalf("new drainer: %v", err)
	}

	result, err := drainer.DrainOnce(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if result.Changes != 2 || result.TrackingLost {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(seen) != 1 || len(seen[0]) != 2 {
		t.Fatalf("unexpected batches %+v", seen)
	}
	tags := map[string]bool{}
	for _, change := range seen[0] {
		if change.Type != history.ChangeAddedViaPush {
			t.Fatalf("unexpected change %+v", change)
		}
		tags[change.Tag] = true
	}
	if !tags["a"] || !tags["b"] {
		t.Fatalf("expected changes for a and b, got %+v", seen[0])
	}

	result, err = drainer.DrainOnce(ctx)
	if err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if result.Changes != 0 || len(seen) != 1 {
		t.Fatalf("expected nothing after accept, got %+v with %d batches", result, len(seen))
	}
}

func TestDrainerHandlerErrorLeavesChangesPending(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	if err := f.tracker.Enable(ctx); err != nil {
		t.Fatalf("enable: %v", err)
	}
	f.platform.Push(history.Notification{Tag: "a"})

	calls := 0
	drainer, err := NewDrainer(f.client, Options{Handler: func(_ context.Context, changes []history.Change) error {
		calls++
		if calls == 1 {
			return errors.New("downstream unavailable")
		}
		return nil
	}})
	if err != nil {
		t.Fatalf("new drainer: %v", err)
	}

	if _, err := drainer.DrainOnce(ctx); err == nil {
		t.Fatalf("expected handler error to surface")
	}
	result, err := drainer.DrainOnce(ctx)
	if err != nil {
		t.Fatalf("retry drain: %v", err)
	}
	if result.Changes != 1 {
		t.Fatalf("expected the change to be redelivered, got %+v", result)
	}
}

func TestDrainerResetsOnTrackingLost(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	var got []history.Change
	drainer, err := NewDrainer(f.client, Options{Handler: func(_ context.Context, changes []history.Change) error {
		got = changes
		return nil
	}})
	if err != nil {
		t.Fatalf("new drainer: %v", err)
	}

	result, err := drainer.DrainOnce(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if !result.TrackingLost || !result.Reset {
		t.Fatalf("expected tracking lost and reset, got %+v", result)
	}
	if len(got) != 1 || got[0].Type != history.ChangeTrackingLost {
		t.Fatalf("expected the handler to see the sentinel, got %+v", got)
	}
	if !f.tracker.Healthy() {
		t.Fatalf("expected tracking to be healthy after reset")
	}
}

func TestSubscribeReceivesSignals(t *testing.T) {
	f := newAPIFixture(t)
	if err := f.tracker.Enable(context.Background()); err != nil {
		t.Fatalf("enable: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	signals := make(chan StreamMessage, 4)
	done := make(chan error, 1)
	go func() {
		done <- f.client.Subscribe(ctx, func(msg StreamMessage) { signals <- msg })
	}()

	for f.hub.Subscribers() == 0 {
		if ctx.Err() != nil {
			t.Fatalf("stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.platform.Push(history.Notification{Tag: "a"})
	if err := f.tracker.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	select {
	case msg := <-signals:
		if msg.Type != "changes" || msg.Pending != 1 {
			t.Fatalf("unexpected signal %+v", msg)
		}
	case <-ctx.Done():
		t.Fatalf("no signal received")
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected subscribe to end with context cancellation, got %v", err)
	}
}

func TestClientRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		if call == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"retry"}`))
			return
		}
		if r.URL.Path != "/v1/readers" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"readerId":"rd_1","trackingLost":false,"changes":[]}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "token", server.Client())
	client.baseDelay = time.Millisecond
	batch, err := client.OpenReader(context.Background())
	if err != nil {
		t.Fatalf("expected retry to recover from transient 503, got error: %v", err)
	}
	if batch.ReaderID != "rd_1" {
		t.Fatalf("expected reader rd_1, got %q", batch.ReaderID)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 calls (1 retry), got %d", atomic.LoadInt32(&calls))
	}
}

func TestClientDoesNotRetryPlatformFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"code":"platform_error","message":"snapshot failed"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "token", server.Client())
	_, err := client.OpenReader(context.Background())
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Code != "platform_error" {
		t.Fatalf("expected platform_error, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected a single call, got %d", atomic.LoadInt32(&calls))
	}
}

func TestHTTPErrorMatchesTrackingLost(t *testing.T) {
	err := error(&HTTPError{StatusCode: http.StatusConflict, Code: "tracking_lost"})
	if !errors.Is(err, ErrTrackingLost) {
		t.Fatalf("expected tracking_lost to match ErrTrackingLost")
	}
	if errors.Is(&HTTPError{StatusCode: http.StatusConflict, Code: "replay_detected"}, ErrTrackingLost) {
		t.Fatalf("expected other conflicts not to match")
	}
}

func TestRetryDelayHonorsRetryAfter(t *testing.T) {
	client := NewClient("", "", nil)
	if got := client.retryDelay(1, "1"); got != time.Second {
		t.Fatalf("expected Retry-After to be honored, got %s", got)
	}
	if got := client.retryDelay(1, "30"); got != 2*time.Second {
		t.Fatalf("expected Retry-After to be capped, got %s", got)
	}
	if got := client.retryDelay(3, ""); got != 400*time.Millisecond {
		t.Fatalf("expected exponential backoff 400ms, got %s", got)
	}
}
