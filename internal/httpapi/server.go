package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentworkforce/notifytrack/internal/history"
)

type ServerConfig struct {
	JWTSecret          string
	InternalHMACSecret string
	InternalMaxSkew    time.Duration
	RateLimitMax       int
	RateLimitWindow    time.Duration
	MaxBodyBytes       int64
	ReaderTTL          time.Duration
	MaxReaders         int
	Hub                *ChangeHub
	Logger             *slog.Logger
	// Registerer receives the HTTP collectors; Gatherer backs /metrics.
	// Both default to the Prometheus default registry.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

type Server struct {
	tracker            *history.Tracker
	cfg                ServerConfig
	rateLimiter        *rateLimiter
	readers            *readerRegistry
	hub                *ChangeHub
	logger             *slog.Logger
	metrics            *httpMetrics
	metricsHandler     http.Handler
	internalReplayMu   sync.Mutex
	internalReplaySeen map[string]time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(tracker *history.Tracker) *Server {
	return NewServerWithConfig(tracker, ServerConfig{})
}

func NewServerWithConfig(tracker *history.Tracker, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.InternalHMACSecret == "" {
		cfg.InternalHMACSecret = "dev-internal-secret"
	}
	if cfg.InternalMaxSkew == 0 {
		cfg.InternalMaxSkew = 5 * time.Minute
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.ReaderTTL <= 0 {
		cfg.ReaderTTL = 10 * time.Minute
	}
	if cfg.MaxReaders <= 0 {
		cfg.MaxReaders = 64
	}
	if cfg.Hub == nil {
		cfg.Hub = NewChangeHub()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.DefaultRegisterer
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		tracker:            tracker,
		cfg:                cfg,
		rateLimiter:        limiter,
		readers:            newReaderRegistry(cfg.ReaderTTL, cfg.MaxReaders),
		hub:                cfg.Hub,
		logger:             cfg.Logger,
		metrics:            newHTTPMetrics(cfg.Registerer),
		metricsHandler:     promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}),
		internalReplaySeen: map[string]time.Time{},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	route := s.serve(recorder, r)
	s.metrics.observe(route, r.Method, recorder.status, time.Since(started))
}

// serve dispatches the request and returns the route label used for
// metrics.
func (s *Server) serve(w http.ResponseWriter, r *http.Request) string {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		tracking := "good"
		if !s.tracker.Healthy() {
			tracking = "corrupt"
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "tracking": tracking})
		return "health"
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		s.metricsHandler.ServeHTTP(w, r)
		return "metrics"
	}
	if r.URL.Path == "/dashboard" {
		s.handleDashboard(w, r)
		return "dashboard"
	}
	if r.URL.Path == "/v1/internal/platform-events" && r.Method == http.MethodPost {
		s.handleInternalPlatformEvent(w, r)
		return "platform_event"
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return "not_found"
	}

	matched, ok := matchRoute(r.Method, parts[1:])
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return "not_found"
	}
	route := matched.name

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, matched.scope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return route
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return route
	}
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(claims.AgentName, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return route
		}
	}

	switch route {
	case "tracking_enable":
		s.handleTracking(w, r, correlationID, s.tracker.Enable)
	case "tracking_reset":
		s.readers.clear()
		s.handleTracking(w, r, correlationID, s.tracker.Reset)
	case "tracking_sync":
		s.handleTracking(w, r, correlationID, s.tracker.Sync)
	case "status":
		s.handleStatus(w, correlationID)
	case "reader_open":
		s.handleOpenReader(w, r, correlationID)
	case "reader_get":
		s.handleGetReader(w, r, parts[2], correlationID)
	case "reader_close":
		s.handleCloseReader(w, parts[2], correlationID)
	case "reader_accept":
		s.handleAcceptReader(w, r, parts[2], correlationID)
	case "changes_stream":
		s.handleChangesStream(w, r, claims)
	case "show":
		s.handleShow(w, r, correlationID)
	case "remove":
		s.handleRemove(w, r, correlationID)
	case "remove_group":
		s.handleRemoveGroup(w, r, parts[2], correlationID)
	case "schedule":
		s.handleSchedule(w, r, correlationID)
	case "unschedule":
		s.handleUnschedule(w, r, correlationID)
	case "activation":
		s.handleActivation(w, r, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
	return route
}

// handleInternalPlatformEvent lets the host notification agent hint that
// its notification center changed. The hint only triggers a
// reconciliation; the snapshot stays the source of truth.
func (s *Server) handleInternalPlatformEvent(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	timestamp := r.Header.Get("X-Notifytrack-Timestamp")
	signature := r.Header.Get("X-Notifytrack-Signature")
	if authErr := verifyInternalHMAC(s.cfg.InternalHMACSecret, timestamp, signature, body, time.Now().UTC(), s.cfg.InternalMaxSkew); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.markInternalReplaySeen(timestamp, signature, time.Now().UTC()) {
		writeError(w, http.StatusConflict, "replay_detected", "platform event already processed", correlationID)
		return
	}
	if err := s.tracker.Sync(r.Context()); err != nil {
		s.writeTrackerError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":        "reconciled",
		"correlationId": correlationID,
	})
}

func (s *Server) handleTracking(w http.ResponseWriter, r *http.Request, correlationID string, action func(context.Context) error) {
	if err := action(r.Context()); err != nil {
		s.writeTrackerError(w, err, correlationID)
		return
	}
	s.handleStatus(w, correlationID)
}

func (s *Server) handleStatus(w http.ResponseWriter, correlationID string) {
	resp := map[string]any{
		"tracking":      trackingLabel(s.tracker.Healthy()),
		"openReaders":   s.readers.len(),
		"correlationId": correlationID,
	}
	if fault := s.tracker.LastFault(); fault != nil {
		resp["lastFault"] = map[string]string{"op": fault.Op, "error": fault.Err.Error()}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleOpenReader(w http.ResponseWriter, r *http.Request, correlationID string) {
	reader, err := s.tracker.OpenReader(r.Context())
	if err != nil {
		s.writeTrackerError(w, err, correlationID)
		return
	}
	id, ok := s.readers.add(reader, time.Now())
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "too_many_readers", "too many open readers", correlationID)
		return
	}
	s.writeReader(w, r, http.StatusCreated, id, reader, correlationID)
}

func (s *Server) handleGetReader(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	reader, ok := s.readers.get(id, time.Now())
	if !ok {
		writeError(w, http.StatusNotFound, "reader_not_found", "reader not found or expired", correlationID)
		return
	}
	s.writeReader(w, r, http.StatusOK, id, reader, correlationID)
}

func (s *Server) handleCloseReader(w http.ResponseWriter, id, correlationID string) {
	if !s.readers.remove(id) {
		writeError(w, http.StatusNotFound, "reader_not_found", "reader not found or expired", correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAcceptReader(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	reader, ok := s.readers.get(id, time.Now())
	if !ok {
		writeError(w, http.StatusNotFound, "reader_not_found", "reader not found or expired", correlationID)
		return
	}
	if err := reader.AcceptChanges(r.Context()); err != nil {
		s.writeTrackerError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"readerId":      id,
		"status":        "accepted",
		"correlationId": correlationID,
	})
}

func (s *Server) writeReader(w http.ResponseWriter, r *http.Request, status int, id string, reader *history.Reader, correlationID string) {
	changes, err := reader.ReadChanges(r.Context())
	if err != nil {
		s.writeTrackerError(w, err, correlationID)
		return
	}
	writeJSON(w, status, ReaderResponse{
		ReaderID:     id,
		TrackingLost: reader.TrackingLost(),
		OpenedAt:     reader.OpenedAt(),
		Changes:      changes,
	})
}

// ReaderResponse is the body of the reader routes.
type ReaderResponse struct {
	ReaderID     string           `json:"readerId"`
	TrackingLost bool             `json:"trackingLost"`
	OpenedAt     time.Time        `json:"openedAt"`
	Changes      []history.Change `json:"changes"`
}

type showRequest struct {
	history.Notification
	AdditionalData string `json:"additionalData,omitempty"`
}

type scheduleRequest struct {
	history.ScheduledNotification
	AdditionalData string `json:"additionalData,omitempty"`
}

func (s *Server) handleShow(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req showRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	shown, err := s.tracker.Show(r.Context(), req.Notification, req.AdditionalData)
	if err != nil {
		s.writeTrackerError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"notification":  shown,
		"correlationId": correlationID,
	})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request, correlationID string) {
	q := r.URL.Query()
	var err error
	switch {
	case q.Has("tag"):
		err = s.tracker.Remove(r.Context(), q.Get("tag"), q.Get("group"))
	case q.Get("all") == "true":
		err = s.tracker.Clear(r.Context())
	default:
		writeError(w, http.StatusBadRequest, "bad_request", "tag is required; pass all=true to clear every notification", correlationID)
		return
	}
	if err != nil {
		s.writeTrackerError(w, err, correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveGroup(w http.ResponseWriter, r *http.Request, rawGroup, correlationID string) {
	group, err := url.PathUnescape(rawGroup)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid group", correlationID)
		return
	}
	if err := s.tracker.RemoveGroup(r.Context(), group); err != nil {
		s.writeTrackerError(w, err, correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req scheduleRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	scheduled, err := s.tracker.Schedule(r.Context(), req.ScheduledNotification, req.AdditionalData)
	if err != nil {
		s.writeTrackerError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"notification":  scheduled,
		"correlationId": correlationID,
	})
}

func (s *Server) handleUnschedule(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req history.ScheduledNotification
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if err := s.tracker.Unschedule(r.Context(), req); err != nil {
		s.writeTrackerError(w, err, correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleActivation(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req struct {
		Arguments string `json:"arguments"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	change, found, err := s.tracker.MarkActivated(r.Context(), req.Arguments)
	if err != nil {
		s.writeTrackerError(w, err, correlationID)
		return
	}
	resp := map[string]any{
		"found":         found,
		"correlationId": correlationID,
	}
	if found {
		resp["change"] = change
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeTrackerError(w http.ResponseWriter, err error, correlationID string) {
	var platformErr *history.PlatformError
	var fault *history.TrackingFault
	switch {
	case errors.As(err, &platformErr):
		writeError(w, http.StatusBadGateway, "platform_error", platformErr.Error(), correlationID)
	case errors.As(err, &fault):
		writeError(w, http.StatusConflict, "tracking_lost", fault.Error(), correlationID)
	case errors.Is(err, history.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "unavailable", "request cancelled while waiting for the tracker", correlationID)
	default:
		s.logger.Error("tracker request failed", "correlation_id", correlationID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func trackingLabel(healthy bool) string {
	if healthy {
		return "good"
	}
	return "corrupt"
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func (s *Server) markInternalReplaySeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	window := s.cfg.InternalMaxSkew
	if window <= 0 {
		window = 5 * time.Minute
	}
	s.internalReplayMu.Lock()
	defer s.internalReplayMu.Unlock()
	for replayKey, expiresAt := range s.internalReplaySeen {
		if !now.Before(expiresAt) {
			delete(s.internalReplaySeen, replayKey)
		}
	}
	if expiresAt, exists := s.internalReplaySeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.internalReplaySeen[key] = now.Add(window)
	return true
}
