package platform

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agentworkforce/notifytrack/internal/history"
)

// Handler serves a MemoryPlatform over the routes HTTPClient speaks, plus
// /v1/push and /v1/dismiss for simulating host activity that bypasses the
// tracker.
type Handler struct {
	platform     *history.MemoryPlatform
	token        string
	maxBodyBytes int64
}

func NewHandler(platform *history.MemoryPlatform, token string) *Handler {
	return &Handler{
		platform:     platform,
		token:        strings.TrimSpace(token),
		maxBodyBytes: 1 << 20,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.token != "" && r.Header.Get("Authorization") != "Bearer "+h.token {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid platform token")
		return
	}
	ctx := r.Context()
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	switch {
	case r.URL.Path == "/v1/active" && r.Method == http.MethodGet:
		active, err := h.platform.ActiveSnapshot(ctx)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, activeResponse{Notifications: nonNil(active)})
	case r.URL.Path == "/v1/active" && r.Method == http.MethodPost:
		var n history.Notification
		if !h.decode(w, r, &n) {
			return
		}
		if strings.TrimSpace(n.Tag) == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "tag is required")
			return
		}
		_ = h.platform.Show(ctx, n)
		w.WriteHeader(http.StatusNoContent)
	case r.URL.Path == "/v1/active" && r.Method == http.MethodDelete:
		q := r.URL.Query()
		if q.Has("tag") {
			_ = h.platform.Remove(ctx, q.Get("tag"), q.Get("group"))
		} else {
			_ = h.platform.Clear(ctx)
		}
		w.WriteHeader(http.StatusNoContent)
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "groups" && r.Method == http.MethodDelete:
		group, err := url.PathUnescape(parts[2])
		if err != nil || group == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid group")
			return
		}
		_ = h.platform.RemoveGroup(ctx, group)
		w.WriteHeader(http.StatusNoContent)
	case r.URL.Path == "/v1/scheduled" && r.Method == http.MethodGet:
		scheduled, err := h.platform.ScheduledSnapshot(ctx)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		if scheduled == nil {
			scheduled = []history.ScheduledNotification{}
		}
		writeJSON(w, http.StatusOK, scheduledResponse{Notifications: scheduled})
	case r.URL.Path == "/v1/scheduled" && r.Method == http.MethodPost:
		var n history.ScheduledNotification
		if !h.decode(w, r, &n) {
			return
		}
		if strings.TrimSpace(n.Tag) == "" || n.DeliveryTime.IsZero() {
			writeError(w, http.StatusBadRequest, "bad_request", "tag and deliveryTime are required")
			return
		}
		_ = h.platform.Schedule(ctx, n)
		w.WriteHeader(http.StatusNoContent)
	case r.URL.Path == "/v1/scheduled" && r.Method == http.MethodDelete:
		q := r.URL.Query()
		delivery, err := time.Parse(time.RFC3339Nano, q.Get("deliveryTime"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid deliveryTime")
			return
		}
		_ = h.platform.Unschedule(ctx, history.ScheduledNotification{
			Notification: history.Notification{Tag: q.Get("tag"), Group: q.Get("group")},
			DeliveryTime: delivery,
		})
		w.WriteHeader(http.StatusNoContent)
	case r.URL.Path == "/v1/push" && r.Method == http.MethodPost:
		var n history.Notification
		if !h.decode(w, r, &n) {
			return
		}
		if strings.TrimSpace(n.Tag) == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "tag is required")
			return
		}
		h.platform.Push(n)
		w.WriteHeader(http.StatusNoContent)
	case r.URL.Path == "/v1/dismiss" && r.Method == http.MethodPost:
		q := r.URL.Query()
		if q.Has("tag") {
			h.platform.Dismiss(q.Get("tag"), q.Get("group"))
		} else {
			h.platform.DismissAll()
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return false
	}
	return true
}

func nonNil(active []history.Notification) []history.Notification {
	if active == nil {
		return []history.Notification{}
	}
	return active
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
