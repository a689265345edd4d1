package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"testing"
	"time"
)

func signTestToken(t *testing.T, secret string, payload map[string]any) string {
	t.Helper()
	header, err := json.Marshal(map[string]any{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	signingInput := base64.RawURLEncoding.EncodeToString(header) + "." + base64.RawURLEncoding.EncodeToString(body)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signingInput))
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func TestMatchRouteScopes(t *testing.T) {
	cases := []struct {
		method string
		path   []string
		name   string
		scope  string
	}{
		{http.MethodPost, []string{"tracking", "enable"}, "tracking_enable", ScopeTrackingAdmin},
		{http.MethodPost, []string{"tracking", "reset"}, "tracking_reset", ScopeTrackingAdmin},
		{http.MethodGet, []string{"status"}, "status", ScopeChangesRead},
		{http.MethodPost, []string{"readers"}, "reader_open", ScopeChangesRead},
		{http.MethodPost, []string{"readers", "rd_1", "accept"}, "reader_accept", ScopeChangesAccept},
		{http.MethodGet, []string{"changes", "stream"}, "changes_stream", ScopeChangesRead},
		{http.MethodDelete, []string{"notifications"}, "remove", ScopeNotificationsWrite},
		{http.MethodDelete, []string{"groups", "chat"}, "remove_group", ScopeNotificationsWrite},
		{http.MethodPost, []string{"activations"}, "activation", ScopeNotificationsWrite},
	}
	for _, tc := range cases {
		got, ok := matchRoute(tc.method, tc.path)
		if !ok || got.name != tc.name || got.scope != tc.scope {
			t.Fatalf("matchRoute(%s %v) = %+v %v, want %s/%s", tc.method, tc.path, got, ok, tc.name, tc.scope)
		}
	}
	for _, path := range [][]string{{"tracking", "explode"}, {"readers", "rd_1", "reject"}, {"unknown"}} {
		if _, ok := matchRoute(http.MethodPost, path); ok {
			t.Fatalf("expected %v to be unknown", path)
		}
	}
	if _, ok := matchRoute(http.MethodPut, []string{"notifications"}); ok {
		t.Fatalf("expected PUT /v1/notifications to be unknown")
	}
}

func TestParseBearerAcceptsSpaceSeparatedScopes(t *testing.T) {
	now := time.Now()
	token := signTestToken(t, "secret", map[string]any{
		"agent_name": "Worker1",
		"aud":        tokenAudience,
		"exp":        now.Add(time.Hour).Unix(),
		"scopes":     "changes:read changes:accept",
	})
	claims, authErr := authorizeBearer("Bearer "+token, "secret", ScopeChangesAccept, now)
	if authErr != nil {
		t.Fatalf("authorize: %v", authErr)
	}
	if claims.AgentName != "Worker1" || !claims.has(ScopeChangesRead) || claims.has(ScopeTrackingAdmin) {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestParseBearerRejectsBadTokens(t *testing.T) {
	now := time.Now()
	valid := map[string]any{
		"agent_name": "Worker1",
		"aud":        tokenAudience,
		"exp":        now.Add(time.Hour).Unix(),
		"scopes":     []string{ScopeChangesRead},
	}
	with := func(key string, value any) map[string]any {
		out := map[string]any{}
		for k, v := range valid {
			out[k] = v
		}
		if value == nil {
			delete(out, key)
		} else {
			out[key] = value
		}
		return out
	}
	cases := map[string]struct {
		header string
		status int
	}{
		"no bearer prefix": {"Token abc", http.StatusUnauthorized},
		"two segments":     {"Bearer a.b", http.StatusUnauthorized},
		"wrong secret":     {"Bearer " + signTestToken(t, "other", valid), http.StatusUnauthorized},
		"missing agent":    {"Bearer " + signTestToken(t, "secret", with("agent_name", nil)), http.StatusUnauthorized},
		"string exp":       {"Bearer " + signTestToken(t, "secret", with("exp", "tomorrow")), http.StatusUnauthorized},
		"no scopes":        {"Bearer " + signTestToken(t, "secret", with("scopes", []string{})), http.StatusForbidden},
		"missing scope":    {"Bearer " + signTestToken(t, "secret", with("scopes", []string{ScopeChangesAccept})), http.StatusForbidden},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, authErr := authorizeBearer(tc.header, "secret", ScopeChangesRead, now)
			if authErr == nil || authErr.status != tc.status {
				t.Fatalf("expected status %d, got %+v", tc.status, authErr)
			}
		})
	}
}

func TestVerifyInternalHMACRejectsSkew(t *testing.T) {
	now := time.Date(2026, 3, 4, 9, 30, 0, 0, time.UTC)
	body := []byte(`{"kind":"changed"}`)
	stale := now.Add(-10 * time.Minute).Format(time.RFC3339)
	signature := mustHMAC("hook", stale+"\n"+string(body))
	if authErr := verifyInternalHMAC("hook", stale, signature, body, now, 5*time.Minute); authErr == nil {
		t.Fatalf("expected stale timestamp to be rejected")
	}
	fresh := now.Add(-time.Minute).Format(time.RFC3339)
	signature = mustHMAC("hook", fresh+"\n"+string(body))
	if authErr := verifyInternalHMAC("hook", fresh, signature, body, now, 5*time.Minute); authErr != nil {
		t.Fatalf("expected fresh signature to verify, got %v", authErr)
	}
}
