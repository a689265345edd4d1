package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// Capabilities a bearer token can grant.
const (
	ScopeTrackingAdmin      = "tracking:admin"
	ScopeChangesRead        = "changes:read"
	ScopeChangesAccept      = "changes:accept"
	ScopeNotificationsWrite = "notifications:write"
)

const tokenAudience = "notifytrack"

// apiRoute is an authenticated /v1 endpoint and the capability it needs.
type apiRoute struct {
	name  string
	scope string
}

// matchRoute resolves the path segments after "v1" and the method to a
// route. The second result is false for unknown endpoints.
func matchRoute(method string, segments []string) (apiRoute, bool) {
	switch len(segments) {
	case 1:
		switch {
		case segments[0] == "status" && method == http.MethodGet:
			return apiRoute{"status", ScopeChangesRead}, true
		case segments[0] == "readers" && method == http.MethodPost:
			return apiRoute{"reader_open", ScopeChangesRead}, true
		case segments[0] == "notifications" && method == http.MethodPost:
			return apiRoute{"show", ScopeNotificationsWrite}, true
		case segments[0] == "notifications" && method == http.MethodDelete:
			return apiRoute{"remove", ScopeNotificationsWrite}, true
		case segments[0] == "scheduled" && method == http.MethodPost:
			return apiRoute{"schedule", ScopeNotificationsWrite}, true
		case segments[0] == "scheduled" && method == http.MethodDelete:
			return apiRoute{"unschedule", ScopeNotificationsWrite}, true
		case segments[0] == "activations" && method == http.MethodPost:
			return apiRoute{"activation", ScopeNotificationsWrite}, true
		}
	case 2:
		switch {
		case segments[0] == "tracking" && method == http.MethodPost:
			switch segments[1] {
			case "enable":
				return apiRoute{"tracking_enable", ScopeTrackingAdmin}, true
			case "reset":
				return apiRoute{"tracking_reset", ScopeTrackingAdmin}, true
			case "sync":
				return apiRoute{"tracking_sync", ScopeTrackingAdmin}, true
			}
		case segments[0] == "readers" && method == http.MethodGet:
			return apiRoute{"reader_get", ScopeChangesRead}, true
		case segments[0] == "readers" && method == http.MethodDelete:
			return apiRoute{"reader_close", ScopeChangesRead}, true
		case segments[0] == "changes" && segments[1] == "stream" && method == http.MethodGet:
			return apiRoute{"changes_stream", ScopeChangesRead}, true
		case segments[0] == "groups" && method == http.MethodDelete:
			return apiRoute{"remove_group", ScopeNotificationsWrite}, true
		}
	case 3:
		if segments[0] == "readers" && segments[2] == "accept" && method == http.MethodPost {
			return apiRoute{"reader_accept", ScopeChangesAccept}, true
		}
	}
	return apiRoute{}, false
}

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

func unauthorized(message string) *authError {
	return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: message}
}

func forbidden(message string) *authError {
	return &authError{status: http.StatusForbidden, code: "forbidden", message: message}
}

// tokenClaims identify the caller. Rate limiting and stream logs key on
// AgentName.
type tokenClaims struct {
	AgentName string
	Scopes    map[string]struct{}
	Exp       int64
}

func (c tokenClaims) has(scope string) bool {
	_, ok := c.Scopes[scope]
	return ok
}

// tokenPayload is the HS256 JWT body. Scopes is either a JSON array or a
// space separated string.
type tokenPayload struct {
	AgentName string          `json:"agent_name"`
	Audience  string          `json:"aud"`
	Exp       json.Number     `json:"exp"`
	Scopes    json.RawMessage `json:"scopes"`
}

func authorizeBearer(authHeader, jwtSecret, requiredScope string, now time.Time) (tokenClaims, *authError) {
	claims, err := parseBearer(authHeader, jwtSecret, now)
	if err != nil {
		return tokenClaims{}, err
	}
	if requiredScope != "" && !claims.has(requiredScope) {
		return tokenClaims{}, forbidden("missing required scope: " + requiredScope)
	}
	return claims, nil
}

func parseBearer(authHeader, jwtSecret string, now time.Time) (tokenClaims, *authError) {
	raw, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return tokenClaims{}, unauthorized("missing or invalid bearer token")
	}
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 3 {
		return tokenClaims{}, unauthorized("invalid jwt format")
	}

	var header struct {
		Alg string `json:"alg"`
	}
	if err := decodeSegment(parts[0], &header); err != nil {
		return tokenClaims{}, unauthorized("invalid jwt header")
	}
	if header.Alg != "HS256" {
		return tokenClaims{}, unauthorized("unsupported jwt algorithm")
	}

	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return tokenClaims{}, unauthorized("invalid jwt signature")
	}
	mac := hmac.New(sha256.New, []byte(jwtSecret))
	_, _ = mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return tokenClaims{}, unauthorized("jwt signature mismatch")
	}

	var payload tokenPayload
	if err := decodeSegment(parts[1], &payload); err != nil {
		return tokenClaims{}, unauthorized("invalid jwt payload")
	}
	if payload.AgentName == "" {
		return tokenClaims{}, unauthorized("missing agent_name claim")
	}
	expFloat, err := payload.Exp.Float64()
	if err != nil {
		return tokenClaims{}, unauthorized("invalid exp claim")
	}
	exp := int64(expFloat)
	if now.Unix() >= exp {
		return tokenClaims{}, unauthorized("token expired")
	}
	if payload.Audience != tokenAudience {
		return tokenClaims{}, unauthorized("invalid aud claim")
	}
	scopes := parseScopes(payload.Scopes)
	if len(scopes) == 0 {
		return tokenClaims{}, forbidden("no scopes granted")
	}
	return tokenClaims{AgentName: payload.AgentName, Scopes: scopes, Exp: exp}, nil
}

func decodeSegment(segment string, out any) error {
	data, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func parseScopes(raw json.RawMessage) map[string]struct{} {
	out := map[string]struct{}{}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		var joined string
		if err := json.Unmarshal(raw, &joined); err != nil {
			return out
		}
		list = strings.Fields(joined)
	}
	for _, scope := range list {
		if scope != "" {
			out[scope] = struct{}{}
		}
	}
	return out
}

// verifyInternalHMAC checks a platform event signed as
// hex(HMAC-SHA256(secret, timestamp + "\n" + body)) with an RFC 3339
// timestamp inside maxSkew of now.
func verifyInternalHMAC(secret, timestamp, signature string, body []byte, now time.Time, maxSkew time.Duration) *authError {
	if timestamp == "" || signature == "" {
		return unauthorized("missing internal auth headers")
	}
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return unauthorized("invalid internal timestamp")
	}
	if skew := now.Sub(ts).Abs(); skew > maxSkew {
		return unauthorized("internal request outside replay window")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp + "\n"))
	_, _ = mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected)) {
		return unauthorized("internal signature mismatch")
	}
	return nil
}
