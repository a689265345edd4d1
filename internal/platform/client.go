package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/notifytrack/internal/history"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code == "" && e.Message == "" {
		return fmt.Sprintf("platform returned http %d", e.StatusCode)
	}
	return fmt.Sprintf("platform returned http %d: %s %s", e.StatusCode, e.Code, e.Message)
}

type activeResponse struct {
	Notifications []history.Notification `json:"notifications"`
}

type scheduledResponse struct {
	Notifications []history.ScheduledNotification `json:"notifications"`
}

// HTTPClient drives a notification center exposed over HTTP, such as the
// one served by Handler. Calls are never retried: a platform failure is
// final for that call and the tracker reports it to its caller.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var _ history.Platform = (*HTTPClient)(nil)

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8090"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
	}
}

func (c *HTTPClient) ActiveSnapshot(ctx context.Context) ([]history.Notification, error) {
	var resp activeResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/active", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Notifications, nil
}

func (c *HTTPClient) ScheduledSnapshot(ctx context.Context) ([]history.ScheduledNotification, error) {
	var resp scheduledResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/scheduled", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Notifications, nil
}

func (c *HTTPClient) Show(ctx context.Context, n history.Notification) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/active", n, nil)
}

func (c *HTTPClient) Remove(ctx context.Context, tag, group string) error {
	q := url.Values{}
	q.Set("tag", tag)
	q.Set("group", group)
	return c.doJSON(ctx, http.MethodDelete, "/v1/active?"+q.Encode(), nil, nil)
}

func (c *HTTPClient) RemoveGroup(ctx context.Context, group string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/groups/"+url.PathEscape(group), nil, nil)
}

func (c *HTTPClient) Clear(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/active", nil, nil)
}

func (c *HTTPClient) Schedule(ctx context.Context, n history.ScheduledNotification) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/scheduled", n, nil)
}

func (c *HTTPClient) Unschedule(ctx context.Context, n history.ScheduledNotification) error {
	q := url.Values{}
	q.Set("tag", n.Tag)
	q.Set("group", n.Group)
	q.Set("deliveryTime", n.DeliveryTime.UTC().Format(time.RFC3339Nano))
	return c.doJSON(ctx, http.MethodDelete, "/v1/scheduled?"+q.Encode(), nil, nil)
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("X-Correlation-Id", "nt_"+uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	payloadBytes, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return readErr
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(payloadBytes) == 0 {
			return nil
		}
		return json.Unmarshal(payloadBytes, out)
	}

	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payloadBytes, &errPayload)
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Code:       errPayload.Code,
		Message:    errPayload.Message,
	}
}
