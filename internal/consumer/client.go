package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/notifytrack/internal/history"
)

// ErrTrackingLost is matched by API errors that report the tracker's state
// can no longer be trusted.
var ErrTrackingLost = errors.New("tracking lost")

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrTrackingLost && e.Code == "tracking_lost"
}

// Batch is one reader's view of the pending changes.
type Batch struct {
	ReaderID     string           `json:"readerId"`
	TrackingLost bool             `json:"trackingLost"`
	OpenedAt     time.Time        `json:"openedAt"`
	Changes      []history.Change `json:"changes"`
}

// StreamMessage is the signal pushed on the change stream.
type StreamMessage struct {
	Type    string `json:"type"`
	Pending int    `json:"pending"`
}

type API interface {
	OpenReader(ctx context.Context) (Batch, error)
	Accept(ctx context.Context, readerID string) error
	CloseReader(ctx context.Context, readerID string) error
	Reset(ctx context.Context) error
}

// Client talks to the notifytrack HTTP API. Transient failures (429 and
// 5xx other than 502) are retried with backoff; 502 means the notification
// platform itself failed and is returned as-is.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

var _ API = (*Client)(nil)

func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *Client) OpenReader(ctx context.Context) (Batch, error) {
	var out Batch
	err := c.doJSON(ctx, http.MethodPost, "/v1/readers", nil, &out)
	return out, err
}

func (c *Client) Accept(ctx context.Context, readerID string) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/readers/"+url.PathEscape(readerID)+"/accept", nil, nil)
}

func (c *Client) CloseReader(ctx context.Context, readerID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/readers/"+url.PathEscape(readerID), nil, nil)
}

func (c *Client) Reset(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/tracking/reset", nil, nil)
}

// Subscribe dials the change stream and calls onSignal for every message
// until ctx is done or the connection drops.
func (c *Client) Subscribe(ctx context.Context, onSignal func(StreamMessage)) error {
	streamURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/v1/changes/stream"
	// The dialer rejects clients with a Timeout; the stream lives until ctx
	// ends, so the default client is used.
	conn, _, err := websocket.Dial(ctx, streamURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization":    []string{"Bearer " + c.token},
			"X-Correlation-Id": []string{correlationID()},
		},
	})
	if err != nil {
		return fmt.Errorf("dial change stream: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	for {
		var msg StreamMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read change stream: %w", err)
		}
		onSignal(msg)
	}
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
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

		if retryable(resp.StatusCode) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
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
}

func retryable(status int) bool {
	if status == http.StatusTooManyRequests {
		return true
	}
	return status >= 500 && status <= 599 && status != http.StatusBadGateway
}

func correlationID() string {
	return "consume_" + uuid.NewString()
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
