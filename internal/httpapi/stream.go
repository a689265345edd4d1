package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// StreamMessage is sent to stream subscribers after a reconciliation leaves
// unaccepted changes behind. It carries no change data; subscribers open a
// reader to fetch it.
type StreamMessage struct {
	Type    string `json:"type"`
	Pending int    `json:"pending"`
}

// ChangeHub fans "changes pending" signals out to stream subscribers. Each
// subscriber holds at most one undelivered signal, the latest.
type ChangeHub struct {
	mu          sync.Mutex
	subscribers map[chan int]struct{}
}

func NewChangeHub() *ChangeHub {
	return &ChangeHub{subscribers: map[chan int]struct{}{}}
}

// Notify is shaped to be used as the tracker's OnReconciled hook. It never
// blocks.
func (h *ChangeHub) Notify(pending int) {
	if pending <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subscribers {
		select {
		case <-ch:
		default:
		}
		ch <- pending
	}
}

func (h *ChangeHub) subscribe() (<-chan int, func()) {
	ch := make(chan int, 1)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.subscribers, ch)
		h.mu.Unlock()
	}
}

func (h *ChangeHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

func (s *Server) handleChangesStream(w http.ResponseWriter, r *http.Request, claims tokenClaims) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "agent", claims.AgentName, "err", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	signals, unsubscribe := s.hub.subscribe()
	defer unsubscribe()

	ctx := conn.CloseRead(r.Context())
	s.logger.Info("change stream opened", "agent", claims.AgentName)
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case pending := <-signals:
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := wsjson.Write(writeCtx, conn, StreamMessage{Type: "changes", Pending: pending})
			cancel()
			if err != nil {
				s.logger.Debug("change stream write failed", "agent", claims.AgentName, "err", err)
				return
			}
		}
	}
}
