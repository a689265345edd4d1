// Package lockq provides a FIFO mutual-exclusion queue. Unlike sync.Mutex,
// waiters are granted ownership strictly in arrival order and may stop
// waiting when their context is cancelled.
package lockq

import (
	"context"
	"sync"
)

type waiter struct {
	granted chan struct{}
}

type Queue struct {
	mu      sync.Mutex
	waiters []*waiter
}

// Guard is the proof of ownership returned by Acquire. Release hands the
// queue to the next waiter.
type Guard struct {
	q       *Queue
	w       *waiter
	release sync.Once
}

func New() *Queue {
	return &Queue{}
}

// Acquire blocks until the caller is at the head of the queue. A cancelled
// context removes the caller from the queue; once granted, the guard is held
// until Release regardless of the context.
func (q *Queue) Acquire(ctx context.Context) (*Guard, error) {
	w := &waiter{granted: make(chan struct{})}

	q.mu.Lock()
	q.waiters = append(q.waiters, w)
	if len(q.waiters) == 1 {
		close(w.granted)
	}
	q.mu.Unlock()

	select {
	case <-w.granted:
		return &Guard{q: q, w: w}, nil
	case <-ctx.Done():
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	select {
	case <-w.granted:
		// Granted while the cancellation raced in; give it straight back.
		q.releaseLocked(w)
	default:
		q.removeLocked(w)
	}
	return nil, ctx.Err()
}

func (g *Guard) Release() {
	if g == nil {
		return
	}
	g.release.Do(func() {
		g.q.mu.Lock()
		defer g.q.mu.Unlock()
		g.q.releaseLocked(g.w)
	})
}

// Len reports the current owner plus all waiters.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}

func (q *Queue) releaseLocked(w *waiter) {
	if len(q.waiters) == 0 || q.waiters[0] != w {
		return
	}
	q.waiters[0] = nil
	q.waiters = q.waiters[1:]
	if len(q.waiters) > 0 {
		close(q.waiters[0].granted)
	}
}

func (q *Queue) removeLocked(w *waiter) {
	for i, candidate := range q.waiters {
		if candidate != w {
			continue
		}
		q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
		return
	}
}
