package httpapi

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/notifytrack/internal/history"
)

// readerRegistry holds reader sessions between the open and accept calls.
// Sessions idle for longer than the TTL are dropped; a dropped session's
// changes simply show up again in the next reader.
type readerRegistry struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[string]*readerEntry
}

type readerEntry struct {
	reader   *history.Reader
	lastUsed time.Time
}

func newReaderRegistry(ttl time.Duration, max int) *readerRegistry {
	return &readerRegistry{
		ttl:     ttl,
		max:     max,
		entries: map[string]*readerEntry{},
	}
}

func (r *readerRegistry) add(reader *history.Reader, now time.Time) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked(now)
	if len(r.entries) >= r.max {
		return "", false
	}
	id := "rd_" + uuid.NewString()
	r.entries[id] = &readerEntry{reader: reader, lastUsed: now}
	return id, true
}

func (r *readerRegistry) get(id string, now time.Time) (*history.Reader, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked(now)
	entry, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	entry.lastUsed = now
	return entry.reader, true
}

func (r *readerRegistry) remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return false
	}
	delete(r.entries, id)
	return true
}

func (r *readerRegistry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = map[string]*readerEntry{}
}

func (r *readerRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *readerRegistry) sweepLocked(now time.Time) {
	for id, entry := range r.entries {
		if now.Sub(entry.lastUsed) > r.ttl {
			delete(r.entries, id)
		}
	}
}
