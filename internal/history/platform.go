package history

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
)

// Notification is a platform-side notification as seen by the tracker.
type Notification struct {
	Tag            string    `json:"tag"`
	Group          string    `json:"group,omitempty"`
	Payload        string    `json:"payload,omitempty"`
	Arguments      string    `json:"arguments,omitempty"`
	ExpirationTime time.Time `json:"expirationTime,omitzero"`
}

func (n Notification) Identity() Identity {
	return Identity{Tag: n.Tag, Group: n.Group}
}

type ScheduledNotification struct {
	Notification
	DeliveryTime time.Time `json:"deliveryTime"`
}

// Platform is the host notification center. It only offers snapshots; it
// never reports what changed.
type Platform interface {
	ActiveSnapshot(ctx context.Context) ([]Notification, error)
	ScheduledSnapshot(ctx context.Context) ([]ScheduledNotification, error)
	Show(ctx context.Context, n Notification) error
	Remove(ctx context.Context, tag, group string) error
	RemoveGroup(ctx context.Context, group string) error
	Clear(ctx context.Context) error
	Schedule(ctx context.Context, n ScheduledNotification) error
	Unschedule(ctx context.Context, n ScheduledNotification) error
}

// MemoryPlatform is an in-process notification center. Scheduled entries
// are delivered and expired entries dropped lazily, whenever the platform is
// next touched. Push and Dismiss act on behalf of the host, outside any
// tracker.
type MemoryPlatform struct {
	mu        sync.Mutex
	clock     clock.Clock
	active    []Notification
	scheduled []ScheduledNotification
}

func NewMemoryPlatform(clk clock.Clock) *MemoryPlatform {
	if clk == nil {
		clk = clock.WallClock
	}
	return &MemoryPlatform{clock: clk}
}

func (p *MemoryPlatform) ActiveSnapshot(_ context.Context) ([]Notification, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshLocked()
	out := make([]Notification, len(p.active))
	copy(out, p.active)
	return out, nil
}

func (p *MemoryPlatform) ScheduledSnapshot(_ context.Context) ([]ScheduledNotification, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshLocked()
	out := make([]ScheduledNotification, len(p.scheduled))
	copy(out, p.scheduled)
	return out, nil
}

func (p *MemoryPlatform) Show(_ context.Context, n Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshLocked()
	p.showLocked(n)
	return nil
}

// Push adds a notification the way an out-of-band delivery would.
func (p *MemoryPlatform) Push(n Notification) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshLocked()
	p.showLocked(n)
}

// Dismiss removes a notification the way a user would.
func (p *MemoryPlatform) Dismiss(tag, group string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshLocked()
	p.removeWhereLocked(func(n Notification) bool {
		return n.Tag == tag && n.Group == group
	})
}

// DismissAll clears the notification center the way a user would.
func (p *MemoryPlatform) DismissAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = nil
}

func (p *MemoryPlatform) Remove(_ context.Context, tag, group string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshLocked()
	p.removeWhereLocked(func(n Notification) bool {
		return n.Tag == tag && n.Group == group
	})
	return nil
}

func (p *MemoryPlatform) RemoveGroup(_ context.Context, group string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshLocked()
	p.removeWhereLocked(func(n Notification) bool {
		return n.Group == group
	})
	return nil
}

func (p *MemoryPlatform) Clear(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = nil
	return nil
}

func (p *MemoryPlatform) Schedule(_ context.Context, n ScheduledNotification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshLocked()
	p.scheduled = append(p.scheduled, n)
	return nil
}

func (p *MemoryPlatform) Unschedule(_ context.Context, n ScheduledNotification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshLocked()
	kept := p.scheduled[:0]
	for _, candidate := range p.scheduled {
		if candidate.Identity() == n.Identity() && candidate.DeliveryTime.Equal(n.DeliveryTime) {
			continue
		}
		kept = append(kept, candidate)
	}
	p.scheduled = kept
	return nil
}

func (p *MemoryPlatform) showLocked(n Notification) {
	p.removeWhereLocked(func(existing Notification) bool {
		return existing.Identity() == n.Identity()
	})
	p.active = append(p.active, n)
}

func (p *MemoryPlatform) removeWhereLocked(match func(Notification) bool) {
	kept := p.active[:0]
	for _, n := range p.active {
		if match(n) {
			continue
		}
		kept = append(kept, n)
	}
	p.active = kept
}

func (p *MemoryPlatform) refreshLocked() {
	now := p.clock.Now()
	pending := p.scheduled[:0]
	for _, s := range p.scheduled {
		if s.DeliveryTime.After(now) {
			pending = append(pending, s)
			continue
		}
		p.showLocked(s.Notification)
	}
	p.scheduled = pending
	p.removeWhereLocked(func(n Notification) bool {
		return !n.ExpirationTime.IsZero() && !now.Before(n.ExpirationTime)
	})
}
