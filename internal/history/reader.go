package history

import (
	"context"
	"time"
)

// Reader is a point-in-time view of the unaccepted changes. Accepting
// applies only to the changes the reader captured; anything that happened
// after OpenReader stays pending for the next reader.
type Reader struct {
	tracker  *Tracker
	lost     bool
	gen      uint64
	records  []ChangeRecord
	openedAt time.Time
}

func newLostReader(t *Tracker, openedAt time.Time) *Reader {
	return &Reader{tracker: t, lost: true, openedAt: openedAt}
}

// TrackingLost reports whether the reader only carries the tracking-lost
// sentinel.
func (r *Reader) TrackingLost() bool {
	return r.lost
}

func (r *Reader) OpenedAt() time.Time {
	return r.openedAt
}

// ReadChanges returns the captured changes in presentation order. It never
// touches the store.
func (r *Reader) ReadChanges(ctx context.Context) ([]Change, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.lost {
		return []Change{{Type: ChangeTrackingLost, DateAdded: r.openedAt}}, nil
	}
	changes := make([]Change, 0, len(r.records))
	for _, record := range r.records {
		changes = append(changes, changeFromRecord(record))
	}
	return changes, nil
}

// AcceptChanges commits the captured pushes and forgets the captured
// removals. It does nothing for a tracking-lost reader; the consumer must
// call Reset instead.
func (r *Reader) AcceptChanges(ctx context.Context) error {
	if r.lost || len(r.records) == 0 {
		return nil
	}
	t := r.tracker
	guard, err := t.lock.Acquire(ctx)
	if err != nil {
		return err
	}
	defer guard.Release()
	if !t.health.IsGood() {
		return nil
	}
	g, err := t.loadLocked(ctx)
	if err != nil {
		return t.markCorrupt("accept", err)
	}
	if g.seq != r.gen {
		// The collection was reset after this reader was opened.
		return nil
	}

	state := g.stage()
	removed := map[int64]struct{}{}
	changed := false
	for _, captured := range r.records {
		switch captured.Status {
		case StatusAddedViaPush:
			i := state.indexOf(captured.UniqueID)
			if i < 0 || !sameRecord(state.records[i], captured) {
				continue
			}
			state.records[i].Status = StatusCommitted
			changed = true
		case StatusRemoved:
			if i := state.indexOf(captured.UniqueID); i >= 0 && sameRecord(state.records[i], captured) {
				removed[captured.UniqueID] = struct{}{}
			}
		}
	}
	if len(removed) > 0 {
		if state.deleteWhere(func(record ChangeRecord) bool {
			_, ok := removed[record.UniqueID]
			return ok
		}) > 0 {
			changed = true
		}
	}
	if !changed {
		return nil
	}
	g.commit(state)
	t.saver.saveWithoutWaiting(g)
	t.logger.Debug("accepted changes", "generation", g.seq, "count", len(r.records))
	return nil
}

func sameRecord(current, captured ChangeRecord) bool {
	return current.Status == captured.Status &&
		current.Identity() == captured.Identity() &&
		current.DateAdded.Equal(captured.DateAdded)
}
