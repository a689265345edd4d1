package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"

	"github.com/agentworkforce/notifytrack/internal/lockq"
)

type Options struct {
	StateBackend StateBackend
	HealthFlag   HealthFlag
	Clock        clock.Clock
	Logger       *slog.Logger
	Metrics      *Metrics

	// IncludePayload stores the notification payload with each record.
	IncludePayload bool
	// IncludePayloadArguments stores the launch arguments with each record;
	// MarkActivated relies on them.
	IncludePayloadArguments bool
	// DistinguishRemovalCause reports Expired vs DismissedByUser instead of
	// an unspecified removal.
	DistinguishRemovalCause bool

	// OnReconciled is called, under the tracker lock, after every
	// reconciliation with the number of unaccepted changes. It must not
	// block.
	OnReconciled func(pending int)
}

// Tracker records the notifications it shows and infers the ones it did
// not, by diffing stored state against platform snapshots. All store and
// health access happens while holding the tracker's FIFO lock.
type Tracker struct {
	platform     Platform
	backend      StateBackend
	health       HealthFlag
	clock        clock.Clock
	logger       *slog.Logger
	metrics      *Metrics
	policy       reconcilePolicy
	onReconciled func(pending int)

	lock   *lockq.Queue
	saver  *saver
	genSeq atomic.Uint64

	faultMu   sync.Mutex
	lastFault *TrackingFault
}

func NewTracker(platform Platform, opts Options) (*Tracker, error) {
	if platform == nil {
		return nil, fmt.Errorf("%w: platform is required", ErrInvalidInput)
	}
	if opts.StateBackend == nil {
		return nil, fmt.Errorf("%w: state backend is required", ErrInvalidInput)
	}
	if opts.HealthFlag == nil {
		opts.HealthFlag = NewMemoryHealthFlag()
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	t := &Tracker{
		platform: platform,
		backend:  opts.StateBackend,
		health:   opts.HealthFlag,
		clock:    opts.Clock,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		policy: reconcilePolicy{
			distinguishCause: opts.DistinguishRemovalCause,
			includePayload:   opts.IncludePayload,
			includeArguments: opts.IncludePayloadArguments,
		},
		onReconciled: opts.OnReconciled,
		lock:         lockq.New(),
	}
	t.saver = &saver{
		backend: opts.StateBackend,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		onFault: func(err error) { t.recordFault("save", err) },
	}
	return t, nil
}

// Healthy reports whether tracking is currently trusted.
func (t *Tracker) Healthy() bool {
	return t.health.IsGood()
}

// LastFault returns the most recent bookkeeping failure, or nil when
// tracking has been healthy since the last reset.
func (t *Tracker) LastFault() *TrackingFault {
	t.faultMu.Lock()
	defer t.faultMu.Unlock()
	return t.lastFault
}

// Drain waits for any in-flight background save to finish.
func (t *Tracker) Drain(ctx context.Context) error {
	return t.saver.drain(ctx)
}

// Enable starts tracking from the platform's current state. It does nothing
// when tracking is already healthy.
func (t *Tracker) Enable(ctx context.Context) error {
	guard, err := t.lock.Acquire(ctx)
	if err != nil {
		return err
	}
	defer guard.Release()
	if t.health.IsGood() {
		return nil
	}
	return t.createLocked(ctx, "enable")
}

// Reset discards all tracked history and re-baselines from the platform.
func (t *Tracker) Reset(ctx context.Context) error {
	guard, err := t.lock.Acquire(ctx)
	if err != nil {
		return err
	}
	defer guard.Release()
	return t.createLocked(ctx, "reset")
}

// Sync runs one reconciliation pass. It returns a *PlatformError when the
// snapshot query fails and a *TrackingFault when the store could not be
// loaded.
func (t *Tracker) Sync(ctx context.Context) error {
	guard, err := t.lock.Acquire(ctx)
	if err != nil {
		return err
	}
	defer guard.Release()
	if !t.health.IsGood() {
		return nil
	}
	_, err = t.syncLocked(ctx)
	return err
}

// OpenReader reconciles and captures the unaccepted changes at this instant.
func (t *Tracker) OpenReader(ctx context.Context) (*Reader, error) {
	guard, err := t.lock.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer guard.Release()

	now := t.now()
	if !t.health.IsGood() {
		return newLostReader(t, now), nil
	}
	g, err := t.syncLocked(ctx)
	if err != nil {
		var platformErr *PlatformError
		if errors.As(err, &platformErr) {
			return nil, err
		}
		return newLostReader(t, now), nil
	}

	// Records reconciled just now are dated after the instant taken above.
	now = t.now()
	var captured []ChangeRecord
	for _, record := range g.view() {
		if record.Status == StatusCommitted || record.DateAdded.After(now) {
			continue
		}
		captured = append(captured, record)
	}
	sortRecordsForPresentation(captured)
	return &Reader{tracker: t, gen: g.seq, records: captured, openedAt: now}, nil
}

// Show displays n and records it as committed, replacing any earlier
// record of the same identity. A notification without a tag gets a
// generated one; the shown notification is returned either way.
func (t *Tracker) Show(ctx context.Context, n Notification, additionalData string) (Notification, error) {
	if n.Tag == "" {
		n.Tag = generateTag()
	}
	err := t.trackedMutation(ctx, "show",
		func(state *generationState, now time.Time) bool {
			state.deleteWhere(func(record ChangeRecord) bool {
				return record.Identity() == n.Identity() && !record.DateAdded.After(now)
			})
			state.insert(newChangeRecord(n, StatusCommitted, now, additionalData, t.policy))
			return true
		},
		func(ctx context.Context) error {
			return t.platform.Show(ctx, n)
		},
	)
	return n, err
}

// Remove removes the notification with exactly this identity. An empty
// group only matches notifications without a group.
func (t *Tracker) Remove(ctx context.Context, tag, group string) error {
	if tag == "" {
		return fmt.Errorf("%w: tag is required", ErrInvalidInput)
	}
	id := Identity{Tag: tag, Group: group}
	return t.trackedMutation(ctx, "remove",
		func(state *generationState, now time.Time) bool {
			return state.deleteWhere(func(record ChangeRecord) bool {
				return record.Identity() == id && !record.DateAdded.After(now)
			}) > 0
		},
		func(ctx context.Context) error {
			return t.platform.Remove(ctx, tag, group)
		},
	)
}

func (t *Tracker) RemoveGroup(ctx context.Context, group string) error {
	if group == "" {
		return fmt.Errorf("%w: group is required", ErrInvalidInput)
	}
	return t.trackedMutation(ctx, "remove_group",
		func(state *generationState, now time.Time) bool {
			return state.deleteWhere(func(record ChangeRecord) bool {
				return record.Group == group && !record.DateAdded.After(now)
			}) > 0
		},
		func(ctx context.Context) error {
			return t.platform.RemoveGroup(ctx, group)
		},
	)
}

func (t *Tracker) Clear(ctx context.Context) error {
	return t.trackedMutation(ctx, "clear",
		func(state *generationState, now time.Time) bool {
			return state.deleteWhere(func(record ChangeRecord) bool {
				return !record.DateAdded.After(now)
			}) > 0
		},
		func(ctx context.Context) error {
			return t.platform.Clear(ctx)
		},
	)
}

// Schedule records a committed entry dated at the delivery time, so the
// notification is not reported as a push once the platform delivers it.
func (t *Tracker) Schedule(ctx context.Context, n ScheduledNotification, additionalData string) (ScheduledNotification, error) {
	if n.DeliveryTime.IsZero() {
		return n, fmt.Errorf("%w: delivery time is required", ErrInvalidInput)
	}
	if n.Tag == "" {
		n.Tag = generateTag()
	}
	err := t.trackedMutation(ctx, "schedule",
		func(state *generationState, _ time.Time) bool {
			record := newChangeRecord(n.Notification, StatusCommitted, n.DeliveryTime.UTC(), additionalData, t.policy)
			state.insert(record)
			return true
		},
		func(ctx context.Context) error {
			return t.platform.Schedule(ctx, n)
		},
	)
	return n, err
}

// Unschedule cancels a scheduled notification that has not been delivered
// yet.
func (t *Tracker) Unschedule(ctx context.Context, n ScheduledNotification) error {
	if n.Tag == "" {
		return fmt.Errorf("%w: tag is required", ErrInvalidInput)
	}
	delivery := n.DeliveryTime.UTC()
	return t.trackedMutation(ctx, "unschedule",
		func(state *generationState, now time.Time) bool {
			if !delivery.After(now) {
				return false
			}
			return state.deleteWhere(func(record ChangeRecord) bool {
				return record.Identity() == n.Identity() &&
					record.Status == StatusCommitted &&
					record.DateAdded.Equal(delivery)
			}) > 0
		},
		func(ctx context.Context) error {
			return t.platform.Unschedule(ctx, n)
		},
	)
}

// MarkActivated consumes every record carrying these launch arguments and
// returns the newest one. It reports false when tracking is unhealthy or
// nothing matches.
func (t *Tracker) MarkActivated(ctx context.Context, arguments string) (Change, bool, error) {
	if arguments == "" {
		return Change{}, false, fmt.Errorf("%w: arguments are required", ErrInvalidInput)
	}
	guard, err := t.lock.Acquire(ctx)
	if err != nil {
		return Change{}, false, err
	}
	defer guard.Release()
	if !t.health.IsGood() {
		return Change{}, false, nil
	}
	g, err := t.loadLocked(ctx)
	if err != nil {
		return Change{}, false, t.markCorrupt("mark_activated", err)
	}

	now := t.now()
	state := g.stage()
	var newest *ChangeRecord
	for i := range state.records {
		record := state.records[i]
		if record.PayloadArguments != arguments || record.DateAdded.After(now) {
			continue
		}
		if newest == nil || !record.DateAdded.Before(newest.DateAdded) {
			newest = &record
		}
	}
	if newest == nil {
		return Change{}, false, nil
	}
	state.deleteWhere(func(record ChangeRecord) bool {
		return record.PayloadArguments == arguments && !record.DateAdded.After(now)
	})
	g.commit(state)
	t.saver.saveWithoutWaiting(g)
	return changeFromRecord(*newest), true, nil
}

// CheckStoreFile marks the store corrupt when path no longer exists.
// StoreWatcher calls it after filesystem events.
func (t *Tracker) CheckStoreFile(ctx context.Context, path string) error {
	guard, err := t.lock.Acquire(ctx)
	if err != nil {
		return err
	}
	defer guard.Release()
	if !t.health.IsGood() {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		t.markCorrupt("watch", corruptf("collection %s removed externally", path))
	}
	return nil
}

// trackedMutation applies bookkeeping to a staged copy, runs the platform
// action, and publishes the copy only if the action succeeded. When
// bookkeeping is impossible the action still runs.
func (t *Tracker) trackedMutation(
	ctx context.Context,
	op string,
	mutate func(state *generationState, now time.Time) bool,
	action func(ctx context.Context) error,
) error {
	guard, err := t.lock.Acquire(ctx)
	if err != nil {
		return err
	}
	defer guard.Release()

	var (
		g       *generation
		staged  *generationState
		changed bool
	)
	if t.health.IsGood() {
		loaded, loadErr := t.loadLocked(ctx)
		if loadErr != nil {
			t.markCorrupt(op, loadErr)
		} else {
			g = loaded
			staged = g.stage()
			changed = mutate(staged, t.now())
		}
	}

	if err := action(ctx); err != nil {
		t.metrics.observePlatformError(op)
		t.logger.Warn("platform action failed", "op", op, "err", err)
		return &PlatformError{Op: op, Err: err}
	}
	if changed {
		g.commit(staged)
		t.saver.saveWithoutWaiting(g)
	}
	return nil
}

func (t *Tracker) syncLocked(ctx context.Context) (*generation, error) {
	g, err := t.loadLocked(ctx)
	if err != nil {
		return nil, t.markCorrupt("sync", err)
	}
	active, err := t.platform.ActiveSnapshot(ctx)
	if err != nil {
		t.metrics.observePlatformError("snapshot")
		return nil, &PlatformError{Op: "snapshot", Err: err}
	}

	now := t.now()
	state := g.stage()
	result := reconcile(state, active, now, t.policy)
	if result.changed() {
		g.commit(state)
		t.saver.saveWithoutWaiting(g)
		t.logger.Info("reconciled platform snapshot",
			"generation", g.seq,
			"added", result.added,
			"removed", result.removed,
			"dropped", result.dropped,
			"dupes", result.dupes,
		)
	}

	pending := 0
	for _, record := range state.records {
		if record.Status != StatusCommitted && !record.DateAdded.After(now) {
			pending++
		}
	}
	t.metrics.observeReconcile(result, pending)
	if t.onReconciled != nil {
		t.onReconciled(pending)
	}
	return g, nil
}

func (t *Tracker) loadLocked(ctx context.Context) (*generation, error) {
	if g := t.saver.currentGeneration(); g != nil {
		return g, nil
	}
	snapshot, err := t.backend.Load(ctx)
	if err != nil {
		if !errors.Is(err, ErrStoreCorrupt) {
			err = fmt.Errorf("%w: %v", ErrStoreCorrupt, err)
		}
		return nil, err
	}
	g := newGeneration(t.genSeq.Add(1), snapshot)
	t.saver.setCurrent(g)
	return g, nil
}

// createLocked wipes the collection and seeds it with everything the
// platform currently shows or has scheduled, all committed. It is the only
// path that marks tracking healthy.
func (t *Tracker) createLocked(ctx context.Context, op string) error {
	active, err := t.platform.ActiveSnapshot(ctx)
	if err != nil {
		t.metrics.observePlatformError("snapshot")
		return &PlatformError{Op: "snapshot", Err: err}
	}
	scheduled, err := t.platform.ScheduledSnapshot(ctx)
	if err != nil {
		t.metrics.observePlatformError("scheduled_snapshot")
		return &PlatformError{Op: "scheduled_snapshot", Err: err}
	}

	if err := t.health.SetGood(false); err != nil {
		t.logger.Warn("failed to clear health flag", "op", op, "err", err)
	}
	now := t.now()
	state := &generationState{nextID: 1}
	for _, n := range active {
		if n.Tag == "" {
			continue
		}
		state.insert(newChangeRecord(n, StatusCommitted, now, "", t.policy))
	}
	for _, s := range scheduled {
		if s.Tag == "" {
			continue
		}
		state.insert(newChangeRecord(s.Notification, StatusCommitted, s.DeliveryTime.UTC(), "", t.policy))
	}

	if err := t.saver.deleteAll(ctx); err != nil {
		return t.markCorrupt(op, err)
	}
	g := newGeneration(t.genSeq.Add(1), nil)
	g.commit(state)
	t.saver.setCurrent(g)
	if err := t.saver.saveNow(ctx, g); err != nil {
		return t.markCorrupt(op, err)
	}
	if err := t.health.SetGood(true); err != nil {
		return t.markCorrupt(op, err)
	}

	t.faultMu.Lock()
	t.lastFault = nil
	t.faultMu.Unlock()
	t.logger.Info("change tracking baselined", "op", op, "generation", g.seq, "records", len(state.records))
	return nil
}

// markCorrupt drops the cached generation and records the fault. The
// returned fault is for callers that have no platform outcome to report.
func (t *Tracker) markCorrupt(op string, err error) *TrackingFault {
	t.saver.invalidate()
	return t.recordFault(op, err)
}

func (t *Tracker) recordFault(op string, err error) *TrackingFault {
	fault := &TrackingFault{Op: op, Err: err}
	if setErr := t.health.SetGood(false); setErr != nil {
		t.logger.Error("failed to persist corrupt health flag", "op", op, "err", setErr)
	}
	t.faultMu.Lock()
	t.lastFault = fault
	t.faultMu.Unlock()
	t.metrics.observeFault(op)
	t.logger.Error("change tracking lost", "op", op, "err", err)
	return fault
}

func (t *Tracker) now() time.Time {
	return t.clock.Now().UTC()
}
