package history

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type blockingBackend struct {
	mu      sync.Mutex
	saves   []*Snapshot
	entered chan struct{}
	release chan struct{}
	saveErr error
}

func newBlockingBackend() *blockingBackend {
	return &blockingBackend{
		entered: make(chan struct{}, 16),
		release: make(chan struct{}),
	}
}

func (b *blockingBackend) Load(_ context.Context) (*Snapshot, error) {
	return nil, corruptf("not loadable")
}

func (b *blockingBackend) Save(_ context.Context, snapshot *Snapshot) error {
	b.entered <- struct{}{}
	<-b.release
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.saveErr != nil {
		return b.saveErr
	}
	b.saves = append(b.saves, snapshot)
	return nil
}

func (b *blockingBackend) Delete(_ context.Context) error {
	return nil
}

func (b *blockingBackend) saveCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.saves)
}

func newTestSaver(backend StateBackend, onFault func(error)) *saver {
	return &saver{
		backend: backend,
		logger:  slog.New(slog.DiscardHandler),
		onFault: onFault,
	}
}

func drainSaver(t *testing.T, s *saver) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
}

func TestSaverCoalescesRequestsWhileInFlight(t *testing.T) {
	backend := newBlockingBackend()
	s := newTestSaver(backend, nil)
	g := newGeneration(1, nil)
	s.setCurrent(g)

	s.saveWithoutWaiting(g)
	<-backend.entered

	for _, tag := range []string{"a", "b", "c", "d", "e"} {
		state := g.stage()
		state.insert(ChangeRecord{Tag: tag, ExpirationTime: FarFuture})
		g.commit(state)
		s.saveWithoutWaiting(g)
	}
	close(backend.release)
	drainSaver(t, s)

	if got := backend.saveCount(); got != 2 {
		t.Fatalf("expected one save plus one trailing save, got %d", got)
	}
	last := backend.saves[len(backend.saves)-1]
	if len(last.Records) != 5 || last.NextUniqueID != 6 {
		t.Fatalf("expected trailing save to carry the latest state, got %+v", last)
	}
}

func TestSaverIgnoresSupersededGeneration(t *testing.T) {
	backend := newBlockingBackend()
	close(backend.release)
	s := newTestSaver(backend, nil)
	old := newGeneration(1, nil)
	s.setCurrent(newGeneration(2, nil))

	s.saveWithoutWaiting(old)
	drainSaver(t, s)
	if got := backend.saveCount(); got != 0 {
		t.Fatalf("expected no save for a superseded generation, got %d", got)
	}
	if err := s.saveNow(context.Background(), old); !errors.Is(err, errGenerationSuperseded) {
		t.Fatalf("expected superseded error, got %v", err)
	}
}

func TestSaverDeleteWaitsForInFlightSave(t *testing.T) {
	backend := newBlockingBackend()
	s := newTestSaver(backend, nil)
	g := newGeneration(1, nil)
	s.setCurrent(g)

	s.saveWithoutWaiting(g)
	<-backend.entered

	deleted := make(chan error, 1)
	go func() { deleted <- s.deleteAll(context.Background()) }()
	select {
	case <-deleted:
		t.Fatalf("delete completed while a save held the gate")
	case <-time.After(50 * time.Millisecond):
	}
	close(backend.release)
	if err := <-deleted; err != nil {
		t.Fatalf("delete: %v", err)
	}
	if s.currentGeneration() != nil {
		t.Fatalf("expected delete to drop the current generation")
	}
	drainSaver(t, s)
}

func TestSaverFailureReportsFaultForCurrentGeneration(t *testing.T) {
	backend := newBlockingBackend()
	backend.saveErr = errors.New("read-only filesystem")
	close(backend.release)

	var faults []error
	s := newTestSaver(backend, func(err error) { faults = append(faults, err) })
	g := newGeneration(1, nil)
	s.setCurrent(g)

	s.saveWithoutWaiting(g)
	drainSaver(t, s)

	if len(faults) != 1 {
		t.Fatalf("expected one fault, got %v", faults)
	}
	if s.currentGeneration() != nil {
		t.Fatalf("expected failed generation to be dropped")
	}
}

func TestGenerationStageIsIsolatedUntilCommit(t *testing.T) {
	g := newGeneration(1, &Snapshot{NextUniqueID: 3, Records: []ChangeRecord{
		{UniqueID: 1, Tag: "a", ExpirationTime: FarFuture},
		{UniqueID: 2, Tag: "b", ExpirationTime: FarFuture},
	}})

	staged := g.stage()
	staged.deleteWhere(func(record ChangeRecord) bool { return record.Tag == "a" })
	inserted := staged.insert(ChangeRecord{Tag: "c", ExpirationTime: FarFuture})
	if inserted.UniqueID != 3 {
		t.Fatalf("expected next unique id 3, got %d", inserted.UniqueID)
	}
	if got := len(g.view()); got != 2 {
		t.Fatalf("staged changes leaked before commit: %d records", got)
	}

	g.commit(staged)
	snapshot := g.snapshot()
	if len(snapshot.Records) != 2 || snapshot.NextUniqueID != 4 {
		t.Fatalf("unexpected committed snapshot %+v", snapshot)
	}
	if staged.indexOf(1) != -1 || staged.indexOf(3) != 1 {
		t.Fatalf("unexpected staged layout %+v", staged.records)
	}
}
