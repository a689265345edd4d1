package history

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var errGenerationSuperseded = errors.New("generation superseded")

// generationState is a working copy of the collection. Operations mutate a
// staged copy and publish it with commit, so the background saver only ever
// sees committed states.
type generationState struct {
	records []ChangeRecord
	nextID  int64
}

func (s *generationState) insert(record ChangeRecord) ChangeRecord {
	if s.nextID <= 0 {
		s.nextID = 1
	}
	record.UniqueID = s.nextID
	s.nextID++
	s.records = append(s.records, record)
	return record
}

func (s *generationState) deleteWhere(match func(ChangeRecord) bool) int {
	kept := s.records[:0]
	deleted := 0
	for _, record := range s.records {
		if match(record) {
			deleted++
			continue
		}
		kept = append(kept, record)
	}
	s.records = kept
	return deleted
}

func (s *generationState) indexOf(uniqueID int64) int {
	for i := range s.records {
		if s.records[i].UniqueID == uniqueID {
			return i
		}
	}
	return -1
}

// generation is one loaded incarnation of the collection. Reset replaces it
// with a new one; saves addressed to an old generation are abandoned.
type generation struct {
	seq uint64

	mu    sync.Mutex
	state generationState
}

func newGeneration(seq uint64, snapshot *Snapshot) *generation {
	g := &generation{seq: seq}
	if snapshot != nil {
		g.state.records = cloneRecords(snapshot.Records)
		g.state.nextID = snapshot.NextUniqueID
	}
	if g.state.nextID <= 0 {
		g.state.nextID = 1
	}
	return g
}

func (g *generation) stage() *generationState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return &generationState{
		records: cloneRecords(g.state.records),
		nextID:  g.state.nextID,
	}
}

func (g *generation) commit(state *generationState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = generationState{
		records: cloneRecords(state.records),
		nextID:  state.nextID,
	}
}

func (g *generation) view() []ChangeRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	return cloneRecords(g.state.records)
}

func (g *generation) snapshot() *Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	records := cloneRecords(g.state.records)
	if records == nil {
		records = []ChangeRecord{}
	}
	return &Snapshot{
		Version:      snapshotVersion,
		NextUniqueID: g.state.nextID,
		Records:      records,
	}
}

// saver owns the current generation pointer and coalesces background saves
// of it. At most one save runs at a time; requests that arrive meanwhile
// collapse into a single trailing save.
type saver struct {
	backend StateBackend
	logger  *slog.Logger
	metrics *Metrics
	onFault func(err error)

	// gate serializes backend writes with Delete, so an abandoned save can
	// never land after the collection was wiped.
	gate sync.Mutex

	mu               sync.Mutex
	current          *generation
	inFlight         chan struct{}
	needsAnotherSave bool
}

func (s *saver) currentGeneration() *generation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *saver) setCurrent(g *generation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = g
}

func (s *saver) isCurrent(g *generation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return g != nil && s.current == g
}

// invalidate forgets the current generation so the next operation reloads
// from the backend.
func (s *saver) invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = nil
	s.needsAnotherSave = false
}

func (s *saver) saveWithoutWaiting(g *generation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g == nil || s.current != g {
		return
	}
	if s.inFlight != nil {
		s.needsAnotherSave = true
		s.metrics.observeSave("coalesced")
		return
	}
	done := make(chan struct{})
	s.inFlight = done
	go s.run(g, done)
}

func (s *saver) run(g *generation, done chan struct{}) {
	for {
		err := s.writeIfCurrent(context.Background(), g)
		failed := false
		switch {
		case errors.Is(err, errGenerationSuperseded):
			s.metrics.observeSave("superseded")
			s.logger.Debug("abandoned save of superseded generation", "generation", g.seq)
		case err != nil:
			failed = true
			s.metrics.observeSave("error")
			s.mu.Lock()
			if s.current == g {
				s.current = nil
				if s.onFault != nil {
					s.onFault(err)
				}
			}
			s.mu.Unlock()
		default:
			s.metrics.observeSave("ok")
		}

		s.mu.Lock()
		if s.needsAnotherSave && s.current != nil && !failed {
			s.needsAnotherSave = false
			g = s.current
			s.mu.Unlock()
			continue
		}
		s.needsAnotherSave = false
		s.inFlight = nil
		close(done)
		s.mu.Unlock()
		return
	}
}

func (s *saver) writeIfCurrent(ctx context.Context, g *generation) error {
	s.gate.Lock()
	defer s.gate.Unlock()
	if !s.isCurrent(g) {
		return errGenerationSuperseded
	}
	return s.backend.Save(ctx, g.snapshot())
}

// saveNow writes g synchronously.
func (s *saver) saveNow(ctx context.Context, g *generation) error {
	err := s.writeIfCurrent(ctx, g)
	if err == nil {
		s.metrics.observeSave("ok")
	} else if !errors.Is(err, errGenerationSuperseded) {
		s.metrics.observeSave("error")
	}
	return err
}

// deleteAll supersedes the current generation and wipes the persisted
// collection.
func (s *saver) deleteAll(ctx context.Context) error {
	s.gate.Lock()
	defer s.gate.Unlock()
	s.invalidate()
	return s.backend.Delete(ctx)
}

// drain blocks until no save is in flight.
func (s *saver) drain(ctx context.Context) error {
	for {
		s.mu.Lock()
		done := s.inFlight
		s.mu.Unlock()
		if done == nil {
			return nil
		}
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
