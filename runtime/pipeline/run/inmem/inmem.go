// Package inmem provides an in-memory implementation of run.Store for testing
// and local development. Runs and step checkpoints are held in maps with no
// persistence across process restarts. Production deployments should use a
// durable backend such as features/run/mongo.
package inmem

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"goa.design/quest/runtime/pipeline/run"
)

// Store implements run.Store in memory with no durability. All operations are
// thread-safe via sync.RWMutex. Records are copied on read and write so callers
// cannot mutate stored state.
type Store struct {
	mu    sync.RWMutex
	runs  map[string]run.Record
	steps map[stepKey]run.StepRecord
}

type stepKey struct {
	runID string
	step  string
}

// New constructs an empty Store ready for use.
func New() *Store {
	return &Store{
		runs:  make(map[string]run.Record),
		steps: make(map[stepKey]run.StepRecord),
	}
}

// CreateRun persists a new run record. Returns run.ErrRunExists when the ID is
// already taken.
func (s *Store) CreateRun(_ context.Context, r run.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.ID]; ok {
		return run.ErrRunExists
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}
	s.runs[r.ID] = cloneRun(r)
	return nil
}

// LoadRun retrieves a run record by ID.
func (s *Store) LoadRun(_ context.Context, runID string) (run.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[runID]
	if !ok {
		return run.Record{}, run.ErrNotFound
	}
	return cloneRun(r), nil
}

// UpdateRun overwrites an existing run record, preserving CreatedAt.
func (s *Store) UpdateRun(_ context.Context, r run.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.runs[r.ID]
	if !ok {
		return run.ErrNotFound
	}
	r.CreatedAt = existing.CreatedAt
	r.UpdatedAt = time.Now().UTC()
	s.runs[r.ID] = cloneRun(r)
	return nil
}

// StepResult returns the checkpointed output for (runID, step) when a success
// record exists.
func (s *Store) StepResult(_ context.Context, runID, step string) (json.RawMessage, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.steps[stepKey{runID, step}]
	if !ok || rec.Status != run.StepSuccess {
		return nil, false, nil
	}
	out := make(json.RawMessage, len(rec.Output))
	copy(out, rec.Output)
	return out, true, nil
}

// CommitStep persists a successful checkpoint. Committing over an existing
// success record is a no-op, which keeps successful outputs immutable.
func (s *Store) CommitStep(_ context.Context, rec run.StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := stepKey{rec.RunID, rec.Step}
	if existing, ok := s.steps[key]; ok && existing.Status == run.StepSuccess {
		return nil
	}
	rec.Status = run.StepSuccess
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = time.Now().UTC()
	}
	s.steps[key] = cloneStep(rec)
	return nil
}

// RecordStepFailure persists a failure checkpoint unless the step already
// succeeded.
func (s *Store) RecordStepFailure(_ context.Context, rec run.StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := stepKey{rec.RunID, rec.Step}
	if existing, ok := s.steps[key]; ok && existing.Status == run.StepSuccess {
		return nil
	}
	rec.Status = run.StepFailure
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = time.Now().UTC()
	}
	s.steps[key] = cloneStep(rec)
	return nil
}

// Step returns the raw step record for inspection in tests. The boolean
// reports whether a record exists. Not part of the run.Store interface.
func (s *Store) Step(runID, step string) (run.StepRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.steps[stepKey{runID, step}]
	if !ok {
		return run.StepRecord{}, false
	}
	return cloneStep(rec), true
}

// Reset clears all stored state. Useful for test isolation.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = make(map[string]run.Record)
	s.steps = make(map[stepKey]run.StepRecord)
}

func cloneRun(r run.Record) run.Record {
	c := r
	c.Steps = append([]string(nil), r.Steps...)
	c.Params = append(json.RawMessage(nil), r.Params...)
	c.Result = append(json.RawMessage(nil), r.Result...)
	return c
}

func cloneStep(rec run.StepRecord) run.StepRecord {
	c := rec
	c.Output = append(json.RawMessage(nil), rec.Output...)
	return c
}
