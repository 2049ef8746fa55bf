// Package mongo implements run.Store on MongoDB. The checkpoint write-once
// guarantee comes from the unique (run_id, step) index plus a success-guarded
// upsert filter owned by the client subpackage.
package mongo

import (
	"context"
	"encoding/json"
	"errors"

	mongoc "goa.design/quest/features/run/mongo/clients/mongo"
	"goa.design/quest/runtime/pipeline/run"
)

// Store implements run.Store by delegating to the Mongo client.
type Store struct {
	client mongoc.Client
}

// NewStore builds a Store using the provided client.
func NewStore(client mongoc.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// CreateRun persists a new run record.
func (s *Store) CreateRun(ctx context.Context, r run.Record) error {
	return s.client.InsertRun(ctx, r)
}

// LoadRun retrieves a run record.
func (s *Store) LoadRun(ctx context.Context, runID string) (run.Record, error) {
	return s.client.LoadRun(ctx, runID)
}

// UpdateRun overwrites the mutable fields of an existing run record.
func (s *Store) UpdateRun(ctx context.Context, r run.Record) error {
	return s.client.ReplaceRun(ctx, r)
}

// StepResult returns the checkpointed output for (runID, step) when a success
// record exists.
func (s *Store) StepResult(ctx context.Context, runID, step string) (json.RawMessage, bool, error) {
	rec, ok, err := s.client.FindStepSuccess(ctx, runID, step)
	if err != nil || !ok {
		return nil, false, err
	}
	return rec.Output, true, nil
}

// CommitStep atomically persists a successful step checkpoint.
func (s *Store) CommitStep(ctx context.Context, rec run.StepRecord) error {
	return s.client.CommitStep(ctx, rec)
}

// RecordStepFailure persists a failure checkpoint for diagnostics.
func (s *Store) RecordStepFailure(ctx context.Context, rec run.StepRecord) error {
	return s.client.UpsertStepFailure(ctx, rec)
}
