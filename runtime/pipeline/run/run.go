// Package run defines the persistent data model for pipeline executions.
//
// A Record tracks one durable pipeline run: which pipeline variant it
// executes, the caller-supplied parameters, the fixed step sequence, and the
// coarse lifecycle status. A StepRecord is the checkpoint for one (run, step)
// pair. Once a StepRecord reaches StepSuccess its output is immutable and the
// step function is never invoked again for that run — this is the property
// that makes resuming a crashed run safe and cheap.
package run

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

type (
	// Kind identifies a pipeline variant. Each kind maps to a fixed, named
	// sequence of steps; control flow is deterministic and replayable.
	Kind string

	// Status is the coarse lifecycle state of a run. Between StatusQueued and
	// the terminal states the status carries the name of the step currently
	// executing, so polling clients can display fine-grained progress.
	Status string

	// StepStatus is the lifecycle state of a single step checkpoint.
	StepStatus string

	// Record is the durable metadata for one pipeline run. Records are created
	// on submission, mutated only by the executor as steps complete, and never
	// deleted (they are retained for audit and replay).
	Record struct {
		// ID uniquely identifies the run. Caller-supplied or generated.
		ID string
		// Kind selects the pipeline variant executed by this run.
		Kind Kind
		// Params is the opaque input payload supplied on submission.
		Params json.RawMessage
		// Steps is the ordered list of step names the run executes.
		Steps []string
		// StepIndex is the index of the step currently executing (or the next
		// step to execute when the run is resumed).
		StepIndex int
		// Status is the current lifecycle state. While running it holds the
		// name of the executing step.
		Status Status
		// Result holds the final artifact persisted by the terminal step.
		Result json.RawMessage
		// CreatedAt records when the run was submitted.
		CreatedAt time.Time
		// UpdatedAt records the last mutation time.
		UpdatedAt time.Time
	}

	// StepRecord is the checkpoint for one (run, step) pair.
	StepRecord struct {
		// RunID identifies the owning run.
		RunID string
		// Step is the step name within the run's sequence.
		Step string
		// Status is the checkpoint state.
		Status StepStatus
		// Output is the serialized step output. Immutable once Status is
		// StepSuccess.
		Output json.RawMessage
		// Error holds the failure message when Status is StepFailure.
		Error string
		// Attempts counts how many times the step function was invoked.
		Attempts int
		// StartedAt records when the most recent attempt began.
		StartedAt time.Time
		// CompletedAt records when the step reached a terminal status.
		CompletedAt time.Time
	}

	// Store persists runs and step checkpoints. Implementations must support
	// concurrent writers across different run IDs without cross-run locking,
	// and CommitStep must be atomic: a partially written success checkpoint
	// must never be observable.
	Store interface {
		// CreateRun persists a new run record. Returns ErrRunExists when a
		// record with the same ID already exists.
		CreateRun(ctx context.Context, r Record) error

		// LoadRun retrieves a run record. Returns ErrNotFound when absent.
		LoadRun(ctx context.Context, runID string) (Record, error)

		// UpdateRun overwrites the mutable fields of an existing run record.
		UpdateRun(ctx context.Context, r Record) error

		// StepResult returns the checkpointed output for (runID, step) when a
		// success record exists. The boolean reports whether such a record was
		// found.
		StepResult(ctx context.Context, runID, step string) (json.RawMessage, bool, error)

		// CommitStep atomically persists a successful step checkpoint. The
		// commit is write-once: committing a step that already has a success
		// record is a no-op, never an overwrite.
		CommitStep(ctx context.Context, rec StepRecord) error

		// RecordStepFailure persists a failure checkpoint for diagnostics. A
		// later successful attempt replaces it via CommitStep.
		RecordStepFailure(ctx context.Context, rec StepRecord) error
	}
)

const (
	// KindResearch is the research-and-report pipeline.
	KindResearch Kind = "research"
	// KindCodeFix is the automated code fix pipeline.
	KindCodeFix Kind = "codefix"
	// KindDocGov is the documentation governance pipeline.
	KindDocGov Kind = "docgov"
	// KindIngest is the content ingestion pipeline.
	KindIngest Kind = "ingest"
)

const (
	// StatusQueued indicates the run has been accepted but no step has started.
	StatusQueued Status = "queued"
	// StatusRunning indicates the run is actively executing. The per-step
	// statuses (the step names themselves) refine this state.
	StatusRunning Status = "running"
	// StatusCompleted indicates the run finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the run failed permanently at its current step.
	StatusFailed Status = "failed"
)

const (
	// StepPending indicates the step has not produced a terminal result.
	StepPending StepStatus = "pending"
	// StepSuccess indicates the step completed and its output is checkpointed.
	StepSuccess StepStatus = "success"
	// StepFailure indicates the most recent attempt failed.
	StepFailure StepStatus = "failure"
)

var (
	// ErrNotFound indicates that no run exists for the given identifier.
	ErrNotFound = errors.New("run not found")
	// ErrRunExists indicates that a run with the given identifier already exists.
	ErrRunExists = errors.New("run already exists")
)

// Terminal reports whether s is a terminal run status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ValidKind reports whether k names a known pipeline variant.
func ValidKind(k Kind) bool {
	switch k {
	case KindResearch, KindCodeFix, KindDocGov, KindIngest:
		return true
	}
	return false
}
