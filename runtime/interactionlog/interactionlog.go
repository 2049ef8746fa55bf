// Package interactionlog provides a durable, append-only log of model
// interactions. Every generation call appends its prompt and response, tagged
// with provider and call type, for audit and session continuity. Appends are
// best-effort at the call site: a log failure must never block or fail the
// generation that triggered it.
package interactionlog

import (
	"context"
	"time"
)

type (
	// Entry is a single immutable interaction record.
	Entry struct {
		// RunID identifies the pipeline run that issued the call, when any.
		RunID string
		// Role is the conversational role ("user" or "assistant").
		Role string
		// Content is the prompt or response text.
		Content string
		// Provider names the backing model service (e.g. "anthropic").
		Provider string
		// CallType distinguishes reasoning, structuring and embedding calls.
		CallType string
		// Timestamp is the interaction time (UTC).
		Timestamp time.Time
	}

	// Store is an append-only interaction store. Implementations must provide
	// stable ordering within a run.
	Store interface {
		// Append stores the entry.
		Append(ctx context.Context, e *Entry) error
		// List returns up to limit entries for runID, oldest first.
		List(ctx context.Context, runID string, limit int) ([]*Entry, error)
	}
)

const (
	// CallReasoning tags open-ended reasoning calls (phase 1).
	CallReasoning = "reasoning"
	// CallStructuring tags schema-constrained calls (phase 2).
	CallStructuring = "structuring"
	// CallEmbedding tags embedding calls.
	CallEmbedding = "embedding"
)
