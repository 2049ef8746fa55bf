// Package stream defines the push-based event channel used by streaming
// clients. A producer emits an ordered sequence of envelopes on one logical
// channel tied to a run; a consumer reads them in order until a terminal
// event (complete or an unrecoverable error) closes the channel.
//
// Envelopes are transport-agnostic. The SSE encoder and decoder in this
// package implement the wire framing used by the HTTP boundary: one JSON
// object per frame, prefixed "data: " and terminated by a blank line.
// Transports such as Pulse (features/stream/pulse) carry the same envelopes
// over Redis streams between the pipeline process and the HTTP frontends.
package stream

import (
	"context"
	"encoding/json"
	"time"
)

type (
	// EventType tags an envelope. Beyond the four generic types, pipeline
	// variants emit their step names as sub-types (e.g. "brainstorm",
	// "retrieve") so clients can key progress UI off the stage.
	EventType string

	// Envelope is the wire representation of one stream event.
	Envelope struct {
		// Type is the event type tag.
		Type EventType `json:"type"`
		// RunID identifies the run that produced the event.
		RunID string `json:"run_id"`
		// Message is an optional human-readable progress message.
		Message string `json:"message,omitempty"`
		// Data is an optional structured payload.
		Data json.RawMessage `json:"data,omitempty"`
		// Timestamp records when the event was produced (UTC).
		Timestamp time.Time `json:"timestamp"`
	}

	// Sink delivers envelopes to a transport. Implementations must be safe
	// for concurrent Send calls; the runtime may stream events from multiple
	// runs through one sink.
	Sink interface {
		// Send publishes the envelope. Errors indicate transport failure and
		// are logged and swallowed by the pipeline (observability failures
		// never abort a step).
		Send(ctx context.Context, env Envelope) error
		// Close releases transport resources. Idempotent.
		Close(ctx context.Context) error
	}
)

const (
	// EventProgress reports intermediate progress.
	EventProgress EventType = "progress"
	// EventData carries a structured intermediate result.
	EventData EventType = "data"
	// EventError reports an unrecoverable failure. Terminal.
	EventError EventType = "error"
	// EventComplete carries the final payload. Terminal.
	EventComplete EventType = "complete"
)

// New builds an envelope with the current UTC timestamp.
func New(typ EventType, runID, message string, data json.RawMessage) Envelope {
	return Envelope{
		Type:      typ,
		RunID:     runID,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// Terminal reports whether the envelope closes the stream.
func (e Envelope) Terminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}
