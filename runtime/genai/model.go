// Package genai defines the model service contracts and the two-phase
// structured generation protocol.
//
// The system combines two calling patterns: open-ended reasoning against a
// model with no output constraints, and schema-constrained structuring
// against a model invoked in a strict-schema mode. The strongest reasoning
// model available does not support schema enforcement, and the model that
// does is weaker at open-ended analysis; chaining them (Generator) yields
// high-quality reasoning with guaranteed-parseable output.
package genai

import (
	"context"
	"encoding/json"
	"errors"
)

type (
	// ReasonRequest is the input to an unconstrained reasoning call.
	ReasonRequest struct {
		// Prompt is the user prompt.
		Prompt string
		// System is an optional system instruction.
		System string
	}

	// Reasoner is an unconstrained text-generation service used for
	// open-ended analysis. Implementations: features/model/anthropic,
	// features/model/bedrock.
	Reasoner interface {
		// Infer sends the prompt and returns freeform analysis text. The
		// output may be verbose, exploratory and non-JSON.
		Infer(ctx context.Context, req ReasonRequest) (string, error)
	}

	// StructureRequest is the input to a schema-constrained call.
	StructureRequest struct {
		// Prompt is the text to structure, typically phase-1 reasoning output.
		Prompt string
		// SchemaName labels the target schema for the provider.
		SchemaName string
		// Schema is the JSON Schema the output must conform to.
		Schema json.RawMessage
	}

	// Structurer is a text-generation service invoked in a mode contractually
	// forced to emit JSON conforming to a schema. The provider is expected,
	// not guaranteed, to conform; the Generator validates the result.
	// Implementation: features/model/openai.
	Structurer interface {
		// InferStructured returns the raw provider output, which the caller
		// parses and validates as JSON.
		InferStructured(ctx context.Context, req StructureRequest) (string, error)
	}

	// ReasonerFunc adapts a function to the Reasoner interface.
	ReasonerFunc func(ctx context.Context, req ReasonRequest) (string, error)

	// StructurerFunc adapts a function to the Structurer interface.
	StructurerFunc func(ctx context.Context, req StructureRequest) (string, error)
)

// Infer implements Reasoner.
func (f ReasonerFunc) Infer(ctx context.Context, req ReasonRequest) (string, error) {
	return f(ctx, req)
}

// InferStructured implements Structurer.
func (f StructurerFunc) InferStructured(ctx context.Context, req StructureRequest) (string, error) {
	return f(ctx, req)
}

// ErrRateLimited marks provider rate limiting. Adapters wrap provider errors
// with this sentinel so callers can match with errors.Is.
var ErrRateLimited = errors.New("model rate limited")
