package genai

import "fmt"

// SchemaViolationError indicates that phase-2 structuring output failed to
// parse as the required schema. It preserves the phase-1 reasoning text and
// the raw phase-2 output so the failure can be diagnosed from the step
// record. Callers treat it as a failure of whichever step invoked the
// generator.
type SchemaViolationError struct {
	// SchemaName labels the violated schema.
	SchemaName string
	// Reasoning is the phase-1 freeform output that was being structured.
	Reasoning string
	// Raw is the non-conforming phase-2 provider output.
	Raw string
	// Cause is the parse or validation error.
	Cause error
}

// Error implements error.
func (e *SchemaViolationError) Error() string {
	return fmt.Sprintf("structured output violates schema %q: %v", e.SchemaName, e.Cause)
}

// Unwrap returns the underlying parse or validation error.
func (e *SchemaViolationError) Unwrap() error { return e.Cause }
