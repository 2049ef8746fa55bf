package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"goa.design/clue/log"

	"goa.design/quest/runtime/interactionlog"
)

type (
	// Options configures a Generator.
	Options struct {
		// Reasoner handles phase-1 open-ended calls. Required.
		Reasoner Reasoner
		// Structurer handles phase-2 schema-constrained calls. Required for
		// GenerateStructured.
		Structurer Structurer
		// Log receives interaction entries. Optional; appends are
		// fire-and-forget and never fail a generation call.
		Log interactionlog.Store
		// ReasonerName tags log entries with the phase-1 provider.
		ReasonerName string
		// StructurerName tags log entries with the phase-2 provider.
		StructurerName string
	}

	// Generator turns prompts into schema-valid structured data using two
	// chained model calls: unconstrained reasoning followed by strict-schema
	// structuring.
	Generator struct {
		reasoner   Reasoner
		structurer Structurer
		ilog       interactionlog.Store
		rname      string
		sname      string
	}

	// StructuredRequest is the input to GenerateStructured.
	StructuredRequest struct {
		// Prompt is the caller's prompt.
		Prompt string
		// System is an optional system instruction for phase 1.
		System string
		// SchemaName labels the target schema.
		SchemaName string
		// Schema is the JSON Schema the result must satisfy.
		Schema json.RawMessage
		// RunID tags interaction log entries. Optional.
		RunID string
	}
)

// New constructs a Generator.
func New(opts Options) (*Generator, error) {
	if opts.Reasoner == nil {
		return nil, errors.New("reasoner is required")
	}
	rname := opts.ReasonerName
	if rname == "" {
		rname = "reasoner"
	}
	sname := opts.StructurerName
	if sname == "" {
		sname = "structurer"
	}
	return &Generator{
		reasoner:   opts.Reasoner,
		structurer: opts.Structurer,
		ilog:       opts.Log,
		rname:      rname,
		sname:      sname,
	}, nil
}

// GenerateText runs phase 1 only, for callers that do not need structure.
func (g *Generator) GenerateText(ctx context.Context, prompt, system, runID string) (string, error) {
	text, err := g.reasoner.Infer(ctx, ReasonRequest{Prompt: prompt, System: system})
	if err != nil {
		return "", fmt.Errorf("reasoning call: %w", err)
	}
	g.record(ctx, runID, g.rname, interactionlog.CallReasoning, prompt, text)
	return text, nil
}

// GenerateStructured runs both phases and returns the validated JSON object.
// When the phase-2 output fails to parse or violates the schema the returned
// error is a *SchemaViolationError carrying the phase-1 reasoning text for
// diagnosis; partially valid objects are never returned.
func (g *Generator) GenerateStructured(ctx context.Context, req StructuredRequest) (json.RawMessage, error) {
	if g.structurer == nil {
		return nil, errors.New("structurer is required for structured generation")
	}
	reasoning, err := g.reasoner.Infer(ctx, ReasonRequest{Prompt: req.Prompt, System: req.System})
	if err != nil {
		return nil, fmt.Errorf("reasoning call: %w", err)
	}
	g.record(ctx, req.RunID, g.rname, interactionlog.CallReasoning, req.Prompt, reasoning)

	raw, err := g.structurer.InferStructured(ctx, StructureRequest{
		Prompt:     reasoning,
		SchemaName: req.SchemaName,
		Schema:     req.Schema,
	})
	if err != nil {
		return nil, fmt.Errorf("structuring call: %w", err)
	}
	g.record(ctx, req.RunID, g.sname, interactionlog.CallStructuring, reasoning, raw)

	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, &SchemaViolationError{
			SchemaName: req.SchemaName,
			Reasoning:  reasoning,
			Raw:        raw,
			Cause:      fmt.Errorf("parse structured output: %w", err),
		}
	}
	if err := validateAgainstSchema(value, req.Schema); err != nil {
		return nil, &SchemaViolationError{
			SchemaName: req.SchemaName,
			Reasoning:  reasoning,
			Raw:        raw,
			Cause:      err,
		}
	}
	return json.RawMessage(raw), nil
}

// record appends prompt and response entries to the interaction log without
// blocking the generation call. Failures are logged and swallowed.
func (g *Generator) record(ctx context.Context, runID, provider, callType, prompt, response string) {
	if g.ilog == nil {
		return
	}
	now := time.Now().UTC()
	entries := []*interactionlog.Entry{
		{RunID: runID, Role: "user", Content: prompt, Provider: provider, CallType: callType, Timestamp: now},
		{RunID: runID, Role: "assistant", Content: response, Provider: provider, CallType: callType, Timestamp: now},
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Warn(ctx, log.KV{K: "msg", V: "interaction log append panicked"}, log.KV{K: "panic", V: r})
			}
		}()
		actx := context.WithoutCancel(ctx)
		for _, e := range entries {
			if err := g.ilog.Append(actx, e); err != nil {
				log.Warn(ctx, log.KV{K: "msg", V: "interaction log append failed"},
					log.KV{K: "run_id", V: runID}, log.KV{K: "err", V: err.Error()})
				return
			}
		}
	}()
}

// validateAgainstSchema validates value against the JSON Schema in schemaBytes.
func validateAgainstSchema(value any, schemaBytes []byte) error {
	if len(schemaBytes) == 0 {
		return nil
	}
	schemaDoc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaBytes))
	if err != nil {
		return fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schemaDoc); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	return schema.Validate(value)
}
