package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"goa.design/quest/runtime/genai"
	"goa.design/quest/runtime/pipeline/executor"
	"goa.design/quest/runtime/retrieval"
)

type (
	// CodeFixParams is the input payload of the automated code fix pipeline.
	CodeFixParams struct {
		// Description summarizes the defect or requested change.
		Description string `json:"description"`
		// ErrorLog is the observed failure output, when any.
		ErrorLog string `json:"error_log,omitempty"`
		// Repository names the affected repository for context.
		Repository string `json:"repository,omitempty"`
	}

	// DiagnoseResult is the checkpointed output of the diagnose step.
	DiagnoseResult struct {
		// Summary is the root-cause hypothesis.
		Summary string `json:"summary"`
		// Queries are the knowledge-base queries derived from the diagnosis,
		// always exactly three.
		Queries []string `json:"queries"`
	}

	// Patch is the final artifact of the code fix pipeline.
	Patch struct {
		// Explanation describes the fix and its rationale.
		Explanation string `json:"explanation"`
		// Files are the patched file contents.
		Files []Artifact `json:"files"`
	}
)

var diagnoseSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"summary": {"type": "string", "minLength": 1},
		"queries": {
			"type": "array",
			"items": {"type": "string", "minLength": 1},
			"minItems": 3,
			"maxItems": 3
		}
	},
	"required": ["summary", "queries"],
	"additionalProperties": false
}`)

var patchSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"explanation": {"type": "string", "minLength": 1},
		"files": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"name": {"type": "string"},
					"language": {"type": "string"},
					"content": {"type": "string"}
				},
				"required": ["name", "language", "content"],
				"additionalProperties": false
			}
		}
	},
	"required": ["explanation", "files"],
	"additionalProperties": false
}`)

func (o *Orchestrator) codefixSteps() []executor.Step {
	return []executor.Step{
		{Name: StepDiagnose, Fn: o.diagnoseStep},
		{Name: StepRetrieve, Fn: o.retrieveStep(StepDiagnose)},
		{Name: StepPatch, Fn: o.patchStep},
		{Name: StepPersist, Fn: o.persistStep(StepPatch)},
	}
}

// diagnoseStep forms a root-cause hypothesis and the retrieval queries that
// would confirm it. Its output satisfies the same {queries} contract as the
// research brainstorm step, so the shared retrieve step consumes it as-is.
func (o *Orchestrator) diagnoseStep(ctx context.Context, sc *executor.StepContext) (json.RawMessage, error) {
	var p CodeFixParams
	if err := json.Unmarshal(sc.Run.Params, &p); err != nil {
		return nil, fmt.Errorf("decode codefix params: %w", err)
	}
	o.progress(ctx, sc.Run, StepDiagnose, "Diagnosing failure", nil)

	var b strings.Builder
	fmt.Fprintf(&b, "Defect description:\n%s\n\n", p.Description)
	if p.Repository != "" {
		fmt.Fprintf(&b, "Repository: %s\n\n", p.Repository)
	}
	if p.ErrorLog != "" {
		fmt.Fprintf(&b, "Error log:\n%s\n\n", p.ErrorLog)
	}
	b.WriteString("Summarize the most likely root cause and produce exactly 3 knowledge-base queries that would confirm it.")

	out, err := o.gen.GenerateStructured(ctx, genai.StructuredRequest{
		Prompt:     b.String(),
		System:     "You are a production incident analyst diagnosing a code defect.",
		SchemaName: "diagnosis",
		Schema:     diagnoseSchema,
		RunID:      sc.Run.ID,
	})
	if err != nil {
		return nil, err
	}
	o.progress(ctx, sc.Run, StepDiagnose, "Diagnosis complete", out)
	return out, nil
}

// patchStep generates the fix as file artifacts grounded in the diagnosis and
// retrieved context.
func (o *Orchestrator) patchStep(ctx context.Context, sc *executor.StepContext) (json.RawMessage, error) {
	var p CodeFixParams
	if err := json.Unmarshal(sc.Run.Params, &p); err != nil {
		return nil, fmt.Errorf("decode codefix params: %w", err)
	}
	var dg DiagnoseResult
	if err := json.Unmarshal(sc.Outputs[StepDiagnose], &dg); err != nil {
		return nil, fmt.Errorf("decode diagnose output: %w", err)
	}
	var rr RetrieveResult
	if err := json.Unmarshal(sc.Outputs[StepRetrieve], &rr); err != nil {
		return nil, fmt.Errorf("decode retrieve output: %w", err)
	}
	o.progress(ctx, sc.Run, StepPatch, "Generating fix", nil)

	var b strings.Builder
	fmt.Fprintf(&b, "Defect:\n%s\n\nDiagnosis:\n%s\n\n", p.Description, dg.Summary)
	writeContext(&b, rr.Matches)
	b.WriteString("Produce the corrected files and a short explanation of the fix.")

	return o.gen.GenerateStructured(ctx, genai.StructuredRequest{
		Prompt:     b.String(),
		System:     "You are a senior engineer producing a minimal, correct fix.",
		SchemaName: "patch",
		Schema:     patchSchema,
		RunID:      sc.Run.ID,
	})
}

func writeContext(b *strings.Builder, matches []retrieval.Match) {
	if len(matches) == 0 {
		b.WriteString("No retrieval context is available.\n\n")
		return
	}
	b.WriteString("Retrieved context:\n")
	for i, m := range matches {
		fmt.Fprintf(b, "[%d] %s (%s)\n%s\n\n", i+1, m.Title, m.URL, m.Excerpt)
	}
}
