package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"goa.design/quest/runtime/genai"
	"goa.design/quest/runtime/pipeline/executor"
	"goa.design/quest/runtime/retrieval"
)

type (
	// Mode selects the research framing used when brainstorming sub-queries.
	Mode string

	// ResearchParams is the input payload of the research pipeline.
	ResearchParams struct {
		// Query is the original research question.
		Query string `json:"query"`
		// Mode frames the investigation.
		Mode Mode `json:"mode"`
	}

	// BrainstormResult is the checkpointed output of the brainstorm step.
	BrainstormResult struct {
		// Queries are the targeted sub-questions derived from the original
		// query, always exactly three.
		Queries []string `json:"queries"`
	}

	// RetrieveResult is the checkpointed output of the retrieve step.
	RetrieveResult struct {
		// Matches is the pooled, URL-deduplicated result list.
		Matches []retrieval.Match `json:"matches"`
	}

	// Artifact is one generated code artifact.
	Artifact struct {
		Name     string `json:"name"`
		Language string `json:"language"`
		Content  string `json:"content"`
	}

	// Report is the final artifact of the research pipeline.
	Report struct {
		// Report is the prose report.
		Report string `json:"report"`
		// Files are zero or more generated code artifacts.
		Files []Artifact `json:"files"`
	}
)

const (
	// ModeFeasibility assesses whether a proposed change is feasible.
	ModeFeasibility Mode = "feasibility"
	// ModeEnrichment enriches a requirements document.
	ModeEnrichment Mode = "enrichment"
	// ModeErrorDiagnosis diagnoses an error log.
	ModeErrorDiagnosis Mode = "error-diagnosis"
)

// ValidMode reports whether m names a known research mode.
func ValidMode(m Mode) bool {
	switch m {
	case ModeFeasibility, ModeEnrichment, ModeErrorDiagnosis:
		return true
	}
	return false
}

var subQuerySchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"queries": {
			"type": "array",
			"items": {"type": "string", "minLength": 1},
			"minItems": 3,
			"maxItems": 3
		}
	},
	"required": ["queries"],
	"additionalProperties": false
}`)

var reportSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"report": {"type": "string", "minLength": 1},
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
	"required": ["report", "files"],
	"additionalProperties": false
}`)

func (o *Orchestrator) researchSteps() []executor.Step {
	return []executor.Step{
		{Name: StepBrainstorm, Fn: o.brainstormStep},
		{Name: StepRetrieve, Fn: o.retrieveStep(StepBrainstorm)},
		{Name: StepSynthesize, Fn: o.synthesizeStep},
		{Name: StepPersist, Fn: o.persistStep(StepSynthesize)},
	}
}

// brainstormStep derives exactly three targeted sub-questions from the
// original query and declared mode.
func (o *Orchestrator) brainstormStep(ctx context.Context, sc *executor.StepContext) (json.RawMessage, error) {
	var p ResearchParams
	if err := json.Unmarshal(sc.Run.Params, &p); err != nil {
		return nil, fmt.Errorf("decode research params: %w", err)
	}
	o.progress(ctx, sc.Run, StepBrainstorm, "Generating targeted sub-queries", nil)

	out, err := o.gen.GenerateStructured(ctx, genai.StructuredRequest{
		Prompt:     brainstormPrompt(p),
		System:     brainstormSystem(p.Mode),
		SchemaName: "sub_queries",
		Schema:     subQuerySchema,
		RunID:      sc.Run.ID,
	})
	if err != nil {
		return nil, err
	}
	o.progress(ctx, sc.Run, StepBrainstorm, "Sub-queries generated", out)
	return out, nil
}

// retrieveStep runs hybrid search once per sub-question and pools the
// results, deduplicating by URL across sub-questions. Zero pooled results is
// graceful degradation, not an error: synthesis proceeds with empty context.
func (o *Orchestrator) retrieveStep(queriesFrom string) executor.StepFunc {
	return func(ctx context.Context, sc *executor.StepContext) (json.RawMessage, error) {
		var br BrainstormResult
		if err := json.Unmarshal(sc.Outputs[queriesFrom], &br); err != nil {
			return nil, fmt.Errorf("decode %s output: %w", queriesFrom, err)
		}
		o.progress(ctx, sc.Run, StepRetrieve, fmt.Sprintf("Searching knowledge base with %d sub-queries", len(br.Queries)), nil)

		pooled := make([]retrieval.Match, 0, len(br.Queries)*retrieval.DefaultTopK)
		seen := make(map[string]struct{})
		for _, q := range br.Queries {
			matches, err := o.ret.Search(ctx, q, retrieval.DefaultTopK)
			if err != nil {
				return nil, fmt.Errorf("retrieve %q: %w", q, err)
			}
			for _, m := range matches {
				if _, dup := seen[m.URL]; dup {
					continue
				}
				seen[m.URL] = struct{}{}
				pooled = append(pooled, m)
			}
		}
		return json.Marshal(RetrieveResult{Matches: pooled})
	}
}

// synthesizeStep produces the final report plus generated artifacts from the
// pooled retrieval context.
func (o *Orchestrator) synthesizeStep(ctx context.Context, sc *executor.StepContext) (json.RawMessage, error) {
	var p ResearchParams
	if err := json.Unmarshal(sc.Run.Params, &p); err != nil {
		return nil, fmt.Errorf("decode research params: %w", err)
	}
	var rr RetrieveResult
	if err := json.Unmarshal(sc.Outputs[StepRetrieve], &rr); err != nil {
		return nil, fmt.Errorf("decode retrieve output: %w", err)
	}
	o.progress(ctx, sc.Run, StepSynthesize, "Synthesizing report", nil)

	return o.gen.GenerateStructured(ctx, genai.StructuredRequest{
		Prompt:     synthesisPrompt(p, rr.Matches),
		System:     "You are a senior software analyst. Ground every claim in the provided context when it is available.",
		SchemaName: "research_report",
		Schema:     reportSchema,
		RunID:      sc.Run.ID,
	})
}

// persistStep writes the final artifact from the named step into the run's
// permanent record. The terminal status transition is the executor's.
func (o *Orchestrator) persistStep(resultFrom string) executor.StepFunc {
	return func(ctx context.Context, sc *executor.StepContext) (json.RawMessage, error) {
		result := sc.Outputs[resultFrom]
		rec, err := o.store.LoadRun(ctx, sc.Run.ID)
		if err != nil {
			return nil, fmt.Errorf("load run: %w", err)
		}
		rec.Result = result
		if err := o.store.UpdateRun(ctx, rec); err != nil {
			return nil, fmt.Errorf("persist result: %w", err)
		}
		return json.Marshal(map[string]any{"persisted_at": time.Now().UTC()})
	}
}

func brainstormSystem(mode Mode) string {
	switch mode {
	case ModeFeasibility:
		return "You are a migration feasibility analyst. Decompose the question into verifiable technical sub-questions."
	case ModeEnrichment:
		return "You are a requirements analyst. Decompose the document goal into concrete enrichment sub-questions."
	case ModeErrorDiagnosis:
		return "You are a production incident analyst. Decompose the error into root-cause sub-questions."
	default:
		return "You are a research analyst. Decompose the question into targeted sub-questions."
	}
}

func brainstormPrompt(p ResearchParams) string {
	return fmt.Sprintf(
		"Research question (%s mode):\n%s\n\nProduce exactly 3 targeted sub-questions that, answered together, resolve the question.",
		p.Mode, p.Query)
}

func synthesisPrompt(p ResearchParams, matches []retrieval.Match) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Original question (%s mode):\n%s\n\n", p.Mode, p.Query)
	if len(matches) == 0 {
		b.WriteString("No retrieval context is available; answer from first principles and say so.\n")
	} else {
		b.WriteString("Retrieved context:\n")
		for i, m := range matches {
			fmt.Fprintf(&b, "[%d] %s (%s, source=%s)\n%s\n\n", i+1, m.Title, m.URL, m.Source, m.Excerpt)
		}
	}
	b.WriteString("Write a thorough prose report answering the original question. Include generated code artifacts only when they materially help.")
	return b.String()
}
