package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"goa.design/quest/runtime/genai"
	"goa.design/quest/runtime/pipeline/executor"
)

type (
	// DocGovParams is the input payload of the documentation governance
	// pipeline.
	DocGovParams struct {
		// Document is the document text under review.
		Document string `json:"document"`
		// Standard names the governance standard to audit against.
		Standard string `json:"standard,omitempty"`
	}

	// AuditIssue is one finding from the audit step.
	AuditIssue struct {
		Section  string `json:"section"`
		Issue    string `json:"issue"`
		Severity string `json:"severity"`
	}

	// AuditResult is the checkpointed output of the audit step.
	AuditResult struct {
		// Issues are the governance findings.
		Issues []AuditIssue `json:"issues"`
		// Queries are knowledge-base queries for remediation guidance,
		// always exactly three.
		Queries []string `json:"queries"`
	}
)

var auditSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"issues": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"section": {"type": "string"},
					"issue": {"type": "string"},
					"severity": {"type": "string", "enum": ["low", "medium", "high"]}
				},
				"required": ["section", "issue", "severity"],
				"additionalProperties": false
			}
		},
		"queries": {
			"type": "array",
			"items": {"type": "string", "minLength": 1},
			"minItems": 3,
			"maxItems": 3
		}
	},
	"required": ["issues", "queries"],
	"additionalProperties": false
}`)

func (o *Orchestrator) docgovSteps() []executor.Step {
	return []executor.Step{
		{Name: StepAudit, Fn: o.auditStep},
		{Name: StepRetrieve, Fn: o.retrieveStep(StepAudit)},
		{Name: StepRevise, Fn: o.reviseStep},
		{Name: StepPersist, Fn: o.persistStep(StepRevise)},
	}
}

// auditStep reviews the document against the declared standard and derives
// the remediation queries for the shared retrieve step.
func (o *Orchestrator) auditStep(ctx context.Context, sc *executor.StepContext) (json.RawMessage, error) {
	var p DocGovParams
	if err := json.Unmarshal(sc.Run.Params, &p); err != nil {
		return nil, fmt.Errorf("decode docgov params: %w", err)
	}
	o.progress(ctx, sc.Run, StepAudit, "Auditing document", nil)

	standard := p.Standard
	if standard == "" {
		standard = "general technical documentation quality"
	}
	prompt := fmt.Sprintf(
		"Audit the following document against the %s standard. List the issues found and produce exactly 3 knowledge-base queries for remediation guidance.\n\nDocument:\n%s",
		standard, p.Document)

	out, err := o.gen.GenerateStructured(ctx, genai.StructuredRequest{
		Prompt:     prompt,
		System:     "You are a documentation governance auditor.",
		SchemaName: "audit",
		Schema:     auditSchema,
		RunID:      sc.Run.ID,
	})
	if err != nil {
		return nil, err
	}
	o.progress(ctx, sc.Run, StepAudit, "Audit complete", out)
	return out, nil
}

// reviseStep produces the revised document plus a change report.
func (o *Orchestrator) reviseStep(ctx context.Context, sc *executor.StepContext) (json.RawMessage, error) {
	var p DocGovParams
	if err := json.Unmarshal(sc.Run.Params, &p); err != nil {
		return nil, fmt.Errorf("decode docgov params: %w", err)
	}
	var ar AuditResult
	if err := json.Unmarshal(sc.Outputs[StepAudit], &ar); err != nil {
		return nil, fmt.Errorf("decode audit output: %w", err)
	}
	var rr RetrieveResult
	if err := json.Unmarshal(sc.Outputs[StepRetrieve], &rr); err != nil {
		return nil, fmt.Errorf("decode retrieve output: %w", err)
	}
	o.progress(ctx, sc.Run, StepRevise, "Revising document", nil)

	var b strings.Builder
	b.WriteString("Original document:\n")
	b.WriteString(p.Document)
	b.WriteString("\n\nAudit findings:\n")
	for _, issue := range ar.Issues {
		fmt.Fprintf(&b, "- [%s] %s: %s\n", issue.Severity, issue.Section, issue.Issue)
	}
	b.WriteString("\n")
	writeContext(&b, rr.Matches)
	b.WriteString("Produce a change report and the fully revised document as a file artifact.")

	return o.gen.GenerateStructured(ctx, genai.StructuredRequest{
		Prompt:     b.String(),
		System:     "You are a technical editor applying governance findings.",
		SchemaName: "revision",
		Schema:     reportSchema,
		RunID:      sc.Run.ID,
	})
}
