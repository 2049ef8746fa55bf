// Package orchestrator composes the durable executor, the two-phase
// generator, hybrid retrieval and the status/stream publishers into named
// pipeline variants. Each variant is a fixed, named sequence of steps — not a
// dynamic graph — so control flow is fully deterministic and replayable.
//
// All collaborator handles are injected through Options at construction; the
// orchestrator holds no ambient globals.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"goa.design/quest/runtime/genai"
	"goa.design/quest/runtime/pipeline/executor"
	"goa.design/quest/runtime/pipeline/run"
	"goa.design/quest/runtime/pipeline/status"
	"goa.design/quest/runtime/pipeline/stream"
	"goa.design/quest/runtime/retrieval"
)

type (
	// Options configures an Orchestrator. Store, StatusKV, Generator and
	// Retriever are required; the remaining collaborators enable optional
	// variants and transports.
	Options struct {
		// Store persists runs and step checkpoints.
		Store run.Store
		// StatusKV backs the per-run status snapshots.
		StatusKV status.KV
		// Sink receives stream envelopes. Optional; nil disables streaming.
		Sink stream.Sink
		// Generator performs reasoning and structured generation.
		Generator *genai.Generator
		// Retriever performs hybrid search.
		Retriever *retrieval.Retriever
		// Embedder embeds documents during ingestion. Required for the
		// ingest variant.
		Embedder retrieval.Embedder
		// Indexer writes ingested documents. Required for the ingest variant.
		Indexer retrieval.Indexer
		// Repo serves repository content. Required for the ingest variant.
		Repo RepoContent
		// MaxAttempts and BackoffBase tune the executor retry policy.
		MaxAttempts int
		BackoffBase time.Duration
	}

	// Orchestrator submits and resumes pipeline runs.
	Orchestrator struct {
		exec     *executor.Executor
		store    run.Store
		kv       status.KV
		sink     stream.Sink
		gen      *genai.Generator
		ret      *retrieval.Retriever
		embedder retrieval.Embedder
		indexer  retrieval.Indexer
		repo     RepoContent
		pubs     map[run.Kind]*status.Publisher
	}
)

// Step names, shared across variants where the shape repeats.
const (
	StepBrainstorm = "brainstorm"
	StepRetrieve   = "retrieve"
	StepSynthesize = "synthesize"
	StepPersist    = "persist"
	StepDiagnose   = "diagnose"
	StepPatch      = "patch"
	StepAudit      = "audit"
	StepRevise     = "revise"
	StepFetch      = "fetch"
	StepIndex      = "index"
)

// stepSequences fixes the ordered step names per variant. The status
// publisher derives its monotonic stage ordinals from these.
var stepSequences = map[run.Kind][]string{
	run.KindResearch: {StepBrainstorm, StepRetrieve, StepSynthesize, StepPersist},
	run.KindCodeFix:  {StepDiagnose, StepRetrieve, StepPatch, StepPersist},
	run.KindDocGov:   {StepAudit, StepRetrieve, StepRevise, StepPersist},
	run.KindIngest:   {StepFetch, StepIndex, StepPersist},
}

// New constructs an Orchestrator and its executor.
func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, errors.New("run store is required")
	}
	if opts.StatusKV == nil {
		return nil, errors.New("status store is required")
	}
	if opts.Generator == nil {
		return nil, errors.New("generator is required")
	}
	if opts.Retriever == nil {
		return nil, errors.New("retriever is required")
	}
	o := &Orchestrator{
		store:    opts.Store,
		kv:       opts.StatusKV,
		sink:     opts.Sink,
		gen:      opts.Generator,
		ret:      opts.Retriever,
		embedder: opts.Embedder,
		indexer:  opts.Indexer,
		repo:     opts.Repo,
		pubs:     make(map[run.Kind]*status.Publisher, len(stepSequences)),
	}
	for kind, steps := range stepSequences {
		stages := make([]string, 0, len(steps)+2)
		stages = append(stages, string(run.StatusQueued))
		stages = append(stages, steps...)
		stages = append(stages, string(run.StatusCompleted))
		pub, err := status.NewPublisher(opts.StatusKV, stages)
		if err != nil {
			return nil, err
		}
		o.pubs[kind] = pub
	}
	exec, err := executor.New(executor.Options{
		Store:          opts.Store,
		OnStepComplete: o.stepCompleted,
		OnFinish:       o.runFinished,
		MaxAttempts:    opts.MaxAttempts,
		BackoffBase:    opts.BackoffBase,
	})
	if err != nil {
		return nil, err
	}
	o.exec = exec
	return o, nil
}

// Submit starts (or resumes) a run of the given kind with the given opaque
// parameters and returns its ID immediately.
func (o *Orchestrator) Submit(ctx context.Context, runID string, kind run.Kind, params json.RawMessage) (string, error) {
	steps, err := o.steps(kind)
	if err != nil {
		return "", err
	}
	id := runID
	if id == "" {
		id = uuid.NewString()
	}
	// The queued snapshot must land before the run goroutine exists: the
	// first step publishes progress immediately, and the monotonic guard only
	// holds if "queued" is already stored by then.
	o.publish(ctx, kind, id, string(run.StatusQueued), "Run accepted", nil)
	if _, err := o.exec.Submit(ctx, executor.Submission{
		RunID:  id,
		Kind:   kind,
		Params: params,
		Steps:  steps,
	}); err != nil {
		return "", err
	}
	return id, nil
}

// Resubmit resumes an existing run from its first uncheckpointed step, e.g.
// after a failure or process restart.
func (o *Orchestrator) Resubmit(ctx context.Context, runID string) error {
	rec, err := o.store.LoadRun(ctx, runID)
	if err != nil {
		return err
	}
	_, err = o.Submit(ctx, runID, rec.Kind, rec.Params)
	return err
}

// Status returns the latest snapshot for runID.
func (o *Orchestrator) Status(ctx context.Context, runID string) (status.Snapshot, bool, error) {
	return status.Latest(ctx, o.kv, runID)
}

// Drain blocks until all in-flight runs terminate or ctx expires.
func (o *Orchestrator) Drain(ctx context.Context) error {
	return o.exec.Drain(ctx)
}

func (o *Orchestrator) steps(kind run.Kind) ([]executor.Step, error) {
	switch kind {
	case run.KindResearch:
		return o.researchSteps(), nil
	case run.KindCodeFix:
		return o.codefixSteps(), nil
	case run.KindDocGov:
		return o.docgovSteps(), nil
	case run.KindIngest:
		if o.repo == nil || o.embedder == nil || o.indexer == nil {
			return nil, errors.New("ingest pipeline requires repo, embedder and indexer collaborators")
		}
		return o.ingestSteps(), nil
	default:
		return nil, fmt.Errorf("unknown pipeline kind %q", kind)
	}
}

// stepCompleted is the executor step hook: it overwrites the status snapshot
// and emits a stream event tagged with the step name. Best-effort by design.
func (o *Orchestrator) stepCompleted(ctx context.Context, runID, step string, output json.RawMessage) {
	rec, err := o.store.LoadRun(ctx, runID)
	if err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "load run for step hook failed"},
			log.KV{K: "run_id", V: runID}, log.KV{K: "err", V: err.Error()})
		return
	}
	o.publish(ctx, rec.Kind, runID, step, fmt.Sprintf("Step %s completed", step), output)
	o.emit(ctx, stream.New(stream.EventType(step), runID, fmt.Sprintf("Step %s completed", step), output))
}

// runFinished is the executor finish hook: it publishes the terminal snapshot
// and the terminal stream event.
func (o *Orchestrator) runFinished(ctx context.Context, runID string, st run.Status, cause error) {
	rec, err := o.store.LoadRun(ctx, runID)
	if err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "load run for finish hook failed"},
			log.KV{K: "run_id", V: runID}, log.KV{K: "err", V: err.Error()})
		return
	}
	switch st {
	case run.StatusCompleted:
		o.publish(ctx, rec.Kind, runID, string(run.StatusCompleted), "Run completed", rec.Result)
		o.emit(ctx, stream.New(stream.EventComplete, runID, "Run completed", rec.Result))
	case run.StatusFailed:
		detail := "Run failed"
		if cause != nil {
			detail = cause.Error()
		}
		o.publish(ctx, rec.Kind, runID, string(run.StatusFailed), detail, nil)
		o.emit(ctx, stream.New(stream.EventError, runID, detail, nil))
	}
}

// progress publishes an in-step status snapshot and progress event.
func (o *Orchestrator) progress(ctx context.Context, rec run.Record, step, detail string, data json.RawMessage) {
	o.publish(ctx, rec.Kind, rec.ID, step, detail, data)
	o.emit(ctx, stream.New(stream.EventProgress, rec.ID, detail, data))
}

func (o *Orchestrator) publish(ctx context.Context, kind run.Kind, runID, stat, detail string, data json.RawMessage) {
	pub, ok := o.pubs[kind]
	if !ok {
		return
	}
	if err := pub.Publish(ctx, runID, stat, detail, data); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "status publish failed"},
			log.KV{K: "run_id", V: runID}, log.KV{K: "err", V: err.Error()})
	}
}

func (o *Orchestrator) emit(ctx context.Context, env stream.Envelope) {
	if o.sink == nil {
		return
	}
	if err := o.sink.Send(ctx, env); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "stream send failed"},
			log.KV{K: "run_id", V: env.RunID}, log.KV{K: "err", V: err.Error()})
	}
}
