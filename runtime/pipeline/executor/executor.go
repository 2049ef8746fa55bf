// Package executor implements the durable, checkpointed step runner that
// backs every pipeline variant.
//
// A run executes its fixed step sequence strictly in order: step N+1 never
// starts before step N's output is checkpointed, which is what makes "resume
// from the last successful step" well-defined. Before invoking a step
// function the executor consults the store; a success checkpoint short-circuits
// the invocation and returns the stored output, so resubmitting a run after a
// crash re-runs only the work that never committed. Independent runs execute
// fully concurrently and share no state outside the store.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"goa.design/quest/runtime/pipeline/run"
)

type (
	// StepContext carries the run record and the outputs of earlier steps
	// into a step function.
	StepContext struct {
		// Run is the run record as of step start.
		Run run.Record
		// Outputs maps completed step names to their checkpointed outputs.
		Outputs map[string]json.RawMessage
	}

	// StepFunc is one named unit of work. It returns the serialized output to
	// checkpoint. Step functions may call out to model services, retrieval or
	// any external collaborator; they must tolerate re-invocation, since a
	// crash between function return and checkpoint commit re-runs them.
	StepFunc func(ctx context.Context, sc *StepContext) (json.RawMessage, error)

	// Step binds a step name to its function.
	Step struct {
		// Name is the step name, unique within the pipeline.
		Name string
		// Fn is the step function.
		Fn StepFunc
	}

	// StepHook observes successful step completion. Hooks are best-effort:
	// errors and panics are logged and never fail the step.
	StepHook func(ctx context.Context, runID, step string, output json.RawMessage)

	// FinishHook observes run termination with the final status and, for
	// failed runs, the causing error. Best-effort, like StepHook.
	FinishHook func(ctx context.Context, runID string, status run.Status, err error)

	// Options configures an Executor.
	Options struct {
		// Store persists runs and step checkpoints. Required.
		Store run.Store
		// OnStepComplete is invoked after each successful step commit.
		OnStepComplete StepHook
		// OnFinish is invoked once per execution when the run terminates.
		OnFinish FinishHook
		// MaxAttempts bounds invocations of a failing step before the run is
		// marked failed. Defaults to 3.
		MaxAttempts int
		// BackoffBase is the first retry delay; it doubles per attempt.
		// Defaults to 500ms.
		BackoffBase time.Duration
	}

	// Submission describes a run to execute.
	Submission struct {
		// RunID identifies the run. Empty generates a new ID. Resubmitting an
		// existing ID resumes the run from its first uncheckpointed step.
		RunID string
		// Kind is the pipeline variant, recorded for audit.
		Kind run.Kind
		// Params is the opaque input payload.
		Params json.RawMessage
		// Steps is the ordered step sequence.
		Steps []Step
	}

	// Executor drives submissions through their step sequences.
	Executor struct {
		store       run.Store
		onStep      StepHook
		onFinish    FinishHook
		maxAttempts int
		backoff     time.Duration
		metrics     *metrics

		mu     sync.Mutex
		active map[string]struct{}
		wg     sync.WaitGroup
	}
)

const (
	defaultMaxAttempts = 3
	defaultBackoffBase = 500 * time.Millisecond
)

// New constructs an Executor.
func New(opts Options) (*Executor, error) {
	if opts.Store == nil {
		return nil, errors.New("run store is required")
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	backoff := opts.BackoffBase
	if backoff <= 0 {
		backoff = defaultBackoffBase
	}
	return &Executor{
		store:       opts.Store,
		onStep:      opts.OnStepComplete,
		onFinish:    opts.OnFinish,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		metrics:     newMetrics(),
		active:      make(map[string]struct{}),
	}, nil
}

// Submit accepts a run and executes it asynchronously, returning the run ID
// immediately. The execution is detached from the caller's context: a run
// proceeds to completion or failure regardless of whether anyone is watching.
// Submitting an ID that is already executing is a no-op; submitting a
// completed run returns its ID without re-running any step.
func (e *Executor) Submit(ctx context.Context, sub Submission) (string, error) {
	if len(sub.Steps) == 0 {
		return "", errors.New("at least one step is required")
	}
	runID := sub.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	rec, err := e.store.LoadRun(ctx, runID)
	switch {
	case errors.Is(err, run.ErrNotFound):
		names := make([]string, len(sub.Steps))
		for i, s := range sub.Steps {
			names[i] = s.Name
		}
		rec = run.Record{
			ID:     runID,
			Kind:   sub.Kind,
			Params: sub.Params,
			Steps:  names,
			Status: run.StatusQueued,
		}
		if err := e.store.CreateRun(ctx, rec); err != nil && !errors.Is(err, run.ErrRunExists) {
			return "", fmt.Errorf("create run: %w", err)
		}
	case err != nil:
		return "", fmt.Errorf("load run: %w", err)
	case rec.Status == run.StatusCompleted:
		return runID, nil
	}

	e.mu.Lock()
	if _, inFlight := e.active[runID]; inFlight {
		e.mu.Unlock()
		return runID, nil
	}
	e.active[runID] = struct{}{}
	e.mu.Unlock()

	e.wg.Add(1)
	go e.execute(context.WithoutCancel(ctx), runID, sub)
	return runID, nil
}

// Drain blocks until all in-flight runs terminate or ctx expires. Used for
// graceful shutdown and tests.
func (e *Executor) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) execute(ctx context.Context, runID string, sub Submission) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		delete(e.active, runID)
		e.mu.Unlock()
	}()

	outputs := make(map[string]json.RawMessage, len(sub.Steps))
	for i, step := range sub.Steps {
		out, ok, err := e.store.StepResult(ctx, runID, step.Name)
		if err != nil {
			e.fail(ctx, runID, fmt.Errorf("load checkpoint for step %q: %w", step.Name, err))
			return
		}
		if ok {
			outputs[step.Name] = out
			continue
		}
		if err := e.transition(ctx, runID, run.Status(step.Name), i); err != nil {
			e.fail(ctx, runID, err)
			return
		}
		out, err = e.runStep(ctx, runID, step, outputs)
		if err != nil {
			e.fail(ctx, runID, err)
			return
		}
		outputs[step.Name] = out
		e.notifyStep(ctx, runID, step.Name, out)
	}

	if err := e.transition(ctx, runID, run.StatusCompleted, len(sub.Steps)); err != nil {
		e.fail(ctx, runID, err)
		return
	}
	e.metrics.runFinished(ctx, string(sub.Kind), true)
	e.notifyFinish(ctx, runID, run.StatusCompleted, nil)
	log.Info(ctx, log.KV{K: "msg", V: "run completed"}, log.KV{K: "run_id", V: runID})
}

// runStep invokes the step function with retry, committing the output
// atomically on success and recording the failure on exhaustion.
func (e *Executor) runStep(ctx context.Context, runID string, step Step, outputs map[string]json.RawMessage) (json.RawMessage, error) {
	rec, err := e.store.LoadRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}
	sc := &StepContext{Run: rec, Outputs: outputs}

	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		started := time.Now().UTC()
		out, err := invoke(ctx, step.Fn, sc)
		if err == nil {
			commit := run.StepRecord{
				RunID:       runID,
				Step:        step.Name,
				Status:      run.StepSuccess,
				Output:      out,
				Attempts:    attempt,
				StartedAt:   started,
				CompletedAt: time.Now().UTC(),
			}
			if err := e.store.CommitStep(ctx, commit); err != nil {
				return nil, fmt.Errorf("commit step %q: %w", step.Name, err)
			}
			e.metrics.stepFinished(ctx, step.Name, true, time.Since(started))
			return out, nil
		}
		lastErr = err
		e.metrics.stepFinished(ctx, step.Name, false, time.Since(started))
		log.Warn(ctx, log.KV{K: "msg", V: "step attempt failed"},
			log.KV{K: "run_id", V: runID},
			log.KV{K: "step", V: step.Name},
			log.KV{K: "attempt", V: attempt},
			log.KV{K: "err", V: err.Error()})
		if attempt < e.maxAttempts {
			if err := sleep(ctx, e.backoff<<(attempt-1)); err != nil {
				break
			}
		}
	}

	failure := run.StepRecord{
		RunID:       runID,
		Step:        step.Name,
		Status:      run.StepFailure,
		Error:       lastErr.Error(),
		Attempts:    e.maxAttempts,
		CompletedAt: time.Now().UTC(),
	}
	if err := e.store.RecordStepFailure(ctx, failure); err != nil {
		log.Errorf(ctx, err, "record failure for step %q", step.Name)
	}
	return nil, fmt.Errorf("step %q: %w", step.Name, lastErr)
}

// transition moves the run to the given status using load-modify-write so
// fields written by step functions (e.g. the persisted result) survive.
func (e *Executor) transition(ctx context.Context, runID string, status run.Status, stepIndex int) error {
	rec, err := e.store.LoadRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	rec.Status = status
	rec.StepIndex = stepIndex
	if err := e.store.UpdateRun(ctx, rec); err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	return nil
}

func (e *Executor) fail(ctx context.Context, runID string, cause error) {
	rec, err := e.store.LoadRun(ctx, runID)
	if err == nil {
		rec.Status = run.StatusFailed
		if err := e.store.UpdateRun(ctx, rec); err != nil {
			log.Errorf(ctx, err, "mark run %q failed", runID)
		}
		e.metrics.runFinished(ctx, string(rec.Kind), false)
	}
	log.Errorf(ctx, cause, "run %q failed", runID)
	e.notifyFinish(ctx, runID, run.StatusFailed, cause)
}

// notifyStep invokes the step hook, swallowing errors and panics so
// observability never fails a step.
func (e *Executor) notifyStep(ctx context.Context, runID, step string, output json.RawMessage) {
	if e.onStep == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Warn(ctx, log.KV{K: "msg", V: "step hook panicked"},
				log.KV{K: "run_id", V: runID}, log.KV{K: "step", V: step}, log.KV{K: "panic", V: r})
		}
	}()
	e.onStep(ctx, runID, step, output)
}

func (e *Executor) notifyFinish(ctx context.Context, runID string, status run.Status, cause error) {
	if e.onFinish == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Warn(ctx, log.KV{K: "msg", V: "finish hook panicked"},
				log.KV{K: "run_id", V: runID}, log.KV{K: "panic", V: r})
		}
	}()
	e.onFinish(ctx, runID, status, cause)
}

// invoke runs the step function, converting panics into errors so a panicking
// step fails its run instead of the process.
func invoke(ctx context.Context, fn StepFunc, sc *StepContext) (out json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step panicked: %v", r)
		}
	}()
	return fn(ctx, sc)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
