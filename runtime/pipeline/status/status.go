// Package status publishes the single "latest status" record per run for
// pull-based polling clients. Each Publish overwrites the previous snapshot;
// no history is retained. Writes are monotonic in pipeline-stage ordinal: a
// snapshot for an earlier stage than the stored one is dropped so readers
// never observe progress moving backwards.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"goa.design/clue/log"
)

type (
	// Snapshot is the latest progress record for one run.
	Snapshot struct {
		// RunID identifies the run.
		RunID string `json:"run_id"`
		// Status is the stage label: "queued", a step name, "completed" or
		// "failed".
		Status string `json:"status"`
		// Detail is a human-readable progress message.
		Detail string `json:"detail,omitempty"`
		// Data is an optional structured payload (e.g. generated sub-queries,
		// the final report).
		Data json.RawMessage `json:"data,omitempty"`
		// UpdatedAt records when the snapshot was written.
		UpdatedAt time.Time `json:"updated_at"`
	}

	// KV is the key/value store backing snapshots. Implementations must make
	// the most recent Put visible to subsequent Gets for the same key.
	KV interface {
		// Put overwrites the value stored under key.
		Put(ctx context.Context, key string, value []byte) error
		// Get returns the value stored under key. The boolean reports whether
		// the key exists.
		Get(ctx context.Context, key string) ([]byte, bool, error)
	}

	// Publisher overwrites status snapshots for runs of one pipeline variant.
	// The stage list fixes the ordinal used by the monotonic guard. Publishes
	// for the same run are serialized so the guard read and the write are
	// atomic even with concurrent publishers.
	Publisher struct {
		kv      KV
		ordinal map[string]int

		mu    sync.Mutex
		locks map[string]*sync.Mutex
	}
)

// NewPublisher constructs a Publisher over kv for a pipeline whose stages are
// the given ordered labels. Stages not in the list ("failed" included) are
// treated as terminal and always accepted.
func NewPublisher(kv KV, stages []string) (*Publisher, error) {
	if kv == nil {
		return nil, errors.New("kv store is required")
	}
	ord := make(map[string]int, len(stages))
	for i, s := range stages {
		ord[s] = i
	}
	return &Publisher{kv: kv, ordinal: ord, locks: make(map[string]*sync.Mutex)}, nil
}

// Publish overwrites the snapshot for runID. Writes whose stage precedes the
// stored stage are dropped with a warning; publishing must never fail the
// pipeline step that triggered it, so callers typically ignore the returned
// error after logging.
func (p *Publisher) Publish(ctx context.Context, runID, stat, detail string, data json.RawMessage) error {
	l := p.runLock(runID)
	l.Lock()
	defer l.Unlock()

	prev, ok, err := Latest(ctx, p.kv, runID)
	if err == nil && ok && p.regresses(prev.Status, stat) {
		log.Warn(ctx, log.KV{K: "msg", V: "dropping out-of-order status write"},
			log.KV{K: "run_id", V: runID},
			log.KV{K: "stored", V: prev.Status},
			log.KV{K: "dropped", V: stat})
		return nil
	}
	snap := Snapshot{
		RunID:     runID,
		Status:    stat,
		Detail:    detail,
		Data:      data,
		UpdatedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return p.kv.Put(ctx, runID, raw)
}

// Latest reads the most recent snapshot for runID from kv. The boolean reports
// whether a snapshot exists.
func Latest(ctx context.Context, kv KV, runID string) (Snapshot, bool, error) {
	raw, ok, err := kv.Get(ctx, runID)
	if err != nil || !ok {
		return Snapshot{}, false, err
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

// runLock returns the mutex serializing publishes for runID.
func (p *Publisher) runLock(runID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[runID]
	if !ok {
		l = &sync.Mutex{}
		p.locks[runID] = l
	}
	return l
}

// regresses reports whether writing next after stored would move the stage
// ordinal backwards. Labels outside the stage list never regress.
func (p *Publisher) regresses(stored, next string) bool {
	so, sok := p.ordinal[stored]
	no, nok := p.ordinal[next]
	if !sok || !nok {
		return false
	}
	return no < so
}
