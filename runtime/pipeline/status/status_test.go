package status_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"goa.design/quest/runtime/pipeline/status"
	statusmem "goa.design/quest/runtime/pipeline/status/inmem"
)

var stages = []string{"queued", "brainstorm", "retrieve", "synthesize", "persist", "completed"}

func TestPublishOverwritesSnapshot(t *testing.T) {
	kv := statusmem.New()
	pub, err := status.NewPublisher(kv, stages)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, pub.Publish(ctx, "r1", "queued", "Run accepted", nil))
	require.NoError(t, pub.Publish(ctx, "r1", "brainstorm", "Generating sub-queries", json.RawMessage(`{"queries":["a"]}`)))

	snap, ok, err := status.Latest(ctx, kv, "r1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "brainstorm", snap.Status)
	require.Equal(t, "Generating sub-queries", snap.Detail)
	require.JSONEq(t, `{"queries":["a"]}`, string(snap.Data))
	require.False(t, snap.UpdatedAt.IsZero())
}

func TestOutOfOrderWriteIsDropped(t *testing.T) {
	kv := statusmem.New()
	pub, err := status.NewPublisher(kv, stages)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, pub.Publish(ctx, "r1", "retrieve", "Searching", nil))
	// A stale write for an earlier stage must not clobber the newer one.
	require.NoError(t, pub.Publish(ctx, "r1", "brainstorm", "stale", nil))

	snap, ok, err := status.Latest(ctx, kv, "r1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "retrieve", snap.Status)
}

func TestFailedIsAlwaysAccepted(t *testing.T) {
	kv := statusmem.New()
	pub, err := status.NewPublisher(kv, stages)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, pub.Publish(ctx, "r1", "synthesize", "Synthesizing", nil))
	require.NoError(t, pub.Publish(ctx, "r1", "failed", "structuring call: boom", nil))

	snap, _, err := status.Latest(ctx, kv, "r1")
	require.NoError(t, err)
	require.Equal(t, "failed", snap.Status)
}

// gatedKV parks the first Get after it has read the underlying value so the
// test can interleave a concurrent publish deterministically.
type gatedKV struct {
	status.KV
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, ok, err := g.KV.Get(ctx, key)
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return raw, ok, err
}

func TestConcurrentPublishesKeepLaterStage(t *testing.T) {
	gate := &gatedKV{
		KV:      statusmem.New(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	pub, err := status.NewPublisher(gate, stages)
	require.NoError(t, err)
	ctx := context.Background()

	// Park the queued publish between its guard read and its write.
	var queuedErr, brainstormErr error
	queuedDone := make(chan struct{})
	go func() {
		defer close(queuedDone)
		queuedErr = pub.Publish(ctx, "r1", "queued", "Run accepted", nil)
	}()
	<-gate.entered

	// A later-stage publish racing the parked one must not end up overwritten.
	brainstormDone := make(chan struct{})
	go func() {
		defer close(brainstormDone)
		brainstormErr = pub.Publish(ctx, "r1", "brainstorm", "Generating sub-queries", nil)
	}()

	close(gate.release)
	<-queuedDone
	<-brainstormDone
	require.NoError(t, queuedErr)
	require.NoError(t, brainstormErr)

	snap, ok, err := status.Latest(ctx, gate, "r1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "brainstorm", snap.Status)
}

func TestLatestMissingRun(t *testing.T) {
	kv := statusmem.New()
	_, ok, err := status.Latest(context.Background(), kv, "nope")
	require.NoError(t, err)
	require.False(t, ok)
}

// TestSnapshotOrdinalNeverRegresses drives a publisher with a random write
// sequence and checks the stored stage ordinal never moves backwards.
func TestSnapshotOrdinalNeverRegresses(t *testing.T) {
	ordinal := make(map[string]int, len(stages))
	for i, s := range stages {
		ordinal[s] = i
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("stored ordinal is monotonic", prop.ForAll(
		func(writes []int) bool {
			kv := statusmem.New()
			pub, err := status.NewPublisher(kv, stages)
			if err != nil {
				return false
			}
			ctx := context.Background()
			last := -1
			for _, w := range writes {
				stage := stages[w%len(stages)]
				if err := pub.Publish(ctx, "run", stage, "", nil); err != nil {
					return false
				}
				snap, ok, err := status.Latest(ctx, kv, "run")
				if err != nil || !ok {
					return false
				}
				cur := ordinal[snap.Status]
				if cur < last {
					return false
				}
				last = cur
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, len(stages)*3)),
	))

	properties.TestingRun(t)
}
