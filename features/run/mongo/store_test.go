package mongo

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	mongoc "goa.design/quest/features/run/mongo/clients/mongo"
	"goa.design/quest/runtime/pipeline/run"
)

var (
	testMongoClient    *mongodriver.Client
	testMongoContainer testcontainers.Container
	skipMongoTests     bool
)

func setupMongoDB() {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
			Tmpfs:        map[string]string{"/data/db": "rw"},
		}
		testMongoContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, MongoDB tests will be skipped: %v\n", containerErr)
		skipMongoTests = true
		return
	}

	host, err := testMongoContainer.Host(ctx)
	if err != nil {
		fmt.Printf("Failed to get container host: %v\n", err)
		skipMongoTests = true
		return
	}

	port, err := testMongoContainer.MappedPort(ctx, "27017")
	if err != nil {
		fmt.Printf("Failed to get container port: %v\n", err)
		skipMongoTests = true
		return
	}

	uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
	testMongoClient, err = mongodriver.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		fmt.Printf("Failed to connect to MongoDB: %v\n", err)
		skipMongoTests = true
		return
	}

	if err := testMongoClient.Ping(ctx, nil); err != nil {
		fmt.Printf("Failed to ping MongoDB: %v\n", err)
		skipMongoTests = true
		return
	}
}

// newTestStore builds a Store on a per-test database so tests never observe
// each other's documents.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	if testMongoClient == nil && !skipMongoTests {
		setupMongoDB()
	}
	if skipMongoTests {
		t.Skip("Docker not available, skipping MongoDB test")
	}
	db := "quest_test_" + strings.ToLower(strings.ReplaceAll(t.Name(), "/", "_"))
	t.Cleanup(func() {
		_ = testMongoClient.Database(db).Drop(context.Background())
	})
	client, err := mongoc.New(mongoc.Options{
		Client:   testMongoClient,
		Database: db,
		Timeout:  5 * time.Second,
	})
	require.NoError(t, err)
	store, err := NewStore(client)
	require.NoError(t, err)
	return store
}

func testRecord(id string) run.Record {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return run.Record{
		ID:        id,
		Kind:      run.KindResearch,
		Params:    json.RawMessage(`{"query":"q","mode":"feasibility"}`),
		Steps:     []string{"brainstorm", "retrieve", "synthesize", "persist"},
		Status:    run.StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestRunLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	rec := testRecord("run-1")

	require.NoError(t, store.CreateRun(ctx, rec))
	require.ErrorIs(t, store.CreateRun(ctx, rec), run.ErrRunExists)

	stored, err := store.LoadRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, rec.ID, stored.ID)
	require.Equal(t, rec.Kind, stored.Kind)
	require.Equal(t, rec.Steps, stored.Steps)
	require.Equal(t, run.StatusQueued, stored.Status)
	require.JSONEq(t, string(rec.Params), string(stored.Params))

	stored.Status = run.StatusCompleted
	stored.StepIndex = len(stored.Steps)
	stored.Result = json.RawMessage(`{"report":"done","files":[]}`)
	require.NoError(t, store.UpdateRun(ctx, stored))

	updated, err := store.LoadRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, run.StatusCompleted, updated.Status)
	require.Equal(t, len(rec.Steps), updated.StepIndex)
	require.JSONEq(t, `{"report":"done","files":[]}`, string(updated.Result))

	_, err = store.LoadRun(ctx, "missing")
	require.ErrorIs(t, err, run.ErrNotFound)

	require.ErrorIs(t, store.UpdateRun(ctx, testRecord("missing")), run.ErrNotFound)
}

func TestCommitStepIsWriteOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateRun(ctx, testRecord("run-1")))

	first := run.StepRecord{
		RunID:       "run-1",
		Step:        "brainstorm",
		Status:      run.StepSuccess,
		Output:      json.RawMessage(`{"queries":["a","b","c"]}`),
		Attempts:    1,
		StartedAt:   time.Now().UTC(),
		CompletedAt: time.Now().UTC(),
	}
	require.NoError(t, store.CommitStep(ctx, first))

	out, ok, err := store.StepResult(ctx, "run-1", "brainstorm")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"queries":["a","b","c"]}`, string(out))

	// A second commit for the same step must not replace the first output.
	second := first
	second.Output = json.RawMessage(`{"queries":["x","y","z"]}`)
	require.NoError(t, store.CommitStep(ctx, second))

	out, ok, err = store.StepResult(ctx, "run-1", "brainstorm")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"queries":["a","b","c"]}`, string(out), "committed checkpoint must be immutable")
}

func TestFailureNeverDowngradesCommittedStep(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateRun(ctx, testRecord("run-1")))

	committed := run.StepRecord{
		RunID:    "run-1",
		Step:     "retrieve",
		Status:   run.StepSuccess,
		Output:   json.RawMessage(`{"matches":[]}`),
		Attempts: 1,
	}
	require.NoError(t, store.CommitStep(ctx, committed))

	failure := run.StepRecord{
		RunID:    "run-1",
		Step:     "retrieve",
		Status:   run.StepFailure,
		Error:    "late duplicate attempt",
		Attempts: 2,
	}
	require.NoError(t, store.RecordStepFailure(ctx, failure))

	out, ok, err := store.StepResult(ctx, "run-1", "retrieve")
	require.NoError(t, err)
	require.True(t, ok, "success checkpoint must survive a later failure write")
	require.JSONEq(t, `{"matches":[]}`, string(out))
}

func TestFailureThenCommitUpgrades(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateRun(ctx, testRecord("run-1")))

	failure := run.StepRecord{
		RunID:    "run-1",
		Step:     "synthesize",
		Status:   run.StepFailure,
		Error:    "model timeout",
		Attempts: 1,
	}
	require.NoError(t, store.RecordStepFailure(ctx, failure))

	_, ok, err := store.StepResult(ctx, "run-1", "synthesize")
	require.NoError(t, err)
	require.False(t, ok, "a failure record is not a checkpoint")

	success := run.StepRecord{
		RunID:    "run-1",
		Step:     "synthesize",
		Status:   run.StepSuccess,
		Output:   json.RawMessage(`{"report":"r","files":[]}`),
		Attempts: 2,
	}
	require.NoError(t, store.CommitStep(ctx, success))

	out, ok, err := store.StepResult(ctx, "run-1", "synthesize")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"report":"r","files":[]}`, string(out))
}

func TestStepsAreScopedPerRun(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateRun(ctx, testRecord("run-a")))
	require.NoError(t, store.CreateRun(ctx, testRecord("run-b")))

	require.NoError(t, store.CommitStep(ctx, run.StepRecord{
		RunID:  "run-a",
		Step:   "brainstorm",
		Status: run.StepSuccess,
		Output: json.RawMessage(`{"run":"a"}`),
	}))
	require.NoError(t, store.CommitStep(ctx, run.StepRecord{
		RunID:  "run-b",
		Step:   "brainstorm",
		Status: run.StepSuccess,
		Output: json.RawMessage(`{"run":"b"}`),
	}))

	out, ok, err := store.StepResult(ctx, "run-a", "brainstorm")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"run":"a"}`, string(out))
	out, ok, err = store.StepResult(ctx, "run-b", "brainstorm")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"run":"b"}`, string(out))
}
