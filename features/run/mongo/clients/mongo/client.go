// Package mongo hosts the MongoDB client used by the run store. It owns the
// runs and run_steps collections, their indexes, and the document mapping.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/quest/runtime/pipeline/run"
)

const (
	defaultRunsCollection  = "runs"
	defaultStepsCollection = "run_steps"
	defaultOpTimeout       = 5 * time.Second
	runClientName          = "run-mongo"
)

// Client exposes Mongo-backed operations for run metadata and step
// checkpoints.
type Client interface {
	health.Pinger

	InsertRun(ctx context.Context, rec run.Record) error
	LoadRun(ctx context.Context, runID string) (run.Record, error)
	ReplaceRun(ctx context.Context, rec run.Record) error
	FindStepSuccess(ctx context.Context, runID, step string) (run.StepRecord, bool, error)
	CommitStep(ctx context.Context, rec run.StepRecord) error
	UpsertStepFailure(ctx context.Context, rec run.StepRecord) error
}

// Options configures the Mongo run client.
type Options struct {
	Client          *mongodriver.Client
	Database        string
	RunsCollection  string
	StepsCollection string
	Timeout         time.Duration
}

type client struct {
	mongo   *mongodriver.Client
	runs    *mongodriver.Collection
	steps   *mongodriver.Collection
	timeout time.Duration
}

// New returns a Client backed by MongoDB. It creates the unique indexes the
// checkpoint semantics rely on: run_id on the runs collection and
// (run_id, step) on the steps collection.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	runsColl := opts.RunsCollection
	if runsColl == "" {
		runsColl = defaultRunsCollection
	}
	stepsColl := opts.StepsCollection
	if stepsColl == "" {
		stepsColl = defaultStepsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	c := &client{
		mongo:   opts.Client,
		runs:    db.Collection(runsColl),
		steps:   db.Collection(stepsColl),
		timeout: timeout,
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := c.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *client) Name() string {
	return runClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) InsertRun(ctx context.Context, rec run.Record) error {
	if rec.ID == "" {
		return errors.New("run id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.runs.InsertOne(ctx, fromRun(rec))
	if mongodriver.IsDuplicateKeyError(err) {
		return run.ErrRunExists
	}
	return err
}

func (c *client) LoadRun(ctx context.Context, runID string) (run.Record, error) {
	if runID == "" {
		return run.Record{}, errors.New("run id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc runDocument
	if err := c.runs.FindOne(ctx, bson.M{"run_id": runID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return run.Record{}, run.ErrNotFound
		}
		return run.Record{}, err
	}
	return doc.toRun(), nil
}

func (c *client) ReplaceRun(ctx context.Context, rec run.Record) error {
	if rec.ID == "" {
		return errors.New("run id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	res, err := c.runs.ReplaceOne(ctx, bson.M{"run_id": rec.ID}, fromRun(rec))
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return run.ErrNotFound
	}
	return nil
}

func (c *client) FindStepSuccess(ctx context.Context, runID, step string) (run.StepRecord, bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"run_id": runID, "step": step, "status": string(run.StepSuccess)}
	var doc stepDocument
	if err := c.steps.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return run.StepRecord{}, false, nil
		}
		return run.StepRecord{}, false, err
	}
	return doc.toStep(), true, nil
}

// CommitStep upserts the success checkpoint for (run_id, step). The filter
// excludes documents already marked success, so a concurrent or repeated
// commit leaves the first committed output untouched; the duplicate-key error
// raised by the unique index in that race is reported as success.
func (c *client) CommitStep(ctx context.Context, rec run.StepRecord) error {
	if rec.RunID == "" || rec.Step == "" {
		return errors.New("run id and step are required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	doc := fromStep(rec)
	doc.Status = string(run.StepSuccess)
	filter := bson.M{
		"run_id": rec.RunID,
		"step":   rec.Step,
		"status": bson.M{"$ne": string(run.StepSuccess)},
	}
	_, err := c.steps.UpdateOne(ctx, filter, bson.M{"$set": doc}, options.Update().SetUpsert(true))
	if mongodriver.IsDuplicateKeyError(err) {
		return nil
	}
	return err
}

// UpsertStepFailure records the latest failed attempt. The success guard in
// the filter keeps a committed checkpoint from ever being downgraded.
func (c *client) UpsertStepFailure(ctx context.Context, rec run.StepRecord) error {
	if rec.RunID == "" || rec.Step == "" {
		return errors.New("run id and step are required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	doc := fromStep(rec)
	doc.Status = string(run.StepFailure)
	filter := bson.M{
		"run_id": rec.RunID,
		"step":   rec.Step,
		"status": bson.M{"$ne": string(run.StepSuccess)},
	}
	_, err := c.steps.UpdateOne(ctx, filter, bson.M{"$set": doc}, options.Update().SetUpsert(true))
	if mongodriver.IsDuplicateKeyError(err) {
		return nil
	}
	return err
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *client) ensureIndexes(ctx context.Context) error {
	runIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "run_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := c.runs.Indexes().CreateOne(ctx, runIndex); err != nil {
		return err
	}
	stepIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "run_id", Value: 1}, {Key: "step", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	_, err := c.steps.Indexes().CreateOne(ctx, stepIndex)
	return err
}

type runDocument struct {
	RunID     string    `bson:"run_id"`
	Kind      string    `bson:"kind"`
	Params    []byte    `bson:"params,omitempty"`
	Steps     []string  `bson:"steps"`
	StepIndex int       `bson:"step_index"`
	Status    string    `bson:"status"`
	Result    []byte    `bson:"result,omitempty"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func fromRun(rec run.Record) runDocument {
	return runDocument{
		RunID:     rec.ID,
		Kind:      string(rec.Kind),
		Params:    rec.Params,
		Steps:     rec.Steps,
		StepIndex: rec.StepIndex,
		Status:    string(rec.Status),
		Result:    rec.Result,
		CreatedAt: rec.CreatedAt.UTC(),
		UpdatedAt: rec.UpdatedAt.UTC(),
	}
}

func (doc runDocument) toRun() run.Record {
	return run.Record{
		ID:        doc.RunID,
		Kind:      run.Kind(doc.Kind),
		Params:    doc.Params,
		Steps:     doc.Steps,
		StepIndex: doc.StepIndex,
		Status:    run.Status(doc.Status),
		Result:    doc.Result,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}
}

type stepDocument struct {
	RunID       string    `bson:"run_id"`
	Step        string    `bson:"step"`
	Status      string    `bson:"status"`
	Output      []byte    `bson:"output,omitempty"`
	Error       string    `bson:"error,omitempty"`
	Attempts    int       `bson:"attempts"`
	StartedAt   time.Time `bson:"started_at"`
	CompletedAt time.Time `bson:"completed_at"`
}

func fromStep(rec run.StepRecord) stepDocument {
	return stepDocument{
		RunID:       rec.RunID,
		Step:        rec.Step,
		Status:      string(rec.Status),
		Output:      rec.Output,
		Error:       rec.Error,
		Attempts:    rec.Attempts,
		StartedAt:   rec.StartedAt.UTC(),
		CompletedAt: rec.CompletedAt.UTC(),
	}
}

func (doc stepDocument) toStep() run.StepRecord {
	return run.StepRecord{
		RunID:       doc.RunID,
		Step:        doc.Step,
		Status:      run.StepStatus(doc.Status),
		Output:      doc.Output,
		Error:       doc.Error,
		Attempts:    doc.Attempts,
		StartedAt:   doc.StartedAt,
		CompletedAt: doc.CompletedAt,
	}
}
