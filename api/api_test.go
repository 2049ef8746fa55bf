package api_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/quest/api"
	"goa.design/quest/runtime/genai"
	"goa.design/quest/runtime/pipeline/orchestrator"
	"goa.design/quest/runtime/pipeline/run"
	runmem "goa.design/quest/runtime/pipeline/run/inmem"
	statusmem "goa.design/quest/runtime/pipeline/status/inmem"
	"goa.design/quest/runtime/pipeline/stream"
	"goa.design/quest/runtime/retrieval"
)

type stubVectorIndex struct{}

func (stubVectorIndex) Embed(context.Context, string) ([]float32, error) {
	return []float32{0.1}, nil
}

func (stubVectorIndex) Query(context.Context, []float32, int) ([]retrieval.Match, error) {
	return []retrieval.Match{{URL: "https://docs/a", Title: "a", Score: 0.9, Source: retrieval.SourceVector}}, nil
}

type stubLexicalStore struct{}

func (stubLexicalStore) Search(context.Context, string, int) ([]retrieval.Match, error) {
	return nil, nil
}

type schemaStructurer map[string]string

func (s schemaStructurer) InferStructured(_ context.Context, req genai.StructureRequest) (string, error) {
	out, ok := s[req.SchemaName]
	if !ok {
		return "", fmt.Errorf("no canned output for schema %q", req.SchemaName)
	}
	return out, nil
}

// fakeSubscriber replays a fixed envelope sequence for any run.
type fakeSubscriber struct {
	envs []stream.Envelope
}

func (f *fakeSubscriber) Subscribe(_ context.Context, runID string) (<-chan stream.Envelope, <-chan error, context.CancelFunc, error) {
	envs := make(chan stream.Envelope, len(f.envs))
	errs := make(chan error)
	for _, env := range f.envs {
		env.RunID = runID
		envs <- env
	}
	close(envs)
	close(errs)
	return envs, errs, func() {}, nil
}

func newTestHandler(t *testing.T, opts func(*api.Options)) (http.Handler, *orchestrator.Orchestrator) {
	t.Helper()
	gen, err := genai.New(genai.Options{
		Reasoner: genai.ReasonerFunc(func(_ context.Context, req genai.ReasonRequest) (string, error) {
			return "reasoned", nil
		}),
		Structurer: schemaStructurer{
			"sub_queries":     `{"queries":["a","b","c"]}`,
			"research_report": `{"report":"done","files":[]}`,
		},
	})
	require.NoError(t, err)
	ret, err := retrieval.New(stubVectorIndex{}, stubLexicalStore{})
	require.NoError(t, err)
	orc, err := orchestrator.New(orchestrator.Options{
		Store:       runmem.New(),
		StatusKV:    statusmem.New(),
		Generator:   gen,
		Retriever:   ret,
		MaxAttempts: 1,
		BackoffBase: time.Millisecond,
	})
	require.NoError(t, err)

	o := api.Options{Orchestrator: orc}
	if opts != nil {
		opts(&o)
	}
	_, handler, err := api.New(o)
	require.NoError(t, err)
	return handler, orc
}

func drain(t *testing.T, orc *orchestrator.Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, orc.Drain(ctx))
}

func TestSubmitResearchReturnsSessionID(t *testing.T) {
	handler, orc := newTestHandler(t, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/research",
		strings.NewReader(`{"query":"can we migrate to event sourcing?","mode":"feasibility"}`))
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.SessionID)
	drain(t, orc)

	// The accepted run progresses to completion and its snapshot is served.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/research/"+resp.SessionID, nil)
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var snap struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Equal(t, string(run.StatusCompleted), snap.Status)
	require.JSONEq(t, `{"report":"done","files":[]}`, string(snap.Data))
}

func TestSubmitResearchDefaultsToFeasibilityMode(t *testing.T) {
	handler, orc := newTestHandler(t, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/research", strings.NewReader(`{"query":"q"}`))
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	drain(t, orc)
}

func TestSubmitResearchValidation(t *testing.T) {
	handler, _ := newTestHandler(t, nil)

	cases := []struct {
		name string
		body string
	}{
		{"missing query", `{"mode":"feasibility"}`},
		{"unknown mode", `{"query":"q","mode":"clairvoyance"}`},
		{"unknown field", `{"query":"q","extra":true}`},
		{"malformed json", `{"query":`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/research", strings.NewReader(tc.body))
			handler.ServeHTTP(rec, req)
			require.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestSubmitRunByKind(t *testing.T) {
	handler, orc := newTestHandler(t, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/runs/research",
		strings.NewReader(`{"query":"q","mode":"enrichment"}`))
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	drain(t, orc)
}

func TestSubmitRunUnknownKind(t *testing.T) {
	handler, _ := newTestHandler(t, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/runs/clairvoyance", strings.NewReader(`{}`))
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetUnknownRun(t *testing.T) {
	handler, _ := newTestHandler(t, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/runs/nope", nil)
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamWithoutSubscriber(t *testing.T) {
	handler, _ := newTestHandler(t, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/runs/r1?stream=true", nil)
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestStreamRelaysEnvelopesUntilTerminal(t *testing.T) {
	sub := &fakeSubscriber{envs: []stream.Envelope{
		stream.New(stream.EventProgress, "", "brainstorming", nil),
		stream.New(stream.EventData, "", "", json.RawMessage(`{"queries":["a","b","c"]}`)),
		stream.New(stream.EventComplete, "", "done", json.RawMessage(`{"report":"r","files":[]}`)),
	}}
	handler, _ := newTestHandler(t, func(o *api.Options) { o.Subscriber = sub })

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/runs/r1?stream=true", nil)
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	envs, err := stream.NewDecoder().Feed(rec.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, envs, 3)
	require.Equal(t, stream.EventProgress, envs[0].Type)
	require.Equal(t, "r1", envs[0].RunID)
	require.Equal(t, stream.EventComplete, envs[2].Type)
	require.JSONEq(t, `{"report":"r","files":[]}`, string(envs[2].Data))
}

func TestHealthEndpoint(t *testing.T) {
	handler, _ := newTestHandler(t, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
