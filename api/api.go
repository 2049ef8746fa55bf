// Package api implements the HTTP boundary of the pipeline service. It
// exposes run submission and status endpoints, optional SSE streaming bridged
// from the stream subscriber, and a health endpoint over the storage pingers.
//
// Endpoints:
//
//	POST /research          submit a research run, 202 {"session_id": id}
//	GET  /research/{id}     latest status snapshot; ?stream=true for SSE
//	POST /runs/{kind}       submit any pipeline variant with raw params
//	GET  /runs/{id}         latest status snapshot; ?stream=true for SSE
//	GET  /healthz           aggregate dependency health
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"goa.design/quest/runtime/pipeline/orchestrator"
	"goa.design/quest/runtime/pipeline/run"
	"goa.design/quest/runtime/pipeline/stream"
)

type (
	// Subscriber attaches to the event stream of a run. Implementations:
	// features/stream/pulse.Subscriber.
	Subscriber interface {
		Subscribe(ctx context.Context, runID string) (<-chan stream.Envelope, <-chan error, context.CancelFunc, error)
	}

	// Options configures the HTTP service.
	Options struct {
		// Orchestrator submits and inspects runs. Required.
		Orchestrator *orchestrator.Orchestrator
		// Subscriber serves ?stream=true requests. Optional; streaming
		// requests fail with 501 when nil.
		Subscriber Subscriber
		// Pingers feed the health endpoint.
		Pingers []health.Pinger
		// Debug mounts the debug log enabler and logs request bodies.
		Debug bool
	}

	// Service is the HTTP boundary.
	Service struct {
		orc *orchestrator.Orchestrator
		sub Subscriber
	}

	// researchRequest is the POST /research payload.
	researchRequest struct {
		Query string `json:"query"`
		Mode  string `json:"mode"`
	}

	// submitResponse is the 202 payload of the submission endpoints.
	submitResponse struct {
		SessionID string `json:"session_id"`
	}

	errorResponse struct {
		Error string `json:"error"`
	}
)

// maxBodyBytes bounds request payloads.
const maxBodyBytes = 1 << 20

// New builds the service and its HTTP handler.
func New(opts Options) (*Service, http.Handler, error) {
	if opts.Orchestrator == nil {
		return nil, nil, errors.New("orchestrator is required")
	}
	s := &Service{orc: opts.Orchestrator, sub: opts.Subscriber}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /research", s.submitResearch)
	mux.HandleFunc("GET /research/{id}", s.getRun)
	mux.HandleFunc("POST /runs/{kind}", s.submitRun)
	mux.HandleFunc("GET /runs/{id}", s.getRun)
	mux.Handle("GET /healthz", health.Handler(health.NewChecker(opts.Pingers...)))
	if opts.Debug {
		debug.MountDebugLogEnabler(mux)
		debug.MountPprofHandlers(mux)
	}

	var handler http.Handler = mux
	if opts.Debug {
		handler = debug.HTTP()(handler)
	}
	return s, handler, nil
}

// submitResearch accepts a research run. The run executes detached from the
// request context; the response returns as soon as the run is accepted.
func (s *Service) submitResearch(w http.ResponseWriter, r *http.Request) {
	var req researchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, errors.New("query is required"))
		return
	}
	mode := orchestrator.Mode(req.Mode)
	if req.Mode == "" {
		mode = orchestrator.ModeFeasibility
	}
	if !orchestrator.ValidMode(mode) {
		writeError(w, http.StatusBadRequest, errors.New("unknown research mode"))
		return
	}
	params, err := json.Marshal(orchestrator.ResearchParams{Query: req.Query, Mode: mode})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	id, err := s.orc.Submit(r.Context(), "", run.KindResearch, params)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{SessionID: id})
}

// submitRun accepts any pipeline variant with raw parameters.
func (s *Service) submitRun(w http.ResponseWriter, r *http.Request) {
	kind := run.Kind(r.PathValue("kind"))
	if !run.ValidKind(kind) {
		writeError(w, http.StatusBadRequest, errors.New("unknown pipeline kind"))
		return
	}
	params, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(params) == 0 || !json.Valid(params) {
		writeError(w, http.StatusBadRequest, errors.New("request body must be a JSON object"))
		return
	}
	id, err := s.orc.Submit(r.Context(), "", kind, params)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{SessionID: id})
}

// getRun serves the latest status snapshot, or bridges the run's event stream
// over SSE when ?stream=true.
func (s *Service) getRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, errors.New("run id is required"))
		return
	}
	if r.URL.Query().Get("stream") == "true" {
		s.streamRun(w, r, runID)
		return
	}
	snap, ok, err := s.orc.Status(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("run not found"))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// streamRun relays envelopes to the client as SSE frames until a terminal
// event arrives or the client disconnects. Disconnecting stops delivery only;
// the run keeps executing.
func (s *Service) streamRun(w http.ResponseWriter, r *http.Request, runID string) {
	if s.sub == nil {
		writeError(w, http.StatusNotImplemented, errors.New("streaming is not configured"))
		return
	}
	envs, errs, cancel, err := s.sub.Subscribe(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	enc := stream.NewEncoder(w)
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if !ok {
				// Keep draining envs: the terminal envelope may still be
				// buffered when the error channel closes.
				errs = nil
				continue
			}
			log.Errorf(ctx, err, "stream subscription failed")
			return
		case env, ok := <-envs:
			if !ok {
				return
			}
			if err := enc.Encode(env); err != nil {
				log.Warn(ctx, log.KV{K: "msg", V: "sse write failed"},
					log.KV{K: "run_id", V: runID}, log.KV{K: "err", V: err.Error()})
				return
			}
			if env.Terminal() {
				return
			}
		}
	}
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorResponse{Error: err.Error()})
}
