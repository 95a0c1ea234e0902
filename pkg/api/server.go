// Package api exposes the orchestrator, redo drafts and the production queue
// over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/StepTenInc/contentflow/internal/logging"
	"github.com/StepTenInc/contentflow/pkg/pipeline"
	"github.com/StepTenInc/contentflow/pkg/queue"
	"github.com/StepTenInc/contentflow/pkg/stage"
	"github.com/StepTenInc/contentflow/pkg/store"
)

const maxBodyBytes = 1 << 20

// Server routes API requests.
type Server struct {
	store   store.Store
	orch    *pipeline.Orchestrator
	worker  *queue.Worker
	drafts  *DraftBook
	metrics http.Handler
	logger  *slog.Logger
	clock   func() time.Time
}

// Option customizes a Server.
type Option func(*Server)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics serves h on /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithDraftBook replaces the default draft book.
func WithDraftBook(b *DraftBook) Option {
	return func(s *Server) {
		if b != nil {
			s.drafts = b
		}
	}
}

// WithClock allows tests to control durations.
func WithClock(clock func() time.Time) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// New returns a Server. worker may be nil when the queue is not served.
func New(st store.Store, orch *pipeline.Orchestrator, worker *queue.Worker, opts ...Option) *Server {
	s := &Server{
		store:  st,
		orch:   orch,
		worker: worker,
		drafts: NewDraftBook(DefaultDraftTTL),
		logger: logging.New("api"),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST "+pipeline.Endpoint, s.handleOrchestrate)
	mux.HandleFunc("GET /api/pipelines", s.handleListPipelines)
	mux.HandleFunc("GET /api/pipelines/{id}", s.handleGetPipeline)
	mux.HandleFunc("POST /api/pipelines/{id}/redo/{stage}", s.handleRedo)
	mux.HandleFunc("GET /api/drafts/{id}", s.handleGetDraft)
	mux.HandleFunc("POST /api/drafts/{id}/accept", s.handleAccept)
	mux.HandleFunc("POST /api/drafts/{id}/reject", s.handleReject)
	if s.worker != nil {
		mux.HandleFunc("GET /api/queue", s.handleQueueOverview)
		mux.HandleFunc("POST /api/queue", s.handleQueueCommand)
		mux.HandleFunc("PATCH /api/queue", s.handleQueueAction)
		mux.HandleFunc("POST /api/queue/items", s.handleQueueAdd)
	}
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok", "pendingDrafts": s.drafts.Len()}
	if s.worker != nil {
		body["queueRunning"] = s.worker.Running()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleOrchestrate(w http.ResponseWriter, r *http.Request) {
	start := s.clock()
	var req pipeline.Request
	if !decode(w, r, &req) {
		return
	}
	res, err := s.orch.Run(r.Context(), req)
	if err != nil {
		body := map[string]any{"success": false, "error": err.Error(), "duration": seconds(s.clock().Sub(start))}
		status := http.StatusInternalServerError
		var stageErr *pipeline.StageError
		switch {
		case errors.Is(err, pipeline.ErrInvalidBrief):
			status = http.StatusBadRequest
		case errors.As(err, &stageErr):
			body["stage"] = stageErr.Stage
			body["pipelineId"] = stageErr.PipelineID
			body["duration"] = seconds(stageErr.Duration)
		}
		writeJSON(w, status, body)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	list, err := s.store.ListPipelines(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pipelines": list})
}

func (s *Server) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	rec, err := s.orch.Pipeline(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRedo(w http.ResponseWriter, r *http.Request) {
	n, err := stage.Parse(r.PathValue("stage"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	d, err := s.orch.Redo(r.Context(), r.PathValue("id"), n)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	s.drafts.Put(d)
	s.logger.InfoContext(r.Context(), "draft created", "draft_id", d.ID, "pipeline_id", d.PipelineID, "stage", d.Stage)
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleGetDraft(w http.ResponseWriter, r *http.Request) {
	d, ok := s.drafts.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "draft not found")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	d, ok := s.drafts.Take(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "draft not found")
		return
	}
	if err := s.orch.Accept(r.Context(), d); err != nil {
		s.drafts.Put(d)
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "pipelineId": d.PipelineID, "stage": d.Stage})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	d, ok := s.drafts.Take(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "draft not found")
		return
	}
	s.orch.Reject(r.Context(), d)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "pipelineId": d.PipelineID, "stage": d.Stage})
}

// statusFor maps domain errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrStageNotCompleted),
		errors.Is(err, pipeline.ErrNotRedoable),
		errors.Is(err, store.ErrAlreadyClaimed),
		errors.Is(err, queue.ErrInProgress):
		return http.StatusConflict
	case errors.Is(err, queue.ErrUnknownAction):
		return http.StatusBadRequest
	case pipeline.IsStageError(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

func seconds(d time.Duration) float64 {
	return float64(d.Milliseconds()) / 1000
}
