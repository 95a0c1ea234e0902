// Package stagehost serves the seven stage endpoints on top of the LLM
// adapters. Each endpoint decodes the stage request, prompts the adapter the
// stage is routed to, and answers in the shape the stage invoker expects.
// The write endpoint answers with an event stream.
package stagehost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/StepTenInc/contentflow/internal/logging"
	"github.com/StepTenInc/contentflow/pkg/adapter"
	"github.com/StepTenInc/contentflow/pkg/config"
	"github.com/StepTenInc/contentflow/pkg/evidence"
	"github.com/StepTenInc/contentflow/pkg/stage"
	"github.com/StepTenInc/contentflow/pkg/store"
	"github.com/google/uuid"
)

const maxBodyBytes = 8 << 20

var (
	errNoAdapter   = errors.New("adapter not configured")
	errEmptyOutput = errors.New("model returned no content")
)

// Host implements the stage endpoints.
type Host struct {
	stages   *config.StagesConfig
	registry adapter.Registry
	store    store.Store
	evidence *evidence.Writer
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// Option configures a Host.
type Option func(*Host)

// WithEvidence records every model call and published article under w.
func WithEvidence(w *evidence.Writer) Option {
	return func(h *Host) { h.evidence = w }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Host) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithClock lets tests control timestamps.
func WithClock(now func() time.Time) Option {
	return func(h *Host) {
		if now != nil {
			h.now = now
		}
	}
}

// WithIDFunc sets how article ids are generated.
func WithIDFunc(f func() string) Option {
	return func(h *Host) {
		if f != nil {
			h.newID = f
		}
	}
}

// New returns a Host routing stages through registry as stages describes.
// The finalize endpoint reads pipeline records from st.
func New(stages *config.StagesConfig, registry adapter.Registry, st store.Store, opts ...Option) *Host {
	h := &Host{
		stages:   stages,
		registry: registry,
		store:    st,
		logger:   logging.New("stagehost"),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handler mounts one POST route per configured stage.
func (h *Host) Handler() http.Handler {
	mux := http.NewServeMux()
	for _, n := range stage.Sequence {
		ep, ok := h.stages.Stages[string(n)]
		if !ok || ep.Path == "" {
			continue
		}
		mux.HandleFunc("POST "+ep.Path, h.endpoint(n))
	}
	return mux
}

func (h *Host) endpoint(n stage.Name) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := h.now()
		var p payload
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&p); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
		switch n {
		case stage.Write:
			h.write(w, r, p, start)
		case stage.Finalize:
			h.finalize(w, r, p, start)
		default:
			h.direct(w, r, n, p, start)
		}
	}
}

func (h *Host) direct(w http.ResponseWriter, r *http.Request, n stage.Name, p payload, start time.Time) {
	gen, err := h.generate(r.Context(), n, p)
	if err != nil {
		h.writeAdapterError(w, r, n, err)
		return
	}
	out := shapers[n](p, strings.TrimSpace(gen.Artifact.Content))
	out["success"] = true
	out["artifact"] = gen.Artifact.Summary()
	out["processingTime"] = h.now().Sub(start).Milliseconds()
	writeJSON(w, http.StatusOK, out)
}

// generate prompts the adapter routed for n and records the call.
func (h *Host) generate(ctx context.Context, n stage.Name, p payload) (*adapter.Response, error) {
	route := h.stages.Route(n)
	a, ok := h.registry.Get(route.Adapter)
	if !ok {
		return nil, fmt.Errorf("%s: %w: %q", n, errNoAdapter, route.Adapter)
	}
	system, prompt := buildPrompt(n, p)

	started := h.now()
	resp, err := a.Generate(ctx, adapter.Request{
		Stage:  string(n),
		Model:  route.Model,
		System: system,
		Prompt: prompt,
	})
	elapsed := h.now().Sub(started)
	h.record(ctx, n, p.str("pipelineId"), route, prompt, resp, err, elapsed)

	logger := h.logger.With("stage", n, "pipeline_id", p.str("pipelineId"), "adapter", route.Adapter, "model", route.Model)
	if err != nil {
		logger.WarnContext(ctx, "generation failed", "error", err, "transient", adapter.IsTransient(err))
		return nil, err
	}
	if strings.TrimSpace(resp.Artifact.Content) == "" {
		return nil, fmt.Errorf("%s: %w", n, errEmptyOutput)
	}
	logger.InfoContext(ctx, "stage generated", "duration", elapsed, "hash", resp.Artifact.Hash)
	return resp, nil
}

func (h *Host) record(ctx context.Context, n stage.Name, pipelineID string, route config.RouteTarget, prompt string, resp *adapter.Response, genErr error, elapsed time.Duration) {
	if h.evidence == nil || pipelineID == "" {
		return
	}
	rec := evidence.StageRecord{
		PipelineID:     pipelineID,
		Stage:          string(n),
		Adapter:        route.Adapter,
		Model:          route.Model,
		PromptHash:     evidence.Hash([]byte(prompt)),
		Blobs:          map[string]string{},
		DurationMillis: elapsed.Milliseconds(),
		Timestamp:      h.now().UTC(),
	}
	if ref, _, err := h.evidence.WriteBlob(pipelineID, string(n)+"_prompt", []byte(prompt)); err == nil {
		rec.Blobs["prompt"] = ref
	}
	if genErr != nil {
		rec.Error = genErr.Error()
	}
	if resp != nil {
		rec.OutputHash = evidence.Hash([]byte(resp.Artifact.Content))
		if ref, _, err := h.evidence.WriteBlob(pipelineID, string(n)+"_output", []byte(resp.Artifact.Content)); err == nil {
			rec.Blobs["output"] = ref
		}
		if resp.Usage != nil {
			rec.PromptTokens = resp.Usage.PromptTokens
			rec.CompletionTokens = resp.Usage.CompletionTokens
		}
	}
	if err := h.evidence.WriteStage(rec); err != nil {
		h.logger.WarnContext(ctx, "write stage evidence", "stage", n, "pipeline_id", pipelineID, "error", err)
	}
}

// writeAdapterError maps generation failures onto statuses the invoker
// understands. Transient provider failures become 503 or 429 so retrying
// stages retry them; anything else is a 4xx.
func (h *Host) writeAdapterError(w http.ResponseWriter, r *http.Request, n stage.Name, err error) {
	status := http.StatusUnprocessableEntity
	switch {
	case errors.Is(err, errNoAdapter):
		status = http.StatusInternalServerError
	case adapter.StatusOf(err) == http.StatusTooManyRequests:
		status = http.StatusTooManyRequests
	case adapter.IsTransient(err):
		status = http.StatusServiceUnavailable
	}
	h.logger.WarnContext(r.Context(), "stage failed", "stage", n, "status", status, "error", err)
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}
