package stagehost

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/StepTenInc/contentflow/pkg/adapter"
	"github.com/StepTenInc/contentflow/pkg/quality"
	"github.com/StepTenInc/contentflow/pkg/stage"
)

// eventWriter writes server-sent events and flushes after each one.
type eventWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newEventWriter(w http.ResponseWriter) *eventWriter {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	f, _ := w.(http.Flusher)
	return &eventWriter{w: w, flusher: f}
}

func (e *eventWriter) send(event string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", event, b); err != nil {
		return err
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}

// write streams the write stage. Failures that a retry could fix are
// answered with a status code before the stream opens; the rest arrive as an
// error event.
func (h *Host) write(w http.ResponseWriter, r *http.Request, p payload, start time.Time) {
	gen, err := h.generate(r.Context(), stage.Write, p)
	if err != nil && (adapter.IsTransient(err) || errors.Is(err, errNoAdapter)) {
		h.writeAdapterError(w, r, stage.Write, err)
		return
	}

	sse := newEventWriter(w)
	if err != nil {
		_ = sse.send("error", map[string]any{"success": false, "error": err.Error()})
		return
	}

	article := strings.TrimSpace(gen.Artifact.Content)
	plan := p.obj("plan")
	words := quality.CountWords(article)
	_ = sse.send("progress", map[string]any{"percent": 70, "message": "Article drafted", "wordCount": words})

	metrics := quality.Measure(article, plan)
	rng, level := quality.TargetsForPlan(plan)
	_ = sse.send("progress", map[string]any{"percent": 90, "message": "Quality measured", "seoScore": metrics.SEOScore})

	_ = sse.send("complete", map[string]any{
		"success":          true,
		"article":          article,
		"wordCount":        words,
		"metrics":          metrics,
		"wordCountWarning": quality.Warning(words, rng, level),
		"artifact":         gen.Artifact.Summary(),
		"processingTime":   h.now().Sub(start).Milliseconds(),
	})
}
