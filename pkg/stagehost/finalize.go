package stagehost

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/StepTenInc/contentflow/pkg/evidence"
	"github.com/StepTenInc/contentflow/pkg/quality"
	"github.com/StepTenInc/contentflow/pkg/stage"
	"github.com/StepTenInc/contentflow/pkg/store"
)

// finalize publishes the best article on the pipeline record. Articles below
// the minimum word count are held for review unless forcePublish is set.
func (h *Host) finalize(w http.ResponseWriter, r *http.Request, p payload, start time.Time) {
	ctx := r.Context()
	id := p.str("pipelineId")
	if id == "" {
		writeError(w, http.StatusBadRequest, "pipelineId is required")
		return
	}
	rec, err := h.store.GetPipeline(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "pipeline not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	content := firstNonEmpty(rec.SEOArticle, rec.HumanizedArticle, rec.RawArticle)
	if content == "" {
		writeError(w, http.StatusUnprocessableEntity, "pipeline has no article to publish")
		return
	}
	var plan map[string]any
	if len(rec.ArticlePlan) > 0 {
		_ = json.Unmarshal(rec.ArticlePlan, &plan)
	}

	status := stage.StatusReview
	if p.str("status") == stage.StatusPublished {
		status = stage.StatusPublished
	}
	m := quality.Measure(content, plan)
	words := m.WordCount
	rng, level := quality.TargetsForPlan(plan)
	held := status == stage.StatusPublished && !p.bool("forcePublish") &&
		m.WordCountStatus == quality.BelowMinimum
	if held {
		status = stage.StatusReview
	}

	now := h.now().UTC()
	title := stringField(plan, "title")
	art := evidence.ArticleRecord{
		ID:         h.newID(),
		PipelineID: id,
		Slug:       firstNonEmpty(stringField(plan, "_queueSlug"), stringField(plan, "slug"), quality.Slugify(title)),
		Title:      title,
		Category:   firstNonEmpty(stringField(plan, "_queueSilo"), stringField(plan, "silo"), rec.SelectedSilo, stage.DefaultCategory),
		Status:     status,
		WordCount:  words,
		Content:    content,
		Meta:       rec.MetaData,
		CreatedAt:  now,
	}
	if status == stage.StatusPublished {
		art.PublishedAt = &now
	}
	if h.evidence != nil {
		if err := h.evidence.WriteArticle(art); err != nil {
			writeError(w, http.StatusInternalServerError, "save article: "+err.Error())
			return
		}
	}
	if err := h.store.UpdatePipeline(ctx, id, store.PipelineUpdate{InsightID: store.Ptr(art.ID)}); err != nil {
		h.logger.WarnContext(ctx, "record insight id", "pipeline_id", id, "error", err)
	}
	h.logger.InfoContext(ctx, "article finalized", "pipeline_id", id, "article_id", art.ID, "status", status, "words", words)

	out := map[string]any{
		"success": true,
		"article": map[string]any{
			"id":          art.ID,
			"slug":        art.Slug,
			"title":       art.Title,
			"category":    art.Category,
			"status":      art.Status,
			"wordCount":   art.WordCount,
			"publishedAt": art.PublishedAt,
		},
		"quality": map[string]any{
			"score":           m.SEOScore,
			"wordCount":       words,
			"wordCountStatus": m.WordCountStatus,
			"readability":     m.Readability.Grade,
		},
		"published":      status == stage.StatusPublished,
		"processingTime": h.now().Sub(start).Milliseconds(),
	}
	if held {
		out["warning"] = quality.Warning(words, rng, level)
	}
	writeJSON(w, http.StatusOK, out)
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
