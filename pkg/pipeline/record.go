package pipeline

import (
	"encoding/json"

	"github.com/StepTenInc/contentflow/pkg/quality"
	"github.com/StepTenInc/contentflow/pkg/stage"
	"github.com/StepTenInc/contentflow/pkg/store"
)

// Plan keys carrying the queue item's slug and silo through to finalize.
const (
	planQueueSlug = "_queueSlug"
	planQueueSilo = "_queueSilo"
)

// queueStatus is the queue item status shown while a stage runs.
var queueStatus = map[stage.Name]store.QueueStatus{
	stage.Research: store.QueueResearch,
	stage.Plan:     store.QueueIdea,
	stage.Write:    store.QueueWriting,
	stage.Humanize: store.QueueHumanizing,
	stage.SEO:      store.QueueSEO,
	stage.Meta:     store.QueueSEO,
	stage.Finalize: store.QueuePublishing,
}

// queueMeta is injected into the persisted plan.
type queueMeta struct {
	slug string
	silo string
}

// stageFields maps a stage payload onto the record fields owned by that
// stage. CurrentStage is left for the caller to set.
func stageFields(n stage.Name, data map[string]any, qm queueMeta) store.PipelineUpdate {
	var u store.PipelineUpdate
	switch n {
	case stage.Research:
		u.ResearchSynthesis = rawOrNull(data["research"])
		u.SerperResults = rawOrNull(data["serperResults"])
	case stage.Plan:
		plan, _ := data["plan"].(map[string]any)
		withQueue := make(map[string]any, len(plan)+2)
		for k, v := range plan {
			withQueue[k] = v
		}
		withQueue[planQueueSlug] = qm.slug
		withQueue[planQueueSilo] = qm.silo
		u.ArticlePlan = rawOrNull(withQueue)
	case stage.Write:
		u.RawArticle = store.Ptr(stringOf(data["article"]))
		words := intOf(data["wordCount"])
		if words == 0 {
			if m, ok := data["metrics"].(map[string]any); ok {
				words = intOf(m["wordCount"])
			}
		}
		u.WordCount = store.Ptr(words)
	case stage.Humanize:
		u.HumanizedArticle = store.Ptr(stringOf(data["humanizedArticle"]))
		u.HumanScore = store.Ptr(floatOf(data["humanScore"]))
	case stage.SEO:
		u.SEOArticle = store.Ptr(stringOf(data["optimizedArticle"]))
		stats := data["seoStats"]
		if stats == nil {
			stats = data["stats"]
		}
		u.SEOStats = rawOrNull(stats)
	case stage.Meta:
		if meta, ok := data["meta"]; ok && meta != nil {
			u.MetaData = rawOrNull(meta)
		} else {
			u.MetaData = rawOrNull(data)
		}
	}
	return u
}

// stageOutput rebuilds the payload a stage produced from the record.
func stageOutput(p *store.Pipeline, n stage.Name) map[string]any {
	switch n {
	case stage.Research:
		return map[string]any{
			"research":      decodeRaw(p.ResearchSynthesis),
			"serperResults": decodeRaw(p.SerperResults),
		}
	case stage.Plan:
		return map[string]any{"plan": decodeRaw(p.ArticlePlan)}
	case stage.Write:
		return map[string]any{"article": p.RawArticle, "wordCount": p.WordCount}
	case stage.Humanize:
		return map[string]any{"humanizedArticle": p.HumanizedArticle, "humanScore": p.HumanScore}
	case stage.SEO:
		return map[string]any{"optimizedArticle": p.SEOArticle, "seoStats": decodeRaw(p.SEOStats)}
	case stage.Meta:
		return map[string]any{"meta": decodeRaw(p.MetaData)}
	default:
		return map[string]any{}
	}
}

// runOptions is the persisted form of stage.Options.
type runOptions struct {
	Topic        string `json:"topic,omitempty"`
	FocusKeyword string `json:"focusKeyword,omitempty"`
	SiloTopic    string `json:"siloTopic,omitempty"`
	SiloID       string `json:"siloId,omitempty"`
	Slug         string `json:"slug,omitempty"`
	Level        string `json:"level,omitempty"`
	AutoPublish  bool   `json:"autoPublish,omitempty"`
	ForcePublish bool   `json:"forcePublish,omitempty"`
}

func encodeOptions(o stage.Options) json.RawMessage {
	b, err := json.Marshal(runOptions{
		Topic:        o.Topic,
		FocusKeyword: o.FocusKeyword,
		SiloTopic:    o.SiloTopic,
		SiloID:       o.SiloID,
		Slug:         o.Slug,
		Level:        string(o.Level),
		AutoPublish:  o.AutoPublish,
		ForcePublish: o.ForcePublish,
	})
	if err != nil {
		return nil
	}
	return b
}

// optionsFromRecord restores the options a run started with. Records
// written before options were stored fall back to what the plan carries.
func optionsFromRecord(p *store.Pipeline, plan map[string]any) stage.Options {
	var ro runOptions
	if len(p.RunOptions) > 0 && json.Unmarshal(p.RunOptions, &ro) == nil {
		return stage.Options{
			Topic:        ro.Topic,
			FocusKeyword: ro.FocusKeyword,
			SiloTopic:    ro.SiloTopic,
			SiloID:       ro.SiloID,
			Slug:         ro.Slug,
			Level:        quality.ParseLevel(ro.Level),
			AutoPublish:  ro.AutoPublish,
			ForcePublish: ro.ForcePublish,
		}
	}
	_, level := quality.TargetsForPlan(plan)
	opts := stage.Options{
		SiloTopic: p.SelectedSilo,
		SiloID:    p.SelectedSiloID,
		Slug:      stringOf(plan[planQueueSlug]),
		Level:     level,
	}
	if opts.SiloTopic == "" {
		opts.SiloTopic = stringOf(plan[planQueueSilo])
	}
	return opts
}

// contextFromRecord rebuilds the context stage n saw, using only the outputs
// of the stages before it.
func contextFromRecord(p *store.Pipeline, n stage.Name) stage.Context {
	plan, _ := decodeRaw(p.ArticlePlan).(map[string]any)
	c := stage.NewContext(p.BriefTranscript, optionsFromRecord(p, plan))
	for _, prev := range n.Previous() {
		c = c.With(prev, stageOutput(p, prev))
	}
	return c
}

func queueMetaFrom(p *store.Pipeline) queueMeta {
	plan, _ := decodeRaw(p.ArticlePlan).(map[string]any)
	return queueMeta{slug: stringOf(plan[planQueueSlug]), silo: stringOf(plan[planQueueSilo])}
}

// articleID extracts the published article's id from the finalize payload.
func articleID(article any) string {
	m, ok := article.(map[string]any)
	if !ok {
		return ""
	}
	return stringOf(m["id"])
}

func rawOrNull(v any) json.RawMessage {
	if v == nil {
		return json.RawMessage("null")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}

func decodeRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(r, &v); err != nil {
		return nil
	}
	return v
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}

func intOf(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	default:
		return 0
	}
}

func floatOf(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	default:
		return 0
	}
}
