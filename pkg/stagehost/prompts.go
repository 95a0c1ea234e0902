package stagehost

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/StepTenInc/contentflow/pkg/quality"
	"github.com/StepTenInc/contentflow/pkg/stage"
)

const audience = "Filipino BPO workers and the people who hire them"

var systemPrompts = map[stage.Name]string{
	stage.Research: "You are a research analyst for a careers publication written for " + audience +
		". Produce a factual research synthesis with concrete figures, named companies and sources.",
	stage.Plan: "You are a senior content strategist. Reply with a single JSON object and nothing else.",
	stage.Write: "You are an experienced feature writer for " + audience +
		". Write in markdown. Do not include an H1 heading.",
	stage.Humanize: "You are an editor who rewrites machine-sounding prose so it reads as written by a person. " +
		"Keep every fact, heading and link. Return only the rewritten markdown.",
	stage.SEO: "You are an SEO editor. Improve headings, keyword placement and internal structure without " +
		"changing the meaning. Return only the optimized markdown.",
	stage.Meta: "You write search metadata. Reply with a single JSON object and nothing else.",
}

// buildPrompt returns the system and user prompts for stage n.
func buildPrompt(n stage.Name, p payload) (string, string) {
	var sb strings.Builder
	switch n {
	case stage.Research:
		fmt.Fprintf(&sb, "Research the topic: %s\n", p.str("topic"))
		fmt.Fprintf(&sb, "Focus keyword: %s\n", p.str("focusKeyword"))
		fmt.Fprintf(&sb, "Silo: %s\n", p.str("siloTopic"))
		fmt.Fprintf(&sb, "Planned length: %s\n\n", p.str("articleLength"))
		sb.WriteString("Brief:\n---\n")
		sb.WriteString(p.str("originalBrief"))
		sb.WriteString("\n---\n\nSummarize what a reader needs to know, current salary and market figures, " +
			"common questions and the angles competing articles miss.")
	case stage.Plan:
		articleType := "supporting"
		if p.bool("isPillar") {
			articleType = "pillar"
		}
		fmt.Fprintf(&sb, "Plan a %s article about: %s\n", articleType, p.str("topic"))
		fmt.Fprintf(&sb, "Focus keyword: %s\nSilo: %s\nSlug: %s\n\n", p.str("focusKeyword"), p.str("siloTopic"), p.str("slug"))
		sb.WriteString("Brief:\n---\n")
		sb.WriteString(p.str("originalBrief"))
		sb.WriteString("\n---\n\nResearch:\n---\n")
		sb.WriteString(p.text("research"))
		sb.WriteString("\n---\n\nReturn JSON with keys: title, slug, silo, keywords {main, cluster}, " +
			"structure {metaDescription, sections [{heading, points}]}, " +
			"competitorAnalysis {articleType, minWordCount, maxWordCount, recommendedWordCount}.")
	case stage.Write:
		plan := p.obj("plan")
		r, level := quality.TargetsForPlan(plan)
		fmt.Fprintf(&sb, "Write the %s article planned below.\n", strings.ToLower(string(level)))
		fmt.Fprintf(&sb, "Length: %d to %d words, aiming for %d.\n\n", r.Min, r.Max, r.Target)
		sb.WriteString("Plan:\n---\n")
		sb.WriteString(p.text("plan"))
		sb.WriteString("\n---\n\nResearch:\n---\n")
		sb.WriteString(p.text("research"))
		sb.WriteString("\n---\n\nUse callouts like > [TIP] where they help, tables for comparisons, " +
			"and finish with an FAQ section.")
	case stage.Humanize:
		fmt.Fprintf(&sb, "Rewrite this article titled %q so it sounds human:\n\n", p.str("title"))
		sb.WriteString(p.str("article"))
	case stage.SEO:
		fmt.Fprintf(&sb, "Optimize this article titled %q.\n", p.str("title"))
		fmt.Fprintf(&sb, "Target keywords: %s\n\n", strings.Join(p.strs("keywords"), ", "))
		sb.WriteString(p.str("article"))
	case stage.Meta:
		fmt.Fprintf(&sb, "Write metadata for the article titled %q in category %q.\n", p.str("title"), p.str("category"))
		fmt.Fprintf(&sb, "Keywords: %s\n\n", strings.Join(p.strs("keywords"), ", "))
		sb.WriteString("Return JSON with keys: metaTitle (max 60 chars), metaDescription (max 155 chars), " +
			"ogTitle, ogDescription, tags.\n\nArticle:\n---\n")
		sb.WriteString(p.str("article"))
		sb.WriteString("\n---")
	}
	return systemPrompts[n], sb.String()
}

// payload is a decoded stage request.
type payload map[string]any

func (p payload) str(key string) string {
	s, _ := p[key].(string)
	return s
}

func (p payload) bool(key string) bool {
	b, _ := p[key].(bool)
	return b
}

func (p payload) obj(key string) map[string]any {
	m, _ := p[key].(map[string]any)
	return m
}

func (p payload) strs(key string) []string {
	list, _ := p[key].([]any)
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// text renders a value for inclusion in a prompt.
func (p payload) text(key string) string {
	switch v := p[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}
