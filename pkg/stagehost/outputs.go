package stagehost

import (
	"regexp"
	"strings"

	"github.com/StepTenInc/contentflow/pkg/quality"
	"github.com/StepTenInc/contentflow/pkg/response"
	"github.com/StepTenInc/contentflow/pkg/stage"
)

const (
	metaTitleLength       = 60
	metaDescriptionLength = 155
)

// shapers turn model output into the stage's response fields.
var shapers = map[stage.Name]func(p payload, content string) map[string]any{
	stage.Research: func(_ payload, content string) map[string]any {
		return map[string]any{"research": content}
	},
	stage.Plan: func(p payload, content string) map[string]any {
		return map[string]any{"plan": planFrom(p, content)}
	},
	stage.Humanize: func(p payload, content string) map[string]any {
		return map[string]any{
			"humanizedArticle": content,
			"wordCount":        quality.CountWords(content),
			"wordCountChange":  quality.CountWords(content) - quality.CountWords(p.str("article")),
		}
	},
	stage.SEO: func(p payload, content string) map[string]any {
		m := quality.Measure(content, p.obj("plan"))
		return map[string]any{
			"optimizedArticle": content,
			"seoStats": map[string]any{
				"seoScore":       m.SEOScore,
				"wordCount":      m.WordCount,
				"keywordCount":   m.KeywordCount,
				"keywordDensity": m.KeywordDensity,
				"links":          m.Links,
			},
		}
	},
	stage.Meta: func(p payload, content string) map[string]any {
		return map[string]any{"meta": metaFrom(p, content)}
	},
}

// extractJSON finds the outermost JSON object in model output, which may be
// wrapped in prose or a code fence.
func extractJSON(content string) (map[string]any, bool) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, false
	}
	obj, err := response.Parse([]byte(content[start : end+1]))
	if err != nil {
		return nil, false
	}
	return obj, true
}

func planFrom(p payload, content string) map[string]any {
	plan, ok := extractJSON(content)
	if !ok {
		plan = map[string]any{"outline": strings.TrimSpace(content)}
	}
	if nested, ok := plan["plan"].(map[string]any); ok {
		plan = nested
	}

	title := p.str("topic")
	if title == "" {
		title = "Untitled"
	}
	setDefault(plan, "title", title)
	setDefault(plan, "silo", p.str("siloTopic"))
	if slug := p.str("slug"); slug != "" {
		plan["slug"] = slug
	} else {
		t, _ := plan["title"].(string)
		setDefault(plan, "slug", quality.Slugify(t))
	}
	if _, ok := plan["keywords"]; !ok && p.str("focusKeyword") != "" {
		plan["keywords"] = map[string]any{"main": p.str("focusKeyword"), "cluster": []any{}}
	}

	articleType := "supporting"
	if p.bool("isPillar") {
		articleType = "pillar"
	}
	analysis, _ := plan["competitorAnalysis"].(map[string]any)
	if analysis == nil {
		analysis = map[string]any{}
		plan["competitorAnalysis"] = analysis
	}
	setDefault(analysis, "articleType", articleType)
	return plan
}

func metaFrom(p payload, content string) map[string]any {
	meta, ok := extractJSON(content)
	if !ok {
		meta = map[string]any{}
	}
	setDefault(meta, "metaTitle", truncateRunes(p.str("title"), metaTitleLength))
	setDefault(meta, "metaDescription", Description(p.str("article")))
	setDefault(meta, "category", p.str("category"))
	if _, ok := meta["keywords"]; !ok {
		meta["keywords"] = p.strs("keywords")
	}
	return meta
}

func setDefault(m map[string]any, key string, v any) {
	switch cur := m[key].(type) {
	case nil:
		m[key] = v
	case string:
		if cur == "" {
			m[key] = v
		}
	}
}

var markdownRe = regexp.MustCompile(`[*_` + "`" + `>#\[\]]|\(http[^)]*\)`)

// Description is the first prose paragraph of a markdown article, stripped of
// markup and cut to a meta description.
func Description(markdown string) string {
	for _, para := range strings.Split(markdown, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" || strings.HasPrefix(para, "#") || strings.HasPrefix(para, "|") {
			continue
		}
		text := strings.Join(strings.Fields(markdownRe.ReplaceAllString(para, "")), " ")
		if text != "" {
			return truncateRunes(text, metaDescriptionLength)
		}
	}
	return ""
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n]))
}
