package queue

import (
	"fmt"
	"strings"

	"github.com/StepTenInc/contentflow/pkg/pipeline"
	"github.com/StepTenInc/contentflow/pkg/quality"
	"github.com/StepTenInc/contentflow/pkg/store"
)

// BuildBrief writes the run brief for a queue item.
func BuildBrief(item *store.QueueItem) string {
	level := quality.ParseLevel(item.Level)
	scope := "focused supporting article (1800-2500 words)"
	if level.IsPillar() {
		scope = "comprehensive pillar page (3000-4500 words)"
	}

	parts := []string{
		"Write an article about: " + item.Title,
		"",
		"TARGET KEYWORDS: " + item.TargetKeywords,
		"CONTENT SUMMARY: " + item.ContentSummary,
		"SILO: " + item.SiloName,
		"ARTICLE LEVEL: " + string(level),
		"SLUG: " + item.Slug,
		"",
		fmt.Sprintf("This is a %s for the %s silo.", scope, item.SiloName),
		"",
		"Write for Filipino BPO workers.",
		"Use specific Philippine examples, peso salary figures and real company names.",
	}
	if item.ClusterName != "" {
		parts = append(parts, "KEYWORD CLUSTER: "+item.ClusterName)
	}
	return strings.Join(parts, "\n")
}

// FocusKeyword is the first target keyword, or the title.
func FocusKeyword(item *store.QueueItem) string {
	first, _, _ := strings.Cut(item.TargetKeywords, ",")
	if kw := strings.TrimSpace(first); kw != "" {
		return kw
	}
	return item.Title
}

// RequestFor builds the run request for a queue item. Queue runs always
// publish.
func RequestFor(item *store.QueueItem) pipeline.Request {
	return pipeline.Request{
		Brief:        BuildBrief(item),
		AutoPublish:  true,
		ForcePublish: true,
		QueueItemID:  item.ID,
		Topic:        item.Title,
		FocusKeyword: FocusKeyword(item),
		SiloTopic:    item.SiloName,
		Slug:         item.Slug,
		Level:        string(quality.ParseLevel(item.Level)),
		SiloID:       item.SiloID,
	}
}
