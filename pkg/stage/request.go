package stage

import "fmt"

// Publication statuses requested from the finalize stage.
const (
	StatusPublished = "published"
	StatusReview    = "review"
)

// BuildRequest assembles the JSON body sent to stage n.
func BuildRequest(n Name, c Context, pipelineID string) (map[string]any, error) {
	opts := c.Options()
	isPillar := opts.Level.IsPillar()

	switch n {
	case Research:
		length := "medium"
		if isPillar {
			length = "long"
		}
		return map[string]any{
			"topic":         opts.Topic,
			"focusKeyword":  opts.FocusKeyword,
			"siloTopic":     opts.SiloTopic,
			"originalBrief": c.Brief(),
			"isPillar":      isPillar,
			"articleLength": length,
			"pipelineId":    pipelineID,
		}, nil
	case Plan:
		return map[string]any{
			"topic":            opts.Topic,
			"focusKeyword":     opts.FocusKeyword,
			"siloTopic":        opts.SiloTopic,
			"originalBrief":    c.Brief(),
			"research":         c.Value("research"),
			"isPillar":         isPillar,
			"slug":             opts.Slug,
			"pipelineId":       pipelineID,
			"skipPostCreation": true,
		}, nil
	case Write:
		return map[string]any{
			"plan":       c.Plan(),
			"research":   c.Value("research"),
			"brief":      c.Brief(),
			"pipelineId": pipelineID,
		}, nil
	case Humanize:
		return map[string]any{
			"article":    c.String("article"),
			"title":      c.Title(),
			"pipelineId": pipelineID,
		}, nil
	case SEO:
		return map[string]any{
			"article":    c.DraftArticle(),
			"title":      c.Title(),
			"keywords":   c.Keywords(),
			"plan":       c.Plan(),
			"pipelineId": pipelineID,
		}, nil
	case Meta:
		return map[string]any{
			"article":       c.BestArticle(),
			"title":         c.Title(),
			"keywords":      c.Keywords(),
			"originalBrief": c.Brief(),
			"plan":          c.Plan(),
			"category":      c.Category(),
			"pipelineId":    pipelineID,
		}, nil
	case Finalize:
		status := StatusReview
		if opts.AutoPublish {
			status = StatusPublished
		}
		return map[string]any{
			"pipelineId":   pipelineID,
			"forcePublish": opts.ForcePublish,
			"status":       status,
		}, nil
	default:
		return nil, fmt.Errorf("unknown stage %q", n)
	}
}

// requiredFields lists gjson paths a successful payload must carry.
var requiredFields = map[Name][]string{
	Research: {"research"},
	Plan:     {"plan"},
	Write:    {"article"},
	Humanize: {"humanizedArticle"},
	SEO:      {"optimizedArticle"},
}
