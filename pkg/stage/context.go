package stage

import (
	"github.com/StepTenInc/contentflow/pkg/quality"
)

// DefaultCategory is used for meta generation when the plan names no silo.
const DefaultCategory = "BPO & Outsourcing"

// Options are the caller-supplied run parameters carried alongside the brief.
type Options struct {
	Topic        string
	FocusKeyword string
	SiloTopic    string
	SiloID       string
	Slug         string
	Level        quality.Level
	AutoPublish  bool
	ForcePublish bool
}

// Context is the accumulated, read-only state handed to each stage. With
// returns a new Context; an existing value never changes.
//
// Payload values are shared between generations and must be treated as
// read-only by callers.
type Context struct {
	brief   string
	opts    Options
	merged  map[string]any
	outputs map[Name]map[string]any
}

// NewContext starts a context holding only the brief and options.
func NewContext(brief string, opts Options) Context {
	if opts.Level == "" {
		opts.Level = quality.Supporting
	}
	return Context{
		brief:   brief,
		opts:    opts,
		merged:  map[string]any{"brief": brief},
		outputs: map[Name]map[string]any{},
	}
}

// With merges a stage's output over the accumulated data.
func (c Context) With(n Name, data map[string]any) Context {
	merged := make(map[string]any, len(c.merged)+len(data))
	for k, v := range c.merged {
		merged[k] = v
	}
	for k, v := range data {
		merged[k] = v
	}
	outputs := make(map[Name]map[string]any, len(c.outputs)+1)
	for k, v := range c.outputs {
		outputs[k] = v
	}
	outputs[n] = data
	return Context{brief: c.brief, opts: c.opts, merged: merged, outputs: outputs}
}

// Brief returns the original brief text.
func (c Context) Brief() string { return c.brief }

// Options returns the run options.
func (c Context) Options() Options { return c.opts }

// Has reports whether stage n has contributed output.
func (c Context) Has(n Name) bool {
	_, ok := c.outputs[n]
	return ok
}

// Output returns the raw output of stage n, or nil.
func (c Context) Output(n Name) map[string]any {
	return c.outputs[n]
}

// Value returns a top-level value from the merged data.
func (c Context) Value(key string) any {
	return c.merged[key]
}

// String returns a top-level string value, or "".
func (c Context) String(key string) string {
	s, _ := c.merged[key].(string)
	return s
}

// Plan returns the plan produced by the plan stage. Later stages that echo a
// "plan" key do not replace it.
func (c Context) Plan() map[string]any {
	if out := c.outputs[Plan]; out != nil {
		if p, ok := out["plan"].(map[string]any); ok {
			return p
		}
	}
	p, _ := c.merged["plan"].(map[string]any)
	return p
}

// Title returns the planned article title.
func (c Context) Title() string {
	s, _ := c.Plan()["title"].(string)
	return s
}

// Category returns the plan's silo, or DefaultCategory.
func (c Context) Category() string {
	if s, _ := c.Plan()["silo"].(string); s != "" {
		return s
	}
	return DefaultCategory
}

// Keywords flattens the plan's main and cluster keywords.
func (c Context) Keywords() []string {
	kw, _ := c.Plan()["keywords"].(map[string]any)
	if main, ok := kw["main"].([]any); ok {
		return stringsOf(main)
	}
	var out []string
	if main, _ := kw["main"].(string); main != "" {
		out = append(out, main)
	}
	if cluster, ok := kw["cluster"].([]any); ok {
		out = append(out, stringsOf(cluster)...)
	}
	return out
}

// DraftArticle is the humanized article, or the raw one.
func (c Context) DraftArticle() string {
	return firstNonEmpty(c.String("humanizedArticle"), c.String("article"))
}

// BestArticle is the most processed article text available.
func (c Context) BestArticle() string {
	return firstNonEmpty(c.String("optimizedArticle"), c.String("humanizedArticle"), c.String("article"), c.String("rawArticle"))
}

func stringsOf(in []any) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
