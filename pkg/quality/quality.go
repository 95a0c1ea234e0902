// Package quality measures written articles against their word-count targets
// and a handful of on-page SEO signals.
package quality

import (
	"fmt"
	"regexp"
	"strings"
)

// Level is the article tier chosen when an item is queued.
type Level string

const (
	Supporting Level = "SUPPORTING"
	Pillar     Level = "PILLAR"
)

// ParseLevel normalizes a level string. Anything other than PILLAR is SUPPORTING.
func ParseLevel(s string) Level {
	if strings.EqualFold(strings.TrimSpace(s), string(Pillar)) {
		return Pillar
	}
	return Supporting
}

// IsPillar reports whether the level is the pillar tier.
func (l Level) IsPillar() bool { return l == Pillar }

// Word count statuses.
const (
	BelowMinimum = "below_minimum"
	WithinRange  = "within_range"
	AboveMaximum = "above_maximum"
)

// ceilingSlack is how far past Max an article may run before the warning
// escalates to a hard-ceiling breach.
const ceilingSlack = 500

// Range is the acceptable word-count window for an article.
type Range struct {
	Min    int `json:"minWordCount"`
	Max    int `json:"maxWordCount"`
	Target int `json:"targetWordCount"`
}

// Targets returns the default range for a level.
func Targets(level Level) Range {
	if level.IsPillar() {
		return Range{Min: 3000, Max: 4000, Target: 3500}
	}
	return Range{Min: 1800, Max: 2200, Target: 2000}
}

// TargetsForPlan derives the range from a plan's competitor analysis, falling
// back to the level defaults for any missing bound.
func TargetsForPlan(plan map[string]any) (Range, Level) {
	analysis, _ := plan["competitorAnalysis"].(map[string]any)
	level := Supporting
	if t, _ := analysis["articleType"].(string); strings.EqualFold(t, "pillar") {
		level = Pillar
	}
	r := Targets(level)
	if v := intValue(analysis["minWordCount"]); v > 0 {
		r.Min = v
	}
	if v := intValue(analysis["maxWordCount"]); v > 0 {
		r.Max = v
	}
	if v := intValue(analysis["recommendedWordCount"]); v > 0 {
		r.Target = v
	} else if v := intValue(plan["targetWordCount"]); v > 0 {
		r.Target = v
	}
	return r, level
}

// CountWords splits on runs of whitespace.
func CountWords(text string) int {
	return len(strings.Fields(text))
}

// Status classifies a word count against r.
func Status(words int, r Range) string {
	switch {
	case words < r.Min:
		return BelowMinimum
	case words > r.Max:
		return AboveMaximum
	default:
		return WithinRange
	}
}

// Warning returns a human-readable note when words falls outside r, or "".
func Warning(words int, r Range, level Level) string {
	ceiling := r.Max + ceilingSlack
	switch {
	case words > ceiling:
		return fmt.Sprintf("Article is %d words, exceeds hard ceiling of %d by %d words. Trimming recommended.", words, ceiling, words-ceiling)
	case words > r.Max:
		return fmt.Sprintf("Article is %d words, slightly above %d target max. Consider light trimming.", words, r.Max)
	case words < r.Min:
		return fmt.Sprintf("Article is only %d words, below %d minimum for %s content.", words, r.Min, strings.ToLower(string(level)))
	default:
		return ""
	}
}

// Links counts outbound markdown links and internal link markers.
type Links struct {
	Outbound int `json:"outbound"`
	Internal int `json:"internal"`
	Total    int `json:"total"`
}

// Readability is a coarse sentence-length score.
type Readability struct {
	Score               float64 `json:"score"`
	Grade               string  `json:"grade"`
	AvgWordsPerSentence float64 `json:"avgWordsPerSentence"`
}

// Metrics summarizes a written article.
type Metrics struct {
	WordCount       int         `json:"wordCount"`
	TargetWordCount int         `json:"targetWordCount"`
	MinWordCount    int         `json:"minWordCount"`
	MaxWordCount    int         `json:"maxWordCount"`
	ArticleType     string      `json:"articleType"`
	WordCountDiff   int         `json:"wordCountDiff"`
	WordCountStatus string      `json:"wordCountStatus"`
	IsWithinRange   bool        `json:"isWithinRange"`
	KeywordCount    int         `json:"keywordCount"`
	KeywordDensity  float64     `json:"keywordDensity"`
	Links           Links       `json:"links"`
	Callouts        int         `json:"callouts"`
	Tables          int         `json:"tables"`
	Readability     Readability `json:"readability"`
	SEOScore        int         `json:"seoScore"`
}

var (
	outboundLinkRe = regexp.MustCompile(`\[.*?\]\(http.*?\)`)
	calloutRe      = regexp.MustCompile(`> \[(TIP|WARNING|KEY|INFO|SUCCESS)\]`)
	tableRowRe     = regexp.MustCompile(`\|.*\|`)
	sentenceRe     = regexp.MustCompile(`[.!?]+`)
	h2Re           = regexp.MustCompile(`(?m)^##\s+(.+)$`)
)

const internalMarker = "<!-- INTERNAL:"

// Measure computes Metrics for markdown written against plan.
func Measure(markdown string, plan map[string]any) Metrics {
	r, level := TargetsForPlan(plan)
	words := CountWords(markdown)
	keyword := mainKeyword(plan)

	m := Metrics{
		WordCount:       words,
		TargetWordCount: r.Target,
		MinWordCount:    r.Min,
		MaxWordCount:    r.Max,
		ArticleType:     strings.ToLower(string(level)),
		WordCountDiff:   words - r.Target,
		WordCountStatus: Status(words, r),
		Callouts:        len(calloutRe.FindAllString(markdown, -1)),
		Tables:          roundDiv(len(tableRowRe.FindAllString(markdown, -1)), 3),
		SEOScore:        SEOScore(markdown, plan),
	}
	m.IsWithinRange = m.WordCountStatus == WithinRange

	if keyword != "" {
		m.KeywordCount = strings.Count(strings.ToLower(markdown), strings.ToLower(keyword))
	}
	if words > 0 {
		m.KeywordDensity = round2(float64(m.KeywordCount) / float64(words) * 100)
	}

	m.Links.Outbound = len(outboundLinkRe.FindAllString(markdown, -1))
	m.Links.Internal = strings.Count(markdown, internalMarker)
	m.Links.Total = m.Links.Outbound + m.Links.Internal

	sentences := len(sentenceRe.Split(markdown, -1))
	var avg float64
	if sentences > 0 {
		avg = float64(words) / float64(sentences)
	}
	m.Readability = Readability{
		Score:               round2(20 - avg/5),
		Grade:               grade(avg),
		AvgWordsPerSentence: round2(avg),
	}
	return m
}

// SEOScore awards points for on-page signals. The maximum is 100.
func SEOScore(markdown string, plan map[string]any) int {
	score := 0
	keyword := strings.ToLower(mainKeyword(plan))
	lower := strings.ToLower(markdown)

	paragraphs := strings.Split(markdown, "\n\n")
	if len(paragraphs) > 1 && keyword != "" && strings.Contains(strings.ToLower(paragraphs[1]), keyword) {
		score += 10
	}

	if keyword != "" {
		hits := 0
		for _, h2 := range h2Re.FindAllString(markdown, -1) {
			if strings.Contains(strings.ToLower(h2), keyword) {
				hits++
			}
		}
		if hits >= 2 {
			score += 15
		}
	}

	if CountWords(markdown) >= 1500 {
		score += 15
	}
	if strings.Count(markdown, internalMarker) >= 2 {
		score += 10
	}
	if len(outboundLinkRe.FindAllString(markdown, -1)) >= 1 {
		score += 10
	}
	if strings.Contains(lower, "faq") || strings.Contains(lower, "frequently asked") {
		score += 10
	}
	if len(calloutRe.FindAllString(markdown, -1)) >= 3 {
		score += 10
	}
	if len(tableRowRe.FindAllString(markdown, -1)) > 10 {
		score += 5
	}
	if structure, ok := plan["structure"].(map[string]any); ok {
		if desc, _ := structure["metaDescription"].(string); desc != "" {
			score += 5
		}
	}
	// No H1 in generated articles, so the single-H1 check always passes.
	score += 10
	return score
}

func mainKeyword(plan map[string]any) string {
	keywords, _ := plan["keywords"].(map[string]any)
	switch main := keywords["main"].(type) {
	case string:
		return main
	case []any:
		if len(main) > 0 {
			s, _ := main[0].(string)
			return s
		}
	}
	return ""
}

func grade(avg float64) string {
	switch {
	case avg < 15:
		return "8th"
	case avg < 20:
		return "10th"
	default:
		return "12th"
	}
}

func intValue(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	default:
		return 0
	}
}

func roundDiv(n, d int) int {
	return (n + d/2) / d
}

func round2(f float64) float64 {
	if f < 0 {
		return -round2(-f)
	}
	return float64(int64(f*100+0.5)) / 100
}

var nonSlugRe = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases s and joins its words with hyphens.
func Slugify(s string) string {
	return strings.Trim(nonSlugRe.ReplaceAllString(strings.ToLower(s), "-"), "-")
}
