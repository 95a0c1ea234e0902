package stagehost

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/StepTenInc/contentflow/pkg/adapter"
	"github.com/StepTenInc/contentflow/pkg/artifact"
	"github.com/StepTenInc/contentflow/pkg/config"
	"github.com/StepTenInc/contentflow/pkg/evidence"
	"github.com/StepTenInc/contentflow/pkg/pipeline"
	"github.com/StepTenInc/contentflow/pkg/stage"
	"github.com/StepTenInc/contentflow/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBrief = "Write a practical guide to night shift differential pay for BPO agents in Cebu and Manila."

const testArticle = `Night shift pay matters to every agent working the graveyard shift.

## How night differential works

Philippine law adds at least ten percent for work between 10pm and 6am.

## FAQ

Is it taxable? Yes, in most cases.`

const planResponse = "Here is the plan:\n```json\n" + `{"title": "Night Shift Differential Explained",
	"keywords": {"main": "night differential", "cluster": ["bpo pay"]},
	"structure": {"metaDescription": "What night differential pays."}}` + "\n```"

var stageResponses = map[string]string{
	"research": "Agents in Cebu earn 18,000 to 25,000 pesos a month.",
	"plan":     planResponse,
	"write":    testArticle,
	"humanize": testArticle,
	"seo":      testArticle,
	"meta":     `{"metaTitle": "Night Differential for BPO Agents", "metaDescription": "What you are owed."}`,
}

func mockConfig() *config.StagesConfig {
	cfg := config.DefaultStagesConfig()
	cfg.Routing = map[string]config.RouteTarget{}
	cfg.Default = config.RouteTarget{Adapter: "mock", Model: "mock-1"}
	backoff := 1
	cfg.Retry.BackoffMs = &backoff
	return cfg
}

func newHost(t *testing.T, a adapter.Adapter, st store.Store, opts ...Option) (*httptest.Server, *config.StagesConfig) {
	t.Helper()
	cfg := mockConfig()
	reg := adapter.Registry{}
	reg.Register(a)
	srv := httptest.NewServer(New(cfg, reg, st, opts...).Handler())
	t.Cleanup(srv.Close)
	return srv, cfg
}

func TestRunAgainstHost(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	ev, err := evidence.NewWriter(t.TempDir())
	require.NoError(t, err)
	srv, cfg := newHost(t, adapter.NewMockAdapterWithResponses(stageResponses, ""), st,
		WithEvidence(ev), WithIDFunc(func() string { return "article-1" }))

	orch := pipeline.New(st, stage.NewHTTPInvoker(srv.URL, cfg.Specs()))
	res, err := orch.Run(ctx, pipeline.Request{
		Brief:        testBrief,
		Topic:        "Night shift differential",
		FocusKeyword: "night differential",
		SiloTopic:    "Salary & Compensation",
		Slug:         "night-shift-differential",
		AutoPublish:  true,
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, testArticle, res.OptimizedArticle)

	rec, err := st.GetPipeline(ctx, res.PipelineID)
	require.NoError(t, err)
	assert.Equal(t, store.PipelineCompleted, rec.Status)
	assert.Equal(t, 8, rec.CurrentStage)
	assert.Equal(t, "article-1", rec.InsightID)
	assert.Equal(t, testArticle, rec.RawArticle)
	assert.Positive(t, rec.WordCount)

	var plan map[string]any
	require.NoError(t, json.Unmarshal(rec.ArticlePlan, &plan))
	assert.Equal(t, "Night Shift Differential Explained", plan["title"])
	assert.Equal(t, "night-shift-differential", plan["slug"])

	art, err := ev.ReadArticle(res.PipelineID)
	require.NoError(t, err)
	assert.Equal(t, "article-1", art.ID)
	assert.Equal(t, stage.StatusReview, art.Status, "short articles are held unless forced")
	assert.Equal(t, "night-shift-differential", art.Slug)
	assert.Nil(t, art.PublishedAt)

	records, err := ev.ReadStages(res.PipelineID)
	require.NoError(t, err)
	assert.Len(t, records, 6)
}

func TestFinalizeForcePublish(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	p := &store.Pipeline{Status: store.PipelineInProgress, SEOArticle: "short but final", ArticlePlan: json.RawMessage(`{"title":"Pay Day"}`)}
	require.NoError(t, st.CreatePipeline(ctx, p))
	srv, _ := newHost(t, adapter.NewMockAdapter(), st)

	body := post(t, srv.URL+"/api/insights/pipeline/finalize", map[string]any{
		"pipelineId": p.ID, "status": stage.StatusPublished, "forcePublish": true,
	}, http.StatusOK)
	assert.Equal(t, true, body["published"])
	article := body["article"].(map[string]any)
	assert.Equal(t, "pay-day", article["slug"])
	assert.Equal(t, stage.DefaultCategory, article["category"])
	assert.NotContains(t, body, "warning")

	post(t, srv.URL+"/api/insights/pipeline/finalize", map[string]any{"pipelineId": "missing"}, http.StatusNotFound)
}

func TestPlanFallsBackWhenModelSkipsJSON(t *testing.T) {
	mock := adapter.NewMockAdapterWithResponses(map[string]string{"plan": "1. Intro\n2. Pay rules"}, "")
	srv, _ := newHost(t, mock, store.NewMemStore())

	body := post(t, srv.URL+"/api/insights/pipeline/generate-plan", map[string]any{
		"topic": "Night Shift Pay", "focusKeyword": "night pay", "isPillar": true,
	}, http.StatusOK)
	plan := body["plan"].(map[string]any)
	assert.Equal(t, "Night Shift Pay", plan["title"])
	assert.Equal(t, "night-shift-pay", plan["slug"])
	assert.Equal(t, "1. Intro\n2. Pay rules", plan["outline"])
	assert.Equal(t, "pillar", plan["competitorAnalysis"].(map[string]any)["articleType"])
	assert.Equal(t, "night pay", plan["keywords"].(map[string]any)["main"])
	assert.Contains(t, body, "artifact")
}

// flaky fails the first n calls with err.
type flaky struct {
	mu    sync.Mutex
	n     int
	err   error
	calls int
}

func (f *flaky) Name() string     { return "mock" }
func (f *flaky) Models() []string { return []string{"mock-1"} }

func (f *flaky) Generate(_ context.Context, req adapter.Request) (*adapter.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.n {
		return nil, f.err
	}
	return &adapter.Response{Artifact: artifact.New(req.Stage, testArticle, "mock", req.Model)}, nil
}

func writeCall() stage.Call {
	c := stage.NewContext(testBrief, stage.Options{Topic: "pay"}).
		With(stage.Research, map[string]any{"research": "r"}).
		With(stage.Plan, map[string]any{"plan": map[string]any{"title": "Pay"}})
	return stage.Call{Stage: stage.Write, Context: c, PipelineID: "p1"}
}

func TestWriteRetriesTransientProviderErrors(t *testing.T) {
	f := &flaky{n: 1, err: &adapter.AdapterError{Status: http.StatusServiceUnavailable}}
	srv, cfg := newHost(t, f, store.NewMemStore())

	res := stage.NewHTTPInvoker(srv.URL, cfg.Specs()).Invoke(context.Background(), writeCall())
	require.True(t, res.Success, res.Err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, testArticle, res.Data["article"])
	assert.Contains(t, res.Data, "metrics")
}

func TestWriteStreamsPermanentErrors(t *testing.T) {
	f := &flaky{n: 5, err: errBadPrompt}
	srv, cfg := newHost(t, f, store.NewMemStore())

	res := stage.NewHTTPInvoker(srv.URL, cfg.Specs()).Invoke(context.Background(), writeCall())
	require.False(t, res.Success)
	assert.Equal(t, stage.KindUpstreamLogic, res.Kind)
	assert.Equal(t, 1, res.Attempts)
	assert.Contains(t, res.Err, "prompt too long")
}

var errBadPrompt = &adapter.AdapterError{Status: http.StatusBadRequest, Err: stringError("prompt too long")}

type stringError string

func (e stringError) Error() string { return string(e) }

func TestDirectStageStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"rate limited", &adapter.AdapterError{Status: http.StatusTooManyRequests}, http.StatusTooManyRequests},
		{"overloaded", &adapter.AdapterError{Status: http.StatusBadGateway}, http.StatusServiceUnavailable},
		{"deadline", context.DeadlineExceeded, http.StatusServiceUnavailable},
		{"bad request", errBadPrompt, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newHost(t, &flaky{n: 1, err: tt.err}, store.NewMemStore())
			body := post(t, srv.URL+"/api/insights/pipeline/research", map[string]any{"topic": "pay"}, tt.status)
			assert.Equal(t, false, body["success"])
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestUnknownAdapterIsServerError(t *testing.T) {
	cfg := mockConfig()
	srv := httptest.NewServer(New(cfg, adapter.Registry{}, store.NewMemStore()).Handler())
	defer srv.Close()
	post(t, srv.URL+"/api/insights/pipeline/humanize", map[string]any{"article": "x"}, http.StatusInternalServerError)
}

func TestMetaDefaults(t *testing.T) {
	meta := metaFrom(payload{
		"title":    "Night Shift Differential Explained For Every Agent Working In The Philippines Today",
		"article":  "## Intro\n\nNight pay is **extra** pay. Read [the law](https://example.com) first.",
		"category": "Pay",
		"keywords": []any{"night pay"},
	}, "no json here")
	assert.Len(t, []rune(meta["metaTitle"].(string)), metaTitleLength)
	assert.Equal(t, "Night pay is extra pay. Read the law first.", meta["metaDescription"])
	assert.Equal(t, "Pay", meta["category"])
	assert.Equal(t, []string{"night pay"}, meta["keywords"])
}

func post(t *testing.T, url string, body map[string]any, wantStatus int) map[string]any {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, wantStatus, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestRejectsMalformedBody(t *testing.T) {
	srv, _ := newHost(t, adapter.NewMockAdapter(), store.NewMemStore())
	resp, err := http.Post(srv.URL+"/api/insights/pipeline/seo-optimize", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
