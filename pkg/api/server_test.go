package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/StepTenInc/contentflow/pkg/metrics"
	"github.com/StepTenInc/contentflow/pkg/pipeline"
	"github.com/StepTenInc/contentflow/pkg/queue"
	"github.com/StepTenInc/contentflow/pkg/stage"
	"github.com/StepTenInc/contentflow/pkg/store"
	"github.com/google/go-cmp/cmp"
)

const brief = "Write a practical guide to night shift differential pay for BPO agents in the Philippines."

// fakeStages answers every stage; the plan title carries a call counter so
// redo candidates differ from the accepted plan.
type fakeStages struct {
	mu     sync.Mutex
	plans  int
	failAt stage.Name
}

func (f *fakeStages) Invoke(_ context.Context, call stage.Call) stage.Result {
	if call.Stage == f.failAt {
		return stage.Fail(stage.KindUpstreamLogic, string(call.Stage)+" exploded")
	}
	switch call.Stage {
	case stage.Research:
		return stage.Ok(map[string]any{"success": true, "research": "notes"})
	case stage.Plan:
		f.mu.Lock()
		f.plans++
		n := f.plans
		f.mu.Unlock()
		return stage.Ok(map[string]any{"success": true, "plan": map[string]any{"title": fmt.Sprintf("Plan v%d", n)}})
	case stage.Write:
		return stage.Ok(map[string]any{"success": true, "article": "draft", "wordCount": 1})
	case stage.Humanize:
		return stage.Ok(map[string]any{"success": true, "humanizedArticle": "human"})
	case stage.SEO:
		return stage.Ok(map[string]any{"success": true, "optimizedArticle": "optimized"})
	case stage.Meta:
		return stage.Ok(map[string]any{"success": true, "meta": map[string]any{"metaTitle": "t"}})
	default:
		return stage.Ok(map[string]any{"success": true, "article": map[string]any{"id": "insight-1"}})
	}
}

type fixture struct {
	srv    *httptest.Server
	store  *store.MemStore
	stages *fakeStages
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemStore()
	fs := &fakeStages{}
	m := metrics.New()
	sig := queue.NewSignal()
	orch := pipeline.New(st, fs, pipeline.WithObserver(m), pipeline.WithDrainer(queue.NewDrainer(st, sig, m)))
	worker := queue.NewWorker(st, orch, sig, queue.WithObserver(m))
	srv := httptest.NewServer(New(st, orch, worker, WithMetrics(m.Handler())).Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, store: st, stages: fs}
}

func (f *fixture) do(t *testing.T, method, path string, body any, wantStatus int) map[string]any {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("%s %s: status %d, want %d", method, path, resp.StatusCode, wantStatus)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s %s: %v", method, path, err)
	}
	return out
}

func TestOrchestrateRejectsShortBrief(t *testing.T) {
	f := newFixture(t)
	body := f.do(t, http.MethodPost, pipeline.Endpoint, map[string]any{"brief": "too short"}, http.StatusBadRequest)
	if body["success"] != false || !strings.Contains(body["error"].(string), "brief") {
		t.Fatalf("unexpected body %v", body)
	}
	list, _ := f.store.ListPipelines(context.Background(), 10)
	if len(list) != 0 {
		t.Fatalf("no record should exist, got %d", len(list))
	}
}

func TestOrchestrateAndFetch(t *testing.T) {
	f := newFixture(t)
	body := f.do(t, http.MethodPost, pipeline.Endpoint, map[string]any{"brief": brief, "topic": "Night pay"}, http.StatusOK)
	if body["success"] != true || body["optimizedArticle"] != "optimized" {
		t.Fatalf("unexpected body %v", body)
	}
	id := body["pipelineId"].(string)

	rec := f.do(t, http.MethodGet, "/api/pipelines/"+id, nil, http.StatusOK)
	if rec["status"] != "completed" || rec["current_stage"] != float64(8) {
		t.Fatalf("unexpected record %v", rec)
	}
	list := f.do(t, http.MethodGet, "/api/pipelines?limit=5", nil, http.StatusOK)
	if n := len(list["pipelines"].([]any)); n != 1 {
		t.Fatalf("listed %d pipelines", n)
	}
	f.do(t, http.MethodGet, "/api/pipelines/missing", nil, http.StatusNotFound)
	f.do(t, http.MethodGet, "/api/pipelines?limit=zero", nil, http.StatusBadRequest)
}

func TestOrchestrateStageFailure(t *testing.T) {
	f := newFixture(t)
	f.stages.failAt = stage.Humanize
	body := f.do(t, http.MethodPost, pipeline.Endpoint, map[string]any{"brief": brief}, http.StatusInternalServerError)
	if body["stage"] != "humanize" || body["error"] != "humanize exploded" || body["pipelineId"] == "" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestRedoAcceptReject(t *testing.T) {
	f := newFixture(t)
	run := f.do(t, http.MethodPost, pipeline.Endpoint, map[string]any{"brief": brief}, http.StatusOK)
	id := run["pipelineId"].(string)

	draft := f.do(t, http.MethodPost, "/api/pipelines/"+id+"/redo/plan", nil, http.StatusOK)
	draftID := draft["id"].(string)
	wantPrev := map[string]any{"title": "Plan v1", "_queueSlug": "", "_queueSilo": ""}
	if diff := cmp.Diff(wantPrev, draft["previous"].(map[string]any)["plan"]); diff != "" {
		t.Fatalf("previous plan (-want +got):\n%s", diff)
	}
	f.do(t, http.MethodGet, "/api/drafts/"+draftID, nil, http.StatusOK)

	f.do(t, http.MethodPost, "/api/drafts/"+draftID+"/accept", nil, http.StatusOK)
	f.do(t, http.MethodPost, "/api/drafts/"+draftID+"/accept", nil, http.StatusNotFound)

	rec, err := f.store.GetPipeline(context.Background(), id)
	if err != nil {
		t.Fatalf("get pipeline: %v", err)
	}
	var plan map[string]any
	if err := json.Unmarshal(rec.ArticlePlan, &plan); err != nil {
		t.Fatalf("decode plan: %v", err)
	}
	if plan["title"] != "Plan v2" {
		t.Fatalf("accepted plan not persisted: %v", plan)
	}

	draft = f.do(t, http.MethodPost, "/api/pipelines/"+id+"/redo/plan", nil, http.StatusOK)
	f.do(t, http.MethodPost, "/api/drafts/"+draft["id"].(string)+"/reject", nil, http.StatusOK)
	rec, _ = f.store.GetPipeline(context.Background(), id)
	_ = json.Unmarshal(rec.ArticlePlan, &plan)
	if plan["title"] != "Plan v2" {
		t.Fatalf("rejected draft changed the record: %v", plan)
	}

	f.do(t, http.MethodPost, "/api/pipelines/"+id+"/redo/finalize", nil, http.StatusConflict)
	f.do(t, http.MethodPost, "/api/pipelines/"+id+"/redo/polish", nil, http.StatusBadRequest)
	f.do(t, http.MethodPost, "/api/pipelines/missing/redo/plan", nil, http.StatusNotFound)
}

func TestQueueEndpoints(t *testing.T) {
	f := newFixture(t)
	added := f.do(t, http.MethodPost, "/api/queue/items", map[string]any{"title": "Night Shift Pay", "silo_name": "Pay"}, http.StatusCreated)
	item := added["item"].(map[string]any)
	itemID := item["id"].(string)
	if item["slug"] != "night-shift-pay" || item["status"] != "queued" {
		t.Fatalf("unexpected item %v", item)
	}
	f.do(t, http.MethodPost, "/api/queue/items", map[string]any{"title": ""}, http.StatusBadRequest)

	paused := f.do(t, http.MethodPatch, "/api/queue", map[string]any{"itemId": itemID, "action": "pause"}, http.StatusOK)
	if paused["item"].(map[string]any)["status"] != "paused" {
		t.Fatalf("unexpected pause result %v", paused)
	}
	f.do(t, http.MethodPatch, "/api/queue", map[string]any{"itemId": itemID, "action": "explode"}, http.StatusBadRequest)
	f.do(t, http.MethodPatch, "/api/queue", map[string]any{"itemId": "missing", "action": "pause"}, http.StatusNotFound)

	res := f.do(t, http.MethodPost, "/api/queue", map[string]any{"action": "process-single", "itemId": itemID}, http.StatusOK)
	if res["success"] != true {
		t.Fatalf("unexpected process result %v", res)
	}
	got, _ := f.store.GetQueueItem(context.Background(), itemID)
	if got.Status != store.QueuePublished || got.InsightID != "insight-1" {
		t.Fatalf("item not published: %+v", got)
	}

	f.do(t, http.MethodPost, "/api/queue", map[string]any{"action": "stop"}, http.StatusOK)
	ov := f.do(t, http.MethodGet, "/api/queue", nil, http.StatusOK)
	if ov["engineRunning"] != false {
		t.Fatalf("engine should be stopped: %v", ov)
	}
	if ov["stats"].(map[string]any)["total"] != float64(1) {
		t.Fatalf("unexpected stats %v", ov["stats"])
	}
	f.do(t, http.MethodPost, "/api/queue", map[string]any{"action": "start"}, http.StatusOK)
	f.do(t, http.MethodPost, "/api/queue", map[string]any{"action": "dance"}, http.StatusBadRequest)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	health := f.do(t, http.MethodGet, "/health", nil, http.StatusOK)
	if health["status"] != "ok" || health["queueRunning"] != true {
		t.Fatalf("unexpected health %v", health)
	}

	f.do(t, http.MethodPost, pipeline.Endpoint, map[string]any{"brief": brief}, http.StatusOK)
	resp, err := http.Get(f.srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(buf.String(), "contentflow_") {
		t.Fatalf("unexpected metrics response %d", resp.StatusCode)
	}
}
