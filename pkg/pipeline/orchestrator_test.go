package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/StepTenInc/contentflow/pkg/errlog"
	"github.com/StepTenInc/contentflow/pkg/stage"
	"github.com/StepTenInc/contentflow/pkg/store"
	"github.com/google/go-cmp/cmp"
)

var validBrief = strings.Repeat("Write about night-shift allowances for BPO agents. ", 2)

func payloads() map[stage.Name]map[string]any {
	return map[stage.Name]map[string]any{
		stage.Research: {"success": true, "research": map[string]any{"summary": "s"}, "serperResults": []any{"r1"}},
		stage.Plan: {"success": true, "plan": map[string]any{
			"title":    "Night Shift Pay",
			"keywords": map[string]any{"main": "night shift", "cluster": []any{"allowance"}},
		}},
		stage.Write:    {"success": true, "article": "raw article", "metrics": map[string]any{"wordCount": float64(1950)}},
		stage.Humanize: {"success": true, "humanizedArticle": "human article", "humanScore": 91.5},
		stage.SEO:      {"success": true, "optimizedArticle": "optimized article", "stats": map[string]any{"score": float64(80)}},
		stage.Meta:     {"success": true, "meta": map[string]any{"metaTitle": "Night Shift Pay"}},
		stage.Finalize: {"success": true, "article": map[string]any{"id": "insight-1", "title": "Night Shift Pay"}, "quality": map[string]any{"score": float64(88)}},
	}
}

// scripted answers from payloads, failing at failAt, and records every call.
type scripted struct {
	mu      sync.Mutex
	failAt  stage.Name
	calls   []stage.Call
	onCall  func(stage.Call)
	replies map[stage.Name]map[string]any
}

func newScripted() *scripted {
	return &scripted{replies: payloads()}
}

func (s *scripted) Invoke(_ context.Context, call stage.Call) stage.Result {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()
	if s.onCall != nil {
		s.onCall(call)
	}
	if call.Stage == s.failAt {
		return stage.Fail(stage.KindUpstreamLogic, string(call.Stage)+" exploded")
	}
	return stage.Ok(s.replies[call.Stage])
}

func (s *scripted) stages() []stage.Name {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]stage.Name, len(s.calls))
	for i, c := range s.calls {
		out[i] = c.Stage
	}
	return out
}

type countingDrainer struct{ calls int }

func (d *countingDrainer) AfterRun(context.Context) { d.calls++ }

type captureSink struct {
	errs   []error
	fields []errlog.Fields
}

func (s *captureSink) Report(_ context.Context, err error, f errlog.Fields) {
	s.errs = append(s.errs, err)
	s.fields = append(s.fields, f)
}

func TestRunRejectsShortBrief(t *testing.T) {
	st := store.NewMemStore()
	inv := newScripted()
	o := New(st, inv)

	_, err := o.Run(context.Background(), Request{Brief: "too short"})
	if !errors.Is(err, ErrInvalidBrief) {
		t.Fatalf("expected ErrInvalidBrief, got %v", err)
	}
	list, _ := st.ListPipelines(context.Background(), 0)
	if len(list) != 0 {
		t.Fatalf("no record may be created for an invalid brief")
	}
	if len(inv.calls) != 0 {
		t.Fatalf("no stage may run for an invalid brief")
	}
}

func TestRunCompletesAllStages(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	item := &store.QueueItem{Title: "Night Shift Pay", Slug: "night-shift-pay", Status: store.QueueResearch}
	if err := st.CreateQueueItem(ctx, item); err != nil {
		t.Fatalf("create queue item: %v", err)
	}

	inv := newScripted()
	var (
		stagesSeen   []int
		queueSeen    []store.QueueStatus
		pipelineSeen string
	)
	inv.onCall = func(call stage.Call) {
		pipelineSeen = call.PipelineID
		rec, err := st.GetPipeline(ctx, call.PipelineID)
		if err != nil {
			t.Errorf("get pipeline: %v", err)
			return
		}
		stagesSeen = append(stagesSeen, rec.CurrentStage)
		q, _ := st.GetQueueItem(ctx, item.ID)
		queueSeen = append(queueSeen, q.Status)
	}
	drainer := &countingDrainer{}
	o := New(st, inv, WithDrainer(drainer))

	res, err := o.Run(ctx, Request{Brief: validBrief, QueueItemID: item.ID, Slug: "night-shift-pay", SiloTopic: "Pay"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if diff := cmp.Diff(stage.Sequence, inv.stages()); diff != "" {
		t.Fatalf("stage order (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{0, 2, 3, 4, 5, 6, 7}, stagesSeen); diff != "" {
		t.Fatalf("current stage progression (-want +got):\n%s", diff)
	}
	wantQueue := []store.QueueStatus{
		store.QueueResearch, store.QueueIdea, store.QueueWriting, store.QueueHumanizing,
		store.QueueSEO, store.QueueSEO, store.QueuePublishing,
	}
	if diff := cmp.Diff(wantQueue, queueSeen); diff != "" {
		t.Fatalf("queue statuses (-want +got):\n%s", diff)
	}

	if res.PipelineID != pipelineSeen || !res.Success {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.OptimizedArticle != "optimized article" {
		t.Fatalf("optimized article = %q", res.OptimizedArticle)
	}
	if articleID(res.Article) != "insight-1" {
		t.Fatalf("article = %#v", res.Article)
	}
	if len(res.Stages) != 8 || !res.Stages["media"] || !res.Stages["finalize"] {
		t.Fatalf("stages = %v", res.Stages)
	}

	rec, err := st.GetPipeline(ctx, res.PipelineID)
	if err != nil {
		t.Fatalf("get pipeline: %v", err)
	}
	if rec.Status != store.PipelineCompleted || rec.CurrentStage != 8 || rec.CompletedAt == nil {
		t.Fatalf("unexpected final record %+v", rec)
	}
	if rec.RawArticle != "raw article" || rec.WordCount != 1950 || rec.HumanScore != 91.5 || rec.SEOArticle != "optimized article" {
		t.Fatalf("stage fields not persisted: %+v", rec)
	}
	if !strings.Contains(string(rec.ArticlePlan), `"_queueSlug":"night-shift-pay"`) {
		t.Fatalf("plan missing queue slug: %s", rec.ArticlePlan)
	}
	if string(rec.SEOStats) != `{"score":80}` || string(rec.MetaData) != `{"metaTitle":"Night Shift Pay"}` {
		t.Fatalf("seo stats %s meta %s", rec.SEOStats, rec.MetaData)
	}

	q, _ := st.GetQueueItem(ctx, item.ID)
	if q.Status != store.QueuePublished || q.PipelineID != res.PipelineID || q.InsightID != "insight-1" || q.CompletedAt == nil {
		t.Fatalf("queue item not published: %+v", q)
	}
	if drainer.calls != 1 {
		t.Fatalf("drainer calls = %d", drainer.calls)
	}
}

func TestRunFailureKeepsEarlierOutputs(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	inv := newScripted()
	inv.failAt = stage.Humanize
	sink := &captureSink{}
	drainer := &countingDrainer{}
	o := New(st, inv, WithErrorSink(sink), WithDrainer(drainer))

	_, err := o.Run(ctx, Request{Brief: validBrief, QueueItemID: "q-1"})
	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("expected StageError, got %v", err)
	}
	if stageErr.Stage != stage.Humanize || stageErr.Message != "humanize exploded" || stageErr.Kind != stage.KindUpstreamLogic {
		t.Fatalf("unexpected stage error %+v", stageErr)
	}

	if diff := cmp.Diff([]stage.Name{stage.Research, stage.Plan, stage.Write, stage.Humanize}, inv.stages()); diff != "" {
		t.Fatalf("stages after failure (-want +got):\n%s", diff)
	}

	rec, _ := st.GetPipeline(ctx, stageErr.PipelineID)
	if rec.Status != store.PipelineFailed || rec.CurrentStage != 5 || rec.ErrorMessage != "humanize exploded" || rec.FailedAt == nil {
		t.Fatalf("record not marked failed: %+v", rec)
	}
	if rec.RawArticle != "raw article" || rec.HumanizedArticle != "" {
		t.Fatalf("earlier outputs must survive, later ones must not exist: %+v", rec)
	}
	if len(sink.fields) != 1 || sink.fields[0].Stage != "humanize" || sink.fields[0].Endpoint != Endpoint {
		t.Fatalf("unexpected error reports %+v", sink.fields)
	}
	if drainer.calls != 0 {
		t.Fatalf("drainer must not run after a failure")
	}
}

func TestRunMarksFailedAfterCancel(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "pipelines.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inv := newScripted()
	inv.failAt = stage.Write
	inv.onCall = func(call stage.Call) {
		if call.Stage == stage.Write {
			cancel()
		}
	}
	obs := &countingObserver{}
	o := New(st, inv, WithObserver(obs))

	_, err = o.Run(ctx, Request{Brief: validBrief})
	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("expected StageError, got %v", err)
	}

	rec, err := st.GetPipeline(context.Background(), stageErr.PipelineID)
	if err != nil {
		t.Fatalf("get pipeline: %v", err)
	}
	if rec.Status != store.PipelineFailed || rec.ErrorMessage == "" || rec.FailedAt == nil {
		t.Fatalf("cancelled run not marked failed: status=%s msg=%q failed_at=%v", rec.Status, rec.ErrorMessage, rec.FailedAt)
	}
	if obs.persistence != 0 {
		t.Fatalf("%d writes were dropped after cancel", obs.persistence)
	}
}

// flakyStore fails every pipeline update.
type flakyStore struct {
	*store.MemStore
}

func (f flakyStore) UpdatePipeline(context.Context, string, store.PipelineUpdate) error {
	return errors.New("database is locked")
}

type countingObserver struct {
	nopObserver
	persistence int
	runs        []bool
}

func (c *countingObserver) PersistenceFailed(string)             { c.persistence++ }
func (c *countingObserver) RunFinished(ok bool, _ time.Duration) { c.runs = append(c.runs, ok) }

func TestRunSurvivesPersistenceFailures(t *testing.T) {
	obs := &countingObserver{}
	o := New(flakyStore{store.NewMemStore()}, newScripted(), WithObserver(obs))

	res, err := o.Run(context.Background(), Request{Brief: validBrief})
	if err != nil {
		t.Fatalf("run should succeed despite persistence errors: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success")
	}
	if obs.persistence != 7 {
		t.Fatalf("persistence failures = %d, want 7", obs.persistence)
	}
	if diff := cmp.Diff([]bool{true}, obs.runs); diff != "" {
		t.Fatalf("runs (-want +got):\n%s", diff)
	}
}

func TestRunPassesAccumulatedContext(t *testing.T) {
	inv := newScripted()
	inv.onCall = func(call stage.Call) {
		for _, prev := range call.Stage.Previous() {
			if !call.Context.Has(prev) {
				t.Errorf("%s missing output of %s", call.Stage, prev)
			}
		}
		if call.Context.Has(call.Stage) {
			t.Errorf("%s sees its own output", call.Stage)
		}
	}
	o := New(store.NewMemStore(), inv)
	if _, err := o.Run(context.Background(), Request{Brief: validBrief, Level: "PILLAR"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if inv.calls[0].Context.Options().Level != "PILLAR" {
		t.Fatalf("level not passed through")
	}
}
