package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const pipelineColumns = `id, status, current_stage, brief_transcript, selected_silo, selected_silo_id,
	research_synthesis, serper_results, article_plan, raw_article, word_count, humanized_article,
	human_score, seo_article, seo_stats, meta_data, insight_id, error_message,
	created_at, updated_at, failed_at, completed_at, run_options`

const queueColumns = `id, title, slug, silo_name, silo_id, level, target_keywords, content_summary,
	cluster_name, priority, status, retry_count, error_message, pipeline_id, insight_id, claimed_by,
	created_at, updated_at, started_at, completed_at`

// SqlStore implements Store with SQLite.
type SqlStore struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates a SQLite DB at path and runs migrations.
// Creates the parent directory if it does not exist.
func Open(path string) (*SqlStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes writers, which makes claims atomic.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &SqlStore{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SqlStore) migrate() error {
	if _, err := s.db.Exec(schemaV1); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	var v int
	err := s.db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&v)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := s.db.Exec(schemaV2); err != nil {
			return fmt.Errorf("migrate to v2: %w", err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version(version) VALUES(?)", schemaVersion); err != nil {
			return fmt.Errorf("set schema version: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	}
	switch v {
	case 1:
		if _, err := s.db.Exec(schemaV2); err != nil {
			return fmt.Errorf("migrate to v2: %w", err)
		}
		if _, err := s.db.Exec("UPDATE schema_version SET version = ?", schemaVersion); err != nil {
			return fmt.Errorf("set schema version: %w", err)
		}
	case schemaVersion:
	default:
		return fmt.Errorf("unknown schema version %d", v)
	}
	return nil
}

// Close closes the underlying database.
func (s *SqlStore) Close() error {
	return s.db.Close()
}

func (s *SqlStore) CreatePipeline(ctx context.Context, p *Pipeline) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = PipelineInProgress
	}
	now := s.now()
	p.CreatedAt, p.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO content_pipelines (`+pipelineColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, string(p.Status), p.CurrentStage, p.BriefTranscript,
		nullable(p.SelectedSilo), nullable(p.SelectedSiloID),
		rawOrNull(p.ResearchSynthesis), rawOrNull(p.SerperResults), rawOrNull(p.ArticlePlan),
		nullable(p.RawArticle), intOrNull(p.WordCount), nullable(p.HumanizedArticle),
		floatOrNull(p.HumanScore), nullable(p.SEOArticle), rawOrNull(p.SEOStats), rawOrNull(p.MetaData),
		nullable(p.InsightID), nullable(p.ErrorMessage),
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt), timeOrNull(p.FailedAt), timeOrNull(p.CompletedAt),
		rawOrNull(p.RunOptions),
	)
	if err != nil {
		return fmt.Errorf("insert pipeline: %w", err)
	}
	return nil
}

func (s *SqlStore) GetPipeline(ctx context.Context, id string) (*Pipeline, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pipelineColumns+` FROM content_pipelines WHERE id = ?`, id)
	p, err := scanPipeline(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pipeline %s: %w", id, err)
	}
	return p, nil
}

func (s *SqlStore) UpdatePipeline(ctx context.Context, id string, u PipelineUpdate) error {
	if u.IsZero() {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM content_pipelines WHERE id = ?`, id).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check pipeline %s: %w", id, err)
		}
		if exists == 0 {
			return ErrNotFound
		}
		return nil
	}

	set := &setBuilder{}
	if u.Status != nil {
		set.add("status", string(*u.Status))
	}
	if u.CurrentStage != nil {
		set.add("current_stage", *u.CurrentStage)
	}
	if u.SelectedSilo != nil {
		set.add("selected_silo", nullable(*u.SelectedSilo))
	}
	if u.SelectedSiloID != nil {
		set.add("selected_silo_id", nullable(*u.SelectedSiloID))
	}
	if u.ResearchSynthesis != nil {
		set.add("research_synthesis", string(u.ResearchSynthesis))
	}
	if u.SerperResults != nil {
		set.add("serper_results", string(u.SerperResults))
	}
	if u.ArticlePlan != nil {
		set.add("article_plan", string(u.ArticlePlan))
	}
	if u.RawArticle != nil {
		set.add("raw_article", *u.RawArticle)
	}
	if u.WordCount != nil {
		set.add("word_count", *u.WordCount)
	}
	if u.HumanizedArticle != nil {
		set.add("humanized_article", *u.HumanizedArticle)
	}
	if u.HumanScore != nil {
		set.add("human_score", *u.HumanScore)
	}
	if u.SEOArticle != nil {
		set.add("seo_article", *u.SEOArticle)
	}
	if u.SEOStats != nil {
		set.add("seo_stats", string(u.SEOStats))
	}
	if u.MetaData != nil {
		set.add("meta_data", string(u.MetaData))
	}
	if u.InsightID != nil {
		set.add("insight_id", nullable(*u.InsightID))
	}
	if u.ErrorMessage != nil {
		set.add("error_message", nullable(*u.ErrorMessage))
	}
	if u.FailedAt != nil {
		set.add("failed_at", timeOrNull(u.FailedAt))
	}
	if u.CompletedAt != nil {
		set.add("completed_at", timeOrNull(u.CompletedAt))
	}
	set.add("updated_at", formatTime(s.now()))

	return s.execUpdate(ctx, "content_pipelines", id, set)
}

func (s *SqlStore) ListPipelines(ctx context.Context, limit int) ([]*Pipeline, error) {
	query := `SELECT ` + pipelineColumns + ` FROM content_pipelines ORDER BY created_at DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	defer rows.Close()

	var out []*Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pipeline: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SqlStore) CreateQueueItem(ctx context.Context, item *QueueItem) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Status == "" {
		item.Status = QueueQueued
	}
	now := s.now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO production_queue (`+queueColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		item.ID, item.Title, item.Slug, nullable(item.SiloName), nullable(item.SiloID), nullable(item.Level),
		nullable(item.TargetKeywords), nullable(item.ContentSummary), nullable(item.ClusterName),
		item.Priority, string(item.Status), item.RetryCount, nullable(item.ErrorMessage),
		nullable(item.PipelineID), nullable(item.InsightID), nullable(item.ClaimedBy),
		formatTime(item.CreatedAt), formatTime(item.UpdatedAt), timeOrNull(item.StartedAt), timeOrNull(item.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert queue item: %w", err)
	}
	return nil
}

func (s *SqlStore) GetQueueItem(ctx context.Context, id string) (*QueueItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM production_queue WHERE id = ?`, id)
	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get queue item %s: %w", id, err)
	}
	return item, nil
}

func (s *SqlStore) UpdateQueueItem(ctx context.Context, id string, u QueueUpdate) error {
	set := &setBuilder{}
	if u.Status != nil {
		set.add("status", string(*u.Status))
	}
	if u.ErrorMessage != nil {
		set.add("error_message", nullable(*u.ErrorMessage))
	}
	if u.RetryCount != nil {
		set.add("retry_count", *u.RetryCount)
	}
	if u.PipelineID != nil {
		set.add("pipeline_id", nullable(*u.PipelineID))
	}
	if u.InsightID != nil {
		set.add("insight_id", nullable(*u.InsightID))
	}
	if u.ClaimedBy != nil {
		set.add("claimed_by", nullable(*u.ClaimedBy))
	}
	if u.StartedAt != nil {
		set.add("started_at", timeOrNull(u.StartedAt))
	}
	if u.CompletedAt != nil {
		set.add("completed_at", timeOrNull(u.CompletedAt))
	}
	set.add("updated_at", formatTime(s.now()))
	return s.execUpdate(ctx, "production_queue", id, set)
}

func (s *SqlStore) ListQueueItems(ctx context.Context, f QueueFilter) ([]*QueueItem, error) {
	query := `SELECT ` + queueColumns + ` FROM production_queue`
	var args []any
	if f.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY priority DESC, created_at ASC, rowid ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	defer rows.Close()

	var out []*QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *SqlStore) CountQueueItems(ctx context.Context, status QueueStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM production_queue WHERE status = ?`, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count queue: %w", err)
	}
	return n, nil
}

func (s *SqlStore) QueueStats(ctx context.Context) (map[QueueStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM production_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[QueueStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		stats[QueueStatus(status)] = n
	}
	return stats, rows.Err()
}

func (s *SqlStore) ClaimNextQueued(ctx context.Context, owner string) (*QueueItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM production_queue WHERE status = ?
		ORDER BY priority DESC, created_at ASC, rowid ASC LIMIT 1`, string(QueueQueued)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNothingQueued
	}
	if err != nil {
		return nil, fmt.Errorf("select queued: %w", err)
	}
	if err := s.claimTx(ctx, tx, id, owner, `status = 'queued'`); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return s.GetQueueItem(ctx, id)
}

func (s *SqlStore) ClaimQueueItem(ctx context.Context, id, owner string) (*QueueItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM production_queue WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select item: %w", err)
	}
	if QueueStatus(status).InProgress() {
		return nil, ErrAlreadyClaimed
	}
	if err := s.claimTx(ctx, tx, id, owner, `status = ?`, status); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return s.GetQueueItem(ctx, id)
}

func (s *SqlStore) claimTx(ctx context.Context, tx *sql.Tx, id, owner, guard string, guardArgs ...any) error {
	now := formatTime(s.now())
	args := []any{string(QueueResearch), owner, now, now, id}
	args = append(args, guardArgs...)
	res, err := tx.ExecContext(ctx,
		`UPDATE production_queue
		SET status = ?, claimed_by = ?, error_message = NULL, started_at = ?, updated_at = ?
		WHERE id = ? AND `+guard, args...)
	if err != nil {
		return fmt.Errorf("claim %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim %s: %w", id, err)
	}
	if n != 1 {
		return ErrAlreadyClaimed
	}
	return nil
}

func (s *SqlStore) execUpdate(ctx context.Context, table, id string, set *setBuilder) error {
	args := append(set.args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE `+table+` SET `+strings.Join(set.cols, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update %s %s: %w", table, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s %s: %w", table, id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type setBuilder struct {
	cols []string
	args []any
}

func (b *setBuilder) add(col string, v any) {
	b.cols = append(b.cols, col+" = ?")
	b.args = append(b.args, v)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPipeline(sc scanner) (*Pipeline, error) {
	var (
		p                                             Pipeline
		status, created, updated                      string
		silo, siloID, research, serper, plan, raw     sql.NullString
		humanized, seo, seoStats, meta, insight, errM sql.NullString
		failed, completed, runOpts                    sql.NullString
		words                                         sql.NullInt64
		score                                         sql.NullFloat64
	)
	err := sc.Scan(&p.ID, &status, &p.CurrentStage, &p.BriefTranscript, &silo, &siloID,
		&research, &serper, &plan, &raw, &words, &humanized,
		&score, &seo, &seoStats, &meta, &insight, &errM,
		&created, &updated, &failed, &completed, &runOpts)
	if err != nil {
		return nil, err
	}
	p.Status = PipelineStatus(status)
	p.SelectedSilo = nullStr(silo)
	p.SelectedSiloID = nullStr(siloID)
	p.ResearchSynthesis = nullRaw(research)
	p.SerperResults = nullRaw(serper)
	p.ArticlePlan = nullRaw(plan)
	p.RawArticle = nullStr(raw)
	p.WordCount = int(words.Int64)
	p.HumanizedArticle = nullStr(humanized)
	p.HumanScore = score.Float64
	p.SEOArticle = nullStr(seo)
	p.SEOStats = nullRaw(seoStats)
	p.MetaData = nullRaw(meta)
	p.InsightID = nullStr(insight)
	p.ErrorMessage = nullStr(errM)
	p.CreatedAt = parseTime(created)
	p.UpdatedAt = parseTime(updated)
	p.FailedAt = nullTime(failed)
	p.CompletedAt = nullTime(completed)
	p.RunOptions = nullRaw(runOpts)
	return &p, nil
}

func scanQueueItem(sc scanner) (*QueueItem, error) {
	var (
		q                                               QueueItem
		status, created, updated                        string
		silo, siloID, level, keywords, summary, cluster sql.NullString
		errM, pipelineID, insight, claimed              sql.NullString
		started, completed                              sql.NullString
	)
	err := sc.Scan(&q.ID, &q.Title, &q.Slug, &silo, &siloID, &level, &keywords, &summary,
		&cluster, &q.Priority, &status, &q.RetryCount, &errM, &pipelineID, &insight, &claimed,
		&created, &updated, &started, &completed)
	if err != nil {
		return nil, err
	}
	q.Status = QueueStatus(status)
	q.SiloName = nullStr(silo)
	q.SiloID = nullStr(siloID)
	q.Level = nullStr(level)
	q.TargetKeywords = nullStr(keywords)
	q.ContentSummary = nullStr(summary)
	q.ClusterName = nullStr(cluster)
	q.ErrorMessage = nullStr(errM)
	q.PipelineID = nullStr(pipelineID)
	q.InsightID = nullStr(insight)
	q.ClaimedBy = nullStr(claimed)
	q.CreatedAt = parseTime(created)
	q.UpdatedAt = parseTime(updated)
	q.StartedAt = nullTime(started)
	q.CompletedAt = nullTime(completed)
	return &q, nil
}

// nullStr converts a sql.NullString to a plain string (empty if null).
func nullStr(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

func nullRaw(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func nullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func rawOrNull(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func intOrNull(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

func floatOrNull(f float64) any {
	if f == 0 {
		return nil
	}
	return f
}

func timeOrNull(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return formatTime(*t)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}
