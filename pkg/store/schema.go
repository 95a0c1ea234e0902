package store

const schemaVersion = 2

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS content_pipelines (
	id                 TEXT PRIMARY KEY,
	status             TEXT NOT NULL,
	current_stage      INTEGER NOT NULL DEFAULT 0,
	brief_transcript   TEXT NOT NULL,
	selected_silo      TEXT,
	selected_silo_id   TEXT,
	research_synthesis TEXT,
	serper_results     TEXT,
	article_plan       TEXT,
	raw_article        TEXT,
	word_count         INTEGER,
	humanized_article  TEXT,
	human_score        REAL,
	seo_article        TEXT,
	seo_stats          TEXT,
	meta_data          TEXT,
	insight_id         TEXT,
	error_message      TEXT,
	created_at         TEXT NOT NULL,
	updated_at         TEXT NOT NULL,
	failed_at          TEXT,
	completed_at       TEXT
);

CREATE TABLE IF NOT EXISTS production_queue (
	id              TEXT PRIMARY KEY,
	title           TEXT NOT NULL,
	slug            TEXT NOT NULL,
	silo_name       TEXT,
	silo_id         TEXT,
	level           TEXT,
	target_keywords TEXT,
	content_summary TEXT,
	cluster_name    TEXT,
	priority        INTEGER NOT NULL DEFAULT 0,
	status          TEXT NOT NULL,
	retry_count     INTEGER NOT NULL DEFAULT 0,
	error_message   TEXT,
	pipeline_id     TEXT,
	insight_id      TEXT,
	claimed_by      TEXT,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL,
	started_at      TEXT,
	completed_at    TEXT
);

CREATE INDEX IF NOT EXISTS idx_queue_pick ON production_queue(status, priority DESC, created_at);
`

// schemaV2 records the caller's run options so a redo sees the same inputs.
const schemaV2 = `ALTER TABLE content_pipelines ADD COLUMN run_options TEXT;`
