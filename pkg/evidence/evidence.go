// Package evidence keeps an on-disk trail of stage host calls and the articles
// they publish, one directory per pipeline.
package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrNoArticle is returned by ReadArticle before finalize has run.
var ErrNoArticle = errors.New("no article recorded")

// StageRecord captures one model call made for a stage.
type StageRecord struct {
	PipelineID       string            `json:"pipeline_id"`
	Stage            string            `json:"stage"`
	Adapter          string            `json:"adapter"`
	Model            string            `json:"model"`
	PromptHash       string            `json:"prompt_hash,omitempty"`
	OutputHash       string            `json:"output_hash,omitempty"`
	Blobs            map[string]string `json:"blobs,omitempty"`
	PromptTokens     int               `json:"prompt_tokens,omitempty"`
	CompletionTokens int               `json:"completion_tokens,omitempty"`
	Error            string            `json:"error,omitempty"`
	DurationMillis   int64             `json:"duration_ms"`
	Timestamp        time.Time         `json:"timestamp"`
}

// ArticleRecord is the article produced by finalize.
type ArticleRecord struct {
	ID          string          `json:"id"`
	PipelineID  string          `json:"pipeline_id"`
	Slug        string          `json:"slug"`
	Title       string          `json:"title"`
	Category    string          `json:"category"`
	Status      string          `json:"status"`
	WordCount   int             `json:"word_count"`
	Content     string          `json:"content"`
	Meta        json.RawMessage `json:"meta,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	PublishedAt *time.Time      `json:"published_at,omitempty"`
}

// Writer writes evidence under baseDir/<pipeline id>.
type Writer struct {
	baseDir string
}

// NewWriter creates the base directory if needed.
func NewWriter(baseDir string) (*Writer, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, err
	}
	return &Writer{baseDir: baseDir}, nil
}

// RunDir returns the directory holding a pipeline's evidence.
func (w *Writer) RunDir(pipelineID string) string {
	return filepath.Join(w.baseDir, pipelineID)
}

func (w *Writer) ensureRun(pipelineID string) (string, error) {
	if pipelineID == "" {
		return "", fmt.Errorf("pipeline ID is required")
	}
	if filepath.Base(pipelineID) != pipelineID || pipelineID == "." || pipelineID == ".." {
		return "", fmt.Errorf("invalid pipeline ID %q", pipelineID)
	}
	dir := w.RunDir(pipelineID)
	for _, sub := range []string{"stages", "blobs"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o700); err != nil {
			return "", err
		}
	}
	return dir, nil
}

// WriteStage writes stages/<stage>.json, replacing any earlier record.
func (w *Writer) WriteStage(rec StageRecord) error {
	if rec.Stage == "" {
		return fmt.Errorf("stage name is required")
	}
	dir, err := w.ensureRun(rec.PipelineID)
	if err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, "stages", sanitizeKind(rec.Stage)+".json"), rec)
}

// WriteBlob stores data content-addressed under blobs/ and returns its path
// relative to the run directory and its sha256.
func (w *Writer) WriteBlob(pipelineID, kind string, data []byte) (string, string, error) {
	dir, err := w.ensureRun(pipelineID)
	if err != nil {
		return "", "", err
	}
	sha := Hash(data)
	ref := filepath.ToSlash(filepath.Join("blobs", fmt.Sprintf("%s-%s.txt", sanitizeKind(kind), sha[:16])))
	path := filepath.Join(dir, filepath.FromSlash(ref))
	if _, err := os.Stat(path); err == nil {
		return ref, sha, nil
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", "", err
	}
	return ref, sha, nil
}

// WriteArticle writes article.json.
func (w *Writer) WriteArticle(rec ArticleRecord) error {
	dir, err := w.ensureRun(rec.PipelineID)
	if err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, "article.json"), rec)
}

// ReadStages returns a pipeline's stage records, oldest first.
func (w *Writer) ReadStages(pipelineID string) ([]StageRecord, error) {
	paths, err := filepath.Glob(filepath.Join(w.RunDir(pipelineID), "stages", "*.json"))
	if err != nil {
		return nil, err
	}
	records := make([]StageRecord, 0, len(paths))
	for _, path := range paths {
		var rec StageRecord
		if err := readJSON(path, &rec); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Timestamp.Before(records[j].Timestamp)
	})
	return records, nil
}

// ReadArticle returns the article written by finalize.
func (w *Writer) ReadArticle(pipelineID string) (*ArticleRecord, error) {
	var rec ArticleRecord
	err := readJSON(filepath.Join(w.RunDir(pipelineID), "article.json"), &rec)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoArticle
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Hash returns the hex sha256 of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// sanitizeKind keeps lowercase letters, digits, '_' and '-'.
func sanitizeKind(kind string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(kind) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			sb.WriteRune(r)
		}
	}
	if sb.Len() == 0 {
		return "blob"
	}
	return sb.String()
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}
