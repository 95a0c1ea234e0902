package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestEvidenceWriter(t *testing.T) {
	dir := t.TempDir()
	writer, err := NewWriter(dir)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	now := time.Now().UTC()
	for i, name := range []string{"plan", "research"} {
		rec := StageRecord{
			PipelineID: "run-123",
			Stage:      name,
			Adapter:    "mock",
			Model:      "mock-1",
			Timestamp:  now.Add(time.Duration(-i) * time.Minute),
		}
		if err := writer.WriteStage(rec); err != nil {
			t.Fatalf("write stage: %v", err)
		}
	}

	runDir := writer.RunDir("run-123")
	if _, err := os.Stat(filepath.Join(runDir, "stages", "plan.json")); err != nil {
		t.Fatalf("missing stage file: %v", err)
	}

	records, err := writer.ReadStages("run-123")
	if err != nil {
		t.Fatalf("read stages: %v", err)
	}
	if len(records) != 2 || records[0].Stage != "research" || records[1].Stage != "plan" {
		t.Fatalf("unexpected order %+v", records)
	}

	if runtime.GOOS != "windows" {
		assertPerm(t, runDir, 0700)
		assertPerm(t, filepath.Join(runDir, "stages"), 0700)
		assertPerm(t, filepath.Join(runDir, "blobs"), 0700)
		assertPerm(t, filepath.Join(runDir, "stages", "plan.json"), 0600)
	}
}

func TestWriterRejectsPathIDs(t *testing.T) {
	writer, err := NewWriter(t.TempDir())
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	for _, id := range []string{"", "..", "a/b", "../escape"} {
		if err := writer.WriteStage(StageRecord{PipelineID: id, Stage: "plan"}); err == nil {
			t.Fatalf("expected error for pipeline id %q", id)
		}
	}
}

func TestArticleRoundTrip(t *testing.T) {
	writer, err := NewWriter(t.TempDir())
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if _, err := writer.ReadArticle("p1"); !errors.Is(err, ErrNoArticle) {
		t.Fatalf("expected ErrNoArticle, got %v", err)
	}

	rec := ArticleRecord{ID: "a1", PipelineID: "p1", Slug: "night-shift", Status: "review", WordCount: 3}
	if err := writer.WriteArticle(rec); err != nil {
		t.Fatalf("write article: %v", err)
	}
	got, err := writer.ReadArticle("p1")
	if err != nil {
		t.Fatalf("read article: %v", err)
	}
	if got.ID != "a1" || got.Slug != "night-shift" || got.WordCount != 3 {
		t.Fatalf("unexpected article %+v", got)
	}
}

func TestWriteBlob(t *testing.T) {
	dir := t.TempDir()
	writer, err := NewWriter(dir)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	content := []byte("hello")
	sum := sha256.Sum256(content)
	expectedSha := hex.EncodeToString(sum[:])

	ref, sha, err := writer.WriteBlob("run1", "prompt", content)
	if err != nil {
		t.Fatalf("write blob: %v", err)
	}
	if sha != expectedSha {
		t.Fatalf("sha mismatch: %s", sha)
	}

	blobPath := filepath.Join(writer.RunDir("run1"), filepath.FromSlash(ref))
	data, err := os.ReadFile(blobPath)
	if err != nil {
		t.Fatalf("read blob: %v", err)
	}
	if string(data) != string(content) {
		t.Fatalf("content mismatch: %q", string(data))
	}
	if runtime.GOOS != "windows" {
		assertPerm(t, blobPath, 0600)
	}

	ref2, sha2, err := writer.WriteBlob("run1", "prompt", content)
	if err != nil {
		t.Fatalf("write blob again: %v", err)
	}
	if ref2 != ref || sha2 != sha {
		t.Fatalf("expected same ref and sha")
	}
}

func TestWriteBlobKindSanitization(t *testing.T) {
	writer, err := NewWriter(t.TempDir())
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	ref, _, err := writer.WriteBlob("run2", "Prompt 123/../", []byte("x"))
	if err != nil {
		t.Fatalf("write blob: %v", err)
	}
	if !strings.HasPrefix(ref, "blobs/") {
		t.Fatalf("expected blobs prefix: %s", ref)
	}
	if strings.Count(ref, "/") != 1 {
		t.Fatalf("unexpected path separators in ref: %s", ref)
	}

	kind := strings.SplitN(strings.TrimPrefix(ref, "blobs/"), "-", 2)[0]
	for _, r := range kind {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '_' && r != '-' {
			t.Fatalf("invalid kind character: %q", r)
		}
	}

	ref, _, err = writer.WriteBlob("run2", "!!!", []byte("y"))
	if err != nil {
		t.Fatalf("write blob: %v", err)
	}
	if !strings.HasPrefix(ref, "blobs/blob-") {
		t.Fatalf("expected blob kind fallback in ref: %s", ref)
	}
}

func assertPerm(t *testing.T, path string, expected os.FileMode) {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat %s: %v", path, err)
	}
	if info.Mode().Perm() != expected {
		t.Fatalf("expected %s mode %o, got %o", path, expected, info.Mode().Perm())
	}
}
