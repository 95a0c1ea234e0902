package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Artifact is an immutable piece of model output produced for one pipeline
// stage.
type Artifact struct {
	ID        string    `json:"id"`
	Stage     string    `json:"stage"`
	Content   string    `json:"content"`
	Adapter   string    `json:"adapter"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	Hash      string    `json:"hash"`
}

// New creates a new Artifact with computed hash.
func New(stage, content, adapter, model string) *Artifact {
	a := &Artifact{
		ID:        uuid.NewString(),
		Stage:     stage,
		Content:   content,
		Adapter:   adapter,
		Model:     model,
		CreatedAt: time.Now().UTC(),
	}
	a.Hash = a.computeHash()
	return a
}

// Summary is the reference to an artifact embedded in stage responses.
func (a *Artifact) Summary() map[string]any {
	return map[string]any{
		"id":      a.ID,
		"adapter": a.Adapter,
		"model":   a.Model,
		"hash":    a.Hash,
	}
}

func (a *Artifact) computeHash() string {
	h := sha256.New()
	h.Write([]byte(a.Stage))
	h.Write([]byte(a.Content))
	h.Write([]byte(a.Adapter))
	h.Write([]byte(a.Model))
	return hex.EncodeToString(h.Sum(nil))[:16]
}
