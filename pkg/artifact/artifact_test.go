package artifact

import "testing"

func TestNewHashesOutput(t *testing.T) {
	a := New("write", "first draft", "mock", "mock-1")
	if a.ID == "" || len(a.Hash) != 16 || a.CreatedAt.IsZero() {
		t.Fatalf("unexpected artifact %+v", a)
	}

	same := New("write", "first draft", "mock", "mock-1")
	if same.Hash != a.Hash || same.ID == a.ID {
		t.Fatalf("identical output must hash alike under a fresh id")
	}
	if b := New("write", "second draft", "mock", "mock-1"); b.Hash == a.Hash {
		t.Fatalf("content change must change the hash")
	}
	if b := New("seo", "first draft", "mock", "mock-1"); b.Hash == a.Hash {
		t.Fatalf("stage must be part of the hash")
	}
}

func TestSummary(t *testing.T) {
	a := New("seo", "body", "mock", "mock-1")
	s := a.Summary()
	if s["id"] != a.ID || s["hash"] != a.Hash || s["adapter"] != "mock" || s["model"] != "mock-1" {
		t.Fatalf("unexpected summary %v", s)
	}
	if _, ok := s["content"]; ok {
		t.Fatalf("summary must not embed the content")
	}
}
