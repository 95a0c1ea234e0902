package response

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestParseClassifiesBodies(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantKind Kind
		wantMsg  string
	}{
		{name: "doctype", body: "<!DOCTYPE html><p>502</p>", wantKind: KindHTML, wantMsg: "upstream returned HTML error page"},
		{name: "html tag with whitespace", body: "  \n<html><body>gateway</body></html>", wantKind: KindHTML, wantMsg: "upstream returned HTML error page"},
		{name: "infinity", body: `{"score": Infinity}`, wantKind: KindNonFinite, wantMsg: "invalid JSON: non-finite numeric value"},
		{name: "negative infinity", body: `{"score": -Infinity}`, wantKind: KindNonFinite},
		{name: "nan", body: `{"score": NaN}`, wantKind: KindNonFinite},
		{name: "truncated", body: `{"success": true, "article": "abc`, wantKind: KindMalformed},
		{name: "empty", body: "   ", wantKind: KindMalformed},
		{name: "array", body: `[1,2,3]`, wantKind: KindMalformed},
		{name: "null", body: `null`, wantKind: KindMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.body))
			var fe *FormatError
			if !errors.As(err, &fe) {
				t.Fatalf("expected FormatError, got %v", err)
			}
			if fe.Kind != tt.wantKind {
				t.Fatalf("kind = %s, want %s", fe.Kind, tt.wantKind)
			}
			if tt.wantMsg != "" && err.Error() != tt.wantMsg {
				t.Fatalf("message = %q, want %q", err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestParseHTMLNeverDecodes(t *testing.T) {
	// Would be a non-finite hit if scanning continued past the HTML check.
	_, err := Parse([]byte("<html>Infinity</html>"))
	var fe *FormatError
	if !errors.As(err, &fe) || fe.Kind != KindHTML {
		t.Fatalf("expected html classification, got %v", err)
	}
	if fe.Err != nil {
		t.Fatalf("html body must not reach the decoder, got %v", fe.Err)
	}
}

func TestParseAllowsQuotedSentinels(t *testing.T) {
	payload, err := Parse([]byte(`{"success": true, "article": "To Infinity and beyond, NaN \"Infinity\""}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if payload["success"] != true {
		t.Fatalf("expected success flag, got %v", payload["success"])
	}
}

func TestParseMalformedSnippetBounded(t *testing.T) {
	body := `{"article": "` + strings.Repeat("x", 2000)
	_, err := Parse([]byte(body))
	var fe *FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FormatError, got %v", err)
	}
	if len(fe.Snippet) != SnippetLimit {
		t.Fatalf("snippet length = %d, want %d", len(fe.Snippet), SnippetLimit)
	}
	if !strings.HasPrefix(err.Error(), "invalid JSON: ") {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestSnippetKeepsRunesWhole(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantLen int
	}{
		{name: "short", body: "ñandú", wantLen: len("ñandú")},
		{name: "two byte rune across limit", body: strings.Repeat("x", SnippetLimit-1) + "é" + "tail", wantLen: SnippetLimit - 1},
		{name: "four byte rune across limit", body: strings.Repeat("x", SnippetLimit-2) + "😀" + "tail", wantLen: SnippetLimit - 2},
		{name: "rune ends at limit", body: strings.Repeat("x", SnippetLimit-2) + "é" + "tail", wantLen: SnippetLimit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Snippet([]byte(tt.body))
			if !utf8.ValidString(got) {
				t.Fatalf("snippet is not valid UTF-8: %q", got[len(got)-4:])
			}
			if len(got) != tt.wantLen {
				t.Fatalf("snippet length = %d, want %d", len(got), tt.wantLen)
			}
		})
	}
}

func TestParseReturnsObject(t *testing.T) {
	payload, err := Parse([]byte(`{"success": false, "error": "quota"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if payload["success"] != false || payload["error"] != "quota" {
		t.Fatalf("unexpected payload %v", payload)
	}
}
