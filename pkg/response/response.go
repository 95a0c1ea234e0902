// Package response classifies raw stage response bodies before they are
// trusted as structured data.
package response

import (
	"bytes"
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// SnippetLimit bounds how much of a malformed body is echoed into an error.
const SnippetLimit = 500

// Kind identifies why a body was rejected.
type Kind int

const (
	// KindHTML means the upstream served an HTML page instead of JSON.
	KindHTML Kind = iota + 1
	// KindNonFinite means the body carried an unquoted Infinity or NaN.
	KindNonFinite
	// KindMalformed means the body failed to decode as a JSON object.
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindHTML:
		return "html"
	case KindNonFinite:
		return "non_finite"
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// FormatError reports a body that could not be interpreted as a stage payload.
type FormatError struct {
	Kind    Kind
	Snippet string
	Err     error
}

func (e *FormatError) Error() string {
	switch e.Kind {
	case KindHTML:
		return "upstream returned HTML error page"
	case KindNonFinite:
		return "invalid JSON: non-finite numeric value"
	default:
		if e.Err == nil {
			return "invalid JSON"
		}
		if e.Snippet == "" {
			return fmt.Sprintf("invalid JSON: %v", e.Err)
		}
		return fmt.Sprintf("invalid JSON: %v (body: %s)", e.Err, e.Snippet)
	}
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// Parse classifies body and decodes it into a JSON object.
//
// Checks run in a fixed order: HTML detection, then non-finite tokens, then
// decoding. A body that looks like HTML is never handed to the decoder.
func Parse(body []byte) (map[string]any, error) {
	trimmed := bytes.TrimSpace(body)
	if looksLikeHTML(trimmed) {
		return nil, &FormatError{Kind: KindHTML, Snippet: Snippet(trimmed)}
	}
	if hasNonFinite(trimmed) {
		return nil, &FormatError{Kind: KindNonFinite, Snippet: Snippet(trimmed)}
	}
	if len(trimmed) == 0 {
		return nil, &FormatError{Kind: KindMalformed, Err: fmt.Errorf("empty body")}
	}

	var payload map[string]any
	if err := json.Unmarshal(trimmed, &payload); err != nil {
		return nil, &FormatError{Kind: KindMalformed, Snippet: Snippet(trimmed), Err: err}
	}
	if payload == nil {
		return nil, &FormatError{Kind: KindMalformed, Snippet: Snippet(trimmed), Err: fmt.Errorf("expected JSON object")}
	}
	return payload, nil
}

// Snippet returns at most SnippetLimit bytes of b, cut on a rune boundary.
func Snippet(b []byte) string {
	if len(b) <= SnippetLimit {
		return string(b)
	}
	n := SnippetLimit
	for n > 0 && !utf8.RuneStart(b[n]) {
		n--
	}
	return string(b[:n])
}

func looksLikeHTML(b []byte) bool {
	return bytes.HasPrefix(b, []byte("<!")) || bytes.HasPrefix(b, []byte("<html"))
}

// hasNonFinite scans for Infinity or NaN tokens outside string literals.
func hasNonFinite(b []byte) bool {
	inString := false
	escaped := false
	for i := 0; i < len(b); i++ {
		c := b[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case 'I':
			if bytes.HasPrefix(b[i:], []byte("Infinity")) {
				return true
			}
		case 'N':
			if bytes.HasPrefix(b[i:], []byte("NaN")) {
				return true
			}
		}
	}
	return false
}
