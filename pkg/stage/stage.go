// Package stage describes the fixed content pipeline stages and invokes the
// remote services that implement them.
package stage

import "fmt"

// Name identifies one pipeline stage.
type Name string

const (
	Research Name = "research"
	Plan     Name = "plan"
	Write    Name = "write"
	Humanize Name = "humanize"
	SEO      Name = "seo"
	Meta     Name = "meta"
	Finalize Name = "finalize"
)

// Sequence is the only order stages ever run in.
var Sequence = []Name{Research, Plan, Write, Humanize, SEO, Meta, Finalize}

// BriefIndex is the stage number of brief capture, which happens before a
// run starts.
const BriefIndex = 1

// Index returns the persisted stage number. Research is 2, finalize is 8.
func (n Name) Index() int {
	for i, s := range Sequence {
		if s == n {
			return i + BriefIndex + 1
		}
	}
	return 0
}

// Valid reports whether n is one of the known stages.
func (n Name) Valid() bool {
	return n.Index() > 0
}

// Previous returns the stages that run before n.
func (n Name) Previous() []Name {
	for i, s := range Sequence {
		if s == n {
			return Sequence[:i]
		}
	}
	return nil
}

// Parse resolves a stage name.
func Parse(s string) (Name, error) {
	n := Name(s)
	if !n.Valid() {
		return "", fmt.Errorf("unknown stage %q", s)
	}
	return n, nil
}

// Mode selects how a stage response is delivered.
type Mode string

const (
	// Direct stages answer with one JSON body.
	Direct Mode = "direct"
	// Streaming stages answer with an event stream ending in complete or error.
	Streaming Mode = "streaming"
)

// ErrorKind classifies a failed stage call.
type ErrorKind string

const (
	KindNone             ErrorKind = ""
	KindInputValidation  ErrorKind = "input_validation"
	KindUpstreamFormat   ErrorKind = "upstream_format"
	KindUpstreamLogic    ErrorKind = "upstream_logic"
	KindStreamIncomplete ErrorKind = "stream_incomplete"
	KindTransient        ErrorKind = "transient_upstream"
	KindPersistence      ErrorKind = "persistence"
	KindFatal            ErrorKind = "orchestration_fatal"
)

// Result is the mode-independent outcome of one stage call.
type Result struct {
	Success  bool           `json:"success"`
	Data     map[string]any `json:"data,omitempty"`
	Err      string         `json:"error,omitempty"`
	Kind     ErrorKind      `json:"kind,omitempty"`
	Attempts int            `json:"attempts,omitempty"`
}

// Ok wraps a successful payload.
func Ok(data map[string]any) Result {
	return Result{Success: true, Data: data, Attempts: 1}
}

// Fail builds a failed result.
func Fail(kind ErrorKind, msg string) Result {
	return Result{Success: false, Err: msg, Kind: kind, Attempts: 1}
}
