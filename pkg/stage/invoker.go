package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/StepTenInc/contentflow/pkg/response"
	"github.com/StepTenInc/contentflow/pkg/stream"
	"github.com/tidwall/gjson"
)

// Call is one stage invocation.
type Call struct {
	Stage      Name
	Context    Context
	PipelineID string
}

// Invoker runs a single stage. Stage-local failures are reported in the
// Result, never as a panic or a separate error.
type Invoker interface {
	Invoke(ctx context.Context, call Call) Result
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, call Call) Result

func (f InvokerFunc) Invoke(ctx context.Context, call Call) Result { return f(ctx, call) }

// Spec configures how one stage endpoint is called.
type Spec struct {
	Path       string
	Mode       Mode
	Timeout    time.Duration
	MaxRetries int
	Backoff    time.Duration
}

const (
	DefaultTimeout    = 300 * time.Second
	DefaultMaxRetries = 2
	DefaultBackoff    = 2 * time.Second
)

// DefaultSpecs returns the stock endpoint layout. Only write streams and retries.
func DefaultSpecs() map[Name]Spec {
	direct := func(path string) Spec {
		return Spec{Path: path, Mode: Direct, Timeout: DefaultTimeout}
	}
	return map[Name]Spec{
		Research: direct("/api/insights/pipeline/research"),
		Plan:     direct("/api/insights/pipeline/generate-plan"),
		Write: {
			Path:       "/api/insights/pipeline/write-article",
			Mode:       Streaming,
			Timeout:    DefaultTimeout,
			MaxRetries: DefaultMaxRetries,
			Backoff:    DefaultBackoff,
		},
		Humanize: direct("/api/insights/pipeline/humanize"),
		SEO:      direct("/api/insights/pipeline/seo-optimize"),
		Meta:     direct("/api/insights/pipeline/generate-meta"),
		Finalize: direct("/api/insights/pipeline/finalize"),
	}
}

// RetryFunc observes a retry before the backoff sleep.
type RetryFunc func(stage Name, attempt int, err error)

// HTTPInvoker calls stage services over HTTP.
type HTTPInvoker struct {
	baseURL string
	specs   map[Name]Spec
	client  *http.Client
	logger  *slog.Logger
	onRetry RetryFunc
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option configures an HTTPInvoker.
type Option func(*HTTPInvoker)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(i *HTTPInvoker) { i.client = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(i *HTTPInvoker) { i.logger = l }
}

// WithRetryHook registers a callback fired before each retry.
func WithRetryHook(f RetryFunc) Option {
	return func(i *HTTPInvoker) { i.onRetry = f }
}

// NewHTTPInvoker returns an invoker that POSTs to baseURL plus each spec's path.
// A nil specs map uses DefaultSpecs.
func NewHTTPInvoker(baseURL string, specs map[Name]Spec, opts ...Option) *HTTPInvoker {
	if specs == nil {
		specs = DefaultSpecs()
	}
	i := &HTTPInvoker{
		baseURL: strings.TrimRight(baseURL, "/"),
		specs:   specs,
		client:  &http.Client{},
		logger:  slog.Default(),
		sleep:   sleepWithContext,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Invoke implements Invoker.
func (i *HTTPInvoker) Invoke(ctx context.Context, call Call) Result {
	spec, ok := i.specs[call.Stage]
	if !ok || spec.Path == "" {
		return Fail(KindInputValidation, fmt.Sprintf("no endpoint configured for stage %s", call.Stage))
	}
	reqBody, err := BuildRequest(call.Stage, call.Context, call.PipelineID)
	if err != nil {
		return Fail(KindInputValidation, err.Error())
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return Fail(KindInputValidation, fmt.Sprintf("encode %s request: %v", call.Stage, err))
	}

	var res Result
	for attempt := 0; attempt <= spec.MaxRetries; attempt++ {
		var retryErr error
		res, retryErr = i.attempt(ctx, call.Stage, spec, payload)
		res.Attempts = attempt + 1
		if retryErr == nil || !Retryable(retryErr) || ctx.Err() != nil {
			return res
		}
		if attempt == spec.MaxRetries {
			if spec.MaxRetries > 0 {
				res.Kind = KindUpstreamLogic
				res.Err = fmt.Sprintf("%s failed after %d attempts: %s", call.Stage, attempt+1, res.Err)
			}
			return res
		}

		backoff := spec.Backoff * time.Duration(attempt+1)
		i.logger.Warn("retrying stage",
			"stage", string(call.Stage),
			"attempt", attempt+1,
			"backoff", backoff,
			"error", retryErr)
		if i.onRetry != nil {
			i.onRetry(call.Stage, attempt+1, retryErr)
		}
		if err := i.sleep(ctx, backoff); err != nil {
			return Fail(KindTransient, fmt.Sprintf("%s: %v", call.Stage, err))
		}
	}
	return res
}

// attempt performs one request. A non-nil error marks a failure that the
// retry loop may consider; the Result is always populated.
func (i *HTTPInvoker) attempt(ctx context.Context, name Name, spec Spec, payload []byte) (Result, error) {
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.baseURL+spec.Path, bytes.NewReader(payload))
	if err != nil {
		return Fail(KindInputValidation, fmt.Sprintf("build %s request: %v", name, err)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	if spec.Mode == Streaming {
		req.Header.Set("Accept", "text/event-stream")
	}

	start := time.Now()
	resp, err := i.client.Do(req)
	if err != nil {
		return Fail(KindTransient, fmt.Sprintf("call %s: %v", name, err)), err
	}
	defer resp.Body.Close()

	i.logger.Debug("stage responded",
		"stage", string(name),
		"status", resp.StatusCode,
		"elapsed", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(resp.Body)
		statusErr := &StatusError{Stage: name, Status: resp.StatusCode}
		res := classifyErrorBody(statusErr, body)
		if statusErr.Transient() {
			return res, statusErr
		}
		return res, nil
	}

	if spec.Mode == Streaming && !isPlainBody(resp.Header) {
		collector := &stream.Collector{OnProgress: func(event string, data map[string]any) {
			i.logger.Debug("stage progress", "stage", string(name), "event", event, "percent", data["percent"])
		}}
		data, err := collector.Collect(resp.Body)
		if err != nil {
			return streamFailure(name, err)
		}
		return checkPayload(name, data), nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Fail(KindTransient, fmt.Sprintf("read %s response: %v", name, err)), err
	}
	data, err := response.Parse(body)
	if err != nil {
		return Fail(KindUpstreamFormat, fmt.Sprintf("%s: %v", name, err)), nil
	}
	return checkPayload(name, data), nil
}

func streamFailure(name Name, err error) (Result, error) {
	var eventErr *stream.EventError
	switch {
	case errors.As(err, &eventErr):
		return Fail(KindUpstreamLogic, eventErr.Message), nil
	case errors.Is(err, stream.ErrIncomplete):
		return Fail(KindStreamIncomplete, err.Error()), nil
	default:
		return Fail(KindTransient, fmt.Sprintf("%s: %v", name, err)), err
	}
}

// checkPayload turns a decoded body into a Result using its success flag and
// the stage's required fields.
func checkPayload(name Name, data map[string]any) Result {
	if ok, _ := data["success"].(bool); !ok {
		return Fail(KindUpstreamLogic, errorText(data, fmt.Sprintf("%s failed", name)))
	}
	if fields := requiredFields[name]; len(fields) > 0 {
		raw, err := json.Marshal(data)
		if err != nil {
			return Fail(KindUpstreamFormat, fmt.Sprintf("%s: re-encode payload: %v", name, err))
		}
		for _, path := range fields {
			if !gjson.GetBytes(raw, path).Exists() {
				return Fail(KindUpstreamFormat, fmt.Sprintf("%s response missing %q", name, path))
			}
		}
	}
	return Ok(data)
}

func classifyErrorBody(statusErr *StatusError, body []byte) Result {
	kind := KindUpstreamLogic
	if statusErr.Transient() {
		kind = KindTransient
	}
	data, err := response.Parse(body)
	if err != nil {
		var fe *response.FormatError
		if errors.As(err, &fe) && fe.Kind == response.KindHTML {
			return Fail(KindUpstreamFormat, fmt.Sprintf("%s: %v", statusErr.Stage, err))
		}
		return Fail(kind, statusErr.Error())
	}
	return Fail(kind, errorText(data, statusErr.Error()))
}

func errorText(data map[string]any, fallback string) string {
	if msg, ok := data["error"].(string); ok && msg != "" {
		return msg
	}
	return fallback
}

// isPlainBody reports whether a streaming endpoint answered with a single
// JSON or HTML body instead of an event stream.
func isPlainBody(h http.Header) bool {
	mediaType, _, err := mime.ParseMediaType(h.Get("Content-Type"))
	if err != nil {
		return false
	}
	return mediaType == "application/json" || mediaType == "text/html"
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
