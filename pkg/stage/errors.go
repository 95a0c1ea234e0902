package stage

import (
	"errors"
	"fmt"
	"net/http"
)

// StatusError reports a non-2xx answer from a stage service.
type StatusError struct {
	Stage  Name
	Status int
	Err    error
}

func (e *StatusError) Error() string {
	if e == nil {
		return "stage error"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s returned HTTP %d: %v", e.Stage, e.Status, e.Err)
	}
	return fmt.Sprintf("%s returned HTTP %d", e.Stage, e.Status)
}

func (e *StatusError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Transient reports whether the status is worth retrying.
func (e *StatusError) Transient() bool {
	return e.Status == http.StatusTooManyRequests || (e.Status >= 500 && e.Status <= 599)
}

// Retryable reports whether a failed attempt may be sent again. Only a
// transient HTTP status qualifies; timeouts and transport errors never do.
func Retryable(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.Transient()
}
