package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TransientError marks a failure worth retrying: the server was unreachable,
// the request timed out, or the server answered with a 5xx.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient remote failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a business-rule rejection that retrying cannot fix.
type PermanentError struct {
	Status int
	Err    error
}

func (e *PermanentError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("remote rejected request (%d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("remote rejected request: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// ConflictError reports a stale-version update rejection, carrying the
// server's current view of the record.
type ConflictError struct {
	RemoteVersion   int64           `json:"version"`
	RemotePayload   json.RawMessage `json:"payload"`
	RemoteUpdatedAt time.Time       `json:"updated_at"`
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("stale version: server is at %d", e.RemoteVersion)
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsPermanent reports whether err is a non-retryable rejection.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// AsConflict extracts a ConflictError, if err is one.
func AsConflict(err error) (*ConflictError, bool) {
	var c *ConflictError
	if errors.As(err, &c) {
		return c, true
	}
	return nil, false
}
