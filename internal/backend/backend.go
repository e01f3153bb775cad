package backend

import (
	"context"
	"errors"
	"fmt"

	"lottonotify/internal/model"
)

// Backend is the outbound email delivery port. Implementations classify
// their failures with SendError so the retry engine can branch on the
// tag instead of guessing from error strings.
type Backend interface {
	Name() string
	Send(ctx context.Context, msg *model.Message) error
}

// SendError is a tagged delivery outcome. Retriable failures are
// consumed by the retry engine; fatal ones abort immediately.
type SendError struct {
	Kind      string
	Retriable bool
	Fatal     bool // terminal configuration error, forces fallback routing
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// RetriableError tags a transient provider failure (timeout, 5xx).
func RetriableError(kind string, err error) *SendError {
	return &SendError{Kind: kind, Retriable: true, Err: err}
}

// PermanentError tags a per-message rejection (invalid recipient).
// It aborts retries but does not force fallback for later messages.
func PermanentError(kind string, err error) *SendError {
	return &SendError{Kind: kind, Err: err}
}

// FatalError tags a provider configuration error (unverified sender,
// bad credentials). It aborts retries and latches the fallback path.
func FatalError(kind string, err error) *SendError {
	return &SendError{Kind: kind, Fatal: true, Err: err}
}

// Classify returns (retriable, kind) for any error coming out of a send
// attempt. Unknown errors are treated as retriable network trouble —
// the provider call is the only thing that can fail here.
func Classify(err error) (bool, string) {
	if err == nil {
		return false, ""
	}
	var se *SendError
	if errors.As(err, &se) {
		return se.Retriable, se.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true, "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return false, "context_canceled"
	}
	return true, "unknown_error"
}

// IsFatal reports whether err is a terminal configuration error.
func IsFatal(err error) bool {
	var se *SendError
	return errors.As(err, &se) && se.Fatal
}
