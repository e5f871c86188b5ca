package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// ErrorKind discriminates the error taxonomy.
type ErrorKind string

const (
	KindConfiguration ErrorKind = "configuration"
	KindProvider      ErrorKind = "provider"
	KindProtocol      ErrorKind = "protocol"
)

// Error is the only error type that crosses the LanguageModel boundary.
type Error struct {
	Kind      ErrorKind
	Message   string
	Provider  string
	Retryable bool
	Cause     error

	JobID      string
	StatusCode int
	ModelID    string

	// RetryAfter is a backend hint for the minimum delay before retrying.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Provider != "" {
		b.WriteString(" [")
		b.WriteString(e.Provider)
		b.WriteString("]")
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (http %d)", e.StatusCode)
	}
	if e.JobID != "" {
		b.WriteString(" job_id=")
		b.WriteString(e.JobID)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// ErrorOption attaches optional context to an Error.
type ErrorOption func(*Error)

func WithStatus(code int) ErrorOption { return func(e *Error) { e.StatusCode = code } }

func WithModel(model string) ErrorOption { return func(e *Error) { e.ModelID = model } }

func WithJobID(id string) ErrorOption { return func(e *Error) { e.JobID = id } }

func WithRetryAfter(d time.Duration) ErrorOption { return func(e *Error) { e.RetryAfter = d } }

// NewConfigurationError reports missing or invalid setup. Never retryable.
func NewConfigurationError(message string, opts ...ErrorOption) *Error {
	e := &Error{Kind: KindConfiguration, Message: message}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewProviderError reports a transport or backend failure.
func NewProviderError(message, provider string, retryable bool, cause error, opts ...ErrorOption) *Error {
	e := &Error{Kind: KindProvider, Message: message, Provider: provider, Retryable: retryable, Cause: cause}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewProtocolError reports a malformed or adversarial job-protocol message.
func NewProtocolError(message, jobID string, cause error) *Error {
	return &Error{Kind: KindProtocol, Message: message, JobID: jobID, Cause: cause}
}

// HTTPStatusCarrier is implemented by backend errors that know the HTTP
// status of the failed response.
type HTTPStatusCarrier interface {
	HTTPStatus() int
}

type retryAfterCarrier interface {
	RetryAfterHint() time.Duration
}

// FromUnknown converts an arbitrary error into an *Error. Errors already in
// the taxonomy are returned unchanged; everything else is wrapped as a
// provider error with err as the cause.
func FromUnknown(err error, provider, modelID string, retryableDefault bool) *Error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}

	e := &Error{
		Kind:      KindProvider,
		Message:   err.Error(),
		Provider:  provider,
		ModelID:   modelID,
		Retryable: retryableDefault,
		Cause:     err,
	}

	var sc HTTPStatusCarrier
	if errors.As(err, &sc) && sc.HTTPStatus() != 0 {
		code := sc.HTTPStatus()
		e.StatusCode = code
		e.Message = fmt.Sprintf("backend returned %d %s", code, http.StatusText(code))
		switch {
		case code == http.StatusTooManyRequests, code >= 500:
			e.Retryable = true
		case code >= 400:
			e.Retryable = false
		}
		var ra retryAfterCarrier
		if errors.As(err, &ra) {
			e.RetryAfter = ra.RetryAfterHint()
		}
		return e
	}

	if errors.Is(err, context.DeadlineExceeded) {
		e.Message = "request timed out"
		e.Retryable = true
		return e
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		e.Message = "network timeout"
		e.Retryable = true
	}
	return e
}

// IsRetryable reports whether err is a retryable provider error.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindProvider && e.Retryable
}

// KindOf returns the taxonomy kind of err, or "" if err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
