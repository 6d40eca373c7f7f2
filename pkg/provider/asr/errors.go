package asr

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a recognition failure. The worker and the retrying client
// branch on Kind alone; the underlying cause is preserved for logs.
type Kind string

const (
	// KindInvalidKey means the backend rejected the credentials. Never retried.
	KindInvalidKey Kind = "invalid_key"

	// KindFormatRejected means the backend could not decode the audio payload.
	// Never retried.
	KindFormatRejected Kind = "format_rejected"

	// KindQuota means the account is out of quota (billing). Never retried.
	KindQuota Kind = "quota"

	// KindRateLimit means the backend throttled the request. Retried once,
	// honouring [Error.RetryAfter] when the server supplied one.
	KindRateLimit Kind = "rate_limit"

	// KindTimeout means the call exceeded its deadline. Retried with backoff.
	KindTimeout Kind = "timeout"

	// KindNetwork means the request failed below HTTP (DNS, connection reset).
	// Retried with backoff.
	KindNetwork Kind = "network"

	// KindServer means the backend returned a 5xx. Retried with backoff.
	KindServer Kind = "server"

	// KindUnexpected covers everything else (unparseable body, unknown 4xx).
	KindUnexpected Kind = "unexpected"
)

// Error is the classified recognition error returned by every [Provider].
type Error struct {
	// Kind is the failure class.
	Kind Kind

	// RetryAfter is the server-requested wait before retrying. Only set for
	// [KindRateLimit] and only when the response carried a Retry-After header.
	RetryAfter time.Duration

	// Msg is a short human-readable description for logs.
	Msg string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("asr: %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("asr: %s: %s", e.Kind, e.Msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// NewError constructs a classified recognition error.
func NewError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// KindOf extracts the [Kind] from err. Errors that are not (or do not wrap)
// an [*Error] report [KindUnexpected].
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindUnexpected
}

// Retryable reports whether err is worth retrying with backoff.
// Rate limits are handled separately because they carry their own delay.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindNetwork, KindServer:
		return true
	}
	return false
}
