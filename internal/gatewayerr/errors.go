// Package gatewayerr defines the gateway's error taxonomy: a closed set of
// kinds (not Go types) that every boundary — HTTP handlers, the billing
// ledger, the stream handler, the workflow orchestrator — classifies its
// failures into. Classification drives propagation: Validation/NotFound
// go back to the caller verbatim, StreamError ends a stream without
// failing its workflow, Config errors are fatal at startup.
package gatewayerr

import (
	"errors"
	"fmt"
)

// Kind is one of the taxonomy's closed set of error kinds.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindAuth       Kind = "auth"
	KindSecurity   Kind = "security"
	KindConfig     Kind = "config"
	KindDatabase   Kind = "database"
	KindExternal   Kind = "external"
	KindNetwork    Kind = "network"
	KindStream     Kind = "stream_error"
	KindInternal   Kind = "internal"
)

// StreamSubKind distinguishes the two StreamError shapes named in the spec.
type StreamSubKind string

const (
	StreamProviderError StreamSubKind = "provider_error"
	StreamTransformer   StreamSubKind = "transformer"
)

// Error is a classified gateway error. It wraps an underlying cause and
// carries a kind plus an optional remediation hint surfaced to callers.
type Error struct {
	Kind      Kind
	StreamSub StreamSubKind // only meaningful when Kind == KindStream
	Message   string
	Hint      string
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, &gatewayerr.Error{Kind: gatewayerr.KindNotFound})
// style checks: any target *Error with the same Kind matches.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

func newf(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func Validation(format string, args ...interface{}) *Error {
	return newf(KindValidation, nil, format, args...)
}

func NotFound(format string, args ...interface{}) *Error {
	return newf(KindNotFound, nil, format, args...)
}

func Auth(format string, args ...interface{}) *Error {
	return newf(KindAuth, nil, format, args...)
}

func Security(format string, args ...interface{}) *Error {
	return newf(KindSecurity, nil, format, args...)
}

func Config(format string, args ...interface{}) *Error {
	return newf(KindConfig, nil, format, args...)
}

func Database(err error, format string, args ...interface{}) *Error {
	return newf(KindDatabase, err, format, args...)
}

func External(err error, format string, args ...interface{}) *Error {
	return newf(KindExternal, err, format, args...)
}

func Network(err error, format string, args ...interface{}) *Error {
	return newf(KindNetwork, err, format, args...)
}

func Internal(err error, format string, args ...interface{}) *Error {
	return newf(KindInternal, err, format, args...)
}

// ProviderError builds the StreamError::ProviderError(msg) variant: a
// provider sent a top-level {"error": {...}} chunk.
func ProviderError(msg string) *Error {
	return &Error{Kind: KindStream, StreamSub: StreamProviderError, Message: msg}
}

// Transformer builds the StreamError::Transformer(msg) variant: a chunk
// could not be parsed by the provider transformer.
func Transformer(msg string) *Error {
	return &Error{Kind: KindStream, StreamSub: StreamTransformer, Message: msg}
}

// WithHint attaches a remediation hint surfaced alongside the error.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// KindOf extracts the Kind of err if it is (or wraps) a *Error, else
// KindInternal — unclassified errors default to the most conservative
// propagation path.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindInternal
}

// HTTPStatus maps a Kind to the conventional HTTP status code used at the
// gateway's boundary.
func HTTPStatus(k Kind) int {
	switch k {
	case KindValidation:
		return 400
	case KindNotFound:
		return 404
	case KindAuth:
		return 401
	case KindSecurity:
		return 403
	case KindConfig:
		return 500
	case KindDatabase:
		return 503
	case KindExternal:
		return 502
	case KindNetwork:
		return 499
	case KindStream:
		return 200 // streams report errors in-band via error_details
	default:
		return 500
	}
}
