package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Kind classifies a failure so callers can decide how to react without
// inspecting messages.
type Kind string

const (
	KindUnknown        Kind = "unknown"
	KindAuthentication Kind = "authentication"
	KindRateLimit      Kind = "rate_limit"
	KindServer         Kind = "server"
	KindUnavailable    Kind = "unavailable"
	KindTimeout        Kind = "timeout"
	KindConnection     Kind = "connection"
	KindAPI            Kind = "api"
	KindValidation     Kind = "validation"
	KindUnsupported    Kind = "unsupported"
)

// Attributes describe the default behaviour attached to a kind.
type Attributes struct {
	Message    string
	HTTPStatus int
	Retryable  bool
}

var (
	registryMu sync.RWMutex
	registry   = map[Kind]Attributes{
		KindUnknown:        {Message: "unknown error", HTTPStatus: http.StatusBadGateway},
		KindAuthentication: {Message: "authentication failed", HTTPStatus: http.StatusUnauthorized},
		KindRateLimit:      {Message: "rate limit exceeded", HTTPStatus: http.StatusTooManyRequests, Retryable: true},
		KindServer:         {Message: "upstream server error", HTTPStatus: http.StatusBadGateway, Retryable: true},
		KindUnavailable:    {Message: "service unavailable", HTTPStatus: http.StatusServiceUnavailable, Retryable: true},
		KindTimeout:        {Message: "request timed out", HTTPStatus: http.StatusGatewayTimeout, Retryable: true},
		KindConnection:     {Message: "connection failed", HTTPStatus: http.StatusBadGateway, Retryable: true},
		KindAPI:            {Message: "upstream api error", HTTPStatus: http.StatusBadGateway},
		KindValidation:     {Message: "invalid argument", HTTPStatus: http.StatusBadRequest},
		KindUnsupported:    {Message: "unsupported operation", HTTPStatus: http.StatusBadRequest},
	}
)

// Register overrides or adds the attributes of a kind.
func Register(kind Kind, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = attr
}

// Registered reports whether kind has attributes of its own.
func Registered(kind Kind) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[kind]
	return ok
}

// AttributesOf returns the attributes registered for kind, falling back to
// those of KindUnknown.
func AttributesOf(kind Kind) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[kind]; ok {
		return attr
	}
	return registry[KindUnknown]
}

// Error is the classified error type produced at the transport boundary.
type Error struct {
	kind       Kind
	message    string
	status     int
	provider   string
	retryAfter time.Duration
	cause      error
}

// Option customises an Error.
type Option func(*Error)

// WithStatus records the upstream HTTP status code.
func WithStatus(status int) Option {
	return func(e *Error) {
		e.status = status
	}
}

// WithProvider records which provider produced the error.
func WithProvider(name string) Option {
	return func(e *Error) {
		e.provider = name
	}
}

// WithRetryAfter records a server supplied retry hint.
func WithRetryAfter(d time.Duration) Option {
	return func(e *Error) {
		if d > 0 {
			e.retryAfter = d
		}
	}
}

// New creates a classified error. An empty message uses the kind default.
func New(kind Kind, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(kind).Message
	}
	e := &Error{kind: kind, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap classifies an existing error.
func Wrap(kind Kind, cause error, message string, opts ...Option) *Error {
	e := New(kind, message, opts...)
	e.cause = cause
	return e
}

// Validation is shorthand for a KindValidation error.
func Validation(format string, args ...any) *Error {
	return New(KindValidation, fmt.Sprintf(format, args...))
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	if e.provider != "" {
		b.WriteString(e.provider)
		b.WriteString(": ")
	}
	b.WriteString(string(e.kind))
	if e.status != 0 {
		b.WriteString(" (")
		b.WriteString(strconv.Itoa(e.status))
		b.WriteString(")")
	}
	b.WriteString(": ")
	b.WriteString(e.message)
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Kind returns the error classification.
func (e *Error) Kind() Kind {
	if e == nil {
		return KindUnknown
	}
	return e.kind
}

// Message returns the human readable message without kind or cause.
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Status returns the upstream HTTP status, or zero when not applicable.
func (e *Error) Status() int {
	if e == nil {
		return 0
	}
	return e.status
}

// Provider returns the provider name attached to the error.
func (e *Error) Provider() string {
	if e == nil {
		return ""
	}
	return e.provider
}

// RetryAfter returns the server supplied retry hint.
func (e *Error) RetryAfter() time.Duration {
	if e == nil {
		return 0
	}
	return e.retryAfter
}

// HTTPStatus returns the status the gateway should answer with.
func (e *Error) HTTPStatus() int {
	return AttributesOf(e.Kind()).HTTPStatus
}

// Retryable reports the default retry behaviour of the error's kind.
func (e *Error) Retryable() bool {
	return AttributesOf(e.Kind()).Retryable
}

// From extracts the first *Error in err's chain.
func From(err error) (*Error, bool) {
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// KindOf returns the kind of the first classified error in err's chain, or
// KindUnknown when err is unclassified.
func KindOf(err error) Kind {
	if e, ok := From(err); ok {
		return e.Kind()
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
