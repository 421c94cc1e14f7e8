package errors

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	stdErrors "errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const maxMessageBytes = 512

// FromStatus classifies a non-success upstream response.
func FromStatus(status int, body []byte, header http.Header, opts ...Option) *Error {
	message := messageFromBody(body)
	if message == "" {
		message = http.StatusText(status)
	}

	opts = append([]Option{WithStatus(status)}, opts...)
	if header != nil {
		opts = append(opts, WithRetryAfter(ParseRetryAfter(header.Get("Retry-After"), time.Now())))
	}

	return New(kindForStatus(status), message, opts...)
}

func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuthentication
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	case status == http.StatusServiceUnavailable:
		return KindUnavailable
	case status >= 500:
		return KindServer
	default:
		return KindAPI
	}
}

// FromTransport classifies an error returned by the HTTP client itself.
// Context cancellation is returned unchanged so callers can still match it.
func FromTransport(err error, opts ...Option) error {
	if err == nil {
		return nil
	}
	if stdErrors.Is(err, context.Canceled) || stdErrors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if _, ok := From(err); ok {
		return err
	}

	if isCertificateError(err) {
		return Wrap(KindUnknown, err, "tls handshake failed", opts...)
	}
	var netErr net.Error
	if stdErrors.As(err, &netErr) && netErr.Timeout() {
		return Wrap(KindTimeout, err, "request timed out", opts...)
	}
	if stdErrors.Is(err, syscall.ECONNRESET) || stdErrors.Is(err, syscall.ECONNREFUSED) || stdErrors.Is(err, syscall.EPIPE) {
		return Wrap(KindConnection, err, "connection failed", opts...)
	}
	var opErr *net.OpError
	if stdErrors.As(err, &opErr) {
		return Wrap(KindConnection, err, "connection failed", opts...)
	}
	// Bad URLs, unsupported schemes and similar client errors are left to
	// the retry policy's message fallback.
	return Wrap(KindUnknown, err, "request failed", opts...)
}

func isCertificateError(err error) bool {
	var (
		verifyErr    *tls.CertificateVerificationError
		recordErr    tls.RecordHeaderError
		authorityErr x509.UnknownAuthorityError
		hostErr      x509.HostnameError
		invalidErr   x509.CertificateInvalidError
	)
	return stdErrors.As(err, &verifyErr) ||
		stdErrors.As(err, &recordErr) ||
		stdErrors.As(err, &authorityErr) ||
		stdErrors.As(err, &hostErr) ||
		stdErrors.As(err, &invalidErr)
}

// ParseRetryAfter interprets a Retry-After header given either as seconds or
// as an HTTP date. Unparseable or past values yield zero.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.ParseFloat(value, 64); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds * float64(time.Second))
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func messageFromBody(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return ""
	}

	var envelope struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal([]byte(trimmed), &envelope); err == nil {
		var nested struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		}
		if len(envelope.Error) > 0 && json.Unmarshal(envelope.Error, &nested) == nil && nested.Message != "" {
			if nested.Type != "" {
				return nested.Type + ": " + nested.Message
			}
			return nested.Message
		}
		var plain string
		if len(envelope.Error) > 0 && json.Unmarshal(envelope.Error, &plain) == nil && plain != "" {
			return plain
		}
		if envelope.Message != "" {
			return envelope.Message
		}
	}

	if len(trimmed) > maxMessageBytes {
		return trimmed[:maxMessageBytes] + "..."
	}
	return trimmed
}
