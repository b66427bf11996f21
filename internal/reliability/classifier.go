package reliability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// Kind is the result class of a failed external call.
type Kind string

const (
	KindTransient Kind = "transient"
	KindFatal     Kind = "fatal"
)

// ServiceError tags an adapter failure with its result class.
type ServiceError struct {
	Service string
	Kind    Kind
	Code    string
	Err     error
}

func (e *ServiceError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s %s error (%s): %v", e.Service, e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s %s error: %v", e.Service, e.Kind, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

func Transient(service string, err error) error {
	if err == nil {
		return nil
	}
	return &ServiceError{Service: service, Kind: KindTransient, Err: err}
}

func Fatal(service string, err error) error {
	if err == nil {
		return nil
	}
	return &ServiceError{Service: service, Kind: KindFatal, Err: err}
}

// HTTPStatusError is returned by plain HTTP adapters on non-2xx responses.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Body)
}

// FromHTTPStatus wraps err with the class implied by an HTTP status code.
func FromHTTPStatus(service string, code int, err error) error {
	if err == nil {
		return nil
	}
	kind := KindFatal
	if IsRetryableHTTPStatus(code) || code == 408 || code == 0 {
		kind = KindTransient
	}
	return &ServiceError{Service: service, Kind: kind, Code: fmt.Sprintf("http_%d", code), Err: err}
}

// Classify reports whether err may succeed on retry. Unknown errors are
// treated as transient; adapters mark permanent failures explicitly.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Kind
	}
	var he *HTTPStatusError
	if errors.As(err, &he) {
		if IsRetryableHTTPStatus(he.StatusCode) || he.StatusCode == 408 {
			return KindTransient
		}
		return KindFatal
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return KindTransient
	}
	if errors.Is(err, context.Canceled) {
		return KindFatal
	}
	return KindTransient
}

func IsTransient(err error) bool { return Classify(err) == KindTransient }

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableRealtimeMessageType classifies retryable upstream realtime errors.
func IsRetryableRealtimeMessageType(messageType string) bool {
	switch messageType {
	case "rate_limited", "resource_exhausted", "queue_overflow", "error":
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
