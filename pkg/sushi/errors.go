package sushi

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failed exchange.
type Kind string

const (
	KindTimeout             Kind = "timeout"
	KindUnauthorized        Kind = "unauthorized"
	KindRateLimited         Kind = "rate_limited"
	KindServerError         Kind = "server_error"
	KindMalformedResponse   Kind = "malformed_response"
	KindNetwork             Kind = "network"
	KindRejected            Kind = "rejected"
	KindNotReady            Kind = "not_ready"
	KindMalformedCredential Kind = "malformed_credential"
)

// Transient reports whether an identical request may succeed later.
func (k Kind) Transient() bool {
	switch k {
	case KindTimeout, KindRateLimited, KindServerError, KindMalformedResponse, KindNetwork, KindNotReady:
		return true
	}
	return false
}

var ErrMalformedCredential = errors.New("malformed credential")

// Error is returned by every failing Client call.
type Error struct {
	Kind Kind

	// Status is the HTTP status, 0 when no response was received.
	Status int

	// Code is the SUSHI exception code, 0 when the failure carried none.
	Code int

	Message string
	URL     string

	// RetryAfter is the delay the endpoint asked for, if any.
	RetryAfter time.Duration

	Err error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("sushi %s", e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (http %d)", e.Status)
	}
	if e.Code != 0 {
		msg += fmt.Sprintf(" (exception %d)", e.Code)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil && e.Message == "" {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the Kind of a wrapped *Error.
func KindOf(err error) (Kind, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return "", false
}

// RetryAfterOf returns the server requested delay of a wrapped *Error.
func RetryAfterOf(err error) time.Duration {
	var se *Error
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}

func IsUnauthorized(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindUnauthorized
}

func IsRateLimited(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindRateLimited
}
