package errcodes

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Class buckets a downstream API failure by how the executors should react
// to it.
type Class string

const (
	// ClassTransient covers network failures and 5xx responses; retried
	// with backoff.
	ClassTransient Class = "transient"
	// ClassAuthExpired is a 401; re-authenticate and retry without
	// consuming the attempt budget.
	ClassAuthExpired Class = "auth_expired"
	// ClassRateLimited is a 429; sleep the cooldown, then retry.
	ClassRateLimited Class = "rate_limited"
	// ClassNotFound means the target state is already absent; never
	// retried.
	ClassNotFound Class = "not_found"
	// ClassPermanent is any other 4xx; never retried.
	ClassPermanent Class = "permanent"
	// ClassMalformed is an undecodable response body; treated as transient
	// since it usually indicates a dropped or partial response.
	ClassMalformed Class = "malformed_response"
)

type Error struct {
	Class      Class
	StatusCode int
	Message    string
	// RetryAfter is only set for rate-limited errors, derived from the
	// response headers when present.
	RetryAfter time.Duration
}

func (err *Error) Error() string {
	if err.StatusCode != 0 {
		return fmt.Sprintf("%s (%d): %s", err.Class, err.StatusCode, err.Message)
	}
	return fmt.Sprintf("%s: %s", err.Class, err.Message)
}

func (err *Error) As(target interface{}) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	*te = *err
	return true
}

func (err *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return te.Class == err.Class
}

func Transient(statusCode int, message string) error {
	return &Error{Class: ClassTransient, StatusCode: statusCode, Message: message}
}

func AuthExpired() error {
	return &Error{Class: ClassAuthExpired, StatusCode: 401, Message: "session is no longer authenticated"}
}

func RateLimited(retryAfter time.Duration) error {
	return &Error{Class: ClassRateLimited, StatusCode: 429, Message: "too many requests", RetryAfter: retryAfter}
}

func NotFound(resource string) error {
	return &Error{Class: ClassNotFound, StatusCode: 404, Message: resource + " not found"}
}

func Permanent(statusCode int, message string) error {
	return &Error{Class: ClassPermanent, StatusCode: statusCode, Message: message}
}

func Malformed(message string) error {
	return &Error{Class: ClassMalformed, Message: message}
}

// ClassOf extracts the failure class from an error chain. Errors that carry
// no class (plain network errors, wrapped or not) are treated as transient.
func ClassOf(err error) Class {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Class
	}
	return ClassTransient
}

// Retryable reports whether another attempt could change the outcome.
func Retryable(err error) bool {
	switch ClassOf(err) {
	case ClassNotFound, ClassPermanent:
		return false
	}
	return true
}

// RetryAfterOf returns the cooldown attached to a rate-limited error, or zero.
func RetryAfterOf(err error) time.Duration {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.RetryAfter
	}
	return 0
}
