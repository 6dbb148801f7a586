// Package errclass maps raw verification failures to a fixed taxonomy and
// the user-facing message for each class.
package errclass

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/kalambet/taskcheck/internal/task"
)

// Category is an error class.
type Category string

const (
	Timeout    Category = "timeout"
	Network    Category = "network"
	Auth       Category = "auth"
	RateLimit  Category = "rate_limit"
	Server     Category = "server"
	Client     Category = "client"
	Validation Category = "validation"
	Unknown    Category = "unknown"
)

// StatusError is returned by service clients for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// ValidationError marks a request the service (or a local check) rejected as
// malformed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

var validationMarkers = []string{"validation", "invalid", "required", "malformed"}

// Classify maps err to a Category. A nil error is Unknown.
func Classify(err error) Category {
	if err == nil {
		return Unknown
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Timeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout
	}

	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.Code == 401 || se.Code == 403:
			return Auth
		case se.Code == 429:
			return RateLimit
		case se.Code >= 500:
			return Server
		case se.Code >= 400:
			return Client
		}
	}

	var ve *ValidationError
	if errors.As(err, &ve) {
		return Validation
	}

	var urlErr *url.Error
	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &urlErr) || errors.As(err, &opErr) || errors.As(err, &dnsErr) {
		return Network
	}

	if hasValidationMarker(err.Error()) {
		return Validation
	}
	return Unknown
}

func hasValidationMarker(s string) bool {
	s = strings.ToLower(s)
	for _, m := range validationMarkers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// Message returns the user-facing text for a category.
func Message(c Category) string {
	switch c {
	case Timeout:
		return "Verification timed out. Please try again."
	case Network:
		return "Could not reach the verification service. Check your connection and try again."
	case Auth:
		return "Verification was not authorized. Please sign in again."
	case RateLimit:
		return "Too many verification requests. Please wait a moment."
	case Server:
		return "The verification service is having trouble. Please try again later."
	case Client:
		return "The verification request was rejected."
	case Validation:
		return "The task could not be verified because its data is invalid."
	default:
		return "Verification failed for an unknown reason."
	}
}

// StatusFor returns the result status reported for a category.
func StatusFor(c Category) task.Status {
	switch c {
	case Timeout:
		return task.StatusTimeout
	case Network:
		return task.StatusNetworkError
	case Server, Unknown:
		return task.StatusError
	default:
		return task.StatusFailure
	}
}

// Retryable reports whether a request failing with c may succeed on retry.
func Retryable(c Category) bool {
	switch c {
	case Timeout, Network, RateLimit, Server:
		return true
	}
	return false
}
