package errclass

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"testing"

	"github.com/kalambet/taskcheck/internal/task"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"nil", nil, Unknown},
		{"deadline", context.DeadlineExceeded, Timeout},
		{"wrapped deadline", fmt.Errorf("calling service: %w", context.DeadlineExceeded), Timeout},
		{"canceled", context.Canceled, Timeout},
		{"net timeout", &url.Error{Op: "Post", URL: "http://x", Err: timeoutErr{}}, Timeout},
		{"connection refused", &url.Error{Op: "Post", URL: "http://x", Err: &net.OpError{Op: "dial", Err: errors.New("connection refused")}}, Network},
		{"dns", &net.DNSError{Err: "no such host", Name: "x"}, Network},
		{"401", &StatusError{Code: 401}, Auth},
		{"403", &StatusError{Code: 403}, Auth},
		{"429", &StatusError{Code: 429}, RateLimit},
		{"500", &StatusError{Code: 500}, Server},
		{"503 wrapped", fmt.Errorf("verify: %w", &StatusError{Code: 503}), Server},
		{"404", &StatusError{Code: 404}, Client},
		{"400 with marker is client", &StatusError{Code: 400, Body: `{"error":"invalid item_id"}`}, Client},
		{"422", &StatusError{Code: 422}, Client},
		{"validation error", &ValidationError{Field: "id", Reason: "is required"}, Validation},
		{"message marker", errors.New("payload malformed"), Validation},
		{"other", errors.New("boom"), Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestStatusFor(t *testing.T) {
	want := map[Category]task.Status{
		Timeout:    task.StatusTimeout,
		Network:    task.StatusNetworkError,
		Auth:       task.StatusFailure,
		RateLimit:  task.StatusFailure,
		Client:     task.StatusFailure,
		Validation: task.StatusFailure,
		Server:     task.StatusError,
		Unknown:    task.StatusError,
	}
	for c, s := range want {
		if got := StatusFor(c); got != s {
			t.Errorf("StatusFor(%q) = %q, want %q", c, got, s)
		}
	}
}

func TestMessageDistinct(t *testing.T) {
	seen := map[string]Category{}
	for _, c := range []Category{Timeout, Network, Auth, RateLimit, Server, Client, Validation, Unknown} {
		m := Message(c)
		if m == "" {
			t.Errorf("Message(%q) is empty", c)
		}
		if prev, ok := seen[m]; ok {
			t.Errorf("Message(%q) duplicates Message(%q)", c, prev)
		}
		seen[m] = c
	}
}

func TestRetryable(t *testing.T) {
	for _, c := range []Category{Timeout, Network, RateLimit, Server} {
		if !Retryable(c) {
			t.Errorf("Retryable(%q) = false", c)
		}
	}
	for _, c := range []Category{Auth, Client, Validation, Unknown} {
		if Retryable(c) {
			t.Errorf("Retryable(%q) = true", c)
		}
	}
}
