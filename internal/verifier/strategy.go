// Package verifier holds the category specific verification strategies and
// the client for the remote verification service they call.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/kalambet/taskcheck/internal/errclass"
	"github.com/kalambet/taskcheck/internal/task"
)

// ServiceModule is the module name strategies expect their service under.
const ServiceModule = "verification-service"

const (
	defaultCallTimeout    = 8 * time.Second
	defaultRetries        = 2
	defaultInitialBackoff = 300 * time.Millisecond
)

// Strategy verifies items of one category.
type Strategy interface {
	Category() task.Category
	Verify(ctx context.Context, itemID string, item *task.Item) task.Result
}

// Options tune the service call made by every strategy.
type Options struct {
	CallTimeout    time.Duration
	Retries        int
	InitialBackoff time.Duration
}

func (o Options) withDefaults() Options {
	if o.CallTimeout <= 0 {
		o.CallTimeout = defaultCallTimeout
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = defaultInitialBackoff
	}
	return o
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{Retries: defaultRetries}.withDefaults()
}

// base runs the shared pipeline: validate, pre-check, build payload, call
// the service with retries, convert the outcome into a result.
type base struct {
	category task.Category
	opts     Options
	now      func() time.Time
	logger   *slog.Logger

	mu      sync.RWMutex
	service Service

	validate func(it *task.Item) error
	precheck func(it *task.Item, now time.Time) *task.Result
	fields   func(it *task.Item) map[string]any
}

func (b *base) init(cat task.Category, svc Service, opts Options) {
	b.category = cat
	b.opts = opts.withDefaults()
	b.now = time.Now
	b.logger = slog.Default()
	b.service = svc
}

// Category reports the category this strategy handles.
func (b *base) Category() task.Category { return b.category }

// SetDependency receives the verification service from the orchestrator.
func (b *base) SetDependency(name string, instance any) {
	if name != ServiceModule {
		return
	}
	if svc, ok := instance.(Service); ok {
		b.mu.Lock()
		b.service = svc
		b.mu.Unlock()
	}
}

// SetClock overrides the clock used for pre-checks and timestamps.
func (b *base) SetClock(now func() time.Time) { b.now = now }

func (b *base) currentService() Service {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.service
}

// Verify runs the pipeline for itemID.
func (b *base) Verify(ctx context.Context, itemID string, item *task.Item) task.Result {
	start := b.now()
	finish := func(r task.Result) task.Result {
		r.ItemID = itemID
		r.Timestamp = b.now()
		r.ResponseTimeMs = r.Timestamp.Sub(start).Milliseconds()
		return r
	}

	if err := b.validateItem(itemID, item); err != nil {
		return finish(failureFromError(err, task.ReasonInvalidItem))
	}
	if b.precheck != nil {
		if r := b.precheck(item, start); r != nil {
			b.logger.Debug("verification rejected by pre-check", "item_id", itemID, "category", b.category, "reason", r.Reason)
			return finish(*r)
		}
	}

	svc := b.currentService()
	if svc == nil {
		return finish(task.Result{
			Status:        task.StatusError,
			Message:       "Verification is currently unavailable.",
			ErrorCategory: string(errclass.Unknown),
		})
	}

	req := Request{ItemID: itemID, Category: b.category, Payload: b.payload(item, start)}
	resp, err := b.call(ctx, svc, req)
	if err != nil {
		return finish(failureFromError(err, ""))
	}
	return finish(resultFromResponse(resp, item))
}

func (b *base) validateItem(itemID string, item *task.Item) error {
	if itemID == "" {
		return &errclass.ValidationError{Field: "item_id", Reason: "is required"}
	}
	if item == nil {
		return &errclass.ValidationError{Field: "item", Reason: "is required"}
	}
	if item.ID != "" && item.ID != itemID {
		return &errclass.ValidationError{Field: "item_id", Reason: fmt.Sprintf("does not match item %q", item.ID)}
	}
	if b.validate != nil {
		return b.validate(item)
	}
	return nil
}

func (b *base) payload(item *task.Item, now time.Time) map[string]any {
	p := map[string]any{
		"category":  string(b.category),
		"action":    item.Action,
		"title":     item.Title,
		"timestamp": now.UTC().Format(time.RFC3339),
	}
	if item.URL != "" {
		p["url"] = item.URL
	}
	if len(item.Metadata) > 0 {
		p["metadata"] = item.Metadata
	}
	if b.fields != nil {
		for k, v := range b.fields(item) {
			p[k] = v
		}
	}
	return p
}

// call invokes the service, retrying retryable failures with exponential
// backoff. Each attempt gets its own timeout.
func (b *base) call(ctx context.Context, svc Service, req Request) (*Response, error) {
	var lastErr error
	for attempt := range b.opts.Retries + 1 {
		callCtx, cancel := context.WithTimeout(ctx, b.opts.CallTimeout)
		resp, err := svc.Verify(callCtx, req)
		cancel()
		if err == nil {
			return resp, nil
		}
		lastErr = err

		cat := errclass.Classify(err)
		if ctx.Err() != nil || !errclass.Retryable(cat) || attempt == b.opts.Retries {
			break
		}

		backoff := time.Duration(float64(b.opts.InitialBackoff) * math.Pow(2, float64(attempt)))
		b.logger.Debug("retrying verification call", "item_id", req.ItemID, "attempt", attempt+1, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, lastErr
}

func failureFromError(err error, reason string) task.Result {
	cat := errclass.Classify(err)
	msg := errclass.Message(cat)
	var ve *errclass.ValidationError
	if errors.As(err, &ve) {
		msg = "Invalid task: " + ve.Field + " " + ve.Reason + "."
	}
	return task.Result{
		Status:        errclass.StatusFor(cat),
		Message:       msg,
		ErrorCategory: string(cat),
		Reason:        reason,
	}
}

func resultFromResponse(resp *Response, item *task.Item) task.Result {
	if resp.Success {
		reward := resp.Reward
		if reward == nil && item.Reward != nil {
			r := *item.Reward
			reward = &r
		}
		msg := resp.Message
		if msg == "" {
			msg = "Task verified."
		}
		return task.Result{
			Success: true,
			Status:  task.StatusSuccess,
			Message: msg,
			Reward:  reward,
			Details: resp.Details,
		}
	}

	status := task.StatusFailure
	switch task.Status(resp.Status) {
	case task.StatusError, task.StatusTimeout, task.StatusNetworkError:
		status = task.Status(resp.Status)
	}
	msg := resp.Message
	if msg == "" {
		msg = "The task has not been completed yet."
	}
	return task.Result{
		Status:  status,
		Message: msg,
		Reason:  task.ReasonRejected,
		Details: resp.Details,
	}
}
