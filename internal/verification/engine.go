// Package verification implements the per-item verification state machine:
// throttling, attempt limiting, result caching, strategy dispatch and result
// events.
package verification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/kalambet/taskcheck/internal/cache"
	"github.com/kalambet/taskcheck/internal/errclass"
	"github.com/kalambet/taskcheck/internal/events"
	"github.com/kalambet/taskcheck/internal/storage"
	"github.com/kalambet/taskcheck/internal/task"
	"github.com/kalambet/taskcheck/internal/verifier"
)

const (
	DefaultThrottleWindow  = 3 * time.Second
	DefaultMaxAttempts     = 5
	DefaultBaseTTL         = 5 * time.Minute
	DefaultFailureTTL      = 30 * time.Second
	DefaultCompletionDelay = 500 * time.Millisecond
	DefaultVerifyTimeout   = 30 * time.Second
)

// Config holds the engine limits. Zero values are replaced by defaults.
type Config struct {
	ThrottleWindow  time.Duration
	MaxAttempts     int
	BaseTTL         time.Duration
	FailureTTL      time.Duration
	CompletionDelay time.Duration
	VerifyTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.ThrottleWindow <= 0 {
		c.ThrottleWindow = DefaultThrottleWindow
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseTTL <= 0 {
		c.BaseTTL = DefaultBaseTTL
	}
	if c.FailureTTL <= 0 {
		c.FailureTTL = DefaultFailureTTL
	}
	if c.CompletionDelay < 0 {
		c.CompletionDelay = 0
	}
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = DefaultVerifyTimeout
	}
	return c
}

// SuccessTTL is how long a successful result stays cached.
func (c Config) SuccessTTL() time.Duration { return 2 * c.BaseTTL }

// FailureCacheTTL is how long a non-successful result stays cached.
func (c Config) FailureCacheTTL() time.Duration { return min(c.BaseTTL, c.FailureTTL) }

// ItemStore provides item definitions and progress records.
type ItemStore interface {
	FindByID(id string) (*task.Item, error)
	GetProgress(itemID string) (task.Progress, error)
	SetProgress(p task.Progress) error
}

// completionCounter is implemented by stores that track per-item completion
// quotas.
type completionCounter interface {
	IncrementCompletions(id string) error
}

// Classifier resolves item categories.
type Classifier interface {
	Classify(ctx context.Context, itemID string) task.Category
}

// Publisher receives engine events.
type Publisher interface {
	Publish(e events.Event) bool
}

// State is the engine's view of an item.
type State string

const (
	StateIdle      State = "idle"
	StateVerifying State = "verifying"
	StateBlocked   State = "blocked"
)

// ItemState is a snapshot of an item's attempt record.
type ItemState struct {
	ItemID        string    `json:"item_id"`
	State         State     `json:"state"`
	Attempts      int       `json:"attempts"`
	MaxAttempts   int       `json:"max_attempts"`
	LastAttemptAt time.Time `json:"last_attempt_at,omitempty"`
}

// ResultPayload is the payload of a verification-result event.
type ResultPayload struct {
	Result task.Result `json:"result"`
	Cached bool        `json:"cached"`
}

// CompletedPayload is the payload of an item-completed event.
type CompletedPayload struct {
	Reward *task.Reward `json:"reward,omitempty"`
}

type attempt struct {
	count         int
	lastAttemptAt time.Time
	inProgress    bool
}

// Engine verifies items. It is safe for concurrent use; calls for the same
// item are serialized by the in-progress guard.
type Engine struct {
	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	mu         sync.Mutex
	attempts   map[string]*attempt
	strategies map[task.Category]verifier.Strategy
	cache      *cache.Cache
	classifier Classifier
	items      ItemStore
	bus        Publisher

	pending sync.WaitGroup
}

// New creates an engine. Collaborators may be nil and set later through
// the setters or SetDependency; missing collaborators degrade features
// rather than fail verification.
func New(cfg Config, c *cache.Cache, cl Classifier, items ItemStore, bus Publisher) *Engine {
	return &Engine{
		cfg:        cfg.withDefaults(),
		now:        time.Now,
		logger:     slog.Default(),
		attempts:   make(map[string]*attempt),
		strategies: make(map[task.Category]verifier.Strategy),
		cache:      c,
		classifier: cl,
		items:      items,
		bus:        bus,
	}
}

// SetClock replaces the clock used for throttling. Intended for tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// RegisterStrategy installs s for its category, replacing any previous one.
func (e *Engine) RegisterStrategy(s verifier.Strategy) {
	e.mu.Lock()
	e.strategies[s.Category()] = s
	e.mu.Unlock()
}

// SetDependency accepts collaborators by type. Unknown instances are ignored.
func (e *Engine) SetDependency(name string, instance any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch v := instance.(type) {
	case verifier.Strategy:
		e.strategies[v.Category()] = v
	case *cache.Cache:
		e.cache = v
	case Classifier:
		e.classifier = v
	case ItemStore:
		e.items = v
	case Publisher:
		e.bus = v
	default:
		e.logger.Debug("ignoring dependency", "name", name, "type", fmt.Sprintf("%T", instance))
	}
}

type deps struct {
	cache      *cache.Cache
	classifier Classifier
	items      ItemStore
	bus        Publisher
}

func (e *Engine) deps() deps {
	e.mu.Lock()
	defer e.mu.Unlock()
	return deps{cache: e.cache, classifier: e.classifier, items: e.items, bus: e.bus}
}

// Verify checks whether itemID has been completed. It never returns an
// error: every outcome is a task.Result.
func (e *Engine) Verify(ctx context.Context, itemID string) task.Result {
	now := e.now()

	e.mu.Lock()
	a, ok := e.attempts[itemID]
	if !ok {
		a = &attempt{}
		e.attempts[itemID] = a
	}
	if r, rejected := e.admit(itemID, a, now); rejected {
		e.mu.Unlock()
		return r
	}
	a.inProgress = true
	e.mu.Unlock()

	d := e.deps()

	if cached, ok := e.cachedSuccess(d, itemID); ok {
		e.release(itemID)
		cached.Cached = true
		e.logger.Debug("returning cached verification", "item_id", itemID)
		e.publishResult(d, cached, true)
		return cached
	}

	e.mu.Lock()
	if a.count >= e.cfg.MaxAttempts {
		a.inProgress = false
		r := e.blocked(itemID, a, now)
		e.mu.Unlock()
		return r
	}
	a.count++
	a.lastAttemptAt = now
	count := a.count
	e.mu.Unlock()

	result := e.invoke(ctx, d, itemID)
	e.release(itemID)

	e.logger.Info("verification finished",
		"item_id", itemID,
		"status", result.Status,
		"attempt", count,
		"response_time_ms", result.ResponseTimeMs,
	)

	e.store(d, result)
	e.publishResult(d, result, false)
	if result.Success {
		e.scheduleCompletion(d, itemID, result.Reward)
	}
	return result
}

// admit applies the busy and throttle rules. The attempt limit is checked
// after the cache so a success on the last allowed attempt is still served.
// Caller holds e.mu.
func (e *Engine) admit(itemID string, a *attempt, now time.Time) (task.Result, bool) {
	if a.inProgress {
		return task.Result{
			Status:    task.StatusPending,
			Message:   "Verification is already in progress.",
			Reason:    task.ReasonBusy,
			ItemID:    itemID,
			Timestamp: now,
		}, true
	}

	if !a.lastAttemptAt.IsZero() {
		if elapsed := now.Sub(a.lastAttemptAt); elapsed < e.cfg.ThrottleWindow {
			remaining := e.cfg.ThrottleWindow - elapsed
			secs := int(math.Ceil(remaining.Seconds()))
			return task.Result{
				Status:    task.StatusFailure,
				Message:   fmt.Sprintf("Please wait %d seconds before trying again.", secs),
				Reason:    task.ReasonThrottled,
				Details:   map[string]any{"retry_after_ms": remaining.Milliseconds()},
				ItemID:    itemID,
				Timestamp: now,
			}, true
		}
	}

	return task.Result{}, false
}

// blocked builds the rejection for an item at its attempt limit. Caller
// holds e.mu.
func (e *Engine) blocked(itemID string, a *attempt, now time.Time) task.Result {
	return task.Result{
		Status:    task.StatusFailure,
		Message:   "Too many verification attempts. This task is blocked until it is reset.",
		Reason:    task.ReasonBlocked,
		Details:   map[string]any{"attempts": a.count, "max_attempts": e.cfg.MaxAttempts},
		ItemID:    itemID,
		Timestamp: now,
	}
}

func (e *Engine) release(itemID string) {
	e.mu.Lock()
	if a, ok := e.attempts[itemID]; ok {
		a.inProgress = false
	}
	e.mu.Unlock()
}

func (e *Engine) cachedSuccess(d deps, itemID string) (task.Result, bool) {
	if d.cache == nil {
		return task.Result{}, false
	}
	var r task.Result
	ok, err := d.cache.Get(cache.ResultKey(itemID), &r)
	if err != nil {
		e.logger.Warn("verification cache read failed", "item_id", itemID, "error", err)
		return task.Result{}, false
	}
	if !ok || !r.Success {
		return task.Result{}, false
	}
	return r, true
}

// invoke classifies the item and runs its strategy under the verify timeout.
func (e *Engine) invoke(ctx context.Context, d deps, itemID string) task.Result {
	cat := task.CategoryGeneric
	if d.classifier != nil {
		if c := d.classifier.Classify(ctx, itemID); c != task.CategoryUnknown && c != "" {
			cat = c
		}
	}
	strat := e.strategyFor(cat)
	if strat == nil {
		return task.Result{
			Status:        task.StatusError,
			Message:       "No verifier is available for this task.",
			ErrorCategory: string(errclass.Unknown),
			ItemID:        itemID,
			Timestamp:     e.now(),
		}
	}

	item := e.lookupItem(d, itemID, cat)

	vctx, cancel := context.WithTimeout(ctx, e.cfg.VerifyTimeout)
	defer cancel()

	done := make(chan task.Result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				e.logger.Error("verification strategy panicked", "item_id", itemID, "category", cat, "panic", p)
				done <- task.Result{
					Status:        task.StatusError,
					Message:       errclass.Message(errclass.Unknown),
					ErrorCategory: string(errclass.Unknown),
					ItemID:        itemID,
					Timestamp:     e.now(),
				}
			}
		}()
		done <- strat.Verify(vctx, itemID, item)
	}()

	start := e.now()
	select {
	case r := <-done:
		return r
	case <-vctx.Done():
		ec := errclass.Classify(vctx.Err())
		return task.Result{
			Status:         errclass.StatusFor(ec),
			Message:        errclass.Message(ec),
			ErrorCategory:  string(ec),
			ItemID:         itemID,
			Timestamp:      e.now(),
			ResponseTimeMs: e.now().Sub(start).Milliseconds(),
		}
	}
}

func (e *Engine) strategyFor(cat task.Category) verifier.Strategy {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.strategies[cat]; ok {
		return s
	}
	return e.strategies[task.CategoryGeneric]
}

func (e *Engine) lookupItem(d deps, itemID string, cat task.Category) *task.Item {
	if d.items != nil {
		it, err := d.items.FindByID(itemID)
		if err == nil && it != nil {
			return it
		}
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			e.logger.Warn("item lookup failed", "item_id", itemID, "error", err)
		}
	}
	return &task.Item{ID: itemID, Category: cat}
}

func (e *Engine) store(d deps, r task.Result) {
	if d.cache == nil {
		return
	}
	ttl := e.cfg.FailureCacheTTL()
	if r.Success {
		ttl = e.cfg.SuccessTTL()
	}
	if err := d.cache.Set(cache.ResultKey(r.ItemID), r, ttl, cache.TagVerification); err != nil {
		e.logger.Warn("verification cache write failed", "item_id", r.ItemID, "error", err)
	}
}

func (e *Engine) publishResult(d deps, r task.Result, cached bool) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(events.Event{
		ID:      events.NewID(),
		Type:    events.TypeVerificationResult,
		ItemID:  r.ItemID,
		Payload: ResultPayload{Result: r, Cached: cached},
	})
}

// scheduleCompletion publishes item-completed and marks progress complete
// after the configured delay.
func (e *Engine) scheduleCompletion(d deps, itemID string, reward *task.Reward) {
	e.pending.Add(1)
	time.AfterFunc(e.cfg.CompletionDelay, func() {
		defer e.pending.Done()
		e.complete(d, itemID, reward)
	})
}

func (e *Engine) complete(d deps, itemID string, reward *task.Reward) {
	if d.items != nil {
		target := 1
		it, err := d.items.FindByID(itemID)
		if err == nil {
			target = it.EffectiveTarget()
		}
		p := task.Progress{ItemID: itemID, Status: task.ProgressCompleted, Value: target, Target: target}
		if err := d.items.SetProgress(p); err != nil {
			e.logger.Warn("failed to mark item completed", "item_id", itemID, "error", err)
		}
		if cc, ok := d.items.(completionCounter); ok && it != nil {
			if err := cc.IncrementCompletions(itemID); err != nil {
				e.logger.Warn("failed to count completion", "item_id", itemID, "error", err)
			}
		}
	}
	if d.bus != nil {
		d.bus.Publish(events.Event{
			ID:      events.NewID(),
			Type:    events.TypeItemCompleted,
			ItemID:  itemID,
			Payload: CompletedPayload{Reward: reward},
		})
	}
}

// Wait blocks until scheduled completions have run.
func (e *Engine) Wait() {
	e.pending.Wait()
}

// StartTask records that the user began working on itemID.
func (e *Engine) StartTask(ctx context.Context, itemID string) (task.Progress, error) {
	d := e.deps()
	if d.items == nil {
		return task.Progress{}, fmt.Errorf("item store unavailable")
	}

	it, err := d.items.FindByID(itemID)
	if err != nil {
		return task.Progress{}, fmt.Errorf("finding item %s: %w", itemID, err)
	}

	existing, err := d.items.GetProgress(itemID)
	switch {
	case err == nil && existing.Status == task.ProgressCompleted:
		return existing, nil
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return task.Progress{}, fmt.Errorf("reading progress for %s: %w", itemID, err)
	}

	p := task.Progress{
		ItemID:    itemID,
		Status:    task.ProgressInProgress,
		Value:     existing.Value,
		Target:    it.EffectiveTarget(),
		UpdatedAt: e.now(),
	}
	if err := d.items.SetProgress(p); err != nil {
		return task.Progress{}, fmt.Errorf("saving progress for %s: %w", itemID, err)
	}
	e.logger.Info("task started", "item_id", itemID, "target", p.Target)
	return p, nil
}

// State returns the attempt snapshot for itemID.
func (e *Engine) State(itemID string) ItemState {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := ItemState{ItemID: itemID, State: StateIdle, MaxAttempts: e.cfg.MaxAttempts}
	a, ok := e.attempts[itemID]
	if !ok {
		return s
	}
	s.Attempts = a.count
	s.LastAttemptAt = a.lastAttemptAt
	switch {
	case a.inProgress:
		s.State = StateVerifying
	case a.count >= e.cfg.MaxAttempts:
		s.State = StateBlocked
	}
	return s
}

// ResetItem clears the attempt record and cached result of one item,
// lifting a block. An in-flight verification keeps its guard.
func (e *Engine) ResetItem(itemID string) error {
	e.mu.Lock()
	if a, ok := e.attempts[itemID]; ok && !a.inProgress {
		delete(e.attempts, itemID)
	}
	c := e.cache
	e.mu.Unlock()

	if c != nil {
		if err := c.Delete(cache.ResultKey(itemID)); err != nil {
			return fmt.Errorf("clearing cached result for %s: %w", itemID, err)
		}
	}
	e.logger.Info("verification state reset", "item_id", itemID)
	return nil
}

// ResetState clears every attempt record and all cached verification
// results.
func (e *Engine) ResetState() error {
	e.mu.Lock()
	for id, a := range e.attempts {
		if !a.inProgress {
			delete(e.attempts, id)
		}
	}
	c := e.cache
	e.mu.Unlock()

	if c != nil {
		if _, err := c.InvalidateTags(cache.TagVerification); err != nil {
			return err
		}
	}
	e.logger.Info("verification state reset for all items")
	return nil
}
