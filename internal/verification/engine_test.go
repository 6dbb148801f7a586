package verification

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/taskcheck/internal/cache"
	"github.com/kalambet/taskcheck/internal/classifier"
	"github.com/kalambet/taskcheck/internal/events"
	"github.com/kalambet/taskcheck/internal/storage"
	"github.com/kalambet/taskcheck/internal/task"
	"github.com/kalambet/taskcheck/internal/verifier"
)

type mockService struct {
	calls   atomic.Int32
	resp    verifier.Response
	block   chan struct{}
	entered chan struct{}
}

func (m *mockService) Verify(ctx context.Context, _ verifier.Request) (*verifier.Response, error) {
	m.calls.Add(1)
	if m.entered != nil {
		m.entered <- struct{}{}
	}
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	r := m.resp
	return &r, nil
}

type fixture struct {
	engine *Engine
	store  *storage.Store
	cache  *cache.Cache
	svc    *mockService
	bus    *events.Bus
	now    time.Time
	mu     sync.Mutex
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newFixture(t *testing.T, cfg Config, resp verifier.Response) *fixture {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	f := &fixture{
		store: s,
		svc:   &mockService{resp: resp},
		bus:   events.NewBus(),
		now:   time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC),
	}
	c := cache.New(s).WithClock(f.clock)
	f.cache = c
	f.engine = New(cfg, c, classifier.New(c, s, nil), s, f.bus)
	f.engine.SetClock(f.clock)

	opts := verifier.Options{CallTimeout: time.Second, Retries: 0}
	for _, strat := range verifier.All(f.svc, opts) {
		f.engine.RegisterStrategy(strat)
	}
	return f
}

func receive(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return events.Event{}
}

func TestVerify_SocialItemFromStore(t *testing.T) {
	f := newFixture(t, Config{CompletionDelay: 10 * time.Millisecond}, verifier.Response{
		Success: true,
		Message: "followed",
		Reward:  &task.Reward{Kind: "coins", Amount: 10},
	})
	f.store.SaveItem(task.Item{ID: "social_42", Category: task.CategorySocial, Target: 1, URL: "https://x.com/acme"})
	sub := f.bus.Subscribe(events.TypeVerificationResult, events.TypeItemCompleted)
	defer sub.Close()

	before := time.Now()
	r := f.engine.Verify(context.Background(), "social_42")
	if !r.Success || r.Reward == nil || r.Reward.Amount != 10 {
		t.Fatalf("result = %+v", r)
	}
	if f.svc.calls.Load() != 1 {
		t.Errorf("service calls = %d, want 1", f.svc.calls.Load())
	}

	first := receive(t, sub.Events)
	if first.Type != events.TypeVerificationResult {
		t.Fatalf("first event = %q, want verification-result", first.Type)
	}
	if first.ID == "" {
		t.Error("result event has no id")
	}
	second := receive(t, sub.Events)
	if second.Type != events.TypeItemCompleted {
		t.Fatalf("second event = %q, want item-completed", second.Type)
	}
	payload, ok := second.Payload.(CompletedPayload)
	if !ok || payload.Reward == nil || payload.Reward.Amount != 10 {
		t.Errorf("completed payload = %+v", second.Payload)
	}

	f.engine.Wait()
	p, err := f.store.GetProgress("social_42")
	if err != nil {
		t.Fatalf("GetProgress: %v", err)
	}
	if p.Status != task.ProgressCompleted || p.Value != 1 {
		t.Errorf("progress = %+v", p)
	}

	entry, err := f.store.GetEntry(cache.ResultKey("social_42"))
	if err != nil {
		t.Fatalf("cached result missing: %v", err)
	}
	if earliest := before.Add(f.engine.Config().SuccessTTL() - time.Second); entry.ExpiresAt.Before(earliest) {
		t.Errorf("success cached until %v, want at least %v", entry.ExpiresAt, earliest)
	}

	var cat task.Category
	if ok, _ := cache.New(f.store).Get(cache.CategoryKey("social_42"), &cat); !ok || cat != task.CategorySocial {
		t.Errorf("classification not cached: %v %q", ok, cat)
	}
}

func TestVerify_ExpiredLimitedItem(t *testing.T) {
	f := newFixture(t, Config{}, verifier.Response{Success: true})
	f.store.SaveItem(task.Item{ID: "limited_7", Category: task.CategoryLimited, EndsAt: time.Now().Add(-24 * time.Hour)})

	before := time.Now()
	r := f.engine.Verify(context.Background(), "limited_7")
	if r.Success || r.Status != task.StatusFailure {
		t.Fatalf("result = %+v, want failure", r)
	}
	if !strings.Contains(r.Message, "expired") || r.Reason != task.ReasonExpired {
		t.Errorf("result = %+v, want expiration failure", r)
	}
	if f.svc.calls.Load() != 0 {
		t.Errorf("service calls = %d, want 0", f.svc.calls.Load())
	}

	entry, err := f.store.GetEntry(cache.ResultKey("limited_7"))
	if err != nil {
		t.Fatalf("failure result not cached: %v", err)
	}
	if latest := before.Add(f.engine.Config().FailureCacheTTL() + time.Second); entry.ExpiresAt.After(latest) {
		t.Errorf("failure cached until %v, want at most %v", entry.ExpiresAt, latest)
	}
}

func TestVerify_Throttle(t *testing.T) {
	f := newFixture(t, Config{ThrottleWindow: 5 * time.Second}, verifier.Response{Success: false, Message: "not yet"})

	first := f.engine.Verify(context.Background(), "generic_1")
	if first.Reason != task.ReasonRejected {
		t.Fatalf("first result = %+v", first)
	}

	f.advance(2 * time.Second)
	second := f.engine.Verify(context.Background(), "generic_1")
	if second.Status != task.StatusFailure || second.Reason != task.ReasonThrottled {
		t.Fatalf("second result = %+v, want throttled", second)
	}
	if second.Message != "Please wait 3 seconds before trying again." {
		t.Errorf("Message = %q", second.Message)
	}
	if f.svc.calls.Load() != 1 {
		t.Errorf("service calls = %d, want 1", f.svc.calls.Load())
	}

	f.advance(3 * time.Second)
	f.engine.Verify(context.Background(), "generic_1")
	if f.svc.calls.Load() != 2 {
		t.Errorf("service calls after window = %d, want 2", f.svc.calls.Load())
	}
	if got := f.engine.State("generic_1").Attempts; got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
}

func TestVerify_CachedSuccessShortCircuits(t *testing.T) {
	f := newFixture(t, Config{ThrottleWindow: time.Second, CompletionDelay: time.Millisecond},
		verifier.Response{Success: true, Message: "ok", Reward: &task.Reward{Kind: "coins", Amount: 4}})
	sub := f.bus.Subscribe(events.TypeVerificationResult)
	defer sub.Close()

	first := f.engine.Verify(context.Background(), "generic_2")
	receive(t, sub.Events)

	for i := 0; i < 3; i++ {
		f.advance(2 * time.Second)
		r := f.engine.Verify(context.Background(), "generic_2")
		if !r.Cached {
			t.Fatalf("call %d not served from cache: %+v", i, r)
		}
		if r.Message != first.Message || r.Reward == nil || r.Reward.Amount != first.Reward.Amount {
			t.Errorf("cached result %+v differs from %+v", r, first)
		}
		e := receive(t, sub.Events)
		if p := e.Payload.(ResultPayload); !p.Cached {
			t.Errorf("event payload not marked cached")
		}
	}

	if f.svc.calls.Load() != 1 {
		t.Errorf("service calls = %d, want 1", f.svc.calls.Load())
	}
	if got := f.engine.State("generic_2").Attempts; got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
	f.engine.Wait()
}

func TestVerify_CachedSuccessExpires(t *testing.T) {
	f := newFixture(t, Config{ThrottleWindow: time.Second, BaseTTL: time.Minute, CompletionDelay: time.Millisecond},
		verifier.Response{Success: true, Message: "ok"})

	f.engine.Verify(context.Background(), "generic_4")

	f.advance(2*time.Minute - time.Second)
	if r := f.engine.Verify(context.Background(), "generic_4"); !r.Cached {
		t.Fatalf("result before success TTL not cached: %+v", r)
	}

	f.advance(2 * time.Second)
	r := f.engine.Verify(context.Background(), "generic_4")
	if r.Cached || !r.Success {
		t.Fatalf("result after success TTL = %+v, want fresh success", r)
	}
	if f.svc.calls.Load() != 2 {
		t.Errorf("service calls = %d, want 2", f.svc.calls.Load())
	}
	f.engine.Wait()
}

func TestVerify_FailureCacheTTL(t *testing.T) {
	tests := []struct {
		name       string
		baseTTL    time.Duration
		failureTTL time.Duration
		want       time.Duration
	}{
		{"failure ttl shorter", time.Minute, 10 * time.Second, 10 * time.Second},
		{"capped at base ttl", time.Minute, 10 * time.Minute, time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{BaseTTL: tt.baseTTL, FailureTTL: tt.failureTTL}, verifier.Response{Success: false})
			f.engine.Verify(context.Background(), "generic_5")

			cached := func() bool {
				var r task.Result
				ok, err := f.cache.Get(cache.ResultKey("generic_5"), &r)
				if err != nil {
					t.Fatalf("cache.Get: %v", err)
				}
				return ok
			}

			f.advance(tt.want - time.Second)
			if !cached() {
				t.Fatalf("failure evicted before %v", tt.want)
			}
			f.advance(2 * time.Second)
			if cached() {
				t.Errorf("failure still cached after %v", tt.want)
			}
		})
	}
}

func TestVerify_SuccessOnLastAttemptStaysCached(t *testing.T) {
	f := newFixture(t, Config{ThrottleWindow: time.Second, MaxAttempts: 1, CompletionDelay: time.Millisecond},
		verifier.Response{Success: true, Message: "ok"})

	if r := f.engine.Verify(context.Background(), "generic_6"); !r.Success {
		t.Fatalf("first result = %+v", r)
	}

	f.advance(2 * time.Second)
	r := f.engine.Verify(context.Background(), "generic_6")
	if !r.Success || !r.Cached {
		t.Fatalf("second result = %+v, want cached success", r)
	}
	if r.Reason == task.ReasonBlocked {
		t.Errorf("cached success reported as blocked")
	}
	if f.svc.calls.Load() != 1 {
		t.Errorf("service calls = %d, want 1", f.svc.calls.Load())
	}
	f.engine.Wait()
}

func TestVerify_BlocksAtMaxAttempts(t *testing.T) {
	f := newFixture(t, Config{ThrottleWindow: time.Second, MaxAttempts: 2}, verifier.Response{Success: false})

	for i := 0; i < 2; i++ {
		f.engine.Verify(context.Background(), "generic_3")
		f.advance(2 * time.Second)
	}

	r := f.engine.Verify(context.Background(), "generic_3")
	if r.Reason != task.ReasonBlocked || r.Status != task.StatusFailure {
		t.Fatalf("result = %+v, want blocked", r)
	}
	if f.svc.calls.Load() != 2 {
		t.Errorf("service calls = %d, want 2", f.svc.calls.Load())
	}
	if st := f.engine.State("generic_3"); st.State != StateBlocked || st.Attempts != 2 {
		t.Errorf("state = %+v", st)
	}

	if err := f.engine.ResetItem("generic_3"); err != nil {
		t.Fatalf("ResetItem: %v", err)
	}
	if st := f.engine.State("generic_3"); st.State != StateIdle || st.Attempts != 0 {
		t.Errorf("state after reset = %+v", st)
	}
	f.engine.Verify(context.Background(), "generic_3")
	if f.svc.calls.Load() != 3 {
		t.Errorf("service calls after reset = %d, want 3", f.svc.calls.Load())
	}
}

func TestVerify_BusyWhileInFlight(t *testing.T) {
	f := newFixture(t, Config{}, verifier.Response{Success: false})
	f.svc.block = make(chan struct{})
	f.svc.entered = make(chan struct{}, 1)

	done := make(chan task.Result, 1)
	go func() { done <- f.engine.Verify(context.Background(), "generic_4") }()

	select {
	case <-f.svc.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("service was not called")
	}

	if st := f.engine.State("generic_4"); st.State != StateVerifying {
		t.Errorf("state = %q, want verifying", st.State)
	}
	r := f.engine.Verify(context.Background(), "generic_4")
	if r.Status != task.StatusPending || r.Reason != task.ReasonBusy {
		t.Errorf("concurrent result = %+v, want busy", r)
	}

	close(f.svc.block)
	<-done
	if f.svc.calls.Load() != 1 {
		t.Errorf("service calls = %d, want 1", f.svc.calls.Load())
	}
}

type stuckStrategy struct{}

func (stuckStrategy) Category() task.Category { return task.CategoryGeneric }

func (stuckStrategy) Verify(_ context.Context, itemID string, _ *task.Item) task.Result {
	time.Sleep(300 * time.Millisecond)
	return task.Result{Success: true, Status: task.StatusSuccess, ItemID: itemID}
}

func TestVerify_TimeoutClearsInProgress(t *testing.T) {
	f := newFixture(t, Config{VerifyTimeout: 20 * time.Millisecond}, verifier.Response{})
	f.engine.RegisterStrategy(stuckStrategy{})

	r := f.engine.Verify(context.Background(), "generic_5")
	if r.Status != task.StatusTimeout {
		t.Fatalf("Status = %q, want timeout", r.Status)
	}
	if st := f.engine.State("generic_5"); st.State != StateIdle {
		t.Errorf("state = %q, want idle", st.State)
	}
}

func TestVerify_UnknownCategoryFallsBackToGeneric(t *testing.T) {
	f := newFixture(t, Config{}, verifier.Response{Success: true})
	if r := f.engine.Verify(context.Background(), "daily_login"); !r.Success {
		t.Errorf("result = %+v", r)
	}
}

func TestResetState(t *testing.T) {
	f := newFixture(t, Config{ThrottleWindow: time.Second}, verifier.Response{Success: true})

	f.engine.Verify(context.Background(), "generic_6")
	f.engine.Verify(context.Background(), "generic_7")
	f.engine.Wait()

	if err := f.engine.ResetState(); err != nil {
		t.Fatalf("ResetState: %v", err)
	}
	if _, err := f.store.GetEntry(cache.ResultKey("generic_6")); err != storage.ErrNotFound {
		t.Errorf("cached result survived reset: %v", err)
	}
	if st := f.engine.State("generic_7"); st.Attempts != 0 {
		t.Errorf("attempts = %d after reset", st.Attempts)
	}

	// Not throttled and not served from cache.
	r := f.engine.Verify(context.Background(), "generic_6")
	if r.Cached || f.svc.calls.Load() != 3 {
		t.Errorf("after reset: cached=%v calls=%d", r.Cached, f.svc.calls.Load())
	}
	f.engine.Wait()
}

func TestStartTask(t *testing.T) {
	f := newFixture(t, Config{}, verifier.Response{})
	f.store.SaveItem(task.Item{ID: "generic_8", Target: 3})

	p, err := f.engine.StartTask(context.Background(), "generic_8")
	if err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	if p.Status != task.ProgressInProgress || p.Target != 3 {
		t.Errorf("progress = %+v", p)
	}

	if _, err := f.engine.StartTask(context.Background(), "missing"); err == nil {
		t.Error("expected error for unknown item")
	}
}

func TestSetDependency(t *testing.T) {
	e := New(Config{}, nil, nil, nil, nil)
	bus := events.NewBus()
	e.SetDependency("event-bus", bus)
	e.SetDependency("strategy.social", verifier.NewSocial(nil, verifier.Options{}))
	e.SetDependency("nonsense", 42)

	if e.deps().bus == nil {
		t.Error("bus not injected")
	}
	if e.strategyFor(task.CategorySocial) == nil {
		t.Error("strategy not injected")
	}
}
