package classifier

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/taskcheck/internal/cache"
	"github.com/kalambet/taskcheck/internal/inspector"
	"github.com/kalambet/taskcheck/internal/storage"
	"github.com/kalambet/taskcheck/internal/task"
)

type mockFinder struct {
	items map[string]task.Item
	err   error
	calls atomic.Int32
	delay time.Duration
}

func (m *mockFinder) FindByID(id string) (*task.Item, error) {
	m.calls.Add(1)
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	if m.err != nil {
		return nil, m.err
	}
	it, ok := m.items[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &it, nil
}

type mockInspector struct {
	hints inspector.Hints
	err   error
	calls int
}

func (m *mockInspector) Inspect(_ context.Context, _ string) (inspector.Hints, error) {
	m.calls++
	return m.hints, m.err
}

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return cache.New(s)
}

func TestClassify_StoreIsAuthoritative(t *testing.T) {
	c := newTestCache(t)
	// The id suggests limited, the store says social.
	finder := &mockFinder{items: map[string]task.Item{"limited_social": {ID: "limited_social", Category: task.CategorySocial}}}
	cl := New(c, finder, nil)

	if got := cl.Classify(context.Background(), "limited_social"); got != task.CategorySocial {
		t.Errorf("Classify = %q, want social", got)
	}

	var cached task.Category
	if ok, _ := c.Get(cache.CategoryKey("limited_social"), &cached); !ok || cached != task.CategorySocial {
		t.Errorf("cached = %v %q, want social", ok, cached)
	}
}

func TestClassify_CacheHitSkipsStore(t *testing.T) {
	c := newTestCache(t)
	c.Set(cache.CategoryKey("x1"), task.CategoryPartner, 0, cache.TagClassification)
	finder := &mockFinder{}
	cl := New(c, finder, nil)

	if got := cl.Classify(context.Background(), "x1"); got != task.CategoryPartner {
		t.Errorf("Classify = %q, want partner", got)
	}
	if finder.calls.Load() != 0 {
		t.Errorf("store called %d times, want 0", finder.calls.Load())
	}
}

func TestClassify_Heuristics(t *testing.T) {
	tests := map[string]task.Category{
		"social_42":           task.CategorySocial,
		"LIMITED_7":           task.CategoryLimited,
		"partner_9":           task.CategoryPartner,
		"generic_1":           task.CategoryGeneric,
		"join_telegram_group": task.CategorySocial,
		"daily_login":         task.CategoryUnknown,
	}
	for id, want := range tests {
		if got := Heuristic(id); got != want {
			t.Errorf("Heuristic(%q) = %q, want %q", id, got, want)
		}
	}
}

func TestClassify_InspectorLastResort(t *testing.T) {
	insp := &mockInspector{hints: inspector.Hints{Category: task.CategoryLimited}}
	cl := New(newTestCache(t), &mockFinder{}, insp)

	if got := cl.Classify(context.Background(), "social_1"); got != task.CategorySocial {
		t.Errorf("Classify(social_1) = %q, want social", got)
	}
	if insp.calls != 0 {
		t.Errorf("inspector called for heuristic match")
	}

	if got := cl.Classify(context.Background(), "daily_login"); got != task.CategoryLimited {
		t.Errorf("Classify(daily_login) = %q, want limited", got)
	}
	if insp.calls != 1 {
		t.Errorf("inspector calls = %d, want 1", insp.calls)
	}
}

func TestClassify_UnknownNotCached(t *testing.T) {
	c := newTestCache(t)
	insp := &mockInspector{err: errors.New("unreachable")}
	cl := New(c, &mockFinder{err: errors.New("db down")}, insp)

	if got := cl.Classify(context.Background(), "daily_login"); got != task.CategoryUnknown {
		t.Errorf("Classify = %q, want unknown", got)
	}
	var cached task.Category
	if ok, _ := c.Get(cache.CategoryKey("daily_login"), &cached); ok {
		t.Error("unknown category was cached")
	}
}

func TestClassify_CollapsesConcurrentLookups(t *testing.T) {
	finder := &mockFinder{
		items: map[string]task.Item{"q": {ID: "q", Category: task.CategoryGeneric}},
		delay: 50 * time.Millisecond,
	}
	cl := New(nil, finder, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got := cl.Classify(context.Background(), "q"); got != task.CategoryGeneric {
				t.Errorf("Classify = %q, want generic", got)
			}
		}()
	}
	wg.Wait()

	if n := finder.calls.Load(); n >= 8 {
		t.Errorf("store called %d times, expected collapsed lookups", n)
	}
}
