package maintenance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/taskcheck/internal/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunOnce_PurgesExpired(t *testing.T) {
	store := openTestStore(t)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	entries := []storage.Entry{
		{Key: "result:old", Value: []byte(`{}`), ExpiresAt: now.Add(-time.Minute), Tags: []string{"verification"}},
		{Key: "result:fresh", Value: []byte(`{}`), ExpiresAt: now.Add(time.Minute)},
		{Key: "category:forever", Value: []byte(`"social"`)},
	}
	for _, e := range entries {
		if err := store.PutEntry(e); err != nil {
			t.Fatalf("PutEntry(%s): %v", e.Key, err)
		}
	}

	w := NewWorker(store, time.Second)
	w.now = func() time.Time { return now }

	n, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 1 {
		t.Errorf("purged = %d, want 1", n)
	}
	if _, err := store.GetEntry("result:old"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expired entry still present, err = %v", err)
	}
	for _, key := range []string{"result:fresh", "category:forever"} {
		if _, err := store.GetEntry(key); err != nil {
			t.Errorf("GetEntry(%s): %v", key, err)
		}
	}
}

type countingPurger struct {
	calls atomic.Int32
	err   error
}

func (p *countingPurger) PurgeExpired(time.Time) (int, error) {
	p.calls.Add(1)
	return 0, p.err
}

func TestRunOnce_WrapsError(t *testing.T) {
	p := &countingPurger{err: errors.New("database is locked")}
	_, err := NewWorker(p, 0).RunOnce(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, p.err) {
		t.Errorf("error %v does not wrap purger error", err)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	p := &countingPurger{}
	w := NewWorker(p, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for p.calls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("worker did not sweep repeatedly")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewWorker_DefaultInterval(t *testing.T) {
	if w := NewWorker(&countingPurger{}, 0); w.interval != time.Minute {
		t.Errorf("interval = %v, want 1m", w.interval)
	}
}
