package events

import (
	"testing"
	"time"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestPublish_DeliversToMatchingSubscribers(t *testing.T) {
	b := NewBus()
	all := b.Subscribe()
	defer all.Close()
	results := b.Subscribe(TypeVerificationResult)
	defer results.Close()

	if !b.Publish(Event{Type: TypeSystemReset}) {
		t.Fatal("Publish returned false for new event")
	}
	if !b.Publish(Event{Type: TypeVerificationResult, ItemID: "x"}) {
		t.Fatal("Publish returned false for new event")
	}

	if e := receive(t, all.Events); e.Type != TypeSystemReset {
		t.Errorf("first event type = %q, want %q", e.Type, TypeSystemReset)
	}
	if e := receive(t, all.Events); e.Type != TypeVerificationResult {
		t.Errorf("second event type = %q, want %q", e.Type, TypeVerificationResult)
	}

	e := receive(t, results.Events)
	if e.ItemID != "x" {
		t.Errorf("ItemID = %q, want %q", e.ItemID, "x")
	}
	if e.ID == "" {
		t.Error("event id was not assigned")
	}
	if e.Timestamp.IsZero() {
		t.Error("timestamp was not assigned")
	}
	select {
	case extra := <-results.Events:
		t.Errorf("filtered subscriber received %q", extra.Type)
	default:
	}
}

func TestPublish_SuppressesDuplicateIDs(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe()
	defer sub.Close()

	e := Event{ID: "evt-1", Type: TypeItemCompleted}
	if !b.Publish(e) {
		t.Fatal("first Publish returned false")
	}
	if b.Publish(e) {
		t.Fatal("duplicate Publish returned true")
	}

	receive(t, sub.Events)
	select {
	case <-sub.Events:
		t.Fatal("duplicate event was delivered")
	default:
	}
}

func TestPrune_ForgetsOldIDs(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBus(WithClock(func() time.Time { return now }))

	b.Publish(Event{ID: "old", Type: TypeSystemReset})
	if !b.Processed("old") {
		t.Fatal("Processed(old) = false right after publish")
	}

	now = now.Add(61 * time.Minute)
	b.Publish(Event{ID: "new", Type: TypeSystemReset})

	if b.Processed("old") {
		t.Error("Processed(old) = true after retention elapsed")
	}
	if !b.Processed("new") {
		t.Error("Processed(new) = false")
	}
}

func TestSubscription_CloseIsIdempotent(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe()
	sub.Close()
	sub.Close()

	if _, ok := <-sub.Events; ok {
		t.Error("channel still open after Close")
	}
	// Publishing after close must not panic.
	b.Publish(Event{Type: TypeSystemReset})
}

func TestPublish_DropsWhenSubscriberFull(t *testing.T) {
	b := NewBus(WithSubscriberCapacity(1))
	sub := b.Subscribe()
	defer sub.Close()

	b.Publish(Event{Type: TypeSystemReset})
	b.Publish(Event{Type: TypeSystemReset})

	receive(t, sub.Events)
	select {
	case <-sub.Events:
		t.Error("expected second event to be dropped")
	default:
	}
}
