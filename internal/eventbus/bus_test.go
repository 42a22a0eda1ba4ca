package eventbus

import (
	"testing"
	"time"
)

func TestSubscribeFiltersByPrefix(t *testing.T) {
	t.Parallel()
	b := New()
	plans, unsubPlans := b.Subscribe(4, "plan.")
	all, unsubAll := b.Subscribe(4)
	defer unsubPlans()
	defer unsubAll()

	b.Publish(Event{Type: "mandate.revoked"})
	b.Publish(Event{Type: "plan.cancelled", Data: PlanEvent{PlanID: "pln_1"}})

	select {
	case e := <-plans:
		if e.Type != "plan.cancelled" {
			t.Fatalf("got %q, want plan.cancelled", e.Type)
		}
		if e.Time.IsZero() {
			t.Fatal("publish should stamp time")
		}
	case <-time.After(time.Second):
		t.Fatal("no plan event")
	}
	if len(plans) != 0 {
		t.Fatalf("filtered subscriber got %d extra events", len(plans))
	}
	if len(all) != 2 {
		t.Fatalf("unfiltered subscriber got %d events, want 2", len(all))
	}
}

func TestFullBufferDrops(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()
	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	if got := b.Dropped(); got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	b.Publish(Event{Type: "after"})
}
