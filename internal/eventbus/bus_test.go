package eventbus

import "testing"

func TestPublishFansOutAndDropsWhenFull(t *testing.T) {
	b := New()
	fast, unsubFast := b.Subscribe(4)
	defer unsubFast()
	slow, unsubSlow := b.Subscribe(1)

	b.Publish(Event{Type: TypeDeliveryQueued})
	b.Publish(Event{Type: TypeDeliveryComplete})

	if got := len(fast); got != 2 {
		t.Fatalf("fast subscriber got %d events, want 2", got)
	}
	if got := len(slow); got != 1 {
		t.Fatalf("slow subscriber got %d events, want 1 (second dropped)", got)
	}
	e := <-fast
	if e.Type != TypeDeliveryQueued || e.Time.IsZero() {
		t.Fatalf("unexpected first event: %+v", e)
	}

	unsubSlow()
	unsubSlow()
	b.Publish(Event{Type: TypeDeliveryFailed})
	if e, ok := <-slow; !ok || e.Type != TypeDeliveryQueued {
		t.Fatalf("buffered event lost on unsubscribe: %+v ok=%v", e, ok)
	}
	if _, ok := <-slow; ok {
		t.Fatal("expected closed channel after unsubscribe")
	}
}
