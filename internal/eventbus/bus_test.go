package eventbus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4)
	defer unsub()

	b.Publish(Event{Type: TypeSessionConnected, Data: "id@wa"})

	select {
	case e := <-ch:
		if e.Type != TypeSessionConnected || e.Data != "id@wa" {
			t.Fatalf("event = %+v", e)
		}
		if e.Time.IsZero() {
			t.Fatal("publish must stamp the time")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: TypeSessionDisconnected})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestPublishAfterUnsubscribeIsSafe(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	unsub()
	unsub() // idempotent
	b.Publish(Event{Type: TypeBreakerOpened})
}
