package eventbus

import (
	"testing"
	"time"
)

func TestPublishSubscribeDelivers(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe()
	defer sub.Close()

	b.Publish(Event{Kind: InstanceCreated, InstanceID: "i1"})

	select {
	case e := <-sub.C:
		if e.InstanceID != "i1" {
			t.Fatalf("expected instance id i1, got %s", e.InstanceID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe()
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultQueueSize*4; i++ {
			b.Publish(Event{Kind: PoolAcquire})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}

	select {
	case <-sub.Dropped:
	case <-time.After(time.Second):
		t.Fatal("expected a Lagged notification for the slow subscriber")
	}
}
