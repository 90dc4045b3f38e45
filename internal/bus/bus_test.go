package bus

import (
	"log/slog"
	"testing"
	"time"
)

func TestPublishSubscribeDelivers(t *testing.T) {
	b := New(slog.Default())
	defer b.Close()

	sub := b.Subscribe(TopicStats)
	b.Publish(TopicStats, "snapshot")

	select {
	case msg := <-sub:
		if msg != "snapshot" {
			t.Fatalf("got %v, want snapshot", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a published message to be delivered")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(slog.Default())
	defer b.Close()

	sub := b.Subscribe(TopicEmergencyStop)
	b.Unsubscribe(sub, TopicEmergencyStop)

	// Channel should be closed after unsubscribe.
	select {
	case _, ok := <-sub:
		if ok {
			t.Fatal("expected channel to be closed after unsubscribe")
		}
	case <-time.After(time.Second):
		t.Fatal("expected channel to close promptly")
	}
}
