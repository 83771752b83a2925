package events

import "testing"

func TestPublishSubscribeReplay(t *testing.T) {
	h := NewHub(10)
	h.Publish("beacon.seen", "n1")
	h.Publish("beacon.seen", "n2")

	replay, ch, cancel := h.Subscribe(0)
	defer cancel()
	if len(replay) != 2 {
		t.Fatalf("expected 2 replayed events, got %d", len(replay))
	}

	h.Publish("beacon.seen", "n3")
	select {
	case ev := <-ch:
		if ev.Payload != "n3" {
			t.Fatalf("expected n3, got %v", ev.Payload)
		}
	default:
		t.Fatalf("expected a live event after subscribing")
	}
}

func TestHistoryBounded(t *testing.T) {
	h := NewHub(2)
	h.Publish("a", 1)
	h.Publish("a", 2)
	h.Publish("a", 3)
	if h.BacklogSize() != 2 {
		t.Fatalf("expected backlog capped at 2, got %d", h.BacklogSize())
	}
}

func TestSlowSubscriberDropped(t *testing.T) {
	h := NewHub(10)
	_, ch, _ := h.Subscribe(0)
	for i := 0; i < 200; i++ {
		h.Publish("a", i)
	}
	for range ch {
		// drain whatever made it into the buffer before the drop
	}
	if _, open := <-ch; open {
		t.Fatalf("expected channel to be closed once the subscriber fell behind")
	}
}
