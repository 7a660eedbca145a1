package notify

import (
	"testing"
	"time"
)

func TestNotifierSubscribeUnsubscribe(t *testing.T) {
	n := NewNotifier()

	ch1 := n.Subscribe()
	ch2 := n.Subscribe()

	if n.Count() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", n.Count())
	}

	n.Unsubscribe(ch1)
	if n.Count() != 1 {
		t.Fatalf("expected 1 subscriber after unsubscribe, got %d", n.Count())
	}

	n.Unsubscribe(ch2)
	if n.Count() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", n.Count())
	}
}

func TestNotifierPublish(t *testing.T) {
	n := NewNotifier()
	ch := n.Subscribe()
	defer n.Unsubscribe(ch)

	n.Discovered("/photos/cat.jpg")

	select {
	case received := <-ch:
		if received.Kind != KindDiscovered {
			t.Errorf("expected kind %s, got %s", KindDiscovered, received.Kind)
		}
		if received.Path != "/photos/cat.jpg" {
			t.Errorf("expected path /photos/cat.jpg, got %s", received.Path)
		}
		if received.Timestamp == 0 {
			t.Error("expected non-zero timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestNotifierMultipleSubscribers(t *testing.T) {
	n := NewNotifier()
	ch1 := n.Subscribe()
	ch2 := n.Subscribe()
	defer n.Unsubscribe(ch1)
	defer n.Unsubscribe(ch2)

	n.Removed("/photos/old.jpg")

	for i, ch := range []chan Event{ch1, ch2} {
		select {
		case received := <-ch:
			if received.Path != "/photos/old.jpg" {
				t.Errorf("subscriber %d: expected /photos/old.jpg, got %s", i, received.Path)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out", i)
		}
	}
}

func TestNotifierDropsForSlowConsumer(t *testing.T) {
	n := NewNotifier()
	ch := n.Subscribe()
	defer n.Unsubscribe(ch)

	// Fill the channel buffer (64)
	for i := 0; i < 100; i++ {
		n.ScanProgress("/photos", i, 100)
	}

	// Should not block or panic
	count := 0
	for {
		select {
		case <-ch:
			count++
		default:
			goto done
		}
	}
done:
	if count != 64 {
		t.Errorf("expected 64 buffered events, got %d", count)
	}
}

func TestNotifierAnalysisFailedCarriesRetryable(t *testing.T) {
	n := NewNotifier()
	ch := n.Subscribe()
	defer n.Unsubscribe(ch)

	n.AnalysisFailed("/photos/broken.jpg", "corrupt file", false)

	select {
	case received := <-ch:
		if received.Retryable {
			t.Error("expected retryable=false for a permanent failure")
		}
		if received.Reason != "corrupt file" {
			t.Errorf("expected reason to round-trip, got %q", received.Reason)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}
