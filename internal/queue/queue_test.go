package queue

import (
	"context"
	"sync"
	"testing"
	"time"
)

func dequeueOne(t *testing.T, q *Queue) *Item {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	it, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	return it
}

func TestEnqueueDequeueOrder(t *testing.T) {
	q := New()
	now := time.Now()
	q.Enqueue("/p/low.jpg", "/p", Revalidate, now)
	q.Enqueue("/p/a.jpg", "/p", Discovered, now)
	q.Enqueue("/p/b.jpg", "/p", Discovered, now)

	// Discovered items come out before Revalidate, each FIFO.
	for _, want := range []string{"/p/a.jpg", "/p/b.jpg", "/p/low.jpg"} {
		it := dequeueOne(t, q)
		if it.Path != want {
			t.Fatalf("expected %s, got %s", want, it.Path)
		}
	}
}

func TestEnqueueDedupsPending(t *testing.T) {
	q := New()
	now := time.Now()
	if !q.Enqueue("/p/a.jpg", "/p", Discovered, now) {
		t.Fatal("first enqueue should create an item")
	}
	if q.Enqueue("/p/a.jpg", "/p", Discovered, now) {
		t.Fatal("second enqueue should dedup")
	}
	if q.Len() != 1 {
		t.Fatalf("expected 1 pending, got %d", q.Len())
	}
}

func TestEnqueueUpgradesPendingReason(t *testing.T) {
	q := New()
	now := time.Now()
	q.Enqueue("/p/a.jpg", "/p", Revalidate, now)
	q.Enqueue("/p/b.jpg", "/p", Discovered, now)
	q.Enqueue("/p/a.jpg", "/p", Discovered, now)

	first := dequeueOne(t, q)
	second := dequeueOne(t, q)
	if first.Path != "/p/b.jpg" || second.Path != "/p/a.jpg" {
		t.Fatalf("expected b then a, got %s then %s", first.Path, second.Path)
	}
	if second.Reason != Discovered {
		t.Errorf("expected upgraded reason Discovered, got %v", second.Reason)
	}
}

func TestInFlightDedupRecordsRecheck(t *testing.T) {
	q := New()
	now := time.Now()
	q.Enqueue("/p/a.jpg", "/p", Discovered, now)
	it := dequeueOne(t, q)

	// The same path changing while in flight must not spawn a second item.
	if q.Enqueue("/p/a.jpg", "/p", Revalidate, now) {
		t.Fatal("expected dedup against in-flight item")
	}
	if q.Len() != 0 {
		t.Fatalf("expected 0 pending, got %d", q.Len())
	}

	reason, recheck := q.Complete(it.Path)
	if !recheck {
		t.Fatal("expected re-check after in-flight enqueue")
	}
	if reason != Revalidate {
		t.Errorf("expected Revalidate re-check, got %v", reason)
	}

	// A clean completion carries no re-check.
	q.Enqueue("/p/a.jpg", "/p", Discovered, now)
	it = dequeueOne(t, q)
	if _, recheck := q.Complete(it.Path); recheck {
		t.Fatal("unexpected re-check after clean completion")
	}
}

func TestRecheckKeepsStrongestReason(t *testing.T) {
	q := New()
	now := time.Now()
	q.Enqueue("/p/a.jpg", "/p", Discovered, now)
	it := dequeueOne(t, q)

	q.Enqueue("/p/a.jpg", "/p", Discovered, now)
	q.Enqueue("/p/a.jpg", "/p", Revalidate, now)

	reason, recheck := q.Complete(it.Path)
	if !recheck || reason != Discovered {
		t.Fatalf("expected Discovered re-check, got %v (recheck=%v)", reason, recheck)
	}
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	q := New()
	got := make(chan *Item, 1)
	go func() {
		it, err := q.Dequeue(context.Background())
		if err == nil {
			got <- it
		}
	}()

	time.Sleep(50 * time.Millisecond)
	q.Enqueue("/p/a.jpg", "/p", Discovered, time.Now())

	select {
	case it := <-got:
		if it.Path != "/p/a.jpg" {
			t.Fatalf("unexpected item %s", it.Path)
		}
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not wake on enqueue")
	}
}

func TestDequeueHonoursContext(t *testing.T) {
	q := New()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := q.Dequeue(ctx); err != context.DeadlineExceeded {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestCancelRoot(t *testing.T) {
	q := New()
	now := time.Now()
	q.Enqueue("/p/inflight.jpg", "/p", Discovered, now)
	it := dequeueOne(t, q)

	q.Enqueue("/p/a.jpg", "/p", Discovered, now)
	q.Enqueue("/p/b.jpg", "/p", Revalidate, now)
	q.Enqueue("/other/c.jpg", "/other", Discovered, now)

	if dropped := q.CancelRoot("/p"); dropped != 2 {
		t.Fatalf("expected 2 dropped, got %d", dropped)
	}
	if !it.Cancelled() {
		t.Error("expected in-flight item flagged cancelled")
	}

	rest := dequeueOne(t, q)
	if rest.Path != "/other/c.jpg" {
		t.Fatalf("expected the other root's item to survive, got %s", rest.Path)
	}
	if rest.Cancelled() {
		t.Error("surviving item must not be cancelled")
	}
}

func TestDropPending(t *testing.T) {
	q := New()
	now := time.Now()
	q.Enqueue("/p/a.jpg", "/p", Discovered, now)
	if !q.Drop("/p/a.jpg") {
		t.Fatal("expected Drop to remove the pending item")
	}
	if q.Len() != 0 {
		t.Fatalf("expected empty queue, got %d", q.Len())
	}
	if q.Drop("/p/a.jpg") {
		t.Fatal("second Drop should report nothing removed")
	}
}

func TestCloseWakesDequeue(t *testing.T) {
	q := New()
	errc := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		errc <- err
	}()
	time.Sleep(50 * time.Millisecond)
	q.Close()
	select {
	case err := <-errc:
		if err != context.Canceled {
			t.Fatalf("expected Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not return after Close")
	}
}

func TestConcurrentEnqueueSinglePending(t *testing.T) {
	q := New()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Enqueue("/p/hot.jpg", "/p", Discovered, time.Now())
		}()
	}
	wg.Wait()
	if q.Len() != 1 {
		t.Fatalf("expected exactly 1 pending after concurrent enqueues, got %d", q.Len())
	}
}
