// Package queue implements the analysis work queue: per-path at-most-one
// pending and at-most-one in-flight item, with discovery work served before
// revalidation work.
package queue

import (
	"container/list"
	"context"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/persimmon-app/persimmon/internal/metrics"
)

// Reason says why a path was enqueued.
type Reason int

const (
	// Discovered means the file is new or changed and has no usable result.
	Discovered Reason = iota
	// Revalidate means an existing result may be stale and should be redone.
	Revalidate
)

func (r Reason) String() string {
	switch r {
	case Discovered:
		return "discovered"
	case Revalidate:
		return "revalidate"
	default:
		return "unknown"
	}
}

// Item is one unit of analysis work handed to a worker.
type Item struct {
	Path     string
	Root     string
	Reason   Reason
	MTime    time.Time
	Enqueued time.Time

	cancel *atomic.Bool
}

// Cancelled reports whether the item's root was cancelled after dispatch.
// Workers check this before committing results.
func (it *Item) Cancelled() bool {
	return it.cancel != nil && it.cancel.Load()
}

// Queue is safe for concurrent use by the pipeline loop and the workers.
type Queue struct {
	mu       sync.Mutex
	high     *list.List           // Discovered items, FIFO
	low      *list.List           // Revalidate items, FIFO
	pending  map[string]*list.Element
	inflight map[string]*atomic.Bool
	recheck  map[string]Reason // paths that changed while in flight
	wake     chan struct{}
	closed   bool
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{
		high:     list.New(),
		low:      list.New(),
		pending:  make(map[string]*list.Element),
		inflight: make(map[string]*atomic.Bool),
		recheck:  make(map[string]Reason),
		wake:     make(chan struct{}, 1),
	}
}

// Enqueue adds work for path. If the path is already pending the entry is
// updated in place (reason upgraded to Discovered if either asks for it,
// mtime refreshed); if it is in flight a re-check is recorded instead and the
// worker's Complete call returns it. Returns true if a new pending item was
// created.
func (q *Queue) Enqueue(path, root string, reason Reason, mtime time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}

	if _, ok := q.inflight[path]; ok {
		// Keep the strongest reason seen while in flight.
		if prev, ok := q.recheck[path]; !ok || reason == Discovered || prev == Discovered {
			if prev == Discovered {
				reason = Discovered
			}
			q.recheck[path] = reason
		}
		metrics.RecordDedup()
		return false
	}

	if el, ok := q.pending[path]; ok {
		it := el.Value.(*Item)
		it.MTime = mtime
		if reason == Discovered && it.Reason == Revalidate {
			// Upgrade: move from the low list to the high list.
			q.low.Remove(el)
			it.Reason = Discovered
			q.pending[path] = q.high.PushBack(it)
		}
		metrics.RecordDedup()
		return false
	}

	it := &Item{Path: path, Root: root, Reason: reason, MTime: mtime, Enqueued: time.Now()}
	if reason == Discovered {
		q.pending[path] = q.high.PushBack(it)
	} else {
		q.pending[path] = q.low.PushBack(it)
	}
	metrics.RecordEnqueue(reason.String())
	metrics.SetQueueDepth(q.high.Len() + q.low.Len())
	q.signal()
	return true
}

// Dequeue blocks until an item is available or ctx is done. The returned
// item is marked in flight; the worker must call Complete when finished.
func (q *Queue) Dequeue(ctx context.Context) (*Item, error) {
	for {
		q.mu.Lock()
		if it := q.popLocked(); it != nil {
			if q.high.Len()+q.low.Len() > 0 {
				q.signal() // more work: wake the next waiter
			}
			q.mu.Unlock()
			return it, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, context.Canceled
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *Queue) popLocked() *Item {
	var el *list.Element
	if q.high.Len() > 0 {
		el = q.high.Front()
		q.high.Remove(el)
	} else if q.low.Len() > 0 {
		el = q.low.Front()
		q.low.Remove(el)
	} else {
		return nil
	}
	it := el.Value.(*Item)
	delete(q.pending, it.Path)
	flag := &atomic.Bool{}
	it.cancel = flag
	q.inflight[it.Path] = flag
	metrics.SetQueueDepth(q.high.Len() + q.low.Len())
	return it
}

// Complete clears the in-flight mark for path. If the path was re-enqueued
// while in flight, the recorded reason is returned and the caller should
// enqueue it again.
func (q *Queue) Complete(path string) (Reason, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, path)
	reason, ok := q.recheck[path]
	if ok {
		delete(q.recheck, path)
	}
	return reason, ok
}

// Drop removes a pending item for path, if any. In-flight work is untouched.
func (q *Queue) Drop(path string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	el, ok := q.pending[path]
	if !ok {
		delete(q.recheck, path)
		return false
	}
	it := el.Value.(*Item)
	if it.Reason == Discovered {
		q.high.Remove(el)
	} else {
		q.low.Remove(el)
	}
	delete(q.pending, path)
	delete(q.recheck, path)
	metrics.SetQueueDepth(q.high.Len() + q.low.Len())
	return true
}

// CancelRoot drops all pending items under root and flags in-flight items so
// workers discard their results. Returns the number of pending items dropped.
func (q *Queue) CancelRoot(root string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := 0
	for _, l := range []*list.List{q.high, q.low} {
		for el := l.Front(); el != nil; {
			next := el.Next()
			it := el.Value.(*Item)
			if it.Root == root {
				l.Remove(el)
				delete(q.pending, it.Path)
				delete(q.recheck, it.Path)
				dropped++
			}
			el = next
		}
	}
	for path, flag := range q.inflight {
		if underRoot(path, root) {
			flag.Store(true)
			delete(q.recheck, path)
		}
	}
	metrics.SetQueueDepth(q.high.Len() + q.low.Len())
	return dropped
}

// Len returns the number of pending items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.high.Len() + q.low.Len()
}

// InFlight returns the number of items handed out but not yet completed.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

// Close wakes all blocked Dequeue calls; they drain remaining items and then
// return context.Canceled.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	close(q.wake)
}

func (q *Queue) signal() {
	if q.closed {
		return
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func underRoot(path, root string) bool {
	return path == root || strings.HasPrefix(path, root+string(filepath.Separator))
}
