// Package notify delivers pipeline progress events to the consuming
// application (the gallery UI). Events are fired from the goroutine that owns
// the relevant component; marshalling onto a UI thread is the consumer's job.
package notify

import (
	"sync"
	"time"
)

// Event kinds.
const (
	KindDiscovered      = "discovered"
	KindAnalyzed        = "analyzed"
	KindAnalysisFailed  = "analysis_failed"
	KindRemoved         = "removed"
	KindScanProgress    = "scan_progress"
	KindRootUnreachable = "root_unreachable"
	KindRootRestored    = "root_restored"
)

// Event is a single pipeline notification.
type Event struct {
	Kind      string `json:"kind"`
	Path      string `json:"path,omitempty"`
	Root      string `json:"root,omitempty"`
	Payload   []byte `json:"payload,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	Done      int    `json:"done,omitempty"`
	Total     int    `json:"total,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Notifier manages subscribers and publishes pipeline events.
type Notifier struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
}

// NewNotifier creates a new notifier.
func NewNotifier() *Notifier {
	return &Notifier{
		subscribers: make(map[chan Event]struct{}),
	}
}

// Subscribe adds a new subscriber and returns its event channel.
// The caller must call Unsubscribe when done.
func (n *Notifier) Subscribe() chan Event {
	ch := make(chan Event, 64)
	n.mu.Lock()
	n.subscribers[ch] = struct{}{}
	n.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (n *Notifier) Unsubscribe(ch chan Event) {
	n.mu.Lock()
	delete(n.subscribers, ch)
	close(ch)
	n.mu.Unlock()
}

// Count returns the current number of subscribers.
func (n *Notifier) Count() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subscribers)
}

// Publish sends an event to all subscribers. Non-blocking: drops events
// for slow consumers.
func (n *Notifier) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	for ch := range n.subscribers {
		select {
		case ch <- event:
		default:
			// Drop event for slow consumer
		}
	}
}

// Discovered reports a newly discovered file.
func (n *Notifier) Discovered(path string) {
	n.Publish(Event{Kind: KindDiscovered, Path: path})
}

// Analyzed reports a completed analysis with its opaque payload.
func (n *Notifier) Analyzed(path string, payload []byte) {
	n.Publish(Event{Kind: KindAnalyzed, Path: path, Payload: payload})
}

// AnalysisFailed reports a failed analysis. retryable distinguishes exhausted
// transient failures from permanent ones.
func (n *Notifier) AnalysisFailed(path, reason string, retryable bool) {
	n.Publish(Event{Kind: KindAnalysisFailed, Path: path, Reason: reason, Retryable: retryable})
}

// Removed reports a deleted file.
func (n *Notifier) Removed(path string) {
	n.Publish(Event{Kind: KindRemoved, Path: path})
}

// ScanProgress reports full-scan progress for a root.
func (n *Notifier) ScanProgress(root string, done, total int) {
	n.Publish(Event{Kind: KindScanProgress, Root: root, Done: done, Total: total})
}

// RootUnreachable reports that a watched root became unreachable.
func (n *Notifier) RootUnreachable(root string) {
	n.Publish(Event{Kind: KindRootUnreachable, Root: root})
}

// RootRestored reports that an unreachable root came back.
func (n *Notifier) RootRestored(root string) {
	n.Publish(Event{Kind: KindRootRestored, Root: root})
}
