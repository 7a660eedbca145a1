package watch

import (
	"sync"
	"time"

	"github.com/persimmon-app/persimmon/internal/metrics"
)

// LogicalEvent is a debounced event: one per path per burst, carrying the
// latest kind observed.
type LogicalEvent struct {
	Root string
	Path string
	Kind Kind
	Time time.Time
}

// Debouncer coalesces bursts of raw events per path into a single logical
// event after a quiet window. A Created event opens a grace period during
// which Modified events for the same path are absorbed into the pending
// Created (an OS typically reports a creation followed by several writes
// while the file is still being copied in). A Deleted event cancels any
// pending timer and is emitted immediately.
type Debouncer struct {
	window time.Duration // quiet window between raw events for a path
	grace  time.Duration // absorb Modified into a pending Created this long

	emit func(LogicalEvent)

	mu      sync.Mutex
	pending map[string]*pendingPath
	stopped bool
}

type pendingPath struct {
	event    LogicalEvent
	timer    *time.Timer
	graceEnd time.Time // zero unless the entry was opened by a Created
}

// NewDebouncer creates a debouncer. emit is called from timer goroutines (or
// from Feed, for Deleted) and must not block.
func NewDebouncer(window, grace time.Duration, emit func(LogicalEvent)) *Debouncer {
	return &Debouncer{
		window:  window,
		grace:   grace,
		emit:    emit,
		pending: make(map[string]*pendingPath),
	}
}

// Feed processes one raw event.
func (d *Debouncer) Feed(ev RawEvent) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}

	if ev.Kind == Deleted {
		// Emit immediately; anything pending for the path is obsolete.
		if p, ok := d.pending[ev.Path]; ok {
			p.timer.Stop()
			delete(d.pending, ev.Path)
		}
		d.mu.Unlock()
		d.dispatch(LogicalEvent{Root: ev.Root, Path: ev.Path, Kind: Deleted, Time: ev.Time})
		return
	}
	defer d.mu.Unlock()

	p, ok := d.pending[ev.Path]
	if !ok {
		p = &pendingPath{
			event: LogicalEvent{Root: ev.Root, Path: ev.Path, Kind: ev.Kind, Time: ev.Time},
		}
		if ev.Kind == Created {
			p.graceEnd = ev.Time.Add(d.grace)
		}
		p.timer = d.startTimer(ev.Path)
		d.pending[ev.Path] = p
		return
	}

	// Collapse into the pending entry. A Modified inside the creation grace
	// period does not demote the pending Created.
	p.timer.Stop()
	if !(ev.Kind == Modified && p.event.Kind == Created && ev.Time.Before(p.graceEnd)) {
		p.event.Kind = ev.Kind
	}
	p.event.Time = ev.Time
	p.timer = d.startTimer(ev.Path)
}

func (d *Debouncer) startTimer(path string) *time.Timer {
	return time.AfterFunc(d.window, func() {
		d.mu.Lock()
		p, ok := d.pending[path]
		if !ok || d.stopped {
			d.mu.Unlock()
			return
		}
		delete(d.pending, path)
		ev := p.event
		d.mu.Unlock()
		d.dispatch(ev)
	})
}

func (d *Debouncer) dispatch(ev LogicalEvent) {
	metrics.RecordLogicalEvent(ev.Kind.String())
	d.emit(ev)
}

// Flush emits all pending events immediately. Used on shutdown.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	evs := make([]LogicalEvent, 0, len(d.pending))
	for path, p := range d.pending {
		p.timer.Stop()
		evs = append(evs, p.event)
		delete(d.pending, path)
	}
	d.mu.Unlock()
	for _, ev := range evs {
		d.dispatch(ev)
	}
}

// Stop cancels all pending timers without emitting.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for path, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, path)
	}
}

// PendingCount returns the number of paths with a timer running.
func (d *Debouncer) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
