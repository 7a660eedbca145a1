// Package pipeline wires the watcher, debouncer, synchronizer, queue, worker
// pool and sweeper together. One event-loop goroutine owns the synchronizer
// and makes every enqueue/tombstone decision; everything else feeds it.
package pipeline

import (
	"context"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/persimmon-app/persimmon/internal/blob"
	"github.com/persimmon-app/persimmon/internal/engine"
	"github.com/persimmon-app/persimmon/internal/logging"
	"github.com/persimmon-app/persimmon/internal/notify"
	"github.com/persimmon-app/persimmon/internal/queue"
	"github.com/persimmon-app/persimmon/internal/scan"
	"github.com/persimmon-app/persimmon/internal/store"
	"github.com/persimmon-app/persimmon/internal/sweep"
	"github.com/persimmon-app/persimmon/internal/watch"
	"github.com/persimmon-app/persimmon/internal/worker"
)

// Config tunes the pipeline's timing knobs.
type Config struct {
	DebounceWindow time.Duration
	CreationGrace  time.Duration
	RescanInterval time.Duration
	ProbeInterval  time.Duration
	SweepInterval  time.Duration
	TombstoneGrace time.Duration
	Worker         worker.Config
}

func (c *Config) applyDefaults() {
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = 500 * time.Millisecond
	}
	if c.CreationGrace <= 0 {
		c.CreationGrace = 2 * time.Second
	}
	if c.RescanInterval <= 0 {
		c.RescanInterval = 10 * time.Minute
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 15 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.TombstoneGrace <= 0 {
		c.TombstoneGrace = 24 * time.Hour
	}
}

// Pipeline is the assembled background-analysis machine.
type Pipeline struct {
	cfg      Config
	roots    *scan.Roots
	sync     *scan.Synchronizer
	watcher  *watch.Watcher
	debounce *watch.Debouncer
	queue    *queue.Queue
	pool     *worker.Pool
	sweeper  *sweep.Sweeper
	oracle   *store.Oracle
	store    store.Store
	notifier *notify.Notifier

	logical  chan watch.LogicalEvent
	commands chan func()

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New assembles a pipeline. Nothing runs until Start.
func New(cfg Config, st store.Store, blobs blob.Backend, factory engine.Factory, notifier *notify.Notifier) (*Pipeline, error) {
	cfg.applyDefaults()

	watcher, err := watch.NewWatcher()
	if err != nil {
		return nil, err
	}

	roots := scan.NewRoots()
	q := queue.New()
	p := &Pipeline{
		cfg:      cfg,
		roots:    roots,
		sync:     scan.NewSynchronizer(roots),
		watcher:  watcher,
		queue:    q,
		pool:     worker.New(cfg.Worker, q, factory, st, blobs, notifier),
		sweeper:  sweep.New(st, blobs, roots, cfg.TombstoneGrace),
		oracle:   store.NewOracle(st, roots),
		store:    st,
		notifier: notifier,
		logical:  make(chan watch.LogicalEvent, 256),
		commands: make(chan func(), 16),
	}
	// Debounce timers fire on their own goroutines; funnel everything onto
	// the loop.
	p.debounce = watch.NewDebouncer(cfg.DebounceWindow, cfg.CreationGrace, func(ev watch.LogicalEvent) {
		select {
		case p.logical <- ev:
		default:
			logging.Warn("logical event channel full, dropping", zap.String("path", ev.Path))
		}
	})
	return p, nil
}

// Notifier exposes the event stream for subscribers.
func (p *Pipeline) Notifier() *notify.Notifier { return p.notifier }

// QueueDepth returns pending plus in-flight work.
func (p *Pipeline) QueueDepth() int { return p.queue.Len() + p.queue.InFlight() }

// Start launches the watcher, the workers, the sweeper and the event loop.
func (p *Pipeline) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	p.pool.Start(ctx)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.watcher.Run()
	}()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.sweeper.Run(ctx, p.cfg.SweepInterval)
	}()

	p.wg.Add(1)
	go p.loop(ctx)

	logging.Info("pipeline started")
}

// Stop shuts everything down in dependency order and waits.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.watcher.Close()
	p.debounce.Stop()
	p.queue.Close()
	p.pool.Stop()
	p.wg.Wait()
	logging.Info("pipeline stopped")
}

// AddRoot registers a directory, starts watching it (falling back to
// rescan-only when the OS watch cannot be established) and schedules the
// initial full scan.
func (p *Pipeline) AddRoot(path string) {
	p.roots.Add(path)
	live := true
	if err := p.watcher.Subscribe(path); err != nil {
		logging.Warn("watch subscribe failed, rescan-only for this root",
			zap.String("root", path), zap.Error(err))
		live = false
	}
	p.roots.SetWatchLive(path, live)
	p.post(func() { p.fullScan(path) })
}

// RemoveRoot unsubscribes the root, cancels its queued and in-flight work
// and forgets its tree state. Its store records become orphans; the sweeper
// removes them on its next pass.
func (p *Pipeline) RemoveRoot(path string) {
	p.watcher.Unsubscribe(path)
	dropped := p.queue.CancelRoot(path)
	p.roots.Remove(path)
	p.post(func() { p.sync.DropRoot(path) })
	logging.Info("root removed", zap.String("root", path), zap.Int("dropped", dropped))
}

// Read returns the stored result for path with its read-time validity. A
// Stale read schedules revalidation.
func (p *Pipeline) Read(ctx context.Context, path string) (store.Result, store.Validity, error) {
	r, v, err := p.oracle.Read(ctx, path)
	if err == nil && v == store.Stale {
		if root, ok := p.roots.RootOf(path); ok {
			p.queue.Enqueue(path, root, queue.Revalidate, time.Time{})
		}
	}
	return r, v, err
}

// post hands a closure to the event loop, blocking if it is saturated.
func (p *Pipeline) post(fn func()) {
	p.commands <- fn
}

func (p *Pipeline) loop(ctx context.Context) {
	defer p.wg.Done()

	rescan := time.NewTicker(p.cfg.RescanInterval)
	defer rescan.Stop()
	probe := time.NewTicker(p.cfg.ProbeInterval)
	defer probe.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case raw, ok := <-p.watcher.Events():
			if !ok {
				return
			}
			p.debounce.Feed(raw)

		case <-p.watcher.Overflow():
			// The OS queue overflowed: events were lost, rescan everything.
			logging.Warn("watch overflow, rescanning all roots")
			p.rescanAll()

		case ev := <-p.logical:
			p.dispatch(ev.Root, p.sync.Apply(ev))

		case <-rescan.C:
			p.rescanAll()

		case <-probe.C:
			p.handleProbe()

		case fn := <-p.commands:
			fn()
		}
	}
}

// fullScan scans one root and dispatches the diff.
func (p *Pipeline) fullScan(root string) {
	rec, ok := p.roots.Get(root)
	if !ok || !rec.Enabled || !rec.Reachable {
		return
	}
	diff, err := p.sync.FullScan(root, func(done, total int) {
		p.notifier.ScanProgress(root, done, total)
	})
	if err != nil {
		logging.Error("full scan failed", zap.String("root", root), zap.Error(err))
		return
	}
	p.dispatch(root, diff)
}

func (p *Pipeline) rescanAll() {
	for _, root := range p.roots.List() {
		p.fullScan(root.Path)
	}
}

// dispatch turns a diff into queue work, tombstones and notifications.
// Removals never touch the queue's analysis path: they tombstone directly.
func (p *Pipeline) dispatch(root string, diff scan.Diff) {
	ctx := context.Background()
	for _, e := range diff.Added {
		p.notifier.Discovered(e.Path)
		if p.hasFreshResult(ctx, e) {
			// Startup reconciliation: an unchanged file with a stored
			// success needs no re-analysis.
			continue
		}
		p.queue.Enqueue(e.Path, root, queue.Discovered, e.MTime)
	}
	for _, e := range diff.Changed {
		p.queue.Enqueue(e.Path, root, queue.Discovered, e.MTime)
	}
	if len(diff.Removed) == 0 {
		return
	}
	// If the root itself is gone this is an unmount, not a deletion spree:
	// forget state and let the probe drive the unreachable transition.
	if _, err := os.Stat(root); err != nil {
		p.queue.CancelRoot(root)
		p.sync.DropRoot(root)
		return
	}
	now := time.Now()
	for _, e := range diff.Removed {
		p.queue.Drop(e.Path)
		if err := p.store.Tombstone(ctx, e.Path, now); err != nil {
			logging.Error("tombstone failed", zap.String("path", e.Path), zap.Error(err))
		}
		p.notifier.Removed(e.Path)
	}
}

func (p *Pipeline) hasFreshResult(ctx context.Context, e scan.Entry) bool {
	r, found, err := p.store.GetResult(ctx, e.Path)
	return err == nil && found && !r.Tombstoned() &&
		r.Status == store.StatusSuccess && r.SourceMTime.Equal(e.MTime)
}

// handleProbe reacts to reachability transitions: a lost root cancels its
// work and degrades reads to Offline; a returned root is resynced in full.
func (p *Pipeline) handleProbe() {
	for _, tr := range p.roots.Probe() {
		if tr.Reachable {
			logging.Info("root restored", zap.String("root", tr.Root))
			p.notifier.RootRestored(tr.Root)
			live := true
			if err := p.watcher.Subscribe(tr.Root); err != nil {
				logging.Warn("re-subscribe failed, rescan-only",
					zap.String("root", tr.Root), zap.Error(err))
				live = false
			}
			p.roots.SetWatchLive(tr.Root, live)
			p.fullScan(tr.Root)
			continue
		}
		logging.Warn("root unreachable", zap.String("root", tr.Root))
		p.notifier.RootUnreachable(tr.Root)
		p.watcher.Unsubscribe(tr.Root)
		p.roots.SetWatchLive(tr.Root, false)
		p.queue.CancelRoot(tr.Root)
		// Forget tree state without tombstoning: the files are not gone,
		// the volume is.
		p.sync.DropRoot(tr.Root)
	}
}
