// Package worker runs the analysis workers: each owns a private engine,
// pulls items from the queue, and commits results guarded against mtime
// races, cancellation and watchdog replacement.
package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/felixgeelhaar/fortify/retry"
	"go.uber.org/zap"

	"github.com/persimmon-app/persimmon/internal/blob"
	"github.com/persimmon-app/persimmon/internal/engine"
	"github.com/persimmon-app/persimmon/internal/logging"
	"github.com/persimmon-app/persimmon/internal/metrics"
	"github.com/persimmon-app/persimmon/internal/notify"
	"github.com/persimmon-app/persimmon/internal/queue"
	"github.com/persimmon-app/persimmon/internal/store"
)

// Config tunes the pool.
type Config struct {
	Workers          int
	RetryAttempts    int
	RetryBackoff     time.Duration
	WatchdogInterval time.Duration
}

// Pool owns N worker goroutines and the watchdog that replaces stuck ones.
type Pool struct {
	cfg      Config
	queue    *queue.Queue
	factory  engine.Factory
	store    store.Store
	blobs    blob.Backend
	notifier *notify.Notifier

	mu     sync.Mutex
	slots  []*slot
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// slot is the shared state between a worker goroutine, its replacements and
// the watchdog. The generation counter suppresses writes from a goroutine
// that was replaced while wedged.
type slot struct {
	id        int
	gen       atomic.Uint64
	busySince atomic.Int64 // unixnano; 0 when idle
	heartbeat atomic.Int64 // unixnano of last progress
}

func (s *slot) beat() { s.heartbeat.Store(time.Now().UnixNano()) }

// New creates a pool. Engines are built lazily inside each worker.
func New(cfg Config, q *queue.Queue, factory engine.Factory, st store.Store, blobs blob.Backend, notifier *notify.Notifier) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	return &Pool{
		cfg:      cfg,
		queue:    q,
		factory:  factory,
		store:    st,
		blobs:    blobs,
		notifier: notifier,
	}
}

// Start launches the workers and, if configured, the watchdog.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.slots = make([]*slot, p.cfg.Workers)
	for i := 0; i < p.cfg.Workers; i++ {
		s := &slot{id: i}
		s.beat()
		p.slots[i] = s
		p.wg.Add(1)
		go p.run(ctx, s, s.gen.Load())
	}
	if p.cfg.WatchdogInterval > 0 {
		p.wg.Add(1)
		go p.watchdog(ctx)
	}
	logging.Info("worker pool started", zap.Int("workers", p.cfg.Workers))
}

// Stop cancels the workers and waits for them to exit.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	logging.Info("worker pool stopped")
}

// run is one worker goroutine's life: lazy engine, dequeue, process. gen is
// the generation this goroutine was started under; a mismatch at commit time
// means the watchdog replaced it.
func (p *Pool) run(ctx context.Context, s *slot, gen uint64) {
	defer p.wg.Done()

	var eng engine.Engine
	defer func() {
		if eng != nil {
			eng.Close()
		}
	}()

	for {
		item, err := p.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		s.busySince.Store(time.Now().UnixNano())
		s.beat()

		if eng == nil {
			eng, err = p.factory()
			if err != nil {
				logging.Error("engine construction failed",
					zap.Int("worker", s.id), zap.Error(err))
				p.fail(item, fmt.Sprintf("engine unavailable: %v", err), true)
				p.finish(item)
				s.busySince.Store(0)
				continue
			}
		}

		p.process(ctx, s, gen, eng, item)
		p.finish(item)
		s.busySince.Store(0)

		if s.gen.Load() != gen {
			// Replaced while working; a fresh goroutine owns this slot now.
			return
		}
	}
}

// process analyzes one item end to end.
func (p *Pool) process(ctx context.Context, s *slot, gen uint64, eng engine.Engine, item *queue.Item) {
	start := time.Now()

	info, err := os.Stat(item.Path)
	if err != nil {
		// Gone before we got to it; deletion flow handles the record.
		metrics.RecordAnalysis("vanished", time.Since(start))
		return
	}
	mtime := info.ModTime()

	// Idempotence: an unchanged file with a stored success needs no engine.
	if prev, found, err := p.store.GetResult(ctx, item.Path); err == nil && found &&
		prev.Status == store.StatusSuccess && !prev.Tombstoned() && prev.SourceMTime.Equal(mtime) {
		metrics.RecordAnalysis("skipped", time.Since(start))
		return
	}

	var permErr error
	r := retry.New[[]byte](retry.Config{
		MaxAttempts:   p.cfg.RetryAttempts,
		InitialDelay:  p.cfg.RetryBackoff,
		BackoffPolicy: retry.BackoffExponential,
	})
	payload, err := r.Do(ctx, func(ctx context.Context) ([]byte, error) {
		s.beat()
		out, aerr := eng.Analyze(ctx, item.Path)
		if aerr != nil && engine.IsPermanent(aerr) {
			// Returning nil stops the retry loop; classified below.
			permErr = aerr
			return nil, nil
		}
		return out, aerr
	})
	s.beat()

	// Commit guards: the slot may have been reassigned, the root cancelled,
	// or the file rewritten under us.
	if s.gen.Load() != gen {
		metrics.RecordAnalysis("suppressed", time.Since(start))
		return
	}
	if item.Cancelled() {
		metrics.RecordAnalysis("cancelled", time.Since(start))
		return
	}
	if after, statErr := os.Stat(item.Path); statErr != nil || !after.ModTime().Equal(mtime) {
		// The file moved on while we were analyzing: this payload describes
		// bytes that no longer exist. Requeue against the new version.
		p.queue.Enqueue(item.Path, item.Root, queue.Revalidate, time.Time{})
		metrics.RecordAnalysis("raced", time.Since(start))
		logging.Debug("mtime moved during analysis, requeued",
			zap.String("path", item.Path))
		return
	}

	switch {
	case permErr != nil:
		p.storeFailure(ctx, item, mtime, store.StatusFailedPermanent, permErr.Error())
		p.fail(item, permErr.Error(), false)
		metrics.RecordAnalysis("permanent_failure", time.Since(start))
	case err != nil:
		if ctx.Err() != nil {
			metrics.RecordAnalysis("cancelled", time.Since(start))
			return
		}
		p.storeFailure(ctx, item, mtime, store.StatusFailedTransient, err.Error())
		p.fail(item, err.Error(), true)
		metrics.RecordAnalysis("transient_failure", time.Since(start))
	default:
		if err := p.commit(ctx, item, mtime, payload); err != nil {
			logging.Error("result commit failed",
				zap.String("path", item.Path), zap.Error(err))
			metrics.RecordAnalysis("commit_failure", time.Since(start))
			return
		}
		p.notifier.Analyzed(item.Path, payload)
		metrics.RecordAnalysis("success", time.Since(start))
	}
}

// commit writes the payload blob first, then the pointing record, so a crash
// between the two leaves an orphan blob rather than a dangling pointer.
func (p *Pool) commit(ctx context.Context, item *queue.Item, mtime time.Time, payload []byte) error {
	key := blob.Key(item.Path, mtime)
	if err := p.blobs.Put(ctx, key, payload); err != nil {
		return fmt.Errorf("store payload: %w", err)
	}
	now := time.Now()
	if err := p.store.PutResult(ctx, store.Result{
		Path:        item.Path,
		Root:        item.Root,
		Status:      store.StatusSuccess,
		BlobKey:     key,
		SourceMTime: mtime,
		ComputedAt:  now,
	}); err != nil {
		return fmt.Errorf("store result: %w", err)
	}
	return p.store.PutCacheEntry(ctx, store.CacheEntry{
		Path:        item.Path,
		BlobKey:     key,
		SourceMTime: mtime,
		LastAccess:  now,
	})
}

func (p *Pool) storeFailure(ctx context.Context, item *queue.Item, mtime time.Time, status store.Status, reason string) {
	if err := p.store.PutResult(ctx, store.Result{
		Path:        item.Path,
		Root:        item.Root,
		Status:      status,
		Reason:      reason,
		SourceMTime: mtime,
		ComputedAt:  time.Now(),
	}); err != nil {
		logging.Error("failure record write failed",
			zap.String("path", item.Path), zap.Error(err))
	}
}

func (p *Pool) fail(item *queue.Item, reason string, retryable bool) {
	logging.Warn("analysis failed",
		zap.String("path", item.Path),
		zap.Bool("retryable", retryable),
		zap.String("reason", reason))
	p.notifier.AnalysisFailed(item.Path, reason, retryable)
}

// finish completes the queue item and requeues if the path changed while it
// was in flight.
func (p *Pool) finish(item *queue.Item) {
	if reason, recheck := p.queue.Complete(item.Path); recheck {
		p.queue.Enqueue(item.Path, item.Root, reason, time.Time{})
	}
}

// watchdog replaces workers that hold a task without a heartbeat for longer
// than the configured interval.
func (p *Pool) watchdog(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.checkWorkers(ctx)
		}
	}
}

func (p *Pool) checkWorkers(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := time.Now().Add(-p.cfg.WatchdogInterval).UnixNano()
	for _, s := range p.slots {
		if s.busySince.Load() == 0 || s.heartbeat.Load() >= cutoff {
			continue
		}
		// The old goroutine sees the bumped generation and exits after its
		// (suppressed) commit; the replacement takes over immediately.
		gen := s.gen.Add(1)
		s.busySince.Store(0)
		s.beat()
		metrics.RecordWorkerRestart()
		logging.Warn("replacing stuck worker", zap.Int("worker", s.id))
		p.wg.Add(1)
		go p.run(ctx, s, gen)
	}
}
