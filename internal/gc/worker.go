// Package gc drains the blob and bucket garbage-collection queues left
// behind by MetaStore's commit and delete operations: a committed delete
// only removes the metadata row and queues the backing bytes for cleanup,
// since the backing store delete itself cannot be folded into the
// metadata transaction.
package gc

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bleepstore/bleepstore/internal/metadata"
	"github.com/bleepstore/bleepstore/internal/storage"
)

const (
	defaultInterval  = 30 * time.Second
	defaultBatchSize = 100
	maxBackoff       = 10 * time.Minute
)

// Worker periodically drains blobs_gc and buckets_gc, deleting the
// corresponding bytes from the backing store and, on success, the
// metadata row itself. Entries that keep failing back off exponentially
// in memory rather than being retried on every tick.
type Worker struct {
	meta     metadata.MetaStore
	backing  storage.BackingClient
	interval time.Duration
	batch    int

	mu       sync.Mutex
	backoff  map[string]backoffState

	stop chan struct{}
	done chan struct{}
}

type backoffState struct {
	nextAttempt time.Time
	delay       time.Duration
}

// Option configures a Worker.
type Option func(*Worker)

// WithInterval overrides the default 30s drain interval.
func WithInterval(d time.Duration) Option {
	return func(w *Worker) { w.interval = d }
}

// WithBatchSize overrides the default per-tick queue drain size.
func WithBatchSize(n int) Option {
	return func(w *Worker) { w.batch = n }
}

// NewWorker constructs a Worker. Call Start to begin draining in a
// background goroutine.
func NewWorker(meta metadata.MetaStore, backing storage.BackingClient, opts ...Option) *Worker {
	w := &Worker{
		meta:     meta,
		backing:  backing,
		interval: defaultInterval,
		batch:    defaultBatchSize,
		backoff:  make(map[string]backoffState),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start runs the drain loop until Stop is called. Safe to call once.
func (w *Worker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop signals the drain loop to exit and waits for it to finish.
func (w *Worker) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.drainOnce(ctx)
		}
	}
}

func (w *Worker) drainOnce(ctx context.Context) {
	w.drainBlobs(ctx)
	w.drainBuckets(ctx)
}

// RunOnce drains both GC queues a single time and returns, for callers
// that want an on-demand sweep without starting the background loop.
func (w *Worker) RunOnce(ctx context.Context) {
	w.drainOnce(ctx)
}

func (w *Worker) drainBlobs(ctx context.Context) {
	blobs, err := w.meta.ListBlobsGC(ctx, w.batch)
	if err != nil {
		slog.Error("gc: list blobs queue failed", "error", err)
		return
	}
	blobsGCQueueDepth.Set(float64(len(blobs)))

	for _, blob := range blobs {
		key := "blob:" + blob.ID.String()
		if !w.ready(key) {
			continue
		}

		gcAttemptsTotal.WithLabelValues("blob").Inc()
		err := w.backing.DeleteObject(ctx, blob.Placement, blob.ID.String())
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("gc: backing delete failed, will retry", "blob_id", blob.ID, "error", err)
			w.recordFailure(key)
			continue
		}

		if err := w.meta.DeleteBlobGC(ctx, blob.ID); err != nil {
			slog.Error("gc: finalize blob gc entry failed", "blob_id", blob.ID, "error", err)
			w.recordFailure(key)
			continue
		}

		gcSuccessTotal.WithLabelValues("blob").Inc()
		w.clearFailure(key)
	}
}

func (w *Worker) drainBuckets(ctx context.Context) {
	jobs, err := w.meta.ListBucketsGC(ctx, w.batch)
	if err != nil {
		slog.Error("gc: list buckets queue failed", "error", err)
		return
	}
	bucketsGCQueueDepth.Set(float64(len(jobs)))

	for _, job := range jobs {
		key := "bucket:" + job.ID.String()
		if !w.ready(key) {
			continue
		}

		gcAttemptsTotal.WithLabelValues("bucket").Inc()
		if err := w.deleteBucket(ctx, job); err != nil {
			slog.Warn("gc: bucket cleanup failed, will retry", "job_id", job.ID, "error", err)
			w.recordFailure(key)
			continue
		}

		gcSuccessTotal.WithLabelValues("bucket").Inc()
		w.clearFailure(key)
	}
}

func (w *Worker) deleteBucket(ctx context.Context, job metadata.BucketGCJob) error {
	if err := w.backing.DeleteBucket(ctx, job.Location); err != nil {
		return err
	}
	return w.meta.DeleteBucketComplete(ctx, job.ID)
}

// ready reports whether an entry's backoff window has elapsed.
func (w *Worker) ready(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	state, ok := w.backoff[key]
	if !ok {
		return true
	}
	return !time.Now().Before(state.nextAttempt)
}

func (w *Worker) recordFailure(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	state := w.backoff[key]
	if state.delay == 0 {
		state.delay = w.interval
	} else {
		state.delay *= 2
		if state.delay > maxBackoff {
			state.delay = maxBackoff
		}
	}
	state.nextAttempt = time.Now().Add(state.delay)
	w.backoff[key] = state
}

func (w *Worker) clearFailure(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.backoff, key)
}

var (
	gcAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bleepstore_gc_attempts_total",
		Help: "Total garbage collection attempts, by queue.",
	}, []string{"queue"})

	gcSuccessTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bleepstore_gc_success_total",
		Help: "Total successful garbage collection completions, by queue.",
	}, []string{"queue"})

	blobsGCQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bleepstore_gc_queue_depth_blobs",
		Help: "Number of blob entries observed in the GC queue on the last drain tick.",
	})

	bucketsGCQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bleepstore_gc_queue_depth_buckets",
		Help: "Number of bucket entries observed in the GC queue on the last drain tick.",
	})
)

// Collectors returns the Worker's Prometheus collectors for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{gcAttemptsTotal, gcSuccessTotal, blobsGCQueueDepth, bucketsGCQueueDepth}
}
