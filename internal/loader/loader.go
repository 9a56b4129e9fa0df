package loader

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/wegman-software/osmgraph-go/internal/logger"
	"github.com/wegman-software/osmgraph-go/internal/store"
)

// maxErrorSamples bounds the permanent errors kept in a report
const maxErrorSamples = 100

// Options configures a load
type Options struct {
	Table            string
	Workers          int
	BatchSize        int
	MaxAttempts      int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	WriteRate        float64       // items per second, 0 = unlimited
	ProgressInterval time.Duration // 0 disables progress logging
}

// PermanentWriteError is an item write that will not be retried any more
type PermanentWriteError struct {
	ItemID   string
	Attempts int
	Err      error
}

func (e *PermanentWriteError) Error() string {
	return fmt.Sprintf("write of %s failed after %d attempt(s): %v", e.ItemID, e.Attempts, e.Err)
}

func (e *PermanentWriteError) Unwrap() error {
	return e.Err
}

// Report is the outcome of a load
type Report struct {
	Total     int64
	Written   int64
	Failed    int64
	Skipped   int64 // never attempted because the load was cancelled or aborted
	Retries   int64
	Batches   int64
	FailedIDs []string // sorted
	Errors    []*PermanentWriteError
	Duration  time.Duration
}

// accumulator collects results from all workers
type accumulator struct {
	written atomic.Int64
	failed  atomic.Int64
	retries atomic.Int64
	batches atomic.Int64

	mu        sync.Mutex
	failedIDs []string
	errors    []*PermanentWriteError
}

func (a *accumulator) fail(err *PermanentWriteError) {
	a.failed.Add(1)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failedIDs = append(a.failedIDs, err.ItemID)
	if len(a.errors) < maxErrorSamples {
		a.errors = append(a.errors, err)
	}
}

// Loader writes items to a store with a bounded worker pool
type Loader struct {
	w       store.Writer
	opts    Options
	backoff Backoff
	limiter *rate.Limiter
}

// New creates a loader. Zero options fall back to a single worker, the
// store's batch capacity and three attempts.
func New(w store.Writer, opts Options) *Loader {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	capacity := w.BatchCapacity()
	if capacity < 1 {
		capacity = 1
	}
	if opts.BatchSize < 1 || opts.BatchSize > capacity {
		opts.BatchSize = capacity
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 3
	}

	l := &Loader{
		w:       w,
		opts:    opts,
		backoff: NewBackoff(opts.RetryBaseDelay, opts.RetryMaxDelay),
	}
	if opts.WriteRate > 0 {
		burst := opts.BatchSize
		if int(opts.WriteRate) > burst {
			burst = int(opts.WriteRate)
		}
		l.limiter = rate.NewLimiter(rate.Limit(opts.WriteRate), burst)
	}
	return l
}

// Options returns the effective options
func (l *Loader) Options() Options {
	return l.opts
}

// Load writes all items and returns a report. Item failures are recorded in
// the report and do not stop the load. A fatal store error or cancellation of
// ctx stops it: batches already handed to a worker finish their current store
// call, nothing new is started, and the returned error says why. The report is
// always returned.
func (l *Loader) Load(ctx context.Context, items iter.Seq[store.Item], total int) (*Report, error) {
	log := logger.Get()
	start := time.Now()
	acc := &accumulator{}

	if l.opts.ProgressInterval > 0 {
		progressCtx, cancelProgress := context.WithCancel(ctx)
		defer cancelProgress()
		go l.reportProgress(progressCtx, acc, int64(total), start)
	}

	queue := make(chan []store.Item, 2*l.opts.Workers)
	g, gctx := errgroup.WithContext(ctx)

	// Producer: batch assembly, blocks while the queue is full
	g.Go(func() error {
		defer close(queue)
		batch := make([]store.Item, 0, l.opts.BatchSize)
		for item := range items {
			batch = append(batch, item)
			if len(batch) < l.opts.BatchSize {
				continue
			}
			select {
			case queue <- batch:
			case <-gctx.Done():
				return nil
			}
			batch = make([]store.Item, 0, l.opts.BatchSize)
		}
		if len(batch) > 0 {
			select {
			case queue <- batch:
			case <-gctx.Done():
			}
		}
		return nil
	})

	for i := 0; i < l.opts.Workers; i++ {
		g.Go(func() error {
			for batch := range queue {
				if gctx.Err() != nil {
					continue // drain without writing
				}
				if err := l.writeBatch(gctx, batch, acc); err != nil {
					return err
				}
			}
			return nil
		})
	}

	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}

	report := &Report{
		Total:    int64(total),
		Written:  acc.written.Load(),
		Failed:   acc.failed.Load(),
		Retries:  acc.retries.Load(),
		Batches:  acc.batches.Load(),
		Errors:   acc.errors,
		Duration: time.Since(start),
	}
	report.FailedIDs = acc.failedIDs
	sort.Strings(report.FailedIDs)
	if skipped := report.Total - report.Written - report.Failed; skipped > 0 {
		report.Skipped = skipped
	}

	log.Info("Load finished",
		zap.String("table", l.opts.Table),
		zap.Int64("written", report.Written),
		zap.Int64("failed", report.Failed),
		zap.Int64("skipped", report.Skipped),
		zap.Int64("retries", report.Retries),
		zap.Int64("batches", report.Batches),
		zap.Duration("duration", report.Duration.Round(time.Millisecond)),
	)
	return report, err
}

// writeBatch writes one batch. It only returns an error for fatal store errors.
func (l *Loader) writeBatch(ctx context.Context, batch []store.Item, acc *accumulator) error {
	if l.limiter != nil {
		if err := l.limiter.WaitN(ctx, len(batch)); err != nil {
			return nil // cancelled while throttled, batch stays unattempted
		}
	}
	acc.batches.Add(1)

	bw, ok := l.w.(store.BatchWriter)
	if ok && len(batch) > 1 {
		return l.putBatch(ctx, bw, batch, acc)
	}
	return l.putEach(ctx, batch, acc)
}

// putBatch sends the batch in one call. Unprocessed items and transient batch
// failures are retried with backoff; a permanent batch failure falls back to
// single puts so one bad item does not fail its neighbours.
func (l *Loader) putBatch(ctx context.Context, bw store.BatchWriter, batch []store.Item, acc *accumulator) error {
	log := logger.Get()
	pending := batch

	for attempt := 1; ; attempt++ {
		unprocessed, err := bw.PutItems(context.WithoutCancel(ctx), l.opts.Table, pending)
		switch {
		case err == nil:
			acc.written.Add(int64(len(pending) - len(unprocessed)))
			if len(unprocessed) == 0 {
				return nil
			}
			pending = unprocessed
			err = store.Classify(store.ErrTransient, fmt.Errorf("%d unprocessed items", len(unprocessed)))
		case errors.Is(err, store.ErrFatal):
			return err
		case !store.IsTransient(err):
			log.Debug("Batch rejected, writing items one by one",
				zap.Int("items", len(pending)), zap.Error(err))
			return l.putEach(ctx, pending, acc)
		}

		if attempt >= l.opts.MaxAttempts {
			for _, item := range pending {
				acc.fail(&PermanentWriteError{ItemID: item.ID, Attempts: attempt, Err: err})
			}
			return nil
		}
		acc.retries.Add(1)
		if !sleep(ctx, l.backoff.Delay(attempt)) {
			return nil // cancelled, pending items stay unattempted
		}
	}
}

// putEach writes items one at a time
func (l *Loader) putEach(ctx context.Context, items []store.Item, acc *accumulator) error {
	for _, item := range items {
		if ctx.Err() != nil {
			return nil
		}
		if err := l.putItem(ctx, item, acc); err != nil {
			return err
		}
	}
	return nil
}

// putItem writes a single item with retries. The store call itself is not
// cancelled; cancellation only prevents further attempts.
func (l *Loader) putItem(ctx context.Context, item store.Item, acc *accumulator) error {
	log := logger.Get()

	for attempt := 1; ; attempt++ {
		err := l.w.PutItem(context.WithoutCancel(ctx), l.opts.Table, item)
		switch {
		case err == nil:
			acc.written.Add(1)
			return nil
		case errors.Is(err, store.ErrFatal):
			return err
		case !store.IsTransient(err):
			acc.fail(&PermanentWriteError{ItemID: item.ID, Attempts: attempt, Err: err})
			log.Warn("Item write failed", zap.String("id", item.ID), zap.Error(err))
			return nil
		case attempt >= l.opts.MaxAttempts:
			acc.fail(&PermanentWriteError{ItemID: item.ID, Attempts: attempt, Err: err})
			log.Warn("Item write failed, retries exhausted",
				zap.String("id", item.ID), zap.Int("attempts", attempt), zap.Error(err))
			return nil
		}

		acc.retries.Add(1)
		if !sleep(ctx, l.backoff.Delay(attempt)) {
			return nil
		}
	}
}
