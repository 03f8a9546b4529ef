// Package dispatcher runs work items through a handler fixed at
// construction and records one outcome per entity.
//
// With the default concurrency of 1, Enqueue returns only after the item has
// been fully processed, including every retry inside the handler. Producers
// that call Enqueue in their fetch loop therefore never run ahead of the
// remote API, and items are handled in strict FIFO order.
//
// A concurrency of K > 1 runs up to K items at once. Enqueue then blocks
// only until a worker is free; ordering between items is no longer
// guaranteed and Wait must be called before reading the logs.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sternrassler/cs-bulk-publish/pkg/logging"
	"github.com/Sternrassler/cs-bulk-publish/pkg/outcome"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
)

// Prometheus metrics for dispatched work.
var (
	itemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bulk_dispatch_items_total",
		Help: "Work items processed by dispatcher and status",
	}, []string{"dispatcher", "status"})

	entitiesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bulk_dispatch_entities_total",
		Help: "Entities processed by dispatcher and status",
	}, []string{"dispatcher", "status"})

	itemDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bulk_dispatch_item_duration_seconds",
		Help:    "Time to process one work item, retries included",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"dispatcher"})

	inflight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bulk_dispatch_inflight",
		Help: "Work items currently being processed",
	}, []string{"dispatcher"})
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("dispatcher closed")

// Item is a unit of work that can fan its result out into per-entity records.
type Item interface {
	Records(batch uint64, err error) []outcome.Record
}

// Handler performs the remote call for one item.
type Handler[T Item] func(ctx context.Context, item T) error

// Recorder persists outcome records. outcome.Session implements it.
type Recorder interface {
	Record(rec outcome.Record) error
}

// Reporter names the log to surface when a run ends. outcome.Session implements it.
type Reporter interface {
	Report() (outcome.Report, bool)
}

// Config holds the dispatcher configuration.
type Config struct {
	// Name labels metrics and logs, usually the operation name.
	Name string

	// Concurrency is the number of items processed at once (default 1).
	Concurrency int
}

// DefaultConfig returns a serial configuration.
func DefaultConfig(name string) Config {
	return Config{
		Name:        name,
		Concurrency: 1,
	}
}

// Stats counts processed items and entities.
type Stats struct {
	Items          int
	FailedItems    int
	Entities       int
	FailedEntities int
}

// Dispatcher routes items to its handler and records the outcomes.
type Dispatcher[T Item] struct {
	handler  Handler[T]
	recorder Recorder
	config   Config
	logger   zerolog.Logger

	seq atomic.Uint64

	mu        sync.Mutex
	workers   *pool.Pool
	stats     Stats
	recordErr error
	closed    bool
}

// New creates a dispatcher. handler and recorder are required.
func New[T Item](handler Handler[T], recorder Recorder, cfg Config) (*Dispatcher[T], error) {
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if recorder == nil {
		return nil, fmt.Errorf("recorder is required")
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}

	return &Dispatcher[T]{
		handler:  handler,
		recorder: recorder,
		config:   cfg,
		logger: logging.NewLogger("dispatcher").With().
			Str("dispatcher", cfg.Name).
			Logger(),
	}, nil
}

// Enqueue processes item. Handler failures are recorded, not returned; the
// returned error is reserved for failures that must end the run (record
// I/O, cancellation, use after Close).
func (d *Dispatcher[T]) Enqueue(ctx context.Context, item T) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	if d.recordErr != nil {
		err := d.recordErr
		d.mu.Unlock()
		return err
	}
	d.mu.Unlock()

	if d.config.Concurrency == 1 {
		return d.process(ctx, item)
	}

	d.pool().Go(func() {
		if err := d.process(ctx, item); err != nil {
			d.mu.Lock()
			if d.recordErr == nil {
				d.recordErr = err
			}
			d.mu.Unlock()
		}
	})
	return nil
}

func (d *Dispatcher[T]) pool() *pool.Pool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.workers == nil {
		d.workers = pool.New().WithMaxGoroutines(d.config.Concurrency)
	}
	return d.workers
}

// Wait blocks until every enqueued item is processed and returns the first
// record failure, if any. It must not be called concurrently with Enqueue.
func (d *Dispatcher[T]) Wait() error {
	d.mu.Lock()
	workers := d.workers
	d.workers = nil
	d.mu.Unlock()

	if workers != nil {
		workers.Wait()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.recordErr
}

// Close waits for outstanding items and rejects further Enqueue calls.
func (d *Dispatcher[T]) Close() error {
	err := d.Wait()
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return err
}

// process runs one item to its terminal outcome.
func (d *Dispatcher[T]) process(ctx context.Context, item T) error {
	batch := d.seq.Add(1)
	start := time.Now()

	inflight.WithLabelValues(d.config.Name).Inc()
	err := d.handle(ctx, item)
	inflight.WithLabelValues(d.config.Name).Dec()
	itemDuration.WithLabelValues(d.config.Name).Observe(time.Since(start).Seconds())

	records := item.Records(batch, err)
	for _, rec := range records {
		if rerr := d.recorder.Record(rec); rerr != nil {
			return fmt.Errorf("record outcome for %s: %w", rec.UID, rerr)
		}
	}

	status := string(outcome.StatusSuccess)
	if err != nil {
		status = string(outcome.StatusError)
	}
	itemsTotal.WithLabelValues(d.config.Name, status).Inc()
	entitiesTotal.WithLabelValues(d.config.Name, status).Add(float64(len(records)))

	d.mu.Lock()
	d.stats.Items++
	d.stats.Entities += len(records)
	if err != nil {
		d.stats.FailedItems++
		d.stats.FailedEntities += len(records)
	}
	d.mu.Unlock()

	if err != nil {
		d.logger.Error().
			Err(err).
			Uint64("batch", batch).
			Int("entities", len(records)).
			Msg("Work item failed")
	} else {
		d.logger.Debug().
			Uint64("batch", batch).
			Int("entities", len(records)).
			Dur("duration", time.Since(start)).
			Msg("Work item done")
	}
	return nil
}

// handle calls the handler, validating the item first when it knows how and
// turning panics into item failures.
func (d *Dispatcher[T]) handle(ctx context.Context, item T) (err error) {
	if v, ok := any(item).(interface{ Validate() error }); ok {
		if verr := v.Validate(); verr != nil {
			return fmt.Errorf("invalid work item: %w", verr)
		}
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return d.handler(ctx, item)
}

// Stats returns the counts so far.
func (d *Dispatcher[T]) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Report returns the log the operator should look at: the error log when
// anything failed, otherwise the success log.
func (d *Dispatcher[T]) Report() (outcome.Report, bool) {
	if r, ok := d.recorder.(Reporter); ok {
		return r.Report()
	}
	return outcome.Report{}, false
}
