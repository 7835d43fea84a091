// Package queue buffers closed spans and ships them to the collector in the
// background with batching, retry, and an overflow path for oversized events.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kiseki/internal/api"
	"github.com/ashita-ai/kiseki/internal/config"
	"github.com/ashita-ai/kiseki/internal/model"
)

// Collector is the subset of the collector API the queue needs.
// *api.Client satisfies it.
type Collector interface {
	InsertEvents(ctx context.Context, events []model.LogEvent) (*api.InsertResponse, error)
	NegotiateUpload(ctx context.Context, contentLength int) (*api.UploadTarget, error)
	Upload(ctx context.Context, target *api.UploadTarget, payload []byte) error
}

// DeliveryError reports that one or more batches failed permanently during a
// flush. The failed events have been dropped and counted; the queue keeps
// accepting and delivering later events.
type DeliveryError struct {
	Failed int // events dropped by this flush
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("queue: %d events failed delivery: %v", e.Failed, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Queue accumulates log events in memory and flushes them to the collector
// when either the batch size or the flush interval is reached.
//
// Backpressure discipline: when the buffer is full, Enqueue drops the oldest
// buffered event and increments a visible drop counter. Enqueue never blocks
// and never performs network I/O.
type Queue struct {
	client Collector
	logger *slog.Logger
	cfg    config.Config

	mu     sync.Mutex
	events []model.LogEvent

	droppedEvents   atomic.Int64 // dropped by backpressure or retry exhaustion
	deliveredEvents atomic.Int64

	started    atomic.Bool
	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCtx   context.Context // set by Stop so the final flush respects the caller's deadline
}

// New creates a queue that delivers through client. The logger is the
// diagnostic side channel; delivery problems are reported there, never to
// the host application's control flow.
func New(client Collector, logger *slog.Logger, cfg config.Config) *Queue {
	return &Queue{
		client:  client,
		logger:  logger,
		cfg:     cfg,
		flushCh: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Start begins the background flush loop and registers OTEL metrics.
// Calling Start twice is a no-op. Call Stop to shut down.
func (q *Queue) Start(ctx context.Context) {
	if !q.started.CompareAndSwap(false, true) {
		q.logger.Warn("queue: Start called twice, ignoring")
		return
	}
	q.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	q.cancelLoop = cancel
	go q.flushLoop(loopCtx)
}

// Enqueue appends one event to the buffer. O(1), never blocks on the
// network. When the buffer is at capacity the oldest event is dropped and
// the drop counter incremented.
func (q *Queue) Enqueue(ev model.LogEvent) {
	q.mu.Lock()
	if len(q.events) >= q.cfg.BufferSize {
		overflow := len(q.events) - q.cfg.BufferSize + 1
		q.events = append(q.events[:0], q.events[overflow:]...)
		q.droppedEvents.Add(int64(overflow))
		q.logger.Warn("queue: buffer full, dropped oldest events",
			"dropped", overflow,
			"dropped_total", q.droppedEvents.Load(),
		)
	}
	q.events = append(q.events, ev)
	ready := len(q.events) >= q.cfg.BatchSize
	q.mu.Unlock()

	if ready {
		select {
		case q.flushCh <- struct{}{}:
		default:
		}
	}
}

func (q *Queue) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush using the drain context provided by Stop().
			// ctx itself is already done; the drain context carries the
			// caller's deadline.
			finalCtx := q.drainCtx
			if finalCtx == nil {
				var cancel context.CancelFunc
				finalCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
			}
			if err := q.Flush(finalCtx); err != nil {
				q.logger.Error("queue: final flush incomplete", "error", err)
			}
			close(q.done)
			return
		case <-ticker.C:
			if err := q.Flush(ctx); err != nil {
				q.logger.Error("queue: background flush failed", "error", err)
			}
		case <-q.flushCh:
			if err := q.Flush(ctx); err != nil {
				q.logger.Error("queue: background flush failed", "error", err)
			}
		}
	}
}

// Flush drains the buffer and delivers every drained event, blocking until
// each has been accepted or has permanently failed. Permanent failures are
// dropped, counted, and reported through the returned *DeliveryError; the
// queue stays usable either way. Safe for concurrent use.
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.Lock()
	if len(q.events) == 0 {
		q.mu.Unlock()
		return nil
	}
	snapshot := q.events
	q.events = nil
	q.mu.Unlock()

	batches, oversized := q.partition(snapshot)

	start := time.Now()
	var (
		failedMu sync.Mutex
		failed   int
		firstErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(q.cfg.FlushWorkers)
	for _, batch := range batches {
		g.Go(func() error {
			if err := q.deliverBatch(gctx, batch); err != nil {
				failedMu.Lock()
				failed += len(batch)
				if firstErr == nil {
					firstErr = err
				}
				failedMu.Unlock()
			}
			return nil
		})
	}
	for _, ev := range oversized {
		g.Go(func() error {
			if err := q.deliverOverflow(gctx, ev); err != nil {
				failedMu.Lock()
				failed++
				if firstErr == nil {
					firstErr = err
				}
				failedMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if failed > 0 {
		q.droppedEvents.Add(int64(failed))
		q.logger.Error("queue: flush dropped events after retry exhaustion",
			"dropped", failed,
			"dropped_total", q.droppedEvents.Load(),
			"error", firstErr,
		)
		return &DeliveryError{Failed: failed, Err: firstErr}
	}

	q.logger.Info("queue: flush complete",
		"events", len(snapshot),
		"batches", len(batches),
		"overflow", len(oversized),
		"flush_duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// partition splits a snapshot into batches bounded by both event count and
// serialized byte size. Events individually larger than the per-event limit
// are separated out for the overflow path.
func (q *Queue) partition(events []model.LogEvent) (batches [][]model.LogEvent, oversized []model.LogEvent) {
	var (
		current      []model.LogEvent
		currentBytes int
	)
	for _, ev := range events {
		size, err := ev.SerializedSize()
		if err != nil {
			// An unmarshalable event can never be delivered; count it dropped.
			q.droppedEvents.Add(1)
			q.logger.Error("queue: dropping unserializable event", "span_id", ev.SpanID, "error", err)
			continue
		}
		if size > q.cfg.EventMaxBytes {
			oversized = append(oversized, ev)
			continue
		}
		if len(current) > 0 && (len(current) >= q.cfg.BatchSize || currentBytes+size > q.cfg.BatchMaxBytes) {
			batches = append(batches, current)
			current, currentBytes = nil, 0
		}
		current = append(current, ev)
		currentBytes += size
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches, oversized
}

// deliverBatch posts one batch with retry. A 413 from the collector splits
// the batch; a single event that still gets 413 takes the overflow path, so
// no event is ever dropped for being too large.
func (q *Queue) deliverBatch(ctx context.Context, batch []model.LogEvent) error {
	err := api.WithRetry(ctx, q.cfg.MaxRetries, q.cfg.RetryBaseDelay, func() error {
		_, err := q.client.InsertEvents(ctx, batch)
		return err
	})
	if err == nil {
		q.deliveredEvents.Add(int64(len(batch)))
		return nil
	}
	if api.IsPayloadTooLarge(err) {
		if len(batch) == 1 {
			return q.deliverOverflow(ctx, batch[0])
		}
		mid := len(batch) / 2
		if firstErr := q.deliverBatch(ctx, batch[:mid]); firstErr != nil {
			// Deliver the second half regardless so one bad event cannot
			// take down its batch siblings.
			_ = q.deliverBatch(ctx, batch[mid:])
			return firstErr
		}
		return q.deliverBatch(ctx, batch[mid:])
	}
	return err
}

// deliverOverflow ships one oversized event out of band: negotiate a
// one-time upload target, PUT the payload there, then insert a small
// reference record through the primary endpoint.
func (q *Queue) deliverOverflow(ctx context.Context, ev model.LogEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("queue: marshal overflow event: %w", err)
	}

	var target *api.UploadTarget
	err = api.WithRetry(ctx, q.cfg.MaxRetries, q.cfg.RetryBaseDelay, func() error {
		var negErr error
		target, negErr = q.client.NegotiateUpload(ctx, len(payload))
		return negErr
	})
	if err != nil {
		return fmt.Errorf("queue: negotiate overflow upload: %w", err)
	}

	if err := api.WithRetry(ctx, q.cfg.MaxRetries, q.cfg.RetryBaseDelay, func() error {
		return q.client.Upload(ctx, target, payload)
	}); err != nil {
		return err
	}

	ref := ev.Reference(target.UploadID, len(payload))
	if err := api.WithRetry(ctx, q.cfg.MaxRetries, q.cfg.RetryBaseDelay, func() error {
		_, insErr := q.client.InsertEvents(ctx, []model.LogEvent{ref})
		return insErr
	}); err != nil {
		return fmt.Errorf("queue: insert overflow reference: %w", err)
	}

	q.deliveredEvents.Add(1)
	return nil
}

// Drain synchronously returns and clears all buffered events without any
// network delivery. Test hook: it makes the pipeline deterministically
// inspectable.
func (q *Queue) Drain() []model.LogEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.events
	q.events = nil
	return out
}

// Stop signals the background flush loop to exit, waits for its final flush,
// and returns. The ctx deadline bounds both the wait and the final flush.
func (q *Queue) Stop(ctx context.Context) {
	q.drainCtx = ctx
	if q.cancelLoop != nil {
		q.cancelLoop()
	}
	select {
	case <-q.done:
	case <-ctx.Done():
		q.logger.Warn("queue: stop timed out waiting for flush loop")
	}
}

// registerMetrics registers observable OTEL gauges for queue health.
// Called from Start() after the global meter provider has been initialized.
func (q *Queue) registerMetrics() {
	meter := otel.Meter("kiseki/queue")

	_, _ = meter.Int64ObservableGauge("kiseki.queue.depth",
		metric.WithDescription("Current number of events in the delivery buffer"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(q.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("kiseki.queue.dropped_total",
		metric.WithDescription("Total events dropped by backpressure or retry exhaustion"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(q.DroppedEvents())
			return nil
		}),
	)
}

// Len returns the current number of buffered events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// DroppedEvents returns the total number of events dropped by backpressure
// or retry exhaustion. A non-zero value indicates data loss.
func (q *Queue) DroppedEvents() int64 {
	return q.droppedEvents.Load()
}

// DeliveredEvents returns the total number of events the collector accepted.
func (q *Queue) DeliveredEvents() int64 {
	return q.deliveredEvents.Load()
}
