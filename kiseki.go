// Package kiseki is the tracing core of the Ashita observability SDK for
// AI/LLM applications. It gives every unit of work a stable identity,
// carries that identity across process and tracing-system boundaries as a
// portable token, and ships the resulting records to a collector in the
// background.
//
//	tracer, err := kiseki.New(kiseki.WithProject("proj-123"))
//	if err != nil { ... }
//	tracer.Start(ctx)
//	defer tracer.Shutdown(context.Background())
//
//	ctx, span := tracer.StartSpan(ctx, "answer-question", kiseki.WithSpanType(kiseki.SpanTypeLLM))
//	span.Log(kiseki.Fields{Input: question})
//	... run the model ...
//	span.Log(kiseki.Fields{Output: answer, Metrics: map[string]any{"tokens": 1042}})
//	span.End()
//
// Errors inside the pipeline never reach the host application's control
// flow; they are reported through the diagnostic logger. The one exception
// is Flush, the intentional synchronization point.
package kiseki

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/ashita-ai/kiseki/internal/api"
	"github.com/ashita-ai/kiseki/internal/config"
	"github.com/ashita-ai/kiseki/internal/identity"
	"github.com/ashita-ai/kiseki/internal/model"
	"github.com/ashita-ai/kiseki/internal/queue"
)

// ObjectType identifies the destination collection a span belongs to.
type ObjectType = identity.ObjectType

const (
	ObjectProjectLogs    = identity.ObjectProjectLogs
	ObjectExperiment     = identity.ObjectExperiment
	ObjectPlaygroundLogs = identity.ObjectPlaygroundLogs
)

// SpanType categorizes a span for downstream rendering.
type SpanType = model.SpanType

const (
	SpanTypeTask     = model.SpanTypeTask
	SpanTypeLLM      = model.SpanTypeLLM
	SpanTypeTool     = model.SpanTypeTool
	SpanTypeFunction = model.SpanTypeFunction
	SpanTypeScore    = model.SpanTypeScore
)

// LogEvent is the flattened wire form of a closed span.
type LogEvent = model.LogEvent

// Tracer is the SDK entry point: it mints spans and owns the background
// delivery queue. Construct with New(), start the pipeline with Start(),
// and stop it with Shutdown(). All methods are safe for concurrent use.
type Tracer struct {
	cfg    config.Config
	client *api.Client
	queue  *queue.Queue
	logger *slog.Logger

	objectType ObjectType
	objectID   string

	started atomic.Bool
}

// New initialises a Tracer. Configuration comes from the environment
// (loading .env if present), then option overrides. It does NOT start any
// goroutines until Start is called.
func New(opts ...Option) (*Tracer, error) {
	o := resolvedOptions{maxRetries: -1}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.apiURL != "" {
		cfg.APIURL = o.apiURL
	}
	if o.apiKey != "" {
		cfg.APIKey = o.apiKey
	}
	if o.bufferSize > 0 {
		cfg.BufferSize = o.bufferSize
	}
	if o.flushInterval > 0 {
		cfg.FlushInterval = o.flushInterval
	}
	if o.batchSize > 0 {
		cfg.BatchSize = o.batchSize
	}
	if o.maxRetries >= 0 {
		cfg.MaxRetries = o.maxRetries
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	objectType := o.objectType
	objectID := o.objectID
	if objectType == "" {
		objectType = ObjectProjectLogs
		objectID = cfg.ProjectID
	}

	client, err := api.NewClient(api.Config{
		BaseURL:    cfg.APIURL,
		APIKey:     cfg.APIKey,
		HTTPClient: o.httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("api client: %w", err)
	}

	return &Tracer{
		cfg:        cfg,
		client:     client,
		queue:      queue.New(client, logger, cfg),
		logger:     logger,
		objectType: objectType,
		objectID:   objectID,
	}, nil
}

// Start launches the background delivery loop. Spans may be started before
// Start; their events simply wait in the buffer. Calling Start twice is a
// no-op.
func (t *Tracer) Start(ctx context.Context) {
	if !t.started.CompareAndSwap(false, true) {
		return
	}
	t.queue.Start(ctx)
	t.logger.Info("kiseki started",
		"object_type", string(t.objectType),
		"object_id", t.objectID,
		"api_url", t.cfg.APIURL,
	)
}

// StartSpan creates an Open span and binds it as the current span in the
// returned context. The span's parent set is the union of the ambient
// current span in ctx (if any) and any explicit WithParent options; with
// neither, the span becomes a new trace root.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, *Span) {
	var o spanOptions
	for _, fn := range opts {
		fn(&o)
	}

	start := o.startTime
	if start.IsZero() {
		start = time.Now().UTC()
	}

	// Collect parents: ambient first, then explicit.
	var lineage []identity.Identity
	if ambient := SpanFromContext(ctx); !ambient.IsNoop() {
		ambient.mu.Lock()
		lineage = append(lineage, ambient.id)
		ambient.mu.Unlock()
	}
	for _, p := range o.parents {
		lineage = append(lineage, p.id)
	}

	spanID := uuid.NewString()
	id := identity.Identity{
		ObjectType:      t.objectType,
		ObjectID:        t.objectID,
		RowID:           uuid.NewString(),
		SpanID:          spanID,
		RootSpanID:      spanID,
		PropagatedEvent: o.propagatedEvent,
	}

	parents := make([]string, 0, len(lineage))
	seen := make(map[string]struct{}, len(lineage))
	for i, pid := range lineage {
		if _, dup := seen[pid.SpanID]; dup {
			continue
		}
		seen[pid.SpanID] = struct{}{}
		parents = append(parents, pid.SpanID)

		// The first parent decides which trace tree and destination the
		// new span belongs to.
		if i == 0 {
			id.ObjectType = pid.ObjectType
			id.ObjectID = pid.ObjectID
			if pid.RootSpanID != "" {
				id.RootSpanID = pid.RootSpanID
			} else {
				id.RootSpanID = pid.SpanID
			}
			if id.PropagatedEvent == nil {
				id.PropagatedEvent = pid.PropagatedEvent
			}
		}
	}

	span := &Span{
		tracer:   t,
		id:       id,
		name:     name,
		spanType: o.spanType,
		parents:  parents,
		start:    start,
	}
	return ContextWithSpan(ctx, span), span
}

// Traced runs fn inside a new span and guarantees the span is closed on
// every exit path: normal return, error, panic, and host cancellation. The
// error (or panic, or ctx.Err) is recorded in the span's error field before
// End, so cancelled operations never leak an open record.
func (t *Tracer) Traced(ctx context.Context, name string, fn func(context.Context) error, opts ...SpanOption) error {
	ctx, span := t.StartSpan(ctx, name, opts...)
	defer func() {
		if r := recover(); r != nil {
			span.SetError(fmt.Errorf("panic: %v", r))
			span.End()
			panic(r)
		}
	}()

	err := fn(ctx)
	switch {
	case err != nil:
		span.SetError(err)
	case ctx.Err() != nil:
		span.SetError(ctx.Err())
	}
	span.End()
	return err
}

// Flush drains the delivery buffer and blocks until every buffered event
// has been accepted or permanently failed. This is the one call that
// surfaces DeliveryError to the host.
func (t *Tracer) Flush(ctx context.Context) error {
	return t.queue.Flush(ctx)
}

// Shutdown stops the background loop and performs a final flush bounded by
// ctx. Events that could not be delivered before the deadline are reported
// through the diagnostic logger and the drop counter.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if !t.started.Load() {
		// Never started: flush whatever was buffered directly.
		return t.queue.Flush(ctx)
	}
	t.queue.Stop(ctx)
	if n := t.queue.DroppedEvents(); n > 0 {
		t.logger.Warn("kiseki stopped with dropped events", "dropped_total", n)
	}
	t.logger.Info("kiseki stopped", "delivered_total", t.queue.DeliveredEvents())
	return nil
}

// Drain synchronously returns and clears all buffered events without
// network delivery. Test hook for deterministic pipeline inspection.
func (t *Tracer) Drain() []model.LogEvent {
	return t.queue.Drain()
}

// DroppedEvents returns the total number of events lost to backpressure or
// retry exhaustion. A non-zero value indicates degraded telemetry, never a
// host-visible failure.
func (t *Tracer) DroppedEvents() int64 {
	return t.queue.DroppedEvents()
}
