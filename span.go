package kiseki

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ashita-ai/kiseki/internal/identity"
	"github.com/ashita-ai/kiseki/internal/model"
)

// Fields is the data a span accumulates over its lifetime. Log may be called
// any number of times while the span is open; see Span.Log for the merge
// rules per category.
type Fields struct {
	Input    any
	Output   any
	Expected any
	Error    string
	Metadata map[string]any
	Metrics  map[string]any

	// Extra carries forward-compatible custom fields that have no dedicated
	// category. Keys land top-level in the logged event's metadata under
	// "extra".
	Extra map[string]any
}

// Span is a single named, timed unit of work. All methods are safe for
// concurrent use. A span is Open from StartSpan until End; after End it is
// immutable and owned by the delivery pipeline.
//
// The zero value is not useful; obtain spans from Tracer.StartSpan or
// SpanFromContext.
type Span struct {
	tracer *Tracer // nil on the no-op span

	mu       sync.Mutex
	id       identity.Identity
	name     string
	spanType model.SpanType
	parents  []string
	fields   Fields
	start    time.Time
	end      time.Time
	closed   bool
}

// noopSpan is returned by SpanFromContext when no span is bound. Every
// operation on it is valid and discarded, so callers never nil-check.
var noopSpan = &Span{}

// IsNoop reports whether the span discards everything logged to it.
func (s *Span) IsNoop() bool { return s.tracer == nil }

// Name returns the span's name.
func (s *Span) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// SpanID returns the span's unique ID within its trace, or "" for the
// no-op span.
func (s *Span) SpanID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id.SpanID
}

// RootSpanID returns the ID shared by every span in this trace tree.
func (s *Span) RootSpanID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id.RootSpanID
}

// Log shallow-merges fields into the span. Merge rules per category:
// Input, Output, Expected, and Error replace wholesale when set; Metadata,
// Metrics, and Extra merge per key with last-write-wins. Logging on a
// closed span is ignored with a diagnostic warning; tracing never alters
// host behavior.
func (s *Span) Log(f Fields) {
	if s.IsNoop() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.warnClosed("Log")
		return
	}

	if f.Input != nil {
		s.fields.Input = f.Input
	}
	if f.Output != nil {
		s.fields.Output = f.Output
	}
	if f.Expected != nil {
		s.fields.Expected = f.Expected
	}
	if f.Error != "" {
		s.fields.Error = f.Error
	}
	s.fields.Metadata = mergeMap(s.fields.Metadata, f.Metadata)
	s.fields.Metrics = mergeMap(s.fields.Metrics, f.Metrics)
	s.fields.Extra = mergeMap(s.fields.Extra, f.Extra)
}

// SetError records err in the span's error field. A nil err is ignored.
func (s *Span) SetError(err error) {
	if err == nil {
		return
	}
	s.Log(Fields{Error: err.Error()})
}

// End transitions the span to Closed and hands exactly one flattened event
// to the delivery queue. The first call sets the end time; every later call
// is a no-op.
func (s *Span) End() {
	if s.IsNoop() {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.end.IsZero() {
		s.end = time.Now().UTC()
	}
	event := s.flattenLocked()
	s.mu.Unlock()

	s.tracer.queue.Enqueue(event)
}

// Export encodes the span's identity into a portable token for
// cross-boundary propagation. The no-op span exports an empty token.
func (s *Span) Export() (string, error) {
	if s.IsNoop() {
		return "", nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id.Encode()
}

// flattenLocked builds the wire event. Caller holds s.mu.
func (s *Span) flattenLocked() model.LogEvent {
	metrics := map[string]any{
		"start": float64(s.start.UnixNano()) / 1e9,
		"end":   float64(s.end.UnixNano()) / 1e9,
	}
	for k, v := range s.fields.Metrics {
		metrics[k] = v
	}

	metadata := s.fields.Metadata
	if len(s.fields.Extra) > 0 {
		metadata = mergeMap(make(map[string]any, len(metadata)+1), metadata)
		metadata["extra"] = s.fields.Extra
	}

	return model.LogEvent{
		ID:          s.id.RowID,
		SpanID:      s.id.SpanID,
		RootSpanID:  s.id.RootSpanID,
		ObjectType:  string(s.id.ObjectType),
		ObjectID:    s.id.ObjectID,
		SpanParents: s.parents,
		SpanAttributes: model.SpanAttributes{
			Name: s.name,
			Type: s.spanType,
		},
		Input:    s.fields.Input,
		Output:   s.fields.Output,
		Expected: s.fields.Expected,
		Error:    s.fields.Error,
		Metadata: metadata,
		Metrics:  metrics,
		Created:  s.start,
	}
}

func (s *Span) warnClosed(op string) {
	s.tracer.logger.Warn("kiseki: operation on closed span ignored",
		"error", &StateError{Op: op, SpanID: s.id.SpanID},
	)
}

func mergeMap(dst, src map[string]any) map[string]any {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// Parent is a reference to a span, possibly minted in another process, that
// a new span can attach to. Obtain one from ParentFromToken or
// otelbridge.Extract.
type Parent struct {
	id identity.Identity
}

// ParentFromToken decodes a portable token into a parent reference.
// Returns *DecodeError for malformed tokens and *UnsupportedVersionError
// for tokens from an unknown format version.
func ParentFromToken(token string) (Parent, error) {
	id, err := identity.Decode(token)
	if err != nil {
		return Parent{}, err
	}
	return Parent{id: id}, nil
}

// SpanID returns the referenced span's ID.
func (p Parent) SpanID() string { return p.id.SpanID }

// RootSpanID returns the root span ID of the referenced span's trace.
func (p Parent) RootSpanID() string { return p.id.RootSpanID }

// valid reports whether the parent references anything.
func (p Parent) valid() bool { return p.id.SpanID != "" }

// PropagatedEvent returns the opaque payload riding inside the parent's
// token, or nil.
func (p Parent) PropagatedEvent() json.RawMessage { return p.id.PropagatedEvent }

func (p Parent) String() string {
	if !p.valid() {
		return "Parent()"
	}
	return fmt.Sprintf("Parent(span_id=%s root_span_id=%s)", p.id.SpanID, p.id.RootSpanID)
}
