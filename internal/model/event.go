// Package model defines the wire types shared by the span pipeline.
package model

import (
	"encoding/json"
	"time"
)

// SpanType categorizes a span for downstream rendering and aggregation.
type SpanType string

const (
	SpanTypeTask     SpanType = "task"
	SpanTypeLLM      SpanType = "llm"
	SpanTypeTool     SpanType = "tool"
	SpanTypeFunction SpanType = "function"
	SpanTypeScore    SpanType = "score"
)

// SpanAttributes describe the span itself, as opposed to the data it logged.
type SpanAttributes struct {
	Name string   `json:"name"`
	Type SpanType `json:"type,omitempty"`
}

// PayloadRef points at an out-of-band upload holding an event's logged data.
// Present only on reference records produced by the overflow path.
type PayloadRef struct {
	UploadID  string `json:"upload_id"`
	SizeBytes int    `json:"size_bytes"`
}

// LogEvent is the flattened wire form of a closed span. Produced exactly once
// per span; append-only from the collector's point of view.
type LogEvent struct {
	ID         string `json:"id"`
	SpanID     string `json:"span_id"`
	RootSpanID string `json:"root_span_id"`
	ObjectType string `json:"object_type"`
	ObjectID   string `json:"object_id"`

	SpanParents    []string       `json:"span_parents,omitempty"`
	SpanAttributes SpanAttributes `json:"span_attributes"`

	Input    any            `json:"input,omitempty"`
	Output   any            `json:"output,omitempty"`
	Expected any            `json:"expected,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Metrics  map[string]any `json:"metrics,omitempty"`

	Created time.Time `json:"created"`

	// PayloadRef replaces the logged data when the event travelled the
	// overflow path.
	PayloadRef *PayloadRef `json:"payload_ref,omitempty"`
}

// SerializedSize returns the JSON-encoded size of the event in bytes.
// Used to decide batch boundaries and overflow eligibility.
func (e LogEvent) SerializedSize() (int, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return 0, err
	}
	return len(raw), nil
}

// Reference returns a copy of the event with the logged data stripped and
// replaced by a pointer to an out-of-band upload. Identity and span
// attributes survive so the collector can still place the record in its
// trace tree.
func (e LogEvent) Reference(uploadID string, sizeBytes int) LogEvent {
	ref := LogEvent{
		ID:             e.ID,
		SpanID:         e.SpanID,
		RootSpanID:     e.RootSpanID,
		ObjectType:     e.ObjectType,
		ObjectID:       e.ObjectID,
		SpanParents:    e.SpanParents,
		SpanAttributes: e.SpanAttributes,
		Created:        e.Created,
		PayloadRef:     &PayloadRef{UploadID: uploadID, SizeBytes: sizeBytes},
	}
	return ref
}
