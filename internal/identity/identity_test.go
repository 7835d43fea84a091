package identity

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		id   Identity
	}{
		{
			name: "fully rooted",
			id: Identity{
				ObjectType: ObjectProjectLogs,
				ObjectID:   "proj-123",
				RowID:      "row-1",
				SpanID:     "span-1",
				RootSpanID: "root-1",
			},
		},
		{
			name: "unrooted",
			id: Identity{
				ObjectType: ObjectExperiment,
				ObjectID:   "exp-9",
				SpanID:     "span-7",
			},
		},
		{
			name: "with propagated event",
			id: Identity{
				ObjectType:      ObjectPlaygroundLogs,
				ObjectID:        "pg-4",
				RowID:           "row-2",
				SpanID:          "span-2",
				RootSpanID:      "root-2",
				PropagatedEvent: json.RawMessage(`{"tags":["prod"],"n":3}`),
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			token, err := tc.id.Encode()
			require.NoError(t, err)
			require.NotEmpty(t, token)

			got, err := Decode(token)
			require.NoError(t, err)
			assert.Equal(t, tc.id, got)
		})
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	id := Identity{
		ObjectType:      ObjectProjectLogs,
		ObjectID:        "proj-123",
		RowID:           "row-1",
		SpanID:          "span-1",
		RootSpanID:      "root-1",
		PropagatedEvent: json.RawMessage(`{"a":1,"b":2}`),
	}

	first, err := id.Encode()
	require.NoError(t, err)
	for range 10 {
		again, err := id.Encode()
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"not base64url", "!!!not-base64!!!"},
		{"not json", "bm90LWpzb24"},
		{"missing version", "e30"}, // "{}"
		{"missing span id", mustEncodeRaw(t, map[string]any{"version": 1, "object_type": "project_logs", "object_id": "p"})},
		{"row without root", mustEncodeRaw(t, map[string]any{"version": 1, "object_type": "project_logs", "object_id": "p", "span_id": "s", "row_id": "r"})},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.token)
			var decErr *DecodeError
			require.ErrorAs(t, err, &decErr)

			var verErr *UnsupportedVersionError
			assert.False(t, errors.As(err, &verErr), "malformed token must not report version skew")
		})
	}
}

func TestDecodeUnsupportedVersion(t *testing.T) {
	token := mustEncodeRaw(t, map[string]any{
		"version":     99,
		"object_type": "project_logs",
		"object_id":   "p",
		"span_id":     "s",
	})

	_, err := Decode(token)
	var verErr *UnsupportedVersionError
	require.ErrorAs(t, err, &verErr)
	assert.Equal(t, 99, verErr.Version)
}

func TestWithSpanIDPreservesLineage(t *testing.T) {
	id := Identity{
		ObjectType:      ObjectProjectLogs,
		ObjectID:        "proj-123",
		RowID:           "row-1",
		SpanID:          "span-1",
		RootSpanID:      "root-1",
		PropagatedEvent: json.RawMessage(`{"k":"v"}`),
	}

	child := id.WithSpanID("span-2")
	assert.Equal(t, "span-2", child.SpanID)
	assert.Equal(t, id.ObjectType, child.ObjectType)
	assert.Equal(t, id.ObjectID, child.ObjectID)
	assert.Equal(t, id.RowID, child.RowID)
	assert.Equal(t, id.RootSpanID, child.RootSpanID)
	assert.Equal(t, id.PropagatedEvent, child.PropagatedEvent)

	// Original is untouched.
	assert.Equal(t, "span-1", id.SpanID)
}

func TestValidateRejectsUnknownObjectType(t *testing.T) {
	id := Identity{ObjectType: "bogus", ObjectID: "o", SpanID: "s"}
	assert.Error(t, id.Validate())
}

// mustEncodeRaw builds a token from an arbitrary JSON object, bypassing
// Encode's validation, to exercise Decode against hostile input.
func mustEncodeRaw(t *testing.T, obj map[string]any) string {
	t.Helper()
	raw, err := json.Marshal(obj)
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(raw)
}
