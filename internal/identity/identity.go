// Package identity defines the portable span identity and its token codec.
//
// A token is the only thing that crosses process or transport boundaries:
// it is a version-tagged, base64url-encoded JSON document that round-trips
// back to an equal Identity. Foreign systems treat it as an opaque string.
package identity

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Version is the current token format version. Decode accepts any version
// up to and including this one.
const Version = 1

// ObjectType identifies the destination collection a span belongs to.
type ObjectType string

const (
	ObjectProjectLogs    ObjectType = "project_logs"
	ObjectExperiment     ObjectType = "experiment"
	ObjectPlaygroundLogs ObjectType = "playground_logs"
)

// Valid reports whether t is one of the known object types.
func (t ObjectType) Valid() bool {
	switch t {
	case ObjectProjectLogs, ObjectExperiment, ObjectPlaygroundLogs:
		return true
	}
	return false
}

// Identity is the portable identity of a single span.
//
// RowID and RootSpanID are either both set or both empty: a span is either
// rooted in a storable row or it is not. RootSpanID is shared by every span
// in one trace tree; SpanID is unique within the tree.
type Identity struct {
	ObjectType      ObjectType      `json:"object_type"`
	ObjectID        string          `json:"object_id"`
	RowID           string          `json:"row_id,omitempty"`
	SpanID          string          `json:"span_id"`
	RootSpanID      string          `json:"root_span_id,omitempty"`
	PropagatedEvent json.RawMessage `json:"propagated_event,omitempty"`
}

// DecodeError indicates a malformed token: not base64url, not JSON, or
// missing required fields. Distinct from UnsupportedVersionError so callers
// can report corruption and version skew differently.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("identity: decode token: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("identity: decode token: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// UnsupportedVersionError indicates a structurally valid token whose format
// version this implementation does not understand.
type UnsupportedVersionError struct {
	Version int
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("identity: token version %d not supported (max %d)", e.Version, Version)
}

// wireToken is the serialized form. Field order is fixed by struct order,
// which keeps Encode deterministic for identical identities.
type wireToken struct {
	Version int `json:"version"`
	Identity
}

// Validate checks the structural invariants of the identity.
func (id Identity) Validate() error {
	if !id.ObjectType.Valid() {
		return fmt.Errorf("identity: unknown object type %q", id.ObjectType)
	}
	if id.ObjectID == "" {
		return fmt.Errorf("identity: object id is required")
	}
	if id.SpanID == "" {
		return fmt.Errorf("identity: span id is required")
	}
	if (id.RowID == "") != (id.RootSpanID == "") {
		return fmt.Errorf("identity: row_id and root_span_id must be set together")
	}
	return nil
}

// Encode serializes the identity into a portable token. Encoding is
// deterministic: the same identity always yields the same token, so tokens
// can key idempotent retries.
func (id Identity) Encode() (string, error) {
	if err := id.Validate(); err != nil {
		return "", err
	}
	raw, err := json.Marshal(wireToken{Version: Version, Identity: id})
	if err != nil {
		return "", fmt.Errorf("identity: encode token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Decode reverses Encode. It tolerates absent optional fields, returns
// *DecodeError for malformed input and *UnsupportedVersionError when the
// embedded version is newer than this implementation supports.
func Decode(token string) (Identity, error) {
	if token == "" {
		return Identity{}, &DecodeError{Reason: "empty token"}
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Identity{}, &DecodeError{Reason: "invalid base64url", Err: err}
	}

	// Read the version first so an unknown future layout still reports
	// UnsupportedVersion rather than a generic parse failure.
	var header struct {
		Version *int `json:"version"`
	}
	if err := json.Unmarshal(raw, &header); err != nil {
		return Identity{}, &DecodeError{Reason: "invalid JSON", Err: err}
	}
	if header.Version == nil {
		return Identity{}, &DecodeError{Reason: "missing version field"}
	}
	if *header.Version > Version || *header.Version < 1 {
		return Identity{}, &UnsupportedVersionError{Version: *header.Version}
	}

	var wt wireToken
	if err := json.Unmarshal(raw, &wt); err != nil {
		return Identity{}, &DecodeError{Reason: "invalid token body", Err: err}
	}
	if err := wt.Identity.Validate(); err != nil {
		return Identity{}, &DecodeError{Reason: "invalid identity", Err: err}
	}
	return wt.Identity, nil
}

// WithSpanID returns a copy of the identity with SpanID replaced and every
// other field preserved. This is how a token minted in one process becomes a
// usable parent reference for a span started in another.
func (id Identity) WithSpanID(spanID string) Identity {
	out := id
	out.SpanID = spanID
	return out
}

// IsRooted reports whether the identity references a storable row.
func (id Identity) IsRooted() bool { return id.RowID != "" }
