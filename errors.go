package kiseki

import (
	"errors"
	"fmt"

	"github.com/ashita-ai/kiseki/internal/api"
	"github.com/ashita-ai/kiseki/internal/identity"
	"github.com/ashita-ai/kiseki/internal/queue"
)

// Error types from the internal packages, re-exported so callers can match
// them with errors.As without importing internals.
type (
	// DecodeError indicates a malformed span token.
	DecodeError = identity.DecodeError

	// UnsupportedVersionError indicates a structurally valid token whose
	// format version this build does not understand.
	UnsupportedVersionError = identity.UnsupportedVersionError

	// DeliveryError reports events dropped after retry exhaustion. Only
	// Flush and Shutdown ever return it.
	DeliveryError = queue.DeliveryError

	// OverflowUploadError indicates a failed out-of-band upload of an
	// oversized event payload.
	OverflowUploadError = api.OverflowUploadError
)

// StateError records an operation attempted on a closed span. It is never
// returned to callers: it appears only on the diagnostic log side channel,
// because tracing must not alter host control flow.
type StateError struct {
	Op     string
	SpanID string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("kiseki: %s on closed span %s", e.Op, e.SpanID)
}

// IsDeliveryError reports whether err is a DeliveryError.
func IsDeliveryError(err error) bool {
	var e *DeliveryError
	return errors.As(err, &e)
}

// IsDecodeError reports whether err is a malformed-token error.
func IsDecodeError(err error) bool {
	var e *DecodeError
	return errors.As(err, &e)
}

// IsUnsupportedVersion reports whether err is a token version mismatch.
func IsUnsupportedVersion(err error) bool {
	var e *UnsupportedVersionError
	return errors.As(err, &e)
}
