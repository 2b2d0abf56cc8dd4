package outbox

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors used to classify delivery failures. Transport
// implementations wrap their errors with one of these markers; the manager
// maps the marker to the item's next status.
var (
	// ErrTransient marks retryable failures (network faults, 5xx responses).
	ErrTransient = errors.New("transient failure")
	// ErrValidation marks client-side failures (4xx responses). Retrying a
	// malformed request cannot succeed, so these are terminal per item.
	ErrValidation = errors.New("validation error")
	// ErrSessionExpired marks authentication failures (401/403). These lock
	// the whole queue rather than a single item.
	ErrSessionExpired = errors.New("session expired")
)

// FailureKind is the coarse classification of a delivery failure.
type FailureKind string

const (
	FailureTransient  FailureKind = "transient"
	FailureValidation FailureKind = "validation"
	FailureSession    FailureKind = "session"
)

// Classify maps a delivery error to its failure kind. Unrecognized errors are
// treated as transient so an unexpected fault never strands an item.
func Classify(err error) FailureKind {
	switch {
	case errors.Is(err, ErrSessionExpired):
		return FailureSession
	case errors.Is(err, ErrValidation):
		return FailureValidation
	default:
		return FailureTransient
	}
}

// Wrap builds an error that includes operation context while tagging it with
// the provided marker for later classification. The marker should be one of
// the exported sentinel errors above.
func Wrap(marker error, operation, message string, err error) error {
	detail := buildDetail(operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

func buildDetail(operation, message string) string {
	parts := make([]string, 0, 2)
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "delivery failure"
	}
	return strings.Join(parts, ": ")
}
