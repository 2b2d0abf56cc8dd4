package outbox

import (
	"context"
	"time"
)

// Store is the durable persistence contract consumed by the manager. Writes
// issued from Enqueue must be durable before Put returns; the manager owns
// every ordering and lifecycle invariant beyond that.
type Store interface {
	// Put inserts or overwrites an item by id.
	Put(ctx context.Context, item *Item) error
	// Get fetches an item by id, returning nil when absent.
	Get(ctx context.Context, id string) (*Item, error)
	// Delete removes an item by id, reporting whether a record existed.
	Delete(ctx context.Context, id string) (bool, error)
	// List returns all items ordered by (priority desc, created_at asc).
	List(ctx context.Context) ([]*Item, error)
	// ListByStatus returns items matching any of the given statuses.
	ListByStatus(ctx context.Context, statuses ...Status) ([]*Item, error)
	// ListByType returns items of a single type in creation order.
	ListByType(ctx context.Context, itemType Type) ([]*Item, error)
	// Stats returns a count of items grouped by status.
	Stats(ctx context.Context) (map[Status]int, error)
	Close() error
}

// Receipt is the transport's acknowledgment of a confirmed delivery.
type Receipt struct {
	// ConfirmationID is the backend's transaction identifier. Never empty:
	// transports synthesize an implicit id when a 2xx response omits one.
	ConfirmationID string
	// Implicit reports that the confirmation id was synthesized because the
	// backend violated the delivery protocol.
	Implicit bool
}

// Transport performs exactly one network attempt per call. Internal retries
// are forbidden; all retry policy lives in the manager. Implementations must
// enforce a bounded per-call timeout and classify failures by wrapping them
// with the sentinel errors in this package.
type Transport interface {
	Send(ctx context.Context, item *Item) (Receipt, error)
}

// Authenticator is the session oracle the manager consults before and during
// processing. Lost delivers asynchronous "authentication lost" reasons so the
// queue locks proactively instead of discovering the failure via a rejected
// call; a nil channel disables the signal.
type Authenticator interface {
	IsAuthenticated(ctx context.Context) bool
	Lost() <-chan string
}

// Checksummer computes the integrity digest frozen into an item at enqueue
// time. The digest covers the canonicalized payload, the device identity, and
// the capture timestamp, and is never recomputed afterwards.
type Checksummer interface {
	Digest(payload []byte, deviceID string, capturedAt time.Time) string
}
