package outbox

import (
	"encoding/json"
	"strings"
	"time"
)

// Status represents the lifecycle of a queue item. A successfully delivered
// item has no stored status: confirmation removes the record entirely.
type Status string

const (
	StatusPending Status = "pending"
	StatusSyncing Status = "syncing"
	StatusFailed  Status = "failed"
	StatusLocked  Status = "locked"
	StatusError   Status = "error"
	StatusDead    Status = "dead"
)

var allStatuses = []Status{
	StatusPending,
	StatusSyncing,
	StatusFailed,
	StatusLocked,
	StatusError,
	StatusDead,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

// Type routes an item to its transport handler. The engine is type-agnostic;
// callers may introduce additional types beyond the built-in set.
type Type string

const (
	TypeUnitEntry   Type = "unit_entry"
	TypePhotoUpload Type = "photo_upload"
	TypeGeneric     Type = "generic_operation"
)

// LockReasonSessionExpired is the lock reason recorded when authentication is lost.
const LockReasonSessionExpired = "session expired"

// Item is a queue record persisted by a Store.
type Item struct {
	ID             string
	Type           Type
	Payload        json.RawMessage
	Priority       int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Status         Status
	RetryCount     int
	LastAttemptAt  *time.Time
	NextEligibleAt *time.Time
	LastError      string
	LockReason     string
	Checksum       string
	ConfirmationID string
}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// IsTerminal reports whether a status requires explicit operator action to leave.
func (s Status) IsTerminal() bool {
	return s == StatusError || s == StatusDead
}

// Eligible reports whether the item may be attempted at the given time.
// Pending items are eligible once any backoff expiry has elapsed; failed
// items return to the pending band the moment their expiry passes.
func (i *Item) Eligible(now time.Time) bool {
	switch i.Status {
	case StatusPending, StatusFailed:
		if i.NextEligibleAt == nil {
			return i.Status == StatusPending
		}
		return !now.Before(*i.NextEligibleAt)
	default:
		return false
	}
}

// Clone returns a deep copy of the item. Payload bytes are copied so callers
// cannot mutate engine-owned state through the returned value.
func (i *Item) Clone() *Item {
	if i == nil {
		return nil
	}
	cp := *i
	if i.Payload != nil {
		cp.Payload = make(json.RawMessage, len(i.Payload))
		copy(cp.Payload, i.Payload)
	}
	if i.LastAttemptAt != nil {
		t := *i.LastAttemptAt
		cp.LastAttemptAt = &t
	}
	if i.NextEligibleAt != nil {
		t := *i.NextEligibleAt
		cp.NextEligibleAt = &t
	}
	return &cp
}
