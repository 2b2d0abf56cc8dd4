package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"fieldsync/internal/events"
	"fieldsync/internal/logging"
)

// Reasons a Process pass ends without touching the queue.
const (
	ReasonBusy            = "busy"
	ReasonLocked          = "locked"
	ReasonOffline         = "offline"
	ReasonUnauthenticated = "unauthenticated"
	ReasonCancelled       = "cancelled"
)

// Result summarizes one Process pass. Process never returns an error: callers
// always receive counts, plus a Reason when the pass ended early.
type Result struct {
	Processed int
	Failed    int
	Errored   int
	Reason    string
}

// Options configures a Manager. Store, Transport, Auth, and Checksum are
// required; the rest default sensibly.
type Options struct {
	Store     Store
	Transport Transport
	Auth      Authenticator
	Checksum  Checksummer
	Bus       *events.Bus
	Logger    *slog.Logger
	DeviceID  string
	Backoff   BackoffPolicy

	// Online reports device connectivity. Nil means always online; the
	// daemon may wire a real probe.
	Online func(ctx context.Context) bool
}

// EnqueueOptions carries optional per-item settings.
type EnqueueOptions struct {
	// Priority orders items; higher values are serviced first within the
	// FIFO band.
	Priority int
	// CapturedAt overrides the capture timestamp (defaults to now). It is
	// part of the frozen checksum, so producers replaying old captures must
	// supply the original time.
	CapturedAt time.Time
}

// Manager owns the queue lifecycle: enqueue, serialized delivery, atomic
// confirm/dequeue, backoff, session containment, and dead-lettering.
// Construct exactly one Manager per queue database and share it by reference.
type Manager struct {
	store     Store
	transport Transport
	auth      Authenticator
	checksum  Checksummer
	bus       *events.Bus
	logger    *slog.Logger
	deviceID  string
	backoff   BackoffPolicy
	online    func(ctx context.Context) bool

	processing atomic.Bool

	mu         sync.Mutex
	mirror     []*Item
	locked     bool
	lockReason string
}

// NewManager constructs a manager and rebuilds its in-memory mirror from the
// store. Items left in syncing by a crash revert to pending; surviving locked
// items re-arm the session lock so no delivery happens before Unlock.
func NewManager(ctx context.Context, opts Options) (*Manager, error) {
	if opts.Store == nil || opts.Transport == nil || opts.Auth == nil || opts.Checksum == nil {
		return nil, errors.New("outbox manager requires store, transport, auth, and checksum")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.NewBus(logger)
	}

	m := &Manager{
		store:     opts.Store,
		transport: opts.Transport,
		auth:      opts.Auth,
		checksum:  opts.Checksum,
		bus:       bus,
		logger:    logging.NewComponentLogger(logger, "outbox"),
		deviceID:  strings.TrimSpace(opts.DeviceID),
		backoff:   opts.Backoff.normalized(),
		online:    opts.Online,
	}

	items, err := m.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("load queue items: %w", err)
	}
	for _, item := range items {
		switch item.Status {
		case StatusSyncing:
			// Interrupted mid-flight; the attempt outcome is unknown, so
			// the item goes back to the head of its band.
			item.Status = StatusPending
			if err := m.store.Put(ctx, item); err != nil {
				return nil, fmt.Errorf("reset interrupted item %s: %w", item.ID, err)
			}
		case StatusLocked:
			m.locked = true
			if m.lockReason == "" {
				m.lockReason = item.LockReason
			}
		}
		m.mirror = append(m.mirror, item)
	}
	if m.locked && m.lockReason == "" {
		m.lockReason = LockReasonSessionExpired
	}
	m.sortMirrorLocked()
	return m, nil
}

// Subscribe registers a lifecycle event handler and returns an unsubscribe
// function.
func (m *Manager) Subscribe(handler events.Handler) func() {
	return m.bus.Subscribe(handler)
}

// Enqueue captures a new work record. The checksum is computed once here and
// the record is durably persisted before Enqueue returns: the caller is
// guaranteed the item survives a crash immediately after this call.
func (m *Manager) Enqueue(ctx context.Context, itemType Type, payload []byte, opts EnqueueOptions) (*Item, error) {
	if len(payload) == 0 {
		return nil, errors.New("payload is required")
	}
	if strings.TrimSpace(string(itemType)) == "" {
		return nil, errors.New("item type is required")
	}

	capturedAt := opts.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = time.Now().UTC()
	} else {
		capturedAt = capturedAt.UTC()
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate item id: %w", err)
	}

	// Copy the payload so later caller mutations cannot reach the stored
	// record or invalidate the frozen checksum.
	owned := make([]byte, len(payload))
	copy(owned, payload)

	item := &Item{
		ID:        id.String(),
		Type:      itemType,
		Payload:   owned,
		Priority:  opts.Priority,
		CreatedAt: capturedAt,
		UpdatedAt: capturedAt,
		Status:    StatusPending,
		Checksum:  m.checksum.Digest(owned, m.deviceID, capturedAt),
	}

	if err := m.store.Put(ctx, item); err != nil {
		return nil, fmt.Errorf("persist item: %w", err)
	}

	m.mu.Lock()
	m.mirror = append(m.mirror, item)
	m.sortMirrorLocked()
	m.mu.Unlock()

	m.publishItem(events.KindEnqueued, item, "")
	return item.Clone(), nil
}

// PeekNext returns a copy of the earliest eligible pending item, or nil when
// the queue is locked, empty, or its head is backing off. It does not mutate
// state.
func (m *Manager) PeekNext() *Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peekLocked(time.Now().UTC()).Clone()
}

func (m *Manager) peekLocked(now time.Time) *Item {
	if m.locked {
		return nil
	}
	for _, item := range m.mirror {
		switch item.Status {
		case StatusPending, StatusFailed:
			if item.Eligible(now) {
				return item
			}
			// The head of the line is backing off. Items behind it stay
			// queued; skipping ahead would reorder deliveries.
			return nil
		}
	}
	return nil
}

// Process drains eligible items one at a time, in (priority desc, createdAt
// asc) order. A concurrent call while a pass is in flight observes a no-op. A
// transiently failing head-of-line item ends the pass after its backoff sleep
// so later same-band items are never delivered out of order; validation
// failures park the item and processing continues.
func (m *Manager) Process(ctx context.Context) Result {
	if !m.processing.CompareAndSwap(false, true) {
		return Result{Reason: ReasonBusy}
	}
	defer m.processing.Store(false)

	if m.isLocked() {
		return Result{Reason: ReasonLocked}
	}
	if m.online != nil && !m.online(ctx) {
		return Result{Reason: ReasonOffline}
	}
	if !m.auth.IsAuthenticated(ctx) {
		m.Lock(ctx, LockReasonSessionExpired)
		return Result{Reason: ReasonLocked}
	}

	m.bus.Publish(events.Event{Kind: events.KindProcessingStart})
	var res Result
	defer func() {
		m.bus.Publish(events.Event{
			Kind:      events.KindProcessingComplete,
			Processed: res.Processed,
			Failed:    res.Failed,
			Errored:   res.Errored,
			Reason:    res.Reason,
		})
	}()

	for {
		if ctx.Err() != nil {
			res.Reason = ReasonCancelled
			return res
		}

		item := m.claimNext(ctx)
		if item == nil {
			return res
		}
		m.publishItem(events.KindSyncing, item, "")

		// Time has passed since the pass-level check; re-verify per item.
		if !m.auth.IsAuthenticated(ctx) {
			m.Lock(ctx, LockReasonSessionExpired)
			res.Reason = ReasonLocked
			return res
		}

		receipt, err := m.transport.Send(ctx, item)
		if err == nil {
			m.recordSuccess(ctx, item, receipt, &res)
			continue
		}

		switch Classify(err) {
		case FailureSession:
			m.logger.Warn("session rejected during delivery; locking queue",
				logging.String(logging.FieldItemID, item.ID),
				logging.Error(err),
			)
			m.Lock(ctx, LockReasonSessionExpired)
			res.Reason = ReasonLocked
			return res

		case FailureValidation:
			m.recordValidationFailure(ctx, item, err)
			res.Errored++
			// Validation errors never block the queue; move on.
			continue

		default:
			done := m.recordTransientFailure(ctx, item, err, &res)
			if done {
				return res
			}
		}
	}
}

// claimNext marks the head-of-line eligible item as syncing, both in the
// mirror and the store. Returns nil when nothing is eligible or the syncing
// write fails (the item is reverted and the pass ends quietly).
func (m *Manager) claimNext(ctx context.Context) *Item {
	now := time.Now().UTC()

	m.mu.Lock()
	item := m.peekLocked(now)
	if item == nil {
		m.mu.Unlock()
		return nil
	}
	item.Status = StatusSyncing
	item.LastAttemptAt = &now
	item.NextEligibleAt = nil
	item.UpdatedAt = now
	m.mu.Unlock()

	if err := m.store.Put(ctx, item); err != nil {
		m.logger.Error("failed to persist syncing transition",
			logging.String(logging.FieldItemID, item.ID),
			logging.Error(err),
		)
		m.mu.Lock()
		item.Status = StatusPending
		m.mu.Unlock()
		return nil
	}
	return item
}

func (m *Manager) recordSuccess(ctx context.Context, item *Item, receipt Receipt, res *Result) {
	confirmationID := strings.TrimSpace(receipt.ConfirmationID)
	if confirmationID == "" {
		// Transports synthesize implicit ids; this guard keeps the deletion
		// invariant intact if one misbehaves.
		confirmationID = "implicit-" + uuid.NewString()
		m.logger.Warn("transport returned empty confirmation id; synthesizing",
			logging.String(logging.FieldItemID, item.ID),
		)
	} else if receipt.Implicit {
		m.logger.Warn("backend omitted confirmation id; treating as implicit success",
			logging.String(logging.FieldItemID, item.ID),
		)
	}

	if err := m.Dequeue(ctx, item.ID, confirmationID); err != nil {
		// The backend accepted the item but local removal failed. Leave the
		// record for the next pass; Dequeue is idempotent.
		m.logger.Error("confirmed item could not be dequeued",
			logging.String(logging.FieldItemID, item.ID),
			logging.Error(err),
		)
		m.mu.Lock()
		item.Status = StatusPending
		m.mu.Unlock()
		return
	}
	res.Processed++
}

func (m *Manager) recordValidationFailure(ctx context.Context, item *Item, cause error) {
	now := time.Now().UTC()
	m.mu.Lock()
	item.Status = StatusError
	item.LastError = cause.Error()
	item.NextEligibleAt = nil
	item.UpdatedAt = now
	m.mu.Unlock()

	if err := m.store.Put(ctx, item); err != nil {
		m.logger.Error("failed to persist error transition",
			logging.String(logging.FieldItemID, item.ID),
			logging.Error(err),
		)
	}
	m.publishItem(events.KindError, item, cause.Error())
	m.logger.Warn("item rejected by backend; parked for review",
		logging.String(logging.FieldItemID, item.ID),
		logging.String("item_type", string(item.Type)),
		logging.Error(cause),
	)
}

// recordTransientFailure applies backoff or dead-letters the item. It returns
// true when the pass must stop (item failed with backoff; ordering forbids
// skipping ahead of it).
func (m *Manager) recordTransientFailure(ctx context.Context, item *Item, cause error, res *Result) bool {
	now := time.Now().UTC()
	delay := m.backoff.Delay(item.RetryCount)

	m.mu.Lock()
	item.RetryCount++
	item.LastError = cause.Error()
	item.UpdatedAt = now
	dead := item.RetryCount >= m.backoff.MaxRetries
	if dead {
		item.Status = StatusDead
		item.NextEligibleAt = nil
	} else {
		item.Status = StatusFailed
		eligible := now.Add(m.backoff.Jittered(delay))
		item.NextEligibleAt = &eligible
	}
	m.mu.Unlock()

	if err := m.store.Put(ctx, item); err != nil {
		m.logger.Error("failed to persist failure transition",
			logging.String(logging.FieldItemID, item.ID),
			logging.Error(err),
		)
	}
	res.Failed++

	if dead {
		m.publishItem(events.KindDead, item, cause.Error())
		m.logger.Error("item exhausted retries; dead-lettered",
			logging.String(logging.FieldItemID, item.ID),
			logging.Int("retry_count", item.RetryCount),
			logging.Error(cause),
		)
		// A dead item no longer holds its band; later items may proceed.
		return false
	}

	m.publishItem(events.KindFailed, item, cause.Error())
	m.logger.Warn("transient delivery failure; backing off",
		logging.String(logging.FieldItemID, item.ID),
		logging.Int("retry_count", item.RetryCount),
		logging.Duration("delay", delay),
		logging.Error(cause),
	)
	m.sleep(ctx, delay)
	return true
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// Dequeue is the atomic confirm step. It requires a non-empty confirmation
// id, records it, deletes the item from the store, and removes it from the
// mirror. Dequeuing an already-absent id is a no-op, so repeated confirms
// have the same observable effect as one.
func (m *Manager) Dequeue(ctx context.Context, itemID, confirmationID string) error {
	if strings.TrimSpace(confirmationID) == "" {
		return errors.New("confirmation id is required for dequeue")
	}

	existing, err := m.store.Get(ctx, itemID)
	if err != nil {
		return fmt.Errorf("load item for dequeue: %w", err)
	}
	if existing == nil {
		m.removeFromMirror(itemID)
		return nil
	}

	// Record the confirmation before deleting so a crash between the two
	// writes leaves evidence rather than an unexplained retry.
	existing.ConfirmationID = confirmationID
	existing.UpdatedAt = time.Now().UTC()
	if err := m.store.Put(ctx, existing); err != nil {
		return fmt.Errorf("record confirmation: %w", err)
	}
	if _, err := m.store.Delete(ctx, itemID); err != nil {
		return fmt.Errorf("delete confirmed item: %w", err)
	}

	m.removeFromMirror(itemID)
	m.bus.Publish(events.Event{
		Kind:     events.KindDequeued,
		ItemID:   itemID,
		ItemType: string(existing.Type),
		Reason:   confirmationID,
	})
	return nil
}

func (m *Manager) removeFromMirror(itemID string) {
	m.mu.Lock()
	for i, item := range m.mirror {
		if item.ID == itemID {
			m.mirror = append(m.mirror[:i], m.mirror[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
}

// Lock contains the session: the queue refuses new work, and any item caught
// syncing is forced to locked. Safe to call repeatedly.
func (m *Manager) Lock(ctx context.Context, reason string) {
	if strings.TrimSpace(reason) == "" {
		reason = LockReasonSessionExpired
	}

	m.mu.Lock()
	already := m.locked
	m.locked = true
	m.lockReason = reason
	now := time.Now().UTC()
	var forced []*Item
	for _, item := range m.mirror {
		if item.Status == StatusSyncing {
			item.Status = StatusLocked
			item.LockReason = reason
			item.UpdatedAt = now
			forced = append(forced, item)
		}
	}
	m.mu.Unlock()

	for _, item := range forced {
		if err := m.store.Put(ctx, item); err != nil {
			m.logger.Error("failed to persist locked transition",
				logging.String(logging.FieldItemID, item.ID),
				logging.Error(err),
			)
		}
	}

	if !already {
		m.bus.Publish(events.Event{Kind: events.KindLocked, Reason: reason})
		m.logger.Warn("queue locked", logging.String("reason", reason))
	}
}

// Unlock re-verifies authentication. On success every locked item returns to
// pending and the lock clears; on failure nothing changes and the queue
// remains locked.
func (m *Manager) Unlock(ctx context.Context) error {
	m.mu.Lock()
	if !m.locked {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if !m.auth.IsAuthenticated(ctx) {
		return Wrap(ErrSessionExpired, "unlock", "authentication still invalid", nil)
	}

	now := time.Now().UTC()
	m.mu.Lock()
	var restored []*Item
	for _, item := range m.mirror {
		if item.Status == StatusLocked {
			item.Status = StatusPending
			item.LockReason = ""
			item.UpdatedAt = now
			restored = append(restored, item)
		}
	}
	m.locked = false
	m.lockReason = ""
	m.mu.Unlock()

	for _, item := range restored {
		if err := m.store.Put(ctx, item); err != nil {
			return fmt.Errorf("restore locked item %s: %w", item.ID, err)
		}
	}

	m.bus.Publish(events.Event{Kind: events.KindUnlocked})
	m.logger.Info("queue unlocked", logging.Int("restored", len(restored)))
	return nil
}

// RetryFailed resets failed and dead items to pending with a fresh retry
// budget, returning the number of items reset. Dead letters re-enter the
// queue only through this call.
func (m *Manager) RetryFailed(ctx context.Context) (int, error) {
	return m.resetStatuses(ctx, StatusFailed, StatusDead)
}

// ResetErrored returns validation-rejected items to pending after an operator
// has fixed the underlying payload problem.
func (m *Manager) ResetErrored(ctx context.Context) (int, error) {
	return m.resetStatuses(ctx, StatusError)
}

func (m *Manager) resetStatuses(ctx context.Context, statuses ...Status) (int, error) {
	match := make(map[Status]struct{}, len(statuses))
	for _, s := range statuses {
		match[s] = struct{}{}
	}

	now := time.Now().UTC()
	m.mu.Lock()
	var reset []*Item
	for _, item := range m.mirror {
		if _, ok := match[item.Status]; !ok {
			continue
		}
		item.Status = StatusPending
		item.RetryCount = 0
		item.NextEligibleAt = nil
		item.LastError = ""
		item.UpdatedAt = now
		reset = append(reset, item)
	}
	m.mu.Unlock()

	for _, item := range reset {
		if err := m.store.Put(ctx, item); err != nil {
			return 0, fmt.Errorf("reset item %s: %w", item.ID, err)
		}
	}
	return len(reset), nil
}

// ErrorQueue returns validation-rejected items awaiting operator resolution.
func (m *Manager) ErrorQueue(ctx context.Context) ([]*Item, error) {
	return m.store.ListByStatus(ctx, StatusError)
}

// DeadLetterQueue returns items that exhausted their retry budget.
func (m *Manager) DeadLetterQueue(ctx context.Context) ([]*Item, error) {
	return m.store.ListByStatus(ctx, StatusDead)
}

// Health is a read-only snapshot of queue state.
type Health struct {
	Total         int
	ByStatus      map[Status]int
	Locked        bool
	LockReason    string
	Online        bool
	Authenticated bool
}

// GetHealth aggregates counts by status plus lock, connectivity, and auth
// state.
func (m *Manager) GetHealth(ctx context.Context) (Health, error) {
	stats, err := m.store.Stats(ctx)
	if err != nil {
		return Health{}, fmt.Errorf("queue stats: %w", err)
	}
	health := Health{ByStatus: stats, Online: true}
	for _, count := range stats {
		health.Total += count
	}
	m.mu.Lock()
	health.Locked = m.locked
	health.LockReason = m.lockReason
	m.mu.Unlock()
	if m.online != nil {
		health.Online = m.online(ctx)
	}
	health.Authenticated = m.auth.IsAuthenticated(ctx)
	return health, nil
}

// WatchAuth subscribes to the authenticator's lost-signal and locks the queue
// the instant authentication becomes invalid, without waiting for a rejected
// call. Returns when ctx is cancelled or the signal channel closes.
func (m *Manager) WatchAuth(ctx context.Context) {
	ch := m.auth.Lost()
	if ch == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case reason, ok := <-ch:
			if !ok {
				return
			}
			m.Lock(ctx, reason)
		}
	}
}

func (m *Manager) isLocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked
}

func (m *Manager) sortMirrorLocked() {
	sort.SliceStable(m.mirror, func(i, j int) bool {
		a, b := m.mirror[i], m.mirror[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func (m *Manager) publishItem(kind events.Kind, item *Item, errText string) {
	m.bus.Publish(events.Event{
		Kind:     kind,
		ItemID:   item.ID,
		ItemType: string(item.Type),
		Status:   string(item.Status),
		Priority: item.Priority,
		Err:      errText,
	})
}
