package outbox_test

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"fieldsync/internal/events"
	"fieldsync/internal/logging"
	"fieldsync/internal/outbox"
)

// memStore is an in-memory Store that snapshots items on write, mimicking the
// durability boundary of the real backends.
type memStore struct {
	mu    sync.Mutex
	items map[string]*outbox.Item
}

func newMemStore() *memStore {
	return &memStore{items: make(map[string]*outbox.Item)}
}

func (s *memStore) Put(ctx context.Context, item *outbox.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.ID] = item.Clone()
	return nil
}

func (s *memStore) Get(ctx context.Context, id string) (*outbox.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items[id].Clone(), nil
}

func (s *memStore) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[id]
	delete(s.items, id)
	return ok, nil
}

func (s *memStore) List(ctx context.Context) ([]*outbox.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var items []*outbox.Item
	for _, item := range s.items {
		items = append(items, item.Clone())
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority > items[j].Priority
		}
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

func (s *memStore) ListByStatus(ctx context.Context, statuses ...outbox.Status) ([]*outbox.Item, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	wanted := make(map[outbox.Status]bool)
	for _, status := range statuses {
		wanted[status] = true
	}
	var items []*outbox.Item
	for _, item := range all {
		if wanted[item.Status] {
			items = append(items, item)
		}
	}
	return items, nil
}

func (s *memStore) ListByType(ctx context.Context, itemType outbox.Type) ([]*outbox.Item, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var items []*outbox.Item
	for _, item := range all {
		if item.Type == itemType {
			items = append(items, item)
		}
	}
	return items, nil
}

func (s *memStore) Stats(ctx context.Context) (map[outbox.Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := make(map[outbox.Status]int)
	for _, item := range s.items {
		stats[item.Status]++
	}
	return stats, nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) snapshot(t *testing.T, id string) *outbox.Item {
	t.Helper()
	item, _ := s.Get(context.Background(), id)
	return item
}

// fakeTransport records every attempt and delegates the outcome to a
// per-test function.
type fakeTransport struct {
	mu       sync.Mutex
	attempts []string
	send     func(item *outbox.Item) (outbox.Receipt, error)
}

func (f *fakeTransport) Send(ctx context.Context, item *outbox.Item) (outbox.Receipt, error) {
	f.mu.Lock()
	f.attempts = append(f.attempts, item.ID)
	f.mu.Unlock()
	if f.send == nil {
		return outbox.Receipt{ConfirmationID: "conf-" + item.ID}, nil
	}
	return f.send(item)
}

func (f *fakeTransport) attemptIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.attempts...)
}

type fakeAuth struct {
	mu     sync.Mutex
	authed bool
	lost   chan string
}

func newFakeAuth(authed bool) *fakeAuth {
	return &fakeAuth{authed: authed, lost: make(chan string, 1)}
}

func (f *fakeAuth) IsAuthenticated(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authed
}

func (f *fakeAuth) setAuthed(v bool) {
	f.mu.Lock()
	f.authed = v
	f.mu.Unlock()
}

func (f *fakeAuth) Lost() <-chan string { return f.lost }

type fakeChecksum struct{}

func (fakeChecksum) Digest(payload []byte, deviceID string, capturedAt time.Time) string {
	return "sum:" + string(payload) + "|" + deviceID + "|" + capturedAt.Format(time.RFC3339Nano)
}

type fixture struct {
	store     *memStore
	transport *fakeTransport
	auth      *fakeAuth
	manager   *outbox.Manager
}

func newFixture(t *testing.T, mutate func(*outbox.Options)) *fixture {
	t.Helper()
	f := &fixture{
		store:     newMemStore(),
		transport: &fakeTransport{},
		auth:      newFakeAuth(true),
	}
	opts := outbox.Options{
		Store:     f.store,
		Transport: f.transport,
		Auth:      f.auth,
		Checksum:  fakeChecksum{},
		Logger:    logging.NewNop(),
		DeviceID:  "device-test",
		Backoff: outbox.BackoffPolicy{
			Base:       2 * time.Millisecond,
			Multiplier: 2,
			Cap:        20 * time.Millisecond,
			MaxRetries: 5,
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	manager, err := outbox.NewManager(context.Background(), opts)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	f.manager = manager
	return f
}

func (f *fixture) enqueue(t *testing.T, payload string, opts outbox.EnqueueOptions) *outbox.Item {
	t.Helper()
	item, err := f.manager.Enqueue(context.Background(), outbox.TypeUnitEntry, []byte(payload), opts)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return item
}

func waitEligible() { time.Sleep(30 * time.Millisecond) }

func TestEnqueuePersistsBeforeReturn(t *testing.T) {
	f := newFixture(t, nil)

	item := f.enqueue(t, `{"qty":1}`, outbox.EnqueueOptions{})

	stored := f.store.snapshot(t, item.ID)
	if stored == nil {
		t.Fatal("item not in store after Enqueue returned")
	}
	if stored.Status != outbox.StatusPending {
		t.Fatalf("status: got %s", stored.Status)
	}
	if stored.Checksum == "" {
		t.Fatal("checksum missing")
	}
}

func TestEnqueueRejectsEmptyPayload(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.manager.Enqueue(context.Background(), outbox.TypeUnitEntry, nil, outbox.EnqueueOptions{}); err == nil {
		t.Fatal("expected error for empty payload")
	}
}

func TestChecksumFrozenAtEnqueue(t *testing.T) {
	f := newFixture(t, nil)

	payload := []byte(`{"qty":1}`)
	item, err := f.manager.Enqueue(context.Background(), outbox.TypeUnitEntry, payload, outbox.EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Mutating the caller's buffer must not reach the stored record.
	payload[2] = 'x'

	stored := f.store.snapshot(t, item.ID)
	if !strings.Contains(stored.Checksum, `{"qty":1}`) {
		t.Fatalf("checksum not frozen over original payload: %q", stored.Checksum)
	}
	if string(stored.Payload) != `{"qty":1}` {
		t.Fatalf("stored payload mutated: %s", stored.Payload)
	}
}

func TestProcessDeliversInPriorityThenFIFOOrder(t *testing.T) {
	f := newFixture(t, nil)
	base := time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)

	first := f.enqueue(t, `{"n":1}`, outbox.EnqueueOptions{CapturedAt: base})
	second := f.enqueue(t, `{"n":2}`, outbox.EnqueueOptions{CapturedAt: base.Add(time.Second)})
	urgent := f.enqueue(t, `{"n":3}`, outbox.EnqueueOptions{Priority: 5, CapturedAt: base.Add(2 * time.Second)})

	res := f.manager.Process(context.Background())
	if res.Processed != 3 || res.Failed != 0 || res.Errored != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}

	want := []string{urgent.ID, first.ID, second.ID}
	got := f.transport.attemptIDs()
	if len(got) != len(want) {
		t.Fatalf("attempts: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("attempt order: got %v, want %v", got, want)
		}
	}

	stats, _ := f.store.Stats(context.Background())
	if len(stats) != 0 {
		t.Fatalf("expected empty store after confirmations, got %v", stats)
	}
}

func TestDequeueIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	item := f.enqueue(t, `{"n":1}`, outbox.EnqueueOptions{})

	if err := f.manager.Dequeue(ctx, item.ID, ""); err == nil {
		t.Fatal("dequeue without confirmation id must fail")
	}

	if err := f.manager.Dequeue(ctx, item.ID, "conf-1"); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if f.store.snapshot(t, item.ID) != nil {
		t.Fatal("item still in store after dequeue")
	}

	// Confirming again observes the same final state with no error.
	if err := f.manager.Dequeue(ctx, item.ID, "conf-1"); err != nil {
		t.Fatalf("repeat Dequeue: %v", err)
	}
}

func TestTransientFailureBlocksLaterItemsUntilRecovery(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	base := time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)

	var failFirst sync.Once
	f.transport.send = func(item *outbox.Item) (outbox.Receipt, error) {
		var err error
		failFirst.Do(func() {
			err = outbox.Wrap(outbox.ErrTransient, "send item", "connection reset", nil)
		})
		if err != nil {
			return outbox.Receipt{}, err
		}
		return outbox.Receipt{ConfirmationID: "conf-" + item.ID}, nil
	}

	a := f.enqueue(t, `{"n":"a"}`, outbox.EnqueueOptions{CapturedAt: base})
	b := f.enqueue(t, `{"n":"b"}`, outbox.EnqueueOptions{CapturedAt: base.Add(time.Second)})
	c := f.enqueue(t, `{"n":"c"}`, outbox.EnqueueOptions{CapturedAt: base.Add(2 * time.Second)})

	res := f.manager.Process(ctx)
	if res.Failed != 1 || res.Processed != 0 {
		t.Fatalf("first pass: %+v", res)
	}
	if got := f.transport.attemptIDs(); len(got) != 1 || got[0] != a.ID {
		t.Fatalf("later items attempted while head failed: %v", got)
	}

	stored := f.store.snapshot(t, a.ID)
	if stored.Status != outbox.StatusFailed || stored.RetryCount != 1 {
		t.Fatalf("failed item state: %+v", stored)
	}
	if stored.NextEligibleAt == nil {
		t.Fatal("failed item missing backoff expiry")
	}

	waitEligible()
	res = f.manager.Process(ctx)
	if res.Processed != 3 {
		t.Fatalf("recovery pass: %+v", res)
	}
	want := []string{a.ID, a.ID, b.ID, c.ID}
	got := f.transport.attemptIDs()
	if len(got) != len(want) {
		t.Fatalf("attempts: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("attempt order: got %v, want %v", got, want)
		}
	}
}

func TestValidationFailureParksItemAndContinues(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	base := time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)

	var bad *outbox.Item
	f.transport.send = func(item *outbox.Item) (outbox.Receipt, error) {
		if bad != nil && item.ID == bad.ID {
			return outbox.Receipt{}, outbox.Wrap(outbox.ErrValidation, "send item", "unit not found", nil)
		}
		return outbox.Receipt{ConfirmationID: "conf-" + item.ID}, nil
	}

	bad = f.enqueue(t, `{"n":"bad"}`, outbox.EnqueueOptions{CapturedAt: base})
	good := f.enqueue(t, `{"n":"good"}`, outbox.EnqueueOptions{CapturedAt: base.Add(time.Second)})

	res := f.manager.Process(ctx)
	if res.Errored != 1 || res.Processed != 1 || res.Failed != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := f.transport.attemptIDs(); len(got) != 2 || got[1] != good.ID {
		t.Fatalf("good item not delivered after parked head: %v", got)
	}

	parked, err := f.manager.ErrorQueue(ctx)
	if err != nil {
		t.Fatalf("ErrorQueue: %v", err)
	}
	if len(parked) != 1 || parked[0].ID != bad.ID || parked[0].Status != outbox.StatusError {
		t.Fatalf("unexpected error queue: %+v", parked)
	}
	if !strings.Contains(parked[0].LastError, "unit not found") {
		t.Fatalf("last error not recorded: %q", parked[0].LastError)
	}

	// Operator fixes the payload problem; the item rejoins the queue.
	f.transport.send = nil
	n, err := f.manager.ResetErrored(ctx)
	if err != nil || n != 1 {
		t.Fatalf("ResetErrored: n=%d err=%v", n, err)
	}
	res = f.manager.Process(ctx)
	if res.Processed != 1 {
		t.Fatalf("reset item not delivered: %+v", res)
	}
}

func TestDeadLetterAfterExhaustedRetries(t *testing.T) {
	f := newFixture(t, func(opts *outbox.Options) {
		opts.Backoff.MaxRetries = 2
	})
	ctx := context.Background()

	f.transport.send = func(item *outbox.Item) (outbox.Receipt, error) {
		return outbox.Receipt{}, outbox.Wrap(outbox.ErrTransient, "send item", "backend returned 503", nil)
	}
	item := f.enqueue(t, `{"n":1}`, outbox.EnqueueOptions{})

	res := f.manager.Process(ctx)
	if res.Failed != 1 {
		t.Fatalf("first pass: %+v", res)
	}
	waitEligible()
	res = f.manager.Process(ctx)
	if res.Failed != 1 {
		t.Fatalf("second pass: %+v", res)
	}

	dead, err := f.manager.DeadLetterQueue(ctx)
	if err != nil {
		t.Fatalf("DeadLetterQueue: %v", err)
	}
	if len(dead) != 1 || dead[0].ID != item.ID || dead[0].RetryCount != 2 {
		t.Fatalf("unexpected dead letters: %+v", dead)
	}

	// A dead item neither gets attempted nor blocks new work.
	attempts := len(f.transport.attemptIDs())
	fresh := f.enqueue(t, `{"n":2}`, outbox.EnqueueOptions{})
	f.transport.send = nil
	res = f.manager.Process(ctx)
	if res.Processed != 1 {
		t.Fatalf("fresh item blocked by dead letter: %+v", res)
	}
	got := f.transport.attemptIDs()
	if len(got) != attempts+1 || got[len(got)-1] != fresh.ID {
		t.Fatalf("unexpected attempts after dead letter: %v", got)
	}

	// Dead letters re-enter only through an explicit retry.
	n, err := f.manager.RetryFailed(ctx)
	if err != nil || n != 1 {
		t.Fatalf("RetryFailed: n=%d err=%v", n, err)
	}
	res = f.manager.Process(ctx)
	if res.Processed != 1 {
		t.Fatalf("retried dead letter not delivered: %+v", res)
	}
}

func TestSessionFailureLocksQueue(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.transport.send = func(item *outbox.Item) (outbox.Receipt, error) {
		return outbox.Receipt{}, outbox.Wrap(outbox.ErrSessionExpired, "send item", "", nil)
	}
	item := f.enqueue(t, `{"n":1}`, outbox.EnqueueOptions{})

	res := f.manager.Process(ctx)
	if res.Reason != outbox.ReasonLocked {
		t.Fatalf("expected locked pass, got %+v", res)
	}

	stored := f.store.snapshot(t, item.ID)
	if stored.Status != outbox.StatusLocked || stored.LockReason == "" {
		t.Fatalf("item not contained: %+v", stored)
	}

	// The queue refuses work without touching the transport.
	attempts := len(f.transport.attemptIDs())
	res = f.manager.Process(ctx)
	if res.Reason != outbox.ReasonLocked {
		t.Fatalf("expected locked pass, got %+v", res)
	}
	if len(f.transport.attemptIDs()) != attempts {
		t.Fatal("locked queue attempted delivery")
	}

	// Unlock fails while the session is still invalid.
	f.auth.setAuthed(false)
	err := f.manager.Unlock(ctx)
	if err == nil || !errors.Is(err, outbox.ErrSessionExpired) {
		t.Fatalf("expected session error from Unlock, got %v", err)
	}
	if f.store.snapshot(t, item.ID).Status != outbox.StatusLocked {
		t.Fatal("failed unlock must not release items")
	}

	// Re-authentication releases every contained item.
	f.auth.setAuthed(true)
	f.transport.send = nil
	if err := f.manager.Unlock(ctx); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if f.store.snapshot(t, item.ID).Status != outbox.StatusPending {
		t.Fatal("locked item not restored to pending")
	}
	res = f.manager.Process(ctx)
	if res.Processed != 1 {
		t.Fatalf("unlocked queue did not deliver: %+v", res)
	}
}

func TestUnauthenticatedPassLocksQueue(t *testing.T) {
	f := newFixture(t, nil)
	f.auth.setAuthed(false)
	f.enqueue(t, `{"n":1}`, outbox.EnqueueOptions{})

	res := f.manager.Process(context.Background())
	if res.Reason != outbox.ReasonLocked {
		t.Fatalf("expected locked, got %+v", res)
	}
	if len(f.transport.attemptIDs()) != 0 {
		t.Fatal("unauthenticated pass attempted delivery")
	}
}

func TestOfflinePassIsANoop(t *testing.T) {
	f := newFixture(t, func(opts *outbox.Options) {
		opts.Online = func(ctx context.Context) bool { return false }
	})
	f.enqueue(t, `{"n":1}`, outbox.EnqueueOptions{})

	res := f.manager.Process(context.Background())
	if res.Reason != outbox.ReasonOffline {
		t.Fatalf("expected offline, got %+v", res)
	}
	if len(f.transport.attemptIDs()) != 0 {
		t.Fatal("offline pass attempted delivery")
	}
}

func TestConcurrentProcessObservesBusy(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	f.transport.send = func(item *outbox.Item) (outbox.Receipt, error) {
		close(started)
		<-release
		return outbox.Receipt{ConfirmationID: "conf-" + item.ID}, nil
	}
	f.enqueue(t, `{"n":1}`, outbox.EnqueueOptions{})

	done := make(chan outbox.Result, 1)
	go func() { done <- f.manager.Process(ctx) }()
	<-started

	if res := f.manager.Process(ctx); res.Reason != outbox.ReasonBusy {
		t.Fatalf("expected busy, got %+v", res)
	}

	close(release)
	if res := <-done; res.Processed != 1 {
		t.Fatalf("blocked pass result: %+v", res)
	}
}

func TestNewManagerRecoversInterruptedItems(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	now := time.Now().UTC()

	interrupted := &outbox.Item{
		ID: "interrupted", Type: outbox.TypeUnitEntry, Payload: []byte(`{}`),
		CreatedAt: now, UpdatedAt: now, Status: outbox.StatusSyncing, Checksum: "sum",
	}
	contained := &outbox.Item{
		ID: "contained", Type: outbox.TypeUnitEntry, Payload: []byte(`{}`),
		CreatedAt: now, UpdatedAt: now, Status: outbox.StatusLocked,
		LockReason: outbox.LockReasonSessionExpired, Checksum: "sum",
	}
	for _, item := range []*outbox.Item{interrupted, contained} {
		if err := store.Put(ctx, item); err != nil {
			t.Fatalf("seed store: %v", err)
		}
	}

	manager, err := outbox.NewManager(ctx, outbox.Options{
		Store:     store,
		Transport: &fakeTransport{},
		Auth:      newFakeAuth(true),
		Checksum:  fakeChecksum{},
		Logger:    logging.NewNop(),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	got, _ := store.Get(ctx, "interrupted")
	if got.Status != outbox.StatusPending {
		t.Fatalf("interrupted item not reset: %s", got.Status)
	}

	// A surviving locked item re-arms the queue lock.
	if res := manager.Process(ctx); res.Reason != outbox.ReasonLocked {
		t.Fatalf("expected re-armed lock, got %+v", res)
	}
}

func TestWatchAuthLocksOnLostSignal(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go f.manager.WatchAuth(ctx)
	f.auth.lost <- "token revoked"

	deadline := time.After(2 * time.Second)
	for {
		health, err := f.manager.GetHealth(ctx)
		if err != nil {
			t.Fatalf("GetHealth: %v", err)
		}
		if health.Locked {
			if health.LockReason != "token revoked" {
				t.Fatalf("lock reason: got %q", health.LockReason)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("queue never locked after lost signal")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestLifecycleEventsPublished(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var mu sync.Mutex
	var kinds []events.Kind
	unsubscribe := f.manager.Subscribe(func(e events.Event) {
		mu.Lock()
		kinds = append(kinds, e.Kind)
		mu.Unlock()
	})
	defer unsubscribe()

	f.enqueue(t, `{"n":1}`, outbox.EnqueueOptions{})
	f.manager.Process(ctx)

	mu.Lock()
	defer mu.Unlock()
	want := []events.Kind{
		events.KindEnqueued,
		events.KindProcessingStart,
		events.KindSyncing,
		events.KindDequeued,
		events.KindProcessingComplete,
	}
	if len(kinds) != len(want) {
		t.Fatalf("events: got %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("events: got %v, want %v", kinds, want)
		}
	}
}

func TestGetHealthAggregatesState(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.enqueue(t, `{"n":1}`, outbox.EnqueueOptions{})
	f.enqueue(t, `{"n":2}`, outbox.EnqueueOptions{})

	health, err := f.manager.GetHealth(ctx)
	if err != nil {
		t.Fatalf("GetHealth: %v", err)
	}
	if health.Total != 2 || health.ByStatus[outbox.StatusPending] != 2 {
		t.Fatalf("unexpected health: %+v", health)
	}
	if health.Locked || !health.Online || !health.Authenticated {
		t.Fatalf("unexpected flags: %+v", health)
	}
}
