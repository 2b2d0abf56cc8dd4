package pebblestore_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"fieldsync/internal/outbox"
	pebblestore "fieldsync/internal/storage/pebble"
	"fieldsync/internal/testsupport"
)

func openStore(t *testing.T) *pebblestore.Store {
	t.Helper()
	cfg := testsupport.NewConfig(t, testsupport.WithStorageBackend("pebble"))
	store, err := pebblestore.Open(cfg)
	if err != nil {
		t.Fatalf("pebblestore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newItem(id string, priority int, createdAt time.Time) *outbox.Item {
	return &outbox.Item{
		ID:        id,
		Type:      outbox.TypeUnitEntry,
		Payload:   json.RawMessage(`{"value":2}`),
		Priority:  priority,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
		Status:    outbox.StatusPending,
		Checksum:  "digest-" + id,
	}
}

func TestPutGetDeleteRoundtrip(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	eligible := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	item := newItem("item-1", 3, eligible.Add(-time.Hour))
	item.Status = outbox.StatusFailed
	item.RetryCount = 2
	item.NextEligibleAt = &eligible
	item.LastError = "connection reset"

	if err := store.Put(ctx, item); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := store.Get(ctx, "item-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.Status != outbox.StatusFailed || got.RetryCount != 2 {
		t.Fatalf("unexpected item: %+v", got)
	}
	if got.NextEligibleAt == nil || !got.NextEligibleAt.Equal(eligible) {
		t.Fatalf("next_eligible_at: got %v", got.NextEligibleAt)
	}

	existed, err := store.Delete(ctx, "item-1")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !existed {
		t.Fatal("expected delete to report existing record")
	}
	existed, err = store.Delete(ctx, "item-1")
	if err != nil {
		t.Fatalf("repeat Delete: %v", err)
	}
	if existed {
		t.Fatal("repeat delete must report no record")
	}

	got, err = store.Get(ctx, "item-1")
	if err != nil {
		t.Fatalf("Get after delete: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil after delete, got %+v", got)
	}
}

func TestItemsSurviveReopen(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStorageBackend("pebble"))
	ctx := context.Background()

	store, err := pebblestore.Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := store.Put(ctx, newItem("item-1", 0, time.Now().UTC())); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := pebblestore.Open(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Get(ctx, "item-1")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got == nil {
		t.Fatal("item lost across reopen")
	}
}

func TestListOrderingAndFilters(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	base := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	low := newItem("low", 0, base.Add(time.Minute))
	high := newItem("high", 7, base.Add(2*time.Minute))
	failed := newItem("failed", 0, base)
	failed.Status = outbox.StatusFailed

	for _, item := range []*outbox.Item{low, high, failed} {
		if err := store.Put(ctx, item); err != nil {
			t.Fatalf("Put %s: %v", item.ID, err)
		}
	}

	items, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 3 || items[0].ID != "high" || items[1].ID != "failed" || items[2].ID != "low" {
		t.Fatalf("unexpected order: %+v", items)
	}

	pending, err := store.ListByStatus(ctx, outbox.StatusPending)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(pending))
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats[outbox.StatusPending] != 2 || stats[outbox.StatusFailed] != 1 {
		t.Fatalf("unexpected stats: %v", stats)
	}
}
