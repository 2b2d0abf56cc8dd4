// Package pebblestore persists queue items in a Pebble key/value database.
// It is the alternative storage backend for devices where a log-structured
// store behaves better than SQLite, such as heavily write-cycled flash.
package pebblestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/cockroachdb/pebble"

	"fieldsync/internal/config"
	"fieldsync/internal/outbox"
)

// itemPrefix namespaces item records so future record kinds can share the
// keyspace.
const itemPrefix = "item/"

// Store manages queue persistence backed by Pebble. Every write commits with
// a WAL fsync so a successful Put survives power loss, matching the SQLite
// backend's durability contract.
type Store struct {
	db *pebble.DB
}

var _ outbox.Store = (*Store)(nil)

// Open creates or opens the Pebble database under the configured data
// directory.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	db, err := pebble.Open(filepath.Join(cfg.Paths.DataDir, "queue.pebble"), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble db: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// record is the stored wire form of an item. Kept separate from the domain
// type so the on-disk format stays stable under refactors.
type record struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Priority       int             `json:"priority"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	Status         string          `json:"status"`
	RetryCount     int             `json:"retry_count"`
	LastAttemptAt  *time.Time      `json:"last_attempt_at,omitempty"`
	NextEligibleAt *time.Time      `json:"next_eligible_at,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	LockReason     string          `json:"lock_reason,omitempty"`
	Checksum       string          `json:"checksum"`
	ConfirmationID string          `json:"confirmation_id,omitempty"`
}

func encodeItem(item *outbox.Item) ([]byte, error) {
	return json.Marshal(record{
		ID:             item.ID,
		Type:           string(item.Type),
		Payload:        item.Payload,
		Priority:       item.Priority,
		CreatedAt:      item.CreatedAt.UTC(),
		UpdatedAt:      item.UpdatedAt.UTC(),
		Status:         string(item.Status),
		RetryCount:     item.RetryCount,
		LastAttemptAt:  item.LastAttemptAt,
		NextEligibleAt: item.NextEligibleAt,
		LastError:      item.LastError,
		LockReason:     item.LockReason,
		Checksum:       item.Checksum,
		ConfirmationID: item.ConfirmationID,
	})
}

func decodeItem(data []byte) (*outbox.Item, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode item record: %w", err)
	}
	return &outbox.Item{
		ID:             rec.ID,
		Type:           outbox.Type(rec.Type),
		Payload:        rec.Payload,
		Priority:       rec.Priority,
		CreatedAt:      rec.CreatedAt.UTC(),
		UpdatedAt:      rec.UpdatedAt.UTC(),
		Status:         outbox.Status(rec.Status),
		RetryCount:     rec.RetryCount,
		LastAttemptAt:  rec.LastAttemptAt,
		NextEligibleAt: rec.NextEligibleAt,
		LastError:      rec.LastError,
		LockReason:     rec.LockReason,
		Checksum:       rec.Checksum,
		ConfirmationID: rec.ConfirmationID,
	}, nil
}

func itemKey(id string) []byte {
	return []byte(itemPrefix + id)
}

// Put inserts or overwrites an item with a synced write.
func (s *Store) Put(ctx context.Context, item *outbox.Item) error {
	data, err := encodeItem(item)
	if err != nil {
		return fmt.Errorf("encode item %s: %w", item.ID, err)
	}
	if err := s.db.Set(itemKey(item.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("put item %s: %w", item.ID, err)
	}
	return nil
}

// Get fetches an item by id, returning nil when absent.
func (s *Store) Get(ctx context.Context, id string) (*outbox.Item, error) {
	data, closer, err := s.db.Get(itemKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	defer closer.Close()
	return decodeItem(data)
}

// Delete removes an item by id, reporting whether a record existed.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	key := itemKey(id)
	_, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("probe item: %w", err)
	}
	_ = closer.Close()

	if err := s.db.Delete(key, pebble.Sync); err != nil {
		return false, fmt.Errorf("delete item: %w", err)
	}
	return true, nil
}

// List returns all items ordered by (priority desc, created_at asc).
func (s *Store) List(ctx context.Context) ([]*outbox.Item, error) {
	items, err := s.scanAll()
	if err != nil {
		return nil, err
	}
	sortItems(items)
	return items, nil
}

// ListByStatus returns items matching any of the given statuses.
func (s *Store) ListByStatus(ctx context.Context, statuses ...outbox.Status) ([]*outbox.Item, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	wanted := make(map[outbox.Status]bool, len(statuses))
	for _, status := range statuses {
		wanted[status] = true
	}

	all, err := s.scanAll()
	if err != nil {
		return nil, err
	}
	var items []*outbox.Item
	for _, item := range all {
		if wanted[item.Status] {
			items = append(items, item)
		}
	}
	sortItems(items)
	return items, nil
}

// ListByType returns items of a single type in creation order.
func (s *Store) ListByType(ctx context.Context, itemType outbox.Type) ([]*outbox.Item, error) {
	all, err := s.scanAll()
	if err != nil {
		return nil, err
	}
	var items []*outbox.Item
	for _, item := range all {
		if item.Type == itemType {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

// Stats returns a count of items grouped by status.
func (s *Store) Stats(ctx context.Context) (map[outbox.Status]int, error) {
	all, err := s.scanAll()
	if err != nil {
		return nil, err
	}
	stats := make(map[outbox.Status]int)
	for _, item := range all {
		stats[item.Status]++
	}
	return stats, nil
}

func (s *Store) scanAll() ([]*outbox.Item, error) {
	prefix := []byte(itemPrefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("open iterator: %w", err)
	}
	defer iter.Close()

	var items []*outbox.Item
	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return nil, fmt.Errorf("read item value: %w", err)
		}
		item, err := decodeItem(value)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return items, nil
}

func sortItems(items []*outbox.Item) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority > items[j].Priority
		}
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
}

func prefixUpperBound(prefix []byte) []byte {
	upper := bytes.Clone(prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}
