package sqlite

import (
	"context"
	"fmt"
	"time"
)

// Health describes the state of the queue database.
type Health struct {
	Healthy     bool
	Error       string
	TotalItems  int
	CheckedAt   time.Time
	JournalMode string
}

// CheckHealth verifies the database responds to queries and reports basic
// diagnostics for the health endpoint and CLI.
func (s *Store) CheckHealth(ctx context.Context) Health {
	health := Health{CheckedAt: time.Now().UTC()}

	if err := s.db.PingContext(ctx); err != nil {
		health.Error = fmt.Sprintf("ping database: %v", err)
		return health
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM sync_items").Scan(&health.TotalItems); err != nil {
		health.Error = fmt.Sprintf("count items: %v", err)
		return health
	}

	if err := s.db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&health.JournalMode); err != nil {
		health.Error = fmt.Sprintf("read journal mode: %v", err)
		return health
	}

	health.Healthy = true
	return health
}
