package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// PostgresManager maps lock ids onto pg_advisory_lock, so only one replica
// runs migrations or arms the cron table at a time.
type PostgresManager struct {
	db *sqlx.DB
}

func NewPostgresManager(db *sqlx.DB) *PostgresManager {
	return &PostgresManager{db: db}
}

func (m *PostgresManager) Acquire(ctx context.Context, lockID int) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := m.db.ExecContext(ctx, "SELECT pg_advisory_lock($1)", lockID); err != nil {
		return fmt.Errorf("failed to acquire lock %d: %w", lockID, err)
	}
	return nil
}

func (m *PostgresManager) Release(ctx context.Context, lockID int) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := m.db.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", lockID); err != nil {
		return fmt.Errorf("failed to release lock %d: %w", lockID, err)
	}
	return nil
}

var _ Manager = (*PostgresManager)(nil)
