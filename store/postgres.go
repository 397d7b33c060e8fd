package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

const (
	selectStateQuery = `SELECT state FROM reconciliations WHERE order_id = $1`

	// Orders with no row are pending. Inserting a pending row first gives
	// SELECT ... FOR UPDATE something to lock on the very first transition.
	insertPendingQuery = `
		INSERT INTO reconciliations (order_id, state)
		VALUES ($1, 'pending')
		ON CONFLICT (order_id) DO NOTHING`

	lockStateQuery = `SELECT state FROM reconciliations WHERE order_id = $1 FOR UPDATE`

	updateStateQuery = `
		UPDATE reconciliations
		SET state = $2, updated_at = NOW()
		WHERE order_id = $1 AND state = ANY($3)`
)

// PostgresStore keeps states in the reconciliations table created by
// database.Migrate.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, orderID string) (State, error) {
	var state string
	err := s.db.QueryRowContext(ctx, selectStateQuery, orderID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return StatePending, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read state for %s: %w", orderID, err)
	}
	return State(state), nil
}

func (s *PostgresStore) CompareAndSwap(ctx context.Context, orderID string, from []State, next State) (State, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, insertPendingQuery, orderID); err != nil {
		return "", false, fmt.Errorf("failed to seed state for %s: %w", orderID, err)
	}

	var cur string
	if err := tx.QueryRowContext(ctx, lockStateQuery, orderID).Scan(&cur); err != nil {
		return "", false, fmt.Errorf("failed to lock state for %s: %w", orderID, err)
	}
	if !allowed(from, State(cur)) {
		return State(cur), false, nil
	}

	res, err := tx.ExecContext(ctx, updateStateQuery, orderID, string(next), pq.Array(stateNames(from)))
	if err != nil {
		return "", false, fmt.Errorf("failed to update state for %s: %w", orderID, err)
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return State(cur), false, fmt.Errorf("state for %s changed under lock", orderID)
	}

	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("failed to commit state for %s: %w", orderID, err)
	}
	return State(cur), true, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
