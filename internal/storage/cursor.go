package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const (
	loadCursorSQL = `SELECT last_signature FROM poll_state WHERE id = 1;`

	saveCursorSQL = `INSERT INTO poll_state (id, last_signature, updated_at)
    VALUES (1, $1, now())
    ON CONFLICT (id) DO UPDATE
    SET last_signature = EXCLUDED.last_signature, updated_at = now();`
)

// LoadCursor returns the last consumed ledger signature, empty when the
// poller has never run.
func (s *Store) LoadCursor(ctx context.Context) (string, error) {
	pool, err := s.getPool()
	if err != nil {
		return "", err
	}

	var signature string
	if err := pool.QueryRow(ctx, loadCursorSQL).Scan(&signature); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("load cursor: %w", err)
	}
	return signature, nil
}

// SaveCursor persists the poller's resume position. Written only after every
// transfer up to the signature has been consumed.
func (s *Store) SaveCursor(ctx context.Context, signature string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	if _, err := pool.Exec(ctx, saveCursorSQL, signature); err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}
