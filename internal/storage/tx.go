// Package storage - transaction helper for multi-statement writes.
package storage

import (
	"database/sql"
	"fmt"
)

// WithTx runs fn inside a single database transaction, committing on success
// and rolling back on any error (including a panic, which is re-raised after
// rollback). The gap filler uses this to make an entire (account, token)
// pass atomic: either every balance change from that pass lands, or none do.
func (s *Storage) WithTx(fn func(tx *sql.Tx) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
