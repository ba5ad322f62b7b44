// Package storage - monitored account storage operations.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrMonitoredAccountNotFound is returned when an account is not tracked.
var ErrMonitoredAccountNotFound = errors.New("monitored account not found")

// MonitoredAccount is one row of the scheduler's work list.
type MonitoredAccount struct {
	AccountID     string
	Dirty         bool
	LastCycleAt   *time.Time
	LastSuccessAt *time.Time
	LastError     string

	// CreditsResetAt is owned by an external collaborator; this engine
	// only ever round-trips it, never interprets or clears it.
	CreditsResetAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AddMonitoredAccount registers an account for tracking, marking it dirty so
// the next scheduler cycle picks it up immediately. A re-add of an
// already-tracked account is a no-op.
func (s *Storage) AddMonitoredAccount(accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	_, err := s.db.Exec(`
		INSERT INTO monitored_accounts (account_id, dirty, created_at, updated_at)
		VALUES (?, 1, ?, ?)
		ON CONFLICT(account_id) DO NOTHING
	`, accountID, now, now)
	if err != nil {
		return fmt.Errorf("failed to add monitored account: %w", err)
	}
	return nil
}

// MarkDirty flags an account so the dirty watcher picks it up on its next
// pass without waiting for the periodic cycle.
func (s *Storage) MarkDirty(accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		UPDATE monitored_accounts SET dirty = 1, updated_at = ? WHERE account_id = ?
	`, time.Now().Unix(), accountID)
	if err != nil {
		return fmt.Errorf("failed to mark account dirty: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrMonitoredAccountNotFound
	}
	return nil
}

// ListDirtyAccounts returns every account currently flagged dirty.
func (s *Storage) ListDirtyAccounts() ([]*MonitoredAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT account_id, dirty, last_cycle_at, last_success_at, last_error,
			credits_reset_at, created_at, updated_at
		FROM monitored_accounts WHERE dirty = 1
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list dirty accounts: %w", err)
	}
	defer rows.Close()
	return scanMonitoredAccounts(rows)
}

// ListAllAccounts returns every monitored account, for the periodic cycle.
func (s *Storage) ListAllAccounts() ([]*MonitoredAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT account_id, dirty, last_cycle_at, last_success_at, last_error,
			credits_reset_at, created_at, updated_at
		FROM monitored_accounts
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()
	return scanMonitoredAccounts(rows)
}

// RecordCycleResult clears the dirty flag (a run always consumes the whole
// backlog as of the moment it started) and records the outcome. On success
// errMsg is empty and LastSuccessAt advances; on failure LastError is set
// and LastSuccessAt is left untouched.
func (s *Storage) RecordCycleResult(accountID string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	if errMsg == "" {
		_, err := s.db.Exec(`
			UPDATE monitored_accounts
			SET dirty = 0, last_cycle_at = ?, last_success_at = ?, last_error = NULL, updated_at = ?
			WHERE account_id = ?
		`, now, now, now, accountID)
		if err != nil {
			return fmt.Errorf("failed to record cycle success: %w", err)
		}
		return nil
	}

	_, err := s.db.Exec(`
		UPDATE monitored_accounts
		SET dirty = 0, last_cycle_at = ?, last_error = ?, updated_at = ?
		WHERE account_id = ?
	`, now, errMsg, now, accountID)
	if err != nil {
		return fmt.Errorf("failed to record cycle failure: %w", err)
	}
	return nil
}

func scanMonitoredAccounts(rows *sql.Rows) ([]*MonitoredAccount, error) {
	var out []*MonitoredAccount
	for rows.Next() {
		var a MonitoredAccount
		var dirty int
		var lastCycleAt, lastSuccessAt, creditsResetAt sql.NullInt64
		var lastError sql.NullString
		var createdAt, updatedAt int64

		err := rows.Scan(
			&a.AccountID, &dirty, &lastCycleAt, &lastSuccessAt, &lastError,
			&creditsResetAt, &createdAt, &updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan monitored account: %w", err)
		}

		a.Dirty = dirty == 1
		a.LastError = lastError.String
		a.CreatedAt = time.Unix(createdAt, 0)
		a.UpdatedAt = time.Unix(updatedAt, 0)
		if lastCycleAt.Valid {
			t := time.Unix(lastCycleAt.Int64, 0)
			a.LastCycleAt = &t
		}
		if lastSuccessAt.Valid {
			t := time.Unix(lastSuccessAt.Int64, 0)
			a.LastSuccessAt = &t
		}
		if creditsResetAt.Valid {
			t := time.Unix(creditsResetAt.Int64, 0)
			a.CreditsResetAt = &t
		}

		out = append(out, &a)
	}
	return out, rows.Err()
}
