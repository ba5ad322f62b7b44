// Package storage - advisory swap cross-reference ("detected_swaps" table).
//
// The core pipeline never writes to this table; it is populated by an
// out-of-process collaborator and exposed here purely as a read-only join
// so that a balance change's deposit/withdrawal pairing can be surfaced
// alongside it when present.
package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// SwapRef links a deposit balance change to the withdrawal that paid for it,
// as previously identified by an external swap-detection process.
type SwapRef struct {
	ID                        string
	AccountID                 string
	DepositBalanceChangeID    string
	WithdrawalBalanceChangeID string
	DetectedAt                time.Time
}

// ListSwapRefs returns every detected swap reference for an account.
func (s *Storage) ListSwapRefs(accountID string) ([]*SwapRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, account_id, deposit_balance_change_id, withdrawal_balance_change_id, detected_at
		FROM detected_swaps WHERE account_id = ?
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list swap refs: %w", err)
	}
	defer rows.Close()

	var out []*SwapRef
	for rows.Next() {
		var r SwapRef
		var deposit, withdrawal sql.NullString
		var detectedAt int64
		if err := rows.Scan(&r.ID, &r.AccountID, &deposit, &withdrawal, &detectedAt); err != nil {
			return nil, fmt.Errorf("failed to scan swap ref: %w", err)
		}
		r.DepositBalanceChangeID = deposit.String
		r.WithdrawalBalanceChangeID = withdrawal.String
		r.DetectedAt = time.Unix(detectedAt, 0)
		out = append(out, &r)
	}
	return out, rows.Err()
}
