// Package storage - balance change storage operations.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// ErrBalanceChangeNotFound is returned when a balance change row does not exist.
var ErrBalanceChangeNotFound = errors.New("balance change not found")

// ChangeKind classifies why a balance changed.
type ChangeKind string

const (
	ChangeKindTransfer        ChangeKind = "transfer"
	ChangeKindSnapshot        ChangeKind = "snapshot"
	ChangeKindStakingReward   ChangeKind = "staking_reward"
	ChangeKindStakingSnapshot ChangeKind = "staking_snapshot"
	ChangeKindMint            ChangeKind = "mint"
	ChangeKindBurn            ChangeKind = "burn"

	// ChangeKindUnresolvedBoundary marks an earliest record whose balance
	// before this point is genuinely unknown: the backward-past search
	// exhausted its lookback window and found the balance had *changed*
	// somewhere inside it, so unlike ChangeKindSnapshot this row does not
	// assert the balance was unchanged further back — only that
	// reconstruction stopped here.
	ChangeKindUnresolvedBoundary ChangeKind = "unresolved_boundary"
)

// Source records which algorithm produced a balance change row.
type Source string

const (
	SourceHintFill           Source = "hint_fill"
	SourceBisection          Source = "bisection"
	SourceSnapshot           Source = "snapshot"
	SourceDiscovery          Source = "discovery"
	SourceBackfill           Source = "backfill"
	SourceUnresolvedBoundary Source = "unresolved_boundary"
)

// CounterpartyKind is the discriminator for the Counterparty sum type.
type CounterpartyKind string

const (
	CounterpartyAccount            CounterpartyKind = "account"
	CounterpartySnapshot           CounterpartyKind = "snapshot"
	CounterpartyStakingSnapshot    CounterpartyKind = "staking_snapshot"
	CounterpartyStakingReward      CounterpartyKind = "staking_reward"
	CounterpartyNotRegistered      CounterpartyKind = "not_registered"
	CounterpartyUnknown            CounterpartyKind = "unknown"
	CounterpartyUnresolvedBoundary CounterpartyKind = "unresolved_boundary"
)

// Counterparty is the other side of a balance change. Exactly one of these
// shapes is meaningful depending on Kind; AccountID is only set when
// Kind == CounterpartyAccount.
type Counterparty struct {
	Kind      CounterpartyKind
	AccountID string
}

// String renders the counterparty as the sentinel string stored in the
// database. An account counterparty is "account:<id>"; every other kind is
// its bare kind name.
func (c Counterparty) String() string {
	if c.Kind == CounterpartyAccount {
		return "account:" + c.AccountID
	}
	return string(c.Kind)
}

// ParseCounterparty parses the sentinel string back into a Counterparty.
func ParseCounterparty(s string) Counterparty {
	const prefix = "account:"
	if len(s) > len(prefix) && s[:len(prefix)] == prefix {
		return Counterparty{Kind: CounterpartyAccount, AccountID: s[len(prefix):]}
	}
	switch CounterpartyKind(s) {
	case CounterpartySnapshot, CounterpartyStakingSnapshot, CounterpartyStakingReward, CounterpartyNotRegistered, CounterpartyUnresolvedBoundary:
		return Counterparty{Kind: CounterpartyKind(s)}
	default:
		return Counterparty{Kind: CounterpartyUnknown}
	}
}

// BalanceChange is one row in the reconstructed ledger: the balance of
// (AccountID, TokenID) moved from BalanceBefore to BalanceAfter at
// BlockHeight, by Amount, due to Counterparty.
type BalanceChange struct {
	ID      string
	Account string
	TokenID string

	BlockHeight int64
	BlockHash   string
	BlockTime   time.Time

	Amount        *big.Int
	BalanceBefore *big.Int
	BalanceAfter  *big.Int

	Counterparty Counterparty
	ChangeKind   ChangeKind
	Source       Source

	CreatedAt time.Time
}

// InsertBalanceChange inserts a single balance change row within the given
// transaction. Callers are expected to batch all rows for one
// (account, token) gap-fill pass into a single transaction (see
// internal/gapfill).
func InsertBalanceChange(tx *sql.Tx, bc *BalanceChange) error {
	if bc.ID == "" {
		bc.ID = uuid.NewString()
	}
	_, err := tx.Exec(`
		INSERT INTO balance_changes (
			id, account_id, token_id, block_height, block_hash, block_time,
			amount, balance_before, balance_after, counterparty, change_kind,
			source, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		bc.ID, bc.Account, bc.TokenID, bc.BlockHeight, bc.BlockHash, bc.BlockTime.Unix(),
		bc.Amount.String(), bc.BalanceBefore.String(), bc.BalanceAfter.String(),
		bc.Counterparty.String(), string(bc.ChangeKind), string(bc.Source),
		time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert balance change: %w", err)
	}
	return nil
}

// InsertSnapshotIgnoreDuplicate inserts a boundary-sealing row — a SNAPSHOT,
// STAKING_SNAPSHOT, or UNRESOLVED_BOUNDARY marker — silently ignoring a
// unique-index violation (the boundary may already be sealed by a
// concurrent or prior pass). Any other error is fatal.
func InsertSnapshotIgnoreDuplicate(tx *sql.Tx, bc *BalanceChange) error {
	err := InsertBalanceChange(tx, bc)
	if err == nil {
		return nil
	}
	if isUniqueConstraintErr(err) {
		return nil
	}
	return err
}

func isUniqueConstraintErr(err error) bool {
	// mattn/go-sqlite3 reports this as a plain string; there is no typed
	// sentinel exported for SQLITE_CONSTRAINT_UNIQUE without importing the
	// driver's error type, so match on wrapped message text.
	return err != nil && containsUniqueConstraint(err.Error())
}

func containsUniqueConstraint(msg string) bool {
	return len(msg) > 0 && (containsSubstr(msg, "UNIQUE constraint failed") || containsSubstr(msg, "constraint failed: UNIQUE"))
}

func containsSubstr(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

// ListBalanceChanges returns every balance change for (account, token),
// ordered by block height ascending, i.e. in chain order.
func (s *Storage) ListBalanceChanges(accountID, tokenID string) ([]*BalanceChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, account_id, token_id, block_height, block_hash, block_time,
			amount, balance_before, balance_after, counterparty, change_kind,
			source, created_at
		FROM balance_changes
		WHERE account_id = ? AND token_id = ?
		ORDER BY block_height ASC
	`, accountID, tokenID)
	if err != nil {
		return nil, fmt.Errorf("failed to list balance changes: %w", err)
	}
	defer rows.Close()

	return scanBalanceChanges(rows)
}

// LatestBalanceChange returns the most recent (highest block height)
// balance change for (account, token), or nil if none exist.
func (s *Storage) LatestBalanceChange(accountID, tokenID string) (*BalanceChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, account_id, token_id, block_height, block_hash, block_time,
			amount, balance_before, balance_after, counterparty, change_kind,
			source, created_at
		FROM balance_changes
		WHERE account_id = ? AND token_id = ?
		ORDER BY block_height DESC
		LIMIT 1
	`, accountID, tokenID)

	bc, err := scanBalanceChange(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest balance change: %w", err)
	}
	return bc, nil
}

// DistinctTokens returns every token id with at least one stored balance
// change for the given account.
func (s *Storage) DistinctTokens(accountID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT DISTINCT token_id FROM balance_changes WHERE account_id = ?
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list distinct tokens: %w", err)
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("failed to scan token id: %w", err)
		}
		tokens = append(tokens, t)
	}
	return tokens, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBalanceChange(r rowScanner) (*BalanceChange, error) {
	var bc BalanceChange
	var blockTime, createdAt int64
	var amount, before, after, counterparty string
	var changeKind, source string

	err := r.Scan(
		&bc.ID, &bc.Account, &bc.TokenID, &bc.BlockHeight, &bc.BlockHash, &blockTime,
		&amount, &before, &after, &counterparty, &changeKind, &source, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	bc.BlockTime = time.Unix(blockTime, 0)
	bc.CreatedAt = time.Unix(createdAt, 0)
	bc.Counterparty = ParseCounterparty(counterparty)
	bc.ChangeKind = ChangeKind(changeKind)
	bc.Source = Source(source)

	var ok bool
	bc.Amount, ok = new(big.Int).SetString(amount, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt amount %q for balance change %s", amount, bc.ID)
	}
	bc.BalanceBefore, ok = new(big.Int).SetString(before, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt balance_before %q for balance change %s", before, bc.ID)
	}
	bc.BalanceAfter, ok = new(big.Int).SetString(after, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt balance_after %q for balance change %s", after, bc.ID)
	}

	return &bc, nil
}

func scanBalanceChanges(rows *sql.Rows) ([]*BalanceChange, error) {
	var out []*BalanceChange
	for rows.Next() {
		bc, err := scanBalanceChange(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan balance change: %w", err)
		}
		out = append(out, bc)
	}
	return out, rows.Err()
}
