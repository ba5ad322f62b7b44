// Package ledger checks the structural invariants a reconstructed
// (account, token) balance-change history must satisfy before a pipeline
// run is allowed to commit. A violation here means the reconstruction
// itself is wrong — not a transient RPC hiccup — so it is always fatal to
// the pipeline run that produced it.
package ledger

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/klingon-exchange/ledger-engine/internal/storage"
)

// ErrInvariantViolation is wrapped with detail and returned by Check
// whenever a stored sequence fails one of the chaining/additivity/
// ordering/non-negativity/past-boundary invariants. Callers check with
// errors.Is; a pipeline run that hits this must fail rather than commit.
var ErrInvariantViolation = errors.New("balance change invariant violation")

// Check validates records, which must already be ordered ascending by
// BlockHeight (as returned by Storage.ListBalanceChanges), against every
// structural invariant:
//
//   - chaining: each record's balance_after equals the next record's
//     balance_before
//   - additivity: each record's balance_after equals balance_before + amount
//   - non-negativity: balance_before and balance_after are never negative
//   - ordering/uniqueness: strictly increasing block heights
//   - past boundary: the earliest record either starts from zero, is a
//     SNAPSHOT/STAKING_SNAPSHOT row, or is marked as an unresolved boundary
//     (the backward-past search exhausted its lookback without reaching a
//     zero balance or an unchanged-snapshot point)
//   - non-SNAPSHOT rows never carry a zero amount
func Check(records []*storage.BalanceChange) error {
	if len(records) == 0 {
		return nil
	}

	first := records[0]
	if first.BalanceBefore.Sign() != 0 &&
		first.ChangeKind != storage.ChangeKindSnapshot &&
		first.ChangeKind != storage.ChangeKindStakingSnapshot &&
		first.ChangeKind != storage.ChangeKindUnresolvedBoundary {
		return fmt.Errorf("%w: earliest record at height %d has nonzero balance_before %s and is not a snapshot or marked unresolved",
			ErrInvariantViolation, first.BlockHeight, first.BalanceBefore)
	}

	for i, r := range records {
		if r.BalanceBefore.Sign() < 0 || r.BalanceAfter.Sign() < 0 {
			return fmt.Errorf("%w: record at height %d has a negative balance (before=%s after=%s)",
				ErrInvariantViolation, r.BlockHeight, r.BalanceBefore, r.BalanceAfter)
		}

		expectedAfter := new(big.Int).Add(r.BalanceBefore, r.Amount)
		if expectedAfter.Cmp(r.BalanceAfter) != 0 {
			return fmt.Errorf("%w: record at height %d fails additivity: %s + %s != %s",
				ErrInvariantViolation, r.BlockHeight, r.BalanceBefore, r.Amount, r.BalanceAfter)
		}

		if r.Amount.Sign() == 0 &&
			r.ChangeKind != storage.ChangeKindSnapshot &&
			r.ChangeKind != storage.ChangeKindStakingSnapshot &&
			r.ChangeKind != storage.ChangeKindUnresolvedBoundary {
			return fmt.Errorf("%w: record at height %d has zero amount but is not a snapshot or boundary row (kind=%s)",
				ErrInvariantViolation, r.BlockHeight, r.ChangeKind)
		}

		if i == 0 {
			continue
		}
		prev := records[i-1]
		if prev.BlockHeight >= r.BlockHeight {
			return fmt.Errorf("%w: records out of order or duplicated at height %d (previous %d)",
				ErrInvariantViolation, r.BlockHeight, prev.BlockHeight)
		}
		if prev.BalanceAfter.Cmp(r.BalanceBefore) != 0 {
			return fmt.Errorf("%w: chaining break between height %d (after=%s) and height %d (before=%s)",
				ErrInvariantViolation, prev.BlockHeight, prev.BalanceAfter, r.BlockHeight, r.BalanceBefore)
		}
	}

	return nil
}
