// Package gapdetect finds the missing ranges in a (account, token)'s stored
// balance-change history relative to the chain's current tip.
//
// Detect is a pure function over already-fetched records plus one tip
// value; it makes no RPC calls itself. Gaps are represented as a flat
// struct with a Kind discriminator rather than an interface hierarchy,
// grounded on the teacher's discriminated-struct style in
// internal/swap/coordinator_types.go.
package gapdetect

import "github.com/klingon-exchange/ledger-engine/internal/storage"

// Kind discriminates the three gap shapes spec.md describes.
type Kind string

const (
	// KindForwardTip: the newest stored record is behind the chain's tip.
	KindForwardTip Kind = "forward_tip"
	// KindInterior: two consecutive stored records disagree — the earlier
	// record's balance_after does not equal the later record's
	// balance_before — so something changed in between that was never
	// recorded, regardless of how far apart their block heights are.
	KindInterior Kind = "interior"
	// KindBackwardPast: the earliest stored record is not a sealing boundary
	// row and starts from a nonzero balance_before, so the account's history
	// before that record is still unknown.
	KindBackwardPast Kind = "backward_past"
)

// Gap is one missing range requiring a fill pass.
type Gap struct {
	Kind Kind

	// LowHeight/HighHeight bound the gap. For KindForwardTip, LowHeight is
	// the latest stored record's height and HighHeight is the tip. For
	// KindInterior, both bound the two known records surrounding the gap.
	// For KindBackwardPast, HighHeight is the earliest stored record's
	// height and LowHeight is unset (the search walks backward from
	// HighHeight bounded by the lookback window, not a known floor).
	LowHeight  int64
	HighHeight int64

	// LowBalance/HighBalance are the known balances bounding the gap, used
	// to seed Algorithm B's bisection work-stack. For KindBackwardPast only
	// HighBalance (the earliest known balance) is meaningful.
	LowBalance  string
	HighBalance string
}

// Detect computes every gap in records relative to tip. records must be
// sorted ascending by BlockHeight (as returned by
// Storage.ListBalanceChanges). An account with zero stored records has
// exactly one gap: backward-past from genesis through forward-tip to the
// chain tip, represented here as a single KindForwardTip gap starting at
// height 0 — callers without any prior balance have nothing to bisect
// against yet, so that gap is seeded here with a zero LowBalance at height
// 0 and internal/gapfill fills it forward rather than via a backward-past
// lookback.
func Detect(records []*storage.BalanceChange, tip int64) []Gap {
	if len(records) == 0 {
		return []Gap{{Kind: KindForwardTip, LowHeight: 0, HighHeight: tip, LowBalance: "0"}}
	}

	var gaps []Gap

	first := records[0]
	// A SNAPSHOT/STAKING_SNAPSHOT row at the earliest position already
	// seals the backward boundary (it asserts "balance was unchanged back
	// through the lookback window"); an UNRESOLVED_BOUNDARY row seals it
	// too, just without that assertion — either way there is nothing
	// further for a backward-past search to do. Genesis itself needs no
	// further backward search, and neither does an earliest record whose
	// balance_before is zero.
	sealed := first.ChangeKind == storage.ChangeKindSnapshot ||
		first.ChangeKind == storage.ChangeKindStakingSnapshot ||
		first.ChangeKind == storage.ChangeKindUnresolvedBoundary ||
		first.BlockHeight == 0
	if !sealed && first.BalanceBefore.Sign() != 0 {
		gaps = append(gaps, Gap{
			Kind:        KindBackwardPast,
			HighHeight:  first.BlockHeight,
			HighBalance: first.BalanceBefore.String(),
		})
	}

	for i := 1; i < len(records); i++ {
		prev, cur := records[i-1], records[i]
		if prev.BalanceAfter.Cmp(cur.BalanceBefore) == 0 {
			// Records chain correctly: no balance discontinuity, regardless
			// of how far apart their block heights are. Nothing happened
			// in between worth reconstructing.
			continue
		}
		gaps = append(gaps, Gap{
			Kind:        KindInterior,
			LowHeight:   prev.BlockHeight,
			HighHeight:  cur.BlockHeight,
			LowBalance:  prev.BalanceAfter.String(),
			HighBalance: cur.BalanceBefore.String(),
		})
	}

	last := records[len(records)-1]
	if last.BlockHeight < tip {
		gaps = append(gaps, Gap{
			Kind:       KindForwardTip,
			LowHeight:  last.BlockHeight,
			HighHeight: tip,
			LowBalance: last.BalanceAfter.String(),
		})
	}

	return gaps
}
