// Package gapfill reconstructs the missing balance-change rows for a single
// (account, token) gap identified by internal/gapdetect.
//
// Two algorithms are used depending on whether a hint provider covers the
// token:
//
//   - Algorithm A (hint-assisted forward fill): walk the hint provider's
//     candidate blocks in order, verifying each with two real RPC balance
//     reads (before/after the candidate height) before trusting it.
//   - Algorithm B (binary search by balance): an iterative bisection over
//     an explicit work-stack of (lo, hi) height/balance intervals — never
//     naive recursion, so a long-running fill stays cancellable at every
//     step via ctx.
//
// The iteration/cancellation idiom (loop + select on ctx.Done() at every
// boundary) is grounded on the teacher's internal/node/retry_worker.go run()
// loop and internal/swap/monitor.go's checkAllSwaps.
package gapfill

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"time"

	"github.com/klingon-exchange/ledger-engine/internal/blockcache"
	"github.com/klingon-exchange/ledger-engine/internal/gapdetect"
	"github.com/klingon-exchange/ledger-engine/internal/hints"
	"github.com/klingon-exchange/ledger-engine/internal/rpcadapter"
	"github.com/klingon-exchange/ledger-engine/internal/storage"
	"github.com/klingon-exchange/ledger-engine/pkg/logging"
)

// DefaultLookbackBlocks bounds how far the backward-past algorithm searches
// before giving up and sealing a SNAPSHOT row.
const DefaultLookbackBlocks = 600_000

// BalanceReader is the subset of rpcadapter.Client the filler needs, keyed
// by the already-parsed token kind so the filler doesn't need to know about
// tokenregistry itself.
type BalanceReader func(ctx context.Context, height int64) (*big.Int, error)

// Filler fills the gaps for one (account, token) pass.
type Filler struct {
	store    *storage.Storage
	client   rpcadapter.Client
	blocks   *blockcache.Cache
	hints    hints.Provider
	log      *logging.Logger
	lookback int64
}

// Config configures a Filler.
type Config struct {
	LookbackBlocks int64 // 0 means DefaultLookbackBlocks
}

// New creates a Filler.
func New(store *storage.Storage, client rpcadapter.Client, blocks *blockcache.Cache, hintProvider hints.Provider, cfg Config) *Filler {
	lookback := cfg.LookbackBlocks
	if lookback <= 0 {
		lookback = DefaultLookbackBlocks
	}
	return &Filler{
		store:    store,
		client:   client,
		blocks:   blocks,
		hints:    hintProvider,
		log:      logging.GetDefault().Component("gapfill"),
		lookback: lookback,
	}
}

// Fill resolves every gap for (account, token) against the given balance
// reader, writing the resulting rows in a single transaction per pass: all
// rows for this call land together, or none do.
func (f *Filler) Fill(ctx context.Context, account, tokenID string, read BalanceReader, gaps []gapdetect.Gap) error {
	return f.store.WithTx(func(tx *sql.Tx) error {
		for _, gap := range gaps {
			if err := ctx.Err(); err != nil {
				return err
			}

			var err error
			switch gap.Kind {
			case gapdetect.KindForwardTip, gapdetect.KindInterior:
				err = f.fillForward(ctx, tx, account, tokenID, read, gap)
			case gapdetect.KindBackwardPast:
				err = f.fillBackward(ctx, tx, account, tokenID, read, gap)
			default:
				err = fmt.Errorf("unknown gap kind %q", gap.Kind)
			}
			if err != nil {
				return fmt.Errorf("fill gap %s [%d,%d]: %w", gap.Kind, gap.LowHeight, gap.HighHeight, err)
			}
		}
		return nil
	})
}

// fillForward resolves a forward-tip or interior gap: the balance at
// gap.LowHeight is LowBalance and the balance at gap.HighHeight is
// HighBalance (or unknown, for the forward-tip case — it's read fresh).
func (f *Filler) fillForward(ctx context.Context, tx *sql.Tx, account, tokenID string, read BalanceReader, gap gapdetect.Gap) error {
	lowBalance, ok := new(big.Int).SetString(gap.LowBalance, 10)
	if !ok {
		return fmt.Errorf("corrupt low balance %q", gap.LowBalance)
	}

	highBalance, err := f.resolveHighBalance(ctx, read, gap)
	if err != nil {
		return err
	}

	if lowBalance.Cmp(highBalance) == 0 {
		// Balance unchanged across the whole range: nothing to record,
		// chain directly. This is the common case for an idle account
		// between polls.
		return nil
	}

	if f.hints.SupportsToken(tokenID) {
		filled, err := f.fillWithHints(ctx, tx, account, tokenID, read, gap.LowHeight, gap.HighHeight, lowBalance, highBalance)
		if err != nil {
			return err
		}
		if filled {
			return nil
		}
		// Hints didn't verify any hint in this range; fall through to bisection.
	}

	return f.bisect(ctx, tx, account, tokenID, read, gap.LowHeight, lowBalance, gap.HighHeight, highBalance)
}

func (f *Filler) resolveHighBalance(ctx context.Context, read BalanceReader, gap gapdetect.Gap) (*big.Int, error) {
	if gap.HighBalance != "" {
		b, ok := new(big.Int).SetString(gap.HighBalance, 10)
		if !ok {
			return nil, fmt.Errorf("corrupt high balance %q", gap.HighBalance)
		}
		return b, nil
	}
	return read(ctx, gap.HighHeight)
}

// fillWithHints implements Algorithm A: walk the hint provider's candidate
// blocks between lo and hi, verifying each one with two real balance reads
// (just before and at the candidate height). A hint is never trusted
// outright. Any stretch the verified hints leave unexplained (before a
// hint, between two hints, or after the last one) is bisected here. Returns
// filled=false only when no hint verified, signalling the caller to fall
// back to bisection over the whole range.
func (f *Filler) fillWithHints(ctx context.Context, tx *sql.Tx, account, tokenID string, read BalanceReader, lo, hi int64, loBalance, hiBalance *big.Int) (bool, error) {
	candidates, err := f.hints.GetHints(ctx, account, tokenID, lo, hi)
	if err != nil {
		f.log.Warn("hint provider failed, falling back to bisection", "account", account, "token", tokenID, "error", err)
		return false, nil
	}
	if len(candidates) == 0 {
		return false, nil
	}

	cursor := lo
	cursorBalance := new(big.Int).Set(loBalance)

	for _, h := range candidates {
		if h.BlockHeight <= cursor || h.BlockHeight >= hi {
			continue
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}

		before, err := read(ctx, h.BlockHeight-1)
		if err != nil {
			return false, fmt.Errorf("verify hint at %d (before): %w", h.BlockHeight, err)
		}
		after, err := read(ctx, h.BlockHeight)
		if err != nil {
			return false, fmt.Errorf("verify hint at %d (after): %w", h.BlockHeight, err)
		}
		if before.Cmp(after) == 0 {
			// The hint was wrong (or stale) for this height; ignore it.
			continue
		}

		if before.Cmp(cursorBalance) != 0 {
			// The hints missed a change between the cursor and this hint.
			if err := f.bisect(ctx, tx, account, tokenID, read, cursor, cursorBalance, h.BlockHeight-1, before); err != nil {
				return false, err
			}
		}

		header, err := f.blocks.Get(ctx, h.BlockHeight)
		if err != nil {
			return false, fmt.Errorf("fetch header at %d: %w", h.BlockHeight, err)
		}

		bc := &storage.BalanceChange{
			Account:       account,
			TokenID:       tokenID,
			BlockHeight:   h.BlockHeight,
			BlockHash:     header.Hash,
			BlockTime:     header.Time,
			Amount:        new(big.Int).Sub(after, before),
			BalanceBefore: before,
			BalanceAfter:  after,
			Counterparty:  storage.Counterparty{Kind: storage.CounterpartyUnknown},
			ChangeKind:    storage.ChangeKindTransfer,
			Source:        storage.SourceHintFill,
		}
		if err := storage.InsertBalanceChange(tx, bc); err != nil {
			return false, err
		}

		cursor = h.BlockHeight
		cursorBalance = after
	}

	if cursor == lo {
		return false, nil
	}
	if err := f.bisect(ctx, tx, account, tokenID, read, cursor, cursorBalance, hi, hiBalance); err != nil {
		return false, err
	}
	return true, nil
}

// bisectInterval is one frame of the explicit work-stack Algorithm B
// operates over, replacing what would otherwise be recursive calls.
type bisectInterval struct {
	loHeight  int64
	loBalance *big.Int
	hiHeight  int64
	hiBalance *big.Int
}

// bisect implements Algorithm B: iterative binary search by balance. Any
// interval whose endpoints disagree in balance but are adjacent in height
// is a single real transfer at hiHeight; otherwise split the interval and
// push both halves onto the stack. Iterative, not recursive, so a fill spun
// up against a huge gap stays cancellable between every RPC call.
func (f *Filler) bisect(ctx context.Context, tx *sql.Tx, account, tokenID string, read BalanceReader, lo int64, loBalance *big.Int, hi int64, hiBalance *big.Int) error {
	stack := []bisectInterval{{loHeight: lo, loBalance: loBalance, hiHeight: hi, hiBalance: hiBalance}}

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		n := len(stack) - 1
		iv := stack[n]
		stack = stack[:n]

		if iv.loBalance.Cmp(iv.hiBalance) == 0 {
			continue
		}

		if iv.hiHeight == iv.loHeight+1 {
			header, err := f.blocks.Get(ctx, iv.hiHeight)
			if err != nil {
				return fmt.Errorf("fetch header at %d: %w", iv.hiHeight, err)
			}
			bc := &storage.BalanceChange{
				Account:       account,
				TokenID:       tokenID,
				BlockHeight:   iv.hiHeight,
				BlockHash:     header.Hash,
				BlockTime:     header.Time,
				Amount:        new(big.Int).Sub(iv.hiBalance, iv.loBalance),
				BalanceBefore: iv.loBalance,
				BalanceAfter:  iv.hiBalance,
				Counterparty:  storage.Counterparty{Kind: storage.CounterpartyUnknown},
				ChangeKind:    storage.ChangeKindTransfer,
				Source:        storage.SourceBisection,
			}
			if err := storage.InsertBalanceChange(tx, bc); err != nil {
				return err
			}
			continue
		}

		mid := iv.loHeight + (iv.hiHeight-iv.loHeight)/2
		midBalance, err := read(ctx, mid)
		if err != nil {
			return fmt.Errorf("read balance at %d: %w", mid, err)
		}

		// Push the high half first so the low half pops (and runs) first,
		// keeping insertion roughly in ascending block order.
		stack = append(stack, bisectInterval{loHeight: mid, loBalance: midBalance, hiHeight: iv.hiHeight, hiBalance: iv.hiBalance})
		stack = append(stack, bisectInterval{loHeight: iv.loHeight, loBalance: iv.loBalance, hiHeight: mid, hiBalance: midBalance})
	}

	return nil
}

// fillBackward resolves a backward-past gap: search back from
// gap.HighHeight up to f.lookback blocks looking for a balance change. If
// none is found within the lookback window, seal the boundary with a
// SNAPSHOT row asserting the balance was unchanged that far back. If the
// balance did change somewhere in the window, the interval from limitHeight
// up is bisected; when the balance at limitHeight is nonzero, limitHeight is
// first sealed as an unresolved boundary, and when it is zero no boundary
// row is written.
func (f *Filler) fillBackward(ctx context.Context, tx *sql.Tx, account, tokenID string, read BalanceReader, gap gapdetect.Gap) error {
	limitHeight := gap.HighHeight - f.lookback
	if limitHeight < 0 {
		limitHeight = 0
	}

	highBalance, ok := new(big.Int).SetString(gap.HighBalance, 10)
	if !ok {
		return fmt.Errorf("corrupt backward gap high balance %q", gap.HighBalance)
	}

	limitBalance, err := read(ctx, limitHeight)
	if err != nil {
		return fmt.Errorf("read balance at lookback limit %d: %w", limitHeight, err)
	}

	if limitBalance.Cmp(highBalance) == 0 {
		// Unchanged across the whole lookback window: seal with a
		// SNAPSHOT row. A duplicate insert (e.g. a concurrent or re-run
		// pass already sealed this boundary) is silently ignored.
		header, err := f.blocks.Get(ctx, limitHeight)
		if err != nil {
			return fmt.Errorf("fetch header at %d: %w", limitHeight, err)
		}
		bc := &storage.BalanceChange{
			Account:       account,
			TokenID:       tokenID,
			BlockHeight:   limitHeight,
			BlockHash:     header.Hash,
			BlockTime:     header.Time,
			Amount:        big.NewInt(0),
			BalanceBefore: limitBalance,
			BalanceAfter:  limitBalance,
			Counterparty:  storage.Counterparty{Kind: storage.CounterpartySnapshot},
			ChangeKind:    storage.ChangeKindSnapshot,
			Source:        storage.SourceSnapshot,
		}
		return storage.InsertSnapshotIgnoreDuplicate(tx, bc)
	}

	// Something changed within the lookback window, so the balance at
	// limitHeight is a real value but not a provably-unchanged one: bisect
	// never seeds a row at its own lo anchor, so without this the earliest
	// stored record would be the first bisected transfer, carrying a
	// nonzero balance_before with no boundary marker. Seal limitHeight as
	// an unresolved boundary first — it asserts nothing about what came
	// before it, only that reconstruction stops here — then bisect the
	// interior gap above it same as any other. A zero balance at limitHeight
	// needs no boundary: the first bisected transfer then starts from zero.
	if limitBalance.Sign() != 0 {
		header, err := f.blocks.Get(ctx, limitHeight)
		if err != nil {
			return fmt.Errorf("fetch header at %d: %w", limitHeight, err)
		}
		boundary := &storage.BalanceChange{
			Account:       account,
			TokenID:       tokenID,
			BlockHeight:   limitHeight,
			BlockHash:     header.Hash,
			BlockTime:     header.Time,
			Amount:        big.NewInt(0),
			BalanceBefore: limitBalance,
			BalanceAfter:  limitBalance,
			Counterparty:  storage.Counterparty{Kind: storage.CounterpartyUnresolvedBoundary},
			ChangeKind:    storage.ChangeKindUnresolvedBoundary,
			Source:        storage.SourceUnresolvedBoundary,
		}
		if err := storage.InsertSnapshotIgnoreDuplicate(tx, boundary); err != nil {
			return err
		}
	}

	return f.bisect(ctx, tx, account, tokenID, read, limitHeight, limitBalance, gap.HighHeight, highBalance)
}

// NowUnix is exposed for callers that need a stamp outside the normal
// block-time provenance (e.g. recording when a fill pass itself ran).
func NowUnix() int64 { return time.Now().Unix() }
