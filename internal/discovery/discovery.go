// Package discovery produces the set of tokens a monitored account may
// currently hold, merging several independent sources the same way the
// teacher's internal/backend.Registry merges several independent chain
// backends behind one lookup surface: native is always present; fungible
// contracts come from an external balances index and from scanning
// function-call action traces; multi-token sub-ids come from enumerating
// each known multi-token contract's owner view.
package discovery

import (
	"context"
	"fmt"
	"sort"

	"github.com/klingon-exchange/ledger-engine/pkg/logging"
)

// IndexClient reports fungible contracts an external balances index
// believes the account currently holds a positive balance of. Grounded on
// the teacher's small single-purpose REST clients (internal/backend/
// esplora.go, mempool.go).
type IndexClient interface {
	FungibleContractsWithBalance(ctx context.Context, account string) ([]string, error)
}

// TraceScanner extracts fungible contract ids from function-call action
// traces in which the account was sender or receiver of a recognized
// transfer method.
type TraceScanner interface {
	FungibleContractsFromTraces(ctx context.Context, account string) ([]string, error)
}

// ViewCaller invokes a read-only contract view method at the chain tip.
// Satisfied by *rpcadapter.JSONRPCClient's ViewAtTip.
type ViewCaller interface {
	ViewAtTip(ctx context.Context, contractID, method string, args map[string]string, out interface{}) error
}

// Discoverer composes the four sources named in the union above. Any field
// left nil contributes nothing rather than erroring: discovery degrades
// gracefully source-by-source exactly as hints.Provider degrades to an
// empty result on an unsupported token.
type Discoverer struct {
	index               IndexClient
	traces              TraceScanner
	views               ViewCaller
	multiTokenContracts []string
	log                 *logging.Logger
}

// Config wires a Discoverer's sources.
type Config struct {
	Index               IndexClient
	Traces              TraceScanner
	Views               ViewCaller
	MultiTokenContracts []string // known multi-token contract ids to enumerate
}

// New creates a Discoverer.
func New(cfg Config) *Discoverer {
	return &Discoverer{
		index:               cfg.Index,
		traces:              cfg.Traces,
		views:               cfg.Views,
		multiTokenContracts: cfg.MultiTokenContracts,
		log:                 logging.GetDefault().Component("discovery"),
	}
}

// DiscoverTokens returns the union described in spec §4.3: native always,
// plus whatever the configured sources currently report for account. A
// single source failing does not fail the whole discovery pass — it is
// logged and the other sources still contribute, so a transient index or
// trace-index outage never blocks the pipeline from at least tracking
// native and re-checking previously tracked tokens.
func (d *Discoverer) DiscoverTokens(ctx context.Context, account string) ([]string, error) {
	set := map[string]struct{}{"near": {}}

	if d.index != nil {
		contracts, err := d.index.FungibleContractsWithBalance(ctx, account)
		if err != nil {
			d.log.Warn("fungible balances index unavailable, skipping", "account", account, "error", err)
		}
		for _, c := range contracts {
			set[c] = struct{}{}
		}
	}

	if d.traces != nil {
		contracts, err := d.traces.FungibleContractsFromTraces(ctx, account)
		if err != nil {
			d.log.Warn("trace scan unavailable, skipping", "account", account, "error", err)
		}
		for _, c := range contracts {
			set[c] = struct{}{}
		}
	}

	if d.views != nil {
		for _, contract := range d.multiTokenContracts {
			subIDs, err := d.ownedSubIDs(ctx, contract, account)
			if err != nil {
				d.log.Warn("multi-token owner enumeration failed, skipping", "contract", contract, "account", account, "error", err)
				continue
			}
			for _, sub := range subIDs {
				set[contract+":"+sub] = struct{}{}
			}
		}
	}

	tokens := make([]string, 0, len(set))
	for t := range set {
		tokens = append(tokens, t)
	}
	sort.Strings(tokens)
	return tokens, nil
}

// ownedSubIDs enumerates a multi-token contract's owner view for account,
// expecting the standard mt_tokens_for_owner return shape: a JSON array of
// objects each carrying a token_id field.
func (d *Discoverer) ownedSubIDs(ctx context.Context, contract, account string) ([]string, error) {
	var result []struct {
		TokenID string `json:"token_id"`
	}
	err := d.views.ViewAtTip(ctx, contract, "mt_tokens_for_owner", map[string]string{"account_id": account}, &result)
	if err != nil {
		return nil, fmt.Errorf("mt_tokens_for_owner on %s: %w", contract, err)
	}

	subIDs := make([]string, 0, len(result))
	for _, r := range result {
		subIDs = append(subIDs, r.TokenID)
	}
	return subIDs, nil
}
