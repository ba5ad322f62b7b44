package discovery

import (
	"context"
	"errors"
	"testing"
)

type fakeIndex struct {
	contracts []string
	err       error
}

func (f fakeIndex) FungibleContractsWithBalance(ctx context.Context, account string) ([]string, error) {
	return f.contracts, f.err
}

type fakeTraces struct {
	contracts []string
	err       error
}

func (f fakeTraces) FungibleContractsFromTraces(ctx context.Context, account string) ([]string, error) {
	return f.contracts, f.err
}

type fakeViews struct {
	subIDs map[string][]string
	err    error
}

func (f fakeViews) ViewAtTip(ctx context.Context, contractID, method string, args map[string]string, out interface{}) error {
	if f.err != nil {
		return f.err
	}
	dst, ok := out.(*[]struct {
		TokenID string `json:"token_id"`
	})
	if !ok {
		return errors.New("unexpected out type in test fake")
	}
	for _, id := range f.subIDs[contractID] {
		*dst = append(*dst, struct {
			TokenID string `json:"token_id"`
		}{TokenID: id})
	}
	return nil
}

func TestDiscoverTokensAlwaysIncludesNative(t *testing.T) {
	d := New(Config{})
	tokens, err := d.DiscoverTokens(context.Background(), "alice.near")
	if err != nil {
		t.Fatalf("DiscoverTokens: %v", err)
	}
	if len(tokens) != 1 || tokens[0] != "near" {
		t.Fatalf("expected just [near] with no sources configured, got %v", tokens)
	}
}

func TestDiscoverTokensMergesAllSources(t *testing.T) {
	d := New(Config{
		Index:               fakeIndex{contracts: []string{"usdt.tether-token.near"}},
		Traces:              fakeTraces{contracts: []string{"wrap.near"}},
		Views:               fakeViews{subIDs: map[string][]string{"collectibles.near": {"edition-1", "edition-2"}}},
		MultiTokenContracts: []string{"collectibles.near"},
	})

	tokens, err := d.DiscoverTokens(context.Background(), "alice.near")
	if err != nil {
		t.Fatalf("DiscoverTokens: %v", err)
	}

	want := map[string]bool{
		"near":                        true,
		"usdt.tether-token.near":      true,
		"wrap.near":                   true,
		"collectibles.near:edition-1": true,
		"collectibles.near:edition-2": true,
	}
	if len(tokens) != len(want) {
		t.Fatalf("expected %d tokens, got %d: %v", len(want), len(tokens), tokens)
	}
	for _, tok := range tokens {
		if !want[tok] {
			t.Errorf("unexpected token %q", tok)
		}
	}
}

func TestDiscoverTokensDeduplicatesAcrossSources(t *testing.T) {
	d := New(Config{
		Index:  fakeIndex{contracts: []string{"wrap.near"}},
		Traces: fakeTraces{contracts: []string{"wrap.near"}},
	})

	tokens, err := d.DiscoverTokens(context.Background(), "alice.near")
	if err != nil {
		t.Fatalf("DiscoverTokens: %v", err)
	}
	count := 0
	for _, tok := range tokens {
		if tok == "wrap.near" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected wrap.near to appear once despite two sources reporting it, got %d", count)
	}
}

func TestDiscoverTokensToleratesSourceFailure(t *testing.T) {
	d := New(Config{
		Index:               fakeIndex{err: errors.New("index down")},
		Traces:              fakeTraces{contracts: []string{"wrap.near"}},
		Views:               fakeViews{err: errors.New("view call failed")},
		MultiTokenContracts: []string{"collectibles.near"},
	})

	tokens, err := d.DiscoverTokens(context.Background(), "alice.near")
	if err != nil {
		t.Fatalf("DiscoverTokens should tolerate a failing source, got error: %v", err)
	}

	want := map[string]bool{"near": true, "wrap.near": true}
	if len(tokens) != len(want) {
		t.Fatalf("expected the surviving sources' tokens only, got %v", tokens)
	}
	for _, tok := range tokens {
		if !want[tok] {
			t.Errorf("unexpected token %q after a source failure", tok)
		}
	}
}

func TestNormalizeContractsChecksumsAuroraStyleHexIDs(t *testing.T) {
	out := normalizeContracts([]string{"0xde0b295669a9fd93d5f28d9ec85e40f4cb697bae", "plain.near"})
	if out[1] != "plain.near" {
		t.Errorf("expected plain NEAR ids untouched, got %q", out[1])
	}
	if out[0] == "0xde0b295669a9fd93d5f28d9ec85e40f4cb697bae" {
		t.Errorf("expected a hex contract id to be checksummed, got unchanged %q", out[0])
	}
}
