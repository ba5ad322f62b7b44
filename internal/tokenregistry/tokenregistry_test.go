package tokenregistry

import "testing"

func TestParseTokenID(t *testing.T) {
	tests := []struct {
		raw  string
		want TokenID
	}{
		{"near", TokenID{Standard: StandardNative}},
		{"usdt.tether-token.near", TokenID{Standard: StandardFungible, Contract: "usdt.tether-token.near"}},
		{"multi.near:1", TokenID{Standard: StandardMulti, Contract: "multi.near", SubID: "1"}},
		// Sub-id may itself contain a colon; only the first colon splits.
		{"multi.near:ns:42", TokenID{Standard: StandardMulti, Contract: "multi.near", SubID: "ns:42"}},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got := ParseTokenID(tt.raw)
			if got != tt.want {
				t.Errorf("ParseTokenID(%q) = %+v, want %+v", tt.raw, got, tt.want)
			}
			if got.String() != tt.raw {
				t.Errorf("round trip mismatch: %q -> %+v -> %q", tt.raw, got, got.String())
			}
		})
	}
}

func TestRegistryLookup(t *testing.T) {
	r := Default()

	known, ok := r.Lookup("near")
	if !ok || known.Decimals != 24 {
		t.Fatalf("expected near to be known with 24 decimals, got %+v, ok=%v", known, ok)
	}

	_, ok = r.Lookup("unknown.near")
	if ok {
		t.Fatalf("expected unknown.near to be unrecognized")
	}
	if d := r.Decimals("unknown.near"); d != 0 {
		t.Fatalf("expected default decimals 0 for unknown token, got %d", d)
	}
}

func TestEmptyRegistry(t *testing.T) {
	r := New(nil)
	if _, ok := r.Lookup("near"); ok {
		t.Fatalf("expected empty registry to know nothing")
	}
	if d := r.Decimals("near"); d != 24 {
		t.Fatalf("expected native decimals hardcoded fallback of 24, got %d", d)
	}
}
