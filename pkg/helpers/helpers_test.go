package helpers

import (
	"math/big"
	"testing"
)

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		amount   string
		decimals uint8
		want     string
	}{
		{"100000000", 8, "1"},
		{"50000000", 8, "0.5"},
		{"12345678", 8, "0.12345678"},
		{"100000", 8, "0.001"},
		{"1", 8, "0.00000001"},
		{"0", 8, "0"},
		{"1000000000000000000000000", 24, "1"}, // 1 NEAR, 24 decimals
		{"123", 0, "123"},
		{"-50000000", 8, "-0.5"},
		// A balance too large for int64/uint64 to hold exactly.
		{"123456789012345678901234567890", 18, "123456789012.34567890123456789"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			amount, ok := new(big.Int).SetString(tt.amount, 10)
			if !ok {
				t.Fatalf("bad test fixture amount %q", tt.amount)
			}
			got := FormatAmount(amount, tt.decimals)
			if got != tt.want {
				t.Errorf("FormatAmount(%s, %d) = %s, want %s", tt.amount, tt.decimals, got, tt.want)
			}
		})
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		input    string
		decimals uint8
		want     string
		wantErr  bool
	}{
		{"1", 8, "100000000", false},
		{"0.5", 8, "50000000", false},
		{"0.12345678", 8, "12345678", false},
		{"0.001", 8, "100000", false},
		{"0.00000001", 8, "1", false},
		{"0", 8, "0", false},
		{"1", 24, "1000000000000000000000000", false},
		{"123", 0, "123", false},
		{"-0.5", 8, "-50000000", false},
		{"invalid", 8, "", true},
		{"1.2.3", 8, "", true},
		{"", 8, "", true},
		{"0.123456789", 8, "", true}, // too many fractional digits
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseAmount(tt.input, tt.decimals)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.String() != tt.want {
				t.Errorf("ParseAmount(%s, %d) = %s, want %s", tt.input, tt.decimals, got, tt.want)
			}
		})
	}
}

func TestFormatParseRoundtrip(t *testing.T) {
	amounts := []string{"1", "100", "12345678", "100000000", "999999999", "123456789012345678901234567890"}

	for _, amount := range amounts {
		n, ok := new(big.Int).SetString(amount, 10)
		if !ok {
			t.Fatalf("bad test fixture %q", amount)
		}
		formatted := FormatAmount(n, 8)
		parsed, err := ParseAmount(formatted, 8)
		if err != nil {
			t.Errorf("ParseAmount(%s) failed: %v", formatted, err)
			continue
		}
		if parsed.Cmp(n) != 0 {
			t.Errorf("roundtrip failed: %s -> %s -> %s", amount, formatted, parsed)
		}
	}
}
