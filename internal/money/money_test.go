package money

import (
	"math/big"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"", 0, true},
		{"0", 0, true},
		{"24.00", 2400, true},
		{"24", 2400, true},
		{"0.05", 5, true},
		{"0.5", 50, true},
		{"1000.99", 100099, true},
		{"5000", 500000, true},
		{"1.999", 199, true}, // sub-cent precision truncated
		{"-1.00", 0, false},
		{"1.2.3", 0, false},
		{"abc", 0, false},
	}

	for _, tt := range tests {
		got, ok := Parse(tt.in)
		if ok != tt.ok {
			t.Errorf("Parse(%q) ok = %v, want %v", tt.in, ok, tt.ok)
			continue
		}
		if ok && got.Int64() != tt.want {
			t.Errorf("Parse(%q) = %d, want %d", tt.in, got.Int64(), tt.want)
		}
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0.00"},
		{5, "0.05"},
		{50, "0.50"},
		{2400, "24.00"},
		{100099, "1000.99"},
		{-150, "-1.50"},
	}

	for _, tt := range tests {
		if got := Format(big.NewInt(tt.in)); got != tt.want {
			t.Errorf("Format(%d) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestFormatNil(t *testing.T) {
	if got := Format(nil); got != "0.00" {
		t.Errorf("Format(nil) = %s, want 0.00", got)
	}
}

func TestRoundTrip(t *testing.T) {
	for _, s := range []string{"0.00", "0.01", "24.00", "99999.99"} {
		v, ok := Parse(s)
		if !ok {
			t.Fatalf("Parse(%q) failed", s)
		}
		if got := Format(v); got != s {
			t.Errorf("round trip %q = %q", s, got)
		}
	}
}

func TestCmp(t *testing.T) {
	if Cmp("24.00", "24") != 0 {
		t.Error("expected 24.00 == 24")
	}
	if Cmp("5.00", "5.01") != -1 {
		t.Error("expected 5.00 < 5.01")
	}
	if Cmp("100", "99.99") != 1 {
		t.Error("expected 100 > 99.99")
	}
}

func TestFloat(t *testing.T) {
	if got := Float("24.50"); got != 24.5 {
		t.Errorf("Float(24.50) = %v", got)
	}
	if got := Float("junk"); got != 0 {
		t.Errorf("Float(junk) = %v, want 0", got)
	}
}
