package core

import "testing"

func TestParseAmount(t *testing.T) {
	cases := []struct {
		in  string
		out int64
		ok  bool
	}{
		{"1", 100, true},
		{"1.0", 100, true},
		{"1.23", 123, true},
		{"1,23", 123, true},
		{"0.01", 1, true},
		{"0", 0, true},
		{"10.00", 1000, true},
		{"1.005", 101, true}, // half-up rounding
		{"12.344", 1234, true},
		{" 2.50 ", 250, true},
		{"-1", 0, false},
		{"+1", 0, false},
		{"1e3", 0, false},
		{"abc", 0, false},
		{"1.2.3", 0, false},
		{"NaN", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		got, err := ParseAmount(tc.in)
		if tc.ok {
			if err != nil || got.Cents != tc.out {
				t.Fatalf("%q expected %d, got %d (err=%v)", tc.in, tc.out, got.Cents, err)
			}
		} else {
			if err == nil {
				t.Fatalf("%q expected error", tc.in)
			}
		}
	}
}

func TestMoneyString(t *testing.T) {
	cases := map[int64]string{
		0:    "0.00",
		1:    "0.01",
		3550: "35.50",
		1500: "15.00",
	}
	for cents, want := range cases {
		if got := (Money{Cents: cents}).String(); got != want {
			t.Fatalf("Money{%d}.String() = %q, want %q", cents, got, want)
		}
	}
}

func TestMoneyDivRound(t *testing.T) {
	if got := (Money{Cents: 1000}).DivRound(3); got.Cents != 333 {
		t.Fatalf("expected 333, got %d", got.Cents)
	}
	if got := (Money{Cents: 1001}).DivRound(2); got.Cents != 501 {
		t.Fatalf("expected 501 (half-up), got %d", got.Cents)
	}
	if got := (Money{Cents: 1000}).DivRound(0); got.Cents != 0 {
		t.Fatalf("expected zero for empty divisor, got %d", got.Cents)
	}
}
