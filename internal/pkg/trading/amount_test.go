package trading

import "testing"

func TestCalcCloseAmount(t *testing.T) {
	cases := []struct {
		name             string
		current, initial float64
		ratio            float64
		initialRatio     bool
		want             float64
	}{
		{"zero ratio", 1, 1, 0, false, 0},
		{"no position", 0, 1, 0.5, false, 0},
		{"half of current", 0.5, 1, 0.5, false, 0.25},
		{"half of initial", 0.8, 1, 0.5, true, 0.5},
		{"ceil rounding", 1, 0, 0.333, false, 0.34},
		{"clamped to current", 0.3, 1, 0.5, true, 0.3},
		{"ratio above one", 2, 0, 3, false, 2},
	}
	for _, tc := range cases {
		if got := CalcCloseAmount(tc.current, tc.initial, tc.ratio, tc.initialRatio); got != tc.want {
			t.Fatalf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}

func TestQuantityAndPnL(t *testing.T) {
	if got := QuantityFor(1000, 43000, 3); got != 0.023 {
		t.Fatalf("quantity = %v", got)
	}
	if got := QuantityFor(1000, 0, 3); got != 0 {
		t.Fatalf("zero price should give zero quantity, got %v", got)
	}
	if got := PnL(100, 110, 0.5); got != 5 {
		t.Fatalf("pnl = %v", got)
	}
	if got := PnL(110, 100, 0.5); got != -5 {
		t.Fatalf("pnl = %v", got)
	}
	if got := RoundTo(1.23456, 2); got != 1.23 {
		t.Fatalf("round = %v", got)
	}
}
