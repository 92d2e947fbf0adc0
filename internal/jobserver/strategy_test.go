package jobserver

import (
	"context"
	"testing"
	"time"

	"pbpanel/internal/backtest"
	"pbpanel/internal/market"
)

func syntheticCandles(t *testing.T, symbol string, days int) []market.Candle {
	t.Helper()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Duration(days)*24*time.Hour - time.Millisecond)
	candles, err := market.NewSyntheticSource().FetchRange(context.Background(), symbol, "1h", start.UnixMilli(), end.UnixMilli(), 0)
	if err != nil {
		t.Fatalf("candles: %v", err)
	}
	return candles
}

func TestRunStrategyAllStrategies(t *testing.T) {
	candles := syntheticCandles(t, "BTCUSDT", 60)
	for _, name := range Strategies {
		t.Run(name, func(t *testing.T) {
			p := backtest.Params{Symbol: "BTCUSDT", Strategy: name, Parameters: map[string]float64{"leverage": 2, "position_size": 0.2, "grid_span": 0.01}}
			res, err := RunStrategy(candles, p)
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			if len(res.EquityCurve) != 60 || len(res.DrawdownCurve) != 60 {
				t.Fatalf("expected daily curves, got %d/%d", len(res.EquityCurve), len(res.DrawdownCurve))
			}
			if res.TotalTrades != len(res.Trades) {
				t.Fatalf("trade count mismatch: %d vs %d", res.TotalTrades, len(res.Trades))
			}
			if len(res.Trades) == 0 {
				t.Fatalf("strategy produced no trades")
			}
			for _, d := range res.DrawdownCurve {
				if d.Drawdown > 0 {
					t.Fatalf("positive drawdown %+v", d)
				}
			}
			if res.MaxDrawdown < 0 || res.WinRate < 0 || res.WinRate > 100 {
				t.Fatalf("metrics out of range: %+v", res.Metrics)
			}
			if len(res.PriceData) != maxPricePoints {
				t.Fatalf("price data = %d", len(res.PriceData))
			}
			again, _ := RunStrategy(candles, p)
			if again.Metrics != res.Metrics {
				t.Fatalf("strategy not deterministic: %+v vs %+v", again.Metrics, res.Metrics)
			}
		})
	}
}

func TestRunStrategyRejectsBadInput(t *testing.T) {
	candles := syntheticCandles(t, "BTCUSDT", 1)
	if _, err := RunStrategy(candles, backtest.Params{Strategy: "martingale"}); err == nil {
		t.Fatalf("expected unknown strategy error")
	}
	if _, err := RunStrategy(candles[:2], backtest.Params{Strategy: "grid"}); err == nil {
		t.Fatalf("expected not enough candles error")
	}
	if _, err := RunStrategy(candles[:10], backtest.Params{Strategy: "swing"}); err == nil {
		t.Fatalf("expected EMA window error")
	}
}

func TestOptimizeFindsBestWithinRanges(t *testing.T) {
	candles := syntheticCandles(t, "ETHUSDT", 30)
	for _, method := range []string{"grid", "random", "genetic"} {
		op := backtest.OptimizeParams{
			Params:          backtest.Params{Symbol: "ETHUSDT", Strategy: "grid", Parameters: map[string]float64{"leverage": 1}},
			Method:          method,
			ParameterRanges: map[string][2]float64{"grid_span": {0.005, 0.04}, "position_size": {0.1, 0.5}},
			Iterations:      12,
		}
		res, sum, err := Optimize(candles, op)
		if err != nil {
			t.Fatalf("%s: optimize: %v", method, err)
		}
		if sum.TotalIterations != 12 {
			t.Fatalf("%s: iterations = %d", method, sum.TotalIterations)
		}
		for name, rng := range op.ParameterRanges {
			v := sum.BestParameters[name]
			if v < rng[0] || v > rng[1] {
				t.Fatalf("%s: %s=%v outside %v", method, name, v, rng)
			}
		}
		if sum.BestParameters["leverage"] != 1 {
			t.Fatalf("%s: fixed parameters dropped", method)
		}
		if res.SharpeRatio != sum.BestScore {
			t.Fatalf("%s: best results do not match best score", method)
		}
	}
	if _, _, err := Optimize(candles, backtest.OptimizeParams{Params: backtest.Params{Strategy: "grid"}}); err == nil {
		t.Fatalf("expected error without ranges")
	}
}

func TestPartialResults(t *testing.T) {
	candles := syntheticCandles(t, "BTCUSDT", 20)
	full, err := RunStrategy(candles, backtest.Params{Strategy: "dca", Parameters: map[string]float64{"grid_span": 0.01}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	prev := 0
	for pct := 10; pct <= 100; pct += 10 {
		part := PartialResults(full, pct)
		if len(part.EquityCurve) < prev {
			t.Fatalf("partial curve shrank at %d%%", pct)
		}
		prev = len(part.EquityCurve)
		if part.Trades == nil {
			t.Fatalf("partial trades must not be nil")
		}
	}
	if PartialResults(full, 100) != full {
		t.Fatalf("100%% should return the full results")
	}
	if got := len(PartialResults(full, 50).EquityCurve); got != 10 {
		t.Fatalf("50%% of 20 days = %d", got)
	}
}
