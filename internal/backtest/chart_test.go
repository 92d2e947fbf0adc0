package backtest

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestRenderResultsChart(t *testing.T) {
	var buf bytes.Buffer
	if err := RenderResultsChart(&buf, nil); !errors.Is(err, ErrNoResults) {
		t.Fatalf("expected ErrNoResults, got %v", err)
	}
	res := sampleResults("bt_1", 3.5)
	res.Trades = []Trade{
		{ID: "t1", Type: TradeBuy, Timestamp: ts("2024-01-01T00:00:00Z")},
		{ID: "t2", Type: TradeSell, PnL: -12, Timestamp: ts("2024-01-02T00:00:00Z")},
	}
	if err := RenderResultsChart(&buf, res); err != nil {
		t.Fatalf("render: %v", err)
	}
	html := buf.String()
	for _, want := range []string{"Equity", "Drawdown", "Trade PnL", "Results bt_1", "2024-01-02", colorLoss} {
		if !strings.Contains(html, want) {
			t.Fatalf("chart missing %q", want)
		}
	}
}

func TestRenderJobsTable(t *testing.T) {
	var buf bytes.Buffer
	RenderJobsTable(&buf, []Job{
		{ID: "bt_1", Type: KindBacktest, Status: JobStatusCompleted, Progress: 100, Params: &Params{Symbol: "BTCUSDT", Strategy: "grid"}, Results: &Summary{Metrics: Metrics{TotalReturn: 4.25, SharpeRatio: 1.5}}},
		{ID: "bt_2", Type: KindBacktest, Status: JobStatusFailed, Error: "no candles"},
	})
	out := buf.String()
	if !strings.Contains(strings.ToLower(out), "total") {
		t.Fatalf("footer missing:\n%s", out)
	}
	for _, want := range []string{"bt_1", "BTCUSDT", "4.25", "100%", "no candles"} {
		if !strings.Contains(out, want) {
			t.Fatalf("table missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "bt_1") > strings.Index(out, "bt_2") {
		t.Fatalf("rows out of order")
	}
}

func TestRenderMetricsTable(t *testing.T) {
	var buf bytes.Buffer
	RenderMetricsTable(&buf, sampleResults("opt_1", 7), map[string]float64{"grid_span": 0.015, "take_profit": 0.02})
	out := buf.String()
	for _, want := range []string{"opt_1", "7.00%", "best grid_span", "best take_profit"} {
		if !strings.Contains(out, want) {
			t.Fatalf("metrics missing %q:\n%s", want, out)
		}
	}
	buf.Reset()
	RenderMetricsTable(&buf, nil, nil)
	if !strings.Contains(buf.String(), "results") {
		t.Fatalf("empty metrics table = %q", buf.String())
	}
}
