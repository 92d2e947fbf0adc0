package main

import (
	"path/filepath"
	"testing"

	"pbpanel/internal/presets"
)

func TestRootCommandWiring(t *testing.T) {
	root := newRootCommand()
	want := map[string]bool{"serve": false, "backend": false, "jobs": false, "run": false, "report": false}
	for _, c := range root.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Fatalf("subcommand %s not registered", name)
		}
	}
}

func TestParseKind(t *testing.T) {
	if _, err := parseKind("optimize"); err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if _, err := parseKind("live"); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestBacktestParamsFromPresetAndFlags(t *testing.T) {
	ps := presets.NewStore(filepath.Join(t.TempDir(), "presets.yaml"))
	if err := ps.Save("eth", presets.Entry{Symbol: "ETHUSDT", Strategy: "dca", StartDate: "2024-01-01", EndDate: "2024-01-31", Parameters: map[string]float64{"take_profit": 0.02}}); err != nil {
		t.Fatalf("save: %v", err)
	}
	unchanged := func(string) bool { return false }

	f := runFlags{preset: "eth", strategy: "grid", end: "2024-01-15", params: map[string]string{"safety_orders": "5"}}
	p, err := f.backtestParams(ps, unchanged)
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	if p.Strategy != "dca" || p.EndDate != "2024-01-15" || p.Parameters["take_profit"] != 0.02 || p.Parameters["safety_orders"] != 5 {
		t.Fatalf("unexpected params %+v", p)
	}

	f = runFlags{symbol: "BTCUSDT", start: "2024-02-01", end: "2024-02-10", strategy: "swing", save: "btc-swing"}
	p, err = f.backtestParams(ps, unchanged)
	if err != nil || p.Strategy != "swing" || p.Symbol != "BTCUSDT" {
		t.Fatalf("flag params = %+v %v", p, err)
	}
	if _, err := ps.Get("btc-swing"); err != nil {
		t.Fatalf("preset not saved: %v", err)
	}

	f = runFlags{symbol: "BTCUSDT", strategy: "grid", params: map[string]string{"grid_span": "abc"}}
	if _, err := f.backtestParams(ps, unchanged); err == nil {
		t.Fatalf("expected parse error")
	}
}
