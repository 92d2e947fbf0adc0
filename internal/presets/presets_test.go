package presets

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pbpanel/internal/backtest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(filepath.Join(t.TempDir(), "configs", "presets.yaml"))
	s.now = func() time.Time { return time.Date(2024, 3, 31, 12, 0, 0, 0, time.UTC) }
	return s
}

func TestSaveGetListDelete(t *testing.T) {
	s := newTestStore(t)
	if names, err := s.List(); err != nil || len(names) != 0 {
		t.Fatalf("missing file should read as empty: %v %v", names, err)
	}
	if err := s.Save("grid-btc", Entry{Symbol: "BTCUSDT", Strategy: "grid", LookbackDays: 10, Parameters: map[string]float64{"grid_span": 0.01}}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Save("dca-eth", Entry{Symbol: "ETHUSDT", Strategy: "dca", StartDate: "2024-01-01", EndDate: "2024-02-01"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	names, err := s.List()
	if err != nil || len(names) != 2 || names[0] != "dca-eth" || names[1] != "grid-btc" {
		t.Fatalf("list = %v %v", names, err)
	}
	e, err := s.Get("grid-btc")
	if err != nil || e.Parameters["grid_span"] != 0.01 {
		t.Fatalf("get = %+v %v", e, err)
	}

	// 第二次写入时已有文件，应生成备份
	backups, _ := os.ReadDir(filepath.Join(filepath.Dir(s.Path()), "backups"))
	if len(backups) != 1 {
		t.Fatalf("expected 1 backup, got %d", len(backups))
	}

	if err := s.Delete("grid-btc"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get("grid-btc"); !errors.Is(err, ErrPresetNotFound) {
		t.Fatalf("expected ErrPresetNotFound, got %v", err)
	}
	if err := s.Delete("grid-btc"); !errors.Is(err, ErrPresetNotFound) || !errors.Is(err, backtest.ErrNotFound) {
		t.Fatalf("expected ErrPresetNotFound on second delete, got %v", err)
	}
}

func TestSaveValidation(t *testing.T) {
	s := newTestStore(t)
	cases := []struct {
		name  string
		entry Entry
	}{
		{"", Entry{Symbol: "BTCUSDT", Strategy: "grid"}},
		{"x", Entry{Strategy: "grid"}},
		{"x", Entry{Symbol: "BTCUSDT"}},
	}
	for _, c := range cases {
		if err := s.Save(c.name, c.entry); err == nil {
			t.Fatalf("expected error for %q %+v", c.name, c.entry)
		}
	}
}

func TestParamsExpansion(t *testing.T) {
	s := newTestStore(t)
	_ = s.Save("lookback", Entry{Symbol: "btcusdt", Strategy: "swing", LookbackDays: 7})
	_ = s.Save("fixed", Entry{Symbol: "ETHUSDT", Strategy: "dca", StartDate: "2024-01-01", EndDate: "2024-01-31", Parameters: map[string]float64{"take_profit": 0.02}})
	_ = s.Save("bad", Entry{Symbol: "ETHUSDT", Strategy: "dca", StartDate: "2024/01/01", EndDate: "2024-01-31"})
	_ = s.Save("opt", Entry{Symbol: "ETHUSDT", Strategy: "grid", Method: "random", Iterations: 9, ParameterRanges: map[string][2]float64{"grid_span": {0.01, 0.02}}})

	p, err := s.Params("lookback")
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	if p.Symbol != "BTCUSDT" || p.StartDate != "2024-03-24" || p.EndDate != "2024-03-31" {
		t.Fatalf("unexpected lookback params %+v", p)
	}
	p, err = s.Params("fixed")
	if err != nil || p.StartDate != "2024-01-01" || p.Parameters["take_profit"] != 0.02 {
		t.Fatalf("unexpected fixed params %+v %v", p, err)
	}
	if _, err := s.Params("bad"); err == nil {
		t.Fatalf("expected date error")
	}
	if _, err := s.OptimizeParams("fixed"); err == nil {
		t.Fatalf("expected error for preset without ranges")
	}
	op, err := s.OptimizeParams("opt")
	if err != nil || op.Method != "random" || op.Iterations != 9 || op.ParameterRanges["grid_span"][1] != 0.02 {
		t.Fatalf("unexpected optimize params %+v %v", op, err)
	}
}

func TestPruneBackups(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 13; i++ {
		name := filepath.Join(dir, "presets_2024010"+string(rune('0'+i%10))+"_"+string(rune('a'+i))+".yaml")
		if err := os.WriteFile(name, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	pruneBackups(dir, keepBackups)
	entries, _ := os.ReadDir(dir)
	if len(entries) != keepBackups {
		t.Fatalf("expected %d backups, got %d", keepBackups, len(entries))
	}
}
