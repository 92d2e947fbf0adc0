package backtest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type fakePresets struct {
	params map[string]Params
}

func (f fakePresets) List() ([]string, error) {
	out := make([]string, 0, len(f.params))
	for k := range f.params {
		out = append(out, k)
	}
	return out, nil
}

func (f fakePresets) Params(name string) (Params, error) {
	p, ok := f.params[name]
	if !ok {
		return Params{}, errors.New("preset not found: " + name)
	}
	return p, nil
}

func (f fakePresets) Delete(name string) error {
	if _, ok := f.params[name]; !ok {
		return fmt.Errorf("preset %s: %w", name, ErrNotFound)
	}
	delete(f.params, name)
	return nil
}

func (f fakePresets) OptimizeParams(name string) (OptimizeParams, error) {
	p, err := f.Params(name)
	if err != nil {
		return OptimizeParams{}, err
	}
	return OptimizeParams{Params: p, Method: "grid", ParameterRanges: map[string][2]float64{"grid_span": {0.01, 0.02}}}, nil
}

type panelFixture struct {
	tr       *fakeTransport
	backtest View
	optimize View
	srv      *HTTPServer
}

func newPanel(t *testing.T) *panelFixture {
	t.Helper()
	tr := newFakeTransport()
	mk := func(kind JobKind) View {
		s := mustStore(t, tr, WithKind(kind))
		return View{Store: s, Poller: newTestPoller(t, s, false)}
	}
	f := &panelFixture{tr: tr, backtest: mk(KindBacktest), optimize: mk(KindOptimize)}
	srv, err := NewHTTPServer(HTTPConfig{
		Views:   []View{f.backtest, f.optimize},
		Presets: fakePresets{params: map[string]Params{"btc-grid": {Symbol: "BTCUSDT", StartDate: "2024-01-01", EndDate: "2024-01-31", Strategy: "grid"}}},
	})
	if err != nil {
		t.Fatalf("new http server: %v", err)
	}
	f.srv = srv
	return f
}

func (f *panelFixture) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	var out map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func stateJobs(body map[string]any) []any {
	st, _ := body["state"].(map[string]any)
	inner, _ := st["state"].(map[string]any)
	jobs, _ := inner["jobs"].([]any)
	return jobs
}

func TestNewHTTPServerValidation(t *testing.T) {
	if _, err := NewHTTPServer(HTTPConfig{}); err == nil {
		t.Fatalf("expected error without views")
	}
	tr := newFakeTransport()
	s := mustStore(t, tr)
	p := newTestPoller(t, s, false)
	if _, err := NewHTTPServer(HTTPConfig{Views: []View{{Store: s, Poller: p}, {Store: s, Poller: p}}}); err == nil {
		t.Fatalf("expected error for duplicate views")
	}
	if _, err := NewHTTPServer(HTTPConfig{Views: []View{{Store: s}}}); err == nil {
		t.Fatalf("expected error for missing poller")
	}
}

func TestPanelStateAndRefresh(t *testing.T) {
	f := newPanel(t)
	f.tr.setJobs(
		Job{ID: "bt_1", Type: KindBacktest, Status: JobStatusRunning, Progress: 30},
		Job{ID: "opt_1", Type: KindOptimize, Status: JobStatusQueued},
	)

	rec, body := f.do(t, http.MethodGet, "/api/panel/state", nil)
	if rec.Code != http.StatusOK || body["kind"] != "backtest" || body["poll"] != "idle" {
		t.Fatalf("unexpected state %d %v", rec.Code, body)
	}

	rec, body = f.do(t, http.MethodPost, "/api/panel/jobs/refresh?kind=optimize", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh = %d", rec.Code)
	}
	jobs := stateJobs(body)
	if len(jobs) != 1 || jobs[0].(map[string]any)["id"] != "opt_1" {
		t.Fatalf("optimize view jobs = %v", jobs)
	}
	if got := f.backtest.Store.Snapshot().Jobs; len(got) != 0 {
		t.Fatalf("backtest view touched: %+v", got)
	}

	f.tr.mu.Lock()
	f.tr.listErr = errBackendDown
	f.tr.mu.Unlock()
	rec, body = f.do(t, http.MethodPost, "/api/panel/jobs/refresh?kind=optimize", nil)
	if rec.Code != http.StatusBadGateway || body["error"] == nil {
		t.Fatalf("expected 502 with error, got %d %v", rec.Code, body)
	}
	if jobs := stateJobs(body); len(jobs) != 1 {
		t.Fatalf("previous jobs should be kept, got %v", jobs)
	}

	if rec, _ := f.do(t, http.MethodGet, "/api/panel/state?kind=live", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown kind = %d", rec.Code)
	}
}

func TestPanelStartBacktest(t *testing.T) {
	f := newPanel(t)
	f.tr.startResp = StartResponse{JobID: "bt_9", Status: JobStatusQueued}
	f.tr.setJobs(Job{ID: "bt_9", Type: KindBacktest, Status: JobStatusQueued})

	rec, body := f.do(t, http.MethodPost, "/api/panel/backtest", map[string]any{
		"symbol": "BTCUSDT", "start_date": "2024-01-01", "end_date": "2024-01-02", "strategy": "grid",
	})
	if rec.Code != http.StatusOK || body["job_id"] != "bt_9" {
		t.Fatalf("start = %d %v", rec.Code, body)
	}
	if len(stateJobs(body)) != 1 {
		t.Fatalf("jobs not refreshed after start: %v", body)
	}

	rec, _ = f.do(t, http.MethodPost, "/api/panel/backtest", map[string]any{"symbol": "BTCUSDT"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid body = %d", rec.Code)
	}

	rec, _ = f.do(t, http.MethodPost, "/api/panel/backtest?preset=btc-grid", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("preset start = %d", rec.Code)
	}
	f.tr.mu.Lock()
	last := f.tr.lastParams
	f.tr.mu.Unlock()
	if last.Symbol != "BTCUSDT" || last.EndDate != "2024-01-31" {
		t.Fatalf("preset params not used: %+v", last)
	}
	if rec, _ := f.do(t, http.MethodPost, "/api/panel/backtest?preset=missing", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing preset = %d", rec.Code)
	}

	f.tr.startErr = errBackendDown
	rec, body = f.do(t, http.MethodPost, "/api/panel/optimize?preset=btc-grid", nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("failed optimize = %d", rec.Code)
	}
	st := body["state"].(map[string]any)
	if st["kind"] != "optimize" || st["state"].(map[string]any)["error"] != errBackendDown.Error() {
		t.Fatalf("error not recorded on optimize view: %v", st)
	}
}

func TestPanelResultsLifecycle(t *testing.T) {
	f := newPanel(t)
	f.tr.setJobs(Job{ID: "bt_1", Type: KindBacktest, Status: JobStatusCompleted, Progress: 100})
	f.tr.results["bt_1"] = sampleResults("bt_1", 12.5)
	f.tr.trades["bt_1"] = []Trade{{ID: "t1", Type: TradeSell, PnL: 10, Timestamp: ts("2024-01-02T00:00:00Z")}}
	if err := f.backtest.Store.FetchJobs(t.Context()); err != nil {
		t.Fatalf("fetch jobs: %v", err)
	}

	if rec, _ := f.do(t, http.MethodGet, "/api/panel/results/chart", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("chart without results = %d", rec.Code)
	}

	rec, body := f.do(t, http.MethodPost, "/api/panel/results/bt_1", nil)
	if rec.Code != http.StatusOK || body["trades_ok"] != true || body["stale"] != false {
		t.Fatalf("select = %d %v", rec.Code, body)
	}
	st := f.backtest.Store.Snapshot()
	if st.CurrentJob == nil || st.CurrentJob.Status != JobStatusCompleted {
		t.Fatalf("selection should carry the tracked job: %+v", st.CurrentJob)
	}
	if st.Results == nil || len(st.Results.Trades) != 1 {
		t.Fatalf("results not loaded: %+v", st.Results)
	}

	rec, _ = f.do(t, http.MethodGet, "/api/panel/results/chart", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "echarts") {
		t.Fatalf("chart = %d", rec.Code)
	}

	rec, _ = f.do(t, http.MethodDelete, "/api/panel/results", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("clear = %d", rec.Code)
	}
	st = f.backtest.Store.Snapshot()
	if st.Results != nil || st.CurrentJob != nil || st.Error != "" {
		t.Fatalf("clear left state behind: %+v", st)
	}

	rec, body = f.do(t, http.MethodPost, "/api/panel/results/bt_404", nil)
	if rec.Code != http.StatusBadGateway || body["error"] == nil {
		t.Fatalf("missing results = %d %v", rec.Code, body)
	}
	if cur := f.backtest.Store.Snapshot().CurrentJob; cur == nil || cur.ID != "bt_404" {
		t.Fatalf("untracked selection should still be set: %+v", cur)
	}
}

func TestPanelSelectingAnotherJobDropsOldResults(t *testing.T) {
	f := newPanel(t)
	f.tr.setJobs(
		Job{ID: "bt_1", Type: KindBacktest, Status: JobStatusCompleted, Progress: 100},
		Job{ID: "bt_2", Type: KindBacktest, Status: JobStatusCompleted, Progress: 100},
	)
	f.tr.results["bt_1"] = sampleResults("bt_1", 3)
	if err := f.backtest.Store.FetchJobs(t.Context()); err != nil {
		t.Fatalf("fetch jobs: %v", err)
	}
	if rec, _ := f.do(t, http.MethodPost, "/api/panel/results/bt_1", nil); rec.Code != http.StatusOK {
		t.Fatalf("select bt_1 = %d", rec.Code)
	}

	rec, _ := f.do(t, http.MethodPost, "/api/panel/results/bt_2", nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("select bt_2 = %d", rec.Code)
	}
	st := f.backtest.Store.Snapshot()
	if st.CurrentJob == nil || st.CurrentJob.ID != "bt_2" {
		t.Fatalf("selection = %+v", st.CurrentJob)
	}
	if st.Results != nil {
		t.Fatalf("selection bt_2 but results belong to %s", st.Results.JobID)
	}
}

func TestPanelJobStatusAndCancel(t *testing.T) {
	f := newPanel(t)
	f.tr.setJobs(Job{ID: "bt_1", Type: KindBacktest, Status: JobStatusRunning, Progress: 10})
	_ = f.backtest.Store.FetchJobs(t.Context())
	f.tr.setJobs(Job{ID: "bt_1", Type: KindBacktest, Status: JobStatusRunning, Progress: 60})

	rec, body := f.do(t, http.MethodGet, "/api/panel/jobs/bt_1", nil)
	if rec.Code != http.StatusOK || body["job"].(map[string]any)["progress"] != float64(60) {
		t.Fatalf("status = %d %v", rec.Code, body)
	}
	if rec, _ := f.do(t, http.MethodGet, "/api/panel/jobs/bt_x", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("untracked status = %d", rec.Code)
	}

	rec, _ = f.do(t, http.MethodPost, "/api/panel/jobs/bt_1/cancel", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel = %d", rec.Code)
	}
	if got := f.backtest.Store.Snapshot().Jobs[0].Status; got != JobStatusCancelled {
		t.Fatalf("status after cancel = %s", got)
	}
}

func TestPanelAutoRefreshAndPresets(t *testing.T) {
	f := newPanel(t)
	if rec, _ := f.do(t, http.MethodPut, "/api/panel/autorefresh", map[string]any{}); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing enabled = %d", rec.Code)
	}
	rec, body := f.do(t, http.MethodPut, "/api/panel/autorefresh?kind=optimize", map[string]any{"enabled": true})
	if rec.Code != http.StatusOK || body["state"].(map[string]any)["auto_refresh"] != true {
		t.Fatalf("autorefresh = %d %v", rec.Code, body)
	}
	if !f.optimize.Poller.AutoRefresh() || f.backtest.Poller.AutoRefresh() {
		t.Fatalf("autorefresh applied to the wrong view")
	}

	rec, body = f.do(t, http.MethodGet, "/api/panel/presets", nil)
	if rec.Code != http.StatusOK || len(body["presets"].([]any)) != 1 {
		t.Fatalf("presets = %d %v", rec.Code, body)
	}
	name := body["presets"].([]any)[0].(string)
	if rec, _ := f.do(t, http.MethodDelete, "/api/panel/presets/"+name, nil); rec.Code != http.StatusOK {
		t.Fatalf("delete preset = %d", rec.Code)
	}
	if rec, _ := f.do(t, http.MethodDelete, "/api/panel/presets/"+name, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("second delete = %d", rec.Code)
	}
	rec, body = f.do(t, http.MethodGet, "/api/panel/presets", nil)
	if rec.Code != http.StatusOK || len(body["presets"].([]any)) != 0 {
		t.Fatalf("presets after delete = %d %v", rec.Code, body)
	}
}

func TestPanelIndexAndMetrics(t *testing.T) {
	f := newPanel(t)
	rec, _ := f.do(t, http.MethodGet, "/", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "pbpanel") {
		t.Fatalf("index = %d", rec.Code)
	}
	rec, _ = f.do(t, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Fatalf("metrics = %d", rec.Code)
	}
	rec, _ = f.do(t, http.MethodGet, "/static/app.js", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("static = %d", rec.Code)
	}
}

func TestPanelStateStream(t *testing.T) {
	f := newPanel(t)
	hs := httptest.NewServer(f.srv.Handler())
	defer hs.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(hs.URL, "http")+"/ws/state", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first stateResponse
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read initial: %v", err)
	}
	if first.Kind != KindBacktest || len(first.State.Jobs) != 0 {
		t.Fatalf("unexpected initial snapshot %+v", first)
	}

	f.tr.setJobs(Job{ID: "bt_1", Type: KindBacktest, Status: JobStatusQueued})
	if err := f.backtest.Store.FetchJobs(t.Context()); err != nil {
		t.Fatalf("fetch jobs: %v", err)
	}
	// loading 与完成各推送一次，可能被合并；读到包含任务的快照为止
	for {
		var msg stateResponse
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read update: %v", err)
		}
		if len(msg.State.Jobs) == 1 && !msg.State.IsLoading {
			if msg.State.Jobs[0].ID != "bt_1" {
				t.Fatalf("unexpected job %+v", msg.State.Jobs[0])
			}
			return
		}
	}
}
