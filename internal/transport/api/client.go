package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pbpanel/internal/backtest"
	"pbpanel/internal/logger"
	"pbpanel/internal/metrics"
)

// Config 描述任务后端的访问方式。
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client 通过 HTTP/JSON 实现 backtest.Transport。
type Client struct {
	baseURL    string
	httpClient *http.Client
}

var _ backtest.Transport = (*Client)(nil)

func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("backend base url 不能为空")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("backend base url 非法: %w", err)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{baseURL: base, httpClient: hc}, nil
}

func (c *Client) ListJobs(ctx context.Context) ([]backtest.Job, error) {
	var jobs []backtest.Job
	if err := c.do(ctx, "list_jobs", http.MethodGet, "/api/jobs", nil, &jobs); err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []backtest.Job{}
	}
	return jobs, nil
}

func (c *Client) GetJob(ctx context.Context, id string) (backtest.Job, error) {
	var job backtest.Job
	if err := c.do(ctx, "get_job", http.MethodGet, "/api/jobs/"+url.PathEscape(id), nil, &job); err != nil {
		return backtest.Job{}, err
	}
	if job.ID == "" {
		return backtest.Job{}, fmt.Errorf("job %s: %w", id, backtest.ErrNotFound)
	}
	return job, nil
}

func (c *Client) StartBacktest(ctx context.Context, params backtest.Params) (backtest.StartResponse, error) {
	var resp backtest.StartResponse
	err := c.do(ctx, "start_backtest", http.MethodPost, "/api/run/backtest", params, &resp)
	return resp, err
}

func (c *Client) StartOptimize(ctx context.Context, params backtest.OptimizeParams) (backtest.StartResponse, error) {
	var resp backtest.StartResponse
	err := c.do(ctx, "start_optimize", http.MethodPost, "/api/run/optimize", params, &resp)
	return resp, err
}

// GetResults 兼容两种返回：完整 Results，或带 results 摘要的任务对象。
func (c *Client) GetResults(ctx context.Context, id string) (*backtest.Results, error) {
	var raw json.RawMessage
	if err := c.do(ctx, "get_results", http.MethodGet, "/api/backtest/"+url.PathEscape(id)+"/results", nil, &raw); err != nil {
		return nil, err
	}
	return decodeResults(id, raw)
}

func (c *Client) GetTrades(ctx context.Context, id string) ([]backtest.Trade, error) {
	var trades []backtest.Trade
	if err := c.do(ctx, "get_trades", http.MethodGet, "/api/backtest/"+url.PathEscape(id)+"/trades", nil, &trades); err != nil {
		return nil, err
	}
	return trades, nil
}

func (c *Client) CancelJob(ctx context.Context, id string) error {
	return c.do(ctx, "cancel_job", http.MethodPost, "/api/jobs/"+url.PathEscape(id)+"/cancel", nil, nil)
}

// do 发送 JSON 请求；非 2xx 转换为错误，404 包装 backtest.ErrNotFound。
func (c *Client) do(ctx context.Context, call, method, path string, body, out any) (err error) {
	start := time.Now()
	defer func() {
		outcome := "ok"
		switch {
		case errors.Is(err, backtest.ErrNotFound):
			outcome = "not_found"
		case err != nil:
			outcome = "error"
		}
		metrics.TransportRequests.WithLabelValues(call, outcome).Inc()
		metrics.TransportDuration.WithLabelValues(call).Observe(time.Since(start).Seconds())
	}()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	logger.Debugf("[api] %s %s", method, path)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		herr := statusError(resp, payload)
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s", backtest.ErrNotFound, herr)
		}
		return herr
	}
	if out == nil || len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	if err := json.Unmarshal(unwrapData(payload), out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// HTTPError 为非 2xx 响应。
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string { return e.Message }

func statusError(resp *http.Response, payload []byte) *HTTPError {
	var body struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	msg := ""
	if json.Unmarshal(payload, &body) == nil {
		msg = firstNonEmpty(body.Error, body.Detail)
	}
	if msg == "" {
		msg = fmt.Sprintf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	return &HTTPError{StatusCode: resp.StatusCode, Message: msg}
}

// unwrapData 剥离 {"data": ...} 信封；非信封响应原样返回。
func unwrapData(payload []byte) []byte {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return trimmed
	}
	var env map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return trimmed
	}
	if data, ok := env["data"]; ok && len(env) <= 3 {
		if _, hasID := env["id"]; !hasID {
			return data
		}
	}
	return trimmed
}

func decodeResults(id string, raw json.RawMessage) (*backtest.Results, error) {
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return nil, fmt.Errorf("results %s: %w", id, backtest.ErrNotFound)
	}
	var probe struct {
		ID          string            `json:"id"`
		Results     *backtest.Summary `json:"results"`
		EquityCurve json.RawMessage   `json:"equity_curve"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse results: %w", err)
	}
	if probe.ID != "" && probe.EquityCurve == nil {
		if probe.Results == nil {
			return nil, fmt.Errorf("results %s: %w", id, backtest.ErrNotFound)
		}
		return &backtest.Results{JobID: probe.ID, Metrics: probe.Results.Metrics}, nil
	}
	var res backtest.Results
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("failed to parse results: %w", err)
	}
	if res.JobID == "" {
		res.JobID = id
	}
	return &res, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
