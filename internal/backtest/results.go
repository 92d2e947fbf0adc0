package backtest

import "time"

// Metrics 为回测聚合指标。
type Metrics struct {
	TotalReturn float64 `json:"total_return"`
	SharpeRatio float64 `json:"sharpe_ratio"`
	MaxDrawdown float64 `json:"max_drawdown"`
	WinRate     float64 `json:"win_rate"`
	TotalTrades int     `json:"total_trades"`
}

type EquityPoint struct {
	Date  string  `json:"date"`
	Value float64 `json:"value"`
}

type DrawdownPoint struct {
	Date     string  `json:"date"`
	Drawdown float64 `json:"drawdown"`
}

type TradeSide string

const (
	TradeBuy  TradeSide = "buy"
	TradeSell TradeSide = "sell"
)

type Trade struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      TradeSide `json:"type"`
	Price     float64   `json:"price"`
	Quantity  float64   `json:"quantity"`
	PnL       float64   `json:"pnl"`
}

// PricePoint 为结果页价格图使用的 OHLCV 点。
type PricePoint struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Results 归属于单个任务，每次拉取整体替换。
type Results struct {
	JobID string `json:"job_id"`
	Metrics
	EquityCurve   []EquityPoint   `json:"equity_curve"`
	DrawdownCurve []DrawdownPoint `json:"drawdown_curve"`
	Trades        []Trade         `json:"trades"`
	PriceData     []PricePoint    `json:"price_data,omitempty"`
}

func (r *Results) clone() *Results {
	if r == nil {
		return nil
	}
	out := *r
	out.EquityCurve = append([]EquityPoint(nil), r.EquityCurve...)
	out.DrawdownCurve = append([]DrawdownPoint(nil), r.DrawdownCurve...)
	out.Trades = append([]Trade(nil), r.Trades...)
	out.PriceData = append([]PricePoint(nil), r.PriceData...)
	if r.Trades != nil && out.Trades == nil {
		out.Trades = []Trade{}
	}
	return &out
}

// Outcome 标记一次子请求的结果：Ok(value) 或 Err(reason)。
type Outcome[T any] struct {
	Value T
	Err   error
}

func Ok[T any](v T) Outcome[T] { return Outcome[T]{Value: v} }

func Fail[T any](err error) Outcome[T] { return Outcome[T]{Err: err} }

func (o Outcome[T]) OK() bool { return o.Err == nil }

// Reason 返回失败原因，成功时为空串。
func (o Outcome[T]) Reason() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// ResultSet 为一次 FetchResults 的完整结果，两路子请求各自带结果标记。
type ResultSet struct {
	JobID   string
	Results Outcome[*Results]
	Trades  Outcome[[]Trade]
	// Stale 表示响应已被更新的请求取代，未写入 store。
	Stale bool
}
