package market

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Candle 为单根 K 线，时间为毫秒时间戳。
type Candle struct {
	OpenTime  int64   `json:"open_time"`
	CloseTime int64   `json:"close_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Trades    int64   `json:"trades"`
}

// Source 统一对接行情供应商。
type Source interface {
	// FetchHistory 拉取最近 limit 根 K 线并按时间升序返回。
	FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
	// FetchRange 拉取 [start, end] 区间内最多 limit 根 K 线（毫秒）。
	FetchRange(ctx context.Context, symbol, interval string, start, end int64, limit int) ([]Candle, error)
}

// ParseInterval 解析 1m/15m/1h/4h/1d/1w 形式的周期。
func ParseInterval(raw string) (time.Duration, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if len(raw) < 2 {
		return 0, fmt.Errorf("invalid interval %q", raw)
	}
	n, err := strconv.Atoi(raw[:len(raw)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid interval %q", raw)
	}
	unit := map[byte]time.Duration{
		'm': time.Minute,
		'h': time.Hour,
		'd': 24 * time.Hour,
		'w': 7 * 24 * time.Hour,
	}[raw[len(raw)-1]]
	if unit == 0 {
		return 0, fmt.Errorf("invalid interval %q", raw)
	}
	return time.Duration(n) * unit, nil
}

// Closes 提取收盘价序列。
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}
