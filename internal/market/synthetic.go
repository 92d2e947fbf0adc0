package market

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"time"
)

// SyntheticSource 按 symbol 生成确定性的 K 线，用于离线回测与测试。
type SyntheticSource struct {
	BasePrice float64
}

func NewSyntheticSource() *SyntheticSource {
	return &SyntheticSource{BasePrice: 43000}
}

func (s *SyntheticSource) FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	step, err := ParseInterval(interval)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	end := time.Now().UTC().Truncate(step).UnixMilli()
	start := end - int64(limit-1)*step.Milliseconds()
	return s.FetchRange(ctx, symbol, interval, start, end, limit)
}

func (s *SyntheticSource) FetchRange(ctx context.Context, symbol, interval string, start, end int64, limit int) ([]Candle, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	step, err := ParseInterval(interval)
	if err != nil {
		return nil, err
	}
	if end < start {
		return nil, fmt.Errorf("end before start")
	}
	stepMs := step.Milliseconds()
	start = alignUp(start, stepMs)
	seed := symbolSeed(symbol)
	base := s.BasePrice
	if base <= 0 {
		base = 100
	}
	base *= 0.5 + float64(seed%1000)/1000

	out := make([]Candle, 0, 128)
	prev := base
	for ts := start; ts <= end; ts += stepMs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		i := float64(ts / stepMs)
		phase := float64(seed%97) / 10
		// 两个正弦叠加出趋势与震荡，外加可复现的扰动。
		price := base * (1 + 0.08*math.Sin(i/48+phase) + 0.02*math.Sin(i/7+phase*3) + 0.004*noise(seed, ts))
		open := prev
		closePx := price
		high := math.Max(open, closePx) * (1 + 0.002*math.Abs(noise(seed+1, ts)))
		low := math.Min(open, closePx) * (1 - 0.002*math.Abs(noise(seed+2, ts)))
		out = append(out, Candle{
			OpenTime:  ts,
			CloseTime: ts + stepMs - 1,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closePx,
			Volume:    1000 + 500*math.Abs(noise(seed+3, ts)),
			Trades:    int64(100 + seed%50),
		})
		prev = closePx
	}
	return out, nil
}

func symbolSeed(symbol string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(symbol))
	return h.Sum64()
}

// noise 返回 [-1, 1) 内由 seed 与时间戳决定的伪随机数。
func noise(seed uint64, ts int64) float64 {
	x := seed ^ uint64(ts)*0x9E3779B97F4A7C15
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	return float64(x%2000)/1000 - 1
}

func alignUp(ts, step int64) int64 {
	if step <= 0 {
		return ts
	}
	if rem := ts % step; rem != 0 {
		return ts + step - rem
	}
	return ts
}
