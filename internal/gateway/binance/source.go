package binance

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"pbpanel/internal/logger"
	"pbpanel/internal/market"

	"github.com/adshao/go-binance/v2/futures"
)

const maxHistoryLimit = 1500

// klineService 抽象 go-binance 的 klines 调用，便于测试替换。
type klineService interface {
	Klines(ctx context.Context, symbol, interval string, start, end int64, limit int) ([]*futures.Kline, error)
}

type futuresKlines struct {
	client *futures.Client
}

func (f futuresKlines) Klines(ctx context.Context, symbol, interval string, start, end int64, limit int) ([]*futures.Kline, error) {
	svc := f.client.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit)
	if start > 0 {
		svc = svc.StartTime(start)
	}
	if end > 0 {
		svc = svc.EndTime(end)
	}
	return svc.Do(ctx)
}

// Source 实现 market.Source，通过 U 本位合约 REST 拉取 K 线。
type Source struct {
	cfg Config
	api klineService
}

var _ market.Source = (*Source)(nil)

func New(cfg Config) (*Source, error) {
	final := cfg.withDefaults()
	client := futures.NewClient(final.APIKey, final.APISecret)
	client.BaseURL = strings.TrimRight(final.RESTBaseURL, "/")
	client.HTTPClient = &http.Client{Timeout: final.HTTPTimeout}
	return &Source{cfg: final, api: futuresKlines{client: client}}, nil
}

func (s *Source) FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	symbol, interval, err := normalize(symbol, interval)
	if err != nil {
		return nil, err
	}
	logger.Debugf("[binance] klines %s %s limit=%d", symbol, interval, limit)
	rows, err := s.api.Klines(ctx, symbol, interval, 0, 0, limit)
	if err != nil {
		return nil, fmt.Errorf("binance history error: %w", err)
	}
	return convert(rows), nil
}

// FetchRange 分页拉取 [start, end] 内的 K 线，limit<=0 表示不限。
func (s *Source) FetchRange(ctx context.Context, symbol, interval string, start, end int64, limit int) ([]market.Candle, error) {
	symbol, interval, err := normalize(symbol, interval)
	if err != nil {
		return nil, err
	}
	if end < start {
		return nil, fmt.Errorf("end before start")
	}
	var out []market.Candle
	cursor := start
	for cursor <= end {
		page := s.cfg.PageLimit
		if limit > 0 && limit-len(out) < page {
			page = limit - len(out)
		}
		if page <= 0 {
			break
		}
		logger.Debugf("[binance] klines %s %s from=%d page=%d", symbol, interval, cursor, page)
		rows, err := s.api.Klines(ctx, symbol, interval, cursor, end, page)
		if err != nil {
			return nil, fmt.Errorf("binance range error: %w", err)
		}
		batch := convert(rows)
		if len(batch) == 0 {
			break
		}
		out = append(out, batch...)
		next := batch[len(batch)-1].OpenTime + 1
		if next <= cursor {
			break
		}
		cursor = next
		if len(batch) < page {
			break
		}
	}
	return out, nil
}

func normalize(symbol, interval string) (string, string, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return "", "", fmt.Errorf("symbol is required")
	}
	interval = strings.ToLower(strings.TrimSpace(interval))
	if interval == "" {
		return "", "", fmt.Errorf("interval is required")
	}
	return symbol, interval, nil
}

func convert(rows []*futures.Kline) []market.Candle {
	out := make([]market.Candle, 0, len(rows))
	for _, k := range rows {
		if k == nil {
			continue
		}
		out = append(out, market.Candle{
			OpenTime:  k.OpenTime,
			CloseTime: k.CloseTime,
			Open:      toFloat(k.Open),
			High:      toFloat(k.High),
			Low:       toFloat(k.Low),
			Close:     toFloat(k.Close),
			Volume:    toFloat(k.Volume),
			Trades:    k.TradeNum,
		})
	}
	return out
}

func toFloat(v string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0
	}
	return f
}
