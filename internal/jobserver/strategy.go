package jobserver

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"time"

	"pbpanel/internal/backtest"
	"pbpanel/internal/market"
	"pbpanel/internal/pkg/trading"

	"github.com/google/uuid"
	"github.com/markcheno/go-talib"
)

const (
	initialCapital = 10000.0
	maxPricePoints = 200
)

var errNotEnoughCandles = errors.New("not enough candles for strategy")

// Strategies 为后端支持的策略标识。
var Strategies = []string{"grid", "dca", "scalp", "swing"}

func validStrategy(name string) bool {
	for _, s := range Strategies {
		if s == name {
			return true
		}
	}
	return false
}

// position 为单向多头持仓。
type position struct {
	qty   float64
	cost  float64
	entry float64
}

func (p position) open() bool { return p.qty > 0 }

func (p *position) add(price, qty float64) {
	p.cost += price * qty
	p.qty += qty
	if p.qty > 0 {
		p.entry = p.cost / p.qty
	}
}

type simulator struct {
	params   map[string]float64
	cash     float64
	pos      position
	trades   []backtest.Trade
	withIDs  bool
	lastDate string
	equity   []backtest.EquityPoint
}

func param(params map[string]float64, name string, def float64) float64 {
	if v, ok := params[name]; ok && v > 0 {
		return v
	}
	return def
}

// notional 为单次开仓的名义价值：当前权益 × position_size × leverage。
func (s *simulator) notional(price float64) float64 {
	eq := s.cash + s.pos.qty*price
	return eq * param(s.params, "position_size", 0.1) * param(s.params, "leverage", 1)
}

func (s *simulator) buy(c market.Candle, qty float64) {
	if qty <= 0 {
		return
	}
	s.cash -= c.Close * qty
	s.pos.add(c.Close, qty)
	s.record(c, backtest.TradeBuy, qty, 0)
}

func (s *simulator) closeAll(c market.Candle) {
	if !s.pos.open() {
		return
	}
	qty := s.pos.qty
	pnl := trading.PnL(s.pos.entry, c.Close, qty)
	s.cash += c.Close * qty
	s.pos = position{}
	s.record(c, backtest.TradeSell, qty, pnl)
}

func (s *simulator) record(c market.Candle, side backtest.TradeSide, qty, pnl float64) {
	t := backtest.Trade{
		ID:        fmt.Sprintf("trade_%d", len(s.trades)),
		Timestamp: time.UnixMilli(c.OpenTime).UTC(),
		Type:      side,
		Price:     trading.RoundTo(c.Close, 2),
		Quantity:  qty,
		PnL:       pnl,
	}
	if s.withIDs {
		t.ID = uuid.NewString()
	}
	s.trades = append(s.trades, t)
}

// mark 以每日最后一根 K 线记录权益。
func (s *simulator) mark(c market.Candle) {
	date := time.UnixMilli(c.OpenTime).UTC().Format("2006-01-02")
	val := trading.RoundTo(s.cash+s.pos.qty*c.Close, 2)
	if date == s.lastDate && len(s.equity) > 0 {
		s.equity[len(s.equity)-1].Value = val
		return
	}
	s.lastDate = date
	s.equity = append(s.equity, backtest.EquityPoint{Date: date, Value: val})
}

// RunStrategy 在 candles 上回放策略，生成完整结果。
func RunStrategy(candles []market.Candle, p backtest.Params) (*backtest.Results, error) {
	return runStrategy(candles, p, true)
}

func runStrategy(candles []market.Candle, p backtest.Params, withIDs bool) (*backtest.Results, error) {
	strategy := strings.ToLower(strings.TrimSpace(p.Strategy))
	if !validStrategy(strategy) {
		return nil, fmt.Errorf("unknown strategy %q", p.Strategy)
	}
	if len(candles) < 3 {
		return nil, errNotEnoughCandles
	}
	sim := &simulator{params: p.Parameters, cash: initialCapital, withIDs: withIDs}
	var err error
	switch strategy {
	case "grid":
		sim.runGrid(candles)
	case "dca":
		sim.runDCA(candles)
	case "scalp":
		err = sim.runCross(candles, int(param(p.Parameters, "fast", 5)), int(param(p.Parameters, "slow", 13)))
	case "swing":
		err = sim.runCross(candles, int(param(p.Parameters, "fast", 12)), int(param(p.Parameters, "slow", 26)))
	}
	if err != nil {
		return nil, err
	}
	sim.closeAll(candles[len(candles)-1])
	sim.mark(candles[len(candles)-1])

	res := &backtest.Results{
		EquityCurve: sim.equity,
		Trades:      sim.trades,
		PriceData:   pricePoints(candles),
	}
	res.DrawdownCurve = drawdownCurve(sim.equity)
	res.Metrics = computeMetrics(sim.equity, sim.trades)
	return res, nil
}

// runGrid 价格跌破参考价 grid_span 时买入，较持仓均价上涨 grid_span 时卖出，卖出后以成交价为新参考。
func (s *simulator) runGrid(candles []market.Candle) {
	span := param(s.params, "grid_span", 0.02)
	ref := candles[0].Close
	for _, c := range candles {
		switch {
		case !s.pos.open() && c.Close <= ref*(1-span):
			s.buy(c, trading.QuantityFor(s.notional(c.Close), c.Close, 6))
		case s.pos.open() && c.Close >= s.pos.entry*(1+span):
			s.closeAll(c)
			ref = c.Close
		case !s.pos.open() && c.Close > ref:
			ref = c.Close
		}
		s.mark(c)
	}
}

// runDCA 首单后每下跌 grid_span 加仓一次（最多 safety_orders 次），均价上方 take_profit 全部止盈。
func (s *simulator) runDCA(candles []market.Candle) {
	span := param(s.params, "grid_span", 0.02)
	safety := int(param(s.params, "safety_orders", 3))
	takeProfit := param(s.params, "take_profit", 0.015)
	var lastBuy float64
	used := 0
	for _, c := range candles {
		switch {
		case !s.pos.open():
			s.buy(c, trading.QuantityFor(s.notional(c.Close), c.Close, 6))
			lastBuy, used = c.Close, 0
		case c.Close >= s.pos.entry*(1+takeProfit):
			s.closeAll(c)
		case used < safety && c.Close <= lastBuy*(1-span):
			s.buy(c, trading.QuantityFor(s.notional(c.Close), c.Close, 6))
			lastBuy = c.Close
			used++
		}
		s.mark(c)
	}
}

// runCross 快线上穿慢线开多，下穿平仓。
func (s *simulator) runCross(candles []market.Candle, fast, slow int) error {
	if fast < 2 {
		fast = 2
	}
	if slow <= fast {
		slow = fast + 1
	}
	if len(candles) <= slow {
		return errNotEnoughCandles
	}
	closes := market.Closes(candles)
	fastEMA := talib.Ema(closes, fast)
	slowEMA := talib.Ema(closes, slow)
	for i, c := range candles {
		if i > slow {
			prevDiff := fastEMA[i-1] - slowEMA[i-1]
			diff := fastEMA[i] - slowEMA[i]
			switch {
			case prevDiff <= 0 && diff > 0 && !s.pos.open():
				s.buy(c, trading.QuantityFor(s.notional(c.Close), c.Close, 6))
			case prevDiff >= 0 && diff < 0 && s.pos.open():
				s.closeAll(c)
			}
		}
		s.mark(c)
	}
	return nil
}

func drawdownCurve(equity []backtest.EquityPoint) []backtest.DrawdownPoint {
	out := make([]backtest.DrawdownPoint, 0, len(equity))
	peak := 0.0
	for _, p := range equity {
		if p.Value > peak {
			peak = p.Value
		}
		dd := 0.0
		if peak > 0 {
			dd = (p.Value - peak) / peak * 100
		}
		out = append(out, backtest.DrawdownPoint{Date: p.Date, Drawdown: trading.RoundTo(dd, 4)})
	}
	return out
}

// computeMetrics 由权益曲线与成交计算聚合指标，收益与回撤以百分比表示。
func computeMetrics(equity []backtest.EquityPoint, trades []backtest.Trade) backtest.Metrics {
	var m backtest.Metrics
	m.TotalTrades = len(trades)
	if len(equity) == 0 {
		return m
	}
	final := equity[len(equity)-1].Value
	m.TotalReturn = trading.RoundTo((final-initialCapital)/initialCapital*100, 4)

	for _, d := range drawdownCurve(equity) {
		if -d.Drawdown > m.MaxDrawdown {
			m.MaxDrawdown = -d.Drawdown
		}
	}

	closed, wins := 0, 0
	for _, t := range trades {
		if t.Type != backtest.TradeSell {
			continue
		}
		closed++
		if t.PnL > 0 {
			wins++
		}
	}
	if closed > 0 {
		m.WinRate = trading.RoundTo(float64(wins)/float64(closed)*100, 2)
	}
	m.SharpeRatio = sharpe(equity)
	return m
}

// sharpe 以日收益计算年化夏普（无风险利率取 0）。
func sharpe(equity []backtest.EquityPoint) float64 {
	if len(equity) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		prev := equity[i-1].Value
		if prev == 0 {
			returns = append(returns, 0)
			continue
		}
		returns = append(returns, (equity[i].Value-prev)/prev)
	}
	n := len(returns)
	mean := talib.Sma(returns, n)[n-1]
	std := talib.StdDev(returns, n, 1)[n-1]
	if std <= 0 || math.IsNaN(std) || math.IsNaN(mean) {
		return 0
	}
	return trading.RoundTo(mean/std*math.Sqrt(365), 4)
}

func pricePoints(candles []market.Candle) []backtest.PricePoint {
	if len(candles) > maxPricePoints {
		candles = candles[len(candles)-maxPricePoints:]
	}
	out := make([]backtest.PricePoint, 0, len(candles))
	for _, c := range candles {
		out = append(out, backtest.PricePoint{
			Timestamp: time.UnixMilli(c.OpenTime).UTC(),
			Open:      c.Open,
			High:      c.High,
			Low:       c.Low,
			Close:     c.Close,
			Volume:    c.Volume,
		})
	}
	return out
}

// Optimize 在 ParameterRanges 内采样 Iterations 组参数，以夏普比率选出最优组合。
func Optimize(candles []market.Candle, op backtest.OptimizeParams) (*backtest.Results, backtest.Summary, error) {
	if len(op.ParameterRanges) == 0 {
		return nil, backtest.Summary{}, errors.New("parameter_ranges 不能为空")
	}
	n := op.Iterations
	if n <= 0 {
		n = 20
	}
	if n > 200 {
		n = 200
	}
	names := make([]string, 0, len(op.ParameterRanges))
	for name := range op.ParameterRanges {
		names = append(names, name)
	}
	sort.Strings(names)
	rng := rand.New(rand.NewSource(int64(n)*7919 + int64(len(candles))))

	var (
		bestSet   map[string]float64
		bestScore = math.Inf(-1)
	)
	for i := 0; i < n; i++ {
		trial := make(map[string]float64, len(op.Parameters)+len(names))
		for k, v := range op.Parameters {
			trial[k] = v
		}
		for _, name := range names {
			lo, hi := op.ParameterRanges[name][0], op.ParameterRanges[name][1]
			if hi < lo {
				lo, hi = hi, lo
			}
			trial[name] = sample(op.Method, i, n, lo, hi, bestSet[name], rng)
		}
		p := op.Params
		p.Parameters = trial
		res, err := runStrategy(candles, p, false)
		if err != nil {
			return nil, backtest.Summary{}, err
		}
		if res.SharpeRatio > bestScore {
			bestSet, bestScore = trial, res.SharpeRatio
		}
	}
	// 以最优参数重跑一次，生成带 ID 的成交
	p := op.Params
	p.Parameters = bestSet
	final, err := runStrategy(candles, p, true)
	if err != nil {
		return nil, backtest.Summary{}, err
	}
	sum := backtest.Summary{
		Metrics:         final.Metrics,
		BestParameters:  bestSet,
		BestScore:       bestScore,
		TotalIterations: n,
	}
	return final, sum, nil
}

// sample 为第 i 次试验取值：grid 均匀取点，random 均匀随机，genetic 后半程围绕当前最优收窄。
func sample(method string, i, n int, lo, hi, best float64, rng *rand.Rand) float64 {
	var v float64
	switch strings.ToLower(method) {
	case "random":
		v = lo + rng.Float64()*(hi-lo)
	case "genetic":
		if i < n/2 || best == 0 {
			v = lo + rng.Float64()*(hi-lo)
		} else {
			width := (hi - lo) * 0.1
			v = best + (rng.Float64()*2-1)*width
			v = math.Max(lo, math.Min(hi, v))
		}
	default:
		if n == 1 {
			v = lo
		} else {
			v = lo + (hi-lo)*float64(i)/float64(n-1)
		}
	}
	return trading.RoundTo(v, 6)
}
