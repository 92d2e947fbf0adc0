package trading

import "github.com/shopspring/decimal"

// CalcCloseAmount 按比例计算平仓数量。
// isInitialRatio=true 时以初始仓位为基数（缺失时退回当前仓位），结果不超过当前仓位。
func CalcCloseAmount(currentAmount, initialAmount, ratio float64, isInitialRatio bool) float64 {
	if ratio <= 0 || currentAmount <= 0 {
		return 0
	}
	if ratio > 1 {
		ratio = 1
	}
	base := currentAmount
	if isInitialRatio && initialAmount > 0 {
		base = initialAmount
	}
	target := CeilTo(base*ratio, 2)
	if target > currentAmount {
		return currentAmount
	}
	return target
}

// CeilTo 向上取整到 places 位小数，抵消交易所向下截断数量留下的零头。
func CeilTo(v float64, places int32) float64 {
	if places < 0 {
		places = 0
	}
	return decimal.NewFromFloat(v).RoundCeil(places).InexactFloat64()
}

// RoundTo 四舍五入到 places 位小数，用于价格与盈亏展示。
func RoundTo(v float64, places int32) float64 {
	return decimal.NewFromFloat(v).Round(places).InexactFloat64()
}

// QuantityFor 以名义价值 notional 与价格换算下单数量，向下取整到 places 位。
func QuantityFor(notional, price float64, places int32) float64 {
	if notional <= 0 || price <= 0 {
		return 0
	}
	return decimal.NewFromFloat(notional).Div(decimal.NewFromFloat(price)).RoundFloor(places).InexactFloat64()
}

// PnL 计算一笔平仓的盈亏（多头为正向）。
func PnL(entry, exit, qty float64) float64 {
	d := decimal.NewFromFloat(exit).Sub(decimal.NewFromFloat(entry)).Mul(decimal.NewFromFloat(qty))
	return d.Round(4).InexactFloat64()
}
