package backtest

import (
	"errors"
	"fmt"
	"io"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// ErrNoResults 表示当前没有可渲染的结果。
var ErrNoResults = errors.New("no results loaded")

const (
	chartWidth  = "1100px"
	chartHeight = "360px"
	colorGain   = "#16a34a"
	colorLoss   = "#dc2626"
)

// RenderResultsChart 将结果渲染为包含权益、回撤与逐笔盈亏三张图的 HTML 页面。
func RenderResultsChart(w io.Writer, res *Results) error {
	if res == nil {
		return ErrNoResults
	}
	page := components.NewPage()
	page.PageTitle = fmt.Sprintf("Results %s", res.JobID)
	page.AddCharts(equityChart(res), drawdownChart(res), pnlChart(res))
	return page.Render(w)
}

func equityChart(res *Results) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: chartWidth, Height: chartHeight}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Equity",
			Subtitle: fmt.Sprintf("return %.2f%%  sharpe %.2f  trades %d", res.TotalReturn, res.SharpeRatio, res.TotalTrades),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Trigger: "axis"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
	)
	x := make([]string, 0, len(res.EquityCurve))
	data := make([]opts.LineData, 0, len(res.EquityCurve))
	for _, p := range res.EquityCurve {
		x = append(x, p.Date)
		data = append(data, opts.LineData{Value: p.Value})
	}
	line.SetXAxis(x).AddSeries("equity", data)
	return line
}

func drawdownChart(res *Results) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: chartWidth, Height: chartHeight}),
		charts.WithTitleOpts(opts.Title{Title: "Drawdown", Subtitle: fmt.Sprintf("max %.2f%%", res.MaxDrawdown)}),
		charts.WithTooltipOpts(opts.Tooltip{Trigger: "axis"}),
	)
	x := make([]string, 0, len(res.DrawdownCurve))
	data := make([]opts.LineData, 0, len(res.DrawdownCurve))
	for _, p := range res.DrawdownCurve {
		x = append(x, p.Date)
		data = append(data, opts.LineData{Value: p.Drawdown})
	}
	line.SetXAxis(x).AddSeries("drawdown %", data)
	return line
}

// pnlChart 只展示平仓成交（sell）的盈亏。
func pnlChart(res *Results) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: chartWidth, Height: chartHeight}),
		charts.WithTitleOpts(opts.Title{Title: "Trade PnL", Subtitle: fmt.Sprintf("win rate %.1f%%", res.WinRate)}),
		charts.WithTooltipOpts(opts.Tooltip{Trigger: "axis"}),
	)
	x := make([]string, 0, len(res.Trades))
	data := make([]opts.BarData, 0, len(res.Trades))
	for _, t := range res.Trades {
		if t.Type != TradeSell {
			continue
		}
		color := colorGain
		if t.PnL < 0 {
			color = colorLoss
		}
		x = append(x, t.Timestamp.Format("01-02 15:04"))
		data = append(data, opts.BarData{Value: t.PnL, ItemStyle: &opts.ItemStyle{Color: color}})
	}
	bar.SetXAxis(x).AddSeries("pnl", data)
	return bar
}
