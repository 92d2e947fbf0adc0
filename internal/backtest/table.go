package backtest

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// RenderJobsTable 以表格输出任务列表，保持传入顺序。
func RenderJobsTable(w io.Writer, jobs []Job) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"ID", "Type", "Status", "Progress", "Symbol", "Strategy", "Created", "Return %", "Sharpe"})
	for _, j := range jobs {
		symbol, strategy := "-", "-"
		if j.Params != nil {
			symbol, strategy = j.Params.Symbol, j.Params.Strategy
		}
		ret, sharpe := "-", "-"
		if j.Results != nil {
			ret = fmt.Sprintf("%.2f", j.Results.TotalReturn)
			sharpe = fmt.Sprintf("%.2f", j.Results.SharpeRatio)
		}
		t.AppendRow(table.Row{
			j.ID,
			j.Type,
			statusText(j),
			fmt.Sprintf("%d%%", j.Progress),
			symbol,
			strategy,
			j.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			ret,
			sharpe,
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "", "total", len(jobs), ""})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Progress", Align: text.AlignRight},
		{Name: "Return %", Align: text.AlignRight},
		{Name: "Sharpe", Align: text.AlignRight},
	})
	t.Render()
}

func statusText(j Job) string {
	s := string(j.Status)
	switch j.Status {
	case JobStatusCompleted:
		return text.FgGreen.Sprint(s)
	case JobStatusFailed:
		if j.Error != "" {
			return text.FgRed.Sprint(s + ": " + trimTo(j.Error, 40))
		}
		return text.FgRed.Sprint(s)
	case JobStatusRunning:
		return text.FgYellow.Sprint(s)
	}
	return s
}

// RenderMetricsTable 输出结果指标；优化任务的最优参数按名称排序追加在后。
func RenderMetricsTable(w io.Writer, res *Results, best map[string]float64) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Metric", "Value"})
	if res == nil {
		t.AppendRow(table.Row{"results", "-"})
		t.Render()
		return
	}
	t.AppendRows([]table.Row{
		{"job", res.JobID},
		{"total return", fmt.Sprintf("%.2f%%", res.TotalReturn)},
		{"sharpe ratio", fmt.Sprintf("%.2f", res.SharpeRatio)},
		{"max drawdown", fmt.Sprintf("%.2f%%", res.MaxDrawdown)},
		{"win rate", fmt.Sprintf("%.2f%%", res.WinRate)},
		{"trades", res.TotalTrades},
	})
	if len(best) > 0 {
		names := make([]string, 0, len(best))
		for k := range best {
			names = append(names, k)
		}
		sort.Strings(names)
		t.AppendSeparator()
		for _, k := range names {
			t.AppendRow(table.Row{"best " + k, best[k]})
		}
	}
	t.Render()
}

// trimTo 限制字符串长度，超长则追加省略号
func trimTo(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
