package main

import (
	"os"
	"path/filepath"
	"strings"

	"pbpanel/internal/backtest"
	"pbpanel/internal/logger"
	"pbpanel/internal/report"

	"github.com/spf13/cobra"
)

func newReportCommand() *cobra.Command {
	var (
		kind string
		out  string
		png  bool
	)
	cmd := &cobra.Command{
		Use:   "report <job-id>",
		Short: "Render a job's results to an HTML chart (optionally a PNG snapshot)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := parseKind(kind)
			if err != nil {
				return err
			}
			store, err := newStore(k)
			if err != nil {
				return err
			}
			id := args[0]
			set, err := store.FetchResults(cmd.Context(), id)
			if err != nil {
				return err
			}
			if !set.Trades.OK() {
				logger.Warnf("[report] 成交明细不可用: %s", set.Trades.Reason())
			}
			if out == "" {
				out = filepath.Join("reports", id+".html")
			}
			res := store.Snapshot().Results
			if err := report.WriteHTML(out, res); err != nil {
				return err
			}
			logger.Infof("[report] 图表已写入 %s", out)
			backtest.RenderMetricsTable(os.Stdout, res, nil)
			if !png {
				return nil
			}
			pngPath := strings.TrimSuffix(out, filepath.Ext(out)) + ".png"
			return report.Snapshot(cmd.Context(), out, pngPath, report.SnapshotOptions{})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(backtest.KindBacktest), "job kind (backtest|optimize)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output html path (default reports/<id>.html)")
	cmd.Flags().BoolVar(&png, "png", false, "also save a PNG snapshot via headless Chrome")
	return cmd
}
