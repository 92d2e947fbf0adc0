package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"pbpanel/internal/backtest"
	"pbpanel/internal/logger"
	"pbpanel/internal/presets"

	"github.com/spf13/cobra"
)

type runFlags struct {
	kind     string
	preset   string
	symbol   string
	start    string
	end      string
	strategy string
	params   map[string]string
	save     string
}

func newRunCommand() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a backtest (or optimize with --kind optimize --preset) and follow it to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKind(f.kind)
			if err != nil {
				return err
			}
			store, err := newStore(kind)
			if err != nil {
				return err
			}
			poller, err := newPoller(store)
			if err != nil {
				return err
			}
			ps := presets.NewStore(cfg.Presets.Path)
			ctx := cmd.Context()

			var id string
			if kind == backtest.KindOptimize {
				if f.preset == "" {
					return errors.New("optimize 需要 --preset（parameter_ranges 来自预设）")
				}
				op, err := ps.OptimizeParams(f.preset)
				if err != nil {
					return err
				}
				id, err = store.StartOptimize(ctx, op)
				if err != nil {
					return err
				}
			} else {
				params, err := f.backtestParams(ps, cmd.Flags().Changed)
				if err != nil {
					return err
				}
				id, err = store.StartBacktest(ctx, params)
				if err != nil {
					return err
				}
			}
			logger.Infof("[run] 已提交 %s id=%s", kind, id)

			last := -1
			job, err := poller.FollowJob(ctx, id, func(j backtest.Job) {
				if j.Progress != last {
					last = j.Progress
					logger.Infof("[run] %s %s %d%%", j.ID, j.Status, j.Progress)
				}
			})
			if err != nil {
				return err
			}
			if job.Status != backtest.JobStatusCompleted {
				return fmt.Errorf("job %s ended as %s: %s", job.ID, job.Status, job.Error)
			}
			if _, err := store.FetchResults(ctx, id); err != nil {
				return err
			}
			var best map[string]float64
			if job.Results != nil {
				best = job.Results.BestParameters
			}
			backtest.RenderMetricsTable(os.Stdout, store.Snapshot().Results, best)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.kind, "kind", string(backtest.KindBacktest), "job kind (backtest|optimize)")
	cmd.Flags().StringVar(&f.preset, "preset", "", "use a saved preset from the presets file")
	cmd.Flags().StringVar(&f.symbol, "symbol", "", "symbol, e.g. BTCUSDT")
	cmd.Flags().StringVar(&f.start, "start", "", "start date yyyy-MM-dd")
	cmd.Flags().StringVar(&f.end, "end", "", "end date yyyy-MM-dd")
	cmd.Flags().StringVar(&f.strategy, "strategy", "grid", "strategy (grid|dca|scalp|swing)")
	cmd.Flags().StringToStringVar(&f.params, "param", nil, "strategy parameter, e.g. --param grid_span=0.01")
	cmd.Flags().StringVar(&f.save, "save", "", "save the flags as a preset with this name before running")
	return cmd
}

// backtestParams 以预设为底，命令行显式给出的值优先。
func (f runFlags) backtestParams(ps *presets.Store, changed func(string) bool) (backtest.Params, error) {
	var p backtest.Params
	if f.preset != "" {
		loaded, err := ps.Params(f.preset)
		if err != nil {
			return backtest.Params{}, err
		}
		p = loaded
	}
	if f.symbol != "" {
		p.Symbol = f.symbol
	}
	if f.start != "" {
		p.StartDate = f.start
	}
	if f.end != "" {
		p.EndDate = f.end
	}
	if f.preset == "" || changed("strategy") {
		p.Strategy = f.strategy
	}
	if len(f.params) > 0 && p.Parameters == nil {
		p.Parameters = make(map[string]float64, len(f.params))
	}
	for k, raw := range f.params {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return backtest.Params{}, fmt.Errorf("--param %s=%s 非法: %w", k, raw, err)
		}
		p.Parameters[k] = v
	}
	if f.save != "" {
		err := ps.Save(f.save, presets.Entry{
			Symbol:     p.Symbol,
			Exchange:   p.Exchange,
			Strategy:   p.Strategy,
			StartDate:  p.StartDate,
			EndDate:    p.EndDate,
			Parameters: p.Parameters,
		})
		if err != nil {
			return backtest.Params{}, err
		}
		logger.Infof("[run] 预设已保存 %s -> %s", f.save, ps.Path())
	}
	return p, nil
}
