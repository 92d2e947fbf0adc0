package main

import (
	"pbpanel/internal/backtest"
	"pbpanel/internal/presets"

	"github.com/spf13/cobra"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the panel server (job store, poller, web UI)",
		RunE: func(cmd *cobra.Command, args []string) error {
			var views []backtest.View
			for _, kind := range []backtest.JobKind{backtest.KindBacktest, backtest.KindOptimize} {
				store, err := newStore(kind)
				if err != nil {
					return err
				}
				poller, err := newPoller(store)
				if err != nil {
					return err
				}
				views = append(views, backtest.View{Store: store, Poller: poller})
			}
			srv, err := backtest.NewHTTPServer(backtest.HTTPConfig{
				Addr:    cfg.Panel.Addr,
				Views:   views,
				Presets: presets.NewStore(cfg.Presets.Path),
			})
			if err != nil {
				return err
			}
			return srv.Start(cmd.Context())
		},
	}
}
