package main

import (
	"os"

	"pbpanel/internal/backtest"

	"github.com/spf13/cobra"
)

func newJobsCommand() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs of one kind as a table",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := parseKind(kind)
			if err != nil {
				return err
			}
			store, err := newStore(k)
			if err != nil {
				return err
			}
			if err := store.FetchJobs(cmd.Context()); err != nil {
				return err
			}
			backtest.RenderJobsTable(os.Stdout, store.Snapshot().Jobs)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(backtest.KindBacktest), "job kind (backtest|optimize)")
	return cmd
}
