package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"pbpanel/internal/backtest"
	"pbpanel/internal/config"
	"pbpanel/internal/logger"
	"pbpanel/internal/transport/api"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	debug   bool
	cfg     config.Config
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	logger.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "pbpanel",
		Short:         "Trading bot control panel: backtest/optimize jobs, polling and results",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if debug {
				loaded.Log.Level = "debug"
			}
			if err := logger.Init(loaded.Log); err != nil {
				return fmt.Errorf("初始化日志失败: %w", err)
			}
			cfg = loaded
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "TOML config file (default: defaults + PBPANEL_* env)")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	root.AddCommand(
		newServeCommand(),
		newBackendCommand(),
		newJobsCommand(),
		newRunCommand(),
		newReportCommand(),
	)
	return root
}

// newStore 以配置中的后端地址构造指定类型的 Store。
func newStore(kind backtest.JobKind) (*backtest.Store, error) {
	client, err := api.NewClient(api.Config{BaseURL: cfg.Panel.BackendURL, Timeout: cfg.Panel.RequestTimeout()})
	if err != nil {
		return nil, err
	}
	opts := []backtest.Option{backtest.WithKind(kind)}
	if cfg.Panel.LastWriteWins {
		opts = append(opts, backtest.WithLastWriteWins())
	}
	if cfg.Panel.TradesRequired {
		opts = append(opts, backtest.WithTradesPolicy(backtest.TradesRequired))
	}
	return backtest.NewStore(client, opts...)
}

func newPoller(store *backtest.Store) (*backtest.Poller, error) {
	return backtest.NewPoller(store, backtest.PollerConfig{
		Interval:       cfg.Panel.PollInterval(),
		FollowInterval: cfg.Panel.FollowInterval(),
		AutoRefresh:    cfg.Panel.AutoRefreshEnabled(),
	})
}

func parseKind(raw string) (backtest.JobKind, error) {
	kind := backtest.JobKind(raw)
	if !kind.Valid() {
		return "", fmt.Errorf("unknown kind %q (backtest|optimize)", raw)
	}
	return kind, nil
}
