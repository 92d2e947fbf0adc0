package main

import (
	"fmt"
	"strings"

	"pbpanel/internal/gateway/binance"
	"pbpanel/internal/jobserver"
	"pbpanel/internal/logger"
	"pbpanel/internal/market"

	"github.com/spf13/cobra"
)

const candleCacheEntries = 64

func newBackendCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "backend",
		Short: "Run the job backend (queue, simulation, sqlite storage)",
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := jobserver.OpenRepository(cfg.Backend.DBPath)
			if err != nil {
				return err
			}
			defer repo.Close()

			src, err := newMarketSource()
			if err != nil {
				return err
			}
			runner, err := jobserver.NewRunner(jobserver.RunnerConfig{
				Repo:        repo,
				Source:      market.NewCachedSource(src, candleCacheEntries),
				Interval:    cfg.Backend.Interval,
				CandleLimit: cfg.Backend.CandleLimit,
				Step:        cfg.Backend.Step(),
				Workers:     cfg.Backend.Workers,
			})
			if err != nil {
				return err
			}
			srv, err := jobserver.NewServer(jobserver.ServerConfig{Addr: cfg.Backend.Addr, Repo: repo, Runner: runner})
			if err != nil {
				return err
			}
			logger.Infof("[backend] db=%s market=%s interval=%s workers=%d", cfg.Backend.DBPath, cfg.Backend.MarketSource, cfg.Backend.Interval, cfg.Backend.Workers)
			return jobserver.Serve(cmd.Context(), srv, runner)
		},
	}
}

func newMarketSource() (market.Source, error) {
	switch strings.ToLower(cfg.Backend.MarketSource) {
	case "synthetic":
		return market.NewSyntheticSource(), nil
	case "binance":
		src, err := binance.New(binance.Config{
			RESTBaseURL: cfg.Binance.RESTBaseURL,
			APIKey:      cfg.Binance.APIKey,
			APISecret:   cfg.Binance.APISecret,
			HTTPTimeout: cfg.Binance.HTTPTimeout(),
		})
		if err != nil {
			return nil, err
		}
		return src, nil
	default:
		return nil, fmt.Errorf("unknown market source %q (synthetic|binance)", cfg.Backend.MarketSource)
	}
}
