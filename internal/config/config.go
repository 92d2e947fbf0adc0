package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"pbpanel/internal/logger"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

const envPrefix = "PBPANEL_"

// Config 为 pbpanel 的全部配置。
type Config struct {
	Log     logger.Config `toml:"log"`
	Panel   PanelConfig   `toml:"panel"`
	Backend BackendConfig `toml:"backend"`
	Binance BinanceConfig `toml:"binance"`
	Presets PresetsConfig `toml:"presets"`
}

// PanelConfig 控制面板服务（store + poller + HTTP）。
type PanelConfig struct {
	Addr                  string `toml:"addr"`
	BackendURL            string `toml:"backend_url"`
	PollIntervalSeconds   int    `toml:"poll_interval_seconds"`
	FollowIntervalSeconds int    `toml:"follow_interval_seconds"`
	AutoRefresh           *bool  `toml:"auto_refresh"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
	// LastWriteWins 关闭代数保护，迟到的结果响应可以覆盖较新的结果。
	LastWriteWins  bool `toml:"last_write_wins"`
	TradesRequired bool `toml:"trades_required"`
}

// BackendConfig 控制内置的任务后端。
type BackendConfig struct {
	Addr         string `toml:"addr"`
	DBPath       string `toml:"db_path"`
	StepMillis   int    `toml:"step_millis"`
	MarketSource string `toml:"market_source"`
	Interval     string `toml:"interval"`
	CandleLimit  int    `toml:"candle_limit"`
	Workers      int    `toml:"workers"`
}

type BinanceConfig struct {
	RESTBaseURL        string `toml:"rest_base_url"`
	APIKey             string `toml:"api_key"`
	APISecret          string `toml:"api_secret"`
	HTTPTimeoutSeconds int    `toml:"http_timeout_seconds"`
}

type PresetsConfig struct {
	Path string `toml:"path"`
}

// Load 读取 .env 与 TOML 配置文件，再叠加 PBPANEL_* 环境变量。path 为空时只用默认值与环境变量。
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("加载 .env 失败: %w", err)
	}
	var cfg Config
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("读取配置文件失败: %w", err)
		}
		if err := toml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("解析配置文件失败: %w", err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg.withDefaults(), nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(name string, dst *int) error {
		v, ok := lookup(envPrefix + name)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("环境变量 %s%s 非法: %w", envPrefix, name, err)
		}
		*dst = n
		return nil
	}
	str("LOG_LEVEL", &c.Log.Level)
	str("PANEL_ADDR", &c.Panel.Addr)
	str("BACKEND_URL", &c.Panel.BackendURL)
	str("BACKEND_ADDR", &c.Backend.Addr)
	str("DB_PATH", &c.Backend.DBPath)
	str("MARKET_SOURCE", &c.Backend.MarketSource)
	str("BINANCE_API_KEY", &c.Binance.APIKey)
	str("BINANCE_API_SECRET", &c.Binance.APISecret)
	str("PRESETS_PATH", &c.Presets.Path)
	if err := num("POLL_INTERVAL_SECONDS", &c.Panel.PollIntervalSeconds); err != nil {
		return err
	}
	if err := num("STEP_MILLIS", &c.Backend.StepMillis); err != nil {
		return err
	}
	if v, ok := lookup(envPrefix + "AUTO_REFRESH"); ok && strings.TrimSpace(v) != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("环境变量 %sAUTO_REFRESH 非法: %w", envPrefix, err)
		}
		c.Panel.AutoRefresh = &b
	}
	return nil
}

func (c Config) withDefaults() Config {
	out := c
	if out.Panel.Addr == "" {
		out.Panel.Addr = ":9990"
	}
	if out.Panel.BackendURL == "" {
		out.Panel.BackendURL = "http://127.0.0.1:8000"
	}
	if out.Panel.PollIntervalSeconds <= 0 {
		out.Panel.PollIntervalSeconds = 4
	}
	if out.Panel.FollowIntervalSeconds <= 0 {
		out.Panel.FollowIntervalSeconds = 2
	}
	if out.Panel.AutoRefresh == nil {
		on := true
		out.Panel.AutoRefresh = &on
	}
	if out.Panel.RequestTimeoutSeconds <= 0 {
		out.Panel.RequestTimeoutSeconds = 30
	}
	if out.Backend.Addr == "" {
		out.Backend.Addr = ":8000"
	}
	if out.Backend.DBPath == "" {
		out.Backend.DBPath = "data/jobs.db"
	}
	if out.Backend.StepMillis <= 0 {
		out.Backend.StepMillis = 1000
	}
	if out.Backend.MarketSource == "" {
		out.Backend.MarketSource = "synthetic"
	}
	if out.Backend.Interval == "" {
		out.Backend.Interval = "1h"
	}
	if out.Backend.CandleLimit <= 0 {
		out.Backend.CandleLimit = 1500
	}
	if out.Backend.Workers <= 0 {
		out.Backend.Workers = 2
	}
	if out.Binance.HTTPTimeoutSeconds <= 0 {
		out.Binance.HTTPTimeoutSeconds = 15
	}
	if out.Presets.Path == "" {
		out.Presets.Path = "configs/presets.yaml"
	}
	return out
}

func (p PanelConfig) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalSeconds) * time.Second
}

func (p PanelConfig) FollowInterval() time.Duration {
	return time.Duration(p.FollowIntervalSeconds) * time.Second
}

func (p PanelConfig) RequestTimeout() time.Duration {
	return time.Duration(p.RequestTimeoutSeconds) * time.Second
}

func (p PanelConfig) AutoRefreshEnabled() bool {
	return p.AutoRefresh == nil || *p.AutoRefresh
}

func (b BackendConfig) Step() time.Duration {
	return time.Duration(b.StepMillis) * time.Millisecond
}

func (b BinanceConfig) HTTPTimeout() time.Duration {
	return time.Duration(b.HTTPTimeoutSeconds) * time.Second
}
