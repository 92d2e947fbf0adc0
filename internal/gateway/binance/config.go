package binance

import "time"

// Config 描述 Binance 合约行情源运行所需的参数。
type Config struct {
	RESTBaseURL string
	APIKey      string
	APISecret   string
	HTTPTimeout time.Duration
	// PageLimit 为单次 klines 请求的最大根数。
	PageLimit int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.RESTBaseURL == "" {
		out.RESTBaseURL = "https://fapi.binance.com"
	}
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = 15 * time.Second
	}
	if out.PageLimit <= 0 || out.PageLimit > maxHistoryLimit {
		out.PageLimit = maxHistoryLimit
	}
	return out
}
