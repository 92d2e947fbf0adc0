package backtest

import (
	"context"
	"errors"
)

// ErrNotFound 由 Transport 在任务或结果不存在时返回（可被包装）。
var ErrNotFound = errors.New("not found")

// StartResponse 为启动任务的响应。
type StartResponse struct {
	JobID  string    `json:"job_id"`
	Status JobStatus `json:"status"`
}

// Transport 是 Store 访问任务管理端的边界。
type Transport interface {
	ListJobs(ctx context.Context) ([]Job, error)
	GetJob(ctx context.Context, id string) (Job, error)
	StartBacktest(ctx context.Context, params Params) (StartResponse, error)
	StartOptimize(ctx context.Context, params OptimizeParams) (StartResponse, error)
	GetResults(ctx context.Context, id string) (*Results, error)
	GetTrades(ctx context.Context, id string) ([]Trade, error)
	CancelJob(ctx context.Context, id string) error
}
