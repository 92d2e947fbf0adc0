package jobserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pbpanel/internal/backtest"
	"pbpanel/internal/logger"
	"pbpanel/internal/market"
	"pbpanel/internal/metrics"

	"golang.org/x/sync/errgroup"
)

const (
	dateLayout    = "2006-01-02"
	progressStep  = 10
	queueCapacity = 256
)

var errQueueFull = errors.New("job queue is full")

type RunnerConfig struct {
	Repo        *Repository
	Source      market.Source
	Interval    string
	CandleLimit int
	// Step 为每推进 10% 进度的间隔。
	Step    time.Duration
	Workers int
}

// Runner 以固定数量的 worker 消费任务队列：拉取 K 线、回放策略，再按步长逐步公开进度与部分结果。
type Runner struct {
	repo     *Repository
	source   market.Source
	interval string
	limit    int
	step     time.Duration
	workers  int
	queue    chan string
}

func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Repo == nil {
		return nil, errors.New("repository 不能为空")
	}
	if cfg.Source == nil {
		return nil, errors.New("market source 不能为空")
	}
	if cfg.Interval == "" {
		cfg.Interval = "1h"
	}
	if _, err := market.ParseInterval(cfg.Interval); err != nil {
		return nil, err
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Step < 0 {
		cfg.Step = 0
	}
	return &Runner{
		repo:     cfg.Repo,
		source:   cfg.Source,
		interval: cfg.Interval,
		limit:    cfg.CandleLimit,
		step:     cfg.Step,
		workers:  cfg.Workers,
		queue:    make(chan string, queueCapacity),
	}, nil
}

// Enqueue 非阻塞地投递任务 ID。
func (r *Runner) Enqueue(id string) error {
	select {
	case r.queue <- id:
		return nil
	default:
		return errQueueFull
	}
}

// Run 启动 worker，阻塞直到 ctx 取消。启动时会重新投递库中仍处于排队状态的任务。
func (r *Runner) Run(ctx context.Context) error {
	if err := r.recoverJobs(ctx); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < r.workers; i++ {
		worker := i
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case id := <-r.queue:
					r.process(gctx, worker, id)
				}
			}
		})
	}
	return g.Wait()
}

// recoverJobs 重新投递库中的排队任务；投递不进队列或被重启打断的任务标记为失败，避免永远停在非终态。
func (r *Runner) recoverJobs(ctx context.Context) error {
	jobs, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("恢复排队任务失败: %w", err)
	}
	for _, j := range jobs {
		switch j.Status {
		case backtest.JobStatusQueued:
			if err := r.Enqueue(j.ID); err != nil {
				logger.Warnf("[runner] 恢复任务失败 id=%s: %v", j.ID, err)
				r.failRecovered(ctx, j.ID, "not requeued after backend restart: "+err.Error())
			}
		case backtest.JobStatusRunning:
			// 进程重启打断的任务无法续跑
			r.failRecovered(ctx, j.ID, "interrupted by backend restart")
		}
	}
	return nil
}

func (r *Runner) failRecovered(ctx context.Context, id, message string) {
	if _, err := r.repo.Fail(ctx, id, message); err != nil {
		logger.Warnf("[runner] 标记任务失败出错 id=%s: %v", id, err)
	}
}

func (r *Runner) process(ctx context.Context, worker int, id string) {
	rec, err := r.repo.Get(ctx, id)
	if err != nil {
		logger.Warnf("[runner] worker=%d 读取任务失败 id=%s: %v", worker, id, err)
		return
	}
	if rec.Job.Status != backtest.JobStatusQueued {
		logger.Debugf("[runner] 跳过非排队任务 id=%s status=%s", id, rec.Job.Status)
		return
	}
	logger.Infof("[runner] worker=%d 开始任务 id=%s type=%s", worker, id, rec.Job.Type)
	if _, err := r.repo.Progress(ctx, id, 0, nil); err != nil {
		logger.Warnf("[runner] 标记运行失败 id=%s: %v", id, err)
		return
	}

	final, extra, err := r.simulate(ctx, rec)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.Warnf("[runner] 任务失败 id=%s: %v", id, err)
		if _, ferr := r.repo.Fail(ctx, id, err.Error()); ferr != nil {
			logger.Errorf("[runner] 写入失败状态出错 id=%s: %v", id, ferr)
		}
		metrics.BackendJobs.WithLabelValues(string(rec.Job.Type), string(backtest.JobStatusFailed)).Inc()
		return
	}

	for pct := progressStep; pct < 100; pct += progressStep {
		if !sleepCtx(ctx, r.step) {
			return
		}
		ok, err := r.repo.Progress(ctx, id, pct, PartialResults(final, pct))
		if err != nil {
			logger.Warnf("[runner] 更新进度失败 id=%s: %v", id, err)
			continue
		}
		if !ok {
			logger.Infof("[runner] 任务已取消 id=%s progress=%d", id, pct)
			metrics.BackendJobs.WithLabelValues(string(rec.Job.Type), string(backtest.JobStatusCancelled)).Inc()
			return
		}
	}
	if !sleepCtx(ctx, r.step) {
		return
	}
	ok, err := r.repo.Complete(ctx, id, final, extra)
	if err != nil {
		logger.Errorf("[runner] 写入结果失败 id=%s: %v", id, err)
		return
	}
	if ok {
		logger.Infof("[runner] 任务完成 id=%s return=%.2f%% sharpe=%.2f", id, final.TotalReturn, final.SharpeRatio)
		metrics.BackendJobs.WithLabelValues(string(rec.Job.Type), string(backtest.JobStatusCompleted)).Inc()
	}
}

func (r *Runner) simulate(ctx context.Context, rec Record) (*backtest.Results, *backtest.Summary, error) {
	if rec.Job.Params == nil {
		return nil, nil, errors.New("job has no parameters")
	}
	p := *rec.Job.Params
	start, end, err := dateRange(p.StartDate, p.EndDate)
	if err != nil {
		return nil, nil, err
	}
	candles, err := r.source.FetchRange(ctx, p.Symbol, r.interval, start, end, r.limit)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch candles: %w", err)
	}
	step, _ := market.ParseInterval(r.interval)
	if cov := market.CheckCoverage(candles, step.Milliseconds(), start, end); !cov.Complete() && (r.limit <= 0 || len(candles) < r.limit) {
		logger.Warnf("[runner] %s %s K 线缺失 %d 段（%d/%d）", p.Symbol, r.interval, len(cov.Gaps), cov.Present, cov.Expected)
	}

	var (
		res   *backtest.Results
		extra *backtest.Summary
	)
	if rec.Job.Type == backtest.KindOptimize {
		op := backtest.OptimizeParams{Params: p}
		if rec.Optimize != nil {
			op = *rec.Optimize
		}
		best, sum, err := Optimize(candles, op)
		if err != nil {
			return nil, nil, err
		}
		res, extra = best, &sum
	} else {
		res, err = RunStrategy(candles, p)
		if err != nil {
			return nil, nil, err
		}
	}
	res.JobID = rec.Job.ID
	return res, extra, nil
}

// PartialResults 截取前 pct% 的序列并据此重算指标，用于运行中任务的实时展示。
func PartialResults(full *backtest.Results, pct int) *backtest.Results {
	if full == nil {
		return nil
	}
	if pct >= 100 {
		return full
	}
	cut := func(n int) int {
		k := n * pct / 100
		if k < 1 && n > 0 {
			k = 1
		}
		return k
	}
	out := &backtest.Results{
		JobID:         full.JobID,
		EquityCurve:   append([]backtest.EquityPoint(nil), full.EquityCurve[:cut(len(full.EquityCurve))]...),
		DrawdownCurve: append([]backtest.DrawdownPoint(nil), full.DrawdownCurve[:cut(len(full.DrawdownCurve))]...),
		PriceData:     append([]backtest.PricePoint(nil), full.PriceData[:cut(len(full.PriceData))]...),
	}
	if len(out.EquityCurve) > 0 {
		last := out.EquityCurve[len(out.EquityCurve)-1].Date
		for _, t := range full.Trades {
			if t.Timestamp.Format(dateLayout) > last {
				break
			}
			out.Trades = append(out.Trades, t)
		}
	}
	if out.Trades == nil {
		out.Trades = []backtest.Trade{}
	}
	out.Metrics = computeMetrics(out.EquityCurve, out.Trades)
	return out
}

// dateRange 将 yyyy-MM-dd 转为毫秒区间，结束日包含当天。
func dateRange(startDate, endDate string) (int64, int64, error) {
	start, err := time.Parse(dateLayout, startDate)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid start_date %q", startDate)
	}
	end, err := time.Parse(dateLayout, endDate)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid end_date %q", endDate)
	}
	if end.Before(start) {
		return 0, 0, errors.New("end_date before start_date")
	}
	return start.UnixMilli(), end.Add(24*time.Hour).UnixMilli() - 1, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
