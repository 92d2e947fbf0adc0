package backtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pbpanel/internal/logger"
	"pbpanel/internal/metrics"
)

type PollState string

const (
	PollIdle    PollState = "idle"
	PollPolling PollState = "polling"
)

const (
	defaultPollInterval   = 4 * time.Second
	defaultFollowInterval = 2 * time.Second
)

type PollerConfig struct {
	Interval       time.Duration
	FollowInterval time.Duration
	AutoRefresh    bool
}

// Poller 在存在排队/运行中任务且开启自动刷新时，按固定间隔刷新 Store。
// 状态只有 IDLE 与 POLLING，每次 Store 变更都会重新判定。
type Poller struct {
	store          *Store
	interval       time.Duration
	followInterval time.Duration

	mu          sync.Mutex
	autoRefresh bool
	base        context.Context
	unsubscribe func()
	stopped     chan struct{}
	cancel      context.CancelFunc
	done        chan struct{}
	// prevDone 是最近一次退出 POLLING 的循环，其 tick 可能仍在执行。
	prevDone chan struct{}
}

func NewPoller(store *Store, cfg PollerConfig) (*Poller, error) {
	if store == nil {
		return nil, errors.New("store 不能为空")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultPollInterval
	}
	if cfg.FollowInterval <= 0 {
		cfg.FollowInterval = defaultFollowInterval
	}
	return &Poller{
		store:          store,
		interval:       cfg.Interval,
		followInterval: cfg.FollowInterval,
		autoRefresh:    cfg.AutoRefresh,
	}, nil
}

// Start 订阅 Store 并立即判定一次；ctx 取消或调用 Stop 后注销所有定时器。
// 轮询发出的请求使用 ctx，而不是定时器自身的 context，停止轮询不会中断进行中的请求。
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.base != nil {
		p.mu.Unlock()
		return
	}
	p.base = ctx
	stopped := make(chan struct{})
	p.stopped = stopped
	p.mu.Unlock()

	unsub := p.store.Subscribe(func(State) { p.Evaluate() })
	p.mu.Lock()
	if p.stopped != stopped {
		// Stop 已在订阅期间执行
		p.mu.Unlock()
		unsub()
		return
	}
	p.unsubscribe = unsub
	p.mu.Unlock()

	p.Evaluate()
	go func() {
		select {
		case <-ctx.Done():
			p.Stop()
		case <-stopped:
		}
	}()
}

// Stop 取消订阅并停止定时器，等待当前 tick 结束。
func (p *Poller) Stop() {
	p.mu.Lock()
	if p.base == nil {
		p.mu.Unlock()
		return
	}
	unsub, cancel, done, stopped := p.unsubscribe, p.cancel, p.done, p.stopped
	if done == nil {
		done = p.prevDone
	}
	p.base, p.unsubscribe, p.cancel, p.done, p.stopped, p.prevDone = nil, nil, nil, nil, nil, nil
	p.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if cancel != nil {
		cancel()
	}
	close(stopped)
	if done != nil {
		<-done
	}
	metrics.PollState.WithLabelValues(string(p.store.Kind())).Set(0)
	logger.Debugf("[poller] %s 已停止", p.store.Kind())
}

func (p *Poller) SetAutoRefresh(on bool) {
	p.mu.Lock()
	p.autoRefresh = on
	p.mu.Unlock()
	p.Evaluate()
}

func (p *Poller) AutoRefresh() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.autoRefresh
}

func (p *Poller) State() PollState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return PollPolling
	}
	return PollIdle
}

// Evaluate 按当前快照决定进入或退出 POLLING。
func (p *Poller) Evaluate() {
	p.mu.Lock()
	if p.base == nil {
		p.mu.Unlock()
		return
	}
	want := p.autoRefresh && p.store.Snapshot().ActiveJobs() > 0
	kind := string(p.store.Kind())
	switch {
	case want && p.cancel == nil:
		loopCtx, cancel := context.WithCancel(p.base)
		done := make(chan struct{})
		prev := p.prevDone
		p.cancel, p.done, p.prevDone = cancel, done, nil
		go p.loop(loopCtx, p.base, done, prev)
		metrics.PollState.WithLabelValues(kind).Set(1)
		logger.Debugf("[poller] %s IDLE -> POLLING interval=%s", kind, p.interval)
	case !want && p.cancel != nil:
		// 不等待 done：Evaluate 可能在 tick 内部经订阅回调触发。
		p.cancel()
		p.prevDone = p.done
		p.cancel, p.done = nil, nil
		metrics.PollState.WithLabelValues(kind).Set(0)
		logger.Debugf("[poller] %s POLLING -> IDLE", kind)
	}
	p.mu.Unlock()
}

// loop 先等待上一个循环退出，保证任意时刻最多一个 tick 在执行；
// done 在上一个循环结束之后才关闭，Stop 只需等待最新的 done。
func (p *Poller) loop(ctx, reqCtx context.Context, done, prev chan struct{}) {
	defer close(done)
	if prev != nil {
		<-prev
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(reqCtx)
		}
	}
}

// tick 刷新任务列表；若选中任务仍在运行，再刷新其结果。失败只记录，不终止后续 tick。
func (p *Poller) tick(ctx context.Context) {
	kind := string(p.store.Kind())
	outcome := "ok"
	if err := p.store.FetchJobs(ctx); err != nil {
		outcome = "error"
		logger.Warnf("[poller] %s 刷新任务失败: %v", kind, err)
	}
	if id, ok := selectedActiveJob(p.store.Snapshot()); ok {
		if _, err := p.store.FetchResults(ctx, id); err != nil {
			outcome = "error"
			logger.Warnf("[poller] %s 刷新结果失败 id=%s: %v", kind, id, err)
		}
	}
	metrics.PollTicks.WithLabelValues(kind, outcome).Inc()
}

// selectedActiveJob 以刷新后的列表为准判断选中任务是否仍活跃。
func selectedActiveJob(st State) (string, bool) {
	if st.CurrentJob == nil {
		return "", false
	}
	status := st.CurrentJob.Status
	for _, j := range st.Jobs {
		if j.ID == st.CurrentJob.ID {
			status = j.Status
			break
		}
	}
	return st.CurrentJob.ID, status.Active()
}

// FollowJob 每 FollowInterval 刷新一次单个任务，直到其进入终态；任务需已在 Store 中跟踪。
func (p *Poller) FollowJob(ctx context.Context, id string, onUpdate func(Job)) (Job, error) {
	ticker := time.NewTicker(p.followInterval)
	defer ticker.Stop()
	for {
		if err := p.store.FetchJobStatus(ctx, id); err != nil {
			logger.Warnf("[poller] 跟踪任务 %s 刷新失败: %v", id, err)
		}
		job, ok := trackedJob(p.store.Snapshot(), id)
		if !ok {
			return Job{}, fmt.Errorf("follow %s: %w", id, ErrNotFound)
		}
		if onUpdate != nil {
			onUpdate(job)
		}
		if job.Status.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

func trackedJob(st State, id string) (Job, bool) {
	for _, j := range st.Jobs {
		if j.ID == id {
			return j, true
		}
	}
	if st.CurrentJob != nil && st.CurrentJob.ID == id {
		return *st.CurrentJob, true
	}
	return Job{}, false
}
