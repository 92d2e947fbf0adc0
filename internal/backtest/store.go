package backtest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"pbpanel/internal/logger"

	"golang.org/x/sync/errgroup"
)

// State 为 Store 的完整可观察状态。
type State struct {
	Jobs       []Job    `json:"jobs"`
	CurrentJob *Job     `json:"current_job"`
	Results    *Results `json:"results"`
	IsLoading  bool     `json:"is_loading"`
	Error      string   `json:"error,omitempty"`
}

func (s State) clone() State {
	out := State{
		IsLoading: s.IsLoading,
		Error:     s.Error,
		Results:   s.Results.clone(),
	}
	out.Jobs = make([]Job, len(s.Jobs))
	for i := range s.Jobs {
		out.Jobs[i] = s.Jobs[i].copy()
	}
	if s.CurrentJob != nil {
		cur := s.CurrentJob.copy()
		out.CurrentJob = &cur
	}
	return out
}

// ActiveJobs 统计排队或运行中的任务数。
func (s State) ActiveJobs() int {
	n := 0
	for _, j := range s.Jobs {
		if j.Status.Active() {
			n++
		}
	}
	return n
}

// TradesPolicy 决定成交明细子请求失败时的处理方式。
type TradesPolicy int

const (
	// TradesFallbackEmpty 成交明细失败时以空列表代替，结果照常写入。
	TradesFallbackEmpty TradesPolicy = iota
	// TradesRequired 成交明细失败视为整体失败。
	TradesRequired
)

type Option func(*Store)

// WithKind 指定 store 关注的任务类型，默认 backtest。
func WithKind(kind JobKind) Option {
	return func(s *Store) {
		if kind.Valid() {
			s.kind = kind
		}
	}
}

func WithTradesPolicy(p TradesPolicy) Option {
	return func(s *Store) { s.trades = p }
}

// WithLastWriteWins 关闭结果请求的代数保护：最后返回的响应总会覆盖 results，即使它对应更早的请求。
func WithLastWriteWins() Option {
	return func(s *Store) { s.lastWriteWins = true }
}

// Store 是任务列表、当前选中任务与结果的内存缓存。
// 锁从不跨越 Transport 调用，重叠的请求按返回顺序生效。
type Store struct {
	transport     Transport
	kind          JobKind
	trades        TradesPolicy
	lastWriteWins bool

	mu       sync.Mutex
	state    State
	gen      uint64
	inflight int
	subs     map[int]func(State)
	nextSub  int
}

func NewStore(transport Transport, opts ...Option) (*Store, error) {
	if transport == nil {
		return nil, errors.New("transport 不能为空")
	}
	s := &Store{
		transport: transport,
		kind:      KindBacktest,
		state:     State{Jobs: []Job{}},
		subs:      make(map[int]func(State)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

func (s *Store) Kind() JobKind { return s.kind }

// Snapshot 返回状态的深拷贝。
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Subscribe 在每次状态变更后以快照回调 fn，返回取消函数。
func (s *Store) Subscribe(fn func(State)) func() {
	if fn == nil {
		return func() {}
	}
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// update 在锁内修改状态，锁外通知订阅者。
func (s *Store) update(fn func(st *State)) {
	s.mu.Lock()
	fn(&s.state)
	snap := s.state.clone()
	subs := make([]func(State), 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		sub(snap)
	}
}

func (s *Store) beginLoading() {
	s.update(func(st *State) {
		st.IsLoading = true
		st.Error = ""
	})
}

func (s *Store) fail(err error, fallback string) {
	msg := errorMessage(err, fallback)
	s.update(func(st *State) {
		st.Error = msg
		st.IsLoading = false
	})
}

// FetchJobs 拉取全部任务，仅保留本 store 类型的任务并整体替换；失败时保留旧列表。
func (s *Store) FetchJobs(ctx context.Context) error {
	s.beginLoading()
	jobs, err := s.transport.ListJobs(ctx)
	if err != nil {
		logger.Warnf("[store] 拉取任务列表失败: %v", err)
		s.fail(err, "Failed to fetch jobs")
		return fmt.Errorf("fetch jobs: %w", err)
	}
	filtered := make([]Job, 0, len(jobs))
	for i := range jobs {
		if jobs[i].Type == s.kind {
			filtered = append(filtered, jobs[i].copy())
		}
	}
	s.update(func(st *State) {
		st.Jobs = filtered
		st.IsLoading = false
	})
	return nil
}

// StartBacktest 提交回测；成功后刷新任务列表并返回新任务 ID。不做本地乐观插入。
func (s *Store) StartBacktest(ctx context.Context, params Params) (string, error) {
	return s.start(ctx, "Failed to start backtest", func(ctx context.Context) (StartResponse, error) {
		return s.transport.StartBacktest(ctx, params.clone())
	})
}

// StartOptimize 与 StartBacktest 语义一致，走优化任务接口。
func (s *Store) StartOptimize(ctx context.Context, params OptimizeParams) (string, error) {
	return s.start(ctx, "Failed to start optimization", func(ctx context.Context) (StartResponse, error) {
		return s.transport.StartOptimize(ctx, params)
	})
}

func (s *Store) start(ctx context.Context, fallback string, call func(context.Context) (StartResponse, error)) (string, error) {
	s.beginLoading()
	resp, err := call(ctx)
	if err != nil {
		logger.Warnf("[store] 提交任务失败: %v", err)
		s.fail(err, fallback)
		return "", fmt.Errorf("start job: %w", err)
	}
	logger.Infof("[store] 任务已提交 id=%s status=%s", resp.JobID, resp.Status)
	// 列表刷新失败只记录在 error 字段，不影响返回任务 ID。
	_ = s.FetchJobs(ctx)
	s.update(func(st *State) { st.IsLoading = false })
	return resp.JobID, nil
}

// FetchJobStatus 尽力刷新单个任务：找到则原位覆盖，若为当前选中任务也同步更新。
// 任务不存在时不做任何修改。
func (s *Store) FetchJobStatus(ctx context.Context, id string) error {
	job, err := s.transport.GetJob(ctx, id)
	if errors.Is(err, ErrNotFound) {
		logger.Debugf("[store] 任务不存在 id=%s", id)
		return nil
	}
	if err != nil {
		logger.Warnf("[store] 刷新任务状态失败 id=%s: %v", id, err)
		msg := errorMessage(err, "Failed to fetch job status")
		s.update(func(st *State) { st.Error = msg })
		return fmt.Errorf("fetch job %s: %w", id, err)
	}
	fresh := job.copy()
	s.update(func(st *State) {
		for i := range st.Jobs {
			if st.Jobs[i].ID == id {
				jobs := append([]Job(nil), st.Jobs...)
				jobs[i] = fresh.copy()
				st.Jobs = jobs
				break
			}
		}
		if st.CurrentJob != nil && st.CurrentJob.ID == id {
			cur := fresh.copy()
			st.CurrentJob = &cur
		}
	})
	return nil
}

// FetchResults 并发拉取结果与成交明细，整体替换 results。
// 默认丢弃已被更新请求取代的响应（ResultSet.Stale）。
func (s *Store) FetchResults(ctx context.Context, id string) (ResultSet, error) {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.inflight++
	s.mu.Unlock()
	s.beginLoading()

	set := ResultSet{JobID: id}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, err := s.transport.GetResults(gctx, id)
		if err != nil {
			set.Results = Fail[*Results](err)
			return err
		}
		if res == nil {
			err = fmt.Errorf("results for %s: %w", id, ErrNotFound)
			set.Results = Fail[*Results](err)
			return err
		}
		set.Results = Ok(res)
		return nil
	})
	g.Go(func() error {
		trades, err := s.transport.GetTrades(gctx, id)
		if err != nil {
			set.Trades = Fail[[]Trade](err)
			return nil
		}
		set.Trades = Ok(trades)
		return nil
	})
	err := g.Wait()
	if err == nil && !set.Trades.OK() && s.trades == TradesRequired {
		err = set.Trades.Err
	}

	s.mu.Lock()
	stale := !s.lastWriteWins && gen != s.gen
	s.inflight--
	idle := s.inflight == 0
	s.mu.Unlock()
	if stale {
		logger.Debugf("[store] 丢弃过期结果响应 id=%s gen=%d", id, gen)
		set.Stale = true
		if idle {
			// 被 ClearResults 作废且没有后续请求时，需要复位 loading。
			s.update(func(st *State) { st.IsLoading = false })
		}
		return set, nil
	}

	if err != nil {
		logger.Warnf("[store] 拉取结果失败 id=%s: %v", id, err)
		s.fail(err, "Failed to fetch results")
		return set, fmt.Errorf("fetch results %s: %w", id, err)
	}
	if !set.Trades.OK() {
		logger.Debugf("[store] 成交明细不可用 id=%s: %s", id, set.Trades.Reason())
	}

	next := set.Results.Value.clone()
	if next.JobID == "" {
		next.JobID = id
	}
	switch {
	case set.Trades.OK() && set.Trades.Value != nil:
		next.Trades = append([]Trade{}, set.Trades.Value...)
	case !set.Trades.OK():
		next.Trades = []Trade{}
	}
	if next.Trades == nil {
		next.Trades = []Trade{}
	}
	s.update(func(st *State) {
		st.Results = next
		st.IsLoading = false
	})
	return set, nil
}

// CancelJob 请求取消任务后刷新其状态。
func (s *Store) CancelJob(ctx context.Context, id string) error {
	if err := s.transport.CancelJob(ctx, id); err != nil {
		logger.Warnf("[store] 取消任务失败 id=%s: %v", id, err)
		s.fail(err, "Failed to cancel job")
		return fmt.Errorf("cancel job %s: %w", id, err)
	}
	return s.FetchJobStatus(ctx, id)
}

// ClearResults 原子地清空 results、当前选中任务与 error；进行中的结果请求随之作废。
func (s *Store) ClearResults() {
	s.mu.Lock()
	s.gen++
	s.mu.Unlock()
	s.update(func(st *State) {
		st.Results = nil
		st.CurrentJob = nil
		st.Error = ""
	})
}

// SetCurrentJob 仅赋值选中任务，不校验其是否在 jobs 中；nil 表示取消选择。
func (s *Store) SetCurrentJob(job *Job) {
	var cur *Job
	if job != nil {
		c := job.copy()
		cur = &c
	}
	s.update(func(st *State) { st.CurrentJob = cur })
}

// SelectJob 切换选中任务；切换到不同任务时在同一次变更内清空旧 results，
// 并作废进行中的结果请求。重复选中同一任务保留 results。
func (s *Store) SelectJob(job *Job) {
	var cur *Job
	if job != nil {
		c := job.copy()
		cur = &c
	}
	s.update(func(st *State) {
		if cur == nil || st.CurrentJob == nil || st.CurrentJob.ID != cur.ID {
			s.gen++
			st.Results = nil
		}
		st.CurrentJob = cur
	})
}

func errorMessage(err error, fallback string) string {
	if err == nil {
		return fallback
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return fallback
}
