package backtest

import (
	"context"
	"errors"
	"sync"
)

// fakeTransport 以内存数据伪造任务后端，可注入错误与阻塞。
type fakeTransport struct {
	mu sync.Mutex

	jobs    []Job
	results map[string]*Results
	trades  map[string][]Trade

	listErr    error
	getErr     error
	startErr   error
	resultsErr error
	tradesErr  error
	cancelErr  error

	startResp StartResponse
	// gate 非空时 GetResults 在返回前等待对应 id 的信号。
	gate map[string]chan struct{}

	listCalls    int
	startCalls   int
	resultsCalls int
	cancelled    []string
	lastParams   Params
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		results: make(map[string]*Results),
		trades:  make(map[string][]Trade),
		gate:    make(map[string]chan struct{}),
	}
}

func (f *fakeTransport) ListJobs(ctx context.Context) ([]Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]Job, len(f.jobs))
	for i := range f.jobs {
		out[i] = f.jobs[i].copy()
	}
	return out, nil
}

func (f *fakeTransport) GetJob(ctx context.Context, id string) (Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return Job{}, f.getErr
	}
	for i := range f.jobs {
		if f.jobs[i].ID == id {
			return f.jobs[i].copy(), nil
		}
	}
	return Job{}, ErrNotFound
}

func (f *fakeTransport) StartBacktest(ctx context.Context, params Params) (StartResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	f.lastParams = params
	if f.startErr != nil {
		return StartResponse{}, f.startErr
	}
	return f.startResp, nil
}

func (f *fakeTransport) StartOptimize(ctx context.Context, params OptimizeParams) (StartResponse, error) {
	return f.StartBacktest(ctx, params.Params)
}

func (f *fakeTransport) GetResults(ctx context.Context, id string) (*Results, error) {
	f.mu.Lock()
	f.resultsCalls++
	gate := f.gate[id]
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resultsErr != nil {
		return nil, f.resultsErr
	}
	res, ok := f.results[id]
	if !ok {
		return nil, ErrNotFound
	}
	return res.clone(), nil
}

func (f *fakeTransport) GetTrades(ctx context.Context, id string) ([]Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tradesErr != nil {
		return nil, f.tradesErr
	}
	return append([]Trade(nil), f.trades[id]...), nil
}

func (f *fakeTransport) CancelJob(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	for i := range f.jobs {
		if f.jobs[i].ID == id {
			f.jobs[i].Status = JobStatusCancelled
			f.cancelled = append(f.cancelled, id)
			return nil
		}
	}
	return ErrNotFound
}

func (f *fakeTransport) setJobs(jobs ...Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = jobs
}

func (f *fakeTransport) calls() (list, start, results int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls, f.startCalls, f.resultsCalls
}

var errBackendDown = errors.New("HTTP 502: Bad Gateway")
