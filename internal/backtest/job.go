package backtest

import "time"

// JobKind 区分回测与参数优化任务。
type JobKind string

const (
	KindBacktest JobKind = "backtest"
	KindOptimize JobKind = "optimize"
)

func (k JobKind) Valid() bool { return k == KindBacktest || k == KindOptimize }

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Active 表示任务仍在排队或运行，需要继续轮询。
func (s JobStatus) Active() bool { return s == JobStatusQueued || s == JobStatusRunning }

func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Params 为启动回测的请求参数，日期格式 yyyy-MM-dd。
type Params struct {
	Symbol     string             `json:"symbol" binding:"required"`
	Exchange   string             `json:"exchange"`
	StartDate  string             `json:"start_date" binding:"required"`
	EndDate    string             `json:"end_date" binding:"required"`
	Strategy   string             `json:"strategy" binding:"required"`
	Parameters map[string]float64 `json:"parameters,omitempty"`
}

// OptimizeParams 在回测参数之上增加搜索空间。
type OptimizeParams struct {
	Params
	Method          string                `json:"method"`
	ParameterRanges map[string][2]float64 `json:"parameter_ranges"`
	Iterations      int                   `json:"iterations"`
}

// Summary 是任务上内嵌的结果摘要。
type Summary struct {
	Metrics
	BestParameters  map[string]float64 `json:"best_parameters,omitempty"`
	BestScore       float64            `json:"best_score,omitempty"`
	TotalIterations int                `json:"total_iterations,omitempty"`
}

// Job 为服务端跟踪的一个回测/优化任务。
type Job struct {
	ID          string     `json:"id"`
	Type        JobKind    `json:"type"`
	Status      JobStatus  `json:"status"`
	Progress    int        `json:"progress"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Results     *Summary   `json:"results,omitempty"`
	Params      *Params    `json:"params,omitempty"`
	Error       string     `json:"error,omitempty"`
}

func (j *Job) copy() Job {
	if j == nil {
		return Job{}
	}
	out := *j
	if j.CompletedAt != nil {
		ts := *j.CompletedAt
		out.CompletedAt = &ts
	}
	if j.Results != nil {
		sum := *j.Results
		sum.BestParameters = copyFloatMap(j.Results.BestParameters)
		out.Results = &sum
	}
	if j.Params != nil {
		p := j.Params.clone()
		out.Params = &p
	}
	return out
}

func (p Params) clone() Params {
	out := p
	out.Parameters = copyFloatMap(p.Parameters)
	return out
}

func copyFloatMap(in map[string]float64) map[string]float64 {
	if in == nil {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
