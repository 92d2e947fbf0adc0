package jobserver

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"pbpanel/internal/backtest"

	_ "modernc.org/sqlite"
)

var errRepoClosed = errors.New("job repository 未初始化")

// Record 为任务的完整持久化形态。
type Record struct {
	Job      backtest.Job
	Optimize *backtest.OptimizeParams
	Results  *backtest.Results
}

// Repository 以 sqlite 持久化任务、结果与成交明细。
type Repository struct {
	mu sync.Mutex
	db *sql.DB
}

// OpenRepository 打开（必要时创建）sqlite 文件并迁移表结构；dsn 可为 ":memory:"。
func OpenRepository(dsn string) (*Repository, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("db path 不能为空")
	}
	if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		if dir := filepath.Dir(dsn); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("创建数据目录失败: %w", err)
			}
		}
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("打开 sqlite 失败: %w", err)
	}
	db.SetMaxOpenConns(1)
	repo := &Repository{db: db}
	if err := repo.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}

func (r *Repository) conn() (*sql.DB, error) {
	if r == nil {
		return nil, errRepoClosed
	}
	r.mu.Lock()
	db := r.db
	r.mu.Unlock()
	if db == nil {
		return nil, errRepoClosed
	}
	return db, nil
}

func (r *Repository) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	db := r.db
	r.db = nil
	r.mu.Unlock()
	if db == nil {
		return nil
	}
	return db.Close()
}

// Migrate 建表（幂等）。
func (r *Repository) Migrate(ctx context.Context) error {
	db, err := r.conn()
	if err != nil {
		return err
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
            id TEXT PRIMARY KEY,
            type TEXT NOT NULL,
            status TEXT NOT NULL,
            progress INTEGER NOT NULL DEFAULT 0,
            params TEXT,
            optimize TEXT,
            summary TEXT,
            results TEXT,
            error TEXT,
            created_at INTEGER NOT NULL,
            completed_at INTEGER
        )`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at)`,
	}
	for _, q := range stmts {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("迁移 jobs 表失败: %w", err)
		}
	}
	return nil
}

func (r *Repository) Create(ctx context.Context, job backtest.Job, opt *backtest.OptimizeParams) error {
	db, err := r.conn()
	if err != nil {
		return err
	}
	if strings.TrimSpace(job.ID) == "" {
		return errors.New("job id 不能为空")
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	params, err := marshalNullable(job.Params)
	if err != nil {
		return err
	}
	optRaw, err := marshalNullable(opt)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
        INSERT INTO jobs (id, type, status, progress, params, optimize, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.Type), string(job.Status), job.Progress, params, optRaw, job.CreatedAt.UnixMilli())
	return err
}

const selectColumns = `id, type, status, progress, params, optimize, summary, results, error, created_at, completed_at`

func (r *Repository) Get(ctx context.Context, id string) (Record, error) {
	db, err := r.conn()
	if err != nil {
		return Record{}, err
	}
	row := db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM jobs WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("job %s: %w", id, backtest.ErrNotFound)
	}
	return rec, err
}

// List 按创建时间升序返回全部任务（不含完整结果序列）。
func (r *Repository) List(ctx context.Context) ([]backtest.Job, error) {
	db, err := r.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT `+selectColumns+` FROM jobs ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]backtest.Job, 0, 16)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec.Job)
	}
	return out, rows.Err()
}

// Progress 推进运行中任务；进度只增不减，终态任务不受影响。
func (r *Repository) Progress(ctx context.Context, id string, progress int, partial *backtest.Results) (bool, error) {
	db, err := r.conn()
	if err != nil {
		return false, err
	}
	resRaw, sumRaw, err := marshalResults(partial, nil)
	if err != nil {
		return false, err
	}
	res, err := db.ExecContext(ctx, `
        UPDATE jobs
        SET status = 'running', progress = MAX(progress, ?), results = COALESCE(?, results), summary = COALESCE(?, summary)
        WHERE id = ? AND status IN ('queued', 'running')`,
		clampProgress(progress), resRaw, sumRaw, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *Repository) Complete(ctx context.Context, id string, results *backtest.Results, extra *backtest.Summary) (bool, error) {
	db, err := r.conn()
	if err != nil {
		return false, err
	}
	resRaw, sumRaw, err := marshalResults(results, extra)
	if err != nil {
		return false, err
	}
	res, err := db.ExecContext(ctx, `
        UPDATE jobs
        SET status = 'completed', progress = 100, results = ?, summary = ?, completed_at = ?, error = NULL
        WHERE id = ? AND status IN ('queued', 'running')`,
		resRaw, sumRaw, time.Now().UnixMilli(), id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Fail 标记失败，进度保持最后一次的值。
func (r *Repository) Fail(ctx context.Context, id, message string) (bool, error) {
	return r.finish(ctx, id, backtest.JobStatusFailed, message)
}

// Cancel 仅对排队/运行中的任务生效，返回是否真正取消。
func (r *Repository) Cancel(ctx context.Context, id string) (bool, error) {
	return r.finish(ctx, id, backtest.JobStatusCancelled, "")
}

func (r *Repository) finish(ctx context.Context, id string, status backtest.JobStatus, message string) (bool, error) {
	db, err := r.conn()
	if err != nil {
		return false, err
	}
	res, err := db.ExecContext(ctx, `
        UPDATE jobs SET status = ?, error = ?, completed_at = ?
        WHERE id = ? AND status IN ('queued', 'running')`,
		string(status), nullIfEmpty(message), time.Now().UnixMilli(), id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec                                   Record
		kind, status                          string
		params, opt, summary, results, errMsg sql.NullString
		created                               int64
		completed                             sql.NullInt64
	)
	if err := row.Scan(&rec.Job.ID, &kind, &status, &rec.Job.Progress, &params, &opt, &summary, &results, &errMsg, &created, &completed); err != nil {
		return Record{}, err
	}
	rec.Job.Type = backtest.JobKind(kind)
	rec.Job.Status = backtest.JobStatus(status)
	rec.Job.CreatedAt = time.UnixMilli(created).UTC()
	if completed.Valid {
		ts := time.UnixMilli(completed.Int64).UTC()
		rec.Job.CompletedAt = &ts
	}
	rec.Job.Error = errMsg.String
	if params.Valid && params.String != "" {
		var p backtest.Params
		if err := json.Unmarshal([]byte(params.String), &p); err != nil {
			return Record{}, fmt.Errorf("解析任务参数失败: %w", err)
		}
		rec.Job.Params = &p
	}
	if opt.Valid && opt.String != "" {
		var o backtest.OptimizeParams
		if err := json.Unmarshal([]byte(opt.String), &o); err != nil {
			return Record{}, fmt.Errorf("解析优化参数失败: %w", err)
		}
		rec.Optimize = &o
	}
	if summary.Valid && summary.String != "" {
		var s backtest.Summary
		if err := json.Unmarshal([]byte(summary.String), &s); err != nil {
			return Record{}, fmt.Errorf("解析结果摘要失败: %w", err)
		}
		rec.Job.Results = &s
	}
	if results.Valid && results.String != "" {
		var res backtest.Results
		if err := json.Unmarshal([]byte(results.String), &res); err != nil {
			return Record{}, fmt.Errorf("解析结果失败: %w", err)
		}
		rec.Results = &res
	}
	return rec, nil
}

func marshalResults(res *backtest.Results, extra *backtest.Summary) (any, any, error) {
	if res == nil {
		return nil, nil, nil
	}
	resRaw, err := json.Marshal(res)
	if err != nil {
		return nil, nil, err
	}
	sum := backtest.Summary{Metrics: res.Metrics}
	if extra != nil {
		sum.BestParameters = extra.BestParameters
		sum.BestScore = extra.BestScore
		sum.TotalIterations = extra.TotalIterations
	}
	sumRaw, err := json.Marshal(sum)
	if err != nil {
		return nil, nil, err
	}
	return string(resRaw), string(sumRaw), nil
}

func marshalNullable(v any) (any, error) {
	switch t := v.(type) {
	case *backtest.Params:
		if t == nil {
			return nil, nil
		}
	case *backtest.OptimizeParams:
		if t == nil {
			return nil, nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func nullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
