package jobserver

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"pbpanel/internal/backtest"
	"pbpanel/internal/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Server 为任务后端的 HTTP 接口，响应统一包在 {"data": ...} 中。
type Server struct {
	addr   string
	repo   *Repository
	runner *Runner
	router *gin.Engine
}

type ServerConfig struct {
	Addr   string
	Repo   *Repository
	Runner *Runner
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Repo == nil || cfg.Runner == nil {
		return nil, errors.New("repository/runner 不能为空")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8000"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	s := &Server{addr: cfg.Addr, repo: cfg.Repo, runner: cfg.Runner, router: router}
	s.registerRoutes()
	return s, nil
}

// Handler 暴露路由，供测试直接驱动。
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) registerRoutes() {
	api := s.router.Group("/api")
	api.GET("/health", s.handleHealth)
	api.GET("/jobs", s.handleListJobs)
	api.GET("/jobs/:id", s.handleGetJob)
	api.POST("/jobs/:id/cancel", s.handleCancel)
	api.POST("/run/backtest", s.handleRunBacktest)
	api.POST("/run/optimize", s.handleRunOptimize)
	api.GET("/backtest/:id/results", s.handleResults)
	api.GET("/backtest/:id/trades", s.handleTrades)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) handleListJobs(c *gin.Context) {
	jobs, err := s.repo.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": jobs})
}

func (s *Server) handleGetJob(c *gin.Context) {
	rec, ok := s.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rec.Job})
}

func (s *Server) handleRunBacktest(c *gin.Context) {
	var req backtest.Params
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.submit(c, backtest.KindBacktest, req, nil)
}

func (s *Server) handleRunOptimize(c *gin.Context) {
	var req backtest.OptimizeParams
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.ParameterRanges) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "parameter_ranges is required"})
		return
	}
	if req.Method == "" {
		req.Method = "grid"
	}
	s.submit(c, backtest.KindOptimize, req.Params, &req)
}

func (s *Server) submit(c *gin.Context, kind backtest.JobKind, p backtest.Params, opt *backtest.OptimizeParams) {
	p.Strategy = strings.ToLower(strings.TrimSpace(p.Strategy))
	p.Symbol = strings.ToUpper(strings.TrimSpace(p.Symbol))
	if p.Exchange == "" {
		p.Exchange = "binance"
	}
	if !validStrategy(p.Strategy) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown strategy: " + p.Strategy})
		return
	}
	if _, _, err := dateRange(p.StartDate, p.EndDate); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if opt != nil {
		opt.Params = p
	}
	job := backtest.Job{
		ID:        newJobID(kind),
		Type:      kind,
		Status:    backtest.JobStatusQueued,
		CreatedAt: time.Now().UTC(),
		Params:    &p,
	}
	if err := s.repo.Create(c.Request.Context(), job, opt); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := s.runner.Enqueue(job.ID); err != nil {
		_, _ = s.repo.Fail(c.Request.Context(), job.ID, err.Error())
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	logger.Infof("[backend] 新任务 id=%s type=%s symbol=%s strategy=%s", job.ID, kind, p.Symbol, p.Strategy)
	c.JSON(http.StatusAccepted, gin.H{"data": backtest.StartResponse{JobID: job.ID, Status: job.Status}})
}

func (s *Server) handleResults(c *gin.Context) {
	rec, ok := s.lookup(c)
	if !ok {
		return
	}
	if rec.Results == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "results not available for job in status " + string(rec.Job.Status)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rec.Results})
}

func (s *Server) handleTrades(c *gin.Context) {
	rec, ok := s.lookup(c)
	if !ok {
		return
	}
	trades := []backtest.Trade{}
	if rec.Results != nil && rec.Results.Trades != nil {
		trades = rec.Results.Trades
	}
	c.JSON(http.StatusOK, gin.H{"data": trades})
}

func (s *Server) handleCancel(c *gin.Context) {
	rec, ok := s.lookup(c)
	if !ok {
		return
	}
	cancelled, err := s.repo.Cancel(c.Request.Context(), rec.Job.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !cancelled {
		c.JSON(http.StatusConflict, gin.H{"error": "job already " + string(rec.Job.Status)})
		return
	}
	logger.Infof("[backend] 任务已取消 id=%s", rec.Job.ID)
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"message": "job cancelled"}})
}

func (s *Server) lookup(c *gin.Context) (Record, bool) {
	rec, err := s.repo.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, backtest.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return Record{}, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return Record{}, false
	}
	return rec, true
}

// newJobID 生成 bt_/opt_ 前缀的短 ID。
func newJobID(kind backtest.JobKind) string {
	prefix := "bt_"
	if kind == backtest.KindOptimize {
		prefix = "opt_"
	}
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Start 启动 HTTP 服务，阻塞直到 ctx 取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Infof("[backend] 监听 %s", s.addr)

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

// Serve 同时运行 worker 与 HTTP 服务，任一退出即整体退出。
func Serve(ctx context.Context, srv *Server, runner *Runner) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Run(gctx) })
	g.Go(func() error { return srv.Start(gctx) })
	return g.Wait()
}
