package backtest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"pbpanel/internal/backtest/ui"
	"pbpanel/internal/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// View 为面板中的一个页面：一个按任务类型过滤的 Store 与驱动它的 Poller。
type View struct {
	Store  *Store
	Poller *Poller
}

// PresetSource 提供按名称保存的请求参数。
type PresetSource interface {
	List() ([]string, error)
	Params(name string) (Params, error)
	OptimizeParams(name string) (OptimizeParams, error)
	// Delete 删除预设；不存在时返回的错误匹配 ErrNotFound。
	Delete(name string) error
}

// HTTPServer 是面板的 Gin 接口：把 Store 操作暴露为 JSON 接口，并通过 websocket 推送状态快照。
type HTTPServer struct {
	addr        string
	views       map[JobKind]View
	defaultKind JobKind
	presets     PresetSource
	router      *gin.Engine
	indexHTML   []byte
	upgrader    websocket.Upgrader
}

type HTTPConfig struct {
	Addr string
	// Views 至少包含一个；第一个为未指定 ?kind= 时的默认页面。
	Views   []View
	Presets PresetSource
}

func NewHTTPServer(cfg HTTPConfig) (*HTTPServer, error) {
	if len(cfg.Views) == 0 {
		return nil, errors.New("至少需要一个 view")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9990"
	}
	views := make(map[JobKind]View, len(cfg.Views))
	for _, v := range cfg.Views {
		if v.Store == nil || v.Poller == nil {
			return nil, errors.New("view 的 store/poller 不能为空")
		}
		if _, dup := views[v.Store.Kind()]; dup {
			return nil, fmt.Errorf("重复的 view: %s", v.Store.Kind())
		}
		views[v.Store.Kind()] = v
	}
	staticFS, err := ui.StaticFS()
	if err != nil {
		return nil, fmt.Errorf("加载前端静态资源失败: %w", err)
	}
	indexHTML, err := ui.Index()
	if err != nil {
		return nil, fmt.Errorf("加载前端首页失败: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.StaticFS("/static", staticFS)

	s := &HTTPServer{
		addr:        cfg.Addr,
		views:       views,
		defaultKind: cfg.Views[0].Store.Kind(),
		presets:     cfg.Presets,
		router:      router,
		indexHTML:   indexHTML,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	s.registerRoutes()
	return s, nil
}

// Handler 暴露路由，供测试直接驱动。
func (s *HTTPServer) Handler() http.Handler { return s.router }

func (s *HTTPServer) registerRoutes() {
	s.router.GET("/", s.handleIndex)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/ws/state", s.handleStateStream)

	api := s.router.Group("/api/panel")
	api.GET("/state", s.handleState)
	api.POST("/jobs/refresh", s.handleRefresh)
	api.GET("/jobs/:id", s.handleJobStatus)
	api.POST("/jobs/:id/cancel", s.handleCancel)
	api.POST("/backtest", s.handleStartBacktest)
	api.POST("/optimize", s.handleStartOptimize)
	api.POST("/results/:id", s.handleSelectResults)
	api.DELETE("/results", s.handleClearResults)
	api.GET("/results/chart", s.handleResultsChart)
	api.PUT("/autorefresh", s.handleAutoRefresh)
	api.GET("/presets", s.handlePresets)
	api.DELETE("/presets/:name", s.handleDeletePreset)
}

// stateResponse 为 /state 与 websocket 推送的统一载荷。
type stateResponse struct {
	Kind        JobKind   `json:"kind"`
	Poll        PollState `json:"poll"`
	AutoRefresh bool      `json:"auto_refresh"`
	State       State     `json:"state"`
}

func newStateResponse(v View, st State) stateResponse {
	return stateResponse{
		Kind:        v.Store.Kind(),
		Poll:        v.Poller.State(),
		AutoRefresh: v.Poller.AutoRefresh(),
		State:       st,
	}
}

// view 按 ?kind= 选取页面，未配置时写入 404。
func (s *HTTPServer) view(c *gin.Context) (View, bool) {
	kind := JobKind(strings.ToLower(strings.TrimSpace(c.Query("kind"))))
	if kind == "" {
		kind = s.defaultKind
	}
	return s.viewOf(c, kind)
}

func (s *HTTPServer) viewOf(c *gin.Context, kind JobKind) (View, bool) {
	v, ok := s.views[kind]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("view %q not configured", kind)})
		return View{}, false
	}
	return v, true
}

func (s *HTTPServer) handleIndex(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", s.indexHTML)
}

func (s *HTTPServer) handleState(c *gin.Context) {
	v, ok := s.view(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, newStateResponse(v, v.Store.Snapshot()))
}

// respond 统一输出：操作失败时返回 502 与错误，同时附带最新状态。
func (s *HTTPServer) respond(c *gin.Context, v View, err error, extra gin.H) {
	body := gin.H{}
	for k, val := range extra {
		body[k] = val
	}
	body["state"] = newStateResponse(v, v.Store.Snapshot())
	if err != nil {
		body["error"] = err.Error()
		c.JSON(http.StatusBadGateway, body)
		return
	}
	c.JSON(http.StatusOK, body)
}

func (s *HTTPServer) handleRefresh(c *gin.Context) {
	v, ok := s.view(c)
	if !ok {
		return
	}
	err := v.Store.FetchJobs(c.Request.Context())
	s.respond(c, v, err, nil)
}

func (s *HTTPServer) handleJobStatus(c *gin.Context) {
	v, ok := s.view(c)
	if !ok {
		return
	}
	id := c.Param("id")
	if err := v.Store.FetchJobStatus(c.Request.Context(), id); err != nil {
		s.respond(c, v, err, nil)
		return
	}
	job, tracked := trackedJob(v.Store.Snapshot(), id)
	if !tracked {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not tracked"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

func (s *HTTPServer) handleCancel(c *gin.Context) {
	v, ok := s.view(c)
	if !ok {
		return
	}
	err := v.Store.CancelJob(c.Request.Context(), c.Param("id"))
	s.respond(c, v, err, nil)
}

// handleStartBacktest 接收 Params 请求体；带 ?preset= 时改用保存的预设。
func (s *HTTPServer) handleStartBacktest(c *gin.Context) {
	v, ok := s.viewOf(c, KindBacktest)
	if !ok {
		return
	}
	var params Params
	if name := c.Query("preset"); name != "" {
		p, err := s.presetParams(name)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		params = p
	} else if err := c.ShouldBindJSON(&params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := v.Store.StartBacktest(c.Request.Context(), params)
	s.respond(c, v, err, gin.H{"job_id": id})
}

func (s *HTTPServer) handleStartOptimize(c *gin.Context) {
	v, ok := s.viewOf(c, KindOptimize)
	if !ok {
		return
	}
	var params OptimizeParams
	if name := c.Query("preset"); name != "" {
		if s.presets == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "presets not configured"})
			return
		}
		p, err := s.presets.OptimizeParams(name)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		params = p
	} else if err := c.ShouldBindJSON(&params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := v.Store.StartOptimize(c.Request.Context(), params)
	s.respond(c, v, err, gin.H{"job_id": id})
}

func (s *HTTPServer) presetParams(name string) (Params, error) {
	if s.presets == nil {
		return Params{}, errors.New("presets not configured")
	}
	return s.presets.Params(name)
}

// handleSelectResults 选中任务并拉取其结果；切换任务时旧 results 随选中一起清空。
// 未跟踪的任务以仅含 ID 的占位选中。
func (s *HTTPServer) handleSelectResults(c *gin.Context) {
	v, ok := s.view(c)
	if !ok {
		return
	}
	id := c.Param("id")
	job, tracked := trackedJob(v.Store.Snapshot(), id)
	if !tracked {
		job = Job{ID: id}
	}
	v.Store.SelectJob(&job)
	set, err := v.Store.FetchResults(c.Request.Context(), id)
	s.respond(c, v, err, gin.H{
		"stale":        set.Stale,
		"trades_ok":    set.Trades.OK(),
		"trades_error": set.Trades.Reason(),
	})
}

func (s *HTTPServer) handleClearResults(c *gin.Context) {
	v, ok := s.view(c)
	if !ok {
		return
	}
	v.Store.ClearResults()
	s.respond(c, v, nil, nil)
}

func (s *HTTPServer) handleResultsChart(c *gin.Context) {
	v, ok := s.view(c)
	if !ok {
		return
	}
	var buf bytes.Buffer
	err := RenderResultsChart(&buf, v.Store.Snapshot().Results)
	if errors.Is(err, ErrNoResults) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", buf.Bytes())
}

func (s *HTTPServer) handleAutoRefresh(c *gin.Context) {
	v, ok := s.view(c)
	if !ok {
		return
	}
	var req struct {
		Enabled *bool `json:"enabled" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	v.Poller.SetAutoRefresh(*req.Enabled)
	s.respond(c, v, nil, nil)
}

func (s *HTTPServer) handlePresets(c *gin.Context) {
	if s.presets == nil {
		c.JSON(http.StatusOK, gin.H{"presets": []string{}})
		return
	}
	names, err := s.presets.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"presets": names})
}

func (s *HTTPServer) handleDeletePreset(c *gin.Context) {
	if s.presets == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "presets not configured"})
		return
	}
	name := c.Param("name")
	if err := s.presets.Delete(name); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, ErrNotFound) {
			code = http.StatusNotFound
		}
		c.JSON(code, gin.H{"error": err.Error()})
		return
	}
	logger.Infof("[panel] 已删除预设 %s", name)
	c.JSON(http.StatusOK, gin.H{"deleted": name})
}

// handleStateStream 在每次状态变更后推送最新快照；客户端跟不上时只保留最新一份。
func (s *HTTPServer) handleStateStream(c *gin.Context) {
	v, ok := s.view(c)
	if !ok {
		return
	}
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnf("[panel] websocket 升级失败: %v", err)
		return
	}
	defer conn.Close()

	latest := newLatest()
	unsubscribe := v.Store.Subscribe(latest.put)
	defer unsubscribe()
	latest.put(v.Store.Snapshot())

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-latest.ready:
			st, _ := latest.take()
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(newStateResponse(v, st)); err != nil {
				logger.Debugf("[panel] websocket 写入失败: %v", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}

// latestState 只保存最近一次快照，put 从不阻塞。
type latestState struct {
	mu    sync.Mutex
	st    State
	has   bool
	ready chan struct{}
}

func newLatest() *latestState {
	return &latestState{ready: make(chan struct{}, 1)}
}

func (l *latestState) put(st State) {
	l.mu.Lock()
	l.st, l.has = st, true
	l.mu.Unlock()
	select {
	case l.ready <- struct{}{}:
	default:
	}
}

func (l *latestState) take() (State, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.st, l.has
	l.st, l.has = State{}, false
	return st, ok
}

// Start 启动所有 view 的轮询与 HTTP 服务，阻塞直到 ctx 取消或出现错误。
func (s *HTTPServer) Start(ctx context.Context) error {
	for kind, v := range s.views {
		v.Poller.Start(ctx)
		go func(kind JobKind, v View) {
			if err := v.Store.FetchJobs(ctx); err != nil {
				logger.Warnf("[panel] %s 初始加载任务失败: %v", kind, err)
			}
		}(kind, v)
	}
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Infof("[panel] 监听 %s", s.addr)

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		for _, v := range s.views {
			v.Poller.Stop()
		}
		return nil
	case err := <-errCh:
		for _, v := range s.views {
			v.Poller.Stop()
		}
		return err
	}
}
