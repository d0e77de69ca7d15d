package dashboard

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"flowguard/internal/alertstats"
	"flowguard/internal/logger"
	"flowguard/internal/storage"
	"flowguard/pkg/model"
)

// DefaultAlertLimit /api/alerts 未指定 limit 时返回的条数
const DefaultAlertLimit = 50

// Options 配置选项
type Options struct {
	Listen       string
	AlertLog     string
	RecentLimit  int
	PollInterval time.Duration
	// Index 可选的 SQLite 索引，启用后提供 /api/index/stats
	Index *storage.Index
}

// Server 告警看板 HTTP 服务
type Server struct {
	Echo    *echo.Echo
	tracker *alertstats.Tracker
	tailer  *alertstats.Tailer
	index   *storage.Index
	hub     *hub
	opts    Options
	log     logger.Logger
}

// New 创建服务并注册路由
func New(opts Options, l logger.Logger) *Server {
	if l == nil {
		l = logger.NewNop()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	tracker := alertstats.NewTracker(opts.RecentLimit)
	s := &Server{
		Echo:    echo.New(),
		tracker: tracker,
		tailer:  alertstats.NewTailer(opts.AlertLog, tracker, l),
		index:   opts.Index,
		hub:     newHub(),
		opts:    opts,
		log:     l,
	}
	s.tailer.OnAlert = s.hub.broadcast
	s.Echo.HideBanner = true
	s.Echo.HidePort = true
	s.Echo.Use(middleware.Recover())

	s.Echo.GET("/api/stats", s.getStats)
	s.Echo.GET("/api/alerts", s.getAlerts)
	s.Echo.GET("/api/alerts/severity/:severity", s.getAlertsBySeverity)
	s.Echo.GET("/api/events", s.getEvents)
	if s.index != nil {
		s.Echo.GET("/api/index/stats", s.getIndexStats)
	}
	return s
}

// Tracker 返回内存中的告警统计
func (s *Server) Tracker() *alertstats.Tracker { return s.tracker }

// Load 读取已有告警日志
func (s *Server) Load() error {
	_, err := s.tailer.LoadExisting()
	return err
}

// Start 加载历史告警并开始轮询与监听，ctx 结束时优雅退出
func (s *Server) Start(ctx context.Context) error {
	if err := s.Load(); err != nil {
		return err
	}
	go s.tailer.Follow(ctx, s.opts.PollInterval)
	go func() {
		<-ctx.Done()
		s.hub.close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Echo.Shutdown(shutdownCtx)
	}()

	s.log.Info("告警看板已启动", "listen", s.opts.Listen, "alertLog", s.opts.AlertLog)
	if err := s.Echo.Start(s.opts.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type statsResponse struct {
	alertstats.Stats
	Alerts []model.Alert `json:"alerts"`
}

// getStats GET /api/stats 统计与最近告警
func (s *Server) getStats(c echo.Context) error {
	return c.JSON(http.StatusOK, statsResponse{
		Stats:  s.tracker.Stats(),
		Alerts: s.tracker.Recent(0),
	})
}

// getAlerts GET /api/alerts?limit=N
func (s *Server) getAlerts(c echo.Context) error {
	limit, err := strconv.Atoi(c.QueryParam("limit"))
	if err != nil || limit <= 0 {
		limit = DefaultAlertLimit
	}
	return c.JSON(http.StatusOK, s.tracker.Recent(limit))
}

// getAlertsBySeverity GET /api/alerts/severity/:severity
func (s *Server) getAlertsBySeverity(c echo.Context) error {
	return c.JSON(http.StatusOK, s.tracker.BySeverity(c.Param("severity")))
}

// getIndexStats GET /api/index/stats 基于 SQLite 索引的全量统计
func (s *Server) getIndexStats(c echo.Context) error {
	counts, err := s.index.CountAlerts(c.Request().Context())
	if err != nil {
		s.log.Error("查询索引失败", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	flows, err := s.index.CountFlows(c.Request().Context())
	if err != nil {
		s.log.Error("查询索引失败", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"alerts":     counts.Total,
		"bySeverity": counts.BySeverity,
		"byType":     counts.ByType,
		"byHost":     counts.ByHost,
		"flows":      flows,
	})
}
