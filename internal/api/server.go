package api

import (
	"amr-logistics/internal/acs"
	"amr-logistics/internal/types"
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// LotStore 是 HTTP 接口使用的存储
type LotStore interface {
	GetLot(ctx context.Context, id string) (types.Lot, error)
	ListLots(ctx context.Context) ([]types.Lot, error)
	SaveLot(ctx context.Context, lot types.Lot) error
	ListAreas(ctx context.Context) ([]types.Area, error)
	ListRobots(ctx context.Context) ([]types.Robot, error)
}

// Releaser 把 Lot 推进到 Waiting
type Releaser interface {
	Release(ctx context.Context, lotID string) (types.Lot, error)
}

// Submitter 把 Lot 提交到规划队列
type Submitter interface {
	Submit(ctx context.Context, lotID string)
}

// ACS 是会话端点和出站命令
type ACS interface {
	acs.Commander
	http.Handler
	Registered() bool
}

// Deps 是 HTTP 服务的依赖
type Deps struct {
	Store     LotStore
	Releaser  Releaser
	Submitter Submitter
	ACS       ACS
	ACSPath   string
	Dashboard http.HandlerFunc // 看板 WebSocket，可以为 nil
	Logger    *slog.Logger
}

// Server 提供 REST 接口、ACS 会话端点、看板和指标
type Server struct {
	store     LotStore
	releaser  Releaser
	submitter Submitter
	acs       ACS
	logger    *slog.Logger
}

// NewRouter 创建带有所有路由的 chi 路由器
func NewRouter(d Deps) http.Handler {
	s := &Server{
		store:     d.Store,
		releaser:  d.Releaser,
		submitter: d.Submitter,
		acs:       d.ACS,
		logger:    d.Logger.With("component", "api"),
	}
	acsPath := d.ACSPath
	if acsPath == "" {
		acsPath = "/acs"
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.Handler())
	if d.Dashboard != nil {
		r.Get("/ws", d.Dashboard)
	}
	// ACS 会话端点不经过请求日志，连接是长连接
	r.Handle(acsPath, d.ACS)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.loggingMiddleware)

		r.Get("/state", s.handleState)

		r.Route("/lots", func(r chi.Router) {
			r.Get("/", s.handleListLots)
			r.Post("/", s.handleCreateLot)
			r.Get("/{id}", s.handleGetLot)
			r.Post("/{id}/release", s.handleReleaseLot)
		})

		r.Post("/plans/{id}/{action}", s.handlePlanCommand)

		r.Route("/acs", func(r chi.Router) {
			r.Get("/session", s.handleSession)
			r.Post("/sync-config", s.handleSyncConfig)
			r.Post("/plans", s.handleRequestPlans)
			r.Post("/plan-history", s.handleRequestPlanHistory)
			r.Post("/errors", s.handleRequestErrors)
		})
	})
	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("HTTP 请求",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).String(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
