package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/unmarklabs/unmark/internal/config"
	jobdomain "github.com/unmarklabs/unmark/internal/job/domain"
	ledgerdomain "github.com/unmarklabs/unmark/internal/ledger/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestID())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin() *gin.Engine {
	return NewEngine()
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server starting", zap.String("addr", cfg.HTTPAddr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine    *gin.Engine
	cfg       config.Config
	log       *zap.Logger
	jobSvc    jobdomain.Service
	ledgerSvc ledgerdomain.Service
}

type ServerParams struct {
	fx.In

	Gin       *gin.Engine
	Cfg       config.Config
	Log       *zap.Logger
	JobSvc    jobdomain.Service
	LedgerSvc ledgerdomain.Service
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:    p.Gin,
		cfg:       p.Cfg,
		log:       p.Log.Named("http"),
		jobSvc:    p.JobSvc,
		ledgerSvc: p.LedgerSvc,
	}

	s.registerAPIRoutes()
	s.registerWorkerRoutes()

	return s
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	v1 := s.engine.Group("/v1", s.AuthRequired())

	// -------- Jobs --------
	v1.POST("/jobs", s.CreateJob)
	v1.GET("/jobs", s.ListJobs)
	v1.GET("/jobs/:id", s.GetJob)
	v1.POST("/jobs/:id/cancel", s.CancelJob)

	// -------- Credits --------
	v1.GET("/credits/balance", s.GetCreditBalance)
	v1.GET("/credits/ledger", s.ListCreditEntries)
	v1.POST("/credits/purchase", s.PurchaseCredits)
}

// registerWorkerRoutes exposes the callback surface the worker pool reports
// through. It is gated by a shared token, never by user auth.
func (s *Server) registerWorkerRoutes() {
	internal := s.engine.Group("/internal/v1", s.WorkerAuthRequired())

	internal.POST("/jobs/:id/progress", s.ReportJobProgress)
	internal.POST("/jobs/:id/complete", s.ReportJobCompleted)
	internal.POST("/jobs/:id/fail", s.ReportJobFailed)
}
