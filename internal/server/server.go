// Package server wires the HTTP API: batch usage ingestion, reconciliation
// triggers and reports, and backfill operations. All tenant-scoped routes
// authenticate with an API key; the tenant is never taken from the payload.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/meterflow/internal/aggregation"
	"github.com/smallbiznis/meterflow/internal/apikey"
	apikeydomain "github.com/smallbiznis/meterflow/internal/apikey/domain"
	"github.com/smallbiznis/meterflow/internal/backfill"
	backfilldomain "github.com/smallbiznis/meterflow/internal/backfill/domain"
	"github.com/smallbiznis/meterflow/internal/billing"
	"github.com/smallbiznis/meterflow/internal/config"
	"github.com/smallbiznis/meterflow/internal/mapping"
	"github.com/smallbiznis/meterflow/internal/observability"
	"github.com/smallbiznis/meterflow/internal/queue"
	"github.com/smallbiznis/meterflow/internal/ratelimit"
	"github.com/smallbiznis/meterflow/internal/reconcile"
	recondomain "github.com/smallbiznis/meterflow/internal/reconcile/domain"
	"github.com/smallbiznis/meterflow/internal/usage"
	usagedomain "github.com/smallbiznis/meterflow/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	config.Module,
	observability.Module,
	fx.Provide(registerGin),
	queue.Module,
	ratelimit.Module,
	apikey.Module,
	usage.Module,
	aggregation.Module,
	mapping.Module,
	billing.Module,
	reconcile.Module,
	backfill.Module,
	fx.Provide(NewServer),
	fx.Invoke(func(*Server) {}),
	fx.Invoke(run),
)

func NewEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
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
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
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
	engine      *gin.Engine
	cfg         config.Config
	log         *zap.Logger
	verifier    apikeydomain.Verifier
	limiter     *ratelimit.IngestLimiter
	usagesvc    usagedomain.Service
	reconcile   recondomain.Service
	backfillSvc backfilldomain.Service
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Cfg         config.Config
	Log         *zap.Logger
	Verifier    apikeydomain.Verifier
	Limiter     *ratelimit.IngestLimiter `optional:"true"`
	Usagesvc    usagedomain.Service
	Reconcile   recondomain.Service
	BackfillSvc backfilldomain.Service
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:      p.Gin,
		cfg:         p.Cfg,
		log:         p.Log.Named("http"),
		verifier:    p.Verifier,
		limiter:     p.Limiter,
		usagesvc:    p.Usagesvc,
		reconcile:   p.Reconcile,
		backfillSvc: p.BackfillSvc,
	}

	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	v1 := s.engine.Group("/v1", s.APIKeyRequired())

	v1.POST("/usage/events", s.RateLimited(), s.IngestUsage)

	v1.POST("/reconciliation/runs", s.TriggerReconciliation)
	v1.GET("/reconciliation/reports", s.ListReconciliationReports)

	v1.POST("/backfill", s.CreateBackfill)
	v1.GET("/backfill/:id", s.GetBackfill)
}
