package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/genquota/internal/authorization"
	"github.com/smallbiznis/genquota/internal/billingperiod"
	"github.com/smallbiznis/genquota/internal/cache"
	"github.com/smallbiznis/genquota/internal/config"
	"github.com/smallbiznis/genquota/internal/generation"
	gendomain "github.com/smallbiznis/genquota/internal/generation/domain"
	"github.com/smallbiznis/genquota/internal/observability"
	obsmiddleware "github.com/smallbiznis/genquota/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/genquota/internal/observability/metrics"
	obstracing "github.com/smallbiznis/genquota/internal/observability/tracing"
	"github.com/smallbiznis/genquota/internal/plan"
	"github.com/smallbiznis/genquota/internal/quota"
	quotadomain "github.com/smallbiznis/genquota/internal/quota/domain"
	quotaservice "github.com/smallbiznis/genquota/internal/quota/service"
	"github.com/smallbiznis/genquota/internal/ratelimit"
	"github.com/smallbiznis/genquota/internal/subscription"
	"github.com/smallbiznis/genquota/internal/usage"
	usagedomain "github.com/smallbiznis/genquota/internal/usage/domain"
	"github.com/smallbiznis/genquota/internal/usage/recorder"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	plan.Module,
	cache.Module,
	subscription.Module,
	billingperiod.Module,
	usage.Module,
	quota.Module,
	recorder.Module,
	ratelimit.Module,
	generation.Module,
	authorization.Module,
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(run),
)

func NewEngine(cfg config.Config, obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(corsMiddleware(cfg.CORSOrigins))
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(httpMetrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(cfg config.Config, obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(cfg, obsCfg, httpMetrics)
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	corsConfig := cors.DefaultConfig()
	if len(origins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = origins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", HeaderUserID, "X-Request-ID", "X-Correlation-ID"}
	corsConfig.ExposeHeaders = []string{
		headerLimitHourly, headerRemainingHourly,
		headerLimitDaily, headerRemainingDaily,
		"Retry-After", "X-Rate-Limited-Reason", "X-Request-ID",
	}
	return cors.New(corsConfig)
}

func run(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, s *Server) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
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
	plans     quotaservice.CatalogSource
	periods   quotaservice.PeriodResolver
	gate      quotadomain.Gate
	ledger    usagedomain.Ledger
	recorder  *recorder.Recorder
	limiter   *ratelimit.ShortWindowLimiter
	generator gendomain.Generator
	authzSvc  authorization.Service
}

type ServerParams struct {
	fx.In

	Gin       *gin.Engine
	Cfg       config.Config
	Log       *zap.Logger
	Plans     quotaservice.CatalogSource
	Periods   quotaservice.PeriodResolver
	Gate      quotadomain.Gate
	Ledger    usagedomain.Ledger
	Recorder  *recorder.Recorder
	Limiter   *ratelimit.ShortWindowLimiter `optional:"true"`
	Generator gendomain.Generator
	AuthzSvc  authorization.Service
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:    p.Gin,
		cfg:       p.Cfg,
		log:       p.Log.Named("http"),
		plans:     p.Plans,
		periods:   p.Periods,
		gate:      p.Gate,
		ledger:    p.Ledger,
		recorder:  p.Recorder,
		limiter:   p.Limiter,
		generator: p.Generator,
		authzSvc:  p.AuthzSvc,
	}

	svc.registerAPIRoutes()
	svc.registerAdminRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api", s.UserContext(), s.RequireUser())

	// -------- Generations --------
	api.POST("/generations/:feature",
		s.FeatureParam(),
		s.GenerationBody(),
		s.ShortWindowRateLimit(),
		s.QuotaPreCheck(),
		s.Generate,
	)

	// -------- Usage --------
	api.GET("/usage/check/:feature", s.FeatureParam(), s.CheckUsage)
	api.GET("/usage/stats", s.UsageStats)
	api.GET("/usage/history", s.UsageHistory)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin", s.UserContext(), s.RequireUser())

	admin.DELETE("/usage/:userId",
		s.RequirePermission(authorization.ObjectUsage, authorization.ActionUsageReset),
		s.ResetUsage,
	)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
