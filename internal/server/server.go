package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/soulbridge/atelier/internal/catalog"
	"github.com/soulbridge/atelier/internal/config"
	"github.com/soulbridge/atelier/internal/enforce"
	"github.com/soulbridge/atelier/internal/ledger"
	ledgerdomain "github.com/soulbridge/atelier/internal/ledger/domain"
	obsmiddleware "github.com/soulbridge/atelier/internal/observability/logger"
	obsmetrics "github.com/soulbridge/atelier/internal/observability/metrics"
	"github.com/soulbridge/atelier/internal/observability/tracing"
	"github.com/soulbridge/atelier/internal/ratelimit"
	"github.com/soulbridge/atelier/internal/usage"
	usagedomain "github.com/soulbridge/atelier/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	ledger.Module,
	usage.Module,
	enforce.Module,
	ratelimit.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(tracing.GinMiddleware())
	r.Use(obsmiddleware.GinMiddleware(log))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(log *zap.Logger) *gin.Engine {
	return NewEngine(log)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
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
	engine     *gin.Engine
	cfg        config.Config
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	catalog    *catalog.Catalog
	ledgerSvc  ledgerdomain.Service
	usageSvc   usagedomain.Service
	gate       *enforce.Gate
	invoker    FeatureInvoker
	limiter    *ratelimit.InvokeLimiter
	obsMetrics *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin       *gin.Engine
	Cfg       config.Config
	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Catalog   *catalog.Catalog
	LedgerSvc ledgerdomain.Service
	UsageSvc  usagedomain.Service
	Gate      *enforce.Gate

	Invoker    FeatureInvoker           `optional:"true"`
	Limiter    *ratelimit.InvokeLimiter `optional:"true"`
	ObsMetrics *obsmetrics.Metrics      `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		db:         p.DB,
		log:        p.Log.Named("server"),
		genID:      p.GenID,
		catalog:    p.Catalog,
		ledgerSvc:  p.LedgerSvc,
		usageSvc:   p.UsageSvc,
		gate:       p.Gate,
		invoker:    p.Invoker,
		limiter:    p.Limiter,
		obsMetrics: p.ObsMetrics,
	}
	if svc.invoker == nil {
		svc.invoker = echoInvoker{}
	}

	svc.registerAPIRoutes()
	svc.registerAdminRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api", s.IdentityRequired())

	// -------- Credits --------
	api.GET("/credits/balance", s.GetBalance)
	api.GET("/credits/transactions", s.ListTransactions)

	// -------- Usage --------
	api.GET("/usage/:feature", s.GetFeatureUsage)

	// -------- Catalog --------
	api.GET("/features", s.ListFeatures)

	// -------- Metered invocation --------
	api.POST("/features/:feature/invoke", s.InvokeRateLimit(), s.InvokeFeature)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin")

	admin.POST("/credits/grant", s.GrantCredits)
	admin.POST("/credits/reset", s.ResetMonthlyAllowance)
	admin.POST("/usage/reset", s.ResetUsage)
}
