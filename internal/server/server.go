package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/quartershq/quarters/internal/activity"
	activitydomain "github.com/quartershq/quarters/internal/activity/domain"
	"github.com/quartershq/quarters/internal/allocation"
	"github.com/quartershq/quarters/internal/authorization"
	"github.com/quartershq/quarters/internal/clock"
	"github.com/quartershq/quarters/internal/config"
	"github.com/quartershq/quarters/internal/gate"
	gatedomain "github.com/quartershq/quarters/internal/gate/domain"
	"github.com/quartershq/quarters/internal/lock"
	"github.com/quartershq/quarters/internal/migration"
	"github.com/quartershq/quarters/internal/observability"
	obsmetrics "github.com/quartershq/quarters/internal/observability/metrics"
	"github.com/quartershq/quarters/internal/risk"
	riskdomain "github.com/quartershq/quarters/internal/risk/domain"
	"github.com/quartershq/quarters/internal/subscription"
	subscriptiondomain "github.com/quartershq/quarters/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	clock.Module,
	observability.Module,
	fx.Provide(registerGin),
	authorization.Module,
	lock.Module,
	activity.Module,
	subscription.Module,
	risk.Module,
	allocation.Module,
	gate.Module,
	migration.Module,
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

	return r
}

func registerGin() *gin.Engine {
	return NewEngine()
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) {
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
	engine          *gin.Engine
	cfg             config.Config
	db              *gorm.DB
	genID           *snowflake.Node
	authzSvc        authorization.Service
	activitySvc     activitydomain.Service
	subscriptionSvc subscriptiondomain.Service
	riskSvc         riskdomain.Service
	gateSvc         gatedomain.Service
	obsMetrics      *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	DB              *gorm.DB
	GenID           *snowflake.Node
	AuthzSvc        authorization.Service
	ActivitySvc     activitydomain.Service
	SubscriptionSvc subscriptiondomain.Service
	RiskSvc         riskdomain.Service
	GateSvc         gatedomain.Service
	ObsMetrics      *obsmetrics.Metrics `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		db:              p.DB,
		genID:           p.GenID,
		authzSvc:        p.AuthzSvc,
		activitySvc:     p.ActivitySvc,
		subscriptionSvc: p.SubscriptionSvc,
		riskSvc:         p.RiskSvc,
		gateSvc:         p.GateSvc,
		obsMetrics:      p.ObsMetrics,
	}

	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	v1 := s.engine.Group("/v1")
	v1.Use(s.RequestContext())

	v1.POST("/access/check", s.CheckAccess)

	v1.POST("/usage/allocate", s.Allocate)
	v1.POST("/usage/deallocate", s.Deallocate)

	v1.POST("/activity", s.RecordActivity)
	v1.GET("/activity", s.RequireAction(authorization.ObjectActivity, authorization.ActionActivityView), s.ListActivity)

	v1.GET("/risk/profile", s.RequireAction(authorization.ObjectActivity, authorization.ActionActivityView), s.GetRiskProfile)

	v1.POST("/subscriptions", s.SelectPlan)
	v1.POST("/subscriptions/upgrade", s.UpgradeSubscription)
	v1.POST("/subscriptions/change-plan", s.ChangePlan)
	v1.POST("/subscriptions/cancel", s.CancelSubscription)
	v1.GET("/subscriptions/current", s.GetCurrentSubscription)

	v1.GET("/plans", s.ListPlans)
	v1.GET("/plans/:code", s.GetPlan)
}
