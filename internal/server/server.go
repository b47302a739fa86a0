package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/dunning/internal/config"
	debtdomain "github.com/smallbiznis/dunning/internal/debt/domain"
	"github.com/smallbiznis/dunning/internal/dispatcher"
	historydomain "github.com/smallbiznis/dunning/internal/history/domain"
	"github.com/smallbiznis/dunning/internal/observability"
	obscontext "github.com/smallbiznis/dunning/internal/observability/context"
	obsmiddleware "github.com/smallbiznis/dunning/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/dunning/internal/observability/metrics"
	obstracing "github.com/smallbiznis/dunning/internal/observability/tracing"
	programaciondomain "github.com/smallbiznis/dunning/internal/programacion/domain"
	"github.com/smallbiznis/dunning/internal/scheduler"
	webhookdomain "github.com/smallbiznis/dunning/internal/webhook/domain"
	webhookservice "github.com/smallbiznis/dunning/internal/webhook/service"
	workflowdomain "github.com/smallbiznis/dunning/internal/workflowstate/domain"
	workflowservice "github.com/smallbiznis/dunning/internal/workflowstate/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(asEnginePasses, asWebhookIngestor, asWorkflowStates),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

// EnginePasses runs one evaluation or dispatch pass on demand.
type EnginePasses interface {
	EvaluatePass(ctx context.Context) (scheduler.EvaluateResult, error)
	DispatchPass(ctx context.Context) (dispatcher.Result, error)
}

type WebhookIngestor interface {
	Ingest(ctx context.Context, in webhookdomain.Inbound) (webhookservice.Result, error)
}

type WorkflowStates interface {
	ListByDebt(ctx context.Context, debtID snowflake.ID) ([]workflowdomain.State, error)
}

func asEnginePasses(s *scheduler.Scheduler) EnginePasses { return s }

func asWorkflowStates(s *workflowservice.Service) WorkflowStates { return s }

func asWebhookIngestor(i *webhookservice.Ingestor) WebhookIngestor { return i }

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	addr := strings.TrimSpace(cfg.HTTPAddr)
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", addr))
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
	db          *gorm.DB
	log         *zap.Logger
	debtRepo    debtdomain.Repository
	actionRepo  programaciondomain.Repository
	historyRepo historydomain.Repository
	ingestor    WebhookIngestor
	passes      EnginePasses
	workflow    WorkflowStates
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Cfg         config.Config
	DB          *gorm.DB
	Log         *zap.Logger
	DebtRepo    debtdomain.Repository
	ActionRepo  programaciondomain.Repository
	HistoryRepo historydomain.Repository
	Ingestor    WebhookIngestor
	Passes      EnginePasses
	Workflow    WorkflowStates
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:      p.Gin,
		cfg:         p.Cfg,
		db:          p.DB,
		log:         p.Log.Named("http").With(zap.String("component", "http")),
		debtRepo:    p.DebtRepo,
		actionRepo:  p.ActionRepo,
		historyRepo: p.HistoryRepo,
		ingestor:    p.Ingestor,
		passes:      p.Passes,
		workflow:    p.Workflow,
	}

	svc.registerWebhookRoutes()
	svc.registerOpsRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/:provider", s.HandleDeliveryWebhook)
}

func (s *Server) registerOpsRoutes() {
	v1 := s.engine.Group("/v1", s.OpsTokenRequired())

	// -------- Engine passes --------
	v1.POST("/engine/evaluate", s.RunEvaluatePass)
	v1.POST("/engine/dispatch", s.RunDispatchPass)

	// -------- Debts --------
	v1.GET("/debts/:id/actions", s.ListDebtActions)
	v1.GET("/debts/:id/history", s.ListDebtHistory)
	v1.GET("/debts/:id/workflow", s.ListDebtWorkflow)
}

// OpsTokenRequired checks the bearer token when one is configured.
func (s *Server) OpsTokenRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		expected := strings.TrimSpace(s.cfg.OpsAPIToken)
		if expected == "" {
			c.Next()
			return
		}

		parts := strings.Fields(strings.TrimSpace(c.GetHeader("Authorization")))
		if len(parts) != 2 || parts[0] != "Bearer" ||
			subtle.ConstantTimeCompare([]byte(parts[1]), []byte(expected)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ctx := obscontext.WithActor(c.Request.Context(), "operator", "ops_token")
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
