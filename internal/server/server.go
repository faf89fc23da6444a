package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/creatorpay/internal/config"
	earningsdomain "github.com/smallbiznis/creatorpay/internal/earnings/domain"
	ledgerdomain "github.com/smallbiznis/creatorpay/internal/ledger/domain"
	"github.com/smallbiznis/creatorpay/internal/observability"
	obslogger "github.com/smallbiznis/creatorpay/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creatorpay/internal/observability/metrics"
	obstracing "github.com/smallbiznis/creatorpay/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/creatorpay/internal/payment/domain"
	payoutdomain "github.com/smallbiznis/creatorpay/internal/payout/domain"
	"github.com/smallbiznis/creatorpay/internal/ratelimit"
	"github.com/smallbiznis/creatorpay/internal/retry"
	transferdomain "github.com/smallbiznis/creatorpay/internal/transfer/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
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

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, r *gin.Engine) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
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
	engine          *gin.Engine
	cfg             config.Config
	log             *zap.Logger
	ledgerSvc       ledgerdomain.Service
	transferSvc     transferdomain.Service
	earningsSvc     earningsdomain.Service
	payoutSvc       payoutdomain.Service
	webhookSvc      paymentdomain.WebhookService
	transferLimiter *ratelimit.TransferLimiter
	retry           retry.Policy
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	Log             *zap.Logger
	LedgerSvc       ledgerdomain.Service
	TransferSvc     transferdomain.Service
	EarningsSvc     earningsdomain.Service
	PayoutSvc       payoutdomain.Service
	WebhookSvc      paymentdomain.WebhookService
	TransferLimiter *ratelimit.TransferLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		log:             p.Log.Named("http.server"),
		ledgerSvc:       p.LedgerSvc,
		transferSvc:     p.TransferSvc,
		earningsSvc:     p.EarningsSvc,
		payoutSvc:       p.PayoutSvc,
		webhookSvc:      p.WebhookSvc,
		transferLimiter: p.TransferLimiter,
		retry:           retry.DefaultPolicy(),
	}

	svc.registerWebhookRoutes()
	svc.registerAPIRoutes()
	svc.registerInternalRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/payments", s.HandlePaymentWebhook)
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	// -------- Transfers --------
	api.POST("/transfers", s.TransferRateLimit(), s.CreateTransfer)

	// -------- Principals --------
	principals := api.Group("/principals/:id", PrincipalContext())
	{
		principals.GET("/balance", s.GetBalance)
		principals.GET("/transactions", s.ListTransactions)
		principals.GET("/refill", s.GetRefillSettings)
		principals.PUT("/refill", s.UpdateRefillSettings)
	}

	// -------- Creators --------
	creators := api.Group("/creators/:id", PrincipalContext())
	{
		creators.GET("/earnings", s.GetEarnings)
		creators.POST("/withdrawals", s.CreateWithdrawal)
		creators.GET("/withdrawals", s.ListWithdrawals)
		creators.GET("/withdrawals/:withdrawal_id", s.GetWithdrawal)
		creators.POST("/withdrawals/:withdrawal_id/cancel", s.CancelWithdrawal)
	}
}

// registerInternalRoutes exposes the manual settlement controls operators
// use when the gateway reports out of band.
func (s *Server) registerInternalRoutes() {
	internal := s.engine.Group("/internal")

	internal.POST("/withdrawals/:withdrawal_id/processing", s.MarkWithdrawalProcessing)
	internal.POST("/withdrawals/:withdrawal_id/paid", s.MarkWithdrawalPaid)
	internal.POST("/withdrawals/:withdrawal_id/failed", s.MarkWithdrawalFailed)
}
