package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/mooose/corrector/internal/anonsession"
	"github.com/mooose/corrector/internal/auth"
	"github.com/mooose/corrector/internal/config"
	"github.com/mooose/corrector/internal/demo"
	"github.com/mooose/corrector/internal/essay"
	"github.com/mooose/corrector/internal/grading"
	"github.com/mooose/corrector/internal/ledger"
	"github.com/mooose/corrector/internal/logger"
	"github.com/mooose/corrector/internal/migration"
	"github.com/mooose/corrector/internal/observability/metrics"
	"github.com/mooose/corrector/internal/observability/tracing"
	"github.com/mooose/corrector/internal/payment"
	"github.com/mooose/corrector/internal/providers/email"
	"github.com/mooose/corrector/internal/providers/ocr"
	"github.com/mooose/corrector/internal/providers/storage"
	"github.com/mooose/corrector/internal/ratelimit"
	"github.com/mooose/corrector/internal/referral"
	"github.com/mooose/corrector/pkg/db"
)

var Module = fx.Module("http.server",
	config.Module,
	logger.Module,
	db.Module,
	migration.Module,
	metrics.Module,
	tracing.Module,
	auth.Module,
	anonsession.Module,
	ledger.Module,
	grading.Module,
	ocr.Module,
	storage.Module,
	email.Module,
	essay.Module,
	referral.Module,
	payment.Module,
	demo.Module,
	ratelimit.Module,
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(cfg config.Config, log *zap.Logger) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.GinMiddleware(log))
	r.Use(otelgin.Middleware(cfg.AppName))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(cfg config.Config, log *zap.Logger) *gin.Engine {
	return NewEngine(cfg, log)
}

func run(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
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
	log         *zap.Logger
	cfg         config.Config
	db          *gorm.DB
	genID       *snowflake.Node
	authSvc     *auth.Service
	essaySvc    *essay.Service
	ledgerSvc   *ledger.Service
	referralSvc *referral.Service
	paymentSvc  *payment.Service
	demoSvc     *demo.Service
	ocrExt      ocr.Extractor
	mailer      email.Provider
	limiter     ratelimit.Limiter
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Log         *zap.Logger
	Cfg         config.Config
	DB          *gorm.DB
	GenID       *snowflake.Node
	AuthSvc     *auth.Service
	EssaySvc    *essay.Service
	LedgerSvc   *ledger.Service
	ReferralSvc *referral.Service
	PaymentSvc  *payment.Service
	DemoSvc     *demo.Service
	OCR         ocr.Extractor
	Mailer      email.Provider
	Limiter     ratelimit.Limiter
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:      p.Gin,
		log:         p.Log.Named("server"),
		cfg:         p.Cfg,
		db:          p.DB,
		genID:       p.GenID,
		authSvc:     p.AuthSvc,
		essaySvc:    p.EssaySvc,
		ledgerSvc:   p.LedgerSvc,
		referralSvc: p.ReferralSvc,
		paymentSvc:  p.PaymentSvc,
		demoSvc:     p.DemoSvc,
		ocrExt:      p.OCR,
		mailer:      p.Mailer,
		limiter:     p.Limiter,
	}

	s.registerAuthRoutes()
	s.registerCorrectionRoutes()
	s.registerReferralRoutes()
	s.registerPaymentRoutes()
	s.registerDemoRoutes()

	return s
}
