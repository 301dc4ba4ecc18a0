package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/ambetz/vipgate/internal/app/api/handlers"
	mw "github.com/ambetz/vipgate/internal/app/api/middleware"
	"github.com/ambetz/vipgate/internal/app/service/eventlog"
	"github.com/ambetz/vipgate/internal/app/service/lifecycle"
	"github.com/ambetz/vipgate/internal/app/service/statistics"
	cfgpkg "github.com/ambetz/vipgate/pkg/config"
	"github.com/ambetz/vipgate/pkg/metrics"
)

func newEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	// Tracing applies globally; request logger and access log attach per
	// group in registerRoutes.
	r.Use(mw.TraceMiddleware())
	return r
}

func registerRoutes(
	r *gin.Engine,
	log *zap.SugaredLogger,
	stripeHandler *handlers.StripeWebhookHandler,
	telegramHandler *handlers.TelegramWebhookHandler,
	lc *lifecycle.Service,
	stats *statistics.Service,
	audit *eventlog.Service,
	m *metrics.Metrics,
	cfg *cfgpkg.Config,
) {
	if cfg != nil && cfg.MetricsAddr != "" {
		r.Use(m.GinMiddleware())
		m.Serve(cfg.MetricsAddr, log)
		log.Infow("metrics started", "addr", cfg.MetricsAddr)
	}

	// Public group: request logger + access log
	pub := r.Group("/")
	pub.Use(mw.RequestLoggerMiddleware(log), mw.AccessLogMiddleware())
	handlers.RegisterHealthRoutes(pub)
	stripeHandler.RegisterRoutes(pub)
	telegramHandler.RegisterRoutes(pub)

	apiV1 := r.Group("/api/v1")
	apiV1.Use(mw.RequestLoggerMiddleware(log), mw.AccessLogMiddleware())
	handlers.RegisterAdminRoutes(apiV1.Group("/admin"), lc, stats, audit, log)
}

func runServer(lc fx.Lifecycle, log *zap.SugaredLogger, cfg *cfgpkg.Config, r *gin.Engine) {
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Infow("starting HTTP server", "addr", addr)
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Errorf("server error: %v", err)
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Infow("stopping HTTP server")
			shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

var Module = fx.Options(
	fx.Provide(
		newEngine,
		handlers.NewStripeWebhookHandler,
		handlers.NewTelegramWebhookHandler,
	),
	fx.Invoke(registerRoutes),
	fx.Invoke(runServer),
)
