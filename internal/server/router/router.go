package router

import (
	"database/sql"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/mamadbah2/stocksync/internal/server/handlers"
)

// Routes groups the handlers mounted by New.
type Routes struct {
	Stocks  *handlers.StockHandler
	Reports *handlers.ReportHandler
	Health  healthcheck.Handler
}

// New wires the Gin engine with required routes and middlewares.
func New(routes Routes, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(zapLoggerMiddleware(logger))

	stocks := r.Group("/stocks")
	stocks.GET("", routes.Stocks.List)
	stocks.GET("/stream", routes.Stocks.Stream)
	stocks.GET("/export", routes.Stocks.Export)
	stocks.POST("/import", routes.Stocks.Import)
	stocks.POST("", routes.Stocks.Create)
	stocks.GET("/:id", routes.Stocks.Get)
	stocks.PUT("/:id", routes.Stocks.Update)
	stocks.DELETE("/:id", routes.Stocks.Delete)
	stocks.POST("/:id/sale", routes.Stocks.Sale)
	stocks.GET("/:id/history", routes.Stocks.History)

	r.GET("/history/recent", routes.Stocks.Recent)
	r.GET("/summary", routes.Stocks.Summary)

	r.POST("/reports/print", routes.Reports.Print)
	r.GET("/reports", routes.Reports.Exported)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if routes.Health != nil {
		r.GET("/live", gin.WrapF(routes.Health.LiveEndpoint))
		r.GET("/ready", gin.WrapF(routes.Health.ReadyEndpoint))
	}
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if logger != nil {
		logger.Info("router initialized")
	}

	return r
}

// WithCORS lets browser counters served from origins call the API. With no
// origins h is returned unchanged.
func WithCORS(h http.Handler, origins []string) http.Handler {
	if len(origins) == 0 {
		return h
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler(h)
}

// NewHealth builds liveness and readiness checks. Readiness fails once
// shuttingDown is set so load balancers stop routing before the drain.
func NewHealth(db *sql.DB, shuttingDown *atomic.Bool) healthcheck.Handler {
	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(1000))
	if db != nil {
		health.AddReadinessCheck("local-db", healthcheck.DatabasePingCheck(db, time.Second))
	}
	health.AddReadinessCheck("shutdown", func() error {
		if shuttingDown != nil && shuttingDown.Load() {
			return fmt.Errorf("shutting down")
		}
		return nil
	})
	return health
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Info("request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()))
	}
}
