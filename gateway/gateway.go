package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	_ "github.com/example/campuseats/docs"
	"github.com/example/campuseats/pkg/apperr"
	"github.com/example/campuseats/pkg/config"
	"github.com/example/campuseats/pkg/messaging"
	"github.com/example/campuseats/pkg/metrics"
	"github.com/example/campuseats/pkg/notify"
	"github.com/example/campuseats/pkg/orders"
	"github.com/example/campuseats/pkg/repository"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"
)

const historyLimit = 100

// HistoryReader serves the audit trail of an order.
// *repository.MongoRepository satisfies it.
type HistoryReader interface {
	GetAuditLogs(ctx context.Context, entityID string, limit int64) ([]*repository.AuditLog, error)
}

// Checker is one dependency probed by /health.
type Checker = func(ctx context.Context) error

type Deps struct {
	Orders        *orders.Service
	Notifications *notify.Dispatcher
	Messages      *messaging.Service
	History       HistoryReader
	Metrics       *metrics.Metrics
	Checks        map[string]Checker
}

type Gateway struct {
	config   *config.Config
	logger   *zap.Logger
	router   *gin.Engine
	server   *http.Server
	loc      *time.Location
	orders   *orders.Service
	notify   *notify.Dispatcher
	messages *messaging.Service
	history  HistoryReader
	metrics  *metrics.Metrics
	checks   map[string]Checker
}

func NewGateway(cfg *config.Config, logger *zap.Logger, deps Deps) (*Gateway, error) {
	loc, err := cfg.ETA.Location()
	if err != nil {
		return nil, err
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(loggerMiddleware(logger))
	if deps.Metrics != nil {
		router.Use(deps.Metrics.Middleware())
	}
	router.Use(cors.New(corsConfig(cfg.Gateway.AllowedOrigins)))

	g := &Gateway{
		config:   cfg,
		logger:   logger,
		router:   router,
		loc:      loc,
		orders:   deps.Orders,
		notify:   deps.Notifications,
		messages: deps.Messages,
		history:  deps.History,
		metrics:  deps.Metrics,
		checks:   deps.Checks,
	}
	g.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g, nil
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	cfg.AllowOrigins = origins
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	}
	return cfg
}

func (g *Gateway) SetupRoutes() {
	g.router.GET("/health", g.health)
	if g.metrics != nil {
		g.router.GET("/metrics", gin.WrapH(g.metrics.Handler()))
	}

	v1 := g.router.Group("/api/v1")
	{
		v1.GET("/cancellation-reasons", g.cancellationReasons)

		ordersGroup := v1.Group("/orders")
		{
			ordersGroup.POST("", g.placeOrder)
			ordersGroup.POST("/estimate", g.estimate)
			ordersGroup.GET("/:id", g.getOrder)
			ordersGroup.GET("/:id/history", g.orderHistory)
			ordersGroup.PUT("/:id/status", g.updateOrderStatus)
			ordersGroup.POST("/:id/messages", g.sendMessage)
			ordersGroup.GET("/:id/messages", g.listMessages)
			ordersGroup.POST("/:id/messages/read", g.markThreadRead)
		}

		shops := v1.Group("/shops/:shopId")
		{
			shops.GET("/orders", g.shopOrders)
			shops.POST("/cancelled/viewed", g.markCancelledViewed)
			shops.GET("/messages/unread", g.shopUnread)
		}

		students := v1.Group("/students/:studentId")
		{
			students.GET("/orders", g.studentOrders)
			students.GET("/notifications", g.listNotifications)
			students.POST("/notifications/read-all", g.markAllNotificationsRead)
			students.POST("/notifications/:id/read", g.markNotificationRead)
			students.GET("/messages/unread", g.studentUnread)
		}
	}

	// Swagger
	g.router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
}

// Handler exposes the router, mainly for tests.
func (g *Gateway) Handler() http.Handler {
	return g.router
}

func (g *Gateway) Start() error {
	g.logger.Info("Gateway starting", zap.String("address", g.server.Addr))
	if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (g *Gateway) Shutdown(ctx context.Context) error {
	return g.server.Shutdown(ctx)
}

type errorResponse struct {
	Error string      `json:"error"`
	Kind  apperr.Kind `json:"kind"`
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindAuthorization:
		return http.StatusForbidden
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindTransient:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// fail writes err as {"error","kind"} with the status its kind maps to.
func (g *Gateway) fail(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)

	msg := apperr.Message(err)
	if status >= http.StatusInternalServerError {
		g.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.String("kind", string(kind)),
			zap.Error(err))
		if kind == apperr.KindUnknown {
			msg = "internal error"
		}
	} else {
		g.logger.Debug("Request rejected",
			zap.String("path", c.FullPath()),
			zap.String("kind", string(kind)),
			zap.Error(err))
	}
	c.JSON(status, errorResponse{Error: msg, Kind: kind})
}

func (g *Gateway) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error(), Kind: apperr.KindValidation})
}

func (g *Gateway) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(g.checks))
	for name, check := range g.checks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	c.JSON(status, gin.H{"status": overall, "checks": checks})
}

func loggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
