package httpapi

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/suPer8Hu/handoff/internal/common"
	"github.com/suPer8Hu/handoff/internal/config"
	"github.com/suPer8Hu/handoff/internal/handoff"
	"github.com/suPer8Hu/handoff/internal/httpapi/handlers"
	"github.com/suPer8Hu/handoff/internal/httpapi/middleware"
	"go.uber.org/zap"
)

// NewRouter wires the hand-off API. ctx bounds background work owned by the
// middleware; gatherer serves /metrics.
func NewRouter(ctx context.Context, cfg config.Config, broker *handoff.Broker, logger *zap.Logger, gatherer prometheus.Gatherer) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.RequestID())
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.AccessLog(logger))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	h := handlers.NewHandler(cfg, broker, logger)

	r.GET("/ping", h.Ping)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	limit := middleware.RateLimit(ctx, cfg.RequestRatePerMin, cfg.RequestBurst)

	// JWT required
	g := r.Group("/handoff")
	g.Use(middleware.AuthRequired(cfg.JWTSecret, cfg.OperatorIDs))
	g.POST("/request", limit, h.RequestHandoff)
	g.POST("/cancel", h.CancelHandoff)
	g.POST("/accept", h.AcceptHandoff)
	g.POST("/close", h.CloseHandoff)
	g.POST("/commands", limit, h.ExecCommand)
	g.GET("/queue", h.ListQueue)
	g.GET("/sessions/:user_id", h.GetSession)
	g.GET("/peer", h.GetPeer)
	return r
}
