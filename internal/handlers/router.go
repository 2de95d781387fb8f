package handlers

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/tablepay/internal/logger"
)

// NewRouter builds the API engine with logging, recovery, permissive CORS,
// the health check and every route group.
func NewRouter(cfg HandlerConfig) *gin.Engine {
	cfg = withDefaults(cfg)

	r := gin.New()
	r.Use(logger.Recovery(cfg.Logger))
	r.Use(logger.GinMiddleware(cfg.Logger))
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:    []string{"Origin", "Content-Type", "Authorization", idempotencyHeader, "X-Request-Id"},
		ExposeHeaders:   []string{"Location", replayedHeader, "X-Request-Id"},
		MaxAge:          12 * time.Hour,
		// gateways expect a plain 200 on preflight
		OptionsResponseStatusCode: http.StatusOK,
	}))

	// preflights without an Origin header never reach the cors handler
	r.OPTIONS("/*path", func(c *gin.Context) { c.Status(http.StatusOK) })

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	RegisterOrdersRoutes(r, cfg)
	RegisterStreamRoutes(r, cfg)
	RegisterPaymentsRoutes(r, cfg)
	RegisterWebhookRoutes(r, cfg)
	RegisterCredentialsRoutes(r, cfg)
	return r
}
