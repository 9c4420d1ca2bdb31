package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/kneutral-org/jobguard/internal/logging"
	"github.com/kneutral-org/jobguard/internal/metrics"
	"github.com/kneutral-org/jobguard/internal/middleware"
)

// NewRouter builds the HTTP engine: process health, Prometheus metrics and
// the monitoring API under /api.
func NewRouter(handler *Handler, logger zerolog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Metrics())
	router.Use(logging.RequestLogger(logger))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	metrics.RegisterMetricsEndpoint(router)

	handler.RegisterRoutes(router.Group("/api"))
	return router
}
