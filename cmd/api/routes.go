package main

import (
	"database/sql"
	"net/http"
	"time"

	"therapy-calls/internal/auth"
	"therapy-calls/internal/httpapi"
	"therapy-calls/internal/signaling"
	"therapy-calls/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, hub *signaling.Hub, db *sql.DB) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		if err := utils.HealthCheck(c.Request.Context(), db, 2*time.Second); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Signaling hub. Browsers pass the token as ?token= on the upgrade.
	r.GET("/ws", auth.RequireAccessToken(h.Auth), hub.ServeWS)

	httpapi.Register(r, h)
}
