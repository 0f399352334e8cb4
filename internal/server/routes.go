package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// setupRoutes configures the top-level API routes; feature routes are
// registered by the modules.
func setupRoutes(r *gin.Engine) {
	api := r.Group("/api")
	{
		api.GET("/health", func(c *gin.Context) {
			status := gin.H{
				"status":  "ok",
				"service": "educast-studio",
			}
			if systemBus != nil {
				if err := systemBus.Health(); err != nil {
					status["status"] = "degraded"
					status["events"] = err.Error()
					c.JSON(http.StatusServiceUnavailable, status)
					return
				}
			}
			c.JSON(http.StatusOK, status)
		})
	}
}
