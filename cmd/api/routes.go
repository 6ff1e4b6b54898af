package main

import (
	"call-coordinator/internal/auth"
	"call-coordinator/internal/httpapi"
	"call-coordinator/internal/rbac"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, m *auth.Manager) {
	// public
	r.GET("/healthz", h.Healthz)

	v1 := r.Group("/v1")

	// Browsers cannot set headers on a websocket upgrade; the token may ride
	// in the query string on this route only.
	v1.GET("/ws", auth.RequireAccessTokenOrQuery(m), h.Websocket)

	api := v1.Group("")
	api.Use(auth.RequireAccessToken(m))
	{
		calls := api.Group("/calls")
		calls.GET("/history", h.History)
		calls.GET("/status", h.MyStatus)
		calls.POST("/status/reset", h.ResetMyStatus)
		calls.GET("/:call_id", h.GetCall)

		// ADMIN routes
		admin := api.Group("/admin")
		admin.Use(rbac.RequireAdmin())
		{
			admin.GET("/users/:user_id/call-status", h.AdminUserStatus)
			admin.POST("/users/:user_id/call-status/reset", h.AdminResetUserStatus)
		}
	}
}
