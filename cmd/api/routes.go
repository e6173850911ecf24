package main

import (
	"github.com/gin-gonic/gin"

	"campaign-dialer/internal/httpapi"
	"campaign-dialer/internal/ingest"
	"campaign-dialer/internal/rbac"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, webhook *ingest.WebhookHandler, authMW gin.HandlerFunc) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Provider webhooks (public).
	// NOTE: This endpoint should be protected by Twilio signature validation in production.
	r.POST("/webhooks/twilio/status", webhook.TwilioStatus)

	// protected API group
	v1 := r.Group("/v1")

	// AUTH routes (token issuance) sit outside the token check.
	v1.POST("/auth/login", h.Login)

	v1.Use(authMW)
	{
		// CAMPAIGN routes
		campaigns := v1.Group("/campaigns")
		campaigns.Use(rbac.RequireWorkspace())
		{
			read := campaigns.Group("")
			read.Use(rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleManager, rbac.RoleAgent, rbac.RoleAnalyst))
			{
				read.GET("", h.ListCampaigns)
				read.GET("/:campaign_id", h.GetCampaign)
				read.GET("/:campaign_id/metrics", h.CampaignMetrics)
			}

			manage := campaigns.Group("")
			manage.Use(rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleManager))
			{
				manage.POST("", h.CreateCampaign)
				manage.POST("/:campaign_id/contacts", h.ImportContacts)
				manage.POST("/:campaign_id/start", h.StartCampaign)
				manage.POST("/:campaign_id/pause", h.PauseCampaign)
				manage.POST("/:campaign_id/resume", h.ResumeCampaign)
				manage.POST("/:campaign_id/cancel", h.CancelCampaign)
			}
		}

		// CONTACT routes
		contacts := v1.Group("/contacts")
		contacts.Use(rbac.RequireWorkspace())
		contacts.Use(rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleManager, rbac.RoleAgent, rbac.RoleAnalyst))
		{
			contacts.GET("/:contact_id/calls", h.ContactCalls)
		}
	}
}
