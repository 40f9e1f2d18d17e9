package main

import (
	"github.com/gin-gonic/gin"

	"github.com/mykpoptrade/trade-backend/internal/auth"
	"github.com/mykpoptrade/trade-backend/internal/handlers"
)

func registerRoutes(router *gin.Engine, authService *auth.Auth, h *handlers.Handler) {
	// Public routes.
	public := router.Group("/")
	{
		authGroup := public.Group("/auth")
		{
			authGroup.POST("/register", h.RegisterUserHandler)
			authGroup.POST("/login", h.LoginHandler)
		}
		public.GET("/listings", h.ListListingsHandler)

		// The gateway authenticates through its event signature, not a user
		// session, and always receives 200.
		public.POST("/webhooks/gateway", h.GatewayWebhookHandler)
	}

	// Protected routes: a valid session token is required.
	api := router.Group("/api")
	api.Use(authService.Middleware())
	{
		api.POST("/listings", h.CreateListingHandler)

		negotiations := api.Group("/negotiations")
		{
			negotiations.POST("", h.RateLimited(h.StartNegotiationHandler))
			negotiations.GET("/:id", h.GetNegotiationHandler)
			negotiations.POST("/:id/respond", h.RespondNegotiationHandler)
		}

		pwyw := api.Group("/pwyw")
		{
			pwyw.POST("", h.OpenPWYWHandler)
			pwyw.POST("/:id/propose", h.RateLimited(h.ProposePWYWHandler))
			pwyw.POST("/:id/respond", h.RespondPWYWHandler)
		}

		payments := api.Group("/payments")
		{
			payments.POST("", h.InitiatePaymentHandler)
			payments.GET("/:id", h.PaymentStatusHandler)
			payments.POST("/:id/capture", h.CapturePaymentHandler)
			payments.POST("/:id/refund", h.RefundPaymentHandler)
		}
	}
}
