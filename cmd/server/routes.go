package main

import (
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/tourdesk/reservation-backend/internal/handlers"
	"github.com/tourdesk/reservation-backend/internal/middleware"
	"github.com/tourdesk/reservation-backend/pkg/jwt"
)

type routeHandlers struct {
	booking *handlers.BookingHandler
	webhook *handlers.WebhookHandler
	admin   *handlers.AdminHandler
}

// registerRoutes mounts the /api/v1 surface. Gateway webhooks stay outside
// the per-IP limiter since providers deliver from a few shared addresses.
func registerRoutes(router *gin.Engine, h routeHandlers, jwtService *jwt.Service, limiter *middleware.RateLimiter, logger *logrus.Logger) {
	// Gateway callbacks authenticate by signature, not JWT
	router.POST("/api/v1/payments/webhooks/:gateway", h.webhook.HandleCallback)

	v1 := router.Group("/api/v1")
	v1.Use(middleware.RateLimitMiddleware(limiter))
	{
		v1.GET("/slots/:id", h.booking.GetSlot)

		buyer := v1.Group("")
		buyer.Use(middleware.AuthMiddleware(jwtService, logger))
		buyer.Use(middleware.RequireRole(middleware.RoleBuyer, middleware.RoleOperator))
		{
			buyer.POST("/bookings", h.booking.CreateBooking)
			buyer.GET("/bookings", h.booking.ListBookings)
			buyer.GET("/bookings/:id", h.booking.GetBooking)
			buyer.POST("/bookings/:id/cancel", h.booking.CancelBooking)
			buyer.POST("/bookings/:id/payments", h.booking.InitiatePayment)
			buyer.GET("/bookings/:id/payment-status", h.booking.PaymentStatus)
			buyer.POST("/payments/attempts/:id/refresh", h.booking.RefreshAttempt)
		}

		admin := v1.Group("/admin")
		admin.Use(middleware.AuthMiddleware(jwtService, logger))
		admin.Use(middleware.RequireRole(middleware.RoleOperator))
		{
			admin.GET("/bookings/:id", h.admin.GetBooking)
			admin.GET("/bookings/:id/audits", h.admin.GetBookingAudits)
			admin.POST("/bookings/:id/refund", h.admin.RefundBooking)
			admin.POST("/bookings/:id/complete", h.admin.CompleteBooking)
			admin.POST("/reconcile/sweep", h.admin.RunSweep)
			admin.GET("/reconcile/status", h.admin.SweepStatus)
			admin.GET("/payments/mismatches", h.admin.GetAmountMismatches)
		}
	}
}
