package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/tourdesk/reservation-backend/internal/handlers"
	"github.com/tourdesk/reservation-backend/internal/middleware"
	"github.com/tourdesk/reservation-backend/internal/models"
	"github.com/tourdesk/reservation-backend/pkg/jwt"
	"github.com/tourdesk/reservation-backend/pkg/payment"
)

type discardAudits struct{}

func (discardAudits) Log(context.Context, *models.PaymentAudit) error { return nil }

func setupRoutes(t *testing.T, requestsPerWindow int) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	card := payment.NewCardGateway(payment.CardConfig{SecretKey: "sk_test_x", WebhookSecret: "whsec_test"}, logger)
	router := gin.New()
	registerRoutes(router, routeHandlers{
		booking: handlers.NewBookingHandler(nil, nil, nil, logger),
		webhook: handlers.NewWebhookHandler(payment.NewRegistry(card), nil, discardAudits{}, logger),
		admin:   handlers.NewAdminHandler(nil, nil, nil, nil, logger),
	}, jwt.NewService("test-secret", time.Hour), middleware.NewRateLimiter(requestsPerWindow, time.Minute), logger)
	return router
}

func send(router *gin.Engine, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(`{}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-For", "198.51.100.20")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRoutes_WebhooksBypassRateLimit(t *testing.T) {
	router := setupRoutes(t, 1)

	for i := 0; i < 5; i++ {
		w := send(router, http.MethodPost, "/api/v1/payments/webhooks/card")
		assert.Equal(t, http.StatusUnauthorized, w.Code, "delivery %d", i)
	}

	// Buyer routes from the same address still share the limit
	assert.Equal(t, http.StatusUnauthorized, send(router, http.MethodGet, "/api/v1/bookings").Code)
	assert.Equal(t, http.StatusTooManyRequests, send(router, http.MethodGet, "/api/v1/bookings").Code)
}
