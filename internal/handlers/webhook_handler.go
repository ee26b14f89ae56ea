package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/tourdesk/reservation-backend/internal/models"
	"github.com/tourdesk/reservation-backend/internal/utils"
	"github.com/tourdesk/reservation-backend/pkg/payment"
)

const maxCallbackBody = 1 << 20

// webhookRoutes maps the path segment of a webhook URL to a gateway name
var webhookRoutes = map[string]string{
	"bank-transfer": payment.BankTransfer,
	"card":          payment.CreditCard,
}

func gatewayForRoute(segment string) string {
	if name, ok := webhookRoutes[segment]; ok {
		return name
	}
	return strings.ReplaceAll(segment, "-", "_")
}

// CallbackReconciler applies a normalized gateway callback
type CallbackReconciler interface {
	ReconcileCallback(ctx context.Context, cb models.GatewayCallback) error
}

// AuditLogger records payment audit entries
type AuditLogger interface {
	Log(ctx context.Context, audit *models.PaymentAudit) error
}

// WebhookHandler receives gateway callbacks
type WebhookHandler struct {
	gateways   *payment.Registry
	reconciler CallbackReconciler
	audits     AuditLogger
	logger     *logrus.Logger
}

// NewWebhookHandler creates a new WebhookHandler
func NewWebhookHandler(gateways *payment.Registry, reconciler CallbackReconciler, audits AuditLogger, logger *logrus.Logger) *WebhookHandler {
	return &WebhookHandler{
		gateways:   gateways,
		reconciler: reconciler,
		audits:     audits,
		logger:     logger,
	}
}

// HandleCallback authenticates and reconciles a gateway notification
// @Summary Gateway webhook
// @Description Verifies the gateway signature and applies the reported payment status
// @Tags Payments
// @Accept json
// @Produce json
// @Param gateway path string true "Gateway name (bank-transfer, card)"
// @Success 200 {object} map[string]interface{}
// @Failure 401 {object} Envelope "Invalid signature"
// @Failure 422 {object} Envelope "Unknown attempt or amount mismatch"
// @Router /payments/webhooks/{gateway} [post]
func (h *WebhookHandler) HandleCallback(c *gin.Context) {
	name := gatewayForRoute(c.Param("gateway"))
	gateway, err := h.gateways.Get(name)
	if err != nil {
		respondErrorCode(c, http.StatusNotFound, models.ErrCodeUnsupportedGateway, "unknown payment gateway")
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBody))
	if err != nil {
		respondErrorCode(c, http.StatusBadRequest, models.ErrCodeInvalidRequest, "could not read request body")
		return
	}
	meta := utils.GetRequestMetadata(c)

	parsed, err := gateway.ParseCallback(c.Request.Header, body)
	switch {
	case errors.Is(err, payment.ErrIgnoredEvent):
		c.JSON(http.StatusOK, gin.H{"received": true, "ignored": true})
		return
	case errors.Is(err, payment.ErrInvalidSignature):
		h.logRejected(c.Request.Context(), name, body, meta, models.ErrCodeInvalidSignature, err)
		respondErrorCode(c, http.StatusUnauthorized, models.ErrCodeInvalidSignature, "callback signature verification failed")
		return
	case err != nil:
		h.logRejected(c.Request.Context(), name, body, meta, models.ErrCodeInvalidRequest, err)
		respondErrorCode(c, http.StatusBadRequest, models.ErrCodeInvalidRequest, "malformed callback payload")
		return
	}

	cb := models.GatewayCallback{
		GatewayEventID: parsed.EventID,
		AttemptRef:     parsed.AttemptRef(),
		ReportedStatus: parsed.Status,
		RawStatus:      parsed.RawStatus,
		AmountMinor:    parsed.Amount,
		Currency:       parsed.Currency,
		Source:         models.CallbackSourceWebhook,
		Payload:        body,
		IPAddress:      meta.IPAddress,
		UserAgent:      meta.UserAgent,
		DeviceType:     meta.DeviceType,
	}

	if err := h.reconciler.ReconcileCallback(c.Request.Context(), cb); err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"gateway":  name,
			"event_id": cb.GatewayEventID,
			"ref":      cb.AttemptRef,
		}).Warn("Callback not applied")
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (h *WebhookHandler) logRejected(ctx context.Context, gateway string, body []byte, meta utils.RequestMetadata, code models.ErrorCode, cause error) {
	h.logger.WithError(cause).WithFields(logrus.Fields{
		"gateway":    gateway,
		"ip_address": meta.IPAddress,
	}).Warn("Callback rejected")

	audit := models.NewPaymentAudit(models.PaymentEventCallbackRejected, models.PaymentSourceWebhook).
		SetGateway(gateway).
		SetError(cause.Error(), code).
		SetRawBody(body).
		SetMetadata(meta.IPAddress, meta.UserAgent, meta.DeviceType)
	if err := h.audits.Log(ctx, audit); err != nil {
		h.logger.WithError(err).Error("Failed to write callback audit")
	}
}
