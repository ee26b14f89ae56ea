package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tourdesk/reservation-backend/internal/models"
	"github.com/tourdesk/reservation-backend/internal/services"
)

// OperatorBookingAPI is the operator-facing booking surface
type OperatorBookingAPI interface {
	GetBooking(ctx context.Context, bookingID uuid.UUID) (*models.Booking, error)
	CompleteBooking(ctx context.Context, bookingID uuid.UUID) (*models.Booking, error)
}

// Refunder reverses a paid booking
type Refunder interface {
	RefundBooking(ctx context.Context, bookingID uuid.UUID, reason string) (*models.Booking, error)
}

// AuditReader exposes the payment audit trail
type AuditReader interface {
	GetByBooking(ctx context.Context, bookingID uuid.UUID) ([]*models.PaymentAudit, error)
	GetAmountMismatches(ctx context.Context, limit int) ([]*models.PaymentAudit, error)
}

// Sweeper runs and reports reconciliation sweeps
type Sweeper interface {
	RunSweepNow(ctx context.Context) (*services.SweepResult, error)
	GetJobStatus() map[string]interface{}
}

// AdminHandler handles operator endpoints
type AdminHandler struct {
	bookings OperatorBookingAPI
	refunds  Refunder
	audits   AuditReader
	sweeper  Sweeper
	logger   *logrus.Logger
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(
	bookings OperatorBookingAPI,
	refunds Refunder,
	audits AuditReader,
	sweeper Sweeper,
	logger *logrus.Logger,
) *AdminHandler {
	return &AdminHandler{
		bookings: bookings,
		refunds:  refunds,
		audits:   audits,
		sweeper:  sweeper,
		logger:   logger,
	}
}

// ===================================================================
// BOOKINGS
// ===================================================================

// GetBooking handles GET /api/v1/admin/bookings/:id
func (h *AdminHandler) GetBooking(c *gin.Context) {
	bookingID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	booking, err := h.bookings.GetBooking(c.Request.Context(), bookingID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respondOK(c, http.StatusOK, models.NewBookingResponse(booking))
}

// GetBookingAudits handles GET /api/v1/admin/bookings/:id/audits
func (h *AdminHandler) GetBookingAudits(c *gin.Context) {
	bookingID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	audits, err := h.audits.GetByBooking(c.Request.Context(), bookingID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if audits == nil {
		audits = []*models.PaymentAudit{}
	}
	respondOK(c, http.StatusOK, audits)
}

// RefundBooking handles POST /api/v1/admin/bookings/:id/refund
// @Summary Refund booking
// @Description Refunds the captured payment at the gateway and marks the booking REFUNDED
// @Tags Admin
// @Param id path string true "Booking ID"
// @Param request body models.RefundBookingRequest true "Refund reason"
// @Success 200 {object} models.BookingResponse
// @Failure 409 {object} Envelope "Booking not paid"
// @Router /admin/bookings/{id}/refund [post]
func (h *AdminHandler) RefundBooking(c *gin.Context) {
	bookingID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	var req models.RefundBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErrorCode(c, http.StatusBadRequest, models.ErrCodeInvalidRequest, "invalid request: "+err.Error())
		return
	}

	booking, err := h.refunds.RefundBooking(c.Request.Context(), bookingID, req.Reason)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	h.logger.WithFields(logrus.Fields{
		"booking_id": bookingID,
		"reason":     req.Reason,
	}).Info("Booking refunded by operator")
	respondOK(c, http.StatusOK, models.NewBookingResponse(booking))
}

// CompleteBooking handles POST /api/v1/admin/bookings/:id/complete
func (h *AdminHandler) CompleteBooking(c *gin.Context) {
	bookingID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	booking, err := h.bookings.CompleteBooking(c.Request.Context(), bookingID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respondOK(c, http.StatusOK, models.NewBookingResponse(booking))
}

// ===================================================================
// RECONCILIATION
// ===================================================================

// RunSweep handles POST /api/v1/admin/reconcile/sweep
func (h *AdminHandler) RunSweep(c *gin.Context) {
	result, err := h.sweeper.RunSweepNow(c.Request.Context())
	if err != nil {
		// Partial results are still useful to the operator
		h.logger.WithError(err).Warn("Manual sweep finished with errors")
		if result == nil {
			respondError(c, h.logger, err)
			return
		}
	}
	respondOK(c, http.StatusOK, result)
}

// SweepStatus handles GET /api/v1/admin/reconcile/status
func (h *AdminHandler) SweepStatus(c *gin.Context) {
	respondOK(c, http.StatusOK, h.sweeper.GetJobStatus())
}

// GetAmountMismatches handles GET /api/v1/admin/payments/mismatches
func (h *AdminHandler) GetAmountMismatches(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 500 {
		respondErrorCode(c, http.StatusBadRequest, models.ErrCodeInvalidRequest, "limit must be between 1 and 500")
		return
	}

	audits, err := h.audits.GetAmountMismatches(c.Request.Context(), limit)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if audits == nil {
		audits = []*models.PaymentAudit{}
	}
	respondOK(c, http.StatusOK, audits)
}
