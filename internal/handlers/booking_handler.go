package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tourdesk/reservation-backend/internal/models"
)

// BookingAPI is the buyer-facing booking surface
type BookingAPI interface {
	CreateBooking(ctx context.Context, buyerID uuid.UUID, req *models.CreateBookingRequest) (*models.Booking, error)
	GetBookingForBuyer(ctx context.Context, buyerID, bookingID uuid.UUID) (*models.Booking, error)
	ListBookings(ctx context.Context, buyerID uuid.UUID, limit int) ([]models.Booking, error)
	CancelBookingForBuyer(ctx context.Context, buyerID, bookingID uuid.UUID, reason string) (*models.Booking, error)
}

// SlotAPI answers slot availability queries
type SlotAPI interface {
	GetSlotAvailability(ctx context.Context, slotID uuid.UUID) (*models.SlotAvailabilityResponse, error)
}

// PaymentAPI is the buyer-facing payment surface
type PaymentAPI interface {
	InitiatePayment(ctx context.Context, buyerID, bookingID uuid.UUID, gateway string) (*models.InitiatePaymentResponse, error)
	CheckStatus(ctx context.Context, buyerID, bookingID uuid.UUID) (*models.PaymentStatusResponse, error)
	RefreshAttempt(ctx context.Context, buyerID, attemptID uuid.UUID) (*models.PaymentAttempt, error)
}

// BookingHandler handles buyer booking and payment endpoints
type BookingHandler struct {
	bookings BookingAPI
	slots    SlotAPI
	payments PaymentAPI
	logger   *logrus.Logger
}

// NewBookingHandler creates a new BookingHandler
func NewBookingHandler(bookings BookingAPI, slots SlotAPI, payments PaymentAPI, logger *logrus.Logger) *BookingHandler {
	return &BookingHandler{
		bookings: bookings,
		slots:    slots,
		payments: payments,
		logger:   logger,
	}
}

// ============================================================================
// SLOTS - GET /api/v1/slots/:id
// ============================================================================

// GetSlot returns the availability projection of a slot
// @Summary Slot availability
// @Tags Slots
// @Produce json
// @Param id path string true "Slot ID"
// @Success 200 {object} models.SlotAvailabilityResponse
// @Failure 404 {object} Envelope "Slot not found"
// @Router /slots/{id} [get]
func (h *BookingHandler) GetSlot(c *gin.Context) {
	slotID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	slot, err := h.slots.GetSlotAvailability(c.Request.Context(), slotID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respondOK(c, http.StatusOK, slot)
}

// ============================================================================
// BOOKINGS - /api/v1/bookings
// ============================================================================

// CreateBooking holds capacity and creates a PENDING booking
// @Summary Create booking
// @Description Validates prices, holds capacity for every item and returns the pending booking
// @Tags Bookings
// @Accept json
// @Produce json
// @Param Authorization header string true "Bearer token"
// @Param request body models.CreateBookingRequest true "Booking request"
// @Success 201 {object} models.BookingResponse
// @Failure 400 {object} Envelope "Validation error"
// @Failure 409 {object} Envelope "Insufficient capacity or price changed"
// @Router /bookings [post]
func (h *BookingHandler) CreateBooking(c *gin.Context) {
	buyer, ok := buyerID(c)
	if !ok {
		return
	}

	var req models.CreateBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErrorCode(c, http.StatusBadRequest, models.ErrCodeInvalidRequest, "invalid request: "+err.Error())
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	booking, err := h.bookings.CreateBooking(c.Request.Context(), buyer, &req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respondOK(c, http.StatusCreated, models.NewBookingResponse(booking))
}

// ListBookings returns the buyer's recent bookings
func (h *BookingHandler) ListBookings(c *gin.Context) {
	buyer, ok := buyerID(c)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	bookings, err := h.bookings.ListBookings(c.Request.Context(), buyer, limit)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	out := make([]models.BookingResponse, 0, len(bookings))
	for i := range bookings {
		out = append(out, models.NewBookingResponse(&bookings[i]))
	}
	respondOK(c, http.StatusOK, out)
}

// GetBooking returns one of the buyer's bookings with its items
func (h *BookingHandler) GetBooking(c *gin.Context) {
	buyer, ok := buyerID(c)
	if !ok {
		return
	}
	bookingID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	booking, err := h.bookings.GetBookingForBuyer(c.Request.Context(), buyer, bookingID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respondOK(c, http.StatusOK, models.NewBookingResponse(booking))
}

// CancelBooking releases the holds of a pending booking
// @Summary Cancel booking
// @Tags Bookings
// @Param id path string true "Booking ID"
// @Success 200 {object} models.BookingResponse
// @Failure 409 {object} Envelope "Booking already paid"
// @Router /bookings/{id}/cancel [post]
func (h *BookingHandler) CancelBooking(c *gin.Context) {
	buyer, ok := buyerID(c)
	if !ok {
		return
	}
	bookingID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	var req models.CancelBookingRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondErrorCode(c, http.StatusBadRequest, models.ErrCodeInvalidRequest, "invalid request: "+err.Error())
			return
		}
	}

	booking, err := h.bookings.CancelBookingForBuyer(c.Request.Context(), buyer, bookingID, req.Reason)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respondOK(c, http.StatusOK, models.NewBookingResponse(booking))
}

// ============================================================================
// PAYMENTS
// ============================================================================

// InitiatePayment opens a payment attempt for a pending booking
// @Summary Initiate payment
// @Description Returns a redirect URL or a client secret depending on the gateway
// @Tags Payments
// @Accept json
// @Produce json
// @Param id path string true "Booking ID"
// @Param request body models.InitiatePaymentRequest true "Gateway selection"
// @Success 201 {object} models.InitiatePaymentResponse
// @Failure 409 {object} Envelope "Booking not pending or attempt in progress"
// @Failure 503 {object} Envelope "Gateway unavailable"
// @Router /bookings/{id}/payments [post]
func (h *BookingHandler) InitiatePayment(c *gin.Context) {
	buyer, ok := buyerID(c)
	if !ok {
		return
	}
	bookingID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	var req models.InitiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErrorCode(c, http.StatusBadRequest, models.ErrCodeInvalidRequest, "invalid request: "+err.Error())
		return
	}

	resp, err := h.payments.InitiatePayment(c.Request.Context(), buyer, bookingID, req.Gateway)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respondOK(c, http.StatusCreated, resp)
}

// PaymentStatus returns the booking status and latest attempt
func (h *BookingHandler) PaymentStatus(c *gin.Context) {
	buyer, ok := buyerID(c)
	if !ok {
		return
	}
	bookingID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	status, err := h.payments.CheckStatus(c.Request.Context(), buyer, bookingID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respondOK(c, http.StatusOK, status)
}

// RefreshAttempt asks the gateway for the attempt's current status
func (h *BookingHandler) RefreshAttempt(c *gin.Context) {
	buyer, ok := buyerID(c)
	if !ok {
		return
	}
	attemptID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	attempt, err := h.payments.RefreshAttempt(c.Request.Context(), buyer, attemptID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	respondOK(c, http.StatusOK, attempt)
}
