package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/tourdesk/reservation-backend/pkg/money"
)

// BookingStatus represents the lifecycle state of a booking
type BookingStatus string

const (
	BookingStatusPending   BookingStatus = "pending"
	BookingStatusConfirmed BookingStatus = "confirmed"
	BookingStatusCancelled BookingStatus = "cancelled"
	BookingStatusExpired   BookingStatus = "expired"
	BookingStatusCompleted BookingStatus = "completed"
	BookingStatusRefunded  BookingStatus = "refunded"
)

var bookingTransitions = map[BookingStatus][]BookingStatus{
	BookingStatusPending:   {BookingStatusConfirmed, BookingStatusCancelled, BookingStatusExpired},
	BookingStatusConfirmed: {BookingStatusCompleted, BookingStatusRefunded},
	BookingStatusCompleted: {BookingStatusRefunded},
}

// CanTransitionTo reports whether next is a legal successor of s
func (s BookingStatus) CanTransitionTo(next BookingStatus) bool {
	for _, allowed := range bookingTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsClosed reports whether the booking ended without being paid
func (s BookingStatus) IsClosed() bool {
	return s == BookingStatusCancelled || s == BookingStatusExpired
}

// IsPaid reports whether the booking has been confirmed by a payment at some point
func (s BookingStatus) IsPaid() bool {
	return s == BookingStatusConfirmed || s == BookingStatusCompleted || s == BookingStatusRefunded
}

// Booking is one customer order
type Booking struct {
	ID             uuid.UUID     `json:"id" db:"id"`
	BuyerID        uuid.UUID     `json:"buyer_id" db:"buyer_id"`
	Currency       string        `json:"currency" db:"currency"`
	TotalMinor     int64         `json:"total_minor" db:"total_minor"`
	Status         BookingStatus `json:"status" db:"status"`
	StatusReason   *string       `json:"status_reason,omitempty" db:"status_reason"`
	IdempotencyKey *string       `json:"-" db:"idempotency_key"`
	ExpiresAt      time.Time     `json:"expires_at" db:"expires_at"`
	ConfirmedAt    *time.Time    `json:"confirmed_at,omitempty" db:"confirmed_at"`
	CancelledAt    *time.Time    `json:"cancelled_at,omitempty" db:"cancelled_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty" db:"completed_at"`
	RefundedAt     *time.Time    `json:"refunded_at,omitempty" db:"refunded_at"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at" db:"updated_at"`

	Items []BookingItem `json:"items,omitempty" db:"-"`
}

// IsHoldExpired reports whether the hold deadline has passed at now
func (b *Booking) IsHoldExpired(now time.Time) bool {
	return now.After(b.ExpiresAt)
}

// ComputeTotal sums quantity x unit price snapshot over all items
func ComputeTotal(items []BookingItem) int64 {
	var total int64
	for _, item := range items {
		total += item.LineTotal()
	}
	return total
}

// BookingItem is one line of a booking bound to a single slot
type BookingItem struct {
	ID             uuid.UUID `json:"id" db:"id"`
	BookingID      uuid.UUID `json:"booking_id" db:"booking_id"`
	SlotID         uuid.UUID `json:"slot_id" db:"slot_id"`
	ServiceID      uuid.UUID `json:"service_id" db:"service_id"`
	VariantID      uuid.UUID `json:"variant_id" db:"variant_id"`
	HoldID         uuid.UUID `json:"hold_id" db:"hold_id"`
	Quantity       int       `json:"quantity" db:"quantity"`
	UnitPriceMinor int64     `json:"unit_price_minor" db:"unit_price_minor"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// LineTotal returns quantity x unit price snapshot
func (i *BookingItem) LineTotal() int64 {
	return int64(i.Quantity) * i.UnitPriceMinor
}

// ============================================================================
// REQUEST/RESPONSE DTOs
// ============================================================================

// CreateBookingItemRequest is one requested line item
type CreateBookingItemRequest struct {
	SlotID    string `json:"slot_id" binding:"required"`
	VariantID string `json:"variant_id,omitempty"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unit_price" binding:"required"`
}

// CreateBookingRequest is the request body for creating a booking
type CreateBookingRequest struct {
	Currency       string                     `json:"currency,omitempty"`
	IdempotencyKey string                     `json:"idempotency_key,omitempty"`
	Items          []CreateBookingItemRequest `json:"items"`
}

// CancelBookingRequest is the request body for cancelling a booking
type CancelBookingRequest struct {
	Reason string `json:"reason,omitempty"`
}

// RefundBookingRequest is the operator request body for refunding a booking
type RefundBookingRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// BookingResponse is the client-facing view of a booking
type BookingResponse struct {
	ID           uuid.UUID             `json:"id"`
	Status       BookingStatus         `json:"status"`
	StatusReason *string               `json:"status_reason,omitempty"`
	Currency     string                `json:"currency"`
	TotalMinor   int64                 `json:"total_minor"`
	Total        string                `json:"total"`
	ExpiresAt    time.Time             `json:"expires_at"`
	CreatedAt    time.Time             `json:"created_at"`
	Items        []BookingItemResponse `json:"items"`
}

// BookingItemResponse is the client-facing view of a booking item
type BookingItemResponse struct {
	ID        uuid.UUID `json:"id"`
	SlotID    uuid.UUID `json:"slot_id"`
	VariantID uuid.UUID `json:"variant_id"`
	Quantity  int       `json:"quantity"`
	UnitPrice string    `json:"unit_price"`
	LineTotal string    `json:"line_total"`
}

// NewBookingResponse builds the client-facing view of b
func NewBookingResponse(b *Booking) BookingResponse {
	items := make([]BookingItemResponse, 0, len(b.Items))
	for i := range b.Items {
		item := &b.Items[i]
		items = append(items, BookingItemResponse{
			ID:        item.ID,
			SlotID:    item.SlotID,
			VariantID: item.VariantID,
			Quantity:  item.Quantity,
			UnitPrice: money.Format(item.UnitPriceMinor, b.Currency),
			LineTotal: money.Format(item.LineTotal(), b.Currency),
		})
	}
	return BookingResponse{
		ID:           b.ID,
		Status:       b.Status,
		StatusReason: b.StatusReason,
		Currency:     b.Currency,
		TotalMinor:   b.TotalMinor,
		Total:        money.Format(b.TotalMinor, b.Currency),
		ExpiresAt:    b.ExpiresAt,
		CreatedAt:    b.CreatedAt,
		Items:        items,
	}
}
