package models

import (
	"time"

	"github.com/google/uuid"
)

// BookingEventType names a booking lifecycle event published to the message bus
type BookingEventType string

const (
	BookingEventConfirmed BookingEventType = "booking.confirmed"
	BookingEventCancelled BookingEventType = "booking.cancelled"
	BookingEventExpired   BookingEventType = "booking.expired"
	BookingEventCompleted BookingEventType = "booking.completed"
	BookingEventRefunded  BookingEventType = "booking.refunded"
)

// BookingEvent is consumed by the notification and email services
type BookingEvent struct {
	ID         uuid.UUID        `json:"id"`
	Type       BookingEventType `json:"type"`
	BookingID  uuid.UUID        `json:"booking_id"`
	BuyerID    uuid.UUID        `json:"buyer_id"`
	Status     BookingStatus    `json:"status"`
	TotalMinor int64            `json:"total_minor"`
	Currency   string           `json:"currency"`
	Reason     string           `json:"reason,omitempty"`
	OccurredAt time.Time        `json:"occurred_at"`
}

// NewBookingEvent builds an event snapshot of b
func NewBookingEvent(eventType BookingEventType, b *Booking, reason string) BookingEvent {
	return BookingEvent{
		ID:         uuid.New(),
		Type:       eventType,
		BookingID:  b.ID,
		BuyerID:    b.BuyerID,
		Status:     b.Status,
		TotalMinor: b.TotalMinor,
		Currency:   b.Currency,
		Reason:     reason,
		OccurredAt: time.Now(),
	}
}
