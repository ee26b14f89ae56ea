package models

import (
	"time"

	"github.com/google/uuid"
)

// SlotStatus is the derived availability of a slot
type SlotStatus string

const (
	SlotStatusAvailable SlotStatus = "available"
	SlotStatusFull      SlotStatus = "full"
	SlotStatusClosed    SlotStatus = "closed"
)

// AvailabilitySlot is one bookable departure of a service variant.
// Counters satisfy held + booked <= total_capacity; the database enforces it
// with a CHECK constraint as well.
type AvailabilitySlot struct {
	ID                uuid.UUID `json:"id" db:"id"`
	ServiceID         uuid.UUID `json:"service_id" db:"service_id"`
	VariantID         uuid.UUID `json:"variant_id" db:"variant_id"`
	StartsAt          time.Time `json:"starts_at" db:"starts_at"`
	EndsAt            time.Time `json:"ends_at" db:"ends_at"`
	TotalCapacity     int       `json:"total_capacity" db:"total_capacity"`
	HeldCapacity      int       `json:"held_capacity" db:"held_capacity"`
	BookedCapacity    int       `json:"booked_capacity" db:"booked_capacity"`
	UnitPriceOverride *int64    `json:"unit_price_override,omitempty" db:"unit_price_override"`
	Closed            bool      `json:"closed" db:"closed"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

// Remaining returns the capacity still open for new holds
func (s *AvailabilitySlot) Remaining() int {
	remaining := s.TotalCapacity - s.HeldCapacity - s.BookedCapacity
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Status derives the slot status from its counters
func (s *AvailabilitySlot) Status() SlotStatus {
	if s.Closed {
		return SlotStatusClosed
	}
	if s.Remaining() == 0 {
		return SlotStatusFull
	}
	return SlotStatusAvailable
}

// HoldStatus is the lifecycle state of a capacity hold
type HoldStatus string

const (
	HoldStatusHeld      HoldStatus = "held"
	HoldStatusConfirmed HoldStatus = "confirmed"
	HoldStatusReleased  HoldStatus = "released"
)

// CapacityHold is the persisted form of a hold token
type CapacityHold struct {
	ID            uuid.UUID  `json:"id" db:"id"`
	SlotID        uuid.UUID  `json:"slot_id" db:"slot_id"`
	BookingItemID uuid.UUID  `json:"booking_item_id" db:"booking_item_id"`
	Quantity      int        `json:"quantity" db:"quantity"`
	Status        HoldStatus `json:"status" db:"status"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	ConfirmedAt   *time.Time `json:"confirmed_at,omitempty" db:"confirmed_at"`
	ReleasedAt    *time.Time `json:"released_at,omitempty" db:"released_at"`
}

// HoldToken identifies a hold taken by the availability ledger
type HoldToken struct {
	ID       uuid.UUID `json:"id"`
	SlotID   uuid.UUID `json:"slot_id"`
	Quantity int       `json:"quantity"`
}

// Token returns the token view of a hold
func (h *CapacityHold) Token() HoldToken {
	return HoldToken{ID: h.ID, SlotID: h.SlotID, Quantity: h.Quantity}
}

// SlotAvailabilityResponse is the public projection of a slot
type SlotAvailabilityResponse struct {
	ID        uuid.UUID  `json:"id"`
	ServiceID uuid.UUID  `json:"service_id"`
	VariantID uuid.UUID  `json:"variant_id"`
	StartsAt  time.Time  `json:"starts_at"`
	EndsAt    time.Time  `json:"ends_at"`
	Status    SlotStatus `json:"status"`
	Remaining int        `json:"remaining"`
	UnitPrice string     `json:"unit_price"`
	Currency  string     `json:"currency"`
}
