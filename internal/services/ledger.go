package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tourdesk/reservation-backend/internal/database"
	"github.com/tourdesk/reservation-backend/internal/models"
)

// AvailabilityLedger owns the capacity counters of every slot. All mutations
// go through conditional updates, so held + booked never exceeds capacity.
type AvailabilityLedger struct {
	store  database.Store
	logger *logrus.Logger
}

// NewAvailabilityLedger creates a new availability ledger
func NewAvailabilityLedger(store database.Store, logger *logrus.Logger) *AvailabilityLedger {
	return &AvailabilityLedger{store: store, logger: logger}
}

// Hold claims quantity units of a slot for a booking item
func (l *AvailabilityLedger) Hold(ctx context.Context, slotID uuid.UUID, quantity int, bookingItemID uuid.UUID) (*models.HoldToken, error) {
	if quantity <= 0 {
		return nil, models.ErrInvalidQuantity
	}

	var token models.HoldToken
	err := l.store.WithinTx(ctx, func(ctx context.Context) error {
		ok, err := l.store.Slots().IncrementHeld(ctx, slotID, quantity)
		if err != nil {
			return err
		}
		if !ok {
			return l.holdFailure(ctx, slotID)
		}

		hold := &models.CapacityHold{
			ID:            uuid.New(),
			SlotID:        slotID,
			BookingItemID: bookingItemID,
			Quantity:      quantity,
			Status:        models.HoldStatusHeld,
			CreatedAt:     time.Now(),
		}
		if err := l.store.Slots().CreateHold(ctx, hold); err != nil {
			return err
		}
		token = hold.Token()
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.WithFields(logrus.Fields{
		"slot_id":  slotID,
		"hold_id":  token.ID,
		"quantity": quantity,
	}).Debug("Capacity held")

	return &token, nil
}

// holdFailure explains why a conditional increment matched no row
func (l *AvailabilityLedger) holdFailure(ctx context.Context, slotID uuid.UUID) error {
	slot, err := l.store.Slots().GetSlot(ctx, slotID)
	if err != nil {
		return err
	}
	switch {
	case slot == nil:
		return models.ErrSlotNotFound
	case slot.Closed:
		return models.ErrSlotClosed
	default:
		return models.ErrInsufficientCapacity
	}
}

// Confirm moves a hold's quantity from held to booked. Confirming a confirmed
// hold is a no-op; a released or unknown hold is TOKEN_EXPIRED.
func (l *AvailabilityLedger) Confirm(ctx context.Context, holdID uuid.UUID) error {
	return l.store.WithinTx(ctx, func(ctx context.Context) error {
		hold, err := l.store.Slots().TransitionHold(ctx, holdID, models.HoldStatusHeld, models.HoldStatusConfirmed)
		if err != nil {
			return err
		}
		if hold == nil {
			existing, err := l.store.Slots().GetHold(ctx, holdID)
			if err != nil {
				return err
			}
			if existing != nil && existing.Status == models.HoldStatusConfirmed {
				return nil
			}
			return models.ErrTokenExpired
		}
		return l.store.Slots().MoveHeldToBooked(ctx, hold.SlotID, hold.Quantity)
	})
}

// Release returns a held quantity to the slot. Releasing a released or
// confirmed hold changes nothing.
func (l *AvailabilityLedger) Release(ctx context.Context, holdID uuid.UUID) error {
	return l.store.WithinTx(ctx, func(ctx context.Context) error {
		hold, err := l.store.Slots().TransitionHold(ctx, holdID, models.HoldStatusHeld, models.HoldStatusReleased)
		if err != nil {
			return err
		}
		if hold == nil {
			return nil
		}
		return l.store.Slots().DecrementHeld(ctx, hold.SlotID, hold.Quantity)
	})
}
