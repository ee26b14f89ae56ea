package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/tourdesk/reservation-backend/internal/models"
)

const slotColumns = `id, service_id, variant_id, starts_at, ends_at, total_capacity,
	held_capacity, booked_capacity, unit_price_override, closed, created_at, updated_at`

const holdColumns = `id, slot_id, booking_item_id, quantity, status, created_at, confirmed_at, released_at`

// SlotRepository handles availability slot counters and capacity holds
type SlotRepository struct {
	db *sqlx.DB
}

// NewSlotRepository creates a new slot repository
func NewSlotRepository(db *sqlx.DB) *SlotRepository {
	return &SlotRepository{db: db}
}

// GetSlot retrieves a slot by ID. Returns nil if not found.
func (r *SlotRepository) GetSlot(ctx context.Context, id uuid.UUID) (*models.AvailabilitySlot, error) {
	var slot models.AvailabilitySlot
	query := `SELECT ` + slotColumns + ` FROM availability_slots WHERE id = $1`

	err := sqlx.GetContext(ctx, conn(ctx, r.db), &slot, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get slot: %w", err)
	}
	return &slot, nil
}

// IncrementHeld reserves quantity on an open slot when it fits. The check and
// the increment are a single statement, so concurrent holds cannot overbook.
func (r *SlotRepository) IncrementHeld(ctx context.Context, slotID uuid.UUID, quantity int) (bool, error) {
	query := `
		UPDATE availability_slots
		SET held_capacity = held_capacity + $2, updated_at = NOW()
		WHERE id = $1
		  AND NOT closed
		  AND held_capacity + booked_capacity + $2 <= total_capacity`

	result, err := conn(ctx, r.db).ExecContext(ctx, query, slotID, quantity)
	if err != nil {
		return false, fmt.Errorf("failed to increment held capacity: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return rows == 1, nil
}

// MoveHeldToBooked converts held capacity into booked capacity
func (r *SlotRepository) MoveHeldToBooked(ctx context.Context, slotID uuid.UUID, quantity int) error {
	query := `
		UPDATE availability_slots
		SET held_capacity = held_capacity - $2,
		    booked_capacity = booked_capacity + $2,
		    updated_at = NOW()
		WHERE id = $1 AND held_capacity >= $2`

	return r.execOne(ctx, query, slotID, quantity, "move held to booked")
}

// DecrementHeld returns held capacity to the slot
func (r *SlotRepository) DecrementHeld(ctx context.Context, slotID uuid.UUID, quantity int) error {
	query := `
		UPDATE availability_slots
		SET held_capacity = held_capacity - $2, updated_at = NOW()
		WHERE id = $1 AND held_capacity >= $2`

	return r.execOne(ctx, query, slotID, quantity, "decrement held capacity")
}

func (r *SlotRepository) execOne(ctx context.Context, query string, slotID uuid.UUID, quantity int, op string) error {
	result, err := conn(ctx, r.db).ExecContext(ctx, query, slotID, quantity)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if rows != 1 {
		return fmt.Errorf("failed to %s: slot %s holds less than %d", op, slotID, quantity)
	}
	return nil
}

// CreateHold inserts a new capacity hold
func (r *SlotRepository) CreateHold(ctx context.Context, hold *models.CapacityHold) error {
	query := `
		INSERT INTO capacity_holds (id, slot_id, booking_item_id, quantity, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := conn(ctx, r.db).ExecContext(ctx, query,
		hold.ID, hold.SlotID, hold.BookingItemID, hold.Quantity, hold.Status, hold.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create hold: %w", err)
	}
	return nil
}

// GetHold retrieves a hold by ID. Returns nil if not found.
func (r *SlotRepository) GetHold(ctx context.Context, id uuid.UUID) (*models.CapacityHold, error) {
	var hold models.CapacityHold
	query := `SELECT ` + holdColumns + ` FROM capacity_holds WHERE id = $1`

	err := sqlx.GetContext(ctx, conn(ctx, r.db), &hold, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get hold: %w", err)
	}
	return &hold, nil
}

// TransitionHold moves a hold from one status to another. Returns nil when the
// hold does not exist or is not in the from status.
func (r *SlotRepository) TransitionHold(ctx context.Context, id uuid.UUID, from, to models.HoldStatus) (*models.CapacityHold, error) {
	var hold models.CapacityHold
	query := `
		UPDATE capacity_holds
		SET status = $3,
		    confirmed_at = CASE WHEN $3 = 'confirmed' THEN NOW() ELSE confirmed_at END,
		    released_at = CASE WHEN $3 = 'released' THEN NOW() ELSE released_at END
		WHERE id = $1 AND status = $2
		RETURNING ` + holdColumns

	err := sqlx.GetContext(ctx, conn(ctx, r.db), &hold, query, id, from, to)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to transition hold: %w", err)
	}
	return &hold, nil
}
