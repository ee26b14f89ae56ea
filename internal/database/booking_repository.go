package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/tourdesk/reservation-backend/internal/models"
)

const bookingColumns = `id, buyer_id, currency, total_minor, status, status_reason, idempotency_key,
	expires_at, confirmed_at, cancelled_at, completed_at, refunded_at, created_at, updated_at`

const bookingItemColumns = `id, booking_id, slot_id, service_id, variant_id, hold_id,
	quantity, unit_price_minor, created_at`

// BookingRepository handles booking database operations
type BookingRepository struct {
	db *sqlx.DB
}

// NewBookingRepository creates a new booking repository
func NewBookingRepository(db *sqlx.DB) *BookingRepository {
	return &BookingRepository{db: db}
}

// CreateBooking inserts a booking and all of its items. Call it inside
// WithinTx so the items and holds commit together.
func (r *BookingRepository) CreateBooking(ctx context.Context, booking *models.Booking) error {
	q := conn(ctx, r.db)

	bookingQuery := `
		INSERT INTO bookings (
			id, buyer_id, currency, total_minor, status, idempotency_key,
			expires_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := q.ExecContext(ctx, bookingQuery,
		booking.ID, booking.BuyerID, booking.Currency, booking.TotalMinor, booking.Status,
		booking.IdempotencyKey, booking.ExpiresAt, booking.CreatedAt, booking.UpdatedAt,
	)
	if err != nil {
		if constraint, ok := uniqueViolation(err); ok {
			return fmt.Errorf("%w: %s", ErrDuplicateKey, constraint)
		}
		return fmt.Errorf("failed to create booking: %w", err)
	}

	itemQuery := `
		INSERT INTO booking_items (
			id, booking_id, slot_id, service_id, variant_id, hold_id,
			quantity, unit_price_minor, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	for _, item := range booking.Items {
		_, err := q.ExecContext(ctx, itemQuery,
			item.ID, booking.ID, item.SlotID, item.ServiceID, item.VariantID, item.HoldID,
			item.Quantity, item.UnitPriceMinor, item.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create booking item: %w", err)
		}
	}

	return nil
}

// GetBooking retrieves a booking with its items. Returns nil if not found.
func (r *BookingRepository) GetBooking(ctx context.Context, id uuid.UUID) (*models.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE id = $1`
	return r.getWithItems(ctx, query, id)
}

// GetBookingForUpdate retrieves a booking and locks its row until the
// surrounding transaction ends. Returns nil if not found.
func (r *BookingRepository) GetBookingForUpdate(ctx context.Context, id uuid.UUID) (*models.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE id = $1 FOR UPDATE`
	return r.getWithItems(ctx, query, id)
}

// GetBookingByIdempotencyKey finds the booking a buyer created with key.
// Returns nil if not found.
func (r *BookingRepository) GetBookingByIdempotencyKey(ctx context.Context, buyerID uuid.UUID, key string) (*models.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE buyer_id = $1 AND idempotency_key = $2`
	return r.getWithItems(ctx, query, buyerID, key)
}

func (r *BookingRepository) getWithItems(ctx context.Context, query string, args ...interface{}) (*models.Booking, error) {
	q := conn(ctx, r.db)

	var booking models.Booking
	err := sqlx.GetContext(ctx, q, &booking, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}

	itemsQuery := `SELECT ` + bookingItemColumns + ` FROM booking_items WHERE booking_id = $1 ORDER BY slot_id, id`
	if err := sqlx.SelectContext(ctx, q, &booking.Items, itemsQuery, booking.ID); err != nil {
		return nil, fmt.Errorf("failed to get booking items: %w", err)
	}

	return &booking, nil
}

// ListBookingsByBuyer returns a buyer's most recent bookings with their items
func (r *BookingRepository) ListBookingsByBuyer(ctx context.Context, buyerID uuid.UUID, limit int) ([]models.Booking, error) {
	q := conn(ctx, r.db)

	var bookings []models.Booking
	query := `
		SELECT ` + bookingColumns + `
		FROM bookings
		WHERE buyer_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	if err := sqlx.SelectContext(ctx, q, &bookings, query, buyerID, limit); err != nil {
		return nil, fmt.Errorf("failed to list bookings: %w", err)
	}
	if len(bookings) == 0 {
		return bookings, nil
	}

	ids := make([]string, len(bookings))
	index := make(map[uuid.UUID]int, len(bookings))
	for i := range bookings {
		ids[i] = bookings[i].ID.String()
		index[bookings[i].ID] = i
	}

	var items []models.BookingItem
	itemsQuery := `SELECT ` + bookingItemColumns + ` FROM booking_items WHERE booking_id = ANY($1::uuid[]) ORDER BY slot_id, id`
	if err := sqlx.SelectContext(ctx, q, &items, itemsQuery, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("failed to list booking items: %w", err)
	}
	for _, item := range items {
		if i, ok := index[item.BookingID]; ok {
			bookings[i].Items = append(bookings[i].Items, item)
		}
	}
	return bookings, nil
}

// UpdateBookingStatus moves a booking from one status to another and stamps the
// matching timestamp. Returns false when the booking is not in the from status.
func (r *BookingRepository) UpdateBookingStatus(ctx context.Context, id uuid.UUID, from, to models.BookingStatus, reason *string) (bool, error) {
	query := `
		UPDATE bookings
		SET status = $3,
		    status_reason = COALESCE($4, status_reason),
		    confirmed_at = CASE WHEN $3 = 'confirmed' THEN NOW() ELSE confirmed_at END,
		    cancelled_at = CASE WHEN $3 IN ('cancelled', 'expired') THEN NOW() ELSE cancelled_at END,
		    completed_at = CASE WHEN $3 = 'completed' THEN NOW() ELSE completed_at END,
		    refunded_at = CASE WHEN $3 = 'refunded' THEN NOW() ELSE refunded_at END,
		    updated_at = NOW()
		WHERE id = $1 AND status = $2`

	result, err := conn(ctx, r.db).ExecContext(ctx, query, id, from, to, reason)
	if err != nil {
		return false, fmt.Errorf("failed to update booking status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return rows == 1, nil
}

// ListExpiredPending returns pending bookings whose hold deadline passed before now
func (r *BookingRepository) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	query := `
		SELECT id FROM bookings
		WHERE status = 'pending' AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2`

	if err := sqlx.SelectContext(ctx, conn(ctx, r.db), &ids, query, now, limit); err != nil {
		return nil, fmt.Errorf("failed to list expired bookings: %w", err)
	}
	return ids, nil
}
