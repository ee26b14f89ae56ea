package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/tourdesk/reservation-backend/internal/models"
)

const attemptColumns = `id, booking_id, gateway, amount_minor, currency, status,
	gateway_reference, failure_reason, created_at, updated_at, completed_at`

const transactionColumns = `id, attempt_id, gateway_event_id, reported_status, amount_minor,
	currency, payload_hash, received_at`

// Constraint backing the one-open-attempt rule
const openAttemptConstraint = "payment_attempts_one_open"

// PaymentRepository handles payment attempts and the transaction ledger
type PaymentRepository struct {
	db *sqlx.DB
}

// NewPaymentRepository creates a new payment repository
func NewPaymentRepository(db *sqlx.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

// CreateAttempt inserts a new attempt. A second open attempt for the same
// booking is rejected with models.ErrPaymentInProgress.
func (r *PaymentRepository) CreateAttempt(ctx context.Context, attempt *models.PaymentAttempt) error {
	query := `
		INSERT INTO payment_attempts (
			id, booking_id, gateway, amount_minor, currency, status,
			gateway_reference, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := conn(ctx, r.db).ExecContext(ctx, query,
		attempt.ID, attempt.BookingID, attempt.Gateway, attempt.AmountMinor, attempt.Currency,
		attempt.Status, attempt.GatewayReference, attempt.CreatedAt, attempt.UpdatedAt,
	)
	if err != nil {
		if constraint, ok := uniqueViolation(err); ok {
			if constraint == openAttemptConstraint {
				return models.ErrPaymentInProgress
			}
			return fmt.Errorf("%w: %s", ErrDuplicateKey, constraint)
		}
		return fmt.Errorf("failed to create payment attempt: %w", err)
	}
	return nil
}

// GetAttempt retrieves an attempt by ID. Returns nil if not found.
func (r *PaymentRepository) GetAttempt(ctx context.Context, id uuid.UUID) (*models.PaymentAttempt, error) {
	return r.getAttempt(ctx, `SELECT `+attemptColumns+` FROM payment_attempts WHERE id = $1`, id)
}

// GetAttemptForUpdate retrieves an attempt and locks its row. Returns nil if not found.
func (r *PaymentRepository) GetAttemptForUpdate(ctx context.Context, id uuid.UUID) (*models.PaymentAttempt, error) {
	return r.getAttempt(ctx, `SELECT `+attemptColumns+` FROM payment_attempts WHERE id = $1 FOR UPDATE`, id)
}

// GetAttemptByReference finds an attempt by the gateway's reference. Returns nil if not found.
func (r *PaymentRepository) GetAttemptByReference(ctx context.Context, gatewayReference string) (*models.PaymentAttempt, error) {
	query := `
		SELECT ` + attemptColumns + `
		FROM payment_attempts
		WHERE gateway_reference = $1
		ORDER BY created_at DESC
		LIMIT 1`
	return r.getAttempt(ctx, query, gatewayReference)
}

// GetLatestAttempt returns the most recent attempt of a booking. Returns nil if none.
func (r *PaymentRepository) GetLatestAttempt(ctx context.Context, bookingID uuid.UUID) (*models.PaymentAttempt, error) {
	query := `
		SELECT ` + attemptColumns + `
		FROM payment_attempts
		WHERE booking_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1`
	return r.getAttempt(ctx, query, bookingID)
}

func (r *PaymentRepository) getAttempt(ctx context.Context, query string, args ...interface{}) (*models.PaymentAttempt, error) {
	var attempt models.PaymentAttempt
	err := sqlx.GetContext(ctx, conn(ctx, r.db), &attempt, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment attempt: %w", err)
	}
	return &attempt, nil
}

// ListAttemptsByBooking returns every attempt of a booking, oldest first
func (r *PaymentRepository) ListAttemptsByBooking(ctx context.Context, bookingID uuid.UUID) ([]models.PaymentAttempt, error) {
	var attempts []models.PaymentAttempt
	query := `
		SELECT ` + attemptColumns + `
		FROM payment_attempts
		WHERE booking_id = $1
		ORDER BY created_at, id`

	if err := sqlx.SelectContext(ctx, conn(ctx, r.db), &attempts, query, bookingID); err != nil {
		return nil, fmt.Errorf("failed to list payment attempts: %w", err)
	}
	return attempts, nil
}

// SetAttemptReference records the gateway reference once. An initiated attempt
// moves to pending; an attempt a callback already finished keeps its status.
func (r *PaymentRepository) SetAttemptReference(ctx context.Context, id uuid.UUID, gatewayReference string) (bool, error) {
	query := `
		UPDATE payment_attempts
		SET gateway_reference = $2,
		    status = CASE WHEN status = 'initiated' THEN 'pending' ELSE status END,
		    updated_at = NOW()
		WHERE id = $1 AND gateway_reference IS NULL`

	result, err := conn(ctx, r.db).ExecContext(ctx, query, id, gatewayReference)
	if err != nil {
		return false, fmt.Errorf("failed to set gateway reference: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return rows == 1, nil
}

// UpdateAttemptStatus moves a non-terminal attempt to status to. Terminal
// attempts are never modified; false is returned instead.
func (r *PaymentRepository) UpdateAttemptStatus(ctx context.Context, id uuid.UUID, to models.AttemptStatus, reason *string) (bool, error) {
	query := `
		UPDATE payment_attempts
		SET status = $2,
		    failure_reason = COALESCE($3, failure_reason),
		    completed_at = CASE WHEN $2 IN ('success', 'failed', 'cancelled') THEN NOW() ELSE completed_at END,
		    updated_at = NOW()
		WHERE id = $1 AND status IN ('initiated', 'pending')`

	result, err := conn(ctx, r.db).ExecContext(ctx, query, id, to, reason)
	if err != nil {
		return false, fmt.Errorf("failed to update payment attempt: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return rows == 1, nil
}

// ListStaleAttempts returns open attempts created before the cutoff
func (r *PaymentRepository) ListStaleAttempts(ctx context.Context, before time.Time, limit int) ([]models.PaymentAttempt, error) {
	var attempts []models.PaymentAttempt
	query := `
		SELECT ` + attemptColumns + `
		FROM payment_attempts
		WHERE status IN ('initiated', 'pending') AND created_at < $1
		ORDER BY created_at
		LIMIT $2`

	if err := sqlx.SelectContext(ctx, conn(ctx, r.db), &attempts, query, before, limit); err != nil {
		return nil, fmt.Errorf("failed to list stale attempts: %w", err)
	}
	return attempts, nil
}

// TransactionExists reports whether a gateway event was already recorded
func (r *PaymentRepository) TransactionExists(ctx context.Context, gatewayEventID string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM payment_transactions WHERE gateway_event_id = $1)`

	if err := sqlx.GetContext(ctx, conn(ctx, r.db), &exists, query, gatewayEventID); err != nil {
		return false, fmt.Errorf("failed to check transaction: %w", err)
	}
	return exists, nil
}

// AppendTransaction records a gateway event. A repeated event id returns
// models.ErrDuplicateEvent.
func (r *PaymentRepository) AppendTransaction(ctx context.Context, txn *models.PaymentTransaction) error {
	query := `
		INSERT INTO payment_transactions (
			id, attempt_id, gateway_event_id, reported_status, amount_minor,
			currency, payload_hash, received_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (gateway_event_id) DO NOTHING`

	// A unique violation would abort the enclosing transaction, so a
	// concurrent duplicate shows up as zero affected rows instead.
	result, err := conn(ctx, r.db).ExecContext(ctx, query,
		txn.ID, txn.AttemptID, txn.GatewayEventID, txn.ReportedStatus, txn.AmountMinor,
		txn.Currency, txn.PayloadHash, txn.ReceivedAt,
	)
	if err != nil {
		if _, ok := uniqueViolation(err); ok {
			return models.ErrDuplicateEvent
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	if rows == 0 {
		return models.ErrDuplicateEvent
	}
	return nil
}

// ListTransactions returns the ledger entries of an attempt in arrival order
func (r *PaymentRepository) ListTransactions(ctx context.Context, attemptID uuid.UUID) ([]models.PaymentTransaction, error) {
	var txns []models.PaymentTransaction
	query := `
		SELECT ` + transactionColumns + `
		FROM payment_transactions
		WHERE attempt_id = $1
		ORDER BY received_at, id`

	if err := sqlx.SelectContext(ctx, conn(ctx, r.db), &txns, query, attemptID); err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return txns, nil
}
