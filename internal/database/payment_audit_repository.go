package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"github.com/tourdesk/reservation-backend/internal/models"
)

const auditColumns = `id, booking_id, attempt_id, gateway, gateway_event_id, gateway_reference,
	event_type, event_source, expected_amount, received_amount, currency, amounts_match,
	payment_status, raw_body, error_message, error_code, is_duplicate,
	ip_address, user_agent, device_type, created_at`

// PaymentAuditRepository handles payment audit operations. Entries always go
// through the pool, never a caller's transaction, so they survive a rollback.
type PaymentAuditRepository struct {
	db     *sqlx.DB
	logger *logrus.Logger
}

// NewPaymentAuditRepository creates a new payment audit repository
func NewPaymentAuditRepository(db *sqlx.DB, logger *logrus.Logger) *PaymentAuditRepository {
	return &PaymentAuditRepository{
		db:     db,
		logger: logger,
	}
}

// Log creates a new payment audit entry
func (r *PaymentAuditRepository) Log(ctx context.Context, audit *models.PaymentAudit) error {
	if audit == nil {
		return fmt.Errorf("audit entry cannot be nil")
	}

	if audit.ID == uuid.Nil {
		audit.ID = uuid.New()
	}
	if audit.CreatedAt.IsZero() {
		audit.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO payment_audits (` + auditColumns + `) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17,
			$18, $19, $20, $21
		)`

	_, err := r.db.ExecContext(ctx, query,
		audit.ID, audit.BookingID, audit.AttemptID, audit.Gateway, audit.GatewayEventID, audit.GatewayReference,
		audit.EventType, audit.EventSource, audit.ExpectedAmount, audit.ReceivedAmount, audit.Currency, audit.AmountsMatch,
		audit.PaymentStatus, audit.RawBody, audit.ErrorMessage, audit.ErrorCode, audit.IsDuplicate,
		audit.IPAddress, audit.UserAgent, audit.DeviceType, audit.CreatedAt,
	)
	if err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"event_type": audit.EventType,
			"attempt_id": audit.AttemptID,
		}).Error("CRITICAL: Failed to log payment audit")
		return fmt.Errorf("failed to log payment audit: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"audit_id":   audit.ID,
		"event_type": audit.EventType,
	}).Debug("Payment audit logged")

	return nil
}

// GetByBooking retrieves all audit entries for a booking
func (r *PaymentAuditRepository) GetByBooking(ctx context.Context, bookingID uuid.UUID) ([]*models.PaymentAudit, error) {
	var audits []*models.PaymentAudit
	query := `
		SELECT ` + auditColumns + `
		FROM payment_audits
		WHERE booking_id = $1
		ORDER BY created_at ASC`

	if err := r.db.SelectContext(ctx, &audits, query, bookingID); err != nil {
		return nil, fmt.Errorf("failed to get audits by booking: %w", err)
	}
	return audits, nil
}

// GetAmountMismatches retrieves the latest audits where amounts didn't match
func (r *PaymentAuditRepository) GetAmountMismatches(ctx context.Context, limit int) ([]*models.PaymentAudit, error) {
	var audits []*models.PaymentAudit
	query := `
		SELECT ` + auditColumns + `
		FROM payment_audits
		WHERE amounts_match = FALSE
		ORDER BY created_at DESC
		LIMIT $1`

	if err := r.db.SelectContext(ctx, &audits, query, limit); err != nil {
		return nil, fmt.Errorf("failed to get amount mismatches: %w", err)
	}
	return audits, nil
}
