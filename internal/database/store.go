package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"github.com/tourdesk/reservation-backend/internal/models"
)

// SlotStore persists slot counters and capacity holds
type SlotStore interface {
	GetSlot(ctx context.Context, id uuid.UUID) (*models.AvailabilitySlot, error)
	IncrementHeld(ctx context.Context, slotID uuid.UUID, quantity int) (bool, error)
	MoveHeldToBooked(ctx context.Context, slotID uuid.UUID, quantity int) error
	DecrementHeld(ctx context.Context, slotID uuid.UUID, quantity int) error
	CreateHold(ctx context.Context, hold *models.CapacityHold) error
	GetHold(ctx context.Context, id uuid.UUID) (*models.CapacityHold, error)
	TransitionHold(ctx context.Context, id uuid.UUID, from, to models.HoldStatus) (*models.CapacityHold, error)
}

// BookingStore persists bookings and their items
type BookingStore interface {
	CreateBooking(ctx context.Context, booking *models.Booking) error
	GetBooking(ctx context.Context, id uuid.UUID) (*models.Booking, error)
	GetBookingForUpdate(ctx context.Context, id uuid.UUID) (*models.Booking, error)
	GetBookingByIdempotencyKey(ctx context.Context, buyerID uuid.UUID, key string) (*models.Booking, error)
	ListBookingsByBuyer(ctx context.Context, buyerID uuid.UUID, limit int) ([]models.Booking, error)
	UpdateBookingStatus(ctx context.Context, id uuid.UUID, from, to models.BookingStatus, reason *string) (bool, error)
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}

// PaymentStore persists payment attempts and the transaction ledger
type PaymentStore interface {
	CreateAttempt(ctx context.Context, attempt *models.PaymentAttempt) error
	GetAttempt(ctx context.Context, id uuid.UUID) (*models.PaymentAttempt, error)
	GetAttemptForUpdate(ctx context.Context, id uuid.UUID) (*models.PaymentAttempt, error)
	GetAttemptByReference(ctx context.Context, gatewayReference string) (*models.PaymentAttempt, error)
	GetLatestAttempt(ctx context.Context, bookingID uuid.UUID) (*models.PaymentAttempt, error)
	ListAttemptsByBooking(ctx context.Context, bookingID uuid.UUID) ([]models.PaymentAttempt, error)
	SetAttemptReference(ctx context.Context, id uuid.UUID, gatewayReference string) (bool, error)
	UpdateAttemptStatus(ctx context.Context, id uuid.UUID, to models.AttemptStatus, reason *string) (bool, error)
	ListStaleAttempts(ctx context.Context, before time.Time, limit int) ([]models.PaymentAttempt, error)
	TransactionExists(ctx context.Context, gatewayEventID string) (bool, error)
	AppendTransaction(ctx context.Context, txn *models.PaymentTransaction) error
	ListTransactions(ctx context.Context, attemptID uuid.UUID) ([]models.PaymentTransaction, error)
}

// CatalogStore reads service and variant metadata
type CatalogStore interface {
	GetVariantPrice(ctx context.Context, serviceID, variantID uuid.UUID) (*models.VariantPrice, error)
}

// AuditStore persists the payment audit trail
type AuditStore interface {
	Log(ctx context.Context, audit *models.PaymentAudit) error
	GetAmountMismatches(ctx context.Context, limit int) ([]*models.PaymentAudit, error)
	GetByBooking(ctx context.Context, bookingID uuid.UUID) ([]*models.PaymentAudit, error)
}

// Store groups the repositories and runs units of work atomically.
// Repositories called with a context returned inside WithinTx join that
// transaction; nested WithinTx calls reuse it.
type Store interface {
	Slots() SlotStore
	Bookings() BookingStore
	Payments() PaymentStore
	Catalog() CatalogStore
	Audits() AuditStore
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
	// AfterCommit defers fn until the outermost transaction of ctx commits.
	// Outside a transaction fn runs immediately; on rollback it never runs.
	AfterCommit(ctx context.Context, fn func())
}

type txKey struct{}

type txState struct {
	tx          *sqlx.Tx
	afterCommit []func()
}

func txFrom(ctx context.Context) *txState {
	state, _ := ctx.Value(txKey{}).(*txState)
	return state
}

// conn returns the transaction bound to ctx, or the pool
func conn(ctx context.Context, db *sqlx.DB) sqlx.ExtContext {
	if state := txFrom(ctx); state != nil {
		return state.tx
	}
	return db
}

// SQLStore is the PostgreSQL implementation of Store
type SQLStore struct {
	db       *sqlx.DB
	logger   *logrus.Logger
	slots    *SlotRepository
	bookings *BookingRepository
	payments *PaymentRepository
	catalog  *CatalogRepository
	audits   *PaymentAuditRepository
}

// NewStore creates a Store over db
func NewStore(db *sqlx.DB, logger *logrus.Logger) *SQLStore {
	return &SQLStore{
		db:       db,
		logger:   logger,
		slots:    NewSlotRepository(db),
		bookings: NewBookingRepository(db),
		payments: NewPaymentRepository(db),
		catalog:  NewCatalogRepository(db),
		audits:   NewPaymentAuditRepository(db, logger),
	}
}

func (s *SQLStore) Slots() SlotStore       { return s.slots }
func (s *SQLStore) Bookings() BookingStore { return s.bookings }
func (s *SQLStore) Payments() PaymentStore { return s.payments }
func (s *SQLStore) Catalog() CatalogStore  { return s.catalog }
func (s *SQLStore) Audits() AuditStore     { return s.audits }

// WithinTx runs fn in a transaction, committing when it returns nil
func (s *SQLStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFrom(ctx) != nil {
		return fn(ctx)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	state := &txState{tx: tx}
	if err := fn(context.WithValue(ctx, txKey{}, state)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.WithError(rbErr).Error("Failed to rollback transaction")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	for _, hook := range state.afterCommit {
		hook()
	}
	return nil
}

// AfterCommit implements Store
func (s *SQLStore) AfterCommit(ctx context.Context, fn func()) {
	if state := txFrom(ctx); state != nil {
		state.afterCommit = append(state.afterCommit, fn)
		return
	}
	fn()
}

// uniqueViolation reports the violated constraint of a unique_violation error
func uniqueViolation(err error) (string, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return pqErr.Constraint, true
	}
	return "", false
}

// ErrDuplicateKey is returned when an insert collides with a unique constraint
// that has no domain-specific meaning
var ErrDuplicateKey = errors.New("duplicate key")
