package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tourdesk/reservation-backend/internal/database"
	"github.com/tourdesk/reservation-backend/internal/models"
	"github.com/tourdesk/reservation-backend/pkg/money"
)

// BookingServiceConfig holds booking lifecycle rules
type BookingServiceConfig struct {
	HoldTTL             time.Duration // How long a pending booking keeps its holds
	PriceToleranceMinor int64         // Accepted drift between client and catalog price
	MaxItems            int           // Upper bound of items per booking
	MaxQuantity         int           // Upper bound of seats per item
	PublishTimeout      time.Duration // Deadline for one lifecycle event publish
}

// DefaultBookingServiceConfig returns default configuration
func DefaultBookingServiceConfig() BookingServiceConfig {
	return BookingServiceConfig{
		HoldTTL:             15 * time.Minute,
		PriceToleranceMinor: 0,
		MaxItems:            20,
		MaxQuantity:         100,
		PublishTimeout:      2 * time.Second,
	}
}

// BookingService is the booking aggregate: it owns booking rows and drives
// the availability ledger through the booking state machine.
type BookingService struct {
	store   database.Store
	ledger  *AvailabilityLedger
	catalog *CatalogService
	events  EventPublisher
	config  BookingServiceConfig
	logger  *logrus.Logger
	now     func() time.Time
}

// NewBookingService creates a new booking service
func NewBookingService(
	store database.Store,
	ledger *AvailabilityLedger,
	catalog *CatalogService,
	events EventPublisher,
	config BookingServiceConfig,
	logger *logrus.Logger,
) *BookingService {
	if events == nil {
		events = NoopEventPublisher{}
	}
	defaults := DefaultBookingServiceConfig()
	if config.MaxQuantity <= 0 {
		config.MaxQuantity = defaults.MaxQuantity
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = defaults.PublishTimeout
	}
	return &BookingService{
		store:   store,
		ledger:  ledger,
		catalog: catalog,
		events:  events,
		config:  config,
		logger:  logger,
		now:     time.Now,
	}
}

// WithClock replaces the service clock
func (s *BookingService) WithClock(now func() time.Time) *BookingService {
	s.now = now
	return s
}

// ============================================================================
// CREATE
// ============================================================================

// CreateBooking validates prices against the catalog, holds capacity for
// every item and persists a PENDING booking. Holds are taken in ascending
// slot order inside one transaction; any failure rolls all of them back.
func (s *BookingService) CreateBooking(ctx context.Context, buyerID uuid.UUID, req *models.CreateBookingRequest) (*models.Booking, error) {
	// 1. Basic shape
	if len(req.Items) == 0 {
		return nil, models.ErrEmptyItems
	}
	if s.config.MaxItems > 0 && len(req.Items) > s.config.MaxItems {
		return nil, models.NewAppError(models.ErrCodeInvalidRequest,
			fmt.Sprintf("a booking can contain at most %d items", s.config.MaxItems))
	}

	// 2. Idempotent retry returns the original booking
	var idempotencyKey *string
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		idempotencyKey = &key
		existing, err := s.store.Bookings().GetBookingByIdempotencyKey(ctx, buyerID, key)
		if err != nil {
			return nil, fmt.Errorf("failed to check idempotency: %w", err)
		}
		if existing != nil {
			return existing, nil
		}
	}

	// 3. Price every item from the catalog
	items, currency, err := s.priceItems(ctx, req)
	if err != nil {
		return nil, err
	}

	// 4. Fixed lock order across all callers
	sort.SliceStable(items, func(i, j int) bool {
		return bytes.Compare(items[i].SlotID[:], items[j].SlotID[:]) < 0
	})

	now := s.now()
	booking := &models.Booking{
		ID:             uuid.New(),
		BuyerID:        buyerID,
		Currency:       currency,
		Status:         models.BookingStatusPending,
		IdempotencyKey: idempotencyKey,
		ExpiresAt:      now.Add(s.config.HoldTTL),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for i := range items {
		items[i].BookingID = booking.ID
		items[i].CreatedAt = now
	}

	// 5. Hold and persist atomically
	err = s.store.WithinTx(ctx, func(ctx context.Context) error {
		for i := range items {
			token, err := s.ledger.Hold(ctx, items[i].SlotID, items[i].Quantity, items[i].ID)
			if err != nil {
				return err
			}
			items[i].HoldID = token.ID
		}
		booking.Items = items
		booking.TotalMinor = models.ComputeTotal(items)
		return s.store.Bookings().CreateBooking(ctx, booking)
	})
	if err != nil {
		if errors.Is(err, database.ErrDuplicateKey) && idempotencyKey != nil {
			// A concurrent retry with the same key won the insert
			existing, getErr := s.store.Bookings().GetBookingByIdempotencyKey(ctx, buyerID, *idempotencyKey)
			if getErr == nil && existing != nil {
				return existing, nil
			}
		}
		s.logger.WithError(err).WithField("buyer_id", buyerID).Warn("Booking creation failed")
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"booking_id": booking.ID,
		"buyer_id":   buyerID,
		"items":      len(items),
		"total":      booking.TotalMinor,
		"currency":   booking.Currency,
		"expires_at": booking.ExpiresAt,
	}).Info("Booking created")

	return booking, nil
}

// priceItems resolves slot, variant and server price for every requested item
func (s *BookingService) priceItems(ctx context.Context, req *models.CreateBookingRequest) ([]models.BookingItem, string, error) {
	currency := money.NormalizeCurrency(req.Currency)
	items := make([]models.BookingItem, 0, len(req.Items))

	for i, reqItem := range req.Items {
		slotID, err := uuid.Parse(reqItem.SlotID)
		if err != nil {
			return nil, "", models.NewAppError(models.ErrCodeInvalidRequest, fmt.Sprintf("item %d: invalid slot_id", i))
		}
		if reqItem.Quantity <= 0 || reqItem.Quantity > s.config.MaxQuantity {
			return nil, "", models.ErrInvalidQuantity
		}

		slot, err := s.catalog.GetSlot(ctx, slotID)
		if err != nil {
			return nil, "", err
		}
		if reqItem.VariantID != "" {
			variantID, err := uuid.Parse(reqItem.VariantID)
			if err != nil || variantID != slot.VariantID {
				return nil, "", models.ErrVariantNotFound
			}
		}

		unitPrice, itemCurrency, err := s.catalog.UnitPrice(ctx, slot)
		if err != nil {
			return nil, "", err
		}
		if currency == "" {
			currency = itemCurrency
		}
		if itemCurrency != currency {
			return nil, "", models.ErrCurrencyMismatch
		}

		supplied, err := money.Parse(reqItem.UnitPrice, currency)
		if err != nil {
			return nil, "", models.WrapAppError(models.ErrCodeInvalidRequest, fmt.Sprintf("item %d: invalid unit_price", i), err)
		}
		if diff := supplied - unitPrice; diff > s.config.PriceToleranceMinor || -diff > s.config.PriceToleranceMinor {
			s.logger.WithFields(logrus.Fields{
				"slot_id":  slotID,
				"supplied": supplied,
				"current":  unitPrice,
			}).Info("Rejected stale price")
			return nil, "", models.NewAppError(models.ErrCodePriceMismatch,
				fmt.Sprintf("price for item %d is now %s %s", i, money.Format(unitPrice, currency), currency))
		}

		items = append(items, models.BookingItem{
			ID:             uuid.New(),
			SlotID:         slot.ID,
			ServiceID:      slot.ServiceID,
			VariantID:      slot.VariantID,
			Quantity:       reqItem.Quantity,
			UnitPriceMinor: unitPrice,
		})
	}

	return items, currency, nil
}

// ============================================================================
// READ
// ============================================================================

// GetBooking returns a booking with its items
func (s *BookingService) GetBooking(ctx context.Context, bookingID uuid.UUID) (*models.Booking, error) {
	booking, err := s.store.Bookings().GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if booking == nil {
		return nil, models.ErrBookingNotFound
	}
	return booking, nil
}

// GetBookingForBuyer returns a booking only to the buyer who owns it
func (s *BookingService) GetBookingForBuyer(ctx context.Context, buyerID, bookingID uuid.UUID) (*models.Booking, error) {
	booking, err := s.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if booking.BuyerID != buyerID {
		return nil, models.ErrBookingNotFound
	}
	return booking, nil
}

// ListBookings returns a buyer's most recent bookings
func (s *BookingService) ListBookings(ctx context.Context, buyerID uuid.UUID, limit int) ([]models.Booking, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.store.Bookings().ListBookingsByBuyer(ctx, buyerID, limit)
}

// ============================================================================
// STATE TRANSITIONS
// ============================================================================

// ConfirmBooking confirms every hold and flips PENDING to CONFIRMED. A booking
// that is already paid is a no-op success; a closed one is ALREADY_TERMINAL.
// A pending booking past its deadline is still confirmed while its holds are
// intact, since payment arrived before the sweep released them.
func (s *BookingService) ConfirmBooking(ctx context.Context, bookingID uuid.UUID) error {
	var confirmed *models.Booking

	err := s.store.WithinTx(ctx, func(ctx context.Context) error {
		booking, err := s.lockBooking(ctx, bookingID)
		if err != nil {
			return err
		}

		switch {
		case booking.Status.IsPaid():
			return nil
		case booking.Status != models.BookingStatusPending:
			return models.ErrAlreadyTerminal
		}

		for _, item := range booking.Items {
			if err := s.ledger.Confirm(ctx, item.HoldID); err != nil {
				// Never a state error here: a partial confirm must roll back
				return fmt.Errorf("failed to confirm hold %s: %v", item.HoldID, err)
			}
		}

		if err := s.transition(ctx, booking, models.BookingStatusConfirmed, ""); err != nil {
			return err
		}
		confirmed = booking
		return nil
	})
	if err != nil {
		return err
	}

	if confirmed != nil {
		s.logger.WithField("booking_id", bookingID).Info("Booking confirmed")
		s.publish(ctx, models.BookingEventConfirmed, confirmed, "")
	}
	return nil
}

// CancelBooking releases every hold and flips PENDING to CANCELLED
func (s *BookingService) CancelBooking(ctx context.Context, bookingID uuid.UUID, reason string) error {
	return s.closeBooking(ctx, bookingID, models.BookingStatusCancelled, reason)
}

// ExpireBooking releases the holds of a PENDING booking past its deadline.
// Anything else is NOT_PENDING, which makes repeated sweeps harmless.
func (s *BookingService) ExpireBooking(ctx context.Context, bookingID uuid.UUID) error {
	return s.closeBooking(ctx, bookingID, models.BookingStatusExpired, "hold_expired")
}

func (s *BookingService) closeBooking(ctx context.Context, bookingID uuid.UUID, to models.BookingStatus, reason string) error {
	var closed *models.Booking

	err := s.store.WithinTx(ctx, func(ctx context.Context) error {
		booking, err := s.lockBooking(ctx, bookingID)
		if err != nil {
			return err
		}

		if to == models.BookingStatusExpired {
			if booking.Status != models.BookingStatusPending || !booking.IsHoldExpired(s.now()) {
				return models.ErrNotPending
			}
		} else if booking.Status != models.BookingStatusPending {
			return models.ErrAlreadyTerminal
		}

		for _, item := range booking.Items {
			if err := s.ledger.Release(ctx, item.HoldID); err != nil {
				return fmt.Errorf("failed to release hold %s: %w", item.HoldID, err)
			}
		}

		if err := s.transition(ctx, booking, to, reason); err != nil {
			return err
		}
		closed = booking
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"booking_id": bookingID,
		"status":     to,
		"reason":     reason,
	}).Info("Booking closed and capacity released")

	eventType := models.BookingEventCancelled
	if to == models.BookingStatusExpired {
		eventType = models.BookingEventExpired
	}
	s.publish(ctx, eventType, closed, reason)
	return nil
}

// CancelBookingForBuyer cancels a buyer's own booking. Cancelling a booking
// that is already cancelled or expired returns it unchanged.
func (s *BookingService) CancelBookingForBuyer(ctx context.Context, buyerID, bookingID uuid.UUID, reason string) (*models.Booking, error) {
	booking, err := s.GetBookingForBuyer(ctx, buyerID, bookingID)
	if err != nil {
		return nil, err
	}
	if booking.Status.IsClosed() {
		return booking, nil
	}

	if reason == "" {
		reason = "cancelled_by_buyer"
	}
	if err := s.CancelBooking(ctx, bookingID, reason); err != nil {
		return nil, err
	}
	return s.GetBooking(ctx, bookingID)
}

// CompleteBooking marks a CONFIRMED booking as COMPLETED once the tour ran
func (s *BookingService) CompleteBooking(ctx context.Context, bookingID uuid.UUID) (*models.Booking, error) {
	var completed *models.Booking

	err := s.store.WithinTx(ctx, func(ctx context.Context) error {
		booking, err := s.lockBooking(ctx, bookingID)
		if err != nil {
			return err
		}

		switch booking.Status {
		case models.BookingStatusCompleted:
			return nil
		case models.BookingStatusConfirmed:
		default:
			return models.ErrInvalidTransition
		}

		if err := s.transition(ctx, booking, models.BookingStatusCompleted, ""); err != nil {
			return err
		}
		completed = booking
		return nil
	})
	if err != nil {
		return nil, err
	}

	if completed != nil {
		s.logger.WithField("booking_id", bookingID).Info("Booking completed")
		s.publish(ctx, models.BookingEventCompleted, completed, "")
	}
	return s.GetBooking(ctx, bookingID)
}

// MarkRefunded flips a paid booking to REFUNDED inside the caller's
// transaction. Capacity stays booked. Returns false when already refunded.
func (s *BookingService) MarkRefunded(ctx context.Context, bookingID uuid.UUID, reason string) (*models.Booking, bool, error) {
	var refunded bool
	var result *models.Booking

	err := s.store.WithinTx(ctx, func(ctx context.Context) error {
		booking, err := s.lockBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		result = booking

		switch booking.Status {
		case models.BookingStatusRefunded:
			return nil
		case models.BookingStatusConfirmed, models.BookingStatusCompleted:
		default:
			return models.ErrInvalidTransition
		}

		if err := s.transition(ctx, booking, models.BookingStatusRefunded, reason); err != nil {
			return err
		}
		refunded = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, refunded, nil
}

func (s *BookingService) lockBooking(ctx context.Context, bookingID uuid.UUID) (*models.Booking, error) {
	booking, err := s.store.Bookings().GetBookingForUpdate(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if booking == nil {
		return nil, models.ErrBookingNotFound
	}
	return booking, nil
}

// transition persists a guarded status change on a locked booking
func (s *BookingService) transition(ctx context.Context, booking *models.Booking, to models.BookingStatus, reason string) error {
	if !booking.Status.CanTransitionTo(to) {
		return models.ErrInvalidTransition
	}

	var reasonPtr *string
	if reason != "" {
		reasonPtr = &reason
	}

	ok, err := s.store.Bookings().UpdateBookingStatus(ctx, booking.ID, booking.Status, to, reasonPtr)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("booking %s changed status concurrently", booking.ID)
	}

	booking.Status = to
	if reasonPtr != nil {
		booking.StatusReason = reasonPtr
	}
	return nil
}

// publish sends a lifecycle event once the surrounding transaction commits.
// Failures are only logged. The publish outlives the caller's cancellation
// but not PublishTimeout.
func (s *BookingService) publish(ctx context.Context, eventType models.BookingEventType, booking *models.Booking, reason string) {
	if booking == nil {
		return
	}
	event := models.NewBookingEvent(eventType, booking, reason)
	s.store.AfterCommit(ctx, func() {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.PublishTimeout)
		defer cancel()
		if err := s.events.Publish(pctx, event); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"booking_id": booking.ID,
				"event_type": eventType,
			}).Warn("Failed to publish booking event")
		}
	})
}
