package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tourdesk/reservation-backend/internal/database"
	"github.com/tourdesk/reservation-backend/internal/models"
	"github.com/tourdesk/reservation-backend/pkg/money"
	"github.com/tourdesk/reservation-backend/pkg/payment"
)

// PaymentOrchestratorConfig holds payment rules
type PaymentOrchestratorConfig struct {
	MaxAttempts    int           // Attempts per booking; the last failure cancels the booking
	GatewayTimeout time.Duration // Deadline of every outbound gateway call
}

// DefaultPaymentOrchestratorConfig returns default configuration
func DefaultPaymentOrchestratorConfig() PaymentOrchestratorConfig {
	return PaymentOrchestratorConfig{
		MaxAttempts:    3,
		GatewayTimeout: 15 * time.Second,
	}
}

// PaymentOrchestrator owns payment attempts and is the single entry point for
// gateway-originated state changes.
type PaymentOrchestrator struct {
	store    database.Store
	bookings *BookingService
	gateways *payment.Registry
	config   PaymentOrchestratorConfig
	logger   *logrus.Logger
	now      func() time.Time
}

// NewPaymentOrchestrator creates a new payment orchestrator
func NewPaymentOrchestrator(
	store database.Store,
	bookings *BookingService,
	gateways *payment.Registry,
	config PaymentOrchestratorConfig,
	logger *logrus.Logger,
) *PaymentOrchestrator {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	return &PaymentOrchestrator{
		store:    store,
		bookings: bookings,
		gateways: gateways,
		config:   config,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock replaces the orchestrator clock
func (o *PaymentOrchestrator) WithClock(now func() time.Time) *PaymentOrchestrator {
	o.now = now
	return o
}

// ============================================================================
// INITIATE
// ============================================================================

// InitiatePayment opens an attempt on a pending booking and asks the gateway
// for the data the client needs to pay. An INITIATED attempt whose gateway
// call never completed is resumed instead of opening a new one.
func (o *PaymentOrchestrator) InitiatePayment(ctx context.Context, buyerID, bookingID uuid.UUID, gatewayName string) (*models.InitiatePaymentResponse, error) {
	gw, err := o.gateways.Get(gatewayName)
	if err != nil {
		return nil, models.ErrUnsupportedGateway
	}

	var attempt *models.PaymentAttempt
	var booking *models.Booking

	// 1. Open (or resume) the attempt under the booking lock
	err = o.store.WithinTx(ctx, func(ctx context.Context) error {
		b, err := o.store.Bookings().GetBookingForUpdate(ctx, bookingID)
		if err != nil {
			return err
		}
		if b == nil || b.BuyerID != buyerID {
			return models.ErrBookingNotFound
		}
		if b.Status != models.BookingStatusPending || b.IsHoldExpired(o.now()) {
			return models.ErrBookingNotPending
		}

		attempts, err := o.store.Payments().ListAttemptsByBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		for i := range attempts {
			a := &attempts[i]
			if a.Status.IsTerminal() {
				continue
			}
			if a.Status == models.AttemptStatusInitiated && a.GatewayReference == nil && string(a.Gateway) == gw.Name() {
				attempt = a
				booking = b
				return nil
			}
			return models.ErrPaymentInProgress
		}
		if len(attempts) >= o.config.MaxAttempts {
			return models.ErrAttemptLimitReached
		}

		now := o.now()
		attempt = &models.PaymentAttempt{
			ID:          uuid.New(),
			BookingID:   b.ID,
			Gateway:     models.PaymentGateway(gw.Name()),
			AmountMinor: b.TotalMinor,
			Currency:    b.Currency,
			Status:      models.AttemptStatusInitiated,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		booking = b
		return o.store.Payments().CreateAttempt(ctx, attempt)
	})
	if err != nil {
		return nil, err
	}

	log := o.logger.WithFields(logrus.Fields{
		"booking_id": booking.ID,
		"attempt_id": attempt.ID,
		"gateway":    attempt.Gateway,
	})

	// 2. Call the gateway outside any transaction, with a deadline
	gctx, cancel := context.WithTimeout(ctx, o.config.GatewayTimeout)
	result, err := gw.Initiate(gctx, payment.InitRequest{
		Reference:   attempt.ID.String(),
		Amount:      attempt.AmountMinor,
		Currency:    attempt.Currency,
		Description: fmt.Sprintf("Booking %s", booking.ID),
	})
	cancel()

	if err != nil {
		// A definitive refusal fails the attempt; anything else leaves it
		// INITIATED for a retry or the stale attempt sweep.
		if errors.Is(err, payment.ErrRejected) || errors.Is(err, payment.ErrNotConfigured) {
			reason := err.Error()
			if _, updErr := o.store.Payments().UpdateAttemptStatus(ctx, attempt.ID, models.AttemptStatusFailed, &reason); updErr != nil {
				log.WithError(updErr).Error("Failed to mark rejected attempt as failed")
			}
		}
		log.WithError(err).Warn("Payment gateway initiation failed")

		o.audit(ctx, models.NewPaymentAudit(models.PaymentEventInitiationFailed, models.PaymentSourceBackend).
			SetAttempt(attempt).
			SetError(err.Error(), models.ErrCodeGatewayUnavailable))

		return nil, models.WrapAppError(models.ErrCodeGatewayUnavailable, models.ErrGatewayUnavailable.Message, err)
	}

	// 3. Persist the gateway reference; callbacks also carry our attempt id
	ok, err := o.store.Payments().SetAttemptReference(ctx, attempt.ID, result.GatewayReference)
	if err != nil {
		log.WithError(err).Error("Failed to store gateway reference")
	} else if ok {
		if fresh, err := o.store.Payments().GetAttempt(ctx, attempt.ID); err == nil && fresh != nil {
			attempt = fresh
		}
	}

	o.audit(ctx, models.NewPaymentAudit(models.PaymentEventInitiated, models.PaymentSourceBackend).
		SetAttempt(attempt))

	log.WithField("gateway_reference", result.GatewayReference).Info("Payment initiated")

	return &models.InitiatePaymentResponse{
		AttemptID: attempt.ID,
		Gateway:   attempt.Gateway,
		Amount:    money.Format(attempt.AmountMinor, attempt.Currency),
		Currency:  attempt.Currency,
		Status:    attempt.Status,
		Init:      result.Data,
	}, nil
}

// ============================================================================
// RECONCILE
// ============================================================================

type reconcileOutcome struct {
	attempt     *models.PaymentAttempt
	duplicate   bool
	lateSuccess bool
	status      models.AttemptStatus
	cancelled   bool
}

// ReconcileCallback applies one gateway-reported event exactly once. Webhooks,
// polls and sweeps all come through here, keyed on the gateway event id.
func (o *PaymentOrchestrator) ReconcileCallback(ctx context.Context, cb models.GatewayCallback) error {
	log := o.logger.WithFields(logrus.Fields{
		"gateway_event_id": cb.GatewayEventID,
		"attempt_ref":      cb.AttemptRef,
		"reported_status":  cb.ReportedStatus,
		"source":           cb.Source,
	})
	source := models.AuditSourceFor(cb.Source)
	currency := money.NormalizeCurrency(cb.Currency)

	// 1. Already recorded: nothing to do
	exists, err := o.store.Payments().TransactionExists(ctx, cb.GatewayEventID)
	if err != nil {
		return err
	}
	if exists {
		log.Debug("Duplicate gateway event ignored")
		o.audit(ctx, o.callbackAudit(models.PaymentEventCallbackReceived, source, cb).MarkAsDuplicate())
		return nil
	}

	// 2. Resolve the attempt
	attempt, err := o.findAttempt(ctx, cb.AttemptRef)
	if err != nil {
		return err
	}
	if attempt == nil {
		log.WithField("severity", "critical").Error("Gateway event for unknown payment attempt")
		o.audit(ctx, o.callbackAudit(models.PaymentEventUnknownAttempt, source, cb).
			SetError("no attempt matches reference", models.ErrCodeUnknownAttempt))
		return models.ErrUnknownAttempt
	}

	var outcome reconcileOutcome
	err = o.store.WithinTx(ctx, func(ctx context.Context) error {
		// Lock order: booking, then attempt
		if _, err := o.store.Bookings().GetBookingForUpdate(ctx, attempt.BookingID); err != nil {
			return err
		}
		locked, err := o.store.Payments().GetAttemptForUpdate(ctx, attempt.ID)
		if err != nil {
			return err
		}
		if locked == nil {
			return models.ErrUnknownAttempt
		}
		outcome.attempt = locked

		// A concurrent delivery of the same event may have committed while
		// we waited on the booking lock
		seen, err := o.store.Payments().TransactionExists(ctx, cb.GatewayEventID)
		if err != nil {
			return err
		}
		if seen {
			outcome.duplicate = true
			return nil
		}

		// 3. Amounts are integer minor units and must match exactly
		if cb.AmountMinor != locked.AmountMinor || currency != locked.Currency {
			return models.ErrAmountMismatch
		}

		// 4. Ledger entry; the unique event id is the storage-level guard
		err = o.store.Payments().AppendTransaction(ctx, &models.PaymentTransaction{
			ID:             uuid.New(),
			AttemptID:      locked.ID,
			GatewayEventID: cb.GatewayEventID,
			ReportedStatus: string(cb.ReportedStatus),
			AmountMinor:    cb.AmountMinor,
			Currency:       currency,
			PayloadHash:    payloadHash(cb.Payload),
			ReceivedAt:     o.now(),
		})
		if errors.Is(err, models.ErrDuplicateEvent) {
			outcome.duplicate = true
			return nil
		}
		if err != nil {
			return err
		}

		// 5. Terminal attempts never regress
		if locked.Status.IsTerminal() {
			if cb.ReportedStatus == payment.StatusSuccess && locked.Status != models.AttemptStatusSuccess {
				outcome.lateSuccess = true
			}
			return nil
		}

		// 6. Move the attempt
		next := models.AttemptStatusFromGateway(cb.ReportedStatus)
		if next == models.AttemptStatusPending {
			if locked.Status == models.AttemptStatusInitiated {
				_, err := o.store.Payments().UpdateAttemptStatus(ctx, locked.ID, models.AttemptStatusPending, nil)
				return err
			}
			return nil
		}

		var reason *string
		if next != models.AttemptStatusSuccess && cb.RawStatus != "" {
			raw := cb.RawStatus
			reason = &raw
		}
		if _, err := o.store.Payments().UpdateAttemptStatus(ctx, locked.ID, next, reason); err != nil {
			return err
		}
		locked.Status = next
		outcome.status = next

		// 7. Drive the booking
		switch next {
		case models.AttemptStatusSuccess:
			if err := o.bookings.ConfirmBooking(ctx, locked.BookingID); err != nil {
				if !models.IsStateError(err) {
					return err
				}
				// Paid after the booking closed; needs a manual refund
				outcome.lateSuccess = true
			}
		case models.AttemptStatusFailed, models.AttemptStatusCancelled:
			attempts, err := o.store.Payments().ListAttemptsByBooking(ctx, locked.BookingID)
			if err != nil {
				return err
			}
			if len(attempts) >= o.config.MaxAttempts {
				err := o.bookings.CancelBooking(ctx, locked.BookingID, "payment_"+string(next))
				if err != nil && !models.IsStateError(err) {
					return err
				}
				outcome.cancelled = err == nil
			}
		}
		return nil
	})

	if errors.Is(err, models.ErrAmountMismatch) {
		audit := o.callbackAudit(models.PaymentEventAmountMismatch, source, cb).SetAttempt(attempt)
		audit.SetAmounts(attempt.AmountMinor, cb.AmountMinor, currency)
		audit.SetError(fmt.Sprintf("expected %d %s, gateway reported %d %s",
			attempt.AmountMinor, attempt.Currency, cb.AmountMinor, currency), models.ErrCodeAmountMismatch)
		o.audit(ctx, audit)

		log.WithFields(logrus.Fields{
			"severity":        "critical",
			"attempt_id":      attempt.ID,
			"expected_amount": attempt.AmountMinor,
			"received_amount": cb.AmountMinor,
			"currency":        currency,
		}).Error("Gateway reported amount does not match payment attempt")
		return models.ErrAmountMismatch
	}
	if err != nil {
		log.WithError(err).Error("Failed to reconcile gateway event")
		return err
	}

	o.auditOutcome(ctx, source, cb, &outcome)

	log.WithFields(logrus.Fields{
		"attempt_id":        attempt.ID,
		"booking_id":        attempt.BookingID,
		"attempt_status":    outcome.attempt.Status,
		"booking_cancelled": outcome.cancelled,
	}).Info("Gateway event reconciled")

	return nil
}

func (o *PaymentOrchestrator) auditOutcome(ctx context.Context, source models.PaymentEventSource, cb models.GatewayCallback, outcome *reconcileOutcome) {
	eventType := models.PaymentEventCallbackReceived
	switch {
	case outcome.lateSuccess:
		eventType = models.PaymentEventLateSuccess
		o.logger.WithFields(logrus.Fields{
			"severity":   "critical",
			"attempt_id": outcome.attempt.ID,
			"booking_id": outcome.attempt.BookingID,
		}).Error("Payment succeeded after the booking closed, manual refund required")
	case outcome.status == models.AttemptStatusSuccess:
		eventType = models.PaymentEventSuccess
	case outcome.status == models.AttemptStatusFailed:
		eventType = models.PaymentEventFailed
	case outcome.status == models.AttemptStatusCancelled:
		eventType = models.PaymentEventCancelled
	}

	audit := o.callbackAudit(eventType, source, cb).SetAttempt(outcome.attempt)
	audit.SetAmounts(outcome.attempt.AmountMinor, cb.AmountMinor, money.NormalizeCurrency(cb.Currency))
	if outcome.duplicate {
		audit.MarkAsDuplicate()
	}
	o.audit(ctx, audit)
}

// findAttempt resolves our attempt id first, then the gateway's reference
func (o *PaymentOrchestrator) findAttempt(ctx context.Context, ref string) (*models.PaymentAttempt, error) {
	if ref == "" {
		return nil, nil
	}
	if id, err := uuid.Parse(ref); err == nil {
		attempt, err := o.store.Payments().GetAttempt(ctx, id)
		if err != nil || attempt != nil {
			return attempt, err
		}
	}
	return o.store.Payments().GetAttemptByReference(ctx, ref)
}

// ============================================================================
// READ & POLL
// ============================================================================

// CheckStatus returns the latest attempt of a buyer's booking without
// changing any state
func (o *PaymentOrchestrator) CheckStatus(ctx context.Context, buyerID, bookingID uuid.UUID) (*models.PaymentStatusResponse, error) {
	booking, err := o.bookings.GetBookingForBuyer(ctx, buyerID, bookingID)
	if err != nil {
		return nil, err
	}

	attempt, err := o.store.Payments().GetLatestAttempt(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	return &models.PaymentStatusResponse{
		BookingID:     booking.ID,
		BookingStatus: booking.Status,
		Attempt:       attempt,
	}, nil
}

// RefreshAttempt polls the gateway for a buyer's attempt and funnels a
// changed status through ReconcileCallback
func (o *PaymentOrchestrator) RefreshAttempt(ctx context.Context, buyerID, attemptID uuid.UUID) (*models.PaymentAttempt, error) {
	attempt, err := o.store.Payments().GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if attempt == nil {
		return nil, models.ErrUnknownAttempt
	}
	if _, err := o.bookings.GetBookingForBuyer(ctx, buyerID, attempt.BookingID); err != nil {
		return nil, err
	}

	if _, err := o.pollAttempt(ctx, attempt, models.CallbackSourcePoll); err != nil {
		return nil, err
	}
	return o.store.Payments().GetAttempt(ctx, attemptID)
}

// pollAttempt queries the gateway for an open attempt with a reference and
// reconciles any terminal result. It returns the gateway's status, or nil
// when there was nothing to ask.
func (o *PaymentOrchestrator) pollAttempt(ctx context.Context, attempt *models.PaymentAttempt, source models.CallbackSource) (*payment.StatusResult, error) {
	if attempt.Status.IsTerminal() || attempt.GatewayReference == nil {
		return nil, nil
	}

	gw, err := o.gateways.Get(string(attempt.Gateway))
	if err != nil {
		return nil, models.ErrUnsupportedGateway
	}

	gctx, cancel := context.WithTimeout(ctx, o.config.GatewayTimeout)
	status, err := gw.CheckStatus(gctx, *attempt.GatewayReference)
	cancel()
	if err != nil {
		o.logger.WithError(err).WithField("attempt_id", attempt.ID).Warn("Gateway status check failed")
		return nil, models.WrapAppError(models.ErrCodeGatewayUnavailable, models.ErrGatewayUnavailable.Message, err)
	}

	if !status.Status.IsTerminal() {
		return status, nil
	}

	err = o.ReconcileCallback(ctx, models.GatewayCallback{
		GatewayEventID: fmt.Sprintf("poll:%s:%s", *attempt.GatewayReference, status.Status),
		AttemptRef:     attempt.ID.String(),
		ReportedStatus: status.Status,
		RawStatus:      status.RawStatus,
		AmountMinor:    status.Amount,
		Currency:       status.Currency,
		Source:         source,
	})
	if err != nil {
		return nil, err
	}
	return status, nil
}

// ============================================================================
// REFUND
// ============================================================================

// RefundBooking refunds a paid booking. The gateway is asked to reverse the
// payment when its adapter supports refunds; otherwise the refund is recorded
// as settled manually. Capacity stays sold.
func (o *PaymentOrchestrator) RefundBooking(ctx context.Context, bookingID uuid.UUID, reason string) (*models.Booking, error) {
	booking, err := o.bookings.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	switch booking.Status {
	case models.BookingStatusRefunded:
		return booking, nil
	case models.BookingStatusConfirmed, models.BookingStatusCompleted:
	default:
		return nil, models.ErrInvalidTransition
	}

	attempts, err := o.store.Payments().ListAttemptsByBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	var paid *models.PaymentAttempt
	for i := range attempts {
		if attempts[i].Status == models.AttemptStatusSuccess {
			paid = &attempts[i]
			break
		}
	}

	log := o.logger.WithField("booking_id", bookingID)
	eventID := "refund:" + bookingID.String()
	method := "manual"

	// Gateway reversal first; the idempotency key makes a retry safe
	if paid != nil && paid.GatewayReference != nil {
		if gw, err := o.gateways.Get(string(paid.Gateway)); err == nil {
			if refunder, ok := gw.(payment.Refunder); ok {
				gctx, cancel := context.WithTimeout(ctx, o.config.GatewayTimeout)
				refundID, err := refunder.Refund(gctx, *paid.GatewayReference, paid.AmountMinor, eventID)
				cancel()
				if err != nil {
					log.WithError(err).Error("Gateway refund failed")
					return nil, models.WrapAppError(models.ErrCodeGatewayUnavailable, "refund could not be processed by the gateway", err)
				}
				method = "gateway:" + refundID
			}
		}
	}

	var refunded *models.Booking
	var changed bool
	err = o.store.WithinTx(ctx, func(ctx context.Context) error {
		var markErr error
		refunded, changed, markErr = o.bookings.MarkRefunded(ctx, bookingID, reason)
		if markErr != nil || !changed || paid == nil {
			return markErr
		}

		err := o.store.Payments().AppendTransaction(ctx, &models.PaymentTransaction{
			ID:             uuid.New(),
			AttemptID:      paid.ID,
			GatewayEventID: eventID,
			ReportedStatus: "REFUNDED",
			AmountMinor:    paid.AmountMinor,
			Currency:       paid.Currency,
			ReceivedAt:     o.now(),
		})
		if errors.Is(err, models.ErrDuplicateEvent) {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	if changed {
		audit := models.NewPaymentAudit(models.PaymentEventRefundCompleted, models.PaymentSourceUser).
			SetBooking(bookingID).
			SetGatewayEvent(eventID).
			SetPaymentStatus(method)
		if paid != nil {
			audit.SetAttempt(paid)
		}
		o.audit(ctx, audit)

		o.bookings.publish(ctx, models.BookingEventRefunded, refunded, reason)
		log.WithField("method", method).Info("Booking refunded")
	}

	return o.bookings.GetBooking(ctx, bookingID)
}

// ============================================================================
// AUDIT
// ============================================================================

func (o *PaymentOrchestrator) callbackAudit(eventType models.PaymentEventType, source models.PaymentEventSource, cb models.GatewayCallback) *models.PaymentAudit {
	return models.NewPaymentAudit(eventType, source).
		SetGatewayEvent(cb.GatewayEventID).
		SetPaymentStatus(string(cb.ReportedStatus)).
		SetRawBody(cb.Payload).
		SetMetadata(cb.IPAddress, cb.UserAgent, cb.DeviceType)
}

// audit writes an entry; a failed write is logged and never fails the caller
func (o *PaymentOrchestrator) audit(ctx context.Context, audit *models.PaymentAudit) {
	if err := o.store.Audits().Log(ctx, audit); err != nil {
		o.logger.WithError(err).WithField("event_type", audit.EventType).Error("Failed to write payment audit")
	}
}

func payloadHash(payload []byte) *string {
	if len(payload) == 0 {
		return nil
	}
	sum := sha256.Sum256(payload)
	h := hex.EncodeToString(sum[:])
	return &h
}
