package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tourdesk/reservation-backend/internal/database"
	"github.com/tourdesk/reservation-backend/internal/models"
	"github.com/tourdesk/reservation-backend/pkg/payment"
)

func TestInitiatePayment(t *testing.T) {
	ctx := context.Background()

	t.Run("opens an attempt for the booking total", func(t *testing.T) {
		env := newTestEnv(t)
		booking := env.book(t, itemFor(env.seedSlot(5), 2))

		resp, err := env.payments.InitiatePayment(ctx, env.buyerID, booking.ID, payment.BankTransfer)
		require.NoError(t, err)
		assert.Equal(t, "50.00", resp.Amount)
		assert.Equal(t, "USD", resp.Currency)
		assert.Equal(t, models.AttemptStatusPending, resp.Status)
		assert.Equal(t, payment.InitKindRedirect, resp.Init.Kind)

		attempt, err := env.store.GetAttempt(ctx, resp.AttemptID)
		require.NoError(t, err)
		assert.Equal(t, int64(5000), attempt.AmountMinor)
		assert.Equal(t, "gw-"+attempt.ID.String(), attempt.Reference())
		assert.Len(t, env.store.auditsOf(models.PaymentEventInitiated), 1)
	})

	t.Run("unsupported gateway", func(t *testing.T) {
		env := newTestEnv(t)
		booking := env.book(t, itemFor(env.seedSlot(5), 1))

		_, err := env.payments.InitiatePayment(ctx, env.buyerID, booking.ID, "cash")
		assert.ErrorIs(t, err, models.ErrUnsupportedGateway)
	})

	t.Run("other buyer", func(t *testing.T) {
		env := newTestEnv(t)
		booking := env.book(t, itemFor(env.seedSlot(5), 1))

		_, err := env.payments.InitiatePayment(ctx, uuid.New(), booking.ID, payment.BankTransfer)
		assert.ErrorIs(t, err, models.ErrBookingNotFound)
	})

	t.Run("one open attempt at a time", func(t *testing.T) {
		env := newTestEnv(t)
		booking := env.book(t, itemFor(env.seedSlot(5), 1))
		env.pay(t, booking)

		_, err := env.payments.InitiatePayment(ctx, env.buyerID, booking.ID, payment.BankTransfer)
		assert.ErrorIs(t, err, models.ErrPaymentInProgress)
	})

	t.Run("booking past its deadline", func(t *testing.T) {
		env := newTestEnv(t)
		booking := env.book(t, itemFor(env.seedSlot(5), 1))
		env.clock.Advance(16 * time.Minute)

		_, err := env.payments.InitiatePayment(ctx, env.buyerID, booking.ID, payment.BankTransfer)
		assert.ErrorIs(t, err, models.ErrBookingNotPending)
	})

	t.Run("gateway rejection fails the attempt only", func(t *testing.T) {
		env := newTestEnv(t)
		booking := env.book(t, itemFor(env.seedSlot(5), 1))
		env.gateway.initErr = fmt.Errorf("%w: merchant blocked", payment.ErrRejected)

		_, err := env.payments.InitiatePayment(ctx, env.buyerID, booking.ID, payment.BankTransfer)
		require.Error(t, err)
		assert.Equal(t, models.ErrCodeGatewayUnavailable, models.ErrorCodeOf(err))

		attempts, err := env.store.ListAttemptsByBooking(ctx, booking.ID)
		require.NoError(t, err)
		require.Len(t, attempts, 1)
		assert.Equal(t, models.AttemptStatusFailed, attempts[0].Status)
		assert.Equal(t, models.BookingStatusPending, env.bookingStatus(t, booking.ID))
		assert.Len(t, env.store.auditsOf(models.PaymentEventInitiationFailed), 1)

		env.gateway.initErr = nil
		env.pay(t, booking)
	})

	t.Run("transient failure resumes the same attempt", func(t *testing.T) {
		env := newTestEnv(t)
		booking := env.book(t, itemFor(env.seedSlot(5), 1))
		env.gateway.initErr = errors.New("connection reset by peer")

		_, err := env.payments.InitiatePayment(ctx, env.buyerID, booking.ID, payment.BankTransfer)
		require.ErrorIs(t, err, models.ErrGatewayUnavailable)

		env.gateway.initErr = nil
		attempt := env.pay(t, booking)

		attempts, err := env.store.ListAttemptsByBooking(ctx, booking.ID)
		require.NoError(t, err)
		require.Len(t, attempts, 1)
		assert.Equal(t, attempts[0].ID, attempt.ID)
		assert.Equal(t, 2, env.gateway.initCalls)
	})
}

func TestReconcileCallback_AmountTampering(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	slot := env.seedSlot(5)
	booking := env.book(t, itemFor(slot, 2))
	attempt := env.pay(t, booking)

	tampered := callback("evt-tampered", attempt, payment.StatusSuccess)
	tampered.AmountMinor = 100

	err := env.payments.ReconcileCallback(ctx, tampered)
	require.ErrorIs(t, err, models.ErrAmountMismatch)

	assert.Equal(t, models.BookingStatusPending, env.bookingStatus(t, booking.ID))
	assert.Equal(t, 2, env.store.slot(slot.ID).HeldCapacity)

	exists, err := env.store.TransactionExists(ctx, "evt-tampered")
	require.NoError(t, err)
	assert.False(t, exists)

	mismatches := env.store.auditsOf(models.PaymentEventAmountMismatch)
	require.Len(t, mismatches, 1)
	assert.Equal(t, int64(5000), *mismatches[0].ExpectedAmount)
	assert.Equal(t, int64(100), *mismatches[0].ReceivedAmount)
	assert.False(t, *mismatches[0].AmountsMatch)

	wrongCurrency := callback("evt-currency", attempt, payment.StatusSuccess)
	wrongCurrency.Currency = "EUR"
	assert.ErrorIs(t, env.payments.ReconcileCallback(ctx, wrongCurrency), models.ErrAmountMismatch)
}

func TestReconcileCallback_UnknownAttempt(t *testing.T) {
	env := newTestEnv(t)

	err := env.payments.ReconcileCallback(context.Background(), models.GatewayCallback{
		GatewayEventID: "evt-1",
		AttemptRef:     uuid.NewString(),
		ReportedStatus: payment.StatusSuccess,
		AmountMinor:    2500,
		Currency:       "USD",
		Source:         models.CallbackSourceWebhook,
	})
	assert.ErrorIs(t, err, models.ErrUnknownAttempt)
	assert.Len(t, env.store.auditsOf(models.PaymentEventUnknownAttempt), 1)
}

func TestReconcileCallback_ExactlyOnceUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	slot := env.seedSlot(4)
	booking := env.book(t, itemFor(slot, 3))
	attempt := env.pay(t, booking)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, env.payments.ReconcileCallback(ctx, callback("evt-success", attempt, payment.StatusSuccess)))
		}()
	}
	wg.Wait()

	s := env.store.slot(slot.ID)
	assert.Equal(t, 0, s.HeldCapacity)
	assert.Equal(t, 3, s.BookedCapacity)
	assert.Equal(t, models.BookingStatusConfirmed, env.bookingStatus(t, booking.ID))
	assert.Equal(t, []models.BookingEventType{models.BookingEventConfirmed}, env.events.Types())
}

// racedStore reports an event as unseen on the first lookup, as when another
// delivery commits between the pre-check and the booking lock. A duplicate
// insert fails the way an aborted Postgres transaction does.
type racedStore struct {
	*memStore
	payments *racedPayments
}

type racedPayments struct {
	database.PaymentStore
	stale atomic.Bool
}

func newRacedStore(m *memStore) *racedStore {
	r := &racedStore{memStore: m, payments: &racedPayments{PaymentStore: m}}
	r.payments.stale.Store(true)
	return r
}

func (r *racedStore) Payments() database.PaymentStore { return r.payments }

func (p *racedPayments) TransactionExists(ctx context.Context, eventID string) (bool, error) {
	if p.stale.CompareAndSwap(true, false) {
		return false, nil
	}
	return p.PaymentStore.TransactionExists(ctx, eventID)
}

func (p *racedPayments) AppendTransaction(ctx context.Context, txn *models.PaymentTransaction) error {
	if err := p.PaymentStore.AppendTransaction(ctx, txn); err != nil {
		if errors.Is(err, models.ErrDuplicateEvent) {
			return errors.New("pq: current transaction is aborted, commands ignored until end of transaction block")
		}
		return err
	}
	return nil
}

func TestReconcileCallback_DuplicateCommittedWhileWaitingForLock(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	booking := env.book(t, itemFor(env.seedSlot(5), 1))
	attempt := env.pay(t, booking)

	require.NoError(t, env.payments.ReconcileCallback(ctx, callback("evt-race", attempt, payment.StatusSuccess)))

	raced := NewPaymentOrchestrator(newRacedStore(env.store), env.bookings, payment.NewRegistry(env.gateway),
		DefaultPaymentOrchestratorConfig(), newTestLogger()).WithClock(env.clock.Now)
	require.NoError(t, raced.ReconcileCallback(ctx, callback("evt-race", attempt, payment.StatusSuccess)))

	txns, err := env.store.ListTransactions(ctx, attempt.ID)
	require.NoError(t, err)
	assert.Len(t, txns, 1)
	assert.Equal(t, models.BookingStatusConfirmed, env.bookingStatus(t, booking.ID))
	assert.Equal(t, []models.BookingEventType{models.BookingEventConfirmed}, env.events.Types())

	received := env.store.auditsOf(models.PaymentEventCallbackReceived)
	require.Len(t, received, 1)
	assert.True(t, received[0].IsDuplicate)
}

func TestReconcileCallback_TerminalNeverRegresses(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	booking := env.book(t, itemFor(env.seedSlot(5), 1))
	attempt := env.pay(t, booking)

	require.NoError(t, env.payments.ReconcileCallback(ctx, callback("evt-ok", attempt, payment.StatusSuccess)))
	require.NoError(t, env.payments.ReconcileCallback(ctx, callback("evt-late-fail", attempt, payment.StatusFailed)))
	require.NoError(t, env.payments.ReconcileCallback(ctx, callback("evt-late-pending", attempt, payment.StatusPending)))

	current, err := env.store.GetAttempt(ctx, attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AttemptStatusSuccess, current.Status)
	assert.Equal(t, models.BookingStatusConfirmed, env.bookingStatus(t, booking.ID))

	txns, err := env.store.ListTransactions(ctx, attempt.ID)
	require.NoError(t, err)
	assert.Len(t, txns, 3)
}

func TestReconcileCallback_DeclinedCardThenRetrySucceeds(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	booking := env.book(t, itemFor(env.seedSlot(5), 1))
	attempt := env.pay(t, booking)

	declined := callback("evt-declined", attempt, payment.StatusPending)
	declined.RawStatus = "payment_intent.payment_failed"
	require.NoError(t, env.payments.ReconcileCallback(ctx, declined))

	current, err := env.store.GetAttempt(ctx, attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AttemptStatusPending, current.Status)
	assert.Equal(t, models.BookingStatusPending, env.bookingStatus(t, booking.ID))

	require.NoError(t, env.payments.ReconcileCallback(ctx, callback("evt-retry-ok", attempt, payment.StatusSuccess)))

	current, err = env.store.GetAttempt(ctx, attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AttemptStatusSuccess, current.Status)
	assert.Equal(t, models.BookingStatusConfirmed, env.bookingStatus(t, booking.ID))
}

func TestReconcileCallback_AttemptLimitCancelsBooking(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	slot := env.seedSlot(5)
	booking := env.book(t, itemFor(slot, 2))

	for i := 0; i < 3; i++ {
		attempt := env.pay(t, booking)
		require.NoError(t, env.payments.ReconcileCallback(ctx, callback(fmt.Sprintf("evt-fail-%d", i), attempt, payment.StatusFailed)))

		if i < 2 {
			assert.Equal(t, models.BookingStatusPending, env.bookingStatus(t, booking.ID))
		}
	}

	cancelled, err := env.store.GetBooking(ctx, booking.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookingStatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.StatusReason)
	assert.Equal(t, "payment_failed", *cancelled.StatusReason)
	assert.Equal(t, 0, env.store.slot(slot.ID).HeldCapacity)

	_, err = env.payments.InitiatePayment(ctx, env.buyerID, booking.ID, payment.BankTransfer)
	assert.ErrorIs(t, err, models.ErrBookingNotPending)
}

func TestReconcileCallback_LateSuccess(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	slot := env.seedSlot(5)
	booking := env.book(t, itemFor(slot, 1))
	attempt := env.pay(t, booking)

	require.NoError(t, env.bookings.CancelBooking(ctx, booking.ID, "changed_plans"))
	require.NoError(t, env.payments.ReconcileCallback(ctx, callback("evt-late", attempt, payment.StatusSuccess)))

	assert.Equal(t, models.BookingStatusCancelled, env.bookingStatus(t, booking.ID))
	s := env.store.slot(slot.ID)
	assert.Equal(t, 0, s.HeldCapacity)
	assert.Equal(t, 0, s.BookedCapacity)
	assert.Len(t, env.store.auditsOf(models.PaymentEventLateSuccess), 1)
}

func TestRefreshAttempt(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	booking := env.book(t, itemFor(env.seedSlot(5), 2))
	attempt := env.pay(t, booking)

	refreshed, err := env.payments.RefreshAttempt(ctx, env.buyerID, attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AttemptStatusPending, refreshed.Status)

	env.gateway.setStatus(attempt.Reference(), payment.StatusSuccess, attempt.AmountMinor, "USD")

	refreshed, err = env.payments.RefreshAttempt(ctx, env.buyerID, attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AttemptStatusSuccess, refreshed.Status)
	assert.Equal(t, models.BookingStatusConfirmed, env.bookingStatus(t, booking.ID))

	exists, err := env.store.TransactionExists(ctx, "poll:"+attempt.Reference()+":SUCCESS")
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = env.payments.RefreshAttempt(ctx, uuid.New(), attempt.ID)
	assert.ErrorIs(t, err, models.ErrBookingNotFound)

	status, err := env.payments.CheckStatus(ctx, env.buyerID, booking.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookingStatusConfirmed, status.BookingStatus)
	assert.Equal(t, attempt.ID, status.Attempt.ID)
}

func TestRefundBooking(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	slot := env.seedSlot(5)
	booking := env.book(t, itemFor(slot, 2))

	_, err := env.payments.RefundBooking(ctx, booking.ID, "too early")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	attempt := env.pay(t, booking)
	require.NoError(t, env.payments.ReconcileCallback(ctx, callback("evt-paid", attempt, payment.StatusSuccess)))

	refunded, err := env.payments.RefundBooking(ctx, booking.ID, "customer request")
	require.NoError(t, err)
	assert.Equal(t, models.BookingStatusRefunded, refunded.Status)
	assert.NotNil(t, refunded.RefundedAt)
	assert.Equal(t, []string{"refund:" + booking.ID.String()}, env.gateway.refunds)

	// Inventory stays sold
	assert.Equal(t, 2, env.store.slot(slot.ID).BookedCapacity)

	again, err := env.payments.RefundBooking(ctx, booking.ID, "customer request")
	require.NoError(t, err)
	assert.Equal(t, models.BookingStatusRefunded, again.Status)
	assert.Len(t, env.gateway.refunds, 1)

	audits := env.store.auditsOf(models.PaymentEventRefundCompleted)
	require.Len(t, audits, 1)
	assert.Equal(t, "gateway:re_"+attempt.Reference(), *audits[0].PaymentStatus)
	assert.Equal(t, []models.BookingEventType{models.BookingEventConfirmed, models.BookingEventRefunded}, env.events.Types())
}
