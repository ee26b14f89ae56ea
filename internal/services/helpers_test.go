package services

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/tourdesk/reservation-backend/internal/models"
	"github.com/tourdesk/reservation-backend/pkg/payment"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.BookingEvent
}

func (p *recordingPublisher) Publish(_ context.Context, event models.BookingEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) Types() []models.BookingEventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]models.BookingEventType, 0, len(p.events))
	for _, e := range p.events {
		types = append(types, e.Type)
	}
	return types
}

// fakeGateway is a scriptable payment.Gateway and payment.Refunder
type fakeGateway struct {
	mu        sync.Mutex
	name      string
	initErr   error
	statusErr error
	statuses  map[string]*payment.StatusResult
	initCalls int
	refunds   []string
}

func newFakeGateway(name string) *fakeGateway {
	return &fakeGateway{name: name, statuses: make(map[string]*payment.StatusResult)}
}

func (g *fakeGateway) Name() string { return g.name }

func (g *fakeGateway) Initiate(_ context.Context, req payment.InitRequest) (*payment.InitResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.initCalls++
	if g.initErr != nil {
		return nil, g.initErr
	}
	ref := "gw-" + req.Reference
	return &payment.InitResult{
		GatewayReference: ref,
		Data:             payment.NewRedirectInit("https://pay.example.test/" + ref),
	}, nil
}

func (g *fakeGateway) CheckStatus(_ context.Context, ref string) (*payment.StatusResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.statusErr != nil {
		return nil, g.statusErr
	}
	if status, ok := g.statuses[ref]; ok {
		return status, nil
	}
	return &payment.StatusResult{GatewayReference: ref, Status: payment.StatusPending, RawStatus: "pending"}, nil
}

func (g *fakeGateway) ParseCallback(http.Header, []byte) (*payment.Callback, error) {
	return nil, payment.ErrIgnoredEvent
}

func (g *fakeGateway) Refund(_ context.Context, ref string, _ int64, key string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refunds = append(g.refunds, key)
	return "re_" + ref, nil
}

func (g *fakeGateway) setStatus(ref string, status payment.Status, amount int64, currency string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses[ref] = &payment.StatusResult{
		GatewayReference: ref,
		Status:           status,
		RawStatus:        string(status),
		Amount:           amount,
		Currency:         currency,
	}
}

type testEnv struct {
	store      *memStore
	clock      *testClock
	events     *recordingPublisher
	gateway    *fakeGateway
	ledger     *AvailabilityLedger
	catalog    *CatalogService
	bookings   *BookingService
	payments   *PaymentOrchestrator
	reconciler *ReconciliationService
	buyerID    uuid.UUID
}

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := newTestLogger()
	store := newMemStore()
	clock := newTestClock()
	events := &recordingPublisher{}
	gateway := newFakeGateway(payment.BankTransfer)

	ledger := NewAvailabilityLedger(store, logger)
	catalog := NewCatalogService(store, nil, logger)
	bookings := NewBookingService(store, ledger, catalog, events, DefaultBookingServiceConfig(), logger).
		WithClock(clock.Now)
	payments := NewPaymentOrchestrator(store, bookings, payment.NewRegistry(gateway), DefaultPaymentOrchestratorConfig(), logger).
		WithClock(clock.Now)
	reconciler := NewReconciliationService(store, bookings, payments, nil, ReconciliationConfig{
		BatchSize:         50,
		PollAfter:         2 * time.Minute,
		StaleAttemptAfter: 30 * time.Minute,
		LockTTL:           time.Minute,
	}, logger).WithClock(clock.Now)

	return &testEnv{
		store:      store,
		clock:      clock,
		events:     events,
		gateway:    gateway,
		ledger:     ledger,
		catalog:    catalog,
		bookings:   bookings,
		payments:   payments,
		reconciler: reconciler,
		buyerID:    uuid.New(),
	}
}

// seedSlot adds a USD slot with the given capacity priced at 25.00
func (e *testEnv) seedSlot(capacity int) models.AvailabilitySlot {
	serviceID, variantID := uuid.New(), uuid.New()
	e.store.addPrice(models.VariantPrice{
		ServiceID:      serviceID,
		VariantID:      variantID,
		UnitPriceMinor: 2500,
		Currency:       "USD",
	})
	slot := models.AvailabilitySlot{
		ID:            uuid.New(),
		ServiceID:     serviceID,
		VariantID:     variantID,
		StartsAt:      e.clock.Now().Add(48 * time.Hour),
		EndsAt:        e.clock.Now().Add(52 * time.Hour),
		TotalCapacity: capacity,
	}
	e.store.addSlot(slot)
	return slot
}

func bookingRequest(items ...models.CreateBookingItemRequest) *models.CreateBookingRequest {
	return &models.CreateBookingRequest{Items: items}
}

func itemFor(slot models.AvailabilitySlot, quantity int) models.CreateBookingItemRequest {
	return models.CreateBookingItemRequest{
		SlotID:    slot.ID.String(),
		Quantity:  quantity,
		UnitPrice: "25.00",
	}
}

func (e *testEnv) book(t *testing.T, items ...models.CreateBookingItemRequest) *models.Booking {
	t.Helper()
	booking, err := e.bookings.CreateBooking(context.Background(), e.buyerID, bookingRequest(items...))
	require.NoError(t, err)
	return booking
}

// pay opens an attempt for booking and returns it
func (e *testEnv) pay(t *testing.T, booking *models.Booking) *models.PaymentAttempt {
	t.Helper()
	resp, err := e.payments.InitiatePayment(context.Background(), e.buyerID, booking.ID, payment.BankTransfer)
	require.NoError(t, err)
	attempt, err := e.store.GetAttempt(context.Background(), resp.AttemptID)
	require.NoError(t, err)
	require.NotNil(t, attempt)
	return attempt
}

func callback(eventID string, attempt *models.PaymentAttempt, status payment.Status) models.GatewayCallback {
	return models.GatewayCallback{
		GatewayEventID: eventID,
		AttemptRef:     attempt.ID.String(),
		ReportedStatus: status,
		RawStatus:      string(status),
		AmountMinor:    attempt.AmountMinor,
		Currency:       attempt.Currency,
		Source:         models.CallbackSourceWebhook,
		Payload:        []byte(fmt.Sprintf(`{"event":%q}`, eventID)),
	}
}

func (e *testEnv) bookingStatus(t *testing.T, id uuid.UUID) models.BookingStatus {
	t.Helper()
	b, err := e.store.GetBooking(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, b)
	return b.Status
}
