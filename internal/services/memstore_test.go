package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tourdesk/reservation-backend/internal/database"
	"github.com/tourdesk/reservation-backend/internal/models"
)

// memStore is an in-memory database.Store. Transactions are serialized on a
// single mutex and roll back by restoring a snapshot. Audits live outside the
// snapshot, like the pool-backed audit repository.
type memStore struct {
	mu sync.Mutex

	slots    map[uuid.UUID]models.AvailabilitySlot
	holds    map[uuid.UUID]models.CapacityHold
	bookings map[uuid.UUID]models.Booking
	attempts []models.PaymentAttempt
	txns     map[string]models.PaymentTransaction
	prices   map[[2]uuid.UUID]models.VariantPrice

	auditMu sync.Mutex
	audits  []*models.PaymentAudit
}

type memTxKey struct{}

type memTx struct {
	hooks []func()
}

func newMemStore() *memStore {
	return &memStore{
		slots:    make(map[uuid.UUID]models.AvailabilitySlot),
		holds:    make(map[uuid.UUID]models.CapacityHold),
		bookings: make(map[uuid.UUID]models.Booking),
		txns:     make(map[string]models.PaymentTransaction),
		prices:   make(map[[2]uuid.UUID]models.VariantPrice),
	}
}

var _ database.Store = (*memStore)(nil)

func (m *memStore) Slots() database.SlotStore       { return m }
func (m *memStore) Bookings() database.BookingStore { return m }
func (m *memStore) Payments() database.PaymentStore { return m }
func (m *memStore) Catalog() database.CatalogStore  { return m }
func (m *memStore) Audits() database.AuditStore     { return m }

type memSnapshot struct {
	slots    map[uuid.UUID]models.AvailabilitySlot
	holds    map[uuid.UUID]models.CapacityHold
	bookings map[uuid.UUID]models.Booking
	attempts []models.PaymentAttempt
	txns     map[string]models.PaymentTransaction
}

func (m *memStore) snapshot() memSnapshot {
	s := memSnapshot{
		slots:    make(map[uuid.UUID]models.AvailabilitySlot, len(m.slots)),
		holds:    make(map[uuid.UUID]models.CapacityHold, len(m.holds)),
		bookings: make(map[uuid.UUID]models.Booking, len(m.bookings)),
		attempts: append([]models.PaymentAttempt(nil), m.attempts...),
		txns:     make(map[string]models.PaymentTransaction, len(m.txns)),
	}
	for k, v := range m.slots {
		s.slots[k] = v
	}
	for k, v := range m.holds {
		s.holds[k] = v
	}
	for k, v := range m.bookings {
		v.Items = append([]models.BookingItem(nil), v.Items...)
		s.bookings[k] = v
	}
	for k, v := range m.txns {
		s.txns[k] = v
	}
	return s
}

func (m *memStore) restore(s memSnapshot) {
	m.slots, m.holds, m.bookings, m.attempts, m.txns = s.slots, s.holds, s.bookings, s.attempts, s.txns
}

func (m *memStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}

	m.mu.Lock()
	snap := m.snapshot()
	tx := &memTx{}
	err := fn(context.WithValue(ctx, memTxKey{}, tx))
	if err != nil {
		m.restore(snap)
	}
	m.mu.Unlock()

	if err != nil {
		return err
	}
	for _, hook := range tx.hooks {
		hook()
	}
	return nil
}

func (m *memStore) AfterCommit(ctx context.Context, fn func()) {
	if tx, ok := ctx.Value(memTxKey{}).(*memTx); ok {
		tx.hooks = append(tx.hooks, fn)
		return
	}
	fn()
}

// enter takes the store lock unless ctx already holds it through a transaction
func (m *memStore) enter(ctx context.Context) func() {
	if ctx.Value(memTxKey{}) != nil {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

// ---- seeding and inspection ----

func (m *memStore) addSlot(slot models.AvailabilitySlot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots[slot.ID] = slot
}

func (m *memStore) addPrice(price models.VariantPrice) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[[2]uuid.UUID{price.ServiceID, price.VariantID}] = price
}

func (m *memStore) slot(id uuid.UUID) models.AvailabilitySlot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slots[id]
}

func (m *memStore) holdsFor(slotID uuid.UUID, status models.HoldStatus) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, h := range m.holds {
		if h.SlotID == slotID && h.Status == status {
			total += h.Quantity
		}
	}
	return total
}

func (m *memStore) auditsOf(eventType models.PaymentEventType) []*models.PaymentAudit {
	m.auditMu.Lock()
	defer m.auditMu.Unlock()
	var out []*models.PaymentAudit
	for _, a := range m.audits {
		if a.EventType == eventType {
			out = append(out, a)
		}
	}
	return out
}

// ---- SlotStore ----

func (m *memStore) GetSlot(ctx context.Context, id uuid.UUID) (*models.AvailabilitySlot, error) {
	defer m.enter(ctx)()
	slot, ok := m.slots[id]
	if !ok {
		return nil, nil
	}
	return &slot, nil
}

func (m *memStore) IncrementHeld(ctx context.Context, slotID uuid.UUID, quantity int) (bool, error) {
	defer m.enter(ctx)()
	slot, ok := m.slots[slotID]
	if !ok || slot.Closed || slot.HeldCapacity+slot.BookedCapacity+quantity > slot.TotalCapacity {
		return false, nil
	}
	slot.HeldCapacity += quantity
	m.slots[slotID] = slot
	return true, nil
}

func (m *memStore) MoveHeldToBooked(ctx context.Context, slotID uuid.UUID, quantity int) error {
	defer m.enter(ctx)()
	slot, ok := m.slots[slotID]
	if !ok || slot.HeldCapacity < quantity {
		return fmt.Errorf("slot %s holds less than %d", slotID, quantity)
	}
	slot.HeldCapacity -= quantity
	slot.BookedCapacity += quantity
	m.slots[slotID] = slot
	return nil
}

func (m *memStore) DecrementHeld(ctx context.Context, slotID uuid.UUID, quantity int) error {
	defer m.enter(ctx)()
	slot, ok := m.slots[slotID]
	if !ok || slot.HeldCapacity < quantity {
		return fmt.Errorf("slot %s holds less than %d", slotID, quantity)
	}
	slot.HeldCapacity -= quantity
	m.slots[slotID] = slot
	return nil
}

func (m *memStore) CreateHold(ctx context.Context, hold *models.CapacityHold) error {
	defer m.enter(ctx)()
	m.holds[hold.ID] = *hold
	return nil
}

func (m *memStore) GetHold(ctx context.Context, id uuid.UUID) (*models.CapacityHold, error) {
	defer m.enter(ctx)()
	hold, ok := m.holds[id]
	if !ok {
		return nil, nil
	}
	return &hold, nil
}

func (m *memStore) TransitionHold(ctx context.Context, id uuid.UUID, from, to models.HoldStatus) (*models.CapacityHold, error) {
	defer m.enter(ctx)()
	hold, ok := m.holds[id]
	if !ok || hold.Status != from {
		return nil, nil
	}
	now := time.Now()
	hold.Status = to
	switch to {
	case models.HoldStatusConfirmed:
		hold.ConfirmedAt = &now
	case models.HoldStatusReleased:
		hold.ReleasedAt = &now
	}
	m.holds[id] = hold
	return &hold, nil
}

// ---- BookingStore ----

func copyBooking(b models.Booking) *models.Booking {
	b.Items = append([]models.BookingItem(nil), b.Items...)
	return &b
}

func (m *memStore) CreateBooking(ctx context.Context, booking *models.Booking) error {
	defer m.enter(ctx)()
	if booking.IdempotencyKey != nil {
		for _, b := range m.bookings {
			if b.BuyerID == booking.BuyerID && b.IdempotencyKey != nil && *b.IdempotencyKey == *booking.IdempotencyKey {
				return fmt.Errorf("%w: bookings_buyer_idempotency_key", database.ErrDuplicateKey)
			}
		}
	}
	m.bookings[booking.ID] = *copyBooking(*booking)
	return nil
}

func (m *memStore) GetBooking(ctx context.Context, id uuid.UUID) (*models.Booking, error) {
	defer m.enter(ctx)()
	b, ok := m.bookings[id]
	if !ok {
		return nil, nil
	}
	return copyBooking(b), nil
}

func (m *memStore) GetBookingForUpdate(ctx context.Context, id uuid.UUID) (*models.Booking, error) {
	return m.GetBooking(ctx, id)
}

func (m *memStore) GetBookingByIdempotencyKey(ctx context.Context, buyerID uuid.UUID, key string) (*models.Booking, error) {
	defer m.enter(ctx)()
	for _, b := range m.bookings {
		if b.BuyerID == buyerID && b.IdempotencyKey != nil && *b.IdempotencyKey == key {
			return copyBooking(b), nil
		}
	}
	return nil, nil
}

func (m *memStore) ListBookingsByBuyer(ctx context.Context, buyerID uuid.UUID, limit int) ([]models.Booking, error) {
	defer m.enter(ctx)()
	var out []models.Booking
	for _, b := range m.bookings {
		if b.BuyerID == buyerID {
			out = append(out, *copyBooking(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) UpdateBookingStatus(ctx context.Context, id uuid.UUID, from, to models.BookingStatus, reason *string) (bool, error) {
	defer m.enter(ctx)()
	b, ok := m.bookings[id]
	if !ok || b.Status != from {
		return false, nil
	}
	now := time.Now()
	b.Status = to
	b.UpdatedAt = now
	if reason != nil {
		b.StatusReason = reason
	}
	switch to {
	case models.BookingStatusConfirmed:
		b.ConfirmedAt = &now
	case models.BookingStatusCancelled, models.BookingStatusExpired:
		b.CancelledAt = &now
	case models.BookingStatusCompleted:
		b.CompletedAt = &now
	case models.BookingStatusRefunded:
		b.RefundedAt = &now
	}
	m.bookings[id] = b
	return true, nil
}

func (m *memStore) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	defer m.enter(ctx)()
	var out []uuid.UUID
	for _, b := range m.bookings {
		if b.Status == models.BookingStatusPending && b.ExpiresAt.Before(now) {
			out = append(out, b.ID)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- PaymentStore ----

func (m *memStore) CreateAttempt(ctx context.Context, attempt *models.PaymentAttempt) error {
	defer m.enter(ctx)()
	for _, a := range m.attempts {
		if a.BookingID == attempt.BookingID && !a.Status.IsTerminal() {
			return models.ErrPaymentInProgress
		}
	}
	m.attempts = append(m.attempts, *attempt)
	return nil
}

func (m *memStore) findAttempt(match func(*models.PaymentAttempt) bool) *models.PaymentAttempt {
	for i := range m.attempts {
		if match(&m.attempts[i]) {
			a := m.attempts[i]
			return &a
		}
	}
	return nil
}

func (m *memStore) GetAttempt(ctx context.Context, id uuid.UUID) (*models.PaymentAttempt, error) {
	defer m.enter(ctx)()
	return m.findAttempt(func(a *models.PaymentAttempt) bool { return a.ID == id }), nil
}

func (m *memStore) GetAttemptForUpdate(ctx context.Context, id uuid.UUID) (*models.PaymentAttempt, error) {
	return m.GetAttempt(ctx, id)
}

func (m *memStore) GetAttemptByReference(ctx context.Context, ref string) (*models.PaymentAttempt, error) {
	defer m.enter(ctx)()
	return m.findAttempt(func(a *models.PaymentAttempt) bool { return a.Reference() == ref && ref != "" }), nil
}

func (m *memStore) GetLatestAttempt(ctx context.Context, bookingID uuid.UUID) (*models.PaymentAttempt, error) {
	defer m.enter(ctx)()
	for i := len(m.attempts) - 1; i >= 0; i-- {
		if m.attempts[i].BookingID == bookingID {
			a := m.attempts[i]
			return &a, nil
		}
	}
	return nil, nil
}

func (m *memStore) ListAttemptsByBooking(ctx context.Context, bookingID uuid.UUID) ([]models.PaymentAttempt, error) {
	defer m.enter(ctx)()
	var out []models.PaymentAttempt
	for _, a := range m.attempts {
		if a.BookingID == bookingID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memStore) SetAttemptReference(ctx context.Context, id uuid.UUID, ref string) (bool, error) {
	defer m.enter(ctx)()
	for i := range m.attempts {
		a := &m.attempts[i]
		if a.ID == id && a.GatewayReference == nil {
			a.GatewayReference = &ref
			if a.Status == models.AttemptStatusInitiated {
				a.Status = models.AttemptStatusPending
			}
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) UpdateAttemptStatus(ctx context.Context, id uuid.UUID, to models.AttemptStatus, reason *string) (bool, error) {
	defer m.enter(ctx)()
	for i := range m.attempts {
		a := &m.attempts[i]
		if a.ID == id && !a.Status.IsTerminal() {
			now := time.Now()
			a.Status = to
			a.UpdatedAt = now
			if reason != nil {
				a.FailureReason = reason
			}
			if to.IsTerminal() {
				a.CompletedAt = &now
			}
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) ListStaleAttempts(ctx context.Context, before time.Time, limit int) ([]models.PaymentAttempt, error) {
	defer m.enter(ctx)()
	var out []models.PaymentAttempt
	for _, a := range m.attempts {
		if !a.Status.IsTerminal() && a.CreatedAt.Before(before) {
			out = append(out, a)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) TransactionExists(ctx context.Context, eventID string) (bool, error) {
	defer m.enter(ctx)()
	_, ok := m.txns[eventID]
	return ok, nil
}

func (m *memStore) AppendTransaction(ctx context.Context, txn *models.PaymentTransaction) error {
	defer m.enter(ctx)()
	if _, ok := m.txns[txn.GatewayEventID]; ok {
		return models.ErrDuplicateEvent
	}
	m.txns[txn.GatewayEventID] = *txn
	return nil
}

func (m *memStore) ListTransactions(ctx context.Context, attemptID uuid.UUID) ([]models.PaymentTransaction, error) {
	defer m.enter(ctx)()
	var out []models.PaymentTransaction
	for _, t := range m.txns {
		if t.AttemptID == attemptID {
			out = append(out, t)
		}
	}
	return out, nil
}

// ---- CatalogStore ----

func (m *memStore) GetVariantPrice(ctx context.Context, serviceID, variantID uuid.UUID) (*models.VariantPrice, error) {
	defer m.enter(ctx)()
	price, ok := m.prices[[2]uuid.UUID{serviceID, variantID}]
	if !ok {
		return nil, nil
	}
	return &price, nil
}

// ---- AuditStore ----

func (m *memStore) Log(_ context.Context, audit *models.PaymentAudit) error {
	m.auditMu.Lock()
	defer m.auditMu.Unlock()
	m.audits = append(m.audits, audit)
	return nil
}

func (m *memStore) GetAmountMismatches(_ context.Context, limit int) ([]*models.PaymentAudit, error) {
	mismatches := m.auditsOf(models.PaymentEventAmountMismatch)
	if len(mismatches) > limit {
		mismatches = mismatches[:limit]
	}
	return mismatches, nil
}

func (m *memStore) GetByBooking(_ context.Context, bookingID uuid.UUID) ([]*models.PaymentAudit, error) {
	m.auditMu.Lock()
	defer m.auditMu.Unlock()
	var out []*models.PaymentAudit
	for _, a := range m.audits {
		if a.BookingID != nil && *a.BookingID == bookingID {
			out = append(out, a)
		}
	}
	return out, nil
}
