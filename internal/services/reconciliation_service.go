package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tourdesk/reservation-backend/internal/database"
	"github.com/tourdesk/reservation-backend/internal/models"
	"github.com/tourdesk/reservation-backend/pkg/payment"
)

// ReconciliationConfig holds sweep settings
type ReconciliationConfig struct {
	BatchSize         int           // Rows handled per sweep
	PollAfter         time.Duration // Open attempts older than this are polled
	StaleAttemptAfter time.Duration // Open attempts older than this are given up on
	LockTTL           time.Duration // Sweep lease lifetime
}

// SweepResult summarizes one sweep run
type SweepResult struct {
	ExpiredBookings  int       `json:"expired_bookings"`
	ResolvedAttempts int       `json:"resolved_attempts"`
	Failures         int       `json:"failures"`
	Skipped          bool      `json:"skipped"`
	StartedAt        time.Time `json:"started_at"`
	Duration         string    `json:"duration"`
}

// ReconciliationService expires abandoned bookings and resolves payment
// attempts whose callbacks never arrived. Every step is safe to run twice,
// including concurrently from two scheduler instances.
type ReconciliationService struct {
	store    database.Store
	bookings *BookingService
	payments *PaymentOrchestrator
	lock     SweepLock
	config   ReconciliationConfig
	logger   *logrus.Logger
	now      func() time.Time
}

// NewReconciliationService creates a new reconciliation service. lock may be nil.
func NewReconciliationService(
	store database.Store,
	bookings *BookingService,
	payments *PaymentOrchestrator,
	lock SweepLock,
	config ReconciliationConfig,
	logger *logrus.Logger,
) *ReconciliationService {
	if lock == nil {
		lock = LocalSweepLock{}
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	return &ReconciliationService{
		store:    store,
		bookings: bookings,
		payments: payments,
		lock:     lock,
		config:   config,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock replaces the service clock
func (s *ReconciliationService) WithClock(now func() time.Time) *ReconciliationService {
	s.now = now
	return s
}

// RunSweep runs both sweeps under the sweep lease
func (s *ReconciliationService) RunSweep(ctx context.Context) (*SweepResult, error) {
	started := time.Now()
	result := &SweepResult{StartedAt: s.now()}

	release, acquired, err := s.lock.Acquire(ctx, "reconcile", s.config.LockTTL)
	if err != nil {
		// The lease is an optimization; sweep anyway
		s.logger.WithError(err).Warn("Sweep lock unavailable, sweeping without it")
	} else if !acquired {
		result.Skipped = true
		return result, nil
	} else {
		defer release()
	}

	expired, expireErr := s.SweepExpiredBookings(ctx)
	result.ExpiredBookings = expired

	resolved, staleErr := s.SweepStaleAttempts(ctx)
	result.ResolvedAttempts = resolved

	result.Duration = time.Since(started).String()
	return result, errors.Join(expireErr, staleErr)
}

// SweepExpiredBookings expires every PENDING booking past its deadline and
// returns how many it expired. One booking's failure never stops the batch;
// it is logged and retried on the next run.
func (s *ReconciliationService) SweepExpiredBookings(ctx context.Context) (int, error) {
	ids, err := s.store.Bookings().ListExpiredPending(ctx, s.now(), s.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired bookings: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	s.logger.WithField("count", len(ids)).Info("Processing expired bookings")

	expired := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}

		err := s.bookings.ExpireBooking(ctx, id)
		switch {
		case err == nil:
			expired++
		case errors.Is(err, models.ErrNotPending):
			// Another sweeper or a payment got there first
		default:
			s.logger.WithError(err).WithField("booking_id", id).Error("Failed to expire booking")
		}
	}

	return expired, nil
}

// SweepStaleAttempts resolves open attempts that outlived their callbacks.
// Attempts with a gateway reference are polled; attempts the gateway cannot
// resolve within the stale threshold are reconciled as CANCELLED through a
// synthetic event id.
func (s *ReconciliationService) SweepStaleAttempts(ctx context.Context) (int, error) {
	now := s.now()
	attempts, err := s.store.Payments().ListStaleAttempts(ctx, now.Add(-s.config.PollAfter), s.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale attempts: %w", err)
	}

	resolved := 0
	for i := range attempts {
		if ctx.Err() != nil {
			return resolved, ctx.Err()
		}

		attempt := &attempts[i]
		log := s.logger.WithFields(logrus.Fields{
			"attempt_id": attempt.ID,
			"booking_id": attempt.BookingID,
		})

		status, err := s.payments.pollAttempt(ctx, attempt, models.CallbackSourceSweep)
		if err != nil && !errors.Is(err, models.ErrGatewayUnavailable) {
			log.WithError(err).Error("Failed to reconcile polled attempt")
			continue
		}
		if status != nil && status.Status.IsTerminal() {
			resolved++
			continue
		}

		if now.Sub(attempt.CreatedAt) < s.config.StaleAttemptAfter {
			continue
		}

		err = s.payments.ReconcileCallback(ctx, models.GatewayCallback{
			GatewayEventID: "stale:" + attempt.ID.String(),
			AttemptRef:     attempt.ID.String(),
			ReportedStatus: payment.StatusCancelled,
			RawStatus:      "stale_attempt",
			AmountMinor:    attempt.AmountMinor,
			Currency:       attempt.Currency,
			Source:         models.CallbackSourceSweep,
		})
		if err != nil {
			log.WithError(err).Error("Failed to cancel stale attempt")
			continue
		}
		log.Warn("Stale payment attempt cancelled")
		resolved++
	}

	return resolved, nil
}
