package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// CronService manages scheduled background jobs
type CronService struct {
	cron       *cron.Cron
	reconciler *ReconciliationService
	schedule   string
	logger     *logrus.Logger

	mu      sync.Mutex
	lastRun *SweepResult
	lastErr error
}

// NewCronService creates a new CronService running the reconciliation sweep
// on schedule (standard cron spec or descriptors such as "@every 1m")
func NewCronService(reconciler *ReconciliationService, schedule string, logger *logrus.Logger) *CronService {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	return &CronService{
		cron:       c,
		reconciler: reconciler,
		schedule:   schedule,
		logger:     logger,
	}
}

// Start starts all cron jobs
func (s *CronService) Start() error {
	s.logger.Info("Starting cron service...")

	if _, err := s.cron.AddFunc(s.schedule, s.reconcileJob); err != nil {
		return fmt.Errorf("failed to schedule reconciliation job: %w", err)
	}
	s.logger.WithField("schedule", s.schedule).Info("✓ Scheduled: Reconciliation sweep")

	s.cron.Start()
	s.logger.Info("✓ Cron service started successfully")

	return nil
}

// Stop stops all cron jobs and waits for a running job to finish
func (s *CronService) Stop() {
	s.logger.Info("Stopping cron service...")
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("✓ Cron service stopped")
}

// reconcileJob expires bookings and resolves stale attempts
func (s *CronService) reconcileJob() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	result, err := s.reconciler.RunSweep(ctx)

	s.mu.Lock()
	s.lastRun, s.lastErr = result, err
	s.mu.Unlock()

	if err != nil {
		s.logger.WithError(err).Error("[CRON] Reconciliation sweep finished with errors")
		return
	}
	if result.Skipped {
		s.logger.Debug("[CRON] Reconciliation sweep skipped, another instance holds the lease")
		return
	}
	s.logger.WithFields(logrus.Fields{
		"expired_bookings":  result.ExpiredBookings,
		"resolved_attempts": result.ResolvedAttempts,
		"duration":          result.Duration,
	}).Info("[CRON] ✓ Reconciliation sweep done")
}

// RunSweepNow runs the reconciliation sweep immediately (operator trigger)
func (s *CronService) RunSweepNow(ctx context.Context) (*SweepResult, error) {
	s.logger.Info("[MANUAL] Running reconciliation sweep now...")
	result, err := s.reconciler.RunSweep(ctx)

	s.mu.Lock()
	s.lastRun, s.lastErr = result, err
	s.mu.Unlock()

	return result, err
}

// GetJobStatus returns the status of scheduled jobs
func (s *CronService) GetJobStatus() map[string]interface{} {
	entries := s.cron.Entries()

	jobs := make([]map[string]interface{}, 0, len(entries))
	for _, entry := range entries {
		jobs = append(jobs, map[string]interface{}{
			"id":       entry.ID,
			"next_run": entry.Next,
			"prev_run": entry.Prev,
		})
	}

	status := map[string]interface{}{
		"running":   len(entries) > 0,
		"job_count": len(entries),
		"schedule":  s.schedule,
		"jobs":      jobs,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastRun != nil {
		status["last_run"] = s.lastRun
	}
	if s.lastErr != nil {
		status["last_error"] = s.lastErr.Error()
	}
	return status
}
