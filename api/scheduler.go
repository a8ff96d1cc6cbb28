/*
scheduler.go - Daily scheduled billing runs

PURPOSE:
  Periodically fires the scheduled mode for "today" so due customers are
  invoiced without an operator. The run date is computed here, in the
  configured timezone, and passed explicitly; the engine never reads the
  clock to decide what is due.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - Fires at most once per calendar day; later checks the same day skip
  - A failed run is retried on the next check
  - The duplicate guard makes a repeated day harmless anyway

CONFIGURATION:
  - Interval: How often to check (default: 1 hour)
  - Location: Timezone defining "today" (default: America/Toronto)
  - SendEmail / FallbackToAll: Passed through to the scheduled request
  - Enabled: Whether the scheduler starts at all (default: true)

USAGE:
  scheduler := NewBillingScheduler(runner, cfg, log)
  scheduler.Start(ctx)
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunScheduled endpoint (manual trigger)
  - modes/runner.go: Scheduled
*/
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/modes"
)

// SchedulerConfig controls the daily billing scheduler.
type SchedulerConfig struct {
	Enabled       bool
	Interval      time.Duration
	Location      *time.Location
	SendEmail     bool
	FallbackToAll bool

	// Clock returns the current instant; "today" is derived from it.
	Clock func() time.Time
}

func DefaultSchedulerConfig() SchedulerConfig {
	loc, err := time.LoadLocation("America/Toronto")
	if err != nil {
		loc = time.UTC
	}
	return SchedulerConfig{
		Enabled:  true,
		Interval: time.Hour,
		Location: loc,
		Clock:    time.Now,
	}
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	defaults := DefaultSchedulerConfig()
	if c.Interval <= 0 {
		c.Interval = defaults.Interval
	}
	if c.Location == nil {
		c.Location = defaults.Location
	}
	if c.Clock == nil {
		c.Clock = defaults.Clock
	}
	return c
}

// BillingScheduler triggers one scheduled run per calendar day.
type BillingScheduler struct {
	runner *modes.Runner
	cfg    SchedulerConfig
	log    *zap.Logger

	mu              sync.Mutex
	cancel          context.CancelFunc
	done            chan struct{}
	lastCheckedAt   time.Time
	lastRunDate     billing.Date
	lastExecutionID string
	lastErr         error
}

func NewBillingScheduler(runner *modes.Runner, cfg SchedulerConfig, log *zap.Logger) *BillingScheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &BillingScheduler{
		runner: runner,
		cfg:    cfg.withDefaults(),
		log:    log.Named("scheduler"),
	}
}

// Start begins checking in the background. It checks once immediately.
func (s *BillingScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cfg.Enabled {
		s.log.Info("disabled, not starting")
		return
	}
	if s.cancel != nil {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx, s.done)

	s.log.Info("started",
		zap.Duration("interval", s.cfg.Interval),
		zap.String("timezone", s.cfg.Location.String()))
}

// Stop cancels any run in progress between items and waits for the loop.
func (s *BillingScheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.log.Info("stopped")
}

func (s *BillingScheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.Check(ctx)
	for {
		select {
		case <-ticker.C:
			s.Check(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Check runs the scheduled mode for today unless today already ran. It
// returns whether a run was attempted.
func (s *BillingScheduler) Check(ctx context.Context) bool {
	today := s.Today()

	s.mu.Lock()
	s.lastCheckedAt = s.cfg.Clock()
	alreadyRan := s.lastErr == nil && s.lastRunDate.Equal(today)
	s.mu.Unlock()

	if alreadyRan {
		s.log.Debug("already ran today", zap.Stringer("run_date", today))
		return false
	}

	_, err := s.RunNow(ctx, today)
	if err != nil {
		s.log.Error("scheduled run failed", zap.Stringer("run_date", today), zap.Error(err))
	}
	return true
}

// RunNow fires a scheduled run for runDate regardless of what already ran.
func (s *BillingScheduler) RunNow(ctx context.Context, runDate billing.Date) (modes.Report, error) {
	report, err := s.runner.Scheduled(ctx, modes.ScheduledRequest{
		RunDate:       runDate,
		SendEmail:     s.cfg.SendEmail,
		FallbackToAll: s.cfg.FallbackToAll,
		TriggeredBy:   "scheduler",
	})

	s.mu.Lock()
	s.lastRunDate = runDate
	s.lastExecutionID = report.Summary.ID
	s.lastErr = err
	s.mu.Unlock()

	if err == nil {
		s.log.Info("scheduled run completed",
			zap.Stringer("run_date", runDate),
			zap.Int("invoices_generated", report.Summary.InvoicesGenerated),
			zap.Int("failures", report.Summary.Failures))
	}
	return report, err
}

// Status reports the scheduler's last activity.
func (s *BillingScheduler) Status() SchedulerStatusDTO {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := SchedulerStatusDTO{
		Enabled:         s.cfg.Enabled,
		Running:         s.cancel != nil,
		Interval:        s.cfg.Interval.String(),
		Timezone:        s.cfg.Location.String(),
		LastCheckedAt:   formatTime(s.lastCheckedAt),
		LastExecutionID: s.lastExecutionID,
	}
	if !s.lastRunDate.IsZero() {
		status.LastRunDate = s.lastRunDate.String()
	}
	if s.lastErr != nil {
		status.LastError = s.lastErr.Error()
	}
	return status
}

// =============================================================================
// HTTP
// =============================================================================

// SchedulerStatus returns the scheduler's state.
// GET /api/scheduler
func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeJSON(w, http.StatusOK, SchedulerStatusDTO{})
		return
	}
	writeJSON(w, http.StatusOK, h.Scheduler.Status())
}

// TriggerScheduler fires the scheduled run for today immediately.
// POST /api/scheduler/run
func (h *Handler) TriggerScheduler(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "Scheduler not configured", nil)
		return
	}
	report, err := h.Scheduler.RunNow(r.Context(), h.Scheduler.Today())
	h.writeReport(w, report, err)
}

// Today returns the current date in the scheduler's timezone.
func (s *BillingScheduler) Today() billing.Date {
	return billing.DateOf(s.cfg.Clock().In(s.cfg.Location))
}
