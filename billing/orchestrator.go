/*
orchestrator.go - Batch execution across many customers

PURPOSE:
  RunBatch drives Resolver -> Guard -> Calculator for every item of a batch
  and aggregates the outcome. It never touches storage, PDFs or email itself;
  collaborators persist and deliver what it returns.

PER-ITEM FLOW:
  1. Match: unconditional unless mode is scheduled without ignoreSchedule
  2. Period: the item's explicit period, or ComputePeriod(frequency, runDate)
  3. Guard: CheckAndReserve; blocked items stop here
  4. Compute: totals from overrides or contract defaults
  5. Record the ExecutionResult and move on

  A failing item never stops the others. Panics are recovered and recorded
  as unknown errors. A reservation taken in step 3 is released if step 4 fails.

CONCURRENCY:
  Items run on a bounded worker pool (Config.Workers). Each worker writes
  only its own result slot; counts are merged after all workers finish.
  Cancellation is observed before an item starts. An item already running
  completes against a context that ignores cancellation, so no period is
  left half-reserved. Items never started are recorded as cancelled.

STRUCTURAL ERRORS (returned, nothing processed):
  - zero run date
  - unknown mode
  - no items for quick, wizard or manual

SEE ALSO:
  - schedule.go, guard.go, calculator.go: The three stages
  - modes/: Adapters that build items and consume the summary
*/
package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config controls the orchestrator's worker pool.
type Config struct {
	// Workers bounds concurrent items; keep it at or below the repository's
	// connection capacity.
	Workers int

	// Clock measures run duration. Run dates never come from it.
	Clock func() time.Time
}

func DefaultConfig() Config {
	return Config{
		Workers: 4,
		Clock:   time.Now,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = defaults.Workers
	}
	if c.Clock == nil {
		c.Clock = defaults.Clock
	}
	return c
}

type Orchestrator struct {
	guard *DuplicateGuard
	cfg   Config
	log   *zap.Logger
}

func NewOrchestrator(guard *DuplicateGuard, cfg Config, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		guard: guard,
		cfg:   cfg.withDefaults(),
		log:   log.Named("orchestrator"),
	}
}

// RunBatch evaluates every item for runDate. Per-item failures are recorded
// in the summary, never returned. If ctx is cancelled the partial summary is
// returned together with ctx.Err().
func (o *Orchestrator) RunBatch(ctx context.Context, runDate Date, mode Mode, items []BillingItem, opts RunOptions) (ExecutionSummary, error) {
	if runDate.IsZero() {
		return ExecutionSummary{}, fmt.Errorf("%w: run date is required", ErrInvalidInput)
	}
	if !mode.Valid() {
		return ExecutionSummary{}, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	if mode.singleCustomer() && len(items) == 0 {
		return ExecutionSummary{}, fmt.Errorf("%w: %s mode requires a customer", ErrNoItems, mode)
	}

	log := o.log.With(zap.Stringer("run_date", runDate), zap.String("mode", string(mode)))
	summary := ExecutionSummary{
		ID:                  uuid.NewString(),
		RunDate:             runDate,
		Mode:                mode,
		CustomersConsidered: len(items),
		StartedAt:           o.cfg.Clock(),
	}
	log.Info("batch started", zap.Int("items", len(items)), zap.Int("workers", o.workerCount(len(items))))

	results := make([]ExecutionResult, len(items))
	jobs := make(chan int)
	var wg sync.WaitGroup

	for w := 0; w < o.workerCount(len(items)); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				if ctx.Err() != nil {
					results[i] = cancelledResult(items[i], ctx.Err())
					continue
				}
				results[i] = o.runItem(context.WithoutCancel(ctx), runDate, mode, items[i], opts)
			}
		}()
	}

dispatch:
	for i := range items {
		if ctx.Err() != nil {
			break
		}
		select {
		case jobs <- i:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()

	for i := range results {
		if results[i].Status == "" {
			results[i] = cancelledResult(items[i], ctx.Err())
		}
	}

	summary.Results = results
	summary.tally()
	summary.CompletedAt = o.cfg.Clock()
	summary.Duration = summary.CompletedAt.Sub(summary.StartedAt)
	summary.Cancelled = ctx.Err() != nil

	log.Info("batch completed",
		zap.Int("schedule_matches", summary.ScheduleMatches),
		zap.Int("invoices_generated", summary.InvoicesGenerated),
		zap.Int("blocked", summary.Blocked),
		zap.Int("failures", summary.Failures),
		zap.Duration("duration", summary.Duration),
		zap.Bool("cancelled", summary.Cancelled))

	if summary.Cancelled {
		return summary, ctx.Err()
	}
	return summary, nil
}

func (o *Orchestrator) workerCount(n int) int {
	if n < o.cfg.Workers {
		return n
	}
	return o.cfg.Workers
}

func (s *ExecutionSummary) tally() {
	for _, r := range s.Results {
		if r.Matched {
			s.ScheduleMatches++
		}
		switch r.Status {
		case StatusSuccess:
			s.InvoicesGenerated++
		case StatusBlocked:
			s.Blocked++
		case StatusNotMatched:
			s.NotMatched++
		case StatusFailed:
			s.Failures++
		}
	}
}

// =============================================================================
// PER-ITEM STATE MACHINE
// =============================================================================

func (o *Orchestrator) runItem(ctx context.Context, runDate Date, mode Mode, item BillingItem, opts RunOptions) (res ExecutionResult) {
	res = ExecutionResult{
		CustomerID:   item.Customer.ID,
		CustomerName: item.Customer.Name,
		Status:       StatusPending,
	}
	log := o.log.With(zap.String("customer_id", string(item.Customer.ID)), zap.Stringer("run_date", runDate))

	var reserved bool
	defer func() {
		if r := recover(); r != nil {
			if reserved {
				o.release(ctx, log, item, res.Period)
			}
			res = o.fail(log, res, item, fmt.Errorf("panic: %v", r))
		}
	}()

	// 1. Match
	if !item.active() {
		if mode.singleCustomer() {
			return o.fail(log, res, item, fmt.Errorf("%w: customer %s has no active contract", ErrInvalidInput, item.Customer.ID))
		}
		res.Status = StatusNotMatched
		log.Debug("contract inactive")
		return res
	}
	matched, reason := o.match(runDate, mode, item, opts)
	if !matched {
		res.Status = StatusNotMatched
		if reason != nil {
			res.Err = newItemError(item, reason)
			log.Warn("schedule never matches", zap.Error(reason))
		} else {
			log.Debug("not scheduled for run date")
		}
		return res
	}
	res.Status = StatusMatched
	res.Matched = true

	// 2. Period
	period := ComputePeriod(item.Contract.Frequency, runDate)
	if item.Overrides.Period != nil {
		period = *item.Overrides.Period
	}
	if err := period.Validate(); err != nil {
		return o.fail(log, res, item, fmt.Errorf("%w (frequency %q)", err, item.Contract.Frequency))
	}
	res.Period = period

	// 3. Guard
	decision, err := o.guard.CheckAndReserve(ctx, item.Customer.ID, period, opts.AllowDuplicate)
	if err != nil {
		return o.fail(log, res, item, err)
	}
	if !decision.Allowed {
		res.Status = StatusBlocked
		res.Existing = decision.Existing
		res.Err = newItemError(item, &DuplicatePeriodError{
			CustomerID: item.Customer.ID,
			Period:     period,
			Existing:   *decision.Existing,
		})
		return res
	}
	res.Status = StatusAllowed
	reserved = decision.Reserved

	// 4. Compute
	terms := item.ResolveTerms()
	totals, err := ComputeTerms(terms)
	if err != nil {
		if reserved {
			o.release(ctx, log, item, period)
		}
		return o.fail(log, res, item, err)
	}
	res.Status = StatusComputed

	res.Invoice = &GeneratedInvoice{
		ID:                InvoiceID(uuid.NewString()),
		CustomerID:        item.Customer.ID,
		CustomerName:      item.Customer.Name,
		CustomerEmail:     item.Customer.Email,
		ContractID:        item.Contract.ID,
		InvoiceDate:       runDate,
		Period:            period,
		Terms:             terms,
		Totals:            totals,
		Mode:              mode,
		NumberPattern:     NumberPattern(item.Contract.InvoicePrefix, runDate),
		Status:            InvoiceGenerated,
		DuplicateOverride: opts.AllowDuplicate,
	}
	res.Status = StatusSuccess
	log.Info("invoice computed",
		zap.Stringer("period", period),
		zap.String("total", FormatMoney(totals.Total)))
	return res
}

// match reports whether the item is due. reason is set when a
// misconfiguration, rather than the calendar, caused the non-match.
func (o *Orchestrator) match(runDate Date, mode Mode, item BillingItem, opts RunOptions) (matched bool, reason error) {
	if mode != ModeScheduled || opts.IgnoreSchedule {
		return true, nil
	}
	if item.Schedule == nil {
		return false, fmt.Errorf("%w: no schedule configured", ErrScheduleMisconfigured)
	}
	if err := item.Schedule.Check(item.Contract.Frequency); err != nil {
		return false, err
	}
	return Matches(*item.Schedule, item.Contract.Frequency, runDate), nil
}

func (o *Orchestrator) release(ctx context.Context, log *zap.Logger, item BillingItem, period Period) {
	if err := o.guard.Release(ctx, item.Customer.ID, period); err != nil {
		log.Error("failed to release period reservation", zap.Stringer("period", period), zap.Error(err))
	}
}

func (o *Orchestrator) fail(log *zap.Logger, res ExecutionResult, item BillingItem, err error) ExecutionResult {
	res.Status = StatusFailed
	res.Invoice = nil
	res.Err = newItemError(item, err)
	log.Warn("item failed", zap.String("kind", string(res.Err.Kind)), zap.Error(err))
	return res
}

func cancelledResult(item BillingItem, cause error) ExecutionResult {
	if cause == nil {
		cause = context.Canceled
	}
	err := newItemError(item, fmt.Errorf("run cancelled before item started: %w", cause))
	return ExecutionResult{
		CustomerID:   item.Customer.ID,
		CustomerName: item.Customer.Name,
		Status:       StatusFailed,
		Err:          err,
	}
}
