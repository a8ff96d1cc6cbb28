package modes

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/warp/billing-engine/billing"
)

// Runner executes requests against an orchestrator and delivers the results.
type Runner struct {
	orch   *billing.Orchestrator
	dir    Directory
	store  InvoiceStore
	mailer Mailer
	log    *zap.Logger
}

// NewRunner wires the adapters. A nil mailer logs deliveries instead.
func NewRunner(orch *billing.Orchestrator, dir Directory, store InvoiceStore, mailer Mailer, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	if mailer == nil {
		mailer = NewLogMailer(log)
	}
	return &Runner{
		orch:   orch,
		dir:    dir,
		store:  store,
		mailer: mailer,
		log:    log.Named("runner"),
	}
}

// =============================================================================
// ADAPTERS
// =============================================================================

// Quick bills one customer at contract terms for req.Hours.
func (r *Runner) Quick(ctx context.Context, req QuickRequest) (Report, error) {
	if req.Hours == nil {
		return Report{}, fmt.Errorf("%w: quick run requires hours", billing.ErrInvalidInput)
	}
	item, err := r.dir.LoadItem(ctx, req.CustomerID)
	if err != nil {
		return Report{}, err
	}
	hours := *req.Hours
	item.Overrides.Hours = &hours

	return r.run(ctx, batch{
		mode:        billing.ModeQuick,
		runDate:     req.RunDate,
		items:       []billing.BillingItem{item},
		opts:        billing.RunOptions{SendEmail: req.SendEmail, AllowDuplicate: req.AllowDuplicate},
		triggeredBy: req.TriggeredBy,
	})
}

// Wizard bills one customer with caller-supplied terms. Hours and rate are
// required.
func (r *Runner) Wizard(ctx context.Context, req WizardRequest) (Report, error) {
	if req.Hours == nil || req.RatePerHour == nil {
		return Report{}, fmt.Errorf("%w: wizard requires hours and rate_per_hour", billing.ErrInvalidInput)
	}
	item, err := r.dir.LoadItem(ctx, req.CustomerID)
	if err != nil {
		return Report{}, err
	}
	item.Overrides = billing.Overrides{
		Hours:          req.Hours,
		RatePerHour:    req.RatePerHour,
		TaxRate:        req.TaxRate,
		ExtraFees:      req.ExtraFees,
		ExtraFeesLabel: req.ExtraFeesLabel,
		PaymentTerms:   req.PaymentTerms,
		Period:         req.Period,
	}

	return r.run(ctx, batch{
		mode:        billing.ModeWizard,
		runDate:     req.RunDate,
		items:       []billing.BillingItem{item},
		opts:        billing.RunOptions{SendEmail: req.SendEmail, AllowDuplicate: req.AllowDuplicate},
		triggeredBy: req.TriggeredBy,
	})
}

// Manual bills one customer for req.Period, at contract hours unless
// req.Hours is set.
func (r *Runner) Manual(ctx context.Context, req ManualRequest) (Report, error) {
	if req.Period.IsZero() {
		return Report{}, fmt.Errorf("%w: manual run requires a period", billing.ErrInvalidInput)
	}
	item, err := r.dir.LoadItem(ctx, req.CustomerID)
	if err != nil {
		return Report{}, err
	}
	period := req.Period
	item.Overrides.Period = &period
	item.Overrides.Hours = req.Hours

	return r.run(ctx, batch{
		mode:        billing.ModeManual,
		runDate:     req.RunDate,
		items:       []billing.BillingItem{item},
		opts:        billing.RunOptions{SendEmail: req.SendEmail, AllowDuplicate: req.AllowDuplicate},
		triggeredBy: req.TriggeredBy,
	})
}

// Scheduled bills every due customer. With FallbackToAll, a run that
// generated nothing is repeated as generate_all unless it sends email or
// already ignores schedules.
func (r *Runner) Scheduled(ctx context.Context, req ScheduledRequest) (Report, error) {
	items, err := r.dir.LoadItems(ctx, req.CustomerIDs)
	if err != nil {
		return Report{}, err
	}

	b := batch{
		mode:    billing.ModeScheduled,
		runDate: req.RunDate,
		items:   items,
		opts: billing.RunOptions{
			SendEmail:      req.SendEmail,
			IgnoreSchedule: req.IgnoreSchedule,
			AllowDuplicate: req.AllowDuplicate,
		},
		triggeredBy: req.TriggeredBy,
	}
	if req.IgnoreSchedule {
		b.mode = billing.ModeGenerateAll
	}

	report, err := r.run(ctx, b)
	if err != nil || !req.FallbackToAll || b.mode != billing.ModeScheduled {
		return report, err
	}
	if report.Summary.InvoicesGenerated > 0 || req.SendEmail {
		return report, nil
	}

	r.log.Info("no invoices generated, falling back to generate_all",
		zap.Stringer("run_date", req.RunDate),
		zap.Int("customers", len(items)))
	primary := report.Summary
	b.mode = billing.ModeGenerateAll
	b.opts.IgnoreSchedule = true

	fallback, err := r.run(ctx, b)
	fallback.Primary = &primary
	fallback.SaveFailures = append(report.SaveFailures, fallback.SaveFailures...)
	return fallback, err
}

// =============================================================================
// BATCH EXECUTION
// =============================================================================

type batch struct {
	mode        billing.Mode
	runDate     billing.Date
	items       []billing.BillingItem
	opts        billing.RunOptions
	triggeredBy string
}

func (b batch) scheduled() bool {
	return b.mode == billing.ModeScheduled || b.mode == billing.ModeGenerateAll
}

// shouldEmail reports whether the item's invoice goes out by email.
// Scheduled runs email only customers whose schedule opts in, unless
// schedules are ignored.
func (b batch) shouldEmail(item billing.BillingItem) bool {
	if !b.opts.SendEmail {
		return false
	}
	if !b.scheduled() || b.opts.IgnoreSchedule {
		return true
	}
	return item.Schedule != nil && item.Schedule.AutoSendEmail
}

func (r *Runner) run(ctx context.Context, b batch) (Report, error) {
	summary, runErr := r.orch.RunBatch(ctx, b.runDate, b.mode, b.items, b.opts)
	if runErr != nil && !summary.Cancelled {
		return Report{}, runErr
	}

	// Invoices computed before a cancellation still hold their reservation
	// and are delivered.
	dctx := context.WithoutCancel(ctx)
	log := r.log.With(zap.String("execution_id", summary.ID), zap.String("mode", string(b.mode)))

	byID := make(map[billing.CustomerID]billing.BillingItem, len(b.items))
	for _, item := range b.items {
		byID[item.Customer.ID] = item
	}

	report := Report{}
	for i := range summary.Results {
		inv := summary.Results[i].Invoice
		if inv == nil {
			continue
		}
		item := byID[inv.CustomerID]

		if err := r.store.SaveInvoice(dctx, inv); err != nil {
			log.Error("failed to save invoice", zap.String("customer_id", string(inv.CustomerID)), zap.Error(err))
			report.SaveFailures = append(report.SaveFailures, deliveryError(inv, err))
			if !inv.DuplicateOverride {
				if rerr := r.store.ReleasePeriod(dctx, inv.CustomerID, inv.Period); rerr != nil {
					log.Error("failed to release period reservation", zap.Error(rerr))
				}
			}
			continue
		}

		if b.scheduled() && item.Schedule != nil {
			r.recordScheduleRun(dctx, log, item, b.runDate)
		}

		if b.shouldEmail(item) {
			r.deliver(dctx, log, &report, inv)
		}
	}

	exec := billing.NewExecutionLog(summary, b.triggeredBy)
	exec.EmailsSent = report.EmailsSent
	exec.ErrorTrace = appendTrace(exec.ErrorTrace, "save", report.SaveFailures)
	exec.ErrorTrace = appendTrace(exec.ErrorTrace, "email", report.EmailFailures)
	if err := r.store.SaveExecution(dctx, exec); err != nil {
		log.Error("failed to save execution log", zap.Error(err))
	}

	report.Summary = summary
	if summary.Cancelled {
		return report, runErr
	}
	return report, nil
}

func (r *Runner) deliver(ctx context.Context, log *zap.Logger, report *Report, inv *billing.GeneratedInvoice) {
	if err := r.mailer.Send(ctx, *inv); err != nil {
		log.Warn("invoice email failed", zap.String("customer_id", string(inv.CustomerID)), zap.Error(err))
		report.EmailFailures = append(report.EmailFailures, deliveryError(inv, err))
		return
	}
	report.EmailsSent++
	if err := r.store.MarkSent(ctx, inv.ID); err != nil && !errors.Is(err, billing.ErrNotFound) {
		log.Error("failed to mark invoice sent", zap.String("invoice_id", string(inv.ID)), zap.Error(err))
		return
	}
	inv.Status = billing.InvoiceSent
}

func (r *Runner) recordScheduleRun(ctx context.Context, log *zap.Logger, item billing.BillingItem, runDate billing.Date) {
	next, ok := billing.NextRunDate(*item.Schedule, item.Contract.Frequency, runDate.AddDays(1))
	if !ok {
		next = billing.Date{}
	}
	if err := r.dir.RecordScheduleRun(ctx, item.Customer.ID, runDate, next); err != nil {
		log.Warn("failed to record schedule run", zap.String("customer_id", string(item.Customer.ID)), zap.Error(err))
	}
}

func deliveryError(inv *billing.GeneratedInvoice, err error) DeliveryError {
	return DeliveryError{CustomerID: inv.CustomerID, InvoiceID: inv.ID, Message: err.Error()}
}

func appendTrace(trace, stage string, failures []DeliveryError) string {
	lines := make([]string, 0, len(failures)+1)
	if trace != "" {
		lines = append(lines, trace)
	}
	for _, f := range failures {
		lines = append(lines, fmt.Sprintf("%s: %s: %s", f.CustomerID, stage, f.Message))
	}
	return strings.Join(lines, "\n")
}
