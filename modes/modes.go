/*
Package modes translates external run requests into orchestrator batches.

PURPOSE:
  Each execution mode has its own request shape. The adapters here load the
  customers a request names, apply the caller's overrides to the billing
  items, and hand the batch to billing.Orchestrator. They add no billing
  rules of their own.

MODES:
  Quick      One customer; the caller supplies the hours worked.
  Wizard     One customer; the caller supplies every term.
  Scheduled  Every customer (or a subset) due on the run date.
             IgnoreSchedule turns it into generate_all.
  Manual     One customer; the caller supplies the billing period.

AFTER THE BATCH (runner.go):
  - Generated invoices are saved, which allocates their numbers
  - Invoices are emailed when the request asks for it
  - Scheduled successes update the schedule's last/next run dates
  - The execution log is stored

FALLBACK:
  A scheduled request with FallbackToAll set re-runs as generate_all when
  nothing was generated, unless it sends email or already ignores schedules.

SEE ALSO:
  - billing/orchestrator.go: RunBatch
  - api/handlers.go: HTTP requests decoded into these types
*/
package modes

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/billing"
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// InvoiceStore persists what a run produced. Both billing/store.Memory and
// store/sqlite.Store implement it.
type InvoiceStore interface {
	billing.InvoiceRepository

	// SaveInvoice stores the invoice and allocates Number from NumberPattern.
	SaveInvoice(ctx context.Context, inv *billing.GeneratedInvoice) error
	MarkSent(ctx context.Context, id billing.InvoiceID) error
	SaveExecution(ctx context.Context, log billing.ExecutionLog) error
}

// Directory loads customers with their contracts and schedules.
type Directory interface {
	LoadItem(ctx context.Context, customerID billing.CustomerID) (billing.BillingItem, error)

	// LoadItems returns every item when ids is empty.
	LoadItems(ctx context.Context, ids []billing.CustomerID) ([]billing.BillingItem, error)

	RecordScheduleRun(ctx context.Context, customerID billing.CustomerID, last, next billing.Date) error
}

// =============================================================================
// REQUESTS
// =============================================================================

// QuickRequest bills one customer at contract terms for the hours worked.
// Hours is required; zero is a valid value.
type QuickRequest struct {
	CustomerID     billing.CustomerID
	RunDate        billing.Date
	Hours          *decimal.Decimal
	SendEmail      bool
	AllowDuplicate bool
	TriggeredBy    string
}

// WizardRequest bills one customer with every term supplied by the caller.
// Nil TaxRate and ExtraFees fall back to the contract.
type WizardRequest struct {
	CustomerID     billing.CustomerID
	RunDate        billing.Date
	Hours          *decimal.Decimal
	RatePerHour    *decimal.Decimal
	TaxRate        *decimal.Decimal
	ExtraFees      *decimal.Decimal
	ExtraFeesLabel string
	PaymentTerms   string
	Period         *billing.Period
	SendEmail      bool
	AllowDuplicate bool
	TriggeredBy    string
}

// ScheduledRequest runs every due customer. An empty CustomerIDs means all.
type ScheduledRequest struct {
	RunDate        billing.Date
	CustomerIDs    []billing.CustomerID
	IgnoreSchedule bool
	SendEmail      bool
	AllowDuplicate bool
	FallbackToAll  bool
	TriggeredBy    string
}

// ManualRequest bills one customer for an explicit period.
type ManualRequest struct {
	CustomerID     billing.CustomerID
	RunDate        billing.Date
	Period         billing.Period
	Hours          *decimal.Decimal
	SendEmail      bool
	AllowDuplicate bool
	TriggeredBy    string
}

// =============================================================================
// REPORT
// =============================================================================

// Report is the outcome of one request as seen by its caller.
type Report struct {
	Summary billing.ExecutionSummary `json:"summary"`

	// Primary is the scheduled summary that triggered a fallback run.
	Primary *billing.ExecutionSummary `json:"primary,omitempty"`

	EmailsSent    int             `json:"emails_sent"`
	EmailFailures []DeliveryError `json:"email_failures,omitempty"`
	SaveFailures  []DeliveryError `json:"save_failures,omitempty"`
}

// DeliveryError records an invoice that was generated but could not be
// saved or emailed. It does not change the item's result.
type DeliveryError struct {
	CustomerID billing.CustomerID `json:"customer_id"`
	InvoiceID  billing.InvoiceID  `json:"invoice_id"`
	Message    string             `json:"message"`
}

// FellBack reports whether the request re-ran as generate_all.
func (r Report) FellBack() bool { return r.Primary != nil }
