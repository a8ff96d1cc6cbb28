/*
Package billing provides the periodic billing engine.

PURPOSE:
  Given billing contracts and an explicit run date, the engine decides which
  customers are due, computes exact invoice totals, and refuses to invoice a
  period twice. Persistence, PDF rendering and email delivery are done by
  collaborators using the records this package returns.

KEY CONCEPTS IN THIS FILE (types.go):
  - Frequency / Mode: billing cadence and how a run was triggered
  - Customer / BillingContract: who is billed and on what terms
  - BillingItem: one (customer, contract, schedule) tuple fed to a batch
  - ItemStatus / ExecutionResult / ExecutionSummary: batch outcome

DESIGN PRINCIPLES:
  1. Precision: all money and hours are decimal.Decimal, never float64
  2. Determinism: no hidden clock; the run date is always a parameter
  3. Isolation: one item's failure never aborts the batch

SEE ALSO:
  - schedule.go: Schedule rules, matching and period computation
  - calculator.go: Invoice totals
  - guard.go: Duplicate period guard
  - orchestrator.go: RunBatch
*/
package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type CustomerID string
type ContractID string
type InvoiceID string

// =============================================================================
// FREQUENCY & MODE
// =============================================================================

type Frequency string

const (
	FrequencyWeekly   Frequency = "weekly"
	FrequencyBiweekly Frequency = "biweekly"
	FrequencyMonthly  Frequency = "monthly"
)

func (f Frequency) Valid() bool {
	switch f {
	case FrequencyWeekly, FrequencyBiweekly, FrequencyMonthly:
		return true
	}
	return false
}

// Mode records how a run was triggered.
type Mode string

const (
	ModeQuick       Mode = "quick"        // One customer, caller supplies hours
	ModeWizard      Mode = "wizard"       // One customer, caller supplies every term
	ModeScheduled   Mode = "scheduled"    // All due customers for a run date
	ModeManual      Mode = "manual"       // One customer, caller supplies the period
	ModeGenerateAll Mode = "generate_all" // Scheduled path ignoring schedules
)

func (m Mode) Valid() bool {
	switch m {
	case ModeQuick, ModeWizard, ModeScheduled, ModeManual, ModeGenerateAll:
		return true
	}
	return false
}

// singleCustomer reports whether the mode always targets exactly one item.
func (m Mode) singleCustomer() bool {
	return m == ModeQuick || m == ModeWizard || m == ModeManual
}

// =============================================================================
// CUSTOMER & CONTRACT
// =============================================================================

type Customer struct {
	ID     CustomerID `json:"id"`
	Name   string     `json:"name"`
	Email  string     `json:"email"`
	Active bool       `json:"active"`
}

// BillingContract holds a customer's billing terms. It is owned by the
// management layer and treated as immutable for the duration of a run.
type BillingContract struct {
	ID             ContractID      `json:"id"`
	CustomerID     CustomerID      `json:"customer_id"`
	InvoicePrefix  string          `json:"invoice_prefix"`
	Frequency      Frequency       `json:"frequency"`
	DefaultHours   decimal.Decimal `json:"default_hours"`
	RatePerHour    decimal.Decimal `json:"rate_per_hour"`
	TaxRate        decimal.Decimal `json:"tax_rate"`
	ExtraFees      decimal.Decimal `json:"extra_fees"`
	ExtraFeesLabel string          `json:"extra_fees_label"`
	PaymentTerms   string          `json:"payment_terms"`
	Active         bool            `json:"active"`
}

const (
	DefaultExtraFeesLabel = "Other Fees"
	DefaultPaymentTerms   = "Monthly"
	DefaultInvoicePrefix  = "INV"
)

// DefaultTaxRate is the single flat rate used when a contract leaves it unset.
var DefaultTaxRate = decimal.RequireFromString("0.13")

// =============================================================================
// BILLING ITEM - Unit of work for RunBatch
// =============================================================================

// Overrides replace contract defaults for wizard/manual/quick runs.
// Nil fields fall back to the contract.
type Overrides struct {
	Hours          *decimal.Decimal
	RatePerHour    *decimal.Decimal
	TaxRate        *decimal.Decimal
	ExtraFees      *decimal.Decimal
	ExtraFeesLabel string
	PaymentTerms   string

	// Period replaces the computed billing period.
	Period *Period
}

type BillingItem struct {
	Customer  Customer
	Contract  BillingContract
	Schedule  *ScheduleRule
	Overrides Overrides
}

func (it BillingItem) active() bool { return it.Customer.Active && it.Contract.Active }

// Terms is the resolved set of values an invoice is computed from.
type Terms struct {
	Hours          decimal.Decimal `json:"hours"`
	RatePerHour    decimal.Decimal `json:"rate_per_hour"`
	TaxRate        decimal.Decimal `json:"tax_rate"`
	ExtraFees      decimal.Decimal `json:"extra_fees"`
	ExtraFeesLabel string          `json:"extra_fees_label"`
	PaymentTerms   string          `json:"payment_terms"`
}

// ResolveTerms applies overrides on top of the contract defaults.
func (it BillingItem) ResolveTerms() Terms {
	c := it.Contract
	o := it.Overrides
	t := Terms{
		Hours:          c.DefaultHours,
		RatePerHour:    c.RatePerHour,
		TaxRate:        c.TaxRate,
		ExtraFees:      c.ExtraFees,
		ExtraFeesLabel: c.ExtraFeesLabel,
		PaymentTerms:   c.PaymentTerms,
	}
	if o.Hours != nil {
		t.Hours = *o.Hours
	}
	if o.RatePerHour != nil {
		t.RatePerHour = *o.RatePerHour
	}
	if o.TaxRate != nil {
		t.TaxRate = *o.TaxRate
	}
	if o.ExtraFees != nil {
		t.ExtraFees = *o.ExtraFees
	}
	if o.ExtraFeesLabel != "" {
		t.ExtraFeesLabel = o.ExtraFeesLabel
	}
	if o.PaymentTerms != "" {
		t.PaymentTerms = o.PaymentTerms
	}
	if t.ExtraFeesLabel == "" {
		t.ExtraFeesLabel = DefaultExtraFeesLabel
	}
	if t.PaymentTerms == "" {
		t.PaymentTerms = DefaultPaymentTerms
	}
	return t
}

// RunOptions are caller flags. SendEmail is carried through for the adapters;
// the engine never dispatches email.
type RunOptions struct {
	SendEmail      bool
	IgnoreSchedule bool
	AllowDuplicate bool
}

// =============================================================================
// EXECUTION RESULT - Per-item outcome
// =============================================================================

// ItemStatus follows
//
//	pending -> {not_matched | matched} -> {blocked | allowed} -> {computed -> success | failed}
//
// Terminal states are not_matched, blocked, success and failed.
type ItemStatus string

const (
	StatusPending    ItemStatus = "pending"
	StatusNotMatched ItemStatus = "not_matched"
	StatusMatched    ItemStatus = "matched"
	StatusBlocked    ItemStatus = "blocked"
	StatusAllowed    ItemStatus = "allowed"
	StatusComputed   ItemStatus = "computed"
	StatusSuccess    ItemStatus = "success"
	StatusFailed     ItemStatus = "failed"
)

func (s ItemStatus) Terminal() bool {
	switch s {
	case StatusNotMatched, StatusBlocked, StatusSuccess, StatusFailed:
		return true
	}
	return false
}

type ExecutionResult struct {
	CustomerID   CustomerID        `json:"customer_id"`
	CustomerName string            `json:"customer_name"`
	Status       ItemStatus        `json:"status"`
	Matched      bool              `json:"matched"`
	Period       Period            `json:"period"`
	Invoice      *GeneratedInvoice `json:"invoice,omitempty"`
	Existing     *InvoiceRef       `json:"existing,omitempty"`
	Err          *ItemError        `json:"error,omitempty"`
}

func (r ExecutionResult) Succeeded() bool { return r.Status == StatusSuccess }
func (r ExecutionResult) Failed() bool    { return r.Status == StatusFailed }

// =============================================================================
// EXECUTION SUMMARY - Batch outcome
// =============================================================================

type ExecutionSummary struct {
	ID                  string            `json:"execution_id"`
	RunDate             Date              `json:"run_date"`
	Mode                Mode              `json:"mode"`
	CustomersConsidered int               `json:"customers_considered"`
	ScheduleMatches     int               `json:"schedule_matches"`
	InvoicesGenerated   int               `json:"invoices_generated"`
	Blocked             int               `json:"blocked"`
	NotMatched          int               `json:"not_matched"`
	Failures            int               `json:"failures"`
	Results             []ExecutionResult `json:"results"`
	StartedAt           time.Time         `json:"started_at"`
	CompletedAt         time.Time         `json:"completed_at"`
	Duration            time.Duration     `json:"duration_ns"`
	Cancelled           bool              `json:"cancelled"`
}

// Invoices returns the generated invoices in input order.
func (s ExecutionSummary) Invoices() []*GeneratedInvoice {
	var out []*GeneratedInvoice
	for _, r := range s.Results {
		if r.Invoice != nil {
			out = append(out, r.Invoice)
		}
	}
	return out
}

// FailedResults returns the failed results in input order.
func (s ExecutionSummary) FailedResults() []ExecutionResult {
	var out []ExecutionResult
	for _, r := range s.Results {
		if r.Failed() {
			out = append(out, r)
		}
	}
	return out
}
