/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the billing model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Customers:
    CustomerDTO (wraps factory.ContractJSON)

  Runs:
    QuickRunRequest, WizardRunRequest, ScheduledRunRequest, ManualRunRequest
    RunResponse, ResultDTO

  Invoices:
    InvoiceDTO

  Scenarios:
    ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Validation is done in handlers, not in DTOs. Dates are YYYY-MM-DD strings
  and money is rendered with two decimals.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/contract.go: ContractJSON type
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/factory"
	"github.com/warp/billing-engine/modes"
)

// =============================================================================
// CUSTOMERS
// =============================================================================

// CustomerDTO represents a customer with its contract and schedule.
type CustomerDTO struct {
	factory.ContractJSON
	LastRunDate string `json:"last_run_date,omitempty"`
	NextRunDate string `json:"next_run_date,omitempty"`
}

// =============================================================================
// RUN REQUESTS
// =============================================================================

// An empty RunDate means today in the server's billing timezone.

type QuickRunRequest struct {
	CustomerID     string           `json:"customer_id"`
	RunDate        string           `json:"run_date,omitempty"`
	Hours          *decimal.Decimal `json:"hours"`
	SendEmail      bool             `json:"send_email"`
	AllowDuplicate bool             `json:"allow_duplicate"`
	TriggeredBy    string           `json:"triggered_by,omitempty"`
}

type WizardRunRequest struct {
	CustomerID     string           `json:"customer_id"`
	RunDate        string           `json:"run_date,omitempty"`
	Hours          *decimal.Decimal `json:"hours"`
	RatePerHour    *decimal.Decimal `json:"rate_per_hour"`
	TaxRate        *decimal.Decimal `json:"tax_rate,omitempty"`
	ExtraFees      *decimal.Decimal `json:"extra_fees,omitempty"`
	ExtraFeesLabel string           `json:"extra_fees_label,omitempty"`
	PaymentTerms   string           `json:"payment_terms,omitempty"`
	PeriodStart    string           `json:"period_start,omitempty"`
	PeriodEnd      string           `json:"period_end,omitempty"`
	SendEmail      bool             `json:"send_email"`
	AllowDuplicate bool             `json:"allow_duplicate"`
	TriggeredBy    string           `json:"triggered_by,omitempty"`
}

type ScheduledRunRequest struct {
	RunDate        string   `json:"run_date,omitempty"`
	CustomerIDs    []string `json:"customer_ids,omitempty"`
	IgnoreSchedule bool     `json:"ignore_schedule"`
	SendEmail      bool     `json:"send_email"`
	AllowDuplicate bool     `json:"allow_duplicate"`
	FallbackToAll  bool     `json:"fallback_to_all"`
	TriggeredBy    string   `json:"triggered_by,omitempty"`
}

type ManualRunRequest struct {
	CustomerID     string           `json:"customer_id"`
	RunDate        string           `json:"run_date,omitempty"`
	PeriodStart    string           `json:"period_start"`
	PeriodEnd      string           `json:"period_end"`
	Hours          *decimal.Decimal `json:"hours,omitempty"`
	SendEmail      bool             `json:"send_email"`
	AllowDuplicate bool             `json:"allow_duplicate"`
	TriggeredBy    string           `json:"triggered_by,omitempty"`
}

// =============================================================================
// RUN RESPONSE
// =============================================================================

// RunResponse is the outcome of any run endpoint.
type RunResponse struct {
	ExecutionID       string                `json:"execution_id"`
	Mode              string                `json:"mode"`
	RunDate           string                `json:"run_date"`
	CustomersLoaded   int                   `json:"customers_loaded"`
	ScheduleMatches   int                   `json:"schedule_matches"`
	InvoicesGenerated int                   `json:"invoices_generated"`
	Blocked           int                   `json:"blocked"`
	Failures          int                   `json:"failures"`
	EmailsSent        int                   `json:"emails_sent"`
	Cancelled         bool                  `json:"cancelled"`
	FellBack          bool                  `json:"fell_back_to_generate_all"`
	Results           []ResultDTO           `json:"results"`
	Invoices          []InvoiceDTO          `json:"invoices"`
	EmailFailures     []modes.DeliveryError `json:"email_failures,omitempty"`
	SaveFailures      []modes.DeliveryError `json:"save_failures,omitempty"`
	DurationMS        int64                 `json:"duration_ms"`
}

// ResultDTO is one customer's outcome within a run.
type ResultDTO struct {
	CustomerID      string `json:"customer_id"`
	CustomerName    string `json:"customer_name"`
	Status          string `json:"status"`
	PeriodStart     string `json:"period_start,omitempty"`
	PeriodEnd       string `json:"period_end,omitempty"`
	InvoiceNumber   string `json:"invoice_number,omitempty"`
	Total           string `json:"total,omitempty"`
	ExistingInvoice string `json:"existing_invoice,omitempty"`
	ErrorKind       string `json:"error_kind,omitempty"`
	Error           string `json:"error,omitempty"`
}

// =============================================================================
// INVOICES
// =============================================================================

type InvoiceDTO struct {
	ID                string `json:"id"`
	Number            string `json:"invoice_number"`
	CustomerID        string `json:"customer_id"`
	CustomerName      string `json:"customer_name"`
	InvoiceDate       string `json:"invoice_date"`
	PeriodStart       string `json:"period_start"`
	PeriodEnd         string `json:"period_end"`
	Hours             string `json:"hours"`
	RatePerHour       string `json:"rate_per_hour"`
	LaborSubtotal     string `json:"labor_subtotal"`
	ExtraFees         string `json:"extra_fees"`
	ExtraFeesLabel    string `json:"extra_fees_label"`
	Subtotal          string `json:"subtotal"`
	TaxRate           string `json:"tax_rate"`
	TaxAmount         string `json:"tax_amount"`
	Total             string `json:"total"`
	PaymentTerms      string `json:"payment_terms"`
	Mode              string `json:"generation_mode"`
	Status            string `json:"status"`
	DuplicateOverride bool   `json:"duplicate_override"`
}

// =============================================================================
// SCHEDULER & SCENARIOS
// =============================================================================

type SchedulerStatusDTO struct {
	Enabled         bool   `json:"enabled"`
	Running         bool   `json:"running"`
	Interval        string `json:"interval"`
	Timezone        string `json:"timezone"`
	LastCheckedAt   string `json:"last_checked_at,omitempty"`
	LastRunDate     string `json:"last_run_date,omitempty"`
	LastExecutionID string `json:"last_execution_id,omitempty"`
	LastError       string `json:"last_error,omitempty"`
}

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toRunResponse(report modes.Report) RunResponse {
	s := report.Summary
	resp := RunResponse{
		ExecutionID:       s.ID,
		Mode:              string(s.Mode),
		RunDate:           s.RunDate.String(),
		CustomersLoaded:   s.CustomersConsidered,
		ScheduleMatches:   s.ScheduleMatches,
		InvoicesGenerated: s.InvoicesGenerated,
		Blocked:           s.Blocked,
		Failures:          s.Failures,
		EmailsSent:        report.EmailsSent,
		Cancelled:         s.Cancelled,
		FellBack:          report.FellBack(),
		Results:           make([]ResultDTO, 0, len(s.Results)),
		Invoices:          make([]InvoiceDTO, 0, s.InvoicesGenerated),
		EmailFailures:     report.EmailFailures,
		SaveFailures:      report.SaveFailures,
		DurationMS:        s.Duration.Milliseconds(),
	}
	for _, r := range s.Results {
		resp.Results = append(resp.Results, toResultDTO(r))
	}
	for _, inv := range s.Invoices() {
		resp.Invoices = append(resp.Invoices, toInvoiceDTO(*inv))
	}
	return resp
}

func toResultDTO(r billing.ExecutionResult) ResultDTO {
	dto := ResultDTO{
		CustomerID:   string(r.CustomerID),
		CustomerName: r.CustomerName,
		Status:       string(r.Status),
	}
	if !r.Period.IsZero() {
		dto.PeriodStart = r.Period.Start.String()
		dto.PeriodEnd = r.Period.End.String()
	}
	if r.Invoice != nil {
		dto.InvoiceNumber = r.Invoice.Number
		dto.Total = billing.FormatMoney(r.Invoice.Totals.Total)
	}
	if r.Existing != nil {
		dto.ExistingInvoice = r.Existing.Number
		if dto.ExistingInvoice == "" {
			dto.ExistingInvoice = string(r.Existing.Status)
		}
	}
	if r.Err != nil {
		dto.ErrorKind = string(r.Err.Kind)
		dto.Error = r.Err.Message
	}
	return dto
}

func toInvoiceDTO(inv billing.GeneratedInvoice) InvoiceDTO {
	t := inv.Totals
	return InvoiceDTO{
		ID:                string(inv.ID),
		Number:            inv.Number,
		CustomerID:        string(inv.CustomerID),
		CustomerName:      inv.CustomerName,
		InvoiceDate:       inv.InvoiceDate.String(),
		PeriodStart:       inv.Period.Start.String(),
		PeriodEnd:         inv.Period.End.String(),
		Hours:             inv.Terms.Hours.String(),
		RatePerHour:       billing.FormatMoney(inv.Terms.RatePerHour),
		LaborSubtotal:     billing.FormatMoney(t.LaborSubtotal),
		ExtraFees:         billing.FormatMoney(t.ExtraFees),
		ExtraFeesLabel:    inv.Terms.ExtraFeesLabel,
		Subtotal:          billing.FormatMoney(t.Subtotal),
		TaxRate:           t.TaxRate.String(),
		TaxAmount:         billing.FormatMoney(t.TaxAmount),
		Total:             billing.FormatMoney(t.Total),
		PaymentTerms:      inv.Terms.PaymentTerms,
		Mode:              string(inv.Mode),
		Status:            string(inv.Status),
		DuplicateOverride: inv.DuplicateOverride,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
