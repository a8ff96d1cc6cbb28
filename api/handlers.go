/*
handlers.go - HTTP API handlers for the billing engine

PURPOSE:
  Exposes the execution modes and the customer/invoice stores via REST API.
  Handles HTTP request/response and JSON serialization, and delegates
  runs to modes.Runner.

ENDPOINTS:
  Customers:
    GET    /api/customers                List customers with contracts
    POST   /api/customers                Create/replace from contract JSON
    GET    /api/customers/{id}           Get customer, contract, schedule
    DELETE /api/customers/{id}           Delete customer (invoices kept)
    GET    /api/customers/{id}/invoices  Customer's invoices

  Runs:
    POST   /api/runs/quick               One customer, hours supplied
    POST   /api/runs/wizard              One customer, every term supplied
    POST   /api/runs/scheduled           Every due customer
    POST   /api/runs/manual              One customer, explicit period

  Invoices:
    GET    /api/invoices                 List invoices
    GET    /api/invoices/{id}            Get invoice
    POST   /api/invoices/{id}/cancel     Cancel; frees the period

  Executions:
    GET    /api/executions?limit=N       Execution log, newest first

ERROR HANDLING:
  Errors are returned as JSON {"error", "details"} with:
  - 400: Invalid input, bad dates, bad periods
  - 404: Unknown customer or invoice
  - 409: Duplicate period
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - scheduler.go: Daily scheduled runs
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/factory"
	"github.com/warp/billing-engine/modes"
	"github.com/warp/billing-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store   *sqlite.Store
	Runner  *modes.Runner
	Factory *factory.ContractFactory

	// Scheduler is optional; the scheduler endpoints report it when set.
	Scheduler *BillingScheduler

	// Location defines "today" for requests without a run date.
	Location *time.Location

	now func() time.Time
	log *zap.Logger

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler. A nil location means UTC.
func NewHandler(store *sqlite.Store, runner *modes.Runner, loc *time.Location, log *zap.Logger) *Handler {
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Store:    store,
		Runner:   runner,
		Factory:  factory.NewContractFactory(),
		Location: loc,
		now:      time.Now,
		log:      log.Named("api"),
	}
}

// today returns the current calendar date in the billing timezone.
func (h *Handler) today() billing.Date {
	return billing.DateOf(h.now().In(h.Location))
}

func (h *Handler) runDate(s string) (billing.Date, error) {
	if s == "" {
		return h.today(), nil
	}
	return billing.ParseDate(s)
}

// =============================================================================
// CUSTOMER ENDPOINTS
// =============================================================================

// ListCustomers returns every customer with its contract and schedule.
// GET /api/customers
func (h *Handler) ListCustomers(w http.ResponseWriter, r *http.Request) {
	items, err := h.Store.LoadItems(r.Context(), nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list customers", err)
		return
	}

	dtos := make([]CustomerDTO, 0, len(items))
	for _, item := range items {
		dtos = append(dtos, h.toCustomerDTO(r, item))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCustomer returns one customer.
// GET /api/customers/{id}
func (h *Handler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	id := billing.CustomerID(chi.URLParam(r, "id"))

	item, err := h.Store.LoadItem(r.Context(), id)
	if err != nil {
		writeFailure(w, "Failed to get customer", err)
		return
	}
	writeJSON(w, http.StatusOK, h.toCustomerDTO(r, item))
}

// CreateCustomer stores a customer from contract JSON.
// POST /api/customers
func (h *Handler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req factory.ContractJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	item, err := h.Factory.FromJSON(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid contract configuration", err)
		return
	}
	if err := h.Store.SaveItem(r.Context(), item); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save customer", err)
		return
	}

	h.log.Info("customer saved", zap.String("customer_id", string(item.Customer.ID)))
	writeJSON(w, http.StatusCreated, h.toCustomerDTO(r, item))
}

// DeleteCustomer removes a customer with its contract and schedule.
// DELETE /api/customers/{id}
func (h *Handler) DeleteCustomer(w http.ResponseWriter, r *http.Request) {
	id := billing.CustomerID(chi.URLParam(r, "id"))

	if err := h.Store.DeleteCustomer(r.Context(), id); err != nil {
		writeFailure(w, "Failed to delete customer", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
}

// GetCustomerInvoices lists one customer's invoices.
// GET /api/customers/{id}/invoices
func (h *Handler) GetCustomerInvoices(w http.ResponseWriter, r *http.Request) {
	h.listInvoices(w, r, billing.CustomerID(chi.URLParam(r, "id")))
}

func (h *Handler) toCustomerDTO(r *http.Request, item billing.BillingItem) CustomerDTO {
	dto := CustomerDTO{ContractJSON: h.Factory.ToJSON(item)}
	if item.Schedule == nil {
		return dto
	}
	run, err := h.Store.GetScheduleRun(r.Context(), item.Customer.ID)
	if err != nil {
		return dto
	}
	if !run.Last.IsZero() {
		dto.LastRunDate = run.Last.String()
	}
	if !run.Next.IsZero() {
		dto.NextRunDate = run.Next.String()
	}
	return dto
}

// =============================================================================
// RUN ENDPOINTS
// =============================================================================

// RunQuick bills one customer at contract terms for the hours given.
// POST /api/runs/quick
func (h *Handler) RunQuick(w http.ResponseWriter, r *http.Request) {
	var req QuickRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	runDate, err := h.runDate(req.RunDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid run_date (use YYYY-MM-DD)", err)
		return
	}

	report, err := h.Runner.Quick(r.Context(), modes.QuickRequest{
		CustomerID:     billing.CustomerID(req.CustomerID),
		RunDate:        runDate,
		Hours:          req.Hours,
		SendEmail:      req.SendEmail,
		AllowDuplicate: req.AllowDuplicate,
		TriggeredBy:    triggeredBy(req.TriggeredBy, "api:quick"),
	})
	h.writeReport(w, report, err)
}

// RunWizard bills one customer with caller-supplied terms.
// POST /api/runs/wizard
func (h *Handler) RunWizard(w http.ResponseWriter, r *http.Request) {
	var req WizardRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	runDate, err := h.runDate(req.RunDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid run_date (use YYYY-MM-DD)", err)
		return
	}

	var period *billing.Period
	if req.PeriodStart != "" || req.PeriodEnd != "" {
		p, err := parsePeriod(req.PeriodStart, req.PeriodEnd)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid period", err)
			return
		}
		period = &p
	}

	report, err := h.Runner.Wizard(r.Context(), modes.WizardRequest{
		CustomerID:     billing.CustomerID(req.CustomerID),
		RunDate:        runDate,
		Hours:          req.Hours,
		RatePerHour:    req.RatePerHour,
		TaxRate:        req.TaxRate,
		ExtraFees:      req.ExtraFees,
		ExtraFeesLabel: req.ExtraFeesLabel,
		PaymentTerms:   req.PaymentTerms,
		Period:         period,
		SendEmail:      req.SendEmail,
		AllowDuplicate: req.AllowDuplicate,
		TriggeredBy:    triggeredBy(req.TriggeredBy, "api:wizard"),
	})
	h.writeReport(w, report, err)
}

// RunScheduled bills every customer due on the run date.
// POST /api/runs/scheduled
func (h *Handler) RunScheduled(w http.ResponseWriter, r *http.Request) {
	var req ScheduledRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	runDate, err := h.runDate(req.RunDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid run_date (use YYYY-MM-DD)", err)
		return
	}

	ids := make([]billing.CustomerID, 0, len(req.CustomerIDs))
	for _, id := range req.CustomerIDs {
		ids = append(ids, billing.CustomerID(id))
	}

	report, err := h.Runner.Scheduled(r.Context(), modes.ScheduledRequest{
		RunDate:        runDate,
		CustomerIDs:    ids,
		IgnoreSchedule: req.IgnoreSchedule,
		SendEmail:      req.SendEmail,
		AllowDuplicate: req.AllowDuplicate,
		FallbackToAll:  req.FallbackToAll,
		TriggeredBy:    triggeredBy(req.TriggeredBy, "api:scheduled"),
	})
	h.writeReport(w, report, err)
}

// RunManual bills one customer for an explicit period.
// POST /api/runs/manual
func (h *Handler) RunManual(w http.ResponseWriter, r *http.Request) {
	var req ManualRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	runDate, err := h.runDate(req.RunDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid run_date (use YYYY-MM-DD)", err)
		return
	}
	period, err := parsePeriod(req.PeriodStart, req.PeriodEnd)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period", err)
		return
	}

	report, err := h.Runner.Manual(r.Context(), modes.ManualRequest{
		CustomerID:     billing.CustomerID(req.CustomerID),
		RunDate:        runDate,
		Period:         period,
		Hours:          req.Hours,
		SendEmail:      req.SendEmail,
		AllowDuplicate: req.AllowDuplicate,
		TriggeredBy:    triggeredBy(req.TriggeredBy, "api:manual"),
	})
	h.writeReport(w, report, err)
}

// writeReport maps a run outcome to a response. A single-customer run that
// the guard blocked is a 409 carrying the full report.
func (h *Handler) writeReport(w http.ResponseWriter, report modes.Report, err error) {
	if err != nil && !report.Summary.Cancelled {
		writeFailure(w, "Run failed", err)
		return
	}

	resp := toRunResponse(report)
	status := http.StatusOK
	if report.Summary.Mode != billing.ModeScheduled && report.Summary.Mode != billing.ModeGenerateAll &&
		report.Summary.Blocked > 0 && report.Summary.InvoicesGenerated == 0 {
		status = http.StatusConflict
	}
	writeJSON(w, status, resp)
}

func parsePeriod(start, end string) (billing.Period, error) {
	s, err := billing.ParseDate(start)
	if err != nil {
		return billing.Period{}, err
	}
	e, err := billing.ParseDate(end)
	if err != nil {
		return billing.Period{}, err
	}
	return billing.NewPeriod(s, e)
}

func triggeredBy(given, fallback string) string {
	if given != "" {
		return given
	}
	return fallback
}

// =============================================================================
// INVOICE ENDPOINTS
// =============================================================================

// ListInvoices returns every invoice, newest first.
// GET /api/invoices
func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	h.listInvoices(w, r, billing.CustomerID(r.URL.Query().Get("customer_id")))
}

func (h *Handler) listInvoices(w http.ResponseWriter, r *http.Request, customerID billing.CustomerID) {
	invoices, err := h.Store.ListInvoices(r.Context(), customerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list invoices", err)
		return
	}

	dtos := make([]InvoiceDTO, 0, len(invoices))
	for _, inv := range invoices {
		dtos = append(dtos, toInvoiceDTO(inv))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetInvoice returns one invoice.
// GET /api/invoices/{id}
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	id := billing.InvoiceID(chi.URLParam(r, "id"))

	inv, err := h.Store.GetInvoice(r.Context(), id)
	if err != nil {
		writeFailure(w, "Failed to get invoice", err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(inv))
}

// CancelInvoice cancels an invoice so its period can be billed again.
// POST /api/invoices/{id}/cancel
func (h *Handler) CancelInvoice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := billing.InvoiceID(chi.URLParam(r, "id"))

	inv, err := h.Store.GetInvoice(ctx, id)
	if err != nil {
		writeFailure(w, "Failed to get invoice", err)
		return
	}
	if inv.Status == billing.InvoiceCancelled {
		writeError(w, http.StatusConflict, "Invoice already cancelled", nil)
		return
	}
	if err := h.Store.CancelInvoice(ctx, id); err != nil {
		writeFailure(w, "Failed to cancel invoice", err)
		return
	}

	h.log.Info("invoice cancelled",
		zap.String("invoice_id", string(id)),
		zap.String("customer_id", string(inv.CustomerID)),
		zap.Stringer("period", inv.Period))
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "cancelled",
		"invoice_number": inv.Number,
	})
}

// =============================================================================
// EXECUTION LOG ENDPOINTS
// =============================================================================

// ListExecutions returns the execution log.
// GET /api/executions?limit=N
func (h *Handler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	logs, err := h.Store.ListExecutions(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list executions", err)
		return
	}
	if logs == nil {
		logs = []billing.ExecutionLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

// ResetDatabase clears all data.
// POST /api/scenarios/reset
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Health reports liveness.
// GET /api/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"today":  h.today().String(),
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeFailure picks the status from the error kind.
func writeFailure(w http.ResponseWriter, message string, err error) {
	writeError(w, statusFor(err), message, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, billing.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, billing.ErrDuplicatePeriod):
		return http.StatusConflict
	case billing.IsClientError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
