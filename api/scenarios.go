/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	customers for demos. Each scenario resets the store and saves customers
	defined in contract JSON (see factory/contract.go).

AVAILABLE SCENARIOS:

	standard:              Four customers across every frequency
	misconfigured-anchor:  Biweekly anchor on the wrong weekday (never matches)
	invoice-history:       Standard customers plus an invoice already issued

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Parse customer JSON via the contract factory
 3. Save customer, contract, schedule
 4. Optionally run modes to create history

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "standard"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: ResetDatabase
  - factory/contract.go: Contract JSON definitions
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/modes"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "standard",
		Name:        "Standard Customers",
		Description: "Biweekly, monthly and weekly contracts; one schedule disabled for manual invoicing",
	},
	{
		ID:          "misconfigured-anchor",
		Name:        "Misconfigured Anchor",
		Description: "Biweekly Friday schedule anchored on a Saturday; reported as never matching",
	},
	{
		ID:          "invoice-history",
		Name:        "Invoice History",
		Description: "Standard customers with an Acme invoice already issued for 2026-01-02",
	},
}

// acmeJSON is biweekly on Fridays from anchor.
func acmeJSON(anchor string) string {
	return fmt.Sprintf(`{
		"customer": {"id": "acme", "name": "Acme Corporation", "email": "ap@acmecorp.local"},
		"contract": {
			"invoice_prefix": "ACME",
			"frequency": "biweekly",
			"default_hours": "80",
			"rate_per_hour": "125.00",
			"tax_rate": "0.13",
			"payment_terms": "Net 15"
		},
		"schedule": {"billing_weekday": 4, "anchor_date": %q, "is_enabled": true}
	}`, anchor)
}

const gtiJSON = `{
	"customer": {"id": "gti", "name": "Global Tech Industries", "email": "accounts@globaltech.local"},
	"contract": {
		"invoice_prefix": "GTI",
		"frequency": "monthly",
		"default_hours": "160",
		"rate_per_hour": "150.00",
		"tax_rate": "0.13",
		"extra_fees": "500.00",
		"extra_fees_label": "Cloud Infrastructure",
		"payment_terms": "Monthly"
	},
	"schedule": {"billing_day": 1, "is_enabled": true, "auto_send_email": true}
}`

const sxyzJSON = `{
	"customer": {"id": "sxyz", "name": "StartupXYZ Inc.", "email": "finance@startupxyz.local"},
	"contract": {
		"invoice_prefix": "SXYZ",
		"frequency": "weekly",
		"default_hours": "40",
		"rate_per_hour": "100.00",
		"tax_rate": "0.13",
		"payment_terms": "Due on Receipt"
	},
	"schedule": {"billing_weekday": 4, "is_enabled": true}
}`

const eslJSON = `{
	"customer": {"id": "esl", "name": "Enterprise Solutions Ltd.", "email": "invoices@enterprisesol.local"},
	"contract": {
		"invoice_prefix": "ESL",
		"frequency": "monthly",
		"default_hours": "120",
		"rate_per_hour": "175.00",
		"tax_rate": "0.13",
		"extra_fees": "1000.00",
		"extra_fees_label": "Project Management Fee",
		"payment_terms": "Net 30"
	},
	"schedule": {"billing_day": 1, "is_enabled": false}
}`

// ListScenarios returns available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
// GET /api/scenarios/current
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the store and loads a predefined scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var load func(context.Context) error
	switch req.ScenarioID {
	case "standard":
		load = h.loadStandardScenario
	case "misconfigured-anchor":
		load = h.loadMisconfiguredAnchorScenario
	case "invoice-history":
		load = h.loadInvoiceHistoryScenario
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	ctx := r.Context()
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()

	if err := load(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	h.mu.Lock()
	h.currentScenario = req.ScenarioID
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadStandardScenario(ctx context.Context) error {
	return h.saveCustomers(ctx, acmeJSON("2026-01-02"), gtiJSON, sxyzJSON, eslJSON)
}

// The anchor 2026-01-03 is a Saturday while billing_weekday is Friday.
func (h *Handler) loadMisconfiguredAnchorScenario(ctx context.Context) error {
	return h.saveCustomers(ctx, acmeJSON("2026-01-03"), sxyzJSON)
}

func (h *Handler) loadInvoiceHistoryScenario(ctx context.Context) error {
	if err := h.loadStandardScenario(ctx); err != nil {
		return err
	}

	hours := decimal.NewFromInt(80)
	report, err := h.Runner.Quick(ctx, modes.QuickRequest{
		CustomerID:  "acme",
		RunDate:     billing.MustParseDate("2026-01-02"),
		Hours:       &hours,
		TriggeredBy: "scenario:invoice-history",
	})
	if err != nil {
		return err
	}
	if report.Summary.InvoicesGenerated != 1 {
		return fmt.Errorf("expected one history invoice, got %d", report.Summary.InvoicesGenerated)
	}
	return nil
}

func (h *Handler) saveCustomers(ctx context.Context, configs ...string) error {
	for _, cfg := range configs {
		item, err := h.Factory.ParseContract(cfg)
		if err != nil {
			return err
		}
		if err := h.Store.SaveItem(ctx, item); err != nil {
			return fmt.Errorf("save %s: %w", item.Customer.ID, err)
		}
	}
	return nil
}
