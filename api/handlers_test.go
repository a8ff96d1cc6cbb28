/*
handlers_test.go - HTTP tests for the billing API

Tests for:
- Demo scenario loading and customer endpoints
- Each run endpoint, including duplicate blocking (409)
- Invoice cancellation freeing the period
- Error status mapping
*/
package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/modes"
	"github.com/warp/billing-engine/store/sqlite"
)

// =============================================================================
// HELPERS
// =============================================================================

// 2026-01-02 is a Friday: Acme's anchor and a StartupXYZ billing day.
var testNow = time.Date(2026, time.January, 2, 15, 0, 0, 0, time.UTC)

type testServer struct {
	h      *Handler
	router http.Handler
	store  *sqlite.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	orch := billing.NewOrchestrator(billing.NewDuplicateGuard(store, nil), billing.DefaultConfig(), nil)
	runner := modes.NewRunner(orch, store, store, nil, nil)
	h := NewHandler(store, runner, time.UTC, nil)
	h.now = func() time.Time { return testNow }

	return &testServer{h: h, router: NewRouter(h, nil), store: store}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case json.RawMessage:
		buf.Write(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) loadScenario(t *testing.T, id string) {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: id})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// =============================================================================
// CUSTOMERS & SCENARIOS
// =============================================================================

func TestLoadScenario_Standard(t *testing.T) {
	// GIVEN: An empty store
	s := newTestServer(t)

	// WHEN: Loading the standard scenario
	s.loadScenario(t, "standard")

	// THEN: Four customers are listed in ID order
	rec := s.do(t, http.MethodGet, "/api/customers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	customers := decode[[]CustomerDTO](t, rec)
	require.Len(t, customers, 4)
	assert.Equal(t, "acme", customers[0].Customer.ID)
	assert.Equal(t, "esl", customers[1].Customer.ID)

	current := decode[ScenarioDTO](t, s.do(t, http.MethodGet, "/api/scenarios/current", nil))
	assert.Equal(t, "standard", current.ID)
}

func TestLoadScenario_Unknown(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoadScenario_InvoiceHistory(t *testing.T) {
	s := newTestServer(t)
	s.loadScenario(t, "invoice-history")

	invoices := decode[[]InvoiceDTO](t, s.do(t, http.MethodGet, "/api/customers/acme/invoices", nil))
	require.Len(t, invoices, 1)
	assert.Equal(t, "ACME-20260102-001", invoices[0].Number)
	assert.Equal(t, "11300.00", invoices[0].Total)
}

func TestCreateAndGetCustomer(t *testing.T) {
	s := newTestServer(t)

	body := json.RawMessage(`{
		"customer": {"id": "initech", "name": "Initech"},
		"contract": {"frequency": "weekly", "default_hours": 10, "rate_per_hour": "90"},
		"schedule": {"billing_weekday": 0}
	}`)
	rec := s.do(t, http.MethodPost, "/api/customers", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/customers/initech", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	dto := decode[CustomerDTO](t, rec)
	assert.Equal(t, "Initech", dto.Customer.Name)
	assert.Equal(t, "INV", dto.Contract.InvoicePrefix)
	require.NotNil(t, dto.Schedule)
	assert.Equal(t, 0, *dto.Schedule.BillingWeekday)
}

func TestCreateCustomer_Invalid(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/customers", json.RawMessage(`{"customer": {"id": "x"}}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	errResp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "Invalid contract configuration", errResp.Error)
	assert.Contains(t, errResp.Details, "customer.name")
}

func TestDeleteCustomer(t *testing.T) {
	s := newTestServer(t)
	s.loadScenario(t, "standard")

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodDelete, "/api/customers/esl", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/customers/esl", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodDelete, "/api/customers/esl", nil).Code)
}

// =============================================================================
// RUNS
// =============================================================================

func TestRunScheduled_Today(t *testing.T) {
	// GIVEN: The standard customers on Friday 2026-01-02
	s := newTestServer(t)
	s.loadScenario(t, "standard")

	// WHEN: Running the schedule without a run date
	rec := s.do(t, http.MethodPost, "/api/runs/scheduled", ScheduledRunRequest{})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[RunResponse](t, rec)

	// THEN: Acme (anchor day) and StartupXYZ (Friday) are invoiced
	assert.Equal(t, "2026-01-02", resp.RunDate)
	assert.Equal(t, "scheduled", resp.Mode)
	assert.Equal(t, 4, resp.CustomersLoaded)
	assert.Equal(t, 2, resp.ScheduleMatches)
	require.Len(t, resp.Invoices, 2)
	assert.Equal(t, "ACME-20260102-001", resp.Invoices[0].Number)
	assert.Equal(t, "11300.00", resp.Invoices[0].Total)
	assert.Equal(t, "2025-12-20", resp.Invoices[0].PeriodStart)
	assert.Equal(t, "SXYZ-20260102-001", resp.Invoices[1].Number)
	assert.Equal(t, "4520.00", resp.Invoices[1].Total)

	// AND: Acme's next run is two weeks out
	acme := decode[CustomerDTO](t, s.do(t, http.MethodGet, "/api/customers/acme", nil))
	assert.Equal(t, "2026-01-02", acme.LastRunDate)
	assert.Equal(t, "2026-01-16", acme.NextRunDate)

	// WHEN: Running again
	rec = s.do(t, http.MethodPost, "/api/runs/scheduled", ScheduledRunRequest{})
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decode[RunResponse](t, rec)

	// THEN: Both are blocked, nothing new is generated
	assert.Equal(t, 0, resp.InvoicesGenerated)
	assert.Equal(t, 2, resp.Blocked)
	for _, r := range resp.Results {
		if r.Status == string(billing.StatusBlocked) {
			assert.Equal(t, string(billing.KindDuplicatePeriod), r.ErrorKind)
			assert.NotEmpty(t, r.ExistingInvoice)
		}
	}
}

func TestRunScheduled_MisconfiguredAnchor(t *testing.T) {
	s := newTestServer(t)
	s.loadScenario(t, "misconfigured-anchor")

	rec := s.do(t, http.MethodPost, "/api/runs/scheduled", ScheduledRunRequest{RunDate: "2026-01-16"})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[RunResponse](t, rec)

	assert.Equal(t, 0, resp.Failures)
	for _, r := range resp.Results {
		if r.CustomerID == "acme" {
			assert.Equal(t, string(billing.StatusNotMatched), r.Status)
			assert.Equal(t, string(billing.KindScheduleMisconfigured), r.ErrorKind)
			assert.Contains(t, r.Error, "Saturday")
		}
	}
}

func TestRunQuick(t *testing.T) {
	s := newTestServer(t)
	s.loadScenario(t, "standard")

	rec := s.do(t, http.MethodPost, "/api/runs/quick", json.RawMessage(`{"customer_id": "gti", "run_date": "2026-01-15", "hours": "10"}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[RunResponse](t, rec)

	require.Len(t, resp.Invoices, 1)
	inv := resp.Invoices[0]
	// 10 x 150 + 500 fees = 2000, tax 260
	assert.Equal(t, "2000.00", inv.Subtotal)
	assert.Equal(t, "260.00", inv.TaxAmount)
	assert.Equal(t, "2260.00", inv.Total)
	assert.Equal(t, "Cloud Infrastructure", inv.ExtraFeesLabel)
	assert.Equal(t, "2026-01-01", inv.PeriodStart)
	assert.Equal(t, "2026-01-15", inv.PeriodEnd)
	assert.Equal(t, "api:quick", decodeExecutions(t, s)[0].TriggeredBy)

	// WHEN: Repeating the same run
	rec = s.do(t, http.MethodPost, "/api/runs/quick", json.RawMessage(`{"customer_id": "gti", "run_date": "2026-01-15", "hours": "10"}`))

	// THEN: The guard blocks it with a conflict
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, 1, decode[RunResponse](t, rec).Blocked)

	// WHEN: Overriding
	rec = s.do(t, http.MethodPost, "/api/runs/quick", json.RawMessage(`{"customer_id": "gti", "run_date": "2026-01-15", "hours": "10", "allow_duplicate": true}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "GTI-20260115-002", decode[RunResponse](t, rec).Invoices[0].Number)
}

func TestRunQuick_Errors(t *testing.T) {
	s := newTestServer(t)
	s.loadScenario(t, "standard")

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"malformed body", `{`, http.StatusBadRequest},
		{"bad run date", `{"customer_id": "acme", "run_date": "01/02/2026", "hours": 1}`, http.StatusBadRequest},
		{"unknown customer", `{"customer_id": "nobody", "hours": 1}`, http.StatusNotFound},
		{"missing hours", `{"customer_id": "acme"}`, http.StatusBadRequest},
		{"null hours", `{"customer_id": "acme", "hours": null}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/runs/quick", json.RawMessage(tt.body))
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestRunQuick_MissingHoursDoesNotBlockPeriod(t *testing.T) {
	s := newTestServer(t)
	s.loadScenario(t, "standard")

	rec := s.do(t, http.MethodPost, "/api/runs/quick", json.RawMessage(`{"customer_id": "sxyz"}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// The period is still free for the real run
	rec = s.do(t, http.MethodPost, "/api/runs/quick", json.RawMessage(`{"customer_id": "sxyz", "hours": "40"}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[RunResponse](t, rec)
	require.Len(t, resp.Invoices, 1)
	assert.Equal(t, "4520.00", resp.Invoices[0].Total)
	assert.Len(t, decodeExecutions(t, s), 1)
}

func TestRunQuick_NegativeHoursIsItemFailure(t *testing.T) {
	s := newTestServer(t)
	s.loadScenario(t, "standard")

	rec := s.do(t, http.MethodPost, "/api/runs/quick", json.RawMessage(`{"customer_id": "acme", "hours": "-5"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[RunResponse](t, rec)

	assert.Equal(t, 1, resp.Failures)
	assert.Equal(t, string(billing.KindInvalidInput), resp.Results[0].ErrorKind)
	assert.Equal(t, "Acme Corporation", resp.Results[0].CustomerName)
}

func TestRunWizard(t *testing.T) {
	s := newTestServer(t)
	s.loadScenario(t, "standard")

	rec := s.do(t, http.MethodPost, "/api/runs/wizard", json.RawMessage(`{
		"customer_id": "sxyz",
		"hours": "7.5",
		"rate_per_hour": "99.99",
		"period_start": "2025-12-27",
		"period_end": "2026-01-02"
	}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	inv := decode[RunResponse](t, rec).Invoices[0]

	// 749.925 labor, tax 97.49, total 847.42
	assert.Equal(t, "847.42", inv.Total)
	assert.Equal(t, "wizard", inv.Mode)

	rec = s.do(t, http.MethodPost, "/api/runs/wizard", json.RawMessage(`{"customer_id": "sxyz", "hours": "1"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunManual(t *testing.T) {
	s := newTestServer(t)
	s.loadScenario(t, "standard")

	// GIVEN: ESL invoices manually (schedule disabled)
	rec := s.do(t, http.MethodPost, "/api/runs/manual", ManualRunRequest{
		CustomerID:  "esl",
		PeriodStart: "2025-12-01",
		PeriodEnd:   "2025-12-31",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	inv := decode[RunResponse](t, rec).Invoices[0]
	assert.Equal(t, "2025-12-01", inv.PeriodStart)
	assert.Equal(t, "2025-12-31", inv.PeriodEnd)
	// 120 x 175 + 1000 = 22000, tax 2860
	assert.Equal(t, "24860.00", inv.Total)

	rec = s.do(t, http.MethodPost, "/api/runs/manual", ManualRunRequest{
		CustomerID:  "esl",
		PeriodStart: "2025-12-31",
		PeriodEnd:   "2025-12-01",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// INVOICES & EXECUTIONS
// =============================================================================

func TestCancelInvoice_FreesPeriod(t *testing.T) {
	// GIVEN: An Acme invoice for 2026-01-02
	s := newTestServer(t)
	s.loadScenario(t, "invoice-history")
	invoices := decode[[]InvoiceDTO](t, s.do(t, http.MethodGet, "/api/invoices", nil))
	require.Len(t, invoices, 1)
	id := invoices[0].ID

	// WHEN: Cancelling it
	rec := s.do(t, http.MethodPost, "/api/invoices/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// THEN: It is cancelled, cannot be cancelled twice, and the period bills again
	inv := decode[InvoiceDTO](t, s.do(t, http.MethodGet, "/api/invoices/"+id, nil))
	assert.Equal(t, "cancelled", inv.Status)
	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodPost, "/api/invoices/"+id+"/cancel", nil).Code)

	rec = s.do(t, http.MethodPost, "/api/runs/quick", json.RawMessage(`{"customer_id": "acme", "hours": "80"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ACME-20260102-002", decode[RunResponse](t, rec).Invoices[0].Number)
}

func TestGetInvoice_NotFound(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/invoices/missing", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, "/api/invoices/missing/cancel", nil).Code)
}

func TestListExecutions(t *testing.T) {
	s := newTestServer(t)
	s.loadScenario(t, "standard")

	s.do(t, http.MethodPost, "/api/runs/scheduled", ScheduledRunRequest{TriggeredBy: "ops"})
	s.do(t, http.MethodPost, "/api/runs/scheduled", ScheduledRunRequest{RunDate: "2026-01-09"})

	logs := decodeExecutions(t, s)
	require.Len(t, logs, 2)
	assert.Equal(t, "2026-01-09", logs[0].RunDate.String())
	assert.Equal(t, "ops", logs[1].TriggeredBy)
	assert.Equal(t, 2, logs[1].InvoicesCreated)

	rec := s.do(t, http.MethodGet, "/api/executions?limit=1", nil)
	assert.Len(t, decode[[]billing.ExecutionLog](t, rec), 1)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/executions?limit=x", nil).Code)
}

func decodeExecutions(t *testing.T, s *testServer) []billing.ExecutionLog {
	t.Helper()
	rec := s.do(t, http.MethodGet, "/api/executions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	return decode[[]billing.ExecutionLog](t, rec)
}

func TestResetDatabase(t *testing.T) {
	s := newTestServer(t)
	s.loadScenario(t, "standard")

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/scenarios/reset", nil).Code)

	assert.Empty(t, decode[[]CustomerDTO](t, s.do(t, http.MethodGet, "/api/customers", nil)))
	assert.Equal(t, "null\n", s.do(t, http.MethodGet, "/api/scenarios/current", nil).Body.String())
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{billing.ErrNotFound, http.StatusNotFound},
		{&billing.DuplicatePeriodError{}, http.StatusConflict},
		{billing.ErrInvalidInput, http.StatusBadRequest},
		{billing.ErrInvalidPeriod, http.StatusBadRequest},
		{billing.ErrRepositoryUnavailable, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, statusFor(tt.err), tt.err.Error())
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2026-01-02", decode[map[string]string](t, rec)["today"])
}
