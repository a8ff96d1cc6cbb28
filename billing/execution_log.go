package billing

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// EXECUTION LOG - Persisted record of one run
// =============================================================================

// ExecutionLog is the flattened, storable form of a run. Collaborators fill
// in EmailsSent after delivery; the engine itself never sends email.
type ExecutionLog struct {
	ID              string    `json:"id"`
	RunDate         Date      `json:"run_date"`
	Mode            Mode      `json:"mode"`
	TriggeredBy     string    `json:"triggered_by,omitempty"`
	CustomersLoaded int       `json:"customers_loaded"`
	ScheduleMatches int       `json:"schedule_matches"`
	InvoicesCreated int       `json:"invoices_generated"`
	Blocked         int       `json:"blocked"`
	EmailsSent      int       `json:"emails_sent"`
	Failures        int       `json:"failures"`
	ErrorTrace      string    `json:"error_trace,omitempty"`
	Cancelled       bool      `json:"cancelled"`
	StartedAt       time.Time `json:"started_at"`
	CompletedAt     time.Time `json:"completed_at"`
}

// NewExecutionLog flattens a summary. ErrorTrace lists one line per failed
// item, "customer: kind: message".
func NewExecutionLog(s ExecutionSummary, triggeredBy string) ExecutionLog {
	var trace []string
	for _, r := range s.FailedResults() {
		if r.Err == nil {
			continue
		}
		trace = append(trace, fmt.Sprintf("%s: %s: %s", r.CustomerID, r.Err.Kind, r.Err.Message))
	}
	return ExecutionLog{
		ID:              s.ID,
		RunDate:         s.RunDate,
		Mode:            s.Mode,
		TriggeredBy:     triggeredBy,
		CustomersLoaded: s.CustomersConsidered,
		ScheduleMatches: s.ScheduleMatches,
		InvoicesCreated: s.InvoicesGenerated,
		Blocked:         s.Blocked,
		Failures:        s.Failures,
		ErrorTrace:      strings.Join(trace, "\n"),
		Cancelled:       s.Cancelled,
		StartedAt:       s.StartedAt,
		CompletedAt:     s.CompletedAt,
	}
}
