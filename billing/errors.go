/*
errors.go - Error kinds for the billing engine

PURPOSE:
  All error types in one place. Every per-item failure recorded in an
  ExecutionSummary carries one of the kinds below so callers can decide
  what is recoverable without string matching.

ERROR KINDS:
  invalid_input            Malformed hours/rate/tax, bad dates, bad requests
  schedule_misconfigured   Rule and contract disagree; treated as "no match"
  duplicate_period         Guard blocked; caller may override
  repository_unavailable   Transient store failure; retried once, then recorded
  cancelled                Item never started because the run was cancelled
  unknown                  Anything else, including recovered panics

USAGE:
  if errors.Is(err, billing.ErrDuplicatePeriod) { ... }
  switch billing.KindOf(err) { case billing.KindInvalidInput: ... }

SEE ALSO:
  - guard.go: Produces duplicate_period and repository_unavailable
  - orchestrator.go: Wraps every item failure in ItemError
*/
package billing

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidInput is returned for negative hours/rates, tax outside [0,1],
	// and malformed request values.
	ErrInvalidInput = errors.New("invalid input")

	// ErrScheduleMisconfigured explains why a rule can never match.
	ErrScheduleMisconfigured = errors.New("schedule misconfigured")

	// ErrDuplicatePeriod is returned when an invoice already covers the period.
	ErrDuplicatePeriod = errors.New("invoice already exists for period")

	// ErrRepositoryUnavailable marks a transient repository failure.
	// Repositories wrap their driver errors with it so the guard can retry.
	ErrRepositoryUnavailable = errors.New("repository unavailable")

	// ErrPeriodReserved is returned by ReservePeriod when another caller
	// holds the (customer, period) pair.
	ErrPeriodReserved = errors.New("period already reserved")

	// ErrInvalidPeriod is returned when a period is malformed (end before start).
	ErrInvalidPeriod = errors.New("invalid period")

	// ErrNoItems is a structural error: the mode requires at least one item.
	ErrNoItems = errors.New("no billing items supplied")

	// ErrUnknownMode is a structural error for an unrecognized execution mode.
	ErrUnknownMode = errors.New("unknown execution mode")

	// ErrNotFound is returned by directories for unknown customers/invoices.
	ErrNotFound = errors.New("not found")
)

// =============================================================================
// ERROR KINDS
// =============================================================================

type ErrorKind string

const (
	KindInvalidInput          ErrorKind = "invalid_input"
	KindScheduleMisconfigured ErrorKind = "schedule_misconfigured"
	KindDuplicatePeriod       ErrorKind = "duplicate_period"
	KindRepositoryUnavailable ErrorKind = "repository_unavailable"
	KindCancelled             ErrorKind = "cancelled"
	KindUnknown               ErrorKind = "unknown"
)

// KindOf classifies any error into an ErrorKind.
func KindOf(err error) ErrorKind {
	var ie *ItemError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ie):
		return ie.Kind
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrInvalidPeriod), errors.Is(err, ErrNotFound):
		return KindInvalidInput
	case errors.Is(err, ErrScheduleMisconfigured):
		return KindScheduleMisconfigured
	case errors.Is(err, ErrDuplicatePeriod), errors.Is(err, ErrPeriodReserved):
		return KindDuplicatePeriod
	case errors.Is(err, ErrRepositoryUnavailable):
		return KindRepositoryUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	default:
		return KindUnknown
	}
}

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ItemError is the failure attached to one ExecutionResult.
type ItemError struct {
	Kind         ErrorKind  `json:"kind"`
	CustomerID   CustomerID `json:"customer_id"`
	CustomerName string     `json:"customer_name,omitempty"`
	Message      string     `json:"message"`
	Err          error      `json:"-"`
}

func newItemError(item BillingItem, err error) *ItemError {
	return &ItemError{
		Kind:         KindOf(err),
		CustomerID:   item.Customer.ID,
		CustomerName: item.Customer.Name,
		Message:      err.Error(),
		Err:          err,
	}
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("customer %s: %s: %s", e.CustomerID, e.Kind, e.Message)
}

func (e *ItemError) Unwrap() error { return e.Err }

// DuplicatePeriodError names the invoice that already covers the period.
type DuplicatePeriodError struct {
	CustomerID CustomerID
	Period     Period
	Existing   InvoiceRef
}

func (e *DuplicatePeriodError) Error() string {
	ref := e.Existing.Number
	if ref == "" {
		ref = string(e.Existing.ID)
	}
	return fmt.Sprintf("invoice already exists for period %s: %s", e.Period, ref)
}

func (e *DuplicatePeriodError) Unwrap() error { return ErrDuplicatePeriod }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRepositoryUnavailable)
}

// IsClientError returns true if the error is due to caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrInvalidPeriod) ||
		errors.Is(err, ErrNoItems) ||
		errors.Is(err, ErrUnknownMode)
}
