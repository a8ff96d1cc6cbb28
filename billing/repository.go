/*
repository.go - The one collaborator interface the engine consumes

PURPOSE:
  The duplicate guard asks a repository whether an invoice already covers a
  (customer, period) pair and atomically reserves the pair before the invoice
  is computed. Everything else about persistence belongs to collaborators.

RESERVATION CONTRACT:
  - ReservePeriod must be atomic per (customer, period): of two concurrent
    callers, exactly one succeeds and the other gets ErrPeriodReserved.
  - A reserved pair is visible to FindByPeriod with status "reserved", so a
    second run for the same date is blocked even before the invoice is saved.
  - Cancelled invoices are invisible to FindByPeriod.
  - Transient driver failures are wrapped with ErrRepositoryUnavailable.

IMPLEMENTATIONS:
  - billing/store/memory.go: In-memory, mutex-serialized
  - store/sqlite/sqlite.go: Partial unique index on (customer, start, end)

SEE ALSO:
  - guard.go: The only caller
*/
package billing

import "context"

// InvoiceRepository is consumed by the DuplicateGuard.
type InvoiceRepository interface {
	// FindByPeriod returns the non-cancelled invoice (or reservation) for the
	// exact period, or nil when there is none.
	FindByPeriod(ctx context.Context, customerID CustomerID, period Period) (*InvoiceRef, error)

	// ReservePeriod claims the pair. Returns ErrPeriodReserved if taken.
	ReservePeriod(ctx context.Context, customerID CustomerID, period Period) error

	// ReleasePeriod drops a reservation that never became an invoice.
	// Releasing a pair that holds a saved invoice is a no-op.
	ReleasePeriod(ctx context.Context, customerID CustomerID, period Period) error
}
