package billing

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// =============================================================================
// DUPLICATE GUARD - The idempotence boundary of a batch
// =============================================================================

// Decision is the guard's answer for one (customer, period).
type Decision struct {
	Allowed bool

	// Reserved is true when the guard holds a reservation that must be
	// released if the item later fails.
	Reserved bool

	// Existing is set when Allowed is false.
	Existing *InvoiceRef
}

// DuplicateGuard checks and reserves billing periods. It holds no state
// between calls; serialization of concurrent reservations is the
// repository's job.
type DuplicateGuard struct {
	repo InvoiceRepository
	log  *zap.Logger
}

func NewDuplicateGuard(repo InvoiceRepository, log *zap.Logger) *DuplicateGuard {
	if log == nil {
		log = zap.NewNop()
	}
	return &DuplicateGuard{repo: repo, log: log.Named("guard")}
}

// CheckAndReserve blocks when a non-cancelled invoice already covers the
// exact period, unless allowDuplicate is set. The lookup and reservation
// run as one unit; a transient error anywhere in it retries the whole unit
// once, so a check makes at most two lookups and two reservations.
func (g *DuplicateGuard) CheckAndReserve(ctx context.Context, customerID CustomerID, period Period, allowDuplicate bool) (Decision, error) {
	if err := period.Validate(); err != nil {
		return Decision{}, err
	}
	if allowDuplicate {
		g.log.Info("duplicate check overridden",
			zap.String("customer_id", string(customerID)),
			zap.Stringer("period", period))
		return Decision{Allowed: true}, nil
	}

	var d Decision
	err := retryOnce(ctx, func() error {
		var err error
		d, err = g.checkAndReserve(ctx, customerID, period)
		return err
	})
	if err != nil {
		return Decision{}, err
	}
	return d, nil
}

func (g *DuplicateGuard) checkAndReserve(ctx context.Context, customerID CustomerID, period Period) (Decision, error) {
	existing, err := g.repo.FindByPeriod(ctx, customerID, period)
	if err != nil {
		return Decision{}, err
	}
	if existing != nil {
		return g.blocked(customerID, period, existing), nil
	}

	err = g.repo.ReservePeriod(ctx, customerID, period)
	switch {
	case err == nil:
		return Decision{Allowed: true, Reserved: true}, nil
	case errors.Is(err, ErrPeriodReserved):
		// Lost the race to a concurrent caller; report the winner if visible.
		existing, ferr := g.repo.FindByPeriod(ctx, customerID, period)
		if ferr != nil || existing == nil {
			existing = &InvoiceRef{CustomerID: customerID, Period: period, Status: InvoiceReserved}
		}
		return g.blocked(customerID, period, existing), nil
	default:
		return Decision{}, err
	}
}

// Release frees a reservation taken by CheckAndReserve.
func (g *DuplicateGuard) Release(ctx context.Context, customerID CustomerID, period Period) error {
	return retryOnce(ctx, func() error {
		return g.repo.ReleasePeriod(ctx, customerID, period)
	})
}

func (g *DuplicateGuard) blocked(customerID CustomerID, period Period, existing *InvoiceRef) Decision {
	g.log.Warn("invoice already exists for period",
		zap.String("customer_id", string(customerID)),
		zap.Stringer("period", period),
		zap.String("existing_invoice", existing.Number),
		zap.String("existing_status", string(existing.Status)))
	return Decision{Allowed: false, Existing: existing}
}

// retryOnce runs fn, and runs it a second time only if the first error is
// retryable and the context is still live. A second failure is wrapped so
// it always classifies as repository_unavailable.
func retryOnce(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil || !IsRetryable(err) {
		return err
	}
	if ctx.Err() != nil {
		return err
	}
	if err2 := fn(); err2 != nil {
		if IsRetryable(err2) {
			return fmt.Errorf("after retry: %w", err2)
		}
		return err2
	}
	return nil
}
