package billing_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/billing/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// flakyRepo fails the first N calls of each operation with a transient error.
type flakyRepo struct {
	billing.InvoiceRepository
	findFailures    atomic.Int32
	reserveFailures atomic.Int32
	finds           atomic.Int32
	reserves        atomic.Int32
}

var errBusy = fmt.Errorf("%w: database is locked", billing.ErrRepositoryUnavailable)

func (f *flakyRepo) FindByPeriod(ctx context.Context, id billing.CustomerID, p billing.Period) (*billing.InvoiceRef, error) {
	f.finds.Add(1)
	if f.findFailures.Add(-1) >= 0 {
		return nil, errBusy
	}
	return f.InvoiceRepository.FindByPeriod(ctx, id, p)
}

func (f *flakyRepo) ReservePeriod(ctx context.Context, id billing.CustomerID, p billing.Period) error {
	f.reserves.Add(1)
	if f.reserveFailures.Add(-1) >= 0 {
		return errBusy
	}
	return f.InvoiceRepository.ReservePeriod(ctx, id, p)
}

func newFlaky(findFailures, reserveFailures int32) *flakyRepo {
	f := &flakyRepo{InvoiceRepository: store.NewMemory()}
	f.findFailures.Store(findFailures)
	f.reserveFailures.Store(reserveFailures)
	return f
}

func janPeriod() billing.Period {
	return billing.Period{Start: day("2025-01-01"), End: day("2025-01-31")}
}

// =============================================================================
// GUARD TESTS
// =============================================================================

func TestGuard_AllowsThenBlocksSamePeriod(t *testing.T) {
	ctx := context.Background()
	guard := billing.NewDuplicateGuard(store.NewMemory(), nil)

	// GIVEN: No invoice exists for January
	first, err := guard.CheckAndReserve(ctx, "acme", janPeriod(), false)
	require.NoError(t, err)
	assert.True(t, first.Allowed)
	assert.True(t, first.Reserved)

	// WHEN: The same period is checked again
	second, err := guard.CheckAndReserve(ctx, "acme", janPeriod(), false)
	require.NoError(t, err)

	// THEN: It is blocked by the reservation
	assert.False(t, second.Allowed)
	require.NotNil(t, second.Existing)
	assert.Equal(t, billing.InvoiceReserved, second.Existing.Status)
}

func TestGuard_DifferentPeriodOrCustomerIsAllowed(t *testing.T) {
	ctx := context.Background()
	guard := billing.NewDuplicateGuard(store.NewMemory(), nil)

	_, err := guard.CheckAndReserve(ctx, "acme", janPeriod(), false)
	require.NoError(t, err)

	other, err := guard.CheckAndReserve(ctx, "globex", janPeriod(), false)
	require.NoError(t, err)
	assert.True(t, other.Allowed)

	// Overlapping but not equal periods are not duplicates.
	shifted := billing.Period{Start: day("2025-01-02"), End: day("2025-01-31")}
	overlap, err := guard.CheckAndReserve(ctx, "acme", shifted, false)
	require.NoError(t, err)
	assert.True(t, overlap.Allowed)
}

func TestGuard_AllowDuplicateSkipsLookupAndReservation(t *testing.T) {
	ctx := context.Background()
	repo := newFlaky(0, 0)
	guard := billing.NewDuplicateGuard(repo, nil)

	_, err := guard.CheckAndReserve(ctx, "acme", janPeriod(), false)
	require.NoError(t, err)

	d, err := guard.CheckAndReserve(ctx, "acme", janPeriod(), true)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.False(t, d.Reserved)
	assert.Equal(t, int32(1), repo.finds.Load(), "override does not query the repository")
}

func TestGuard_RetriesTransientErrorOnce(t *testing.T) {
	// GIVEN: The first reservation fails transiently
	repo := newFlaky(0, 1)
	guard := billing.NewDuplicateGuard(repo, nil)

	// WHEN: Checking a fresh period
	d, err := guard.CheckAndReserve(context.Background(), "acme", janPeriod(), false)

	// THEN: The lookup and reservation are retried together and the period is reserved
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.True(t, d.Reserved)
	assert.Equal(t, int32(2), repo.finds.Load())
	assert.Equal(t, int32(2), repo.reserves.Load())
}

func TestGuard_RetryCoversWholeCheck(t *testing.T) {
	// GIVEN: The first lookup and the first reservation both fail transiently
	repo := newFlaky(1, 1)
	guard := billing.NewDuplicateGuard(repo, nil)

	// WHEN: Checking a fresh period
	_, err := guard.CheckAndReserve(context.Background(), "acme", janPeriod(), false)

	// THEN: The single retry is spent on the lookup, so the reservation failure is reported
	require.Error(t, err)
	assert.Equal(t, billing.KindRepositoryUnavailable, billing.KindOf(err))
	assert.Contains(t, err.Error(), "after retry")
	assert.Equal(t, int32(2), repo.finds.Load())
	assert.Equal(t, int32(1), repo.reserves.Load())
}

func TestGuard_SecondTransientFailureIsReported(t *testing.T) {
	repo := newFlaky(2, 0)
	guard := billing.NewDuplicateGuard(repo, nil)

	_, err := guard.CheckAndReserve(context.Background(), "acme", janPeriod(), false)

	require.Error(t, err)
	assert.True(t, billing.IsRetryable(err))
	assert.Equal(t, billing.KindRepositoryUnavailable, billing.KindOf(err))
	assert.Contains(t, err.Error(), "after retry")
	assert.Equal(t, int32(2), repo.finds.Load(), "never retried more than once")
}

func TestGuard_RejectsInvalidPeriod(t *testing.T) {
	guard := billing.NewDuplicateGuard(store.NewMemory(), nil)
	_, err := guard.CheckAndReserve(context.Background(), "acme",
		billing.Period{Start: day("2025-02-01"), End: day("2025-01-01")}, false)
	assert.ErrorIs(t, err, billing.ErrInvalidPeriod)
}

func TestGuard_ReleaseFreesReservation(t *testing.T) {
	ctx := context.Background()
	guard := billing.NewDuplicateGuard(store.NewMemory(), nil)

	_, err := guard.CheckAndReserve(ctx, "acme", janPeriod(), false)
	require.NoError(t, err)
	require.NoError(t, guard.Release(ctx, "acme", janPeriod()))

	d, err := guard.CheckAndReserve(ctx, "acme", janPeriod(), false)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestGuard_ConcurrentReservationsHaveOneWinner(t *testing.T) {
	// GIVEN: 20 goroutines racing for the same (customer, period)
	guard := billing.NewDuplicateGuard(store.NewMemory(), nil)

	var wg sync.WaitGroup
	var allowed atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := guard.CheckAndReserve(context.Background(), "acme", janPeriod(), false)
			if err == nil && d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	// THEN: Exactly one is allowed
	assert.Equal(t, int32(1), allowed.Load())
}
