// Package store provides an in-memory implementation of the billing
// repository and collaborator stores.
package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/warp/billing-engine/billing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements billing.InvoiceRepository together with the invoice,
// execution and directory methods the mode adapters consume. All state is
// guarded by one mutex, which makes ReservePeriod atomic per key.
type Memory struct {
	mu         sync.RWMutex
	items      map[billing.CustomerID]billing.BillingItem
	runs       map[billing.CustomerID]ScheduleRun
	invoices   []*billing.GeneratedInvoice
	periods    map[key]*billing.GeneratedInvoice // nil value = reservation
	executions []billing.ExecutionLog
}

type key struct {
	CustomerID billing.CustomerID
	Start, End string
}

func keyOf(customerID billing.CustomerID, p billing.Period) key {
	return key{CustomerID: customerID, Start: p.Start.String(), End: p.End.String()}
}

// ScheduleRun is the last/next run bookkeeping for one customer.
type ScheduleRun struct {
	Last billing.Date
	Next billing.Date
}

func NewMemory() *Memory {
	return &Memory{
		items:   make(map[billing.CustomerID]billing.BillingItem),
		runs:    make(map[billing.CustomerID]ScheduleRun),
		periods: make(map[key]*billing.GeneratedInvoice),
	}
}

// =============================================================================
// INVOICE REPOSITORY
// =============================================================================

func (m *Memory) FindByPeriod(_ context.Context, customerID billing.CustomerID, period billing.Period) (*billing.InvoiceRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inv, ok := m.periods[keyOf(customerID, period)]
	if !ok {
		// Duplicate-override invoices hold no key but still count.
		for _, other := range m.invoices {
			if other.CustomerID == customerID && other.Period.Equal(period) && other.Status != billing.InvoiceCancelled {
				ref := other.Ref()
				return &ref, nil
			}
		}
		return nil, nil
	}
	if inv == nil {
		return &billing.InvoiceRef{CustomerID: customerID, Period: period, Status: billing.InvoiceReserved}, nil
	}
	ref := inv.Ref()
	return &ref, nil
}

func (m *Memory) ReservePeriod(_ context.Context, customerID billing.CustomerID, period billing.Period) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := keyOf(customerID, period)
	if _, taken := m.periods[k]; taken {
		return billing.ErrPeriodReserved
	}
	m.periods[k] = nil
	return nil
}

func (m *Memory) ReleasePeriod(_ context.Context, customerID billing.CustomerID, period billing.Period) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := keyOf(customerID, period)
	if inv, ok := m.periods[k]; ok && inv == nil {
		delete(m.periods, k)
	}
	return nil
}

// =============================================================================
// INVOICES
// =============================================================================

// SaveInvoice stores inv, filling its reservation if one is held, and
// allocates its number. The sequence counts every invoice already numbered
// under the same stem, for any customer and cancelled ones included, so
// numbers are never reused.
func (m *Memory) SaveInvoice(_ context.Context, inv *billing.GeneratedInvoice) error {
	if inv == nil {
		return fmt.Errorf("%w: nil invoice", billing.ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if !inv.DuplicateOverride {
		k := keyOf(inv.CustomerID, inv.Period)
		if existing, ok := m.periods[k]; ok && existing != nil && existing.ID != inv.ID {
			return &billing.DuplicatePeriodError{CustomerID: inv.CustomerID, Period: inv.Period, Existing: existing.Ref()}
		}
		defer func() { m.periods[k] = inv }()
	}

	stem := billing.NumberStem(inv.NumberPattern)
	seq := 1
	for _, other := range m.invoices {
		if strings.HasPrefix(other.Number, stem) {
			seq++
		}
	}
	inv.Number = billing.FormatInvoiceNumber(inv.NumberPattern, seq)
	if inv.Status == "" || inv.Status == billing.InvoiceReserved {
		inv.Status = billing.InvoiceGenerated
	}
	m.invoices = append(m.invoices, inv)
	return nil
}

// MarkSent records a delivered invoice.
func (m *Memory) MarkSent(_ context.Context, id billing.InvoiceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inv := m.findLocked(id)
	if inv == nil {
		return fmt.Errorf("%w: invoice %s", billing.ErrNotFound, id)
	}
	inv.Status = billing.InvoiceSent
	return nil
}

// CancelInvoice frees the invoice's period for a new invoice.
func (m *Memory) CancelInvoice(_ context.Context, id billing.InvoiceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inv := m.findLocked(id)
	if inv == nil {
		return fmt.Errorf("%w: invoice %s", billing.ErrNotFound, id)
	}
	inv.Status = billing.InvoiceCancelled
	k := keyOf(inv.CustomerID, inv.Period)
	if m.periods[k] == inv {
		delete(m.periods, k)
	}
	return nil
}

func (m *Memory) GetInvoice(_ context.Context, id billing.InvoiceID) (billing.GeneratedInvoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inv := m.findLocked(id)
	if inv == nil {
		return billing.GeneratedInvoice{}, fmt.Errorf("%w: invoice %s", billing.ErrNotFound, id)
	}
	return *inv, nil
}

// ListInvoices returns copies in save order. An empty customerID lists all.
func (m *Memory) ListInvoices(_ context.Context, customerID billing.CustomerID) ([]billing.GeneratedInvoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []billing.GeneratedInvoice
	for _, inv := range m.invoices {
		if customerID == "" || inv.CustomerID == customerID {
			result = append(result, *inv)
		}
	}
	return result, nil
}

func (m *Memory) findLocked(id billing.InvoiceID) *billing.GeneratedInvoice {
	for _, inv := range m.invoices {
		if inv.ID == id {
			return inv
		}
	}
	return nil
}

// =============================================================================
// EXECUTION LOG
// =============================================================================

func (m *Memory) SaveExecution(_ context.Context, log billing.ExecutionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions = append(m.executions, log)
	return nil
}

// ListExecutions returns the most recent logs first, at most limit (0 = all).
func (m *Memory) ListExecutions(_ context.Context, limit int) ([]billing.ExecutionLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := len(m.executions)
	if limit > 0 && limit < n {
		n = limit
	}
	result := make([]billing.ExecutionLog, 0, n)
	for i := len(m.executions) - 1; i >= 0 && len(result) < n; i-- {
		result = append(result, m.executions[i])
	}
	return result, nil
}

// =============================================================================
// DIRECTORY - Customers, contracts and schedules
// =============================================================================

// PutItem registers or replaces a customer's contract and schedule.
func (m *Memory) PutItem(item billing.BillingItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[item.Customer.ID] = item
}

func (m *Memory) LoadItem(_ context.Context, customerID billing.CustomerID) (billing.BillingItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	item, ok := m.items[customerID]
	if !ok {
		return billing.BillingItem{}, fmt.Errorf("%w: customer %s", billing.ErrNotFound, customerID)
	}
	return item, nil
}

// LoadItems returns the requested items, or every item ordered by customer
// ID when ids is empty. Unknown IDs are an error.
func (m *Memory) LoadItems(ctx context.Context, ids []billing.CustomerID) ([]billing.BillingItem, error) {
	if len(ids) > 0 {
		result := make([]billing.BillingItem, 0, len(ids))
		for _, id := range ids {
			item, err := m.LoadItem(ctx, id)
			if err != nil {
				return nil, err
			}
			result = append(result, item)
		}
		return result, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]billing.BillingItem, 0, len(m.items))
	for _, item := range m.items {
		result = append(result, item)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Customer.ID < result[j].Customer.ID
	})
	return result, nil
}

func (m *Memory) RecordScheduleRun(_ context.Context, customerID billing.CustomerID, last, next billing.Date) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[customerID] = ScheduleRun{Last: last, Next: next}
	return nil
}

// ScheduleRun returns the bookkeeping recorded for a customer.
func (m *Memory) ScheduleRun(customerID billing.CustomerID) (ScheduleRun, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[customerID]
	return run, ok
}
