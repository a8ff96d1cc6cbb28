package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/warp/billing-engine/billing"
)

// =============================================================================
// DIRECTORY - Customers, contracts and schedules
// =============================================================================

// SaveCustomer inserts or updates a customer.
func (s *Store) SaveCustomer(ctx context.Context, c billing.Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, name, email, active, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			active = excluded.active`,
		c.ID, c.Name, c.Email, c.Active, s.timestamp(),
	)
	return classify(err, "save customer")
}

// SaveContract inserts or replaces the customer's contract.
func (s *Store) SaveContract(ctx context.Context, c billing.BillingContract) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.timestamp()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contracts
		(id, customer_id, invoice_prefix, frequency, default_hours, rate_per_hour, tax_rate,
		 extra_fees, extra_fees_label, payment_terms, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(customer_id) DO UPDATE SET
			id = excluded.id,
			invoice_prefix = excluded.invoice_prefix,
			frequency = excluded.frequency,
			default_hours = excluded.default_hours,
			rate_per_hour = excluded.rate_per_hour,
			tax_rate = excluded.tax_rate,
			extra_fees = excluded.extra_fees,
			extra_fees_label = excluded.extra_fees_label,
			payment_terms = excluded.payment_terms,
			active = excluded.active,
			updated_at = excluded.updated_at`,
		c.ID, c.CustomerID, c.InvoicePrefix, c.Frequency,
		c.DefaultHours.String(), c.RatePerHour.String(), c.TaxRate.String(),
		c.ExtraFees.String(), c.ExtraFeesLabel, c.PaymentTerms, c.Active, now, now,
	)
	return classify(err, "save contract")
}

// SaveSchedule stores the rule's fields. Last/next run dates are kept.
func (s *Store) SaveSchedule(ctx context.Context, customerID billing.CustomerID, rule billing.ScheduleRule) error {
	if rule.Cadence == nil {
		return fmt.Errorf("%w: schedule has no cadence", billing.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f := rule.Fields()
	var anchor sql.NullString
	if f.Anchor != nil {
		anchor = nullDate(*f.Anchor)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules
		(customer_id, frequency, billing_weekday, anchor_date, billing_day, enabled, auto_send_email, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(customer_id) DO UPDATE SET
			frequency = excluded.frequency,
			billing_weekday = excluded.billing_weekday,
			anchor_date = excluded.anchor_date,
			billing_day = excluded.billing_day,
			enabled = excluded.enabled,
			auto_send_email = excluded.auto_send_email,
			updated_at = excluded.updated_at`,
		customerID, rule.Frequency(), nullInt(f.Weekday), anchor, nullInt(f.Day),
		rule.Enabled, rule.AutoSendEmail, s.timestamp(),
	)
	return classify(err, "save schedule")
}

// SaveItem writes customer, contract and (optional) schedule in one call.
func (s *Store) SaveItem(ctx context.Context, item billing.BillingItem) error {
	if err := s.SaveCustomer(ctx, item.Customer); err != nil {
		return err
	}
	if item.Contract.CustomerID == "" {
		item.Contract.CustomerID = item.Customer.ID
	}
	if err := s.SaveContract(ctx, item.Contract); err != nil {
		return err
	}
	if item.Schedule != nil {
		return s.SaveSchedule(ctx, item.Customer.ID, *item.Schedule)
	}
	return nil
}

// DeleteCustomer removes a customer with its contract and schedule.
// Invoices are kept.
func (s *Store) DeleteCustomer(ctx context.Context, id billing.CustomerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM customers WHERE id = ?", id)
	if err != nil {
		return classify(err, "delete customer")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: customer %s", billing.ErrNotFound, id)
	}
	return nil
}

const itemQuery = `
	SELECT c.id, c.name, c.email, c.active,
	       k.id, k.invoice_prefix, k.frequency, k.default_hours, k.rate_per_hour, k.tax_rate,
	       k.extra_fees, k.extra_fees_label, k.payment_terms, k.active,
	       s.frequency, s.billing_weekday, s.anchor_date, s.billing_day,
	       s.enabled, s.auto_send_email
	FROM customers c
	JOIN contracts k ON k.customer_id = c.id
	LEFT JOIN schedules s ON s.customer_id = c.id`

// LoadItem returns the customer's billing item.
func (s *Store) LoadItem(ctx context.Context, customerID billing.CustomerID) (billing.BillingItem, error) {
	items, err := s.LoadItems(ctx, []billing.CustomerID{customerID})
	if err != nil {
		return billing.BillingItem{}, err
	}
	return items[0], nil
}

// LoadItems returns the requested items in request order, or every item
// ordered by customer ID when ids is empty. Unknown IDs are ErrNotFound.
func (s *Store) LoadItems(ctx context.Context, ids []billing.CustomerID) ([]billing.BillingItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := itemQuery + " ORDER BY c.id"
	var args []any
	if len(ids) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
		query = itemQuery + " WHERE c.id IN (" + placeholders + ") ORDER BY c.id"
		for _, id := range ids {
			args = append(args, id)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err, "query billing items")
	}
	defer rows.Close()

	byID := make(map[billing.CustomerID]billing.BillingItem)
	var all []billing.BillingItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		byID[item.Customer.ID] = item
		all = append(all, item)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "query billing items")
	}

	if len(ids) == 0 {
		return all, nil
	}
	result := make([]billing.BillingItem, 0, len(ids))
	for _, id := range ids {
		item, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: customer %s", billing.ErrNotFound, id)
		}
		result = append(result, item)
	}
	return result, nil
}

func scanItem(rows *sql.Rows) (billing.BillingItem, error) {
	var (
		item                       billing.BillingItem
		hours, rate, taxRate, fees string
		schedFreq, anchor          sql.NullString
		weekday, billingDay        sql.NullInt64
		enabled, autoSend          sql.NullBool
	)
	err := rows.Scan(
		&item.Customer.ID, &item.Customer.Name, &item.Customer.Email, &item.Customer.Active,
		&item.Contract.ID, &item.Contract.InvoicePrefix, &item.Contract.Frequency,
		&hours, &rate, &taxRate, &fees,
		&item.Contract.ExtraFeesLabel, &item.Contract.PaymentTerms, &item.Contract.Active,
		&schedFreq, &weekday, &anchor, &billingDay, &enabled, &autoSend,
	)
	if err != nil {
		return item, fmt.Errorf("failed to scan billing item: %w", err)
	}
	item.Contract.CustomerID = item.Customer.ID

	var p parser
	item.Contract.DefaultHours = p.decimal(hours)
	item.Contract.RatePerHour = p.decimal(rate)
	item.Contract.TaxRate = p.decimal(taxRate)
	item.Contract.ExtraFees = p.decimal(fees)
	if p.err != nil {
		return item, fmt.Errorf("contract %s: %w", item.Contract.ID, p.err)
	}

	if schedFreq.Valid {
		var f billing.RuleFields
		if weekday.Valid {
			wd := int(weekday.Int64)
			f.Weekday = &wd
		}
		if billingDay.Valid {
			d := int(billingDay.Int64)
			f.Day = &d
		}
		if anchor.Valid {
			a := p.date(anchor.String)
			f.Anchor = &a
		}
		// A stored rule that no longer constructs leaves Schedule nil, which
		// the orchestrator reports as misconfigured.
		if rule, err := billing.NewScheduleRule(billing.Frequency(schedFreq.String), f); err == nil && p.err == nil {
			rule.Enabled = enabled.Bool
			rule.AutoSendEmail = autoSend.Bool
			item.Schedule = &rule
		}
	}
	return item, nil
}

// ScheduleRun is the last/next run bookkeeping for one customer.
type ScheduleRun struct {
	Last billing.Date
	Next billing.Date
}

// RecordScheduleRun stores the last successful scheduled run date and the
// next date the rule will match.
func (s *Store) RecordScheduleRun(ctx context.Context, customerID billing.CustomerID, last, next billing.Date) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"UPDATE schedules SET last_run_date = ?, next_run_date = ?, updated_at = ? WHERE customer_id = ?",
		nullDate(last), nullDate(next), s.timestamp(), customerID,
	)
	return classify(err, "record schedule run")
}

// GetScheduleRun returns the bookkeeping for a customer; zero dates mean
// the schedule has never run.
func (s *Store) GetScheduleRun(ctx context.Context, customerID billing.CustomerID) (ScheduleRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var last, next sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT last_run_date, next_run_date FROM schedules WHERE customer_id = ?", customerID,
	).Scan(&last, &next)
	if err == sql.ErrNoRows {
		return ScheduleRun{}, fmt.Errorf("%w: schedule for customer %s", billing.ErrNotFound, customerID)
	}
	if err != nil {
		return ScheduleRun{}, classify(err, "get schedule run")
	}

	var p parser
	run := ScheduleRun{Last: p.date(last.String), Next: p.date(next.String)}
	return run, p.err
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
