/*
Package sqlite provides a SQLite-backed implementation of the billing stores.

PURPOSE:
  Implements billing.InvoiceRepository (lookup + atomic reservation) and the
  collaborator stores the mode adapters consume: customer directory,
  invoice persistence with number allocation, and the execution log.

INTERFACES IMPLEMENTED:
  billing.InvoiceRepository: FindByPeriod, ReservePeriod, ReleasePeriod
  modes.Directory:           LoadItem, LoadItems, RecordScheduleRun
  modes.InvoiceStore:        SaveInvoice, SaveExecution

KEY TABLES:
  customers:       Who is billed
  contracts:       One active contract per customer (terms, frequency)
  schedules:       Rule fields per customer plus last/next run bookkeeping
  invoices:        Reservations and generated invoices
  execution_logs:  One row per run

RESERVATIONS:
  A reservation is an invoices row with status 'reserved'. The partial
  unique index idx_invoices_unique_period makes ReservePeriod atomic:

    UNIQUE (customer_id, period_start, period_end)
    WHERE status != 'cancelled' AND duplicate_override = 0

  SaveInvoice turns the reservation into the invoice. Cancelling an invoice
  takes it out of the index, freeing the period.

ERROR MAPPING:
  sqlite3.ErrBusy / ErrLocked   -> billing.ErrRepositoryUnavailable (retried)
  unique violation on reserve   -> billing.ErrPeriodReserved

CONCURRENCY:
  Uses sync.RWMutex for thread-safety, like the WAL single-writer model.
  ":memory:" databases are pinned to one connection so every caller sees
  the same schema.

USAGE:
  store, err := sqlite.New("./data/billing.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  guard := billing.NewDuplicateGuard(store, logger)

SEE ALSO:
  - billing/repository.go: Reservation contract
  - billing/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/billing"
)

// Store implements all billing storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex

	now func() time.Time
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, now: time.Now}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS contracts (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL UNIQUE REFERENCES customers(id) ON DELETE CASCADE,
		invoice_prefix TEXT NOT NULL,
		frequency TEXT NOT NULL,
		default_hours TEXT NOT NULL,
		rate_per_hour TEXT NOT NULL,
		tax_rate TEXT NOT NULL,
		extra_fees TEXT NOT NULL DEFAULT '0',
		extra_fees_label TEXT NOT NULL DEFAULT '',
		payment_terms TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS schedules (
		customer_id TEXT PRIMARY KEY REFERENCES customers(id) ON DELETE CASCADE,
		frequency TEXT NOT NULL,
		billing_weekday INTEGER,
		anchor_date TEXT,
		billing_day INTEGER,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		auto_send_email BOOLEAN NOT NULL DEFAULT FALSE,
		last_run_date TEXT,
		next_run_date TEXT,
		updated_at TEXT NOT NULL
	);

	-- Reservations and invoices share one table so the unique index
	-- sees both.
	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		invoice_number TEXT UNIQUE,
		customer_id TEXT NOT NULL,
		contract_id TEXT NOT NULL DEFAULT '',
		invoice_date TEXT NOT NULL DEFAULT '',
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		hours TEXT NOT NULL DEFAULT '0',
		rate_per_hour TEXT NOT NULL DEFAULT '0',
		tax_rate TEXT NOT NULL DEFAULT '0',
		extra_fees TEXT NOT NULL DEFAULT '0',
		extra_fees_label TEXT NOT NULL DEFAULT '',
		payment_terms TEXT NOT NULL DEFAULT '',
		labor_subtotal TEXT NOT NULL DEFAULT '0',
		subtotal TEXT NOT NULL DEFAULT '0',
		tax_amount TEXT NOT NULL DEFAULT '0',
		total TEXT NOT NULL DEFAULT '0',
		mode TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		duplicate_override BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- CRITICAL: one live invoice (or reservation) per customer per period
	CREATE UNIQUE INDEX IF NOT EXISTS idx_invoices_unique_period
		ON invoices(customer_id, period_start, period_end)
		WHERE status != 'cancelled' AND duplicate_override = 0;

	CREATE INDEX IF NOT EXISTS idx_invoices_customer_date
		ON invoices(customer_id, invoice_date);

	CREATE TABLE IF NOT EXISTS execution_logs (
		id TEXT PRIMARY KEY,
		run_date TEXT NOT NULL,
		mode TEXT NOT NULL,
		triggered_by TEXT NOT NULL DEFAULT '',
		customers_loaded INTEGER NOT NULL DEFAULT 0,
		schedule_matches INTEGER NOT NULL DEFAULT 0,
		invoices_generated INTEGER NOT NULL DEFAULT 0,
		blocked INTEGER NOT NULL DEFAULT 0,
		emails_sent INTEGER NOT NULL DEFAULT 0,
		failures INTEGER NOT NULL DEFAULT 0,
		error_trace TEXT NOT NULL DEFAULT '',
		cancelled BOOLEAN NOT NULL DEFAULT FALSE,
		started_at TEXT NOT NULL,
		completed_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_execution_logs_started
		ON execution_logs(started_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// INVOICE REPOSITORY (billing.InvoiceRepository interface)
// =============================================================================

// FindByPeriod returns the oldest non-cancelled invoice or reservation for
// the exact period. Duplicate-override invoices count too, so a later
// scheduled run is still blocked after the original is cancelled.
func (s *Store) FindByPeriod(ctx context.Context, customerID billing.CustomerID, period billing.Period) (*billing.InvoiceRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		ref    billing.InvoiceRef
		number sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, invoice_number, status
		FROM invoices
		WHERE customer_id = ? AND period_start = ? AND period_end = ?
		  AND status != 'cancelled'
		ORDER BY duplicate_override ASC, created_at ASC
		LIMIT 1`,
		customerID, period.Start.String(), period.End.String(),
	).Scan(&ref.ID, &number, &ref.Status)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "find invoice by period")
	}

	ref.Number = number.String
	ref.CustomerID = customerID
	ref.Period = period
	return &ref, nil
}

// ReservePeriod inserts a 'reserved' row; the partial unique index rejects
// a second live row for the same period.
func (s *Store) ReservePeriod(ctx context.Context, customerID billing.CustomerID, period billing.Period) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.timestamp()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invoices (id, customer_id, period_start, period_end, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		"rsv-"+uuid.NewString(), customerID, period.Start.String(), period.End.String(),
		billing.InvoiceReserved, now, now,
	)
	if isUniqueConstraintError(err) {
		return billing.ErrPeriodReserved
	}
	return classify(err, "reserve period")
}

// ReleasePeriod deletes a reservation. Saved invoices are untouched.
func (s *Store) ReleasePeriod(ctx context.Context, customerID billing.CustomerID, period billing.Period) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		DELETE FROM invoices
		WHERE customer_id = ? AND period_start = ? AND period_end = ? AND status = ?`,
		customerID, period.Start.String(), period.End.String(), billing.InvoiceReserved,
	)
	return classify(err, "release period")
}

// =============================================================================
// INVOICE STORE
// =============================================================================

// SaveInvoice allocates the invoice number and persists the invoice,
// replacing its reservation when one is held. The sequence counts every
// number already issued under the same stem (prefix and invoice date),
// across customers and including cancelled invoices, so numbers stay
// unique when customers share a prefix.
func (s *Store) SaveInvoice(ctx context.Context, inv *billing.GeneratedInvoice) error {
	if inv == nil {
		return fmt.Errorf("%w: nil invoice", billing.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err, "begin transaction")
	}
	defer tx.Rollback()

	stem := billing.NumberStem(inv.NumberPattern)
	var issued int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM invoices
		WHERE invoice_number IS NOT NULL
		  AND substr(invoice_number, 1, length(?)) = ?`,
		stem, stem,
	).Scan(&issued)
	if err != nil {
		return classify(err, "count invoice numbers")
	}

	number := billing.FormatInvoiceNumber(inv.NumberPattern, issued+1)
	status := inv.Status
	if status == "" || status == billing.InvoiceReserved {
		status = billing.InvoiceGenerated
	}
	now := s.timestamp()
	args := []any{
		inv.ID, number, inv.ContractID, inv.InvoiceDate.String(),
		inv.Terms.Hours.String(), inv.Terms.RatePerHour.String(), inv.Terms.TaxRate.String(),
		inv.Terms.ExtraFees.String(), inv.Terms.ExtraFeesLabel, inv.Terms.PaymentTerms,
		inv.Totals.LaborSubtotal.String(), inv.Totals.Subtotal.String(),
		inv.Totals.TaxAmount.String(), inv.Totals.Total.String(),
		inv.Mode, status, inv.DuplicateOverride, now,
	}

	var filled int64
	if !inv.DuplicateOverride {
		res, err := tx.ExecContext(ctx, `
			UPDATE invoices SET
				id = ?, invoice_number = ?, contract_id = ?, invoice_date = ?,
				hours = ?, rate_per_hour = ?, tax_rate = ?,
				extra_fees = ?, extra_fees_label = ?, payment_terms = ?,
				labor_subtotal = ?, subtotal = ?, tax_amount = ?, total = ?,
				mode = ?, status = ?, duplicate_override = ?, updated_at = ?
			WHERE customer_id = ? AND period_start = ? AND period_end = ? AND status = ?`,
			append(args, inv.CustomerID, inv.Period.Start.String(), inv.Period.End.String(), billing.InvoiceReserved)...,
		)
		if err != nil {
			return classify(err, "fill reservation")
		}
		filled, _ = res.RowsAffected()
	}

	if filled == 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO invoices
			(id, invoice_number, contract_id, invoice_date,
			 hours, rate_per_hour, tax_rate, extra_fees, extra_fees_label, payment_terms,
			 labor_subtotal, subtotal, tax_amount, total,
			 mode, status, duplicate_override, updated_at,
			 customer_id, period_start, period_end, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			append(args, inv.CustomerID, inv.Period.Start.String(), inv.Period.End.String(), now)...,
		)
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: customer %s %s", billing.ErrDuplicatePeriod, inv.CustomerID, inv.Period)
		}
		if err != nil {
			return classify(err, "insert invoice")
		}
	}

	if err := tx.Commit(); err != nil {
		return classify(err, "commit invoice")
	}
	inv.Number = number
	inv.Status = status
	return nil
}

// MarkSent records a delivered invoice.
func (s *Store) MarkSent(ctx context.Context, id billing.InvoiceID) error {
	return s.setStatus(ctx, id, billing.InvoiceSent)
}

// CancelInvoice frees the invoice's period for a new invoice.
func (s *Store) CancelInvoice(ctx context.Context, id billing.InvoiceID) error {
	return s.setStatus(ctx, id, billing.InvoiceCancelled)
}

func (s *Store) setStatus(ctx context.Context, id billing.InvoiceID, status billing.InvoiceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE invoices SET status = ?, updated_at = ? WHERE id = ? AND status != ?",
		status, s.timestamp(), id, billing.InvoiceReserved,
	)
	if err != nil {
		return classify(err, "update invoice status")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: invoice %s", billing.ErrNotFound, id)
	}
	return nil
}

const invoiceColumns = `
	i.id, i.invoice_number, i.customer_id, c.name, c.email, i.contract_id, i.invoice_date,
	i.period_start, i.period_end, i.hours, i.rate_per_hour, i.tax_rate, i.extra_fees,
	i.extra_fees_label, i.payment_terms, i.labor_subtotal, i.subtotal, i.tax_amount,
	i.total, i.mode, i.status, i.duplicate_override`

// GetInvoice retrieves an invoice by ID.
func (s *Store) GetInvoice(ctx context.Context, id billing.InvoiceID) (billing.GeneratedInvoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	invoices, err := s.queryInvoices(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices i LEFT JOIN customers c ON c.id = i.customer_id
		WHERE i.id = ? AND i.status != ?`, id, billing.InvoiceReserved)
	if err != nil {
		return billing.GeneratedInvoice{}, err
	}
	if len(invoices) == 0 {
		return billing.GeneratedInvoice{}, fmt.Errorf("%w: invoice %s", billing.ErrNotFound, id)
	}
	return invoices[0], nil
}

// ListInvoices returns invoices newest first. An empty customerID lists all.
func (s *Store) ListInvoices(ctx context.Context, customerID billing.CustomerID) ([]billing.GeneratedInvoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryInvoices(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices i LEFT JOIN customers c ON c.id = i.customer_id
		WHERE i.status != ? AND (? = '' OR i.customer_id = ?)
		ORDER BY i.invoice_date DESC, i.invoice_number DESC`,
		billing.InvoiceReserved, customerID, customerID)
}

func (s *Store) queryInvoices(ctx context.Context, query string, args ...any) ([]billing.GeneratedInvoice, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err, "query invoices")
	}
	defer rows.Close()

	var invoices []billing.GeneratedInvoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

func scanInvoice(rows *sql.Rows) (billing.GeneratedInvoice, error) {
	var (
		inv                                     billing.GeneratedInvoice
		number, name, email                     sql.NullString
		invoiceDate, start, end                 string
		hours, rate, taxRate, fees              string
		labor, subtotal, taxAmount, total, mode string
	)
	err := rows.Scan(
		&inv.ID, &number, &inv.CustomerID, &name, &email, &inv.ContractID, &invoiceDate,
		&start, &end, &hours, &rate, &taxRate, &fees,
		&inv.Terms.ExtraFeesLabel, &inv.Terms.PaymentTerms, &labor, &subtotal, &taxAmount,
		&total, &mode, &inv.Status, &inv.DuplicateOverride,
	)
	if err != nil {
		return inv, fmt.Errorf("failed to scan invoice: %w", err)
	}

	inv.Number = number.String
	inv.CustomerName = name.String
	inv.CustomerEmail = email.String
	inv.Mode = billing.Mode(mode)

	var p parser
	inv.InvoiceDate = p.date(invoiceDate)
	inv.Period = billing.Period{Start: p.date(start), End: p.date(end)}
	inv.Terms.Hours = p.decimal(hours)
	inv.Terms.RatePerHour = p.decimal(rate)
	inv.Terms.TaxRate = p.decimal(taxRate)
	inv.Terms.ExtraFees = p.decimal(fees)
	inv.Totals = billing.InvoiceTotals{
		LaborSubtotal: p.decimal(labor),
		ExtraFees:     inv.Terms.ExtraFees,
		Subtotal:      p.decimal(subtotal),
		TaxRate:       inv.Terms.TaxRate,
		TaxAmount:     p.decimal(taxAmount),
		Total:         p.decimal(total),
	}
	if p.err != nil {
		return inv, fmt.Errorf("invoice %s: %w", inv.ID, p.err)
	}
	return inv, nil
}

// =============================================================================
// EXECUTION LOG
// =============================================================================

func (s *Store) SaveExecution(ctx context.Context, log billing.ExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_logs
		(id, run_date, mode, triggered_by, customers_loaded, schedule_matches,
		 invoices_generated, blocked, emails_sent, failures, error_trace, cancelled,
		 started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		log.ID, log.RunDate.String(), log.Mode, log.TriggeredBy, log.CustomersLoaded,
		log.ScheduleMatches, log.InvoicesCreated, log.Blocked, log.EmailsSent, log.Failures,
		log.ErrorTrace, log.Cancelled,
		log.StartedAt.UTC().Format(timestampLayout), log.CompletedAt.UTC().Format(timestampLayout),
	)
	return classify(err, "save execution log")
}

// ListExecutions returns the most recent logs first, at most limit (0 = all).
func (s *Store) ListExecutions(ctx context.Context, limit int) ([]billing.ExecutionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_date, mode, triggered_by, customers_loaded, schedule_matches,
		       invoices_generated, blocked, emails_sent, failures, error_trace, cancelled,
		       started_at, completed_at
		FROM execution_logs
		ORDER BY started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, classify(err, "query execution logs")
	}
	defer rows.Close()

	var logs []billing.ExecutionLog
	for rows.Next() {
		var (
			l                           billing.ExecutionLog
			runDate, started, completed string
		)
		if err := rows.Scan(&l.ID, &runDate, &l.Mode, &l.TriggeredBy, &l.CustomersLoaded,
			&l.ScheduleMatches, &l.InvoicesCreated, &l.Blocked, &l.EmailsSent, &l.Failures,
			&l.ErrorTrace, &l.Cancelled, &started, &completed); err != nil {
			return nil, fmt.Errorf("failed to scan execution log: %w", err)
		}
		var p parser
		l.RunDate = p.date(runDate)
		l.StartedAt, _ = time.Parse(timestampLayout, started)
		l.CompletedAt, _ = time.Parse(timestampLayout, completed)
		if p.err != nil {
			return nil, p.err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"invoices", "execution_logs", "schedules", "contracts", "customers"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// timestampLayout is fixed width so stored timestamps sort as text.
const timestampLayout = "2006-01-02T15:04:05.000000000Z"

func (s *Store) timestamp() string {
	return s.now().UTC().Format(timestampLayout)
}

// parser accumulates the first conversion error while scanning a row.
type parser struct{ err error }

func (p *parser) date(v string) billing.Date {
	if v == "" || p.err != nil {
		return billing.Date{}
	}
	d, err := billing.ParseDate(v)
	if err != nil {
		p.err = err
	}
	return d
}

func (p *parser) decimal(v string) decimal.Decimal {
	if v == "" || p.err != nil {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		p.err = fmt.Errorf("%w: stored decimal %q: %v", billing.ErrInvalidInput, v, err)
	}
	return d
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullDate(d billing.Date) sql.NullString {
	if d.IsZero() {
		return sql.NullString{}
	}
	return nullString(d.String())
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint &&
		(se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}

// classify wraps driver errors. Busy and locked databases are transient.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %s: %v", billing.ErrRepositoryUnavailable, op, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
