/*
Package factory provides JSON to Go billing contract conversion.

PURPOSE:
  Converts JSON customer definitions (customer + contract terms + schedule)
  into billing.BillingItem values. Contracts can then be configured from the
  admin UI or seed files without code changes, and stored as they are.

JSON SCHEMA:
  {
    "customer": {"id": "acme", "name": "Acme Corp", "email": "ap@acme.test"},
    "contract": {
      "invoice_prefix": "ACME",
      "frequency": "biweekly",
      "default_hours": "80",
      "rate_per_hour": "125.00",
      "tax_rate": "0.13",
      "extra_fees": "0",
      "payment_terms": "Net 15"
    },
    "schedule": {
      "billing_weekday": 4,
      "anchor_date": "2025-01-03",
      "is_enabled": true,
      "auto_send_email": false
    }
  }

  Amounts accept JSON strings or numbers and are parsed as exact decimals.
  The schedule reads only the fields of the contract's frequency:
    weekly    billing_weekday (0=Monday .. 6=Sunday)
    biweekly  billing_weekday, anchor_date
    monthly   billing_day (1..31, clamped to month end)

DEFAULTS:
  contract.id       "contract-<customer id>"
  invoice_prefix    "INV"
  tax_rate          0.13
  extra_fees_label  "Other Fees"
  payment_terms     "Monthly"
  active/is_enabled true

USAGE:
  f := factory.NewContractFactory()
  item, err := f.ParseContract(jsonString)

  store.SaveItem(ctx, item)

SEE ALSO:
  - billing/types.go: BillingContract, BillingItem
  - billing/schedule.go: NewScheduleRule
  - api/scenarios.go: Seed customers defined in this format
*/
package factory

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/billing"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// ContractJSON is the JSON representation of one billable customer.
type ContractJSON struct {
	Customer CustomerJSON  `json:"customer"`
	Contract TermsJSON     `json:"contract"`
	Schedule *ScheduleJSON `json:"schedule,omitempty"`
}

type CustomerJSON struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email,omitempty"`
	Active *bool  `json:"active,omitempty"`
}

// TermsJSON represents contract terms.
type TermsJSON struct {
	ID             string           `json:"id,omitempty"`
	InvoicePrefix  string           `json:"invoice_prefix,omitempty"`
	Frequency      string           `json:"frequency"`
	DefaultHours   decimal.Decimal  `json:"default_hours"`
	RatePerHour    decimal.Decimal  `json:"rate_per_hour"`
	TaxRate        *decimal.Decimal `json:"tax_rate,omitempty"`
	ExtraFees      *decimal.Decimal `json:"extra_fees,omitempty"`
	ExtraFeesLabel string           `json:"extra_fees_label,omitempty"`
	PaymentTerms   string           `json:"payment_terms,omitempty"`
	Active         *bool            `json:"active,omitempty"`
}

// ScheduleJSON represents a billing schedule.
type ScheduleJSON struct {
	BillingWeekday *int    `json:"billing_weekday,omitempty"`
	AnchorDate     *string `json:"anchor_date,omitempty"`
	BillingDay     *int    `json:"billing_day,omitempty"`
	IsEnabled      *bool   `json:"is_enabled,omitempty"`
	AutoSendEmail  bool    `json:"auto_send_email,omitempty"`
}

// =============================================================================
// CONTRACT FACTORY
// =============================================================================

// ContractFactory converts JSON contracts to billing items.
type ContractFactory struct {
	// DefaultTaxRate applies when a contract omits tax_rate.
	DefaultTaxRate decimal.Decimal
}

func NewContractFactory() *ContractFactory {
	return &ContractFactory{DefaultTaxRate: billing.DefaultTaxRate}
}

// ParseContract parses a JSON string into a BillingItem.
func (f *ContractFactory) ParseContract(jsonStr string) (billing.BillingItem, error) {
	var cj ContractJSON
	if err := json.Unmarshal([]byte(jsonStr), &cj); err != nil {
		return billing.BillingItem{}, fmt.Errorf("%w: failed to parse contract JSON: %v", billing.ErrInvalidInput, err)
	}
	return f.FromJSON(cj)
}

// FromJSON validates cj and converts it to a BillingItem.
func (f *ContractFactory) FromJSON(cj ContractJSON) (billing.BillingItem, error) {
	if strings.TrimSpace(cj.Customer.ID) == "" {
		return billing.BillingItem{}, fmt.Errorf("%w: customer.id is required", billing.ErrInvalidInput)
	}
	if strings.TrimSpace(cj.Customer.Name) == "" {
		return billing.BillingItem{}, fmt.Errorf("%w: customer.name is required", billing.ErrInvalidInput)
	}

	customerID := billing.CustomerID(cj.Customer.ID)
	customer := billing.Customer{
		ID:     customerID,
		Name:   cj.Customer.Name,
		Email:  cj.Customer.Email,
		Active: boolOr(cj.Customer.Active, true),
	}

	contract, err := f.parseTerms(customerID, cj.Contract)
	if err != nil {
		return billing.BillingItem{}, err
	}

	item := billing.BillingItem{Customer: customer, Contract: contract}
	if cj.Schedule != nil {
		rule, err := parseSchedule(contract.Frequency, *cj.Schedule)
		if err != nil {
			return billing.BillingItem{}, err
		}
		item.Schedule = &rule
	}
	return item, nil
}

func (f *ContractFactory) parseTerms(customerID billing.CustomerID, tj TermsJSON) (billing.BillingContract, error) {
	freq := billing.Frequency(strings.ToLower(tj.Frequency))
	if !freq.Valid() {
		return billing.BillingContract{}, fmt.Errorf("%w: unknown frequency %q", billing.ErrInvalidInput, tj.Frequency)
	}

	c := billing.BillingContract{
		ID:             billing.ContractID(tj.ID),
		CustomerID:     customerID,
		InvoicePrefix:  strings.ToUpper(strings.TrimSpace(tj.InvoicePrefix)),
		Frequency:      freq,
		DefaultHours:   tj.DefaultHours,
		RatePerHour:    tj.RatePerHour,
		TaxRate:        f.DefaultTaxRate,
		ExtraFees:      decimal.Zero,
		ExtraFeesLabel: tj.ExtraFeesLabel,
		PaymentTerms:   tj.PaymentTerms,
		Active:         boolOr(tj.Active, true),
	}
	if c.ID == "" {
		c.ID = billing.ContractID("contract-" + string(customerID))
	}
	if c.InvoicePrefix == "" {
		c.InvoicePrefix = billing.DefaultInvoicePrefix
	}
	if tj.TaxRate != nil {
		c.TaxRate = *tj.TaxRate
	}
	if tj.ExtraFees != nil {
		c.ExtraFees = *tj.ExtraFees
	}
	if c.ExtraFeesLabel == "" {
		c.ExtraFeesLabel = billing.DefaultExtraFeesLabel
	}
	if c.PaymentTerms == "" {
		c.PaymentTerms = billing.DefaultPaymentTerms
	}

	// Reject terms the calculator would reject, at configuration time.
	if _, err := billing.Compute(c.DefaultHours, c.RatePerHour, c.ExtraFees, c.TaxRate); err != nil {
		return billing.BillingContract{}, err
	}
	return c, nil
}

func parseSchedule(freq billing.Frequency, sj ScheduleJSON) (billing.ScheduleRule, error) {
	fields := billing.RuleFields{Weekday: sj.BillingWeekday, Day: sj.BillingDay}
	if sj.AnchorDate != nil {
		anchor, err := billing.ParseDate(*sj.AnchorDate)
		if err != nil {
			return billing.ScheduleRule{}, err
		}
		fields.Anchor = &anchor
	}

	rule, err := billing.NewScheduleRule(freq, fields)
	if err != nil {
		return billing.ScheduleRule{}, err
	}
	rule.Enabled = boolOr(sj.IsEnabled, true)
	rule.AutoSendEmail = sj.AutoSendEmail
	return rule, nil
}

// ToJSON converts a BillingItem back to ContractJSON.
func (f *ContractFactory) ToJSON(item billing.BillingItem) ContractJSON {
	c := item.Contract
	taxRate, fees := c.TaxRate, c.ExtraFees
	customerActive, contractActive := item.Customer.Active, c.Active

	cj := ContractJSON{
		Customer: CustomerJSON{
			ID:     string(item.Customer.ID),
			Name:   item.Customer.Name,
			Email:  item.Customer.Email,
			Active: &customerActive,
		},
		Contract: TermsJSON{
			ID:             string(c.ID),
			InvoicePrefix:  c.InvoicePrefix,
			Frequency:      string(c.Frequency),
			DefaultHours:   c.DefaultHours,
			RatePerHour:    c.RatePerHour,
			TaxRate:        &taxRate,
			ExtraFees:      &fees,
			ExtraFeesLabel: c.ExtraFeesLabel,
			PaymentTerms:   c.PaymentTerms,
			Active:         &contractActive,
		},
	}

	if item.Schedule != nil {
		fields := item.Schedule.Fields()
		enabled := item.Schedule.Enabled
		sj := &ScheduleJSON{
			BillingWeekday: fields.Weekday,
			BillingDay:     fields.Day,
			IsEnabled:      &enabled,
			AutoSendEmail:  item.Schedule.AutoSendEmail,
		}
		if fields.Anchor != nil {
			s := fields.Anchor.String()
			sj.AnchorDate = &s
		}
		cj.Schedule = sj
	}
	return cj
}

// MarshalContract renders a BillingItem in the JSON schema above.
func (f *ContractFactory) MarshalContract(item billing.BillingItem) (string, error) {
	b, err := json.MarshalIndent(f.ToJSON(item), "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
