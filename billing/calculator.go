package billing

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// INVOICE TOTALS
// =============================================================================

// MoneyPlaces is the precision of every amount written to an invoice.
const MoneyPlaces = 2

// InvoiceTotals are decimal values. Subtotal is exact and unrounded;
// TaxAmount and Total always carry two decimal places, and Total equals
// Subtotal + TaxAmount to the cent. decimal's String drops trailing zeros
// ("1751.5"), so render amounts for display with FormatMoney.
type InvoiceTotals struct {
	LaborSubtotal decimal.Decimal
	ExtraFees     decimal.Decimal
	Subtotal      decimal.Decimal
	TaxRate       decimal.Decimal
	TaxAmount     decimal.Decimal
	Total         decimal.Decimal
}

// FormatMoney renders an amount with exactly two decimals.
func FormatMoney(d decimal.Decimal) string {
	return d.StringFixed(MoneyPlaces)
}

type totalsJSON struct {
	LaborSubtotal string `json:"labor_subtotal"`
	ExtraFees     string `json:"extra_fees"`
	Subtotal      string `json:"subtotal"`
	TaxRate       string `json:"tax_rate"`
	TaxAmount     string `json:"tax_amount"`
	Total         string `json:"total"`
}

// MarshalJSON serializes money with exactly two decimal digits.
func (t InvoiceTotals) MarshalJSON() ([]byte, error) {
	return json.Marshal(totalsJSON{
		LaborSubtotal: FormatMoney(t.LaborSubtotal),
		ExtraFees:     FormatMoney(t.ExtraFees),
		Subtotal:      FormatMoney(t.Subtotal),
		TaxRate:       t.TaxRate.String(),
		TaxAmount:     FormatMoney(t.TaxAmount),
		Total:         FormatMoney(t.Total),
	})
}

func (t *InvoiceTotals) UnmarshalJSON(b []byte) error {
	var raw totalsJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	fields := []struct {
		dst *decimal.Decimal
		src string
	}{
		{&t.LaborSubtotal, raw.LaborSubtotal},
		{&t.ExtraFees, raw.ExtraFees},
		{&t.Subtotal, raw.Subtotal},
		{&t.TaxRate, raw.TaxRate},
		{&t.TaxAmount, raw.TaxAmount},
		{&t.Total, raw.Total},
	}
	for _, f := range fields {
		if f.src == "" {
			*f.dst = decimal.Zero
			continue
		}
		d, err := decimal.NewFromString(f.src)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		*f.dst = d
	}
	return nil
}

// =============================================================================
// CALCULATOR
// =============================================================================

// Compute returns the invoice totals.
//
//	subtotal = hours * ratePerHour + extraFees
//	tax      = round_half_up(subtotal * taxRate, 2)
//	total    = subtotal + tax, at two decimal places
//
// decimal.Round rounds half away from zero; with non-negative inputs that is
// round-half-up.
func Compute(hours, ratePerHour, extraFees, taxRate decimal.Decimal) (InvoiceTotals, error) {
	if hours.IsNegative() {
		return InvoiceTotals{}, fmt.Errorf("%w: hours %s is negative", ErrInvalidInput, hours)
	}
	if ratePerHour.IsNegative() {
		return InvoiceTotals{}, fmt.Errorf("%w: rate per hour %s is negative", ErrInvalidInput, ratePerHour)
	}
	if extraFees.IsNegative() {
		return InvoiceTotals{}, fmt.Errorf("%w: extra fees %s is negative", ErrInvalidInput, extraFees)
	}
	if taxRate.IsNegative() || taxRate.GreaterThan(decimal.NewFromInt(1)) {
		return InvoiceTotals{}, fmt.Errorf("%w: tax rate %s outside [0, 1]", ErrInvalidInput, taxRate)
	}

	labor := hours.Mul(ratePerHour)
	subtotal := labor.Add(extraFees)
	tax := subtotal.Mul(taxRate).Round(MoneyPlaces)

	return InvoiceTotals{
		LaborSubtotal: labor,
		ExtraFees:     extraFees,
		Subtotal:      subtotal,
		TaxRate:       taxRate,
		TaxAmount:     tax,
		Total:         subtotal.Add(tax).Round(MoneyPlaces),
	}, nil
}

// ComputeTerms is Compute over resolved terms.
func ComputeTerms(t Terms) (InvoiceTotals, error) {
	return Compute(t.Hours, t.RatePerHour, t.ExtraFees, t.TaxRate)
}
