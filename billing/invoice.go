package billing

import (
	"fmt"
	"strings"
)

type InvoiceStatus string

const (
	InvoiceReserved  InvoiceStatus = "reserved"
	InvoiceGenerated InvoiceStatus = "generated"
	InvoiceSent      InvoiceStatus = "sent"
	InvoicePaid      InvoiceStatus = "paid"
	InvoiceOverdue   InvoiceStatus = "overdue"
	InvoiceCancelled InvoiceStatus = "cancelled"
)

// InvoiceRef identifies an invoice already covering a period.
type InvoiceRef struct {
	ID         InvoiceID     `json:"id"`
	Number     string        `json:"invoice_number,omitempty"`
	CustomerID CustomerID    `json:"customer_id"`
	Period     Period        `json:"period"`
	Status     InvoiceStatus `json:"status"`
}

// GeneratedInvoice is the output unit of a successful item. Number is empty
// until a repository allocates it from NumberPattern.
type GeneratedInvoice struct {
	ID                InvoiceID     `json:"id"`
	CustomerID        CustomerID    `json:"customer_id"`
	CustomerName      string        `json:"customer_name"`
	CustomerEmail     string        `json:"customer_email,omitempty"`
	ContractID        ContractID    `json:"contract_id"`
	InvoiceDate       Date          `json:"invoice_date"`
	Period            Period        `json:"period"`
	Terms             Terms         `json:"terms"`
	Totals            InvoiceTotals `json:"totals"`
	Mode              Mode          `json:"generation_mode"`
	NumberPattern     string        `json:"number_pattern"`
	Number            string        `json:"invoice_number,omitempty"`
	Status            InvoiceStatus `json:"status"`
	DuplicateOverride bool          `json:"duplicate_override"`
}

// Ref returns the lookup reference for this invoice.
func (inv *GeneratedInvoice) Ref() InvoiceRef {
	return InvoiceRef{
		ID:         inv.ID,
		Number:     inv.Number,
		CustomerID: inv.CustomerID,
		Period:     inv.Period,
		Status:     inv.Status,
	}
}

// =============================================================================
// INVOICE NUMBERS
// =============================================================================

// SequencePlaceholder is replaced by the repository's zero-padded sequence.
const SequencePlaceholder = "{seq}"

// NumberPattern returns PREFIX-YYYYMMDD-{seq}.
func NumberPattern(prefix string, invoiceDate Date) string {
	if prefix == "" {
		prefix = DefaultInvoicePrefix
	}
	return fmt.Sprintf("%s-%s-%s", prefix, invoiceDate.Time().Format("20060102"), SequencePlaceholder)
}

// FormatInvoiceNumber fills the pattern with a three-digit sequence.
func FormatInvoiceNumber(pattern string, sequence int) string {
	return strings.Replace(pattern, SequencePlaceholder, fmt.Sprintf("%03d", sequence), 1)
}

// NumberStem returns the pattern without the sequence placeholder; stores use
// it as the prefix when counting existing numbers.
func NumberStem(pattern string) string {
	return strings.TrimSuffix(pattern, SequencePlaceholder)
}
