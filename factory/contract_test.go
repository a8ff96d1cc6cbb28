package factory

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/billing"
)

const acmeJSON = `{
	"customer": {"id": "acme", "name": "Acme Corp", "email": "ap@acme.test"},
	"contract": {
		"invoice_prefix": "acme",
		"frequency": "biweekly",
		"default_hours": "80",
		"rate_per_hour": 125,
		"payment_terms": "Net 15"
	},
	"schedule": {
		"billing_weekday": 4,
		"anchor_date": "2025-01-03",
		"auto_send_email": true
	}
}`

func TestParseContract_Defaults(t *testing.T) {
	// GIVEN: A contract omitting tax rate, fees and IDs
	f := NewContractFactory()

	// WHEN: Parsing
	item, err := f.ParseContract(acmeJSON)
	require.NoError(t, err)

	// THEN: Defaults are applied and the prefix is normalized
	assert.Equal(t, billing.CustomerID("acme"), item.Customer.ID)
	assert.True(t, item.Customer.Active)
	assert.Equal(t, billing.ContractID("contract-acme"), item.Contract.ID)
	assert.Equal(t, billing.CustomerID("acme"), item.Contract.CustomerID)
	assert.Equal(t, "ACME", item.Contract.InvoicePrefix)
	assert.Equal(t, billing.FrequencyBiweekly, item.Contract.Frequency)
	assert.True(t, decimal.RequireFromString("0.13").Equal(item.Contract.TaxRate))
	assert.True(t, item.Contract.ExtraFees.IsZero())
	assert.Equal(t, "Other Fees", item.Contract.ExtraFeesLabel)
	assert.Equal(t, "Net 15", item.Contract.PaymentTerms)
	assert.True(t, decimal.NewFromInt(125).Equal(item.Contract.RatePerHour))

	require.NotNil(t, item.Schedule)
	assert.True(t, item.Schedule.Enabled)
	assert.True(t, item.Schedule.AutoSendEmail)
	assert.Equal(t, billing.FrequencyBiweekly, item.Schedule.Frequency())
}

func TestParseContract_ScheduleMatchesAnchorCadence(t *testing.T) {
	item, err := NewContractFactory().ParseContract(acmeJSON)
	require.NoError(t, err)

	assert.True(t, billing.Matches(*item.Schedule, item.Contract.Frequency, billing.MustParseDate("2025-01-17")))
	assert.False(t, billing.Matches(*item.Schedule, item.Contract.Frequency, billing.MustParseDate("2025-01-10")))
}

func TestParseContract_NoSchedule(t *testing.T) {
	item, err := NewContractFactory().ParseContract(`{
		"customer": {"id": "gti", "name": "GTI"},
		"contract": {"frequency": "monthly", "default_hours": 160, "rate_per_hour": "95.50", "tax_rate": "0"}
	}`)
	require.NoError(t, err)

	assert.Nil(t, item.Schedule)
	assert.Equal(t, "INV", item.Contract.InvoicePrefix)
	assert.True(t, item.Contract.TaxRate.IsZero())
	assert.Equal(t, "Monthly", item.Contract.PaymentTerms)
}

func TestParseContract_Invalid(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"malformed", `{"customer":`},
		{"missing id", `{"customer": {"name": "X"}, "contract": {"frequency": "weekly"}}`},
		{"missing name", `{"customer": {"id": "x"}, "contract": {"frequency": "weekly"}}`},
		{"unknown frequency", `{"customer": {"id": "x", "name": "X"}, "contract": {"frequency": "daily"}}`},
		{"negative hours", `{"customer": {"id": "x", "name": "X"}, "contract": {"frequency": "weekly", "default_hours": -1}}`},
		{"tax above one", `{"customer": {"id": "x", "name": "X"}, "contract": {"frequency": "weekly", "tax_rate": "1.5"}}`},
		{"bad anchor", `{"customer": {"id": "x", "name": "X"}, "contract": {"frequency": "biweekly"},
			"schedule": {"billing_weekday": 4, "anchor_date": "2025-13-01"}}`},
		{"weekday out of range", `{"customer": {"id": "x", "name": "X"}, "contract": {"frequency": "weekly"},
			"schedule": {"billing_weekday": 7}}`},
		{"monthly without day", `{"customer": {"id": "x", "name": "X"}, "contract": {"frequency": "monthly"},
			"schedule": {}}`},
	}

	f := NewContractFactory()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ParseContract(tt.json)
			require.Error(t, err)
			assert.ErrorIs(t, err, billing.ErrInvalidInput)
		})
	}
}

func TestToJSON_RoundTrip(t *testing.T) {
	// GIVEN: A parsed contract
	f := NewContractFactory()
	item, err := f.ParseContract(acmeJSON)
	require.NoError(t, err)

	// WHEN: Rendering and parsing again
	s, err := f.MarshalContract(item)
	require.NoError(t, err)
	again, err := f.ParseContract(s)
	require.NoError(t, err)

	// THEN: The item is unchanged
	assert.Equal(t, item.Customer, again.Customer)
	assert.Equal(t, item.Contract.InvoicePrefix, again.Contract.InvoicePrefix)
	assert.True(t, item.Contract.DefaultHours.Equal(again.Contract.DefaultHours))
	assert.True(t, item.Contract.TaxRate.Equal(again.Contract.TaxRate))
	assert.Equal(t, item.Schedule.Fields(), again.Schedule.Fields())
	assert.Equal(t, item.Schedule.AutoSendEmail, again.Schedule.AutoSendEmail)
	assert.Contains(t, s, `"anchor_date": "2025-01-03"`)
}

func TestFromJSON_DisabledSchedule(t *testing.T) {
	off := false
	wd := 0
	item, err := NewContractFactory().FromJSON(ContractJSON{
		Customer: CustomerJSON{ID: "esl", Name: "ESL"},
		Contract: TermsJSON{Frequency: "weekly", DefaultHours: decimal.NewFromInt(10), RatePerHour: decimal.NewFromInt(50)},
		Schedule: &ScheduleJSON{BillingWeekday: &wd, IsEnabled: &off},
	})
	require.NoError(t, err)

	require.NotNil(t, item.Schedule)
	assert.False(t, item.Schedule.Enabled)
	assert.False(t, billing.Matches(*item.Schedule, billing.FrequencyWeekly, billing.MustParseDate("2025-01-06")))
}
