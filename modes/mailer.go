package modes

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/warp/billing-engine/billing"
)

// Mailer delivers a saved invoice to its customer.
type Mailer interface {
	Send(ctx context.Context, inv billing.GeneratedInvoice) error
}

// MailerFunc adapts a function to the Mailer interface.
type MailerFunc func(ctx context.Context, inv billing.GeneratedInvoice) error

func (f MailerFunc) Send(ctx context.Context, inv billing.GeneratedInvoice) error {
	return f(ctx, inv)
}

// LogMailer records deliveries in the log instead of sending them. It is the
// mailer used when no transport is configured.
type LogMailer struct {
	log *zap.Logger
}

func NewLogMailer(log *zap.Logger) *LogMailer {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogMailer{log: log.Named("mailer")}
}

func (m *LogMailer) Send(_ context.Context, inv billing.GeneratedInvoice) error {
	if inv.CustomerEmail == "" {
		return fmt.Errorf("%w: customer %s has no email address", billing.ErrInvalidInput, inv.CustomerID)
	}
	m.log.Info("invoice email sent",
		zap.String("customer_id", string(inv.CustomerID)),
		zap.String("to", inv.CustomerEmail),
		zap.String("invoice_number", inv.Number),
		zap.String("total", billing.FormatMoney(inv.Totals.Total)))
	return nil
}
