package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/BearBump/FulfillBox/internal/broker/messages"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type Email struct {
	To      string
	Subject string
	Body    string
}

type EmailSender interface {
	Send(ctx context.Context, e Email) error
}

// LogSender writes emails to the log instead of sending them.
type LogSender struct {
	Logger *zap.Logger
}

func (s LogSender) Send(_ context.Context, e Email) error {
	if s.Logger != nil {
		s.Logger.Info("email", zap.String("to", e.To), zap.String("subject", e.Subject), zap.Int("body_len", len(e.Body)))
	}
	return nil
}

// Dispatcher consumes OrderPlaced events. A malformed event or a failed send
// is logged and skipped; it never stalls the partition.
type Dispatcher struct {
	sender EmailSender
	logger *zap.Logger
}

func NewDispatcher(sender EmailSender, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{sender: sender, logger: logger}
}

// Handle has the kafka.Handler signature.
func (d *Dispatcher) Handle(ctx context.Context, key, value []byte) error {
	var m messages.OrderPlaced
	if err := json.Unmarshal(value, &m); err != nil {
		d.logger.Warn("skip malformed order-placed event", zap.ByteString("key", key), zap.Error(err))
		return nil
	}
	if m.CustomerEmail == "" {
		d.logger.Info("order has no customer email", zap.String("order_number", m.OrderNumber))
		return nil
	}
	if err := d.sender.Send(ctx, OrderConfirmation(m)); err != nil {
		d.logger.Error("send order confirmation",
			zap.String("order_number", m.OrderNumber),
			zap.Error(errors.Wrap(err, "send email")),
		)
	}
	return nil
}

func OrderConfirmation(m messages.OrderPlaced) Email {
	var b strings.Builder
	fmt.Fprintf(&b, "Hi %s,\n\nThanks for your order %s.\n\n", m.CustomerName, m.OrderNumber)
	for _, it := range m.Items {
		fmt.Fprintf(&b, "  %d x %s (%s) @ %s\n", it.Quantity, it.Name, it.SKU, it.UnitPrice)
	}
	fmt.Fprintf(&b, "\nTotal: %s (%s)\n", m.Total, m.PaymentMethod)
	if m.ShipmentLinked && m.TrackingURL != "" {
		fmt.Fprintf(&b, "Track your parcel: %s\n", m.TrackingURL)
	} else {
		b.WriteString("We will send tracking details once your parcel is booked.\n")
	}
	return Email{
		To:      m.CustomerEmail,
		Subject: "Order " + m.OrderNumber + " confirmed",
		Body:    b.String(),
	}
}
