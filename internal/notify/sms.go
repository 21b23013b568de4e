package notify

import (
	"context"

	"camrelay/internal/model"
)

// SMSSender is implemented by *modem.Modem.
type SMSSender interface {
	SendSMS(recipient, message string) error
}

// SMS is the fallback transport: a text message to one operator number.
type SMS struct {
	Sender    SMSSender
	Recipient string
}

func NewSMS(sender SMSSender, recipient string) *SMS {
	return &SMS{Sender: sender, Recipient: recipient}
}

func (s *SMS) Name() string { return "sms" }

// Send blocks for the whole AT exchange; the serial read timeout bounds it.
func (s *SMS) Send(_ context.Context, ev model.Event) error {
	return s.Sender.SendSMS(s.Recipient, ev.Message)
}
