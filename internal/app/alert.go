package app

import (
	"context"
	"errors"

	"docudrop/internal/delivery"
	"docudrop/internal/transport"
)

var errAlertUnavailable = errors.New("alert transport unavailable")

// alertSender routes log alerts through whatever session is current, so
// alerts survive reconnects.
type alertSender struct {
	gate   delivery.Gate
	suffix string
}

func (s alertSender) SendText(ctx context.Context, recipient, text string) error {
	sess, ok := s.gate.Session()
	if !ok {
		return errAlertUnavailable
	}
	ts, ok := sess.(transport.TextSender)
	if !ok {
		return errAlertUnavailable
	}
	return ts.SendText(ctx, transport.Address(recipient, s.suffix), text)
}
