package notify

import (
	"context"
	"errors"

	"journal-billing/internal/models"
)

// Dispatcher delivers one activation to every enabled channel. Either
// channel may be nil.
type Dispatcher struct {
	mailer   *Mailer
	callback *CallbackNotifier
}

func NewDispatcher(mailer *Mailer, callback *CallbackNotifier) *Dispatcher {
	return &Dispatcher{mailer: mailer, callback: callback}
}

// SendReceipt mails the receipt and posts the app callback. A failure on one
// channel does not stop the other; all errors are returned joined.
func (d *Dispatcher) SendReceipt(ctx context.Context, userID string, sub *models.Subscription, amount float64) error {
	var errs []error
	if d.mailer != nil {
		if err := d.mailer.SendReceipt(ctx, userID, sub, amount); err != nil {
			errs = append(errs, err)
		}
	}
	if d.callback != nil {
		if err := d.callback.Send(ctx, userID, sub, amount); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
