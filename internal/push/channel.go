package push

import (
	"context"
	"errors"
	"log/slog"

	"github.com/emberhq/ember/internal/delivery"
	"github.com/emberhq/ember/internal/model"
	"github.com/emberhq/ember/internal/store"
)

// Sender delivers a payload to a single subscription. *Service implements it;
// tests substitute a fake.
type Sender interface {
	Send(ctx context.Context, sub *model.PushSubscription, payload Payload) error
}

// Channel delivers campaign messages over web push. A recipient may have
// several subscriptions (one per device); delivery succeeds when at least one
// accepts the payload. Subscriptions the push service reports as gone are
// deleted on the spot, so the registry heals itself.
type Channel struct {
	subs   *store.PushStore
	sender Sender
	logger *slog.Logger
}

func NewChannel(subs *store.PushStore, sender Sender, logger *slog.Logger) *Channel {
	return &Channel{subs: subs, sender: sender, logger: logger}
}

func (c *Channel) Send(ctx context.Context, rcpt delivery.Recipient, msg delivery.Message) delivery.Outcome {
	subs, err := c.subs.ListByUser(rcpt.UserID)
	if err != nil {
		return delivery.Failure(delivery.ErrorKindProvider, err.Error())
	}
	if len(subs) == 0 {
		return delivery.Failure(delivery.ErrorKindNoDestination, "no push subscriptions")
	}

	payload := Payload{
		Title: msg.Title,
		Body:  msg.Body,
		URL:   msg.URL,
		Tag:   msg.Tag,
	}

	delivered := 0
	expired := 0
	var lastErr error
	for i := range subs {
		sub := &subs[i]
		err := c.sender.Send(ctx, sub, payload)
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, ErrExpired):
			expired++
			// Delete-if-exists: a concurrent delivery may have removed it already.
			if derr := c.subs.DeleteByEndpoint(sub.Endpoint); derr != nil {
				c.logger.Error("delete expired subscription", "endpoint", sub.Endpoint, "error", derr)
			} else {
				c.logger.Info("removed expired push subscription", "user_id", rcpt.UserID, "endpoint", sub.Endpoint)
			}
		default:
			lastErr = err
			c.logger.Warn("push delivery failed", "user_id", rcpt.UserID, "error", err)
		}
	}

	if delivered > 0 {
		return delivery.Sent(msg.Tag)
	}
	if expired == len(subs) {
		return delivery.Failure(delivery.ErrorKindPermanent, "all subscriptions expired")
	}
	detail := "push delivery failed"
	if lastErr != nil {
		detail = lastErr.Error()
	}
	return delivery.Failure(delivery.ErrorKindProvider, detail)
}
