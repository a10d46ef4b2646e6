package email

import (
	"context"

	"github.com/emberhq/ember/internal/delivery"
)

// Channel delivers campaign messages over email, one send per recipient per
// call. Provider errors are surfaced as-is in the outcome detail.
type Channel struct {
	client *Client
}

func NewChannel(client *Client) *Channel {
	return &Channel{client: client}
}

func (c *Channel) Send(ctx context.Context, rcpt delivery.Recipient, msg delivery.Message) delivery.Outcome {
	if rcpt.Email == "" {
		return delivery.Failure(delivery.ErrorKindNoDestination, "no email address")
	}

	id, err := c.client.Send(ctx, rcpt.Email, msg.Subject, msg.HTML, msg.Text)
	if err != nil {
		return delivery.Failure(delivery.ErrorKindProvider, err.Error())
	}
	return delivery.Sent(id)
}
