// Package delivery defines the channel abstraction campaigns send through.
// Implementations live in the push and email packages.
package delivery

import "context"

// Error kinds reported in an Outcome.
const (
	// ErrorKindProvider is a transient provider failure; the subscription or
	// address is kept and the next scheduled run is the retry.
	ErrorKindProvider = "provider_error"
	// ErrorKindPermanent means the recipient endpoint is permanently invalid.
	ErrorKindPermanent = "permanent_failure"
	// ErrorKindNoDestination means the recipient has nowhere to deliver to on
	// this channel (e.g. no push subscriptions registered).
	ErrorKindNoDestination = "no_destination"
	// ErrorKindRender means the message could not be produced for this
	// recipient; a caller bug, not a delivery fault.
	ErrorKindRender = "render_error"
)

// Recipient identifies the user a message is delivered to.
type Recipient struct {
	UserID int64
	Email  string
	Name   string
}

// Message is a rendered notification, carrying both the email and push
// representations; each channel picks the fields it needs.
type Message struct {
	Subject string
	HTML    string
	Text    string
	Title   string
	Body    string
	URL     string
	Tag     string
}

// Outcome is the structured result of one delivery attempt. Channels never
// return Go errors for per-recipient failures; those are encoded here so a
// bulk run can aggregate without unwinding.
type Outcome struct {
	Success           bool
	ProviderMessageID string
	ErrorKind         string
	Detail            string
}

// Channel delivers a rendered message to one recipient.
type Channel interface {
	Send(ctx context.Context, rcpt Recipient, msg Message) Outcome
}

// Failure builds a failed outcome.
func Failure(kind, detail string) Outcome {
	return Outcome{ErrorKind: kind, Detail: detail}
}

// Sent builds a successful outcome.
func Sent(providerID string) Outcome {
	return Outcome{Success: true, ProviderMessageID: providerID}
}
