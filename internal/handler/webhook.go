package handler

import (
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/emberhq/ember/internal/billing"
	"github.com/emberhq/ember/internal/store"
)

// WebhookHandler keeps the local subscriptions table in sync with Stripe so
// the quota enforcer never calls Stripe on the hot path. Handlers always ack
// with 200 once the signature checks out; a failed local update is logged and
// recovered by the next event for the same subscription.
type WebhookHandler struct {
	stripeClient *billing.Client
	users        *store.UserStore
	subs         *store.SubscriptionStore
	logger       *slog.Logger
}

func NewWebhookHandler(sc *billing.Client, us *store.UserStore, ss *store.SubscriptionStore, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{stripeClient: sc, users: us, subs: ss, logger: logger}
}

func (h *WebhookHandler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 65536))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}

	event, err := h.stripeClient.ConstructWebhookEvent(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid signature")
		return
	}

	switch event.Type {
	case "checkout.session.completed":
		h.handleCheckoutCompleted(event)
	case "invoice.paid":
		h.handleInvoicePaid(event)
	case "invoice.payment_failed":
		h.handleInvoicePaymentFailed(event)
	case "customer.subscription.updated":
		h.handleSubscriptionUpdated(event)
	case "customer.subscription.deleted":
		h.handleSubscriptionDeleted(event)
	}

	w.WriteHeader(http.StatusOK)
}

func (h *WebhookHandler) handleCheckoutCompleted(event stripe.Event) {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		h.logger.Error("webhook: unmarshal checkout session", "error", err)
		return
	}

	email := ""
	if sess.CustomerDetails != nil {
		email = sess.CustomerDetails.Email
	}
	if email == "" {
		h.logger.Warn("webhook: checkout session missing email")
		return
	}

	user, err := h.users.GetByEmail(email)
	if err != nil || user == nil {
		h.logger.Error("webhook: user for checkout", "email", email, "error", err)
		return
	}

	sub, err := h.subs.Create(user.ID, "pro")
	if err != nil {
		h.logger.Error("webhook: create subscription", "user_id", user.ID, "error", err)
		return
	}

	if sess.Subscription != nil {
		if err := h.subs.UpdateStripeID(sub.ID, sess.Subscription.ID); err != nil {
			h.logger.Error("webhook: update stripe subscription id", "error", err)
		}
	}

	h.logger.Info("webhook: checkout completed", "user_id", user.ID)
}

// subscriptionIDFromInvoice extracts the subscription ID from an invoice's
// parent.
func subscriptionIDFromInvoice(invoice stripe.Invoice) string {
	if invoice.Parent != nil &&
		invoice.Parent.SubscriptionDetails != nil &&
		invoice.Parent.SubscriptionDetails.Subscription != nil {
		return invoice.Parent.SubscriptionDetails.Subscription.ID
	}
	return ""
}

func (h *WebhookHandler) handleInvoicePaid(event stripe.Event) {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		h.logger.Error("webhook: unmarshal invoice", "error", err)
		return
	}

	subID := subscriptionIDFromInvoice(invoice)
	if subID == "" {
		return
	}

	sub, err := h.subs.GetByStripeID(subID)
	if err != nil || sub == nil {
		h.logger.Error("webhook: subscription for invoice.paid", "stripe_id", subID, "error", err)
		return
	}

	if err := h.subs.UpdateStatus(sub.ID, "active"); err != nil {
		h.logger.Error("webhook: update subscription status", "error", err)
	}
	if invoice.PeriodEnd > 0 {
		end := sql.NullTime{Time: time.Unix(invoice.PeriodEnd, 0).UTC(), Valid: true}
		if err := h.subs.UpdatePeriodEnd(sub.ID, end); err != nil {
			h.logger.Error("webhook: update period end", "error", err)
		}
	}
}

func (h *WebhookHandler) handleInvoicePaymentFailed(event stripe.Event) {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		h.logger.Error("webhook: unmarshal invoice", "error", err)
		return
	}

	subID := subscriptionIDFromInvoice(invoice)
	if subID == "" {
		return
	}

	sub, err := h.subs.GetByStripeID(subID)
	if err != nil || sub == nil {
		return
	}

	if err := h.subs.UpdateStatus(sub.ID, "past_due"); err != nil {
		h.logger.Error("webhook: update subscription status to past_due", "error", err)
	}
}

func (h *WebhookHandler) handleSubscriptionUpdated(event stripe.Event) {
	var stripeSub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &stripeSub); err != nil {
		h.logger.Error("webhook: unmarshal subscription", "error", err)
		return
	}

	sub, err := h.subs.GetByStripeID(stripeSub.ID)
	if err != nil || sub == nil {
		return
	}

	if err := h.subs.UpdateStatus(sub.ID, string(stripeSub.Status)); err != nil {
		h.logger.Error("webhook: update subscription status", "error", err)
	}

	// Upgrades and downgrades arrive as price changes on the same
	// subscription, not as new checkouts.
	if plan := planFromSubscription(&stripeSub); plan != "" && plan != sub.Plan {
		if err := h.subs.UpdatePlan(sub.ID, plan); err != nil {
			h.logger.Error("webhook: update subscription plan", "error", err)
		}
	}
}

// planFromSubscription maps the subscription's price lookup key to a local
// plan name. Unknown keys leave the stored plan untouched.
func planFromSubscription(stripeSub *stripe.Subscription) string {
	if stripeSub.Items == nil || len(stripeSub.Items.Data) == 0 {
		return ""
	}
	price := stripeSub.Items.Data[0].Price
	if price == nil {
		return ""
	}
	switch price.LookupKey {
	case "pro_monthly", "pro_annual":
		return "pro"
	case "free":
		return "free"
	}
	return ""
}

func (h *WebhookHandler) handleSubscriptionDeleted(event stripe.Event) {
	var stripeSub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &stripeSub); err != nil {
		h.logger.Error("webhook: unmarshal subscription", "error", err)
		return
	}

	sub, err := h.subs.GetByStripeID(stripeSub.ID)
	if err != nil || sub == nil {
		return
	}

	if err := h.subs.UpdateStatus(sub.ID, "canceled"); err != nil {
		h.logger.Error("webhook: update subscription status to canceled", "error", err)
	}
}
