package quota

import (
	"errors"
	"fmt"
	"time"

	"github.com/emberhq/ember/internal/store"
)

// Usage metrics gated by plan quota.
const (
	MetricAIMessages = "ai_messages"
	MetricEmailSends = "email_sends"
)

// DefaultPlan applies when a user has no active subscription.
const DefaultPlan = "free"

// ErrUnknownMetric indicates a caller bug: metrics form a closed set.
var ErrUnknownMetric = errors.New("unknown usage metric")

// ReasonExceeded is the structured denial reason for an exhausted quota.
const ReasonExceeded = "quota_exceeded"

// planLimits maps plan -> metric -> allowance per billing period.
var planLimits = map[string]map[string]int{
	"free": {
		MetricAIMessages: 20,
		MetricEmailSends: 30,
	},
	"pro": {
		MetricAIMessages: 1000,
		MetricEmailSends: 500,
	},
}

// Decision is the structured outcome of a reservation attempt. A denial is an
// expected state, not an error.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Plan    string `json:"plan"`
	Limit   int    `json:"limit"`
}

// Enforcer gates quota-consuming actions against the user's plan limits.
type Enforcer struct {
	subs  *store.SubscriptionStore
	usage *store.UsageStore
	now   func() time.Time
}

func NewEnforcer(subs *store.SubscriptionStore, usage *store.UsageStore) *Enforcer {
	return &Enforcer{subs: subs, usage: usage, now: time.Now}
}

// WithClock overrides the time source; tests pin the billing period with it.
func (e *Enforcer) WithClock(now func() time.Time) *Enforcer {
	e.now = now
	return e
}

// CheckAndReserve reserves amount units of metric for the user within the
// current billing period. The check and increment are a single atomic store
// operation, so concurrent calls cannot jointly exceed the limit. A denial
// leaves the counter untouched.
func (e *Enforcer) CheckAndReserve(userID int64, metric string, amount int) (Decision, error) {
	limits, plan, err := e.limitsFor(userID)
	if err != nil {
		return Decision{}, err
	}
	limit, ok := limits[metric]
	if !ok {
		return Decision{}, fmt.Errorf("%w: %q", ErrUnknownMetric, metric)
	}

	allowed, err := e.usage.Reserve(userID, metric, e.Period(), amount, limit)
	if err != nil {
		return Decision{}, fmt.Errorf("reserve quota: %w", err)
	}

	d := Decision{Allowed: allowed, Plan: plan, Limit: limit}
	if !allowed {
		d.Reason = ReasonExceeded
	}
	return d, nil
}

// Release returns a reservation for the current period, for callers that
// reserved but never performed the action.
func (e *Enforcer) Release(userID int64, metric string, amount int) error {
	return e.usage.Release(userID, metric, e.Period(), amount)
}

// Period returns the current billing-period key. Usage accumulates per
// calendar month in UTC; a new month starts a fresh counter row, which is how
// period rollover resets usage without a scheduled job.
func (e *Enforcer) Period() string {
	return e.now().UTC().Format("2006-01")
}

func (e *Enforcer) limitsFor(userID int64) (map[string]int, string, error) {
	plan := DefaultPlan
	sub, err := e.subs.GetActiveByUser(userID)
	if err != nil {
		return nil, "", fmt.Errorf("resolve plan: %w", err)
	}
	if sub != nil {
		plan = sub.Plan
	}

	limits, ok := planLimits[plan]
	if !ok {
		// Unknown plan name from billing sync: fail closed to the free tier.
		limits = planLimits[DefaultPlan]
		plan = DefaultPlan
	}
	return limits, plan, nil
}
