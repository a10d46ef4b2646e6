package model

import "time"

type Subscription struct {
	ID                   int64      `json:"id"`
	UserID               int64      `json:"user_id"`
	StripeSubscriptionID *string    `json:"stripe_subscription_id"`
	Plan                 string     `json:"plan"`
	Status               string     `json:"status"`
	CurrentPeriodEnd     *time.Time `json:"current_period_end"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

type UsageCounter struct {
	ID     int64  `json:"id"`
	UserID int64  `json:"user_id"`
	Metric string `json:"metric"`
	Period string `json:"period"`
	Count  int    `json:"count"`
}
