package model

import "time"

type PushSubscription struct {
	ID         int64     `json:"id"`
	UserID     int64     `json:"user_id"`
	Endpoint   string    `json:"endpoint"`
	P256dhKey  string    `json:"p256dh_key"`
	AuthKey    string    `json:"auth_key"`
	DeviceName string    `json:"device_name"`
	CreatedAt  time.Time `json:"created_at"`
}

type NotificationPreference struct {
	ID           int64     `json:"id"`
	UserID       int64     `json:"user_id"`
	CampaignType string    `json:"campaign_type"`
	Enabled      bool      `json:"enabled"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CampaignSend records one bulk-send attempt for dedup and aggregate counts.
type CampaignSend struct {
	ID           int64     `json:"id"`
	UserID       int64     `json:"user_id"`
	CampaignType string    `json:"campaign_type"`
	Period       string    `json:"period"`
	Status       string    `json:"status"`
	Error        string    `json:"error"`
	SentAt       time.Time `json:"sent_at"`
}

// Campaign send status constants
const (
	SendStatusSent   = "sent"
	SendStatusFailed = "failed"
)
