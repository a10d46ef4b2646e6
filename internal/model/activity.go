package model

import "time"

// ActivityRecord tracks a user's most recent activity and derived streak
// counters. One row per user; mutated only when activity is recorded.
type ActivityRecord struct {
	UserID          int64     `json:"user_id"`
	LastActiveAt    time.Time `json:"last_active_at"`
	CurrentStreak   int       `json:"current_streak"`
	LongestStreak   int       `json:"longest_streak"`
	TotalActiveDays int       `json:"total_active_days"`
	UpdatedAt       time.Time `json:"updated_at"`
}
