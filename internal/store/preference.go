package store

import (
	"database/sql"
	"fmt"

	"github.com/emberhq/ember/internal/model"
)

type PreferenceStore struct {
	db *sql.DB
}

func NewPreferenceStore(db *sql.DB) *PreferenceStore {
	return &PreferenceStore{db: db}
}

// List returns all stored preference rows for a user. Campaign types without a
// row fall back to their default; callers fill those in.
func (s *PreferenceStore) List(userID int64) ([]model.NotificationPreference, error) {
	rows, err := s.db.Query(
		`SELECT id, user_id, campaign_type, enabled, created_at, updated_at
		 FROM notification_preferences WHERE user_id = ?`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list notification preferences: %w", err)
	}
	defer rows.Close()

	var prefs []model.NotificationPreference
	for rows.Next() {
		var p model.NotificationPreference
		var enabledInt int
		if err := rows.Scan(&p.ID, &p.UserID, &p.CampaignType, &enabledInt, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan notification preference: %w", err)
		}
		p.Enabled = enabledInt != 0
		prefs = append(prefs, p)
	}
	return prefs, rows.Err()
}

// Set upserts a preference flag for one campaign type.
func (s *PreferenceStore) Set(userID int64, campaignType string, enabled bool) error {
	var enabledInt int
	if enabled {
		enabledInt = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO notification_preferences (user_id, campaign_type, enabled)
		 VALUES (?, ?, ?)
		 ON CONFLICT(user_id, campaign_type) DO UPDATE SET enabled = excluded.enabled, updated_at = datetime('now')`,
		userID, campaignType, enabledInt,
	)
	if err != nil {
		return fmt.Errorf("set notification preference: %w", err)
	}
	return nil
}

// IsEnabled checks whether a campaign type is enabled for a user, returning
// defaultEnabled when no preference row exists.
func (s *PreferenceStore) IsEnabled(userID int64, campaignType string, defaultEnabled bool) (bool, error) {
	var enabledInt int
	err := s.db.QueryRow(
		`SELECT enabled FROM notification_preferences WHERE user_id = ? AND campaign_type = ?`,
		userID, campaignType,
	).Scan(&enabledInt)
	if err == sql.ErrNoRows {
		return defaultEnabled, nil
	}
	if err != nil {
		return false, fmt.Errorf("check notification preference: %w", err)
	}
	return enabledInt != 0, nil
}
