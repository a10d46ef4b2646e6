package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/emberhq/ember/internal/model"
)

type CampaignStore struct {
	db *sql.DB
}

func NewCampaignStore(db *sql.DB) *CampaignStore {
	return &CampaignStore{db: db}
}

// RecordSend records the outcome of one send attempt for (user, campaign,
// period). A successful record is never overwritten, so re-running a bulk
// dispatch for the same period is a no-op per recipient; a failed record is
// replaced by the outcome of the next attempt.
func (s *CampaignStore) RecordSend(userID int64, campaignType, period, status, sendErr string) error {
	_, err := s.db.Exec(
		`INSERT INTO campaign_sends (user_id, campaign_type, period, status, error)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, campaign_type, period) DO UPDATE SET
		     status = excluded.status,
		     error = excluded.error,
		     sent_at = datetime('now')
		 WHERE campaign_sends.status = ?`,
		userID, campaignType, period, status, sendErr, model.SendStatusFailed,
	)
	if err != nil {
		return fmt.Errorf("record campaign send: %w", err)
	}
	return nil
}

// WasSent reports whether a successful send is already recorded for the key.
// Failed attempts do not count: the next run may retry them.
func (s *CampaignStore) WasSent(userID int64, campaignType, period string) (bool, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM campaign_sends
		 WHERE user_id = ? AND campaign_type = ? AND period = ? AND status = ?`,
		userID, campaignType, period, model.SendStatusSent,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check campaign send: %w", err)
	}
	return count > 0, nil
}

// ListByPeriod returns all send records for one campaign type and period.
func (s *CampaignStore) ListByPeriod(campaignType, period string) ([]model.CampaignSend, error) {
	rows, err := s.db.Query(
		`SELECT id, user_id, campaign_type, period, status, error, sent_at
		 FROM campaign_sends WHERE campaign_type = ? AND period = ? ORDER BY sent_at ASC`,
		campaignType, period,
	)
	if err != nil {
		return nil, fmt.Errorf("list campaign sends: %w", err)
	}
	defer rows.Close()

	var sends []model.CampaignSend
	for rows.Next() {
		var cs model.CampaignSend
		if err := rows.Scan(&cs.ID, &cs.UserID, &cs.CampaignType, &cs.Period, &cs.Status, &cs.Error, &cs.SentAt); err != nil {
			return nil, fmt.Errorf("scan campaign send: %w", err)
		}
		sends = append(sends, cs)
	}
	return sends, rows.Err()
}

// Cleanup deletes send records older than the given time.
func (s *CampaignStore) Cleanup(before time.Time) error {
	_, err := s.db.Exec(`DELETE FROM campaign_sends WHERE sent_at < ?`, before.UTC())
	if err != nil {
		return fmt.Errorf("cleanup campaign sends: %w", err)
	}
	return nil
}
