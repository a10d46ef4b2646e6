package store

import (
	"database/sql"
	"fmt"

	"github.com/emberhq/ember/internal/model"
)

type ActivityStore struct {
	db *sql.DB
}

func NewActivityStore(db *sql.DB) *ActivityStore {
	return &ActivityStore{db: db}
}

func scanActivity(scanner interface{ Scan(...any) error }) (*model.ActivityRecord, error) {
	var rec model.ActivityRecord
	err := scanner.Scan(
		&rec.UserID, &rec.LastActiveAt, &rec.CurrentStreak,
		&rec.LongestStreak, &rec.TotalActiveDays, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

const activityCols = `user_id, last_active_at, current_streak, longest_streak, total_active_days, updated_at`

func (s *ActivityStore) Get(userID int64) (*model.ActivityRecord, error) {
	row := s.db.QueryRow(`SELECT `+activityCols+` FROM activity_records WHERE user_id = ?`, userID)
	rec, err := scanActivity(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get activity record: %w", err)
	}
	return rec, nil
}

// Save upserts the full activity record for a user.
func (s *ActivityStore) Save(rec model.ActivityRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO activity_records (user_id, last_active_at, current_streak, longest_streak, total_active_days, updated_at)
		 VALUES (?, ?, ?, ?, ?, datetime('now'))
		 ON CONFLICT(user_id) DO UPDATE SET
		     last_active_at = excluded.last_active_at,
		     current_streak = excluded.current_streak,
		     longest_streak = excluded.longest_streak,
		     total_active_days = excluded.total_active_days,
		     updated_at = excluded.updated_at`,
		rec.UserID, rec.LastActiveAt.UTC(), rec.CurrentStreak, rec.LongestStreak, rec.TotalActiveDays,
	)
	if err != nil {
		return fmt.Errorf("save activity record: %w", err)
	}
	return nil
}

func (s *ActivityStore) Delete(userID int64) error {
	_, err := s.db.Exec(`DELETE FROM activity_records WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("delete activity record: %w", err)
	}
	return nil
}
