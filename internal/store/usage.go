package store

import (
	"database/sql"
	"fmt"

	"github.com/emberhq/ember/internal/model"
)

type UsageStore struct {
	db *sql.DB
}

func NewUsageStore(db *sql.DB) *UsageStore {
	return &UsageStore{db: db}
}

// Get returns the usage counter for (user, metric, period), or nil when no
// usage has been recorded yet.
func (s *UsageStore) Get(userID int64, metric, period string) (*model.UsageCounter, error) {
	var c model.UsageCounter
	err := s.db.QueryRow(
		`SELECT id, user_id, metric, period, count FROM usage_counters
		 WHERE user_id = ? AND metric = ? AND period = ?`,
		userID, metric, period,
	).Scan(&c.ID, &c.UserID, &c.Metric, &c.Period, &c.Count)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get usage counter: %w", err)
	}
	return &c, nil
}

// Reserve atomically increments the counter by amount if the result would not
// exceed limit. It returns false without mutating anything when capacity is
// insufficient. The check and increment happen in a single conditional UPDATE,
// so concurrent reservations for the same counter cannot both slip past the
// limit.
func (s *UsageStore) Reserve(userID int64, metric, period string, amount, limit int) (bool, error) {
	_, err := s.db.Exec(
		`INSERT INTO usage_counters (user_id, metric, period, count) VALUES (?, ?, ?, 0)
		 ON CONFLICT(user_id, metric, period) DO NOTHING`,
		userID, metric, period,
	)
	if err != nil {
		return false, fmt.Errorf("init usage counter: %w", err)
	}

	result, err := s.db.Exec(
		`UPDATE usage_counters SET count = count + ?
		 WHERE user_id = ? AND metric = ? AND period = ? AND count + ? <= ?`,
		amount, userID, metric, period, amount, limit,
	)
	if err != nil {
		return false, fmt.Errorf("reserve usage: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// Release decrements the counter by amount, flooring at zero. Used to hand
// back a reservation when the action it covered never happened.
func (s *UsageStore) Release(userID int64, metric, period string, amount int) error {
	_, err := s.db.Exec(
		`UPDATE usage_counters SET count = max(count - ?, 0)
		 WHERE user_id = ? AND metric = ? AND period = ?`,
		amount, userID, metric, period,
	)
	if err != nil {
		return fmt.Errorf("release usage: %w", err)
	}
	return nil
}
