package streak

import (
	"math"
	"time"

	"github.com/emberhq/ember/internal/model"
)

// Result is the outcome of applying one activity event to a record.
type Result struct {
	Record         model.ActivityRecord
	IsNewDay       bool
	WasConsecutive bool
}

// Advance applies an activity event at now to the given record and returns the
// updated record plus the day-transition flags. The transition has three
// states: same-day (counters untouched), consecutive (streak extends), and
// reset (gap of two or more days, or first-ever activity).
//
// Day boundaries are evaluated in loc, the user's timezone. Advance is a pure
// function of (record, now, loc); LastActiveAt is always set to now.
func Advance(rec model.ActivityRecord, now time.Time, loc *time.Location) Result {
	if loc == nil {
		loc = time.UTC
	}

	out := rec
	out.LastActiveAt = now

	// First-ever activity: no previous day to compare against.
	if rec.LastActiveAt.IsZero() {
		out.CurrentStreak = 1
		out.LongestStreak = max(rec.LongestStreak, 1)
		out.TotalActiveDays = rec.TotalActiveDays + 1
		return Result{Record: out, IsNewDay: true, WasConsecutive: false}
	}

	gap := daysBetween(rec.LastActiveAt, now, loc)
	switch {
	case gap == 0:
		// Repeat activity on the same calendar day.
		return Result{Record: out}
	case gap == 1:
		out.CurrentStreak = rec.CurrentStreak + 1
		out.LongestStreak = max(rec.LongestStreak, out.CurrentStreak)
		out.TotalActiveDays = rec.TotalActiveDays + 1
		return Result{Record: out, IsNewDay: true, WasConsecutive: true}
	default:
		out.CurrentStreak = 1
		out.LongestStreak = max(rec.LongestStreak, 1)
		out.TotalActiveDays = rec.TotalActiveDays + 1
		return Result{Record: out, IsNewDay: true, WasConsecutive: false}
	}
}

// BrokenBy reports whether recording no activity before now would break the
// record's streak, i.e. the last active day is exactly yesterday in loc.
// Used to select streak-alert recipients.
func BrokenBy(rec model.ActivityRecord, now time.Time, loc *time.Location) bool {
	if rec.CurrentStreak == 0 || rec.LastActiveAt.IsZero() {
		return false
	}
	if loc == nil {
		loc = time.UTC
	}
	return daysBetween(rec.LastActiveAt, now, loc) == 1
}

// daysBetween returns the number of calendar-day boundaries crossed between a
// and b in loc. Negative when b's day precedes a's, which a backwards clock
// can produce; callers treat that as a reset.
func daysBetween(a, b time.Time, loc *time.Location) int {
	da := startOfDay(a.In(loc))
	db := startOfDay(b.In(loc))
	// Midnight-to-midnight spans are whole days except across DST shifts,
	// so round rather than truncate.
	return int(math.Round(db.Sub(da).Hours() / 24))
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
