package campaign

import (
	"errors"
	"fmt"
	"time"

	"github.com/emberhq/ember/internal/delivery"
	"github.com/emberhq/ember/internal/quota"
)

// Type names a campaign. The set is closed: every type is bound at compile
// time to a channel, a dedup cadence, and a template. Unknown types are a
// caller bug, never a runtime default.
type Type string

const (
	TypeWelcome         Type = "welcome"
	TypeDailyReminder   Type = "daily_reminder"
	TypeWeeklyReminder  Type = "weekly_reminder"
	TypeWeeklyAnalytics Type = "weekly_analytics"
	TypeTaskReminder    Type = "task_reminder"
	TypeStreakAlert     Type = "streak_alert"
	TypeMarketing       Type = "marketing"
)

// ErrUnknownType indicates a campaign type outside the closed set.
var ErrUnknownType = errors.New("unknown campaign type")

// ErrMissingParam indicates a required template parameter was not supplied.
var ErrMissingParam = errors.New("missing template parameter")

// ChannelKind selects the delivery channel a campaign uses.
type ChannelKind string

const (
	ChannelPush  ChannelKind = "push"
	ChannelEmail ChannelKind = "email"
)

// Cadence is the dedup window for a campaign: at most one user-visible send
// per (user, type, period).
type Cadence string

const (
	CadenceNone   Cadence = "none" // no dedup; every dispatch is a new occurrence
	CadenceDaily  Cadence = "daily"
	CadenceWeekly Cadence = "weekly"
	CadenceOnce   Cadence = "once" // at most once per user, ever
)

// Params carries template parameters for a single send.
type Params map[string]string

// Definition binds a campaign type to its behavior.
type Definition struct {
	Type           Type
	Channel        ChannelKind
	DefaultEnabled bool   // preference default when the user never chose
	Metric         string // quota metric consumed, empty for none
	Cadence        Cadence
	Render         func(Params) (delivery.Message, error)
}

var registry = map[Type]Definition{
	TypeWelcome: {
		Type:           TypeWelcome,
		Channel:        ChannelEmail,
		DefaultEnabled: true,
		Metric:         quota.MetricEmailSends,
		Cadence:        CadenceOnce,
		Render:         renderWelcome,
	},
	TypeDailyReminder: {
		Type:           TypeDailyReminder,
		Channel:        ChannelPush,
		DefaultEnabled: true,
		Cadence:        CadenceDaily,
		Render:         renderDailyReminder,
	},
	TypeWeeklyReminder: {
		Type:           TypeWeeklyReminder,
		Channel:        ChannelEmail,
		DefaultEnabled: true,
		Metric:         quota.MetricEmailSends,
		Cadence:        CadenceWeekly,
		Render:         renderWeeklyReminder,
	},
	TypeWeeklyAnalytics: {
		Type:           TypeWeeklyAnalytics,
		Channel:        ChannelEmail,
		DefaultEnabled: true,
		Metric:         quota.MetricEmailSends,
		Cadence:        CadenceWeekly,
		Render:         renderWeeklyAnalytics,
	},
	TypeTaskReminder: {
		Type:           TypeTaskReminder,
		Channel:        ChannelPush,
		DefaultEnabled: true,
		Cadence:        CadenceNone,
		Render:         renderTaskReminder,
	},
	TypeStreakAlert: {
		Type:           TypeStreakAlert,
		Channel:        ChannelPush,
		DefaultEnabled: true,
		Cadence:        CadenceDaily,
		Render:         renderStreakAlert,
	},
	TypeMarketing: {
		Type:           TypeMarketing,
		Channel:        ChannelEmail,
		DefaultEnabled: false, // explicit opt-in
		Metric:         quota.MetricEmailSends,
		Cadence:        CadenceNone,
		Render:         renderMarketing,
	},
}

// ByType resolves a definition from its name.
func ByType(name string) (Definition, error) {
	def, ok := registry[Type(name)]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", ErrUnknownType, name)
	}
	return def, nil
}

// All returns every campaign definition, for preference listings.
func All() []Definition {
	defs := make([]Definition, 0, len(registry))
	for _, t := range []Type{
		TypeWelcome, TypeDailyReminder, TypeWeeklyReminder,
		TypeWeeklyAnalytics, TypeTaskReminder, TypeStreakAlert, TypeMarketing,
	} {
		defs = append(defs, registry[t])
	}
	return defs
}

// PeriodKey returns the dedup period for a cadence at the given time, in UTC.
// CadenceNone yields an empty key, meaning no dedup applies.
func PeriodKey(c Cadence, now time.Time) string {
	now = now.UTC()
	switch c {
	case CadenceDaily:
		return now.Format("2006-01-02")
	case CadenceWeekly:
		year, week := now.ISOWeek()
		return fmt.Sprintf("%d-W%02d", year, week)
	case CadenceOnce:
		return "once"
	default:
		return ""
	}
}

func require(p Params, keys ...string) error {
	for _, k := range keys {
		if p[k] == "" {
			return fmt.Errorf("%w: %q", ErrMissingParam, k)
		}
	}
	return nil
}

func renderWelcome(p Params) (delivery.Message, error) {
	if err := require(p, "name"); err != nil {
		return delivery.Message{}, err
	}
	return delivery.Message{
		Subject: "Welcome to Ember",
		HTML: fmt.Sprintf(
			`<p>Hi %s,</p><p>Welcome to Ember! Record something today and start your streak.</p>`,
			p["name"],
		),
		Text: fmt.Sprintf("Hi %s,\n\nWelcome to Ember! Record something today and start your streak.", p["name"]),
	}, nil
}

func renderDailyReminder(p Params) (delivery.Message, error) {
	return delivery.Message{
		Title: "Daily check-in",
		Body:  "Take a minute to log today's progress.",
		URL:   "/today",
		Tag:   "daily-reminder",
	}, nil
}

func renderWeeklyReminder(p Params) (delivery.Message, error) {
	return delivery.Message{
		Subject: "Your week at a glance",
		HTML:    `<p>A new week is starting. Review your goals and plan your next seven days.</p>`,
		Text:    "A new week is starting. Review your goals and plan your next seven days.",
	}, nil
}

func renderWeeklyAnalytics(p Params) (delivery.Message, error) {
	if err := require(p, "current_streak", "total_active_days"); err != nil {
		return delivery.Message{}, err
	}
	return delivery.Message{
		Subject: "Your weekly recap",
		HTML: fmt.Sprintf(
			`<p>Current streak: %s days. Total active days: %s. Keep it burning!</p>`,
			p["current_streak"], p["total_active_days"],
		),
		Text: fmt.Sprintf(
			"Current streak: %s days. Total active days: %s. Keep it burning!",
			p["current_streak"], p["total_active_days"],
		),
	}, nil
}

func renderTaskReminder(p Params) (delivery.Message, error) {
	if err := require(p, "task"); err != nil {
		return delivery.Message{}, err
	}
	return delivery.Message{
		Title: "Task due",
		Body:  fmt.Sprintf("%q is due soon.", p["task"]),
		URL:   "/tasks",
		Tag:   "task-reminder",
	}, nil
}

func renderStreakAlert(p Params) (delivery.Message, error) {
	if err := require(p, "streak"); err != nil {
		return delivery.Message{}, err
	}
	return delivery.Message{
		Title: "Your streak is at risk",
		Body:  fmt.Sprintf("Your %s-day streak ends at midnight. One small entry keeps it alive.", p["streak"]),
		URL:   "/today",
		Tag:   "streak-alert",
	}, nil
}

func renderMarketing(p Params) (delivery.Message, error) {
	if err := require(p, "subject", "html"); err != nil {
		return delivery.Message{}, err
	}
	return delivery.Message{
		Subject: p["subject"],
		HTML:    p["html"],
		Text:    p["text"],
	}, nil
}
