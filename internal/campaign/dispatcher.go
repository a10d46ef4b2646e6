package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/emberhq/ember/internal/delivery"
	"github.com/emberhq/ember/internal/model"
	"github.com/emberhq/ember/internal/quota"
	"github.com/emberhq/ember/internal/store"
	"github.com/emberhq/ember/internal/streak"
)

// ErrUserNotFound indicates a send was requested for a user that does not
// exist.
var ErrUserNotFound = errors.New("user not found")

// ErrNoChannel indicates no delivery channel is configured for the campaign's
// channel kind. A wiring bug, not a per-recipient condition.
var ErrNoChannel = errors.New("no delivery channel configured")

// Skip reasons reported in a SendResult. Skips are expected states, not
// failures: nothing should have been delivered.
const (
	SkipPreferences   = "preferences_disabled"
	SkipQuota         = quota.ReasonExceeded
	SkipAlreadySent   = "already_sent"
	SkipUserInactive  = "user_inactive"
	SkipNoDestination = delivery.ErrorKindNoDestination
)

// DefaultBulkLimit bounds concurrent sends in a bulk run.
const DefaultBulkLimit = 8

// SendResult is the structured outcome of one transactional send. Exactly one
// of Sent and Skipped is true unless the delivery itself failed, in which case
// both are false and Reason carries the failure kind.
type SendResult struct {
	Sent      bool   `json:"sent"`
	Skipped   bool   `json:"skipped,omitempty"`
	Reason    string `json:"reason,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

// BulkResult summarizes one bulk dispatch run.
type BulkResult struct {
	RunID   string `json:"run_id"`
	Total   int    `json:"total"`
	Sent    int    `json:"sent"`
	Failed  int    `json:"failed"`
	Skipped int    `json:"skipped"`
}

// Dispatcher routes campaigns through the preference gate, the quota enforcer,
// and the per-period dedup ledger before handing a rendered message to a
// delivery channel.
type Dispatcher struct {
	users    *store.UserStore
	activity *store.ActivityStore
	prefs    *store.PreferenceStore
	sends    *store.CampaignStore
	quota    *quota.Enforcer
	channels map[ChannelKind]delivery.Channel
	logger   *slog.Logger

	now       func() time.Time
	bulkLimit int
}

func NewDispatcher(
	users *store.UserStore,
	activity *store.ActivityStore,
	prefs *store.PreferenceStore,
	sends *store.CampaignStore,
	enforcer *quota.Enforcer,
	channels map[ChannelKind]delivery.Channel,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		users:     users,
		activity:  activity,
		prefs:     prefs,
		sends:     sends,
		quota:     enforcer,
		channels:  channels,
		logger:    logger.With("component", "campaign"),
		now:       time.Now,
		bulkLimit: DefaultBulkLimit,
	}
}

// WithClock overrides the time source; tests pin dedup periods with it.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// WithBulkLimit overrides the bulk concurrency bound.
func (d *Dispatcher) WithBulkLimit(n int) *Dispatcher {
	if n > 0 {
		d.bulkLimit = n
	}
	return d
}

// SendToUser runs one transactional send: preference gate, dedup ledger, and
// quota reservation in that order, each short-circuiting to a skip, then
// render and deliver. Expected skips and delivery failures come back in the
// SendResult; a returned error means a caller bug (unknown type, missing
// template parameter, unknown user) or an infrastructure fault.
func (d *Dispatcher) SendToUser(ctx context.Context, userID int64, t Type, params Params) (SendResult, error) {
	def, ok := registry[t]
	if !ok {
		return SendResult{}, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}

	user, err := d.users.GetByID(userID)
	if err != nil {
		return SendResult{}, err
	}
	if user == nil {
		return SendResult{}, fmt.Errorf("%w: id %d", ErrUserNotFound, userID)
	}
	if user.Status != model.UserStatusActive {
		return SendResult{Skipped: true, Reason: SkipUserInactive}, nil
	}

	enabled, err := d.prefs.IsEnabled(userID, string(t), def.DefaultEnabled)
	if err != nil {
		return SendResult{}, err
	}
	if !enabled {
		return SendResult{Skipped: true, Reason: SkipPreferences}, nil
	}

	// Dedup before quota so a duplicate never burns a reservation.
	period := PeriodKey(def.Cadence, d.now())
	if period != "" {
		sent, err := d.sends.WasSent(userID, string(t), period)
		if err != nil {
			return SendResult{}, err
		}
		if sent {
			return SendResult{Skipped: true, Reason: SkipAlreadySent}, nil
		}
	}

	reserved := false
	if def.Metric != "" {
		dec, err := d.quota.CheckAndReserve(userID, def.Metric, 1)
		if err != nil {
			return SendResult{}, err
		}
		if !dec.Allowed {
			return SendResult{Skipped: true, Reason: SkipQuota}, nil
		}
		reserved = true
	}

	release := func() {
		if !reserved {
			return
		}
		if err := d.quota.Release(userID, def.Metric, 1); err != nil {
			d.logger.Error("release quota reservation", "user_id", userID, "metric", def.Metric, "error", err)
		}
	}

	msg, err := def.Render(params)
	if err != nil {
		release()
		return SendResult{}, fmt.Errorf("render %s: %w", t, err)
	}

	ch, ok := d.channels[def.Channel]
	if !ok {
		release()
		return SendResult{}, fmt.Errorf("%w: %s", ErrNoChannel, def.Channel)
	}

	rcpt := delivery.Recipient{UserID: user.ID, Email: user.Email, Name: user.Name}
	outcome := ch.Send(ctx, rcpt, msg)

	switch {
	case outcome.Success:
		if period != "" {
			if err := d.sends.RecordSend(userID, string(t), period, model.SendStatusSent, ""); err != nil {
				d.logger.Error("record campaign send", "user_id", userID, "campaign", t, "error", err)
			}
		}
		d.logger.Info("campaign sent", "user_id", userID, "campaign", t, "channel", def.Channel)
		return SendResult{Sent: true, MessageID: outcome.ProviderMessageID}, nil

	case outcome.ErrorKind == delivery.ErrorKindNoDestination:
		release()
		return SendResult{Skipped: true, Reason: SkipNoDestination}, nil

	default:
		release()
		if period != "" {
			if err := d.sends.RecordSend(userID, string(t), period, model.SendStatusFailed, outcome.Detail); err != nil {
				d.logger.Error("record campaign send", "user_id", userID, "campaign", t, "error", err)
			}
		}
		d.logger.Warn("campaign delivery failed",
			"user_id", userID, "campaign", t, "kind", outcome.ErrorKind, "detail", outcome.Detail)
		return SendResult{Reason: outcome.ErrorKind}, nil
	}
}

// SendBulk dispatches one campaign to every eligible active user with bounded
// concurrency. Each recipient is isolated: one failure never aborts the run.
// Cancelling ctx stops launching new recipients; sends already in flight
// complete. Recipients never started are counted as skipped.
func (d *Dispatcher) SendBulk(ctx context.Context, t Type, params Params) (BulkResult, error) {
	if _, ok := registry[t]; !ok {
		return BulkResult{}, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}

	users, err := d.users.ListActive()
	if err != nil {
		return BulkResult{}, err
	}

	res := BulkResult{RunID: uuid.NewString(), Total: len(users)}
	logger := d.logger.With("run_id", res.RunID, "campaign", t)
	logger.Info("bulk dispatch started", "recipients", len(users))

	// In-flight sends outlive a cancelled run; only launching stops.
	sendCtx := context.WithoutCancel(ctx)

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(d.bulkLimit)

	for i := range users {
		if ctx.Err() != nil {
			mu.Lock()
			res.Skipped += len(users) - i
			mu.Unlock()
			logger.Warn("bulk dispatch cancelled", "remaining", len(users)-i)
			break
		}

		user := users[i]
		g.Go(func() error {
			p, eligible := d.bulkParams(t, &user, params)
			if !eligible {
				mu.Lock()
				res.Skipped++
				mu.Unlock()
				return nil
			}

			sr, err := d.SendToUser(sendCtx, user.ID, t, p)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				res.Failed++
				logger.Error("bulk recipient failed", "user_id", user.ID, "error", err)
			case sr.Sent:
				res.Sent++
			case sr.Skipped:
				res.Skipped++
			default:
				res.Failed++
			}
			return nil
		})
	}
	g.Wait()

	logger.Info("bulk dispatch finished",
		"sent", res.Sent, "failed", res.Failed, "skipped", res.Skipped)
	return res, nil
}

// bulkParams derives per-recipient template parameters for campaigns whose
// data lives server-side, and filters recipients the campaign does not apply
// to. Caller-supplied params pass through for the rest.
func (d *Dispatcher) bulkParams(t Type, user *model.User, params Params) (Params, bool) {
	switch t {
	case TypeWelcome:
		name := user.Name
		if name == "" {
			name = user.Email
		}
		return Params{"name": name}, true

	case TypeStreakAlert:
		rec, err := d.activity.Get(user.ID)
		if err != nil {
			d.logger.Error("load activity record", "user_id", user.ID, "error", err)
			return nil, false
		}
		if rec == nil || rec.CurrentStreak == 0 {
			return nil, false
		}
		loc := userLocation(user)
		if !streak.BrokenBy(*rec, d.now(), loc) {
			return nil, false
		}
		return Params{"streak": strconv.Itoa(rec.CurrentStreak)}, true

	case TypeWeeklyAnalytics:
		rec, err := d.activity.Get(user.ID)
		if err != nil {
			d.logger.Error("load activity record", "user_id", user.ID, "error", err)
			return nil, false
		}
		if rec == nil || rec.TotalActiveDays == 0 {
			return nil, false
		}
		return Params{
			"current_streak":    strconv.Itoa(rec.CurrentStreak),
			"total_active_days": strconv.Itoa(rec.TotalActiveDays),
		}, true

	default:
		return params, true
	}
}

func userLocation(user *model.User) *time.Location {
	loc, err := time.LoadLocation(user.Timezone)
	if err != nil || user.Timezone == "" {
		return time.UTC
	}
	return loc
}
