package campaign

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/emberhq/ember/internal/database"
	"github.com/emberhq/ember/internal/delivery"
	"github.com/emberhq/ember/internal/model"
	"github.com/emberhq/ember/internal/quota"
	"github.com/emberhq/ember/internal/store"
)

type fakeChannel struct {
	mu      sync.Mutex
	calls   []delivery.Recipient
	outcome func(delivery.Recipient) delivery.Outcome
}

func (f *fakeChannel) Send(_ context.Context, rcpt delivery.Recipient, _ delivery.Message) delivery.Outcome {
	f.mu.Lock()
	f.calls = append(f.calls, rcpt)
	f.mu.Unlock()
	if f.outcome != nil {
		return f.outcome(rcpt)
	}
	return delivery.Sent("msg-1")
}

func (f *fakeChannel) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type testEnv struct {
	db       *sql.DB
	users    *store.UserStore
	activity *store.ActivityStore
	prefs    *store.PreferenceStore
	sends    *store.CampaignStore
	usage    *store.UsageStore
	email    *fakeChannel
	push     *fakeChannel

	dispatcher *Dispatcher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	env := &testEnv{
		db:       db,
		users:    store.NewUserStore(db),
		activity: store.NewActivityStore(db),
		prefs:    store.NewPreferenceStore(db),
		sends:    store.NewCampaignStore(db),
		usage:    store.NewUsageStore(db),
		email:    &fakeChannel{},
		push:     &fakeChannel{},
	}
	enforcer := quota.NewEnforcer(store.NewSubscriptionStore(db), env.usage)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env.dispatcher = NewDispatcher(
		env.users, env.activity, env.prefs, env.sends, enforcer,
		map[ChannelKind]delivery.Channel{ChannelEmail: env.email, ChannelPush: env.push},
		logger,
	).WithBulkLimit(4)
	return env
}

func (env *testEnv) createUser(t *testing.T, email string) *model.User {
	t.Helper()
	u, err := env.users.Create(email, "Test User", "UTC")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

func TestSendToUserDelivers(t *testing.T) {
	env := newTestEnv(t)
	u := env.createUser(t, "alice@example.com")

	res, err := env.dispatcher.SendToUser(context.Background(), u.ID, TypeWelcome, Params{"name": "Alice"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !res.Sent {
		t.Fatalf("result = %+v, want sent", res)
	}
	if res.MessageID != "msg-1" {
		t.Errorf("message id = %q, want %q", res.MessageID, "msg-1")
	}
	if env.email.callCount() != 1 {
		t.Errorf("email channel calls = %d, want 1", env.email.callCount())
	}

	sent, err := env.sends.WasSent(u.ID, string(TypeWelcome), PeriodKey(CadenceOnce, time.Now()))
	if err != nil {
		t.Fatalf("was sent: %v", err)
	}
	if !sent {
		t.Error("send not recorded in dedup ledger")
	}
}

func TestSendToUserPreferenceGate(t *testing.T) {
	env := newTestEnv(t)
	u := env.createUser(t, "alice@example.com")
	if err := env.prefs.Set(u.ID, string(TypeDailyReminder), false); err != nil {
		t.Fatalf("set preference: %v", err)
	}

	res, err := env.dispatcher.SendToUser(context.Background(), u.ID, TypeDailyReminder, nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !res.Skipped || res.Reason != SkipPreferences {
		t.Errorf("result = %+v, want skip %q", res, SkipPreferences)
	}
	if env.push.callCount() != 0 {
		t.Errorf("push channel calls = %d, want 0", env.push.callCount())
	}
}

func TestSendToUserMarketingDefaultsOff(t *testing.T) {
	env := newTestEnv(t)
	u := env.createUser(t, "alice@example.com")

	res, err := env.dispatcher.SendToUser(context.Background(), u.ID, TypeMarketing,
		Params{"subject": "News", "html": "<p>News</p>"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !res.Skipped || res.Reason != SkipPreferences {
		t.Errorf("result = %+v, want skip %q (marketing is opt-in)", res, SkipPreferences)
	}

	if err := env.prefs.Set(u.ID, string(TypeMarketing), true); err != nil {
		t.Fatalf("set preference: %v", err)
	}
	res, err = env.dispatcher.SendToUser(context.Background(), u.ID, TypeMarketing,
		Params{"subject": "News", "html": "<p>News</p>"})
	if err != nil {
		t.Fatalf("send after opt-in: %v", err)
	}
	if !res.Sent {
		t.Errorf("result after opt-in = %+v, want sent", res)
	}
}

func TestSendToUserDedup(t *testing.T) {
	env := newTestEnv(t)
	u := env.createUser(t, "alice@example.com")

	first, err := env.dispatcher.SendToUser(context.Background(), u.ID, TypeDailyReminder, nil)
	if err != nil {
		t.Fatalf("first send: %v", err)
	}
	if !first.Sent {
		t.Fatalf("first result = %+v, want sent", first)
	}

	second, err := env.dispatcher.SendToUser(context.Background(), u.ID, TypeDailyReminder, nil)
	if err != nil {
		t.Fatalf("second send: %v", err)
	}
	if !second.Skipped || second.Reason != SkipAlreadySent {
		t.Errorf("second result = %+v, want skip %q", second, SkipAlreadySent)
	}
	if env.push.callCount() != 1 {
		t.Errorf("push channel calls = %d, want 1", env.push.callCount())
	}
}

func TestSendToUserQuotaExhausted(t *testing.T) {
	env := newTestEnv(t)
	u := env.createUser(t, "alice@example.com")

	// Burn the entire free-tier email allowance.
	period := time.Now().UTC().Format("2006-01")
	if _, err := env.usage.Reserve(u.ID, quota.MetricEmailSends, period, 30, 30); err != nil {
		t.Fatalf("seed usage: %v", err)
	}

	res, err := env.dispatcher.SendToUser(context.Background(), u.ID, TypeWelcome, Params{"name": "Alice"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !res.Skipped || res.Reason != SkipQuota {
		t.Errorf("result = %+v, want skip %q", res, SkipQuota)
	}
	if env.email.callCount() != 0 {
		t.Errorf("email channel calls = %d, want 0", env.email.callCount())
	}
}

func TestSendToUserQuotaReleasedOnDeliveryFailure(t *testing.T) {
	env := newTestEnv(t)
	u := env.createUser(t, "alice@example.com")
	env.email.outcome = func(delivery.Recipient) delivery.Outcome {
		return delivery.Failure(delivery.ErrorKindProvider, "upstream 500")
	}

	res, err := env.dispatcher.SendToUser(context.Background(), u.ID, TypeWelcome, Params{"name": "Alice"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.Sent || res.Skipped || res.Reason != delivery.ErrorKindProvider {
		t.Errorf("result = %+v, want delivery failure %q", res, delivery.ErrorKindProvider)
	}

	period := time.Now().UTC().Format("2006-01")
	counter, err := env.usage.Get(u.ID, quota.MetricEmailSends, period)
	if err != nil {
		t.Fatalf("get usage: %v", err)
	}
	if counter != nil && counter.Count != 0 {
		t.Errorf("usage count = %d, want 0 after release", counter.Count)
	}

	// The failed attempt must not block a retry.
	sent, err := env.sends.WasSent(u.ID, string(TypeWelcome), PeriodKey(CadenceOnce, time.Now()))
	if err != nil {
		t.Fatalf("was sent: %v", err)
	}
	if sent {
		t.Error("failed attempt recorded as sent")
	}
}

func TestSendToUserFailedAttemptIsRetryable(t *testing.T) {
	env := newTestEnv(t)
	u := env.createUser(t, "alice@example.com")

	env.email.outcome = func(delivery.Recipient) delivery.Outcome {
		return delivery.Failure(delivery.ErrorKindProvider, "upstream 500")
	}
	if _, err := env.dispatcher.SendToUser(context.Background(), u.ID, TypeWelcome, Params{"name": "Alice"}); err != nil {
		t.Fatalf("first send: %v", err)
	}

	env.email.outcome = nil
	res, err := env.dispatcher.SendToUser(context.Background(), u.ID, TypeWelcome, Params{"name": "Alice"})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !res.Sent {
		t.Errorf("retry result = %+v, want sent", res)
	}
}

func TestSendToUserNoDestination(t *testing.T) {
	env := newTestEnv(t)
	u := env.createUser(t, "alice@example.com")
	env.push.outcome = func(delivery.Recipient) delivery.Outcome {
		return delivery.Failure(delivery.ErrorKindNoDestination, "no subscriptions")
	}

	res, err := env.dispatcher.SendToUser(context.Background(), u.ID, TypeDailyReminder, nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !res.Skipped || res.Reason != SkipNoDestination {
		t.Errorf("result = %+v, want skip %q", res, SkipNoDestination)
	}

	sent, err := env.sends.WasSent(u.ID, string(TypeDailyReminder), PeriodKey(CadenceDaily, time.Now()))
	if err != nil {
		t.Fatalf("was sent: %v", err)
	}
	if sent {
		t.Error("no-destination skip recorded as sent")
	}
}

func TestSendToUserUnknownUser(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.dispatcher.SendToUser(context.Background(), 999, TypeWelcome, Params{"name": "X"})
	if !errors.Is(err, ErrUserNotFound) {
		t.Errorf("err = %v, want ErrUserNotFound", err)
	}
}

func TestSendToUserUnknownType(t *testing.T) {
	env := newTestEnv(t)
	u := env.createUser(t, "alice@example.com")

	_, err := env.dispatcher.SendToUser(context.Background(), u.ID, Type("bogus"), nil)
	if !errors.Is(err, ErrUnknownType) {
		t.Errorf("err = %v, want ErrUnknownType", err)
	}
}

func TestSendToUserMissingParam(t *testing.T) {
	env := newTestEnv(t)
	u := env.createUser(t, "alice@example.com")

	_, err := env.dispatcher.SendToUser(context.Background(), u.ID, TypeWelcome, nil)
	if !errors.Is(err, ErrMissingParam) {
		t.Fatalf("err = %v, want ErrMissingParam", err)
	}
	if env.email.callCount() != 0 {
		t.Errorf("email channel calls = %d, want 0", env.email.callCount())
	}

	// The reservation made before rendering must have been returned.
	period := time.Now().UTC().Format("2006-01")
	counter, err := env.usage.Get(u.ID, quota.MetricEmailSends, period)
	if err != nil {
		t.Fatalf("get usage: %v", err)
	}
	if counter != nil && counter.Count != 0 {
		t.Errorf("usage count = %d, want 0 after release", counter.Count)
	}
}

func TestSendToUserInactiveUser(t *testing.T) {
	env := newTestEnv(t)
	u := env.createUser(t, "alice@example.com")
	if err := env.users.UpdateStatus(u.ID, model.UserStatusDeactivated); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	res, err := env.dispatcher.SendToUser(context.Background(), u.ID, TypeDailyReminder, nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !res.Skipped || res.Reason != SkipUserInactive {
		t.Errorf("result = %+v, want skip %q", res, SkipUserInactive)
	}
}

func TestSendBulkRecipientIsolation(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "a@example.com")
	broken := env.createUser(t, "b@example.com")
	env.createUser(t, "c@example.com")

	env.email.outcome = func(rcpt delivery.Recipient) delivery.Outcome {
		if rcpt.UserID == broken.ID {
			return delivery.Failure(delivery.ErrorKindProvider, "upstream 500")
		}
		return delivery.Sent("msg-1")
	}

	res, err := env.dispatcher.SendBulk(context.Background(), TypeWelcome, nil)
	if err != nil {
		t.Fatalf("bulk: %v", err)
	}
	if res.Sent != 2 || res.Failed != 1 || res.Skipped != 0 {
		t.Errorf("result = %+v, want sent 2, failed 1, skipped 0", res)
	}
	if res.Total != 3 {
		t.Errorf("total = %d, want 3", res.Total)
	}
	if res.RunID == "" {
		t.Error("run id empty")
	}
}

func TestSendBulkDedupAcrossRuns(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "a@example.com")
	env.createUser(t, "b@example.com")

	first, err := env.dispatcher.SendBulk(context.Background(), TypeDailyReminder, nil)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.Sent != 2 {
		t.Fatalf("first run sent = %d, want 2", first.Sent)
	}

	second, err := env.dispatcher.SendBulk(context.Background(), TypeDailyReminder, nil)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Sent != 0 || second.Skipped != 2 {
		t.Errorf("second run = %+v, want sent 0, skipped 2", second)
	}
	if env.push.callCount() != 2 {
		t.Errorf("push channel calls = %d, want 2", env.push.callCount())
	}
}

func TestSendBulkCancelledBeforeStart(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "a@example.com")
	env.createUser(t, "b@example.com")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := env.dispatcher.SendBulk(ctx, TypeDailyReminder, nil)
	if err != nil {
		t.Fatalf("bulk: %v", err)
	}
	if res.Sent != 0 || res.Failed != 0 || res.Skipped != 2 {
		t.Errorf("result = %+v, want everything skipped", res)
	}
	if env.push.callCount() != 0 {
		t.Errorf("push channel calls = %d, want 0", env.push.callCount())
	}
}

func TestSendBulkStreakAlertEligibility(t *testing.T) {
	env := newTestEnv(t)
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	env.dispatcher.WithClock(func() time.Time { return now })

	atRisk := env.createUser(t, "risk@example.com")
	safe := env.createUser(t, "safe@example.com")
	fresh := env.createUser(t, "fresh@example.com")

	// Last active yesterday: streak survives only if they act today.
	if err := env.activity.Save(model.ActivityRecord{
		UserID: atRisk.ID, LastActiveAt: now.AddDate(0, 0, -1), CurrentStreak: 5, LongestStreak: 5, TotalActiveDays: 5,
	}); err != nil {
		t.Fatalf("save activity: %v", err)
	}
	// Already active today.
	if err := env.activity.Save(model.ActivityRecord{
		UserID: safe.ID, LastActiveAt: now.Add(-2 * time.Hour), CurrentStreak: 3, LongestStreak: 3, TotalActiveDays: 3,
	}); err != nil {
		t.Fatalf("save activity: %v", err)
	}
	_ = fresh // no activity record at all

	res, err := env.dispatcher.SendBulk(context.Background(), TypeStreakAlert, nil)
	if err != nil {
		t.Fatalf("bulk: %v", err)
	}
	if res.Sent != 1 || res.Skipped != 2 || res.Failed != 0 {
		t.Errorf("result = %+v, want sent 1, skipped 2", res)
	}
	if env.push.callCount() != 1 {
		t.Fatalf("push channel calls = %d, want 1", env.push.callCount())
	}
	env.push.mu.Lock()
	got := env.push.calls[0].UserID
	env.push.mu.Unlock()
	if got != atRisk.ID {
		t.Errorf("alerted user = %d, want %d", got, atRisk.ID)
	}
}
