package quota

import (
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/emberhq/ember/internal/database"
	"github.com/emberhq/ember/internal/store"
)

func setupEnforcer(t *testing.T) (*Enforcer, *sql.DB, int64) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	u, err := store.NewUserStore(db).Create("quota@example.com", "Q", "UTC")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	e := NewEnforcer(store.NewSubscriptionStore(db), store.NewUsageStore(db))
	e.WithClock(func() time.Time {
		return time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	})
	return e, db, u.ID
}

func TestFreePlanFallback(t *testing.T) {
	e, _, userID := setupEnforcer(t)

	d, err := e.CheckAndReserve(userID, MetricEmailSends, 1)
	if err != nil {
		t.Fatalf("check and reserve: %v", err)
	}
	if !d.Allowed {
		t.Error("expected first reservation to be allowed")
	}
	if d.Plan != "free" {
		t.Errorf("plan = %q, want free", d.Plan)
	}
	if d.Limit != planLimits["free"][MetricEmailSends] {
		t.Errorf("limit = %d, want free plan limit", d.Limit)
	}
}

func TestProPlanLimit(t *testing.T) {
	e, db, userID := setupEnforcer(t)

	if _, err := store.NewSubscriptionStore(db).Create(userID, "pro"); err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	d, err := e.CheckAndReserve(userID, MetricAIMessages, 1)
	if err != nil {
		t.Fatalf("check and reserve: %v", err)
	}
	if d.Plan != "pro" {
		t.Errorf("plan = %q, want pro", d.Plan)
	}
	if d.Limit != planLimits["pro"][MetricAIMessages] {
		t.Errorf("limit = %d, want pro plan limit", d.Limit)
	}
}

func TestDenialReasonAndNoMutation(t *testing.T) {
	e, db, userID := setupEnforcer(t)

	limit := planLimits["free"][MetricAIMessages]
	d, err := e.CheckAndReserve(userID, MetricAIMessages, limit)
	if err != nil || !d.Allowed {
		t.Fatalf("fill quota: d=%+v err=%v", d, err)
	}

	d, err = e.CheckAndReserve(userID, MetricAIMessages, 1)
	if err != nil {
		t.Fatalf("check over limit: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected denial at limit")
	}
	if d.Reason != ReasonExceeded {
		t.Errorf("reason = %q, want %q", d.Reason, ReasonExceeded)
	}

	c, err := store.NewUsageStore(db).Get(userID, MetricAIMessages, e.Period())
	if err != nil {
		t.Fatalf("get counter: %v", err)
	}
	if c.Count != limit {
		t.Errorf("count after denial = %d, want %d", c.Count, limit)
	}
}

func TestUnknownMetric(t *testing.T) {
	e, _, userID := setupEnforcer(t)

	_, err := e.CheckAndReserve(userID, "carrier_pigeons", 1)
	if !errors.Is(err, ErrUnknownMetric) {
		t.Errorf("err = %v, want ErrUnknownMetric", err)
	}
}

func TestUnknownPlanFailsClosedToFree(t *testing.T) {
	e, db, userID := setupEnforcer(t)

	if _, err := store.NewSubscriptionStore(db).Create(userID, "legacy_gold"); err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	d, err := e.CheckAndReserve(userID, MetricEmailSends, 1)
	if err != nil {
		t.Fatalf("check and reserve: %v", err)
	}
	if d.Plan != "free" {
		t.Errorf("plan = %q, want free fallback", d.Plan)
	}
}

func TestPeriodRolloverResetsUsage(t *testing.T) {
	e, _, userID := setupEnforcer(t)

	limit := planLimits["free"][MetricEmailSends]
	if d, _ := e.CheckAndReserve(userID, MetricEmailSends, limit); !d.Allowed {
		t.Fatal("fill quota")
	}
	if d, _ := e.CheckAndReserve(userID, MetricEmailSends, 1); d.Allowed {
		t.Fatal("expected denial in filled period")
	}

	// Advance the clock into April: a fresh counter.
	e.WithClock(func() time.Time {
		return time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC)
	})
	d, err := e.CheckAndReserve(userID, MetricEmailSends, 1)
	if err != nil {
		t.Fatalf("check after rollover: %v", err)
	}
	if !d.Allowed {
		t.Error("expected fresh capacity after period rollover")
	}
}

func TestConcurrentReservationsRespectLimit(t *testing.T) {
	e, _, userID := setupEnforcer(t)

	limit := planLimits["free"][MetricAIMessages]
	workers := limit + 10

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := e.CheckAndReserve(userID, MetricAIMessages, 1)
			if err != nil {
				t.Errorf("concurrent check: %v", err)
				return
			}
			if d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != limit {
		t.Errorf("allowed = %d, want exactly %d", allowed, limit)
	}
}
