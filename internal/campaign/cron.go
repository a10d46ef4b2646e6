package campaign

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Cron fires scheduled campaign runs: the daily reminder and streak alert
// every day at sendHour, the weekly campaigns on Monday. The dedup ledger
// makes overlapping or repeated ticks safe, so the loop can fire on every
// matching minute without tracking what already ran.
type Cron struct {
	mu         sync.RWMutex
	dispatcher *Dispatcher
	logger     *slog.Logger
	interval   time.Duration
	sendHour   int
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewCron creates a campaign scheduler. sendHour is the UTC hour scheduled
// campaigns fire at.
func NewCron(d *Dispatcher, sendHour int, logger *slog.Logger) *Cron {
	return &Cron{
		dispatcher: d,
		logger:     logger.With("component", "cron"),
		interval:   60 * time.Second,
		sendHour:   sendHour,
	}
}

// Start begins the scheduler loop.
func (c *Cron) Start(ctx context.Context) {
	c.mu.Lock()
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	c.mu.Unlock()

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.tick(ctx, time.Now().UTC())
			}
		}
	}()
}

// Stop gracefully stops the scheduler, waiting for an in-flight tick.
func (c *Cron) Stop() {
	c.mu.RLock()
	cancel := c.cancel
	done := c.done
	c.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (c *Cron) tick(ctx context.Context, now time.Time) {
	if now.Hour() != c.sendHour || now.Minute() != 0 {
		return
	}

	for _, t := range c.due(now) {
		res, err := c.dispatcher.SendBulk(ctx, t, nil)
		if err != nil {
			c.logger.Error("scheduled dispatch", "campaign", t, "error", err)
			continue
		}
		c.logger.Info("scheduled dispatch",
			"campaign", t, "sent", res.Sent, "failed", res.Failed, "skipped", res.Skipped)
	}
}

// due returns the campaigns scheduled for the given day.
func (c *Cron) due(now time.Time) []Type {
	types := []Type{TypeDailyReminder, TypeStreakAlert}
	if now.Weekday() == time.Monday {
		types = append(types, TypeWeeklyReminder, TypeWeeklyAnalytics)
	}
	return types
}
