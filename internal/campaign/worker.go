package campaign

import (
	"context"
	"log/slog"
	"sync"
)

// Task is one queued transactional send.
type Task struct {
	UserID int64
	Type   Type
	Params Params
}

// Workers is a bounded background pool for transactional sends that must not
// block a request (the welcome email after signup, a task reminder on
// creation). Bounded so a signup storm cannot spawn unbounded goroutines, and
// every failure is logged rather than lost in a detached goroutine.
type Workers struct {
	dispatcher *Dispatcher
	logger     *slog.Logger
	tasks      chan Task
	wg         sync.WaitGroup
	count      int
}

// NewWorkers creates a pool of count workers with the given queue depth.
func NewWorkers(d *Dispatcher, count, queueDepth int, logger *slog.Logger) *Workers {
	if count < 1 {
		count = 1
	}
	return &Workers{
		dispatcher: d,
		logger:     logger.With("component", "campaign_workers"),
		tasks:      make(chan Task, queueDepth),
		count:      count,
	}
}

// Start launches the workers. They run until Stop is called; ctx bounds the
// sends themselves.
func (w *Workers) Start(ctx context.Context) {
	for i := 0; i < w.count; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for task := range w.tasks {
				w.run(ctx, task)
			}
		}()
	}
}

// Enqueue queues a send. It reports false when the queue is full; callers
// treat that as a degraded-but-alive condition, not an error to surface.
func (w *Workers) Enqueue(task Task) bool {
	select {
	case w.tasks <- task:
		return true
	default:
		w.logger.Warn("task queue full, dropping send",
			"user_id", task.UserID, "campaign", task.Type)
		return false
	}
}

// Stop closes the queue and waits for queued tasks to drain.
func (w *Workers) Stop() {
	close(w.tasks)
	w.wg.Wait()
}

func (w *Workers) run(ctx context.Context, task Task) {
	res, err := w.dispatcher.SendToUser(ctx, task.UserID, task.Type, task.Params)
	if err != nil {
		w.logger.Error("background send", "user_id", task.UserID, "campaign", task.Type, "error", err)
		return
	}
	if !res.Sent && !res.Skipped {
		w.logger.Warn("background send failed",
			"user_id", task.UserID, "campaign", task.Type, "reason", res.Reason)
	}
}
