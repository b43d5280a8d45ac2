package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultJanitorSchedule prunes expired sessions every five minutes.
const DefaultJanitorSchedule = "*/5 * * * *"

// Janitor periodically removes expired sessions from the store. The
// prune cadence is a standard five-field cron expression.
type Janitor struct {
	store    Store
	schedule cron.Schedule
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex
}

// NewJanitor builds a janitor for the store. An empty cronExpr selects
// DefaultJanitorSchedule.
func NewJanitor(store Store, cronExpr string, logger *slog.Logger) (*Janitor, error) {
	if cronExpr == "" {
		cronExpr = DefaultJanitorSchedule
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("parse janitor schedule %q: %w", cronExpr, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{store: store, schedule: schedule, logger: logger}, nil
}

// Start launches the background prune loop.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	if j.done != nil {
		j.mu.Unlock()
		return fmt.Errorf("janitor already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.done = make(chan struct{})
	j.mu.Unlock()

	go j.loop(loopCtx)
	j.logger.Info("session janitor started")
	return nil
}

func (j *Janitor) loop(ctx context.Context) {
	defer close(j.done)

	for {
		now := time.Now()
		next := j.schedule.Next(now)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			j.Prune(ctx)
		}
	}
}

// Prune runs one prune pass and logs what it removed.
func (j *Janitor) Prune(ctx context.Context) {
	pruned, err := j.store.PruneExpired(ctx)
	if err != nil {
		j.logger.Error("session prune failed", slog.String("error", err.Error()))
		return
	}
	if len(pruned) > 0 {
		j.logger.Info("pruned expired sessions",
			slog.Int("count", len(pruned)),
			slog.Any("session_ids", pruned),
		)
	}
}

// Stop gracefully shuts down the janitor.
func (j *Janitor) Stop() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.cancel == nil {
		return nil
	}
	j.cancel()
	<-j.done
	j.cancel = nil
	j.done = nil

	j.logger.Info("session janitor stopped")
	return nil
}
