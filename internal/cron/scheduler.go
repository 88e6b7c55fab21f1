// Package cron auto-starts scheduled workers and sweeps expired journal rows.
package cron

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/drover/internal/account"
	"github.com/basket/drover/internal/config"
	"github.com/basket/drover/internal/journal"
	"github.com/basket/drover/internal/worker"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// sweepEvery spaces the journal retention sweeps. The first sweep runs on the
// first tick after startup.
const sweepEvery = 12 * time.Hour

// Config holds the dependencies for the scheduler.
type Config struct {
	Registry  *worker.Registry
	Store     *account.Store
	Journal   *journal.Store // nil disables the retention sweep
	Schedules []config.ScheduleConfig
	Retention time.Duration // journal rows older than this are pruned
	Logger    *slog.Logger
	Interval  time.Duration // tick interval; defaults to 1 minute if zero
}

// entry is one config schedule with its parsed expression and the next time
// it is due.
type entry struct {
	spec  config.ScheduleConfig
	sched cronlib.Schedule
	next  time.Time
}

// Scheduler ticks at a fixed interval, starting workers whose cron entries
// are due and pruning journal rows past retention.
type Scheduler struct {
	registry  *worker.Registry
	store     *account.Store
	journal   *journal.Store
	entries   []*entry
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger

	nextSweep time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config. Schedule
// entries that do not parse are logged and dropped; they never stop the
// daemon.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "cron")

	now := time.Now()
	entries := make([]*entry, 0, len(cfg.Schedules))
	for _, spec := range cfg.Schedules {
		sched, err := cronParser.Parse(spec.Cron)
		if err != nil {
			logger.Error("invalid cron expression, schedule dropped",
				"cron", spec.Cron,
				"account", spec.Account,
				"error", err,
			)
			continue
		}
		entries = append(entries, &entry{spec: spec, sched: sched, next: sched.Next(now)})
	}

	return &Scheduler{
		registry:  cfg.Registry,
		store:     cfg.Store,
		journal:   cfg.Journal,
		entries:   entries,
		retention: cfg.Retention,
		interval:  interval,
		logger:    logger,
	}
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown. Workers it starts inherit
// the same context.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "schedules", len(s.entries), "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run the retention sweep immediately on startup; cron entries wait for
	// their own next firing time.
	s.tick(ctx, time.Now())

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, time.Now())
		}
	}
}

// tick fires every due schedule and, when the sweep is due, the retention
// sweep.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	for _, e := range s.entries {
		if now.Before(e.next) {
			continue
		}
		s.fire(ctx, e)
		e.next = e.sched.Next(now)
	}

	if s.journal != nil && !now.Before(s.nextSweep) {
		s.sweep(ctx)
		s.nextSweep = now.Add(sweepEvery)
	}
}

// fire starts the worker a schedule names. An already-running worker is not
// an error; the schedule simply yields to it.
func (s *Scheduler) fire(ctx context.Context, e *entry) {
	ident, err := s.store.Get(e.spec.Account)
	if err != nil {
		s.logger.Error("scheduled account not found",
			"account", e.spec.Account,
			"error", err,
		)
		return
	}
	if ident.OwnerID != e.spec.UserID {
		s.logger.Error("schedule user does not own the account",
			"account", e.spec.Account,
			"user_id", e.spec.UserID,
			"owner_id", ident.OwnerID,
		)
		return
	}

	w, err := s.registry.Start(ctx, e.spec.UserID, ident)
	switch {
	case errors.Is(err, worker.ErrAlreadyRunning):
		s.logger.Info("schedule skipped, worker already running",
			"account", e.spec.Account,
			"user_id", e.spec.UserID,
		)
	case err != nil:
		s.logger.Error("scheduled start failed",
			"account", e.spec.Account,
			"user_id", e.spec.UserID,
			"error", err,
		)
	default:
		s.logger.Info("schedule fired",
			"account", e.spec.Account,
			"user_id", e.spec.UserID,
			"run_id", w.RunID,
			"next_run_at", e.sched.Next(time.Now()),
		)
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	pruned, err := s.journal.PruneRuns(ctx, s.retention)
	if err != nil {
		s.logger.Error("journal retention sweep failed", "error", err)
		return
	}
	if pruned > 0 {
		s.logger.Info("journal retention sweep", "pruned", pruned, "retention", s.retention)
	}
}

// NextRunTime parses the cron expression and returns the next run time after
// the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
