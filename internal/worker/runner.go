package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/basket/drover/internal/account"
	"github.com/basket/drover/internal/backend"
	"github.com/basket/drover/internal/bus"
	"github.com/basket/drover/internal/gate"
	"github.com/basket/drover/internal/journal"
	"github.com/basket/drover/internal/shared"
)

// Opener builds a backend session for an account. Satisfied by
// backend.Factory.
type Opener interface {
	Open(ctx context.Context, userID int64, ident account.Identity) (backend.Session, error)
}

// Limits are the pacing knobs a run snapshots when it starts. Reloading the
// config changes them for future runs only.
type Limits struct {
	MaxActions int
	SleepMin   time.Duration
	SleepMax   time.Duration
}

// Runner drives the action loop: acquire a backend slot, connect, verify
// authorization, then alternate one action with one jittered sleep until the
// account's lifetime counter reaches MaxActions.
type Runner struct {
	opener  Opener
	gate    *gate.Gate
	store   *account.Store
	journal *journal.Store // may be nil in tests
	bus     *bus.Bus       // may be nil in tests
	logger  *slog.Logger

	mu     sync.Mutex
	limits Limits
}

func NewRunner(opener Opener, g *gate.Gate, store *account.Store, j *journal.Store, b *bus.Bus, limits Limits, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		opener:  opener,
		gate:    g,
		store:   store,
		journal: j,
		bus:     b,
		logger:  logger.With("component", "worker"),
		limits:  limits,
	}
}

// Reload swaps the pacing limits for runs started after this call.
func (r *Runner) Reload(limits Limits) {
	r.mu.Lock()
	r.limits = limits
	r.mu.Unlock()
}

func (r *Runner) snapshot() Limits {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.limits
}

// Run executes one worker to its terminal state. Cleanup happens exactly
// once, in order: backend teardown, slot release, journal finalize. The
// registry removes the worker after Run returns.
func (r *Runner) Run(ctx context.Context, w *Worker) {
	ctx = shared.WithRunID(ctx, w.RunID)
	ctx = shared.WithUserID(ctx, w.UserID)
	ctx = shared.WithAccount(ctx, w.Account)
	logger := r.logger.With("run_id", w.RunID, "user_id", w.UserID, "account", w.Account, "backend", w.Backend)

	r.journalStart(ctx, w)
	r.publish(bus.TopicWorkerStarted, w, bus.WorkerEvent{State: string(StateConnecting)})

	state, actions, err := r.loop(ctx, w, logger)

	w.setProgress(actions)
	w.setErr(err)
	w.setState(state)
	r.journalFinish(w, state, actions, err)

	ev := bus.WorkerEvent{State: string(state), Actions: actions}
	switch state {
	case StateCompleted:
		r.publish(bus.TopicWorkerCompleted, w, ev)
		logger.Info("run completed", "actions", actions)
	case StateCancelled:
		r.publish(bus.TopicWorkerCancelled, w, ev)
		logger.Info("run cancelled", "actions", actions)
	default:
		ev.Err = errText(err)
		ev.AuthExpired = IsAuthFailure(err)
		r.publish(bus.TopicWorkerFailed, w, ev)
		logger.Error("run failed", "actions", actions, "error", err)
	}
}

func (r *Runner) loop(ctx context.Context, w *Worker, logger *slog.Logger) (State, int, error) {
	limits := r.snapshot()

	// Connecting: wait for a backend slot. Nothing is held yet, so a cancel
	// here needs no cleanup.
	w.setState(StateConnecting)
	if err := r.gate.Acquire(ctx, w.Backend); err != nil {
		if ctx.Err() != nil {
			return StateCancelled, 0, nil
		}
		return StateFailed, 0, err
	}
	defer r.gate.Release(w.Backend)

	sess, err := r.opener.Open(ctx, w.UserID, w.ident)
	if err != nil {
		return StateFailed, 0, err
	}
	defer func() {
		if err := sess.Disconnect(); err != nil {
			logger.Warn("backend teardown failed", "error", err)
		}
	}()

	if err := sess.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			return StateCancelled, 0, nil
		}
		return StateFailed, 0, err
	}

	w.setState(StateAuthorizing)
	authorized, err := sess.IsAuthorized(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return StateCancelled, 0, nil
		}
		return StateFailed, 0, err
	}
	if !authorized {
		return StateFailed, 0, backend.ErrAuthExpired
	}

	// Resume from the durable counter; a finished account completes without
	// performing anything.
	count, err := r.store.Counter(w.Backend, w.Account)
	if err != nil {
		return StateFailed, 0, err
	}
	logger.Info("authorized", "progress", count, "max_actions", limits.MaxActions)

	var done int
	for count < limits.MaxActions {
		w.setState(StateRunning)
		seq := count + 1
		if err := sess.PerformAction(ctx, seq); err != nil {
			if ctx.Err() != nil {
				return StateCancelled, done, nil
			}
			return StateFailed, done, err
		}
		count = seq
		done++
		w.setProgress(done)
		if err := r.store.SetCounter(w.Backend, w.Account, count); err != nil {
			return StateFailed, done, fmt.Errorf("persist progress: %w", err)
		}
		r.publish(bus.TopicWorkerAction, w, bus.WorkerEvent{
			State:   string(StateRunning),
			Action:  backend.ResourceTitle(w.Account, seq),
			Actions: done,
		})
		logger.Info("action done", "seq", seq, "this_run", done)

		if count >= limits.MaxActions {
			break
		}

		wait := jitter(limits.SleepMin, limits.SleepMax)
		w.setState(StateSleeping)
		r.publish(bus.TopicWorkerSleeping, w, bus.WorkerEvent{
			State:    string(StateSleeping),
			Actions:  done,
			WaitSecs: int(wait / time.Second),
		})
		select {
		case <-ctx.Done():
			return StateCancelled, done, nil
		case <-time.After(wait):
		}
	}
	return StateCompleted, done, nil
}

// jitter picks a uniform duration in [min, max].
func jitter(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int64N(int64(max-min)+1))
}

func (r *Runner) publish(topic string, w *Worker, ev bus.WorkerEvent) {
	if r.bus == nil {
		return
	}
	ev.RunID = w.RunID
	ev.UserID = w.UserID
	ev.Account = w.Account
	ev.Backend = string(w.Backend)
	r.bus.Publish(topic, ev)
}

func (r *Runner) journalStart(ctx context.Context, w *Worker) {
	if r.journal == nil {
		return
	}
	rec := journal.Run{
		RunID:     w.RunID,
		UserID:    w.UserID,
		Account:   w.Account,
		Backend:   string(w.Backend),
		State:     string(StateConnecting),
		StartedAt: w.StartedAt,
	}
	if err := r.journal.StartRun(ctx, rec); err != nil {
		r.logger.Error("journal start failed", "run_id", w.RunID, "error", err)
	}
}

// journalFinish uses its own context: the run context is usually already
// cancelled by the time the terminal state is known.
func (r *Runner) journalFinish(w *Worker, state State, actions int, err error) {
	if r.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if jerr := r.journal.FinishRun(ctx, w.RunID, string(state), actions, errText(err)); jerr != nil {
		r.logger.Error("journal finalize failed", "run_id", w.RunID, "error", jerr)
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// IsAuthFailure reports whether a run error means the account needs to be
// onboarded again rather than simply retried.
func IsAuthFailure(err error) bool {
	return errors.Is(err, backend.ErrAuthExpired)
}
