package worker

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/basket/drover/internal/account"
	"github.com/basket/drover/internal/shared"
)

var (
	// ErrAlreadyRunning means a worker already holds the (user, account) slot.
	ErrAlreadyRunning = errors.New("worker: already running for this account")
	// ErrNotFound means no running worker matches the (user, account) pair.
	ErrNotFound = errors.New("worker: no running worker")
)

type key struct {
	userID  int64
	account string
}

// Worker is the registry's handle on one live run. The runner updates state
// and action counts as the run progresses; everything else is fixed at start.
type Worker struct {
	RunID     string
	UserID    int64
	Account   string
	Backend   account.Backend
	StartedAt time.Time

	ident  account.Identity
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	state   State
	actions int
	err     error
}

func newWorker(userID int64, ident account.Identity) *Worker {
	return &Worker{
		RunID:     shared.NewRunID(),
		UserID:    userID,
		Account:   ident.Name,
		Backend:   ident.Backend,
		StartedAt: time.Now(),
		ident:     ident,
		done:      make(chan struct{}),
		state:     StateConnecting,
	}
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// State returns the run's current phase.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setProgress(actions int) {
	w.mu.Lock()
	w.actions = actions
	w.mu.Unlock()
}

func (w *Worker) setErr(err error) {
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
}

// Err returns the failure that ended the run, if any.
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Done is closed after the run has fully terminated and left the registry.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Info is a point-in-time copy of a worker's state, safe to hold after the
// worker is gone.
type Info struct {
	RunID     string          `json:"run_id"`
	UserID    int64           `json:"user_id"`
	Account   string          `json:"account"`
	Backend   account.Backend `json:"backend"`
	State     State           `json:"state"`
	Actions   int             `json:"actions"`
	StartedAt time.Time       `json:"started_at"`
	Err       string          `json:"error,omitempty"`
}

// Info snapshots the worker.
func (w *Worker) Info() Info {
	w.mu.Lock()
	defer w.mu.Unlock()
	info := Info{
		RunID:     w.RunID,
		UserID:    w.UserID,
		Account:   w.Account,
		Backend:   w.Backend,
		State:     w.state,
		Actions:   w.actions,
		StartedAt: w.StartedAt,
	}
	if w.err != nil {
		info.Err = w.err.Error()
	}
	return info
}

// RunFunc executes one run to its terminal state. It must return only after
// all of the run's cleanup has happened; the registry removes the worker
// when it returns.
type RunFunc func(ctx context.Context, w *Worker)

// Registry tracks the live worker for each (user, account) pair and enforces
// at most one per pair. Workers leave the registry only by terminating.
type Registry struct {
	mu      sync.RWMutex
	workers map[key]*Worker
	run     RunFunc
	logger  *slog.Logger
}

func NewRegistry(run RunFunc, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		workers: make(map[key]*Worker),
		run:     run,
		logger:  logger.With("component", "registry"),
	}
}

// Start launches a worker for the account. ctx should be the process
// context: the run belongs to the daemon, not to the command that started
// it. Returns ErrAlreadyRunning if the pair already has a live worker.
func (r *Registry) Start(ctx context.Context, userID int64, ident account.Identity) (*Worker, error) {
	k := key{userID, ident.Name}
	w := newWorker(userID, ident)

	r.mu.Lock()
	if _, exists := r.workers[k]; exists {
		r.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	wctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	r.workers[k] = w
	r.mu.Unlock()

	r.logger.Info("worker started", "run_id", w.RunID, "user_id", userID, "account", ident.Name, "backend", ident.Backend)

	go func() {
		defer cancel()
		r.run(wctx, w)
		r.onTerminated(k, w)
	}()
	return w, nil
}

// Stop requests cancellation and returns immediately; the worker stays
// visible until its cleanup finishes and it leaves through onTerminated.
func (r *Registry) Stop(userID int64, acct string) error {
	r.mu.RLock()
	w, ok := r.workers[key{userID, acct}]
	r.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	w.cancel()
	r.logger.Info("stop requested", "run_id", w.RunID, "user_id", userID, "account", acct)
	return nil
}

// onTerminated is the only path that removes a worker from the registry.
func (r *Registry) onTerminated(k key, w *Worker) {
	r.mu.Lock()
	if cur, ok := r.workers[k]; ok && cur == w {
		delete(r.workers, k)
	}
	r.mu.Unlock()
	close(w.done)
	r.logger.Info("worker terminated", "run_id", w.RunID, "account", w.Account, "state", w.State(), "actions", w.Info().Actions)
}

// Get returns the live worker for the pair, or nil.
func (r *Registry) Get(userID int64, acct string) *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.workers[key{userID, acct}]
}

// Snapshot copies every live worker, sorted by user then account.
func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	infos := make([]Info, 0, len(r.workers))
	for _, w := range r.workers {
		infos = append(infos, w.Info())
	}
	r.mu.RUnlock()

	slices.SortFunc(infos, func(a, b Info) int {
		if a.UserID != b.UserID {
			if a.UserID < b.UserID {
				return -1
			}
			return 1
		}
		return strings.Compare(a.Account, b.Account)
	})
	return infos
}

// Count returns the number of live workers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// StopAll cancels every worker and waits up to timeout for them to finish.
func (r *Registry) StopAll(timeout time.Duration) {
	r.mu.RLock()
	workers := make([]*Worker, 0, len(r.workers))
	for _, w := range r.workers {
		workers = append(workers, w)
	}
	r.mu.RUnlock()

	for _, w := range workers {
		w.cancel()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for _, w := range workers {
		select {
		case <-w.done:
		case <-timer.C:
			r.logger.Warn("shutdown timeout, workers still terminating", "remaining", r.Count())
			return
		}
	}
}
