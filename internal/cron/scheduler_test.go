package cron

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/drover/internal/account"
	"github.com/basket/drover/internal/config"
	"github.com/basket/drover/internal/journal"
	"github.com/basket/drover/internal/worker"
)

// parkedRegistry returns a registry whose workers idle until cancelled, so
// entries stay visible while a test inspects them.
func parkedRegistry() *worker.Registry {
	return worker.NewRegistry(func(ctx context.Context, w *worker.Worker) {
		<-ctx.Done()
	}, nil)
}

func setupAccount(t *testing.T, ownerID int64, name string) *account.Store {
	t.Helper()
	store := account.NewStore(t.TempDir(), "cron-test-passphrase", nil)
	if err := store.Reserve(account.BackendDirect, name, ownerID); err != nil {
		t.Fatal(err)
	}
	if err := store.Finalize(account.BackendDirect, name, ownerID, []byte("session")); err != nil {
		t.Fatal(err)
	}
	return store
}

func TestTickFiresDueSchedule(t *testing.T) {
	registry := parkedRegistry()
	store := setupAccount(t, 1, "alpha")

	s := NewScheduler(Config{
		Registry:  registry,
		Store:     store,
		Schedules: []config.ScheduleConfig{{Cron: "*/5 * * * *", UserID: 1, Account: "alpha"}},
	})
	t.Cleanup(func() { registry.StopAll(time.Second) })

	// Nothing is due the instant the scheduler is built.
	s.tick(context.Background(), time.Now())
	if got := registry.Count(); got != 0 {
		t.Fatalf("worker count after premature tick = %d, want 0", got)
	}

	// Six minutes later the */5 entry has come due.
	later := time.Now().Add(6 * time.Minute)
	s.tick(context.Background(), later)
	if got := registry.Count(); got != 1 {
		t.Fatalf("worker count after due tick = %d, want 1", got)
	}
	if !s.entries[0].next.After(later) {
		t.Fatalf("next firing %v not advanced past %v", s.entries[0].next, later)
	}
}

func TestTickYieldsToRunningWorker(t *testing.T) {
	registry := parkedRegistry()
	store := setupAccount(t, 1, "alpha")

	ident, err := store.Get("alpha")
	if err != nil {
		t.Fatal(err)
	}
	running, err := registry.Start(context.Background(), 1, ident)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { registry.StopAll(time.Second) })

	s := NewScheduler(Config{
		Registry:  registry,
		Store:     store,
		Schedules: []config.ScheduleConfig{{Cron: "* * * * *", UserID: 1, Account: "alpha"}},
	})
	s.tick(context.Background(), time.Now().Add(2*time.Minute))

	if got := registry.Count(); got != 1 {
		t.Fatalf("worker count = %d, want the original 1", got)
	}
	if cur := registry.Get(1, "alpha"); cur == nil || cur.RunID != running.RunID {
		t.Fatal("schedule replaced the running worker")
	}
}

func TestFireChecksOwnership(t *testing.T) {
	registry := parkedRegistry()
	store := setupAccount(t, 1, "alpha")

	s := NewScheduler(Config{
		Registry:  registry,
		Store:     store,
		Schedules: []config.ScheduleConfig{{Cron: "* * * * *", UserID: 2, Account: "alpha"}},
	})
	s.tick(context.Background(), time.Now().Add(2*time.Minute))

	if got := registry.Count(); got != 0 {
		t.Fatalf("worker count = %d, schedule for a foreign account must not start", got)
	}
}

func TestInvalidCronDropped(t *testing.T) {
	s := NewScheduler(Config{
		Registry: parkedRegistry(),
		Store:    account.NewStore(t.TempDir(), "p", nil),
		Schedules: []config.ScheduleConfig{
			{Cron: "not a cron line", UserID: 1, Account: "alpha"},
			{Cron: "0 9 * * *", UserID: 1, Account: "alpha"},
		},
	})
	if got := len(s.entries); got != 1 {
		t.Fatalf("entries = %d, want the single valid one", got)
	}
}

func TestTickSweepsJournal(t *testing.T) {
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = j.Close() })

	ctx := context.Background()
	run := journal.Run{RunID: "run-1", UserID: 1, Account: "alpha", Backend: "direct", State: "connecting", StartedAt: time.Now().UTC()}
	if err := j.StartRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	if err := j.FinishRun(ctx, "run-1", "completed", 3, ""); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)

	s := NewScheduler(Config{
		Registry:  parkedRegistry(),
		Store:     account.NewStore(t.TempDir(), "p", nil),
		Journal:   j,
		Retention: 0, // everything finished is already past retention
	})
	s.tick(ctx, time.Now())

	runs, err := j.RecentRuns(ctx, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 0 {
		t.Fatalf("runs after sweep = %d, want 0", len(runs))
	}

	// A second tick inside the sweep window must not sweep again; it would
	// just be a no-op here, but the schedule spacing should hold.
	if !s.nextSweep.After(time.Now()) {
		t.Fatalf("next sweep %v not scheduled into the future", s.nextSweep)
	}
}

func TestSchedulerStartStop(t *testing.T) {
	s := NewScheduler(Config{
		Registry: parkedRegistry(),
		Store:    account.NewStore(t.TempDir(), "p", nil),
		Interval: 10 * time.Millisecond,
	})
	s.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	s.Stop()
	// Stop must be safe to reach with no schedules and no journal.
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)

	next, err := NextRunTime("0 9 * * *", after)
	if err != nil {
		t.Fatalf("NextRunTime: %v", err)
	}
	want := time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}

	if _, err := NextRunTime("definitely not cron", after); err == nil {
		t.Fatal("expected an error for a bad expression")
	}
}
