//go:build ignore

// crash_recovery is a standalone chaos drill for the daemon's crash
// guarantees. It builds the drover binary, seeds a scratch home with a
// backdated unfinalized reservation, starts the daemon, writes an in-flight
// run row through a second journal connection, SIGKILLs the daemon, and
// verifies that:
//   - the stale reservation is pruned by the startup sweep
//   - the journal opens cleanly after the kill and still holds the
//     interrupted run with no end time
//   - a restarted daemon comes back healthy on the same home
//
// Usage:
//
//	go run tools/verify/crash_recovery/main.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/basket/drover/internal/account"
	"github.com/basket/drover/internal/journal"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS (crash_recovery)")
}

func run() error {
	ctx := context.Background()
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	// 1. Build the drover binary.
	root := moduleRoot()
	binDir, err := os.MkdirTemp("", "crash-recovery-bin-*")
	if err != nil {
		return fmt.Errorf("mktemp bin: %w", err)
	}
	defer os.RemoveAll(binDir)
	binPath := filepath.Join(binDir, "drover")

	fmt.Println("BUILD drover binary...")
	build := exec.Command("go", "build", "-o", binPath, "./cmd/drover")
	build.Dir = root
	build.Stdout = os.Stdout
	build.Stderr = os.Stderr
	if err := build.Run(); err != nil {
		return fmt.Errorf("build binary: %w", err)
	}

	// 2. Create a temp DROVER_HOME with minimal config.
	home, err := os.MkdirTemp("", "crash-recovery-home-*")
	if err != nil {
		return fmt.Errorf("mktemp home: %w", err)
	}
	defer os.RemoveAll(home)

	dataDir := filepath.Join(home, "data")
	addr := pickFreeAddr()
	configYAML := fmt.Sprintf("bind_addr: %q\ndata_dir: %q\nencryption_passphrase: chaos\n", addr, dataDir)
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(configYAML), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(home, "auth.token"), []byte("chaos-test-token\n"), 0o600); err != nil {
		return fmt.Errorf("write auth token: %w", err)
	}

	daemonEnv := append(os.Environ(), "DROVER_HOME="+home)

	// 3. Seed a reservation backdated past any onboarding timeout. The
	// startup sweep must remove it.
	store := account.NewStore(filepath.Join(dataDir, "accounts"), "chaos", quiet)
	if err := store.Reserve(account.BackendDirect, "orphan", 1); err != nil {
		return fmt.Errorf("reserve orphan: %w", err)
	}
	orphanDir := filepath.Join(dataDir, "accounts", string(account.BackendDirect), "orphan")
	if err := backdateMeta(filepath.Join(orphanDir, "meta.json"), time.Now().Add(-24*time.Hour)); err != nil {
		return err
	}
	fmt.Println("SEEDED stale reservation")

	// 4. Start the daemon and wait for healthy.
	fmt.Println("START daemon (first run)...")
	daemon := exec.Command(binPath)
	daemon.Env = daemonEnv
	daemon.Stdout = os.Stdout
	daemon.Stderr = os.Stderr
	if err := daemon.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	fmt.Println("WAIT for /healthz...")
	if err := waitHealthy(addr, 20*time.Second); err != nil {
		_ = daemon.Process.Kill()
		_ = daemon.Wait()
		return fmt.Errorf("daemon not healthy: %w", err)
	}
	fmt.Println("HEALTHY")

	// The sweep runs before the listener binds, so the reservation must be
	// gone by the time healthz answers.
	if _, err := os.Stat(orphanDir); !os.IsNotExist(err) {
		_ = daemon.Process.Kill()
		_ = daemon.Wait()
		return fmt.Errorf("stale reservation not pruned (stat err=%v)", err)
	}
	fmt.Println("PRUNED stale reservation on startup")

	// 5. Write a run with no end time through a second connection, as a
	// worker that never got to finish would have.
	jpath := filepath.Join(dataDir, "journal.db")
	j, err := journal.Open(jpath, quiet)
	if err != nil {
		_ = daemon.Process.Kill()
		_ = daemon.Wait()
		return fmt.Errorf("open journal: %w", err)
	}
	seeded := journal.Run{
		RunID:     "chaos-run",
		UserID:    1,
		Account:   "alpha",
		Backend:   "direct",
		State:     "running",
		StartedAt: time.Now().UTC(),
	}
	if err := j.StartRun(ctx, seeded); err != nil {
		_ = j.Close()
		_ = daemon.Process.Kill()
		_ = daemon.Wait()
		return fmt.Errorf("seed run: %w", err)
	}
	_ = j.Close()
	fmt.Println("SEEDED in-flight run")

	// 6. SIGKILL the daemon.
	fmt.Println("SIGKILL daemon...")
	if err := daemon.Process.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("sigkill: %w", err)
	}
	_ = daemon.Wait()
	fmt.Println("DAEMON killed")

	// Brief pause to ensure the port is released.
	time.Sleep(500 * time.Millisecond)

	// 7. The WAL must survive the kill: reopen and find the dangling run.
	j2, err := journal.Open(jpath, quiet)
	if err != nil {
		return fmt.Errorf("reopen journal after kill: %w", err)
	}
	runs, err := j2.RecentRuns(ctx, 1, 10)
	_ = j2.Close()
	if err != nil {
		return fmt.Errorf("query runs after kill: %w", err)
	}
	found := false
	for _, r := range runs {
		if r.RunID != "chaos-run" {
			continue
		}
		found = true
		if r.EndedAt != nil {
			return fmt.Errorf("interrupted run has end time %v", *r.EndedAt)
		}
		if r.State != "running" {
			return fmt.Errorf("interrupted run state = %q, want running", r.State)
		}
	}
	if !found {
		return fmt.Errorf("run chaos-run missing after kill (%d rows)", len(runs))
	}
	fmt.Println("JOURNAL intact, interrupted run visible")

	// 8. Restart the daemon on the same home.
	fmt.Println("RESTART daemon (second run)...")
	daemon2 := exec.Command(binPath)
	daemon2.Env = daemonEnv
	daemon2.Stdout = os.Stdout
	daemon2.Stderr = os.Stderr
	if err := daemon2.Start(); err != nil {
		return fmt.Errorf("restart daemon: %w", err)
	}
	defer func() {
		_ = daemon2.Process.Signal(os.Interrupt)
		done := make(chan struct{})
		go func() { _ = daemon2.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			_ = daemon2.Process.Kill()
			_ = daemon2.Wait()
		}
	}()

	if err := waitHealthy(addr, 20*time.Second); err != nil {
		return fmt.Errorf("restarted daemon not healthy: %w", err)
	}
	fmt.Println("HEALTHY (after restart)")

	fmt.Println("ALL CHECKS PASSED")
	return nil
}

// backdateMeta rewrites a reservation's created timestamp so the startup
// sweep sees it as stale.
func backdateMeta(path string, created time.Time) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read meta: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("decode meta: %w", err)
	}
	m["created"] = created.UTC().Format(time.RFC3339Nano)
	out, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return fmt.Errorf("write meta: %w", err)
	}
	return nil
}

func moduleRoot() string {
	out, err := exec.Command("go", "env", "GOMOD").Output()
	if err != nil {
		fmt.Fprintf(os.Stderr, "go env GOMOD: %v\n", err)
		os.Exit(1)
	}
	gomod := strings.TrimSpace(string(out))
	if gomod == "" || gomod == os.DevNull {
		fmt.Fprintln(os.Stderr, "go env GOMOD returned empty; expected path to go.mod")
		os.Exit(1)
	}
	return filepath.Dir(gomod)
}

func pickFreeAddr() string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		fmt.Fprintf(os.Stderr, "pick free addr: %v\n", err)
		os.Exit(1)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func waitHealthy(addr string, timeout time.Duration) error {
	url := fmt.Sprintf("http://%s/healthz", addr)
	deadline := time.Now().Add(timeout)
	client := &http.Client{Timeout: 2 * time.Second}
	for time.Now().Before(deadline) {
		resp, err := client.Get(url)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("healthz at %s not OK after %v", addr, timeout)
}
