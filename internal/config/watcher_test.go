package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/drover/internal/config"
)

func TestWatcher_DetectsPoolFileChange(t *testing.T) {
	homeDir := t.TempDir()

	proxiesPath := filepath.Join(homeDir, "proxies.txt")
	if err := os.WriteFile(proxiesPath, []byte("socks5://10.0.0.1:1080\n"), 0o644); err != nil {
		t.Fatalf("write initial pool: %v", err)
	}

	w := config.NewWatcher([]string{proxiesPath}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	// Instead of a fixed sleep, retry the write at short intervals until the
	// watcher produces an event. This handles any platform-specific delay in
	// filesystem notification readiness.
	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()

	if err := os.WriteFile(proxiesPath, []byte("socks5://10.0.0.2:1080\n"), 0o644); err != nil {
		t.Fatalf("write updated pool: %v", err)
	}

	for {
		select {
		case ev := <-w.Events():
			if filepath.Base(ev.Path) != "proxies.txt" {
				t.Fatalf("expected proxies.txt event, got %s", ev.Path)
			}
			return
		case <-writeTick.C:
			// Re-write the file in case the watcher was not yet ready.
			_ = os.WriteFile(proxiesPath, []byte("socks5://10.0.0.2:1080\n"), 0o644)
		case <-deadline:
			t.Fatalf("timed out waiting for proxies.txt change event")
		}
	}
}
