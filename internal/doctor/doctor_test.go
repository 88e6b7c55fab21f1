package doctor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/drover/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	home := t.TempDir()
	return &config.Config{
		HomeDir: home,
		DataDir: filepath.Join(home, "data"),
	}
}

func TestRunProducesAllChecks(t *testing.T) {
	cfg := testConfig(t)
	cfg.Remote.BaseURL = "" // keep the remote check offline
	cfg.Browser.Addr = "127.0.0.1:1"

	d := Run(context.Background(), cfg, "v-test")
	if d.Timestamp.IsZero() {
		t.Fatal("timestamp not set")
	}
	if d.System.Version != "v-test" || d.System.OS == "" || d.System.Go == "" {
		t.Fatalf("system info incomplete: %+v", d.System)
	}
	if len(d.Results) != 7 {
		t.Fatalf("expected 7 checks, got %d", len(d.Results))
	}
	valid := map[string]bool{"PASS": true, "FAIL": true, "WARN": true, "SKIP": true}
	for _, r := range d.Results {
		if r.Name == "" || !valid[r.Status] {
			t.Fatalf("malformed result: %+v", r)
		}
	}
}

func TestCheckConfig(t *testing.T) {
	if got := checkConfig(context.Background(), nil); got.Status != "FAIL" {
		t.Fatalf("nil config: expected FAIL, got %s", got.Status)
	}

	cfg := testConfig(t)
	cfg.FirstRun = true
	if got := checkConfig(context.Background(), cfg); got.Status != "WARN" {
		t.Fatalf("first run: expected WARN, got %s", got.Status)
	}

	cfg.FirstRun = false
	if got := checkConfig(context.Background(), cfg); got.Status != "PASS" {
		t.Fatalf("loaded config: expected PASS, got %s", got.Status)
	}
}

func TestCheckPassphrase(t *testing.T) {
	cfg := testConfig(t)
	if got := checkPassphrase(context.Background(), cfg); got.Status != "WARN" {
		t.Fatalf("empty passphrase: expected WARN, got %s", got.Status)
	}
	cfg.EncryptionPassphrase = "secret"
	if got := checkPassphrase(context.Background(), cfg); got.Status != "PASS" {
		t.Fatalf("set passphrase: expected PASS, got %s", got.Status)
	}
}

func TestCheckDataDirWritable(t *testing.T) {
	cfg := testConfig(t)
	got := checkDataDir(context.Background(), cfg)
	if got.Status != "PASS" {
		t.Fatalf("expected PASS, got %+v", got)
	}
}

func TestCheckJournalOpens(t *testing.T) {
	cfg := testConfig(t)
	got := checkJournal(context.Background(), cfg)
	if got.Status != "PASS" {
		t.Fatalf("expected PASS, got %+v", got)
	}
}

func TestCheckPools(t *testing.T) {
	cfg := testConfig(t)
	if got := checkPools(context.Background(), cfg); got.Status != "WARN" {
		t.Fatalf("empty pools: expected WARN, got %s", got.Status)
	}
	cfg.Proxies = []string{"socks5://127.0.0.1:1080"}
	got := checkPools(context.Background(), cfg)
	if got.Status != "PASS" {
		t.Fatalf("filled pools: expected PASS, got %s", got.Status)
	}
	if got.Message != "proxies: 1, user agents: 0" {
		t.Fatalf("unexpected message: %q", got.Message)
	}
}

func TestCheckRemote(t *testing.T) {
	cfg := testConfig(t)
	if got := checkRemote(context.Background(), cfg); got.Status != "WARN" {
		t.Fatalf("unset base_url: expected WARN, got %s", got.Status)
	}

	// The .invalid TLD never resolves.
	cfg.Remote.BaseURL = "https://api.nonexistent.invalid"
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if got := checkRemote(ctx, cfg); got.Status != "FAIL" {
		t.Fatalf("unresolvable host: expected FAIL, got %s", got.Status)
	}

	cfg.Remote.BaseURL = "::bad::"
	if got := checkRemote(context.Background(), cfg); got.Status != "FAIL" {
		t.Fatalf("unparseable base_url: expected FAIL, got %s", got.Status)
	}
}

func TestCheckBrowserUnmanagedDown(t *testing.T) {
	cfg := testConfig(t)
	cfg.Browser.Addr = "127.0.0.1:1"
	got := checkBrowser(context.Background(), cfg)
	if got.Status != "WARN" {
		t.Fatalf("driver down: expected WARN, got %+v", got)
	}
}

func TestChecksSkipOnNilConfig(t *testing.T) {
	checks := map[string]func(context.Context, *config.Config) CheckResult{
		"passphrase": checkPassphrase,
		"data dir":   checkDataDir,
		"journal":    checkJournal,
		"pools":      checkPools,
		"remote":     checkRemote,
		"browser":    checkBrowser,
	}
	for name, check := range checks {
		if got := check(context.Background(), nil); got.Status != "SKIP" {
			t.Fatalf("%s: expected SKIP on nil config, got %s", name, got.Status)
		}
	}
}
