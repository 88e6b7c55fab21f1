package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/drover/internal/config"
)

func writeHomeFile(t *testing.T, home, name, content string) {
	t.Helper()
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(home, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLoad_FromDroverHome(t *testing.T) {
	home := t.TempDir()
	writeHomeFile(t, home, "config.yaml", strings.Join([]string{
		"direct_slots: 5",
		"browser_slots: 2",
		"sleep_min_seconds: 10",
		"sleep_max_seconds: 20",
		"max_actions: 7",
		"target_member: keeper",
		"remote:",
		"  base_url: https://api.example.net",
	}, "\n"))
	t.Setenv("DROVER_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.FirstRun {
		t.Fatal("expected FirstRun=false with config present")
	}
	if cfg.DirectSlots != 5 || cfg.BrowserSlots != 2 {
		t.Fatalf("slots = %d/%d, want 5/2", cfg.DirectSlots, cfg.BrowserSlots)
	}
	if cfg.SleepMinSeconds != 10 || cfg.SleepMaxSeconds != 20 {
		t.Fatalf("sleep bounds = %d/%d, want 10/20", cfg.SleepMinSeconds, cfg.SleepMaxSeconds)
	}
	if cfg.MaxActions != 7 {
		t.Fatalf("max actions = %d, want 7", cfg.MaxActions)
	}
	if cfg.TargetMember != "keeper" {
		t.Fatalf("target member = %q, want keeper", cfg.TargetMember)
	}
	if cfg.Remote.BaseURL != "https://api.example.net" {
		t.Fatalf("remote base url = %q", cfg.Remote.BaseURL)
	}
	if cfg.DataDir != filepath.Join(home, "data") {
		t.Fatalf("data dir = %q", cfg.DataDir)
	}
}

func TestLoad_FirstRunDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("DROVER_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.FirstRun {
		t.Fatal("expected FirstRun=true without config.yaml")
	}
	if cfg.DirectSlots != 3 {
		t.Fatalf("default direct slots = %d, want 3", cfg.DirectSlots)
	}
	if cfg.BrowserSlots != 1 {
		t.Fatalf("default browser slots = %d, want 1", cfg.BrowserSlots)
	}
	if cfg.SleepMinSeconds != 120 || cfg.SleepMaxSeconds != 300 {
		t.Fatalf("default sleep bounds = %d/%d", cfg.SleepMinSeconds, cfg.SleepMaxSeconds)
	}
	if cfg.Otel.Exporter != "none" {
		t.Fatalf("default otel exporter = %q", cfg.Otel.Exporter)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	home := t.TempDir()
	writeHomeFile(t, home, "config.yaml", "direct_slots: 2\nsleep_min_seconds: 30\n")
	t.Setenv("DROVER_HOME", home)
	t.Setenv("DROVER_DIRECT_SLOTS", "9")
	t.Setenv("DROVER_SLEEP_MIN_SECONDS", "45")
	t.Setenv("DROVER_ENCRYPTION_PASSPHRASE", "env-secret")
	t.Setenv("TELEGRAM_TOKEN", "123:abc")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.DirectSlots != 9 {
		t.Fatalf("direct slots = %d, want env override 9", cfg.DirectSlots)
	}
	if cfg.SleepMinSeconds != 45 {
		t.Fatalf("sleep min = %d, want env override 45", cfg.SleepMinSeconds)
	}
	if cfg.EncryptionPassphrase != "env-secret" {
		t.Fatalf("passphrase not taken from env")
	}
	if cfg.Channels.Telegram.Token != "123:abc" {
		t.Fatalf("telegram token not taken from env")
	}
}

func TestLoad_SleepBoundsClamped(t *testing.T) {
	home := t.TempDir()
	writeHomeFile(t, home, "config.yaml", "sleep_min_seconds: 100\nsleep_max_seconds: 40\n")
	t.Setenv("DROVER_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.SleepMaxSeconds != cfg.SleepMinSeconds {
		t.Fatalf("expected max clamped to min, got %d/%d", cfg.SleepMinSeconds, cfg.SleepMaxSeconds)
	}
}

func TestLoad_PoolFiles(t *testing.T) {
	home := t.TempDir()
	writeHomeFile(t, home, "config.yaml", "")
	writeHomeFile(t, home, "proxies.txt", "  socks5://10.0.0.1:1080  \n\n# commented out\nsocks5://10.0.0.2:1080\n")

	t.Setenv("DROVER_HOME", home)
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	want := []string{"socks5://10.0.0.1:1080", "socks5://10.0.0.2:1080"}
	if len(cfg.Proxies) != len(want) {
		t.Fatalf("proxies = %v, want %v", cfg.Proxies, want)
	}
	for i := range want {
		if cfg.Proxies[i] != want[i] {
			t.Fatalf("proxies[%d] = %q, want %q", i, cfg.Proxies[i], want[i])
		}
	}
	// Missing user_agents.txt is an empty pool, not an error.
	if len(cfg.UserAgents) != 0 {
		t.Fatalf("expected empty user agent pool, got %v", cfg.UserAgents)
	}
}

func TestReadList_MissingFile(t *testing.T) {
	entries, err := config.ReadList(filepath.Join(t.TempDir(), "nope.txt"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty list, got %v", entries)
	}
}

func TestFingerprint_TracksEngineFields(t *testing.T) {
	home := t.TempDir()
	t.Setenv("DROVER_HOME", home)
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	fp := cfg.Fingerprint()
	if fp == "" || !strings.HasPrefix(fp, "cfg-") {
		t.Fatalf("unexpected fingerprint %q", fp)
	}
	if cfg.Fingerprint() != fp {
		t.Fatal("fingerprint not stable across calls")
	}

	changed := cfg
	changed.DirectSlots++
	if changed.Fingerprint() == fp {
		t.Fatal("fingerprint should change with direct_slots")
	}

	cosmetic := cfg
	cosmetic.EncryptionPassphrase = "different"
	if cosmetic.Fingerprint() != fp {
		t.Fatal("passphrase must not leak into the fingerprint")
	}
}
