package gateway

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadTokenMintsOnce(t *testing.T) {
	t.Setenv("DROVER_AUTH_TOKEN", "")
	home := t.TempDir()

	first, err := LoadToken(home)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	if first == "" {
		t.Fatal("minted token is empty")
	}

	second, err := LoadToken(home)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if second != first {
		t.Fatalf("token changed between loads: %q then %q", first, second)
	}

	info, err := os.Stat(filepath.Join(home, "auth.token"))
	if err != nil {
		t.Fatalf("stat token file: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("token file mode = %o, want 600", perm)
	}
}

func TestLoadTokenTrimsFile(t *testing.T) {
	t.Setenv("DROVER_AUTH_TOKEN", "")
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, "auth.token"), []byte("  stored-token \n"), 0o600); err != nil {
		t.Fatalf("seed token file: %v", err)
	}

	got, err := LoadToken(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != "stored-token" {
		t.Fatalf("token = %q, want %q", got, "stored-token")
	}
}

func TestLoadTokenEnvOverride(t *testing.T) {
	t.Setenv("DROVER_AUTH_TOKEN", "env-token")
	home := t.TempDir()

	got, err := LoadToken(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != "env-token" {
		t.Fatalf("token = %q, want env override", got)
	}
	if _, err := os.Stat(filepath.Join(home, "auth.token")); !os.IsNotExist(err) {
		t.Fatal("env override should not write the token file")
	}
}
