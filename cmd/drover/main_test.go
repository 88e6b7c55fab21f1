package main

import (
	"errors"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
)

func TestIsAddrInUse(t *testing.T) {
	wrapped := &net.OpError{
		Op:  "listen",
		Err: &os.SyscallError{Syscall: "bind", Err: syscall.EADDRINUSE},
	}
	if !isAddrInUse(wrapped) {
		t.Fatal("syscall EADDRINUSE not detected")
	}
	if !isAddrInUse(errors.New("listen tcp 127.0.0.1:18790: address already in use")) {
		t.Fatal("string form not detected")
	}
	if isAddrInUse(errors.New("connection refused")) {
		t.Fatal("unrelated error flagged")
	}
}

func TestPortOccupantHint(t *testing.T) {
	orig := execCommandFunc
	t.Cleanup(func() { execCommandFunc = orig })

	execCommandFunc = func(name string, args ...string) *exec.Cmd {
		return exec.Command("echo", "4242")
	}
	hint := portOccupantHint("127.0.0.1:18790")
	if !strings.Contains(hint, "4242") || !strings.Contains(hint, "kill") {
		t.Fatalf("hint missing PID guidance: %q", hint)
	}

	execCommandFunc = func(name string, args ...string) *exec.Cmd {
		return exec.Command("false")
	}
	hint = portOccupantHint("127.0.0.1:18790")
	if !strings.Contains(hint, "18790") {
		t.Fatalf("fallback hint missing port: %q", hint)
	}

	hint = portOccupantHint("not-an-addr")
	if !strings.Contains(hint, "not-an-addr") {
		t.Fatalf("unparseable addr hint: %q", hint)
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "# comment\nDROVER_TEST_FRESH=from-file\nDROVER_TEST_KEPT=from-file\n\nbroken-line\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	t.Setenv("DROVER_TEST_FRESH", "")
	os.Unsetenv("DROVER_TEST_FRESH")
	t.Setenv("DROVER_TEST_KEPT", "from-env")

	loadDotEnv(path)

	if got := os.Getenv("DROVER_TEST_FRESH"); got != "from-file" {
		t.Fatalf("DROVER_TEST_FRESH = %q", got)
	}
	// Existing environment wins over the file.
	if got := os.Getenv("DROVER_TEST_KEPT"); got != "from-env" {
		t.Fatalf("DROVER_TEST_KEPT = %q", got)
	}
}
