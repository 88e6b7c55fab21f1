package channels

import (
	"strings"
	"testing"
	"time"

	"github.com/basket/drover/internal/account"
	"github.com/basket/drover/internal/bus"
	"github.com/basket/drover/internal/journal"
	"github.com/basket/drover/internal/onboard"
	"github.com/basket/drover/internal/worker"
)

var _ Channel = (*TelegramChannel)(nil)

func TestTelegramChannelName(t *testing.T) {
	ch := NewTelegramChannel("fake-token", []int64{123, 456}, Deps{})
	if got := ch.Name(); got != "telegram" {
		t.Fatalf("Name() = %q, want %q", got, "telegram")
	}
	if len(ch.allowedIDs) != 2 {
		t.Fatalf("allowlist size = %d, want 2", len(ch.allowedIDs))
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		text string
		cmd  string
		arg  string
	}{
		{"/start", "start", ""},
		{"/run alpha", "run", "alpha"},
		{"/run@DroverBot alpha", "run", "alpha"},
		{"/stop   padded   ", "stop", "padded"},
		{"/accounts", "accounts", ""},
		{"/delete herd-01", "delete", "herd-01"},
	}
	for _, tt := range tests {
		cmd, arg := parseCommand(tt.text)
		if cmd != tt.cmd || arg != tt.arg {
			t.Errorf("parseCommand(%q) = (%q, %q), want (%q, %q)", tt.text, cmd, arg, tt.cmd, tt.arg)
		}
	}
}

func TestParseCallback(t *testing.T) {
	tests := []struct {
		data   string
		group  string
		action string
		name   string
	}{
		{"add:direct", "add", "direct", ""},
		{"add:browser", "add", "browser", ""},
		{"acct:run:alpha", "acct", "run", "alpha"},
		{"acct:stop:alpha", "acct", "stop", "alpha"},
		{"acct:del:herd-01", "acct", "del", "herd-01"},
	}
	for _, tt := range tests {
		group, action, name, err := parseCallback(tt.data)
		if err != nil {
			t.Errorf("parseCallback(%q) returned error: %v", tt.data, err)
			continue
		}
		if group != tt.group || action != tt.action || name != tt.name {
			t.Errorf("parseCallback(%q) = (%q, %q, %q), want (%q, %q, %q)",
				tt.data, group, action, name, tt.group, tt.action, tt.name)
		}
	}

	for _, data := range []string{"", "noise", "hitl:x:approve", "add:", "acct:run:", "acct:run", "run:alpha"} {
		if _, _, _, err := parseCallback(data); err == nil {
			t.Errorf("parseCallback(%q) accepted, want error", data)
		}
	}
}

func TestShortRunID(t *testing.T) {
	if got := shortRunID("0197e2f1-9df2-7c1a-8a9e-47d1f0aa51c3"); got != "0197e2f1" {
		t.Fatalf("shortRunID truncated to %q", got)
	}
	if got := shortRunID("abc"); got != "abc" {
		t.Fatalf("shortRunID(%q) = %q, want unchanged", "abc", got)
	}
}

func TestFailureText(t *testing.T) {
	we := bus.WorkerEvent{Account: "alpha", Actions: 12, Err: "connect: refused"}
	got := failureText(we)
	if !strings.Contains(got, "alpha failed after 12 actions") {
		t.Fatalf("failureText missing summary: %q", got)
	}
	if strings.Contains(got, "/delete") {
		t.Fatalf("plain failure should not advise re-onboarding: %q", got)
	}

	we.AuthExpired = true
	got = failureText(we)
	if !strings.Contains(got, "/delete alpha") || !strings.Contains(got, "/add") {
		t.Fatalf("auth failure should advise re-onboarding: %q", got)
	}
}

func TestRelayStage(t *testing.T) {
	tests := []struct {
		backend string
		stage   onboard.Stage
		want    bool
	}{
		{string(account.BackendBrowser), onboard.StageCode, true},
		{string(account.BackendBrowser), onboard.StagePassword, true},
		{string(account.BackendBrowser), onboard.StageIdentifier, false},
		{string(account.BackendBrowser), onboard.StageBrowserPending, false},
		{string(account.BackendDirect), onboard.StageCode, false},
		{string(account.BackendDirect), onboard.StagePassword, false},
	}
	for _, tt := range tests {
		oe := bus.OnboardEvent{Backend: tt.backend, Stage: string(tt.stage)}
		if got := relayStage(oe); got != tt.want {
			t.Errorf("relayStage(%s/%s) = %v, want %v", tt.backend, tt.stage, got, tt.want)
		}
	}
}

func TestFormatWorkerLine(t *testing.T) {
	info := worker.Info{
		Account: "alpha",
		Backend: account.BackendDirect,
		State:   worker.StateRunning,
		Actions: 7,
	}
	got := formatWorkerLine(info)
	want := "alpha  [direct]  running, 7 actions"
	if got != want {
		t.Fatalf("formatWorkerLine = %q, want %q", got, want)
	}
}

func TestFormatRunLine(t *testing.T) {
	ended := time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)
	r := journal.Run{Account: "alpha", State: "failed", Actions: 3, Error: "session expired", EndedAt: &ended}
	got := formatRunLine(r)
	if !strings.Contains(got, "alpha  failed, 3 actions") {
		t.Fatalf("formatRunLine missing summary: %q", got)
	}
	if !strings.Contains(got, "2026-03-10 14:30") {
		t.Fatalf("formatRunLine missing end time: %q", got)
	}
	if !strings.Contains(got, "(session expired)") {
		t.Fatalf("formatRunLine missing error: %q", got)
	}

	open := journal.Run{Account: "beta", State: "running", Actions: 10}
	got = formatRunLine(open)
	if got != "beta  running, 10 actions" {
		t.Fatalf("formatRunLine for open run = %q", got)
	}
}
