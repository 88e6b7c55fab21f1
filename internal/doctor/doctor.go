// Package doctor runs preflight diagnostics for an installation: config,
// data directory, journal, pool files, remote API reachability, and the
// browser driver.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/drover/internal/config"
	"github.com/basket/drover/internal/journal"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes every diagnostic check.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPassphrase,
		checkDataDir,
		checkJournal,
		checkPools,
		checkRemote,
		checkBrowser,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "configuration not loaded"}
	}
	if cfg.FirstRun {
		return CheckResult{
			Name:    "Config",
			Status:  "WARN",
			Message: "config.yaml missing, defaults active",
			Detail:  "edit " + config.ConfigPath(cfg.HomeDir) + " (the daemon writes a starter file on first run)",
		}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("loaded from %s", cfg.HomeDir)}
}

func checkPassphrase(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Passphrase", Status: "SKIP", Message: "config missing"}
	}
	if cfg.EncryptionPassphrase == "" {
		return CheckResult{
			Name:    "Passphrase",
			Status:  "WARN",
			Message: "encryption_passphrase is empty",
			Detail:  "session blobs are sealed with an empty passphrase until it is set",
		}
	}
	return CheckResult{Name: "Passphrase", Status: "PASS", Message: "encryption_passphrase is set"}
}

func checkDataDir(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Data dir", Status: "SKIP", Message: "config missing"}
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return CheckResult{Name: "Data dir", Status: "FAIL", Message: fmt.Sprintf("cannot create %s: %v", cfg.DataDir, err)}
	}
	probe := filepath.Join(cfg.DataDir, ".write_test")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return CheckResult{Name: "Data dir", Status: "FAIL", Message: fmt.Sprintf("not writable: %v", err)}
	}
	os.Remove(probe)
	return CheckResult{Name: "Data dir", Status: "PASS", Message: "writable", Detail: cfg.DataDir}
}

func checkJournal(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Journal", Status: "SKIP", Message: "config missing"}
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return CheckResult{Name: "Journal", Status: "FAIL", Message: fmt.Sprintf("data dir: %v", err)}
	}
	j, err := journal.Open(cfg.JournalPath(), nil)
	if err != nil {
		return CheckResult{Name: "Journal", Status: "FAIL", Message: fmt.Sprintf("open failed: %v", err)}
	}
	defer j.Close()
	if _, err := j.RecentRuns(ctx, 0, 1); err != nil {
		return CheckResult{Name: "Journal", Status: "FAIL", Message: fmt.Sprintf("query failed: %v", err)}
	}
	return CheckResult{Name: "Journal", Status: "PASS", Message: "open and queryable", Detail: cfg.JournalPath()}
}

func checkPools(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Pools", Status: "SKIP", Message: "config missing"}
	}
	msg := fmt.Sprintf("proxies: %d, user agents: %d", len(cfg.Proxies), len(cfg.UserAgents))
	if len(cfg.Proxies) == 0 && len(cfg.UserAgents) == 0 {
		return CheckResult{
			Name:    "Pools",
			Status:  "WARN",
			Message: msg,
			Detail:  "direct workers connect without proxy or user-agent rotation until the pool files are filled",
		}
	}
	return CheckResult{Name: "Pools", Status: "PASS", Message: msg}
}

func checkRemote(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Remote API", Status: "SKIP", Message: "config missing"}
	}
	if cfg.Remote.BaseURL == "" {
		return CheckResult{
			Name:    "Remote API",
			Status:  "WARN",
			Message: "remote.base_url is not set",
			Detail:  "direct onboarding and direct workers need it",
		}
	}
	u, err := url.Parse(cfg.Remote.BaseURL)
	if err != nil || u.Hostname() == "" {
		return CheckResult{Name: "Remote API", Status: "FAIL", Message: fmt.Sprintf("remote.base_url does not parse: %q", cfg.Remote.BaseURL)}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, u.Hostname())
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Remote API",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", u.Hostname(), err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Remote API",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", u.Hostname(), len(addrs), latency.Milliseconds()),
	}
}

func checkBrowser(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Browser driver", Status: "SKIP", Message: "config missing"}
	}
	if cfg.Browser.Managed {
		if _, err := exec.LookPath("docker"); err != nil {
			return CheckResult{Name: "Browser driver", Status: "FAIL", Message: "docker binary not found (browser.managed is true)"}
		}
		if err := exec.CommandContext(ctx, "docker", "info").Run(); err != nil {
			return CheckResult{Name: "Browser driver", Status: "FAIL", Message: fmt.Sprintf("docker daemon unreachable: %v", err)}
		}
		return CheckResult{Name: "Browser driver", Status: "PASS", Message: "docker reachable, sidecar is started by the daemon", Detail: cfg.Browser.Image}
	}

	d := net.Dialer{Timeout: 3 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", cfg.Browser.Addr)
	if err != nil {
		return CheckResult{
			Name:    "Browser driver",
			Status:  "WARN",
			Message: fmt.Sprintf("driver unreachable at %s", cfg.Browser.Addr),
			Detail:  "browser onboarding and browser workers will fail until it is up",
		}
	}
	conn.Close()
	return CheckResult{Name: "Browser driver", Status: "PASS", Message: fmt.Sprintf("driver answering at %s", cfg.Browser.Addr)}
}
