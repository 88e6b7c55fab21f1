package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// TelegramConfig configures the Telegram control channel.
type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// RemoteConfig points at the platform's direct protocol API.
type RemoteConfig struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// BrowserConfig configures the browser driver sidecar.
type BrowserConfig struct {
	// Addr is the driver's HTTP endpoint. When Managed is true drover starts
	// the container itself and the address must be reachable from this host.
	Addr    string `yaml:"addr"`
	Image   string `yaml:"image"`
	Managed bool   `yaml:"managed"`
}

// ScheduleConfig auto-starts one account's worker on a cron spec.
type ScheduleConfig struct {
	Cron    string `yaml:"cron"`
	UserID  int64  `yaml:"user_id"`
	Account string `yaml:"account"`
}

type OtelConfig struct {
	Exporter string `yaml:"exporter"` // "none", "stdout", "otlp"
	Endpoint string `yaml:"endpoint"`
}

// DiagnoseConfig enables the AI failure diagnoser.
type DiagnoseConfig struct {
	Enabled bool   `yaml:"enabled"`
	Model   string `yaml:"model"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`
	BindAddr string `yaml:"bind_addr"`

	// Concurrency caps per backend class.
	DirectSlots  int `yaml:"direct_slots"`
	BrowserSlots int `yaml:"browser_slots"`

	// Action loop pacing. Each worker sleeps a uniform random duration in
	// [SleepMinSeconds, SleepMaxSeconds] between actions and stops for good
	// after MaxActions successful actions in one run.
	SleepMinSeconds int `yaml:"sleep_min_seconds"`
	SleepMaxSeconds int `yaml:"sleep_max_seconds"`
	MaxActions      int `yaml:"max_actions"`

	// EncryptionPassphrase protects session blobs at rest.
	EncryptionPassphrase string `yaml:"encryption_passphrase"`

	// TargetMember is invited into every resource the browser backend creates.
	TargetMember string `yaml:"target_member"`

	// Pool files: one entry per line, relative paths resolve under HomeDir.
	ProxiesFile    string `yaml:"proxies_file"`
	UserAgentsFile string `yaml:"user_agents_file"`

	// Loaded pool contents (not part of the YAML surface).
	Proxies    []string `yaml:"-"`
	UserAgents []string `yaml:"-"`

	OnboardTimeoutMinutes int `yaml:"onboard_timeout_minutes"`
	RetentionRunDays      int `yaml:"retention_run_days"`

	Remote    RemoteConfig     `yaml:"remote"`
	Browser   BrowserConfig    `yaml:"browser"`
	Channels  ChannelsConfig   `yaml:"channels"`
	Schedules []ScheduleConfig `yaml:"schedules"`
	Otel      OtelConfig       `yaml:"otel"`
	Diagnose  DiagnoseConfig   `yaml:"diagnose"`

	FirstRun bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// SleepMin returns the lower jitter bound as a duration.
func (c Config) SleepMin() time.Duration {
	return time.Duration(c.SleepMinSeconds) * time.Second
}

// SleepMax returns the upper jitter bound as a duration.
func (c Config) SleepMax() time.Duration {
	return time.Duration(c.SleepMaxSeconds) * time.Second
}

// OnboardTimeout returns the onboarding inactivity window.
func (c Config) OnboardTimeout() time.Duration {
	return time.Duration(c.OnboardTimeoutMinutes) * time.Minute
}

// RemoteTimeout returns the per-call deadline for the direct protocol client.
func (c Config) RemoteTimeout() time.Duration {
	return time.Duration(c.Remote.TimeoutSeconds) * time.Second
}

// AccountsDir is the root under which per-account directories live.
func (c Config) AccountsDir() string {
	return filepath.Join(c.DataDir, "accounts")
}

// JournalPath is the run journal database file.
func (c Config) JournalPath() string {
	return filepath.Join(c.DataDir, "journal.db")
}

// ProxiesPath resolves the proxy pool file against HomeDir.
func (c Config) ProxiesPath() string {
	return resolvePath(c.HomeDir, c.ProxiesFile)
}

// UserAgentsPath resolves the user-agent pool file against HomeDir.
func (c Config) UserAgentsPath() string {
	return resolvePath(c.HomeDir, c.UserAgentsFile)
}

func resolvePath(homeDir, p string) string {
	if p == "" {
		return ""
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(homeDir, p)
}

// Fingerprint returns a stable hash of the fields the engine is wired with,
// used to tell whether a config change requires a restart.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "direct=%d|browser=%d|sleep=%d-%d|max=%d|bind=%s|log=%s|remote=%s|driver=%s",
		c.DirectSlots, c.BrowserSlots, c.SleepMinSeconds, c.SleepMaxSeconds,
		c.MaxActions, c.BindAddr, c.LogLevel, c.Remote.BaseURL, c.Browser.Addr)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel:              "info",
		BindAddr:              "127.0.0.1:18790",
		DirectSlots:           3,
		BrowserSlots:          1,
		SleepMinSeconds:       120,
		SleepMaxSeconds:       300,
		MaxActions:            50,
		ProxiesFile:           "proxies.txt",
		UserAgentsFile:        "user_agents.txt",
		OnboardTimeoutMinutes: 10,
		RetentionRunDays:      90,
		Remote: RemoteConfig{
			TimeoutSeconds: 30,
		},
		Browser: BrowserConfig{
			Addr:  "127.0.0.1:9515",
			Image: "ghcr.io/basket/drover-driver:latest",
		},
		Otel: OtelConfig{Exporter: "none"},
	}
}

// HomeDir returns the drover home directory, honoring DROVER_HOME.
func HomeDir() string {
	if override := os.Getenv("DROVER_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".drover")
}

// Load reads config.yaml from the drover home, applies environment overrides,
// loads the pool files, and normalizes defaults. A missing config file is not
// an error: FirstRun is set and defaults apply.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create drover home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.FirstRun = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := loadPools(&cfg); err != nil {
		return cfg, err
	}
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(cfg.HomeDir, "data")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.DirectSlots <= 0 {
		cfg.DirectSlots = 3
	}
	if cfg.BrowserSlots <= 0 {
		cfg.BrowserSlots = 1
	}
	if cfg.SleepMinSeconds <= 0 {
		cfg.SleepMinSeconds = 120
	}
	if cfg.SleepMaxSeconds < cfg.SleepMinSeconds {
		cfg.SleepMaxSeconds = cfg.SleepMinSeconds
	}
	if cfg.MaxActions <= 0 {
		cfg.MaxActions = 50
	}
	if cfg.OnboardTimeoutMinutes <= 0 {
		cfg.OnboardTimeoutMinutes = 10
	}
	if cfg.RetentionRunDays <= 0 {
		cfg.RetentionRunDays = 90
	}
	if cfg.Remote.TimeoutSeconds <= 0 {
		cfg.Remote.TimeoutSeconds = 30
	}
	if cfg.Browser.Addr == "" {
		cfg.Browser.Addr = "127.0.0.1:9515"
	}
	if cfg.Browser.Image == "" {
		cfg.Browser.Image = "ghcr.io/basket/drover-driver:latest"
	}
	if cfg.Otel.Exporter == "" {
		cfg.Otel.Exporter = "none"
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("DROVER_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("DROVER_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("DROVER_DATA_DIR"); raw != "" {
		cfg.DataDir = raw
	}
	if raw := os.Getenv("DROVER_DIRECT_SLOTS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DirectSlots = v
		}
	}
	if raw := os.Getenv("DROVER_BROWSER_SLOTS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.BrowserSlots = v
		}
	}
	if raw := os.Getenv("DROVER_SLEEP_MIN_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.SleepMinSeconds = v
		}
	}
	if raw := os.Getenv("DROVER_SLEEP_MAX_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.SleepMaxSeconds = v
		}
	}
	if raw := os.Getenv("DROVER_MAX_ACTIONS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxActions = v
		}
	}
	if raw := os.Getenv("DROVER_ENCRYPTION_PASSPHRASE"); raw != "" {
		cfg.EncryptionPassphrase = raw
	}
	if raw := os.Getenv("DROVER_TARGET_MEMBER"); raw != "" {
		cfg.TargetMember = raw
	}
	if raw := os.Getenv("DROVER_REMOTE_BASE_URL"); raw != "" {
		cfg.Remote.BaseURL = raw
	}
	if raw := os.Getenv("DROVER_BROWSER_ADDR"); raw != "" {
		cfg.Browser.Addr = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
}
