package config

import (
	"fmt"
	"os"
)

// starterConfig is written on first run so operators have a file to edit
// instead of reverse-engineering the surface from docs.
const starterConfig = `# drover configuration
log_level: info
bind_addr: 127.0.0.1:18790

# Concurrency caps per backend.
direct_slots: 3
browser_slots: 1

# Pacing: sleep a random duration in [min, max] between actions,
# stop after max_actions successful actions per run.
sleep_min_seconds: 120
sleep_max_seconds: 300
max_actions: 50

# Session blobs are encrypted with this passphrase. Set it before
# onboarding the first account.
encryption_passphrase: ""

# Invited into every resource the browser backend creates.
target_member: ""

# Flat list files, one entry per line, resolved against the drover home.
proxies_file: proxies.txt
user_agents_file: user_agents.txt

remote:
  base_url: ""
  timeout_seconds: 30

browser:
  addr: 127.0.0.1:9515
  image: ghcr.io/basket/drover-driver:latest
  managed: false

channels:
  telegram:
    enabled: false
    token: ""
    allowed_ids: []

# schedules:
#   - cron: "0 9 * * *"
#     user_id: 123456
#     account: herd-01
`

// WriteStarterConfig creates config.yaml with commented defaults. It refuses
// to overwrite an existing file.
func WriteStarterConfig(homeDir string) error {
	path := ConfigPath(homeDir)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists at %s", path)
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create drover home: %w", err)
	}
	return os.WriteFile(path, []byte(starterConfig), 0o600)
}
