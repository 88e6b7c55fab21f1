package config

import (
	"fmt"
	"os"
	"strings"
)

// ReadList loads a flat list file: one entry per line, surrounding whitespace
// trimmed, blank lines and '#' comments dropped. A missing file yields an
// empty list, not an error.
func ReadList(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read list %s: %w", path, err)
	}
	var entries []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entries = append(entries, line)
	}
	return entries, nil
}

func loadPools(cfg *Config) error {
	proxies, err := ReadList(cfg.ProxiesPath())
	if err != nil {
		return err
	}
	agents, err := ReadList(cfg.UserAgentsPath())
	if err != nil {
		return err
	}
	cfg.Proxies = proxies
	cfg.UserAgents = agents
	return nil
}
