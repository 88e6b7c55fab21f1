package gateway

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// LoadToken returns the gateway bearer token: the DROVER_AUTH_TOKEN
// environment variable when set, otherwise the auth.token file under
// homeDir, minting and persisting a fresh token on first run. The file keeps
// the token stable across restarts so saved client configs keep working.
func LoadToken(homeDir string) (string, error) {
	if raw := strings.TrimSpace(os.Getenv("DROVER_AUTH_TOKEN")); raw != "" {
		return raw, nil
	}
	tokenPath := filepath.Join(homeDir, "auth.token")
	b, err := os.ReadFile(tokenPath)
	if err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist auth token: %w", err)
	}
	return token, nil
}
