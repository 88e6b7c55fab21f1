// Package channels holds the messaging integrations users drive the daemon
// through.
package channels

import (
	"context"
)

// Channel is a messaging platform the daemon serves commands on.
type Channel interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// Start begins serving updates. It should block until the context is
	// cancelled or a fatal error occurs.
	Start(ctx context.Context) error
}
