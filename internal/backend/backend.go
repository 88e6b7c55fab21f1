// Package backend adapts the two transport clients to the single session
// contract the worker runtime drives. The worker never sees HTTP or browser
// details; it sees Connect, IsAuthorized, PerformAction, Disconnect.
package backend

import (
	"context"
	"errors"
)

// ErrAuthExpired means the stored login material no longer works. Workers
// stop on it without retrying; the fix is re-onboarding the account.
var ErrAuthExpired = errors.New("backend: authorization expired")

// Session is one live connection bound to a single account. PerformAction
// executes exactly one unit of work; seq is the 1-based position of that
// unit in the account's lifetime counter and feeds resource naming.
type Session interface {
	Connect(ctx context.Context) error
	IsAuthorized(ctx context.Context) (bool, error)
	PerformAction(ctx context.Context, seq int) error
	Disconnect() error
}
