package gate

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/basket/drover/internal/account"
)

// Gate is the admission-control point for action loops: two independent
// counting semaphores, one per backend class. Acquire blocks until a slot
// frees or the context is cancelled. Each loop releases exactly once from
// its cleanup path.
type Gate struct {
	direct     *semaphore.Weighted
	browser    *semaphore.Weighted
	directCap  int64
	browserCap int64

	directHeld  atomic.Int64
	browserHeld atomic.Int64
}

func New(directCap, browserCap int) *Gate {
	if directCap < 1 {
		directCap = 1
	}
	if browserCap < 1 {
		browserCap = 1
	}
	return &Gate{
		direct:     semaphore.NewWeighted(int64(directCap)),
		browser:    semaphore.NewWeighted(int64(browserCap)),
		directCap:  int64(directCap),
		browserCap: int64(browserCap),
	}
}

// Acquire blocks until a slot for the backend class is free. It returns the
// context's error if cancelled while waiting.
func (g *Gate) Acquire(ctx context.Context, backend account.Backend) error {
	switch backend {
	case account.BackendDirect:
		if err := g.direct.Acquire(ctx, 1); err != nil {
			return err
		}
		g.directHeld.Add(1)
	case account.BackendBrowser:
		if err := g.browser.Acquire(ctx, 1); err != nil {
			return err
		}
		g.browserHeld.Add(1)
	default:
		return fmt.Errorf("unknown backend %q", backend)
	}
	return nil
}

// Release frees one slot. Only the loop that acquired it may release, from
// its single cleanup path.
func (g *Gate) Release(backend account.Backend) {
	switch backend {
	case account.BackendDirect:
		g.directHeld.Add(-1)
		g.direct.Release(1)
	case account.BackendBrowser:
		g.browserHeld.Add(-1)
		g.browser.Release(1)
	}
}

// Held reports how many slots are currently taken for the backend class.
func (g *Gate) Held(backend account.Backend) int {
	switch backend {
	case account.BackendDirect:
		return int(g.directHeld.Load())
	case account.BackendBrowser:
		return int(g.browserHeld.Load())
	}
	return 0
}

// Cap reports the configured capacity for the backend class.
func (g *Gate) Cap(backend account.Backend) int {
	switch backend {
	case account.BackendDirect:
		return int(g.directCap)
	case account.BackendBrowser:
		return int(g.browserCap)
	}
	return 0
}
