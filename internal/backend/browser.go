package backend

import (
	"context"
	"fmt"

	"github.com/basket/drover/internal/browserd"
)

// browserSession drives one account's browser session through the driver
// sidecar. The login itself happens during onboarding; here the profile
// either carries a live session or the worker stops with ErrAuthExpired.
type browserSession struct {
	driver *browserd.Client
	acct   string
	member string
}

func (b *browserSession) Connect(ctx context.Context) error {
	if err := b.driver.Ping(ctx); err != nil {
		return fmt.Errorf("browser driver unreachable: %w", err)
	}
	return nil
}

func (b *browserSession) IsAuthorized(ctx context.Context) (bool, error) {
	return b.driver.IsLoggedIn(ctx, b.acct)
}

func (b *browserSession) PerformAction(ctx context.Context, seq int) error {
	created, err := b.driver.CreateResource(ctx, b.acct, ResourceTitle(b.acct, seq), b.member)
	if err != nil {
		return err
	}
	if !created {
		return fmt.Errorf("driver reported resource %s not created", ResourceTitle(b.acct, seq))
	}
	return nil
}

func (b *browserSession) Disconnect() error {
	return b.driver.Close(b.acct)
}
