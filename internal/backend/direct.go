package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/basket/drover/internal/remote"
)

// directSession drives the platform API with sealed session material loaded
// from the account store.
type directSession struct {
	client *remote.Client
	acct   string
}

func (d *directSession) Connect(ctx context.Context) error {
	if err := d.client.Connect(ctx); err != nil {
		if errors.Is(err, remote.ErrUnauthorized) {
			return ErrAuthExpired
		}
		return fmt.Errorf("connect %s: %w", d.acct, err)
	}
	return nil
}

func (d *directSession) IsAuthorized(ctx context.Context) (bool, error) {
	return d.client.IsAuthorized(ctx), nil
}

func (d *directSession) PerformAction(ctx context.Context, seq int) error {
	title := ResourceTitle(d.acct, seq)
	if err := d.client.PerformAction(ctx, title); err != nil {
		if errors.Is(err, remote.ErrUnauthorized) {
			return ErrAuthExpired
		}
		return err
	}
	return nil
}

func (d *directSession) Disconnect() error {
	return d.client.Disconnect()
}

// ResourceTitle derives the deterministic name for the seq'th resource an
// account creates. Both backends use it, so re-running after a partial run
// picks up the naming sequence where it stopped.
func ResourceTitle(acct string, seq int) string {
	return fmt.Sprintf("%s-%04d", acct, seq)
}
