package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/basket/drover/internal/account"
	"github.com/basket/drover/internal/browserd"
	"github.com/basket/drover/internal/config"
	"github.com/basket/drover/internal/remote"
)

// Factory opens sessions for accounts. It owns the proxy and user-agent
// rotation: each direct session picks the next entry round-robin so parallel
// workers spread across the pool.
type Factory struct {
	store  *account.Store
	driver *browserd.Client
	logger *slog.Logger

	mu   sync.Mutex
	cfg  config.Config
	next int
}

func NewFactory(cfg config.Config, store *account.Store, driver *browserd.Client, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		store:  store,
		driver: driver,
		logger: logger,
		cfg:    cfg,
	}
}

// Reload swaps the config snapshot. Sessions already open keep the proxy
// they were born with; only new sessions see the change.
func (f *Factory) Reload(cfg config.Config) {
	f.mu.Lock()
	f.cfg = cfg
	f.mu.Unlock()
}

// Open builds a session for the account. The caller owns the returned
// session and must Disconnect it.
func (f *Factory) Open(ctx context.Context, userID int64, ident account.Identity) (Session, error) {
	switch ident.Backend {
	case account.BackendDirect:
		return f.openDirect(ctx, userID, ident)
	case account.BackendBrowser:
		f.mu.Lock()
		member := f.cfg.TargetMember
		f.mu.Unlock()
		if f.driver == nil {
			return nil, fmt.Errorf("browser backend disabled: no driver configured")
		}
		return &browserSession{driver: f.driver, acct: ident.Name, member: member}, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", ident.Backend)
	}
}

func (f *Factory) openDirect(ctx context.Context, userID int64, ident account.Identity) (Session, error) {
	material, err := f.store.LoadSession(userID, ident.Name)
	if err != nil {
		return nil, fmt.Errorf("load session for %s: %w", ident.Name, err)
	}

	client, err := f.NewAuth()
	if err != nil {
		return nil, err
	}
	client.SetSession(material)
	return &directSession{client: client, acct: ident.Name}, nil
}

// NewAuth builds a fresh unauthenticated client drawing from the same proxy
// and user-agent rotation as worker sessions. Onboarding uses it to run the
// login flow.
func (f *Factory) NewAuth() (*remote.Client, error) {
	f.mu.Lock()
	opts := remote.Options{
		BaseURL:   f.cfg.Remote.BaseURL,
		Timeout:   f.cfg.RemoteTimeout(),
		Proxy:     pick(f.cfg.Proxies, f.next),
		UserAgent: pick(f.cfg.UserAgents, f.next),
		Logger:    f.logger,
	}
	f.next++
	f.mu.Unlock()

	return remote.New(opts)
}

func pick(pool []string, n int) string {
	if len(pool) == 0 {
		return ""
	}
	return pool[n%len(pool)]
}
