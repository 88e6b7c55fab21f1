package account

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	metaFile     = "meta.json"
	sessionFile  = "session.age"
	progressFile = "progress"
	profileDir   = "profile"
)

// ErrCounterRegression reports an attempt to persist a progress value lower
// than the one already on disk.
var ErrCounterRegression = errors.New("progress counter regression")

// Store keeps one directory per account under a backend-specific root.
// Directory existence is the authority for whether an account exists and
// which backend drives it. Session material is encrypted at rest; the
// progress counter is a small text file written atomically.
type Store struct {
	root       string
	passphrase string
	logger     *slog.Logger
}

type meta struct {
	OwnerID   int64     `json:"owner_id"`
	Created   time.Time `json:"created"`
	Finalized bool      `json:"finalized"`
}

func NewStore(root, passphrase string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{root: root, passphrase: passphrase, logger: logger.With("component", "account_store")}
}

func (s *Store) dir(backend Backend, name string) string {
	return filepath.Join(s.root, string(backend), name)
}

// ProfileDir returns the browser profile directory for an account, creating
// it if needed. The driver owns its contents.
func (s *Store) ProfileDir(name string) (string, error) {
	dir := filepath.Join(s.dir(BackendBrowser, name), profileDir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create profile dir: %w", err)
	}
	return dir, nil
}

// NameInUse reports whether any directory (reserved or finalized) claims the
// name on either backend. Matching is case-sensitive and exact.
func (s *Store) NameInUse(name string) bool {
	for _, backend := range []Backend{BackendDirect, BackendBrowser} {
		if _, err := os.Stat(s.dir(backend, name)); err == nil {
			return true
		}
	}
	return false
}

// Reserve claims a directory for an account mid-onboarding. The reservation
// is not visible in List until Finalize; Discard rolls it back.
func (s *Store) Reserve(backend Backend, name string, ownerID int64) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if s.NameInUse(name) {
		return ErrNameTaken
	}
	dir := s.dir(backend, name)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("reserve account dir: %w", err)
	}
	m := meta{OwnerID: ownerID, Created: time.Now().UTC()}
	if err := s.writeMeta(dir, m); err != nil {
		os.RemoveAll(dir)
		return err
	}
	return nil
}

// Finalize commits session material for a reserved account and marks it
// live. For the browser backend the profile directory written by the driver
// during login is the credential store, so material may be empty there.
func (s *Store) Finalize(backend Backend, name string, ownerID int64, material []byte) error {
	dir := s.dir(backend, name)
	m, err := s.readMeta(dir)
	if err != nil {
		return fmt.Errorf("finalize unreserved account %s: %w", name, err)
	}
	if m.OwnerID != ownerID {
		return ErrNotOwner
	}
	if backend == BackendDirect {
		blob, err := seal(s.passphrase, material)
		if err != nil {
			return fmt.Errorf("seal session: %w", err)
		}
		if err := atomicWrite(filepath.Join(dir, sessionFile), blob, 0o600); err != nil {
			return fmt.Errorf("write session: %w", err)
		}
	}
	m.Finalized = true
	if err := s.writeMeta(dir, m); err != nil {
		return err
	}
	s.logger.Info("account finalized", "account", name, "backend", string(backend))
	return nil
}

// Discard rolls back a reservation that never finalized. Finalized accounts
// are refused; use Delete for those.
func (s *Store) Discard(backend Backend, name string) error {
	dir := s.dir(backend, name)
	m, err := s.readMeta(dir)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if m.Finalized {
		return fmt.Errorf("refusing to discard finalized account %s", name)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("discard reservation: %w", err)
	}
	return nil
}

// PruneUnfinalized removes reservations older than the cutoff. Run it at
// startup: a reservation with no live conversation is a leftover from a
// crashed onboarding and would hold its name forever.
func (s *Store) PruneUnfinalized(olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	pruned := 0
	for _, backend := range []Backend{BackendDirect, BackendBrowser} {
		entries, err := os.ReadDir(filepath.Join(s.root, string(backend)))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return pruned, fmt.Errorf("scan %s accounts: %w", backend, err)
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			dir := s.dir(backend, entry.Name())
			m, err := s.readMeta(dir)
			if err != nil {
				s.logger.Warn("skipping unreadable account dir", "dir", dir, "error", err)
				continue
			}
			if m.Finalized || m.Created.After(cutoff) {
				continue
			}
			if err := os.RemoveAll(dir); err != nil {
				return pruned, fmt.Errorf("prune reservation %s: %w", entry.Name(), err)
			}
			s.logger.Info("stale reservation pruned", "account", entry.Name(), "backend", string(backend))
			pruned++
		}
	}
	return pruned, nil
}

// Get finds an account by name on either backend.
func (s *Store) Get(name string) (Identity, error) {
	for _, backend := range []Backend{BackendDirect, BackendBrowser} {
		dir := s.dir(backend, name)
		m, err := s.readMeta(dir)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return Identity{}, err
		}
		if !m.Finalized {
			continue
		}
		return Identity{Name: name, Backend: backend, OwnerID: m.OwnerID, Created: m.Created}, nil
	}
	return Identity{}, ErrNotFound
}

// List returns the finalized accounts owned by userID, sorted by name.
// userID 0 lists every account.
func (s *Store) List(userID int64) ([]Identity, error) {
	var out []Identity
	for _, backend := range []Backend{BackendDirect, BackendBrowser} {
		entries, err := os.ReadDir(filepath.Join(s.root, string(backend)))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("list %s accounts: %w", backend, err)
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			dir := s.dir(backend, entry.Name())
			m, err := s.readMeta(dir)
			if err != nil {
				s.logger.Warn("skipping unreadable account dir", "dir", dir, "error", err)
				continue
			}
			if !m.Finalized {
				continue
			}
			if userID != 0 && m.OwnerID != userID {
				continue
			}
			out = append(out, Identity{Name: entry.Name(), Backend: backend, OwnerID: m.OwnerID, Created: m.Created})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Delete removes an account and everything stored for it. The caller must
// own the account. Removal of the directory is the atomic deletion of both
// the identity and its session record.
func (s *Store) Delete(userID int64, name string) (Identity, error) {
	id, err := s.Get(name)
	if err != nil {
		return Identity{}, err
	}
	if id.OwnerID != userID {
		return Identity{}, ErrNotOwner
	}
	if err := os.RemoveAll(s.dir(id.Backend, name)); err != nil {
		return Identity{}, fmt.Errorf("delete account: %w", err)
	}
	s.logger.Info("account deleted", "account", name, "backend", string(id.Backend))
	return id, nil
}

// LoadSession decrypts the session blob for a direct-backend account. The
// caller's userID must match the stored owner.
func (s *Store) LoadSession(userID int64, name string) ([]byte, error) {
	dir := s.dir(BackendDirect, name)
	m, err := s.readMeta(dir)
	if err != nil {
		return nil, err
	}
	if m.OwnerID != userID {
		return nil, ErrNotOwner
	}
	blob, err := os.ReadFile(filepath.Join(dir, sessionFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read session: %w", err)
	}
	return unseal(s.passphrase, blob)
}

// Counter reads the persisted progress counter. A missing file is zero.
func (s *Store) Counter(backend Backend, name string) (int, error) {
	data, err := os.ReadFile(filepath.Join(s.dir(backend, name), progressFile))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read progress: %w", err)
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse progress: %w", err)
	}
	return v, nil
}

// SetCounter durably writes the progress counter. Values lower than the one
// on disk are refused: the counter only ever moves forward.
func (s *Store) SetCounter(backend Backend, name string, value int) error {
	current, err := s.Counter(backend, name)
	if err != nil {
		return err
	}
	if value < current {
		return fmt.Errorf("%w: have %d, got %d", ErrCounterRegression, current, value)
	}
	path := filepath.Join(s.dir(backend, name), progressFile)
	if err := atomicWrite(path, []byte(strconv.Itoa(value)+"\n"), 0o600); err != nil {
		return fmt.Errorf("write progress: %w", err)
	}
	return nil
}

func (s *Store) readMeta(dir string) (meta, error) {
	data, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		if os.IsNotExist(err) {
			return meta{}, ErrNotFound
		}
		return meta{}, fmt.Errorf("read meta: %w", err)
	}
	var m meta
	if err := json.Unmarshal(data, &m); err != nil {
		return meta{}, fmt.Errorf("parse meta: %w", err)
	}
	return m, nil
}

func (s *Store) writeMeta(dir string, m meta) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	if err := atomicWrite(filepath.Join(dir, metaFile), data, 0o600); err != nil {
		return fmt.Errorf("write meta: %w", err)
	}
	return nil
}

// atomicWrite writes via a temp file and rename so readers never observe a
// torn file and a crash never corrupts the previous durable value.
func atomicWrite(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
