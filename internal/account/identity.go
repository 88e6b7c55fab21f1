package account

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Backend selects the execution strategy for an account.
type Backend string

const (
	BackendDirect  Backend = "direct"
	BackendBrowser Backend = "browser"
)

// ParseBackend converts a stored or user-supplied backend string.
func ParseBackend(s string) (Backend, error) {
	switch Backend(s) {
	case BackendDirect:
		return BackendDirect, nil
	case BackendBrowser:
		return BackendBrowser, nil
	}
	return "", fmt.Errorf("unknown backend %q", s)
}

var (
	ErrInvalidName = errors.New("account name must contain only letters, digits, underscore or hyphen")
	ErrNameLength  = errors.New("account name must be 1-64 characters")
	ErrNameTaken   = errors.New("account name already in use")
	ErrNotFound    = errors.New("account not found")
	ErrNotOwner    = errors.New("account belongs to another user")
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateName applies the account naming rule. Names are case-sensitive and
// must be unique across both backends; uniqueness is checked by the store.
func ValidateName(name string) error {
	if len(name) == 0 || len(name) > 64 {
		return ErrNameLength
	}
	if !namePattern.MatchString(name) {
		return ErrInvalidName
	}
	return nil
}

// Identity describes one stored account.
type Identity struct {
	Name    string
	Backend Backend
	OwnerID int64
	Created time.Time
}
