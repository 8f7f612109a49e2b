package auth

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/bazaar-ml/bazaar/internal/db"
)

// IdentityProvider is the capability set every identity backend implements.
// Two implementations exist: LocalProvider (username/password with mailed
// reset codes) and OIDCProvider (delegated login mapped to local User rows).
//
// New backends (SAML, LDAP) register against the package registry at startup;
// there is no inheritance hierarchy, just this one interface.
type IdentityProvider interface {
	// Authenticate verifies raw credentials (password login) or a provider
	// assertion and returns the matching local user.
	Authenticate(ctx context.Context, req LoginRequest) (*db.User, error)

	// CreateUser provisions a new account. Providers that do not own account
	// storage (OIDC) provision on first login instead and reject this call.
	CreateUser(ctx context.Context, req SignupRequest) (*db.User, error)

	// DeleteUser removes an account and reassigns its models.
	DeleteUser(ctx context.Context, id uuid.UUID) error

	// ResetPassword completes a password-recovery flow with a single-use code.
	ResetPassword(ctx context.Context, req ResetPasswordRequest) error

	// Name returns the registry key for this backend ("local", "oidc").
	Name() string
}

// LoginRequest carries credentials for an authentication attempt.
// Password logins set Username/Password; OIDC completions set RawIDToken.
type LoginRequest struct {
	Username   string
	Password   string
	RawIDToken string
}

// SignupRequest carries the fields for a new local account.
type SignupRequest struct {
	Username string
	Email    string
	Password string

	// Domain defaults to the email domain when empty.
	Domain string
}

// ResetPasswordRequest completes a recovery: the code was mailed to the user
// by RequestPasswordReset and is valid once within its expiry window.
type ResetPasswordRequest struct {
	Code        string
	NewPassword string
}

// registry maps backend names to providers. Populated at startup from main.
var (
	registryMu sync.RWMutex
	registry   = map[string]IdentityProvider{}
)

// Register adds a provider to the registry, replacing any previous
// registration under the same name.
func Register(p IdentityProvider) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[p.Name()] = p
}

// Provider returns the registered backend with the given name.
func Provider(name string) (IdentityProvider, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	p, ok := registry[name]
	if !ok {
		return nil, ErrProviderNotRegistered
	}
	return p, nil
}

// Providers returns the registered backend names in sorted order.
func Providers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
