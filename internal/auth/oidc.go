package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"

	"github.com/bazaar-ml/bazaar/internal/db"
	"github.com/bazaar-ml/bazaar/internal/repositories"
)

// OIDCProvider delegates login to an external identity provider and maps the
// returned subject claim to a local User row, provisioning it on first sight.
// Frontends obtain the raw ID token from the provider directly (or via the
// x/oauth2 authorization-code flow) and present it to the login endpoint.
type OIDCProvider struct {
	users    repositories.UserRepository
	verifier *gooidc.IDTokenVerifier
}

// NewOIDCProvider discovers the issuer's configuration and prepares a
// verifier bound to the given client ID.
func NewOIDCProvider(ctx context.Context, issuer, clientID string, users repositories.UserRepository) (*OIDCProvider, error) {
	provider, err := gooidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("auth: initializing OIDC provider for issuer %q: %w", issuer, err)
	}
	return &OIDCProvider{
		users:    users,
		verifier: provider.Verifier(&gooidc.Config{ClientID: clientID}),
	}, nil
}

// Name implements IdentityProvider.
func (p *OIDCProvider) Name() string { return "oidc" }

// Authenticate verifies the ID token and returns the mapped local user,
// provisioning a row on first sight (JIT provisioning).
func (p *OIDCProvider) Authenticate(ctx context.Context, req LoginRequest) (*db.User, error) {
	if req.RawIDToken == "" {
		return nil, ErrTokenInvalid
	}

	idToken, err := p.verifier.Verify(ctx, req.RawIDToken)
	if err != nil {
		return nil, fmt.Errorf("%w: verifying OIDC id_token: %v", ErrTokenInvalid, err)
	}

	var claims struct {
		Email             string `json:"email"`
		PreferredUsername string `json:"preferred_username"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: parsing OIDC claims: %v", ErrTokenInvalid, err)
	}

	user, err := p.users.GetByOIDCSub(ctx, idToken.Subject)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, repositories.ErrNotFound) {
		return nil, fmt.Errorf("auth: fetching OIDC user: %w", err)
	}

	username := claims.PreferredUsername
	if username == "" {
		username = claims.Email
	}
	var domain string
	if at := strings.LastIndex(claims.Email, "@"); at >= 0 {
		domain = claims.Email[at+1:]
	}

	user = &db.User{
		Username: username,
		Email:    claims.Email,
		Domain:   domain,
		OIDCSub:  idToken.Subject,
	}
	if err := p.users.Create(ctx, user); err != nil {
		return nil, fmt.Errorf("auth: provisioning OIDC user: %w", err)
	}
	return user, nil
}

// CreateUser is not supported: OIDC accounts are provisioned on first login.
func (p *OIDCProvider) CreateUser(_ context.Context, _ SignupRequest) (*db.User, error) {
	return nil, errors.New("auth: CreateUser is not supported for the OIDC backend, accounts are provisioned on first login")
}

// DeleteUser removes the local mapping; the upstream identity is untouched.
func (p *OIDCProvider) DeleteUser(ctx context.Context, id uuid.UUID) error {
	return p.users.Delete(ctx, id)
}

// ResetPassword is not supported: passwords live at the identity provider.
func (p *OIDCProvider) ResetPassword(_ context.Context, _ ResetPasswordRequest) error {
	return errors.New("auth: ResetPassword is not supported for the OIDC backend")
}
