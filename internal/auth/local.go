package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"

	"github.com/bazaar-ml/bazaar/internal/db"
	"github.com/bazaar-ml/bazaar/internal/mailer"
	"github.com/bazaar-ml/bazaar/internal/repositories"
)

const (
	// Argon2id parameters. Time cost 2 is above the OWASP minimum of 1.
	argon2Time    = 2
	argon2Memory  = 64 * 1024 // KiB
	argon2Threads = 2
	argon2KeyLen  = 32
	argon2SaltLen = 16

	// resetCodeBytes is the entropy of a password reset code before encoding.
	resetCodeBytes = 16

	// resetCodeDuration is how long a mailed reset code stays redeemable.
	resetCodeDuration = 15 * time.Minute
)

// LocalProvider authenticates users against argon2id password hashes stored
// on the User row. Password recovery mails a short-lived single-use code
// through the mailer; only the code's SHA-256 hash is persisted.
type LocalProvider struct {
	users  repositories.UserRepository
	mailer mailer.Mailer
}

// NewLocalProvider creates a LocalProvider with the given dependencies.
func NewLocalProvider(users repositories.UserRepository, m mailer.Mailer) *LocalProvider {
	return &LocalProvider{users: users, mailer: m}
}

// Name implements IdentityProvider.
func (p *LocalProvider) Name() string { return "local" }

// Authenticate validates username (or email) and password.
func (p *LocalProvider) Authenticate(ctx context.Context, req LoginRequest) (*db.User, error) {
	user, err := p.users.GetByUsername(ctx, req.Username)
	if errors.Is(err, repositories.ErrNotFound) && strings.Contains(req.Username, "@") {
		user, err = p.users.GetByEmail(ctx, req.Username)
	}
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			// Indistinguishable from a wrong password so login attempts
			// cannot enumerate accounts.
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("auth: fetching user: %w", err)
	}

	if user.Password == "" || !verifyPassword(req.Password, user.Password) {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// CreateUser provisions a local account. The user's domain defaults to the
// email domain when not set explicitly.
func (p *LocalProvider) CreateUser(ctx context.Context, req SignupRequest) (*db.User, error) {
	hash, err := hashPassword(req.Password)
	if err != nil {
		return nil, err
	}

	domain := req.Domain
	if domain == "" {
		if at := strings.LastIndex(req.Email, "@"); at >= 0 {
			domain = req.Email[at+1:]
		}
	}

	user := &db.User{
		Username: req.Username,
		Email:    req.Email,
		Password: hash,
		Domain:   domain,
	}
	if err := p.users.Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// DeleteUser implements IdentityProvider.
func (p *LocalProvider) DeleteUser(ctx context.Context, id uuid.UUID) error {
	return p.users.Delete(ctx, id)
}

// RequestPasswordReset generates a single-use code, stores its hash with a
// 15-minute expiry, and mails the raw code to the account's address.
func (p *LocalProvider) RequestPasswordReset(ctx context.Context, email string) error {
	user, err := p.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			// Silently succeed so the endpoint cannot enumerate addresses.
			return nil
		}
		return fmt.Errorf("auth: fetching user for reset: %w", err)
	}

	raw := make([]byte, resetCodeBytes)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("auth: generating reset code: %w", err)
	}
	code := base64.RawURLEncoding.EncodeToString(raw)

	record := &db.PasswordResetCode{
		UserID:    user.ID,
		CodeHash:  hashResetCode(code),
		ExpiresAt: time.Now().UTC().Add(resetCodeDuration),
	}
	if err := p.users.CreateResetCode(ctx, record); err != nil {
		return err
	}

	return p.mailer.Send(ctx, mailer.Message{
		To:      user.Email,
		Subject: "Password reset code",
		Body: fmt.Sprintf("Your password reset code is %s. It expires in %d minutes.",
			code, int(resetCodeDuration.Minutes())),
	})
}

// ResetPassword redeems a code and sets the new password hash.
func (p *LocalProvider) ResetPassword(ctx context.Context, req ResetPasswordRequest) error {
	record, err := p.users.ConsumeResetCode(ctx, hashResetCode(req.Code))
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return ErrResetCodeInvalid
		}
		return err
	}

	user, err := p.users.GetByID(ctx, record.UserID)
	if err != nil {
		return fmt.Errorf("auth: fetching user for reset: %w", err)
	}

	hash, err := hashPassword(req.NewPassword)
	if err != nil {
		return err
	}
	user.Password = hash
	return p.users.Update(ctx, user)
}

// hashPassword derives an argon2id hash in the standard encoded form
// $argon2id$v=19$m=...,t=...,p=...$salt$hash.
func hashPassword(password string) (string, error) {
	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generating salt: %w", err)
	}

	key := argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argon2Memory, argon2Time, argon2Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// verifyPassword checks a password against an encoded argon2id hash in
// constant time.
func verifyPassword(password, encoded string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false
	}

	var memory, timeCost uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &timeCost, &threads); err != nil {
		return false
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}

	got := argon2.IDKey([]byte(password), salt, timeCost, memory, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}

// hashResetCode returns the hex SHA-256 of a raw reset code. Raw codes are
// never persisted.
func hashResetCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
