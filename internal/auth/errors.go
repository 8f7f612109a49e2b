package auth

import "errors"

// Sentinel errors returned by identity providers and the permission resolver.
// Callers should use errors.Is for comparison; the API layer maps these onto
// the invalid_token / expired_token / not_found / forbidden response kinds.
var (
	// ErrInvalidCredentials is returned when username/password do not match.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")

	// ErrUserNotFound is returned when no user exists for the given identifier.
	ErrUserNotFound = errors.New("auth: user not found")

	// ErrTokenExpired is returned when a token has expired.
	ErrTokenExpired = errors.New("auth: token expired")

	// ErrTokenInvalid is returned when a token cannot be parsed or verified,
	// or when its audience does not match the expected scope.
	ErrTokenInvalid = errors.New("auth: token invalid")

	// ErrForbidden is returned by Authorize when the user has no grant for
	// the requested operation on the model.
	ErrForbidden = errors.New("auth: forbidden")

	// ErrResetCodeInvalid is returned when a password reset code is unknown,
	// expired, or already used.
	ErrResetCodeInvalid = errors.New("auth: reset code invalid")

	// ErrProviderNotRegistered is returned by the identity registry when the
	// requested backend name has no registration.
	ErrProviderNotRegistered = errors.New("auth: identity provider not registered")
)
