package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// accessTokenDuration is the lifetime of a user access token.
	// Short-lived; the refresh endpoint handles continuity.
	accessTokenDuration = 15 * time.Minute

	// cacheTokenDuration is the lifetime of a model-scoped cache token.
	cacheTokenDuration = 15 * time.Minute

	// clockSkewLeeway tolerates clock drift between services when
	// validating exp/iat claims.
	clockSkewLeeway = 60 * time.Second
)

// Token audiences. A token minted for one scope is rejected everywhere else.
const (
	AudienceUser  = "user"  // interactive API access
	AudienceJob   = "job"   // scheduler-launched jobs calling back in
	AudienceCache = "cache" // model-scoped semantic cache access
)

// Claims holds the custom JWT claims embedded in every token.
// Standard claims (exp, iat, aud) are carried via jwt.RegisteredClaims.
type Claims struct {
	jwt.RegisteredClaims

	// UserID is the UUID of the authenticated user. Empty on job tokens.
	UserID string `json:"user_id,omitempty"`

	// ModelID scopes job and cache tokens to a single model.
	ModelID string `json:"model_id,omitempty"`
}

// JwtManager signs and verifies HS256 tokens with the shared JWT_SECRET.
// One manager mints all three audiences; verification pins both the signing
// method and the expected audience.
type JwtManager struct {
	secret []byte
	issuer string
}

// NewJwtManager creates a JwtManager from the shared secret.
func NewJwtManager(secret []byte, issuer string) (*JwtManager, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: JWT_SECRET is required")
	}
	return &JwtManager{secret: secret, issuer: issuer}, nil
}

// AccessToken mints a user token with the default 15-minute lifetime.
func (m *JwtManager) AccessToken(userID uuid.UUID) (string, error) {
	return m.sign(Claims{UserID: userID.String()}, AudienceUser, accessTokenDuration)
}

// JobToken mints a long-lived token a scheduler job uses to report status.
// The lifetime covers the longest plausible training run.
func (m *JwtManager) JobToken(modelID uuid.UUID, lifetime time.Duration) (string, error) {
	return m.sign(Claims{ModelID: modelID.String()}, AudienceJob, lifetime)
}

// CacheToken mints a 15-minute token scoped to one model's cache entries.
func (m *JwtManager) CacheToken(modelID uuid.UUID) (string, error) {
	return m.sign(Claims{ModelID: modelID.String()}, AudienceCache, cacheTokenDuration)
}

func (m *JwtManager) sign(claims Claims, audience string, lifetime time.Duration) (string, error) {
	now := time.Now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    m.issuer,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
		ID:        uuid.NewString(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}
	return signed, nil
}

// Validate parses and verifies a token for the expected audience.
// Callers should use errors.Is(err, auth.ErrTokenExpired) to distinguish
// expired tokens from tampered or mis-scoped ones.
func (m *JwtManager) Validate(tokenString, audience string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(t *jwt.Token) (any, error) {
			// Reject anything other than HMAC. This blocks alg:none and
			// asymmetric-key confusion attacks.
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", t.Header["alg"])
			}
			return m.secret, nil
		},
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(clockSkewLeeway),
	)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// Refresh reissues an access token against a still-valid user token.
func (m *JwtManager) Refresh(tokenString string) (string, error) {
	claims, err := m.Validate(tokenString, AudienceUser)
	if err != nil {
		return "", err
	}
	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		return "", ErrTokenInvalid
	}
	return m.AccessToken(userID)
}
