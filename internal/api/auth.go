package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/bazaar-ml/bazaar/internal/auth"
)

// AuthHandler owns signup, login, token refresh, and password recovery.
type AuthHandler struct {
	jwt    *auth.JwtManager
	local  *auth.LocalProvider
	logger *zap.Logger
}

// NewAuthHandler creates the handler. local doubles as the default login
// backend; OIDC logins name their provider explicitly.
func NewAuthHandler(jwt *auth.JwtManager, local *auth.LocalProvider, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{jwt: jwt, local: local, logger: logger}
}

type signupRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`

	// Provider selects the identity backend, defaulting to "local".
	Provider string `json:"provider,omitempty"`

	// IDToken completes an OIDC login.
	IDToken string `json:"id_token,omitempty"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
}

// Signup creates a local account and returns a token for it.
func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		BadRequest(w, "username and password are required")
		return
	}

	user, err := h.local.CreateUser(r.Context(), auth.SignupRequest{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	token, err := h.jwt.AccessToken(user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	h.logger.Info("user signed up", zap.String("username", user.Username))
	Created(w, tokenResponse{AccessToken: token, UserID: user.ID.String()})
}

// Login authenticates against the named identity backend.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	name := req.Provider
	if name == "" {
		name = "local"
	}
	provider, err := auth.Provider(name)
	if err != nil {
		writeError(w, err)
		return
	}

	user, err := provider.Authenticate(r.Context(), auth.LoginRequest{
		Username:   req.Username,
		Password:   req.Password,
		RawIDToken: req.IDToken,
	})
	if err != nil {
		// Unknown user and wrong password answer identically.
		if errors.Is(err, auth.ErrUserNotFound) {
			err = auth.ErrInvalidCredentials
		}
		writeError(w, err)
		return
	}

	token, err := h.jwt.AccessToken(user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	Ok(w, tokenResponse{AccessToken: token, UserID: user.ID.String()})
}

// Refresh reissues an access token against a still-valid one.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())
	if claims == nil {
		writeError(w, auth.ErrTokenInvalid)
		return
	}
	userID, err := claimUserID(claims)
	if err != nil {
		writeError(w, err)
		return
	}
	token, err := h.jwt.AccessToken(userID)
	if err != nil {
		writeError(w, err)
		return
	}
	Ok(w, tokenResponse{AccessToken: token, UserID: claims.UserID})
}

type resetRequestRequest struct {
	Email string `json:"email"`
}

// RequestReset mails a single-use recovery code. The response is identical
// whether or not the address exists.
func (h *AuthHandler) RequestReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequestRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Email == "" {
		BadRequest(w, "email is required")
		return
	}
	if err := h.local.RequestPasswordReset(r.Context(), req.Email); err != nil {
		writeError(w, err)
		return
	}
	Ok(w, nil)
}

type resetRequest struct {
	Code        string `json:"code"`
	NewPassword string `json:"new_password"`
}

// Reset completes password recovery with a mailed code.
func (h *AuthHandler) Reset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Code == "" || req.NewPassword == "" {
		BadRequest(w, "code and new_password are required")
		return
	}
	err := h.local.ResetPassword(r.Context(), auth.ResetPasswordRequest{
		Code:        req.Code,
		NewPassword: req.NewPassword,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	Ok(w, nil)
}
