// Package api implements the control-plane HTTP surface. Routes live under
// /api/v1 behind a chi router; every response uses the common envelope and
// error kinds are mapped onto HTTP codes in exactly one place, writeError.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/bazaar-ml/bazaar/internal/auth"
	"github.com/bazaar-ml/bazaar/internal/cache"
	"github.com/bazaar-ml/bazaar/internal/licensing"
	"github.com/bazaar-ml/bazaar/internal/llm"
	"github.com/bazaar-ml/bazaar/internal/orchestrator"
	"github.com/bazaar-ml/bazaar/internal/repositories"
)

// envelope is the wire shape of every response:
//
//	{"status":"success"|"failed","message":"...","data":{...}}
type envelope struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// JSON writes a JSON-encoded body with the given status code.
func JSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Ok writes a 200 success envelope.
func Ok(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, envelope{Status: "success", Data: data})
}

// Created writes a 201 success envelope.
func Created(w http.ResponseWriter, data any) {
	JSON(w, http.StatusCreated, envelope{Status: "success", Data: data})
}

// failJSON writes a failed envelope with the given code and message.
func failJSON(w http.ResponseWriter, status int, message string) {
	JSON(w, status, envelope{Status: "failed", Message: message})
}

// BadRequest writes a 400 invalid_argument failure.
func BadRequest(w http.ResponseWriter, message string) {
	failJSON(w, http.StatusBadRequest, message)
}

// writeError maps sentinel errors onto the HTTP table. Anything unmatched is
// an internal error; its detail stays in the server log, not the response.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrTokenExpired),
		errors.Is(err, auth.ErrTokenInvalid),
		errors.Is(err, auth.ErrInvalidCredentials):
		failJSON(w, http.StatusUnauthorized, err.Error())

	case errors.Is(err, licensing.ErrExhausted),
		errors.Is(err, licensing.ErrExpired),
		errors.Is(err, licensing.ErrInvalid):
		failJSON(w, http.StatusPaymentRequired, err.Error())

	case errors.Is(err, auth.ErrForbidden):
		failJSON(w, http.StatusForbidden, "insufficient permissions")

	case errors.Is(err, repositories.ErrNotFound),
		errors.Is(err, auth.ErrUserNotFound),
		errors.Is(err, cache.ErrMiss),
		errors.Is(err, orchestrator.ErrJobNotFound):
		failJSON(w, http.StatusNotFound, "resource not found")

	case errors.Is(err, repositories.ErrDuplicate):
		failJSON(w, http.StatusConflict, err.Error())

	case errors.Is(err, repositories.ErrIllegalTransition):
		failJSON(w, http.StatusPreconditionFailed, err.Error())

	case errors.Is(err, orchestrator.ErrUnavailable):
		failJSON(w, http.StatusServiceUnavailable, "scheduler unavailable")

	case errors.Is(err, auth.ErrResetCodeInvalid),
		errors.Is(err, llm.ErrNotConfigured),
		errors.Is(err, auth.ErrProviderNotRegistered):
		failJSON(w, http.StatusBadRequest, err.Error())

	default:
		failJSON(w, http.StatusInternalServerError, "an internal error occurred")
	}
}

// decodeJSON decodes the request body into dst, rejecting unknown fields.
// Returns false after writing a 400 so callers can early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		BadRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}
