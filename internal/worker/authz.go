package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Authorization failure kinds surfaced to the HTTP layer.
var (
	ErrUnauthenticated = errors.New("worker: missing or invalid token")
	ErrForbidden       = errors.New("worker: access denied")
)

// Authorizer decides whether the caller behind a bearer token may use this
// deployment. write selects the stricter check for mutation endpoints.
type Authorizer interface {
	Authorize(ctx context.Context, token string, write bool) error
}

// decisionTTL bounds how long a control-plane verdict is reused. It matches
// the control plane's own permission cache window, so a revoked grant stops
// working within the same lag on both sides.
const decisionTTL = 5 * time.Minute

type authDecision struct {
	read    bool
	write   bool
	expires time.Time
}

// ProxyAuthorizer defers access decisions to the control plane's model
// permissions endpoint. Workers never hold the token signing secret; they
// forward the caller's bearer token and cache the verdict per token.
type ProxyAuthorizer struct {
	endpoint string
	modelID  string
	http     *http.Client
	logger   *zap.Logger

	mu        sync.Mutex
	decisions map[string]authDecision
}

// NewProxyAuthorizer creates an authorizer asking the control plane at
// endpoint about this worker's model.
func NewProxyAuthorizer(endpoint, modelID string, logger *zap.Logger) *ProxyAuthorizer {
	return &ProxyAuthorizer{
		endpoint:  endpoint,
		modelID:   modelID,
		http:      &http.Client{Timeout: 10 * time.Second},
		logger:    logger.Named("authz"),
		decisions: make(map[string]authDecision),
	}
}

func (a *ProxyAuthorizer) Authorize(ctx context.Context, token string, write bool) error {
	if token == "" {
		return ErrUnauthenticated
	}

	a.mu.Lock()
	decision, ok := a.decisions[token]
	a.mu.Unlock()

	if !ok || time.Now().After(decision.expires) {
		fresh, err := a.lookup(ctx, token)
		if err != nil {
			return err
		}
		decision = fresh
		a.mu.Lock()
		a.decisions[token] = decision
		a.mu.Unlock()
	}

	if !decision.read || (write && !decision.write) {
		return ErrForbidden
	}
	return nil
}

func (a *ProxyAuthorizer) lookup(ctx context.Context, token string) (authDecision, error) {
	url := a.endpoint + "/api/v1/models/" + a.modelID + "/permissions"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return authDecision{}, fmt.Errorf("worker: building permissions request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.http.Do(req)
	if err != nil {
		return authDecision{}, fmt.Errorf("worker: checking permissions: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return authDecision{}, ErrUnauthenticated
	case http.StatusForbidden, http.StatusNotFound:
		return authDecision{}, ErrForbidden
	default:
		return authDecision{}, fmt.Errorf("worker: control plane returned %d for permissions", resp.StatusCode)
	}

	var body struct {
		Data struct {
			Read  bool `json:"read"`
			Write bool `json:"write"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return authDecision{}, fmt.Errorf("worker: decoding permissions: %w", err)
	}
	return authDecision{
		read:    body.Data.Read,
		write:   body.Data.Write,
		expires: time.Now().Add(decisionTTL),
	}, nil
}
