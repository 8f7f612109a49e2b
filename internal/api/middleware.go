package api

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/bazaar-ml/bazaar/internal/auth"
	"github.com/bazaar-ml/bazaar/internal/db"
	"github.com/bazaar-ml/bazaar/internal/repositories"
)

// requestTimeout bounds every request end to end. Responses past it are 504.
const requestTimeout = 120 * time.Second

// lowDiskThreshold is the minimum free-space fraction below which mutating
// endpoints are refused, protecting the update logs and the metadata store
// from partial writes.
const lowDiskThreshold = 0.20

type contextKey int

const (
	contextKeyUser contextKey = iota
	contextKeyClaims
)

// Authenticate validates a user-audience bearer token and loads the account
// row into the request context.
func Authenticate(jwt *auth.JwtManager, users repositories.UserRepository) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := validateBearer(r, jwt, auth.AudienceUser)
			if err != nil {
				writeError(w, err)
				return
			}

			user, err := userFromClaims(r.Context(), users, claims)
			if err != nil {
				writeError(w, err)
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyUser, user)
			ctx = context.WithValue(ctx, contextKeyClaims, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AuthenticateJob validates a job-audience token minted for a scheduler
// launched process. Claims carry the model id the job is scoped to.
func AuthenticateJob(jwt *auth.JwtManager) func(http.Handler) http.Handler {
	return authenticateScoped(jwt, auth.AudienceJob)
}

// AuthenticateUserOrJob admits either a user token or a job token. Used on
// the deployment teardown route, which replicas call to stop themselves.
// Handlers distinguish the caller by which context value is populated.
func AuthenticateUserOrJob(jwt *auth.JwtManager, users repositories.UserRepository) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if claims, err := validateBearer(r, jwt, auth.AudienceUser); err == nil {
				user, err := userFromClaims(r.Context(), users, claims)
				if err != nil {
					writeError(w, err)
					return
				}
				ctx := context.WithValue(r.Context(), contextKeyUser, user)
				ctx = context.WithValue(ctx, contextKeyClaims, claims)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			claims, err := validateBearer(r, jwt, auth.AudienceJob)
			if err != nil {
				writeError(w, err)
				return
			}
			ctx := context.WithValue(r.Context(), contextKeyClaims, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AuthenticateCache validates a model-scoped cache token.
func AuthenticateCache(jwt *auth.JwtManager) func(http.Handler) http.Handler {
	return authenticateScoped(jwt, auth.AudienceCache)
}

func authenticateScoped(jwt *auth.JwtManager, audience string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := validateBearer(r, jwt, audience)
			if err != nil {
				writeError(w, err)
				return
			}
			ctx := context.WithValue(r.Context(), contextKeyClaims, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireGlobalAdmin allows only global admins through. Must run after
// Authenticate.
func RequireGlobalAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := userFromCtx(r.Context())
		if user == nil || !user.GlobalAdmin {
			writeError(w, auth.ErrForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func validateBearer(r *http.Request, jwt *auth.JwtManager, audience string) (*auth.Claims, error) {
	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return nil, auth.ErrTokenInvalid
	}
	return jwt.Validate(parts[1], audience)
}

func userFromClaims(ctx context.Context, users repositories.UserRepository, claims *auth.Claims) (*db.User, error) {
	id, err := claimUserID(claims)
	if err != nil {
		return nil, err
	}
	user, err := users.GetByID(ctx, id)
	if err != nil {
		return nil, auth.ErrTokenInvalid
	}
	return user, nil
}

// RequestLogger logs every request with its correlation id so error reports
// can be matched to log lines.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			started := time.Now()
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("latency", time.Since(started)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// Recoverer converts handler panics into a 500 failed envelope, logging the
// panic with the request's correlation id.
func Recoverer(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("handler panic",
						zap.Any("panic", rec),
						zap.String("path", r.URL.Path),
						zap.String("request_id", middleware.GetReqID(r.Context())),
						zap.Stack("stack"))
					failJSON(w, http.StatusInternalServerError, "an internal error occurred")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// Timeout enforces the global deadline, answering 504 when a handler
// overruns it.
func Timeout(next http.Handler) http.Handler {
	return timeoutHandler(requestTimeout, next)
}

func timeoutHandler(limit time.Duration, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), limit)
		defer cancel()

		tw := &timeoutWriter{w: w, header: make(http.Header)}
		done := make(chan struct{})
		go func() {
			defer close(done)
			next.ServeHTTP(tw, r.WithContext(ctx))
		}()

		select {
		case <-done:
		case <-ctx.Done():
			// The handler keeps running until it notices the canceled
			// context; markTimedOut makes every later write a no-op so the
			// 504 below is the only thing the client sees.
			if tw.markTimedOut() {
				failJSON(w, http.StatusGatewayTimeout, "request timed out")
			}
		}
	})
}

// timeoutWriter serializes access to the underlying ResponseWriter between
// the handler goroutine and the timeout branch. After markTimedOut the
// handler's writes are silently dropped.
type timeoutWriter struct {
	w http.ResponseWriter

	mu          sync.Mutex
	header      http.Header
	timedOut    bool
	wroteHeader bool
}

func (tw *timeoutWriter) Header() http.Header { return tw.header }

func (tw *timeoutWriter) WriteHeader(code int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut || tw.wroteHeader {
		return
	}
	tw.wroteHeader = true
	dst := tw.w.Header()
	for k, v := range tw.header {
		dst[k] = v
	}
	tw.w.WriteHeader(code)
}

func (tw *timeoutWriter) Write(b []byte) (int, error) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut {
		return len(b), nil
	}
	if !tw.wroteHeader {
		tw.wroteHeader = true
		dst := tw.w.Header()
		for k, v := range tw.header {
			dst[k] = v
		}
	}
	return tw.w.Write(b)
}

// markTimedOut flips the writer into discard mode and reports whether the
// 504 may still be written, which is only the case while nothing has reached
// the client yet.
func (tw *timeoutWriter) markTimedOut() bool {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	tw.timedOut = true
	return !tw.wroteHeader
}

// LowDiskGuard refuses mutating requests while the share volume is under the
// free-space threshold. Reads stay available.
func LowDiskGuard(path string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}

			free, err := freeFraction(path)
			if err != nil {
				// Unknown disk state must not block traffic.
				logger.Warn("disk check failed", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			if free < lowDiskThreshold {
				logger.Warn("refusing write, disk low", zap.Float64("free_fraction", free))
				failJSON(w, http.StatusServiceUnavailable, "insufficient disk space")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func freeFraction(path string) (float64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, err
	}
	if stat.Blocks == 0 {
		return 1, nil
	}
	return float64(stat.Bavail) / float64(stat.Blocks), nil
}

// userFromCtx retrieves the account loaded by Authenticate, nil when absent.
func userFromCtx(ctx context.Context) *db.User {
	user, _ := ctx.Value(contextKeyUser).(*db.User)
	return user
}

// claimsFromCtx retrieves token claims for job and cache scoped routes.
func claimsFromCtx(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(contextKeyClaims).(*auth.Claims)
	return claims
}

func claimUserID(claims *auth.Claims) (uuid.UUID, error) {
	id, err := uuid.Parse(claims.UserID)
	if err != nil {
		return uuid.Nil, auth.ErrTokenInvalid
	}
	return id, nil
}

func claimModelID(claims *auth.Claims) (uuid.UUID, error) {
	id, err := uuid.Parse(claims.ModelID)
	if err != nil {
		return uuid.Nil, auth.ErrTokenInvalid
	}
	return id, nil
}
