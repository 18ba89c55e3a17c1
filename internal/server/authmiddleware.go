package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/lexia/inference-gateway/internal/auth"
	"github.com/lexia/inference-gateway/internal/domain"
	"github.com/lexia/inference-gateway/internal/ratelimit"
)

// apiKeyContextKey is the context key for the authenticated API key.
type apiKeyContextKey struct{}

// AuthMiddleware resolves the bearer secret to an API key and injects it
// into the request context. Every stage failure short-circuits with the
// stage's error kind; later stages run no side effects.
func AuthMiddleware(authenticator *auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			secret, err := auth.ExtractBearer(r)
			if err != nil {
				WriteError(w, r, err)
				return
			}

			key, err := authenticator.Resolve(r.Context(), secret)
			if err != nil {
				WriteError(w, r, err)
				return
			}

			AddLogField(r.Context(), "key_id", key.ID)
			ctx := context.WithValue(r.Context(), apiKeyContextKey{}, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetAPIKey retrieves the authenticated API key from context.
// Returns nil if no key is set.
func GetAPIKey(ctx context.Context) *domain.APIKey {
	if key, ok := ctx.Value(apiKeyContextKey{}).(*domain.APIKey); ok {
		return key
	}
	return nil
}

// RequireCapability authorizes the authenticated key for a capability.
func RequireCapability(capability domain.Capability) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := GetAPIKey(r.Context())
			if key == nil {
				WriteError(w, r, domain.ErrUnauthenticated("missing API key"))
				return
			}
			if err := auth.Authorize(key, capability); err != nil {
				WriteError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitMiddleware admits the request against the key's per-minute limit
// and sets X-RateLimit-* headers. A request is admitted at most once per
// inbound call. Runs after authentication and authorization.
func RateLimitMiddleware(limiter ratelimit.Limiter, enabled bool, defaultLimit int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !enabled || limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := GetAPIKey(r.Context())
			if key == nil {
				WriteError(w, r, domain.ErrUnauthenticated("missing API key"))
				return
			}

			limit := key.RateLimit
			if limit <= 0 {
				limit = defaultLimit
			}

			result, err := limiter.Admit(r.Context(), key.ID, limit)
			if result != nil {
				h := w.Header()
				h.Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
				h.Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
				h.Set("X-RateLimit-Reset", strconv.FormatInt(result.Reset.Unix(), 10))
			}
			if err != nil {
				WriteError(w, r, err)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
