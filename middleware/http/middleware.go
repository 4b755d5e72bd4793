// Package http provides net/http middleware that ensures the caller's token allowance
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/mihaimyh/goallowance/pkg/allowance"
	"github.com/mihaimyh/goallowance/pkg/api"
)

// Response headers set on every request that passes the middleware
const (
	HeaderRemaining = "X-Allowance-Remaining"
	HeaderReset     = "X-Allowance-Reset"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Resolver is the allowance resolver instance (required)
	Resolver *allowance.Resolver

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// MinRemaining rejects requests whose active period has fewer tokens left.
	// Zero lets every request through.
	MinRemaining int

	// OnInsufficient is called when the period has fewer than MinRemaining tokens
	// If nil, returns 429 Too Many Requests
	OnInsufficient func(w http.ResponseWriter, r *http.Request, period *allowance.AllowancePeriod)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when the allowance cannot be ensured
	// If nil, returns the status from api.StatusFor
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

type contextKey struct{}

// Middleware creates an HTTP middleware that ensures the user's active
// allowance period and stores it in the request context
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Resolver == nil {
		panic("goallowance/http: Config.Resolver is required")
	}
	if config.GetUserID == nil {
		panic("goallowance/http: Config.GetUserID is required")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					writeError(w, http.StatusUnauthorized, "unauthorized")
				}
				return
			}

			result, err := config.Resolver.EnsureAllowance(r.Context(), userID)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					writeError(w, api.StatusFor(err), http.StatusText(api.StatusFor(err)))
				}
				return
			}

			period := result.Allowance
			w.Header().Set(HeaderRemaining, strconv.Itoa(period.Remaining()))
			w.Header().Set(HeaderReset, period.PeriodEnd.UTC().Format(time.RFC3339))

			if config.MinRemaining > 0 && period.Remaining() < config.MinRemaining {
				if config.OnInsufficient != nil {
					config.OnInsufficient(w, r, period)
				} else {
					writeError(w, http.StatusTooManyRequests, "token allowance exhausted")
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAllowance(r.Context(), period)))
		})
	}
}

// HandlerFunc creates the middleware for a single http.HandlerFunc
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return middleware(next).ServeHTTP
	}
}

// WithAllowance stores period in ctx
func WithAllowance(ctx context.Context, period *allowance.AllowancePeriod) context.Context {
	return context.WithValue(ctx, contextKey{}, period)
}

// AllowanceFromContext returns the period stored by the middleware
func AllowanceFromContext(ctx context.Context) (*allowance.AllowancePeriod, bool) {
	period, ok := ctx.Value(contextKey{}).(*allowance.AllowancePeriod)
	return period, ok && period != nil
}

// ContextKey is a type for user id context keys
type ContextKey string

// UserIDKey is the context key for user ID
const UserIDKey ContextKey = "allowance:userID"

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromIdentity returns an UserIDExtractor that authenticates the bearer token
// with provider. Invalid tokens yield an empty user id.
func FromIdentity(provider allowance.IdentityProvider) UserIDExtractor {
	return func(r *http.Request) string {
		token := api.BearerToken(r)
		if token == "" {
			return ""
		}
		userID, err := provider.Authenticate(r.Context(), token)
		if err != nil {
			return ""
		}
		return userID
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(api.ErrorResponse{Success: false, Error: message})
}
