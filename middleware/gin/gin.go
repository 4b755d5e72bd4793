// Package gin provides Gin middleware that ensures the caller's token allowance
package gin

import (
	"net/http"
	"strconv"
	"time"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/goallowance/pkg/allowance"
	"github.com/mihaimyh/goallowance/pkg/api"
)

// AllowanceKey is the gin context key holding the active period
const AllowanceKey = "goallowance.period"

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// Config holds middleware configuration
type Config struct {
	// Resolver is the allowance resolver instance (required)
	Resolver *allowance.Resolver

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// MinRemaining rejects requests whose active period has fewer tokens left.
	// Zero lets every request through.
	MinRemaining int

	// InsufficientStatusCode is returned when fewer than MinRemaining tokens are left
	// Default: 429 (Too Many Requests)
	InsufficientStatusCode int

	// OnInsufficient is called when the period has fewer than MinRemaining tokens
	// If nil, responds with InsufficientStatusCode and the period balance
	OnInsufficient func(c *gongin.Context, period *allowance.AllowancePeriod)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when the allowance cannot be ensured
	// If nil, returns the status from api.StatusFor
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that ensures the user's active allowance period
func Middleware(cfg Config) gongin.HandlerFunc {
	if cfg.Resolver == nil {
		panic("goallowance/gin: Config.Resolver is required")
	}
	if cfg.GetUserID == nil {
		panic("goallowance/gin: Config.GetUserID is required")
	}
	if cfg.InsufficientStatusCode == 0 {
		cfg.InsufficientStatusCode = http.StatusTooManyRequests
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, api.ErrorResponse{Error: "unauthorized"})
			}
			c.Abort()
			return
		}

		result, err := cfg.Resolver.EnsureAllowance(c.Request.Context(), userID)
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				status := api.StatusFor(err)
				c.JSON(status, api.ErrorResponse{Error: http.StatusText(status)})
			}
			c.Abort()
			return
		}

		period := result.Allowance
		c.Header("X-Allowance-Remaining", strconv.Itoa(period.Remaining()))
		c.Header("X-Allowance-Reset", period.PeriodEnd.UTC().Format(time.RFC3339))

		if cfg.MinRemaining > 0 && period.Remaining() < cfg.MinRemaining {
			if cfg.OnInsufficient != nil {
				cfg.OnInsufficient(c, period)
			} else {
				c.JSON(cfg.InsufficientStatusCode, gongin.H{
					"success":   false,
					"error":     "token allowance exhausted",
					"remaining": period.Remaining(),
					"reset_at":  period.PeriodEnd.UTC(),
				})
			}
			c.Abort()
			return
		}

		c.Set(AllowanceKey, period)
		c.Next()
	}
}

// GetAllowance returns the period stored by the middleware
func GetAllowance(c *gongin.Context) (*allowance.AllowancePeriod, bool) {
	val, exists := c.Get(AllowanceKey)
	if !exists {
		return nil, false
	}
	period, ok := val.(*allowance.AllowancePeriod)
	return period, ok
}

// FromContext returns a UserIDExtractor that reads a string set with c.Set
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if userID, ok := val.(string); ok {
				return userID
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a path parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// FromIdentity returns a UserIDExtractor that authenticates the bearer token with provider
func FromIdentity(provider allowance.IdentityProvider) UserIDExtractor {
	return func(c *gongin.Context) string {
		token := api.BearerToken(c.Request)
		if token == "" {
			return ""
		}
		userID, err := provider.Authenticate(c.Request.Context(), token)
		if err != nil {
			return ""
		}
		return userID
	}
}
