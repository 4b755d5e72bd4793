// Package echo provides Echo middleware that ensures the caller's token allowance
package echo

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/goallowance/pkg/allowance"
	"github.com/mihaimyh/goallowance/pkg/api"
)

// AllowanceKey is the echo context key holding the active period
const AllowanceKey = "goallowance.period"

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

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
	OnInsufficient func(c echo.Context, period *allowance.AllowancePeriod) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when the allowance cannot be ensured
	// If nil, returns the status from api.StatusFor
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that ensures the user's active allowance period
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.Resolver == nil {
		panic("goallowance/echo: Config.Resolver is required")
	}
	if cfg.GetUserID == nil {
		panic("goallowance/echo: Config.GetUserID is required")
	}
	if cfg.InsufficientStatusCode == 0 {
		cfg.InsufficientStatusCode = http.StatusTooManyRequests
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, api.ErrorResponse{Error: "unauthorized"})
			}

			result, err := cfg.Resolver.EnsureAllowance(c.Request().Context(), userID)
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				status := api.StatusFor(err)
				return c.JSON(status, api.ErrorResponse{Error: http.StatusText(status)})
			}

			period := result.Allowance
			header := c.Response().Header()
			header.Set("X-Allowance-Remaining", strconv.Itoa(period.Remaining()))
			header.Set("X-Allowance-Reset", period.PeriodEnd.UTC().Format(time.RFC3339))

			if cfg.MinRemaining > 0 && period.Remaining() < cfg.MinRemaining {
				if cfg.OnInsufficient != nil {
					return cfg.OnInsufficient(c, period)
				}
				return c.JSON(cfg.InsufficientStatusCode, map[string]any{
					"success":   false,
					"error":     "token allowance exhausted",
					"remaining": period.Remaining(),
					"reset_at":  period.PeriodEnd.UTC(),
				})
			}

			c.Set(AllowanceKey, period)
			return next(c)
		}
	}
}

// GetAllowance returns the period stored by the middleware
func GetAllowance(c echo.Context) (*allowance.AllowancePeriod, bool) {
	period, ok := c.Get(AllowanceKey).(*allowance.AllowancePeriod)
	return period, ok && period != nil
}

// FromContext returns a UserIDExtractor that reads a string set with c.Set
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if userID, ok := c.Get(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a path parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// FromIdentity returns a UserIDExtractor that authenticates the bearer token with provider
func FromIdentity(provider allowance.IdentityProvider) UserIDExtractor {
	return func(c echo.Context) string {
		token := api.BearerToken(c.Request())
		if token == "" {
			return ""
		}
		userID, err := provider.Authenticate(c.Request().Context(), token)
		if err != nil {
			return ""
		}
		return userID
	}
}
