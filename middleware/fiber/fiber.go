// Package fiber provides Fiber middleware that ensures the caller's token allowance
package fiber

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/goallowance/pkg/allowance"
	"github.com/mihaimyh/goallowance/pkg/api"
)

// AllowanceKey is the fiber locals key holding the active period
const AllowanceKey = "goallowance.period"

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

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
	OnInsufficient func(c *fiber.Ctx, period *allowance.AllowancePeriod) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when the allowance cannot be ensured
	// If nil, returns the status from api.StatusFor
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that ensures the user's active allowance period
func Middleware(cfg Config) fiber.Handler {
	if cfg.Resolver == nil {
		panic("goallowance/fiber: Config.Resolver is required")
	}
	if cfg.GetUserID == nil {
		panic("goallowance/fiber: Config.GetUserID is required")
	}
	if cfg.InsufficientStatusCode == 0 {
		cfg.InsufficientStatusCode = fiber.StatusTooManyRequests
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(api.ErrorResponse{Error: "unauthorized"})
		}

		// Fiber runs on fasthttp; the request context.Context is UserContext
		result, err := cfg.Resolver.EnsureAllowance(c.UserContext(), userID)
		if err != nil {
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			status := api.StatusFor(err)
			return c.Status(status).JSON(api.ErrorResponse{Error: http.StatusText(status)})
		}

		period := result.Allowance
		c.Set("X-Allowance-Remaining", strconv.Itoa(period.Remaining()))
		c.Set("X-Allowance-Reset", period.PeriodEnd.UTC().Format(time.RFC3339))

		if cfg.MinRemaining > 0 && period.Remaining() < cfg.MinRemaining {
			if cfg.OnInsufficient != nil {
				return cfg.OnInsufficient(c, period)
			}
			return c.Status(cfg.InsufficientStatusCode).JSON(fiber.Map{
				"success":   false,
				"error":     "token allowance exhausted",
				"remaining": period.Remaining(),
				"reset_at":  period.PeriodEnd.UTC(),
			})
		}

		c.Locals(AllowanceKey, period)
		return c.Next()
	}
}

// GetAllowance returns the period stored by the middleware
func GetAllowance(c *fiber.Ctx) (*allowance.AllowancePeriod, bool) {
	period, ok := c.Locals(AllowanceKey).(*allowance.AllowancePeriod)
	return period, ok && period != nil
}

// FromLocals returns a UserIDExtractor that reads a string stored with c.Locals
func FromLocals(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if userID, ok := c.Locals(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a path parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}

// FromIdentity returns a UserIDExtractor that authenticates the bearer token with provider
func FromIdentity(provider allowance.IdentityProvider) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		scheme, token, ok := strings.Cut(c.Get(fiber.HeaderAuthorization), " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			return ""
		}
		userID, err := provider.Authenticate(c.UserContext(), strings.TrimSpace(token))
		if err != nil {
			return ""
		}
		return userID
	}
}
