package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/mihaimyh/goallowance/pkg/allowance"
)

const defaultListLimit = 24

// Config holds configuration for the allowance API handler
type Config struct {
	// Resolver is the allowance resolver instance (required)
	Resolver *allowance.Resolver

	// GetToken extracts the bearer credential from the HTTP request
	// Default: BearerToken
	GetToken func(*http.Request) string

	// HealthCheck is called by /healthz when set
	HealthCheck func(context.Context) error

	// OnError handles errors (auth, internal, etc.)
	// If nil, writes {"success": false, "error": ...} with StatusFor(err)
	OnError func(http.ResponseWriter, *http.Request, error)

	// DefaultListLimit caps period listings when no limit is given (default: 24)
	DefaultListLimit int

	// Logger is used for request failures (default: NoopLogger)
	Logger allowance.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Resolver == nil {
		return fmt.Errorf("resolver is required")
	}
	return nil
}

// NewHandler creates a new allowance API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.GetToken == nil {
		config.GetToken = BearerToken
	}
	if config.DefaultListLimit <= 0 {
		config.DefaultListLimit = defaultListLimit
	}
	if config.Logger == nil {
		config.Logger = &allowance.NoopLogger{}
	}
	return &Handler{
		config: config,
	}, nil
}

// BearerToken extracts the credential from an "Authorization: Bearer <token>" header
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// FromHeader returns a GetToken function that reads the credential from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}
