// Package jwt resolves HS256 bearer tokens to user ids for the allowance resolver.
package jwt

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mihaimyh/goallowance/pkg/allowance"
)

const defaultIssuer = "goallowance"

// Claims carries the authenticated user id. Subject takes precedence over UserID.
type Claims struct {
	UserID string `json:"uid,omitempty"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Config holds token service configuration
type Config struct {
	// Secret is the HMAC key. A random key is generated when empty.
	Secret string

	// Issuer is written to and required on tokens (default: "goallowance")
	Issuer string

	// Expiration is the lifetime of issued tokens (default: 24 hours)
	Expiration time.Duration

	// Leeway tolerates clock skew when validating time claims
	Leeway time.Duration
}

// TokenService issues and validates bearer tokens.
// Safe for concurrent use.
type TokenService struct {
	secret     []byte
	issuer     string
	expiration time.Duration
	parser     *jwt.Parser
	now        func() time.Time
}

// NewTokenService creates a new token service
func NewTokenService(cfg Config) (*TokenService, error) {
	secret := []byte(cfg.Secret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate secret: %w", err)
		}
	}
	if cfg.Issuer == "" {
		cfg.Issuer = defaultIssuer
	}
	if cfg.Expiration <= 0 {
		cfg.Expiration = 24 * time.Hour
	}

	return &TokenService{
		secret:     secret,
		issuer:     cfg.Issuer,
		expiration: cfg.Expiration,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(cfg.Issuer),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(cfg.Leeway),
		),
		now: time.Now,
	}, nil
}

// IssueToken signs a token for userID
func (s *TokenService) IssueToken(userID, role string) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, allowance.ErrInvalidUserID
	}
	now := s.now().UTC()
	expiresAt := now.Add(s.expiration)

	claims := Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// ValidateToken parses tokenString and returns its claims
func (s *TokenService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := s.parser.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// Authenticate implements allowance.IdentityProvider
func (s *TokenService) Authenticate(_ context.Context, token string) (string, error) {
	claims, err := s.ValidateToken(token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", allowance.ErrUnauthenticated, err)
	}
	userID := claims.Subject
	if userID == "" {
		userID = claims.UserID
	}
	if userID == "" {
		return "", fmt.Errorf("%w: token has no subject", allowance.ErrUnauthenticated)
	}
	return userID, nil
}

// GenerateSecret returns a random hex secret suitable for HS256 signing
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

var _ allowance.IdentityProvider = (*TokenService)(nil)
