package fiber

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goallowance/pkg/allowance"
	"github.com/mihaimyh/goallowance/storage/memory"
)

var testNow = time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

func setupTestResolver(t *testing.T) *allowance.Resolver {
	t.Helper()

	storage := memory.New()
	ctx := context.Background()
	require.NoError(t, storage.SetPlan(ctx, "user1", allowance.PlanFree))
	require.NoError(t, storage.SetPlan(ctx, "user2", allowance.PlanPremium))

	resolver, err := allowance.NewResolver(storage, allowance.Config{
		Now: func() time.Time { return testNow },
	})
	require.NoError(t, err)
	return resolver
}

func setupApp(cfg Config) *fiber.App {
	app := fiber.New()
	app.Use(Middleware(cfg))
	app.Get("/chat/:user?", func(c *fiber.Ctx) error {
		period, ok := GetAllowance(c)
		if !ok {
			return c.SendStatus(fiber.StatusInternalServerError)
		}
		return c.JSON(fiber.Map{"period": period.ID, "remaining": period.Remaining()})
	})
	return app
}

type staticIdentity map[string]string

func (s staticIdentity) Authenticate(_ context.Context, token string) (string, error) {
	if id, ok := s[token]; ok {
		return id, nil
	}
	return "", allowance.ErrUnauthenticated
}

func TestMiddleware(t *testing.T) {
	tests := []struct {
		name         string
		authHeader   string
		minRemaining int
		status       int
	}{
		{"premium user", "Bearer tok-user2", 0, fiber.StatusOK},
		{"free user below minimum", "Bearer tok-user1", 1, fiber.StatusTooManyRequests},
		{"unknown token", "Bearer forged", 0, fiber.StatusUnauthorized},
		{"wrong scheme", "Basic tok-user2", 0, fiber.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := setupApp(Config{
				Resolver:     setupTestResolver(t),
				GetUserID:    FromIdentity(staticIdentity{"tok-user1": "user1", "tok-user2": "user2"}),
				MinRemaining: tt.minRemaining,
			})

			req := httptest.NewRequest(http.MethodGet, "/chat", http.NoBody)
			req.Header.Set("Authorization", tt.authHeader)
			resp, err := app.Test(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.status, resp.StatusCode)
			if tt.status == fiber.StatusOK {
				var body map[string]any
				require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
				assert.Equal(t, float64(300000), body["remaining"])
				assert.Equal(t, "2024-04-01T00:00:00Z", resp.Header.Get("X-Allowance-Reset"))
			}
		})
	}
}

func TestMiddleware_CustomInsufficient(t *testing.T) {
	app := setupApp(Config{
		Resolver:     setupTestResolver(t),
		GetUserID:    FromParam("user"),
		MinRemaining: 1,
		OnInsufficient: func(c *fiber.Ctx, period *allowance.AllowancePeriod) error {
			return c.Status(fiber.StatusPaymentRequired).SendString(period.UserID)
		},
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/chat/user1", http.NoBody))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, fiber.StatusPaymentRequired, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "user1", string(body))
	assert.Equal(t, "0", resp.Header.Get("X-Allowance-Remaining"))
}

func TestMiddleware_FromLocals(t *testing.T) {
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("uid", "user2")
		return c.Next()
	})
	app.Use(Middleware(Config{Resolver: setupTestResolver(t), GetUserID: FromLocals("uid")}))
	app.Get("/", func(c *fiber.Ctx) error {
		if _, ok := GetAllowance(c); !ok {
			return c.SendStatus(fiber.StatusInternalServerError)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)
}

func TestMiddleware_PanicsOnMissingConfig(t *testing.T) {
	assert.Panics(t, func() { Middleware(Config{}) })
	assert.Panics(t, func() { Middleware(Config{Resolver: setupTestResolver(t)}) })
}
