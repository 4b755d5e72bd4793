package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	gfirestore "cloud.google.com/go/firestore"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/goallowance/pkg/allowance"
	"github.com/mihaimyh/goallowance/pkg/allowance/auth/jwt"
	zerologadapter "github.com/mihaimyh/goallowance/pkg/allowance/logger/zerolog"
	prommetrics "github.com/mihaimyh/goallowance/pkg/allowance/metrics/prometheus"
	"github.com/mihaimyh/goallowance/pkg/config"
	"github.com/mihaimyh/goallowance/storage/firestore"
	"github.com/mihaimyh/goallowance/storage/memory"
	"github.com/mihaimyh/goallowance/storage/postgres"
	"github.com/mihaimyh/goallowance/storage/redis"
	"github.com/mihaimyh/goallowance/storage/sqlite"
	"github.com/mihaimyh/goallowance/storage/tiered"
)

// app holds everything a command needs, built from one Config
type app struct {
	cfg      *config.Config
	log      zerolog.Logger
	registry *prometheus.Registry
	storage  allowance.Storage
	resolver *allowance.Resolver
	tokens   *jwt.TokenService

	ping    func(context.Context) error
	closers []func()
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		log:      newZerolog(cfg.Log),
		registry: prometheus.NewRegistry(),
	}

	if err := a.openStorage(ctx); err != nil {
		a.Close()
		return nil, err
	}

	if cfg.Auth.JWTSecret == "" {
		a.log.Warn().Msg("auth.jwt_secret not set, using a random secret; issued tokens will not survive a restart")
	}
	a.tokens, err = newTokenService(a, cfg.Auth.TokenTTL)
	if err != nil {
		a.Close()
		return nil, err
	}

	var metrics allowance.Metrics = &allowance.NoopMetrics{}
	if cfg.Metrics.Enabled {
		metrics = prommetrics.NewMetrics(a.registry, cfg.Metrics.Namespace)
	}

	authorizer := allowance.NewRoleAuthorizer(a.storage)
	authorizer.OpenBatchInit = cfg.Resolver.OpenBatchInit

	a.resolver, err = allowance.NewResolver(a.storage, allowance.Config{
		Identity:             a.tokens,
		Authorizer:           authorizer,
		BatchConcurrency:     cfg.Resolver.BatchConcurrency,
		CacheConfig:          cfg.AllowanceCache(),
		CircuitBreakerConfig: cfg.AllowanceCircuitBreaker(),
		Metrics:              metrics,
		Logger:               zerologadapter.NewLogger(a.log),
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create resolver: %w", err)
	}
	return a, nil
}

func newTokenService(a *app, ttl time.Duration) (*jwt.TokenService, error) {
	svc, err := jwt.NewTokenService(jwt.Config{
		Secret:     a.cfg.Auth.JWTSecret,
		Issuer:     a.cfg.Auth.Issuer,
		Expiration: ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create token service: %w", err)
	}
	return svc, nil
}

func (a *app) openStorage(ctx context.Context) error {
	sc := a.cfg.Storage

	cold, ping, err := a.openDriver(ctx, sc.Driver)
	if err != nil {
		return err
	}
	a.storage, a.ping = cold, ping

	if sc.Hot != "" {
		hot, _, err := a.openDriver(ctx, sc.Hot)
		if err != nil {
			return err
		}
		t, err := tiered.New(tiered.Config{
			Hot:          hot,
			Cold:         cold,
			AsyncHotSync: sc.HotAsyncSync,
			AsyncErrorHandler: func(err error) {
				a.log.Warn().Err(err).Msg("hot storage write failed")
			},
		})
		if err != nil {
			return err
		}
		a.storage, a.ping = t, t.Ping
		a.closers = append(a.closers, func() { _ = t.Close() })
	}

	a.log.Info().Str("driver", sc.Driver).Str("hot", sc.Hot).Msg("storage ready")
	return nil
}

// openDriver opens one backend and registers its closer
func (a *app) openDriver(ctx context.Context, driver string) (allowance.Storage, func(context.Context) error, error) {
	sc := a.cfg.Storage
	noPing := func(context.Context) error { return nil }

	switch driver {
	case config.DriverMemory:
		if sc.Hot != config.DriverMemory {
			a.log.Warn().Msg("using in-memory storage; allowances are lost on exit")
		}
		return memory.New(), noPing, nil

	case config.DriverPostgres:
		s, err := postgres.New(ctx, postgres.Config{
			ConnectionString: sc.Postgres.DSN,
			MaxConns:         sc.Postgres.MaxConns,
			Migrate:          sc.Postgres.Migrate,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		return s, s.Ping, nil

	case config.DriverSQLite:
		s, err := sqlite.New(ctx, sqlite.Config{
			Path:        sc.SQLite.Path,
			BusyTimeout: sc.SQLite.BusyTimeout,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		a.closers = append(a.closers, func() { _ = s.Close() })
		return s, s.Ping, nil

	case config.DriverRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     sc.Redis.Addr,
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
		})
		s, err := redis.New(client, redis.Config{KeyPrefix: sc.Redis.KeyPrefix})
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("failed to open redis: %w", err)
		}
		a.closers = append(a.closers, func() { _ = s.Close() })
		return s, s.Ping, nil

	case config.DriverFirestore:
		client, err := gfirestore.NewClient(ctx, sc.Firestore.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		s, err := firestore.New(client, firestore.Config{})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open firestore: %w", err)
		}
		return s, noPing, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}

// Close releases storage connections in reverse order
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func newZerolog(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if strings.EqualFold(cfg.Format, "console") {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Str("service", "allowanced").Logger()
}
