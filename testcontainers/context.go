// Package testcontainers starts the Redis and PostgreSQL instances the
// integration tests run against. Containers are terminated through t.Cleanup.
//
//	func TestQueue(t *testing.T) {
//	    tc := testcontainers.New(t, testcontainers.WithRedis())
//	    err := tc.Redis.Ping(tc.Context()).Err()
//	    require.NoError(t, err)
//	}
//
// Docker must be reachable. Tests using this package skip themselves in
// -short mode.
package testcontainers

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// defaultTimeout bounds container startup and initialization
const defaultTimeout = 90 * time.Second

// TestContext holds the started services and their clients.
type TestContext struct {
	t *testing.T

	ctx        context.Context
	cancelFunc context.CancelFunc
	cleanup    []func()

	redisContainer    *RedisContainer
	postgresContainer *PostgresContainer

	Redis *redis.Client
	DB    *pgxpool.Pool

	RedisConfig    *RedisConfig
	PostgresConfig *PostgresConfig
}

// Option selects a service to start.
type Option func(*options)

type options struct {
	redis    bool
	postgres bool
}

// WithRedis starts a Redis container.
func WithRedis() Option {
	return func(o *options) { o.redis = true }
}

// WithPostgres starts a PostgreSQL container.
func WithPostgres() Option {
	return func(o *options) { o.postgres = true }
}

// New starts the selected services, both when no option is given. It skips
// the test in -short mode and fails it if a container cannot start.
func New(t *testing.T, opts ...Option) *TestContext {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping container backed test in short mode")
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	if !o.redis && !o.postgres {
		o.redis, o.postgres = true, true
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	tc := &TestContext{
		t:          t,
		ctx:        ctx,
		cancelFunc: cancel,
	}

	t.Cleanup(tc.Cleanup)

	if o.redis {
		if err := tc.initRedis(); err != nil {
			t.Fatalf("failed to initialize redis: %v", err)
		}
	}

	if o.postgres {
		if err := tc.initPostgres(); err != nil {
			t.Fatalf("failed to initialize postgres: %v", err)
		}
	}

	return tc
}

// Context returns the context bounding the test infrastructure.
func (tc *TestContext) Context() context.Context {
	return tc.ctx
}

// RedisAddr returns the host:port of the Redis container.
func (tc *TestContext) RedisAddr() string {
	return tc.redisContainer.GetAddress()
}

// PostgresDSN returns the connection string of the PostgreSQL container.
func (tc *TestContext) PostgresDSN() string {
	return tc.postgresContainer.GetDSN()
}

// Cleanup releases everything in reverse order of creation. It runs at most once.
func (tc *TestContext) Cleanup() {
	for i := len(tc.cleanup) - 1; i >= 0; i-- {
		tc.cleanup[i]()
	}

	tc.cleanup = nil
	tc.cancelFunc()
}

func (tc *TestContext) addCleanup(fn func()) {
	tc.cleanup = append(tc.cleanup, fn)
}

// terminate uses a fresh context since tc.ctx may already be past its deadline.
func terminate(tc *TestContext, name string, stop func(context.Context) error) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := stop(ctx); err != nil {
			tc.t.Errorf("failed to terminate %s container: %v", name, err)
		}
	}
}

func (tc *TestContext) initRedis() error {
	container, err := NewRedisContainer(tc.ctx)
	if err != nil {
		return fmt.Errorf("failed to create redis container: %w", err)
	}

	tc.redisContainer = container
	tc.addCleanup(terminate(tc, "redis", func(ctx context.Context) error {
		return container.Terminate(ctx)
	}))

	tc.Redis = redis.NewClient(&redis.Options{
		Addr:     container.GetAddress(),
		Password: container.Password,
		DB:       0,
	})
	tc.addCleanup(func() {
		_ = tc.Redis.Close()
	})

	if err := tc.Redis.Ping(tc.ctx).Err(); err != nil {
		return fmt.Errorf("redis is not answering: %w", err)
	}

	tc.RedisConfig = &RedisConfig{
		Host:     container.Host,
		Port:     container.Port,
		Password: container.Password,
	}

	return nil
}

func (tc *TestContext) initPostgres() error {
	container, err := NewPostgresContainer(tc.ctx)
	if err != nil {
		return fmt.Errorf("failed to create postgres container: %w", err)
	}

	tc.postgresContainer = container
	tc.addCleanup(terminate(tc, "postgres", func(ctx context.Context) error {
		return container.Terminate(ctx)
	}))

	pool, err := pgxpool.New(tc.ctx, container.GetDSN())
	if err != nil {
		return fmt.Errorf("failed to create database connection: %w", err)
	}

	tc.DB = pool
	tc.addCleanup(pool.Close)

	if err := pool.Ping(tc.ctx); err != nil {
		return fmt.Errorf("postgres is not answering: %w", err)
	}

	tc.PostgresConfig = &PostgresConfig{
		Host:     container.Host,
		Port:     container.Port,
		User:     container.User,
		Password: container.Password,
		Database: container.Database,
	}

	return nil
}
