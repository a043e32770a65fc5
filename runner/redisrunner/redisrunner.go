// Package redisrunner consumes conversion tasks from the Redis queue.
package redisrunner

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Vector/docbatch/progress"
	"github.com/Vector/docbatch/redis"
	"github.com/Vector/docbatch/redis/tasks"
	"github.com/Vector/docbatch/runner"
	"github.com/Vector/docbatch/tlmt"
)

// slack on top of the conversion attempts before asynq abandons a task
const taskSlack = time.Minute

// RedisRunner implements runner.Runner for the worker mode.
type RedisRunner struct {
	cfg     *runner.Config
	logger  *zap.Logger
	stack   *runner.Stack
	server  *redis.Server
	conn    *goredis.Client
	handler *tasks.Handler
}

// New connects to Redis and prepares the task handler.
func New(ctx context.Context, cfg *runner.Config, logger *zap.Logger) (*RedisRunner, error) {
	if cfg.Mode != runner.RunModeWorker {
		return nil, fmt.Errorf("%w: %s", runner.ErrInvalidRunMode, cfg.Mode)
	}

	conn, err := redis.NewConn(cfg.Redis)
	if err != nil {
		return nil, err
	}

	r := &RedisRunner{cfg: cfg, logger: logger, conn: conn}

	stack, err := runner.NewStack(ctx, cfg, logger, progress.NewRedisBroker(conn, logger.Named("progress")))
	if err != nil {
		_ = r.Close(ctx)

		return nil, err
	}

	r.stack = stack

	if !stack.Engine.Available(ctx) {
		logger.Warn("conversion engine not found, every file will fail", zap.String("binary", cfg.EngineBinary))
	}

	server, err := redis.NewServer(cfg.Redis, logger.Named("queue"))
	if err != nil {
		_ = r.Close(ctx)

		return nil, fmt.Errorf("failed to create Redis server: %w", err)
	}

	r.server = server

	timeout := cfg.ConversionTimeout*time.Duration(cfg.MaxAttempts) + cfg.RetryBackoff*time.Duration(cfg.MaxAttempts) + taskSlack

	r.handler = tasks.NewHandler(stack.Task,
		tasks.WithTaskTimeout(timeout),
		tasks.WithLogger(logger.Named("tasks")),
	)

	return r, nil
}

// Run consumes tasks until ctx is done.
func (r *RedisRunner) Run(ctx context.Context) error {
	r.logger.Info("starting queue consumer", zap.Int("workers", r.cfg.Redis.Workers))

	_ = runner.Telemetry().Send(ctx, tlmt.NewEvent(tlmt.EventStarted, map[string]any{
		"mode":  r.cfg.Mode,
		"store": r.cfg.Store,
	}))

	if err := r.server.Start(ctx, r.handler.Mux()); err != nil {
		return err
	}

	<-ctx.Done()

	return nil
}

// Close waits for in-flight tasks, then releases the connections.
func (r *RedisRunner) Close(ctx context.Context) error {
	r.logger.Info("shutting down queue consumer")

	var err error

	if r.server != nil {
		err = multierr.Append(err, r.server.Shutdown(ctx))
	}

	if r.conn != nil {
		err = multierr.Append(err, r.conn.Close())
	}

	if r.stack != nil {
		err = multierr.Append(err, r.stack.Close())
	}

	return err
}
