package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/Vector/docbatch/redis/config"
)

// Server consumes conversion tasks from Redis.
type Server struct {
	server *asynq.Server
	cfg    *config.RedisConfig
	logger *zap.Logger
	mu     sync.RWMutex
}

// NewServer creates a new Redis server with the provided configuration
func NewServer(cfg *config.RedisConfig, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	redisOpt, err := cfg.ClientOpt()
	if err != nil {
		return nil, err
	}

	srv := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency:     cfg.Workers,
			RetryDelayFunc:  retryDelay(cfg.RetryInterval),
			Queues:          cfg.QueuePriorities,
			StrictPriority:  true,
			Logger:          NewLogger(logger),
			ShutdownTimeout: 30 * time.Second,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				logger.Warn("task failed",
					zap.String("type", task.Type()),
					zap.Int("retried", retried),
					zap.Error(err),
				)
			}),
		},
	)

	return &Server{
		server: srv,
		cfg:    cfg,
		logger: logger,
	}, nil
}

// retryDelay backs off exponentially from one second up to limit.
func retryDelay(limit time.Duration) asynq.RetryDelayFunc {
	return func(n int, _ error, _ *asynq.Task) time.Duration {
		if n > 30 {
			return limit
		}

		delay := time.Duration(1<<uint(n)) * time.Second
		if delay > limit {
			delay = limit
		}

		return delay
	}
}

// Start starts the server with the provided handler
func (s *Server) Start(ctx context.Context, handler asynq.Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.server.Start(handler); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	s.logger.Info("queue consumer started",
		zap.String("addr", s.cfg.GetRedisAddr()),
		zap.Int("workers", s.cfg.Workers),
		zap.String("queue", s.cfg.Queue),
	)

	go s.monitorHealth(ctx)

	return nil
}

// Shutdown waits for in-flight tasks and stops the server.
func (s *Server) Shutdown(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.server.Shutdown()

	return nil
}

// IsHealthy reports whether Redis answers a ping.
func (s *Server) IsHealthy(ctx context.Context) bool {
	opt, err := s.cfg.ClientOpt()
	if err != nil {
		return false
	}

	return ping(ctx, opt) == nil
}

// monitorHealth periodically checks server health
func (s *Server) monitorHealth(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.IsHealthy(ctx) {
				s.logger.Warn("redis is not healthy", zap.String("addr", s.cfg.GetRedisAddr()))
			}
		}
	}
}
