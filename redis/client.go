package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Vector/docbatch/filetask"
	"github.com/Vector/docbatch/internal/backoff"
	"github.com/Vector/docbatch/redis/config"
	"github.com/Vector/docbatch/redis/tasks"
)

const (
	connectRetries  = 5
	connectInterval = 500 * time.Millisecond
)

// Client enqueues file conversion tasks on Redis.
type Client struct {
	client *asynq.Client
	cfg    *config.RedisConfig
	logger *zap.Logger
	mu     sync.RWMutex
}

// NewClient connects to Redis, retrying with exponential backoff until the
// server answers.
func NewClient(ctx context.Context, cfg *config.RedisConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	redisOpt, err := cfg.ClientOpt()
	if err != nil {
		return nil, err
	}

	client := asynq.NewClient(redisOpt)

	err = backoff.Retry(ctx, func() error {
		return ping(ctx, redisOpt)
	}, connectRetries, connectInterval, func(attempt int, err error, wait time.Duration) {
		logger.Warn("redis not reachable, retrying",
			zap.String("addr", redisOpt.Addr),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
	if err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Client{
		client: client,
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Enqueue schedules the conversion of one file. The task id is the file id,
// so enqueueing the same file twice keeps a single task.
func (c *Client) Enqueue(ctx context.Context, p filetask.Payload) error {
	task, err := tasks.NewConvertTask(p)
	if err != nil {
		return err
	}

	opts := []asynq.Option{
		asynq.Queue(c.cfg.Queue),
		asynq.TaskID(p.TaskID()),
		asynq.MaxRetry(c.cfg.MaxRetries),
	}

	if c.cfg.RetentionPeriod > 0 {
		opts = append(opts, asynq.Retention(c.cfg.RetentionPeriod))
	}

	return c.EnqueueTask(ctx, task, opts...)
}

// EnqueueTask enqueues a prepared task. A task id conflict means the task
// is already queued and is not an error.
func (c *Client) EnqueueTask(ctx context.Context, task *asynq.Task, opts ...asynq.Option) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	info, err := c.client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		c.logger.Debug("task already enqueued", zap.String("type", task.Type()))

		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}

	c.logger.Debug("task enqueued",
		zap.String("type", task.Type()),
		zap.String("task_id", info.ID),
		zap.String("queue", info.Queue),
	)

	return nil
}

// Close closes the Redis client connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close Redis client: %w", err)
	}

	return nil
}

// IsHealthy reports whether Redis answers a ping.
func (c *Client) IsHealthy(ctx context.Context) bool {
	opt, err := c.cfg.ClientOpt()
	if err != nil {
		return false
	}

	return ping(ctx, opt) == nil
}

// NewConn opens a plain go-redis connection to the queue's server. Progress
// events travel over it with pub/sub.
func NewConn(cfg *config.RedisConfig) (*goredis.Client, error) {
	opt, err := cfg.ClientOpt()
	if err != nil {
		return nil, err
	}

	return goredis.NewClient(options(opt)), nil
}

func options(opt asynq.RedisClientOpt) *goredis.Options {
	return &goredis.Options{
		Addr:        opt.Addr,
		Password:    opt.Password,
		DB:          opt.DB,
		TLSConfig:   opt.TLSConfig,
		DialTimeout: opt.DialTimeout,
		ReadTimeout: opt.ReadTimeout,
	}
}

func ping(ctx context.Context, opt asynq.RedisClientOpt) error {
	rdb := goredis.NewClient(options(opt))
	defer rdb.Close()

	return rdb.Ping(ctx).Err()
}
