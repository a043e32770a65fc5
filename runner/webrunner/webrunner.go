// Package webrunner serves the HTTP API. In the all mode it also converts
// files in process; otherwise tasks go to the Redis queue.
package webrunner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Vector/docbatch/orchestrator"
	"github.com/Vector/docbatch/progress"
	"github.com/Vector/docbatch/redis"
	"github.com/Vector/docbatch/runner"
	"github.com/Vector/docbatch/tlmt"
	"github.com/Vector/docbatch/web"
	"github.com/Vector/docbatch/web/handlers"
	"github.com/Vector/docbatch/worker"
)

type webrunner struct {
	cfg    *runner.Config
	logger *zap.Logger
	stack  *runner.Stack
	orch   *orchestrator.Orchestrator
	srv    *web.Server

	// all mode
	pool *worker.Pool

	// web mode
	client *redis.Client
	conn   *goredis.Client
}

func New(ctx context.Context, cfg *runner.Config, logger *zap.Logger) (runner.Runner, error) {
	if cfg.Mode != runner.RunModeWeb && cfg.Mode != runner.RunModeAll {
		return nil, fmt.Errorf("%w: %s", runner.ErrInvalidRunMode, cfg.Mode)
	}

	w := &webrunner{cfg: cfg, logger: logger}

	var (
		publisher progress.Publisher
		events    progress.Subscriber
	)

	if cfg.Mode == runner.RunModeAll {
		hub := progress.NewHub()
		publisher, events = hub, hub
	} else {
		conn, err := redis.NewConn(cfg.Redis)
		if err != nil {
			return nil, err
		}

		w.conn = conn
		broker := progress.NewRedisBroker(conn, logger.Named("progress"))
		publisher, events = broker, broker
	}

	stack, err := runner.NewStack(ctx, cfg, logger, publisher)
	if err != nil {
		_ = w.Close(ctx)

		return nil, err
	}

	w.stack = stack
	checks := stack.Checks()

	var queue orchestrator.Queue

	if cfg.Mode == runner.RunModeAll {
		w.pool = worker.New(stack.Task, cfg.Workers, cfg.QueueSize, logger.Named("worker"))
		queue = w.pool
	} else {
		client, err := redis.NewClient(ctx, cfg.Redis, logger.Named("queue"))
		if err != nil {
			_ = w.Close(ctx)

			return nil, err
		}

		w.client = client
		queue = client
		checks["queue"] = func(ctx context.Context) error {
			if !client.IsHealthy(ctx) {
				return errors.New("redis is not reachable")
			}

			return nil
		}
	}

	orch, err := stack.NewOrchestrator(cfg, queue, logger)
	if err != nil {
		_ = w.Close(ctx)

		return nil, err
	}

	w.orch = orch

	spool := filepath.Join(cfg.StorageDir, "spool")
	if err := os.MkdirAll(spool, 0o755); err != nil {
		_ = w.Close(ctx)

		return nil, err
	}

	w.srv = web.New(web.Config{
		Addr:           cfg.Addr,
		AllowedOrigins: cfg.AllowedOrigins,
		Deps: handlers.Dependencies{
			Logger:        logger.Named("http"),
			Jobs:          orch,
			Archives:      stack.Assembler,
			Events:        events,
			Checks:        checks,
			MaxUploadSize: cfg.MaxUploadSize,
			SpoolDir:      spool,
		},
	})

	return w, nil
}

func (w *webrunner) Run(ctx context.Context) error {
	_ = runner.Telemetry().Send(ctx, tlmt.NewEvent(tlmt.EventStarted, map[string]any{
		"mode":  w.cfg.Mode,
		"store": w.cfg.Store,
	}))

	// queued tasks of the in-process pool do not survive a restart
	if w.pool != nil {
		if _, err := w.orch.Recover(ctx, 0); err != nil {
			w.logger.Warn("failed to re-enqueue unfinished files", zap.Error(err))
		}
	}

	egroup, ctx := errgroup.WithContext(ctx)

	egroup.Go(func() error {
		return w.srv.Start(ctx)
	})

	if w.pool != nil {
		egroup.Go(func() error {
			return w.pool.Start(ctx)
		})
	}

	egroup.Go(func() error {
		return w.cleanup(ctx)
	})

	egroup.Go(func() error {
		return w.redeliver(ctx)
	})

	return egroup.Wait()
}

// cleanup periodically removes finished jobs older than the retention.
func (w *webrunner) cleanup(ctx context.Context) error {
	if w.cfg.Retention <= 0 {
		return nil
	}

	ticker := time.NewTicker(w.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := w.orch.Cleanup(ctx, w.cfg.Retention)
			if err != nil {
				w.logger.Warn("cleanup incomplete", zap.Int("removed", n), zap.Error(err))

				continue
			}

			if n > 0 {
				w.logger.Info("removed expired jobs", zap.Int("removed", n))
			}
		}
	}
}

// redeliver hands files whose delivery was lost back to the queue once their
// claim lease has run out.
func (w *webrunner) redeliver(ctx context.Context) error {
	interval := w.cfg.RecoverInterval
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := w.orch.Recover(ctx, w.stack.ClaimLease); err != nil {
				w.logger.Warn("recovery incomplete", zap.Error(err))
			}
		}
	}
}

func (w *webrunner) Close(context.Context) error {
	var err error

	if w.client != nil {
		err = multierr.Append(err, w.client.Close())
	}

	if w.conn != nil {
		err = multierr.Append(err, w.conn.Close())
	}

	if w.stack != nil {
		err = multierr.Append(err, w.stack.Close())
	}

	return err
}
