// Package worker runs file tasks on a fixed number of goroutines inside the
// API process. It replaces Redis when the service runs as a single binary.
package worker

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Vector/docbatch/filetask"
)

var (
	ErrQueueFull = errors.New("worker queue is full")
	ErrStopped   = errors.New("worker pool is stopped")
)

const DefaultQueueSize = 10000

// Runner converts one file. *filetask.Task implements it.
type Runner interface {
	Run(ctx context.Context, p filetask.Payload) error
}

type Pool struct {
	runner  Runner
	size    int
	tasks   chan filetask.Payload
	logger  *zap.Logger
	mu      sync.RWMutex
	stopped bool
}

func New(runner Runner, size, queueSize int, logger *zap.Logger) *Pool {
	if size < 1 {
		size = 1
	}

	if queueSize < 1 {
		queueSize = DefaultQueueSize
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &Pool{
		runner: runner,
		size:   size,
		tasks:  make(chan filetask.Payload, queueSize),
		logger: logger,
	}
}

// Enqueue never blocks. It fails when the backlog is full or the pool has
// stopped.
func (p *Pool) Enqueue(ctx context.Context, payload filetask.Payload) error {
	if err := payload.Validate(); err != nil {
		return err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return ErrStopped
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case p.tasks <- payload:
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending returns the number of queued tasks not yet picked up.
func (p *Pool) Pending() int {
	return len(p.tasks)
}

// Start runs the workers until ctx is done. In-flight tasks finish before
// Start returns; queued ones are dropped with a warning.
func (p *Pool) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < p.size; i++ {
		id := i

		g.Go(func() error {
			return p.work(gctx, id)
		})
	}

	p.logger.Info("worker pool started", zap.Int("workers", p.size))

	err := g.Wait()

	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	if n := len(p.tasks); n > 0 {
		p.logger.Warn("worker pool stopped with queued tasks", zap.Int("pending", n))
	}

	return err
}

func (p *Pool) work(ctx context.Context, id int) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case payload := <-p.tasks:
			// a claimed file must be reported even while shutting down
			if err := p.runner.Run(context.WithoutCancel(ctx), payload); err != nil {
				p.logger.Warn("file task failed",
					zap.Int("worker", id),
					zap.String("job_id", payload.JobID),
					zap.String("file_id", payload.FileID),
					zap.Error(err),
				)
			}
		}
	}
}
