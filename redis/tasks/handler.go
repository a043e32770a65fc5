// Package tasks routes asynq deliveries to the file conversion task.
package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/Vector/docbatch/filetask"
)

// TaskHandler handles processing of Redis tasks
type TaskHandler interface {
	ProcessTask(ctx context.Context, task *asynq.Task) error
}

// Runner converts one file. *filetask.Task implements it.
type Runner interface {
	Run(ctx context.Context, p filetask.Payload) error
}

// Handler implements TaskHandler interface
type Handler struct {
	runner      Runner
	taskTimeout time.Duration
	logger      *zap.Logger
}

// HandlerOption is a function that configures a Handler
type HandlerOption func(*Handler)

// WithTaskTimeout bounds a whole delivery, retries included.
func WithTaskTimeout(timeout time.Duration) HandlerOption {
	return func(h *Handler) {
		h.taskTimeout = timeout
	}
}

func WithLogger(logger *zap.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// NewHandler creates a new task handler with the provided options
func NewHandler(runner Runner, opts ...HandlerOption) *Handler {
	h := &Handler{
		runner:      runner,
		taskTimeout: 15 * time.Minute,
		logger:      zap.NewNop(),
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// Mux registers the handler for every task type it understands.
func (h *Handler) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Handle(TypeConvertFile, h)
	mux.Handle(TypeHealthCheck, h)
	mux.Handle(TypeConnectionTest, h)

	return mux
}

// ProcessTask processes a task based on its type
func (h *Handler) ProcessTask(ctx context.Context, task *asynq.Task) error {
	ctx, cancel := context.WithTimeout(ctx, h.taskTimeout)
	defer cancel()

	switch task.Type() {
	case TypeConvertFile:
		return h.processConvertTask(ctx, task)
	case TypeHealthCheck, TypeConnectionTest:
		return nil
	default:
		return fmt.Errorf("unknown task type: %s: %w", task.Type(), asynq.SkipRetry)
	}
}

func (h *Handler) processConvertTask(ctx context.Context, task *asynq.Task) error {
	p, err := filetask.UnmarshalPayload(task.Payload())
	if err != nil {
		return fmt.Errorf("failed to unmarshal convert payload: %v: %w", err, asynq.SkipRetry)
	}

	if err := h.runner.Run(ctx, p); err != nil {
		h.logger.Warn("convert task failed",
			zap.String("job_id", p.JobID),
			zap.String("file_id", p.FileID),
			zap.Error(err),
		)

		return err
	}

	return nil
}
