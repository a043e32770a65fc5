// Package aggregator owns the job counters. Every file outcome goes through
// Report, which records it atomically and derives the job status.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Vector/docbatch/models"
	"github.com/Vector/docbatch/progress"
	"github.com/Vector/docbatch/tlmt"
)

// TerminalHook runs once when a job reaches its terminal status.
type TerminalHook func(ctx context.Context, job models.Job)

type Aggregator struct {
	repo      models.JobRepository
	publisher progress.Publisher
	telemetry tlmt.Telemetry
	logger    *zap.Logger
	lease     time.Duration

	mu    sync.RWMutex
	hooks []TerminalHook
}

type Option func(*Aggregator)

func WithPublisher(p progress.Publisher) Option {
	return func(a *Aggregator) {
		a.publisher = p
	}
}

func WithTelemetry(t tlmt.Telemetry) Option {
	return func(a *Aggregator) {
		a.telemetry = t
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(a *Aggregator) {
		a.logger = l
	}
}

// WithClaimLease lets Claim take over a file whose claim is older than d.
func WithClaimLease(d time.Duration) Option {
	return func(a *Aggregator) {
		a.lease = d
	}
}

func New(repo models.JobRepository, opts ...Option) *Aggregator {
	a := &Aggregator{
		repo:   repo,
		logger: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// OnTerminal registers fn to run after a job turned terminal.
func (a *Aggregator) OnTerminal(fn TerminalHook) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.hooks = append(a.hooks, fn)
}

// Claim marks the file as being processed. It returns false when the file
// is terminal or another delivery holds a claim younger than the lease.
func (a *Aggregator) Claim(ctx context.Context, jobID, fileID string) (bool, error) {
	ok, err := a.repo.ClaimFile(ctx, jobID, fileID, a.lease)
	if err != nil {
		return false, fmt.Errorf("failed to claim file %s: %w", fileID, err)
	}

	return ok, nil
}

// Report records the terminal outcome of one file. A second report for the
// same file returns models.ErrAlreadyTerminal and changes nothing.
func (a *Aggregator) Report(ctx context.Context, jobID, fileID string, outcome models.Outcome) (models.Job, error) {
	job, err := a.repo.ApplyOutcome(ctx, jobID, fileID, outcome)
	if err != nil {
		if errors.Is(err, models.ErrAlreadyTerminal) {
			a.logger.Error("duplicate outcome report",
				zap.String("job_id", jobID),
				zap.String("file_id", fileID),
				zap.Bool("succeeded", outcome.Succeeded),
			)
		}

		return models.Job{}, fmt.Errorf("failed to report file %s: %w", fileID, err)
	}

	a.logger.Debug("file reported",
		zap.String("job_id", jobID),
		zap.String("file_id", fileID),
		zap.String("file_status", string(outcome.Status())),
		zap.String("job_status", string(job.Status)),
		zap.Int("completed", job.CompletedCount),
		zap.Int("failed", job.FailedCount),
		zap.Int("total", job.FileCount),
	)

	a.publish(ctx, job, fileID, outcome)

	if job.Status.IsTerminal() {
		a.terminal(ctx, job)
	}

	return job, nil
}

func (a *Aggregator) publish(ctx context.Context, job models.Job, fileID string, outcome models.Outcome) {
	if a.publisher == nil {
		return
	}

	file := models.File{ID: fileID, JobID: job.ID, Status: outcome.Status()}
	if f, err := a.repo.GetFile(ctx, job.ID, fileID); err == nil {
		file = f
	}

	if err := a.publisher.Publish(ctx, progress.FromJob(job, file)); err != nil {
		a.logger.Warn("failed to publish progress", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (a *Aggregator) terminal(ctx context.Context, job models.Job) {
	a.logger.Info("job finished",
		zap.String("job_id", job.ID),
		zap.String("status", string(job.Status)),
		zap.Int("completed", job.CompletedCount),
		zap.Int("failed", job.FailedCount),
	)

	if a.telemetry != nil {
		ev := tlmt.NewEvent(tlmt.EventJobTerminal, map[string]any{
			"status":     string(job.Status),
			"file_count": job.FileCount,
			"failed":     job.FailedCount,
		})

		if err := a.telemetry.Send(ctx, ev); err != nil {
			a.logger.Debug("failed to send telemetry", zap.Error(err))
		}
	}

	a.mu.RLock()
	hooks := append([]TerminalHook(nil), a.hooks...)
	a.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job)
	}
}
