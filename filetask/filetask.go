// Package filetask converts a single file of a job and reports its outcome.
// It is driven by the asynq handler in redis/tasks and by the in-process
// worker pool.
package filetask

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Vector/docbatch/converter"
	"github.com/Vector/docbatch/internal/backoff"
	"github.com/Vector/docbatch/models"
)

// KindStoreUnavailable marks files whose record could not be read after the claim.
const KindStoreUnavailable = "StoreUnavailable"

// Payload identifies the file a task converts. Redelivery is set when a
// recovery pass hands the file out again.
type Payload struct {
	JobID      string `json:"job_id"`
	FileID     string `json:"file_id"`
	Redelivery int    `json:"redelivery,omitempty"`
}

// TaskID keeps deliveries of one file deduplicated per generation, so a
// recovery pass is not swallowed by the retained first task.
func (p Payload) TaskID() string {
	if p.Redelivery == 0 {
		return p.FileID
	}

	return p.FileID + "-r" + strconv.Itoa(p.Redelivery)
}

func (p Payload) Validate() error {
	if p.JobID == "" || p.FileID == "" {
		return errors.New("payload requires job_id and file_id")
	}

	return nil
}

func (p Payload) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

func UnmarshalPayload(data []byte) (Payload, error) {
	var p Payload

	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, fmt.Errorf("invalid payload: %w", err)
	}

	return p, p.Validate()
}

// Config holds the retry policy of a task.
type Config struct {
	ConversionTimeout time.Duration
	MaxAttempts       int
	RetryBackoff      time.Duration
	ReportRetries     int
	ReportBackoff     time.Duration
}

// DefaultConfig converts with a five minute timeout and retries a
// transient failure once without pause.
func DefaultConfig() Config {
	return Config{
		ConversionTimeout: converter.DefaultTimeout,
		MaxAttempts:       2,
		RetryBackoff:      0,
		ReportRetries:     5,
		ReportBackoff:     200 * time.Millisecond,
	}
}

// ClaimLease is how long a claim holds before a redelivery may take the
// file over. It outlasts every conversion attempt and the report retries.
func (c Config) ClaimLease() time.Duration {
	report := c.ReportBackoff * time.Duration(int64(1)<<min(max(c.ReportRetries, 0), 16))

	return time.Duration(max(c.MaxAttempts, 1))*(c.ConversionTimeout+c.RetryBackoff) + report + time.Minute
}

// Reporter is the part of the aggregator a task talks to.
type Reporter interface {
	Claim(ctx context.Context, jobID, fileID string) (bool, error)
	Report(ctx context.Context, jobID, fileID string, outcome models.Outcome) (models.Job, error)
}

// Store is the read side a task needs.
type Store interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	GetFile(ctx context.Context, jobID, fileID string) (models.File, error)
	RecordAttempt(ctx context.Context, jobID, fileID string) (int, error)
}

type Task struct {
	cfg        Config
	store      Store
	reporter   Reporter
	executor   converter.Executor
	storageDir string
	logger     *zap.Logger
}

func New(cfg Config, store Store, reporter Reporter, executor converter.Executor, storageDir string, logger *zap.Logger) *Task {
	def := DefaultConfig()

	if cfg.ConversionTimeout <= 0 {
		cfg.ConversionTimeout = def.ConversionTimeout
	}

	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = def.MaxAttempts
	}

	if cfg.ReportRetries < 1 {
		cfg.ReportRetries = def.ReportRetries
	}

	if cfg.ReportBackoff <= 0 {
		cfg.ReportBackoff = def.ReportBackoff
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &Task{
		cfg:        cfg,
		store:      store,
		reporter:   reporter,
		executor:   executor,
		storageDir: storageDir,
		logger:     logger,
	}
}

// OutputPath is where the converted document of a file is stored, next to
// the job inputs under the storage root.
func OutputPath(storageDir, jobID, fileID, targetFormat string) string {
	return filepath.Join(storageDir, jobID, "output", fileID+"."+strings.TrimPrefix(targetFormat, "."))
}

// Run processes the task. A task whose file is terminal or held by a live
// claim is a no-op, which makes redelivery of the same payload harmless. A
// redelivery after the claim lease has run out converts the file again.
func (t *Task) Run(ctx context.Context, p Payload) error {
	if err := p.Validate(); err != nil {
		return err
	}

	log := t.logger.With(zap.String("job_id", p.JobID), zap.String("file_id", p.FileID))

	claimed, err := t.reporter.Claim(ctx, p.JobID, p.FileID)
	if err != nil {
		return err
	}

	if !claimed {
		log.Debug("file already claimed, skipping")

		return nil
	}

	outcome := t.convert(ctx, p, log)

	return t.report(ctx, p, outcome, log)
}

func (t *Task) convert(ctx context.Context, p Payload, log *zap.Logger) models.Outcome {
	job, err := t.store.GetJob(ctx, p.JobID)
	if err != nil {
		return models.Failure(KindStoreUnavailable, fmt.Sprintf("%s: %v", KindStoreUnavailable, err))
	}

	file, err := t.store.GetFile(ctx, p.JobID, p.FileID)
	if err != nil {
		return models.Failure(KindStoreUnavailable, fmt.Sprintf("%s: %v", KindStoreUnavailable, err))
	}

	req := converter.Request{
		InputPath:    file.InputPath,
		OutputPath:   OutputPath(t.storageDir, p.JobID, p.FileID, job.TargetFormat),
		TargetFormat: job.TargetFormat,
		Timeout:      t.cfg.ConversionTimeout,
	}

	attempt := max(file.Attempts, 1)

	for {
		start := time.Now()

		out, err := t.executor.Convert(ctx, req)
		if err == nil {
			log.Info("file converted",
				zap.Int("attempt", attempt),
				zap.Duration("duration", time.Since(start)),
			)

			return models.Success(out)
		}

		kind, ok := converter.KindOf(err)
		if !ok {
			kind = converter.EngineFault
		}

		log.Warn("conversion failed",
			zap.Int("attempt", attempt),
			zap.String("kind", string(kind)),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)

		if !converter.IsRetryable(err) || attempt >= t.cfg.MaxAttempts || ctx.Err() != nil {
			return t.failure(req.OutputPath, kind, err)
		}

		attempt, err = t.store.RecordAttempt(ctx, p.JobID, p.FileID)
		if err != nil {
			return t.failure(req.OutputPath, kind, fmt.Errorf("failed to record attempt: %w", err))
		}

		if t.cfg.RetryBackoff > 0 {
			select {
			case <-ctx.Done():
				return t.failure(req.OutputPath, converter.EngineUnavailable, ctx.Err())
			case <-time.After(t.cfg.RetryBackoff):
			}
		}
	}
}

// failure removes any partial output and builds the failed outcome. The
// message always starts with the kind.
func (t *Task) failure(outputPath string, kind converter.Kind, err error) models.Outcome {
	_ = os.Remove(outputPath)

	msg := err.Error()

	var ce *converter.ConversionError
	if !errors.As(err, &ce) {
		msg = fmt.Sprintf("%s: %s", kind, msg)
	}

	return models.Failure(string(kind), msg)
}

// report outlives the delivery context so a claimed file always gets its outcome.
func (t *Task) report(ctx context.Context, p Payload, outcome models.Outcome, log *zap.Logger) error {
	rctx := context.WithoutCancel(ctx)

	err := backoff.Retry(rctx, func() error {
		_, err := t.reporter.Report(rctx, p.JobID, p.FileID, outcome)
		if err == nil {
			return nil
		}

		if errors.Is(err, models.ErrAlreadyTerminal) || errors.Is(err, models.ErrNotFound) ||
			errors.Is(err, models.ErrInvalidOutcome) || errors.Is(err, models.ErrInvalidTransition) {
			return backoff.Permanent(err)
		}

		return err
	}, t.cfg.ReportRetries, t.cfg.ReportBackoff, func(attempt int, err error, wait time.Duration) {
		log.Warn("report failed, retrying", zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	})

	if errors.Is(err, models.ErrAlreadyTerminal) {
		return nil
	}

	if err != nil {
		log.Error("failed to report outcome", zap.Error(err))

		return err
	}

	return nil
}
