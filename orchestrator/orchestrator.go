// Package orchestrator accepts bulk submissions, fans them out into file
// tasks and answers status queries.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Vector/docbatch/archive"
	"github.com/Vector/docbatch/filetask"
	"github.com/Vector/docbatch/models"
	"github.com/Vector/docbatch/tlmt"
)

// KindQueueUnavailable is recorded on files whose task could not be enqueued.
const KindQueueUnavailable = "QueueUnavailable"

const (
	DefaultMaxUploadSize  = 500 << 20
	DefaultMaxFilesPerJob = 1000
	DefaultMaxFileSize    = 50 << 20
	DefaultTargetFormat   = "pdf"
)

// DefaultAllowedExtensions lists the source formats accepted when none are configured.
var DefaultAllowedExtensions = []string{".docx"}

//go:generate mockgen -source=orchestrator.go -destination=mocks/mock_queue.go -package=mocks

// Queue hands file tasks to the worker pool.
type Queue interface {
	Enqueue(ctx context.Context, p filetask.Payload) error
}

// Reporter records outcomes of files that never reach a worker.
type Reporter interface {
	Report(ctx context.Context, jobID, fileID string, outcome models.Outcome) (models.Job, error)
}

type Config struct {
	StorageDir        string
	TargetFormat      string
	MaxUploadSize     int64
	MaxFilesPerJob    int
	MaxFileSize       int64
	AllowedExtensions []string
}

func (c *Config) setDefaults() {
	if c.TargetFormat == "" {
		c.TargetFormat = DefaultTargetFormat
	}

	c.TargetFormat = strings.TrimPrefix(strings.ToLower(c.TargetFormat), ".")

	if c.MaxUploadSize <= 0 {
		c.MaxUploadSize = DefaultMaxUploadSize
	}

	if c.MaxFilesPerJob <= 0 {
		c.MaxFilesPerJob = DefaultMaxFilesPerJob
	}

	if c.MaxFileSize <= 0 {
		c.MaxFileSize = DefaultMaxFileSize
	}

	if len(c.AllowedExtensions) == 0 {
		c.AllowedExtensions = DefaultAllowedExtensions
	}
}

func (c *Config) limits() archive.Limits {
	return archive.Limits{
		MaxUploadSize:     c.MaxUploadSize,
		MaxFiles:          c.MaxFilesPerJob,
		MaxFileSize:       c.MaxFileSize,
		AllowedExtensions: c.AllowedExtensions,
	}
}

// Upload is a submitted zip archive.
type Upload struct {
	Name   string
	Reader io.ReaderAt
	Size   int64
}

type SubmitResult struct {
	JobID     string `json:"job_id"`
	FileCount int    `json:"file_count"`
}

type Orchestrator struct {
	cfg       Config
	repo      models.JobRepository
	queue     Queue
	reporter  Reporter
	telemetry tlmt.Telemetry
	logger    *zap.Logger
	now       func() time.Time
}

type Option func(*Orchestrator)

func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

func WithTelemetry(t tlmt.Telemetry) Option {
	return func(o *Orchestrator) {
		o.telemetry = t
	}
}

func New(cfg Config, repo models.JobRepository, queue Queue, reporter Reporter, opts ...Option) *Orchestrator {
	cfg.setDefaults()

	o := &Orchestrator{
		cfg:      cfg,
		repo:     repo,
		queue:    queue,
		reporter: reporter,
		logger:   zap.NewNop(),
		now:      func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// EnsureLayout creates the storage directories the pipeline writes to.
func (o *Orchestrator) EnsureLayout() error {
	for _, dir := range []string{o.cfg.StorageDir, ArchiveDir(o.cfg.StorageDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	return nil
}

// JobDir holds the inputs and outputs of one job.
func JobDir(storageDir, jobID string) string {
	return filepath.Join(storageDir, jobID)
}

// ArchiveDir holds the assembled result archives.
func ArchiveDir(storageDir string) string {
	return filepath.Join(storageDir, "archives")
}

// Submit validates the upload, persists the job with all of its files and
// enqueues one task per file. It does not wait for any conversion.
func (o *Orchestrator) Submit(ctx context.Context, up Upload) (SubmitResult, error) {
	entries, err := archive.Inspect(up.Reader, up.Size, o.cfg.limits())
	if err != nil {
		return SubmitResult{}, models.NewValidationError(err)
	}

	now := o.now()
	job := models.Job{
		ID:           uuid.NewString(),
		Status:       models.JobStatusPending,
		SourceName:   SafeFilename(up.Name),
		TargetFormat: o.cfg.TargetFormat,
		FileCount:    len(entries),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	jobDir := JobDir(o.cfg.StorageDir, job.ID)
	files := make([]models.File, 0, len(entries))

	for _, e := range entries {
		fileID := uuid.NewString()
		input := filepath.Join(jobDir, "input", fileID+e.Ext)

		n, err := e.ExtractTo(input)
		if err != nil {
			_ = os.RemoveAll(jobDir)

			if errors.Is(err, archive.ErrMemberTooBig) {
				return SubmitResult{}, models.NewValidationError(err)
			}

			return SubmitResult{}, fmt.Errorf("failed to extract %s: %w", e.Name, err)
		}

		files = append(files, models.File{
			ID:        fileID,
			JobID:     job.ID,
			Filename:  e.Name,
			InputPath: input,
			Status:    models.FileStatusPending,
			SizeBytes: n,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}

	if err := o.repo.CreateJob(ctx, &job, files); err != nil {
		_ = os.RemoveAll(jobDir)

		return SubmitResult{}, fmt.Errorf("failed to persist job: %w", err)
	}

	o.logger.Info("job submitted",
		zap.String("job_id", job.ID),
		zap.String("source", job.SourceName),
		zap.Int("file_count", job.FileCount),
	)

	if o.telemetry != nil {
		ev := tlmt.NewEvent(tlmt.EventJobSubmitted, map[string]any{
			"file_count":    job.FileCount,
			"target_format": job.TargetFormat,
		})

		if err := o.telemetry.Send(ctx, ev); err != nil {
			o.logger.Debug("failed to send telemetry", zap.Error(err))
		}
	}

	// the job is persisted, so a client hanging up must not fail its files
	o.enqueue(context.WithoutCancel(ctx), job.ID, files)

	return SubmitResult{JobID: job.ID, FileCount: job.FileCount}, nil
}

// enqueue reports files whose task cannot be queued as failed, so the job
// still reaches a terminal status.
func (o *Orchestrator) enqueue(ctx context.Context, jobID string, files []models.File) {
	for i := range files {
		p := filetask.Payload{JobID: jobID, FileID: files[i].ID}

		err := o.queue.Enqueue(ctx, p)
		if err == nil {
			continue
		}

		o.logger.Error("failed to enqueue file task",
			zap.String("job_id", jobID),
			zap.String("file_id", p.FileID),
			zap.Error(err),
		)

		outcome := models.Failure(KindQueueUnavailable, fmt.Sprintf("%s: %v", KindQueueUnavailable, err))

		if _, rerr := o.reporter.Report(context.WithoutCancel(ctx), jobID, p.FileID, outcome); rerr != nil {
			o.logger.Error("failed to record enqueue failure",
				zap.String("job_id", jobID),
				zap.String("file_id", p.FileID),
				zap.Error(rerr),
			)
		}
	}
}

// Recover re-enqueues the files of unfinished jobs that have been idle for
// at least lease: PENDING files, and PROCESSING files whose claim ran out.
// A zero lease re-enqueues every PENDING file. It returns how many tasks
// were queued. The claim guard makes duplicate deliveries harmless.
func (o *Orchestrator) Recover(ctx context.Context, lease time.Duration) (int, error) {
	var jobs []models.Job

	for _, st := range []models.JobStatus{models.JobStatusPending, models.JobStatusProcessing} {
		batch, err := o.repo.ListJobs(ctx, models.SelectParams{Status: st})
		if err != nil {
			return 0, err
		}

		jobs = append(jobs, batch...)
	}

	now := o.now()

	var (
		queued int
		errs   error
	)

	for i := range jobs {
		files, err := o.repo.ListFiles(ctx, jobs[i].ID)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("job %s: %w", jobs[i].ID, err))

			continue
		}

		for j := range files {
			f := files[j]

			idle := f.Status == models.FileStatusPending && now.Sub(f.UpdatedAt) >= lease
			if !idle && !f.ClaimExpired(now, lease) {
				continue
			}

			p := filetask.Payload{JobID: f.JobID, FileID: f.ID, Redelivery: f.Attempts + 1}

			if err := o.queue.Enqueue(ctx, p); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("file %s: %w", f.ID, err))

				continue
			}

			queued++
		}
	}

	if queued > 0 {
		o.logger.Info("re-enqueued unfinished files", zap.Int("count", queued), zap.Duration("lease", lease))
	}

	return queued, errs
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SafeFilename reduces an uploaded name to a base name made of portable characters.
func SafeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(filepath.FromSlash(name))
	name = unsafeChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")

	if len(name) > 255 {
		name = name[:255]
	}

	if name == "" {
		return "upload.zip"
	}

	return name
}
