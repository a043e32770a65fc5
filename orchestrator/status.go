package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Vector/docbatch/models"
)

const DefaultListLimit = 50

type FileView struct {
	FileID       string            `json:"file_id"`
	Filename     string            `json:"filename"`
	Status       models.FileStatus `json:"status"`
	ErrorMessage string            `json:"error_message,omitempty"`
}

// JobView is the externally visible snapshot of a job.
type JobView struct {
	JobID          string           `json:"job_id"`
	Status         models.JobStatus `json:"status"`
	SourceName     string           `json:"source_name,omitempty"`
	TargetFormat   string           `json:"target_format"`
	CreatedAt      time.Time        `json:"created_at"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
	FileCount      int              `json:"file_count"`
	CompletedCount int              `json:"completed_count"`
	FailedCount    int              `json:"failed_count"`
	Files          []FileView       `json:"files,omitempty"`
	DownloadURL    string           `json:"download_url,omitempty"`
}

// DownloadURL is the route serving the result archive of a job.
func DownloadURL(jobID string) string {
	return "/api/v1/jobs/" + jobID + "/download"
}

func newJobView(job models.Job) JobView {
	v := JobView{
		JobID:          job.ID,
		Status:         job.Status,
		SourceName:     job.SourceName,
		TargetFormat:   job.TargetFormat,
		CreatedAt:      job.CreatedAt,
		CompletedAt:    job.CompletedAt,
		FileCount:      job.FileCount,
		CompletedCount: job.CompletedCount,
		FailedCount:    job.FailedCount,
	}

	if job.Status.IsTerminal() && job.CompletedCount > 0 {
		v.DownloadURL = DownloadURL(job.ID)
	}

	return v
}

// GetStatus returns a snapshot of the job and its files. Malformed ids are
// reported as models.ErrNotFound.
func (o *Orchestrator) GetStatus(ctx context.Context, jobID string) (JobView, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return JobView{}, models.ErrNotFound
	}

	job, err := o.repo.GetJob(ctx, jobID)
	if err != nil {
		return JobView{}, err
	}

	files, err := o.repo.ListFiles(ctx, jobID)
	if err != nil {
		return JobView{}, err
	}

	v := newJobView(job)
	v.Files = make([]FileView, 0, len(files))

	for i := range files {
		v.Files = append(v.Files, FileView{
			FileID:       files[i].ID,
			Filename:     files[i].Filename,
			Status:       files[i].Status,
			ErrorMessage: files[i].ErrorMessage,
		})
	}

	return v, nil
}

// ListJobs returns the newest jobs, optionally only those in status.
func (o *Orchestrator) ListJobs(ctx context.Context, status string, limit int) ([]JobView, error) {
	params := models.SelectParams{Limit: limit}

	if status != "" {
		st, err := models.ParseJobStatus(strings.ToUpper(status))
		if err != nil {
			return nil, &models.ValidationError{Problems: []string{fmt.Sprintf("unknown status %q", status)}}
		}

		params.Status = st
	}

	if params.Limit <= 0 || params.Limit > 1000 {
		params.Limit = DefaultListLimit
	}

	jobs, err := o.repo.ListJobs(ctx, params)
	if err != nil {
		return nil, err
	}

	ans := make([]JobView, 0, len(jobs))
	for i := range jobs {
		ans = append(ans, newJobView(jobs[i]))
	}

	return ans, nil
}

// Cleanup deletes terminal jobs created more than olderThan ago together
// with their files on disk. It returns how many jobs were removed.
func (o *Orchestrator) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	jobs, err := o.repo.ListJobs(ctx, models.SelectParams{CreatedBefore: o.now().Add(-olderThan)})
	if err != nil {
		return 0, err
	}

	var (
		removed int
		errs    error
	)

	for i := range jobs {
		job := jobs[i]
		if !job.Status.IsTerminal() {
			continue
		}

		if err := o.repo.DeleteJob(ctx, job.ID); err != nil && !errors.Is(err, models.ErrNotFound) {
			errs = multierr.Append(errs, fmt.Errorf("job %s: %w", job.ID, err))

			continue
		}

		if err := os.RemoveAll(JobDir(o.cfg.StorageDir, job.ID)); err != nil {
			errs = multierr.Append(errs, err)
		}

		archivePath := job.ArchivePath
		if archivePath == "" {
			archivePath = filepath.Join(ArchiveDir(o.cfg.StorageDir), job.ID+".zip")
		}

		if err := os.Remove(archivePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = multierr.Append(errs, err)
		}

		removed++
	}

	if removed > 0 {
		o.logger.Info("removed expired jobs", zap.Int("count", removed), zap.Duration("retention", olderThan))
	}

	return removed, errs
}
