package models

import (
	"context"
	"time"
)

// JobStatus is the lifecycle state of a conversion job.
type JobStatus string

// Job status constants
const (
	JobStatusPending            JobStatus = "PENDING"
	JobStatusProcessing         JobStatus = "PROCESSING"
	JobStatusCompleted          JobStatus = "COMPLETED"
	JobStatusPartiallyCompleted JobStatus = "PARTIALLY_COMPLETED"
	JobStatusFailed             JobStatus = "FAILED"
)

var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:    {JobStatusProcessing},
	JobStatusProcessing: {JobStatusCompleted, JobStatusPartiallyCompleted, JobStatusFailed},
}

// ParseJobStatus returns the JobStatus named by s.
func ParseJobStatus(s string) (JobStatus, error) {
	switch st := JobStatus(s); st {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted,
		JobStatusPartiallyCompleted, JobStatusFailed:
		return st, nil
	default:
		return "", ErrInvalidStatus
	}
}

// IsTerminal reports whether no further transition can leave s.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusPartiallyCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, st := range jobTransitions[s] {
		if st == next {
			return true
		}
	}

	return false
}

// TerminalStatusFor derives the terminal job status from the file counters.
// ok is false while completed+failed is still below total.
func TerminalStatusFor(completed, failed, total int) (status JobStatus, ok bool) {
	if total <= 0 || completed+failed != total {
		return "", false
	}

	switch {
	case failed == 0:
		return JobStatusCompleted, true
	case failed == total:
		return JobStatusFailed, true
	default:
		return JobStatusPartiallyCompleted, true
	}
}

// Job represents one bulk submission and its aggregate conversion outcome
type Job struct {
	ID             string     `json:"id"`
	Status         JobStatus  `json:"status"`
	SourceName     string     `json:"source_name"`
	TargetFormat   string     `json:"target_format"`
	FileCount      int        `json:"file_count"`
	CompletedCount int        `json:"completed_count"`
	FailedCount    int        `json:"failed_count"`
	ArchivePath    string     `json:"-"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// Reported returns the number of files that reached a terminal state.
func (j *Job) Reported() int {
	return j.CompletedCount + j.FailedCount
}

// Validate checks the counter invariants of the job.
func (j *Job) Validate() error {
	if j.ID == "" {
		return ErrInvalidJob
	}

	if j.FileCount <= 0 || j.CompletedCount < 0 || j.FailedCount < 0 {
		return ErrInvalidJob
	}

	if j.Reported() > j.FileCount {
		return ErrInvalidJob
	}

	if j.Status.IsTerminal() != (j.Reported() == j.FileCount) {
		return ErrInvalidJob
	}

	return nil
}

// SelectParams defines parameters for filtering job selection
type SelectParams struct {
	Status        JobStatus
	Limit         int
	CreatedBefore time.Time
}

// JobRepository is the persistence contract of the conversion pipeline.
// ClaimFile and ApplyOutcome are the only operations that mutate state after
// creation and both must be atomic per job. ClaimFile takes over a PROCESSING
// file whose claim is older than lease.
type JobRepository interface {
	CreateJob(ctx context.Context, job *Job, files []File) error
	GetJob(ctx context.Context, id string) (Job, error)
	ListJobs(ctx context.Context, params SelectParams) ([]Job, error)
	DeleteJob(ctx context.Context, id string) error

	GetFile(ctx context.Context, jobID, fileID string) (File, error)
	ListFiles(ctx context.Context, jobID string) ([]File, error)

	ClaimFile(ctx context.Context, jobID, fileID string, lease time.Duration) (bool, error)
	RecordAttempt(ctx context.Context, jobID, fileID string) (int, error)
	ApplyOutcome(ctx context.Context, jobID, fileID string, outcome Outcome) (Job, error)

	SetArchivePath(ctx context.Context, jobID, path string) error
	Ping(ctx context.Context) error
}

// Claim moves f to PROCESSING and counts the attempt. A PENDING file is
// always claimable. A PROCESSING file is taken over once its claim is older
// than lease; a lease of zero never expires. A PENDING job starts PROCESSING
// with its first claimed file.
func (j *Job) Claim(f *File, now time.Time, lease time.Duration) bool {
	if f.Status != FileStatusPending && !f.ClaimExpired(now, lease) {
		return false
	}

	f.Status = FileStatusProcessing
	f.Attempts++
	f.UpdatedAt = now

	if j.Status == JobStatusPending {
		j.Status = JobStatusProcessing
		j.UpdatedAt = now
	}

	return true
}

// Record applies the terminal outcome of f to both the file and the job
// counters. Callers hold the per-job lock of their store.
func (j *Job) Record(f *File, o Outcome, now time.Time) error {
	if err := o.Validate(); err != nil {
		return err
	}

	if j.Status.IsTerminal() {
		return ErrAlreadyTerminal
	}

	if err := o.Apply(f, now); err != nil {
		return err
	}

	if j.Status == JobStatusPending {
		j.Status = JobStatusProcessing
	}

	if o.Succeeded {
		j.CompletedCount++
	} else {
		j.FailedCount++
	}

	j.UpdatedAt = now

	if status, ok := TerminalStatusFor(j.CompletedCount, j.FailedCount, j.FileCount); ok {
		if !j.Status.CanTransitionTo(status) {
			return ErrInvalidTransition
		}

		j.Status = status
		j.CompletedAt = &now
	}

	return nil
}
