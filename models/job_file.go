package models

import (
	"time"
)

// FileStatus is the lifecycle state of a single document inside a job.
type FileStatus string

// FileStatus constants
const (
	FileStatusPending    FileStatus = "PENDING"
	FileStatusProcessing FileStatus = "PROCESSING"
	FileStatusCompleted  FileStatus = "COMPLETED"
	FileStatusFailed     FileStatus = "FAILED"
)

// PENDING -> FAILED covers files whose task never reached the queue.
var fileTransitions = map[FileStatus][]FileStatus{
	FileStatusPending:    {FileStatusProcessing, FileStatusFailed},
	FileStatusProcessing: {FileStatusCompleted, FileStatusFailed},
}

// IsTerminal reports whether s is COMPLETED or FAILED.
func (s FileStatus) IsTerminal() bool {
	return s == FileStatusCompleted || s == FileStatusFailed
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s FileStatus) CanTransitionTo(next FileStatus) bool {
	for _, st := range fileTransitions[s] {
		if st == next {
			return true
		}
	}

	return false
}

// File is one document of a job and its individual conversion outcome
type File struct {
	ID           string     `json:"id"`
	JobID        string     `json:"job_id"`
	Filename     string     `json:"filename"`
	InputPath    string     `json:"-"`
	OutputPath   string     `json:"-"`
	Status       FileStatus `json:"status"`
	ErrorKind    string     `json:"error_kind,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Attempts     int        `json:"attempts"`
	SizeBytes    int64      `json:"size_bytes"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// ClaimExpired reports whether f is PROCESSING under a claim older than
// lease. UpdatedAt is refreshed by every claim and recorded attempt.
func (f *File) ClaimExpired(now time.Time, lease time.Duration) bool {
	return f.Status == FileStatusProcessing && lease > 0 && now.Sub(f.UpdatedAt) >= lease
}

// Validate checks that exactly one of output location and error message is
// set once the file is terminal, and neither before.
func (f *File) Validate() error {
	hasOutput := f.OutputPath != ""
	hasError := f.ErrorMessage != ""

	switch f.Status {
	case FileStatusPending, FileStatusProcessing:
		if hasOutput || hasError {
			return ErrInvalidFile
		}
	case FileStatusCompleted:
		if !hasOutput || hasError {
			return ErrInvalidFile
		}
	case FileStatusFailed:
		if hasOutput || !hasError {
			return ErrInvalidFile
		}
	default:
		return ErrInvalidStatus
	}

	return nil
}

// Outcome is the final result of a file task as reported to the aggregator.
type Outcome struct {
	Succeeded    bool
	OutputPath   string
	ErrorKind    string
	ErrorMessage string
}

// Success builds the outcome of a converted file.
func Success(outputPath string) Outcome {
	return Outcome{Succeeded: true, OutputPath: outputPath}
}

// Failure builds the outcome of a file that could not be converted.
func Failure(kind, msg string) Outcome {
	if msg == "" {
		msg = kind
	}

	return Outcome{ErrorKind: kind, ErrorMessage: msg}
}

// Status returns the terminal file status the outcome leads to.
func (o Outcome) Status() FileStatus {
	if o.Succeeded {
		return FileStatusCompleted
	}

	return FileStatusFailed
}

// Validate rejects outcomes that would break the file invariant.
func (o Outcome) Validate() error {
	if o.Succeeded && (o.OutputPath == "" || o.ErrorMessage != "") {
		return ErrInvalidOutcome
	}

	if !o.Succeeded && (o.ErrorMessage == "" || o.OutputPath != "") {
		return ErrInvalidOutcome
	}

	return nil
}

// Apply moves f to the terminal state described by o.
func (o Outcome) Apply(f *File, now time.Time) error {
	if f.Status.IsTerminal() {
		return ErrAlreadyTerminal
	}

	if !f.Status.CanTransitionTo(o.Status()) {
		return ErrInvalidTransition
	}

	f.Status = o.Status()
	f.OutputPath = o.OutputPath
	f.ErrorKind = o.ErrorKind
	f.ErrorMessage = o.ErrorMessage
	f.UpdatedAt = now
	f.CompletedAt = &now

	return nil
}
