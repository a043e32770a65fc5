package handlers

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/Vector/docbatch/orchestrator"
	"github.com/Vector/docbatch/progress"
)

// Dependencies aggregates shared services used by handlers.
type Dependencies struct {
	Logger        *zap.Logger
	Jobs          JobService
	Archives      ArchiveService
	Events        progress.Subscriber
	Checks        map[string]HealthCheck
	MaxUploadSize int64
	SpoolDir      string
	// PingPeriod paces websocket pings and job reloads of an event stream.
	PingPeriod time.Duration
}

// HandlerGroup groups all handler categories for routing setup.
type HandlerGroup struct {
	Web *WebHandlers
	API *APIHandlers
}

// NewHandlerGroup constructs a HandlerGroup with initialized handlers.
func NewHandlerGroup(deps Dependencies) *HandlerGroup {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	if deps.MaxUploadSize <= 0 {
		deps.MaxUploadSize = orchestrator.DefaultMaxUploadSize
	}

	if deps.PingPeriod <= 0 {
		deps.PingPeriod = defaultPingPeriod
	}

	return &HandlerGroup{
		Web: &WebHandlers{Deps: deps},
		API: &APIHandlers{Deps: deps},
	}
}

// WebHandlers contains routes outside the versioned API.
type WebHandlers struct{ Deps Dependencies }

// APIHandlers contains the JSON API routes.
type APIHandlers struct{ Deps Dependencies }

// JobService is the part of the orchestrator the handlers use.
type JobService interface {
	Submit(ctx context.Context, up orchestrator.Upload) (orchestrator.SubmitResult, error)
	GetStatus(ctx context.Context, jobID string) (orchestrator.JobView, error)
	ListJobs(ctx context.Context, status string, limit int) ([]orchestrator.JobView, error)
}

// ArchiveService serves the result archives.
type ArchiveService interface {
	Open(ctx context.Context, jobID string) (io.ReadSeekCloser, string, error)
}

// HealthCheck returns an error when the checked dependency is unusable.
type HealthCheck func(ctx context.Context) error

const healthTimeout = 3 * time.Second
