// Package assembler packs the converted documents of a finished job into a
// single downloadable zip archive.
package assembler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Vector/docbatch/archive"
	"github.com/Vector/docbatch/models"
)

type Assembler struct {
	repo       models.JobRepository
	storageDir string
	logger     *zap.Logger

	group singleflight.Group

	mu    sync.RWMutex
	cache map[string]string
}

func New(repo models.JobRepository, storageDir string, logger *zap.Logger) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Assembler{
		repo:       repo,
		storageDir: storageDir,
		logger:     logger,
		cache:      make(map[string]string),
	}
}

// ArchivePath is where the result archive of jobID is written.
func ArchivePath(storageDir, jobID string) string {
	return filepath.Join(storageDir, "archives", jobID+".zip")
}

// DownloadName is the file name offered to clients downloading the archive.
func DownloadName(jobID string) string {
	return "converted_files_" + jobID + ".zip"
}

// BuildArchive returns the path of the result archive of a terminal job,
// building it on first use. Concurrent calls for the same job share one build.
func (a *Assembler) BuildArchive(ctx context.Context, jobID string) (string, error) {
	if path, ok := a.cached(jobID); ok {
		return path, nil
	}

	v, err, _ := a.group.Do(jobID, func() (any, error) {
		if path, ok := a.cached(jobID); ok {
			return path, nil
		}

		path, err := a.build(ctx, jobID)
		if err != nil {
			return "", err
		}

		a.mu.Lock()
		a.cache[jobID] = path
		a.mu.Unlock()

		return path, nil
	})
	if err != nil {
		return "", err
	}

	return v.(string), nil
}

// cached ignores entries whose file has been removed since.
func (a *Assembler) cached(jobID string) (string, bool) {
	a.mu.RLock()
	path, ok := a.cache[jobID]
	a.mu.RUnlock()

	if !ok {
		return "", false
	}

	if _, err := os.Stat(path); err != nil {
		a.Forget(jobID)

		return "", false
	}

	return path, true
}

// Forget drops the cached archive location of jobID.
func (a *Assembler) Forget(jobID string) {
	a.mu.Lock()
	delete(a.cache, jobID)
	a.mu.Unlock()
}

func (a *Assembler) build(ctx context.Context, jobID string) (string, error) {
	job, err := a.repo.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}

	if !job.Status.IsTerminal() {
		return "", models.ErrNotReady
	}

	if job.ArchivePath != "" {
		if _, err := os.Stat(job.ArchivePath); err == nil {
			return job.ArchivePath, nil
		}
	}

	files, err := a.repo.ListFiles(ctx, jobID)
	if err != nil {
		return "", err
	}

	var (
		names   []string
		sources []string
	)

	for i := range files {
		if files[i].Status != models.FileStatusCompleted {
			continue
		}

		names = append(names, archive.ConvertedName(files[i].Filename, job.TargetFormat))
		sources = append(sources, files[i].OutputPath)
	}

	names = archive.UniqueNames(names)

	members := make([]archive.Member, len(names))
	for i := range names {
		members[i] = archive.Member{Name: names[i], Path: sources[i]}
	}

	dst := ArchivePath(a.storageDir, jobID)

	if err := archive.Pack(dst, members); err != nil {
		return "", fmt.Errorf("failed to pack job %s: %w", jobID, err)
	}

	if err := a.repo.SetArchivePath(ctx, jobID, dst); err != nil {
		return "", err
	}

	a.logger.Info("archive built",
		zap.String("job_id", jobID),
		zap.Int("members", len(members)),
		zap.String("path", dst),
	)

	return dst, nil
}

// Open returns the result archive of jobID ready to be served, along with
// its download name.
func (a *Assembler) Open(ctx context.Context, jobID string) (io.ReadSeekCloser, string, error) {
	path, err := a.BuildArchive(ctx, jobID)
	if err != nil {
		return nil, "", err
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			a.Forget(jobID)
		}

		return nil, "", err
	}

	return f, DownloadName(jobID), nil
}

// Hook builds the archive as soon as a job turns terminal. It is meant to
// be registered with aggregator.OnTerminal.
func (a *Assembler) Hook(ctx context.Context, job models.Job) {
	if _, err := a.BuildArchive(context.WithoutCancel(ctx), job.ID); err != nil {
		a.logger.Error("failed to build archive", zap.String("job_id", job.ID), zap.Error(err))
	}
}
