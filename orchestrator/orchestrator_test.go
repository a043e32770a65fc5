package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/multierr"

	"github.com/Vector/docbatch/aggregator"
	"github.com/Vector/docbatch/filetask"
	"github.com/Vector/docbatch/internal/testutils"
	"github.com/Vector/docbatch/memory"
	"github.com/Vector/docbatch/models"
	"github.com/Vector/docbatch/orchestrator/mocks"
)

type fixture struct {
	orch  *Orchestrator
	repo  models.JobRepository
	queue *mocks.MockQueue
	dir   string
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	repo, err := memory.New()
	require.NoError(t, err)

	ctrl := gomock.NewController(t)
	queue := mocks.NewMockQueue(ctrl)

	cfg.StorageDir = t.TempDir()

	o := New(cfg, repo, queue, aggregator.New(repo))
	require.NoError(t, o.EnsureLayout())

	return &fixture{orch: o, repo: repo, queue: queue, dir: cfg.StorageDir}
}

func upload(name string, data []byte) Upload {
	return Upload{Name: name, Reader: bytes.NewReader(data), Size: int64(len(data))}
}

func documents(t *testing.T, names ...string) []byte {
	t.Helper()

	members := make([]testutils.Member, 0, len(names))
	for _, n := range names {
		members = append(members, testutils.Member{Name: n, Body: testutils.Document(n)})
	}

	return testutils.Archive(t, members...)
}

func TestSubmit(t *testing.T) {
	fx := newFixture(t, Config{})
	ctx := context.Background()

	var queued []filetask.Payload

	fx.queue.EXPECT().Enqueue(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, p filetask.Payload) error {
			queued = append(queued, p)

			return nil
		}).Times(3)

	data := documents(t, "a.docx", "reports/b.docx", "c.docx")

	res, err := fx.orch.Submit(ctx, upload("../batch 1.zip", data))
	require.NoError(t, err)
	assert.Equal(t, 3, res.FileCount)
	require.Len(t, queued, 3)

	job, err := fx.repo.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, "pdf", job.TargetFormat)
	assert.Equal(t, "batch_1.zip", job.SourceName)
	assert.Equal(t, 3, job.FileCount)

	files, err := fx.repo.ListFiles(ctx, res.JobID)
	require.NoError(t, err)
	require.Len(t, files, 3)

	for i, f := range files {
		assert.Equal(t, queued[i], filetask.Payload{JobID: res.JobID, FileID: f.ID})
		assert.Equal(t, models.FileStatusPending, f.Status)
		assert.Equal(t, filepath.Join(fx.dir, res.JobID, "input", f.ID+".docx"), f.InputPath)

		body, err := os.ReadFile(f.InputPath)
		require.NoError(t, err)
		assert.Equal(t, testutils.Document(f.Filename), body)
		assert.Equal(t, int64(len(body)), f.SizeBytes)
	}

	assert.Equal(t, "reports/b.docx", files[1].Filename)
}

func TestSubmitRejected(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		data func(t *testing.T) []byte
	}{
		{
			name: "too many files",
			cfg:  Config{MaxFilesPerJob: 2},
			data: func(t *testing.T) []byte { return documents(t, "a.docx", "b.docx", "c.docx") },
		},
		{
			name: "upload too big",
			cfg:  Config{MaxUploadSize: 64},
			data: func(t *testing.T) []byte { return documents(t, "a.docx") },
		},
		{
			name: "member too big",
			cfg:  Config{MaxFileSize: 4},
			data: func(t *testing.T) []byte { return documents(t, "a.docx") },
		},
		{
			name: "no documents",
			data: func(t *testing.T) []byte {
				return testutils.Archive(t, testutils.Member{Name: "notes.txt", Body: []byte("hello")})
			},
		},
		{
			name: "not a zip",
			data: func(*testing.T) []byte { return []byte("definitely not a zip archive") },
		},
		{
			name: "empty",
			data: func(*testing.T) []byte { return nil },
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fx := newFixture(t, tc.cfg)
			ctx := context.Background()

			_, err := fx.orch.Submit(ctx, upload("batch.zip", tc.data(t)))
			require.Error(t, err)
			assert.True(t, models.IsValidation(err))

			jobs, err := fx.repo.ListJobs(ctx, models.SelectParams{})
			require.NoError(t, err)
			assert.Empty(t, jobs)

			entries, err := os.ReadDir(fx.dir)
			require.NoError(t, err)
			require.Len(t, entries, 1)
			assert.Equal(t, "archives", entries[0].Name())

			_, err = fx.orch.GetStatus(ctx, uuid.NewString())
			assert.ErrorIs(t, err, models.ErrNotFound)
		})
	}
}

func TestSubmitEnqueueFailure(t *testing.T) {
	fx := newFixture(t, Config{})
	ctx := context.Background()

	gomock.InOrder(
		fx.queue.EXPECT().Enqueue(gomock.Any(), gomock.Any()).Return(nil),
		fx.queue.EXPECT().Enqueue(gomock.Any(), gomock.Any()).Return(errors.New("connection refused")),
	)

	res, err := fx.orch.Submit(ctx, upload("batch.zip", documents(t, "a.docx", "b.docx")))
	require.NoError(t, err)

	view, err := fx.orch.GetStatus(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, view.Status)
	assert.Equal(t, 1, view.FailedCount)
	require.Len(t, view.Files, 2)
	assert.Equal(t, models.FileStatusPending, view.Files[0].Status)
	assert.Equal(t, models.FileStatusFailed, view.Files[1].Status)
	assert.Equal(t, "QueueUnavailable: connection refused", view.Files[1].ErrorMessage)
}

func TestSubmitEveryEnqueueFails(t *testing.T) {
	fx := newFixture(t, Config{})
	ctx := context.Background()

	fx.queue.EXPECT().Enqueue(gomock.Any(), gomock.Any()).Return(errors.New("down")).Times(2)

	res, err := fx.orch.Submit(ctx, upload("batch.zip", documents(t, "a.docx", "b.docx")))
	require.NoError(t, err)

	view, err := fx.orch.GetStatus(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, view.Status)
	assert.NotNil(t, view.CompletedAt)
	assert.Empty(t, view.DownloadURL)
}

func TestSubmitOutlivesCancelledRequest(t *testing.T) {
	fx := newFixture(t, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fx.queue.EXPECT().Enqueue(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, _ filetask.Payload) error {
			return ctx.Err()
		}).Times(4)

	res, err := fx.orch.Submit(ctx, upload("batch.zip", documents(t, "a.docx", "b.docx", "c.docx", "d.docx")))
	require.NoError(t, err)

	view, err := fx.orch.GetStatus(context.Background(), res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, view.Status)
	assert.Zero(t, view.FailedCount)

	for _, f := range view.Files {
		assert.Equal(t, models.FileStatusPending, f.Status)
	}
}

func TestRecover(t *testing.T) {
	fx := newFixture(t, Config{})
	ctx := context.Background()

	job, files := testutils.NewJob(3)
	require.NoError(t, fx.repo.CreateJob(ctx, job, files))

	for _, f := range files[1:] {
		ok, err := fx.repo.ClaimFile(ctx, job.ID, f.ID, 0)
		require.NoError(t, err)
		require.True(t, ok)
	}

	_, err := fx.repo.ApplyOutcome(ctx, job.ID, files[2].ID, models.Success("/out/2.pdf"))
	require.NoError(t, err)

	done, doneFiles := testutils.NewJob(1)
	require.NoError(t, fx.repo.CreateJob(ctx, done, doneFiles))

	_, err = fx.repo.ApplyOutcome(ctx, done.ID, doneFiles[0].ID, models.Failure("InvalidInput", "InvalidInput: bad"))
	require.NoError(t, err)

	var queued []filetask.Payload

	fx.queue.EXPECT().Enqueue(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, p filetask.Payload) error {
			queued = append(queued, p)

			return nil
		}).AnyTimes()

	n, err := fx.orch.Recover(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []filetask.Payload{{JobID: job.ID, FileID: files[0].ID, Redelivery: 1}}, queued)

	queued = nil

	n, err = fx.orch.Recover(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing has been idle for an hour")
	assert.Empty(t, queued)

	fx.orch.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }

	n, err = fx.orch.Recover(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []filetask.Payload{
		{JobID: job.ID, FileID: files[0].ID, Redelivery: 1},
		{JobID: job.ID, FileID: files[1].ID, Redelivery: 2},
	}, queued)
}

func TestRecoverEnqueueFailure(t *testing.T) {
	fx := newFixture(t, Config{})
	ctx := context.Background()

	job, files := testutils.NewJob(2)
	require.NoError(t, fx.repo.CreateJob(ctx, job, files))

	fx.queue.EXPECT().Enqueue(gomock.Any(), gomock.Any()).Return(errors.New("redis down")).Times(2)

	n, err := fx.orch.Recover(ctx, 0)
	require.Error(t, err)
	assert.Zero(t, n)
	assert.Len(t, multierr.Errors(err), 2)

	f, err := fx.repo.GetFile(ctx, job.ID, files[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.FileStatusPending, f.Status, "a later pass retries")
}

func TestGetStatus(t *testing.T) {
	fx := newFixture(t, Config{})
	ctx := context.Background()

	_, err := fx.orch.GetStatus(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = fx.orch.GetStatus(ctx, uuid.NewString())
	assert.ErrorIs(t, err, models.ErrNotFound)

	job, files := testutils.NewJob(2)
	require.NoError(t, fx.repo.CreateJob(ctx, job, files))

	for i, f := range files {
		_, err := fx.repo.ClaimFile(ctx, job.ID, f.ID, 0)
		require.NoError(t, err)

		outcome := models.Success("/out/" + f.ID + ".pdf")
		if i == 1 {
			outcome = models.Failure("Timeout", "Timeout: conversion exceeded 5m0s")
		}

		_, err = fx.repo.ApplyOutcome(ctx, job.ID, f.ID, outcome)
		require.NoError(t, err)
	}

	view, err := fx.orch.GetStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPartiallyCompleted, view.Status)
	assert.Equal(t, 1, view.CompletedCount)
	assert.Equal(t, 1, view.FailedCount)
	assert.Equal(t, DownloadURL(job.ID), view.DownloadURL)
	require.Len(t, view.Files, 2)
	assert.Empty(t, view.Files[0].ErrorMessage)
	assert.Equal(t, "Timeout: conversion exceeded 5m0s", view.Files[1].ErrorMessage)
}

func TestListJobs(t *testing.T) {
	fx := newFixture(t, Config{})
	ctx := context.Background()

	for range 3 {
		job, files := testutils.NewJob(1)
		require.NoError(t, fx.repo.CreateJob(ctx, job, files))
	}

	views, err := fx.orch.ListJobs(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, views, 3)

	views, err = fx.orch.ListJobs(ctx, "pending", 2)
	require.NoError(t, err)
	assert.Len(t, views, 2)

	views, err = fx.orch.ListJobs(ctx, "COMPLETED", 0)
	require.NoError(t, err)
	assert.Empty(t, views)

	_, err = fx.orch.ListJobs(ctx, "bogus", 0)
	assert.True(t, models.IsValidation(err))
}

func TestCleanup(t *testing.T) {
	fx := newFixture(t, Config{})
	ctx := context.Background()

	finished, files := testutils.NewJob(1)
	require.NoError(t, fx.repo.CreateJob(ctx, finished, files))

	_, err := fx.repo.ClaimFile(ctx, finished.ID, files[0].ID, 0)
	require.NoError(t, err)

	_, err = fx.repo.ApplyOutcome(ctx, finished.ID, files[0].ID, models.Failure("InvalidInput", "InvalidInput: bad"))
	require.NoError(t, err)

	running, runningFiles := testutils.NewJob(1)
	require.NoError(t, fx.repo.CreateJob(ctx, running, runningFiles))

	jobDir := JobDir(fx.dir, finished.ID)
	require.NoError(t, os.MkdirAll(filepath.Join(jobDir, "input"), 0o755))

	archivePath := filepath.Join(ArchiveDir(fx.dir), finished.ID+".zip")
	require.NoError(t, os.WriteFile(archivePath, []byte("zip"), 0o644))

	n, err := fx.orch.Cleanup(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	fx.orch.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }

	n, err = fx.orch.Cleanup(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = fx.repo.GetJob(ctx, finished.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = fx.repo.GetJob(ctx, running.ID)
	assert.NoError(t, err)

	assert.NoDirExists(t, jobDir)
	assert.NoFileExists(t, archivePath)
}

type undeletableRepo struct {
	models.JobRepository
}

func (undeletableRepo) DeleteJob(context.Context, string) error {
	return errors.New("disk I/O error")
}

func TestCleanupCollectsErrors(t *testing.T) {
	mem, err := memory.New()
	require.NoError(t, err)

	ctx := context.Background()
	repo := undeletableRepo{JobRepository: mem}

	for range 2 {
		job, files := testutils.NewJob(1)
		require.NoError(t, repo.CreateJob(ctx, job, files))

		_, err := repo.ApplyOutcome(ctx, job.ID, files[0].ID, models.Failure("InvalidInput", "InvalidInput: bad"))
		require.NoError(t, err)
	}

	o := New(Config{StorageDir: t.TempDir()}, repo, nil, nil)
	o.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }

	n, err := o.Cleanup(ctx, time.Hour)
	require.Error(t, err)
	assert.Zero(t, n)
	assert.Len(t, multierr.Errors(err), 2)
	assert.Contains(t, err.Error(), "disk I/O error")
}

func TestConfigDefaults(t *testing.T) {
	fx := newFixture(t, Config{TargetFormat: ".PDF"})

	cfg := fx.orch.Config()
	assert.Equal(t, "pdf", cfg.TargetFormat)
	assert.Equal(t, int64(DefaultMaxUploadSize), cfg.MaxUploadSize)
	assert.Equal(t, DefaultMaxFilesPerJob, cfg.MaxFilesPerJob)
	assert.Equal(t, int64(DefaultMaxFileSize), cfg.MaxFileSize)
	assert.Equal(t, []string{".docx"}, cfg.AllowedExtensions)
}

func TestSafeFilename(t *testing.T) {
	tests := map[string]string{
		"batch.zip":            "batch.zip",
		"../../etc/passwd":     "passwd",
		`C:\Users\me\jobs.zip`: "jobs.zip",
		"quarterly report.zip": "quarterly_report.zip",
		"":                     "upload.zip",
		"..":                   "upload.zip",
	}

	for in, want := range tests {
		assert.Equal(t, want, SafeFilename(in), in)
	}
}
