package testutils

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Vector/docbatch/models"
)

// NewJob returns a PENDING job with n PENDING files.
func NewJob(n int) (*models.Job, []models.File) {
	now := time.Now().UTC().Truncate(time.Millisecond)

	job := &models.Job{
		ID:           uuid.NewString(),
		Status:       models.JobStatusPending,
		SourceName:   "upload.zip",
		TargetFormat: "pdf",
		FileCount:    n,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	files := make([]models.File, n)

	for i := range files {
		id := uuid.NewString()
		files[i] = models.File{
			ID:        id,
			JobID:     job.ID,
			Filename:  fmt.Sprintf("docs/file-%02d.docx", i),
			InputPath: fmt.Sprintf("/storage/%s/input/%s.docx", job.ID, id),
			Status:    models.FileStatusPending,
			SizeBytes: int64(100 + i),
			CreatedAt: now,
			UpdatedAt: now,
		}
	}

	return job, files
}

// RepositoryFactory returns an empty repository for one subtest.
type RepositoryFactory func(t *testing.T) models.JobRepository

// RunRepositoryContract exercises the behavior every JobRepository must share.
func RunRepositoryContract(t *testing.T, newRepo RepositoryFactory) {
	t.Helper()

	ctx := context.Background()

	t.Run("create and read back", func(t *testing.T) {
		repo := newRepo(t)
		job, files := NewJob(3)

		require.NoError(t, repo.CreateJob(ctx, job, files))

		got, err := repo.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, job.ID, got.ID)
		assert.Equal(t, models.JobStatusPending, got.Status)
		assert.Equal(t, 3, got.FileCount)
		assert.Equal(t, "pdf", got.TargetFormat)
		assert.Equal(t, "upload.zip", got.SourceName)
		assert.Nil(t, got.CompletedAt)

		list, err := repo.ListFiles(ctx, job.ID)
		require.NoError(t, err)
		require.Len(t, list, 3)

		for i := range files {
			assert.Equal(t, files[i].ID, list[i].ID)
			assert.Equal(t, files[i].Filename, list[i].Filename)
			assert.Equal(t, files[i].InputPath, list[i].InputPath)
			assert.Equal(t, files[i].SizeBytes, list[i].SizeBytes)
			assert.Equal(t, models.FileStatusPending, list[i].Status)
		}

		f, err := repo.GetFile(ctx, job.ID, files[1].ID)
		require.NoError(t, err)
		assert.Equal(t, files[1].Filename, f.Filename)

		assert.ErrorIs(t, repo.CreateJob(ctx, job, files), models.ErrAlreadyExists)
	})

	t.Run("unknown ids", func(t *testing.T) {
		repo := newRepo(t)

		_, err := repo.GetJob(ctx, uuid.NewString())
		assert.ErrorIs(t, err, models.ErrNotFound)

		_, err = repo.GetFile(ctx, uuid.NewString(), uuid.NewString())
		assert.ErrorIs(t, err, models.ErrNotFound)

		_, err = repo.ApplyOutcome(ctx, uuid.NewString(), uuid.NewString(), models.Success("/x.pdf"))
		assert.ErrorIs(t, err, models.ErrNotFound)

		assert.ErrorIs(t, repo.DeleteJob(ctx, uuid.NewString()), models.ErrNotFound)
	})

	t.Run("claim is a compare and swap", func(t *testing.T) {
		repo := newRepo(t)
		job, files := NewJob(2)
		require.NoError(t, repo.CreateJob(ctx, job, files))

		ok, err := repo.ClaimFile(ctx, job.ID, files[0].ID, 0)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = repo.ClaimFile(ctx, job.ID, files[0].ID, 0)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := repo.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusProcessing, got.Status)

		f, err := repo.GetFile(ctx, job.ID, files[0].ID)
		require.NoError(t, err)
		assert.Equal(t, models.FileStatusProcessing, f.Status)
		assert.Equal(t, 1, f.Attempts)

		n, err := repo.RecordAttempt(ctx, job.ID, files[0].ID)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("stale claim is taken over", func(t *testing.T) {
		repo := newRepo(t)
		job, files := NewJob(1)
		require.NoError(t, repo.CreateJob(ctx, job, files))

		ok, err := repo.ClaimFile(ctx, job.ID, files[0].ID, time.Hour)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = repo.ClaimFile(ctx, job.ID, files[0].ID, time.Hour)
		require.NoError(t, err)
		assert.False(t, ok, "claim is still fresh")

		time.Sleep(20 * time.Millisecond)

		ok, err = repo.ClaimFile(ctx, job.ID, files[0].ID, 0)
		require.NoError(t, err)
		assert.False(t, ok, "zero lease never expires")

		ok, err = repo.ClaimFile(ctx, job.ID, files[0].ID, 10*time.Millisecond)
		require.NoError(t, err)
		assert.True(t, ok)

		f, err := repo.GetFile(ctx, job.ID, files[0].ID)
		require.NoError(t, err)
		assert.Equal(t, models.FileStatusProcessing, f.Status)
		assert.Equal(t, 2, f.Attempts)

		_, err = repo.ApplyOutcome(ctx, job.ID, files[0].ID, models.Success("/out/0.pdf"))
		require.NoError(t, err)

		time.Sleep(20 * time.Millisecond)

		ok, err = repo.ClaimFile(ctx, job.ID, files[0].ID, 10*time.Millisecond)
		require.NoError(t, err)
		assert.False(t, ok, "terminal files are never reclaimed")
	})

	t.Run("outcomes drive the job to its terminal status once", func(t *testing.T) {
		repo := newRepo(t)
		job, files := NewJob(3)
		require.NoError(t, repo.CreateJob(ctx, job, files))

		for _, f := range files {
			ok, err := repo.ClaimFile(ctx, job.ID, f.ID, 0)
			require.NoError(t, err)
			require.True(t, ok)
		}

		got, err := repo.ApplyOutcome(ctx, job.ID, files[0].ID, models.Success("/out/0.pdf"))
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusProcessing, got.Status)
		assert.Equal(t, 1, got.CompletedCount)

		got, err = repo.ApplyOutcome(ctx, job.ID, files[1].ID, models.Failure("InvalidInput", "InvalidInput: broken"))
		require.NoError(t, err)
		assert.Equal(t, 1, got.FailedCount)

		_, err = repo.ApplyOutcome(ctx, job.ID, files[1].ID, models.Success("/out/1.pdf"))
		assert.ErrorIs(t, err, models.ErrAlreadyTerminal)

		got, err = repo.ApplyOutcome(ctx, job.ID, files[2].ID, models.Success("/out/2.pdf"))
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusPartiallyCompleted, got.Status)
		require.NotNil(t, got.CompletedAt)

		stored, err := repo.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusPartiallyCompleted, stored.Status)
		assert.Equal(t, 2, stored.CompletedCount)
		assert.Equal(t, 1, stored.FailedCount)
		assert.NoError(t, stored.Validate())

		failed, err := repo.GetFile(ctx, job.ID, files[1].ID)
		require.NoError(t, err)
		assert.Equal(t, models.FileStatusFailed, failed.Status)
		assert.Equal(t, "InvalidInput", failed.ErrorKind)
		assert.Equal(t, "InvalidInput: broken", failed.ErrorMessage)
		assert.Empty(t, failed.OutputPath)
		assert.NotNil(t, failed.CompletedAt)
		assert.NoError(t, failed.Validate())

		done, err := repo.GetFile(ctx, job.ID, files[0].ID)
		require.NoError(t, err)
		assert.Equal(t, "/out/0.pdf", done.OutputPath)
		assert.NoError(t, done.Validate())
	})

	t.Run("failure of a never claimed file", func(t *testing.T) {
		repo := newRepo(t)
		job, files := NewJob(1)
		require.NoError(t, repo.CreateJob(ctx, job, files))

		got, err := repo.ApplyOutcome(ctx, job.ID, files[0].ID, models.Failure("QueueUnavailable", "QueueUnavailable: redis down"))
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusFailed, got.Status)

		ok, err := repo.ClaimFile(ctx, job.ID, files[0].ID, 0)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("concurrent reports are counted exactly once", func(t *testing.T) {
		repo := newRepo(t)

		const n = 24

		job, files := NewJob(n)
		require.NoError(t, repo.CreateJob(ctx, job, files))

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			terminals int
			errs      []error
		)

		for i, f := range files {
			wg.Add(1)

			go func(i int, f models.File) {
				defer wg.Done()

				if _, err := repo.ClaimFile(ctx, job.ID, f.ID, 0); err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()

					return
				}

				outcome := models.Success(fmt.Sprintf("/out/%d.pdf", i))
				if i%4 == 0 {
					outcome = models.Failure("EngineFault", "EngineFault: crashed")
				}

				got, err := repo.ApplyOutcome(ctx, job.ID, f.ID, outcome)

				mu.Lock()
				defer mu.Unlock()

				if err != nil {
					errs = append(errs, err)

					return
				}

				if got.Status.IsTerminal() {
					terminals++
				}
			}(i, f)
		}

		wg.Wait()

		require.Empty(t, errs)
		assert.Equal(t, 1, terminals)

		got, err := repo.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, n/4, got.FailedCount)
		assert.Equal(t, n-n/4, got.CompletedCount)
		assert.Equal(t, models.JobStatusPartiallyCompleted, got.Status)
	})

	t.Run("archive path and listing", func(t *testing.T) {
		repo := newRepo(t)

		old, oldFiles := NewJob(1)
		old.CreatedAt = old.CreatedAt.Add(-48 * time.Hour)
		require.NoError(t, repo.CreateJob(ctx, old, oldFiles))

		_, err := repo.ApplyOutcome(ctx, old.ID, oldFiles[0].ID, models.Failure("QueueUnavailable", ""))
		require.NoError(t, err)

		fresh, freshFiles := NewJob(1)
		require.NoError(t, repo.CreateJob(ctx, fresh, freshFiles))

		require.NoError(t, repo.SetArchivePath(ctx, old.ID, "/storage/archives/old.zip"))

		got, err := repo.GetJob(ctx, old.ID)
		require.NoError(t, err)
		assert.Equal(t, "/storage/archives/old.zip", got.ArchivePath)

		all, err := repo.ListJobs(ctx, models.SelectParams{})
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, fresh.ID, all[0].ID)

		failed, err := repo.ListJobs(ctx, models.SelectParams{Status: models.JobStatusFailed})
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, old.ID, failed[0].ID)

		limited, err := repo.ListJobs(ctx, models.SelectParams{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)

		stale, err := repo.ListJobs(ctx, models.SelectParams{CreatedBefore: time.Now().Add(-24 * time.Hour)})
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, old.ID, stale[0].ID)

		require.NoError(t, repo.DeleteJob(ctx, old.ID))

		_, err = repo.GetJob(ctx, old.ID)
		assert.ErrorIs(t, err, models.ErrNotFound)

		_, err = repo.GetFile(ctx, old.ID, oldFiles[0].ID)
		assert.ErrorIs(t, err, models.ErrNotFound)

		assert.NoError(t, repo.Ping(ctx))
	})
}
