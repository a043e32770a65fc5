package tasks

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Vector/docbatch/aggregator"
	"github.com/Vector/docbatch/converter"
	"github.com/Vector/docbatch/filetask"
	"github.com/Vector/docbatch/internal/testutils"
	"github.com/Vector/docbatch/memory"
	"github.com/Vector/docbatch/models"
)

type runnerFunc func(ctx context.Context, p filetask.Payload) error

func (f runnerFunc) Run(ctx context.Context, p filetask.Payload) error {
	return f(ctx, p)
}

func TestNewHandler(t *testing.T) {
	t.Run("default configuration", func(t *testing.T) {
		h := NewHandler(nil)
		assert.Equal(t, 15*time.Minute, h.taskTimeout)
		assert.NotNil(t, h.logger)
	})

	t.Run("custom configuration", func(t *testing.T) {
		h := NewHandler(nil, WithTaskTimeout(time.Minute))
		assert.Equal(t, time.Minute, h.taskTimeout)
	})
}

func TestNewConvertTask(t *testing.T) {
	task, err := NewConvertTask(filetask.Payload{JobID: "j", FileID: "f"})
	require.NoError(t, err)
	assert.Equal(t, TypeConvertFile, task.Type())
	assert.JSONEq(t, `{"job_id":"j","file_id":"f"}`, string(task.Payload()))

	_, err = NewConvertTask(filetask.Payload{JobID: "j"})
	assert.Error(t, err)
}

func TestProcessTask(t *testing.T) {
	t.Run("unknown task type", func(t *testing.T) {
		h := NewHandler(nil)
		err := h.ProcessTask(context.Background(), asynq.NewTask("unknown_type", nil))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown task type")
		assert.ErrorIs(t, err, asynq.SkipRetry)
	})

	t.Run("health check", func(t *testing.T) {
		h := NewHandler(nil)
		assert.NoError(t, h.ProcessTask(context.Background(), asynq.NewTask(TypeHealthCheck, nil)))
	})

	t.Run("delegates to runner", func(t *testing.T) {
		var got filetask.Payload

		h := NewHandler(runnerFunc(func(_ context.Context, p filetask.Payload) error {
			got = p

			return nil
		}))

		task, err := NewConvertTask(filetask.Payload{JobID: "j", FileID: "f"})
		require.NoError(t, err)
		require.NoError(t, h.ProcessTask(context.Background(), task))
		assert.Equal(t, filetask.Payload{JobID: "j", FileID: "f"}, got)
	})

	t.Run("runner error is retried", func(t *testing.T) {
		h := NewHandler(runnerFunc(func(context.Context, filetask.Payload) error {
			return errors.New("store unavailable")
		}))

		task, err := NewConvertTask(filetask.Payload{JobID: "j", FileID: "f"})
		require.NoError(t, err)

		err = h.ProcessTask(context.Background(), task)
		require.Error(t, err)
		assert.NotErrorIs(t, err, asynq.SkipRetry)
	})

	t.Run("context timeout", func(t *testing.T) {
		h := NewHandler(runnerFunc(func(ctx context.Context, _ filetask.Payload) error {
			<-ctx.Done()

			return ctx.Err()
		}), WithTaskTimeout(10*time.Millisecond))

		task, err := NewConvertTask(filetask.Payload{JobID: "j", FileID: "f"})
		require.NoError(t, err)

		err = h.ProcessTask(context.Background(), task)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestTaskValidation(t *testing.T) {
	h := NewHandler(runnerFunc(func(context.Context, filetask.Payload) error {
		t.Fatal("runner must not be called")

		return nil
	}))

	for name, payload := range map[string][]byte{
		"invalid json":    []byte(`{invalid json}`),
		"empty payload":   nil,
		"missing file id": []byte(`{"job_id":"j"}`),
	} {
		t.Run(name, func(t *testing.T) {
			err := h.ProcessTask(context.Background(), asynq.NewTask(TypeConvertFile, payload))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "failed to unmarshal convert payload")
			assert.ErrorIs(t, err, asynq.SkipRetry)
		})
	}
}

func TestProcessConvertTaskEndToEnd(t *testing.T) {
	engine := testutils.NewFakeEngine(t)
	storage := t.TempDir()
	ctx := context.Background()

	repo, err := memory.New()
	require.NoError(t, err)

	job, files := testutils.NewJob(1)
	files[0].InputPath = filepath.Join(storage, job.ID, "input", files[0].ID+".docx")
	require.NoError(t, os.MkdirAll(filepath.Dir(files[0].InputPath), 0o755))
	require.NoError(t, os.WriteFile(files[0].InputPath, testutils.Document("ok"), 0o644))
	require.NoError(t, repo.CreateJob(ctx, job, files))

	exec := converter.NewLibreOffice(converter.WithBinary(engine.Binary), converter.WithWorkDir(t.TempDir()))
	ft := filetask.New(filetask.DefaultConfig(), repo, aggregator.New(repo), exec, storage, nil)
	h := NewHandler(ft)

	task, err := NewConvertTask(filetask.Payload{JobID: job.ID, FileID: files[0].ID})
	require.NoError(t, err)

	require.NoError(t, h.ProcessTask(ctx, task))
	require.NoError(t, h.ProcessTask(ctx, task))

	got, err := repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Len(t, engine.Calls(), 1)

	f, err := repo.GetFile(ctx, job.ID, files[0].ID)
	require.NoError(t, err)
	assert.Equal(t, filetask.OutputPath(storage, job.ID, files[0].ID, "pdf"), f.OutputPath)
}
