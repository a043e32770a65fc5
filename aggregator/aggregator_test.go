package aggregator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Vector/docbatch/internal/testutils"
	"github.com/Vector/docbatch/memory"
	"github.com/Vector/docbatch/models"
	"github.com/Vector/docbatch/progress"
	"github.com/Vector/docbatch/tlmt"
)

type recordingTelemetry struct {
	mu     sync.Mutex
	events []tlmt.Event
}

func (r *recordingTelemetry) Send(_ context.Context, ev tlmt.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, ev)

	return nil
}

func (r *recordingTelemetry) Close() error { return nil }

func setup(t *testing.T, n int) (*Aggregator, models.JobRepository, *models.Job, []models.File) {
	t.Helper()

	repo, err := memory.New()
	require.NoError(t, err)

	job, files := testutils.NewJob(n)
	require.NoError(t, repo.CreateJob(context.Background(), job, files))

	return New(repo), repo, job, files
}

func TestClaim(t *testing.T) {
	agg, _, job, files := setup(t, 1)
	ctx := context.Background()

	ok, err := agg.Claim(ctx, job.ID, files[0].ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = agg.Claim(ctx, job.ID, files[0].ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = agg.Claim(ctx, job.ID, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestReportDrivesJobToTerminal(t *testing.T) {
	ctx := context.Background()
	hub := progress.NewHub()
	tel := &recordingTelemetry{}

	repo, err := memory.New()
	require.NoError(t, err)

	job, files := testutils.NewJob(2)
	require.NoError(t, repo.CreateJob(ctx, job, files))

	agg := New(repo, WithPublisher(hub), WithTelemetry(tel))

	var hooked []models.Job

	agg.OnTerminal(func(_ context.Context, j models.Job) {
		hooked = append(hooked, j)
	})

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := hub.Subscribe(subCtx, job.ID)
	require.NoError(t, err)

	for _, f := range files {
		_, err := agg.Claim(ctx, job.ID, f.ID)
		require.NoError(t, err)
	}

	got, err := agg.Report(ctx, job.ID, files[0].ID, models.Success("/out/0.pdf"))
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, got.Status)
	assert.Empty(t, hooked)

	got, err = agg.Report(ctx, job.ID, files[1].ID, models.Failure("InvalidInput", "InvalidInput: corrupt"))
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPartiallyCompleted, got.Status)

	require.Len(t, hooked, 1)
	assert.Equal(t, job.ID, hooked[0].ID)

	require.Len(t, tel.events, 1)
	assert.Equal(t, tlmt.EventJobTerminal, tel.events[0].Name)
	assert.Equal(t, string(models.JobStatusPartiallyCompleted), tel.events[0].Properties["status"])

	first := <-events
	assert.Equal(t, files[0].ID, first.FileID)
	assert.Equal(t, files[0].Filename, first.Filename)
	assert.Equal(t, models.FileStatusCompleted, first.FileStatus)
	assert.False(t, first.Terminal())

	second := <-events
	assert.Equal(t, models.FileStatusFailed, second.FileStatus)
	assert.True(t, second.Terminal())
	assert.Equal(t, 1, second.Failed)
	assert.Equal(t, 2, second.Total)

	_, err = agg.Report(ctx, job.ID, files[1].ID, models.Success("/out/1.pdf"))
	assert.ErrorIs(t, err, models.ErrAlreadyTerminal)
	assert.Len(t, hooked, 1)
}

func TestConcurrentReportsFireTerminalOnce(t *testing.T) {
	const n = 50

	agg, repo, job, files := setup(t, n)
	ctx := context.Background()

	var hooks atomic.Int32

	agg.OnTerminal(func(context.Context, models.Job) {
		hooks.Add(1)
	})

	var wg sync.WaitGroup

	for i, f := range files {
		wg.Add(1)

		go func(i int, f models.File) {
			defer wg.Done()

			ok, err := agg.Claim(ctx, job.ID, f.ID)
			if !assert.NoError(t, err) || !assert.True(t, ok) {
				return
			}

			time.Sleep(time.Duration(i%5) * time.Millisecond)

			_, err = agg.Report(ctx, job.ID, f.ID, models.Success(fmt.Sprintf("/out/%d.pdf", i)))
			assert.NoError(t, err)
		}(i, f)
	}

	wg.Wait()

	assert.Equal(t, int32(1), hooks.Load())

	got, err := repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, n, got.CompletedCount)
	assert.Equal(t, 0, got.FailedCount)
}
