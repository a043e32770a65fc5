package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Vector/docbatch/filetask"
	"github.com/Vector/docbatch/redis/tasks"
	"github.com/Vector/docbatch/testcontainers"
)

type recordingRunner struct {
	mu   sync.Mutex
	seen map[string]int
	done chan filetask.Payload
}

func newRecordingRunner() *recordingRunner {
	return &recordingRunner{seen: make(map[string]int), done: make(chan filetask.Payload, 16)}
}

func (r *recordingRunner) Run(_ context.Context, p filetask.Payload) error {
	r.mu.Lock()
	r.seen[p.FileID]++
	r.mu.Unlock()

	r.done <- p

	return nil
}

func TestServer(t *testing.T) {
	tc := testcontainers.New(t, testcontainers.WithRedis())

	t.Run("processes enqueued files", func(t *testing.T) {
		cfg := testConfig(tc, "server_process")

		server, err := NewServer(cfg, nil)
		require.NoError(t, err)

		runner := newRecordingRunner()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		require.NoError(t, server.Start(ctx, tasks.NewHandler(runner).Mux()))

		defer func() { _ = server.Shutdown(context.Background()) }()

		client, err := NewClient(tc.Context(), cfg, nil)
		require.NoError(t, err)

		defer client.Close()

		want := map[string]bool{"f1": true, "f2": true, "f3": true}
		for id := range want {
			require.NoError(t, client.Enqueue(ctx, filetask.Payload{JobID: "job", FileID: id}))
		}

		for range want {
			select {
			case p := <-runner.done:
				assert.True(t, want[p.FileID], p.FileID)
				assert.Equal(t, "job", p.JobID)
			case <-time.After(15 * time.Second):
				t.Fatal("timed out waiting for tasks")
			}
		}

		runner.mu.Lock()
		defer runner.mu.Unlock()

		for id := range want {
			assert.Equal(t, 1, runner.seen[id])
		}

		assert.True(t, server.IsHealthy(ctx))
	})
}

func TestRetryDelay(t *testing.T) {
	fn := retryDelay(5 * time.Second)

	assert.Equal(t, time.Second, fn(0, nil, nil))
	assert.Equal(t, 2*time.Second, fn(1, nil, nil))
	assert.Equal(t, 4*time.Second, fn(2, nil, nil))
	assert.Equal(t, 5*time.Second, fn(3, nil, nil))
	assert.Equal(t, 5*time.Second, fn(64, nil, nil))
}

func TestLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)

	l := NewLogger(zap.New(core))
	l.Debug("a", 1)
	l.Info("b")
	l.Warn("c")
	l.Error("d")
	l.Fatal("e")

	entries := logs.All()
	require.Len(t, entries, 5)
	assert.Equal(t, "a1", entries[0].Message)
	assert.Equal(t, "asynq", entries[0].LoggerName)
	assert.Equal(t, zapcore.ErrorLevel, entries[4].Level)
}
