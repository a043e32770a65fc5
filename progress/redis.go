package progress

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const channelPrefix = "docbatch:progress:"

// RedisBroker fans events out through Redis pub/sub so API processes see
// the progress reported by workers running elsewhere.
type RedisBroker struct {
	client *redis.Client
	logger *zap.Logger
}

var _ Broker = (*RedisBroker)(nil)

func NewRedisBroker(client *redis.Client, logger *zap.Logger) *RedisBroker {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RedisBroker{client: client, logger: logger}
}

func channel(jobID string) string {
	return channelPrefix + jobID
}

func (b *RedisBroker) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	if err := b.client.Publish(ctx, channel(ev.JobID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish progress: %w", err)
	}

	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, jobID string) (<-chan Event, error) {
	ps := b.client.Subscribe(ctx, channel(jobID))

	// wait for the subscription to be confirmed so no event published after
	// Subscribe returns is missed
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()

		return nil, fmt.Errorf("failed to subscribe to progress: %w", err)
	}

	out := make(chan Event, subscriberBuffer)

	go func() {
		defer close(out)
		defer ps.Close()

		msgs := ps.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}

				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.logger.Warn("dropping malformed progress event", zap.String("job_id", jobID), zap.Error(err))

					continue
				}

				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
