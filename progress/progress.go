// Package progress carries job progress events from the aggregator to
// interested readers such as the websocket endpoint.
package progress

import (
	"context"
	"sync"
	"time"

	"github.com/Vector/docbatch/models"
)

// Event describes the state of a job right after one file was reported.
type Event struct {
	JobID      string            `json:"job_id"`
	FileID     string            `json:"file_id,omitempty"`
	Filename   string            `json:"filename,omitempty"`
	FileStatus models.FileStatus `json:"file_status,omitempty"`
	JobStatus  models.JobStatus  `json:"job_status"`
	Completed  int               `json:"completed_count"`
	Failed     int               `json:"failed_count"`
	Total      int               `json:"file_count"`
	At         time.Time         `json:"at"`
}

// Terminal reports whether the event is the last one of its job.
func (e Event) Terminal() bool {
	return e.JobStatus.IsTerminal()
}

// FromJob builds the event emitted after job changed because of file.
func FromJob(job models.Job, file models.File) Event {
	return Event{
		JobID:      job.ID,
		FileID:     file.ID,
		Filename:   file.Filename,
		FileStatus: file.Status,
		JobStatus:  job.Status,
		Completed:  job.CompletedCount,
		Failed:     job.FailedCount,
		Total:      job.FileCount,
		At:         job.UpdatedAt,
	}
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Subscriber streams the events of one job. The channel is closed once ctx
// is done.
type Subscriber interface {
	Subscribe(ctx context.Context, jobID string) (<-chan Event, error)
}

type Broker interface {
	Publisher
	Subscriber
}

const subscriberBuffer = 32

// Hub is an in-process Broker. Slow subscribers lose events rather than
// block publishers.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{}
}

var _ Broker = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan Event]struct{})}
}

func (h *Hub) Publish(_ context.Context, ev Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subs[ev.JobID] {
		select {
		case ch <- ev:
		default:
		}
	}

	return nil
}

func (h *Hub) Subscribe(ctx context.Context, jobID string) (<-chan Event, error) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()

	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[chan Event]struct{})
	}

	h.subs[jobID][ch] = struct{}{}

	h.mu.Unlock()

	go func() {
		<-ctx.Done()

		h.mu.Lock()
		defer h.mu.Unlock()

		delete(h.subs[jobID], ch)

		if len(h.subs[jobID]) == 0 {
			delete(h.subs, jobID)
		}

		close(ch)
	}()

	return ch, nil
}

// Subscribers returns the number of open subscriptions for jobID.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.subs[jobID])
}
