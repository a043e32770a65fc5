package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Vector/docbatch/orchestrator"
	"github.com/Vector/docbatch/progress"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	defaultPingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func snapshot(v orchestrator.JobView) progress.Event {
	at := v.CreatedAt
	if v.CompletedAt != nil {
		at = *v.CompletedAt
	}

	return progress.Event{
		JobID:     v.JobID,
		JobStatus: v.Status,
		Completed: v.CompletedCount,
		Failed:    v.FailedCount,
		Total:     v.FileCount,
		At:        at,
	}
}

// Events streams progress of one job over a websocket. The first message is
// a snapshot of the job and the connection closes after the terminal event.
// Each ping tick also reloads the job, so a terminal event dropped for a slow
// subscriber still ends the stream with a final snapshot.
func (h *APIHandlers) Events(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]
	log := h.Deps.Logger.With(zap.String("job_id", jobID))

	if _, err := h.Deps.Jobs.GetStatus(r.Context(), jobID); err != nil {
		renderError(w, h.Deps.Logger, err)

		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", zap.Error(err))

		return
	}

	defer conn.Close()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	events, err := h.Deps.Events.Subscribe(ctx, jobID)
	if err != nil {
		log.Error("failed to subscribe to progress", zap.Error(err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "progress unavailable"),
			time.Now().Add(writeWait))

		return
	}

	// read pump: handles pongs and notices a client going away
	go func() {
		defer cancel()

		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// the snapshot is taken after subscribing so no event falls in between
	view, err := h.Deps.Jobs.GetStatus(ctx, jobID)
	if err != nil {
		log.Error("failed to load job", zap.Error(err))

		return
	}

	first := snapshot(view)
	if !h.send(conn, first) || first.Terminal() {
		closeNormal(conn)

		return
	}

	ticker := time.NewTicker(h.Deps.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				closeNormal(conn)

				return
			}

			if !h.send(conn, ev) {
				return
			}

			if ev.Terminal() {
				closeNormal(conn)

				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}

			view, err := h.Deps.Jobs.GetStatus(ctx, jobID)
			if err != nil {
				log.Debug("failed to reload job", zap.Error(err))

				continue
			}

			if view.Status.IsTerminal() {
				if h.send(conn, snapshot(view)) {
					closeNormal(conn)
				}

				return
			}
		}
	}
}

func (h *APIHandlers) send(conn *websocket.Conn, ev progress.Event) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := conn.WriteJSON(ev); err != nil {
		h.Deps.Logger.Debug("websocket write failed", zap.String("job_id", ev.JobID), zap.Error(err))

		return false
	}

	return true
}

func closeNormal(conn *websocket.Conn) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"),
		time.Now().Add(writeWait))
}
