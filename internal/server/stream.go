package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sells-group/crm-notes/internal/model"
)

// EventSnapshot is the first message on every live feed.
const EventSnapshot model.EventType = "snapshot"

type snapshotEvent struct {
	Type model.EventType   `json:"type"`
	Job  model.JobSnapshot `json:"job"`
}

const wsWriteTimeout = 10 * time.Second

// handleEvents streams job events as server-sent events. Each message is a
// single data line holding the JSON event.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "streaming unsupported"})
		return
	}

	ctx := r.Context()
	events, err := s.svc.Jobs.Subscribe(ctx, jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	snap, err := s.svc.Jobs.Snapshot(jobID)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, snapshotEvent{Type: EventSnapshot, Job: snap}); err != nil {
		return
	}
	flusher.Flush()

	for ev := range events {
		if err := writeSSE(w, ev); err != nil {
			zap.L().Debug("server: event stream closed", zap.String("job_id", jobID), zap.Error(err))
			return
		}
		flusher.Flush()
	}
}

func writeSSE(w http.ResponseWriter, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// handleWebsocket carries the same feed as handleEvents over a websocket.
// Incoming messages are discarded; reading only detects disconnects.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, err := s.svc.Jobs.Subscribe(ctx, jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	snap, err := s.svc.Jobs.Snapshot(jobID)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		zap.L().Warn("server: websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close() //nolint:errcheck

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := writeWS(conn, snapshotEvent{Type: EventSnapshot, Job: snap}); err != nil {
		return
	}
	for ev := range events {
		if err := writeWS(conn, ev); err != nil {
			zap.L().Debug("server: websocket closed", zap.String("job_id", jobID), zap.Error(err))
			return
		}
	}
}

func writeWS(conn *websocket.Conn, v any) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(v)
}
