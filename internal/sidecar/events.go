// ABOUTME: Server-Sent Events endpoint streaming a session's agent events.
// ABOUTME: One reader per session; frames are flushed as soon as they are written.

package sidecar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/2389/coven-sidecar/internal/metrics"
	"github.com/2389/coven-sidecar/internal/stream"
)

const defaultHeartbeat = 15 * time.Second

// sendJSONError writes a JSON error response.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, "{\"error\":%q}\n", message)
}

// handleStream handles GET /stream/{sessionId}. It blocks until the session
// closes or the client goes away.
func (s *Sidecar) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	sess, err := s.registry.Get(sessionID)
	if err != nil {
		sendJSONError(w, http.StatusNotFound, "session not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.logger.Error("streaming not supported")
		sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	reader, err := sess.Queue().Attach()
	switch {
	case errors.Is(err, stream.ErrReaderAttached):
		sendJSONError(w, http.StatusConflict, "stream already has a reader")
		return
	case err != nil:
		sendJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	defer reader.Close()

	metrics.StreamReaders.Inc()
	defer metrics.StreamReaders.Dec()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	logger := s.logger.With("session_id", sessionID)
	logger.Debug("stream reader attached")

	heartbeat := s.config.Stream.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}

	ctx := r.Context()
	for {
		waitCtx, cancel := context.WithTimeout(ctx, heartbeat)
		ev, err := reader.Next(waitCtx)
		cancel()

		switch {
		case err == nil:
			if err := writeSSEEvent(w, ev); err != nil {
				logger.Warn("writing stream event", "seq", ev.Seq, "error", err)
				return
			}
			flusher.Flush()
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		default:
			logger.Debug("stream reader detached", "reason", err)
			return
		}
	}
}

// writeSSEEvent writes one id/event/data frame.
func writeSSEEvent(w http.ResponseWriter, ev stream.Event) error {
	data, err := ev.Payload()
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", ev.Type, err)
	}
	// data must stay on one line
	var compact bytes.Buffer
	if err := json.Compact(&compact, data); err != nil {
		return fmt.Errorf("compacting %s payload: %w", ev.Type, err)
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, compact.Bytes())
	return err
}
