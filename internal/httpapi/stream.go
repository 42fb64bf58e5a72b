package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"sparing.org/internal/auth"
	"sparing.org/internal/telemetry"
)

const streamHeartbeat = 15 * time.Second

// Stream handles Server-Sent Events for newly persisted readings. Readings outside
// the caller's allow-list are dropped silently, as on every read path.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	if a.stream == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	principal, ok := principalFrom(r)
	if !ok {
		handleError(w, r, a.logger, auth.ErrUnauthenticated)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// The server write timeout would otherwise cut long-lived streams.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := a.stream.Subscribe(ctx)
	defer func() {
		a.logger.DebugContext(r.Context(), "stream closed",
			slog.String("user_id", principal.UserID),
			slog.Uint64("hub_dropped", a.stream.Dropped()))
	}()

	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case reading, open := <-ch:
			if !open {
				return
			}
			if !telemetry.Visible(principal, reading) {
				continue
			}
			payload, err := json.Marshal(reading)
			if err != nil {
				continue
			}
			_, _ = w.Write([]byte("id: " + reading.ID + "\ndata: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-heartbeat.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		}
	}
}
