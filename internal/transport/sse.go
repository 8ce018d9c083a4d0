package transport

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// lastEventID reads the replay position from the Last-Event-ID header or the
// lastEventId query parameter.
func lastEventID(r *http.Request) int64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("lastEventId")
	}
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}

// ServeSSE streams the session's events until the client disconnects or the
// hub closes. Missed events after Last-Event-ID are replayed first.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request, sessionID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return
	}
	resumeFrom := lastEventID(r)
	logger := h.logger.With("session_id", sessionID, "kind", KindSSE)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	if _, err := fmt.Fprintf(w, "retry: %d\n\n", h.cfg.RetryDelay.Milliseconds()); err != nil {
		logger.Warn("[STREAM] Failed to write retry header", "error", err)
		return
	}
	flusher.Flush()

	c := h.register(sessionID, KindSSE)
	defer h.unregister(c)

	sent := resumeFrom
	if resumeFrom > 0 {
		missed := h.queue.after(sessionID, resumeFrom)
		logger.Info("[STREAM] Replaying missed events", "last_event_id", resumeFrom, "count", len(missed))
		for _, msg := range missed {
			if err := writeMessage(w, msg); err != nil {
				logger.Warn("[STREAM] Replay write failed", "error", err)
				return
			}
			sent = msg.ID
		}
	}

	connected, _ := json.Marshal(map[string]any{
		"status":        "connected",
		"session_id":    sessionID,
		"last_event_id": sent,
	})
	if err := writeEvent(w, "connected", string(connected)); err != nil {
		logger.Warn("[STREAM] Failed to write connected event", "error", err)
		return
	}
	flusher.Flush()

	keepalive := time.NewTicker(h.cfg.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-c.done:
			return
		case msg := <-c.send:
			if msg.ID <= sent {
				continue // already replayed
			}
			if err := writeMessage(w, msg); err != nil {
				logger.Warn("[STREAM] Write failed", "error", err, "event_id", msg.ID)
				return
			}
			sent = msg.ID
			flusher.Flush()
		case <-keepalive.C:
			if err := writeEvent(w, "ping", `{"status":"alive"}`); err != nil {
				logger.Debug("[STREAM] Keepalive failed", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeMessage(w io.Writer, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", msg.ID, msg.Type, data)
	return err
}

func writeEvent(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
