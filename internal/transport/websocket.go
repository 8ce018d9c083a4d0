package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// Inbound frame types.
const (
	FrameUserMessage = "user_message"
	FramePing        = "ping"
)

// Frame is a message sent by a websocket client.
type Frame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// InboundHandler processes a user_message frame for a session.
type InboundHandler func(ctx context.Context, sessionID, content string) error

const writeTimeout = 10 * time.Second

// ServeWS upgrades the request and runs a bidirectional session stream:
// events go out as JSON Message frames, user_message frames come in and are
// passed to onMessage.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, sessionID string, onMessage InboundHandler) {
	logger := h.logger.With("session_id", sessionID, "kind", KindWebSocket)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.cfg.AllowedOrigins,
	})
	if err != nil {
		logger.Error("[STREAM] Failed to accept websocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			logger.Debug("[STREAM] Failed to close websocket", "error", closeErr)
		}
	}()

	c := h.register(sessionID, KindWebSocket)
	defer h.unregister(c)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer cancel()
		h.readLoop(ctx, ws, sessionID, onMessage)
	}()

	// fresh clients load history over HTTP; only reconnects replay
	sent := lastEventID(r)
	if sent > 0 {
		for _, msg := range h.queue.after(sessionID, sent) {
			if err := writeJSON(ctx, ws, msg); err != nil {
				return
			}
			sent = msg.ID
		}
	}

	keepalive := time.NewTicker(h.cfg.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case msg := <-c.send:
			if msg.ID <= sent {
				continue
			}
			if err := writeJSON(ctx, ws, msg); err != nil {
				logger.Debug("[STREAM] Write failed", "error", err)
				return
			}
			sent = msg.ID
		case <-keepalive.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, writeTimeout)
			err := ws.Ping(pingCtx)
			pingCancel()
			if err != nil {
				logger.Debug("[STREAM] Ping failed", "error", err)
				return
			}
		}
	}
}

func (h *Hub) readLoop(ctx context.Context, ws *websocket.Conn, sessionID string, onMessage InboundHandler) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				h.logger.Warn("[STREAM] Websocket read error", "error", err, "session_id", sessionID)
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			_ = writeJSON(ctx, ws, errorFrame("invalid frame"))
			continue
		}

		switch frame.Type {
		case FrameUserMessage:
			if onMessage == nil {
				continue
			}
			if err := onMessage(ctx, sessionID, frame.Content); err != nil {
				h.logger.Warn("[STREAM] Inbound message rejected", "error", err, "session_id", sessionID)
				_ = writeJSON(ctx, ws, errorFrame(err.Error()))
			}
		case FramePing:
			_ = writeJSON(ctx, ws, map[string]string{"type": "pong"})
		default:
			_ = writeJSON(ctx, ws, errorFrame("unknown frame type"))
		}
	}
}

func errorFrame(msg string) map[string]any {
	return map[string]any{"type": "error", "data": map[string]string{"error": msg}}
}

func writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}
