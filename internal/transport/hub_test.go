package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHub(t *testing.T) *Hub {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ReplaySize = 3
	h := NewHub(cfg, nil)
	t.Cleanup(h.Close)
	return h
}

type sseEvent struct {
	id    string
	event string
	data  string
}

// readEvents parses SSE frames from body until n non-retry events arrive.
func readEvents(t *testing.T, body *bufio.Reader, n int) []sseEvent {
	t.Helper()
	var events []sseEvent
	var cur sseEvent
	for len(events) < n {
		line, err := body.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if cur.event != "" {
				events = append(events, cur)
			}
			cur = sseEvent{}
		case strings.HasPrefix(line, "id: "):
			cur.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			cur.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		}
	}
	return events
}

func openSSE(t *testing.T, srv *httptest.Server, lastID string) (*bufio.Reader, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	if lastID != "" {
		req.Header.Set("Last-Event-ID", lastID)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	return bufio.NewReader(resp.Body), func() {
		cancel()
		_ = resp.Body.Close()
	}
}

func TestSSEDeliversBroadcasts(t *testing.T) {
	h := newHub(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeSSE(w, r, "s1")
	}))
	defer srv.Close()

	body, closeStream := openSSE(t, srv, "")
	first := readEvents(t, body, 1)
	assert.Equal(t, "connected", first[0].event)
	require.True(t, h.HasClients("s1"))
	assert.False(t, h.HasClients("s2"))

	h.Broadcast("s2", "new_message", map[string]string{"content": "elsewhere"})
	h.Broadcast("s1", "agent_status", map[string]string{"status": "typing"})

	got := readEvents(t, body, 1)
	assert.Equal(t, "agent_status", got[0].event)
	assert.Equal(t, "2", got[0].id)

	var msg Message
	require.NoError(t, json.Unmarshal([]byte(got[0].data), &msg))
	assert.Equal(t, "s1", msg.SessionID)
	assert.JSONEq(t, `{"status":"typing"}`, string(msg.Data))

	closeStream()
	require.Eventually(t, func() bool { return !h.HasClients("s1") }, 2*time.Second, 10*time.Millisecond)
}

func TestSSEReplaysAfterLastEventID(t *testing.T) {
	h := newHub(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeSSE(w, r, "s1")
	}))
	defer srv.Close()

	for i := range 5 {
		h.Broadcast("s1", "new_message", map[string]int{"n": i + 1})
	}

	body, closeStream := openSSE(t, srv, "3")
	defer closeStream()

	events := readEvents(t, body, 3)
	assert.Equal(t, "4", events[0].id)
	assert.Equal(t, "5", events[1].id)
	assert.Equal(t, "connected", events[2].event)
	assert.Contains(t, events[2].data, `"last_event_id":5`)
}

func TestReplayQueueIsBoundedPerSession(t *testing.T) {
	q := newReplayQueue(2)
	for i := int64(1); i <= 4; i++ {
		q.enqueue(Message{ID: i, SessionID: "a"})
	}
	q.enqueue(Message{ID: 5, SessionID: "b"})

	got := q.after("a", 0)
	require.Len(t, got, 2)
	assert.Equal(t, int64(3), got[0].ID)
	assert.Len(t, q.after("b", 0), 1)
	assert.Empty(t, q.after("a", 4))

	q.prune("a")
	assert.Empty(t, q.after("a", 0))
}

func TestLastEventIDParsing(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?lastEventId=7", nil)
	assert.Equal(t, int64(7), lastEventID(r))
	r.Header.Set("Last-Event-ID", "9")
	assert.Equal(t, int64(9), lastEventID(r))
	r.Header.Set("Last-Event-ID", "junk")
	assert.Zero(t, lastEventID(r))
}

func TestWebSocketRoundTrip(t *testing.T) {
	h := newHub(t)
	var mu sync.Mutex
	var received []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeWS(w, r, "s1", func(_ context.Context, sessionID, content string) error {
			if content == "" {
				return errors.New("message is required")
			}
			mu.Lock()
			defer mu.Unlock()
			received = append(received, sessionID+":"+content)
			return nil
		})
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer func() { _ = ws.Close(websocket.StatusNormalClosure, "") }()

	require.Eventually(t, func() bool { return h.HasClients("s1") }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, writeJSON(ctx, ws, Frame{Type: FrameUserMessage, Content: "x = 4?"}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "s1:x = 4?", received[0])

	require.NoError(t, writeJSON(ctx, ws, Frame{Type: FrameUserMessage}))
	_, data, err := ws.Read(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(data), "message is required")

	h.Broadcast("s1", "new_message", map[string]string{"content": "hello"})
	_, data, err = ws.Read(ctx)
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "new_message", msg.Type)
	assert.JSONEq(t, `{"content":"hello"}`, string(msg.Data))
}

func TestCloseDisconnectsClients(t *testing.T) {
	h := NewHub(DefaultConfig(), nil)
	c := h.register("s1", KindSSE)
	h.Close()

	select {
	case <-c.done:
	default:
		t.Fatal("client not closed")
	}
	h.Broadcast("s1", "new_message", "late") // must not block after Close
}
