package transport

import (
	"container/list"
	"sync"
)

// replayQueue keeps the most recent messages of each session so reconnecting
// clients can catch up from their Last-Event-ID. Each session has its own
// bounded list so a busy classroom cannot evict another one's history.
type replayQueue struct {
	mu      sync.RWMutex
	queues  map[string]*list.List
	maxSize int
}

func newReplayQueue(maxSize int) *replayQueue {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &replayQueue{
		queues:  make(map[string]*list.List),
		maxSize: maxSize,
	}
}

func (q *replayQueue) enqueue(msg Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.queues[msg.SessionID]
	if !ok {
		l = list.New()
		q.queues[msg.SessionID] = l
	}
	l.PushBack(msg)
	for l.Len() > q.maxSize {
		l.Remove(l.Front())
	}
}

// after returns the session's queued messages with an id above afterID.
func (q *replayQueue) after(sessionID string, afterID int64) []Message {
	q.mu.RLock()
	defer q.mu.RUnlock()

	l, ok := q.queues[sessionID]
	if !ok {
		return nil
	}
	var missed []Message
	for e := l.Front(); e != nil; e = e.Next() {
		if msg := e.Value.(Message); msg.ID > afterID {
			missed = append(missed, msg)
		}
	}
	return missed
}

func (q *replayQueue) prune(sessionID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queues, sessionID)
}
