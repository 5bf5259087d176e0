// Package stream implements the server side of the resumable push stream:
// per-client frame history, SSE and WebSocket handlers.
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/juju/loggo"

	"github.com/zot/livequery/internal/protocol"
)

var logger = loggo.GetLogger("livequery.stream")

// DefaultHistory is the number of frames kept for replay.
const DefaultHistory = 256

// ClientQueue holds the recent frames of one client. Frame ids increase
// monotonically for the life of the queue, across reconnects.
type ClientQueue struct {
	clientID string
	capacity int
	frames   []protocol.Frame
	lastID   int64
	waiters  []chan struct{}
	mu       sync.Mutex
}

// NewClientQueue creates a queue keeping up to capacity frames.
func NewClientQueue(clientID string, capacity int) *ClientQueue {
	if capacity <= 0 {
		capacity = DefaultHistory
	}
	return &ClientQueue{
		clientID: clientID,
		capacity: capacity,
		frames:   make([]protocol.Frame, 0, capacity),
	}
}

// Enqueue assigns the next id to a frame for channel and wakes waiters.
func (q *ClientQueue) Enqueue(channel string, deltas []protocol.Delta) (protocol.Frame, error) {
	frame, err := protocol.NewFrame(channel, deltas)
	if err != nil {
		return protocol.Frame{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.lastID++
	frame.ID = q.lastID
	q.frames = append(q.frames, frame)
	if over := len(q.frames) - q.capacity; over > 0 {
		q.frames = append(q.frames[:0:0], q.frames[over:]...)
	}

	for _, ch := range q.waiters {
		select {
		case ch <- struct{}{}:
		default:
			// Waiter already notified
		}
	}
	return frame, nil
}

// Since returns buffered frames with id greater than lastID. complete is
// false when frames after lastID have already left the history.
func (q *ClientQueue) Since(lastID int64) (frames []protocol.Frame, complete bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sinceLocked(lastID)
}

func (q *ClientQueue) sinceLocked(lastID int64) ([]protocol.Frame, bool) {
	if lastID >= q.lastID {
		return nil, true
	}
	complete := true
	if len(q.frames) > 0 && q.frames[0].ID > lastID+1 {
		complete = false
	}
	for i, f := range q.frames {
		if f.ID > lastID {
			return append([]protocol.Frame(nil), q.frames[i:]...), complete
		}
	}
	return nil, complete
}

// Poll returns frames after lastID, waiting up to wait for one to arrive.
// It returns nil on timeout or when ctx is done.
func (q *ClientQueue) Poll(ctx context.Context, lastID int64, wait time.Duration) []protocol.Frame {
	ch := make(chan struct{}, 1)
	q.mu.Lock()
	if frames, _ := q.sinceLocked(lastID); len(frames) > 0 {
		q.mu.Unlock()
		return frames
	}
	q.waiters = append(q.waiters, ch)
	q.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
	case <-ctx.Done():
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for i, w := range q.waiters {
		if w == ch {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			break
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	frames, _ := q.sinceLocked(lastID)
	return frames
}

// Resume maps a client's Last-Event-ID onto this queue. An id this queue
// never issued (the server restarted) resumes from the start of history.
func (q *ClientQueue) Resume(lastEventID int64) int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	if lastEventID > q.lastID || lastEventID < 0 {
		return 0
	}
	return lastEventID
}

// LastID returns the id of the newest frame.
func (q *ClientQueue) LastID() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastID
}

// Len returns the number of buffered frames.
func (q *ClientQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}
