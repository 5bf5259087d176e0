package stream

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/zot/livequery/internal/fanout"
	"github.com/zot/livequery/internal/metrics"
)

// Options tune the stream transport.
type Options struct {
	History       int
	Heartbeat     time.Duration
	ClientTimeout time.Duration
	Clock         clock.Clock
	Metrics       *metrics.Metrics
	// Log is the verbosity-levelled logger, see config.Config.Log.
	Log func(level int, format string, args ...interface{})
}

func (o Options) withDefaults() Options {
	if o.History <= 0 {
		o.History = DefaultHistory
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = 45 * time.Second
	}
	if o.ClientTimeout <= 0 {
		o.ClientTimeout = 10 * time.Minute
	}
	if o.Clock == nil {
		o.Clock = clock.WallClock
	}
	if o.Metrics == nil {
		o.Metrics = metrics.New()
	}
	if o.Log == nil {
		o.Log = func(int, string, ...interface{}) {}
	}
	return o
}

type client struct {
	queue      *ClientQueue
	unsub      func()
	conns      int
	lastActive time.Time
}

// ClientManager owns the client queues. A queue is created on a client's
// first connection, listens on the hub for all of that client's channels
// and outlives disconnects until it has been idle for ClientTimeout.
type ClientManager struct {
	hub     *fanout.Hub
	opts    Options
	clients map[string]*client
	mu      sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
}

// NewClientManager creates a client manager fed by hub.
func NewClientManager(hub *fanout.Hub, opts Options) *ClientManager {
	return &ClientManager{
		hub:     hub,
		opts:    opts.withDefaults(),
		clients: make(map[string]*client),
		done:    make(chan struct{}),
	}
}

// Close ends every open stream. http.Server.Shutdown does not cancel
// request contexts, so it must be called first for Shutdown to finish.
func (m *ClientManager) Close() {
	m.closeOnce.Do(func() { close(m.done) })
}

// streamContext returns a context that ends with parent or on Close.
func (m *ClientManager) streamContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-m.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Connect registers a connection for clientID. It returns the client's
// queue and the frame id after which the connection starts: lastEventID
// when resuming, otherwise the newest frame.
func (m *ClientManager) Connect(clientID string, lastEventID int64, resume bool) (*ClientQueue, int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.clients[clientID]
	if !ok {
		q := NewClientQueue(clientID, m.opts.History)
		c = &client{queue: q}
		c.unsub = m.hub.SubscribeClient(clientID, func(msg fanout.Message) {
			if _, err := q.Enqueue(msg.Channel, msg.Deltas); err != nil {
				logger.Errorf("enqueue %s: %v", msg.Channel, err)
			}
		})
		m.clients[clientID] = c
		m.opts.Log(1, "Stream client created: %s", clientID)
	}
	start := c.queue.LastID()
	if resume {
		start = c.queue.Resume(lastEventID)
		if _, complete := c.queue.Since(start); !complete {
			logger.Debugf("client %s resumed past history at %d", clientID, lastEventID)
		}
	}
	c.conns++
	c.lastActive = m.opts.Clock.Now()
	m.opts.Metrics.StreamClients.Inc()
	return c.queue, start
}

// Disconnect releases a connection. The queue stays for reconnects.
func (m *ClientManager) Disconnect(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.clients[clientID]; ok && c.conns > 0 {
		c.conns--
		c.lastActive = m.opts.Clock.Now()
		m.opts.Metrics.StreamClients.Dec()
	}
}

// Queue returns the queue of a known client.
func (m *ClientManager) Queue(clientID string) (*ClientQueue, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[clientID]
	if !ok {
		return nil, false
	}
	return c.queue, true
}

// Connected reports whether clientID has an open connection.
func (m *ClientManager) Connected(clientID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[clientID]
	return ok && c.conns > 0
}

// Clients lists known client ids.
func (m *ClientManager) Clients() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.clients))
	for id := range m.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CleanupInactive drops queues of clients without connections that have
// been idle longer than ClientTimeout. Returns the number dropped.
func (m *ClientManager) CleanupInactive() int {
	m.mu.Lock()
	var stale []*client
	now := m.opts.Clock.Now()
	for id, c := range m.clients {
		if c.conns == 0 && now.Sub(c.lastActive) > m.opts.ClientTimeout {
			stale = append(stale, c)
			delete(m.clients, id)
			m.opts.Log(1, "Stream client expired: %s", id)
		}
	}
	m.mu.Unlock()

	for _, c := range stale {
		c.unsub()
	}
	return len(stale)
}

// Heartbeat is the configured heartbeat interval.
func (m *ClientManager) Heartbeat() time.Duration {
	return m.opts.Heartbeat
}
