package fanout

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/zot/livequery/internal/protocol"
)

// envelope is one channel's deltas as published on the broker.
type envelope struct {
	Channel string           `json:"channel"`
	Deltas  []protocol.Delta `json:"deltas"`
}

// fragment is one broker payload: part Index of Count of envelope ID.
// Data is base64 on the wire.
type fragment struct {
	ID    string `json:"id"`
	Index int    `json:"i"`
	Count int    `json:"n"`
	Data  []byte `json:"d"`
}

// maxNotifyPayload is PostgreSQL's NOTIFY payload limit (minus headroom).
const maxNotifyPayload = 7900

// fragmentSize is the envelope bytes per fragment. Base64 and the
// fragment header must still fit in maxNotifyPayload.
const fragmentSize = (maxNotifyPayload - 200) / 4 * 3

// Notifier publishes raw payloads on a broker topic. The payloads of one
// call must be delivered together and in order.
type Notifier interface {
	Notify(ctx context.Context, topic string, payloads [][]byte) error
}

// Broker publishes deltas on an external broker topic. Every server
// instance runs a Broker; the instance that hosts a client's stream
// delivers the message through its local Hub.
type Broker struct {
	notifier Notifier
	topic    string
	local    *Hub

	mu      sync.Mutex
	pending map[string][][]byte
}

// NewBroker creates a broker adapter delivering into local.
func NewBroker(notifier Notifier, topic string, local *Hub) *Broker {
	return &Broker{
		notifier: notifier,
		topic:    topic,
		local:    local,
		pending:  make(map[string][][]byte),
	}
}

// SendChannelMessage publishes deltas to all instances, split into
// fragments that fit the broker's payload limit.
func (b *Broker) SendChannelMessage(channel string, deltas []protocol.Delta) error {
	data, err := json.Marshal(envelope{Channel: channel, Deltas: deltas})
	if err != nil {
		return err
	}
	payloads, err := split(uuid.NewString(), data)
	if err != nil {
		return err
	}
	if err := b.notifier.Notify(context.Background(), b.topic, payloads); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

func split(id string, data []byte) ([][]byte, error) {
	count := (len(data) + fragmentSize - 1) / fragmentSize
	payloads := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		end := min((i+1)*fragmentSize, len(data))
		payload, err := json.Marshal(fragment{ID: id, Index: i, Count: count, Data: data[i*fragmentSize : end]})
		if err != nil {
			return nil, err
		}
		payloads = append(payloads, payload)
	}
	return payloads, nil
}

// AnyoneListensToChannel is always true: listeners on other instances are
// not visible from here.
func (b *Broker) AnyoneListensToChannel(string) bool {
	return true
}

// Deliver hands a payload received from the broker to the local hub once
// every fragment of its envelope has arrived.
func (b *Broker) Deliver(payload []byte) error {
	var frag fragment
	if err := json.Unmarshal(payload, &frag); err != nil {
		return fmt.Errorf("bad broker payload: %w", err)
	}
	if frag.Count < 1 || frag.Index < 0 || frag.Index >= frag.Count {
		return fmt.Errorf("bad broker fragment %d of %d", frag.Index, frag.Count)
	}
	data, ok := b.assemble(frag)
	if !ok {
		return nil
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("bad broker envelope: %w", err)
	}
	return b.local.SendChannelMessage(env.Channel, env.Deltas)
}

func (b *Broker) assemble(frag fragment) ([]byte, bool) {
	if frag.Count == 1 {
		return frag.Data, true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	parts, ok := b.pending[frag.ID]
	if !ok {
		parts = make([][]byte, frag.Count)
		b.pending[frag.ID] = parts
	}
	if len(parts) != frag.Count {
		return nil, false
	}
	parts[frag.Index] = frag.Data
	for _, part := range parts {
		if part == nil {
			return nil, false
		}
	}
	delete(b.pending, frag.ID)
	return bytes.Join(parts, nil), true
}

// Reset drops partly received envelopes, whose remaining fragments were
// lost with the broker connection.
func (b *Broker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n := len(b.pending); n > 0 {
		logger.Warningf("dropping %d incomplete broker messages", n)
	}
	clear(b.pending)
}

// PostgresNotifier publishes with pg_notify.
type PostgresNotifier struct {
	db *sql.DB
}

// NewPostgresNotifier wraps an open database.
func NewPostgresNotifier(db *sql.DB) *PostgresNotifier {
	return &PostgresNotifier{db: db}
}

// Notify sends payloads on topic in one transaction, so listeners receive
// them together and in order.
func (n *PostgresNotifier) Notify(ctx context.Context, topic string, payloads [][]byte) error {
	tx, err := n.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, payload := range payloads {
		if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", topic, string(payload)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// PostgresBroker is a Broker over PostgreSQL LISTEN/NOTIFY.
type PostgresBroker struct {
	*Broker
	db       *sql.DB
	listener *pq.Listener
	done     chan struct{}
}

// NewPostgresBroker connects, starts listening on topic and delivers
// notifications into local until Close.
func NewPostgresBroker(url, topic string, local *Hub) (*PostgresBroker, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL broker: %w", err)
	}

	listener := pq.NewListener(url, 100*time.Millisecond, 10*time.Second, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warningf("broker listener event %d: %v", ev, err)
		}
	})
	if err := listener.Listen(topic); err != nil {
		listener.Close()
		db.Close()
		return nil, err
	}

	b := &PostgresBroker{
		Broker:   NewBroker(NewPostgresNotifier(db), topic, local),
		db:       db,
		listener: listener,
		done:     make(chan struct{}),
	}
	go b.run()
	return b, nil
}

func (b *PostgresBroker) run() {
	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-b.done:
			return
		case n, ok := <-b.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// Reconnected: notifications in between are lost and
				// clients recover through resync.
				logger.Infof("broker listener reconnected")
				b.Reset()
				continue
			}
			if err := b.Deliver([]byte(n.Extra)); err != nil {
				logger.Warningf("%v", err)
			}
		case <-ping.C:
			go b.listener.Ping()
		}
	}
}

// Close stops listening and closes connections.
func (b *PostgresBroker) Close() error {
	close(b.done)
	err := b.listener.Close()
	if dbErr := b.db.Close(); err == nil {
		err = dbErr
	}
	return err
}
