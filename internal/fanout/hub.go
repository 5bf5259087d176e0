// Package fanout routes deltas, addressed by subscription id, to whichever
// stream connections currently listen on that channel.
package fanout

import (
	"strings"
	"sync"

	"github.com/juju/loggo"
	"github.com/juju/pubsub/v2"

	"github.com/zot/livequery/internal/protocol"
)

var logger = loggo.GetLogger("livequery.fanout")

// Publisher is what the diff engine needs from fan-out.
type Publisher interface {
	// SendChannelMessage delivers deltas to current listeners of channel.
	// Messages for a channel nobody listens to are dropped.
	SendChannelMessage(channel string, deltas []protocol.Delta) error

	// AnyoneListensToChannel reports whether delivering to channel could
	// reach anyone.
	AnyoneListensToChannel(channel string) bool
}

// Message is what hub subscribers receive.
type Message struct {
	Channel string
	Deltas  []protocol.Delta
}

// Handler receives messages for one client.
type Handler func(msg Message)

// ChannelSeparator splits a channel name into client id and subscription part.
const ChannelSeparator = ":"

// ChannelClientID returns the client id embedded in a channel name.
func ChannelClientID(channel string) string {
	i := strings.LastIndex(channel, ChannelSeparator)
	if i < 0 {
		return ""
	}
	return channel[:i]
}

// Hub is the in-process dispatcher. Topics are channel names; each stream
// transport subscribes for all channels of one client.
type Hub struct {
	hub       *pubsub.SimpleHub
	listeners map[string]int // client id -> subscribed handlers
	mu        sync.RWMutex
}

// NewHub creates an in-process dispatcher.
func NewHub() *Hub {
	return &Hub{
		hub: pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{
			Logger: loggo.GetLogger("livequery.fanout.hub"),
		}),
		listeners: make(map[string]int),
	}
}

// SendChannelMessage publishes deltas on the channel's topic.
func (h *Hub) SendChannelMessage(channel string, deltas []protocol.Delta) error {
	if !h.AnyoneListensToChannel(channel) {
		logger.Tracef("dropping %d deltas for %s: no listener", len(deltas), channel)
		return nil
	}
	_ = h.hub.Publish(channel, Message{Channel: channel, Deltas: deltas})
	return nil
}

// AnyoneListensToChannel reports whether the channel's client has a handler.
func (h *Hub) AnyoneListensToChannel(channel string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.listeners[ChannelClientID(channel)] > 0
}

// SubscribeClient calls handler, in publish order, for every message on a
// channel owned by clientID. The returned function unsubscribes.
func (h *Hub) SubscribeClient(clientID string, handler Handler) func() {
	prefix := clientID + ChannelSeparator
	unsub := h.hub.SubscribeMatch(
		func(topic string) bool {
			return strings.HasPrefix(topic, prefix) && ChannelClientID(topic) == clientID
		},
		func(topic string, data interface{}) {
			msg, ok := data.(Message)
			if !ok {
				logger.Errorf("programming error: topic %s data expected fanout.Message, got %T", topic, data)
				return
			}
			handler(msg)
		},
	)

	h.mu.Lock()
	h.listeners[clientID]++
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			unsub()
			h.mu.Lock()
			if h.listeners[clientID]--; h.listeners[clientID] <= 0 {
				delete(h.listeners, clientID)
			}
			h.mu.Unlock()
		})
	}
}
