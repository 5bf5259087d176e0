package fanout

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zot/livequery/internal/protocol"
	"github.com/zot/livequery/internal/query"
)

type recorder struct {
	mu   sync.Mutex
	msgs []Message
	got  chan struct{}
}

func newRecorder() *recorder {
	return &recorder{got: make(chan struct{}, 16)}
}

func (r *recorder) handle(msg Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
	r.got <- struct{}{}
}

func (r *recorder) wait(t *testing.T, n int) []Message {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for message %d", i+1)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}

func addDelta(id int) []protocol.Delta {
	d, _ := protocol.Add(query.Item{"id": id})
	return []protocol.Delta{d}
}

// TestChannelClientID verifies channel name parsing
func TestChannelClientID(t *testing.T) {
	tests := map[string]string{
		"c1:abc":        "c1",
		"tenant:c1:abc": "tenant:c1",
		"no-separator":  "",
		":leading":      "",
	}
	for channel, want := range tests {
		if got := ChannelClientID(channel); got != want {
			t.Errorf("ChannelClientID(%q) = %q, want %q", channel, got, want)
		}
	}
}

// TestHubRoutesByClient verifies messages reach only the owning client in order
func TestHubRoutesByClient(t *testing.T) {
	hub := NewHub()
	c1, c2 := newRecorder(), newRecorder()
	unsub1 := hub.SubscribeClient("c1", c1.handle)
	defer unsub1()
	unsub2 := hub.SubscribeClient("c2", c2.handle)
	defer unsub2()

	hub.SendChannelMessage("c1:a", addDelta(1))
	hub.SendChannelMessage("c2:a", addDelta(2))
	hub.SendChannelMessage("c1:b", addDelta(3))

	got := c1.wait(t, 2)
	if got[0].Channel != "c1:a" || got[1].Channel != "c1:b" {
		t.Errorf("c1 received %v, want c1:a then c1:b", got)
	}
	got2 := c2.wait(t, 1)
	if got2[0].Channel != "c2:a" {
		t.Errorf("c2 received %v", got2)
	}
}

// TestHubListenerTracking verifies AnyoneListensToChannel follows subscriptions
func TestHubListenerTracking(t *testing.T) {
	hub := NewHub()
	if hub.AnyoneListensToChannel("c1:a") {
		t.Error("no listener expected before subscribe")
	}

	unsub := hub.SubscribeClient("c1", func(Message) {})
	if !hub.AnyoneListensToChannel("c1:a") {
		t.Error("listener expected after subscribe")
	}
	if hub.AnyoneListensToChannel("c10:a") {
		t.Error("c10 must not match c1's listener")
	}

	unsub()
	unsub()
	if hub.AnyoneListensToChannel("c1:a") {
		t.Error("no listener expected after unsubscribe")
	}
}

type fakeNotifier struct {
	broker   *Broker
	topics   []string
	payloads [][]byte
}

func (n *fakeNotifier) Notify(_ context.Context, topic string, payloads [][]byte) error {
	n.topics = append(n.topics, topic)
	for _, payload := range payloads {
		n.payloads = append(n.payloads, payload)
		if err := n.broker.Deliver(payload); err != nil {
			return err
		}
	}
	return nil
}

// TestBrokerLoopback verifies envelopes published on the broker reach the local hub
func TestBrokerLoopback(t *testing.T) {
	hub := NewHub()
	notifier := &fakeNotifier{}
	broker := NewBroker(notifier, "livequery", hub)
	notifier.broker = broker

	rec := newRecorder()
	defer hub.SubscribeClient("c1", rec.handle)()

	if !broker.AnyoneListensToChannel("c9:zzz") {
		t.Error("broker must assume remote listeners")
	}
	if err := broker.SendChannelMessage("c1:a", addDelta(5)); err != nil {
		t.Fatalf("SendChannelMessage: %v", err)
	}

	got := rec.wait(t, 1)
	if got[0].Channel != "c1:a" || len(got[0].Deltas) != 1 || got[0].Deltas[0].Type != protocol.DeltaAdd {
		t.Errorf("unexpected delivery %+v", got[0])
	}
	if len(notifier.topics) != 1 || notifier.topics[0] != "livequery" {
		t.Errorf("topics = %v", notifier.topics)
	}
}

// TestBrokerSplitsLargeEnvelopes verifies an all larger than the NOTIFY limit
// arrives whole and in order with the messages around it
func TestBrokerSplitsLargeEnvelopes(t *testing.T) {
	hub := NewHub()
	notifier := &fakeNotifier{}
	broker := NewBroker(notifier, "livequery", hub)
	notifier.broker = broker

	rec := newRecorder()
	defer hub.SubscribeClient("c1", rec.handle)()

	items := make([]query.Item, 200)
	for i := range items {
		items[i] = query.Item{"id": i, "title": strings.Repeat("t", 100)}
	}
	all, err := protocol.All(items)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if err := broker.SendChannelMessage("c1:a", addDelta(1)); err != nil {
		t.Fatalf("SendChannelMessage: %v", err)
	}
	if err := broker.SendChannelMessage("c1:a", []protocol.Delta{all}); err != nil {
		t.Fatalf("SendChannelMessage all: %v", err)
	}
	if err := broker.SendChannelMessage("c1:a", addDelta(2)); err != nil {
		t.Fatalf("SendChannelMessage: %v", err)
	}

	for _, payload := range notifier.payloads {
		if len(payload) > maxNotifyPayload {
			t.Errorf("payload of %d bytes exceeds %d", len(payload), maxNotifyPayload)
		}
	}
	if len(notifier.payloads) < 4 {
		t.Errorf("expected the all to be split, got %d payloads", len(notifier.payloads))
	}

	got := rec.wait(t, 3)
	if got[0].Deltas[0].Type != protocol.DeltaAdd || got[2].Deltas[0].Type != protocol.DeltaAdd {
		t.Fatalf("adds out of order: %+v", got)
	}
	if got[1].Deltas[0].Type != protocol.DeltaAll {
		t.Fatalf("second message is %s, want all", got[1].Deltas[0].Type)
	}
	received, err := got[1].Deltas[0].Items()
	if err != nil {
		t.Fatalf("Items: %v", err)
	}
	if len(received) != len(items) {
		t.Errorf("all carried %d items, want %d", len(received), len(items))
	}
}

// TestBrokerResetDropsPartialEnvelopes verifies fragments lost across a
// listener reconnect do not complete a later envelope
func TestBrokerResetDropsPartialEnvelopes(t *testing.T) {
	hub := NewHub()
	broker := NewBroker(&fakeNotifier{}, "livequery", hub)
	rec := newRecorder()
	defer hub.SubscribeClient("c1", rec.handle)()

	all, _ := protocol.All([]query.Item{{"id": 1, "blob": strings.Repeat("x", 3*fragmentSize)}})
	data, err := json.Marshal(envelope{Channel: "c1:a", Deltas: []protocol.Delta{all}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	payloads, err := split("m1", data)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if err := broker.Deliver(payloads[0]); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	broker.Reset()
	for _, payload := range payloads[1:] {
		if err := broker.Deliver(payload); err != nil {
			t.Fatalf("Deliver: %v", err)
		}
	}
	select {
	case <-rec.got:
		t.Error("incomplete envelope was delivered")
	case <-time.After(50 * time.Millisecond):
	}

	for _, payload := range payloads {
		if err := broker.Deliver(payload); err != nil {
			t.Fatalf("Deliver: %v", err)
		}
	}
	if got := rec.wait(t, 1); got[0].Channel != "c1:a" {
		t.Errorf("unexpected delivery %+v", got[0])
	}
}
