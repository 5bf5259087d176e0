package protocol

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// KeepAliveEvent is the pseudo-channel used for heartbeats. Consumers ignore it.
const KeepAliveEvent = "keep-alive"

// Frame is one message on a client's stream.
type Frame struct {
	ID    int64           `json:"id,omitempty"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame encodes deltas for a channel. The id is assigned by the queue.
func NewFrame(channel string, deltas []Delta) (Frame, error) {
	data, err := json.Marshal(deltas)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: channel, Data: data}, nil
}

// HeartbeatFrame returns a payload-less keep-alive frame.
func HeartbeatFrame() Frame {
	return Frame{Event: KeepAliveEvent}
}

// IsHeartbeat reports whether the frame is a keep-alive.
func (f Frame) IsHeartbeat() bool {
	return f.Event == KeepAliveEvent
}

// Deltas decodes the frame payload.
func (f Frame) Deltas() ([]Delta, error) {
	return ParseDeltas(f.Data)
}

// EncodeSSE renders the frame as a text/event-stream event:
// event:<channel>\nid:<n>\ndata:<json>\n\n
func (f Frame) EncodeSSE() []byte {
	var buf bytes.Buffer
	buf.WriteString("event:")
	buf.WriteString(f.Event)
	buf.WriteByte('\n')
	if f.ID > 0 {
		buf.WriteString("id:")
		buf.WriteString(strconv.FormatInt(f.ID, 10))
		buf.WriteByte('\n')
	}
	buf.WriteString("data:")
	buf.Write(f.Data)
	buf.WriteString("\n\n")
	return buf.Bytes()
}
