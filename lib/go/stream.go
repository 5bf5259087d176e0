package liveclient

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/zot/livequery/internal/protocol"
)

// maxEventSize bounds one SSE event.
const maxEventSize = 16 << 20

// readEvents parses a text/event-stream body and calls fn for each event.
// It returns when the body ends or fn fails.
func readEvents(r io.Reader, fn func(protocol.Frame) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxEventSize)

	var (
		f       protocol.Frame
		data    strings.Builder
		hasData bool
	)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if f.Event != "" || hasData {
				f.Data = []byte(data.String())
				if err := fn(f); err != nil {
					return err
				}
			}
			f = protocol.Frame{}
			data.Reset()
			hasData = false
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			f.Event = value
		case "id":
			if id, err := strconv.ParseInt(value, 10, 64); err == nil {
				f.ID = id
			}
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return io.EOF
}

// runStream keeps the stream open until ctx is done, reconnecting with
// backoff. ready is closed after the first connection; every later
// connection triggers onReconnect.
func (c *Client) runStream(ctx context.Context, ready chan struct{}) {
	b := backoff.WithContext(c.opts.Backoff(), ctx)
	first := true
	for {
		err := c.streamOnce(ctx, func() {
			b.Reset()
			if first {
				first = false
				close(ready)
				return
			}
			c.onReconnect(ctx)
		})
		if ctx.Err() != nil {
			return
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			c.opts.Log(0, "Giving up on stream %s: %v", c.opts.URL, err)
			return
		}
		c.opts.Log(1, "Stream dropped (%v), reconnecting in %s", err, wait)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// streamOnce opens one stream connection and reads it until it drops.
func (c *Client) streamOnce(ctx context.Context, connected func()) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.URL+"/api/stream", nil)
	if err != nil {
		return err
	}
	c.setHeaders(req)
	req.Header.Set("Accept", "text/event-stream")
	if last := c.lastEventID.Load(); last > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(last, 10))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream: %w", readAPIError(resp))
	}
	c.opts.Log(1, "Stream connected: client=%s", c.opts.ClientID)
	connected()

	return readEvents(resp.Body, c.handleFrame)
}

// handleFrame routes one frame to its cache. Frames for unknown channels
// belong to released subscriptions and are dropped.
func (c *Client) handleFrame(f protocol.Frame) error {
	if f.IsHeartbeat() {
		return nil
	}
	if f.ID > 0 {
		c.lastEventID.Store(f.ID)
	}
	c.mu.Lock()
	cache := c.byID[f.Event]
	c.mu.Unlock()
	if cache == nil {
		c.opts.Log(3, "Dropping frame for released %s", f.Event)
		return nil
	}
	deltas, err := f.Deltas()
	if err != nil {
		c.opts.Log(0, "Bad frame on %s: %v", f.Event, err)
		return nil
	}
	cache.handle(deltas)
	return nil
}
