package liveclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/zot/livequery/internal/protocol"
	"github.com/zot/livequery/internal/query"
)

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("client closed")

// Options configure a Client.
type Options struct {
	// URL is the server's base URL, e.g. http://127.0.0.1:8080.
	URL string
	// ClientID names this client; a random one is generated when empty.
	ClientID string
	// Token is an optional bearer token.
	Token string
	// KeepAlive is the keep-alive interval (default 60s).
	KeepAlive time.Duration
	// KeyFields lists each entity's key fields; entities not listed are
	// keyed by "id".
	KeyFields map[string][]string
	// HTTPClient must not set a Timeout, the stream request is long-lived.
	HTTPClient *http.Client
	// Backoff produces the reconnect policy.
	Backoff func() backoff.BackOff
	Log     func(level int, format string, args ...interface{})
}

func (o Options) withDefaults() Options {
	o.URL = strings.TrimRight(o.URL, "/")
	if o.ClientID == "" {
		o.ClientID = uuid.NewString()
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = time.Minute
	}
	if o.HTTPClient == nil {
		o.HTTPClient = http.DefaultClient
	}
	if o.Backoff == nil {
		o.Backoff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		}
	}
	if o.Log == nil {
		o.Log = func(int, string, ...interface{}) {}
	}
	return o
}

// Client multiplexes local subscriptions over one stream. Local
// subscriptions to the same query share one network subscription.
type Client struct {
	opts        Options
	http        *http.Client
	lastEventID atomic.Int64
	releases    sync.WaitGroup

	mu           sync.Mutex
	caches       map[string]*cache // by canonical query
	byID         map[string]*cache // by subscription id
	streamCancel context.CancelFunc
	streamReady  chan struct{}
	closed       bool
}

// New creates a client. Nothing is opened until the first Subscribe.
func New(opts Options) *Client {
	opts = opts.withDefaults()
	return &Client{
		opts:   opts,
		http:   opts.HTTPClient,
		caches: make(map[string]*cache),
		byID:   make(map[string]*cache),
	}
}

// ClientID returns the client's id.
func (c *Client) ClientID() string {
	return c.opts.ClientID
}

// Subscriptions returns the number of network subscriptions held.
func (c *Client) Subscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.caches)
}

// Snapshot returns the cached list for q, if q is subscribed.
func (c *Client) Snapshot(q Query) ([]Item, bool) {
	if q.Version == 0 {
		q.Version = query.Version
	}
	c.mu.Lock()
	cache, ok := c.caches[q.Canonical()]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	return cache.snapshot(), true
}

func (c *Client) keyFunc(entity string) KeyFunc {
	return KeyFields(c.opts.KeyFields[entity]...)
}

// Subscribe watches q. onNext receives the current list now when the query
// is already cached, otherwise once the initial result arrives, and again
// after every change. It runs under the cache's lock, must not call back
// into the client, and must not keep or modify the slice. The returned
// function removes the listener; removing the last one releases the
// network subscription.
func (c *Client) Subscribe(ctx context.Context, q Query, onNext func([]Item)) (func(), error) {
	if q.Version == 0 {
		q.Version = query.Version
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	cache, existing := c.caches[q.Canonical()]
	if !existing {
		cache = newCache(c.opts.ClientID+":"+uuid.NewString(), q, c.keyFunc(q.Entity), c.opts.Log)
		c.caches[cache.key] = cache
		c.byID[cache.id] = cache
	}
	listenerID := cache.addListener(onNext)
	ready := c.ensureStream()
	c.mu.Unlock()

	unsubscribe := c.unsubscriber(cache, listenerID)
	if existing {
		return unsubscribe, nil
	}

	select {
	case <-ready:
	case <-ctx.Done():
		unsubscribe()
		return nil, ctx.Err()
	}
	if err := c.subscribe(ctx, cache); err != nil {
		unsubscribe()
		return nil, err
	}
	return unsubscribe, nil
}

// ensureStream starts the stream and keep-alive loop if they are not
// running and returns a channel closed once the stream first connects.
// Must be called with mu held.
func (c *Client) ensureStream() chan struct{} {
	if c.streamCancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		c.streamCancel = cancel
		c.streamReady = make(chan struct{})
		go c.runStream(ctx, c.streamReady)
		go c.keepAliveLoop(ctx)
	}
	return c.streamReady
}

// stopStream must be called with mu held.
func (c *Client) stopStream() {
	if c.streamCancel != nil {
		c.streamCancel()
		c.streamCancel = nil
		c.opts.Log(1, "Stream closed: client=%s", c.opts.ClientID)
	}
}

func (c *Client) unsubscriber(cache *cache, listenerID int) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			last := cache.removeListener(listenerID)
			if last {
				c.forget(cache)
			}
			c.mu.Unlock()
			if last {
				c.releases.Add(1)
				go func() {
					defer c.releases.Done()
					c.release(cache.id)
				}()
			}
		})
	}
}

// forget drops cache from the indexes. Must be called with mu held.
func (c *Client) forget(cache *cache) {
	if c.caches[cache.key] == cache {
		delete(c.caches, cache.key)
	}
	delete(c.byID, cache.id)
	if len(c.caches) == 0 {
		c.stopStream()
	}
}

// subscribe registers cache's query on the server and installs the result.
func (c *Client) subscribe(ctx context.Context, cache *cache) error {
	var resp protocol.SubscribeResponse
	err := c.post(ctx, "/api/subscribe", protocol.SubscribeRequest{ID: cache.id, Query: cache.query}, &resp)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", cache.query.Entity, err)
	}
	if cache.isClosed() {
		// Released while the request was in flight. That release may have
		// reached the server before the subscribe did.
		c.release(cache.id)
		return nil
	}
	c.opts.Log(2, "Subscribed %s (%d items)", cache.id, len(resp.Data))
	if cache.reset(resp.Data) {
		return c.resync(ctx, cache)
	}
	return nil
}

// resubscribe re-creates a subscription the server no longer knows.
func (c *Client) resubscribe(ctx context.Context, cache *cache) error {
	if cache.isClosed() {
		return nil
	}
	cache.unready()
	return c.subscribe(ctx, cache)
}

// resync asks the server to publish a fresh all for cache.
func (c *Client) resync(ctx context.Context, cache *cache) error {
	err := c.post(ctx, "/api/resync", protocol.IDRequest{ID: cache.id}, nil)
	if IsNotFound(err) {
		return c.resubscribe(ctx, cache)
	}
	return err
}

// onReconnect distrusts every cache and requests resyncs. Caches still
// waiting for their initial result request theirs once it arrives.
func (c *Client) onReconnect(ctx context.Context) {
	c.mu.Lock()
	caches := make([]*cache, 0, len(c.caches))
	for _, cache := range c.caches {
		caches = append(caches, cache)
	}
	c.mu.Unlock()

	c.opts.Log(1, "Reconnected: resyncing %d subscriptions", len(caches))
	var ready []*cache
	for _, cache := range caches {
		if cache.markResync() {
			ready = append(ready, cache)
		}
	}
	go func() {
		for _, cache := range ready {
			if err := c.resync(ctx, cache); err != nil && ctx.Err() == nil {
				c.opts.Log(0, "Resync %s: %v", cache.id, err)
			}
		}
	}()
}

// keepAliveLoop refreshes the client's subscriptions every KeepAlive and
// resubscribes those the server evicted.
func (c *Client) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.KeepAlive(ctx); err != nil && ctx.Err() == nil {
				c.opts.Log(0, "Keep-alive: %v", err)
			}
		}
	}
}

// KeepAlive sends one keep-alive round and resubscribes unknown ids.
func (c *Client) KeepAlive(ctx context.Context) error {
	c.mu.Lock()
	ids := make([]string, 0, len(c.byID))
	for id := range c.byID {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	if len(ids) == 0 {
		return nil
	}

	var unknown []string
	if err := c.post(ctx, "/api/keep-alive", ids, &unknown); err != nil {
		return err
	}
	var errs []error
	for _, id := range unknown {
		c.mu.Lock()
		cache := c.byID[id]
		c.mu.Unlock()
		if cache == nil {
			continue
		}
		c.opts.Log(1, "Subscription %s was evicted, resubscribing", id)
		if err := c.resubscribe(ctx, cache); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// release tells the server a subscription is no longer wanted.
func (c *Client) release(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.post(ctx, "/api/unsubscribe", protocol.IDRequest{ID: id}, nil); err != nil {
		c.opts.Log(0, "Unsubscribe %s: %v", id, err)
	}
}

// Close drops every subscription, stops the stream and waits for the
// server to be told.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	ids := make([]string, 0, len(c.byID))
	for id, cache := range c.byID {
		cache.close()
		ids = append(ids, id)
	}
	clear(c.caches)
	clear(c.byID)
	c.stopStream()
	c.mu.Unlock()

	for _, id := range ids {
		c.release(id)
	}
	c.releases.Wait()
}

// APIError is a failed API call.
type APIError struct {
	Status      int
	Code        string
	Description string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	return fmt.Sprintf("HTTP %d %s: %s", e.Status, e.Code, e.Description)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

func readAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	var body protocol.ErrorResponse
	if json.NewDecoder(resp.Body).Decode(&body) == nil {
		apiErr.Code = body.Code
		apiErr.Description = body.Description
	}
	return apiErr
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("client-id", c.opts.ClientID)
	if c.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.Token)
	}
}

// post sends body as JSON and decodes the response into out when set.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.URL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return readAPIError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
