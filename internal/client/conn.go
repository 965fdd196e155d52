package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bizmatters/agent-builder/pipeline-builder/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// ConnOption configures a Conn
type ConnOption func(*Conn)

// WithBackoff sets the reconnect delay bounds
func WithBackoff(initial, limit time.Duration) ConnOption {
	return func(c *Conn) {
		c.minBackoff = initial
		c.maxBackoff = limit
	}
}

// WithDialer replaces the websocket dialer
func WithDialer(d *websocket.Dialer) ConnOption {
	return func(c *Conn) {
		c.dialer = d
	}
}

// Conn keeps one session socket open, reconnecting with exponential backoff.
// Inbound events go to the Store; nothing here touches State directly.
type Conn struct {
	url        string
	store      *Store
	dialer     *websocket.Dialer
	minBackoff time.Duration
	maxBackoff time.Duration
	outbound   chan models.Event

	mu          sync.Mutex
	unacked     models.Event
	unackedSent bool
	connected   bool
}

// NewConn creates a connection for sessionID on the server at baseURL (http or ws scheme)
func NewConn(baseURL, sessionID string, store *Store, opts ...ConnOption) (*Conn, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse server URL: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/ws/sessions/" + url.PathEscape(sessionID)

	c := &Conn{
		url:        u.String(),
		store:      store,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		minBackoff: 250 * time.Millisecond,
		maxBackoff: 10 * time.Second,
		outbound:   make(chan models.Event, 32),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start begins a new conversation. The user message is mirrored immediately.
func (c *Conn) Start(ctx context.Context, description string) (string, error) {
	msg := models.NewUserMessage("", description)
	ev := models.StartEvent{ID: msg.ID, Content: msg.Content}
	return msg.ID, c.sendDurable(ctx, ev, ev)
}

// Send answers the last follow-up question. The user message is mirrored immediately.
func (c *Conn) Send(ctx context.Context, content string) (string, error) {
	ev := models.MessageEvent{Message: models.NewUserMessage("", content)}
	return ev.Message.ID, c.sendDurable(ctx, ev, ev)
}

// Clear resets the local mirror and the server session
func (c *Conn) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.unacked = nil
	c.unackedSent = false
	c.mu.Unlock()

	if err := c.store.Dispatch(ctx, models.ClearEvent{}); err != nil {
		return err
	}
	return c.enqueue(ctx, models.ClearEvent{})
}

// RequestNodeData asks for the filled values of one node. The answer lands
// in State.NodeDetails.
func (c *Conn) RequestNodeData(ctx context.Context, nodeID string) error {
	return c.enqueue(ctx, models.GetNodeDataEvent{NodeID: nodeID})
}

// Connected reports whether a socket is currently open
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Conn) sendDurable(ctx context.Context, local, wire models.Event) error {
	if err := c.store.Dispatch(ctx, local); err != nil {
		return err
	}
	c.mu.Lock()
	c.unacked = wire
	c.unackedSent = false
	c.mu.Unlock()
	return c.enqueue(ctx, wire)
}

func (c *Conn) enqueue(ctx context.Context, ev models.Event) error {
	select {
	case c.outbound <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run connects and reconnects until ctx is done
func (c *Conn) Run(ctx context.Context) error {
	delay := c.minBackoff
	attempt := 0

	for {
		ws, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err == nil {
			attempt = 0
			delay = c.minBackoff
			err = c.serve(ctx, ws)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempt++
		log.Printf(`{"level":"warn","message":"Session connection lost","url":"%s","attempt":%d,"retry_in_ms":%d,"error":"%v"}`,
			c.url, attempt, delay.Milliseconds(), &models.TransportError{Op: "connect", Err: err})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
		if delay > c.maxBackoff {
			delay = c.maxBackoff
		}
	}
}

// serve pumps one socket until it fails
func (c *Conn) serve(ctx context.Context, ws *websocket.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.setConnected(true)
	defer c.setConnected(false)

	// Only a message that already left the outbound queue on an earlier
	// socket is re-sent; one still queued goes out through writeLoop.
	c.mu.Lock()
	var pending models.Event
	if c.unackedSent {
		pending = c.unacked
	}
	c.mu.Unlock()
	if pending != nil {
		if err := writeEvent(ws, pending); err != nil {
			ws.Close()
			return err
		}
	}

	errCh := make(chan error, 2)
	go func() { errCh <- c.readLoop(ctx, ws) }()
	go func() { errCh <- c.writeLoop(ctx, ws) }()

	err := <-errCh
	cancel()
	ws.Close()
	<-errCh
	return err
}

func (c *Conn) readLoop(ctx context.Context, ws *websocket.Conn) error {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}

		ev, err := models.DecodeEvent(data)
		if err != nil {
			var decodeErr *models.ProtocolDecodeError
			if errors.As(err, &decodeErr) {
				log.Printf(`{"level":"warn","message":"Dropped malformed server message","reason":"%s"}`, decodeErr.Reason)
			}
			continue
		}

		c.acknowledge(ev)
		if err := c.store.Dispatch(ctx, ev); err != nil {
			return err
		}
	}
}

func (c *Conn) writeLoop(ctx context.Context, ws *websocket.Conn) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return nil
		case ev := <-c.outbound:
			c.markSent(ev)
			if err := writeEvent(ws, ev); err != nil {
				return err
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return err
			}
		}
	}
}

// acknowledge retires the outstanding user message once the server has
// answered it or replayed it
func (c *Conn) acknowledge(ev models.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unacked == nil {
		return
	}

	switch e := ev.(type) {
	case models.MessageEvent:
		if e.Message.Role == models.RoleAssistant || e.Message.ID == outboundID(c.unacked) {
			c.unacked = nil
			c.unackedSent = false
		}
	case models.ErrorEvent:
		if !e.IsNodeData() {
			c.unacked = nil
			c.unackedSent = false
		}
	}
}

// markSent records that the unacknowledged message has been handed to a socket
func (c *Conn) markSent(ev models.Event) {
	id := outboundID(ev)
	if id == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unacked != nil && outboundID(c.unacked) == id {
		c.unackedSent = true
	}
}

func (c *Conn) setConnected(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = v
}

func outboundID(ev models.Event) string {
	switch e := ev.(type) {
	case models.StartEvent:
		return e.ID
	case models.MessageEvent:
		return e.Message.ID
	}
	return ""
}

func writeEvent(ws *websocket.Conn, ev models.Event) error {
	data, err := models.EncodeEvent(ev)
	if err != nil {
		return err
	}
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(websocket.TextMessage, data)
}
