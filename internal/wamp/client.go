// Package wamp is a minimal WAMP v2 client (JSON serialization, ticket
// authentication, caller and subscriber roles) over gorilla/websocket.
package wamp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/nextranet/intercom/c-plane/internal/logger"
	"github.com/nextranet/intercom/c-plane/internal/models"
)

// EventHandler receives events of one subscription in publication order
type EventHandler func(event *Event)

// DialConfig describes how to open a session
type DialConfig struct {
	URL                string
	Realm              string
	AuthID             string
	Ticket             string
	InsecureSkipVerify bool
	HandshakeTimeout   time.Duration
	EventBuffer        int
}

type subscriptionEntry struct {
	topic   string
	handler EventHandler
	queue   chan *Event
	stop    chan struct{}
}

type pendingRequest struct {
	result chan *frame
}

// Client is one WAMP session. It is not reusable after Done is closed.
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	sessionID   uint64
	nextRequest atomic.Uint64
	eventBuffer int

	mu      sync.Mutex
	pending map[uint64]*pendingRequest
	subs    map[uint64]*subscriptionEntry

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Dial connects, joins the realm and authenticates with the ticket
func Dial(ctx context.Context, cfg DialConfig) (*Client, error) {
	handshake := cfg.HandshakeTimeout
	if handshake == 0 {
		handshake = 10 * time.Second
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: handshake,
		Subprotocols:     []string{Subprotocol},
		Proxy:            http.ProxyFromEnvironment,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // self-signed deployments
		},
	}

	conn, _, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", models.ErrConnectionFailed, cfg.URL, err)
	}

	c := newClient(conn, cfg.EventBuffer)
	if err := c.join(ctx, cfg, handshake); err != nil {
		_ = conn.Close()
		return nil, err
	}

	go c.readLoop()
	logger.WampLog.Infof("Joined realm %s as session %d", cfg.Realm, c.sessionID)
	return c, nil
}

func newClient(conn *websocket.Conn, eventBuffer int) *Client {
	if eventBuffer <= 0 {
		eventBuffer = 256
	}
	return &Client{
		conn:        conn,
		eventBuffer: eventBuffer,
		pending:     make(map[uint64]*pendingRequest),
		subs:        make(map[uint64]*subscriptionEntry),
		done:        make(chan struct{}),
	}
}

// join runs the HELLO / CHALLENGE / WELCOME exchange synchronously
func (c *Client) join(ctx context.Context, cfg DialConfig, timeout time.Duration) error {
	details := map[string]interface{}{
		"roles": map[string]interface{}{
			"caller":     map[string]interface{}{},
			"subscriber": map[string]interface{}{},
		},
	}
	if cfg.Ticket != "" {
		details["authmethods"] = []string{"ticket"}
		details["authid"] = cfg.AuthID
	}
	if err := c.send(msgHello, cfg.Realm, details); err != nil {
		return err
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetReadDeadline(deadline)
	defer func() { _ = c.conn.SetReadDeadline(time.Time{}) }()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: waiting for welcome: %v", models.ErrConnectionFailed, err)
		}
		f, err := decodeFrame(data)
		if err != nil {
			return err
		}

		switch f.kind {
		case msgChallenge:
			if method := f.str(0); method != "ticket" {
				return fmt.Errorf("%w: unsupported auth method %q", models.ErrAuthenticationFailed, method)
			}
			if err := c.send(msgAuthenticate, cfg.Ticket, map[string]interface{}{}); err != nil {
				return err
			}
		case msgWelcome:
			id, err := f.id(0)
			if err != nil {
				return err
			}
			c.sessionID = id
			return nil
		case msgAbort:
			return fmt.Errorf("%w: %w", models.ErrAuthenticationFailed, &Error{URI: f.str(1), Details: f.dict(0)})
		default:
			return fmt.Errorf("%w: unexpected message %d during join", models.ErrConnectionFailed, f.kind)
		}
	}
}

// SessionID returns the router-assigned session id
func (c *Client) SessionID() uint64 {
	return c.sessionID
}

// Done is closed when the session ends for any reason
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the session ended
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Call invokes a procedure and waits for its result or ctx
func (c *Client) Call(ctx context.Context, procedure string, args []interface{}, kwargs map[string]interface{}) (*Result, error) {
	reqID := c.nextRequest.Add(1)
	req, err := c.register(reqID)
	if err != nil {
		return nil, err
	}
	defer c.unregister(reqID)

	if args == nil {
		args = []interface{}{}
	}
	if kwargs == nil {
		kwargs = map[string]interface{}{}
	}
	if err := c.send(msgCall, reqID, map[string]interface{}{}, procedure, args, kwargs); err != nil {
		return nil, err
	}

	f, err := c.await(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", procedure, err)
	}

	switch f.kind {
	case msgResult:
		return &Result{Args: f.args(2), Kwargs: f.raw(3)}, nil
	case msgError:
		return nil, fmt.Errorf("call %s: %w", procedure, &Error{URI: f.str(3), Details: f.dict(2), Args: f.args(4)})
	default:
		return nil, fmt.Errorf("call %s: unexpected reply %d", procedure, f.kind)
	}
}

// Subscribe subscribes handler to topic. Events are queued per subscription
// and delivered on a dedicated goroutine, in order.
func (c *Client) Subscribe(ctx context.Context, topic string, handler EventHandler) (uint64, error) {
	reqID := c.nextRequest.Add(1)
	req, err := c.register(reqID)
	if err != nil {
		return 0, err
	}
	defer c.unregister(reqID)

	if err := c.send(msgSubscribe, reqID, map[string]interface{}{}, topic); err != nil {
		return 0, err
	}

	f, err := c.await(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	switch f.kind {
	case msgSubscribed:
		subID, err := f.id(1)
		if err != nil {
			return 0, err
		}
		entry := &subscriptionEntry{
			topic:   topic,
			handler: handler,
			queue:   make(chan *Event, c.eventBuffer),
			stop:    make(chan struct{}),
		}
		c.mu.Lock()
		c.subs[subID] = entry
		c.mu.Unlock()
		go c.deliver(entry)
		return subID, nil
	case msgError:
		return 0, fmt.Errorf("subscribe %s: %w", topic, &Error{URI: f.str(3), Details: f.dict(2), Args: f.args(4)})
	default:
		return 0, fmt.Errorf("subscribe %s: unexpected reply %d", topic, f.kind)
	}
}

// Unsubscribe cancels a subscription. Local delivery stops immediately even
// if the router request fails.
func (c *Client) Unsubscribe(ctx context.Context, subID uint64) error {
	c.mu.Lock()
	entry, ok := c.subs[subID]
	delete(c.subs, subID)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	close(entry.stop)

	reqID := c.nextRequest.Add(1)
	req, err := c.register(reqID)
	if err != nil {
		return err
	}
	defer c.unregister(reqID)

	if err := c.send(msgUnsubscribe, reqID, subID); err != nil {
		return err
	}
	f, err := c.await(ctx, req)
	if err != nil {
		return fmt.Errorf("unsubscribe %d: %w", subID, err)
	}
	if f.kind == msgError {
		return fmt.Errorf("unsubscribe %d: %w", subID, &Error{URI: f.str(3), Details: f.dict(2)})
	}
	return nil
}

// Close leaves the session politely and closes the socket
func (c *Client) Close() error {
	select {
	case <-c.done:
		return nil
	default:
	}

	_ = c.send(msgGoodbye, map[string]interface{}{}, "wamp.close.system_shutdown")
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closed by client"),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	c.shutdown(models.ErrSessionClosed)
	return c.conn.Close()
}

func (c *Client) register(reqID uint64) (*pendingRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return nil, models.ErrSessionClosed
	default:
	}

	req := &pendingRequest{result: make(chan *frame, 1)}
	c.pending[reqID] = req
	return req, nil
}

func (c *Client) unregister(reqID uint64) {
	c.mu.Lock()
	delete(c.pending, reqID)
	c.mu.Unlock()
}

func (c *Client) await(ctx context.Context, req *pendingRequest) (*frame, error) {
	select {
	case f := <-req.result:
		return f, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, models.ErrRPCTimeout
		}
		return nil, ctx.Err()
	case <-c.done:
		return nil, models.ErrSessionClosed
	}
}

func (c *Client) send(kind int, parts ...interface{}) error {
	data, err := encode(kind, parts...)
	if err != nil {
		return fmt.Errorf("encode message %d: %w", kind, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: write: %v", models.ErrSessionClosed, err)
	}
	return nil
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.WampLog.Warnf("Session %d read error: %v", c.sessionID, err)
			}
			c.shutdown(fmt.Errorf("%w: %v", models.ErrSessionClosed, err))
			return
		}

		f, err := decodeFrame(data)
		if err != nil {
			logger.WampLog.Warnf("Dropping malformed message: %v", err)
			continue
		}

		switch f.kind {
		case msgResult, msgSubscribed, msgUnsubscribed:
			c.resolve(f, 0)
		case msgError:
			c.resolve(f, 1)
		case msgEvent:
			c.dispatch(f)
		case msgGoodbye:
			_ = c.send(msgGoodbye, map[string]interface{}{}, "wamp.close.goodbye_and_out")
			c.shutdown(fmt.Errorf("%w: router said goodbye: %s", models.ErrSessionClosed, f.str(1)))
			_ = c.conn.Close()
			return
		case msgAbort:
			c.shutdown(fmt.Errorf("%w: aborted: %s", models.ErrSessionClosed, f.str(1)))
			_ = c.conn.Close()
			return
		default:
			logger.WampLog.Debugf("Ignoring message type %d", f.kind)
		}
	}
}

func (c *Client) resolve(f *frame, idIndex int) {
	reqID, err := f.id(idIndex)
	if err != nil {
		logger.WampLog.Warnf("Reply without request id: %v", err)
		return
	}

	c.mu.Lock()
	req, ok := c.pending[reqID]
	c.mu.Unlock()
	if !ok {
		logger.WampLog.Debugf("Reply for unknown request %d", reqID)
		return
	}
	req.result <- f
}

func (c *Client) dispatch(f *frame) {
	subID, err := f.id(0)
	if err != nil {
		logger.WampLog.Warnf("Event without subscription id: %v", err)
		return
	}
	pubID, _ := f.id(1)

	c.mu.Lock()
	entry, ok := c.subs[subID]
	c.mu.Unlock()
	if !ok {
		return
	}

	event := &Event{
		Topic:          entry.topic,
		SubscriptionID: subID,
		PublicationID:  pubID,
		Details:        f.dict(2),
		Args:           f.args(3),
		Kwargs:         f.raw(4),
	}

	select {
	case entry.queue <- event:
	default:
		logger.WampLog.Warnf("Event queue full for %s, dropping publication %d", entry.topic, pubID)
	}
}

func (c *Client) deliver(entry *subscriptionEntry) {
	for {
		select {
		case event := <-entry.queue:
			c.invoke(entry, event)
		case <-entry.stop:
			return
		case <-c.done:
			return
		}
	}
}

func (c *Client) invoke(entry *subscriptionEntry, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.WampLog.Errorf("Handler for %s panicked: %v", entry.topic, r)
		}
	}()
	entry.handler(event)
}

func (c *Client) shutdown(reason error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = reason
		close(c.done)
		c.mu.Unlock()
		logger.WampLog.Infof("Session %d ended: %v", c.sessionID, reason)
	})
}

// MarshalArgs is a helper for building keyword arguments from a struct
func MarshalArgs(v interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
