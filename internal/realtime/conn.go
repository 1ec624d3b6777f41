// Inksync - Studio Real-Time Event Synchronization
// Copyright 2026 Inkatelier
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/inkatelier/inksync

// Package realtime implements the WebSocket connection primitive shared by
// the appointment and preview channels.
//
// A Conn owns exactly one transport session to a gateway URL: it dials,
// listens, keeps the session alive with control pings, reconnects with capped
// exponential backoff, and dispatches inbound envelopes to registered
// handlers. It has no domain knowledge; the channel adapters in
// internal/appointments and internal/preview layer subscription management
// and payload validation on top.
package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/inkatelier/inksync/internal/logging"
	"github.com/inkatelier/inksync/internal/metrics"
)

// Status is the connection lifecycle state of a Conn.
type Status string

const (
	StatusDisconnected   Status = "disconnected"
	StatusConnecting     Status = "connecting"
	StatusAuthenticating Status = "authenticating"
	StatusConnected      Status = "connected"
	StatusError          Status = "error"
)

const (
	// maxReconnectDelay caps the exponential backoff between retries.
	maxReconnectDelay = 5 * time.Second

	handshakeTimeout = 10 * time.Second
	readDeadline     = 60 * time.Second
	pingInterval     = 30 * time.Second
	writeWait        = 10 * time.Second
)

// ErrNotConnected is returned by emit operations on a closed or
// not-yet-connected channel.
var ErrNotConnected = fmt.Errorf("realtime: not connected")

// ErrEmptyURL is recorded as the last error when a Conn is created without a
// server URL. Construction itself never fails.
var ErrEmptyURL = fmt.Errorf("realtime: empty server URL")

// Options configures one Conn.
type Options struct {
	// Name labels this connection on metrics. Defaults to "default".
	Name string

	// AutoConnect dials immediately from Dial.
	AutoConnect bool

	// Reconnection enables automatic retry after a dropped session.
	Reconnection bool

	// ReconnectionAttempts is the retry budget per outage. Exhausting it
	// moves the Conn to StatusError until Connect is called manually.
	ReconnectionAttempts int

	// ReconnectionDelay is the backoff base unit. Actual delay is
	// base << attempt, capped at maxReconnectDelay.
	ReconnectionDelay time.Duration

	// Handshake keeps the status at StatusAuthenticating after the
	// transport connects, until MarkReady is called. Used by the preview
	// channel, where the server validates the token before the session is
	// usable.
	Handshake bool
}

// Handler consumes one inbound event payload. Handlers run on the listener
// goroutine; they must not block.
type Handler func(data json.RawMessage)

// Conn manages one WebSocket session with automatic reconnection.
type Conn struct {
	url  string
	opts Options

	mu       sync.RWMutex
	conn     *websocket.Conn
	status   Status
	lastErr  error
	attempts int
	stopChan chan struct{}
	running  bool

	writeMu sync.Mutex

	handlerMu    sync.RWMutex
	handlers     map[string][]Handler
	connectHooks []func()
	statusHooks  []func(Status)

	ackMu   sync.Mutex
	ackSeq  uint64
	pending map[uint64]chan AckResult

	wg sync.WaitGroup
}

// NewConn creates a Conn for the given gateway URL. An empty URL is not a
// panic: the Conn is created in StatusError with ErrEmptyURL recorded, and
// every Connect fails until the caller fixes the configuration.
func NewConn(url string, opts Options) *Conn {
	if opts.Name == "" {
		opts.Name = "default"
	}
	if opts.ReconnectionDelay <= 0 {
		opts.ReconnectionDelay = time.Second
	}
	c := &Conn{
		url:      url,
		opts:     opts,
		status:   StatusDisconnected,
		handlers: make(map[string][]Handler),
		pending:  make(map[uint64]chan AckResult),
	}
	if url == "" {
		c.status = StatusError
		c.lastErr = ErrEmptyURL
		logging.Error().Msg("realtime: created connection with empty server URL")
	}
	return c
}

// Dial creates a Conn and, when opts.AutoConnect is set, connects it.
func Dial(ctx context.Context, url string, opts Options) (*Conn, error) {
	c := NewConn(url, opts)
	if opts.AutoConnect {
		if err := c.Connect(ctx); err != nil {
			return c, err
		}
	}
	return c, nil
}

// Connect establishes the transport session. It is a no-op when already
// connected. On success the listener and keepalive goroutines are running
// and the reconnect-attempt counter is reset.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.url == "" {
		c.mu.Unlock()
		return ErrEmptyURL
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.setStatusLocked(StatusConnecting)
	c.mu.Unlock()

	if err := c.dial(ctx); err != nil {
		c.mu.Lock()
		c.lastErr = err
		c.setStatusLocked(StatusError)
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	if !c.running {
		c.running = true
		c.stopChan = make(chan struct{})
		c.wg.Add(2)
		go c.listen(ctx)
		go c.pingLoop(ctx)
	}
	c.mu.Unlock()

	c.runConnectHooks()
	return nil
}

// dial opens the WebSocket and publishes the post-connect status. It does
// not start goroutines; Connect and the reconnect path share it.
func (c *Conn) dial(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout:  handshakeTimeout,
		EnableCompression: true,
	}

	conn, resp, err := dialer.DialContext(ctx, c.url, nil)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket dial failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("websocket dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.attempts = 0
	c.lastErr = nil
	if c.opts.Handshake {
		c.setStatusLocked(StatusAuthenticating)
	} else {
		c.setStatusLocked(StatusConnected)
	}
	c.mu.Unlock()

	logging.Info().Str("url", c.url).Msg("realtime: connected")
	return nil
}

// MarkReady completes the application-level handshake, moving an
// authenticating session to StatusConnected.
func (c *Conn) MarkReady() {
	c.mu.Lock()
	if c.status == StatusAuthenticating {
		c.setStatusLocked(StatusConnected)
	}
	c.mu.Unlock()
}

// listen reads frames until the session is closed, reconnecting per the
// configured policy when the transport drops.
func (c *Conn) listen(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh():
			return
		default:
		}

		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()

		if conn == nil {
			if !c.reconnect(ctx) {
				return
			}
			continue
		}

		if err := conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
			logging.Warn().Err(err).Msg("realtime: failed to set read deadline")
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Info().Str("url", c.url).Msg("realtime: connection closed normally")
			} else if ctx.Err() != nil {
				return
			} else {
				logging.Warn().Err(err).Str("url", c.url).Msg("realtime: read error")
			}
			c.dropConnection()
			continue
		}

		c.handleFrame(message)
	}
}

// reconnect waits out the backoff and redials. Returns false when the retry
// budget is exhausted or the listener must stop; the Conn is then in
// StatusError until Connect is called manually.
func (c *Conn) reconnect(ctx context.Context) bool {
	c.mu.Lock()
	if !c.opts.Reconnection || c.attempts >= c.opts.ReconnectionAttempts {
		if c.lastErr == nil {
			c.lastErr = fmt.Errorf("realtime: reconnection attempts exhausted")
		}
		c.setStatusLocked(StatusError)
		// Stop the keepalive loop as well; a manual Connect starts fresh
		// goroutines.
		if c.running {
			c.running = false
			close(c.stopChan)
		}
		c.mu.Unlock()
		c.failPendingAcks()
		logging.Error().Str("url", c.url).Msg("realtime: giving up on reconnection")
		return false
	}
	c.attempts++
	attempt := c.attempts
	metrics.ReconnectsTotal.WithLabelValues(c.opts.Name).Inc()
	delay := c.opts.ReconnectionDelay << uint(attempt-1)
	if delay > maxReconnectDelay {
		delay = maxReconnectDelay
	}
	c.setStatusLocked(StatusConnecting)
	c.mu.Unlock()

	logging.Info().
		Int("attempt", attempt).
		Dur("delay", delay).
		Str("url", c.url).
		Msg("realtime: reconnecting")

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return false
	case <-c.stopCh():
		return false
	}

	if err := c.dial(ctx); err != nil {
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		logging.Warn().Err(err).Int("attempt", attempt).Msg("realtime: reconnection failed")
		return true // keep trying until the budget runs out
	}

	c.runConnectHooks()
	return true
}

// handleFrame decodes one envelope and dispatches it. Ack frames resolve the
// matching pending emit; everything else fans out to event handlers. A
// malformed frame is logged and dropped, never fatal to the listener.
func (c *Conn) handleFrame(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		logging.Warn().Err(err).Msg("realtime: failed to parse frame")
		return
	}

	if env.Event == "ack" && env.Ack != nil {
		var result AckResult
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &result); err != nil {
				logging.Warn().Err(err).Msg("realtime: malformed ack payload")
			}
		}
		c.resolveAck(*env.Ack, result)
		return
	}

	c.handlerMu.RLock()
	handlers := c.handlers[env.Event]
	c.handlerMu.RUnlock()

	if len(handlers) == 0 {
		logging.Debug().Str("event", env.Event).Msg("realtime: unhandled event")
		return
	}
	for _, h := range handlers {
		h(env.Data)
	}
}

// pingLoop sends control pings to detect dead connections.
func (c *Conn) pingLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh():
			return
		case <-ticker.C:
			c.mu.RLock()
			conn := c.conn
			c.mu.RUnlock()
			if conn == nil {
				continue
			}
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait)); err != nil {
				logging.Warn().Err(err).Msg("realtime: ping failed")
				c.dropConnection()
			}
		}
	}
}

// Emit sends one fire-and-forget event frame.
func (c *Conn) Emit(event string, data any) error {
	return c.write(Envelope{Event: event}, data)
}

// EmitWithAck sends an event frame and waits for the server's ack, the
// context deadline, or connection teardown, whichever comes first.
func (c *Conn) EmitWithAck(ctx context.Context, event string, data any) (AckResult, error) {
	c.ackMu.Lock()
	c.ackSeq++
	seq := c.ackSeq
	ch := make(chan AckResult, 1)
	c.pending[seq] = ch
	c.ackMu.Unlock()

	if err := c.write(Envelope{Event: event, Ack: &seq}, data); err != nil {
		c.discardAck(seq)
		return AckResult{}, err
	}

	select {
	case result := <-ch:
		return result, nil
	case <-ctx.Done():
		c.discardAck(seq)
		return AckResult{}, ctx.Err()
	case <-c.stopCh():
		c.discardAck(seq)
		return AckResult{}, ErrNotConnected
	}
}

// write marshals data into the envelope and sends it. Writes are serialized;
// gorilla/websocket allows only one concurrent writer.
func (c *Conn) write(env Envelope, data any) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	if data != nil {
		payload, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", env.Event, err)
		}
		env.Data = payload
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		logging.Warn().Err(err).Msg("realtime: failed to set write deadline")
	}
	if err := conn.WriteJSON(env); err != nil {
		return fmt.Errorf("write %s: %w", env.Event, err)
	}
	return nil
}

func (c *Conn) resolveAck(seq uint64, result AckResult) {
	c.ackMu.Lock()
	ch, ok := c.pending[seq]
	delete(c.pending, seq)
	c.ackMu.Unlock()
	if ok {
		ch <- result
	}
}

func (c *Conn) discardAck(seq uint64) {
	c.ackMu.Lock()
	delete(c.pending, seq)
	c.ackMu.Unlock()
}

// failPendingAcks unblocks every in-flight EmitWithAck after a drop.
// In-flight acknowledgments issued just before a disconnect may be lost;
// callers must not assume they arrive.
func (c *Conn) failPendingAcks() {
	c.ackMu.Lock()
	for seq, ch := range c.pending {
		delete(c.pending, seq)
		ch <- AckResult{Success: false, Message: "connection lost"}
	}
	c.ackMu.Unlock()
}

// OnEvent registers a handler for a named gateway event. Registration is
// append-only; the whole Conn is torn down on Close, which detaches
// everything at once.
func (c *Conn) OnEvent(event string, h Handler) {
	c.handlerMu.Lock()
	c.handlers[event] = append(c.handlers[event], h)
	c.handlerMu.Unlock()
}

// OnConnect registers a hook run after every successful connect, including
// reconnects. This is the replay mechanism for subscriptions the server does
// not persist across sessions.
func (c *Conn) OnConnect(hook func()) {
	c.handlerMu.Lock()
	c.connectHooks = append(c.connectHooks, hook)
	c.handlerMu.Unlock()
}

// OnStatusChange registers an observer for status transitions. Hooks receive
// the new status and run with the connection lock held; they must not call
// back into the Conn.
func (c *Conn) OnStatusChange(hook func(Status)) {
	c.handlerMu.Lock()
	c.statusHooks = append(c.statusHooks, hook)
	c.handlerMu.Unlock()
}

func (c *Conn) runConnectHooks() {
	c.handlerMu.RLock()
	hooks := make([]func(), len(c.connectHooks))
	copy(hooks, c.connectHooks)
	c.handlerMu.RUnlock()
	for _, hook := range hooks {
		hook()
	}
}

// setStatusLocked updates the status and notifies observers.
// Caller must hold c.mu.
func (c *Conn) setStatusLocked(s Status) {
	if c.status == s {
		return
	}
	c.status = s
	c.handlerMu.RLock()
	hooks := make([]func(Status), len(c.statusHooks))
	copy(hooks, c.statusHooks)
	c.handlerMu.RUnlock()
	for _, hook := range hooks {
		hook(s)
	}
}

// dropConnection closes the transport without stopping the listener, so the
// reconnect policy can take over.
func (c *Conn) dropConnection() {
	c.mu.Lock()
	c.closeTransportLocked()
	c.setStatusLocked(StatusDisconnected)
	c.mu.Unlock()
	c.failPendingAcks()
}

// closeTransportLocked sends a close frame and releases the socket.
// Caller must hold c.mu.
func (c *Conn) closeTransportLocked() {
	if c.conn == nil {
		return
	}
	if err := c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	); err != nil {
		logging.Debug().Err(err).Msg("realtime: failed to send close frame")
	}
	if err := c.conn.Close(); err != nil {
		logging.Debug().Err(err).Msg("realtime: failed to close connection")
	}
	c.conn = nil
}

// stopCh returns the current stop channel, or a closed channel when the
// Conn has never been connected.
func (c *Conn) stopCh() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stopChan == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.stopChan
}

// Close tears the session down: stops both goroutines, closes the socket,
// fails pending acks, and leaves the Conn in StatusDisconnected. Idempotent;
// Connect may be called again afterwards.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.running {
		c.running = false
		close(c.stopChan)
	}
	c.closeTransportLocked()
	c.setStatusLocked(StatusDisconnected)
	c.mu.Unlock()

	c.failPendingAcks()
	c.wg.Wait()
	return nil
}

// Status returns the current lifecycle state.
func (c *Conn) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// LastError returns the most recent transport error, or nil.
func (c *Conn) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Attempts returns the reconnect attempts made in the current outage;
// zero while healthy.
func (c *Conn) Attempts() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.attempts
}

// IsConnected reports whether the session is fully established.
func (c *Conn) IsConnected() bool {
	return c.Status() == StatusConnected
}
