// Inksync - Studio Real-Time Event Synchronization
// Copyright 2026 Inkatelier
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/inkatelier/inksync

// Package preview implements the AI tattoo-preview channel: a token-
// authenticated adapter over the realtime connection primitive and the
// in-memory tracker for image-processing jobs.
package preview

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/goccy/go-json"

	"github.com/inkatelier/inksync/internal/logging"
	"github.com/inkatelier/inksync/internal/metrics"
	"github.com/inkatelier/inksync/internal/models"
	"github.com/inkatelier/inksync/internal/realtime"
	"github.com/inkatelier/inksync/internal/validation"
)

const channelName = "preview"

// ErrImageCount is returned when a submission does not carry exactly two
// source images. This is a caller error and is never sent to the server.
var ErrImageCount = fmt.Errorf("preview: exactly two images are required")

// Handlers receives validated preview events. The adapter performs no
// domain-level mutation; job state lives in JobTracker. Nil callbacks are
// skipped.
type Handlers struct {
	OnConnected    func(models.ConnectedEvent)
	OnStarted      func(models.StartedEvent)
	OnProgress     func(models.ProgressEvent)
	OnCompleted    func(models.CompletedEvent)
	OnError        func(models.JobErrorEvent)
	OnPong         func(models.PongEvent)
	OnChannelError func(models.ChannelError)
}

// Channel layers the preview request/response protocol on a realtime.Conn.
//
// The server validates the auth token during connect, so the session passes
// through an "authenticating" phase: the transport-level connect is
// necessary but not sufficient. Only the server's own "connected" event,
// carrying the assigned user and socket ids, makes the channel ready for
// domain operations.
type Channel struct {
	conn     *realtime.Conn
	handlers Handlers

	idMu     sync.RWMutex
	userID   string
	socketID string
}

// BuildWSURL converts the configured endpoint to a ws(s) URL with the auth
// token attached as a query parameter.
func BuildWSURL(base, token string) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse preview url: %w", err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	}
	q := parsed.Query()
	q.Set("token", token)
	parsed.RawQuery = q.Encode()
	return parsed.String(), nil
}

// NewChannel wires a preview channel onto conn. The conn should be created
// with Options.Handshake set so the status reflects the authenticating
// phase.
func NewChannel(conn *realtime.Conn, handlers Handlers) *Channel {
	ch := &Channel{conn: conn, handlers: handlers}

	conn.OnEvent("connected", ch.connectedHandler)
	conn.OnEvent("processing:started", eventHandler(channelName, "processing:started", handlers.OnStarted))
	conn.OnEvent("processing:progress", eventHandler(channelName, "processing:progress", handlers.OnProgress))
	conn.OnEvent("processing:completed", eventHandler(channelName, "processing:completed", handlers.OnCompleted))
	conn.OnEvent("processing:error", eventHandler(channelName, "processing:error", handlers.OnError))
	conn.OnEvent("pong", eventHandler(channelName, "pong", handlers.OnPong))
	conn.OnEvent("error", eventHandler(channelName, "error", handlers.OnChannelError))

	return ch
}

// Conn exposes the underlying connection for status queries.
func (ch *Channel) Conn() *realtime.Conn { return ch.conn }

// Connect establishes the transport session. The channel stays in the
// authenticating phase until the server's "connected" event arrives.
func (ch *Channel) Connect(ctx context.Context) error {
	return ch.conn.Connect(ctx)
}

// Ready reports whether the channel has completed the application-level
// handshake and can accept domain operations.
func (ch *Channel) Ready() bool {
	ch.idMu.RLock()
	defer ch.idMu.RUnlock()
	return ch.userID != "" && ch.conn.IsConnected()
}

// Identity returns the server-assigned user and socket ids, valid only
// after the handshake.
func (ch *Channel) Identity() (userID, socketID string) {
	ch.idMu.RLock()
	defer ch.idMu.RUnlock()
	return ch.userID, ch.socketID
}

// SubmitJob emits one processing request carrying exactly two encoded
// images plus optional style tags, color tags, and description. Both
// preconditions are reported synchronously; nothing is sent on violation.
func (ch *Channel) SubmitJob(images, styles, colors []string, description string) error {
	if len(images) != 2 {
		return ErrImageCount
	}
	if !ch.Ready() {
		return realtime.ErrNotConnected
	}

	req := models.ProcessRequest{
		Files:       images,
		Styles:      styles,
		Colors:      colors,
		Description: description,
	}
	if req.Styles == nil {
		req.Styles = []string{}
	}
	if req.Colors == nil {
		req.Colors = []string{}
	}

	if err := ch.conn.Emit("process-images", req); err != nil {
		return fmt.Errorf("submit preview job: %w", err)
	}
	return nil
}

// Ping sends a fire-and-forget liveness probe.
func (ch *Channel) Ping() error {
	if !ch.Ready() {
		logging.Error().Msg("preview: ping skipped, not connected")
		return realtime.ErrNotConnected
	}
	return ch.conn.Emit("ping", nil)
}

// connectedHandler completes the handshake: it validates the server's
// acknowledgment, records the assigned identity, and promotes the session
// to connected.
func (ch *Channel) connectedHandler(data json.RawMessage) {
	var event models.ConnectedEvent
	if err := json.Unmarshal(data, &event); err != nil {
		metrics.EventsDropped.WithLabelValues(channelName, "connected", "malformed").Inc()
		logging.Warn().Err(err).Msg("preview: dropped malformed connected event")
		return
	}
	if verr := validation.ValidateStruct(&event); verr != nil {
		metrics.EventsDropped.WithLabelValues(channelName, "connected", "validation").Inc()
		logging.Warn().Err(verr).Msg("preview: dropped invalid connected event")
		return
	}

	ch.idMu.Lock()
	ch.userID = event.UserID
	ch.socketID = event.SocketID
	ch.idMu.Unlock()

	ch.conn.MarkReady()
	metrics.EventsReceived.WithLabelValues(channelName, "connected").Inc()
	logging.Info().Str("userId", event.UserID).Str("socketId", event.SocketID).Msg("preview: channel ready")

	if ch.handlers.OnConnected != nil {
		ch.handlers.OnConnected(event)
	}
}

// eventHandler builds a generic decode-validate-forward listener for one
// event type. Malformed or invalid payloads are logged and dropped; the
// listener never panics.
func eventHandler[T any](channel, name string, forward func(T)) realtime.Handler {
	return func(data json.RawMessage) {
		var event T
		if err := json.Unmarshal(data, &event); err != nil {
			metrics.EventsDropped.WithLabelValues(channel, name, "malformed").Inc()
			logging.Warn().Err(err).Str("event", name).Msg("preview: dropped malformed payload")
			return
		}
		if verr := validation.ValidateStruct(&event); verr != nil {
			metrics.EventsDropped.WithLabelValues(channel, name, "validation").Inc()
			logging.Warn().Err(verr).Str("event", name).Msg("preview: dropped invalid payload")
			return
		}
		metrics.EventsReceived.WithLabelValues(channel, name).Inc()
		if forward != nil {
			forward(event)
		}
	}
}
