// Inksync - Studio Real-Time Event Synchronization
// Copyright 2026 Inkatelier
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/inkatelier/inksync

// Package appointments implements the appointment channel of the studio
// gateway: a subscription-managing adapter over the realtime connection
// primitive, the REST bootstrap client, and the in-memory appointment store
// that reconciles both into one consistent view.
package appointments

import (
	"context"
	"fmt"
	"sync"

	"github.com/goccy/go-json"

	"github.com/inkatelier/inksync/internal/logging"
	"github.com/inkatelier/inksync/internal/metrics"
	"github.com/inkatelier/inksync/internal/models"
	"github.com/inkatelier/inksync/internal/realtime"
	"github.com/inkatelier/inksync/internal/validation"
)

const channelName = "appointments"

// ErrEmptyCalendarID is returned when a subscription operation is called
// with an empty calendar identifier.
var ErrEmptyCalendarID = fmt.Errorf("appointments: empty calendar id")

// Handlers receives validated domain events. The adapter never mutates any
// collection itself; every event is forwarded verbatim to exactly one of
// these callbacks. Nil callbacks are skipped.
type Handlers struct {
	OnCreated       func(models.AppointmentEvent)
	OnUpdated       func(models.AppointmentEvent)
	OnDeleted       func(models.AppointmentEvent)
	OnStatusChanged func(models.AppointmentEvent)
	OnRescheduled   func(models.AppointmentEvent)
	OnReminder      func(models.ReminderEvent)
}

// Channel layers tenant/calendar subscription management and domain-event
// validation on top of a realtime.Conn.
//
// The gateway does not persist subscription state across sessions, so the
// channel keeps its own desired-subscription set and replays it (tenant
// first, then every calendar) after each successful connect.
type Channel struct {
	conn     *realtime.Conn
	tenantID string
	handlers Handlers

	subMu         sync.Mutex
	subscriptions map[string]struct{}
}

// NewChannel wires an appointment channel onto conn. Event handlers and the
// replay hook are registered immediately; they stay attached until the
// connection is closed.
func NewChannel(conn *realtime.Conn, tenantID string, handlers Handlers) *Channel {
	ch := &Channel{
		conn:          conn,
		tenantID:      tenantID,
		handlers:      handlers,
		subscriptions: make(map[string]struct{}),
	}

	conn.OnConnect(ch.replaySubscriptions)

	conn.OnEvent("appointment:created", ch.mutationHandler(models.AppointmentCreated, handlers.OnCreated))
	conn.OnEvent("appointment:updated", ch.mutationHandler(models.AppointmentUpdated, handlers.OnUpdated))
	conn.OnEvent("appointment:deleted", ch.mutationHandler(models.AppointmentDeleted, handlers.OnDeleted))
	conn.OnEvent("appointment:status_changed", ch.mutationHandler(models.AppointmentStatusChanged, handlers.OnStatusChanged))
	conn.OnEvent("appointment:rescheduled", ch.mutationHandler(models.AppointmentRescheduled, handlers.OnRescheduled))
	conn.OnEvent("appointment:reminder", ch.reminderHandler)

	return ch
}

// Conn exposes the underlying connection for status queries.
func (ch *Channel) Conn() *realtime.Conn { return ch.conn }

// Connect establishes the session. Subscription replay fires automatically
// once the transport is up.
func (ch *Channel) Connect(ctx context.Context) error {
	return ch.conn.Connect(ctx)
}

// SubscribeToCalendar asks the gateway for events of one calendar and, on an
// acknowledged success, records the id for replay after reconnects. When the
// channel is not connected the request is dropped with a warning; the caller
// may rely on replay after the next connect only for ids already recorded.
func (ch *Channel) SubscribeToCalendar(ctx context.Context, calendarID string) error {
	if calendarID == "" {
		return ErrEmptyCalendarID
	}
	if !ch.conn.IsConnected() {
		logging.Warn().Str("calendarId", calendarID).Msg("appointments: subscribe dropped, not connected")
		return realtime.ErrNotConnected
	}

	result, err := ch.conn.EmitWithAck(ctx, "subscribe:calendar", calendarPayload{CalendarID: calendarID})
	if err != nil {
		return fmt.Errorf("subscribe calendar %s: %w", calendarID, err)
	}
	if !result.Success {
		return fmt.Errorf("subscribe calendar %s rejected: %s", calendarID, result.Message)
	}

	ch.subMu.Lock()
	ch.subscriptions[calendarID] = struct{}{}
	ch.subMu.Unlock()

	logging.Info().Str("calendarId", calendarID).Msg("appointments: subscribed to calendar")
	return nil
}

// UnsubscribeFromCalendar is the mirror operation; the id leaves the replay
// set only on acknowledged success.
func (ch *Channel) UnsubscribeFromCalendar(ctx context.Context, calendarID string) error {
	if calendarID == "" {
		return ErrEmptyCalendarID
	}
	if !ch.conn.IsConnected() {
		logging.Warn().Str("calendarId", calendarID).Msg("appointments: unsubscribe dropped, not connected")
		return realtime.ErrNotConnected
	}

	result, err := ch.conn.EmitWithAck(ctx, "unsubscribe:calendar", calendarPayload{CalendarID: calendarID})
	if err != nil {
		return fmt.Errorf("unsubscribe calendar %s: %w", calendarID, err)
	}
	if !result.Success {
		return fmt.Errorf("unsubscribe calendar %s rejected: %s", calendarID, result.Message)
	}

	ch.subMu.Lock()
	delete(ch.subscriptions, calendarID)
	ch.subMu.Unlock()
	return nil
}

// Subscriptions returns the current desired-subscription set.
func (ch *Channel) Subscriptions() []string {
	ch.subMu.Lock()
	defer ch.subMu.Unlock()
	out := make([]string, 0, len(ch.subscriptions))
	for id := range ch.subscriptions {
		out = append(out, id)
	}
	return out
}

// Disconnect emits best-effort unsubscribe requests for the tenant and every
// tracked calendar, clears the subscription set, then tears the session down.
func (ch *Channel) Disconnect() error {
	if ch.conn.IsConnected() {
		for _, id := range ch.Subscriptions() {
			if err := ch.conn.Emit("unsubscribe:calendar", calendarPayload{CalendarID: id}); err != nil {
				logging.Debug().Err(err).Str("calendarId", id).Msg("appointments: unsubscribe on disconnect failed")
			}
		}
		if err := ch.conn.Emit("unsubscribe:tenant", tenantPayload{TenantID: ch.tenantID}); err != nil {
			logging.Debug().Err(err).Msg("appointments: tenant unsubscribe on disconnect failed")
		}
	}

	ch.subMu.Lock()
	ch.subscriptions = make(map[string]struct{})
	ch.subMu.Unlock()

	return ch.conn.Close()
}

type tenantPayload struct {
	TenantID string `json:"tenantId"`
}

type calendarPayload struct {
	CalendarID string `json:"calendarId"`
}

// replaySubscriptions restores the server-side subscription state after
// every successful (re)connect: the tenant subscription first, then each
// calendar in the desired set.
func (ch *Channel) replaySubscriptions() {
	if err := ch.conn.Emit("subscribe:tenant", tenantPayload{TenantID: ch.tenantID}); err != nil {
		logging.Warn().Err(err).Msg("appointments: tenant subscription replay failed")
	}

	for _, id := range ch.Subscriptions() {
		if err := ch.conn.Emit("subscribe:calendar", calendarPayload{CalendarID: id}); err != nil {
			logging.Warn().Err(err).Str("calendarId", id).Msg("appointments: calendar subscription replay failed")
		}
	}
	metrics.SubscriptionReplays.Inc()
}

// mutationHandler builds the listener for one mutation event type. Malformed
// payloads are logged and dropped; they never reach the store and never
// crash the listener.
func (ch *Channel) mutationHandler(eventType models.AppointmentEventType, forward func(models.AppointmentEvent)) realtime.Handler {
	name := "appointment:" + string(eventType)
	return func(data json.RawMessage) {
		var event models.AppointmentEvent
		if err := json.Unmarshal(data, &event); err != nil {
			metrics.EventsDropped.WithLabelValues(channelName, name, "malformed").Inc()
			logging.Warn().Err(err).Str("event", name).Msg("appointments: dropped malformed payload")
			return
		}
		event.EventType = eventType

		if err := validateMutation(event); err != nil {
			metrics.EventsDropped.WithLabelValues(channelName, name, "validation").Inc()
			logging.Warn().Err(err).Str("event", name).Msg("appointments: dropped invalid payload")
			return
		}

		metrics.EventsReceived.WithLabelValues(channelName, name).Inc()
		if forward != nil {
			forward(event)
		}
	}
}

// validateMutation applies the structural rules shared by all mutation
// events: a non-empty appointment id always, and for every type except
// deleted a well-formed embedded appointment carrying its own id.
func validateMutation(event models.AppointmentEvent) error {
	if verr := validation.ValidateStruct(&event); verr != nil {
		return verr
	}
	if event.EventType == models.AppointmentDeleted {
		return nil
	}
	if event.Data == nil || event.Data.ID == "" {
		return fmt.Errorf("missing embedded appointment")
	}
	return nil
}

// reminderHandler validates and forwards appointment:reminder events, which
// never mutate the collection.
func (ch *Channel) reminderHandler(data json.RawMessage) {
	const name = "appointment:reminder"

	var event models.ReminderEvent
	if err := json.Unmarshal(data, &event); err != nil {
		metrics.EventsDropped.WithLabelValues(channelName, name, "malformed").Inc()
		logging.Warn().Err(err).Msg("appointments: dropped malformed reminder")
		return
	}
	if verr := validation.ValidateStruct(&event); verr != nil {
		metrics.EventsDropped.WithLabelValues(channelName, name, "validation").Inc()
		logging.Warn().Err(verr).Msg("appointments: dropped invalid reminder")
		return
	}
	if event.Appointment.ID == "" {
		metrics.EventsDropped.WithLabelValues(channelName, name, "validation").Inc()
		logging.Warn().Msg("appointments: dropped reminder without appointment id")
		return
	}

	metrics.EventsReceived.WithLabelValues(channelName, name).Inc()
	if ch.handlers.OnReminder != nil {
		ch.handlers.OnReminder(event)
	}
}
