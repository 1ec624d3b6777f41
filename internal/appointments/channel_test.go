// Inksync - Studio Real-Time Event Synchronization
// Copyright 2026 Inkatelier
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/inkatelier/inksync

package appointments

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/inkatelier/inksync/internal/models"
	"github.com/inkatelier/inksync/internal/realtime"
)

// recordedFrame is one envelope the mock gateway read from the client.
type recordedFrame struct {
	Event string
	Data  json.RawMessage
}

// mockGateway simulates the appointment gateway: it records every inbound
// frame and acknowledges every acked request with success.
type mockGateway struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  []*websocket.Conn
	frames []recordedFrame
}

func newMockGateway() *mockGateway {
	g := &mockGateway{
		upgrader: websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }},
	}
	g.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := g.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		g.mu.Lock()
		g.conns = append(g.conns, conn)
		g.mu.Unlock()
		go g.serve(conn)
	}))
	return g
}

func (g *mockGateway) serve(conn *websocket.Conn) {
	for {
		var env realtime.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		g.mu.Lock()
		g.frames = append(g.frames, recordedFrame{Event: env.Event, Data: env.Data})
		g.mu.Unlock()
		if env.Ack != nil {
			result, _ := json.Marshal(realtime.AckResult{Success: true})
			_ = conn.WriteJSON(realtime.Envelope{Event: "ack", Ack: env.Ack, Data: result})
		}
	}
}

func (g *mockGateway) wsURL() string {
	return "ws" + strings.TrimPrefix(g.server.URL, "http")
}

func (g *mockGateway) close() { g.server.Close() }

// dropClients force-closes every accepted connection.
func (g *mockGateway) dropClients() {
	g.mu.Lock()
	conns := g.conns
	g.conns = nil
	g.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
}

// countFrames returns how many recorded frames match event (and calendarId
// when non-empty).
func (g *mockGateway) countFrames(event, calendarID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	count := 0
	for _, f := range g.frames {
		if f.Event != event {
			continue
		}
		if calendarID != "" {
			var payload calendarPayload
			if err := json.Unmarshal(f.Data, &payload); err != nil || payload.CalendarID != calendarID {
				continue
			}
		}
		count++
	}
	return count
}

// resetFrames clears the recorded frame log.
func (g *mockGateway) resetFrames() {
	g.mu.Lock()
	g.frames = nil
	g.mu.Unlock()
}

// send pushes one event to the most recent client connection.
func (g *mockGateway) send(t *testing.T, event string, data any) {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.conns) == 0 {
		t.Fatal("no client connection to send on")
	}
	payload, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal event payload: %v", err)
	}
	conn := g.conns[len(g.conns)-1]
	if err := conn.WriteJSON(realtime.Envelope{Event: event, Data: payload}); err != nil {
		t.Fatalf("send %s: %v", event, err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func connectedChannel(t *testing.T, g *mockGateway, handlers Handlers) *Channel {
	t.Helper()
	conn := realtime.NewConn(g.wsURL(), realtime.Options{
		Reconnection:         true,
		ReconnectionAttempts: 10,
		ReconnectionDelay:    10 * time.Millisecond,
	})
	ch := NewChannel(conn, "studio-1", handlers)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ch.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return ch
}

func TestSubscribeToCalendar(t *testing.T) {
	g := newMockGateway()
	defer g.close()

	ch := connectedChannel(t, g, Handlers{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := ch.SubscribeToCalendar(ctx, "cal-1"); err != nil {
		t.Fatalf("SubscribeToCalendar failed: %v", err)
	}

	subs := ch.Subscriptions()
	if len(subs) != 1 || subs[0] != "cal-1" {
		t.Errorf("subscriptions = %v, want [cal-1]", subs)
	}
	if got := g.countFrames("subscribe:calendar", "cal-1"); got != 1 {
		t.Errorf("gateway saw %d subscribe:calendar frames, want 1", got)
	}
}

func TestSubscribePreconditions(t *testing.T) {
	g := newMockGateway()
	defer g.close()

	ch := connectedChannel(t, g, Handlers{})
	ctx := context.Background()

	if err := ch.SubscribeToCalendar(ctx, ""); !errors.Is(err, ErrEmptyCalendarID) {
		t.Errorf("empty id error = %v, want ErrEmptyCalendarID", err)
	}

	// Not connected: the request is dropped, not queued.
	disconnected := NewChannel(realtime.NewConn(g.wsURL(), realtime.Options{}), "studio-1", Handlers{})
	if err := disconnected.SubscribeToCalendar(ctx, "cal-1"); !errors.Is(err, realtime.ErrNotConnected) {
		t.Errorf("disconnected error = %v, want ErrNotConnected", err)
	}
	if len(disconnected.Subscriptions()) != 0 {
		t.Error("dropped request must not join the subscription set")
	}
}

func TestUnsubscribeFromCalendar(t *testing.T) {
	g := newMockGateway()
	defer g.close()

	ch := connectedChannel(t, g, Handlers{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := ch.SubscribeToCalendar(ctx, "cal-1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := ch.UnsubscribeFromCalendar(ctx, "cal-1"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if len(ch.Subscriptions()) != 0 {
		t.Errorf("subscriptions = %v, want empty", ch.Subscriptions())
	}
}

func TestReconnectReplaysSubscriptions(t *testing.T) {
	g := newMockGateway()
	defer g.close()

	ch := connectedChannel(t, g, Handlers{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := ch.SubscribeToCalendar(ctx, "cal-a"); err != nil {
		t.Fatalf("subscribe cal-a: %v", err)
	}
	if err := ch.SubscribeToCalendar(ctx, "cal-b"); err != nil {
		t.Fatalf("subscribe cal-b: %v", err)
	}

	// Forget everything seen so far; only post-reconnect traffic counts.
	g.resetFrames()
	g.dropClients()

	waitFor(t, "reconnect", func() bool { return ch.Conn().IsConnected() })
	waitFor(t, "tenant replay", func() bool { return g.countFrames("subscribe:tenant", "") == 1 })

	if got := g.countFrames("subscribe:calendar", "cal-a"); got != 1 {
		t.Errorf("cal-a replayed %d times, want exactly 1", got)
	}
	if got := g.countFrames("subscribe:calendar", "cal-b"); got != 1 {
		t.Errorf("cal-b replayed %d times, want exactly 1", got)
	}
}

func TestInboundEventValidation(t *testing.T) {
	var created atomic.Int64
	g := newMockGateway()
	defer g.close()

	connectedChannel(t, g, Handlers{
		OnCreated: func(models.AppointmentEvent) { created.Add(1) },
	})

	// Malformed: missing appointmentId.
	g.send(t, "appointment:created", map[string]any{"tenantId": "studio-1"})
	// Malformed: no embedded appointment.
	g.send(t, "appointment:created", map[string]any{"appointmentId": "a1"})
	// Valid.
	g.send(t, "appointment:created", models.AppointmentEvent{
		AppointmentID: "a1",
		Data:          &models.Appointment{ID: "a1", Title: "Session"},
	})

	waitFor(t, "valid event dispatch", func() bool { return created.Load() == 1 })

	// Give the listener a moment; the malformed ones must stay dropped.
	time.Sleep(50 * time.Millisecond)
	if created.Load() != 1 {
		t.Errorf("created handler invoked %d times, want 1", created.Load())
	}
}

func TestDeletedEventNeedsNoEmbeddedAppointment(t *testing.T) {
	var deleted atomic.Int64
	g := newMockGateway()
	defer g.close()

	connectedChannel(t, g, Handlers{
		OnDeleted: func(models.AppointmentEvent) { deleted.Add(1) },
	})

	g.send(t, "appointment:deleted", map[string]any{"appointmentId": "a1"})
	waitFor(t, "deleted dispatch", func() bool { return deleted.Load() == 1 })
}

func TestReminderValidation(t *testing.T) {
	var reminders atomic.Int64
	g := newMockGateway()
	defer g.close()

	connectedChannel(t, g, Handlers{
		OnReminder: func(event models.ReminderEvent) {
			if *event.MinutesUntilStart == 15 {
				reminders.Add(1)
			}
		},
	})

	// Missing minutes: dropped.
	g.send(t, "appointment:reminder", map[string]any{
		"appointmentId": "a1",
		"appointment":   map[string]any{"id": "a1"},
	})
	// Missing embedded appointment: dropped.
	g.send(t, "appointment:reminder", map[string]any{
		"appointmentId":     "a1",
		"minutesUntilStart": 15,
	})
	// Valid.
	g.send(t, "appointment:reminder", map[string]any{
		"appointmentId":     "a1",
		"appointment":       map[string]any{"id": "a1", "title": "Session"},
		"minutesUntilStart": 15,
	})

	waitFor(t, "reminder dispatch", func() bool { return reminders.Load() == 1 })
	time.Sleep(50 * time.Millisecond)
	if reminders.Load() != 1 {
		t.Errorf("reminder handler invoked %d times, want 1", reminders.Load())
	}
}

func TestDisconnectUnsubscribesAndClears(t *testing.T) {
	g := newMockGateway()
	defer g.close()

	ch := connectedChannel(t, g, Handlers{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := ch.SubscribeToCalendar(ctx, "cal-1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := ch.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	if len(ch.Subscriptions()) != 0 {
		t.Error("subscription set must be cleared on disconnect")
	}
	if ch.Conn().Status() != realtime.StatusDisconnected {
		t.Errorf("status = %s, want disconnected", ch.Conn().Status())
	}

	waitFor(t, "unsubscribe frames", func() bool {
		return g.countFrames("unsubscribe:calendar", "cal-1") == 1 &&
			g.countFrames("unsubscribe:tenant", "") == 1
	})
}
