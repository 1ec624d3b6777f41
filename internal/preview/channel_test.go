// Inksync - Studio Real-Time Event Synchronization
// Copyright 2026 Inkatelier
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/inkatelier/inksync

package preview

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

// mockPreviewServer simulates the preview gateway: it records the token of
// each connect attempt and every inbound frame, and lets tests push events
// to the most recent client.
type mockPreviewServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu     sync.Mutex
	tokens []string
	conns  []*websocket.Conn
	frames []realtime.Envelope
}

func newMockPreviewServer() *mockPreviewServer {
	s := &mockPreviewServer{
		upgrader: websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }},
	}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.tokens = append(s.tokens, r.URL.Query().Get("token"))
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		go func() {
			for {
				var env realtime.Envelope
				if err := conn.ReadJSON(&env); err != nil {
					return
				}
				s.mu.Lock()
				s.frames = append(s.frames, env)
				s.mu.Unlock()
			}
		}()
	}))
	return s
}

func (s *mockPreviewServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http")
}

func (s *mockPreviewServer) close() { s.server.Close() }

func (s *mockPreviewServer) lastToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tokens) == 0 {
		return ""
	}
	return s.tokens[len(s.tokens)-1]
}

func (s *mockPreviewServer) send(t *testing.T, event string, data any) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		t.Fatal("no client connection to send on")
	}
	payload, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	if err := s.conns[len(s.conns)-1].WriteJSON(realtime.Envelope{Event: event, Data: payload}); err != nil {
		t.Fatalf("send %s: %v", event, err)
	}
}

// lastFrame returns the most recent frame matching event, if any.
func (s *mockPreviewServer) lastFrame(event string) (realtime.Envelope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.frames) - 1; i >= 0; i-- {
		if s.frames[i].Event == event {
			return s.frames[i], true
		}
	}
	return realtime.Envelope{}, false
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

func authenticatingChannel(t *testing.T, s *mockPreviewServer, token string, handlers Handlers) *Channel {
	t.Helper()
	wsURL, err := BuildWSURL(s.wsURL(), token)
	if err != nil {
		t.Fatalf("BuildWSURL failed: %v", err)
	}
	conn := realtime.NewConn(wsURL, realtime.Options{Handshake: true})
	ch := NewChannel(conn, handlers)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ch.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return ch
}

func TestBuildWSURL(t *testing.T) {
	tests := []struct {
		name  string
		base  string
		token string
		want  string
	}{
		{"http to ws", "http://studio.local/preview", "tok1", "ws://studio.local/preview?token=tok1"},
		{"https to wss", "https://studio.local/preview", "tok1", "wss://studio.local/preview?token=tok1"},
		{"ws unchanged", "ws://studio.local/preview", "tok1", "ws://studio.local/preview?token=tok1"},
		{"preserves query", "https://studio.local/preview?v=2", "tok1", "wss://studio.local/preview?token=tok1&v=2"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := BuildWSURL(tc.base, tc.token)
			if err != nil {
				t.Fatalf("BuildWSURL failed: %v", err)
			}
			if got != tc.want {
				t.Errorf("BuildWSURL = %q, want %q", got, tc.want)
			}
		})
	}

	if _, err := BuildWSURL("://bad", "tok"); err == nil {
		t.Error("expected error for unparseable url")
	}
}

func TestHandshakePromotesToConnected(t *testing.T) {
	var connected atomic.Int64
	s := newMockPreviewServer()
	defer s.close()

	ch := authenticatingChannel(t, s, "secret-token", Handlers{
		OnConnected: func(models.ConnectedEvent) { connected.Add(1) },
	})

	if got := ch.Conn().Status(); got != realtime.StatusAuthenticating {
		t.Fatalf("status before handshake = %s, want authenticating", got)
	}
	if ch.Ready() {
		t.Fatal("channel must not be ready before the server acknowledges")
	}
	if got := s.lastToken(); got != "secret-token" {
		t.Errorf("server saw token %q, want secret-token", got)
	}

	s.send(t, "connected", models.ConnectedEvent{UserID: "user-7", SocketID: "sock-1"})

	waitFor(t, "handshake completion", ch.Ready)
	if got := ch.Conn().Status(); got != realtime.StatusConnected {
		t.Errorf("status after handshake = %s, want connected", got)
	}
	userID, socketID := ch.Identity()
	if userID != "user-7" || socketID != "sock-1" {
		t.Errorf("identity = %q/%q, want user-7/sock-1", userID, socketID)
	}
	if connected.Load() != 1 {
		t.Errorf("OnConnected invoked %d times, want 1", connected.Load())
	}
}

func TestInvalidConnectedEventIgnored(t *testing.T) {
	s := newMockPreviewServer()
	defer s.close()

	ch := authenticatingChannel(t, s, "tok", Handlers{})

	// Missing socketId, fails validation.
	s.send(t, "connected", map[string]any{"userId": "user-7"})

	time.Sleep(100 * time.Millisecond)
	if ch.Ready() {
		t.Error("invalid connected event must not complete the handshake")
	}
	if got := ch.Conn().Status(); got != realtime.StatusAuthenticating {
		t.Errorf("status = %s, want authenticating", got)
	}
}

func TestSubmitJobPreconditions(t *testing.T) {
	s := newMockPreviewServer()
	defer s.close()

	ch := authenticatingChannel(t, s, "tok", Handlers{})

	if err := ch.SubmitJob([]string{"only-one"}, nil, nil, ""); !errors.Is(err, ErrImageCount) {
		t.Errorf("image count error = %v, want ErrImageCount", err)
	}
	// Two images but still authenticating.
	if err := ch.SubmitJob([]string{"a", "b"}, nil, nil, ""); !errors.Is(err, realtime.ErrNotConnected) {
		t.Errorf("not-ready error = %v, want ErrNotConnected", err)
	}
	if _, ok := s.lastFrame("process-images"); ok {
		t.Error("nothing may be sent on a precondition violation")
	}
}

func TestSubmitJobSendsRequest(t *testing.T) {
	s := newMockPreviewServer()
	defer s.close()

	ch := authenticatingChannel(t, s, "tok", Handlers{})
	s.send(t, "connected", models.ConnectedEvent{UserID: "u", SocketID: "s"})
	waitFor(t, "handshake", ch.Ready)

	if err := ch.SubmitJob([]string{"img-a", "img-b"}, nil, []string{"black"}, "sleeve"); err != nil {
		t.Fatalf("SubmitJob failed: %v", err)
	}

	waitFor(t, "process request frame", func() bool {
		_, ok := s.lastFrame("process-images")
		return ok
	})
	frame, _ := s.lastFrame("process-images")

	var req models.ProcessRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if len(req.Files) != 2 || req.Files[0] != "img-a" {
		t.Errorf("files = %v", req.Files)
	}
	if req.Styles == nil || len(req.Styles) != 0 {
		t.Errorf("nil styles must be sent as an empty list, got %v", req.Styles)
	}
	if len(req.Colors) != 1 || req.Colors[0] != "black" {
		t.Errorf("colors = %v", req.Colors)
	}
	if req.Description != "sleeve" {
		t.Errorf("description = %q", req.Description)
	}
}

func TestProcessingEventDispatchAndValidation(t *testing.T) {
	var progress atomic.Int64
	s := newMockPreviewServer()
	defer s.close()

	ch := authenticatingChannel(t, s, "tok", Handlers{
		OnProgress: func(event models.ProgressEvent) { progress.Store(int64(event.Progress)) },
	})
	s.send(t, "connected", models.ConnectedEvent{UserID: "u", SocketID: "s"})
	waitFor(t, "handshake", ch.Ready)

	// Out of range, dropped by validation.
	s.send(t, "processing:progress", map[string]any{"jobId": "j1", "progress": 150})
	// Valid.
	s.send(t, "processing:progress", models.ProgressEvent{JobID: "j1", Progress: 55})

	waitFor(t, "progress dispatch", func() bool { return progress.Load() == 55 })
}

func TestPing(t *testing.T) {
	var pongs atomic.Int64
	s := newMockPreviewServer()
	defer s.close()

	ch := authenticatingChannel(t, s, "tok", Handlers{
		OnPong: func(models.PongEvent) { pongs.Add(1) },
	})

	if err := ch.Ping(); !errors.Is(err, realtime.ErrNotConnected) {
		t.Errorf("ping before handshake error = %v, want ErrNotConnected", err)
	}

	s.send(t, "connected", models.ConnectedEvent{UserID: "u", SocketID: "s"})
	waitFor(t, "handshake", ch.Ready)

	if err := ch.Ping(); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	waitFor(t, "ping frame", func() bool {
		_, ok := s.lastFrame("ping")
		return ok
	})
	s.send(t, "pong", models.PongEvent{Timestamp: time.Now()})
	waitFor(t, "pong dispatch", func() bool { return pongs.Load() == 1 })
}
