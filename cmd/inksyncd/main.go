// Inksync - Studio Real-Time Event Synchronization
// Copyright 2026 Inkatelier
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/inkatelier/inksync

// Package main is the entry point for the inksync daemon.
//
// Inksyncd keeps a studio's local view of the Inkatelier gateway in sync:
// it maintains the appointment channel (tenant and calendar subscriptions,
// REST bootstrap, live reconciliation into the in-memory store) and the
// AI preview channel (token-authenticated job submission and tracking).
//
// # Application Architecture
//
// The daemon initializes components in the following order:
//
//  1. Configuration: layered settings from defaults, config.yaml, and
//     INKSYNC_* environment variables (Koanf v2)
//  2. Logging: zerolog with configurable level and format
//  3. Appointment channel: WebSocket session, store, REST bootstrap
//  4. Preview channel: token handshake and job tracker
//  5. Operational HTTP listener: /healthz and /metrics only
//
// Either channel may be disabled by leaving its ws_url empty; at least one
// must be configured.
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins):
//   - Environment variables (INKSYNC_TENANT_ID, INKSYNC_APPOINTMENTS_WS_URL, ...)
//   - Config file (config.yaml, or the path in INKSYNC_CONFIG)
//   - Built-in defaults
//
// # Signal Handling
//
// The daemon handles graceful shutdown on SIGINT and SIGTERM:
//   - Stops the operational HTTP listener
//   - Unsubscribes and closes the appointment channel
//   - Closes the preview channel
//
// # Example Usage
//
// Appointments only:
//
//	export INKSYNC_TENANT_ID=studio-madrid
//	export INKSYNC_APPOINTMENTS_WS_URL=wss://gateway.inkatelier.example/appointments
//	export INKSYNC_APPOINTMENTS_API_BASE_URL=https://api.inkatelier.example
//	./inksyncd
//
// Both channels:
//
//	export INKSYNC_TENANT_ID=studio-madrid
//	export INKSYNC_TENANT_AUTH_TOKEN=your-gateway-token
//	export INKSYNC_APPOINTMENTS_WS_URL=wss://gateway.inkatelier.example/appointments
//	export INKSYNC_PREVIEW_WS_URL=wss://gateway.inkatelier.example/preview
//	./inksyncd
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/inkatelier/inksync/internal/appointments"
	"github.com/inkatelier/inksync/internal/config"
	"github.com/inkatelier/inksync/internal/logging"
	"github.com/inkatelier/inksync/internal/metrics"
	"github.com/inkatelier/inksync/internal/models"
	"github.com/inkatelier/inksync/internal/preview"
	"github.com/inkatelier/inksync/internal/realtime"
)

func main() {
	// Load configuration first to get logging settings
	cfg, err := config.Load()
	if err != nil {
		// Use default logger for config errors (config not yet available)
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})

	logging.Info().
		Str("tenant", cfg.Tenant.ID).
		Bool("appointments", cfg.Appointments.WSURL != "").
		Bool("preview", cfg.Preview.WSURL != "").
		Msg("Starting inksyncd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		apptChannel *appointments.Channel
		store       *appointments.Store
		prevChannel *preview.Channel
		tracker     *preview.JobTracker
	)

	if cfg.Appointments.WSURL != "" {
		apptChannel, store = initAppointments(ctx, cfg)
	}
	if cfg.Preview.WSURL != "" {
		prevChannel, tracker = initPreview(ctx, cfg)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      newRouter(apptChannel, store, prevChannel, tracker),
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
	}

	go func() {
		logging.Info().Str("addr", server.Addr).Msg("Operational HTTP listener started")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error().Err(err).Msg("HTTP listener failed")
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case <-ctx.Done():
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("HTTP listener shutdown error")
	}

	if apptChannel != nil {
		if err := apptChannel.Disconnect(); err != nil {
			logging.Error().Err(err).Msg("Error closing appointment channel")
		}
	}
	if prevChannel != nil {
		if err := prevChannel.Conn().Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing preview channel")
		}
	}

	logging.Info().Msg("Application stopped gracefully")
}

// reconnectOptions translates the shared retry policy into connection
// options.
func reconnectOptions(cfg *config.Config) realtime.Options {
	return realtime.Options{
		Reconnection:         cfg.Reconnect.Enabled,
		ReconnectionAttempts: cfg.Reconnect.Attempts,
		ReconnectionDelay:    cfg.Reconnect.Delay,
	}
}

// initAppointments wires the appointment channel and its store, connects,
// and runs the REST bootstrap when an API base URL is configured. The
// bootstrap runs after the channel is live, so no event falls in the gap
// between snapshot and stream.
func initAppointments(ctx context.Context, cfg *config.Config) (*appointments.Channel, *appointments.Store) {
	var bootstrap *appointments.BootstrapClient
	if cfg.Appointments.APIBaseURL != "" {
		bootstrap = appointments.NewBootstrapClient(cfg.Appointments.APIBaseURL, nil)
	}

	store := appointments.NewStore(bootstrap, cfg.Tenant.ID, nil, func(apt models.Appointment, minutesUntilStart int) {
		logging.Info().
			Str("appointmentId", apt.ID).
			Str("title", apt.Title).
			Int("minutesUntilStart", minutesUntilStart).
			Msg("Appointment reminder")
	})

	opts := reconnectOptions(cfg)
	opts.Name = "appointments"
	conn := realtime.NewConn(cfg.Appointments.WSURL, opts)
	conn.OnStatusChange(func(s realtime.Status) {
		metrics.SetConnectionStatus("appointments", string(s))
	})

	channel := appointments.NewChannel(conn, cfg.Tenant.ID, store.Handlers())

	if err := channel.Connect(ctx); err != nil {
		logging.Fatal().Err(err).Msg("Failed to connect appointment channel")
	}
	logging.Info().Msg("Appointment channel connected")

	if bootstrap != nil {
		if err := store.Bootstrap(ctx); err != nil {
			logging.Warn().Err(err).Msg("Appointment bootstrap failed, continuing with live events only")
		} else {
			logging.Info().Int("count", store.Len()).Msg("Appointment snapshot loaded")
		}
	}
	return channel, store
}

// initPreview wires the preview channel and its job tracker and connects.
// The session stays in the authenticating phase until the server validates
// the token and sends its connected event.
func initPreview(ctx context.Context, cfg *config.Config) (*preview.Channel, *preview.JobTracker) {
	wsURL, err := preview.BuildWSURL(cfg.Preview.WSURL, cfg.Tenant.AuthToken)
	if err != nil {
		logging.Fatal().Err(err).Msg("Invalid preview channel URL")
	}

	opts := reconnectOptions(cfg)
	opts.Name = "preview"
	opts.Handshake = true
	conn := realtime.NewConn(wsURL, opts)
	conn.OnStatusChange(func(s realtime.Status) {
		metrics.SetConnectionStatus("preview", string(s))
	})

	tracker := preview.NewJobTracker(nil,
		func(job models.ProcessingJob) {
			logging.Info().Str("jobId", job.ID).Msg("Preview job completed")
		},
		func(job models.ProcessingJob) {
			logging.Warn().Str("jobId", job.ID).Str("error", job.Error).Msg("Preview job failed")
		})

	handlers := tracker.Handlers()
	handlers.OnConnected = func(event models.ConnectedEvent) {
		logging.Info().Str("userId", event.UserID).Str("socketId", event.SocketID).Msg("Preview channel ready")
	}
	handlers.OnChannelError = func(event models.ChannelError) {
		logging.Warn().Str("message", event.Message).Msg("Preview channel error")
	}

	channel := preview.NewChannel(conn, handlers)
	tracker.Bind(channel)

	if err := channel.Connect(ctx); err != nil {
		logging.Fatal().Err(err).Msg("Failed to connect preview channel")
	}
	logging.Info().Msg("Preview channel connected, awaiting handshake")

	return channel, tracker
}

// newRouter builds the operational HTTP surface: liveness plus Prometheus
// metrics. No domain API is served; domain state is consumed in-process.
func newRouter(appt *appointments.Channel, store *appointments.Store, prev *preview.Channel, tracker *preview.JobTracker) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		type channelHealth struct {
			Status string `json:"status"`
		}
		health := struct {
			Status       string         `json:"status"`
			Appointments *channelHealth `json:"appointments,omitempty"`
			Preview      *channelHealth `json:"preview,omitempty"`
			Stored       int            `json:"storedAppointments"`
			JobsTracked  int            `json:"jobsTracked"`
		}{Status: "ok"}

		if appt != nil {
			health.Appointments = &channelHealth{Status: string(appt.Conn().Status())}
			if appt.Conn().Status() == realtime.StatusError {
				health.Status = "degraded"
			}
		}
		if store != nil {
			health.Stored = store.Len()
		}
		if prev != nil {
			health.Preview = &channelHealth{Status: string(prev.Conn().Status())}
			if prev.Conn().Status() == realtime.StatusError {
				health.Status = "degraded"
			}
		}
		if tracker != nil {
			health.JobsTracked = tracker.Stats().Total
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status != "ok" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(health)
	})

	r.Handle("/metrics", promhttp.Handler())
	return r
}
