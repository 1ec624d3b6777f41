// Inksync - Studio Real-Time Event Synchronization
// Copyright 2026 Inkatelier
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/inkatelier/inksync

// Package metrics provides Prometheus instrumentation for the event-sync
// layer. Metrics are exposed by the daemon at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection Metrics
	ConnectionStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "inksync_connection_status",
			Help: "Connection status per channel (0=disconnected, 1=connecting, 2=authenticating, 3=connected, 4=error)",
		},
		[]string{"channel"},
	)

	ReconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inksync_reconnects_total",
			Help: "Total reconnection attempts per channel",
		},
		[]string{"channel"},
	)

	// Event Metrics
	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inksync_events_received_total",
			Help: "Total inbound gateway events accepted after validation",
		},
		[]string{"channel", "event"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inksync_events_dropped_total",
			Help: "Total inbound gateway events dropped at the adapter boundary",
		},
		[]string{"channel", "event", "reason"}, // reason: "malformed", "validation"
	)

	SubscriptionReplays = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inksync_subscription_replays_total",
			Help: "Total calendar subscription replays performed after reconnects",
		},
	)

	// Job Metrics
	JobsSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inksync_preview_jobs_submitted_total",
			Help: "Total preview jobs submitted to the gateway",
		},
	)

	JobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inksync_preview_jobs_finished_total",
			Help: "Total preview jobs reaching a terminal state",
		},
		[]string{"outcome"}, // "completed", "error", "cancelled"
	)
)

// statusValues maps channel status strings to gauge values.
var statusValues = map[string]float64{
	"disconnected":   0,
	"connecting":     1,
	"authenticating": 2,
	"connected":      3,
	"error":          4,
}

// SetConnectionStatus records the current status of a channel.
func SetConnectionStatus(channel, status string) {
	ConnectionStatus.WithLabelValues(channel).Set(statusValues[status])
}
