// Inksync - Studio Real-Time Event Synchronization
// Copyright 2026 Inkatelier
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/inkatelier/inksync

// Package config loads and validates the inksync configuration from layered
// sources: built-in defaults, an optional YAML file, and INKSYNC_* environment
// variables (highest priority).
package config

import (
	"fmt"
	"time"

	"github.com/inkatelier/inksync/internal/validation"
)

// Config is the root configuration for the sync client and daemon.
type Config struct {
	Tenant       TenantConfig    `koanf:"tenant"`
	Appointments ChannelConfig   `koanf:"appointments"`
	Preview      ChannelConfig   `koanf:"preview"`
	Reconnect    ReconnectConfig `koanf:"reconnect"`
	Server       ServerConfig    `koanf:"server"`
	Log          LogConfig       `koanf:"log"`
}

// TenantConfig identifies the studio and carries the gateway credentials.
// The auth token is issued by the external auth provider and treated as
// opaque here.
type TenantConfig struct {
	ID        string `koanf:"id" validate:"required"`
	AuthToken string `koanf:"auth_token"`
}

// ChannelConfig describes one WebSocket channel endpoint.
// APIBaseURL is only used by the appointments channel for the REST bootstrap.
type ChannelConfig struct {
	WSURL      string `koanf:"ws_url" validate:"omitempty,url"`
	APIBaseURL string `koanf:"api_base_url" validate:"omitempty,url"`
}

// ReconnectConfig controls the transport retry policy shared by both channels.
type ReconnectConfig struct {
	Enabled  bool          `koanf:"enabled"`
	Attempts int           `koanf:"attempts" validate:"gte=0"`
	Delay    time.Duration `koanf:"delay" validate:"gte=0"`
}

// ServerConfig configures the daemon's operational HTTP listener
// (health and metrics only; no domain API is served).
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port" validate:"gte=1,lte=65535"`
	Timeout time.Duration `koanf:"timeout"`
}

// LogConfig configures the global logger.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error fatal disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

// Validate checks the configuration against its struct tags plus the
// cross-field rules koanf cannot express.
func (c *Config) Validate() error {
	if verr := validation.ValidateStruct(c); verr != nil {
		return fmt.Errorf("invalid configuration: %w", verr)
	}
	if c.Appointments.WSURL == "" && c.Preview.WSURL == "" {
		return fmt.Errorf("at least one channel ws_url must be configured")
	}
	if c.Preview.WSURL != "" && c.Tenant.AuthToken == "" {
		return fmt.Errorf("tenant.auth_token is required when the preview channel is configured")
	}
	return nil
}
