// Inksync - Studio Real-Time Event Synchronization
// Copyright 2026 Inkatelier
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/inkatelier/inksync

package appointments

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"

	"github.com/inkatelier/inksync/internal/models"
)

// maxErrorBodySize limits how much of an error response body is read for
// diagnostics.
const maxErrorBodySize = 64 * 1024

// BootstrapError is the typed error for a failed initial REST fetch: either
// a non-2xx response or a body that matches none of the accepted shapes.
type BootstrapError struct {
	StatusCode int
	Reason     string
}

func (e *BootstrapError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("appointments bootstrap: %s (HTTP %d)", e.Reason, e.StatusCode)
	}
	return fmt.Sprintf("appointments bootstrap: %s", e.Reason)
}

// BootstrapClient fetches the initial appointment collection from the REST
// gateway before live events arrive.
type BootstrapClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewBootstrapClient creates a client for the given REST gateway base URL.
// Pass nil to use a default client with a 30-second timeout.
func NewBootstrapClient(baseURL string, httpClient *http.Client) *BootstrapClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &BootstrapClient{baseURL: baseURL, httpClient: httpClient}
}

// bootstrapEnvelope covers the two object-wrapped response shapes the
// gateway is known to produce.
type bootstrapEnvelope struct {
	Appointments []models.Appointment `json:"appointments"`
	Data         []models.Appointment `json:"data"`
}

// Fetch retrieves all appointments for the tenant. The gateway answers with
// one of three shapes: a bare array, {"appointments": [...]}, or
// {"data": [...]}; anything else is a *BootstrapError.
func (c *BootstrapClient) Fetch(ctx context.Context, tenantID string) ([]models.Appointment, error) {
	endpoint := fmt.Sprintf("%s/appointments?tenantId=%s", c.baseURL, url.QueryEscape(tenantID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build bootstrap request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bootstrap request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain a bounded amount so the transport can reuse the connection.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodySize))
		return nil, &BootstrapError{StatusCode: resp.StatusCode, Reason: resp.Status}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read bootstrap response: %w", err)
	}

	return parseBootstrapBody(body)
}

// parseBootstrapBody probes the three accepted response shapes in order.
func parseBootstrapBody(body []byte) ([]models.Appointment, error) {
	var bare []models.Appointment
	if err := json.Unmarshal(body, &bare); err == nil {
		return bare, nil
	}

	var env bootstrapEnvelope
	if err := json.Unmarshal(body, &env); err == nil {
		if env.Appointments != nil {
			return env.Appointments, nil
		}
		if env.Data != nil {
			return env.Data, nil
		}
	}

	return nil, &BootstrapError{Reason: "invalid response format"}
}
