// Inksync - Studio Real-Time Event Synchronization
// Copyright 2026 Inkatelier
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/inkatelier/inksync

package realtime

import "github.com/goccy/go-json"

// Envelope is the single frame format on both gateway channels. Event names
// follow the gateway protocol ("subscribe:calendar", "processing:progress",
// ...). Ack, when set on a client frame, asks the server to answer with an
// "ack" frame carrying the same correlation id.
type Envelope struct {
	Event string          `json:"event"`
	Ack   *uint64         `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// AckResult is the payload of a server "ack" frame.
type AckResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}
