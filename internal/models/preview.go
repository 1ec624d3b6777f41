// Inksync - Studio Real-Time Event Synchronization
// Copyright 2026 Inkatelier
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/inkatelier/inksync

package models

import "time"

// JobStatus enumerates the lifecycle of one image-processing job as tracked
// on the client.
type JobStatus string

const (
	JobIdle       JobStatus = "idle"
	JobUploading  JobStatus = "uploading"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobError      JobStatus = "error"
)

// Terminal reports whether the status is a final state.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobError
}

// JobResult is the opaque result payload of a completed job. ImageURL
// resolves to a displayable rendering (a URL or an inline-encoded image).
type JobResult struct {
	ImageURL string         `json:"imageUrl,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ProcessingJob is one client-submitted preview request and its tracked
// lifecycle. The ID is client-generated; server events reference it.
type ProcessingJob struct {
	ID          string     `json:"id"`
	Status      JobStatus  `json:"status"`
	Progress    int        `json:"progress"`
	Message     string     `json:"message,omitempty"`
	Result      *JobResult `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	// Submission inputs, kept for history display.
	SourceImages [2]string `json:"sourceImages"`
	Styles       []string  `json:"styles,omitempty"`
	Colors       []string  `json:"colors,omitempty"`
	Description  string    `json:"description,omitempty"`
}

// ProcessRequest is the client→server payload of a process-images event.
type ProcessRequest struct {
	Files       []string `json:"files" validate:"required,len=2"`
	Styles      []string `json:"styles"`
	Colors      []string `json:"colors"`
	Description string   `json:"description"`
}

// ConnectedEvent is the preview server's application-level handshake
// acknowledgment. The transport connect alone does not make the channel
// ready; this event does.
type ConnectedEvent struct {
	Message  string `json:"message"`
	UserID   string `json:"userId" validate:"required"`
	SocketID string `json:"socketId" validate:"required"`
}

// StartedEvent acknowledges that a submitted job began processing.
type StartedEvent struct {
	JobID     string    `json:"jobId" validate:"required"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ProgressEvent carries incremental job progress, 0-100.
type ProgressEvent struct {
	JobID     string    `json:"jobId" validate:"required"`
	Progress  int       `json:"progress" validate:"gte=0,lte=100"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CompletedEvent is terminal for a job and carries its result.
type CompletedEvent struct {
	JobID     string     `json:"jobId" validate:"required"`
	Data      *JobResult `json:"data" validate:"required"`
	Timestamp time.Time  `json:"timestamp"`
}

// JobErrorEvent is terminal for a job and carries the server's error string.
type JobErrorEvent struct {
	JobID     string    `json:"jobId" validate:"required"`
	Error     string    `json:"error" validate:"required"`
	Timestamp time.Time `json:"timestamp"`
}

// PongEvent is the liveness reply to a client ping.
type PongEvent struct {
	Timestamp time.Time `json:"timestamp"`
	SocketID  string    `json:"socketId"`
}

// ChannelError is the server's generic error event on either channel.
type ChannelError struct {
	Message string `json:"message" validate:"required"`
}
