// Inksync - Studio Real-Time Event Synchronization
// Copyright 2026 Inkatelier
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/inkatelier/inksync

// Package models defines the domain entities and wire payloads shared by the
// channel adapters and the state stores.
package models

import "time"

// AppointmentStatus enumerates the booking lifecycle states pushed by the
// scheduling backend.
type AppointmentStatus string

const (
	AppointmentPending   AppointmentStatus = "PENDING"
	AppointmentConfirmed AppointmentStatus = "CONFIRMED"
	AppointmentCancelled AppointmentStatus = "CANCELLED"
	AppointmentCompleted AppointmentStatus = "COMPLETED"
)

// ClientSummary is the embedded client snapshot carried on each appointment.
type ClientSummary struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Phone     string `json:"phone,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// Appointment is one booking as the scheduling backend sees it. Prices are in
// currency-agnostic minor units; DesignImages is an ordered list of design
// references.
type Appointment struct {
	ID           string            `json:"id"`
	Title        string            `json:"title"`
	Description  string            `json:"description,omitempty"`
	StartTime    time.Time         `json:"startTime"`
	EndTime      time.Time         `json:"endTime"`
	Status       AppointmentStatus `json:"status"`
	Deposit      *float64          `json:"deposit,omitempty"`
	TotalPrice   *float64          `json:"totalPrice,omitempty"`
	Notes        string            `json:"notes,omitempty"`
	DesignImages []string          `json:"designImages,omitempty"`
	TenantID     string            `json:"tenantId"`
	CalendarID   string            `json:"calendarId"`
	ClientID     string            `json:"clientId"`
	Client       ClientSummary     `json:"client"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// AppointmentEventType enumerates the appointment channel's server events.
type AppointmentEventType string

const (
	AppointmentCreated       AppointmentEventType = "created"
	AppointmentUpdated       AppointmentEventType = "updated"
	AppointmentDeleted       AppointmentEventType = "deleted"
	AppointmentStatusChanged AppointmentEventType = "status_changed"
	AppointmentRescheduled   AppointmentEventType = "rescheduled"
)

// AppointmentChange carries the old/new values on a status_changed event.
type AppointmentChange struct {
	OldValue string `json:"oldValue,omitempty"`
	NewValue string `json:"newValue,omitempty"`
}

// AppointmentEvent is the payload for every appointment mutation event.
// Deleted events may omit Data; all others must embed the full appointment.
type AppointmentEvent struct {
	AppointmentID string               `json:"appointmentId" validate:"required"`
	TenantID      string               `json:"tenantId"`
	CalendarID    string               `json:"calendarId"`
	ClientID      string               `json:"clientId"`
	EventType     AppointmentEventType `json:"eventType"`
	Timestamp     time.Time            `json:"timestamp"`
	Data          *Appointment         `json:"data,omitempty"`
	Changes       *AppointmentChange   `json:"changes,omitempty"`
}

// ReminderEvent is pushed shortly before an appointment starts. It never
// mutates the collection; stores surface it through a notification callback.
type ReminderEvent struct {
	AppointmentID     string       `json:"appointmentId" validate:"required"`
	Appointment       *Appointment `json:"appointment" validate:"required"`
	MinutesUntilStart *int         `json:"minutesUntilStart" validate:"required"`
	Timestamp         time.Time    `json:"timestamp"`
}
