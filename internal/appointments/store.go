// Inksync - Studio Real-Time Event Synchronization
// Copyright 2026 Inkatelier
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/inkatelier/inksync

package appointments

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/inkatelier/inksync/internal/logging"
	"github.com/inkatelier/inksync/internal/models"
)

// ReminderFunc is notified for each validated reminder event with the
// embedded appointment and the minutes remaining before it starts.
type ReminderFunc func(appointment models.Appointment, minutesUntilStart int)

// Stats are the derived collection statistics. Revenue sums totalPrice over
// exactly the CONFIRMED and COMPLETED subset, treating a missing price as
// zero.
type Stats struct {
	Total        int     `json:"total"`
	Pending      int     `json:"pending"`
	Confirmed    int     `json:"confirmed"`
	Cancelled    int     `json:"cancelled"`
	Completed    int     `json:"completed"`
	TotalRevenue float64 `json:"totalRevenue"`
}

// Store is the single owner of the in-memory appointment collection. It
// reconciles the REST bootstrap with live channel events; nothing else may
// mutate the collection. All methods are safe for concurrent use, and every
// mutation funnels through the store's lock, so interleaved events and local
// edits serialize into a deterministic sequence.
type Store struct {
	mu          sync.RWMutex
	order       []string
	byID        map[string]*models.Appointment
	initialized bool
	lastErr     error

	bootstrap  *BootstrapClient
	tenantID   string
	onReminder ReminderFunc
}

// NewStore creates a store for one tenant. A non-nil initial collection
// seeds the store and suppresses the bootstrap fetch entirely. onReminder
// may be nil.
func NewStore(bootstrap *BootstrapClient, tenantID string, initial []models.Appointment, onReminder ReminderFunc) *Store {
	s := &Store{
		byID:       make(map[string]*models.Appointment),
		bootstrap:  bootstrap,
		tenantID:   tenantID,
		onReminder: onReminder,
	}
	if initial != nil {
		for i := range initial {
			s.insertLocked(initial[i])
		}
		s.initialized = true
	}
	return s
}

// Bootstrap performs the one-time initial REST fetch. It is a no-op once the
// store has been initialized by seed data, a previous fetch, or any applied
// event, so re-renders never trigger redundant network calls. A failed fetch
// records the typed error and leaves the collection untouched.
func (s *Store) Bootstrap(ctx context.Context) error {
	s.mu.RLock()
	done := s.initialized
	s.mu.RUnlock()
	if done {
		return nil
	}

	appointments, err := s.bootstrap.Fetch(ctx, s.tenantID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		// An event initialized the collection while the fetch was in
		// flight; live data wins.
		return nil
	}
	if err != nil {
		s.lastErr = err
		return err
	}
	for i := range appointments {
		s.insertLocked(appointments[i])
	}
	s.initialized = true
	s.lastErr = nil
	logging.Info().Int("count", len(appointments)).Str("tenantId", s.tenantID).Msg("appointments: bootstrap complete")
	return nil
}

// Err returns the last bootstrap error, or nil.
func (s *Store) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Handlers returns channel handlers bound to this store's reducers, ready to
// pass to NewChannel.
func (s *Store) Handlers() Handlers {
	return Handlers{
		OnCreated:       s.applyCreated,
		OnUpdated:       s.applyUpdated,
		OnDeleted:       s.applyDeleted,
		OnStatusChanged: s.applyStatusChanged,
		OnRescheduled:   s.applyRescheduled,
		OnReminder:      s.handleReminder,
	}
}

// insertLocked appends an appointment unless its id is already present.
// Caller must hold s.mu.
func (s *Store) insertLocked(apt models.Appointment) bool {
	if apt.ID == "" {
		return false
	}
	if _, exists := s.byID[apt.ID]; exists {
		return false
	}
	stored := apt
	s.byID[apt.ID] = &stored
	s.order = append(s.order, apt.ID)
	return true
}

// removeLocked deletes by id. Caller must hold s.mu.
func (s *Store) removeLocked(id string) bool {
	if _, exists := s.byID[id]; !exists {
		return false
	}
	delete(s.byID, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// applyCreated appends the embedded appointment. Duplicate delivery of the
// same id is a no-op, so replaying a created event is idempotent.
func (s *Store) applyCreated(event models.AppointmentEvent) {
	if event.Data == nil {
		return
	}
	s.mu.Lock()
	s.insertLocked(*event.Data)
	s.initialized = true
	s.mu.Unlock()
}

// applyUpdated merges the incoming appointment into the entry matched by
// id; events carry the complete updated entity, so the merge is a replace.
// No-op when the id is unknown.
func (s *Store) applyUpdated(event models.AppointmentEvent) {
	if event.Data == nil {
		return
	}
	s.mu.Lock()
	if _, exists := s.byID[event.AppointmentID]; exists {
		updated := *event.Data
		s.byID[event.AppointmentID] = &updated
	}
	s.initialized = true
	s.mu.Unlock()
}

// applyDeleted removes the matched entry; no-op when absent.
func (s *Store) applyDeleted(event models.AppointmentEvent) {
	s.mu.Lock()
	s.removeLocked(event.AppointmentID)
	s.initialized = true
	s.mu.Unlock()
}

// applyStatusChanged sets only the status field on the matched entry.
func (s *Store) applyStatusChanged(event models.AppointmentEvent) {
	s.mu.Lock()
	if apt, exists := s.byID[event.AppointmentID]; exists {
		var status models.AppointmentStatus
		if event.Data != nil {
			status = event.Data.Status
		}
		if status == "" && event.Changes != nil {
			status = models.AppointmentStatus(event.Changes.NewValue)
		}
		if status != "" {
			apt.Status = status
		}
	}
	s.initialized = true
	s.mu.Unlock()
}

// applyRescheduled sets only the start/end timestamps on the matched entry.
func (s *Store) applyRescheduled(event models.AppointmentEvent) {
	if event.Data == nil {
		return
	}
	s.mu.Lock()
	if apt, exists := s.byID[event.AppointmentID]; exists {
		apt.StartTime = event.Data.StartTime
		apt.EndTime = event.Data.EndTime
	}
	s.initialized = true
	s.mu.Unlock()
}

// handleReminder invokes the notification callback; reminders never touch
// the collection.
func (s *Store) handleReminder(event models.ReminderEvent) {
	if s.onReminder == nil {
		return
	}
	minutes := 0
	if event.MinutesUntilStart != nil {
		minutes = *event.MinutesUntilStart
	}
	s.onReminder(*event.Appointment, minutes)
}

// Add inserts an appointment locally (optimistic edit); duplicate ids are
// ignored. Usable while disconnected.
func (s *Store) Add(apt models.Appointment) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := s.insertLocked(apt)
	if added {
		s.initialized = true
	}
	return added
}

// Update applies a local partial edit to the entry matched by id. Returns
// false without calling mutate when the id is unknown.
func (s *Store) Update(id string, mutate func(*models.Appointment)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	apt, exists := s.byID[id]
	if !exists {
		return false
	}
	mutate(apt)
	apt.ID = id // the identifier is not editable
	return true
}

// Remove deletes an entry locally; no-op when absent.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(id)
}

// Get returns the appointment with the given id.
func (s *Store) Get(id string) (models.Appointment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	apt, exists := s.byID[id]
	if !exists {
		return models.Appointment{}, false
	}
	return *apt, true
}

// All returns a copy of the collection in insertion order. Insertion order
// is incidental; no ordering is guaranteed.
func (s *Store) All() []models.Appointment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectLocked(func(*models.Appointment) bool { return true })
}

// Len returns the collection size.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// ByStatus filters by appointment status.
func (s *Store) ByStatus(status models.AppointmentStatus) []models.Appointment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectLocked(func(apt *models.Appointment) bool { return apt.Status == status })
}

// ByCalendar filters by calendar identifier.
func (s *Store) ByCalendar(calendarID string) []models.Appointment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectLocked(func(apt *models.Appointment) bool { return apt.CalendarID == calendarID })
}

// OnDay returns appointments whose start time falls inside the half-open
// local-time day interval [00:00, next day 00:00) of day. Time-of-day on the
// argument is ignored.
func (s *Store) OnDay(day time.Time) []models.Appointment {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	end := start.AddDate(0, 0, 1)

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectLocked(func(apt *models.Appointment) bool {
		t := apt.StartTime.In(day.Location())
		return !t.Before(start) && t.Before(end)
	})
}

// Search does a case-insensitive substring match across title, client name,
// client email, description, and notes. An empty or whitespace-only query
// returns the full collection.
func (s *Store) Search(query string) []models.Appointment {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return s.All()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectLocked(func(apt *models.Appointment) bool {
		return strings.Contains(strings.ToLower(apt.Title), q) ||
			strings.Contains(strings.ToLower(apt.Client.Name), q) ||
			strings.Contains(strings.ToLower(apt.Client.Email), q) ||
			strings.Contains(strings.ToLower(apt.Description), q) ||
			strings.Contains(strings.ToLower(apt.Notes), q)
	})
}

// Stats derives the collection statistics.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats Stats
	for _, id := range s.order {
		apt := s.byID[id]
		stats.Total++
		switch apt.Status {
		case models.AppointmentPending:
			stats.Pending++
		case models.AppointmentConfirmed:
			stats.Confirmed++
		case models.AppointmentCancelled:
			stats.Cancelled++
		case models.AppointmentCompleted:
			stats.Completed++
		}
		if apt.Status == models.AppointmentConfirmed || apt.Status == models.AppointmentCompleted {
			if apt.TotalPrice != nil {
				stats.TotalRevenue += *apt.TotalPrice
			}
		}
	}
	return stats
}

// collectLocked copies matching appointments in insertion order.
// Caller must hold s.mu.
func (s *Store) collectLocked(match func(*models.Appointment) bool) []models.Appointment {
	out := make([]models.Appointment, 0)
	for _, id := range s.order {
		if apt := s.byID[id]; match(apt) {
			out = append(out, *apt)
		}
	}
	return out
}
