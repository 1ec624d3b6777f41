// Inksync - Studio Real-Time Event Synchronization
// Copyright 2026 Inkatelier
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/inkatelier/inksync

package preview

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inkatelier/inksync/internal/logging"
	"github.com/inkatelier/inksync/internal/metrics"
	"github.com/inkatelier/inksync/internal/models"
	"github.com/inkatelier/inksync/internal/realtime"
)

// cancelledMessage is recorded on jobs cancelled locally.
const cancelledMessage = "cancelled by user"

// submitter is the slice of Channel the tracker needs; tests substitute a
// fake to avoid a live socket.
type submitter interface {
	Ready() bool
	SubmitJob(images, styles, colors []string, description string) error
}

// JobStats are the derived statistics over the job history.
type JobStats struct {
	Total       int           `json:"total"`
	Completed   int           `json:"completed"`
	Failed      int           `json:"failed"`
	AvgDuration time.Duration `json:"avgDuration"`
	SuccessRate float64       `json:"successRate"` // completed/total as a percentage, 0 when empty
}

// JobTracker is the single owner of the processing-job history. It wraps
// the channel's submit call with local bookkeeping and reconciles server
// events into per-job state.
//
// Matching policy: server events are matched strictly by job id. When the
// server assigns its own id at "started", the single uploading job adopts
// it; with several jobs in flight an unmatchable event is dropped rather
// than guessed at. A terminal event for a job already cancelled locally is
// ignored; cancellation wins over a late authoritative result.
type JobTracker struct {
	channel submitter

	mu        sync.RWMutex
	order     []string
	byID      map[string]*models.ProcessingJob
	currentID string

	onCompleted func(models.ProcessingJob)
	onError     func(models.ProcessingJob)

	// injectable for tests
	now   func() time.Time
	newID func() string
}

// NewJobTracker creates a tracker submitting through channel. Either
// callback may be nil. The channel may also be nil at construction and
// attached later with Bind, since the channel's handlers usually come from
// the tracker itself.
func NewJobTracker(channel submitter, onCompleted, onError func(models.ProcessingJob)) *JobTracker {
	return &JobTracker{
		channel:     channel,
		byID:        make(map[string]*models.ProcessingJob),
		onCompleted: onCompleted,
		onError:     onError,
		now:         time.Now,
		newID:       uuid.NewString,
	}
}

// Bind attaches the submitting channel, closing the construction loop:
// the channel is built with this tracker's Handlers, then bound here. Must
// happen before the first ProcessImages call.
func (t *JobTracker) Bind(channel submitter) {
	t.mu.Lock()
	t.channel = channel
	t.mu.Unlock()
}

// Handlers returns channel handlers bound to this tracker's reducers, ready
// to pass to NewChannel.
func (t *JobTracker) Handlers() Handlers {
	return Handlers{
		OnStarted:   t.applyStarted,
		OnProgress:  t.applyProgress,
		OnCompleted: t.applyCompleted,
		OnError:     t.applyError,
	}
}

// ProcessImages validates the request, creates the local job entry with
// status uploading, marks it current, and delegates the network call. Both
// preconditions are checked before any local state exists, so an invalid
// request leaves no orphaned job behind.
func (t *JobTracker) ProcessImages(images, styles, colors []string, description string) (string, error) {
	if len(images) != 2 {
		return "", ErrImageCount
	}
	t.mu.RLock()
	channel := t.channel
	t.mu.RUnlock()
	if channel == nil || !channel.Ready() {
		return "", realtime.ErrNotConnected
	}

	job := models.ProcessingJob{
		ID:           t.newID(),
		Status:       models.JobUploading,
		Progress:     0,
		StartedAt:    t.now(),
		SourceImages: [2]string{images[0], images[1]},
		Styles:       styles,
		Colors:       colors,
		Description:  description,
	}

	t.mu.Lock()
	stored := job
	t.byID[job.ID] = &stored
	t.order = append(t.order, job.ID)
	t.currentID = job.ID
	t.mu.Unlock()

	metrics.JobsSubmitted.Inc()

	if err := channel.SubmitJob(images, styles, colors, description); err != nil {
		// The entry stays in history as a failed submission.
		t.failJob(job.ID, err.Error())
		return job.ID, err
	}
	return job.ID, nil
}

// applyStarted transitions the submitted job to processing, attaching the
// server message. The current-job marker does not move.
func (t *JobTracker) applyStarted(event models.StartedEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, ok := t.byID[event.JobID]
	if !ok {
		job = t.adoptUploadingLocked(event.JobID)
		if job == nil {
			logging.Warn().Str("jobId", event.JobID).Msg("preview: started event for unknown job")
			return
		}
	}
	if job.Status != models.JobUploading {
		return
	}
	job.Status = models.JobProcessing
	job.Message = event.Message
}

// adoptUploadingLocked re-keys the single uploading job to a server-
// assigned id. Returns nil when zero or several uploading jobs exist.
// Caller must hold t.mu.
func (t *JobTracker) adoptUploadingLocked(serverID string) *models.ProcessingJob {
	var found *models.ProcessingJob
	oldID := ""
	for id, job := range t.byID {
		if job.Status == models.JobUploading {
			if found != nil {
				return nil // ambiguous, do not guess
			}
			found = job
			oldID = id
		}
	}
	if found == nil {
		return nil
	}

	delete(t.byID, oldID)
	found.ID = serverID
	t.byID[serverID] = found
	for i, id := range t.order {
		if id == oldID {
			t.order[i] = serverID
			break
		}
	}
	if t.currentID == oldID {
		t.currentID = serverID
	}
	return found
}

// applyProgress updates the matched job. Terminal jobs are left alone, so
// progress never drops back below 100 after completion.
func (t *JobTracker) applyProgress(event models.ProgressEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, ok := t.byID[event.JobID]
	if !ok || job.Status.Terminal() {
		return
	}
	job.Progress = event.Progress
	if event.Message != "" {
		job.Message = event.Message
	}
	if job.Status == models.JobUploading {
		job.Status = models.JobProcessing
	}
}

// applyCompleted finalizes the matched job: progress 100, result attached,
// completion stamped, callback invoked exactly once. Late events for jobs
// already terminal (including locally cancelled ones) are ignored.
func (t *JobTracker) applyCompleted(event models.CompletedEvent) {
	t.mu.Lock()
	job, ok := t.byID[event.JobID]
	if !ok || job.Status.Terminal() {
		t.mu.Unlock()
		return
	}
	job.Status = models.JobCompleted
	job.Progress = 100
	job.Result = event.Data
	completed := t.now()
	job.CompletedAt = &completed
	snapshot := *job
	t.mu.Unlock()

	metrics.JobsFinished.WithLabelValues("completed").Inc()
	if t.onCompleted != nil {
		t.onCompleted(snapshot)
	}
}

// applyError finalizes the matched job with the server's error, clears the
// current-job marker when it points at it, and invokes the error callback.
func (t *JobTracker) applyError(event models.JobErrorEvent) {
	t.failJob(event.JobID, event.Error)
}

// failJob moves a non-terminal job to the error state.
func (t *JobTracker) failJob(jobID, message string) {
	t.mu.Lock()
	job, ok := t.byID[jobID]
	if !ok || job.Status.Terminal() {
		t.mu.Unlock()
		return
	}
	job.Status = models.JobError
	job.Error = message
	completed := t.now()
	job.CompletedAt = &completed
	if t.currentID == jobID {
		t.currentID = ""
	}
	snapshot := *job
	t.mu.Unlock()

	metrics.JobsFinished.WithLabelValues("error").Inc()
	if t.onError != nil {
		t.onError(snapshot)
	}
}

// CancelJob marks a job failed with a fixed cancellation message, locally
// only; server-side processing may continue, and any later terminal event
// for the id is ignored because the job is already terminal.
func (t *JobTracker) CancelJob(jobID string) bool {
	t.mu.Lock()
	job, ok := t.byID[jobID]
	if !ok || job.Status.Terminal() {
		t.mu.Unlock()
		return false
	}
	job.Status = models.JobError
	job.Error = cancelledMessage
	completed := t.now()
	job.CompletedAt = &completed
	if t.currentID == jobID {
		t.currentID = ""
	}
	t.mu.Unlock()

	metrics.JobsFinished.WithLabelValues("cancelled").Inc()
	return true
}

// ClearHistory empties the collection and resets the current-job marker.
// Local only, never contacts the server.
func (t *JobTracker) ClearHistory() {
	t.mu.Lock()
	t.order = nil
	t.byID = make(map[string]*models.ProcessingJob)
	t.currentID = ""
	t.mu.Unlock()
}

// CurrentJob returns the job the tracker considers current, if any.
func (t *JobTracker) CurrentJob() (models.ProcessingJob, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.currentID == "" {
		return models.ProcessingJob{}, false
	}
	job, ok := t.byID[t.currentID]
	if !ok {
		return models.ProcessingJob{}, false
	}
	return *job, true
}

// IsProcessing reports whether any job in history is uploading or
// processing.
func (t *JobTracker) IsProcessing() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, job := range t.byID {
		if job.Status == models.JobUploading || job.Status == models.JobProcessing {
			return true
		}
	}
	return false
}

// Jobs returns a copy of the history in submission order.
func (t *JobTracker) Jobs() []models.ProcessingJob {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]models.ProcessingJob, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, *t.byID[id])
	}
	return out
}

// Get returns one job by id.
func (t *JobTracker) Get(jobID string) (models.ProcessingJob, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	job, ok := t.byID[jobID]
	if !ok {
		return models.ProcessingJob{}, false
	}
	return *job, true
}

// Stats derives the aggregate job statistics. Average duration is the mean
// wall-clock time of completed jobs; success rate is completed/total as a
// percentage, zero when the history is empty.
func (t *JobTracker) Stats() JobStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var stats JobStats
	var totalDuration time.Duration
	for _, id := range t.order {
		job := t.byID[id]
		stats.Total++
		switch job.Status {
		case models.JobCompleted:
			stats.Completed++
			if job.CompletedAt != nil {
				totalDuration += job.CompletedAt.Sub(job.StartedAt)
			}
		case models.JobError:
			stats.Failed++
		}
	}
	if stats.Completed > 0 {
		stats.AvgDuration = totalDuration / time.Duration(stats.Completed)
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(stats.Total) * 100
	}
	return stats
}
