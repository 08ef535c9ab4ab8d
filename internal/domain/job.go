package domain

import (
	"time"

	"github.com/google/uuid"
)

// Status enumerates job lifecycle states.
type Status string

const (
	StatusPending          Status = "pending"
	StatusQueued           Status = "queued"
	StatusGeneratingPrompt Status = "generating_prompt"
	StatusProcessing       Status = "processing"
	StatusUploading        Status = "uploading"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

// Terminal reports whether the state admits no further pipeline transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Trigger enumerates the originating reasons a job is created.
type Trigger string

const (
	TriggerButton        Trigger = "button"
	TriggerTextSelection Trigger = "text_selection"
	TriggerAutoBatch     Trigger = "auto_batch"
	TriggerAuthorDefined Trigger = "author_defined"
)

// TextSelection is the explicit span a user highlighted, plus surrounding
// context. Present only for TriggerTextSelection jobs.
type TextSelection struct {
	Text    string `json:"text"`
	Context string `json:"context,omitempty"`
}

// DefaultMaxRetries bounds how often a failed job may be re-run.
const DefaultMaxRetries = 3

// Job is the aggregate tracking one visualization request end-to-end. It is
// mutated exclusively through its own operations; each successful operation
// performs exactly one state transition and records exactly one Event.
type Job struct {
	ID        string
	BookID    string
	PageID    string
	ChapterID string
	UserID    string
	Trigger   Trigger
	Provider  string
	Params    map[string]any
	Selection *TextSelection
	Priority  int

	Status        Status
	SourceText    string
	Prompt        *PromptData
	ProviderJobID string
	ErrorMessage  string
	ErrorCode     string
	// LastError keeps the failure reason of the previous attempt across a
	// retry for audit purposes.
	LastError  string
	RetryCount int
	MaxRetries int

	QueuePosition int
	EstimatedWait time.Duration

	ProcessingStartedAt *time.Time
	CompletedAt         *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time

	Images []*GeneratedImage

	// Version is the optimistic-concurrency token compared-and-swapped by the
	// repository on every persisted write.
	Version int64

	events []Event
}

// CreateJobParams collects the immutable-at-creation fields of a Job.
type CreateJobParams struct {
	BookID     string
	PageID     string
	ChapterID  string
	UserID     string
	Trigger    Trigger
	Provider   string
	Params     map[string]any
	Selection  *TextSelection
	Priority   int
	MaxRetries int
}

// NewJob creates a pending job.
func NewJob(p CreateJobParams) (*Job, error) {
	if p.BookID == "" {
		return nil, &TransitionError{Op: "Create", Reason: "book id is required"}
	}
	if p.UserID == "" {
		return nil, &TransitionError{Op: "Create", Reason: "user id is required"}
	}
	switch p.Trigger {
	case TriggerButton, TriggerTextSelection, TriggerAutoBatch, TriggerAuthorDefined:
	default:
		return nil, &TransitionError{Op: "Create", Reason: "unknown trigger " + string(p.Trigger)}
	}
	if p.Selection != nil && p.Trigger != TriggerTextSelection {
		return nil, &TransitionError{Op: "Create", Reason: "text selection requires the text_selection trigger"}
	}
	maxRetries := p.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	now := time.Now().UTC()
	return &Job{
		ID:         uuid.NewString(),
		BookID:     p.BookID,
		PageID:     p.PageID,
		ChapterID:  p.ChapterID,
		UserID:     p.UserID,
		Trigger:    p.Trigger,
		Provider:   p.Provider,
		Params:     p.Params,
		Selection:  p.Selection,
		Priority:   p.Priority,
		Status:     StatusPending,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// Enqueue moves a pending job into the queue, snapshotting its position and
// estimated wait at insertion time.
func (j *Job) Enqueue(position int, eta time.Duration) error {
	if j.Status != StatusPending {
		return j.reject("Enqueue", "only a pending job can be enqueued")
	}
	j.Status = StatusQueued
	j.QueuePosition = position
	j.EstimatedWait = eta
	j.record(EventEnqueued, PercentQueued, "")
	return nil
}

// RefreshQueueSnapshot updates the stored position and wait estimate of a
// job that is already queued. No event is emitted; this is bookkeeping, not
// a transition.
func (j *Job) RefreshQueueSnapshot(position int, eta time.Duration) error {
	if j.Status != StatusQueued {
		return j.reject("RefreshQueueSnapshot", "job is not queued")
	}
	j.QueuePosition = position
	j.EstimatedWait = eta
	j.touch()
	return nil
}

// StartPromptGeneration begins the pipeline for a queued (or never-queued
// pending) job and records the processing start time.
func (j *Job) StartPromptGeneration(text string) error {
	if j.Status != StatusQueued && j.Status != StatusPending {
		return j.reject("StartPromptGeneration", "job is not waiting for dispatch")
	}
	if text == "" {
		return j.reject("StartPromptGeneration", "source text is required")
	}
	now := time.Now().UTC()
	j.Status = StatusGeneratingPrompt
	j.SourceText = text
	j.ProcessingStartedAt = &now
	j.record(EventPromptStarted, PercentPrompt, "")
	return nil
}

// SetPromptData stores the generated prompt. Valid only while the prompt step
// is in flight.
func (j *Job) SetPromptData(p *PromptData) error {
	if j.Status != StatusGeneratingPrompt {
		return j.reject("SetPromptData", "prompt data can only be set during prompt generation")
	}
	if p == nil {
		return j.reject("SetPromptData", "prompt data is required")
	}
	j.Prompt = p
	j.record(EventPromptReady, PercentPrompt, "")
	return nil
}

// StartAIProcessing records the external provider handle returned on submit
// and moves the job into the processing state.
func (j *Job) StartAIProcessing(handle string) error {
	if j.Status != StatusGeneratingPrompt {
		return j.reject("StartAIProcessing", "prompt generation has not started")
	}
	if j.Prompt == nil {
		return j.reject("StartAIProcessing", "prompt data must be set before processing")
	}
	if handle == "" {
		return j.reject("StartAIProcessing", "provider handle is required")
	}
	j.Status = StatusProcessing
	j.ProviderJobID = handle
	j.record(EventProcessingStarted, PercentProcessing, "")
	return nil
}

// StartUploading moves the job from processing to uploading.
func (j *Job) StartUploading() error {
	if j.Status != StatusProcessing {
		return j.reject("StartUploading", "job is not processing")
	}
	j.Status = StatusUploading
	j.record(EventUploadingStarted, PercentUploading, "")
	return nil
}

// AddImage appends a Generated Image. The first image added to the job is
// selected automatically.
func (j *Job) AddImage(meta ImageMetadata) (*GeneratedImage, error) {
	if j.Prompt == nil {
		return nil, j.reject("AddImage", "prompt data must be set before images are added")
	}
	img := &GeneratedImage{
		ID:          uuid.NewString(),
		JobID:       j.ID,
		Metadata:    meta,
		Prompt:      j.Prompt.Clone(),
		GeneratedAt: time.Now().UTC(),
	}
	if len(j.Images) == 0 {
		img.markSelected()
	}
	j.Images = append(j.Images, img)
	j.record(EventImageAdded, PercentUploading, img.ID)
	return img, nil
}

// Complete finishes the job. It is rejected while no surviving image exists.
func (j *Job) Complete() error {
	if len(j.ActiveImages()) == 0 {
		return j.reject("Complete", "job has no images")
	}
	now := time.Now().UTC()
	j.Status = StatusCompleted
	j.CompletedAt = &now
	j.record(EventCompleted, PercentCompleted, "")
	return nil
}

// Fail records a failure reason and code. Allowed from any non-terminal state.
func (j *Job) Fail(message, code string) error {
	if j.Status.Terminal() {
		return j.reject("Fail", "job already finished")
	}
	now := time.Now().UTC()
	j.Status = StatusFailed
	j.ErrorMessage = message
	j.ErrorCode = code
	j.CompletedAt = &now
	j.record(EventFailed, 0, message)
	return nil
}

// Cancel aborts a job that has not yet started uploading. Partial results of
// an uploading job are preserved instead.
func (j *Job) Cancel(reason string) error {
	switch j.Status {
	case StatusPending, StatusQueued, StatusGeneratingPrompt, StatusProcessing:
	default:
		return j.reject("Cancel", "job can no longer be cancelled")
	}
	now := time.Now().UTC()
	j.Status = StatusCancelled
	j.ErrorMessage = reason
	j.CompletedAt = &now
	j.record(EventCancelled, 0, reason)
	return nil
}

// Retry re-arms a failed job for another full pipeline pass. The previous
// error is kept aside for audit; handle and timestamps are cleared.
func (j *Job) Retry() error {
	if j.Status != StatusFailed {
		return j.reject("Retry", "only a failed job can be retried")
	}
	if j.RetryCount >= j.MaxRetries {
		return j.reject("Retry", "retry limit reached")
	}
	j.Status = StatusPending
	j.RetryCount++
	j.LastError = j.ErrorMessage
	j.ErrorMessage = ""
	j.ErrorCode = ""
	j.ProviderJobID = ""
	j.ProcessingStartedAt = nil
	j.CompletedAt = nil
	j.QueuePosition = 0
	j.EstimatedWait = 0
	j.record(EventRetried, PercentQueued, "")
	return nil
}

// CanRetry reports whether a caller may offer a retry action.
func (j *Job) CanRetry() bool {
	return j.Status == StatusFailed && j.RetryCount < j.MaxRetries
}

// SelectImage marks one image as selected, deselecting any previous choice.
func (j *Job) SelectImage(imageID string) error {
	target := j.findImage(imageID)
	if target == nil || target.IsDeleted {
		return ErrNotFound
	}
	for _, img := range j.Images {
		if img.IsSelected && img.ID != imageID {
			img.markDeselected()
		}
	}
	target.markSelected()
	j.touch()
	return nil
}

// DeleteImage soft-deletes an image. Deleting the selected image promotes the
// first remaining non-deleted image, if any.
func (j *Job) DeleteImage(imageID string) (*GeneratedImage, error) {
	target := j.findImage(imageID)
	if target == nil || target.IsDeleted {
		return nil, ErrNotFound
	}
	wasSelected := target.IsSelected
	target.markDeleted()
	if wasSelected {
		for _, img := range j.Images {
			if !img.IsDeleted {
				img.markSelected()
				break
			}
		}
	}
	j.touch()
	return target, nil
}

// UpdateImageMetadata replaces an image's storage metadata, used when a
// thumbnail arrives after the initial upload.
func (j *Job) UpdateImageMetadata(imageID string, meta ImageMetadata) error {
	target := j.findImage(imageID)
	if target == nil || target.IsDeleted {
		return ErrNotFound
	}
	target.Metadata = meta
	j.touch()
	return nil
}

// ActiveImages returns the non-deleted images in insertion order.
func (j *Job) ActiveImages() []*GeneratedImage {
	out := make([]*GeneratedImage, 0, len(j.Images))
	for _, img := range j.Images {
		if !img.IsDeleted {
			out = append(out, img)
		}
	}
	return out
}

// SelectedImage returns the selected non-deleted image, or nil.
func (j *Job) SelectedImage() *GeneratedImage {
	for _, img := range j.Images {
		if img.IsSelected && !img.IsDeleted {
			return img
		}
	}
	return nil
}

// DrainEvents returns and clears the events recorded since the last drain.
func (j *Job) DrainEvents() []Event {
	evs := j.events
	j.events = nil
	return evs
}

func (j *Job) findImage(imageID string) *GeneratedImage {
	for _, img := range j.Images {
		if img.ID == imageID {
			return img
		}
	}
	return nil
}

func (j *Job) reject(op, reason string) error {
	return &TransitionError{Op: op, From: j.Status, Reason: reason}
}

func (j *Job) record(kind EventKind, percent int, message string) {
	j.touch()
	j.events = append(j.events, Event{
		Kind:    kind,
		JobID:   j.ID,
		UserID:  j.UserID,
		Status:  j.Status,
		Percent: percent,
		Message: message,
		At:      j.UpdatedAt,
	})
}

func (j *Job) touch() {
	j.UpdatedAt = time.Now().UTC()
}
