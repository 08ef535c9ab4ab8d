package domain

import "time"

// EventKind tags a transition record. The set is closed: every aggregate
// operation emits exactly one of these.
type EventKind string

const (
	EventEnqueued          EventKind = "enqueued"
	EventPromptStarted     EventKind = "prompt_started"
	EventPromptReady       EventKind = "prompt_ready"
	EventProcessingStarted EventKind = "processing_started"
	EventUploadingStarted  EventKind = "uploading_started"
	EventImageAdded        EventKind = "image_added"
	EventCompleted         EventKind = "completed"
	EventFailed            EventKind = "failed"
	EventCancelled         EventKind = "cancelled"
	EventRetried           EventKind = "retried"
)

// Event is one transition record. Events drive the progress notifier and are
// drained by whoever applied the operation; they are not persisted.
type Event struct {
	Kind    EventKind
	JobID   string
	UserID  string
	Status  Status
	Percent int
	Message string
	At      time.Time
}

// Progress percentages reported at each pipeline step.
const (
	PercentQueued     = 0
	PercentPrompt     = 10
	PercentProcessing = 30
	PercentUploading  = 80
	PercentCompleted  = 100
)
