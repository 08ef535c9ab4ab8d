package domain

import (
	"context"
	"time"
)

// JobRepository defines persistence for the job aggregate. Update performs a
// compare-and-swap on the aggregate's Version and returns ErrStaleVersion when
// another writer got there first.
type JobRepository interface {
	Create(ctx context.Context, job *Job) error
	Update(ctx context.Context, job *Job) error
	GetByID(ctx context.Context, jobID string) (*Job, error)
}

// JobQueue orders pending jobs for dispatch: descending priority, then FIFO
// within a priority tier. Dequeue must be atomic across concurrent callers.
type JobQueue interface {
	Enqueue(ctx context.Context, jobID string, priority int) (position int, err error)
	Dequeue(ctx context.Context) (jobID string, ok bool, err error)
	Position(ctx context.Context, jobID string) (int, error)
	Len(ctx context.Context) (int, error)
	Remove(ctx context.Context, jobID string) (bool, error)
	EstimateWait(position int) time.Duration
}

// Progress is pushed to the initiating user while a job advances.
type Progress struct {
	JobID   string `json:"job_id"`
	Status  Status `json:"status"`
	Percent int    `json:"percent"`
	Message string `json:"message,omitempty"`
}

// JobSummary is the user-facing snapshot of a job, also the unit stored in the
// optional summary cache.
type JobSummary struct {
	JobID         string     `json:"job_id"`
	BookID        string     `json:"book_id"`
	PageID        string     `json:"page_id,omitempty"`
	Status        Status     `json:"status"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	ErrorCode     string     `json:"error_code,omitempty"`
	CanRetry      bool       `json:"can_retry"`
	RetryCount    int        `json:"retry_count"`
	QueuePosition int        `json:"queue_position,omitempty"`
	EstimatedWait string     `json:"estimated_wait,omitempty"`
	ImageCount    int        `json:"image_count"`
	SelectedURL   string     `json:"selected_url,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Summarize builds the user-facing snapshot of a job.
func Summarize(j *Job) JobSummary {
	s := JobSummary{
		JobID:        j.ID,
		BookID:       j.BookID,
		PageID:       j.PageID,
		Status:       j.Status,
		ErrorMessage: j.ErrorMessage,
		ErrorCode:    j.ErrorCode,
		CanRetry:     j.CanRetry(),
		RetryCount:   j.RetryCount,
		ImageCount:   len(j.ActiveImages()),
		CompletedAt:  j.CompletedAt,
	}
	if j.Status == StatusQueued {
		s.QueuePosition = j.QueuePosition
		if j.EstimatedWait > 0 {
			s.EstimatedWait = j.EstimatedWait.String()
		}
	}
	if sel := j.SelectedImage(); sel != nil {
		s.SelectedURL = sel.Metadata.URL
	}
	return s
}

// Notifier pushes progress to the initiating user. Delivery is fire-and-forget
// from the pipeline's perspective; implementations must never block a job.
type Notifier interface {
	NotifyProgress(ctx context.Context, userID string, p Progress)
	NotifyCompleted(ctx context.Context, userID string, s JobSummary)
	NotifyFailed(ctx context.Context, userID, jobID, message string)
}

// SummaryCache is the optional acceleration layer in front of the repository.
// The pipeline works identically when backed by a no-op implementation.
type SummaryCache interface {
	Get(ctx context.Context, jobID string) (*JobSummary, bool)
	Set(ctx context.Context, jobID string, s JobSummary, ttl time.Duration)
	Invalidate(ctx context.Context, jobID string)
}
