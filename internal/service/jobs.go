// Package service is the application layer: it creates, queries and steers
// jobs on behalf of callers, leaving the pipeline itself to the worker.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"visualization/internal/content"
	"visualization/internal/domain"
	"visualization/internal/infra"
	"visualization/internal/storage"
)

// Default priorities per trigger. User-initiated jobs outrank background
// batch work.
const (
	PriorityInteractive = 5
	PriorityBatch       = 1
)

// DefaultSummaryTTL bounds how long a cached status snapshot may serve reads.
const DefaultSummaryTTL = 24 * time.Hour

// CreateJobInput describes one visualization request.
type CreateJobInput struct {
	BookID    string                `json:"book_id"`
	PageID    string                `json:"page_id"`
	ChapterID string                `json:"chapter_id"`
	UserID    string                `json:"user_id"`
	Trigger   domain.Trigger        `json:"trigger"`
	Provider  string                `json:"provider"`
	Params    map[string]any        `json:"params"`
	Selection *domain.TextSelection `json:"selection"`
	Priority  int                   `json:"priority"`
}

// BatchInput requests visualization of every page of a book that needs one.
type BatchInput struct {
	BookID         string `json:"book_id"`
	UserID         string `json:"user_id"`
	Provider       string `json:"provider"`
	SkipVisualized bool   `json:"skip_visualized"`
}

// Options wires the job service.
type Options struct {
	Repo       domain.JobRepository
	Queue      domain.JobQueue
	Content    content.Provider
	Store      storage.Store
	Notifier   domain.Notifier
	Cache      domain.SummaryCache
	Logger     infra.Logger
	MaxRetries int
	SummaryTTL time.Duration
}

// Jobs exposes the lifecycle operations callers invoke directly: create,
// batch-create, status, cancel, retry and image management.
type Jobs struct {
	repo       domain.JobRepository
	queue      domain.JobQueue
	content    content.Provider
	store      storage.Store
	notifier   domain.Notifier
	cache      domain.SummaryCache
	logger     infra.Logger
	maxRetries int
	summaryTTL time.Duration
}

func NewJobs(opts Options) *Jobs {
	ttl := opts.SummaryTTL
	if ttl <= 0 {
		ttl = DefaultSummaryTTL
	}
	return &Jobs{
		repo:       opts.Repo,
		queue:      opts.Queue,
		content:    opts.Content,
		store:      opts.Store,
		notifier:   opts.Notifier,
		cache:      opts.Cache,
		logger:     opts.Logger,
		maxRetries: opts.MaxRetries,
		summaryTTL: ttl,
	}
}

// CreateJob persists a new job and places it on the queue. The returned
// summary carries the queue position and the wait estimate.
func (s *Jobs) CreateJob(ctx context.Context, in CreateJobInput) (*domain.JobSummary, error) {
	priority := in.Priority
	if priority <= 0 {
		if in.Trigger == domain.TriggerAutoBatch {
			priority = PriorityBatch
		} else {
			priority = PriorityInteractive
		}
	}
	job, err := domain.NewJob(domain.CreateJobParams{
		BookID:     in.BookID,
		PageID:     in.PageID,
		ChapterID:  in.ChapterID,
		UserID:     in.UserID,
		Trigger:    in.Trigger,
		Provider:   in.Provider,
		Params:     in.Params,
		Selection:  in.Selection,
		Priority:   priority,
		MaxRetries: s.maxRetries,
	})
	if err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	if err := s.enqueue(ctx, job); err != nil {
		return nil, err
	}
	s.logger.Info().Str("job_id", job.ID).Str("book_id", job.BookID).Str("trigger", string(job.Trigger)).Int("position", job.QueuePosition).Msg("service: job enqueued")
	summary := domain.Summarize(job)
	return &summary, nil
}

// CreateBatch enqueues one auto_batch job per page of the book, optionally
// skipping pages that already carry a visualization. Pages that fail to
// enqueue are logged and skipped so one bad page does not sink the batch.
func (s *Jobs) CreateBatch(ctx context.Context, in BatchInput) ([]domain.JobSummary, error) {
	enabled, err := s.content.VisualizationEnabled(ctx, in.BookID)
	if err != nil {
		return nil, fmt.Errorf("check visualization flag: %w", err)
	}
	if !enabled {
		return nil, fmt.Errorf("book %s: %w", in.BookID, domain.ErrVisualizationDisabled)
	}
	pages, err := s.content.BookPages(ctx, in.BookID)
	if err != nil {
		return nil, fmt.Errorf("list book pages: %w", err)
	}

	summaries := make([]domain.JobSummary, 0, len(pages))
	for _, page := range pages {
		if in.SkipVisualized && page.HasVisualization {
			continue
		}
		summary, err := s.CreateJob(ctx, CreateJobInput{
			BookID:    in.BookID,
			PageID:    page.PageID,
			ChapterID: page.ChapterID,
			UserID:    in.UserID,
			Trigger:   domain.TriggerAutoBatch,
			Provider:  in.Provider,
			Priority:  PriorityBatch,
		})
		if err != nil {
			s.logger.Warn().Err(err).Str("book_id", in.BookID).Str("page_id", page.PageID).Msg("service: batch page skipped")
			continue
		}
		summaries = append(summaries, *summary)
	}
	s.logger.Info().Str("book_id", in.BookID).Int("jobs", len(summaries)).Int("pages", len(pages)).Msg("service: batch created")
	return summaries, nil
}

// GetJob loads the full aggregate.
func (s *Jobs) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	return s.repo.GetByID(ctx, jobID)
}

// GetStatus returns the user-facing snapshot, cache first. Live queue
// position is refreshed for queued jobs so a stale cached position does not
// stick.
func (s *Jobs) GetStatus(ctx context.Context, jobID string) (*domain.JobSummary, error) {
	if cached, ok := s.cache.Get(ctx, jobID); ok && cached.Status.Terminal() {
		return cached, nil
	}
	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	summary := domain.Summarize(job)
	if job.Status == domain.StatusQueued {
		if pos, err := s.queue.Position(ctx, jobID); err == nil {
			summary.QueuePosition = pos
			if eta := s.queue.EstimateWait(pos); eta > 0 {
				summary.EstimatedWait = eta.String()
			}
		}
	}
	if summary.Status.Terminal() {
		s.cache.Set(ctx, jobID, summary, s.summaryTTL)
	}
	return &summary, nil
}

// Cancel stops a job that has not started uploading. A queued job is also
// pulled off the queue; a processing job is cancelled in the record and the
// worker notices on its next poll.
func (s *Jobs) Cancel(ctx context.Context, jobID, reason string) error {
	return s.mutate(ctx, jobID, func(job *domain.Job) error {
		wasQueued := job.Status == domain.StatusQueued
		if err := job.Cancel(reason); err != nil {
			return err
		}
		if wasQueued {
			if _, err := s.queue.Remove(ctx, jobID); err != nil {
				s.logger.Warn().Err(err).Str("job_id", jobID).Msg("service: queue remove failed")
			}
		}
		return nil
	})
}

// Retry re-runs a failed job. The retry ceiling is enforced by the aggregate.
// The queued state is persisted before the id goes back on the queue.
func (s *Jobs) Retry(ctx context.Context, jobID string) error {
	var job *domain.Job
	err := s.mutate(ctx, jobID, func(j *domain.Job) error {
		if err := j.Retry(); err != nil {
			return err
		}
		job = j
		return j.Enqueue(0, 0)
	})
	if err != nil {
		return err
	}
	return s.placeInQueue(ctx, job)
}

// SelectImage marks one generated image as the page's visualization and
// propagates the choice to the catalog.
func (s *Jobs) SelectImage(ctx context.Context, jobID, imageID string) error {
	var selectedURL, pageID string
	err := s.mutate(ctx, jobID, func(job *domain.Job) error {
		if err := job.SelectImage(imageID); err != nil {
			return err
		}
		if sel := job.SelectedImage(); sel != nil {
			selectedURL = sel.Metadata.URL
			pageID = job.PageID
		}
		return nil
	})
	if err != nil {
		return err
	}
	if pageID != "" && selectedURL != "" {
		if err := s.content.SetPageVisualized(ctx, pageID, selectedURL); err != nil {
			s.logger.Warn().Err(err).Str("job_id", jobID).Str("page_id", pageID).Msg("service: visualized callback failed")
		}
	}
	return nil
}

// DeleteImage soft-deletes an image and best-effort removes its file. If the
// deleted image was selected the aggregate promotes the next surviving one.
func (s *Jobs) DeleteImage(ctx context.Context, jobID, imageID string) error {
	var storagePath string
	err := s.mutate(ctx, jobID, func(job *domain.Job) error {
		img, err := job.DeleteImage(imageID)
		if err != nil {
			return err
		}
		storagePath = img.Metadata.StoragePath
		return nil
	})
	if err != nil {
		return err
	}
	if storagePath != "" {
		if err := s.store.Delete(ctx, storagePath); err != nil {
			s.logger.Warn().Err(err).Str("job_id", jobID).Str("path", storagePath).Msg("service: image file delete failed")
		}
	}
	return nil
}

// UpdateImageMetadata replaces an image's stored attributes, typically when a
// thumbnail arrives after the initial upload.
func (s *Jobs) UpdateImageMetadata(ctx context.Context, jobID, imageID string, meta domain.ImageMetadata) error {
	return s.mutate(ctx, jobID, func(job *domain.Job) error {
		return job.UpdateImageMetadata(imageID, meta)
	})
}

// enqueue marks the job queued, persists that state, and only then makes the
// id visible on the queue. A worker may pop the id the moment it lands, so
// the queued record must already be durable by then.
func (s *Jobs) enqueue(ctx context.Context, job *domain.Job) error {
	if err := job.Enqueue(0, 0); err != nil {
		return err
	}
	if err := s.repo.Update(ctx, job); err != nil {
		return fmt.Errorf("persist enqueue: %w", err)
	}
	s.publish(ctx, job)
	return s.placeInQueue(ctx, job)
}

// placeInQueue inserts the job id and writes back the position snapshot.
// Queue insertion failing after the queued state is persisted would strand
// the record, so the job is failed in place instead.
func (s *Jobs) placeInQueue(ctx context.Context, job *domain.Job) error {
	position, err := s.queue.Enqueue(ctx, job.ID, job.Priority)
	if err != nil {
		if failErr := job.Fail("could not enqueue job", "internal"); failErr == nil {
			if updErr := s.repo.Update(ctx, job); updErr != nil {
				s.logger.Error().Err(updErr).Str("job_id", job.ID).Msg("service: persist enqueue failure")
			}
			s.publish(ctx, job)
		}
		return fmt.Errorf("enqueue job: %w", err)
	}
	if err := job.RefreshQueueSnapshot(position, s.queue.EstimateWait(position)); err != nil {
		return nil
	}
	// Best effort: a worker may already have claimed the row.
	if err := s.repo.Update(ctx, job); err != nil && !errors.Is(err, domain.ErrStaleVersion) {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("service: persist queue position")
	}
	return nil
}

// mutate loads, applies and persists a job mutation, retrying once when a
// concurrent writer bumped the version in between.
func (s *Jobs) mutate(ctx context.Context, jobID string, fn func(*domain.Job) error) error {
	for attempt := 0; ; attempt++ {
		job, err := s.repo.GetByID(ctx, jobID)
		if err != nil {
			return err
		}
		if err := fn(job); err != nil {
			return err
		}
		err = s.repo.Update(ctx, job)
		if err == nil {
			s.publish(ctx, job)
			s.cache.Invalidate(ctx, jobID)
			return nil
		}
		if errors.Is(err, domain.ErrStaleVersion) && attempt == 0 {
			continue
		}
		return err
	}
}

func (s *Jobs) publish(ctx context.Context, job *domain.Job) {
	for _, ev := range job.DrainEvents() {
		switch ev.Kind {
		case domain.EventCompleted:
			s.notifier.NotifyCompleted(ctx, ev.UserID, domain.Summarize(job))
		case domain.EventFailed:
			s.notifier.NotifyFailed(ctx, ev.UserID, ev.JobID, ev.Message)
		default:
			s.notifier.NotifyProgress(ctx, ev.UserID, domain.Progress{
				JobID:   ev.JobID,
				Status:  ev.Status,
				Percent: ev.Percent,
				Message: ev.Message,
			})
		}
	}
}
