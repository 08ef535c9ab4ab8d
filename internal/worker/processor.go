// Package worker drives dequeued jobs through the visualization pipeline.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"visualization/internal/content"
	"visualization/internal/domain"
	"visualization/internal/infra"
	"visualization/internal/providers/genimg"
	"visualization/internal/providers/prompt"
	"visualization/internal/storage"
)

// Failure codes recorded on the job when a pipeline step gives up.
const (
	CodeNoText              = "no_text"
	CodePromptFailed        = "prompt_failed"
	CodeSubmitFailed        = "submit_failed"
	CodeGenerationFailed    = "generation_failed"
	CodeGenerationCancelled = "generation_cancelled"
	CodeTimeout             = "timeout"
	CodeUploadFailed        = "upload_failed"
	CodeInternal            = "internal"
)

// errStale aborts a pass when another writer owns the record.
var errStale = errors.New("job record taken over by another writer")

// ProcessorOptions wires the processor's collaborators.
type ProcessorOptions struct {
	Repo     domain.JobRepository
	Content  content.Provider
	Prompts  prompt.Generator
	Registry *genimg.Registry
	Store    storage.Store
	Notifier domain.Notifier
	Cache    domain.SummaryCache
	Logger   infra.Logger

	PollInterval time.Duration
	PollAttempts int
}

// Processor advances one job from queued to a terminal state, persisting after
// every transition and notifying the initiating user along the way. A failing
// job never propagates an error into the dispatch loop; only infrastructure
// problems (missing record, stale version, cancelled context) do.
type Processor struct {
	repo     domain.JobRepository
	content  content.Provider
	prompts  prompt.Generator
	registry *genimg.Registry
	store    storage.Store
	notifier domain.Notifier
	cache    domain.SummaryCache
	logger   infra.Logger

	pollInterval time.Duration
	pollAttempts int
}

// NewProcessor builds a processor. Poll settings default to a 5 second
// interval with 60 attempts, a five minute ceiling.
func NewProcessor(opts ProcessorOptions) *Processor {
	interval := opts.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	attempts := opts.PollAttempts
	if attempts <= 0 {
		attempts = 60
	}
	return &Processor{
		repo:         opts.Repo,
		content:      opts.Content,
		prompts:      opts.Prompts,
		registry:     opts.Registry,
		store:        opts.Store,
		notifier:     opts.Notifier,
		cache:        opts.Cache,
		logger:       opts.Logger,
		pollInterval: interval,
		pollAttempts: attempts,
	}
}

// Process runs the single-pass pipeline for one dequeued job.
func (p *Processor) Process(ctx context.Context, jobID string) error {
	job, err := p.repo.GetByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.Status.Terminal() {
		p.logger.Info().Str("job_id", job.ID).Str("status", string(job.Status)).Msg("worker: skipping finished job")
		return nil
	}

	// Step 2: resolve the source text.
	text, err := p.resolveText(ctx, job)
	if err != nil || text == "" {
		return p.fail(ctx, job, "no text available for visualization", CodeNoText)
	}

	// Step 3: enter prompt generation.
	if err := job.StartPromptGeneration(text); err != nil {
		return p.fail(ctx, job, err.Error(), CodeInternal)
	}
	if err := p.persist(ctx, job); err != nil {
		return err
	}

	// Step 4: generate the prompt.
	style, _ := job.Params["style"].(string)
	res, err := p.prompts.Generate(ctx, prompt.Request{
		Text:     text,
		Provider: job.Provider,
		BookID:   job.BookID,
		Style:    style,
	})
	if err != nil {
		return p.fail(ctx, job, "prompt generation failed: "+err.Error(), CodePromptFailed)
	}
	if err := job.SetPromptData(&domain.PromptData{
		OriginalText:   text,
		EnhancedPrompt: res.EnhancedPrompt,
		NegativePrompt: res.NegativePrompt,
		TargetModel:    domain.TargetModel(res.TargetModel),
		Style:          domain.Style(res.Style),
		Parameters:     res.Parameters,
	}); err != nil {
		return p.fail(ctx, job, err.Error(), CodeInternal)
	}
	if err := p.persist(ctx, job); err != nil {
		return err
	}

	// Step 5: submit to the generation backend.
	backend, providerName := p.registry.Resolve(job.Provider)
	handle, err := backend.Submit(ctx, genimg.SubmitRequest{
		Prompt:         job.Prompt.EnhancedPrompt,
		NegativePrompt: job.Prompt.NegativePrompt,
		Provider:       providerName,
		Parameters:     job.Prompt.Parameters,
	})
	if err != nil {
		return p.fail(ctx, job, "submit to generation backend failed: "+err.Error(), CodeSubmitFailed)
	}
	if err := job.StartAIProcessing(handle); err != nil {
		return p.fail(ctx, job, err.Error(), CodeInternal)
	}
	if err := p.persist(ctx, job); err != nil {
		return err
	}

	// Step 6: bounded poll.
	pollErr := p.poll(ctx, job, backend, handle, providerName)
	if pollErr != nil {
		switch {
		case errors.Is(pollErr, context.Canceled), errors.Is(pollErr, context.DeadlineExceeded):
			// Worker shutdown; the backend request is abandoned best-effort
			// and the record stays as-is for inspection.
			p.cancelRemote(backend, handle, providerName)
			return pollErr
		case errors.Is(pollErr, errCancelledByUser):
			p.cancelRemote(backend, handle, providerName)
			p.cache.Invalidate(ctx, job.ID)
			return nil
		case errors.Is(pollErr, domain.ErrTimeout):
			return p.fail(ctx, job, "generation timed out waiting for the backend", CodeTimeout)
		case errors.Is(pollErr, errRemoteCancelled):
			return p.fail(ctx, job, "generation was cancelled by the backend", CodeGenerationCancelled)
		default:
			return p.fail(ctx, job, "generation failed: "+pollErr.Error(), CodeGenerationFailed)
		}
	}

	// Step 7: fetch and upload the results.
	payloads, err := backend.FetchResult(ctx, handle, providerName)
	if err != nil {
		return p.fail(ctx, job, "fetching generation result failed: "+err.Error(), CodeGenerationFailed)
	}
	if err := job.StartUploading(); err != nil {
		return p.fail(ctx, job, err.Error(), CodeInternal)
	}
	if err := p.persist(ctx, job); err != nil {
		return err
	}

	uploaded := 0
	for i, payload := range payloads {
		meta, upErr := p.upload(ctx, job, payload, i)
		if upErr != nil {
			p.logger.Warn().Err(upErr).Str("job_id", job.ID).Int("index", i).Msg("worker: image upload failed, skipping")
			continue
		}
		meta.Provider = providerName
		meta.ProviderJobID = handle
		if _, err := job.AddImage(*meta); err != nil {
			return p.fail(ctx, job, err.Error(), CodeInternal)
		}
		if err := p.persist(ctx, job); err != nil {
			return err
		}
		uploaded++
	}
	if uploaded == 0 {
		return p.fail(ctx, job, "all image uploads failed", CodeUploadFailed)
	}

	// Step 8: complete, call back, notify, drop the cached summary.
	if err := job.Complete(); err != nil {
		return p.fail(ctx, job, err.Error(), CodeInternal)
	}
	if err := p.persist(ctx, job); err != nil {
		return err
	}
	if job.PageID != "" {
		if sel := job.SelectedImage(); sel != nil {
			if err := p.content.SetPageVisualized(ctx, job.PageID, sel.Metadata.URL); err != nil {
				p.logger.Warn().Err(err).Str("job_id", job.ID).Str("page_id", job.PageID).Msg("worker: visualized callback failed")
			}
		}
	}
	p.cache.Invalidate(ctx, job.ID)
	p.logger.Info().Str("job_id", job.ID).Int("images", uploaded).Msg("worker: job completed")
	return nil
}

var (
	errRemoteCancelled = errors.New("generation cancelled by backend")
	errCancelledByUser = errors.New("job cancelled by user")
)

// poll watches the backend until a terminal state, the attempt ceiling, or a
// cancellation. It reloads the record each tick so a user cancellation
// persisted by the service is observed mid-flight.
func (p *Processor) poll(ctx context.Context, job *domain.Job, backend genimg.Provider, handle, providerName string) error {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for attempt := 0; attempt < p.pollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		fresh, err := p.repo.GetByID(ctx, job.ID)
		if err == nil && fresh.Status == domain.StatusCancelled {
			return errCancelledByUser
		}

		status, err := backend.PollStatus(ctx, handle, providerName)
		if err != nil {
			p.logger.Warn().Err(err).Str("job_id", job.ID).Int("attempt", attempt+1).Msg("worker: poll failed")
			continue
		}
		switch status.State {
		case genimg.StateCompleted:
			return nil
		case genimg.StateFailed:
			if status.Message != "" {
				return errors.New(status.Message)
			}
			return errors.New("backend reported failure")
		case genimg.StateCancelled:
			return errRemoteCancelled
		default:
			p.notifier.NotifyProgress(ctx, job.UserID, domain.Progress{
				JobID:   job.ID,
				Status:  domain.StatusProcessing,
				Percent: scaleProgress(status.Progress),
				Message: status.Message,
			})
		}
	}
	return domain.ErrTimeout
}

// scaleProgress maps backend progress (0-100) into the processing band
// between 30% and 80% of the overall pipeline.
func scaleProgress(remote int) int {
	if remote < 0 {
		remote = 0
	}
	if remote > 100 {
		remote = 100
	}
	return domain.PercentProcessing + remote*(domain.PercentUploading-domain.PercentProcessing)/100
}

func (p *Processor) resolveText(ctx context.Context, job *domain.Job) (string, error) {
	if job.Selection != nil {
		if job.Selection.Context != "" {
			return job.Selection.Context, nil
		}
		return job.Selection.Text, nil
	}
	if job.PageID == "" {
		return "", nil
	}
	text, err := p.content.PageText(ctx, job.PageID)
	if err != nil {
		return "", err
	}
	return text, nil
}

func (p *Processor) upload(ctx context.Context, job *domain.Job, payload genimg.ImagePayload, index int) (*domain.ImageMetadata, error) {
	fileName := fmt.Sprintf("%s/%d.%s", job.ID, index, payload.Format)
	var (
		res *storage.UploadResult
		err error
	)
	if len(payload.Data) > 0 {
		res, err = p.store.Upload(ctx, payload.Data, fileName, payload.Format, job.UserID)
	} else if payload.URL != "" {
		res, err = p.store.UploadFromURL(ctx, payload.URL, fileName, job.UserID)
	} else {
		return nil, errors.New("payload has neither bytes nor a url")
	}
	if err != nil {
		return nil, err
	}
	width, height := res.Width, res.Height
	if width == 0 && height == 0 {
		width, height = payload.Width, payload.Height
	}
	return &domain.ImageMetadata{
		URL:          res.URL,
		ThumbnailURL: res.ThumbnailURL,
		SizeBytes:    res.SizeBytes,
		Width:        width,
		Height:       height,
		Format:       payload.Format,
		StoragePath:  res.StoragePath,
	}, nil
}

// fail records the failure on the job, persists it, notifies the user and
// invalidates the cached summary. It returns nil so a failed job never kills
// the dispatch loop.
func (p *Processor) fail(ctx context.Context, job *domain.Job, message, code string) error {
	if err := job.Fail(message, code); err != nil {
		p.logger.Error().Err(err).Str("job_id", job.ID).Msg("worker: could not mark job failed")
		return nil
	}
	if err := p.persist(ctx, job); err != nil {
		return err
	}
	p.cache.Invalidate(ctx, job.ID)
	p.logger.Error().Str("job_id", job.ID).Str("code", code).Msg("worker: job failed: " + message)
	return nil
}

// persist writes the aggregate and forwards its drained events to the
// notifier. A stale version means another writer (a cancel, or a restarted
// worker) owns the record; the pass is abandoned.
func (p *Processor) persist(ctx context.Context, job *domain.Job) error {
	if err := p.repo.Update(ctx, job); err != nil {
		if errors.Is(err, domain.ErrStaleVersion) {
			p.logger.Warn().Str("job_id", job.ID).Msg("worker: job record changed underneath, abandoning pass")
			return errStale
		}
		return fmt.Errorf("persist job %s: %w", job.ID, err)
	}
	for _, ev := range job.DrainEvents() {
		p.dispatchEvent(ctx, ev, job)
	}
	return nil
}

func (p *Processor) dispatchEvent(ctx context.Context, ev domain.Event, job *domain.Job) {
	switch ev.Kind {
	case domain.EventCompleted:
		p.notifier.NotifyCompleted(ctx, ev.UserID, domain.Summarize(job))
	case domain.EventFailed:
		p.notifier.NotifyFailed(ctx, ev.UserID, ev.JobID, ev.Message)
	case domain.EventPromptReady, domain.EventImageAdded:
		// Interior bookkeeping; the surrounding step events carry progress.
	default:
		p.notifier.NotifyProgress(ctx, ev.UserID, domain.Progress{
			JobID:   ev.JobID,
			Status:  ev.Status,
			Percent: ev.Percent,
			Message: ev.Message,
		})
	}
}

func (p *Processor) cancelRemote(backend genimg.Provider, handle, providerName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := backend.Cancel(ctx, handle, providerName); err != nil {
		p.logger.Debug().Err(err).Str("handle", handle).Msg("worker: backend cancel failed")
	}
}
