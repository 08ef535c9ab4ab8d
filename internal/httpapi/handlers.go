package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"visualization/internal/domain"
	"visualization/internal/infra"
	"visualization/internal/service"
)

// App holds the handler dependencies.
type App struct {
	Jobs   *service.Jobs
	Logger infra.Logger
}

func NewApp(jobs *service.Jobs, logger infra.Logger) *App {
	return &App{Jobs: jobs, Logger: logger}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) data(w http.ResponseWriter, code int, v any) {
	a.json(w, code, map[string]any{"data": v})
}

func (a *App) fail(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, domain.ErrVisualizationDisabled):
		code = http.StatusUnprocessableEntity
	case domain.IsTransitionError(err):
		code = http.StatusConflict
	}
	if code == http.StatusInternalServerError {
		a.Logger.Error().Err(err).Msg("httpapi: request failed")
	}
	a.json(w, code, map[string]any{"error": err.Error()})
}

func (a *App) Health(w http.ResponseWriter, _ *http.Request) {
	a.json(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) CreateJob(w http.ResponseWriter, r *http.Request) {
	var in service.CreateJobInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		a.json(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}
	summary, err := a.Jobs.CreateJob(r.Context(), in)
	if err != nil {
		if domain.IsTransitionError(err) {
			a.json(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		a.fail(w, err)
		return
	}
	a.data(w, http.StatusAccepted, summary)
}

func (a *App) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var in service.BatchInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		a.json(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}
	summaries, err := a.Jobs.CreateBatch(r.Context(), in)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.data(w, http.StatusAccepted, map[string]any{"jobs": summaries, "count": len(summaries)})
}

func (a *App) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.Jobs.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	a.data(w, http.StatusOK, jobResponseFrom(job))
}

func (a *App) GetStatus(w http.ResponseWriter, r *http.Request) {
	summary, err := a.Jobs.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	a.data(w, http.StatusOK, summary)
}

func (a *App) CancelJob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "cancelled by user"
	}
	if err := a.Jobs.Cancel(r.Context(), chi.URLParam(r, "id"), body.Reason); err != nil {
		a.fail(w, err)
		return
	}
	a.data(w, http.StatusOK, map[string]string{"status": string(domain.StatusCancelled)})
}

func (a *App) RetryJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if err := a.Jobs.Retry(r.Context(), jobID); err != nil {
		a.fail(w, err)
		return
	}
	summary, err := a.Jobs.GetStatus(r.Context(), jobID)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.data(w, http.StatusAccepted, summary)
}

func (a *App) SelectImage(w http.ResponseWriter, r *http.Request) {
	if err := a.Jobs.SelectImage(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "imageID")); err != nil {
		a.fail(w, err)
		return
	}
	a.data(w, http.StatusOK, map[string]bool{"selected": true})
}

func (a *App) UpdateImageMetadata(w http.ResponseWriter, r *http.Request) {
	var meta domain.ImageMetadata
	if err := json.NewDecoder(r.Body).Decode(&meta); err != nil {
		a.json(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}
	if err := a.Jobs.UpdateImageMetadata(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "imageID"), meta); err != nil {
		a.fail(w, err)
		return
	}
	a.data(w, http.StatusOK, map[string]bool{"updated": true})
}

func (a *App) DeleteImage(w http.ResponseWriter, r *http.Request) {
	if err := a.Jobs.DeleteImage(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "imageID")); err != nil {
		a.fail(w, err)
		return
	}
	a.data(w, http.StatusOK, map[string]bool{"deleted": true})
}

type imageResponse struct {
	ID           string    `json:"id"`
	URL          string    `json:"url"`
	ThumbnailURL string    `json:"thumbnail_url,omitempty"`
	Width        int       `json:"width,omitempty"`
	Height       int       `json:"height,omitempty"`
	Format       string    `json:"format,omitempty"`
	Provider     string    `json:"provider,omitempty"`
	IsSelected   bool      `json:"is_selected"`
	GeneratedAt  time.Time `json:"generated_at"`
}

type jobResponse struct {
	ID            string                `json:"id"`
	BookID        string                `json:"book_id"`
	PageID        string                `json:"page_id,omitempty"`
	ChapterID     string                `json:"chapter_id,omitempty"`
	UserID        string                `json:"user_id"`
	Trigger       domain.Trigger        `json:"trigger"`
	Provider      string                `json:"provider,omitempty"`
	Selection     *domain.TextSelection `json:"selection,omitempty"`
	Priority      int                   `json:"priority"`
	Status        domain.Status         `json:"status"`
	ErrorMessage  string                `json:"error_message,omitempty"`
	ErrorCode     string                `json:"error_code,omitempty"`
	RetryCount    int                   `json:"retry_count"`
	CanRetry      bool                  `json:"can_retry"`
	QueuePosition int                   `json:"queue_position,omitempty"`
	EstimatedWait string                `json:"estimated_wait,omitempty"`
	Images        []imageResponse       `json:"images"`
	CreatedAt     time.Time             `json:"created_at"`
	CompletedAt   *time.Time            `json:"completed_at,omitempty"`
}

func jobResponseFrom(job *domain.Job) jobResponse {
	resp := jobResponse{
		ID:           job.ID,
		BookID:       job.BookID,
		PageID:       job.PageID,
		ChapterID:    job.ChapterID,
		UserID:       job.UserID,
		Trigger:      job.Trigger,
		Provider:     job.Provider,
		Selection:    job.Selection,
		Priority:     job.Priority,
		Status:       job.Status,
		ErrorMessage: job.ErrorMessage,
		ErrorCode:    job.ErrorCode,
		RetryCount:   job.RetryCount,
		CanRetry:     job.CanRetry(),
		Images:       []imageResponse{},
		CreatedAt:    job.CreatedAt,
		CompletedAt:  job.CompletedAt,
	}
	if job.Status == domain.StatusQueued {
		resp.QueuePosition = job.QueuePosition
		if job.EstimatedWait > 0 {
			resp.EstimatedWait = job.EstimatedWait.String()
		}
	}
	for _, img := range job.ActiveImages() {
		resp.Images = append(resp.Images, imageResponse{
			ID:           img.ID,
			URL:          img.Metadata.URL,
			ThumbnailURL: img.Metadata.ThumbnailURL,
			Width:        img.Metadata.Width,
			Height:       img.Metadata.Height,
			Format:       img.Metadata.Format,
			Provider:     img.Metadata.Provider,
			IsSelected:   img.IsSelected,
			GeneratedAt:  img.GeneratedAt,
		})
	}
	return resp
}
