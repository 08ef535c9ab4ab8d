// Package genimg talks to the image-generation backends. One shared REST
// client serves every backend; the job's preferred provider selects which
// model the request is routed to.
package genimg

import "context"

// PollState enumerates the remote states of a submitted generation request.
type PollState string

const (
	StatePending    PollState = "pending"
	StateProcessing PollState = "processing"
	StateCompleted  PollState = "completed"
	StateFailed     PollState = "failed"
	StateCancelled  PollState = "cancelled"
)

// Terminal reports whether polling can stop.
func (s PollState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// SubmitRequest carries the prompt payload handed to a backend.
type SubmitRequest struct {
	Prompt         string
	NegativePrompt string
	Provider       string
	Parameters     map[string]any
}

// JobStatus is one poll observation of a submitted request.
type JobStatus struct {
	State    PollState
	Progress int
	Message  string
}

// ImagePayload is one produced image: either raw bytes or a remote URL the
// uploader can pull from.
type ImagePayload struct {
	Data   []byte
	URL    string
	Format string
	Width  int
	Height int
}

// Provider is the contract implemented per generation backend.
type Provider interface {
	Submit(ctx context.Context, req SubmitRequest) (handle string, err error)
	PollStatus(ctx context.Context, handle, provider string) (JobStatus, error)
	FetchResult(ctx context.Context, handle, provider string) ([]ImagePayload, error)
	Cancel(ctx context.Context, handle, provider string) error
}

// Registry maps a job's preferred provider name to a backend. Lookup falls
// back to the registry default when the name is unknown or empty.
type Registry struct {
	providers   map[string]Provider
	defaultName string
}

// NewRegistry builds a registry; defaultName must be a key of providers.
func NewRegistry(providers map[string]Provider, defaultName string) *Registry {
	return &Registry{providers: providers, defaultName: defaultName}
}

// Resolve returns the backend for name and the effective provider name used.
func (r *Registry) Resolve(name string) (Provider, string) {
	if p, ok := r.providers[name]; ok {
		return p, name
	}
	return r.providers[r.defaultName], r.defaultName
}
