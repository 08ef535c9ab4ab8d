package notify

import (
	"context"

	"visualization/internal/domain"
)

// Noop discards all notifications. Used in tests and deployments without a
// push channel.
type Noop struct{}

func (Noop) NotifyProgress(context.Context, string, domain.Progress)    {}
func (Noop) NotifyCompleted(context.Context, string, domain.JobSummary) {}
func (Noop) NotifyFailed(context.Context, string, string, string)       {}

var _ domain.Notifier = Noop{}
