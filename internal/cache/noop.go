package cache

import (
	"context"
	"time"

	"visualization/internal/domain"
)

// Noop always misses. Used when no Redis instance is configured.
type Noop struct{}

func (Noop) Get(context.Context, string) (*domain.JobSummary, bool) { return nil, false }
func (Noop) Set(context.Context, string, domain.JobSummary, time.Duration) {}
func (Noop) Invalidate(context.Context, string)                            {}

var _ domain.SummaryCache = Noop{}
