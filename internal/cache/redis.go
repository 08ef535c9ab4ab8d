// Package cache is the optional acceleration layer for job summaries. The
// pipeline works identically when it is absent; every miss falls through to
// the authoritative repository.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"visualization/internal/domain"
	"visualization/internal/infra"
)

// DefaultTTL bounds how long a cached summary may serve reads.
const DefaultTTL = 24 * time.Hour

const keyPrefix = "visualization:job:"

// Redis caches job summaries in Redis. All failures degrade to misses.
type Redis struct {
	rdb    *redis.Client
	logger infra.Logger
}

// NewRedis creates a Redis-backed summary cache.
func NewRedis(rdb *redis.Client, logger infra.Logger) *Redis {
	return &Redis{rdb: rdb, logger: logger}
}

// Get returns the cached summary, or a miss.
func (c *Redis) Get(ctx context.Context, jobID string) (*domain.JobSummary, bool) {
	raw, err := c.rdb.Get(ctx, keyPrefix+jobID).Bytes()
	if err != nil {
		return nil, false
	}
	var s domain.JobSummary
	if err := json.Unmarshal(raw, &s); err != nil {
		c.logger.Warn().Err(err).Str("job_id", jobID).Msg("cache: dropping corrupt summary")
		_ = c.rdb.Del(ctx, keyPrefix+jobID).Err()
		return nil, false
	}
	return &s, true
}

// Set stores a summary. ttl <= 0 uses DefaultTTL.
func (c *Redis) Set(ctx context.Context, jobID string, s domain.JobSummary, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	raw, err := json.Marshal(s)
	if err != nil {
		c.logger.Error().Err(err).Str("job_id", jobID).Msg("cache: encode summary")
		return
	}
	if err := c.rdb.Set(ctx, keyPrefix+jobID, raw, ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("job_id", jobID).Msg("cache: set failed")
	}
}

// Invalidate removes a cached summary after a state change.
func (c *Redis) Invalidate(ctx context.Context, jobID string) {
	if err := c.rdb.Del(ctx, keyPrefix+jobID).Err(); err != nil {
		c.logger.Warn().Err(err).Str("job_id", jobID).Msg("cache: invalidate failed")
	}
}

var _ domain.SummaryCache = (*Redis)(nil)
