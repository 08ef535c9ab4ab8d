// Package queue provides the shared priority queue ordering pending
// visualization jobs for dispatch. Ordering is descending priority, FIFO
// within a tier, with job id as the final tie-break so the order is total.
package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// DefaultAvgProcessingDuration is the fixed per-job estimate used for wait
// times when no override is configured.
const DefaultAvgProcessingDuration = 45 * time.Second

type memoryEntry struct {
	jobID    string
	priority int
	seq      uint64
}

// Memory is a single-process, mutex-guarded queue implementation. It satisfies
// the same contract as the Redis-backed queue so either can feed the worker
// pool unmodified.
type Memory struct {
	mu      sync.Mutex
	entries []memoryEntry
	nextSeq uint64
	avg     time.Duration
}

// NewMemory creates an in-memory queue. avgProcessing <= 0 falls back to
// DefaultAvgProcessingDuration.
func NewMemory(avgProcessing time.Duration) *Memory {
	if avgProcessing <= 0 {
		avgProcessing = DefaultAvgProcessingDuration
	}
	return &Memory{avg: avgProcessing}
}

func (e memoryEntry) less(o memoryEntry) bool {
	if e.priority != o.priority {
		return e.priority > o.priority
	}
	if e.seq != o.seq {
		return e.seq < o.seq
	}
	return e.jobID < o.jobID
}

// Enqueue inserts the job and returns its 1-based rank at insertion time.
// Re-enqueueing a job that is already present repositions it.
func (q *Memory) Enqueue(ctx context.Context, jobID string, priority int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	q.removeLocked(jobID)
	entry := memoryEntry{jobID: jobID, priority: priority, seq: q.nextSeq}
	q.nextSeq++

	idx := sort.Search(len(q.entries), func(i int) bool {
		return entry.less(q.entries[i])
	})
	q.entries = append(q.entries, memoryEntry{})
	copy(q.entries[idx+1:], q.entries[idx:])
	q.entries[idx] = entry
	return idx + 1, nil
}

// Dequeue removes and returns the highest-ranked job. ok is false when the
// queue is empty.
func (q *Memory) Dequeue(ctx context.Context) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return "", false, nil
	}
	head := q.entries[0]
	q.entries = q.entries[1:]
	return head.jobID, true, nil
}

// Position returns the current 1-based rank, or 0 when the job is absent.
func (q *Memory) Position(ctx context.Context, jobID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.jobID == jobID {
			return i + 1, nil
		}
	}
	return 0, nil
}

// Len returns the number of waiting jobs.
func (q *Memory) Len(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries), nil
}

// Remove drops a queued-but-undispatched job, used for explicit cancellation.
func (q *Memory) Remove(ctx context.Context, jobID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(jobID), nil
}

// EstimateWait is position * average processing duration; zero for
// non-positive positions.
func (q *Memory) EstimateWait(position int) time.Duration {
	if position <= 0 {
		return 0
	}
	return time.Duration(position) * q.avg
}

func (q *Memory) removeLocked(jobID string) bool {
	for i, e := range q.entries {
		if e.jobID == jobID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}
