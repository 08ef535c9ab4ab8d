package worker

import (
	"context"
	"sync"
	"time"

	"visualization/internal/domain"
	"visualization/internal/infra"
)

// idleDelay is how long the dispatcher sleeps when the queue is empty.
const idleDelay = time.Second

// Pool runs a fixed set of workers fed by a single dispatcher that drains the
// job queue. Dequeue is atomic, so a job id reaches exactly one worker.
type Pool struct {
	queue     domain.JobQueue
	repo      domain.JobRepository
	processor *Processor
	logger    infra.Logger
	size      int
}

func NewPool(queue domain.JobQueue, repo domain.JobRepository, processor *Processor, logger infra.Logger, size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{queue: queue, repo: repo, processor: processor, logger: logger, size: size}
}

// Run blocks until ctx is cancelled, then waits for in-flight jobs to finish.
func (p *Pool) Run(ctx context.Context) {
	jobs := make(chan string)

	var wg sync.WaitGroup
	for i := 0; i < p.size; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.work(ctx, id, jobs)
		}(i)
	}

	p.logger.Info().Int("workers", p.size).Msg("worker: pool started")
	p.dispatch(ctx, jobs)
	close(jobs)
	wg.Wait()
	p.logger.Info().Msg("worker: pool stopped")
}

func (p *Pool) dispatch(ctx context.Context, jobs chan<- string) {
	for {
		if ctx.Err() != nil {
			return
		}
		jobID, ok, err := p.queue.Dequeue(ctx)
		if err != nil {
			p.logger.Error().Err(err).Msg("worker: dequeue failed")
			sleep(ctx, idleDelay)
			continue
		}
		if !ok {
			sleep(ctx, idleDelay)
			continue
		}
		select {
		case jobs <- jobID:
		case <-ctx.Done():
			// Push the claimed job back so it is not lost on shutdown.
			p.requeue(jobID)
			return
		}
	}
}

// requeue puts a claimed but undelivered job id back at its original
// priority so an interactive job does not come back as background work.
func (p *Pool) requeue(jobID string) {
	ctx := context.Background()
	priority := 0
	if job, err := p.repo.GetByID(ctx, jobID); err == nil {
		priority = job.Priority
	} else {
		p.logger.Warn().Err(err).Str("job_id", jobID).Msg("worker: priority lookup for requeue failed")
	}
	if _, err := p.queue.Enqueue(ctx, jobID, priority); err != nil {
		p.logger.Error().Err(err).Str("job_id", jobID).Msg("worker: requeue on shutdown failed")
	}
}

func (p *Pool) work(ctx context.Context, id int, jobs <-chan string) {
	for jobID := range jobs {
		start := time.Now()
		if err := p.processor.Process(ctx, jobID); err != nil {
			p.logger.Error().Err(err).Str("job_id", jobID).Int("worker", id).Msg("worker: pass aborted")
			continue
		}
		p.logger.Debug().Str("job_id", jobID).Int("worker", id).Dur("took", time.Since(start)).Msg("worker: pass finished")
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
