package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"visualization/internal/cache"
	"visualization/internal/content"
	"visualization/internal/domain"
	"visualization/internal/providers/genimg"
	"visualization/internal/providers/prompt"
	"visualization/internal/storage"
)

type stubRepo struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
}

func newStubRepo() *stubRepo { return &stubRepo{jobs: map[string]*domain.Job{}} }

func (r *stubRepo) Create(_ context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job.Version = 1
	r.jobs[job.ID] = job
	return nil
}

func (r *stubRepo) Update(_ context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.jobs[job.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur != job && cur.Version != job.Version {
		return domain.ErrStaleVersion
	}
	job.Version++
	r.jobs[job.ID] = job
	return nil
}

func (r *stubRepo) GetByID(_ context.Context, jobID string) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return job, nil
}

type stubContent struct {
	text           string
	textErr        error
	visualizedPage string
	visualizedURL  string
}

func (c *stubContent) PageText(context.Context, string) (string, error) { return c.text, c.textErr }
func (c *stubContent) BookPages(context.Context, string) ([]content.Page, error) {
	return nil, nil
}
func (c *stubContent) VisualizationEnabled(context.Context, string) (bool, error) {
	return true, nil
}
func (c *stubContent) SetPageVisualized(_ context.Context, pageID, imageURL string) error {
	c.visualizedPage = pageID
	c.visualizedURL = imageURL
	return nil
}

type stubPrompts struct{ err error }

func (s *stubPrompts) Generate(_ context.Context, req prompt.Request) (*prompt.Result, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &prompt.Result{
		EnhancedPrompt: "book illustration of " + req.Text,
		NegativePrompt: "blurry",
		TargetModel:    "dalle3",
		Style:          "realistic",
	}, nil
}

// stubBackend scripts the generation side. polls is consumed one status per
// PollStatus call; the last entry repeats.
type stubBackend struct {
	mu        sync.Mutex
	submitErr error
	polls     []genimg.JobStatus
	pollCalls int
	onPoll    func(call int)
	payloads  []genimg.ImagePayload
	fetchErr  error
	cancelled bool
}

func (b *stubBackend) Submit(context.Context, genimg.SubmitRequest) (string, error) {
	if b.submitErr != nil {
		return "", b.submitErr
	}
	return "handle-1", nil
}

func (b *stubBackend) PollStatus(context.Context, string, string) (genimg.JobStatus, error) {
	b.mu.Lock()
	call := b.pollCalls
	b.pollCalls++
	hook := b.onPoll
	var st genimg.JobStatus
	if len(b.polls) == 0 {
		st = genimg.JobStatus{State: genimg.StateProcessing}
	} else if call < len(b.polls) {
		st = b.polls[call]
	} else {
		st = b.polls[len(b.polls)-1]
	}
	b.mu.Unlock()
	if hook != nil {
		hook(call)
	}
	return st, nil
}

func (b *stubBackend) FetchResult(context.Context, string, string) ([]genimg.ImagePayload, error) {
	return b.payloads, b.fetchErr
}

func (b *stubBackend) Cancel(context.Context, string, string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelled = true
	return nil
}

type stubStore struct {
	uploads int
	failAll bool
}

func (s *stubStore) Upload(_ context.Context, _ []byte, fileName, _, _ string) (*storage.UploadResult, error) {
	if s.failAll {
		return nil, errors.New("disk full")
	}
	s.uploads++
	return &storage.UploadResult{
		URL:         "https://cdn.example.com/" + fileName,
		SizeBytes:   1024,
		Width:       512,
		Height:      512,
		StoragePath: fileName,
	}, nil
}

func (s *stubStore) UploadFromURL(ctx context.Context, _, fileName, ownerID string) (*storage.UploadResult, error) {
	return s.Upload(ctx, nil, fileName, "png", ownerID)
}

func (s *stubStore) Delete(context.Context, string) error { return nil }

type recordingNotifier struct {
	mu        sync.Mutex
	progress  []domain.Progress
	completed []domain.JobSummary
	failed    []string
}

func (n *recordingNotifier) NotifyProgress(_ context.Context, _ string, p domain.Progress) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.progress = append(n.progress, p)
}

func (n *recordingNotifier) NotifyCompleted(_ context.Context, _ string, s domain.JobSummary) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed = append(n.completed, s)
}

func (n *recordingNotifier) NotifyFailed(_ context.Context, _, _, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, message)
}

type fixture struct {
	repo     *stubRepo
	content  *stubContent
	prompts  *stubPrompts
	backend  *stubBackend
	store    *stubStore
	notifier *recordingNotifier
	proc     *Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:     newStubRepo(),
		content:  &stubContent{text: "a storm gathers over the harbor"},
		prompts:  &stubPrompts{},
		backend:  &stubBackend{},
		store:    &stubStore{},
		notifier: &recordingNotifier{},
	}
	f.proc = NewProcessor(ProcessorOptions{
		Repo:         f.repo,
		Content:      f.content,
		Prompts:      f.prompts,
		Registry:     genimg.NewRegistry(map[string]genimg.Provider{"dalle3": f.backend}, "dalle3"),
		Store:        f.store,
		Notifier:     f.notifier,
		Cache:        cache.Noop{},
		Logger:       zerolog.Nop(),
		PollInterval: time.Millisecond,
		PollAttempts: 3,
	})
	return f
}

func (f *fixture) seedJob(t *testing.T) *domain.Job {
	t.Helper()
	job, err := domain.NewJob(domain.CreateJobParams{
		BookID:   "book-1",
		PageID:   "page-1",
		UserID:   "user-1",
		Trigger:  domain.TriggerButton,
		Provider: "dalle3",
		Priority: 5,
	})
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	if err := job.Enqueue(1, 45*time.Second); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	job.DrainEvents()
	if err := f.repo.Create(context.Background(), job); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return job
}

func TestProcessHappyPath(t *testing.T) {
	f := newFixture(t)
	f.backend.polls = []genimg.JobStatus{{State: genimg.StateCompleted}}
	f.backend.payloads = []genimg.ImagePayload{{Data: []byte{1, 2, 3}, Format: "png", Width: 512, Height: 512}}
	job := f.seedJob(t)

	if err := f.proc.Process(context.Background(), job.ID); err != nil {
		t.Fatalf("Process: %v", err)
	}

	got, _ := f.repo.GetByID(context.Background(), job.ID)
	if got.Status != domain.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if len(got.ActiveImages()) != 1 {
		t.Fatalf("active images = %d, want 1", len(got.ActiveImages()))
	}
	sel := got.SelectedImage()
	if sel == nil {
		t.Fatal("no image selected after completion")
	}
	if sel.Metadata.Provider != "dalle3" || sel.Metadata.ProviderJobID != "handle-1" {
		t.Fatalf("image provenance = %q/%q", sel.Metadata.Provider, sel.Metadata.ProviderJobID)
	}
	if f.content.visualizedPage != "page-1" || f.content.visualizedURL != sel.Metadata.URL {
		t.Fatalf("visualized callback = %q/%q", f.content.visualizedPage, f.content.visualizedURL)
	}
	if len(f.notifier.completed) != 1 {
		t.Fatalf("completed notifications = %d, want 1", len(f.notifier.completed))
	}
	if s := f.notifier.completed[0]; s.ImageCount != 1 || s.SelectedURL == "" {
		t.Fatalf("summary = %+v", s)
	}
	var percents []int
	for _, p := range f.notifier.progress {
		percents = append(percents, p.Percent)
	}
	for i := 1; i < len(percents); i++ {
		if percents[i] < percents[i-1] {
			t.Fatalf("progress went backwards: %v", percents)
		}
	}
}

func TestProcessBackendFailure(t *testing.T) {
	f := newFixture(t)
	f.backend.polls = []genimg.JobStatus{{State: genimg.StateFailed, Message: "nsfw filter"}}
	job := f.seedJob(t)

	if err := f.proc.Process(context.Background(), job.ID); err != nil {
		t.Fatalf("Process: %v", err)
	}

	got, _ := f.repo.GetByID(context.Background(), job.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.ErrorCode != CodeGenerationFailed {
		t.Fatalf("error code = %q, want %q", got.ErrorCode, CodeGenerationFailed)
	}
	if !got.CanRetry() {
		t.Fatal("first failure should leave the job retryable")
	}
	if len(f.notifier.failed) != 1 {
		t.Fatalf("failure notifications = %d, want 1", len(f.notifier.failed))
	}
}

func TestProcessPollTimeout(t *testing.T) {
	f := newFixture(t)
	// No scripted polls: the backend reports processing forever.
	job := f.seedJob(t)

	if err := f.proc.Process(context.Background(), job.ID); err != nil {
		t.Fatalf("Process: %v", err)
	}

	got, _ := f.repo.GetByID(context.Background(), job.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.ErrorCode != CodeTimeout {
		t.Fatalf("error code = %q, want %q", got.ErrorCode, CodeTimeout)
	}
	if f.backend.pollCalls != 3 {
		t.Fatalf("poll calls = %d, want 3", f.backend.pollCalls)
	}
}

func TestProcessObservesUserCancellation(t *testing.T) {
	f := newFixture(t)
	job := f.seedJob(t)
	f.backend.onPoll = func(call int) {
		if call != 0 {
			return
		}
		// A user cancel lands through the service while the backend works.
		j, err := f.repo.GetByID(context.Background(), job.ID)
		if err != nil {
			t.Errorf("reload for cancel: %v", err)
			return
		}
		if err := j.Cancel("user changed their mind"); err != nil {
			t.Errorf("Cancel: %v", err)
			return
		}
		j.DrainEvents()
		if err := f.repo.Update(context.Background(), j); err != nil {
			t.Errorf("persist cancel: %v", err)
		}
	}

	if err := f.proc.Process(context.Background(), job.ID); err != nil {
		t.Fatalf("Process: %v", err)
	}

	got, _ := f.repo.GetByID(context.Background(), job.ID)
	if got.Status != domain.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	if !f.backend.cancelled {
		t.Fatal("backend cancel was not propagated")
	}
}

func TestProcessNoText(t *testing.T) {
	f := newFixture(t)
	f.content.text = ""
	job := f.seedJob(t)

	if err := f.proc.Process(context.Background(), job.ID); err != nil {
		t.Fatalf("Process: %v", err)
	}

	got, _ := f.repo.GetByID(context.Background(), job.ID)
	if got.Status != domain.StatusFailed || got.ErrorCode != CodeNoText {
		t.Fatalf("status/code = %s/%s, want failed/%s", got.Status, got.ErrorCode, CodeNoText)
	}
}

func TestProcessSubmitFailure(t *testing.T) {
	f := newFixture(t)
	f.backend.submitErr = errors.New("quota exhausted")
	job := f.seedJob(t)

	if err := f.proc.Process(context.Background(), job.ID); err != nil {
		t.Fatalf("Process: %v", err)
	}

	got, _ := f.repo.GetByID(context.Background(), job.ID)
	if got.Status != domain.StatusFailed || got.ErrorCode != CodeSubmitFailed {
		t.Fatalf("status/code = %s/%s, want failed/%s", got.Status, got.ErrorCode, CodeSubmitFailed)
	}
}

func TestProcessAllUploadsFail(t *testing.T) {
	f := newFixture(t)
	f.backend.polls = []genimg.JobStatus{{State: genimg.StateCompleted}}
	f.backend.payloads = []genimg.ImagePayload{{Data: []byte{1}, Format: "png"}}
	f.store.failAll = true
	job := f.seedJob(t)

	if err := f.proc.Process(context.Background(), job.ID); err != nil {
		t.Fatalf("Process: %v", err)
	}

	got, _ := f.repo.GetByID(context.Background(), job.ID)
	if got.Status != domain.StatusFailed || got.ErrorCode != CodeUploadFailed {
		t.Fatalf("status/code = %s/%s, want failed/%s", got.Status, got.ErrorCode, CodeUploadFailed)
	}
}

func TestProcessSkipsTerminalJob(t *testing.T) {
	f := newFixture(t)
	job := f.seedJob(t)
	j, _ := f.repo.GetByID(context.Background(), job.ID)
	if err := j.Cancel("cancelled before dispatch"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	j.DrainEvents()
	if err := f.repo.Update(context.Background(), j); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if err := f.proc.Process(context.Background(), job.ID); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if f.backend.pollCalls != 0 {
		t.Fatal("terminal job should not reach the backend")
	}
	got, _ := f.repo.GetByID(context.Background(), job.ID)
	if got.Status != domain.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
}

func TestRetryThenCompleteRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.backend.polls = []genimg.JobStatus{{State: genimg.StateFailed, Message: "transient"}}
	job := f.seedJob(t)

	if err := f.proc.Process(context.Background(), job.ID); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	got, _ := f.repo.GetByID(context.Background(), job.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}

	if err := got.Retry(); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if err := got.Enqueue(1, 45*time.Second); err != nil {
		t.Fatalf("re-Enqueue: %v", err)
	}
	got.DrainEvents()
	if err := f.repo.Update(context.Background(), got); err != nil {
		t.Fatalf("persist retry: %v", err)
	}

	f.backend.mu.Lock()
	f.backend.polls = []genimg.JobStatus{{State: genimg.StateCompleted}}
	f.backend.pollCalls = 0
	f.backend.payloads = []genimg.ImagePayload{{Data: []byte{9}, Format: "png"}}
	f.backend.mu.Unlock()

	if err := f.proc.Process(context.Background(), job.ID); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	got, _ = f.repo.GetByID(context.Background(), job.ID)
	if got.Status != domain.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", got.RetryCount)
	}
	if got.LastError == "" {
		t.Fatal("prior error should be preserved for audit")
	}
}

type scriptedQueue struct {
	mu    sync.Mutex
	ids   []string
	prios []int
}

func (q *scriptedQueue) Enqueue(_ context.Context, jobID string, priority int) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, jobID)
	q.prios = append(q.prios, priority)
	return len(q.ids), nil
}

func (q *scriptedQueue) Dequeue(context.Context) (string, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ids) == 0 {
		return "", false, nil
	}
	id := q.ids[0]
	q.ids = q.ids[1:]
	return id, true, nil
}

func (q *scriptedQueue) Position(context.Context, string) (int, error) { return 0, domain.ErrNotFound }
func (q *scriptedQueue) Len(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids), nil
}
func (q *scriptedQueue) Remove(context.Context, string) (bool, error) { return false, nil }
func (q *scriptedQueue) EstimateWait(int) time.Duration               { return 0 }

func TestPoolDrainsQueue(t *testing.T) {
	f := newFixture(t)
	f.backend.polls = []genimg.JobStatus{{State: genimg.StateCompleted}}
	f.backend.payloads = []genimg.ImagePayload{{Data: []byte{1}, Format: "png"}}

	queue := &scriptedQueue{}
	var ids []string
	for i := 0; i < 5; i++ {
		job, err := domain.NewJob(domain.CreateJobParams{
			BookID:   "book-1",
			PageID:   fmt.Sprintf("page-%d", i),
			UserID:   "user-1",
			Trigger:  domain.TriggerButton,
			Provider: "dalle3",
		})
		if err != nil {
			t.Fatalf("NewJob: %v", err)
		}
		if err := job.Enqueue(i+1, 0); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		job.DrainEvents()
		if err := f.repo.Create(context.Background(), job); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if _, err := queue.Enqueue(context.Background(), job.ID, 5); err != nil {
			t.Fatalf("queue.Enqueue: %v", err)
		}
		ids = append(ids, job.ID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(queue, f.repo, f.proc, zerolog.Nop(), 2)
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for {
		all := true
		for _, id := range ids {
			j, err := f.repo.GetByID(context.Background(), id)
			if err != nil || j.Status != domain.StatusCompleted {
				all = false
				break
			}
		}
		if all {
			break
		}
		select {
		case <-deadline:
			t.Fatal("pool did not finish all jobs in time")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestShutdownRequeueKeepsPriority(t *testing.T) {
	f := newFixture(t)
	job, err := domain.NewJob(domain.CreateJobParams{
		BookID:   "book-1",
		PageID:   "page-1",
		UserID:   "user-1",
		Trigger:  domain.TriggerButton,
		Provider: "dalle3",
		Priority: 5,
	})
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	job.DrainEvents()
	if err := f.repo.Create(context.Background(), job); err != nil {
		t.Fatalf("Create: %v", err)
	}

	queue := &scriptedQueue{}
	pool := NewPool(queue, f.repo, f.proc, zerolog.Nop(), 1)
	pool.requeue(job.ID)

	if len(queue.prios) != 1 || queue.prios[0] != 5 {
		t.Fatalf("requeued priorities = %v, want [5]", queue.prios)
	}
}
