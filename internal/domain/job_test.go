package domain

import (
	"errors"
	"testing"
	"time"
)

func newTestJob(t *testing.T) *Job {
	t.Helper()
	j, err := NewJob(CreateJobParams{
		BookID:   "book-1",
		PageID:   "page-1",
		UserID:   "user-1",
		Trigger:  TriggerButton,
		Provider: "dalle3",
		Priority: 5,
	})
	if err != nil {
		t.Fatalf("NewJob returned error: %v", err)
	}
	return j
}

func advanceToUploading(t *testing.T, j *Job) {
	t.Helper()
	if err := j.Enqueue(1, time.Minute); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := j.StartPromptGeneration("a stormy night at sea"); err != nil {
		t.Fatalf("StartPromptGeneration: %v", err)
	}
	if err := j.SetPromptData(&PromptData{OriginalText: "a stormy night at sea", EnhancedPrompt: "storm, dramatic waves", TargetModel: ModelDalle3}); err != nil {
		t.Fatalf("SetPromptData: %v", err)
	}
	if err := j.StartAIProcessing("ext-42"); err != nil {
		t.Fatalf("StartAIProcessing: %v", err)
	}
	if err := j.StartUploading(); err != nil {
		t.Fatalf("StartUploading: %v", err)
	}
}

func TestJobLifecycleHappyPath(t *testing.T) {
	j := newTestJob(t)
	if j.Status != StatusPending {
		t.Fatalf("new job status = %q, want %q", j.Status, StatusPending)
	}

	advanceToUploading(t, j)
	if j.ProcessingStartedAt == nil {
		t.Fatal("ProcessingStartedAt not recorded")
	}
	if j.ProviderJobID != "ext-42" {
		t.Fatalf("ProviderJobID = %q, want ext-42", j.ProviderJobID)
	}

	img, err := j.AddImage(ImageMetadata{URL: "https://cdn/img.png", Format: "png"})
	if err != nil {
		t.Fatalf("AddImage: %v", err)
	}
	if !img.IsSelected {
		t.Fatal("first image should be auto-selected")
	}
	if err := j.Complete(); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if j.Status != StatusCompleted || j.CompletedAt == nil {
		t.Fatalf("job not completed: status=%q completedAt=%v", j.Status, j.CompletedAt)
	}

	kinds := []EventKind{}
	for _, ev := range j.DrainEvents() {
		kinds = append(kinds, ev.Kind)
	}
	want := []EventKind{EventEnqueued, EventPromptStarted, EventPromptReady, EventProcessingStarted, EventUploadingStarted, EventImageAdded, EventCompleted}
	if len(kinds) != len(want) {
		t.Fatalf("event kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("event[%d] = %q, want %q", i, kinds[i], want[i])
		}
	}
	if len(j.DrainEvents()) != 0 {
		t.Fatal("second drain should be empty")
	}
}

func TestRejectedCallLeavesJobUnchanged(t *testing.T) {
	j := newTestJob(t)
	if err := j.Enqueue(1, time.Minute); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	j.DrainEvents()

	before := *j
	err := j.Enqueue(2, time.Minute)
	if !IsTransitionError(err) {
		t.Fatalf("second Enqueue error = %v, want transition error", err)
	}
	if j.Status != before.Status || j.QueuePosition != before.QueuePosition ||
		j.UpdatedAt != before.UpdatedAt || j.Version != before.Version {
		t.Fatal("rejected Enqueue mutated the job")
	}
	if len(j.DrainEvents()) != 0 {
		t.Fatal("rejected call recorded an event")
	}
}

func TestStartAIProcessingRequiresPromptData(t *testing.T) {
	j := newTestJob(t)
	if err := j.Enqueue(1, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := j.StartPromptGeneration("text"); err != nil {
		t.Fatalf("StartPromptGeneration: %v", err)
	}
	if err := j.StartAIProcessing("ext-1"); !IsTransitionError(err) {
		t.Fatalf("StartAIProcessing without prompt data = %v, want transition error", err)
	}
}

func TestCompleteRequiresSurvivingImage(t *testing.T) {
	j := newTestJob(t)
	advanceToUploading(t, j)
	if err := j.Complete(); !IsTransitionError(err) {
		t.Fatalf("Complete without images = %v, want transition error", err)
	}

	img, err := j.AddImage(ImageMetadata{URL: "u"})
	if err != nil {
		t.Fatalf("AddImage: %v", err)
	}
	if _, err := j.DeleteImage(img.ID); err != nil {
		t.Fatalf("DeleteImage: %v", err)
	}
	if err := j.Complete(); !IsTransitionError(err) {
		t.Fatalf("Complete with only deleted images = %v, want transition error", err)
	}
}

func TestFailFromAnyNonTerminalState(t *testing.T) {
	j := newTestJob(t)
	if err := j.Fail("boom", "internal"); err != nil {
		t.Fatalf("Fail from pending: %v", err)
	}
	if j.Status != StatusFailed || j.ErrorMessage != "boom" || j.ErrorCode != "internal" {
		t.Fatalf("failure not recorded: %+v", j)
	}
	if err := j.Fail("again", ""); !IsTransitionError(err) {
		t.Fatalf("Fail from terminal state = %v, want transition error", err)
	}
}

func TestRetryBoundedByCeiling(t *testing.T) {
	j := newTestJob(t)

	for i := 0; i < DefaultMaxRetries; i++ {
		if err := j.Fail("provider down", "generation_failed"); err != nil {
			t.Fatalf("Fail #%d: %v", i, err)
		}
		if !j.CanRetry() {
			t.Fatalf("CanRetry = false at retry %d", i)
		}
		if err := j.Retry(); err != nil {
			t.Fatalf("Retry #%d: %v", i, err)
		}
		if j.Status != StatusPending {
			t.Fatalf("status after retry = %q, want pending", j.Status)
		}
		if j.ErrorMessage != "" || j.ProviderJobID != "" || j.ProcessingStartedAt != nil || j.CompletedAt != nil {
			t.Fatal("retry did not clear error, handle and timestamps")
		}
		if j.LastError != "provider down" {
			t.Fatalf("LastError = %q, want prior error preserved", j.LastError)
		}
	}

	if err := j.Fail("provider down", "generation_failed"); err != nil {
		t.Fatalf("final Fail: %v", err)
	}
	if j.CanRetry() {
		t.Fatal("CanRetry should be false at ceiling")
	}
	if err := j.Retry(); !IsTransitionError(err) {
		t.Fatalf("Retry at ceiling = %v, want transition error", err)
	}
	if j.RetryCount != DefaultMaxRetries {
		t.Fatalf("RetryCount = %d, want %d", j.RetryCount, DefaultMaxRetries)
	}
}

func TestRetryOnlyFromFailed(t *testing.T) {
	j := newTestJob(t)
	if err := j.Retry(); !IsTransitionError(err) {
		t.Fatalf("Retry from pending = %v, want transition error", err)
	}
}

func TestCancelMatrix(t *testing.T) {
	cancellable := newTestJob(t)
	if err := cancellable.Enqueue(1, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := cancellable.StartPromptGeneration("text"); err != nil {
		t.Fatalf("StartPromptGeneration: %v", err)
	}
	if err := cancellable.SetPromptData(&PromptData{OriginalText: "text", EnhancedPrompt: "p"}); err != nil {
		t.Fatalf("SetPromptData: %v", err)
	}
	if err := cancellable.StartAIProcessing("h-1"); err != nil {
		t.Fatalf("StartAIProcessing: %v", err)
	}
	if err := cancellable.Cancel("user cancelled"); err != nil {
		t.Fatalf("Cancel while processing: %v", err)
	}
	if cancellable.Status != StatusCancelled {
		t.Fatalf("status = %q, want cancelled", cancellable.Status)
	}

	uploading := newTestJob(t)
	advanceToUploading(t, uploading)
	if err := uploading.Cancel("too late"); !IsTransitionError(err) {
		t.Fatalf("Cancel while uploading = %v, want transition error", err)
	}
	if uploading.Status != StatusUploading {
		t.Fatalf("rejected cancel changed status to %q", uploading.Status)
	}
}

func TestImageSelectionRules(t *testing.T) {
	j := newTestJob(t)
	advanceToUploading(t, j)

	first, err := j.AddImage(ImageMetadata{URL: "one"})
	if err != nil {
		t.Fatalf("AddImage: %v", err)
	}
	second, err := j.AddImage(ImageMetadata{URL: "two"})
	if err != nil {
		t.Fatalf("AddImage: %v", err)
	}
	if !first.IsSelected || second.IsSelected {
		t.Fatal("adding a second image must not change the selection")
	}

	third, err := j.AddImage(ImageMetadata{URL: "three"})
	if err != nil {
		t.Fatalf("AddImage: %v", err)
	}
	if _, err := j.DeleteImage(first.ID); err != nil {
		t.Fatalf("DeleteImage: %v", err)
	}
	sel := j.SelectedImage()
	if sel == nil || sel.ID != second.ID {
		t.Fatalf("deleting the selected image should promote the first remaining image, got %+v", sel)
	}

	selected := 0
	for _, img := range j.ActiveImages() {
		if img.IsSelected {
			selected++
		}
	}
	if selected != 1 {
		t.Fatalf("selected images = %d, want exactly 1", selected)
	}

	if err := j.SelectImage(third.ID); err != nil {
		t.Fatalf("SelectImage: %v", err)
	}
	if !third.IsSelected || second.IsSelected {
		t.Fatal("SelectImage must deselect the previous choice")
	}

	if _, err := j.DeleteImage(second.ID); err != nil {
		t.Fatalf("DeleteImage: %v", err)
	}
	if _, err := j.DeleteImage(third.ID); err != nil {
		t.Fatalf("DeleteImage: %v", err)
	}
	if j.SelectedImage() != nil {
		t.Fatal("deleting the last image should leave no selection")
	}
	if err := j.SelectImage(first.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SelectImage on deleted image = %v, want ErrNotFound", err)
	}
}

func TestUpdateImageMetadata(t *testing.T) {
	j := newTestJob(t)
	advanceToUploading(t, j)
	img, err := j.AddImage(ImageMetadata{URL: "u", Format: "png"})
	if err != nil {
		t.Fatalf("AddImage: %v", err)
	}
	meta := img.Metadata
	meta.ThumbnailURL = "u-thumb"
	if err := j.UpdateImageMetadata(img.ID, meta); err != nil {
		t.Fatalf("UpdateImageMetadata: %v", err)
	}
	if img.Metadata.ThumbnailURL != "u-thumb" {
		t.Fatalf("ThumbnailURL = %q, want u-thumb", img.Metadata.ThumbnailURL)
	}
}

func TestNewJobValidation(t *testing.T) {
	if _, err := NewJob(CreateJobParams{UserID: "u", Trigger: TriggerButton}); err == nil {
		t.Fatal("NewJob without book id should fail")
	}
	if _, err := NewJob(CreateJobParams{BookID: "b", Trigger: TriggerButton}); err == nil {
		t.Fatal("NewJob without user id should fail")
	}
	if _, err := NewJob(CreateJobParams{BookID: "b", UserID: "u", Trigger: "mystery"}); err == nil {
		t.Fatal("NewJob with unknown trigger should fail")
	}
	if _, err := NewJob(CreateJobParams{
		BookID: "b", UserID: "u", Trigger: TriggerButton,
		Selection: &TextSelection{Text: "t"},
	}); err == nil {
		t.Fatal("text selection payload requires the text_selection trigger")
	}
}
