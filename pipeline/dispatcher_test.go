package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/perceptra/docpipe/pipeline_type"
	"github.com/perceptra/docpipe/plugin_registry"
	"github.com/perceptra/docpipe/storage"
)

type stubExecutor struct {
	stage pipeline_type.Stage
	fn    func(ctx context.Context, doc *pipeline_type.Document) error
}

func (s *stubExecutor) Stage() pipeline_type.Stage {
	return s.stage
}

func (s *stubExecutor) Execute(ctx context.Context, doc *pipeline_type.Document) error {
	if s.fn != nil {
		return s.fn(ctx, doc)
	}
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(fns map[pipeline_type.Stage]func(context.Context, *pipeline_type.Document) error) *plugin_registry.PluginRegistry {
	registry := plugin_registry.NewPluginRegistry()
	for _, stage := range []pipeline_type.Stage{
		pipeline_type.StageConversion,
		pipeline_type.StageParsing,
		pipeline_type.StageChunking,
		pipeline_type.StageEmbedding,
	} {
		registry.RegisterStageExecutor(&stubExecutor{stage: stage, fn: fns[stage]})
	}
	return registry
}

func seedDocument(t *testing.T, store *storage.MemoryStore, id string) *pipeline_type.Document {
	t.Helper()
	doc := &pipeline_type.Document{
		ID:           id,
		TenantID:     "acme",
		ProjectID:    "manuals",
		Filename:     "report.pdf",
		CurrentStage: pipeline_type.FirstStage(),
		Status:       pipeline_type.StatusPending,
	}
	if err := store.CreateDocument(context.Background(), doc); err != nil {
		t.Fatalf("seeding document: %v", err)
	}
	return doc
}

func waitForStatus(t *testing.T, store *storage.MemoryStore, id string, want pipeline_type.Status) *pipeline_type.Document {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		doc, err := store.GetDocument(context.Background(), id)
		if err != nil {
			t.Fatalf("loading document: %v", err)
		}
		if doc.Status == want {
			return doc
		}
		time.Sleep(5 * time.Millisecond)
	}
	doc, _ := store.GetDocument(context.Background(), id)
	t.Fatalf("document %s never reached status %q (last: %q)", id, want, doc.Status)
	return nil
}

func fastPolicy(maxAttempts int) pipeline_type.RetryPolicy {
	return pipeline_type.RetryPolicy{MaxAttempts: maxAttempts, BaseDelay: 5 * time.Millisecond}
}

func TestDispatcherRunsAllStagesInOrder(t *testing.T) {
	store := storage.NewMemoryStore()

	var mu sync.Mutex
	var ran []pipeline_type.Stage
	record := func(ctx context.Context, doc *pipeline_type.Document) error {
		mu.Lock()
		ran = append(ran, doc.CurrentStage)
		mu.Unlock()
		return nil
	}
	registry := newTestRegistry(map[pipeline_type.Stage]func(context.Context, *pipeline_type.Document) error{
		pipeline_type.StageConversion: record,
		pipeline_type.StageParsing:    record,
		pipeline_type.StageChunking:   record,
		pipeline_type.StageEmbedding:  record,
	})

	d, err := NewDispatcher(registry, store, fastPolicy(3), 2, 16, testLogger())
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	defer d.Stop()

	doc := seedDocument(t, store, "doc-1")
	if err := d.Enqueue(context.Background(), doc.ID, pipeline_type.FirstStage(), 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitForStatus(t, store, doc.ID, pipeline_type.StatusSucceeded)

	mu.Lock()
	defer mu.Unlock()
	want := []pipeline_type.Stage{
		pipeline_type.StageConversion,
		pipeline_type.StageParsing,
		pipeline_type.StageChunking,
		pipeline_type.StageEmbedding,
	}
	if len(ran) != len(want) {
		t.Fatalf("expected %d stage runs, got %d: %v", len(want), len(ran), ran)
	}
	for i := range want {
		if ran[i] != want[i] {
			t.Errorf("stage %d: got %q, want %q", i, ran[i], want[i])
		}
	}
	if d.InFlight(doc.ID) {
		t.Error("completed document still holds an in-flight reservation")
	}
}

func TestEnqueueRejectsBusyDocument(t *testing.T) {
	store := storage.NewMemoryStore()

	release := make(chan struct{})
	started := make(chan struct{})
	registry := newTestRegistry(map[pipeline_type.Stage]func(context.Context, *pipeline_type.Document) error{
		pipeline_type.StageConversion: func(ctx context.Context, doc *pipeline_type.Document) error {
			close(started)
			<-release
			return nil
		},
	})

	d, err := NewDispatcher(registry, store, fastPolicy(3), 2, 16, testLogger())
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	defer d.Stop()

	doc := seedDocument(t, store, "doc-busy")
	if err := d.Enqueue(context.Background(), doc.ID, pipeline_type.StageConversion, 0); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	<-started

	err = d.Enqueue(context.Background(), doc.ID, pipeline_type.StageConversion, 0)
	if !errors.Is(err, pipeline_type.ErrDocumentBusy) {
		t.Errorf("expected ErrDocumentBusy, got %v", err)
	}

	close(release)
	waitForStatus(t, store, doc.ID, pipeline_type.StatusSucceeded)

	// Released reservation admits new work again.
	if err := d.Enqueue(context.Background(), doc.ID, pipeline_type.StageEmbedding, 0); err != nil {
		t.Errorf("Enqueue after completion: %v", err)
	}
}

func TestEnqueueUnknownStage(t *testing.T) {
	store := storage.NewMemoryStore()
	d, err := NewDispatcher(newTestRegistry(nil), store, fastPolicy(3), 1, 4, testLogger())
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	defer d.Stop()

	err = d.Enqueue(context.Background(), "doc-x", pipeline_type.Stage("ocr"), 0)
	if !errors.Is(err, pipeline_type.ErrUnknownStage) {
		t.Errorf("expected ErrUnknownStage, got %v", err)
	}
}

func TestTransientFailureIsRetried(t *testing.T) {
	store := storage.NewMemoryStore()

	var mu sync.Mutex
	calls := 0
	registry := newTestRegistry(map[pipeline_type.Stage]func(context.Context, *pipeline_type.Document) error{
		pipeline_type.StageConversion: func(ctx context.Context, doc *pipeline_type.Document) error {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls == 1 {
				return pipeline_type.Transientf("conversion service unreachable")
			}
			return nil
		},
	})

	d, err := NewDispatcher(registry, store, fastPolicy(3), 2, 16, testLogger())
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	defer d.Stop()

	doc := seedDocument(t, store, "doc-retry")
	if err := d.Enqueue(context.Background(), doc.ID, pipeline_type.StageConversion, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	final := waitForStatus(t, store, doc.ID, pipeline_type.StatusSucceeded)

	mu.Lock()
	if calls != 2 {
		t.Errorf("expected 2 attempts, got %d", calls)
	}
	mu.Unlock()

	if len(final.Errors) != 1 {
		t.Fatalf("expected 1 error record, got %d", len(final.Errors))
	}
	rec := final.Errors[0]
	if rec.Class != pipeline_type.ErrorTransient || rec.Attempt != 0 || rec.Stage != pipeline_type.StageConversion {
		t.Errorf("unexpected error record: %+v", rec)
	}
}

func TestFatalFailureIsNotRetried(t *testing.T) {
	store := storage.NewMemoryStore()

	var mu sync.Mutex
	calls := 0
	registry := newTestRegistry(map[pipeline_type.Stage]func(context.Context, *pipeline_type.Document) error{
		pipeline_type.StageConversion: func(ctx context.Context, doc *pipeline_type.Document) error {
			mu.Lock()
			calls++
			mu.Unlock()
			return pipeline_type.Fatalf("unsupported source format")
		},
	})

	d, err := NewDispatcher(registry, store, fastPolicy(3), 2, 16, testLogger())
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	defer d.Stop()

	doc := seedDocument(t, store, "doc-fatal")
	if err := d.Enqueue(context.Background(), doc.ID, pipeline_type.StageConversion, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	final := waitForStatus(t, store, doc.ID, pipeline_type.StatusFailed)

	mu.Lock()
	if calls != 1 {
		t.Errorf("expected 1 attempt, got %d", calls)
	}
	mu.Unlock()

	if len(final.Errors) != 1 || final.Errors[0].Class != pipeline_type.ErrorFatal {
		t.Errorf("unexpected error history: %+v", final.Errors)
	}
	if d.InFlight(doc.ID) {
		t.Error("failed document still holds an in-flight reservation")
	}
}

func TestQuotaFailureIsNotRetried(t *testing.T) {
	store := storage.NewMemoryStore()

	var mu sync.Mutex
	calls := 0
	registry := newTestRegistry(map[pipeline_type.Stage]func(context.Context, *pipeline_type.Document) error{
		pipeline_type.StageEmbedding: func(ctx context.Context, doc *pipeline_type.Document) error {
			mu.Lock()
			calls++
			mu.Unlock()
			return pipeline_type.Quotaf("rate limited")
		},
	})

	d, err := NewDispatcher(registry, store, fastPolicy(3), 2, 16, testLogger())
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	defer d.Stop()

	doc := seedDocument(t, store, "doc-quota")
	if err := d.Enqueue(context.Background(), doc.ID, pipeline_type.StageEmbedding, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	final := waitForStatus(t, store, doc.ID, pipeline_type.StatusFailed)

	mu.Lock()
	if calls != 1 {
		t.Errorf("expected 1 attempt, got %d", calls)
	}
	mu.Unlock()

	if len(final.Errors) != 1 || final.Errors[0].Class != pipeline_type.ErrorQuota {
		t.Errorf("unexpected error history: %+v", final.Errors)
	}
}

func TestRetryCeilingExhaustsToFailure(t *testing.T) {
	store := storage.NewMemoryStore()

	var mu sync.Mutex
	calls := 0
	registry := newTestRegistry(map[pipeline_type.Stage]func(context.Context, *pipeline_type.Document) error{
		pipeline_type.StageParsing: func(ctx context.Context, doc *pipeline_type.Document) error {
			mu.Lock()
			calls++
			mu.Unlock()
			return pipeline_type.Transientf("layout service timeout")
		},
	})

	d, err := NewDispatcher(registry, store, fastPolicy(3), 2, 16, testLogger())
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	defer d.Stop()

	doc := seedDocument(t, store, "doc-exhausted")
	if err := d.Enqueue(context.Background(), doc.ID, pipeline_type.StageParsing, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	final := waitForStatus(t, store, doc.ID, pipeline_type.StatusFailed)

	mu.Lock()
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
	mu.Unlock()

	if len(final.Errors) != 3 {
		t.Fatalf("expected 3 error records, got %d", len(final.Errors))
	}
	for i, rec := range final.Errors {
		if rec.Attempt != i {
			t.Errorf("record %d has attempt %d", i, rec.Attempt)
		}
	}
}

// cancelRacingStore cancels the target document the moment a worker first
// loads it, reproducing a cancel landing between the worker's read and its
// running-status write.
type cancelRacingStore struct {
	*storage.MemoryStore
	target string
	once   sync.Once
}

func (s *cancelRacingStore) GetDocument(ctx context.Context, id string) (*pipeline_type.Document, error) {
	doc, err := s.MemoryStore.GetDocument(ctx, id)
	if err != nil || id != s.target {
		return doc, err
	}
	s.once.Do(func() {
		cancelled := *doc
		cancelled.Status = pipeline_type.StatusCancelled
		s.MemoryStore.UpdateDocument(ctx, &cancelled)
	})
	return doc, err
}

func TestCancelDuringStageStartIsPreserved(t *testing.T) {
	base := storage.NewMemoryStore()
	store := &cancelRacingStore{MemoryStore: base, target: "doc-race"}

	var mu sync.Mutex
	parsingRan := false
	registry := newTestRegistry(map[pipeline_type.Stage]func(context.Context, *pipeline_type.Document) error{
		pipeline_type.StageParsing: func(ctx context.Context, doc *pipeline_type.Document) error {
			mu.Lock()
			parsingRan = true
			mu.Unlock()
			return nil
		},
	})

	d, err := NewDispatcher(registry, store, fastPolicy(3), 2, 16, testLogger())
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	defer d.Stop()

	doc := seedDocument(t, base, "doc-race")
	if err := d.Enqueue(context.Background(), doc.ID, pipeline_type.StageConversion, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for d.InFlight(doc.ID) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if d.InFlight(doc.ID) {
		t.Fatal("document never released its reservation")
	}

	// The worker's running-status write carried a copy read before the
	// cancel; it must not overwrite the cancellation, and the chain must
	// not advance.
	final, err := base.GetDocument(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("loading document: %v", err)
	}
	if final.Status != pipeline_type.StatusCancelled {
		t.Errorf("expected cancelled status to survive, got %q", final.Status)
	}
	mu.Lock()
	if parsingRan {
		t.Error("parsing ran for a document cancelled mid-dispatch")
	}
	mu.Unlock()
}

func TestCancelledDocumentResultIsDiscarded(t *testing.T) {
	store := storage.NewMemoryStore()

	release := make(chan struct{})
	started := make(chan struct{})
	var mu sync.Mutex
	parsingRan := false
	registry := newTestRegistry(map[pipeline_type.Stage]func(context.Context, *pipeline_type.Document) error{
		pipeline_type.StageConversion: func(ctx context.Context, doc *pipeline_type.Document) error {
			close(started)
			<-release
			return nil
		},
		pipeline_type.StageParsing: func(ctx context.Context, doc *pipeline_type.Document) error {
			mu.Lock()
			parsingRan = true
			mu.Unlock()
			return nil
		},
	})

	d, err := NewDispatcher(registry, store, fastPolicy(3), 2, 16, testLogger())
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	defer d.Stop()

	doc := seedDocument(t, store, "doc-cancel")
	if err := d.Enqueue(context.Background(), doc.ID, pipeline_type.StageConversion, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	<-started

	if err := d.Cancel(context.Background(), doc.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	close(release)

	deadline := time.Now().Add(2 * time.Second)
	for d.InFlight(doc.ID) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if d.InFlight(doc.ID) {
		t.Fatal("cancelled document never released its reservation")
	}

	final, err := store.GetDocument(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("loading document: %v", err)
	}
	if final.Status != pipeline_type.StatusCancelled {
		t.Errorf("expected cancelled status, got %q", final.Status)
	}
	mu.Lock()
	if parsingRan {
		t.Error("parsing ran for a cancelled document")
	}
	mu.Unlock()
}
