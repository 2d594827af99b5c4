package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/perceptra/docpipe/pipeline_type"
)

func TestMemoryStoreDocumentLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	doc := &pipeline_type.Document{
		ID:           "doc-1",
		TenantID:     "acme",
		ProjectID:    "manuals",
		Filename:     "report.pdf",
		CurrentStage: pipeline_type.StageConversion,
		Status:       pipeline_type.StatusPending,
	}
	if err := store.CreateDocument(ctx, doc); err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}

	got, err := store.GetDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got.Filename != "report.pdf" || got.Status != pipeline_type.StatusPending {
		t.Errorf("unexpected document: %+v", got)
	}

	// Mutating the returned copy must not leak into the store.
	got.Status = pipeline_type.StatusFailed
	again, _ := store.GetDocument(ctx, "doc-1")
	if again.Status != pipeline_type.StatusPending {
		t.Error("GetDocument returned a shared reference")
	}

	got.Status = pipeline_type.StatusRunning
	if err := store.UpdateDocument(ctx, got); err != nil {
		t.Fatalf("UpdateDocument: %v", err)
	}
	updated, _ := store.GetDocument(ctx, "doc-1")
	if updated.Status != pipeline_type.StatusRunning {
		t.Errorf("update not applied, status %q", updated.Status)
	}

	if _, err := store.GetDocument(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := store.UpdateDocument(ctx, &pipeline_type.Document{ID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on update, got %v", err)
	}
}

func TestMemoryStoreAppendError(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	doc := &pipeline_type.Document{ID: "doc-err", Status: pipeline_type.StatusRunning}
	if err := store.CreateDocument(ctx, doc); err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}

	rec := pipeline_type.ErrorRecord{
		Stage:      pipeline_type.StageParsing,
		Class:      pipeline_type.ErrorTransient,
		Message:    "timeout",
		Attempt:    0,
		OccurredAt: time.Now().UTC(),
	}
	if err := store.AppendError(ctx, "doc-err", rec); err != nil {
		t.Fatalf("AppendError: %v", err)
	}

	// Updates do not clobber the error history.
	doc.Status = pipeline_type.StatusPending
	if err := store.UpdateDocument(ctx, doc); err != nil {
		t.Fatalf("UpdateDocument: %v", err)
	}

	got, _ := store.GetDocument(ctx, "doc-err")
	if len(got.Errors) != 1 || got.Errors[0].Message != "timeout" {
		t.Errorf("unexpected error history: %+v", got.Errors)
	}
}

func TestMemoryStoreCancelledStatusIsSticky(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	doc := &pipeline_type.Document{ID: "doc-sticky", Status: pipeline_type.StatusPending}
	if err := store.CreateDocument(ctx, doc); err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}

	// A worker reads the document before the cancel lands.
	stale, _ := store.GetDocument(ctx, "doc-sticky")

	doc.Status = pipeline_type.StatusCancelled
	if err := store.UpdateDocument(ctx, doc); err != nil {
		t.Fatalf("UpdateDocument (cancel): %v", err)
	}

	// The worker's stale write must not revive the document.
	stale.Status = pipeline_type.StatusRunning
	if err := store.UpdateDocument(ctx, stale); err != nil {
		t.Fatalf("UpdateDocument (stale): %v", err)
	}

	got, _ := store.GetDocument(ctx, "doc-sticky")
	if got.Status != pipeline_type.StatusCancelled {
		t.Errorf("stale write overwrote cancellation, status %q", got.Status)
	}
}

func TestMemoryStoreFiguresUpsertAndOrder(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	figs := []*pipeline_type.Figure{
		{ID: "fig-b", DocumentID: "doc-f", PageNumber: 2, Status: pipeline_type.FigurePending},
		{ID: "fig-a", DocumentID: "doc-f", PageNumber: 1, Status: pipeline_type.FigurePending},
	}
	if err := store.SaveFigures(ctx, figs); err != nil {
		t.Fatalf("SaveFigures: %v", err)
	}

	figs[1].Status = pipeline_type.FigureSucceeded
	if err := store.SaveFigures(ctx, figs[1:2]); err != nil {
		t.Fatalf("SaveFigures (upsert): %v", err)
	}

	got, err := store.ListFigures(ctx, "doc-f")
	if err != nil {
		t.Fatalf("ListFigures: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 figures, got %d", len(got))
	}
	if got[0].ID != "fig-a" || got[1].ID != "fig-b" {
		t.Errorf("figures out of page order: %s, %s", got[0].ID, got[1].ID)
	}
	if got[0].Status != pipeline_type.FigureSucceeded {
		t.Errorf("upsert not applied: %+v", got[0])
	}
}

func TestMemoryStoreReplaceChunks(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first := []*pipeline_type.Chunk{
		{ID: "c-1", DocumentID: "doc-c", Ordinal: 0, Text: "one"},
		{ID: "c-2", DocumentID: "doc-c", Ordinal: 1, Text: "two"},
		{ID: "c-3", DocumentID: "doc-c", Ordinal: 2, Text: "three"},
	}
	if err := store.ReplaceChunks(ctx, "doc-c", first); err != nil {
		t.Fatalf("ReplaceChunks: %v", err)
	}

	second := []*pipeline_type.Chunk{
		{ID: "c-1", DocumentID: "doc-c", Ordinal: 0, Text: "replaced"},
	}
	if err := store.ReplaceChunks(ctx, "doc-c", second); err != nil {
		t.Fatalf("ReplaceChunks (second): %v", err)
	}

	got, err := store.ListChunks(ctx, "doc-c")
	if err != nil {
		t.Fatalf("ListChunks: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected stale chunks replaced, got %d chunks", len(got))
	}
	if got[0].Text != "replaced" {
		t.Errorf("unexpected chunk: %+v", got[0])
	}
}
