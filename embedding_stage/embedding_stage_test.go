package embedding_stage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/perceptra/docpipe/pipeline_type"
	"github.com/perceptra/docpipe/services/embedding_service"
	"github.com/perceptra/docpipe/services/vector_service"
	"github.com/perceptra/docpipe/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastPolicy() pipeline_type.RetryPolicy {
	return pipeline_type.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}
}

func seedChunks(t *testing.T, store *storage.MemoryStore, docID string, n int) *pipeline_type.Document {
	t.Helper()
	doc := &pipeline_type.Document{ID: docID, TenantID: "acme", ProjectID: "manuals"}
	if err := store.CreateDocument(context.Background(), doc); err != nil {
		t.Fatalf("seeding document: %v", err)
	}
	chunks := make([]*pipeline_type.Chunk, n)
	for i := range chunks {
		chunks[i] = &pipeline_type.Chunk{
			ID:         fmt.Sprintf("chunk-%d", i),
			DocumentID: docID,
			Ordinal:    i,
			Text:       fmt.Sprintf("chunk text %d", i),
			PageNumber: 1,
		}
	}
	if err := store.ReplaceChunks(context.Background(), docID, chunks); err != nil {
		t.Fatalf("seeding chunks: %v", err)
	}
	return doc
}

func TestEmbeddingStageUpsertsAllChunks(t *testing.T) {
	store := storage.NewMemoryStore()
	vectors := vector_service.NewMemoryVectorService()
	embedder := &embedding_service.MockEmbeddingService{}
	stage := NewEmbeddingStage(store, embedder, vectors, 4, fastPolicy(), testLogger())

	doc := seedChunks(t, store, "doc-embed", 10)

	if err := stage.Execute(context.Background(), doc); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	count, err := vectors.Count(context.Background(), doc.Namespace())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 10 {
		t.Errorf("expected 10 vectors, got %d", count)
	}
	// 10 chunks at batch size 4 means 3 embedding calls.
	if embedder.Calls != 3 {
		t.Errorf("expected 3 embedding calls, got %d", embedder.Calls)
	}
}

func TestEmbeddingStageIsIdempotent(t *testing.T) {
	store := storage.NewMemoryStore()
	vectors := vector_service.NewMemoryVectorService()
	embedder := &embedding_service.MockEmbeddingService{}
	stage := NewEmbeddingStage(store, embedder, vectors, 8, fastPolicy(), testLogger())

	doc := seedChunks(t, store, "doc-idem", 6)

	if err := stage.Execute(context.Background(), doc); err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	if err := stage.Execute(context.Background(), doc); err != nil {
		t.Fatalf("second Execute: %v", err)
	}

	count, _ := vectors.Count(context.Background(), doc.Namespace())
	if count != 6 {
		t.Errorf("expected 6 vectors after re-run, got %d", count)
	}
	if vectors.Upserts != 12 {
		t.Errorf("expected 12 upsert calls, got %d", vectors.Upserts)
	}
}

func TestEmbeddingStageRetriesTransientBatch(t *testing.T) {
	store := storage.NewMemoryStore()
	vectors := vector_service.NewMemoryVectorService()

	calls := 0
	embedder := &embedding_service.MockEmbeddingService{
		EmbedBatchFunc: func(ctx context.Context, texts []string) (*embedding_service.EmbeddingBatch, error) {
			calls++
			if calls == 1 {
				return nil, pipeline_type.Transientf("embedding endpoint unavailable")
			}
			batch := &embedding_service.EmbeddingBatch{Vectors: make([][]float32, len(texts))}
			for i := range texts {
				batch.Vectors[i] = []float32{1, 2, 3}
			}
			return batch, nil
		},
	}
	stage := NewEmbeddingStage(store, embedder, vectors, 8, fastPolicy(), testLogger())

	doc := seedChunks(t, store, "doc-batch-retry", 4)

	if err := stage.Execute(context.Background(), doc); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 embedding calls, got %d", calls)
	}
	count, _ := vectors.Count(context.Background(), doc.Namespace())
	if count != 4 {
		t.Errorf("expected 4 vectors, got %d", count)
	}
}

func TestEmbeddingStageExhaustedBatchFailsTerminally(t *testing.T) {
	store := storage.NewMemoryStore()
	vectors := vector_service.NewMemoryVectorService()

	calls := 0
	embedder := &embedding_service.MockEmbeddingService{
		EmbedBatchFunc: func(ctx context.Context, texts []string) (*embedding_service.EmbeddingBatch, error) {
			calls++
			return nil, pipeline_type.Transientf("embedding endpoint unavailable")
		},
	}
	stage := NewEmbeddingStage(store, embedder, vectors, 8, fastPolicy(), testLogger())

	doc := seedChunks(t, store, "doc-exhaust", 4)

	err := stage.Execute(context.Background(), doc)
	if err == nil {
		t.Fatal("expected error once the batch retry budget is spent")
	}
	// The per-batch retry spent the budget; re-running the whole stage
	// would multiply the attempts, so the error must be terminal.
	if pipeline_type.ClassOf(err) != pipeline_type.ErrorFatal {
		t.Errorf("expected fatal classification, got %q", pipeline_type.ClassOf(err))
	}
	if calls != 3 {
		t.Errorf("expected exactly 3 embedding calls, got %d", calls)
	}
}

func TestEmbeddingStageCountMismatchIsFatal(t *testing.T) {
	store := storage.NewMemoryStore()
	vectors := vector_service.NewMemoryVectorService()
	embedder := &embedding_service.MockEmbeddingService{
		EmbedBatchFunc: func(ctx context.Context, texts []string) (*embedding_service.EmbeddingBatch, error) {
			return &embedding_service.EmbeddingBatch{Vectors: [][]float32{{1}}}, nil
		},
	}
	stage := NewEmbeddingStage(store, embedder, vectors, 8, fastPolicy(), testLogger())

	doc := seedChunks(t, store, "doc-mismatch", 3)

	err := stage.Execute(context.Background(), doc)
	if err == nil {
		t.Fatal("expected error for vector count mismatch")
	}
	if pipeline_type.ClassOf(err) != pipeline_type.ErrorFatal {
		t.Errorf("expected fatal classification, got %q", pipeline_type.ClassOf(err))
	}
}

func TestEmbeddingStageNoChunksIsFatal(t *testing.T) {
	store := storage.NewMemoryStore()
	doc := &pipeline_type.Document{ID: "doc-none", TenantID: "acme", ProjectID: "manuals"}
	if err := store.CreateDocument(context.Background(), doc); err != nil {
		t.Fatalf("seeding document: %v", err)
	}

	stage := NewEmbeddingStage(store, &embedding_service.MockEmbeddingService{},
		vector_service.NewMemoryVectorService(), 8, fastPolicy(), testLogger())

	err := stage.Execute(context.Background(), doc)
	if err == nil {
		t.Fatal("expected error for a document with no chunks")
	}
	if pipeline_type.ClassOf(err) != pipeline_type.ErrorFatal {
		t.Errorf("expected fatal classification, got %q", pipeline_type.ClassOf(err))
	}
}

func TestEmbeddingStageVectorMetadata(t *testing.T) {
	store := storage.NewMemoryStore()
	vectors := vector_service.NewMemoryVectorService()
	stage := NewEmbeddingStage(store, &embedding_service.MockEmbeddingService{}, vectors, 8, fastPolicy(), testLogger())

	doc := seedChunks(t, store, "doc-meta", 2)

	if err := stage.Execute(context.Background(), doc); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	matches, err := vectors.Query(context.Background(), doc.Namespace(), []float32{1, 0.5, 1}, 10)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	for _, m := range matches {
		if m.Metadata["document_id"] != doc.ID {
			t.Errorf("match %s missing document_id metadata: %v", m.ChunkID, m.Metadata)
		}
		if m.Metadata["page_number"] != "1" {
			t.Errorf("match %s missing page_number metadata: %v", m.ChunkID, m.Metadata)
		}
	}
}
