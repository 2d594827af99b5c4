// Package embedding_stage embeds a document's chunks in batches and upserts
// the vectors into the tenant/project namespace. Upserts are keyed by chunk
// ID, so repeating the stage overwrites rather than duplicates.
package embedding_stage

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/perceptra/docpipe/pipeline_type"
	"github.com/perceptra/docpipe/services/embedding_service"
	"github.com/perceptra/docpipe/services/vector_service"
	"github.com/perceptra/docpipe/storage"
)

type EmbeddingStage struct {
	chunks    storage.ChunkStore
	embedder  embedding_service.EmbeddingService
	vectors   vector_service.VectorService
	batchSize int
	policy    pipeline_type.RetryPolicy
	logger    *slog.Logger
}

func NewEmbeddingStage(chunks storage.ChunkStore, embedder embedding_service.EmbeddingService,
	vectors vector_service.VectorService, batchSize int, policy pipeline_type.RetryPolicy,
	logger *slog.Logger) *EmbeddingStage {
	if batchSize < 1 {
		batchSize = 64
	}
	return &EmbeddingStage{
		chunks:    chunks,
		embedder:  embedder,
		vectors:   vectors,
		batchSize: batchSize,
		policy:    policy,
		logger:    logger,
	}
}

func (s *EmbeddingStage) Stage() pipeline_type.Stage {
	return pipeline_type.StageEmbedding
}

func (s *EmbeddingStage) Execute(ctx context.Context, doc *pipeline_type.Document) error {
	chunks, err := s.chunks.ListChunks(ctx, doc.ID)
	if err != nil {
		return pipeline_type.Transientf("failed to load chunks: %v", err)
	}
	if len(chunks) == 0 {
		return pipeline_type.Fatalf("document %s has no chunks to embed", doc.ID)
	}

	namespace := doc.Namespace()
	tokens := 0

	for start := 0; start < len(chunks); start += s.batchSize {
		end := start + s.batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		// Each batch retries independently: batches already upserted are
		// never re-embedded within this attempt.
		used, err := s.embedBatch(ctx, namespace, batch)
		if err != nil {
			return err
		}
		tokens += used
	}

	s.logger.Info("Embedded document",
		slog.String("document_id", doc.ID),
		slog.String("namespace", namespace),
		slog.Int("chunks", len(chunks)),
		slog.Int("tokens_used", tokens))
	return nil
}

func (s *EmbeddingStage) embedBatch(ctx context.Context, namespace string, batch []*pipeline_type.Chunk) (int, error) {
	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.Text
	}

	var result *embedding_service.EmbeddingBatch
	err := pipeline_type.RetryWithBackoff(ctx, s.policy, func() error {
		var embedErr error
		result, embedErr = s.embedder.EmbedBatch(ctx, texts)
		return embedErr
	})
	if err != nil {
		// The batch already spent the whole retry budget. A transient
		// error here would make the dispatcher re-run the stage and
		// multiply the attempts, so it escalates to a terminal failure.
		return 0, exhausted(err, s.policy, "embedding batch")
	}
	if len(result.Vectors) != len(batch) {
		return 0, pipeline_type.Fatalf("embedding count mismatch: %d vectors for %d chunks",
			len(result.Vectors), len(batch))
	}

	for i, c := range batch {
		metadata := map[string]string{
			"document_id":  c.DocumentID,
			"ordinal":      strconv.Itoa(c.Ordinal),
			"section_type": c.SectionType,
			"page_number":  strconv.Itoa(c.PageNumber),
		}
		upsert := func() error {
			return s.vectors.Upsert(ctx, namespace, c.ID, result.Vectors[i], metadata)
		}
		if err := pipeline_type.RetryWithBackoff(ctx, s.policy, upsert); err != nil {
			return 0, exhausted(err, s.policy, "vector upsert for chunk "+c.ID)
		}
	}
	return result.TokensUsed, nil
}

func exhausted(err error, policy pipeline_type.RetryPolicy, what string) error {
	if pipeline_type.ClassOf(err) == pipeline_type.ErrorTransient {
		return pipeline_type.Fatalf("%s exhausted %d attempts: %v", what, policy.MaxAttempts, err)
	}
	return err
}
