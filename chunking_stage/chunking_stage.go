// Package chunking_stage cuts the enriched document into bounded chunks
// for embedding. Chunk identifiers are derived from the document and
// ordinal so a re-run produces the same IDs and downstream upserts stay
// idempotent.
package chunking_stage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/perceptra/docpipe/flags"
	"github.com/perceptra/docpipe/pipeline_type"
	"github.com/perceptra/docpipe/services/artifact_service"
	"github.com/perceptra/docpipe/storage"
)

type ChunkingStage struct {
	chunks     storage.ChunkStore
	artifacts  *artifact_service.Service
	gate       *flags.Gate
	strategies map[string]Strategy
	logger     *slog.Logger
}

func NewChunkingStage(chunks storage.ChunkStore, artifacts *artifact_service.Service,
	gate *flags.Gate, limits Limits, logger *slog.Logger) *ChunkingStage {
	return &ChunkingStage{
		chunks:    chunks,
		artifacts: artifacts,
		gate:      gate,
		strategies: map[string]Strategy{
			StrategyFixedSize: NewFixedSizeStrategy(limits),
			StrategyRecursive: NewRecursiveStrategy(limits),
		},
		logger: logger,
	}
}

func (s *ChunkingStage) Stage() pipeline_type.Stage {
	return pipeline_type.StageChunking
}

func (s *ChunkingStage) Execute(ctx context.Context, doc *pipeline_type.Document) error {
	payload, err := s.artifacts.Read(ctx, doc.EnrichedRef)
	if err != nil {
		return pipeline_type.Transientf("failed to read enriched artifact: %v", err)
	}

	var enriched pipeline_type.EnrichedDocument
	if err := json.Unmarshal(payload, &enriched); err != nil {
		return pipeline_type.Fatalf("enriched artifact is malformed: %v", err)
	}

	strategyName := s.gate.ChunkingStrategy(doc.TenantID)
	strategy, ok := s.strategies[strategyName]
	if !ok {
		s.logger.Warn("Unknown chunking strategy, using fixed_size",
			slog.String("document_id", doc.ID),
			slog.String("strategy", strategyName))
		strategy = s.strategies[StrategyFixedSize]
	}

	var chunks []*pipeline_type.Chunk
	ordinal := 0
	for idx, section := range enriched.Sections {
		content := section.Content
		if section.Type == pipeline_type.SectionTypeTable {
			content = flattenTable(content)
		}

		pieces, err := strategy.Split(content)
		if err != nil {
			return pipeline_type.Fatalf("failed to split section %d: %v", idx, err)
		}
		for _, piece := range pieces {
			chunks = append(chunks, &pipeline_type.Chunk{
				ID:           chunkID(doc.ID, ordinal),
				DocumentID:   doc.ID,
				Ordinal:      ordinal,
				Text:         piece,
				SectionIndex: idx,
				SectionType:  section.Type,
				PageNumber:   section.PageNumber,
			})
			ordinal++
		}
	}

	if len(chunks) == 0 {
		return pipeline_type.Fatalf("document %s produced no chunks", doc.ID)
	}

	if err := s.chunks.ReplaceChunks(ctx, doc.ID, chunks); err != nil {
		return pipeline_type.Transientf("failed to store chunks: %v", err)
	}

	s.logger.Info("Chunked document",
		slog.String("document_id", doc.ID),
		slog.String("strategy", strategy.Name()),
		slog.Int("chunks", len(chunks)))
	return nil
}

// chunkID is deterministic per (document, ordinal) so re-chunking a
// document reuses the same identifiers instead of minting new ones.
func chunkID(documentID string, ordinal int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s:%d", documentID, ordinal))).String()
}
