// Package embedding_service computes embedding vectors for chunk batches
// through an OpenAI-compatible embeddings endpoint.
package embedding_service

import "context"

// EmbeddingBatch carries one vector per input text, in input order.
type EmbeddingBatch struct {
	Vectors    [][]float32
	TokensUsed int
}

type EmbeddingService interface {
	EmbedBatch(ctx context.Context, texts []string) (*EmbeddingBatch, error)
}
