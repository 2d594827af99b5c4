// Package vector_service is the vector database adapter. Upserts are keyed
// by (namespace, chunk id) so re-running the embedding stage replaces
// vectors instead of duplicating them.
package vector_service

import "context"

type Match struct {
	ChunkID  string
	Score    float64
	Metadata map[string]string
}

type VectorService interface {
	Upsert(ctx context.Context, namespace, chunkID string, vector []float32, metadata map[string]string) error
	Query(ctx context.Context, namespace string, vector []float32, limit int) ([]Match, error)
	// Count returns the number of vectors stored in a namespace.
	Count(ctx context.Context, namespace string) (int, error)
}
