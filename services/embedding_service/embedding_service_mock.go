package embedding_service

import "context"

// MockEmbeddingService implements EmbeddingService for tests. The default
// behavior returns a fixed-dimension vector per input.
type MockEmbeddingService struct {
	EmbedBatchFunc func(ctx context.Context, texts []string) (*EmbeddingBatch, error)
	Calls          int
}

func (m *MockEmbeddingService) EmbedBatch(ctx context.Context, texts []string) (*EmbeddingBatch, error) {
	m.Calls++
	if m.EmbedBatchFunc != nil {
		return m.EmbedBatchFunc(ctx, texts)
	}
	batch := &EmbeddingBatch{Vectors: make([][]float32, len(texts)), TokensUsed: len(texts)}
	for i := range texts {
		batch.Vectors[i] = []float32{float32(len(texts[i])), 0.5, 1}
	}
	return batch, nil
}
