package vector_service

import (
	"context"
	"math"
	"sort"
	"sync"
)

// MemoryVectorService is an in-process VectorService used by tests and
// database-less runs. It tracks upsert calls so idempotence can be asserted.
type MemoryVectorService struct {
	mu         sync.RWMutex
	namespaces map[string]map[string]entry
	Upserts    int
}

type entry struct {
	vector   []float32
	metadata map[string]string
}

func NewMemoryVectorService() *MemoryVectorService {
	return &MemoryVectorService{namespaces: make(map[string]map[string]entry)}
}

func (s *MemoryVectorService) Upsert(ctx context.Context, namespace, chunkID string, vector []float32, metadata map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.namespaces[namespace]
	if !ok {
		ns = make(map[string]entry)
		s.namespaces[namespace] = ns
	}
	ns[chunkID] = entry{vector: append([]float32(nil), vector...), metadata: metadata}
	s.Upserts++
	return nil
}

func (s *MemoryVectorService) Query(ctx context.Context, namespace string, vector []float32, limit int) ([]Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matches []Match
	for id, e := range s.namespaces[namespace] {
		matches = append(matches, Match{
			ChunkID:  id,
			Score:    cosine(vector, e.vector),
			Metadata: e.metadata,
		})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (s *MemoryVectorService) Count(ctx context.Context, namespace string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.namespaces[namespace]), nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
