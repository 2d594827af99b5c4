package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/perceptra/docpipe/pipeline_type"
)

// MemoryStore keeps all pipeline state in process. Safe for concurrent use.
type MemoryStore struct {
	mu        sync.RWMutex
	documents map[string]*pipeline_type.Document
	figures   map[string][]*pipeline_type.Figure
	chunks    map[string][]*pipeline_type.Chunk
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		documents: make(map[string]*pipeline_type.Document),
		figures:   make(map[string][]*pipeline_type.Figure),
		chunks:    make(map[string][]*pipeline_type.Chunk),
	}
}

func (s *MemoryStore) CreateDocument(ctx context.Context, doc *pipeline_type.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *doc
	s.documents[doc.ID] = &cp
	return nil
}

func (s *MemoryStore) GetDocument(ctx context.Context, id string) (*pipeline_type.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.documents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *doc
	cp.Errors = append([]pipeline_type.ErrorRecord(nil), doc.Errors...)
	return &cp, nil
}

func (s *MemoryStore) UpdateDocument(ctx context.Context, doc *pipeline_type.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.documents[doc.ID]
	if !ok {
		return ErrNotFound
	}
	cp := *doc
	cp.Errors = stored.Errors
	// Cancellation is terminal: a concurrent writer holding a stale copy
	// must not revive the document.
	if stored.Status == pipeline_type.StatusCancelled {
		cp.Status = pipeline_type.StatusCancelled
	}
	cp.UpdatedAt = time.Now().UTC()
	s.documents[doc.ID] = &cp
	return nil
}

func (s *MemoryStore) AppendError(ctx context.Context, id string, rec pipeline_type.ErrorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[id]
	if !ok {
		return ErrNotFound
	}
	doc.Errors = append(doc.Errors, rec)
	return nil
}

func (s *MemoryStore) SaveFigures(ctx context.Context, figures []*pipeline_type.Figure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, fig := range figures {
		cp := *fig
		replaced := false
		existing := s.figures[fig.DocumentID]
		for i, f := range existing {
			if f.ID == fig.ID {
				existing[i] = &cp
				replaced = true
				break
			}
		}
		if !replaced {
			s.figures[fig.DocumentID] = append(existing, &cp)
		}
	}
	return nil
}

func (s *MemoryStore) ListFigures(ctx context.Context, documentID string) ([]*pipeline_type.Figure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*pipeline_type.Figure, 0, len(s.figures[documentID]))
	for _, f := range s.figures[documentID] {
		cp := *f
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PageNumber != out[j].PageNumber {
			return out[i].PageNumber < out[j].PageNumber
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) ReplaceChunks(ctx context.Context, documentID string, chunks []*pipeline_type.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cps := make([]*pipeline_type.Chunk, len(chunks))
	for i, c := range chunks {
		cp := *c
		cps[i] = &cp
	}
	s.chunks[documentID] = cps
	return nil
}

func (s *MemoryStore) ListChunks(ctx context.Context, documentID string) ([]*pipeline_type.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*pipeline_type.Chunk, 0, len(s.chunks[documentID]))
	for _, c := range s.chunks[documentID] {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out, nil
}
