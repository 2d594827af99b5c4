// Package storage persists pipeline state. Two implementations are
// provided: Postgres for deployments and an in-memory store used by tests
// and single-process runs without a database.
package storage

import (
	"context"
	"errors"

	"github.com/perceptra/docpipe/pipeline_type"
)

var ErrNotFound = errors.New("not found")

type DocumentStore interface {
	CreateDocument(ctx context.Context, doc *pipeline_type.Document) error
	GetDocument(ctx context.Context, id string) (*pipeline_type.Document, error)
	// UpdateDocument persists the document's mutable fields. A stored
	// cancelled status is never overwritten; cancellation is terminal even
	// when the writer holds a copy read before the cancel landed.
	UpdateDocument(ctx context.Context, doc *pipeline_type.Document) error
	AppendError(ctx context.Context, id string, rec pipeline_type.ErrorRecord) error
}

type FigureStore interface {
	SaveFigures(ctx context.Context, figures []*pipeline_type.Figure) error
	ListFigures(ctx context.Context, documentID string) ([]*pipeline_type.Figure, error)
}

type ChunkStore interface {
	// ReplaceChunks swaps the document's chunk set atomically so a re-run
	// of the chunking stage never leaves stale chunks behind.
	ReplaceChunks(ctx context.Context, documentID string, chunks []*pipeline_type.Chunk) error
	ListChunks(ctx context.Context, documentID string) ([]*pipeline_type.Chunk, error)
}

// Store bundles the three stores; both implementations satisfy it.
type Store interface {
	DocumentStore
	FigureStore
	ChunkStore
}
