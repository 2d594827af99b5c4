package vector_service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// PgvectorService stores vectors in Postgres with the pgvector extension.
// Concurrent upserts to distinct chunk ids need no coordination; same-key
// upserts resolve through ON CONFLICT.
type PgvectorService struct {
	db         *pgxpool.Pool
	dimensions int
	logger     *slog.Logger
}

func NewPgvectorService(db *pgxpool.Pool, dimensions int, logger *slog.Logger) *PgvectorService {
	return &PgvectorService{db: db, dimensions: dimensions, logger: logger}
}

// Migrate creates the embeddings table when it does not exist yet.
func (s *PgvectorService) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS embeddings (
			namespace TEXT NOT NULL,
			chunk_id TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			PRIMARY KEY (namespace, chunk_id)
		)`, s.dimensions))
	if err != nil {
		return fmt.Errorf("failed to create embeddings table: %w", err)
	}
	return nil
}

func (s *PgvectorService) Upsert(ctx context.Context, namespace, chunkID string, vector []float32, metadata map[string]string) error {
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal vector metadata: %w", err)
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO embeddings (namespace, chunk_id, embedding, metadata)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (namespace, chunk_id)
		 DO UPDATE SET embedding = EXCLUDED.embedding, metadata = EXCLUDED.metadata`,
		namespace, chunkID, pgvector.NewVector(vector), metaJSON)
	if err != nil {
		return fmt.Errorf("failed to upsert vector %s/%s: %w", namespace, chunkID, err)
	}
	return nil
}

func (s *PgvectorService) Query(ctx context.Context, namespace string, vector []float32, limit int) ([]Match, error) {
	rows, err := s.db.Query(ctx,
		`SELECT chunk_id, 1 - (embedding <=> $2) AS score, metadata
		 FROM embeddings WHERE namespace = $1
		 ORDER BY embedding <=> $2 LIMIT $3`,
		namespace, pgvector.NewVector(vector), limit)
	if err != nil {
		return nil, fmt.Errorf("vector query failed: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var m Match
		var metaJSON []byte
		if err := rows.Scan(&m.ChunkID, &m.Score, &metaJSON); err != nil {
			return nil, fmt.Errorf("failed to scan match: %w", err)
		}
		if err := json.Unmarshal(metaJSON, &m.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal match metadata: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

func (s *PgvectorService) Count(ctx context.Context, namespace string) (int, error) {
	var count int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM embeddings WHERE namespace = $1`, namespace).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count vectors: %w", err)
	}
	return count, nil
}
