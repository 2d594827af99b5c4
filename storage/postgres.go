package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/perceptra/docpipe/pipeline_type"
)

// PostgresStore persists pipeline state in Postgres.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the pipeline tables when they do not exist yet.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			filename TEXT NOT NULL,
			source_format TEXT NOT NULL,
			current_stage TEXT NOT NULL,
			status TEXT NOT NULL,
			source_ref TEXT NOT NULL,
			converted_ref TEXT NOT NULL DEFAULT '',
			enriched_ref TEXT NOT NULL DEFAULT '',
			errors JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS figures (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			page_number INT NOT NULL,
			polygon FLOAT8[] NOT NULL,
			caption TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			ordinal INT NOT NULL,
			text TEXT NOT NULL,
			section_index INT NOT NULL,
			section_type TEXT NOT NULL,
			page_number INT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_figures_document ON figures(document_id)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id, ordinal)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateDocument(ctx context.Context, doc *pipeline_type.Document) error {
	errsJSON, err := json.Marshal(doc.Errors)
	if err != nil {
		return fmt.Errorf("marshal error history: %w", err)
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO documents
		 (id, tenant_id, project_id, filename, source_format, current_stage, status,
		  source_ref, converted_ref, enriched_ref, errors, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		doc.ID, doc.TenantID, doc.ProjectID, doc.Filename, doc.SourceFormat,
		string(doc.CurrentStage), string(doc.Status), doc.SourceRef,
		doc.ConvertedRef, doc.EnrichedRef, errsJSON, doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, id string) (*pipeline_type.Document, error) {
	var doc pipeline_type.Document
	var stage, status string
	var errsJSON []byte
	err := s.db.QueryRow(ctx,
		`SELECT id, tenant_id, project_id, filename, source_format, current_stage,
		        status, source_ref, converted_ref, enriched_ref, errors, created_at, updated_at
		 FROM documents WHERE id = $1`, id).Scan(
		&doc.ID, &doc.TenantID, &doc.ProjectID, &doc.Filename, &doc.SourceFormat,
		&stage, &status, &doc.SourceRef, &doc.ConvertedRef, &doc.EnrichedRef,
		&errsJSON, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select document: %w", err)
	}
	doc.CurrentStage = pipeline_type.Stage(stage)
	doc.Status = pipeline_type.Status(status)
	if err := json.Unmarshal(errsJSON, &doc.Errors); err != nil {
		return nil, fmt.Errorf("unmarshal error history: %w", err)
	}
	return &doc, nil
}

func (s *PostgresStore) UpdateDocument(ctx context.Context, doc *pipeline_type.Document) error {
	// The CASE keeps a cancelled document cancelled: writers racing the
	// cancellation carry a stale status and must not overwrite it.
	tag, err := s.db.Exec(ctx,
		`UPDATE documents SET current_stage=$2,
		        status=(CASE WHEN documents.status='cancelled' THEN documents.status ELSE $3 END),
		        source_format=$4, converted_ref=$5, enriched_ref=$6, updated_at=$7
		 WHERE id=$1`,
		doc.ID, string(doc.CurrentStage), string(doc.Status), doc.SourceFormat,
		doc.ConvertedRef, doc.EnrichedRef, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AppendError(ctx context.Context, id string, rec pipeline_type.ErrorRecord) error {
	recJSON, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal error record: %w", err)
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE documents SET errors = errors || $2::jsonb, updated_at = $3 WHERE id = $1`,
		id, recJSON, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("append error record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SaveFigures(ctx context.Context, figures []*pipeline_type.Figure) error {
	for _, fig := range figures {
		_, err := s.db.Exec(ctx,
			`INSERT INTO figures (id, document_id, page_number, polygon, caption, status, description, error)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status,
			     description = EXCLUDED.description, error = EXCLUDED.error`,
			fig.ID, fig.DocumentID, fig.PageNumber, fig.Polygon, fig.Caption,
			string(fig.Status), fig.Description, fig.Error)
		if err != nil {
			return fmt.Errorf("upsert figure %s: %w", fig.ID, err)
		}
	}
	return nil
}

func (s *PostgresStore) ListFigures(ctx context.Context, documentID string) ([]*pipeline_type.Figure, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, document_id, page_number, polygon, caption, status, description, error
		 FROM figures WHERE document_id = $1 ORDER BY page_number, id`, documentID)
	if err != nil {
		return nil, fmt.Errorf("select figures: %w", err)
	}
	defer rows.Close()

	var out []*pipeline_type.Figure
	for rows.Next() {
		var fig pipeline_type.Figure
		var status string
		if err := rows.Scan(&fig.ID, &fig.DocumentID, &fig.PageNumber, &fig.Polygon,
			&fig.Caption, &status, &fig.Description, &fig.Error); err != nil {
			return nil, fmt.Errorf("scan figure: %w", err)
		}
		fig.Status = pipeline_type.FigureStatus(status)
		out = append(out, &fig)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ReplaceChunks(ctx context.Context, documentID string, chunks []*pipeline_type.Chunk) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin chunk replace: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("delete stale chunks: %w", err)
	}
	for _, c := range chunks {
		_, err := tx.Exec(ctx,
			`INSERT INTO chunks (id, document_id, ordinal, text, section_index, section_type, page_number)
			 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			c.ID, c.DocumentID, c.Ordinal, c.Text, c.SectionIndex, c.SectionType, c.PageNumber)
		if err != nil {
			return fmt.Errorf("insert chunk %s: %w", c.ID, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ListChunks(ctx context.Context, documentID string) ([]*pipeline_type.Chunk, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, document_id, ordinal, text, section_index, section_type, page_number
		 FROM chunks WHERE document_id = $1 ORDER BY ordinal`, documentID)
	if err != nil {
		return nil, fmt.Errorf("select chunks: %w", err)
	}
	defer rows.Close()

	var out []*pipeline_type.Chunk
	for rows.Next() {
		var c pipeline_type.Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Ordinal, &c.Text,
			&c.SectionIndex, &c.SectionType, &c.PageNumber); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}
