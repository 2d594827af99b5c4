package pipeline_type

import (
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Document is the unit of work flowing through the pipeline. It is mutated
// only by the dispatcher and the stage executors; everything else reads it.
type Document struct {
	ID           string        `json:"id"`
	TenantID     string        `json:"tenant_id"`
	ProjectID    string        `json:"project_id"`
	Filename     string        `json:"filename"`
	SourceFormat string        `json:"source_format"`
	CurrentStage Stage         `json:"current_stage"`
	Status       Status        `json:"status"`
	SourceRef    string        `json:"source_ref"`
	ConvertedRef string        `json:"converted_ref,omitempty"`
	EnrichedRef  string        `json:"enriched_ref,omitempty"`
	Errors       []ErrorRecord `json:"errors,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Namespace returns the vector database partition for this document's
// tenant/project. Documents within the same namespace share read access;
// nothing else is shared across documents.
func (d *Document) Namespace() string {
	return d.TenantID + ":" + d.ProjectID
}

// ErrorRecord is one entry in a document's error history.
type ErrorRecord struct {
	Stage      Stage      `json:"stage"`
	Class      ErrorClass `json:"class"`
	Message    string     `json:"message"`
	Attempt    int        `json:"attempt"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// StageTask is the queue payload for one stage attempt. Attempt is
// zero-based: the first execution of a stage carries Attempt == 0.
type StageTask struct {
	DocumentID string    `json:"document_id"`
	Stage      Stage     `json:"stage"`
	Queue      string    `json:"queue"`
	Attempt    int       `json:"attempt"`
	Status     Status    `json:"status"`
	LastError  string    `json:"error,omitempty"`
	RetryAt    time.Time `json:"retry_at,omitempty"`
}

type FigureStatus string

const (
	FigurePending   FigureStatus = "pending"
	FigureSucceeded FigureStatus = "succeeded"
	FigureFailed    FigureStatus = "failed"
	FigureSkipped   FigureStatus = "skipped"
)

// Figure is a detected image/chart region reported by the document
// intelligence adapter. Polygon coordinates are in inches, flattened as
// [x1, y1, x2, y2, ...]. The ID is stable across stage attempts, so a
// retried parsing run updates the same rows. Description holds the vision
// model's output once the figure succeeds; a later attempt reuses it
// instead of paying for another call.
type Figure struct {
	ID          string       `json:"id"`
	DocumentID  string       `json:"document_id"`
	PageNumber  int          `json:"page_number"`
	Polygon     []float64    `json:"polygon"`
	Caption     string       `json:"caption,omitempty"`
	Status      FigureStatus `json:"status"`
	Description string       `json:"description,omitempty"`
	Error       string       `json:"error,omitempty"`
}

const (
	SectionTypeText   = "text"
	SectionTypeTable  = "table"
	SectionTypeFigure = "figure"
)

// EnrichedSection is one unit of extracted content. The JSON shape is the
// persisted artifact contract between the parsing and chunking stages.
type EnrichedSection struct {
	Content    string           `json:"content"`
	Type       string           `json:"type"`
	Viewport   []float64        `json:"viewport"`
	PageNumber int              `json:"page_number"`
	Metadata   *SectionMetadata `json:"metadata,omitempty"`
}

// SectionMetadata records extraction provenance for figure-derived sections.
type SectionMetadata struct {
	ExtractionMethod string `json:"extraction_method"`
	Model            string `json:"model"`
	Caption          string `json:"caption,omitempty"`
}

// EnrichedDocument is the artifact written by the parsing stage and read by
// the chunking stage.
type EnrichedDocument struct {
	Sections []EnrichedSection `json:"sections"`
	Metadata EnrichedMetadata  `json:"metadata"`
}

type EnrichedMetadata struct {
	TotalSections          int  `json:"total_sections"`
	TotalFigures           int  `json:"total_figures"`
	VisionExtractionOn     bool `json:"vision_extraction_enabled"`
	VisionTokensUsed       int  `json:"vision_tokens_used,omitempty"`
	VisionFiguresExtracted int  `json:"vision_figures_extracted,omitempty"`
}

// Chunk is a bounded span of content prepared for embedding. Chunks keep
// provenance back to the section and page they were cut from so downstream
// consumers can cite sources. Immutable once created.
type Chunk struct {
	ID           string `json:"id"`
	DocumentID   string `json:"document_id"`
	Ordinal      int    `json:"ordinal"`
	Text         string `json:"text"`
	SectionIndex int    `json:"section_index"`
	SectionType  string `json:"section_type"`
	PageNumber   int    `json:"page_number"`
}
