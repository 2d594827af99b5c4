// Package conversion_stage normalizes uploaded documents to PDF. Documents
// that are already PDFs pass through untouched; office formats go through
// the conversion adapter.
package conversion_stage

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/perceptra/docpipe/pipeline_type"
	"github.com/perceptra/docpipe/services/artifact_service"
	"github.com/perceptra/docpipe/services/conversion_service"
	"github.com/perceptra/docpipe/storage"
)

var pdfHeader = []byte("%PDF-")

// supportedExtensions are the source formats the conversion adapter
// accepts. Anything else fails fatally before a network call is made.
var supportedExtensions = map[string]bool{
	".pdf": true, ".doc": true, ".docx": true, ".ppt": true, ".pptx": true,
	".xls": true, ".xlsx": true, ".odt": true, ".odp": true, ".ods": true,
	".rtf": true, ".txt": true, ".md": true, ".html": true, ".htm": true,
}

type ConversionStage struct {
	documents storage.DocumentStore
	artifacts *artifact_service.Service
	converter conversion_service.ConversionService
	logger    *slog.Logger
}

func NewConversionStage(documents storage.DocumentStore, artifacts *artifact_service.Service,
	converter conversion_service.ConversionService, logger *slog.Logger) *ConversionStage {
	return &ConversionStage{
		documents: documents,
		artifacts: artifacts,
		converter: converter,
		logger:    logger,
	}
}

func (s *ConversionStage) Stage() pipeline_type.Stage {
	return pipeline_type.StageConversion
}

func (s *ConversionStage) Execute(ctx context.Context, doc *pipeline_type.Document) error {
	ext := strings.ToLower(filepath.Ext(doc.Filename))
	if !supportedExtensions[ext] {
		return pipeline_type.Fatalf("unsupported source format %q for %s", ext, doc.Filename)
	}

	data, err := s.artifacts.Read(ctx, doc.SourceRef)
	if err != nil {
		return pipeline_type.Transientf("failed to read source artifact: %v", err)
	}

	// PDFs skip conversion entirely; the source artifact doubles as the
	// converted one.
	if bytes.HasPrefix(data, pdfHeader) {
		s.logger.Info("Source already PDF, skipping conversion",
			slog.String("document_id", doc.ID))
		doc.ConvertedRef = doc.SourceRef
		return s.documents.UpdateDocument(ctx, doc)
	}
	if ext == ".pdf" {
		return pipeline_type.Fatalf("document %s has a .pdf extension but no PDF header", doc.Filename)
	}

	pdf, err := s.converter.Convert(ctx, doc.Filename, data)
	if err != nil {
		return err
	}
	if !bytes.HasPrefix(pdf, pdfHeader) {
		return pipeline_type.Fatalf("conversion output for %s is not a PDF", doc.Filename)
	}

	ref, err := s.artifacts.Write(ctx, doc.Filename+".pdf", pdf)
	if err != nil {
		return pipeline_type.Transientf("failed to store converted artifact: %v", err)
	}

	doc.ConvertedRef = ref
	if err := s.documents.UpdateDocument(ctx, doc); err != nil {
		return pipeline_type.Transientf("failed to record converted artifact: %v", err)
	}

	s.logger.Info("Converted document to PDF",
		slog.String("document_id", doc.ID),
		slog.Int("pdf_bytes", len(pdf)))
	return nil
}
