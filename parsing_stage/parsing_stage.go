// Package parsing_stage runs layout analysis on the converted PDF and
// writes the enriched document artifact. When vision extraction is enabled
// for the tenant, detected figures are described through the vision
// sub-pipeline and merged into the section list.
package parsing_stage

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strconv"

	"github.com/google/uuid"

	"github.com/perceptra/docpipe/flags"
	"github.com/perceptra/docpipe/pipeline_type"
	"github.com/perceptra/docpipe/services/artifact_service"
	"github.com/perceptra/docpipe/services/intelligence_service"
	"github.com/perceptra/docpipe/storage"
	"github.com/perceptra/docpipe/vision"
)

type ParsingStage struct {
	documents    storage.DocumentStore
	figures      storage.FigureStore
	artifacts    *artifact_service.Service
	intelligence intelligence_service.DocumentIntelligenceService
	visionRunner *vision.SubPipeline
	gate         *flags.Gate
	logger       *slog.Logger
}

// NewParsingStage builds the executor. intelligence may be nil, in which
// case a local text extractor stands in for the layout adapter (no tables
// or figures, plain text only).
func NewParsingStage(documents storage.DocumentStore, figures storage.FigureStore,
	artifacts *artifact_service.Service, intelligence intelligence_service.DocumentIntelligenceService,
	visionRunner *vision.SubPipeline, gate *flags.Gate, logger *slog.Logger) *ParsingStage {
	return &ParsingStage{
		documents:    documents,
		figures:      figures,
		artifacts:    artifacts,
		intelligence: intelligence,
		visionRunner: visionRunner,
		gate:         gate,
		logger:       logger,
	}
}

func (s *ParsingStage) Stage() pipeline_type.Stage {
	return pipeline_type.StageParsing
}

// figureID is deterministic per (document, detected figure) so a retried
// stage updates the same rows instead of minting a fresh set. The adapter's
// own identifier is used when it supplies one, the detection index otherwise.
func figureID(documentID string, index int, adapterID string) string {
	key := adapterID
	if key == "" {
		key = strconv.Itoa(index)
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(documentID+":figure:"+key)).String()
}

func (s *ParsingStage) Execute(ctx context.Context, doc *pipeline_type.Document) error {
	pdf, err := s.artifacts.Read(ctx, doc.ConvertedRef)
	if err != nil {
		return pipeline_type.Transientf("failed to read converted artifact: %v", err)
	}

	var analysis *intelligence_service.AnalyzeResult
	if s.intelligence != nil {
		analysis, err = s.intelligence.Analyze(ctx, pdf)
		if err != nil {
			return err
		}
	} else {
		analysis, err = localExtract(pdf)
		if err != nil {
			return err
		}
	}

	if len(analysis.Figures) > 0 {
		stored, err := s.figures.ListFigures(ctx, doc.ID)
		if err != nil {
			return pipeline_type.Transientf("failed to load figures: %v", err)
		}
		previous := make(map[string]*pipeline_type.Figure, len(stored))
		for _, fig := range stored {
			previous[fig.ID] = fig
		}
		for i, fig := range analysis.Figures {
			fig.DocumentID = doc.ID
			fig.ID = figureID(doc.ID, i, fig.ID)
			// A retried run keeps the outcome of figures that already went
			// through vision instead of resetting them to pending.
			if prev, ok := previous[fig.ID]; ok {
				fig.Status = prev.Status
				fig.Description = prev.Description
				fig.Error = prev.Error
			}
		}
		if err := s.figures.SaveFigures(ctx, analysis.Figures); err != nil {
			return pipeline_type.Transientf("failed to persist figures: %v", err)
		}
	}

	enriched := pipeline_type.EnrichedDocument{
		Sections: analysis.Sections,
		Metadata: pipeline_type.EnrichedMetadata{
			TotalFigures: len(analysis.Figures),
		},
	}

	visionOn := s.gate.VisionExtractionEnabled(doc.TenantID)
	enriched.Metadata.VisionExtractionOn = visionOn

	if visionOn && len(analysis.Figures) > 0 && s.visionRunner != nil {
		result, err := s.visionRunner.Run(ctx, doc, pdf, analysis.Figures)
		if err != nil {
			return err
		}
		enriched.Sections = append(enriched.Sections, result.Sections...)
		enriched.Metadata.VisionTokensUsed = result.TokensUsed
		enriched.Metadata.VisionFiguresExtracted = result.Succeeded
	}

	// Stable by page so figure descriptions land after the page's text and
	// repeated runs emit byte-identical artifacts.
	sort.SliceStable(enriched.Sections, func(i, j int) bool {
		return enriched.Sections[i].PageNumber < enriched.Sections[j].PageNumber
	})
	enriched.Metadata.TotalSections = len(enriched.Sections)

	payload, err := json.Marshal(enriched)
	if err != nil {
		return pipeline_type.Fatalf("failed to encode enriched document: %v", err)
	}
	ref, err := s.artifacts.Write(ctx, doc.ID+".enriched.json", payload)
	if err != nil {
		return pipeline_type.Transientf("failed to store enriched artifact: %v", err)
	}

	doc.EnrichedRef = ref
	if err := s.documents.UpdateDocument(ctx, doc); err != nil {
		return pipeline_type.Transientf("failed to record enriched artifact: %v", err)
	}

	s.logger.Info("Parsed document",
		slog.String("document_id", doc.ID),
		slog.Int("sections", enriched.Metadata.TotalSections),
		slog.Int("figures", enriched.Metadata.TotalFigures),
		slog.Bool("vision", visionOn))
	return nil
}
