// Package intelligence_service wraps the document intelligence adapter:
// layout analysis of a PDF yielding text sections, tables and figures with
// bounding information.
package intelligence_service

import (
	"context"

	"github.com/perceptra/docpipe/pipeline_type"
)

// AnalyzeResult is the layout analysis of one document. Figures carry page
// and polygon data only; the parsing stage assigns identifiers.
type AnalyzeResult struct {
	Sections []pipeline_type.EnrichedSection
	Figures  []*pipeline_type.Figure
	Pages    int
}

type DocumentIntelligenceService interface {
	Analyze(ctx context.Context, pdf []byte) (*AnalyzeResult, error)
}
