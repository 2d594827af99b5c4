package parsing_stage

import (
	"bytes"
	"strings"

	"code.sajari.com/docconv/v2"
	lpdf "github.com/ledongthuc/pdf"

	"github.com/perceptra/docpipe/pipeline_type"
	"github.com/perceptra/docpipe/services/intelligence_service"
)

// localExtract pulls plain text out of a PDF without a layout adapter.
// Page-by-page extraction first; documents whose text layer resists that
// (odd encodings mostly) fall back to a whole-document conversion.
func localExtract(data []byte) (*intelligence_service.AnalyzeResult, error) {
	result := &intelligence_service.AnalyzeResult{}

	r, err := lpdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return localExtractFallback(data)
	}
	result.Pages = r.NumPage()

	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		result.Sections = append(result.Sections, pipeline_type.EnrichedSection{
			Content:    text,
			Type:       pipeline_type.SectionTypeText,
			PageNumber: i,
		})
	}

	if len(result.Sections) == 0 {
		return localExtractFallback(data)
	}
	return result, nil
}

func localExtractFallback(data []byte) (*intelligence_service.AnalyzeResult, error) {
	res, err := docconv.Convert(bytes.NewReader(data), "application/pdf", true)
	if err != nil {
		return nil, pipeline_type.Fatalf("failed to extract text: %v", err)
	}
	text := strings.TrimSpace(res.Body)
	if text == "" {
		return nil, pipeline_type.Fatalf("document has no extractable text")
	}
	return &intelligence_service.AnalyzeResult{
		Pages: 1,
		Sections: []pipeline_type.EnrichedSection{{
			Content:    text,
			Type:       pipeline_type.SectionTypeText,
			PageNumber: 1,
		}},
	}, nil
}
