package intelligence_service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/perceptra/docpipe/pipeline_type"
)

const analyzePath = "/documentintelligence/documentModels/prebuilt-layout:analyze?api-version=2024-11-30"

// AzureIntelligenceService talks to Azure Document Intelligence using the
// submit-then-poll pattern: the analyze call returns an operation URL which
// is polled until the analysis settles.
type AzureIntelligenceService struct {
	endpoint     string
	apiKey       string
	pollInterval time.Duration
	httpClient   *http.Client
	logger       *slog.Logger
}

func NewAzureIntelligenceService(endpoint, apiKey string, timeout time.Duration, logger *slog.Logger) *AzureIntelligenceService {
	return &AzureIntelligenceService{
		endpoint:     strings.TrimRight(endpoint, "/"),
		apiKey:       apiKey,
		pollInterval: 2 * time.Second,
		httpClient:   &http.Client{Timeout: timeout},
		logger:       logger,
	}
}

func (s *AzureIntelligenceService) Analyze(ctx context.Context, pdf []byte) (*AnalyzeResult, error) {
	opURL, err := s.submit(ctx, pdf)
	if err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			return nil, pipeline_type.Transientf("document analysis timed out: %v", ctx.Err())
		case <-time.After(s.pollInterval):
		}

		envelope, err := s.poll(ctx, opURL)
		if err != nil {
			return nil, err
		}
		switch envelope.Status {
		case "succeeded":
			result := convertResult(envelope.AnalyzeResult)
			s.logger.Info("Document analysis completed",
				slog.Int("sections", len(result.Sections)),
				slog.Int("figures", len(result.Figures)),
				slog.Int("pages", result.Pages))
			return result, nil
		case "failed":
			return nil, pipeline_type.Fatalf("document analysis failed: %s", envelope.Error.Message)
		default:
			// running / notStarted, keep polling
		}
	}
}

func (s *AzureIntelligenceService) submit(ctx context.Context, pdf []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", s.endpoint+analyzePath, bytes.NewReader(pdf))
	if err != nil {
		return "", fmt.Errorf("error creating analyze request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Ocp-Apim-Subscription-Key", s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", pipeline_type.Transientf("document intelligence unreachable: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		raw, _ := io.ReadAll(resp.Body)
		s.logger.Error("Document intelligence rejected analyze request",
			slog.Int("status_code", resp.StatusCode),
			slog.String("raw_body", string(raw)))
		return "", wrapStatus(resp.StatusCode, string(raw))
	}

	opURL := resp.Header.Get("Operation-Location")
	if opURL == "" {
		return "", pipeline_type.Fatalf("document intelligence response missing Operation-Location header")
	}
	return opURL, nil
}

func (s *AzureIntelligenceService) poll(ctx context.Context, opURL string) (*analyzeEnvelope, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", opURL, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating poll request: %w", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, pipeline_type.Transientf("document intelligence unreachable: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, wrapStatus(resp.StatusCode, string(raw))
	}

	var envelope analyzeEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, pipeline_type.Fatalf("malformed document intelligence response: %v", err)
	}
	return &envelope, nil
}

func wrapStatus(code int, body string) error {
	err := fmt.Errorf("document intelligence returned status %d: %s", code, body)
	switch pipeline_type.ClassFromStatusCode(code) {
	case pipeline_type.ErrorQuota:
		return pipeline_type.Quotaf("document intelligence rate limited: %s", body)
	case pipeline_type.ErrorTransient:
		return pipeline_type.Transient(err)
	default:
		return pipeline_type.Fatal(err)
	}
}

type analyzeEnvelope struct {
	Status        string       `json:"status"`
	AnalyzeResult *azureResult `json:"analyzeResult"`
	Error         azureError   `json:"error"`
}

type azureError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type azureResult struct {
	Paragraphs []azureParagraph `json:"paragraphs"`
	Tables     []azureTable     `json:"tables"`
	Figures    []azureFigure    `json:"figures"`
	Pages      []json.RawMessage `json:"pages"`
}

type azureParagraph struct {
	Content         string        `json:"content"`
	Role            string        `json:"role"`
	BoundingRegions []azureRegion `json:"boundingRegions"`
}

type azureRegion struct {
	PageNumber int       `json:"pageNumber"`
	Polygon    []float64 `json:"polygon"`
}

type azureTable struct {
	RowCount        int           `json:"rowCount"`
	ColumnCount     int           `json:"columnCount"`
	Cells           []azureCell   `json:"cells"`
	BoundingRegions []azureRegion `json:"boundingRegions"`
}

type azureCell struct {
	RowIndex    int    `json:"rowIndex"`
	ColumnIndex int    `json:"columnIndex"`
	Content     string `json:"content"`
	Kind        string `json:"kind"`
}

type azureFigure struct {
	ID              string        `json:"id"`
	BoundingRegions []azureRegion `json:"boundingRegions"`
	Caption         *azureCaption `json:"caption"`
}

type azureCaption struct {
	Content string `json:"content"`
}

// convertResult maps the wire format onto the pipeline model. Paragraphs
// with layout roles (headers, footers, page numbers) are dropped; tables are
// rendered as HTML so the chunking stage can flatten them uniformly.
func convertResult(r *azureResult) *AnalyzeResult {
	out := &AnalyzeResult{}
	if r == nil {
		return out
	}
	out.Pages = len(r.Pages)

	for _, p := range r.Paragraphs {
		switch p.Role {
		case "pageHeader", "pageFooter", "pageNumber":
			continue
		}
		section := pipeline_type.EnrichedSection{
			Content: p.Content,
			Type:    pipeline_type.SectionTypeText,
		}
		if len(p.BoundingRegions) > 0 {
			section.PageNumber = p.BoundingRegions[0].PageNumber
			section.Viewport = p.BoundingRegions[0].Polygon
		}
		out.Sections = append(out.Sections, section)
	}

	for _, t := range r.Tables {
		section := pipeline_type.EnrichedSection{
			Content: tableToHTML(t),
			Type:    pipeline_type.SectionTypeTable,
		}
		if len(t.BoundingRegions) > 0 {
			section.PageNumber = t.BoundingRegions[0].PageNumber
			section.Viewport = t.BoundingRegions[0].Polygon
		}
		out.Sections = append(out.Sections, section)
	}

	for _, f := range r.Figures {
		if len(f.BoundingRegions) == 0 {
			continue
		}
		region := f.BoundingRegions[0]
		fig := &pipeline_type.Figure{
			ID:         f.ID,
			PageNumber: region.PageNumber,
			Polygon:    region.Polygon,
			Status:     pipeline_type.FigurePending,
		}
		if f.Caption != nil {
			fig.Caption = f.Caption.Content
		}
		out.Figures = append(out.Figures, fig)
	}
	return out
}

func tableToHTML(t azureTable) string {
	grid := make([][]string, t.RowCount)
	header := make([]bool, t.RowCount)
	for i := range grid {
		grid[i] = make([]string, t.ColumnCount)
	}
	for _, c := range t.Cells {
		if c.RowIndex >= t.RowCount || c.ColumnIndex >= t.ColumnCount {
			continue
		}
		grid[c.RowIndex][c.ColumnIndex] = c.Content
		if c.Kind == "columnHeader" {
			header[c.RowIndex] = true
		}
	}

	var b strings.Builder
	b.WriteString("<table>")
	for i, row := range grid {
		b.WriteString("<tr>")
		tag := "td"
		if header[i] {
			tag = "th"
		}
		for _, cell := range row {
			b.WriteString("<" + tag + ">")
			b.WriteString(cell)
			b.WriteString("</" + tag + ">")
		}
		b.WriteString("</tr>")
	}
	b.WriteString("</table>")
	return b.String()
}
