// Package conversion_service converts uploaded documents to PDF through a
// remote LibreOffice-style conversion endpoint.
package conversion_service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/perceptra/docpipe/pipeline_type"
)

type ConversionService interface {
	// Convert returns the PDF rendition of the named document.
	Convert(ctx context.Context, filename string, data []byte) ([]byte, error)
}

type HTTPConversionService struct {
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewHTTPConversionService(endpoint string, timeout time.Duration, logger *slog.Logger) *HTTPConversionService {
	return &HTTPConversionService{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

func (s *HTTPConversionService) Convert(ctx context.Context, filename string, data []byte) ([]byte, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("files", filename)
	if err != nil {
		return nil, fmt.Errorf("error building conversion request: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("error building conversion request: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("error building conversion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.endpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, pipeline_type.Transientf("conversion service unreachable: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		s.logger.Error("Conversion service error",
			slog.String("filename", filename),
			slog.Int("status_code", resp.StatusCode),
			slog.String("raw_body", string(raw)))
		return nil, statusError(resp.StatusCode, string(raw))
	}

	pdf, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, pipeline_type.Transientf("error reading conversion response: %v", err)
	}
	if len(pdf) == 0 {
		return nil, pipeline_type.Fatalf("conversion service returned an empty document for %s", filename)
	}
	return pdf, nil
}

func statusError(code int, body string) error {
	err := fmt.Errorf("conversion service returned status %d: %s", code, body)
	switch pipeline_type.ClassFromStatusCode(code) {
	case pipeline_type.ErrorQuota:
		return pipeline_type.Quotaf("conversion quota exceeded: %s", body)
	case pipeline_type.ErrorTransient:
		return pipeline_type.Transient(err)
	default:
		return pipeline_type.Fatal(err)
	}
}
