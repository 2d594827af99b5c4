package embedding_service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/perceptra/docpipe/pipeline_type"
)

type EmbeddingRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type EmbeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

type OpenAIEmbeddingService struct {
	apiURL     string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewOpenAIEmbeddingService(apiURL, apiKey, model string, logger *slog.Logger) *OpenAIEmbeddingService {
	return &OpenAIEmbeddingService{
		apiURL:     apiURL,
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		logger:     logger,
	}
}

func (s *OpenAIEmbeddingService) EmbedBatch(ctx context.Context, texts []string) (*EmbeddingBatch, error) {
	requestBody, err := json.Marshal(EmbeddingRequest{Input: texts, Model: s.model})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.apiURL, bytes.NewBuffer(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, pipeline_type.Transientf("embedding service unreachable: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		s.logger.Error("Embedding service error",
			slog.Int("status_code", resp.StatusCode),
			slog.String("raw_body", string(body)))
		err := fmt.Errorf("embedding service returned status %d: %s", resp.StatusCode, string(body))
		switch pipeline_type.ClassFromStatusCode(resp.StatusCode) {
		case pipeline_type.ErrorQuota:
			return nil, pipeline_type.Quotaf("embedding quota exceeded: %s", string(body))
		case pipeline_type.ErrorTransient:
			return nil, pipeline_type.Transient(err)
		default:
			return nil, pipeline_type.Fatal(err)
		}
	}

	var embeddingResp EmbeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&embeddingResp); err != nil {
		return nil, pipeline_type.Fatalf("malformed embedding response: %v", err)
	}
	if len(embeddingResp.Data) != len(texts) {
		return nil, pipeline_type.Fatalf("embedding count mismatch: expected %d, got %d",
			len(texts), len(embeddingResp.Data))
	}

	batch := &EmbeddingBatch{
		Vectors:    make([][]float32, len(texts)),
		TokensUsed: embeddingResp.Usage.TotalTokens,
	}
	for _, d := range embeddingResp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, pipeline_type.Fatalf("embedding response index %d out of range", d.Index)
		}
		batch.Vectors[d.Index] = d.Embedding
	}
	return batch, nil
}
