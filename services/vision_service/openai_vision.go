package vision_service

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/perceptra/docpipe/pipeline_type"
)

const defaultPrompt = "Extract all the details only for the charts and infographs present in the image. " +
	"Don't miss out on any details for charts or infographs present. " +
	"Provide the output in JSON format."

// OpenAIVisionService describes images through the OpenAI chat completions
// API. One shot per call: retries and timeouts are owned by the vision
// sub-pipeline, not the client.
type OpenAIVisionService struct {
	apiURL     string
	apiKey     string
	model      string
	maxTokens  int
	httpClient *http.Client
	logger     *slog.Logger
}

func NewOpenAIVisionService(apiURL, apiKey, model string, maxTokens int, logger *slog.Logger) *OpenAIVisionService {
	return &OpenAIVisionService{
		apiURL:     apiURL,
		apiKey:     apiKey,
		model:      model,
		maxTokens:  maxTokens,
		httpClient: &http.Client{},
		logger:     logger,
	}
}

func (s *OpenAIVisionService) Describe(ctx context.Context, image []byte) (*Description, error) {
	encoded := base64.StdEncoding.EncodeToString(image)

	requestBody, err := json.Marshal(map[string]interface{}{
		"model":      s.model,
		"max_tokens": s.maxTokens,
		"seed":       25,
		"messages": []map[string]interface{}{
			{
				"role": "user",
				"content": []map[string]interface{}{
					{"type": "text", "text": defaultPrompt},
					{
						"type": "image_url",
						"image_url": map[string]interface{}{
							"url":    "data:image/jpeg;base64," + encoded,
							"detail": "high",
						},
					},
				},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("error marshaling vision request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.apiURL, bytes.NewBuffer(requestBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, pipeline_type.Transientf("vision service unreachable: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		rawBody, apiErr := extractAPIErrorDetails(resp)
		if resp.StatusCode == 429 {
			s.logger.Error("Vision API quota exceeded",
				slog.String("model", s.model),
				slog.Int("status_code", resp.StatusCode))
			return nil, pipeline_type.Quotaf("vision quota exceeded: %s", apiErrMessage(apiErr, rawBody))
		}
		s.logger.Error("Vision API error",
			slog.Int("status_code", resp.StatusCode),
			slog.String("raw_body", rawBody))
		err := fmt.Errorf("vision API returned status %d: %s", resp.StatusCode, apiErrMessage(apiErr, rawBody))
		if pipeline_type.ClassFromStatusCode(resp.StatusCode) == pipeline_type.ErrorTransient {
			return nil, pipeline_type.Transient(err)
		}
		return nil, pipeline_type.Fatal(err)
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, pipeline_type.Fatalf("malformed vision response: %v", err)
	}
	if len(result.Choices) == 0 {
		return nil, pipeline_type.Fatalf("vision response contained no choices")
	}

	s.logger.Debug("Vision API call completed",
		slog.String("model", s.model),
		slog.Int("total_tokens", result.Usage.TotalTokens))

	return &Description{
		Text:       result.Choices[0].Message.Content,
		TokensUsed: result.Usage.TotalTokens,
	}, nil
}

// APIError is the error structure returned by the OpenAI-compatible API.
type APIError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

func extractAPIErrorDetails(resp *http.Response) (string, *APIError) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil
	}
	var apiErr APIError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		return string(body), &apiErr
	}
	return string(body), nil
}

func apiErrMessage(apiErr *APIError, raw string) string {
	if apiErr != nil {
		return apiErr.Error.Message
	}
	return raw
}
