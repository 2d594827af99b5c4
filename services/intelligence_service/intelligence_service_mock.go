package intelligence_service

import "context"

// MockIntelligenceService implements DocumentIntelligenceService for tests.
type MockIntelligenceService struct {
	AnalyzeFunc func(ctx context.Context, pdf []byte) (*AnalyzeResult, error)
	Calls       int
}

func (m *MockIntelligenceService) Analyze(ctx context.Context, pdf []byte) (*AnalyzeResult, error) {
	m.Calls++
	if m.AnalyzeFunc != nil {
		return m.AnalyzeFunc(ctx, pdf)
	}
	return &AnalyzeResult{}, nil
}
