package conversion_service

import "context"

// MockConversionService implements ConversionService for tests.
type MockConversionService struct {
	ConvertFunc func(ctx context.Context, filename string, data []byte) ([]byte, error)
	Calls       int
}

func (m *MockConversionService) Convert(ctx context.Context, filename string, data []byte) ([]byte, error) {
	m.Calls++
	if m.ConvertFunc != nil {
		return m.ConvertFunc(ctx, filename, data)
	}
	return []byte("%PDF-1.7 converted"), nil
}
