package vision_service

import (
	"context"
	"sync/atomic"
)

// MockVisionService implements VisionService for tests. Calls is updated
// atomically because the sub-pipeline fans out across goroutines.
type MockVisionService struct {
	DescribeFunc func(ctx context.Context, image []byte) (*Description, error)
	Calls        int64
}

func (m *MockVisionService) Describe(ctx context.Context, image []byte) (*Description, error) {
	atomic.AddInt64(&m.Calls, 1)
	if m.DescribeFunc != nil {
		return m.DescribeFunc(ctx, image)
	}
	return &Description{Text: "a chart", TokensUsed: 10}, nil
}

func (m *MockVisionService) CallCount() int64 {
	return atomic.LoadInt64(&m.Calls)
}
