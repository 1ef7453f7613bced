package reasoning

import (
	"context"

	"github.com/arbiterlabs/arbiter/internal/domain"
)

// MockClient is a configurable reasoning client for testing.
type MockClient struct {
	Response *domain.ReasoningResult
	Err      error

	// Call tracking for assertions
	Calls []domain.ReasoningRequest
}

func NewMockClient() *MockClient {
	return &MockClient{
		Response: &domain.ReasoningResult{
			EffectEstimate:     0.12,
			ConfidenceInterval: [2]float64{0.05, 0.19},
			ValidationPassed:   true,
		},
	}
}

func (m *MockClient) Estimate(ctx context.Context, req domain.ReasoningRequest) (*domain.ReasoningResult, error) {
	m.Calls = append(m.Calls, req)
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Response, nil
}
