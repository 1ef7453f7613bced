package classify

import (
	"context"

	"github.com/arbiterlabs/arbiter/internal/domain"
)

// MockBackend is a configurable classification backend for testing.
// Set DistributionResponse or DistributionError to control behavior.
type MockBackend struct {
	DistributionResponse map[domain.Domain]float64
	DistributionError    error

	// Call tracking for assertions
	DistributionCalls []string
}

func NewMockBackend() *MockBackend {
	return &MockBackend{
		DistributionResponse: map[domain.Domain]float64{
			domain.DomainClear:       0.96,
			domain.DomainComplicated: 0.01,
			domain.DomainComplex:     0.01,
			domain.DomainChaotic:     0.01,
			domain.DomainDisorder:    0.01,
		},
	}
}

func (m *MockBackend) Distribution(ctx context.Context, text string) (map[domain.Domain]float64, error) {
	m.DistributionCalls = append(m.DistributionCalls, text)
	if m.DistributionError != nil {
		return nil, m.DistributionError
	}
	return m.DistributionResponse, nil
}
