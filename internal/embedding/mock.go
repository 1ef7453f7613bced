package embedding

import (
	"context"
	"hash/fnv"
)

// MockClient produces deterministic embeddings from a hash of the input,
// so similarity queries behave consistently in tests and local runs.
type MockClient struct {
	Dimensions int
	EmbedCalls []string
	EmbedError error
}

func NewMockClient() *MockClient {
	return &MockClient{Dimensions: 1536}
}

func (m *MockClient) Embed(_ context.Context, text string) ([]float32, error) {
	m.EmbedCalls = append(m.EmbedCalls, text)
	if m.EmbedError != nil {
		return nil, m.EmbedError
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, m.Dimensions)
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed>>33)%1000)/1000.0 - 0.5
	}
	return vec, nil
}
