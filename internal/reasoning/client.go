// Package reasoning is the consumed interface to the external causal and
// Bayesian analysis service. The control plane never computes effect
// estimates itself, and it never fabricates one either: if the service
// cannot run the estimation, the caller gets ErrUnavailable and the
// session surfaces an explicit "analysis unavailable" outcome.
package reasoning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/arbiterlabs/arbiter/internal/domain"
)

var ErrUnavailable = errors.New("reasoning service unavailable")

type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL:    baseURL,
		httpClient: &http.Client{},
	}
}

type estimateResponse struct {
	EffectEstimate     float64           `json:"effect_estimate"`
	ConfidenceInterval [2]float64        `json:"confidence_interval"`
	ValidationPassed   bool              `json:"validation_passed"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	Error              string            `json:"error,omitempty"`
}

func (c *HTTPClient) Estimate(ctx context.Context, req domain.ReasoningRequest) (*domain.ReasoningResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal estimate request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/estimate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create estimate request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, string(respBody))
	}

	var result estimateResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("%w: unmarshal response: %v", ErrUnavailable, err)
	}
	if result.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, result.Error)
	}

	return &domain.ReasoningResult{
		EffectEstimate:     result.EffectEstimate,
		ConfidenceInterval: result.ConfidenceInterval,
		ValidationPassed:   result.ValidationPassed,
		Metadata:           result.Metadata,
	}, nil
}
