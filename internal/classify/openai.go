package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/arbiterlabs/arbiter/internal/domain"
)

const (
	openAIChatURL = "https://api.openai.com/v1/chat/completions"
	chatModel     = "gpt-4o-mini"
)

const distributionPrompt = `You are a tractability classifier for a decision-routing system.
Given a problem statement, assign a probability to each of the five
complexity domains. Probabilities must sum to 1.

- clear: answerable by lookup or a known procedure
- complicated: analyzable by experts with established methods
- complex: cause and effect only knowable in retrospect; needs experimentation
- chaotic: no discernible cause and effect; immediate stabilization required
- disorder: the statement itself is too ambiguous to place

Problem statement:
%s

Respond with ONLY a JSON object, no markdown:
{"clear":0.0,"complicated":0.0,"complex":0.0,"chaotic":0.0,"disorder":0.0}`

type OpenAIBackend struct {
	apiKey     string
	httpClient *http.Client
}

func NewOpenAIBackend(apiKey string) *OpenAIBackend {
	return &OpenAIBackend{
		apiKey:     apiKey,
		httpClient: &http.Client{},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *OpenAIBackend) Distribution(ctx context.Context, text string) (map[domain.Domain]float64, error) {
	body, err := json.Marshal(chatRequest{
		Model:       chatModel,
		Messages:    []chatMessage{{Role: "user", Content: fmt.Sprintf(distributionPrompt, text)}},
		Temperature: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal openai request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, openAIChatURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create openai request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read openai response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openai API returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var result chatResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("unmarshal openai response: %w", err)
	}
	if result.Error != nil {
		return nil, fmt.Errorf("openai API error: %s", result.Error.Message)
	}
	if len(result.Choices) == 0 {
		return nil, fmt.Errorf("openai API returned no choices")
	}

	return parseDistribution(result.Choices[0].Message.Content)
}

// parseDistribution turns a model's JSON reply into a domain distribution.
// Markdown fences are tolerated; anything else malformed is an error the
// classifier degrades from, never a guess.
func parseDistribution(raw string) (map[domain.Domain]float64, error) {
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var parsed map[string]float64
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("parse domain distribution: %w (raw: %s)", err, raw)
	}

	dist := make(map[domain.Domain]float64, len(parsed))
	for k, v := range parsed {
		if !domain.ValidDomain(k) {
			return nil, fmt.Errorf("%w: unknown domain %q", ErrMalformedDistribution, k)
		}
		dist[domain.Domain(k)] = v
	}
	return dist, nil
}
