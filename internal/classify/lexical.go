package classify

import (
	"context"
	"strings"

	"github.com/arbiterlabs/arbiter/internal/domain"
)

// LexicalBackend scores inputs against fixed per-domain signal lexicons and
// turns the scores into a probability distribution. It is deterministic:
// identical input always produces an identical distribution, which makes it
// usable offline, in tests, and as the degrade target when a remote
// classification provider is down. Uncertainty still comes from the shape
// of the distribution, never from raw keyword counts.
type LexicalBackend struct {
	lexicon map[domain.Domain][]string
}

func NewLexicalBackend() *LexicalBackend {
	return &LexicalBackend{
		lexicon: map[domain.Domain][]string{
			domain.DomainClear: {
				"what is", "how much", "lookup", "status of", "balance",
				"list", "show me", "standard", "routine", "known",
			},
			domain.DomainComplicated: {
				"analyze", "compare", "evaluate", "optimize", "estimate",
				"forecast", "review", "assess", "calculate", "plan",
			},
			domain.DomainComplex: {
				"should we", "trade-off", "tradeoff", "strategy", "experiment",
				"causal", "effect of", "impact of", "uncertain", "depends",
			},
			domain.DomainChaotic: {
				"urgent", "outage", "emergency", "breach", "down",
				"failing", "immediately", "crisis", "incident", "critical failure",
			},
			domain.DomainDisorder: {
				"not sure", "confused", "unclear", "help", "something",
			},
		},
	}
}

func (b *LexicalBackend) Distribution(ctx context.Context, text string) (map[domain.Domain]float64, error) {
	lower := strings.ToLower(text)

	// Additive smoothing keeps every domain at nonzero probability, so a
	// signal-free input yields a near-uniform (high entropy) distribution.
	const smoothing = 0.5
	dist := make(map[domain.Domain]float64, len(domain.Domains))
	for _, d := range domain.Domains {
		score := smoothing
		for _, phrase := range b.lexicon[d] {
			if strings.Contains(lower, phrase) {
				score += 2.0
			}
		}
		dist[d] = score
	}
	return dist, nil
}
