package classify

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/arbiterlabs/arbiter/internal/backoff"
	"github.com/arbiterlabs/arbiter/internal/domain"
	"go.uber.org/zap"
)

var (
	ErrEmptyInput            = errors.New("input text is empty")
	ErrMalformedDistribution = errors.New("malformed domain distribution")
)

// Thresholds is the precedence-ordered domain decision table. Rows are
// checked top to bottom; ranges overlap at the boundaries, so order is part
// of the contract, not an implementation detail.
type Thresholds struct {
	ChaoticEntropy        float64
	DisorderConfidence    float64
	ClearConfidence       float64
	ClearEntropy          float64
	ComplicatedConfidence float64
	ComplicatedEntropy    float64
	ComplexConfidence     float64
	ComplexEntropyLow     float64
	ComplexEntropyHigh    float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		ChaoticEntropy:        0.9,
		DisorderConfidence:    0.70,
		ClearConfidence:       0.95,
		ClearEntropy:          0.2,
		ComplicatedConfidence: 0.85,
		ComplicatedEntropy:    0.5,
		ComplexConfidence:     0.70,
		ComplexEntropyLow:     0.5,
		ComplexEntropyHigh:    0.8,
	}
}

// Classifier maps an input to a complexity domain. It derives confidence
// and entropy from the backend's probability distribution; the decision
// table then picks the domain. Backend failure degrades to the
// deterministic fallback, and only if that also fails does the classifier
// fail safe to Disorder with confidence zero.
type Classifier struct {
	backend    domain.ClassificationBackend
	fallback   domain.ClassificationBackend
	thresholds Thresholds
	retry      backoff.Policy
	logger     *zap.Logger
}

func New(backend, fallback domain.ClassificationBackend, thresholds Thresholds, retry backoff.Policy, logger *zap.Logger) *Classifier {
	return &Classifier{
		backend:    backend,
		fallback:   fallback,
		thresholds: thresholds,
		retry:      retry,
		logger:     logger,
	}
}

// Classify routes an input to a domain. It never returns an error: every
// failure mode degrades to Disorder with the failure reason in the
// rationale, so routing always has somewhere safe to go.
func (c *Classifier) Classify(ctx context.Context, input string) domain.Classification {
	if input == "" {
		return disorderFallback(ErrEmptyInput)
	}

	var dist map[domain.Domain]float64
	err := errors.New("no classification backend configured")
	if c.backend != nil {
		dist, err = c.distribution(ctx, c.backend, input)
	}
	if err != nil {
		if c.backend != nil {
			c.logger.Warn("classification backend failed, using fallback",
				zap.Error(err))
		}
		if c.fallback == nil {
			return disorderFallback(err)
		}
		dist, err = c.distribution(ctx, c.fallback, input)
		if err != nil {
			c.logger.Error("fallback classification failed", zap.Error(err))
			return disorderFallback(err)
		}
	}

	confidence := maxProbability(dist)
	entropy := NormalizedEntropy(dist)
	d, rule := c.decide(confidence, entropy)

	return domain.Classification{
		Domain:     d,
		Confidence: confidence,
		Entropy:    entropy,
		Rationale:  fmt.Sprintf("%s: confidence=%.3f entropy=%.3f", rule, confidence, entropy),
	}
}

func (c *Classifier) distribution(ctx context.Context, b domain.ClassificationBackend, input string) (map[domain.Domain]float64, error) {
	var dist map[domain.Domain]float64
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		dist, err = b.Distribution(ctx, input)
		return err
	})
	if err != nil {
		return nil, err
	}
	return normalize(dist)
}

// decide walks the precedence table top to bottom and returns the first
// matching row. The final row is the fail-safe: an input that matches
// nothing is Disorder, never a silently guessed "confident" domain.
func (c *Classifier) decide(confidence, entropy float64) (domain.Domain, string) {
	t := c.thresholds
	switch {
	case entropy > t.ChaoticEntropy:
		return domain.DomainChaotic, "high entropy"
	case confidence < t.DisorderConfidence:
		return domain.DomainDisorder, "low confidence"
	case confidence >= t.ClearConfidence && entropy < t.ClearEntropy:
		return domain.DomainClear, "high confidence, low entropy"
	case confidence >= t.ComplicatedConfidence && entropy < t.ComplicatedEntropy:
		return domain.DomainComplicated, "high confidence, moderate entropy"
	case confidence >= t.ComplexConfidence && entropy >= t.ComplexEntropyLow && entropy <= t.ComplexEntropyHigh:
		return domain.DomainComplex, "moderate confidence, elevated entropy"
	default:
		return domain.DomainDisorder, "no decision row matched"
	}
}

// NormalizedEntropy computes Shannon entropy over the distribution,
// normalized by log(n) so the result is in [0,1]. This is true
// distributional uncertainty, not a keyword-count proxy.
func NormalizedEntropy(dist map[domain.Domain]float64) float64 {
	if len(dist) < 2 {
		return 0
	}
	var h float64
	for _, p := range dist {
		if p > 0 {
			h -= p * math.Log(p)
		}
	}
	h /= math.Log(float64(len(dist)))
	return clamp01(h)
}

func maxProbability(dist map[domain.Domain]float64) float64 {
	var max float64
	for _, p := range dist {
		if p > max {
			max = p
		}
	}
	return clamp01(max)
}

// normalize validates the backend's distribution and rescales it to sum to
// one. Negative probabilities, NaNs, or an all-zero distribution are
// malformed signals, reported as such rather than patched over.
func normalize(dist map[domain.Domain]float64) (map[domain.Domain]float64, error) {
	if len(dist) == 0 {
		return nil, ErrMalformedDistribution
	}
	var sum float64
	for d, p := range dist {
		if !domain.ValidDomain(string(d)) {
			return nil, fmt.Errorf("%w: unknown domain %q", ErrMalformedDistribution, d)
		}
		if math.IsNaN(p) || math.IsInf(p, 0) || p < 0 {
			return nil, fmt.Errorf("%w: probability %v for %s", ErrMalformedDistribution, p, d)
		}
		sum += p
	}
	if sum <= 0 {
		return nil, fmt.Errorf("%w: probabilities sum to zero", ErrMalformedDistribution)
	}
	out := make(map[domain.Domain]float64, len(domain.Domains))
	for _, d := range domain.Domains {
		out[d] = dist[d] / sum
	}
	return out, nil
}

func disorderFallback(err error) domain.Classification {
	return domain.Classification{
		Domain:     domain.DomainDisorder,
		Confidence: 0,
		Entropy:    1,
		Rationale:  fmt.Sprintf("classification failed: %v", err),
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
