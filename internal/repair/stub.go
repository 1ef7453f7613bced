package repair

import (
	"context"

	"github.com/arbiterlabs/arbiter/internal/domain"
)

// StubBackend is a deterministic stand-in for the external repair
// capability, used in tests and offline runs. Set the response fields to
// control what it returns.
type StubBackend struct {
	Response *domain.ExternalRepair
	Err      error

	// Call tracking for assertions
	Calls []StubCall
}

type StubCall struct {
	Action     *domain.ProposedAction
	Violations []domain.Violation
}

func NewStubBackend() *StubBackend {
	return &StubBackend{}
}

func (s *StubBackend) Repair(ctx context.Context, action *domain.ProposedAction, violations []domain.Violation, evalCtx domain.EvalContext) (*domain.ExternalRepair, error) {
	s.Calls = append(s.Calls, StubCall{Action: action.Clone(), Violations: violations})
	if s.Err != nil {
		return nil, s.Err
	}
	if s.Response != nil {
		return s.Response, nil
	}
	// Default: halve the amount, a conservative deterministic correction.
	repaired := action.Clone()
	repaired.Amount /= 2
	return &domain.ExternalRepair{
		Action:      repaired,
		Explanation: "stub repair: halved amount",
		Confidence:  0.9,
	}, nil
}
