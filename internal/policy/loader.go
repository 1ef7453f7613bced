package policy

import (
	"errors"
	"fmt"
	"os"

	"github.com/arbiterlabs/arbiter/internal/domain"
	"gopkg.in/yaml.v3"
)

var (
	ErrEmptyRuleSet      = errors.New("rule set has no rules")
	ErrInvalidRule       = errors.New("invalid rule")
	ErrRuleSetNameNeeded = errors.New("rule set name is required")
)

// LoadRuleSet reads and validates a YAML rule set. Validation happens at
// load time so a malformed file can never replace a good in-memory set.
func LoadRuleSet(path string) (*domain.RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule set: %w", err)
	}

	var rs domain.RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parse rule set: %w", err)
	}

	if err := ValidateRuleSet(&rs); err != nil {
		return nil, err
	}
	return &rs, nil
}

// ValidateRuleSet checks structural validity of a rule set.
func ValidateRuleSet(rs *domain.RuleSet) error {
	if rs.Name == "" {
		return ErrRuleSetNameNeeded
	}
	if len(rs.Rules) == 0 {
		return ErrEmptyRuleSet
	}
	for i, r := range rs.Rules {
		if r.Name == "" {
			return fmt.Errorf("%w: rule %d has no name", ErrInvalidRule, i)
		}
		if r.Field == "" {
			return fmt.Errorf("%w: rule %q has no field path", ErrInvalidRule, r.Name)
		}
		if !domain.ValidComparator(string(r.Comparator)) {
			return fmt.Errorf("%w: rule %q has comparator %q", ErrInvalidRule, r.Name, r.Comparator)
		}
		if !domain.ValidSeverity(string(r.Severity)) {
			return fmt.Errorf("%w: rule %q has severity %q", ErrInvalidRule, r.Name, r.Severity)
		}
		if r.Kind == "" {
			rs.Rules[i].Kind = domain.ViolationUnknown
		} else if !domain.ValidViolationKind(string(r.Kind)) {
			return fmt.Errorf("%w: rule %q has violation kind %q", ErrInvalidRule, r.Name, r.Kind)
		}
	}
	return nil
}
