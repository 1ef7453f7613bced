package domain

// Severity ranks how hard a fired rule constrains the verdict.
type Severity string

const (
	// SeverityReview flags the action for human review; it cannot approve.
	SeverityReview Severity = "review"
	// SeverityBlock rejects the action outright.
	SeverityBlock Severity = "block"
	// SeverityCritical rejects and is never a candidate for automatic repair.
	SeverityCritical Severity = "critical"
)

func ValidSeverity(s string) bool {
	switch Severity(s) {
	case SeverityReview, SeverityBlock, SeverityCritical:
		return true
	}
	return false
}

// Blocks reports whether a fired rule of this severity forces rejection.
func (s Severity) Blocks() bool {
	return s == SeverityBlock || s == SeverityCritical
}

// ViolationKind drives repair strategy selection.
type ViolationKind string

const (
	ViolationBudgetExceeded    ViolationKind = "budget_exceeded"
	ViolationThresholdExceeded ViolationKind = "threshold_exceeded"
	ViolationApprovalMissing   ViolationKind = "approval_missing"
	ViolationRuleUnevaluable   ViolationKind = "rule_unevaluable"
	ViolationUnknown           ViolationKind = "unknown"
)

func ValidViolationKind(k string) bool {
	switch ViolationKind(k) {
	case ViolationBudgetExceeded, ViolationThresholdExceeded, ViolationApprovalMissing, ViolationRuleUnevaluable, ViolationUnknown:
		return true
	}
	return false
}

// Violation is one fired rule, in rule-set order.
type Violation struct {
	Rule     string        `json:"rule"`
	Kind     ViolationKind `json:"kind"`
	Severity Severity      `json:"severity"`
	Message  string        `json:"message"`
	Field    string        `json:"field,omitempty"`
}

// Comparator is the constraint operator of a rule.
type Comparator string

const (
	CmpLTE Comparator = "lte"
	CmpLT  Comparator = "lt"
	CmpGTE Comparator = "gte"
	CmpGT  Comparator = "gt"
	CmpEQ  Comparator = "eq"
	CmpNEQ Comparator = "neq"
)

func ValidComparator(c string) bool {
	switch Comparator(c) {
	case CmpLTE, CmpLT, CmpGTE, CmpGT, CmpEQ, CmpNEQ:
		return true
	}
	return false
}

// Rule is one ordered entry of a rule set. Field is a dotted path into the
// evaluation scope (e.g. "action.amount"). Constraint semantics: the rule
// fires when the field value violates `<comparator> <threshold>`. Monetary
// rules carry a Currency naming the unit of Threshold; amounts are
// normalized to the engine's base currency before comparison.
type Rule struct {
	Name       string        `yaml:"name" json:"name"`
	Field      string        `yaml:"field" json:"field"`
	Comparator Comparator    `yaml:"comparator" json:"comparator"`
	Threshold  float64       `yaml:"threshold" json:"threshold"`
	Value      string        `yaml:"value,omitempty" json:"value,omitempty"`
	Currency   string        `yaml:"currency,omitempty" json:"currency,omitempty"`
	Kind       ViolationKind `yaml:"kind" json:"kind"`
	Severity   Severity      `yaml:"severity" json:"severity"`
	Message    string        `yaml:"message" json:"message"`
}

// RuleSet is a named, ordered collection of rules. Rule sets live in
// external hot-reloadable configuration, never compiled into the engine.
type RuleSet struct {
	Name    string `yaml:"name" json:"name"`
	Version string `yaml:"version" json:"version"`
	Rules   []Rule `yaml:"rules" json:"rules"`
}
