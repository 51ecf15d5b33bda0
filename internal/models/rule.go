package models

// Rule types. Deny rules always win over allow rules.
const (
	RuleTypeAllow = "allow"
	RuleTypeDeny  = "deny"
)

// Condition operators.
const (
	OpEq     = "eq"
	OpNeq    = "neq"
	OpGt     = "gt"
	OpGte    = "gte"
	OpLt     = "lt"
	OpLte    = "lte"
	OpIn     = "in"
	OpNotIn  = "not_in"
	OpExists = "exists"
	OpRegex  = "regex"
)

// RuleTrigger names the event (and optionally the source entity) a rule
// listens for.
type RuleTrigger struct {
	Event        string `json:"event" yaml:"event"`
	SourceEntity string `json:"source_entity,omitempty" yaml:"source_entity,omitempty"`
}

// Condition is a single predicate over the job context. Field is a dot-path
// into the context mapping; all conditions in a rule must hold.
type Condition struct {
	Field    string `json:"field" yaml:"field"`
	Operator string `json:"operator" yaml:"operator"`
	Value    any    `json:"value,omitempty" yaml:"value,omitempty"`
}

// ActionDescriptor names the action a matching rule authorizes.
type ActionDescriptor struct {
	Type   string         `json:"type" yaml:"type"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// AutomationRule is an immutable policy statement loaded per tenant. Rules
// are configuration data and are never mutated during evaluation.
type AutomationRule struct {
	ID         string           `json:"id" yaml:"id"`
	Name       string           `json:"name,omitempty" yaml:"name,omitempty"`
	RuleType   string           `json:"rule_type" yaml:"rule_type"`
	Trigger    RuleTrigger      `json:"trigger" yaml:"trigger"`
	Conditions []Condition      `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Action     ActionDescriptor `json:"action" yaml:"action"`
	Approval   ApprovalPolicy   `json:"approval" yaml:"approval"`
	Fallback   FallbackPolicy   `json:"fallback" yaml:"fallback"`
	// Priority orders evaluation; numerically smaller wins among matches.
	Priority int  `json:"priority" yaml:"priority"`
	IsActive bool `json:"is_active" yaml:"is_active"`
}
