// Package policy provides the Budget Policy Engine
// Evaluates budget and risk policies against estimation results
package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"construction-cost/decision/estimation"
	"construction-cost/pkg/units"
)

// PolicyType defines the type of policy
type PolicyType string

const (
	PolicyTypeCostLimit          PolicyType = "cost_limit"
	PolicyTypeP90Limit           PolicyType = "p90_limit"
	PolicyTypeContingencyFloor   PolicyType = "contingency_floor"
	PolicyTypeUncertaintyCeiling PolicyType = "uncertainty_ceiling"
)

// Severity defines policy violation severity
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Decision is the policy evaluation outcome
type Decision string

const (
	DecisionPass Decision = "pass"
	DecisionWarn Decision = "warn"
	DecisionDeny Decision = "deny"
)

// Policy defines a budget rule. Threshold is a currency amount for the limit
// types and a percentage for the floor/ceiling types.
type Policy struct {
	ID          string     `json:"id" yaml:"id"`
	Name        string     `json:"name" yaml:"name"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Type        PolicyType `json:"type" yaml:"type"`
	Severity    Severity   `json:"severity" yaml:"severity"`
	Threshold   float64    `json:"threshold" yaml:"threshold"`
	Enabled     bool       `json:"enabled" yaml:"enabled"`
}

// Violation represents a policy violation
type Violation struct {
	PolicyID   string `json:"policy_id"`
	PolicyName string `json:"policy_name"`
	Message    string `json:"message"`
	Severity   string `json:"severity"`
}

// Warning represents a policy warning
type Warning struct {
	PolicyID string `json:"policy_id"`
	Message  string `json:"message"`
}

// EvaluationRequest contains the input for policy evaluation
type EvaluationRequest struct {
	Estimate       *estimation.Result
	CustomPolicies []Policy
}

// EvaluationResult contains the policy evaluation outcome
type EvaluationResult struct {
	Decision    Decision    `json:"decision"`
	Violations  []Violation `json:"violations"`
	Warnings    []Warning   `json:"warnings"`
	PoliciesRan int         `json:"policies_ran"`
	EvaluatedAt time.Time   `json:"evaluated_at"`
}

// Engine evaluates policies against estimates
type Engine struct {
	policies []Policy
	rego     *RegoEvaluator
}

// NewEngine creates a new policy engine with the default policies
func NewEngine() *Engine {
	return &Engine{policies: defaultPolicies()}
}

// WithRego adds Rego policy evaluation
func (e *Engine) WithRego(r *RegoEvaluator) *Engine {
	e.rego = r
	return e
}

// AddPolicy adds a custom policy
func (e *Engine) AddPolicy(p Policy) {
	e.policies = append(e.policies, p)
}

// Policies returns the configured policies
func (e *Engine) Policies() []Policy {
	return append([]Policy(nil), e.policies...)
}

// BudgetPolicy returns an error-severity cost limit on the total with contingency.
func BudgetPolicy(limit float64) Policy {
	return Policy{
		ID:        "budget",
		Name:      "Project Budget",
		Type:      PolicyTypeCostLimit,
		Severity:  SeverityError,
		Threshold: limit,
		Enabled:   true,
	}
}

// Evaluate runs all policies against the estimate
func (e *Engine) Evaluate(ctx context.Context, req EvaluationRequest) (*EvaluationResult, error) {
	if req.Estimate == nil {
		return nil, fmt.Errorf("policy evaluation needs an estimate")
	}
	result := &EvaluationResult{
		Decision:    DecisionPass,
		Violations:  make([]Violation, 0),
		Warnings:    make([]Warning, 0),
		EvaluatedAt: time.Now(),
	}

	all := append(e.Policies(), req.CustomPolicies...)
	for _, p := range all {
		if !p.Enabled {
			continue
		}
		result.PoliciesRan++
		violation, warning := evaluatePolicy(p, req.Estimate)

		// Only error-severity breaches become violations.
		if violation != nil {
			result.Violations = append(result.Violations, *violation)
			result.Decision = DecisionDeny
		}
		if warning != nil {
			result.Warnings = append(result.Warnings, *warning)
			if result.Decision == DecisionPass {
				result.Decision = DecisionWarn
			}
		}
	}

	if e.rego != nil {
		out, err := e.rego.Evaluate(ctx, req.Estimate)
		if err != nil {
			return nil, fmt.Errorf("rego policies: %w", err)
		}
		result.PoliciesRan += out.Modules
		for _, msg := range out.Denials {
			result.Violations = append(result.Violations, Violation{
				PolicyID: "rego", PolicyName: "Rego policy", Message: msg, Severity: string(SeverityError),
			})
			result.Decision = DecisionDeny
		}
		for _, msg := range out.Warnings {
			result.Warnings = append(result.Warnings, Warning{PolicyID: "rego", Message: msg})
			if result.Decision == DecisionPass {
				result.Decision = DecisionWarn
			}
		}
	}

	return result, nil
}

func evaluatePolicy(p Policy, est *estimation.Result) (*Violation, *Warning) {
	var breached bool
	var msg string

	switch p.Type {
	case PolicyTypeCostLimit:
		total := est.Totals.WithContingency.InexactFloat64()
		breached = total > p.Threshold
		msg = fmt.Sprintf("Total with contingency (%s) exceeds limit (%s)",
			units.FormatWhole(est.Totals.WithContingency), units.FormatCurrency(decimal.NewFromFloat(p.Threshold)))

	case PolicyTypeP90Limit:
		p90 := est.Ranges.P90.InexactFloat64()
		breached = p90 > p.Threshold
		msg = fmt.Sprintf("P90 estimate (%s) exceeds limit (%s)",
			units.FormatWhole(est.Ranges.P90), units.FormatCurrency(decimal.NewFromFloat(p.Threshold)))

	case PolicyTypeContingencyFloor:
		rate := est.Contingencies.ContingencyRate
		breached = rate*100 < p.Threshold
		msg = fmt.Sprintf("Contingency (%s) below floor (%s)",
			units.FormatPercent(rate), units.FormatPercent(p.Threshold/100))

	case PolicyTypeUncertaintyCeiling:
		u := est.Ranges.UncertaintyFactor
		breached = u*100 > p.Threshold
		msg = fmt.Sprintf("Uncertainty (±%s) above ceiling (±%s)",
			units.FormatPercent(u), units.FormatPercent(p.Threshold/100))
	}

	if !breached {
		return nil, nil
	}
	if p.Severity == SeverityError {
		return &Violation{PolicyID: p.ID, PolicyName: p.Name, Message: msg, Severity: string(p.Severity)}, nil
	}
	return nil, &Warning{PolicyID: p.ID, Message: msg}
}

func defaultPolicies() []Policy {
	return []Policy{
		{
			ID:          "default-contingency",
			Name:        "Minimum Contingency",
			Description: "Warn when the contingency rate is below 5%",
			Type:        PolicyTypeContingencyFloor,
			Severity:    SeverityWarning,
			Threshold:   5,
			Enabled:     true,
		},
		{
			ID:          "default-uncertainty",
			Name:        "Uncertainty Ceiling",
			Description: "Warn when the P10/P90 band is wider than ±50%",
			Type:        PolicyTypeUncertaintyCeiling,
			Severity:    SeverityWarning,
			Threshold:   50,
			Enabled:     true,
		},
	}
}
