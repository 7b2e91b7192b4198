package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"construction-cost/decision/estimation"
	"construction-cost/decision/regions"
)

func estimate(total int64, contingency, uncertainty float64) *estimation.Result {
	d := decimal.NewFromInt(total)
	return &estimation.Result{
		LineItems: []estimation.LineItem{
			{ID: "concrete", CSICode: "03 30 00", Total: d, RateCategory: regions.CategoryMaterial},
		},
		CSIMapping: map[string]estimation.CSIGroup{
			"03 30 00": {Total: d},
		},
		Ranges: estimation.Ranges{
			P10: d, P50: d, P90: d.Mul(decimal.NewFromFloat(1 + uncertainty)).Round(0),
			UncertaintyFactor: uncertainty,
		},
		Contingencies: estimation.Contingencies{Subtotal: d, ContingencyRate: contingency},
		Totals:        estimation.Totals{WithContingency: d, WithoutContingency: d},
		Metadata:      estimation.Metadata{CalculatorID: "concrete-slab", RegionResolved: "US_DEFAULT"},
	}
}

func TestDefaultPoliciesPass(t *testing.T) {
	res, err := NewEngine().Evaluate(context.Background(), EvaluationRequest{Estimate: estimate(1000, 0.15, 0.25)})
	require.NoError(t, err)
	assert.Equal(t, DecisionPass, res.Decision)
	assert.Equal(t, 2, res.PoliciesRan)
	assert.Empty(t, res.Violations)
	assert.Empty(t, res.Warnings)
}

func TestDefaultPoliciesWarn(t *testing.T) {
	res, err := NewEngine().Evaluate(context.Background(), EvaluationRequest{Estimate: estimate(1000, 0.02, 0.6)})
	require.NoError(t, err)
	assert.Equal(t, DecisionWarn, res.Decision)
	require.Len(t, res.Warnings, 2)
	assert.Equal(t, "default-contingency", res.Warnings[0].PolicyID)
	assert.Equal(t, "default-uncertainty", res.Warnings[1].PolicyID)
}

func TestBudgetPolicyDenies(t *testing.T) {
	e := NewEngine()
	e.AddPolicy(BudgetPolicy(900))

	res, err := e.Evaluate(context.Background(), EvaluationRequest{Estimate: estimate(1000, 0.15, 0.25)})
	require.NoError(t, err)
	assert.Equal(t, DecisionDeny, res.Decision)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, "budget", res.Violations[0].PolicyID)
	assert.Contains(t, res.Violations[0].Message, "exceeds limit")

	res, err = e.Evaluate(context.Background(), EvaluationRequest{Estimate: estimate(800, 0.15, 0.25)})
	require.NoError(t, err)
	assert.Equal(t, DecisionPass, res.Decision)
}

func TestCustomP90PolicyAndDisabled(t *testing.T) {
	custom := []Policy{
		{ID: "p90", Name: "P90", Type: PolicyTypeP90Limit, Severity: SeverityWarning, Threshold: 1200, Enabled: true},
		{ID: "off", Name: "Off", Type: PolicyTypeCostLimit, Severity: SeverityError, Threshold: 1, Enabled: false},
	}
	res, err := NewEngine().Evaluate(context.Background(), EvaluationRequest{
		Estimate:       estimate(1000, 0.15, 0.25),
		CustomPolicies: custom,
	})
	require.NoError(t, err)
	assert.Equal(t, DecisionWarn, res.Decision)
	assert.Equal(t, 3, res.PoliciesRan)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, "p90", res.Warnings[0].PolicyID)
}

func TestSeverityDecidesOutcome(t *testing.T) {
	limit := func(sev Severity) Policy {
		return Policy{ID: "limit", Name: "Limit", Type: PolicyTypeCostLimit, Severity: sev, Threshold: 500, Enabled: true}
	}

	res, err := NewEngine().Evaluate(context.Background(), EvaluationRequest{
		Estimate:       estimate(1000, 0.15, 0.25),
		CustomPolicies: []Policy{limit(SeverityWarning)},
	})
	require.NoError(t, err)
	assert.Equal(t, DecisionWarn, res.Decision)
	assert.Empty(t, res.Violations)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, "limit", res.Warnings[0].PolicyID)

	res, err = NewEngine().Evaluate(context.Background(), EvaluationRequest{
		Estimate:       estimate(1000, 0.15, 0.25),
		CustomPolicies: []Policy{limit(SeverityWarning), limit(SeverityError)},
	})
	require.NoError(t, err)
	assert.Equal(t, DecisionDeny, res.Decision)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, string(SeverityError), res.Violations[0].Severity)
	assert.Len(t, res.Warnings, 1)
}

func TestEvaluateNeedsEstimate(t *testing.T) {
	_, err := NewEngine().Evaluate(context.Background(), EvaluationRequest{})
	assert.Error(t, err)
}

const testPolicy = `package buildcost

deny[msg] {
	input.total_with_contingency > 5000
	msg := "over budget"
}

warn[msg] {
	input.csi_totals["03 30 00"] > 500
	msg := "concrete heavy"
}
`

func TestRegoPoliciesFromDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "budget.rego"), []byte(testPolicy), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	ctx := context.Background()
	r, err := NewRegoEvaluator(ctx, dir)
	require.NoError(t, err)

	out, err := r.Evaluate(ctx, estimate(1000, 0.15, 0.25))
	require.NoError(t, err)
	assert.Equal(t, 1, out.Modules)
	assert.Empty(t, out.Denials)
	assert.Equal(t, []string{"concrete heavy"}, out.Warnings)

	res, err := NewEngine().WithRego(r).Evaluate(ctx, EvaluationRequest{Estimate: estimate(6000, 0.15, 0.25)})
	require.NoError(t, err)
	assert.Equal(t, DecisionDeny, res.Decision)
	assert.Equal(t, 3, res.PoliciesRan)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, "over budget", res.Violations[0].Message)
}

func TestRegoInvalidModule(t *testing.T) {
	_, err := NewRegoEvaluatorFromModules(context.Background(), map[string]string{
		"bad.rego": "package buildcost\n\ndeny[msg] {",
	})
	assert.Error(t, err)
}

func TestRegoEmptyDir(t *testing.T) {
	ctx := context.Background()
	r, err := NewRegoEvaluator(ctx, t.TempDir())
	require.NoError(t, err)
	out, err := r.Evaluate(ctx, estimate(1000, 0.15, 0.25))
	require.NoError(t, err)
	assert.Zero(t, out.Modules)
	assert.Empty(t, out.Denials)
}

func TestInputFlattensEstimate(t *testing.T) {
	in := Input(estimate(1000, 0.15, 0.25))
	assert.Equal(t, "concrete-slab", in["calculator_id"])
	assert.Equal(t, 1, in["line_items"])
	assert.Equal(t, 1000.0, in["subtotal"])
	assert.Equal(t, map[string]any{"03 30 00": 1000.0}, in["csi_totals"])
	assert.Equal(t, map[string]any{"material": 1000.0}, in["category_totals"])
}
