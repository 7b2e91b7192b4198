package policy

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"construction-cost/decision/estimation"
)

// Regression suite for the policies shipped in /policies.
func TestShippedPolicies(t *testing.T) {
	ctx := context.Background()
	r, err := NewRegoEvaluator(ctx, "../../policies")
	require.NoError(t, err)
	require.Positive(t, r.modules)

	withRate := func(est *estimation.Result, rate float64) *estimation.Result {
		est.Contingencies.ContingencyRate = rate
		return est
	}
	empty := estimate(0, 0.15, 0.25)
	empty.LineItems = nil

	tests := []struct {
		name     string
		estimate *estimation.Result
		decision Decision
	}{
		{"small job passes", estimate(12000, 0.15, 0.25), DecisionPass},
		{"over approval limit denies", estimate(300000, 0.15, 0.25), DecisionDeny},
		{"thin contingency on large job warns", withRate(estimate(60000, 0.15, 0.25), 0.08), DecisionWarn},
		{"thin contingency on small job passes", withRate(estimate(20000, 0.15, 0.25), 0.08), DecisionPass},
		{"no line items warns", empty, DecisionWarn},
	}

	engine := NewEngine().WithRego(r)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := engine.Evaluate(ctx, EvaluationRequest{Estimate: tt.estimate})
			require.NoError(t, err)
			assert.Equal(t, tt.decision, res.Decision, "violations=%v warnings=%v", res.Violations, res.Warnings)
		})
	}
}

func TestShippedPolicyMessages(t *testing.T) {
	ctx := context.Background()
	r, err := NewRegoEvaluator(ctx, "../../policies")
	require.NoError(t, err)

	est := estimate(300000, 0.15, 0.25)
	est.Totals.WithContingency = decimal.NewFromInt(345000)
	out, err := r.Evaluate(ctx, est)
	require.NoError(t, err)
	require.Len(t, out.Denials, 1)
	assert.Contains(t, out.Denials[0], "approval limit")
}
