package estimation

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"construction-cost/decision/calculator"
	"construction-cost/decision/pricing"
	"construction-cost/decision/regions"
	cerrors "construction-cost/pkg/errors"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	reg := calculator.NewRegistry(zerolog.Nop())
	_, err := reg.LoadBuiltin()
	require.NoError(t, err)
	return NewEngine(reg, pricing.NewResolver(pricing.DefaultTable(), regions.NewStore()), zerolog.Nop())
}

func slabInputs(region string) map[string]any {
	return map[string]any{
		"length_ft":     20,
		"width_ft":      10,
		"thickness_in":  4,
		"waste_percent": 5,
		"region":        region,
	}
}

func f(v float64) *float64 { return &v }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func itemsByID(items []LineItem) map[string]LineItem {
	out := make(map[string]LineItem, len(items))
	for _, it := range items {
		out[it.ID] = it
	}
	return out
}

func sumTotals(items []LineItem) decimal.Decimal {
	s := decimal.Zero
	for _, it := range items {
		s = s.Add(it.Total)
	}
	return s
}

func TestConcreteSlabNational(t *testing.T) {
	e := newTestEngine(t)
	res, err := e.Evaluate(context.Background(), "concrete-slab", slabInputs("national"), Options{})
	require.NoError(t, err)

	items := itemsByID(res.LineItems)
	require.Len(t, items, 5)
	assert.NotContains(t, items, "pump_truck")

	placement := items["placement"]
	volume := placement.Quantity.InexactFloat64()
	assert.True(t, volume >= 2.4 && volume <= 2.8, "volume %v", volume)
	assert.Equal(t, "2.47", placement.Quantity.String())
	assert.Equal(t, "2.59", items["concrete"].Quantity.String())

	assert.True(t, sumTotals(res.LineItems).Equal(dec("1071.90")), sumTotals(res.LineItems).String())
	assert.Equal(t, "1072", res.Contingencies.Subtotal.String())
	assert.Equal(t, "161", res.Contingencies.ContingencyAmount.String())
	assert.Equal(t, "1233", res.Totals.WithContingency.String())
	assert.Equal(t, "1072", res.Totals.WithoutContingency.String())
	assert.True(t, res.Totals.WithContingency.IsPositive())

	assert.Equal(t, "804", res.Ranges.P10.String())
	assert.Equal(t, "1072", res.Ranges.P50.String())
	assert.Equal(t, "1340", res.Ranges.P90.String())
	assert.Equal(t, 0.25, res.Ranges.UncertaintyFactor)

	group := res.CSIMapping["03 30 00"]
	assert.Len(t, group.Items, 2)
	assert.Equal(t, "588", group.Total.String())

	assert.Equal(t, "concrete-slab", res.Metadata.CalculatorID)
	assert.Equal(t, regions.DefaultID, res.Metadata.RegionResolved)
	assert.True(t, res.Metadata.RegionMatched)
	assert.Equal(t, "Class 4", res.Metadata.AACEClass)
	assert.NotEmpty(t, res.Metadata.EstimateID.String())
	assert.Len(t, res.Assumptions, 3)
}

func TestConcreteSlabCaliforniaIsProportionallyHigher(t *testing.T) {
	e := newTestEngine(t)
	nat, err := e.Evaluate(context.Background(), "concrete-slab", slabInputs("national"), Options{})
	require.NoError(t, err)
	ca, err := e.Evaluate(context.Background(), "concrete-slab", slabInputs("ca"), Options{})
	require.NoError(t, err)

	assert.True(t, ca.Totals.WithContingency.GreaterThan(nat.Totals.WithContingency))
	assert.Equal(t, "1274", ca.Contingencies.Subtotal.String())

	mods, _, _ := regions.NewStore().Resolve("ca")
	expectedIncrease := decimal.Zero
	caItems := itemsByID(ca.LineItems)
	for _, it := range nat.LineItems {
		m := mods.For(it.RateCategory)
		got := caItems[it.ID].Total
		assert.True(t, got.Equal(it.Total.Mul(m)), "%s: %s != %s × %s", it.ID, got, it.Total, m)
		expectedIncrease = expectedIncrease.Add(it.Total.Mul(m.Sub(decimal.NewFromInt(1))))
	}
	assert.True(t, sumTotals(ca.LineItems).Sub(sumTotals(nat.LineItems)).Equal(expectedIncrease))
	assert.Equal(t, "201.84", expectedIncrease.StringFixed(2))
	assert.Equal(t, "1.25", caItems["placement"].StateAdjustment.String())
}

func TestRegionalConsistency(t *testing.T) {
	e := newTestEngine(t)
	store := e.Resolver().Regions()
	pairs := [][2]string{{"ca", "tx"}, {"ny", "national"}, {"ak", "ms"}, {"hi", "al"}}

	for _, pair := range pairs {
		a, err := e.Evaluate(context.Background(), "concrete-slab", slabInputs(pair[0]), Options{})
		require.NoError(t, err)
		b, err := e.Evaluate(context.Background(), "concrete-slab", slabInputs(pair[1]), Options{})
		require.NoError(t, err)

		modsA, _, _ := store.Resolve(pair[0])
		modsB, _, _ := store.Resolve(pair[1])
		bItems := itemsByID(b.LineItems)
		for _, it := range a.LineItems {
			if modsA.For(it.RateCategory).GreaterThan(modsB.For(it.RateCategory)) {
				assert.True(t, it.Rate.GreaterThan(bItems[it.ID].Rate), "%s vs %s: %s", pair[0], pair[1], it.ID)
			}
		}
	}
}

func TestOverridePrecedence(t *testing.T) {
	e := newTestEngine(t)
	opts := Options{Overrides: map[string]string{
		"materials.concrete_yd3": "150",
		"finishing":              "2.10",
	}}

	for _, region := range []string{"national", "ca", "hi", "unknown"} {
		res, err := e.Evaluate(context.Background(), "concrete-slab", slabInputs(region), opts)
		require.NoError(t, err)
		items := itemsByID(res.LineItems)

		assert.True(t, items["concrete"].Rate.Equal(dec("150")), region)
		assert.True(t, items["concrete"].Overridden)
		assert.True(t, items["finishing"].Rate.Equal(dec("2.10")), region)
		assert.False(t, items["placement"].Overridden)
	}
}

func TestRangeOrdering(t *testing.T) {
	e := newTestEngine(t)
	for _, u := range []float64{0, 0.1, 0.25, 0.5, 1} {
		res, err := e.Evaluate(context.Background(), "concrete-slab", slabInputs("ca"), Options{UncertaintyFactor: f(u)})
		require.NoError(t, err)
		assert.True(t, res.Ranges.P10.LessThanOrEqual(res.Ranges.P50))
		assert.True(t, res.Ranges.P50.LessThanOrEqual(res.Ranges.P90))
		assert.True(t, res.Ranges.P50.Equal(sumTotals(res.LineItems).Round(0)))
	}
}

func TestContingencyMonotonicity(t *testing.T) {
	e := newTestEngine(t)
	for _, rate := range []float64{0, 0.05, 0.15, 0.3, 1} {
		res, err := e.Evaluate(context.Background(), "concrete-slab", slabInputs("national"), Options{ContingencyRate: f(rate)})
		require.NoError(t, err)
		c := res.Contingencies
		assert.True(t, c.Total.GreaterThanOrEqual(c.Subtotal))
		if rate == 0 {
			assert.True(t, c.Total.Equal(c.Subtotal))
			assert.True(t, c.ContingencyAmount.IsZero())
		} else {
			assert.True(t, c.Total.GreaterThan(c.Subtotal), "rate %v", rate)
		}
	}
}

func TestContingencyUsesExactSum(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Registry().Register(calculator.Definition{
		ID: "single", Name: "Single line", Category: "test",
		InputFields: []calculator.InputField{
			{ID: "qty", Name: "Quantity", Type: calculator.FieldNumber, Required: true},
		},
		CalculationSteps: []calculator.Step{
			{Type: calculator.StepLineItem, ID: "line", QuantityExpr: "qty", BaseRate: f(3.4)},
		},
	}))

	tests := []struct {
		qty      float64
		rate     float64
		subtotal string
		amount   string
		total    string
	}{
		{1, 0.15, "3", "1", "4"},
		{3.06, 1, "10", "10", "21"},
		{3.06, 0, "10", "0", "10"},
	}
	for _, tt := range tests {
		res, err := e.Evaluate(context.Background(), "single", map[string]any{"qty": tt.qty}, Options{ContingencyRate: f(tt.rate)})
		require.NoError(t, err)
		c := res.Contingencies
		assert.Equal(t, tt.subtotal, c.Subtotal.String(), "qty %v rate %v", tt.qty, tt.rate)
		assert.Equal(t, tt.amount, c.ContingencyAmount.String(), "qty %v rate %v", tt.qty, tt.rate)
		assert.Equal(t, tt.total, c.Total.String(), "qty %v rate %v", tt.qty, tt.rate)
		assert.Equal(t, tt.total, res.Totals.WithContingency.String())
	}
}

func TestValidationCompleteness(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Evaluate(context.Background(), "concrete-slab", map[string]any{
		"length_ft":     "long",
		"width_ft":      -5,
		"finish":        "marble",
		"waste_percent": 80,
	}, Options{})

	var verr *cerrors.ValidationError
	require.True(t, errors.As(err, &verr))
	// length, width, thickness (missing), finish, waste
	assert.Len(t, verr.Messages(), 5)

	fields := make([]string, 0, len(verr.Fields))
	for _, p := range verr.Fields {
		fields = append(fields, p.Field)
	}
	assert.ElementsMatch(t, []string{"length_ft", "width_ft", "thickness_in", "finish", "waste_percent"}, fields)
}

func TestOptionsJoinValidationError(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Evaluate(context.Background(), "concrete-slab", slabInputs("ca"), Options{
		UncertaintyFactor: f(1.5),
		ContingencyRate:   f(-0.1),
		Overrides:         map[string]string{"materials.rebar_lb": "lots"},
	})
	var verr *cerrors.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Fields, 3)
}

func TestIdempotence(t *testing.T) {
	e := newTestEngine(t)
	opts := Options{State: "wa", Overrides: map[string]string{"labor.concrete_place_yd3": "70"}}
	a, err := e.Evaluate(context.Background(), "concrete-slab", slabInputs(""), opts)
	require.NoError(t, err)
	b, err := e.Evaluate(context.Background(), "concrete-slab", slabInputs(""), opts)
	require.NoError(t, err)

	assert.Equal(t, a.LineItems, b.LineItems)
	assert.Equal(t, a.Ranges, b.Ranges)
	assert.Equal(t, a.Totals, b.Totals)
	assert.NotEqual(t, a.Metadata.EstimateID, b.Metadata.EstimateID)
}

func TestStateOptionWinsOverInputRegion(t *testing.T) {
	e := newTestEngine(t)
	res, err := e.Evaluate(context.Background(), "concrete-slab", slabInputs("tx"), Options{State: "NY"})
	require.NoError(t, err)
	assert.Equal(t, "ny", res.Metadata.RegionResolved)

	res, err = e.Evaluate(context.Background(), "concrete-slab", slabInputs("atlantis"), Options{})
	require.NoError(t, err)
	assert.Equal(t, regions.DefaultID, res.Metadata.RegionResolved)
	assert.False(t, res.Metadata.RegionMatched)
}

func TestConditionalSteps(t *testing.T) {
	e := newTestEngine(t)
	in := map[string]any{"length_ft": 60, "width_ft": 40, "thickness_in": 6, "include_rebar": false}
	res, err := e.Evaluate(context.Background(), "concrete-slab", in, Options{})
	require.NoError(t, err)

	items := itemsByID(res.LineItems)
	assert.NotContains(t, items, "rebar")
	require.Contains(t, items, "pump_truck")
	assert.Equal(t, "1", items["pump_truck"].Quantity.String())
	assert.Equal(t, regions.CategoryEquipment, items["pump_truck"].RateCategory)
}

func TestEvaluationErrorNamesStep(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Registry().Register(calculator.Definition{
		ID: "ratio", Name: "Ratio", Category: "test",
		InputFields: []calculator.InputField{
			{ID: "a", Name: "A", Type: calculator.FieldNumber, Required: true},
			{ID: "b", Name: "B", Type: calculator.FieldNumber, Required: true},
		},
		CalculationSteps: []calculator.Step{
			{Type: calculator.StepFormula, Output: "per", Expr: "a / b"},
			{Type: calculator.StepLineItem, ID: "line", QuantityExpr: "per", RatePath: "materials.not_priced"},
		},
	}))

	_, err := e.Evaluate(context.Background(), "ratio", map[string]any{"a": 1, "b": 0}, Options{})
	var evalErr *cerrors.EvaluationError
	require.True(t, errors.As(err, &evalErr))
	assert.Equal(t, "per", evalErr.StepID)
	assert.Contains(t, evalErr.Message, "division by zero")

	_, err = e.Evaluate(context.Background(), "ratio", map[string]any{"a": 1, "b": 2}, Options{})
	require.True(t, errors.As(err, &evalErr))
	assert.Equal(t, "line", evalErr.StepID)

	_, err = e.Evaluate(context.Background(), "ratio", map[string]any{"a": 1, "b": 2},
		Options{Overrides: map[string]string{"materials.not_priced": "3"}})
	assert.NoError(t, err)
}

func TestUnknownCalculator(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Evaluate(context.Background(), "gazebo", nil, Options{})
	var nf *cerrors.NotFoundError
	assert.True(t, errors.As(err, &nf))
}

func TestConcurrentEvaluations(t *testing.T) {
	e := newTestEngine(t)
	states := []string{"ca", "tx", "ny", "national", "wa", "fl"}
	want := make(map[string]string, len(states))
	for _, s := range states {
		res, err := e.Evaluate(context.Background(), "concrete-slab", slabInputs(s), Options{})
		require.NoError(t, err)
		want[s] = res.Totals.WithContingency.String()
	}

	var wg sync.WaitGroup
	for i := 0; i < 24; i++ {
		s := states[i%len(states)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.Evaluate(context.Background(), "concrete-slab", slabInputs(s), Options{})
			if assert.NoError(t, err) {
				assert.Equal(t, want[s], res.Totals.WithContingency.String())
			}
		}()
	}
	wg.Wait()
}

func TestBuiltinCalculatorsEvaluate(t *testing.T) {
	e := newTestEngine(t)
	cases := map[string]map[string]any{
		"wall-framing":   {"wall_length_ft": 40, "openings": 2},
		"interior-paint": {"wall_area_sf": 1200, "ceiling_area_sf": 400, "prime": true},
		"drywall":        {"wall_area_sf": 960, "ceiling_area_sf": 240, "finish_level": "5"},
	}
	for id, in := range cases {
		res, err := e.Evaluate(context.Background(), id, in, Options{State: "co"})
		require.NoError(t, err, id)
		assert.NotEmpty(t, res.LineItems, id)
		assert.True(t, res.Totals.WithContingency.GreaterThan(res.Totals.WithoutContingency), id)
	}
}
