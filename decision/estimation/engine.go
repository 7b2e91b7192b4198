// Package estimation provides the Estimation Engine.
// Executes a registered calculator against caller inputs to produce line items,
// CSI rollups, P10/P50/P90 ranges and contingency.
package estimation

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"construction-cost/decision/calculator"
	"construction-cost/decision/expr"
	"construction-cost/decision/pricing"
	"construction-cost/decision/regions"
	cerrors "construction-cost/pkg/errors"
	"construction-cost/pkg/units"
)

// Engine is the Estimation Engine. It holds no per-call state; concurrent
// Evaluate calls are safe.
type Engine struct {
	registry *calculator.Registry
	resolver *pricing.Resolver
	logger   zerolog.Logger
	now      func() time.Time
}

// NewEngine creates a new estimation engine
func NewEngine(registry *calculator.Registry, resolver *pricing.Resolver, logger zerolog.Logger) *Engine {
	return &Engine{
		registry: registry,
		resolver: resolver,
		logger:   logger,
		now:      time.Now,
	}
}

// Registry returns the calculator registry the engine reads from.
func (e *Engine) Registry() *calculator.Registry { return e.registry }

// Resolver returns the pricing resolver.
func (e *Engine) Resolver() *pricing.Resolver { return e.resolver }

// Options tune one evaluation. Nil fields fall back to the definition.
type Options struct {
	State             string            `json:"state,omitempty"`
	UncertaintyFactor *float64          `json:"uncertaintyFactor,omitempty"`
	ContingencyRate   *float64          `json:"contingencyRate,omitempty"`
	Overrides         map[string]string `json:"overrides,omitempty"` // rate path or line item id -> rate
}

// LineItem is one priced row of an estimate.
type LineItem struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	CSICode         string           `json:"csiCode,omitempty"`
	Unit            string           `json:"unit"`
	Quantity        decimal.Decimal  `json:"quantity"`
	BaseRate        decimal.Decimal  `json:"baseRate"`
	Rate            decimal.Decimal  `json:"rate"`
	Total           decimal.Decimal  `json:"total"`
	StateAdjustment decimal.Decimal  `json:"stateAdjustment"`
	RateCategory    regions.Category `json:"rateCategory"`
	RatePath        string           `json:"ratePath,omitempty"`
	Overridden      bool             `json:"overridden"`
}

// CSIGroup aggregates the line items sharing one CSI code.
type CSIGroup struct {
	Items []LineItem      `json:"items"`
	Total decimal.Decimal `json:"total"`
}

// Ranges is the uncertainty band around the point estimate.
type Ranges struct {
	P10               decimal.Decimal `json:"p10"`
	P50               decimal.Decimal `json:"p50"`
	P90               decimal.Decimal `json:"p90"`
	UncertaintyFactor float64         `json:"uncertaintyFactor"`
}

// Contingencies is the reserve added on top of the subtotal.
type Contingencies struct {
	Subtotal          decimal.Decimal `json:"subtotal"`
	ContingencyRate   float64         `json:"contingencyRate"`
	ContingencyAmount decimal.Decimal `json:"contingencyAmount"`
	Total             decimal.Decimal `json:"total"`
}

// Totals are the headline numbers.
type Totals struct {
	WithContingency    decimal.Decimal `json:"withContingency"`
	WithoutContingency decimal.Decimal `json:"withoutContingency"`
}

// Metadata provides reproducibility information
type Metadata struct {
	EstimateID      uuid.UUID         `json:"estimateId"`
	CalculatorID    string            `json:"calculatorId"`
	CalculatorName  string            `json:"calculatorName"`
	Timestamp       time.Time         `json:"timestamp"`
	Region          string            `json:"region"`
	RegionResolved  string            `json:"regionResolved"`
	RegionMatched   bool              `json:"regionMatched"`
	RegionModifiers regions.Modifiers `json:"regionModifiers"`
	AACEClass       string            `json:"aaceClass,omitempty"`
	Accuracy        string            `json:"accuracy,omitempty"`
	ExecutionTime   time.Duration     `json:"executionTime"`
}

// Result is a complete estimate. It is built fresh by every call and never
// mutated afterwards.
type Result struct {
	LineItems     []LineItem          `json:"lineItems"`
	CSIMapping    map[string]CSIGroup `json:"csiMapping"`
	Ranges        Ranges              `json:"ranges"`
	Contingencies Contingencies       `json:"contingencies"`
	Totals        Totals              `json:"totals"`
	Assumptions   []string            `json:"assumptions"`
	Metadata      Metadata            `json:"metadata"`
}

// run is the private state of one evaluation.
type run struct {
	calc      *calculator.Calculator
	env       expr.Map
	region    string
	overrides map[string]string
	items     []LineItem
}

// Evaluate executes calculatorID against inputs.
// Fails with *errors.NotFoundError, *errors.ValidationError or *errors.EvaluationError.
func (e *Engine) Evaluate(ctx context.Context, calculatorID string, inputs map[string]any, opts Options) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	started := e.now()

	calc, err := e.registry.Get(calculatorID)
	if err != nil {
		return nil, err
	}
	def := calc.Definition()

	values, problems := calc.ValidateInputs(inputs)
	problems = append(problems, validateOptions(opts)...)
	if len(problems) > 0 {
		return nil, &cerrors.ValidationError{CalculatorID: calc.ID(), Fields: problems}
	}

	regionID := opts.State
	if strings.TrimSpace(regionID) == "" {
		if r, ok := inputs["region"].(string); ok && strings.TrimSpace(r) != "" {
			regionID = r
		} else {
			regionID = regions.DefaultID
		}
	}
	mods, resolvedID, matched := e.resolver.Regions().Resolve(regionID)

	r := &run{
		calc:      calc,
		env:       make(expr.Map, len(values)+8),
		region:    resolvedID,
		overrides: opts.Overrides,
	}
	for k, v := range values {
		r.env[k] = v
	}
	r.env[calculator.KeyRegionID] = expr.String(resolvedID)
	r.env[calculator.KeyRegionLabor] = expr.Number(mods.Labor.InexactFloat64())
	r.env[calculator.KeyRegionMaterial] = expr.Number(mods.Material.InexactFloat64())
	r.env[calculator.KeyRegionEquipment] = expr.Number(mods.Equipment.InexactFloat64())
	r.env[calculator.KeyRegionGeneral] = expr.Number(mods.General.InexactFloat64())

	for _, prog := range calc.Programs() {
		p := prog
		if err := e.execute(r, &p); err != nil {
			return nil, err
		}
	}

	uncertainty := calc.UncertaintyFactor()
	if opts.UncertaintyFactor != nil {
		uncertainty = *opts.UncertaintyFactor
	}
	contingencyRate := calc.ContingencyRate()
	if opts.ContingencyRate != nil {
		contingencyRate = *opts.ContingencyRate
	}

	result := &Result{
		LineItems:   r.items,
		CSIMapping:  groupByCSI(r.items),
		Assumptions: append([]string{}, def.Assumptions...),
	}
	if result.LineItems == nil {
		result.LineItems = []LineItem{}
	}

	sum := decimal.Zero
	for _, item := range r.items {
		sum = sum.Add(item.Total)
	}
	result.Ranges = computeRanges(sum, uncertainty)
	result.Contingencies = computeContingencies(sum, contingencyRate)
	result.Totals = Totals{
		WithContingency:    result.Contingencies.Total,
		WithoutContingency: result.Contingencies.Subtotal,
	}

	finished := e.now()
	result.Metadata = Metadata{
		EstimateID:      uuid.New(),
		CalculatorID:    calc.ID(),
		CalculatorName:  def.Name,
		Timestamp:       finished.UTC(),
		Region:          regionID,
		RegionResolved:  resolvedID,
		RegionMatched:   matched,
		RegionModifiers: mods,
		AACEClass:       def.AACEClass,
		Accuracy:        def.Accuracy,
		ExecutionTime:   finished.Sub(started),
	}

	e.logger.Debug().
		Str("calculator", calc.ID()).
		Str("region", resolvedID).
		Int("line_items", len(result.LineItems)).
		Str("subtotal", result.Contingencies.Subtotal.String()).
		Str("total", result.Totals.WithContingency.String()).
		Dur("elapsed", result.Metadata.ExecutionTime).
		Msg("estimate evaluated")

	return result, nil
}

// execute runs one compiled step against the run's context.
func (e *Engine) execute(r *run, prog *calculator.Program) error {
	step := &prog.Step
	fail := func(cause error) error {
		return cerrors.NewEvaluationError(r.calc.ID(), step.Label(), cause)
	}

	switch step.Type {
	case calculator.StepLineItem:
		item, err := e.lineItem(r, prog)
		if err != nil {
			return fail(err)
		}
		r.items = append(r.items, item)
		r.env[item.ID+".quantity"] = expr.Number(item.Quantity.InexactFloat64())
		r.env[item.ID+".rate"] = expr.Number(item.Rate.InexactFloat64())
		r.env[item.ID+".total"] = expr.Number(item.Total.InexactFloat64())

	case calculator.StepFormula:
		v, err := prog.Expr.Eval(r.env)
		if err != nil {
			return fail(err)
		}
		r.env[step.Output] = v

	case calculator.StepLookup:
		key, ok := r.env[step.Key]
		if !ok {
			return fail(&expr.UnknownVariableError{Name: step.Key})
		}
		v, ok := step.Table[key.Text()]
		if !ok {
			if step.Default == nil {
				return fail(fmt.Errorf("lookup table has no entry for %q", key.Text()))
			}
			v = *step.Default
		}
		r.env[step.Output] = expr.Number(v)

	case calculator.StepConditional:
		ok, err := prog.When.EvalBool(r.env)
		if err != nil {
			return fail(err)
		}
		switch {
		case ok:
			return e.execute(r, prog.Then)
		case prog.Else != nil:
			return e.execute(r, prog.Else)
		}

	default:
		return fail(fmt.Errorf("unknown step type %q", step.Type))
	}
	return nil
}

// lineItem evaluates the quantity and resolves the effective rate of one line.
func (e *Engine) lineItem(r *run, prog *calculator.Program) (LineItem, error) {
	step := &prog.Step
	q, err := prog.Quantity.EvalNumber(r.env)
	if err != nil {
		return LineItem{}, fmt.Errorf("quantity: %w", err)
	}
	if q < 0 {
		return LineItem{}, fmt.Errorf("quantity is negative (%v)", q)
	}

	item := LineItem{
		ID:           step.ID,
		Name:         step.Name,
		CSICode:      step.CSICode,
		Unit:         step.Unit,
		Quantity:     decimal.NewFromFloat(units.RoundQuantity(q)),
		RateCategory: prog.Category,
		RatePath:     step.RatePath,
	}
	if item.Name == "" {
		item.Name = step.ID
	}

	switch {
	case step.RatePath != "":
		res, err := e.resolver.ResolveAs(step.RatePath, prog.Category, r.overrides, r.region)
		if err != nil {
			return LineItem{}, err
		}
		if !res.Found && !res.Overridden {
			return LineItem{}, fmt.Errorf("base rate %s is not in the pricing table", step.RatePath)
		}
		item.BaseRate, item.Rate, item.Overridden = res.BaseRate, res.Value, res.Overridden
	case step.BaseRate != nil:
		item.BaseRate = decimal.NewFromFloat(*step.BaseRate)
		item.Rate = e.resolver.Adjust(item.BaseRate, prog.Category, r.region)
	default:
		f, err := prog.Rate.EvalNumber(r.env)
		if err != nil {
			return LineItem{}, fmt.Errorf("rate: %w", err)
		}
		if f < 0 || math.IsNaN(f) {
			return LineItem{}, fmt.Errorf("rate is negative (%v)", f)
		}
		item.BaseRate = decimal.NewFromFloat(f)
		item.Rate = e.resolver.Adjust(item.BaseRate, prog.Category, r.region)
	}

	// A per-line override replaces whatever the rate source produced.
	if v, ok, err := pricing.Override(r.overrides, step.ID); err != nil {
		return LineItem{}, err
	} else if ok {
		item.Rate, item.Overridden = v, true
	}

	item.Total = item.Quantity.Mul(item.Rate)
	item.StateAdjustment = decimal.NewFromInt(1)
	if !item.BaseRate.IsZero() {
		item.StateAdjustment = item.Rate.DivRound(item.BaseRate, 4)
	}
	return item, nil
}

func groupByCSI(items []LineItem) map[string]CSIGroup {
	sums := make(map[string]decimal.Decimal)
	groups := make(map[string]CSIGroup)
	for _, item := range items {
		if item.CSICode == "" {
			continue
		}
		g := groups[item.CSICode]
		g.Items = append(g.Items, item)
		groups[item.CSICode] = g
		sums[item.CSICode] = sums[item.CSICode].Add(item.Total)
	}
	for code, g := range groups {
		g.Total = sums[code].Round(0)
		groups[code] = g
	}
	return groups
}

// computeRanges rounds once, at aggregation. P50 equals the rounded sum.
func computeRanges(sum decimal.Decimal, uncertainty float64) Ranges {
	one := decimal.NewFromInt(1)
	u := decimal.NewFromFloat(uncertainty)
	return Ranges{
		P10:               sum.Mul(one.Sub(u)).Round(0),
		P50:               sum.Round(0),
		P90:               sum.Mul(one.Add(u)).Round(0),
		UncertaintyFactor: uncertainty,
	}
}

// computeContingencies applies the rate to the exact line-item sum. Only the
// displayed subtotal is rounded before the rate is known.
func computeContingencies(sum decimal.Decimal, rate float64) Contingencies {
	r := decimal.NewFromFloat(rate)
	return Contingencies{
		Subtotal:          sum.Round(0),
		ContingencyRate:   rate,
		ContingencyAmount: sum.Mul(r).Round(0),
		Total:             sum.Mul(decimal.NewFromInt(1).Add(r)).Round(0),
	}
}

func validateOptions(opts Options) []cerrors.Problem {
	var problems []cerrors.Problem
	if u := opts.UncertaintyFactor; u != nil && !(*u >= 0 && *u <= 1) {
		problems = append(problems, cerrors.Problem{Field: "uncertaintyFactor", Message: "uncertainty factor must be between 0 and 1"})
	}
	if c := opts.ContingencyRate; c != nil && !(*c >= 0 && !math.IsInf(*c, 1)) {
		problems = append(problems, cerrors.Problem{Field: "contingencyRate", Message: "contingency rate must be a non-negative number"})
	}
	keys := make([]string, 0, len(opts.Overrides))
	for key := range opts.Overrides {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if _, _, err := pricing.Override(opts.Overrides, key); err != nil {
			problems = append(problems, cerrors.Problem{Field: "overrides." + key, Message: err.Error()})
		}
	}
	return problems
}
