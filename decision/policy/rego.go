package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/open-policy-agent/opa/rego"

	"construction-cost/decision/estimation"
)

// Rego queries. Policy files declare `package buildcost` and produce message
// sets named deny and warn.
const (
	denyQuery = "data.buildcost.deny"
	warnQuery = "data.buildcost.warn"
)

// RegoResult holds Rego policy outcomes.
type RegoResult struct {
	Denials  []string `json:"denials"`
	Warnings []string `json:"warnings"`
	Modules  int      `json:"modules"`
}

// RegoEvaluator runs Rego policies against estimates. Modules are compiled
// once; Evaluate is safe for concurrent use.
type RegoEvaluator struct {
	modules int
	deny    rego.PreparedEvalQuery
	warn    rego.PreparedEvalQuery
}

// NewRegoEvaluator compiles every *.rego file in dir.
func NewRegoEvaluator(ctx context.Context, dir string) (*RegoEvaluator, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.rego"))
	if err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}
	sort.Strings(files)

	modules := make(map[string]string, len(files))
	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", file, err)
		}
		modules[filepath.Base(file)] = string(content)
	}
	return NewRegoEvaluatorFromModules(ctx, modules)
}

// NewRegoEvaluatorFromModules compiles in-memory modules keyed by file name.
func NewRegoEvaluatorFromModules(ctx context.Context, modules map[string]string) (*RegoEvaluator, error) {
	prepare := func(query string) (rego.PreparedEvalQuery, error) {
		opts := []func(*rego.Rego){rego.Query(query)}
		for name, src := range modules {
			opts = append(opts, rego.Module(name, src))
		}
		return rego.New(opts...).PrepareForEval(ctx)
	}

	deny, err := prepare(denyQuery)
	if err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	warn, err := prepare(warnQuery)
	if err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	return &RegoEvaluator{modules: len(modules), deny: deny, warn: warn}, nil
}

// Evaluate runs the deny and warn queries against est.
func (e *RegoEvaluator) Evaluate(ctx context.Context, est *estimation.Result) (*RegoResult, error) {
	result := &RegoResult{Denials: []string{}, Warnings: []string{}, Modules: e.modules}
	if e.modules == 0 {
		return result, nil
	}

	input := Input(est)
	denials, err := evalMessages(ctx, e.deny, input)
	if err != nil {
		return nil, err
	}
	warnings, err := evalMessages(ctx, e.warn, input)
	if err != nil {
		return nil, err
	}
	result.Denials = append(result.Denials, denials...)
	result.Warnings = append(result.Warnings, warnings...)
	return result, nil
}

// Input flattens an estimate into the document Rego policies see as `input`.
func Input(est *estimation.Result) map[string]any {
	csi := make(map[string]any, len(est.CSIMapping))
	for code, g := range est.CSIMapping {
		csi[code] = g.Total.InexactFloat64()
	}
	categories := make(map[string]any)
	for _, item := range est.LineItems {
		prev, _ := categories[string(item.RateCategory)].(float64)
		categories[string(item.RateCategory)] = prev + item.Total.InexactFloat64()
	}
	return map[string]any{
		"calculator_id":          est.Metadata.CalculatorID,
		"region":                 est.Metadata.RegionResolved,
		"line_items":             len(est.LineItems),
		"subtotal":               est.Contingencies.Subtotal.InexactFloat64(),
		"contingency_rate":       est.Contingencies.ContingencyRate,
		"contingency_amount":     est.Contingencies.ContingencyAmount.InexactFloat64(),
		"total_with_contingency": est.Totals.WithContingency.InexactFloat64(),
		"p10":                    est.Ranges.P10.InexactFloat64(),
		"p50":                    est.Ranges.P50.InexactFloat64(),
		"p90":                    est.Ranges.P90.InexactFloat64(),
		"uncertainty_factor":     est.Ranges.UncertaintyFactor,
		"csi_totals":             csi,
		"category_totals":        categories,
	}
}

func evalMessages(ctx context.Context, q rego.PreparedEvalQuery, input map[string]any) ([]string, error) {
	rs, err := q.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var messages []string
	for _, result := range rs {
		for _, expr := range result.Expressions {
			if set, ok := expr.Value.([]interface{}); ok {
				for _, v := range set {
					if msg, ok := v.(string); ok {
						messages = append(messages, msg)
					}
				}
			}
		}
	}
	sort.Strings(messages)
	return messages, nil
}
