package calculator

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"construction-cost/decision/expr"
	"construction-cost/decision/pricing"
	"construction-cost/decision/regions"
	cerrors "construction-cost/pkg/errors"
)

// Compile validates def and compiles its expressions. Every structural problem is
// collected into one *errors.DefinitionError; nothing is returned on failure.
func Compile(def Definition) (*Calculator, error) {
	def = cloneDefinition(def)
	def.ID = strings.TrimSpace(def.ID)

	c := &compiler{}
	c.checkMetadata(def)
	scope := c.checkFields(def.InputFields)

	programs := make([]Program, 0, len(def.CalculationSteps))
	lineIDs := make(map[string]bool)
	for i := range def.CalculationSteps {
		path := fmt.Sprintf("calculationSteps[%d]", i)
		prog, outputs := c.compileStep(path, &def.CalculationSteps[i], scope, lineIDs)
		for _, o := range outputs {
			scope[o] = true
		}
		if prog != nil {
			programs = append(programs, *prog)
		}
	}

	if len(c.problems) > 0 {
		return nil, &cerrors.DefinitionError{CalculatorID: def.ID, Problems: c.problems}
	}
	return &Calculator{def: def, programs: programs}, nil
}

// ValidateDefinition reports the structural problems of def, if any.
func ValidateDefinition(def Definition) error {
	_, err := Compile(def)
	return err
}

type compiler struct {
	problems []cerrors.Problem
}

func (c *compiler) addf(field, format string, args ...any) {
	c.problems = append(c.problems, cerrors.Problem{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (c *compiler) checkMetadata(def Definition) {
	if def.ID == "" {
		c.addf("id", "is required")
	}
	if strings.TrimSpace(def.Name) == "" {
		c.addf("name", "is required")
	}
	if strings.TrimSpace(def.Category) == "" {
		c.addf("category", "is required")
	}
	if len(def.InputFields) == 0 {
		c.addf("inputFields", "must not be empty")
	}
	if len(def.CalculationSteps) == 0 {
		c.addf("calculationSteps", "must not be empty")
	}
	if f := def.UncertaintyFactor; f != nil && (*f < 0 || *f > 1 || math.IsNaN(*f)) {
		c.addf("uncertaintyFactor", "must be between 0 and 1")
	}
	if r := def.ContingencyRate; r != nil && (*r < 0 || math.IsNaN(*r) || math.IsInf(*r, 0)) {
		c.addf("contingencyRate", "must not be negative")
	}
}

// checkFields validates the input schema and returns the initial scope: every
// field id plus the reserved region keys.
func (c *compiler) checkFields(fields []InputField) map[string]bool {
	scope := make(map[string]bool, len(fields)+5)
	for _, k := range ReservedKeys() {
		scope[k] = true
	}

	seen := make(map[string]bool, len(fields))
	for i, f := range fields {
		path := fmt.Sprintf("inputFields[%d]", i)
		id := strings.TrimSpace(f.ID)
		switch {
		case id == "":
			c.addf(path+".id", "is required")
		case strings.HasPrefix(id, RegionPrefix):
			c.addf(path+".id", "%q uses the reserved prefix %q", id, RegionPrefix)
		case seen[id]:
			c.addf(path+".id", "duplicate field id %q", id)
		}
		if id != "" {
			seen[id] = true
			scope[id] = true
			path = fmt.Sprintf("inputFields[%s]", id)
		}
		if strings.TrimSpace(f.Name) == "" {
			c.addf(path+".name", "is required")
		}

		switch f.Type {
		case FieldNumber:
			if f.Min != nil && f.Max != nil && *f.Min > *f.Max {
				c.addf(path, "min %v is greater than max %v", *f.Min, *f.Max)
			}
		case FieldSelect:
			if len(f.Options) == 0 {
				c.addf(path+".options", "select field needs at least one option")
			}
		case FieldText, FieldBoolean:
		default:
			c.addf(path+".type", "unknown field type %q", f.Type)
		}
		if f.Type != FieldNumber && (f.Min != nil || f.Max != nil) {
			c.addf(path, "min/max only apply to number fields")
		}
		if f.Default != nil {
			if f.Required {
				c.addf(path+".default", "required fields cannot have a default")
			} else if _, msg := coerce(f, f.Default); msg != "" {
				c.addf(path+".default", "%s", msg)
			}
		}
	}
	return scope
}

// compileStep checks one step against the names visible before it and returns the
// compiled program plus the names it introduces.
func (c *compiler) compileStep(path string, s *Step, scope map[string]bool, lineIDs map[string]bool) (*Program, []string) {
	prog := &Program{Step: *s}
	var outputs []string

	switch s.Type {
	case StepLineItem:
		id := strings.TrimSpace(s.ID)
		if id == "" {
			c.addf(path+".id", "line items need an id")
		} else {
			if strings.HasPrefix(id, RegionPrefix) || strings.Contains(id, " ") {
				c.addf(path+".id", "invalid line item id %q", id)
			}
			if lineIDs[id] {
				c.addf(path+".id", "duplicate line item id %q", id)
			}
			lineIDs[id] = true
			outputs = append(outputs, id+".quantity", id+".rate", id+".total")
		}
		prog.Quantity = c.compileExpr(path+".quantityExpr", s.QuantityExpr, scope)

		sources := 0
		if s.RatePath != "" {
			sources++
		}
		if s.BaseRate != nil {
			sources++
			if *s.BaseRate < 0 || math.IsNaN(*s.BaseRate) || math.IsInf(*s.BaseRate, 0) {
				c.addf(path+".baseRate", "must be a finite, non-negative number")
			}
		}
		if s.RateExpr != "" {
			sources++
			prog.Rate = c.compileExpr(path+".rateExpr", s.RateExpr, scope)
		}
		if sources != 1 {
			c.addf(path, "exactly one of ratePath, baseRate or rateExpr is required")
		}

		switch {
		case s.RateCategory != "":
			cat, err := regions.ParseCategory(s.RateCategory)
			if err != nil {
				c.addf(path+".rateCategory", "%v", err)
			}
			prog.Category = cat
		case s.RatePath != "":
			prog.Category = pricing.CategoryForPath(s.RatePath)
		default:
			prog.Category = regions.CategoryGeneral
		}

	case StepFormula:
		prog.Expr = c.compileExpr(path+".expr", s.Expr, scope)
		if c.checkOutput(path, s.Output) {
			outputs = append(outputs, s.Output)
		}

	case StepLookup:
		key := strings.TrimSpace(s.Key)
		if key == "" {
			c.addf(path+".key", "is required")
		} else if !scope[key] {
			c.addf(path+".key", "references %q before it is defined", key)
		}
		if len(s.Table) == 0 {
			c.addf(path+".table", "must not be empty")
		}
		for k, v := range s.Table {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				c.addf(path+".table", "value for %q is not finite", k)
			}
		}
		if c.checkOutput(path, s.Output) {
			outputs = append(outputs, s.Output)
		}

	case StepConditional:
		prog.When = c.compileExpr(path+".when", s.When, scope)
		if s.Then == nil {
			c.addf(path+".then", "is required")
			return prog, nil
		}
		if s.Then.Type == StepConditional || (s.Else != nil && s.Else.Type == StepConditional) {
			c.addf(path, "conditionals cannot be nested")
			return prog, nil
		}
		// Both branches may use the same line item id; only one of them runs.
		elseIDs := make(map[string]bool, len(lineIDs))
		for k := range lineIDs {
			elseIDs[k] = true
		}
		var thenOut, elseOut []string
		prog.Then, thenOut = c.compileStep(path+".then", s.Then, scope, lineIDs)
		if s.Else == nil {
			return prog, nil
		}
		prog.Else, elseOut = c.compileStep(path+".else", s.Else, scope, elseIDs)
		for k := range elseIDs {
			lineIDs[k] = true
		}
		// Only names produced on both branches are defined afterwards.
		both := make(map[string]bool, len(elseOut))
		for _, o := range elseOut {
			both[o] = true
		}
		for _, o := range thenOut {
			if both[o] {
				outputs = append(outputs, o)
			}
		}

	case "":
		c.addf(path+".type", "is required")
		return nil, nil
	default:
		c.addf(path+".type", "unknown step type %q", s.Type)
		return nil, nil
	}
	return prog, outputs
}

func (c *compiler) checkOutput(path, output string) bool {
	switch {
	case strings.TrimSpace(output) == "":
		c.addf(path+".output", "is required")
		return false
	case strings.HasPrefix(output, RegionPrefix):
		c.addf(path+".output", "%q uses the reserved prefix %q", output, RegionPrefix)
		return false
	}
	if e, err := expr.Compile(output); err != nil || len(e.Vars()) != 1 || e.Vars()[0] != output {
		c.addf(path+".output", "%q is not a valid name", output)
		return false
	}
	return true
}

func (c *compiler) compileExpr(field, src string, scope map[string]bool) *expr.Expr {
	if strings.TrimSpace(src) == "" {
		c.addf(field, "is required")
		return nil
	}
	e, err := expr.Compile(src)
	if err != nil {
		c.addf(field, "%v", err)
		return nil
	}
	for _, v := range e.Vars() {
		if !scope[v] {
			c.addf(field, "references %q before it is defined", v)
		}
	}
	return e
}

// ValidateInputs checks inputs against the field schema. It returns the evaluation
// values (with defaults applied to absent optional fields) and one problem per
// invalid field; it never stops at the first problem.
func (c *Calculator) ValidateInputs(inputs map[string]any) (expr.Map, []cerrors.Problem) {
	values := make(expr.Map, len(c.def.InputFields))
	var problems []cerrors.Problem

	for _, f := range c.def.InputFields {
		raw, present := inputs[f.ID]
		if !present || isBlank(raw) {
			if f.Required {
				problems = append(problems, cerrors.Problem{Field: f.ID, Message: fmt.Sprintf("%s is required", f.Name)})
				continue
			}
			if f.Default == nil {
				continue
			}
			raw = f.Default
		}

		v, msg := coerce(f, raw)
		if msg != "" {
			problems = append(problems, cerrors.Problem{Field: f.ID, Message: msg})
			continue
		}
		values[f.ID] = v
	}
	return values, problems
}

func isBlank(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	}
	return false
}

// coerce converts a raw input to the field's value type. It returns a
// human-readable message when the value is not acceptable.
func coerce(f InputField, raw any) (expr.Value, string) {
	switch f.Type {
	case FieldNumber:
		n, ok := toFloat(raw)
		if !ok {
			return expr.Value{}, fmt.Sprintf("%s must be a number", f.Name)
		}
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return expr.Value{}, fmt.Sprintf("%s must be a finite number", f.Name)
		}
		if f.Min != nil && n < *f.Min {
			return expr.Value{}, fmt.Sprintf("%s must be at least %s", f.Name, formatBound(*f.Min))
		}
		if f.Max != nil && n > *f.Max {
			return expr.Value{}, fmt.Sprintf("%s must be at most %s", f.Name, formatBound(*f.Max))
		}
		return expr.Number(n), ""

	case FieldSelect:
		s := scalarText(raw)
		for _, opt := range f.Options {
			if opt == s {
				return expr.String(s), ""
			}
		}
		return expr.Value{}, fmt.Sprintf("%s must be one of %s", f.Name, strings.Join(f.Options, ", "))

	case FieldBoolean:
		b, ok := toBool(raw)
		if !ok {
			return expr.Value{}, fmt.Sprintf("%s must be true or false", f.Name)
		}
		return expr.Bool(b), ""

	default:
		return expr.String(scalarText(raw)), ""
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func toBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true", "yes", "on", "1":
			return true, true
		case "false", "no", "off", "0":
			return false, true
		}
	default:
		if n, ok := toFloat(v); ok && (n == 0 || n == 1) {
			return n == 1, true
		}
	}
	return false, false
}

func scalarText(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

func formatBound(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
