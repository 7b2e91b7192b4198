// Package calculator holds declarative calculator definitions: the input schema,
// the ordered calculation steps and the registry that validates and serves them.
package calculator

import (
	"construction-cost/decision/expr"
	"construction-cost/decision/regions"
)

// FieldType is the type of an input field.
type FieldType string

const (
	FieldNumber  FieldType = "number"
	FieldSelect  FieldType = "select"
	FieldText    FieldType = "text"
	FieldBoolean FieldType = "boolean"
)

// StepKind tags a calculation step.
type StepKind string

const (
	StepLineItem    StepKind = "lineItem"
	StepFormula     StepKind = "formula"
	StepLookup      StepKind = "lookup"
	StepConditional StepKind = "conditional"
)

// Defaults applied when neither the definition nor the caller sets a value.
const (
	DefaultUncertaintyFactor = 0.25
	DefaultContingencyRate   = 0.15
)

// RegionPrefix is reserved for the resolved region modifiers in the evaluation
// context. Input fields and step outputs may not use it.
const RegionPrefix = "region."

// Reserved context keys.
const (
	KeyRegionID        = "region.id"
	KeyRegionLabor     = "region.labor"
	KeyRegionMaterial  = "region.material"
	KeyRegionEquipment = "region.equipment"
	KeyRegionGeneral   = "region.general"
)

// ReservedKeys lists the context keys the engine provides before the first step.
func ReservedKeys() []string {
	return []string{KeyRegionID, KeyRegionLabor, KeyRegionMaterial, KeyRegionEquipment, KeyRegionGeneral}
}

// Definition is a declarative calculator.
type Definition struct {
	ID                string       `json:"id" yaml:"id"`
	Name              string       `json:"name" yaml:"name"`
	Category          string       `json:"category" yaml:"category"`
	Description       string       `json:"description,omitempty" yaml:"description,omitempty"`
	AACEClass         string       `json:"aaceClass,omitempty" yaml:"aaceClass,omitempty"`
	Accuracy          string       `json:"accuracy,omitempty" yaml:"accuracy,omitempty"`
	InputFields       []InputField `json:"inputFields" yaml:"inputFields"`
	CalculationSteps  []Step       `json:"calculationSteps" yaml:"calculationSteps"`
	Assumptions       []string     `json:"assumptions,omitempty" yaml:"assumptions,omitempty"`
	UncertaintyFactor *float64     `json:"uncertaintyFactor,omitempty" yaml:"uncertaintyFactor,omitempty"`
	ContingencyRate   *float64     `json:"contingencyRate,omitempty" yaml:"contingencyRate,omitempty"`
}

// InputField describes one caller-supplied input.
type InputField struct {
	ID       string    `json:"id" yaml:"id"`
	Name     string    `json:"name" yaml:"name"`
	Type     FieldType `json:"type" yaml:"type"`
	Required bool      `json:"required,omitempty" yaml:"required,omitempty"`
	Min      *float64  `json:"min,omitempty" yaml:"min,omitempty"`
	Max      *float64  `json:"max,omitempty" yaml:"max,omitempty"`
	Options  []string  `json:"options,omitempty" yaml:"options,omitempty"`
	Default  any       `json:"default,omitempty" yaml:"default,omitempty"`
	Unit     string    `json:"unit,omitempty" yaml:"unit,omitempty"`
	Help     string    `json:"help,omitempty" yaml:"help,omitempty"`
}

// Step is one calculation step. Which attributes apply depends on Type.
type Step struct {
	Type StepKind `json:"type" yaml:"type"`
	ID   string   `json:"id,omitempty" yaml:"id,omitempty"`
	Name string   `json:"name,omitempty" yaml:"name,omitempty"`

	// lineItem
	QuantityExpr string   `json:"quantityExpr,omitempty" yaml:"quantityExpr,omitempty"`
	RatePath     string   `json:"ratePath,omitempty" yaml:"ratePath,omitempty"`
	BaseRate     *float64 `json:"baseRate,omitempty" yaml:"baseRate,omitempty"`
	RateExpr     string   `json:"rateExpr,omitempty" yaml:"rateExpr,omitempty"`
	RateCategory string   `json:"rateCategory,omitempty" yaml:"rateCategory,omitempty"`
	CSICode      string   `json:"csiCode,omitempty" yaml:"csiCode,omitempty"`
	Unit         string   `json:"unit,omitempty" yaml:"unit,omitempty"`

	// formula and lookup
	Expr    string             `json:"expr,omitempty" yaml:"expr,omitempty"`
	Output  string             `json:"output,omitempty" yaml:"output,omitempty"`
	Key     string             `json:"key,omitempty" yaml:"key,omitempty"`
	Table   map[string]float64 `json:"table,omitempty" yaml:"table,omitempty"`
	Default *float64           `json:"default,omitempty" yaml:"default,omitempty"`

	// conditional
	When string `json:"when,omitempty" yaml:"when,omitempty"`
	Then *Step  `json:"then,omitempty" yaml:"then,omitempty"`
	Else *Step  `json:"else,omitempty" yaml:"else,omitempty"`
}

// Label returns the identifier used in error messages.
func (s *Step) Label() string {
	switch {
	case s.ID != "":
		return s.ID
	case s.Output != "":
		return s.Output
	default:
		return string(s.Type)
	}
}

// Program is a compiled step. Expressions are parsed once at registration.
type Program struct {
	Step     Step
	Category regions.Category
	Quantity *expr.Expr
	Rate     *expr.Expr
	Expr     *expr.Expr
	When     *expr.Expr
	Then     *Program
	Else     *Program
}

// Calculator is a registered, validated and compiled definition. It is never
// mutated after registration.
type Calculator struct {
	def      Definition
	programs []Program
}

// ID returns the calculator id.
func (c *Calculator) ID() string { return c.def.ID }

// Definition returns a copy of the definition.
func (c *Calculator) Definition() Definition { return cloneDefinition(c.def) }

// Programs returns the compiled steps in declared order.
func (c *Calculator) Programs() []Program {
	out := make([]Program, len(c.programs))
	copy(out, c.programs)
	return out
}

// UncertaintyFactor returns the definition's factor or the default.
func (c *Calculator) UncertaintyFactor() float64 {
	if c.def.UncertaintyFactor != nil {
		return *c.def.UncertaintyFactor
	}
	return DefaultUncertaintyFactor
}

// ContingencyRate returns the definition's rate or the default.
func (c *Calculator) ContingencyRate() float64 {
	if c.def.ContingencyRate != nil {
		return *c.def.ContingencyRate
	}
	return DefaultContingencyRate
}

func cloneDefinition(d Definition) Definition {
	out := d
	out.InputFields = make([]InputField, len(d.InputFields))
	for i, f := range d.InputFields {
		f.Min = cloneFloat(f.Min)
		f.Max = cloneFloat(f.Max)
		f.Options = append([]string(nil), f.Options...)
		out.InputFields[i] = f
	}
	out.CalculationSteps = make([]Step, len(d.CalculationSteps))
	for i := range d.CalculationSteps {
		out.CalculationSteps[i] = *cloneStep(&d.CalculationSteps[i])
	}
	out.Assumptions = append([]string(nil), d.Assumptions...)
	out.UncertaintyFactor = cloneFloat(d.UncertaintyFactor)
	out.ContingencyRate = cloneFloat(d.ContingencyRate)
	return out
}

func cloneStep(s *Step) *Step {
	if s == nil {
		return nil
	}
	out := *s
	out.BaseRate = cloneFloat(s.BaseRate)
	out.Default = cloneFloat(s.Default)
	if s.Table != nil {
		out.Table = make(map[string]float64, len(s.Table))
		for k, v := range s.Table {
			out.Table[k] = v
		}
	}
	out.Then = cloneStep(s.Then)
	out.Else = cloneStep(s.Else)
	return &out
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}
