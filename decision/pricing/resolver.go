// Package pricing resolves base unit rates to region-adjusted effective rates.
package pricing

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"construction-cost/decision/regions"
)

// Resolution is the effective rate for one base-rate path.
type Resolution struct {
	Path       string           `json:"path"`
	Value      decimal.Decimal  `json:"value"`
	BaseRate   decimal.Decimal  `json:"base_rate"`
	Category   regions.Category `json:"category"`
	Overridden bool             `json:"overridden"`
	Found      bool             `json:"found"`
}

// Resolver combines the base pricing table with regional modifiers.
type Resolver struct {
	table   *Table
	regions *regions.Store
}

// NewResolver creates a resolver over table and regions.
func NewResolver(table *Table, store *regions.Store) *Resolver {
	return &Resolver{table: table, regions: store}
}

// Table returns the base pricing table.
func (r *Resolver) Table() *Table { return r.table }

// Regions returns the regional modifier store.
func (r *Resolver) Regions() *regions.Store { return r.regions }

// Resolve returns the effective rate for path in regionID. A non-blank override for
// path wins verbatim and is never region-adjusted. A missing path resolves to zero
// with Found=false. Unknown regions use multiplier 1.0.
func (r *Resolver) Resolve(path string, overrides map[string]string, regionID string) (Resolution, error) {
	return r.ResolveAs(path, CategoryForPath(path), overrides, regionID)
}

// ResolveAs is Resolve with an explicit rate category.
func (r *Resolver) ResolveAs(path string, category regions.Category, overrides map[string]string, regionID string) (Resolution, error) {
	base, found := r.table.Get(path)
	res := Resolution{
		Path:     path,
		BaseRate: base,
		Category: category,
		Found:    found,
	}

	if v, ok, err := Override(overrides, path); err != nil {
		return res, err
	} else if ok {
		res.Value = v
		res.Overridden = true
		return res, nil
	}

	res.Value = r.Adjust(base, category, regionID)
	return res, nil
}

// Adjust applies the region multiplier of category to base.
func (r *Resolver) Adjust(base decimal.Decimal, category regions.Category, regionID string) decimal.Decimal {
	mods, _, _ := r.regions.Resolve(regionID)
	return base.Mul(mods.For(category))
}

// Override returns the override for key when one is present and non-blank.
func Override(overrides map[string]string, key string) (decimal.Decimal, bool, error) {
	raw, ok := overrides[key]
	if !ok || strings.TrimSpace(raw) == "" {
		return decimal.Zero, false, nil
	}
	v, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("override for %s is not a number: %q", key, raw)
	}
	return v, true, nil
}

// CategoryForPath infers the rate category from the path prefix.
func CategoryForPath(path string) regions.Category {
	prefix, _, _ := strings.Cut(path, ".")
	switch prefix {
	case "materials", "material":
		return regions.CategoryMaterial
	case "labor":
		return regions.CategoryLabor
	case "equipment":
		return regions.CategoryEquipment
	default:
		return regions.CategoryGeneral
	}
}
