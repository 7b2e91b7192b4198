package regions

import "github.com/shopspring/decimal"

// staticRegions returns the built-in state table. Multipliers are relative to the
// national average (1.0).
func staticRegions() []Region {
	rows := []struct {
		id, name                            string
		labor, material, equipment, general float64
	}{
		{"ak", "Alaska", 1.30, 1.25, 1.20, 1.28},
		{"al", "Alabama", 0.82, 0.95, 0.96, 0.88},
		{"az", "Arizona", 0.92, 0.98, 0.98, 0.95},
		{"ca", "California", 1.25, 1.15, 1.10, 1.20},
		{"co", "Colorado", 1.02, 1.01, 1.00, 1.02},
		{"ct", "Connecticut", 1.18, 1.06, 1.04, 1.12},
		{"fl", "Florida", 0.90, 0.99, 0.98, 0.94},
		{"ga", "Georgia", 0.86, 0.97, 0.97, 0.91},
		{"hi", "Hawaii", 1.32, 1.35, 1.22, 1.33},
		{"il", "Illinois", 1.15, 1.03, 1.02, 1.10},
		{"ma", "Massachusetts", 1.24, 1.07, 1.05, 1.16},
		{"md", "Maryland", 1.04, 1.02, 1.01, 1.03},
		{"mi", "Michigan", 1.05, 1.00, 1.00, 1.03},
		{"mn", "Minnesota", 1.10, 1.02, 1.01, 1.06},
		{"ms", "Mississippi", 0.78, 0.94, 0.95, 0.85},
		{"nc", "North Carolina", 0.85, 0.97, 0.97, 0.90},
		{"nj", "New Jersey", 1.22, 1.06, 1.04, 1.15},
		{"nv", "Nevada", 1.08, 1.03, 1.02, 1.06},
		{"ny", "New York", 1.30, 1.10, 1.06, 1.22},
		{"oh", "Ohio", 0.98, 0.99, 0.99, 0.98},
		{"or", "Oregon", 1.08, 1.03, 1.02, 1.06},
		{"pa", "Pennsylvania", 1.06, 1.01, 1.00, 1.04},
		{"tn", "Tennessee", 0.84, 0.96, 0.97, 0.89},
		{"tx", "Texas", 0.88, 0.97, 0.98, 0.92},
		{"ut", "Utah", 0.94, 0.99, 0.99, 0.96},
		{"va", "Virginia", 0.95, 0.99, 0.99, 0.97},
		{"wa", "Washington", 1.14, 1.05, 1.03, 1.10},
		{"wi", "Wisconsin", 1.04, 1.00, 1.00, 1.02},
	}

	out := make([]Region, 0, len(rows))
	for _, r := range rows {
		out = append(out, Region{
			ID:   r.id,
			Name: r.name,
			Modifiers: Modifiers{
				Labor:     decimal.NewFromFloat(r.labor),
				Material:  decimal.NewFromFloat(r.material),
				Equipment: decimal.NewFromFloat(r.equipment),
				General:   decimal.NewFromFloat(r.general),
			},
		})
	}
	return out
}
