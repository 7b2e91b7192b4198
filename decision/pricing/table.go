package pricing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Entry is one base rate at the national average.
type Entry struct {
	Path        string          `json:"path"`
	Rate        decimal.Decimal `json:"rate"`
	Unit        string          `json:"unit"`
	Description string          `json:"description,omitempty"`
}

// Table is the base pricing table keyed by dotted path. Readers see one complete
// table; Replace swaps it atomically.
type Table struct {
	entries atomic.Pointer[map[string]Entry]
}

// NewTable creates a table holding entries.
func NewTable(entries []Entry) *Table {
	t := &Table{}
	t.Replace(entries)
	return t
}

// DefaultTable returns the built-in national base rates.
func DefaultTable() *Table {
	return NewTable(defaultEntries())
}

// Replace swaps the whole table.
func (t *Table) Replace(entries []Entry) {
	next := make(map[string]Entry, len(entries))
	for _, e := range entries {
		e.Path = strings.TrimSpace(e.Path)
		next[e.Path] = e
	}
	t.entries.Store(&next)
}

// Get returns the base rate at path.
func (t *Table) Get(path string) (decimal.Decimal, bool) {
	e, ok := t.Entry(path)
	if !ok {
		return decimal.Zero, false
	}
	return e.Rate, true
}

// Entry returns the full entry at path.
func (t *Table) Entry(path string) (Entry, bool) {
	e, ok := (*t.entries.Load())[path]
	return e, ok
}

// Len returns the number of entries.
func (t *Table) Len() int {
	return len(*t.entries.Load())
}

// Entries returns every entry sorted by path.
func (t *Table) Entries() []Entry {
	m := *t.entries.Load()
	out := make([]Entry, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Hash returns a content hash of the table, stable across map ordering.
func (t *Table) Hash() string {
	h := sha256.New()
	for _, e := range t.Entries() {
		fmt.Fprintf(h, "%s|%s|%s\n", e.Path, e.Rate.String(), e.Unit)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Parse decodes a JSON or YAML pricing document. Nested maps are flattened into
// dotted paths. A leaf is either a number or a {rate, unit, description} object.
//
//	materials:
//	  concrete_yd3: {rate: 165, unit: yd3}
//	  rebar_lb: 1.10
func Parse(data []byte) ([]Entry, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse pricing document: %w", err)
	}
	var out []Entry
	if err := flatten("", doc, &out); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func flatten(prefix string, node map[string]any, out *[]Entry) error {
	for key, v := range node {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		switch val := v.(type) {
		case map[string]any:
			if rate, ok := val["rate"]; ok {
				e, err := leaf(path, rate)
				if err != nil {
					return err
				}
				e.Unit, _ = val["unit"].(string)
				e.Description, _ = val["description"].(string)
				*out = append(*out, e)
				continue
			}
			if err := flatten(path, val, out); err != nil {
				return err
			}
		default:
			e, err := leaf(path, val)
			if err != nil {
				return err
			}
			*out = append(*out, e)
		}
	}
	return nil
}

func leaf(path string, v any) (Entry, error) {
	var rate decimal.Decimal
	switch n := v.(type) {
	case int:
		rate = decimal.NewFromInt(int64(n))
	case float64:
		rate = decimal.NewFromFloat(n)
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(n))
		if err != nil {
			return Entry{}, fmt.Errorf("pricing %s: rate %q is not a number", path, n)
		}
		rate = d
	default:
		return Entry{}, fmt.Errorf("pricing %s: unsupported rate value %v", path, v)
	}
	if rate.IsNegative() {
		return Entry{}, fmt.Errorf("pricing %s: rate must not be negative", path)
	}
	return Entry{Path: path, Rate: rate}, nil
}

func defaultEntries() []Entry {
	rows := []struct {
		path, unit, desc string
		rate             string
	}{
		{"materials.concrete_yd3", "yd3", "Ready-mix concrete, 3000 psi", "165.00"},
		{"materials.rebar_lb", "lb", "Reinforcing steel, #4 bar", "1.10"},
		{"materials.vapor_barrier_sf", "sf", "10 mil poly vapor barrier", "0.18"},
		{"materials.stud_ea", "ea", "2x4 stud, 8 ft", "4.85"},
		{"materials.plate_lf", "lf", "2x4 plate stock", "0.95"},
		{"materials.header_lf", "lf", "Built-up 2x10 header", "6.40"},
		{"materials.nails_lb", "lb", "Framing nails", "2.75"},
		{"materials.paint_gal", "gal", "Interior latex paint", "42.00"},
		{"materials.primer_gal", "gal", "Interior primer", "28.00"},
		{"materials.paint_sundries_sf", "sf", "Tape, plastic and masking", "0.05"},
		{"materials.drywall_sheet", "sheet", "1/2 in gypsum board, 4x8", "16.50"},
		{"materials.joint_compound_gal", "gal", "All-purpose joint compound", "6.25"},
		{"materials.drywall_screws_lb", "lb", "Drywall screws", "6.50"},
		{"labor.concrete_place_yd3", "yd3", "Place and consolidate concrete", "65.00"},
		{"labor.concrete_finish_sf", "sf", "Float and trowel finish", "1.50"},
		{"labor.framing_lf", "lf", "Frame wall, per linear foot", "9.50"},
		{"labor.paint_sf", "sf", "Paint walls, per coat", "0.95"},
		{"labor.prep_sf", "sf", "Surface preparation", "0.35"},
		{"labor.drywall_hang_sf", "sf", "Hang gypsum board", "0.75"},
		{"labor.drywall_finish_sf", "sf", "Tape and finish gypsum board", "0.85"},
		{"equipment.pump_truck_day", "day", "Concrete pump truck", "950.00"},
		{"equipment.nailer_day", "day", "Pneumatic nailer and compressor", "65.00"},
		{"equipment.lift_day", "day", "Drywall lift", "45.00"},
		{"general.dumpster_ea", "ea", "20 yd dumpster haul", "475.00"},
		{"general.permit_ea", "ea", "Building permit allowance", "250.00"},
	}
	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, Entry{
			Path:        r.path,
			Rate:        decimal.RequireFromString(r.rate),
			Unit:        r.unit,
			Description: r.desc,
		})
	}
	return out
}
