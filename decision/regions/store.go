// Package regions provides regional cost modifiers keyed by US state or region code.
// Tables are replaced atomically; readers always see one complete table.
package regions

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

// Category is a rate category a modifier applies to.
type Category string

const (
	CategoryLabor     Category = "labor"
	CategoryMaterial  Category = "material"
	CategoryEquipment Category = "equipment"
	CategoryGeneral   Category = "general"
)

// Categories lists every rate category in display order.
var Categories = []Category{CategoryLabor, CategoryMaterial, CategoryEquipment, CategoryGeneral}

// ParseCategory validates a category name.
func ParseCategory(s string) (Category, error) {
	switch c := Category(strings.ToLower(strings.TrimSpace(s))); c {
	case CategoryLabor, CategoryMaterial, CategoryEquipment, CategoryGeneral:
		return c, nil
	}
	return "", fmt.Errorf("unknown rate category %q", s)
}

// DefaultID is the national fallback region.
const DefaultID = "US_DEFAULT"

// Modifiers holds the per-category multipliers of one region.
type Modifiers struct {
	Labor     decimal.Decimal `json:"labor" yaml:"labor"`
	Material  decimal.Decimal `json:"material" yaml:"material"`
	Equipment decimal.Decimal `json:"equipment" yaml:"equipment"`
	General   decimal.Decimal `json:"general" yaml:"general"`
}

// Neutral returns modifiers of 1.0 in every category.
func Neutral() Modifiers {
	one := decimal.NewFromInt(1)
	return Modifiers{Labor: one, Material: one, Equipment: one, General: one}
}

// For returns the multiplier of a category. Unknown categories use General.
func (m Modifiers) For(c Category) decimal.Decimal {
	switch c {
	case CategoryLabor:
		return m.Labor
	case CategoryMaterial:
		return m.Material
	case CategoryEquipment:
		return m.Equipment
	default:
		return m.General
	}
}

// Region is one row of a modifier table.
type Region struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Modifiers Modifiers `json:"modifiers"`
}

// Store is the read-mostly regional modifier table.
type Store struct {
	table atomic.Pointer[map[string]Region]
}

// NewStore creates a store holding the built-in state table.
func NewStore() *Store {
	s := &Store{}
	s.Replace(staticRegions())
	return s
}

// NewStoreFrom creates a store holding only the given regions (plus the default).
func NewStoreFrom(regions []Region) *Store {
	s := &Store{}
	s.Replace(regions)
	return s
}

// Normalize maps a user-supplied region id to its table key.
func Normalize(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	switch id {
	case "", "national", "us_default", "us", "default":
		return strings.ToLower(DefaultID)
	}
	return id
}

// Replace swaps the whole table. The default region is always present; missing
// categories in a row are treated as 1.0.
func (s *Store) Replace(regions []Region) {
	next := make(map[string]Region, len(regions)+1)
	next[Normalize(DefaultID)] = Region{ID: DefaultID, Name: "National average", Modifiers: Neutral()}
	for _, r := range regions {
		r.Modifiers = fillNeutral(r.Modifiers)
		key := Normalize(r.ID)
		if key == Normalize(DefaultID) {
			r.ID = DefaultID
		}
		next[key] = r
	}
	s.table.Store(&next)
}

// Resolve returns the modifiers for id. Unknown ids fall back to the default region
// with found=false.
func (s *Store) Resolve(id string) (mods Modifiers, resolvedID string, found bool) {
	table := *s.table.Load()
	if r, ok := table[Normalize(id)]; ok {
		return r.Modifiers, r.ID, true
	}
	def := table[Normalize(DefaultID)]
	return def.Modifiers, def.ID, false
}

// Get returns one region row.
func (s *Store) Get(id string) (Region, bool) {
	r, ok := (*s.table.Load())[Normalize(id)]
	return r, ok
}

// List returns every region sorted by id, default first.
func (s *Store) List() []Region {
	table := *s.table.Load()
	out := make([]Region, 0, len(table))
	for _, r := range table {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID == DefaultID {
			return true
		}
		if out[j].ID == DefaultID {
			return false
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Hash returns a content hash of the table, stable across map ordering.
func (s *Store) Hash() string {
	h := sha256.New()
	for _, r := range s.List() {
		m := r.Modifiers
		fmt.Fprintf(h, "%s|%s|%s|%s|%s\n", Normalize(r.ID), m.Labor, m.Material, m.Equipment, m.General)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Document is the on-disk shape of a region table: a map keyed by region id.
type Document map[string]struct {
	Name      string   `json:"name" yaml:"name"`
	Labor     *float64 `json:"labor" yaml:"labor"`
	Material  *float64 `json:"material" yaml:"material"`
	Equipment *float64 `json:"equipment" yaml:"equipment"`
	General   *float64 `json:"general" yaml:"general"`
}

// Parse decodes a JSON or YAML region document.
func Parse(data []byte) ([]Region, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse region document: %w", err)
	}
	regions := make([]Region, 0, len(doc))
	for id, row := range doc {
		if strings.TrimSpace(id) == "" {
			return nil, fmt.Errorf("region document: empty region id")
		}
		mods := Modifiers{}
		for _, f := range []struct {
			name string
			src  *float64
			dst  *decimal.Decimal
		}{
			{"labor", row.Labor, &mods.Labor},
			{"material", row.Material, &mods.Material},
			{"equipment", row.Equipment, &mods.Equipment},
			{"general", row.General, &mods.General},
		} {
			if f.src == nil {
				continue
			}
			if *f.src <= 0 {
				return nil, fmt.Errorf("region %s: %s multiplier must be positive, got %v", id, f.name, *f.src)
			}
			*f.dst = decimal.NewFromFloat(*f.src)
		}
		regions = append(regions, Region{ID: id, Name: row.Name, Modifiers: mods})
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i].ID < regions[j].ID })
	return regions, nil
}

func fillNeutral(m Modifiers) Modifiers {
	one := decimal.NewFromInt(1)
	if m.Labor.IsZero() {
		m.Labor = one
	}
	if m.Material.IsZero() {
		m.Material = one
	}
	if m.Equipment.IsZero() {
		m.Equipment = one
	}
	if m.General.IsZero() {
		m.General = one
	}
	return m
}
