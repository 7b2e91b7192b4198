// Package units provides canonical construction units, geometry helpers and display formatting.
package units

import (
	"math"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"
)

// Unit represents a measurable quantity.
type Unit string

const (
	// Length and area
	UnitLinearFeet Unit = "lf"
	UnitSquareFeet Unit = "sf"

	// Volume
	UnitCubicFeet  Unit = "cf"
	UnitCubicYards Unit = "yd3"
	UnitGallons    Unit = "gal"

	// Count and weight
	UnitEach   Unit = "ea"
	UnitSheets Unit = "sheet"
	UnitPounds Unit = "lb"

	// Time
	UnitHours Unit = "hr"
	UnitDays  Unit = "day"
)

// CubicFeetPerYard is the volume of one cubic yard in cubic feet.
const CubicFeetPerYard = 27.0

// InchesPerFoot converts inch dimensions to feet.
const InchesPerFoot = 12.0

// Area returns length × width.
func Area(lengthFt, widthFt float64) float64 {
	return lengthFt * widthFt
}

// VolumeCubicYards returns the volume of a slab in cubic yards.
// Thickness is given in inches.
func VolumeCubicYards(lengthFt, widthFt, thicknessIn float64) float64 {
	return Area(lengthFt, widthFt) * (thicknessIn / InchesPerFoot) / CubicFeetPerYard
}

// WithWaste grows a quantity by a waste percentage (5 means 5%).
func WithWaste(quantity, wastePercent float64) float64 {
	return quantity * WasteFactor(wastePercent)
}

// WasteFactor returns the multiplier for a waste percentage.
func WasteFactor(wastePercent float64) float64 {
	return 1 + wastePercent/100
}

// Round rounds half away from zero to the given number of decimal places.
func Round(v float64, places int) float64 {
	if places < 0 {
		places = 0
	}
	pow := math.Pow(10, float64(places))
	return math.Round(v*pow) / pow
}

// RoundQuantity applies the two-decimal precision used for line-item quantities.
func RoundQuantity(v float64) float64 {
	return Round(v, 2)
}

// FormatCurrency renders a money value as "$1,234.56".
func FormatCurrency(d decimal.Decimal) string {
	r := d.Round(2)
	sign := ""
	if r.IsNegative() {
		sign = "-"
		r = r.Abs()
	}
	fixed := r.StringFixed(2)
	cents := fixed[strings.IndexByte(fixed, '.'):]
	return sign + "$" + humanize.BigComma(r.Truncate(0).BigInt()) + cents
}

// FormatWhole renders a money value rounded to whole units as "$1,235".
func FormatWhole(d decimal.Decimal) string {
	return "$" + humanize.Comma(d.Round(0).IntPart())
}

// FormatQuantity renders a quantity with thousands separators and up to two decimals.
func FormatQuantity(v float64, unit Unit) string {
	s := humanize.CommafWithDigits(Round(v, 2), 2)
	if unit == "" {
		return s
	}
	return s + " " + string(unit)
}

// FormatPercent renders a fraction (0.15) as "15%".
func FormatPercent(fraction float64) string {
	return humanize.FtoaWithDigits(fraction*100, 2) + "%"
}
