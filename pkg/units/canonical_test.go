package units

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestVolumeCubicYards(t *testing.T) {
	// 20 x 10 ft slab, 4 in thick
	got := VolumeCubicYards(20, 10, 4)
	assert.InDelta(t, 2.469, got, 0.001)
	assert.Equal(t, 2.47, RoundQuantity(got))
}

func TestWithWaste(t *testing.T) {
	assert.InDelta(t, 105.0, WithWaste(100, 5), 1e-9)
	assert.InDelta(t, 100.0, WithWaste(100, 0), 1e-9)
	assert.InDelta(t, 1.1, WasteFactor(10), 1e-9)
}

func TestRound(t *testing.T) {
	assert.Equal(t, 2.47, Round(2.4691, 2))
	assert.Equal(t, 3.0, Round(2.5, 0))
	assert.Equal(t, -3.0, Round(-2.5, 0))
	assert.Equal(t, 2.0, Round(2.4, -1))
}

func TestFormatting(t *testing.T) {
	assert.Equal(t, "$1,234.56", FormatCurrency(decimal.RequireFromString("1234.555")))
	assert.Equal(t, "$12,345,678,901,234,567.89", FormatCurrency(decimal.RequireFromString("12345678901234567.89")))
	assert.Equal(t, "-$1,234.50", FormatCurrency(decimal.RequireFromString("-1234.5")))
	assert.Equal(t, "$0.07", FormatCurrency(decimal.RequireFromString("0.065")))
	assert.Equal(t, "$1,235", FormatWhole(decimal.RequireFromString("1234.5")))
	assert.Equal(t, "2.47 yd3", FormatQuantity(2.4691, UnitCubicYards))
	assert.Equal(t, "15%", FormatPercent(0.15))
}
