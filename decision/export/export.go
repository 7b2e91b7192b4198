// Package export renders estimation results for spreadsheets, printable
// reports, the clipboard and markdown. It depends only on the result shape.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"construction-cost/decision/estimation"
	"construction-cost/pkg/units"
)

// CSVHeader is the first row of every CSV export.
var CSVHeader = []string{"Line Item", "CSI Code", "Quantity", "Unit", "Rate", "Category", "Total"}

// CSVRows returns the estimate as rows: a header, one row per line item, a
// blank separator and the summary rows. Amounts are plain decimals.
func CSVRows(res *estimation.Result) [][]string {
	rows := make([][]string, 0, len(res.LineItems)+8)
	rows = append(rows, append([]string(nil), CSVHeader...))
	for _, item := range res.LineItems {
		rows = append(rows, []string{
			item.Name,
			item.CSICode,
			item.Quantity.StringFixed(2),
			item.Unit,
			item.Rate.StringFixed(2),
			string(item.RateCategory),
			item.Total.StringFixed(2),
		})
	}
	rows = append(rows, make([]string, len(CSVHeader)))
	for _, s := range summary(res) {
		row := make([]string, len(CSVHeader))
		row[0] = s.label
		row[len(row)-1] = s.value.StringFixed(2)
		rows = append(rows, row)
	}
	return rows
}

// WriteCSV writes CSVRows to w.
func WriteCSV(w io.Writer, res *estimation.Result) error {
	cw := csv.NewWriter(w)
	if err := cw.WriteAll(CSVRows(res)); err != nil {
		return fmt.Errorf("failed to write csv: %w", err)
	}
	return nil
}

// PDFLines returns the report as text lines for a page renderer.
func PDFLines(res *estimation.Result) []string {
	md := res.Metadata
	lines := []string{
		fmt.Sprintf("%s Estimate", md.CalculatorName),
		fmt.Sprintf("Estimate ID: %s", md.EstimateID),
		fmt.Sprintf("Date: %s", md.Timestamp.UTC().Format("2006-01-02 15:04 MST")),
		fmt.Sprintf("Region: %s", md.RegionResolved),
	}
	if md.AACEClass != "" {
		lines = append(lines, fmt.Sprintf("AACE %s (%s)", md.AACEClass, md.Accuracy))
	}
	lines = append(lines, "", "Line Items")
	for _, item := range res.LineItems {
		lines = append(lines, fmt.Sprintf("%s: %s @ %s = %s",
			item.Name,
			units.FormatQuantity(item.Quantity.InexactFloat64(), units.Unit(item.Unit)),
			units.FormatCurrency(item.Rate),
			units.FormatCurrency(item.Total)))
	}

	lines = append(lines, "", "By CSI Division")
	for _, code := range CSICodes(res) {
		lines = append(lines, fmt.Sprintf("%s: %s", code, units.FormatWhole(res.CSIMapping[code].Total)))
	}

	lines = append(lines, "", "Summary")
	for _, s := range summary(res) {
		lines = append(lines, fmt.Sprintf("%s: %s", s.label, units.FormatWhole(s.value)))
	}
	if len(res.Assumptions) > 0 {
		lines = append(lines, "", "Assumptions")
		for _, a := range res.Assumptions {
			lines = append(lines, "- "+a)
		}
	}
	return lines
}

// ClipboardText is a short plain-text summary suitable for pasting.
func ClipboardText(res *estimation.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s estimate (%s)\n", res.Metadata.CalculatorName, res.Metadata.RegionResolved)
	for _, item := range res.LineItems {
		fmt.Fprintf(&b, "  %s: %s\n", item.Name, units.FormatCurrency(item.Total))
	}
	fmt.Fprintf(&b, "Subtotal: %s\n", units.FormatWhole(res.Contingencies.Subtotal))
	fmt.Fprintf(&b, "Contingency (%s): %s\n",
		units.FormatPercent(res.Contingencies.ContingencyRate), units.FormatWhole(res.Contingencies.ContingencyAmount))
	fmt.Fprintf(&b, "Total: %s\n", units.FormatWhole(res.Totals.WithContingency))
	fmt.Fprintf(&b, "Range: %s - %s", units.FormatWhole(res.Ranges.P10), units.FormatWhole(res.Ranges.P90))
	return b.String()
}

// Markdown renders the estimate as a markdown document with a line item table.
func Markdown(res *estimation.Result) string {
	var b strings.Builder
	md := res.Metadata
	fmt.Fprintf(&b, "# %s Estimate\n\n", md.CalculatorName)
	fmt.Fprintf(&b, "- **Region:** %s\n", md.RegionResolved)
	if md.AACEClass != "" {
		fmt.Fprintf(&b, "- **AACE:** %s (%s)\n", md.AACEClass, md.Accuracy)
	}
	fmt.Fprintf(&b, "- **Estimate ID:** `%s`\n\n", md.EstimateID)

	b.WriteString("| Item | CSI | Quantity | Rate | Total |\n")
	b.WriteString("|---|---|---:|---:|---:|\n")
	for _, item := range res.LineItems {
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n",
			escapeCell(item.Name),
			item.CSICode,
			units.FormatQuantity(item.Quantity.InexactFloat64(), units.Unit(item.Unit)),
			units.FormatCurrency(item.Rate),
			units.FormatCurrency(item.Total))
	}

	b.WriteString("\n## Summary\n\n")
	b.WriteString("| | Amount |\n|---|---:|\n")
	for _, s := range summary(res) {
		fmt.Fprintf(&b, "| %s | %s |\n", s.label, units.FormatWhole(s.value))
	}

	if len(res.Assumptions) > 0 {
		b.WriteString("\n## Assumptions\n\n")
		for _, a := range res.Assumptions {
			fmt.Fprintf(&b, "- %s\n", a)
		}
	}
	return b.String()
}

// CSICodes returns the result's CSI codes in order.
func CSICodes(res *estimation.Result) []string {
	codes := make([]string, 0, len(res.CSIMapping))
	for code := range res.CSIMapping {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

type summaryRow struct {
	label string
	value decimal.Decimal
}

func summary(res *estimation.Result) []summaryRow {
	c := res.Contingencies
	return []summaryRow{
		{"Subtotal", c.Subtotal},
		{fmt.Sprintf("Contingency (%s)", units.FormatPercent(c.ContingencyRate)), c.ContingencyAmount},
		{"Total", res.Totals.WithContingency},
		{"P10", res.Ranges.P10},
		{"P50", res.Ranges.P50},
		{"P90", res.Ranges.P90},
	}
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}
