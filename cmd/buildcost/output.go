package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"construction-cost/db/clickhouse"
	"construction-cost/decision/calculator"
	"construction-cost/decision/estimation"
	"construction-cost/decision/export"
	"construction-cost/decision/policy"
	"construction-cost/decision/pricing"
	"construction-cost/decision/regions"
	"construction-cost/pkg/units"
)

// JSONOutput is the --format json document
type JSONOutput struct {
	Estimate *estimation.Result       `json:"estimate"`
	Policy   *policy.EvaluationResult `json:"policy,omitempty"`
}

func writeEstimate(w io.Writer, format string, result *estimation.Result, pol *policy.EvaluationResult) error {
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(JSONOutput{Estimate: result, Policy: pol})
	case "markdown", "md":
		_, err := io.WriteString(w, export.Markdown(result)+policyMarkdown(pol))
		return err
	case "csv":
		return export.WriteCSV(w, result)
	case "table", "":
		outputTable(w, result, pol)
		return nil
	default:
		return fmt.Errorf("unknown format %q (table, json, markdown, csv)", format)
	}
}

func outputTable(w io.Writer, result *estimation.Result, pol *policy.EvaluationResult) {
	md := result.Metadata
	rule := strings.Repeat("═", 78)

	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s  (%s)\n", strings.ToUpper(md.CalculatorName), md.RegionResolved)
	if !md.RegionMatched {
		fmt.Fprintf(w, "region %q not found, national rates used\n", md.Region)
	}
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "%-28s %-9s %14s %12s %12s\n", "LINE ITEM", "CSI", "QUANTITY", "RATE", "TOTAL")
	fmt.Fprintln(w, rule)
	for _, item := range result.LineItems {
		fmt.Fprintf(w, "%-28s %-9s %14s %12s %12s\n",
			truncate(item.Name, 28),
			item.CSICode,
			units.FormatQuantity(item.Quantity.InexactFloat64(), units.Unit(item.Unit)),
			units.FormatCurrency(item.Rate),
			units.FormatCurrency(item.Total))
	}
	fmt.Fprintln(w, rule)

	c := result.Contingencies
	fmt.Fprintf(w, "%-50s %27s\n", "Subtotal", units.FormatWhole(c.Subtotal))
	fmt.Fprintf(w, "%-50s %27s\n", "Contingency ("+units.FormatPercent(c.ContingencyRate)+")", units.FormatWhole(c.ContingencyAmount))
	fmt.Fprintf(w, "%-50s %27s\n", "TOTAL", units.FormatWhole(result.Totals.WithContingency))
	fmt.Fprintf(w, "%-50s %27s\n", "Range (P10 - P90)",
		units.FormatWhole(result.Ranges.P10)+" - "+units.FormatWhole(result.Ranges.P90))
	if md.AACEClass != "" {
		fmt.Fprintf(w, "%-50s %27s\n", "AACE "+md.AACEClass, md.Accuracy)
	}

	if pol != nil {
		fmt.Fprintln(w, rule)
		var icon string
		switch pol.Decision {
		case policy.DecisionPass:
			icon = "✅ PASS"
		case policy.DecisionWarn:
			icon = "⚠️  WARN"
		case policy.DecisionDeny:
			icon = "❌ DENY"
		}
		fmt.Fprintf(w, "Policy: %s\n", icon)
		for _, v := range pol.Violations {
			fmt.Fprintf(w, "  ❌ %s\n", v.Message)
		}
		for _, warn := range pol.Warnings {
			fmt.Fprintf(w, "  ⚠️  %s\n", warn.Message)
		}
	}
	fmt.Fprintln(w)
}

func policyMarkdown(pol *policy.EvaluationResult) string {
	if pol == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "\n## Policy: %s\n", pol.Decision)
	if len(pol.Violations) > 0 || len(pol.Warnings) > 0 {
		b.WriteString("\n")
	}
	for _, v := range pol.Violations {
		fmt.Fprintf(&b, "- **%s**: %s\n", v.PolicyName, v.Message)
	}
	for _, w := range pol.Warnings {
		fmt.Fprintf(&b, "- %s\n", w.Message)
	}
	return b.String()
}

func printCalculators(w io.Writer, calcs []*calculator.Calculator) {
	fmt.Fprintf(w, "%-20s %-28s %-12s %s\n", "ID", "NAME", "CATEGORY", "CLASS")
	for _, c := range calcs {
		def := c.Definition()
		fmt.Fprintf(w, "%-20s %-28s %-12s %s\n", def.ID, truncate(def.Name, 28), def.Category, def.AACEClass)
	}
}

func printDefinition(w io.Writer, def calculator.Definition) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(def); err != nil {
		return err
	}
	return enc.Close()
}

func printPricing(w io.Writer, table *pricing.Table) {
	fmt.Fprintf(w, "%-36s %12s  %s\n", "PATH", "RATE", "UNIT")
	for _, e := range table.Entries() {
		fmt.Fprintf(w, "%-36s %12s  %s\n", e.Path, e.Rate.StringFixed(2), e.Unit)
	}
	fmt.Fprintf(w, "\n%d rates, hash %s\n", table.Len(), table.Hash()[:12])
}

func printRegions(w io.Writer, rs []regions.Region) {
	fmt.Fprintf(w, "%-12s %-24s %8s %9s %10s %8s\n", "ID", "NAME", "LABOR", "MATERIAL", "EQUIPMENT", "GENERAL")
	for _, r := range rs {
		m := r.Modifiers
		fmt.Fprintf(w, "%-12s %-24s %8s %9s %10s %8s\n",
			r.ID, truncate(r.Name, 24),
			m.Labor.StringFixed(2), m.Material.StringFixed(2), m.Equipment.StringFixed(2), m.General.StringFixed(2))
	}
}

func printSnapshots(w io.Writer, snaps []*clickhouse.PricingSnapshot) {
	if len(snaps) == 0 {
		fmt.Fprintln(w, "no snapshots published")
		return
	}
	fmt.Fprintf(w, "%-36s %-6s %-12s %6s %7s  %s\n", "ID", "ACTIVE", "VERSION", "RATES", "REGIONS", "CREATED")
	for _, s := range snaps {
		active := ""
		if s.IsActive {
			active = "*"
		}
		fmt.Fprintf(w, "%-36s %-6s %-12s %6d %7d  %s\n",
			s.ID, active, s.Version, s.RateCount, s.ModifierCount, s.CreatedAt.Format("2006-01-02 15:04"))
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
