package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"construction-cost/decision/calculator"
	"construction-cost/decision/estimation"
	"construction-cost/decision/policy"
	"construction-cost/decision/pricing"
	"construction-cost/decision/regions"
)

func TestParseAssignments(t *testing.T) {
	got, err := parseAssignments([]string{"length_ft=20", " finish = broom ", "note=a=b", "length_ft=30"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"length_ft": "30", "finish": "broom", "note": "a=b"}, got)

	_, err = parseAssignments([]string{"length_ft"})
	assert.Error(t, err)
	_, err = parseAssignments([]string{"=5"})
	assert.Error(t, err)
}

func TestDefinitionFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.yaml", "a.json", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("[]"), 0o644))
	}
	single := filepath.Join(t.TempDir(), "single.yml")
	require.NoError(t, os.WriteFile(single, []byte("[]"), 0o644))

	files, err := definitionFiles([]string{dir, single})
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.NotContains(t, files, filepath.Join(dir, "notes.txt"))

	_, err = definitionFiles([]string{filepath.Join(dir, "missing")})
	assert.Error(t, err)
}

func slabEstimate(t *testing.T) (*estimation.Result, *policy.EvaluationResult) {
	t.Helper()
	reg := calculator.NewRegistry(zerolog.Nop())
	_, err := reg.LoadBuiltin()
	require.NoError(t, err)
	engine := estimation.NewEngine(reg, pricing.NewResolver(pricing.DefaultTable(), regions.NewStore()), zerolog.Nop())

	res, err := engine.Evaluate(context.Background(), "concrete-slab",
		map[string]any{"length_ft": "20", "width_ft": "10", "thickness_in": "4"}, estimation.Options{State: "tx"})
	require.NoError(t, err)

	pe := policy.NewEngine()
	pe.AddPolicy(policy.BudgetPolicy(100))
	pol, err := pe.Evaluate(context.Background(), policy.EvaluationRequest{Estimate: res})
	require.NoError(t, err)
	return res, pol
}

func TestWriteEstimateFormats(t *testing.T) {
	res, pol := slabEstimate(t)

	var table bytes.Buffer
	require.NoError(t, writeEstimate(&table, "table", res, pol))
	assert.Contains(t, table.String(), "CONCRETE SLAB")
	assert.Contains(t, table.String(), "❌ DENY")

	var md bytes.Buffer
	require.NoError(t, writeEstimate(&md, "markdown", res, pol))
	assert.Contains(t, md.String(), "## Policy: deny")

	var js bytes.Buffer
	require.NoError(t, writeEstimate(&js, "json", res, pol))
	assert.Contains(t, js.String(), `"decision": "deny"`)

	var csv bytes.Buffer
	require.NoError(t, writeEstimate(&csv, "csv", res, pol))
	assert.Contains(t, csv.String(), "Line Item,CSI Code")

	assert.Error(t, writeEstimate(&bytes.Buffer{}, "xml", res, pol))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
